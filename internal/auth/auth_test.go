package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"go-substream-client/internal/config"
)

func jwtWithExpiry(t *testing.T, exp time.Time) string {
	t.Helper()
	payload, err := json.Marshal(struct {
		Expires int64 `json:"exp"`
	}{Expires: exp.Unix()})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256"}`))
	body := base64.RawURLEncoding.EncodeToString(payload)
	return header + "." + body + ".sig"
}

func TestProviderStaticSessionTokenNeverFetches(t *testing.T) {
	var calls int32
	p := New(config.Auth{Mode: config.AuthSessionToken, SessionToken: "static-token"}, func(ctx context.Context, a config.Auth) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "fetched", nil
	}, 0)

	for i := 0; i < 3; i++ {
		tok, err := p.Token(context.Background())
		if err != nil || tok != "static-token" {
			t.Fatalf("Token() = %q, %v", tok, err)
		}
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("expected no fetches for static session token, got %d", calls)
	}
}

func TestProviderCachesUntilExpiryLeeway(t *testing.T) {
	var calls int32
	now := time.Unix(1_700_000_000, 0)
	exp := now.Add(time.Minute)
	token := jwtWithExpiry(t, exp)

	p := New(config.Auth{Mode: config.AuthAPIKey, APIKey: "key"}, func(ctx context.Context, a config.Auth) (string, error) {
		atomic.AddInt32(&calls, 1)
		return token, nil
	}, 10*time.Second)
	p.WithClock(func() time.Time { return now })

	if _, err := p.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}
	if _, err := p.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single fetch while cached token is fresh, got %d", calls)
	}

	p.WithClock(func() time.Time { return exp.Add(-5 * time.Second) }) // inside the leeway window
	if _, err := p.Token(context.Background()); err != nil {
		t.Fatalf("Token: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected a refetch once within leeway of expiry, got %d", calls)
	}
}

func TestProviderDedupsConcurrentFetches(t *testing.T) {
	var calls int32
	start := make(chan struct{})
	p := New(config.Auth{Mode: config.AuthAPIKey, APIKey: "key"}, func(ctx context.Context, a config.Auth) (string, error) {
		atomic.AddInt32(&calls, 1)
		<-start
		return "tok", nil
	}, 0)

	results := make(chan string, 2)
	for i := 0; i < 2; i++ {
		go func() {
			tok, err := p.Token(context.Background())
			if err != nil {
				results <- fmt.Sprintf("error: %v", err)
				return
			}
			results <- tok
		}()
	}
	time.Sleep(10 * time.Millisecond)
	close(start)

	for i := 0; i < 2; i++ {
		if got := <-results; got != "tok" {
			t.Fatalf("Token() = %q", got)
		}
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly one fetch for concurrent callers, got %d", calls)
	}
}
