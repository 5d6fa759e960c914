// Package auth mints and caches the session token attached to outbound
// requests. The verification-only HMAC claim parsing the broker side uses
// (exp/iat/sub/aud) is repurposed here to decide when OUR OWN cached token
// needs renewing, instead of validating someone else's.
package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go-substream-client/internal/config"
)

// Fetcher mints a fresh session token for the supplied credential, e.g. by
// calling the broker's REST login endpoint. REST transport is out of scope
// for this module (spec.md 1); callers with AuthPrivateKey/APIKey/
// UsernamePassword modes must supply one.
type Fetcher func(ctx context.Context, auth config.Auth) (string, error)

// Provider caches a session token and dedups concurrent renewal so N
// Subscriptions issuing requests at once trigger at most one fetch.
type Provider struct {
	auth   config.Auth
	fetch  Fetcher
	leeway time.Duration
	now    func() time.Time

	mu       sync.Mutex
	cached   string
	expires  time.Time
	hasExp   bool
	inflight chan struct{}
	inflErr  error
}

// New constructs a Provider. For config.AuthSessionToken, fetch is never
// called — the supplied token is used verbatim and assumed not to expire
// from this client's point of view.
func New(auth config.Auth, fetch Fetcher, leeway time.Duration) *Provider {
	if leeway < 0 {
		leeway = 0
	}
	return &Provider{auth: auth, fetch: fetch, leeway: leeway, now: time.Now}
}

// WithClock overrides the provider's clock for deterministic tests.
func (p *Provider) WithClock(clock func() time.Time) {
	if clock != nil {
		p.now = clock
	}
}

// Token returns a valid session token, fetching (or waiting for an in-flight
// fetch of) a fresh one if the cached token is absent or within leeway of
// expiry.
func (p *Provider) Token(ctx context.Context) (string, error) {
	if p.auth.Mode == config.AuthSessionToken {
		return p.auth.SessionToken, nil
	}
	if p.fetch == nil {
		return "", fmt.Errorf("substream: no token fetcher configured for auth mode %d", p.auth.Mode)
	}

	p.mu.Lock()
	if p.fresh() {
		tok := p.cached
		p.mu.Unlock()
		return tok, nil
	}
	if ch := p.inflight; ch != nil {
		p.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		p.mu.Lock()
		tok, err := p.cached, p.inflErr
		p.mu.Unlock()
		return tok, err
	}
	done := make(chan struct{})
	p.inflight = done
	p.mu.Unlock()

	tok, err := p.fetch(ctx, p.auth)

	p.mu.Lock()
	if err == nil {
		p.cached = tok
		p.expires, p.hasExp = parseExpiry(tok)
	}
	p.inflErr = err
	p.inflight = nil
	p.mu.Unlock()
	close(done)

	return tok, err
}

// fresh reports whether the cached token is usable without refetching.
// Caller must hold p.mu.
func (p *Provider) fresh() bool {
	if p.cached == "" {
		return false
	}
	if !p.hasExp {
		return true
	}
	return p.now().Before(p.expires.Add(-p.leeway))
}

// Invalidate drops the cached token so the next Token call refetches. The
// Client itself does not call it.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = ""
	p.hasExp = false
}

// parseExpiry extracts the exp claim from a compact JWT-shaped token, the
// same three-segment layout the broker side verifies (internal/auth.Verify
// on the teacher side). Non-JWT tokens (opaque API-minted strings) report no
// expiry, so fresh() treats them as always valid until Invalidate is called.
func parseExpiry(token string) (time.Time, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Time{}, false
	}
	var payload struct {
		Expires int64 `json:"exp"`
	}
	if err := json.Unmarshal(payloadBytes, &payload); err != nil || payload.Expires <= 0 {
		return time.Time{}, false
	}
	return time.Unix(payload.Expires, 0), true
}
