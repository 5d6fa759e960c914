package resend

import (
	"context"
	"sync"
	"testing"
	"time"

	"go-substream-client/internal/correlator"
	"go-substream-client/internal/ordering"
	"go-substream-client/internal/wire"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []wire.Request
}

func (f *fakeSender) Send(_ context.Context, req wire.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeSender) last() wire.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func newTestCoordinator(cfg Config) (*Coordinator, *correlator.Correlator, *fakeSender) {
	corr := correlator.New()
	sender := &fakeSender{}
	c := New(corr, nil, cfg)
	c.SetSender(sender)
	return c, corr, sender
}

func TestRequestAwaitsResendingAck(t *testing.T) {
	c, corr, sender := newTestCoordinator(DefaultConfig())
	key := wire.SubscriptionKey{StreamID: "s", Partition: 0}
	n := 10

	resultCh := make(chan Result, 1)
	errCh := make(chan error, 1)
	reqID := corr.NextRequestID()
	go func() {
		res, err := c.Request(context.Background(), reqID, key, wire.ResendOption{Last: &n})
		resultCh <- res
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	corr.OnInbound(wire.Inbound{
		Type:                    wire.FrameResendResponseResending,
		ResendResponseResending: &wire.ResendResponseResending{RequestID: reqID, StreamID: "s", Partition: 0},
	})

	if err := <-errCh; err != nil {
		t.Fatalf("Request: %v", err)
	}
	res := <-resultCh
	if res.NoResend {
		t.Fatal("expected a Resending ack, not NoResend")
	}
	if _, ok := sender.last().(wire.ResendLastRequest); !ok {
		t.Fatalf("expected a ResendLastRequest, got %T", sender.last())
	}
}

func TestRequestInitialRetriesOnceOnNoResendForLast(t *testing.T) {
	cfg := Config{RetryOnNoResend: true, RetryDelay: 5 * time.Millisecond}
	c, corr, sender := newTestCoordinator(cfg)
	key := wire.SubscriptionKey{StreamID: "s", Partition: 0}
	n := 1

	var registered []string
	register := func(reqID string) { registered = append(registered, reqID) }
	unregister := func(string) {}

	type out struct {
		reqID string
		res   Result
		err   error
	}
	outCh := make(chan out, 1)
	go func() {
		reqID, res, err := c.RequestInitial(context.Background(), key, wire.ResendOption{Last: &n}, corr.NextRequestID, register, unregister)
		outCh <- out{reqID, res, err}
	}()

	time.Sleep(10 * time.Millisecond)
	firstID := registered[0]
	corr.OnInbound(wire.Inbound{
		Type:                   wire.FrameResendResponseNoResend,
		ResendResponseNoResend: &wire.ResendResponseNoResend{RequestID: firstID, StreamID: "s", Partition: 0},
	})

	time.Sleep(30 * time.Millisecond)
	if len(registered) != 2 {
		t.Fatalf("expected exactly one retry, got %d attempts", len(registered))
	}
	secondID := registered[1]
	corr.OnInbound(wire.Inbound{
		Type:                   wire.FrameResendResponseNoResend,
		ResendResponseNoResend: &wire.ResendResponseNoResend{RequestID: secondID, StreamID: "s", Partition: 0},
	})

	result := <-outCh
	if result.err != nil {
		t.Fatalf("RequestInitial: %v", result.err)
	}
	if !result.res.NoResend || !result.res.RetriedAfterNoResend {
		t.Fatalf("Result = %+v, want NoResend+RetriedAfterNoResend", result.res)
	}
	if result.reqID != secondID {
		t.Fatalf("returned requestID = %q, want the retried attempt's %q", result.reqID, secondID)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("expected 2 requests sent, got %d", len(sender.sent))
	}
}

func TestRequestInitialDoesNotRetryNoResendForFrom(t *testing.T) {
	cfg := Config{RetryOnNoResend: true, RetryDelay: 5 * time.Millisecond}
	c, corr, sender := newTestCoordinator(cfg)
	key := wire.SubscriptionKey{StreamID: "s", Partition: 0}

	var registered []string
	register := func(reqID string) { registered = append(registered, reqID) }
	unregister := func(string) {}

	type out struct {
		reqID string
		res   Result
		err   error
	}
	outCh := make(chan out, 1)
	opt := wire.ResendOption{From: &wire.FromSelector{Ref: wire.MessageRef{Timestamp: 100, SequenceNumber: 0}}}
	go func() {
		reqID, res, err := c.RequestInitial(context.Background(), key, opt, corr.NextRequestID, register, unregister)
		outCh <- out{reqID, res, err}
	}()

	time.Sleep(10 * time.Millisecond)
	firstID := registered[0]
	corr.OnInbound(wire.Inbound{
		Type:                   wire.FrameResendResponseNoResend,
		ResendResponseNoResend: &wire.ResendResponseNoResend{RequestID: firstID, StreamID: "s", Partition: 0},
	})

	result := <-outCh
	if result.err != nil {
		t.Fatalf("RequestInitial: %v", result.err)
	}
	if !result.res.NoResend || result.res.RetriedAfterNoResend {
		t.Fatalf("Result = %+v, want NoResend without a retry", result.res)
	}

	// No retry should ever fire, even after waiting past retryDelay.
	time.Sleep(30 * time.Millisecond)
	if len(registered) != 1 || len(sender.sent) != 1 {
		t.Fatalf("expected exactly one attempt for a From-scoped initial resend, got %d registered / %d sent", len(registered), len(sender.sent))
	}
}

func TestFillGapRetriesOnceOnNoResend(t *testing.T) {
	cfg := Config{RetryOnNoResend: true, RetryDelay: 5 * time.Millisecond}
	c, corr, sender := newTestCoordinator(cfg)

	gap := ordering.GapRange{
		Chain: wire.ChainKey{StreamID: "s", Partition: 0, PublisherID: "0xabc", MsgChainID: "chain-1"},
		From:  wire.MessageRef{Timestamp: 100, SequenceNumber: 1},
		To:    wire.MessageRef{Timestamp: 100, SequenceNumber: 1},
	}

	var registered []string
	register := func(reqID string) { registered = append(registered, reqID) }
	unregister := func(string) {}

	resultCh := make(chan Result, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := c.FillGap(context.Background(), gap, corr.NextRequestID, register, unregister, nil)
		resultCh <- res
		errCh <- err
	}()

	// first attempt: respond NoResend.
	time.Sleep(10 * time.Millisecond)
	firstID := registered[0]
	corr.OnInbound(wire.Inbound{
		Type:                   wire.FrameResendResponseNoResend,
		ResendResponseNoResend: &wire.ResendResponseNoResend{RequestID: firstID, StreamID: "s", Partition: 0},
	})

	// second attempt (after retryDelay): respond NoResend again.
	time.Sleep(30 * time.Millisecond)
	if len(registered) != 2 {
		t.Fatalf("expected exactly one retry, got %d attempts", len(registered))
	}
	secondID := registered[1]
	corr.OnInbound(wire.Inbound{
		Type:                   wire.FrameResendResponseNoResend,
		ResendResponseNoResend: &wire.ResendResponseNoResend{RequestID: secondID, StreamID: "s", Partition: 0},
	})

	if err := <-errCh; err != nil {
		t.Fatalf("FillGap: %v", err)
	}
	res := <-resultCh
	if !res.NoResend || !res.RetriedAfterNoResend {
		t.Fatalf("Result = %+v, want NoResend+RetriedAfterNoResend", res)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("expected 2 requests sent, got %d", len(sender.sent))
	}
}
