// Package resend implements the ResendCoordinator of spec.md 4.4: it issues
// resend-last/from/range requests, correlates their two-stage response
// (Resending|NoResend, then eventually Resent), and retries a single
// no-resend outcome once, after a settle delay (spec.md 9, Open Question:
// retry-on-no-resend defaults to yes, after a 2s delay, exactly once). Two
// call sites apply this policy: RequestInitial, scoped to spec.md 4.4's
// literal "a last: N initial resend returns NoResend" case, and FillGap,
// which extends the same policy to a ResendRange gap-fill episode (a
// storage-settle race is just as plausible there).
package resend

import (
	"context"
	"fmt"
	"time"

	"go-substream-client/internal/correlator"
	"go-substream-client/internal/ordering"
	"go-substream-client/internal/wire"
)

// Sender is the minimal transport capability the coordinator needs. It is
// satisfied by transport.Connection; kept as a local interface so this
// package does not depend on the transport package at all.
type Sender interface {
	Send(ctx context.Context, req wire.Request) error
}

// TokenSource supplies the session token attached to resend requests that
// require authentication. nil is treated as "no auth".
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Result is the outcome of one resend episode.
type Result struct {
	NoResend             bool
	RetriedAfterNoResend bool
}

// Coordinator issues resend requests against a Sender and awaits their
// acknowledgement (and, for the caller's benefit, lets it separately await
// completion) via a shared Correlator.
type Coordinator struct {
	corr   *correlator.Correlator
	tokens TokenSource

	retryOnNoResend bool
	retryDelay      time.Duration

	sender Sender
}

// Config controls the no-resend retry policy (spec.md 9).
type Config struct {
	RetryOnNoResend bool
	RetryDelay      time.Duration
}

// DefaultConfig matches the spec's default: retry once, after 2s.
func DefaultConfig() Config {
	return Config{RetryOnNoResend: true, RetryDelay: 2 * time.Second}
}

// New constructs a Coordinator. SetSender must be called before any resend is
// issued; it is re-called on every reconnect with the fresh Connection.
func New(corr *correlator.Correlator, tokens TokenSource, cfg Config) *Coordinator {
	return &Coordinator{corr: corr, tokens: tokens, retryOnNoResend: cfg.RetryOnNoResend, retryDelay: cfg.RetryDelay}
}

// SetSender swaps the transport the coordinator sends requests through.
func (c *Coordinator) SetSender(s Sender) { c.sender = s }

// Request issues a resend per opt, awaits the opening acknowledgement
// (Resending or NoResend), and returns once that ack lands. It does not wait
// for the terminal ResendResponseResent; callers that care about completion
// call AwaitCompletion with the same requestID.
func (c *Coordinator) Request(ctx context.Context, requestID string, key wire.SubscriptionKey, opt wire.ResendOption) (Result, error) {
	if err := opt.Validate(); err != nil {
		return Result{}, err
	}
	req, err := c.buildRequest(ctx, requestID, key, opt)
	if err != nil {
		return Result{}, err
	}
	return c.send(ctx, requestID, req)
}

func (c *Coordinator) send(ctx context.Context, requestID string, req wire.Request) (Result, error) {
	if c.sender == nil {
		return Result{}, fmt.Errorf("substream: resend coordinator has no active connection")
	}
	if err := c.sender.Send(ctx, req); err != nil {
		return Result{}, err
	}
	msg, err := c.corr.Await(ctx, requestID, wire.ResendResponseTypes, 0)
	if err != nil {
		return Result{}, err
	}
	return Result{NoResend: msg.Type == wire.FrameResendResponseNoResend}, nil
}

// RequestInitial issues the subscribe-time resend described by opt and
// awaits its opening acknowledgement, applying the no-resend retry of
// spec.md 4.4/9 when opt is a Last{n} resend: if the broker immediately
// reports NoResend, wait retryDelay and ask once more (with a fresh request
// id) before giving up, since storage may not yet have caught up to the
// live edge. From/Range initial resends are not retried here — spec.md 4.4
// scopes this retry to "a last: N initial resend".
//
// register/unregister bind and release the requestID-to-consumer route the
// Dispatcher needs to hand UnicastMessage frames back to the caller. register
// is called once per attempt; unregister is called only for a first attempt
// that a retry replaces, so the route of the returned requestID is left for
// the caller to release. The returned requestID is whichever attempt
// actually settled (the retry's, if one fired) — callers must use it, not
// the id passed to register, for any subsequent AwaitCompletion call.
func (c *Coordinator) RequestInitial(ctx context.Context, key wire.SubscriptionKey, opt wire.ResendOption, newRequestID func() string, register, unregister func(requestID string)) (requestID string, res Result, err error) {
	reqID := newRequestID()
	register(reqID)
	res, err = c.Request(ctx, reqID, key, opt)
	if err != nil {
		return reqID, Result{}, err
	}
	if !res.NoResend || !c.retryOnNoResend || opt.Last == nil {
		return reqID, res, nil
	}

	unregister(reqID)
	select {
	case <-time.After(c.retryDelay):
	case <-ctx.Done():
		return reqID, res, ctx.Err()
	}

	reqID2 := newRequestID()
	register(reqID2)
	res2, err := c.Request(ctx, reqID2, key, opt)
	if err != nil {
		return reqID2, Result{}, err
	}
	res2.RetriedAfterNoResend = true
	return reqID2, res2, nil
}

// AwaitCompletion blocks until the resend episode started by requestID
// closes with ResendResponseResent.
func (c *Coordinator) AwaitCompletion(ctx context.Context, requestID string) error {
	_, err := c.corr.Await(ctx, requestID, []wire.FrameType{wire.FrameResendResponseResent}, 0)
	return err
}

// FillGap requests a bounded resend to close gap and blocks until that
// episode closes (NoResend, or Resent after streaming its messages),
// applying the no-resend retry policy: if the broker reports NoResend, wait
// retryDelay and ask once more before giving up (the storage node may not
// have settled the message yet, spec.md 9).
//
// register/unregister bind and release the requestID-to-consumer route the
// Dispatcher needs to hand UnicastMessage frames back to the caller; they
// are called once per attempt (initial, and the single retry if any).
// onResending, if non-nil, fires once the broker acknowledges it will
// stream messages, before FillGap blocks waiting for that stream to close.
func (c *Coordinator) FillGap(ctx context.Context, gap ordering.GapRange, newRequestID func() string, register, unregister func(requestID string), onResending func(requestID string)) (Result, error) {
	opt := wire.ResendOption{Range: &wire.RangeSelector{
		From:        gap.From,
		To:          gap.To,
		PublisherID: gap.Chain.PublisherID,
		MsgChainID:  gap.Chain.MsgChainID,
	}}
	key := wire.SubscriptionKey{StreamID: gap.Chain.StreamID, Partition: gap.Chain.Partition}

	attempt := func() (Result, error) {
		reqID := newRequestID()
		register(reqID)
		res, err := c.Request(ctx, reqID, key, opt)
		if err != nil {
			unregister(reqID)
			return Result{}, err
		}
		if res.NoResend {
			unregister(reqID)
			return res, nil
		}
		if onResending != nil {
			onResending(reqID)
		}
		err = c.AwaitCompletion(ctx, reqID)
		unregister(reqID)
		if err != nil {
			return Result{}, err
		}
		return res, nil
	}

	res, err := attempt()
	if err != nil {
		return Result{}, err
	}
	if !res.NoResend || !c.retryOnNoResend {
		return res, nil
	}

	select {
	case <-time.After(c.retryDelay):
	case <-ctx.Done():
		return res, ctx.Err()
	}

	res2, err := attempt()
	if err != nil {
		return Result{}, err
	}
	res2.RetriedAfterNoResend = true
	return res2, nil
}

func (c *Coordinator) buildRequest(ctx context.Context, requestID string, key wire.SubscriptionKey, opt wire.ResendOption) (wire.Request, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}
	switch {
	case opt.Last != nil:
		return wire.ResendLastRequest{
			RequestID:    requestID,
			StreamID:     key.StreamID,
			Partition:    key.Partition,
			NumberLast:   *opt.Last,
			SessionToken: token,
		}, nil
	case opt.From != nil:
		return wire.ResendFromRequest{
			RequestID:    requestID,
			StreamID:     key.StreamID,
			Partition:    key.Partition,
			FromMsgRef:   opt.From.Ref,
			PublisherID:  opt.From.PublisherID,
			MsgChainID:   opt.From.MsgChainID,
			SessionToken: token,
		}, nil
	case opt.Range != nil:
		return wire.ResendRangeRequest{
			RequestID:    requestID,
			StreamID:     key.StreamID,
			Partition:    key.Partition,
			FromMsgRef:   opt.Range.From,
			ToMsgRef:     opt.Range.To,
			PublisherID:  opt.Range.PublisherID,
			MsgChainID:   opt.Range.MsgChainID,
			SessionToken: token,
		}, nil
	default:
		return nil, fmt.Errorf("substream: empty resend option")
	}
}

func (c *Coordinator) token(ctx context.Context) (string, error) {
	if c.tokens == nil {
		return "", nil
	}
	return c.tokens.Token(ctx)
}
