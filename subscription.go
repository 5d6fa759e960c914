package substream

import (
	"context"
	"sync"

	"go-substream-client/internal/ordering"
	"go-substream-client/internal/wire"
)

// SubscriptionOption configures a Subscription before it starts (spec.md 3).
type SubscriptionOption func(*Subscription)

// WithHandlers attaches the callbacks invoked for this Subscription's events.
func WithHandlers(h Handlers) SubscriptionOption {
	return func(s *Subscription) { s.handlers = h }
}

// WithResendLast requests the last n messages of the partition on subscribe.
func WithResendLast(n int) SubscriptionOption {
	return func(s *Subscription) { s.resendOption.Last = &n }
}

// WithResendFrom requests every message at or after ref, optionally scoped to
// one publisher/chain.
func WithResendFrom(ref wire.MessageRef, publisherID, msgChainID string) SubscriptionOption {
	return func(s *Subscription) {
		s.resendOption.From = &wire.FromSelector{Ref: ref, PublisherID: publisherID, MsgChainID: msgChainID}
	}
}

// WithResendRange requests every message in [from, to], optionally scoped to
// one publisher/chain.
func WithResendRange(from, to wire.MessageRef, publisherID, msgChainID string) SubscriptionOption {
	return func(s *Subscription) {
		s.resendOption.Range = &wire.RangeSelector{From: from, To: to, PublisherID: publisherID, MsgChainID: msgChainID}
	}
}

// WithOnlyResend marks the Subscription as a one-shot historical fetch: it is
// excluded from reconnect replay and its broker-side subscription is dropped
// once the initial resend closes (spec.md 4.6).
func WithOnlyResend() SubscriptionOption {
	return func(s *Subscription) { s.realtimeWanted = false }
}

// Subscription is a handle to one logical (streamId, partition, resend
// option) subscription. Multiple Subscriptions for the same partition are
// coalesced onto a single broker-side subscription by the Client's
// SubscriptionRegistry (spec.md 4.6); each still runs its own ordering,
// verification sharing, and resend/gap-fill lifecycle.
type Subscription struct {
	id       uint64
	client   *Client
	key      wire.SubscriptionKey
	handlers Handlers

	resendOption   wire.ResendOption
	realtimeWanted bool

	ordering *ordering.Tracker

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	buffering bool
	buffered  []wire.StreamMessage
}

func newSubscription(client *Client, id uint64, key wire.SubscriptionKey, opts []SubscriptionOption) *Subscription {
	s := &Subscription{
		id:             id,
		client:         client,
		key:            key,
		realtimeWanted: true,
		ordering:       ordering.New(),
		state:          StatePending,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// ID satisfies registry.Member.
func (s *Subscription) ID() uint64 { return s.id }

// Realtime satisfies registry.Member.
func (s *Subscription) Realtime() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.realtimeWanted
}

// State reports the Subscription's current position in its state machine.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StreamID returns the subscribed stream.
func (s *Subscription) StreamID() string { return s.key.StreamID }

// Partition returns the subscribed partition.
func (s *Subscription) Partition() int { return s.key.Partition }

func (s *Subscription) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Subscription) emitError(err error) {
	if s.handlers.OnError != nil {
		s.handlers.OnError(err)
	}
}

// start performs the subscribe handshake (coalesced via the registry) and,
// if a resend option was given, the initial historical fetch, buffering any
// concurrently arriving live broadcasts until it closes (spec.md 4.4's
// combined subscribe+resend semantics).
func (s *Subscription) start(ctx context.Context) error {
	s.setState(StateSubscribing)

	entry, first := s.client.registry.Join(s.key, s)
	if first {
		err := s.client.sendSubscribe(ctx, s.key)
		entry.SettleSubscribed(err)
		if err != nil {
			s.client.registry.Leave(s.key, s.id)
			s.setState(StateError)
			return err
		}
	} else if err := entry.AwaitSubscribed(ctx); err != nil {
		// The outstanding SubscribeRequest this join was coalescing onto
		// failed (or disconnected/cancelled) before ever reaching the
		// broker — this join reports the same failure rather than a
		// synchronous false "subscribed" (spec.md 4.6, Testable Property 1).
		s.client.registry.Leave(s.key, s.id)
		s.setState(StateError)
		return err
	}
	s.setState(StateSubscribed)

	if !s.resendOption.IsZero() {
		s.setState(StateResending)
		s.mu.Lock()
		s.buffering = true
		s.mu.Unlock()

		if err := s.runInitialResend(ctx); err != nil {
			s.emitError(err)
		}

		s.mu.Lock()
		s.buffering = false
		buffered := s.buffered
		s.buffered = nil
		s.mu.Unlock()

		for _, sm := range buffered {
			s.route(sm, true)
		}

		if !s.realtimeWanted {
			// Bounded resend, no live leg: the Subscription naturally ends
			// here (spec.md 3's ResendDone state, 4.5's "done" event) rather
			// than sitting in Subscribed forever with nothing left to do.
			if s.handlers.OnSubscribed != nil {
				s.handlers.OnSubscribed()
			}
			s.finishResendOnly(ctx)
			return nil
		}
		s.setState(StateSubscribed)
	}

	if s.handlers.OnSubscribed != nil {
		s.handlers.OnSubscribed()
	}
	return nil
}

// finishResendOnly drops the broker-side subscription once a WithOnlyResend
// Subscription's initial resend has closed, moves it to the terminal
// ResendDone state, and emits OnDone (spec.md 4.5/4.6).
func (s *Subscription) finishResendOnly(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateResendDone || s.state == StateUnsubscribed {
		s.mu.Unlock()
		return
	}
	s.state = StateResendDone
	s.mu.Unlock()

	s.cancel()

	last := s.client.registry.Leave(s.key, s.id)
	if last {
		if err := s.client.sendUnsubscribe(ctx, s.key); err != nil {
			s.emitError(err)
		}
		s.client.ratelimit.Forget(s.key.String())
		s.client.metrics.Forget(s.key)
	}

	if s.handlers.OnDone != nil {
		s.handlers.OnDone()
	}
}

func (s *Subscription) runInitialResend(ctx context.Context) error {
	reqID, res, err := s.client.resendCoord.RequestInitial(ctx, s.key, s.resendOption,
		s.client.correlator.NextRequestID,
		func(id string) { s.client.dispatcher.RegisterUnicast(id, s) },
		func(id string) { s.client.dispatcher.UnregisterUnicast(id) },
	)
	if err != nil {
		s.client.dispatcher.UnregisterUnicast(reqID)
		return err
	}
	s.client.metrics.ResendIssued(s.key)
	if res.RetriedAfterNoResend {
		s.client.metrics.ResendRetried(s.key)
	}
	if res.NoResend {
		s.client.dispatcher.UnregisterUnicast(reqID)
		if s.handlers.OnNoResend != nil {
			s.handlers.OnNoResend(ResendEvent{})
		}
		return nil
	}
	if s.handlers.OnResending != nil {
		s.handlers.OnResending(ResendEvent{})
	}
	err = s.client.resendCoord.AwaitCompletion(ctx, reqID)
	s.client.dispatcher.UnregisterUnicast(reqID)
	if err != nil {
		return err
	}
	if s.handlers.OnResent != nil {
		s.handlers.OnResent(ResendEvent{})
	}
	return nil
}

// Unsubscribe tears down the Subscription. It is idempotent: calling it more
// than once, after it has already moved to Unsubscribed/Error, or after a
// WithOnlyResend Subscription has already reached ResendDone on its own
// (its broker-side subscription is already gone, spec.md 4.6), is a no-op.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateUnsubscribing || s.state == StateUnsubscribed || s.state == StateResendDone || s.state == StateError {
		s.mu.Unlock()
		return nil
	}
	s.state = StateUnsubscribing
	s.mu.Unlock()

	s.cancel()

	last := s.client.registry.Leave(s.key, s.id)
	if last {
		if err := s.client.sendUnsubscribe(ctx, s.key); err != nil {
			s.setState(StateError)
			return err
		}
		s.client.ratelimit.Forget(s.key.String())
		s.client.metrics.Forget(s.key)
	}

	s.setState(StateUnsubscribed)
	if s.handlers.OnUnsubscribed != nil {
		s.handlers.OnUnsubscribed()
	}
	if s.handlers.OnDone != nil {
		s.handlers.OnDone()
	}
	return nil
}

// Deliver satisfies dispatch.BroadcastConsumer.
func (s *Subscription) Deliver(sm wire.StreamMessage, verified bool) {
	s.client.metrics.VerificationResult(s.key, verified)
	s.mu.Lock()
	if s.buffering {
		if verified {
			s.buffered = append(s.buffered, sm)
		} else {
			s.mu.Unlock()
			s.emitError(&SignatureError{StreamID: sm.MessageID.StreamID, Partition: sm.MessageID.Partition, PublisherID: sm.MessageID.PublisherID})
			return
		}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.route(sm, verified)
}

// DeliverUnicast satisfies dispatch.UnicastConsumer.
func (s *Subscription) DeliverUnicast(sm wire.StreamMessage, verified bool) {
	s.client.metrics.VerificationResult(s.key, verified)
	s.route(sm, verified)
}

func (s *Subscription) route(sm wire.StreamMessage, verified bool) {
	if !verified {
		s.emitError(&SignatureError{StreamID: sm.MessageID.StreamID, Partition: sm.MessageID.Partition, PublisherID: sm.MessageID.PublisherID})
		return
	}

	outcome := s.ordering.Track(sm)
	if outcome.Duplicate {
		s.client.metrics.MessageDuplicate(s.key)
		return
	}
	if outcome.Gap != nil {
		s.client.metrics.GapDetected(s.key)
		if s.handlers.OnGap != nil {
			s.handlers.OnGap(GapEvent{
				PublisherID: outcome.Gap.Chain.PublisherID,
				MsgChainID:  outcome.Gap.Chain.MsgChainID,
				From:        outcome.Gap.From,
				To:          outcome.Gap.To,
			})
		}
		go s.fillGap(*outcome.Gap)
	}
	for _, m := range outcome.Deliverable {
		s.client.metrics.MessageDelivered(s.key)
		if s.handlers.OnMessage == nil {
			continue
		}
		// Content already decoded by the Dispatcher ahead of verification
		// (SPEC_FULL.md 4 item 5), so m.Content/m.ContentType are the
		// publisher's original plaintext here.
		s.handlers.OnMessage(messageFrom(m, true))
	}
}

func (s *Subscription) fillGap(gap ordering.GapRange) {
	evt := ResendEvent{PublisherID: gap.Chain.PublisherID, MsgChainID: gap.Chain.MsgChainID}
	register := func(reqID string) { s.client.dispatcher.RegisterUnicast(reqID, s) }
	unregister := func(reqID string) { s.client.dispatcher.UnregisterUnicast(reqID) }
	onResending := func(string) {
		if s.handlers.OnResending != nil {
			s.handlers.OnResending(evt)
		}
	}

	res, err := s.client.resendCoord.FillGap(s.ctx, gap, s.client.correlator.NextRequestID, register, unregister, onResending)
	if err != nil {
		s.emitError(err)
		return
	}
	s.client.metrics.ResendIssued(s.key)
	if res.RetriedAfterNoResend {
		s.client.metrics.ResendRetried(s.key)
	}
	if res.NoResend {
		if s.handlers.OnNoResend != nil {
			s.handlers.OnNoResend(evt)
		}
		return
	}
	s.client.metrics.GapResolved(s.key)
	if s.handlers.OnResent != nil {
		s.handlers.OnResent(evt)
	}
}
