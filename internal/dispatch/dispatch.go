// Package dispatch implements the Dispatcher of spec.md 4.7: it is the single
// place that interprets an inbound wire.Inbound frame, routing request/
// response pairs to the RequestCorrelator, fanning BroadcastMessage out to
// every coalesced member of a partition, and routing UnicastMessage to the
// specific Subscription whose resend is in flight — sharing one
// MessageVerifier handle across every consumer of a given delivery.
package dispatch

import (
	"fmt"
	"sync"

	"go-substream-client/internal/codec"
	"go-substream-client/internal/correlator"
	"go-substream-client/internal/registry"
	"go-substream-client/internal/verify"
	"go-substream-client/internal/wire"
	"go-substream-client/transport"
)

// BroadcastConsumer receives live deliveries fanned out to a PartitionEntry.
type BroadcastConsumer interface {
	registry.Member
	Deliver(msg wire.StreamMessage, verified bool)
}

// UnicastConsumer receives the historical deliveries of one resend episode.
type UnicastConsumer interface {
	DeliverUnicast(msg wire.StreamMessage, verified bool)
}

// Dispatcher routes decoded inbound frames to their consumers.
type Dispatcher struct {
	corr     *correlator.Correlator
	reg      *registry.Registry
	verifier *verify.Verifier
	codecs   *codec.Registry

	onProtocolError  func(error)
	onTransportError func(error)

	mu       sync.Mutex
	unicasts map[string]UnicastConsumer
}

// New constructs a Dispatcher wired to the given Correlator, Registry,
// Verifier, and codec Registry. onProtocolError/onTransportError may be nil.
func New(corr *correlator.Correlator, reg *registry.Registry, verifier *verify.Verifier, codecs *codec.Registry, onProtocolError, onTransportError func(error)) *Dispatcher {
	if onProtocolError == nil {
		onProtocolError = func(error) {}
	}
	if onTransportError == nil {
		onTransportError = func(error) {}
	}
	return &Dispatcher{
		corr:             corr,
		reg:              reg,
		verifier:         verifier,
		codecs:           codecs,
		onProtocolError:  onProtocolError,
		onTransportError: onTransportError,
		unicasts:         make(map[string]UnicastConsumer),
	}
}

// RegisterUnicast associates requestID with the Subscription awaiting its
// resent messages. Must be called before the resend request is sent.
func (d *Dispatcher) RegisterUnicast(requestID string, c UnicastConsumer) {
	d.mu.Lock()
	d.unicasts[requestID] = c
	d.mu.Unlock()
}

// UnregisterUnicast drops the route once the resend episode closes
// (ResendResponseResent/NoResend observed, or the request failed).
func (d *Dispatcher) UnregisterUnicast(requestID string) {
	d.mu.Lock()
	delete(d.unicasts, requestID)
	d.mu.Unlock()
}

// HandleEvent processes one transport.Event: messages are dispatched,
// EventError is passed to onTransportError, and EventDisconnected rejects
// every pending Correlator waiter. EventConnected is ignored here;
// reconnect and replay are left to the Client.
func (d *Dispatcher) HandleEvent(evt transport.Event) {
	switch evt.Kind {
	case transport.EventMessage:
		d.dispatch(evt.Message)
	case transport.EventError:
		d.onTransportError(evt.Err)
	case transport.EventDisconnected:
		d.corr.OnDisconnect()
	}
}

func (d *Dispatcher) dispatch(msg wire.Inbound) {
	if d.corr.OnInbound(msg) {
		return
	}
	switch msg.Type {
	case wire.FrameBroadcastMessage:
		d.deliverBroadcast(msg.Broadcast.StreamMessage)
	case wire.FrameUnicastMessage:
		d.deliverUnicast(msg.Unicast.RequestID, msg.Unicast.StreamMessage)
	case wire.FrameErrorResponse:
		d.onProtocolError(fmt.Errorf("substream: unmatched error response: %w", msg.Error))
	default:
		d.onProtocolError(fmt.Errorf("substream: unexpected frame type %q", msg.Type))
	}
}

func (d *Dispatcher) deliverBroadcast(sm wire.StreamMessage) {
	entry, ok := d.reg.Entry(sm.Key())
	if !ok {
		return
	}
	decoded, ok := d.decodeContent(sm)
	if !ok {
		return
	}
	handle := d.verifier.Acquire(decoded)
	verified, _ := handle.Result()
	for _, m := range entry.Members() {
		if bc, ok := m.(BroadcastConsumer); ok {
			bc.Deliver(decoded, verified)
		}
	}
	d.verifier.Release(decoded)
}

func (d *Dispatcher) deliverUnicast(requestID string, sm wire.StreamMessage) {
	d.mu.Lock()
	consumer, ok := d.unicasts[requestID]
	d.mu.Unlock()
	if !ok {
		d.onProtocolError(fmt.Errorf("substream: unicast message for unknown request %q", requestID))
		return
	}
	decoded, ok := d.decodeContent(sm)
	if !ok {
		return
	}
	handle := d.verifier.Acquire(decoded)
	verified, _ := handle.Result()
	consumer.DeliverUnicast(decoded, verified)
	d.verifier.Release(decoded)
}

// decodeContent decompresses sm.Content per its contentType suffix before
// any further processing, so verification's CanonicalPayload hashes the same
// bytes the publisher signed (SPEC_FULL.md 4 item 5: the signature covers
// the decoded content, not the compressed wire bytes).
func (d *Dispatcher) decodeContent(sm wire.StreamMessage) (wire.StreamMessage, bool) {
	if d.codecs == nil {
		return sm, true
	}
	baseType, content, err := d.codecs.DecodeContent(sm.ContentType, sm.Content)
	if err != nil {
		d.onProtocolError(fmt.Errorf("substream: content codec: %w", err))
		return wire.StreamMessage{}, false
	}
	sm.ContentType = baseType
	sm.Content = content
	return sm, true
}
