// Package transporttest provides an in-memory fake transport.Connection for
// deterministic unit tests, in the spirit of the teacher's websockettest
// helper (which rigged a real websocket.Conn to misbehave on demand) but
// avoiding any real socket: tests record sends and inject inbound frames
// directly.
package transporttest

import (
	"context"
	"sync"

	"go-substream-client/internal/wire"
	"go-substream-client/transport"
)

// Fake is a transport.Connection double that records every sent request and
// lets the test push inbound events on demand.
type Fake struct {
	mu     sync.Mutex
	sent   []wire.Request
	events chan transport.Event
	closed bool
}

// New constructs a Fake already in the connected state.
func New() *Fake {
	f := &Fake{events: make(chan transport.Event, 256)}
	f.events <- transport.Event{Kind: transport.EventConnected}
	return f
}

// Send records the request. It never fails unless the fake is closed.
func (f *Fake) Send(_ context.Context, req wire.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return context.Canceled
	}
	f.sent = append(f.sent, req)
	return nil
}

// Events returns the event channel tests push into via Deliver/Disconnect.
func (f *Fake) Events() <-chan transport.Event { return f.events }

// Close marks the fake closed and closes the event channel.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.events)
	return nil
}

// Sent returns a snapshot of every request sent so far, in order.
func (f *Fake) Sent() []wire.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.Request, len(f.sent))
	copy(out, f.sent)
	return out
}

// Deliver injects an inbound message as if the broker had sent it.
func (f *Fake) Deliver(msg wire.Inbound) {
	f.events <- transport.Event{Kind: transport.EventMessage, Message: msg}
}

// Disconnect simulates a transport-level disconnect without closing the fake,
// so a test can later simulate a reconnect by constructing a new Fake and
// handing it to the same Client.
func (f *Fake) Disconnect() {
	f.events <- transport.Event{Kind: transport.EventDisconnected}
}

var _ transport.Connection = (*Fake)(nil)
