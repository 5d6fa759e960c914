// Package transport defines the Connection abstraction the subscription core
// consumes. Framing, TLS, and keepalive live behind this interface; a
// Connection covers a single dial, and redialing with backoff is done by the
// Client.
package transport

import (
	"context"

	"go-substream-client/internal/wire"
)

// EventKind discriminates the events a Connection emits.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventMessage
	EventError
)

// Event is one observation from a Connection: a lifecycle transition or an
// inbound message already decoded into the wire vocabulary.
type Event struct {
	Kind    EventKind
	Message wire.Inbound
	Err     error
}

// Connection is the full-duplex channel to the broker. Implementations own
// dialing and keepalive but do not reconnect; the core only sends typed
// requests and observes the event stream.
type Connection interface {
	// Send transmits a typed request. Implementations MUST preserve send
	// order per caller (spec.md 5: "the transport itself may batch but MUST
	// preserve order per sender").
	Send(ctx context.Context, req wire.Request) error
	// Events returns the channel of lifecycle and message events. It is
	// closed when the Connection is closed.
	Events() <-chan Event
	// Close releases the underlying connection.
	Close() error
}
