package substream

import (
	"errors"
	"fmt"
)

// Sentinel errors identifying the error kinds of spec.md 7. Use errors.Is to
// test for a kind; use errors.As to recover a *ProtocolError/*RequestError
// for the wire-level detail. A SubscribeRequest or UnsubscribeRequest that
// fails at the broker, times out, is disconnected or is cancelled makes
// Subscribe/Unsubscribe return one of these kinds; invalid options make New
// return an error wrapping ErrConfiguration; protocol errors reach
// ClientHandlers.OnError as a *ProtocolError. Other errors (token fetch,
// rate limiting, send failures, resend and gap-fill failures reported
// through Handlers.OnError, transport errors passed to
// ClientHandlers.OnError) are passed on as they arise without these kinds.
// The Client never produces ErrDecode or a DecodeError itself.
var (
	// ErrDisconnected means the transport disconnected while a request was pending.
	ErrDisconnected = errors.New("substream: disconnected")
	// ErrTimeout means a correlated request had no matching reply within its deadline.
	ErrTimeout = errors.New("substream: request timed out")
	// ErrAborted means the operation was cancelled by the caller.
	ErrAborted = errors.New("substream: aborted")
	// ErrProtocol means a well-formed frame carried unexpected content.
	ErrProtocol = errors.New("substream: protocol error")
	// ErrDecode means an inbound frame could not be parsed.
	ErrDecode = errors.New("substream: decode error")
	// ErrConfiguration means the supplied options were invalid.
	ErrConfiguration = errors.New("substream: invalid configuration")
)

// RequestError wraps a broker-side ErrorResponse that terminated a pending
// request (spec.md 7, RequestFailed).
type RequestError struct {
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("substream: request failed: %s: %s", e.Code, e.Message)
}

// ProtocolError reports a well-formed frame with content the core did not
// expect, e.g. a UnicastMessage whose requestId matches no live resend.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string { return "substream: " + e.Message }

func (e *ProtocolError) Unwrap() error { return ErrProtocol }

// DecodeError wraps a transport-level frame decode failure.
type DecodeError struct {
	Cause error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("substream: decode error: %v", e.Cause) }

func (e *DecodeError) Unwrap() error { return ErrDecode }

// SignatureError reports a delivered message that failed signature
// verification; the message is dropped rather than handed to OnMessage.
type SignatureError struct {
	StreamID    string
	Partition   int
	PublisherID string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("substream: signature verification failed for %s/%d publisher %s", e.StreamID, e.Partition, e.PublisherID)
}
