// Package correlator implements the RequestCorrelator of spec.md 4.1: it maps
// opaque request identifiers to pending waiters and resolves them as matching
// inbound frames arrive.
package correlator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"go-substream-client/internal/wire"
)

// Correlator owns request-id generation and the pending-waiter table. One
// instance is shared by a Client; request-ids are unique per Correlator
// instance, not per process (spec.md 9: replaces the ambient message-id
// counter).
type Correlator struct {
	mu      sync.Mutex
	waiters map[string]*waiter
}

type waiter struct {
	expected map[wire.FrameType]struct{}
	resultCh chan result
	timer    *time.Timer
}

type result struct {
	msg wire.Inbound
	err error
}

// New constructs an empty Correlator.
func New() *Correlator {
	return &Correlator{waiters: make(map[string]*waiter)}
}

// NextRequestID mints a fresh, client-unique request identifier.
func (c *Correlator) NextRequestID() string {
	return uuid.NewString()
}

// Await registers a waiter for reqID and blocks until a matching response
// arrives, the ErrorResponse for reqID arrives, ctx is cancelled, the
// correlator is torn down by Disconnect, or timeout elapses (timeout <= 0
// disables the bound), per spec.md 4.1.
func (c *Correlator) Await(ctx context.Context, reqID string, expected []wire.FrameType, timeout time.Duration) (wire.Inbound, error) {
	w := &waiter{
		expected: make(map[wire.FrameType]struct{}, len(expected)),
		resultCh: make(chan result, 1),
	}
	for _, t := range expected {
		w.expected[t] = struct{}{}
	}

	c.mu.Lock()
	c.waiters[reqID] = w
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, func() { c.resolve(reqID, result{err: errTimeout{}}) })
	}
	c.mu.Unlock()

	select {
	case res := <-w.resultCh:
		return res.msg, res.err
	case <-ctx.Done():
		c.resolve(reqID, result{err: errAborted{}})
		return wire.Inbound{}, errAborted{}
	}
}

// OnInbound feeds an inbound frame to the correlator. It returns true if the
// frame resolved (or rejected) a pending waiter and should not be routed
// further by the Dispatcher.
func (c *Correlator) OnInbound(msg wire.Inbound) bool {
	reqID := msg.RequestID()
	if reqID == "" {
		return false
	}
	c.mu.Lock()
	w, ok := c.waiters[reqID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	if msg.Type == wire.FrameErrorResponse {
		delete(c.waiters, reqID)
		c.mu.Unlock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.resultCh <- result{err: &RequestFailedError{Code: msg.Error.ErrorCode, Message: msg.Error.ErrorMessage}}
		return true
	}
	if _, matches := w.expected[msg.Type]; !matches {
		c.mu.Unlock()
		return false
	}
	delete(c.waiters, reqID)
	c.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.resultCh <- result{msg: msg}
	return true
}

// OnDisconnect rejects every pending waiter with ErrDisconnected (spec.md
// 4.1, 5).
func (c *Correlator) OnDisconnect() {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = make(map[string]*waiter)
	c.mu.Unlock()
	for _, w := range waiters {
		if w.timer != nil {
			w.timer.Stop()
		}
		w.resultCh <- result{err: errDisconnected{}}
	}
}

func (c *Correlator) resolve(reqID string, res result) {
	c.mu.Lock()
	w, ok := c.waiters[reqID]
	if ok {
		delete(c.waiters, reqID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	select {
	case w.resultCh <- res:
	default:
	}
}

// RequestFailedError wraps a broker ErrorResponse that terminated a request.
type RequestFailedError struct {
	Code    string
	Message string
}

func (e *RequestFailedError) Error() string { return "substream: request failed: " + e.Code + ": " + e.Message }

type errTimeout struct{}

func (errTimeout) Error() string { return "substream: request timed out" }

type errDisconnected struct{}

func (errDisconnected) Error() string { return "substream: disconnected" }

type errAborted struct{}

func (errAborted) Error() string { return "substream: aborted" }

// IsTimeout reports whether err originated from a Correlator timeout.
func IsTimeout(err error) bool { _, ok := err.(errTimeout); return ok }

// IsDisconnected reports whether err originated from OnDisconnect.
func IsDisconnected(err error) bool { _, ok := err.(errDisconnected); return ok }

// IsAborted reports whether err originated from ctx cancellation.
func IsAborted(err error) bool { _, ok := err.(errAborted); return ok }
