package substream

import "go-substream-client/internal/wire"

// State is a Subscription's position in the state machine of spec.md 4.5/3.
type State int

const (
	StatePending State = iota
	StateSubscribing
	StateSubscribed
	StateResending
	StateResendDone
	StateUnsubscribing
	StateUnsubscribed
	StateError
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	case StateResending:
		return "resending"
	case StateResendDone:
		return "resendDone"
	case StateUnsubscribing:
		return "unsubscribing"
	case StateUnsubscribed:
		return "unsubscribed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Message is a verified-or-not delivery handed to a Subscription's message
// handler. Verified is always true when the Subscription's verify mode is
// "never".
type Message struct {
	StreamID    string
	Partition   int
	PublisherID string
	MsgChainID  string
	Ref         wire.MessageRef
	ContentType string
	Content     []byte
	Verified    bool
}

func messageFrom(sm wire.StreamMessage, verified bool) Message {
	return Message{
		StreamID:    sm.MessageID.StreamID,
		Partition:   sm.MessageID.Partition,
		PublisherID: sm.MessageID.PublisherID,
		MsgChainID:  sm.MessageID.MsgChainID,
		Ref:         sm.MessageID.Ref(),
		ContentType: sm.ContentType,
		Content:     sm.Content,
		Verified:    verified,
	}
}

// GapEvent reports a detected hole in one chain's sequence: the inclusive
// range of refs missing between the last delivered message and the one that
// revealed the hole.
type GapEvent struct {
	PublisherID string
	MsgChainID  string
	From        wire.MessageRef
	To          wire.MessageRef
}

// ResendEvent reports a resend episode's lifecycle.
type ResendEvent struct {
	PublisherID string
	MsgChainID  string
}

// Handlers bundles the callbacks a Subscription invokes; every field may be
// left nil. Handlers are invoked synchronously on whichever goroutine
// observes the event: the Client's read loop for live and resent deliveries
// (OnMessage, OnGap), the goroutine calling Subscribe or Unsubscribe for the
// subscribe and initial-resend lifecycle (which also flushes live messages
// buffered during the initial resend), and a per-gap goroutine for gap-fill
// resend events. A handler must not block on the Subscription it belongs to.
type Handlers struct {
	OnMessage      func(Message)
	OnSubscribed   func()
	OnUnsubscribed func()
	OnResending    func(ResendEvent)
	OnResent       func(ResendEvent)
	OnNoResend     func(ResendEvent)
	OnGap          func(GapEvent)
	OnError        func(error)
	OnDone         func()
}
