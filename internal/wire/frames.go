package wire

// FrameType discriminates the inbound/outbound control and data messages
// (spec.md 6). The Dispatcher performs a single match over this enum instead
// of the event-emitter-by-type-string the original protocol uses (spec.md 9).
type FrameType string

const (
	FrameSubscribeRequest         FrameType = "SubscribeRequest"
	FrameSubscribeResponse        FrameType = "SubscribeResponse"
	FrameUnsubscribeRequest       FrameType = "UnsubscribeRequest"
	FrameUnsubscribeResponse      FrameType = "UnsubscribeResponse"
	FrameResendLastRequest        FrameType = "ResendLastRequest"
	FrameResendFromRequest        FrameType = "ResendFromRequest"
	FrameResendRangeRequest       FrameType = "ResendRangeRequest"
	FrameResendResponseResending  FrameType = "ResendResponseResending"
	FrameResendResponseResent     FrameType = "ResendResponseResent"
	FrameResendResponseNoResend   FrameType = "ResendResponseNoResend"
	FrameBroadcastMessage         FrameType = "BroadcastMessage"
	FrameUnicastMessage           FrameType = "UnicastMessage"
	FrameErrorResponse            FrameType = "ErrorResponse"
)

// Request is anything the core sends to the broker over a Connection.
type Request interface {
	FrameType() FrameType
	ID() string
}

// SubscribeRequest asks the broker to start forwarding a partition.
type SubscribeRequest struct {
	RequestID    string `json:"requestId"`
	StreamID     string `json:"streamId"`
	Partition    int    `json:"streamPartition"`
	SessionToken string `json:"sessionToken"`
}

func (r SubscribeRequest) FrameType() FrameType { return FrameSubscribeRequest }
func (r SubscribeRequest) ID() string            { return r.RequestID }

// UnsubscribeRequest asks the broker to stop forwarding a partition.
type UnsubscribeRequest struct {
	RequestID string `json:"requestId"`
	StreamID  string `json:"streamId"`
	Partition int    `json:"streamPartition"`
}

func (r UnsubscribeRequest) FrameType() FrameType { return FrameUnsubscribeRequest }
func (r UnsubscribeRequest) ID() string            { return r.RequestID }

// ResendLastRequest asks for the last NumberLast messages of a partition.
type ResendLastRequest struct {
	RequestID    string `json:"requestId"`
	StreamID     string `json:"streamId"`
	Partition    int    `json:"streamPartition"`
	NumberLast   int    `json:"numberLast"`
	SessionToken string `json:"sessionToken"`
}

func (r ResendLastRequest) FrameType() FrameType { return FrameResendLastRequest }
func (r ResendLastRequest) ID() string            { return r.RequestID }

// ResendFromRequest asks for every message at or after FromMsgRef.
type ResendFromRequest struct {
	RequestID    string     `json:"requestId"`
	StreamID     string     `json:"streamId"`
	Partition    int        `json:"streamPartition"`
	FromMsgRef   MessageRef `json:"fromMsgRef"`
	PublisherID  string     `json:"publisherId,omitempty"`
	MsgChainID   string     `json:"msgChainId,omitempty"`
	SessionToken string     `json:"sessionToken"`
}

func (r ResendFromRequest) FrameType() FrameType { return FrameResendFromRequest }
func (r ResendFromRequest) ID() string            { return r.RequestID }

// ResendRangeRequest asks for every message in [FromMsgRef, ToMsgRef].
type ResendRangeRequest struct {
	RequestID    string     `json:"requestId"`
	StreamID     string     `json:"streamId"`
	Partition    int        `json:"streamPartition"`
	FromMsgRef   MessageRef `json:"fromMsgRef"`
	ToMsgRef     MessageRef `json:"toMsgRef"`
	PublisherID  string     `json:"publisherId,omitempty"`
	MsgChainID   string     `json:"msgChainId,omitempty"`
	SessionToken string     `json:"sessionToken"`
}

func (r ResendRangeRequest) FrameType() FrameType { return FrameResendRangeRequest }
func (r ResendRangeRequest) ID() string            { return r.RequestID }

// SubscribeResponse acknowledges a SubscribeRequest.
type SubscribeResponse struct {
	RequestID string `json:"requestId"`
	StreamID  string `json:"streamId"`
	Partition int    `json:"streamPartition"`
}

// UnsubscribeResponse acknowledges an UnsubscribeRequest.
type UnsubscribeResponse struct {
	RequestID string `json:"requestId"`
	StreamID  string `json:"streamId"`
	Partition int    `json:"streamPartition"`
}

// ResendResponseResending opens a resend episode.
type ResendResponseResending struct {
	RequestID string `json:"requestId"`
	StreamID  string `json:"streamId"`
	Partition int    `json:"streamPartition"`
}

// ResendResponseResent closes a resend episode that delivered messages.
type ResendResponseResent struct {
	RequestID string `json:"requestId"`
	StreamID  string `json:"streamId"`
	Partition int    `json:"streamPartition"`
}

// ResendResponseNoResend closes a resend episode that had nothing to deliver.
type ResendResponseNoResend struct {
	RequestID string `json:"requestId"`
	StreamID  string `json:"streamId"`
	Partition int    `json:"streamPartition"`
}

// BroadcastMessage is a live delivery with no associated request.
type BroadcastMessage struct {
	StreamMessage StreamMessage `json:"streamMessage"`
}

// UnicastMessage is a historical delivery for a specific resend episode.
type UnicastMessage struct {
	RequestID     string        `json:"requestId"`
	StreamMessage StreamMessage `json:"streamMessage"`
}

// ErrorResponse may terminate any pending request (spec.md 6, 7).
type ErrorResponse struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (e ErrorResponse) Error() string { return e.ErrorCode + ": " + e.ErrorMessage }

// Inbound is the typed enum of everything a Connection can deliver to the
// core. Exactly one of the pointer fields is non-nil, selected by Type.
type Inbound struct {
	Type FrameType

	SubscribeResponse       *SubscribeResponse
	UnsubscribeResponse     *UnsubscribeResponse
	ResendResponseResending *ResendResponseResending
	ResendResponseResent    *ResendResponseResent
	ResendResponseNoResend  *ResendResponseNoResend
	Broadcast               *BroadcastMessage
	Unicast                 *UnicastMessage
	Error                   *ErrorResponse
}

// RequestID returns the correlation id carried by the inbound message, or the
// empty string for BroadcastMessage which carries none.
func (m Inbound) RequestID() string {
	switch m.Type {
	case FrameSubscribeResponse:
		return m.SubscribeResponse.RequestID
	case FrameUnsubscribeResponse:
		return m.UnsubscribeResponse.RequestID
	case FrameResendResponseResending:
		return m.ResendResponseResending.RequestID
	case FrameResendResponseResent:
		return m.ResendResponseResent.RequestID
	case FrameResendResponseNoResend:
		return m.ResendResponseNoResend.RequestID
	case FrameUnicastMessage:
		return m.Unicast.RequestID
	case FrameErrorResponse:
		return m.Error.RequestID
	default:
		return ""
	}
}

// Key returns the (stream, partition) key carried by the inbound message when
// applicable.
func (m Inbound) Key() (SubscriptionKey, bool) {
	switch m.Type {
	case FrameSubscribeResponse:
		return SubscriptionKey{StreamID: m.SubscribeResponse.StreamID, Partition: m.SubscribeResponse.Partition}, true
	case FrameUnsubscribeResponse:
		return SubscriptionKey{StreamID: m.UnsubscribeResponse.StreamID, Partition: m.UnsubscribeResponse.Partition}, true
	case FrameResendResponseResending:
		return SubscriptionKey{StreamID: m.ResendResponseResending.StreamID, Partition: m.ResendResponseResending.Partition}, true
	case FrameResendResponseResent:
		return SubscriptionKey{StreamID: m.ResendResponseResent.StreamID, Partition: m.ResendResponseResent.Partition}, true
	case FrameResendResponseNoResend:
		return SubscriptionKey{StreamID: m.ResendResponseNoResend.StreamID, Partition: m.ResendResponseNoResend.Partition}, true
	case FrameBroadcastMessage:
		return m.Broadcast.StreamMessage.Key(), true
	case FrameUnicastMessage:
		return m.Unicast.StreamMessage.Key(), true
	default:
		return SubscriptionKey{}, false
	}
}

// ResendResponseTypes are the two terminal replies to a resend request's
// opening episode (spec.md 4.1).
var ResendResponseTypes = []FrameType{FrameResendResponseResending, FrameResendResponseNoResend}
