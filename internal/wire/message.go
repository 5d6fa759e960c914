// Package wire defines the data model and on-wire message vocabulary shared
// between the subscription core and a Connection implementation (spec.md 3, 6).
package wire

import "fmt"

// MessageRef is the ordering key within a chain: (timestamp, sequenceNumber).
type MessageRef struct {
	Timestamp      int64  `json:"timestamp"`
	SequenceNumber uint32 `json:"sequenceNumber"`
}

// Less reports whether r sorts strictly before other under lexicographic order.
func (r MessageRef) Less(other MessageRef) bool {
	if r.Timestamp != other.Timestamp {
		return r.Timestamp < other.Timestamp
	}
	return r.SequenceNumber < other.SequenceNumber
}

// LessOrEqual reports whether r sorts before or at other.
func (r MessageRef) LessOrEqual(other MessageRef) bool {
	return r == other || r.Less(other)
}

// Successor returns the smallest ref strictly greater than r within the same
// timestamp (spec.md 4.3: "increments sequence-number by 1 keeping timestamp").
func (r MessageRef) Successor() MessageRef {
	return MessageRef{Timestamp: r.Timestamp, SequenceNumber: r.SequenceNumber + 1}
}

// Predecessor returns the largest ref strictly smaller than r within the same
// timestamp ("decrements sequence-number by 1 keeping timestamp").
func (r MessageRef) Predecessor() MessageRef {
	return MessageRef{Timestamp: r.Timestamp, SequenceNumber: r.SequenceNumber - 1}
}

func (r MessageRef) String() string {
	return fmt.Sprintf("%d-%d", r.Timestamp, r.SequenceNumber)
}

// MessageID is the full identity of a StreamMessage (spec.md 3).
type MessageID struct {
	StreamID       string `json:"streamId"`
	Partition      int    `json:"streamPartition"`
	Timestamp      int64  `json:"timestamp"`
	SequenceNumber uint32 `json:"sequenceNumber"`
	PublisherID    string `json:"publisherId"`
	MsgChainID     string `json:"msgChainId"`
}

// Ref projects the ordering key out of the full identity.
func (id MessageID) Ref() MessageRef {
	return MessageRef{Timestamp: id.Timestamp, SequenceNumber: id.SequenceNumber}
}

// ChainKey identifies an OrderingTracker bucket: (stream, partition, publisher, chain).
type ChainKey struct {
	StreamID    string
	Partition   int
	PublisherID string
	MsgChainID  string
}

// Chain projects a MessageID down to its ChainKey.
func (id MessageID) Chain() ChainKey {
	return ChainKey{StreamID: id.StreamID, Partition: id.Partition, PublisherID: id.PublisherID, MsgChainID: id.MsgChainID}
}

// StreamMessage is an immutable signed record delivered by the broker.
type StreamMessage struct {
	MessageID      MessageID   `json:"messageId"`
	PrevMsgRef     *MessageRef `json:"prevMsgRef,omitempty"`
	Content        []byte      `json:"content"`
	ContentType    string      `json:"contentType"`
	EncryptionType string      `json:"encryptionType"`
	SignatureType  string      `json:"signatureType"`
	Signature      []byte      `json:"signature"`
}

// Key returns the (stream, partition) subscription key this message belongs to.
func (m StreamMessage) Key() SubscriptionKey {
	return SubscriptionKey{StreamID: m.MessageID.StreamID, Partition: m.MessageID.Partition}
}

// SubscriptionKey is the unit of broker-side subscription: (streamId, partition).
type SubscriptionKey struct {
	StreamID  string
	Partition int
}

func (k SubscriptionKey) String() string {
	return fmt.Sprintf("%s/%d", k.StreamID, k.Partition)
}

// ResendOption is a tagged variant; at most one field may be non-nil
// (spec.md 3: Last | From | Range).
type ResendOption struct {
	Last  *int
	From  *FromSelector
	Range *RangeSelector
}

// FromSelector resends everything at or after Ref, optionally scoped to a
// single publisher/chain.
type FromSelector struct {
	Ref         MessageRef
	PublisherID string
	MsgChainID  string
}

// RangeSelector resends a bounded [From, To] window, optionally scoped to a
// single publisher/chain.
type RangeSelector struct {
	From        MessageRef
	To          MessageRef
	PublisherID string
	MsgChainID  string
}

// IsZero reports whether no resend option was requested.
func (r ResendOption) IsZero() bool {
	return r.Last == nil && r.From == nil && r.Range == nil
}

// Validate enforces "at most one variant per subscription" (spec.md 3).
func (r ResendOption) Validate() error {
	set := 0
	if r.Last != nil {
		set++
	}
	if r.From != nil {
		set++
	}
	if r.Range != nil {
		set++
	}
	if set > 1 {
		return fmt.Errorf("configuration: at most one resend option may be set, got %d", set)
	}
	if r.Last != nil && *r.Last <= 0 {
		return fmt.Errorf("configuration: resend.last must be positive")
	}
	if r.Range != nil && r.Range.To.Less(r.Range.From) {
		return fmt.Errorf("configuration: resend.range.to must not precede resend.range.from")
	}
	return nil
}
