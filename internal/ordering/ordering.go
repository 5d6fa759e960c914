// Package ordering implements the OrderingTracker of spec.md 4.3: per-chain
// sequencing, duplicate detection, out-of-order buffering, and gap-fill
// bookkeeping so a chain's messages are delivered to the Subscription in
// order exactly once.
package ordering

import (
	"sort"
	"sync"

	"go-substream-client/internal/wire"
)

// GapRange describes a hole in a chain's sequence that the ResendCoordinator
// should fill with a resend-range request.
type GapRange struct {
	Chain wire.ChainKey
	From  wire.MessageRef // first ref missing (inclusive)
	To    wire.MessageRef // last ref missing (inclusive)
}

// Outcome is the result of feeding one message through the Tracker.
type Outcome struct {
	// Deliverable holds zero or more messages now safe to hand to the
	// Subscription, in order: msg itself (if in-order) followed by any
	// buffered messages the arrival of msg unblocked.
	Deliverable []wire.StreamMessage
	// Duplicate is true when msg's ref was already delivered or superseded.
	Duplicate bool
	// Gap is non-nil exactly when this call revealed a NEW hole that the
	// caller must request a resend for; an already-outstanding gap is
	// extended silently (at most one outstanding gap-fill per chain, per
	// spec.md 4.3).
	Gap *GapRange
}

type chainState struct {
	lastRef        *wire.MessageRef
	buffer         map[wire.MessageRef]wire.StreamMessage
	gapOutstanding bool
	pendingTo      wire.MessageRef
}

// Tracker holds per-chain ordering state. Each Subscription owns one Tracker
// covering every chain it observes; coalesced Subscriptions do not share one.
type Tracker struct {
	mu     sync.Mutex
	chains map[wire.ChainKey]*chainState
}

// New constructs an empty Tracker.
func New() *Tracker {
	return &Tracker{chains: make(map[wire.ChainKey]*chainState)}
}

// Track feeds one delivered message through the ordering state machine.
func (t *Tracker) Track(msg wire.StreamMessage) Outcome {
	key := msg.MessageID.Chain()
	ref := msg.MessageID.Ref()

	t.mu.Lock()
	defer t.mu.Unlock()
	cs := t.chains[key]
	if cs == nil {
		cs = &chainState{buffer: make(map[wire.MessageRef]wire.StreamMessage)}
		t.chains[key] = cs
	}

	if cs.lastRef != nil && !cs.lastRef.Less(ref) {
		return Outcome{Duplicate: true}
	}

	if cs.lastRef == nil || msg.PrevMsgRef == nil || !cs.lastRef.Less(*msg.PrevMsgRef) && !msg.PrevMsgRef.Less(*cs.lastRef) {
		cs.lastRef = &ref
		delivered := append([]wire.StreamMessage{msg}, cs.drain()...)
		return Outcome{Deliverable: delivered}
	}

	cs.buffer[ref] = msg
	gapFrom := cs.lastRef.Successor()
	gapTo := *msg.PrevMsgRef

	if cs.gapOutstanding {
		if cs.pendingTo.Less(gapTo) {
			cs.pendingTo = gapTo
		}
		return Outcome{}
	}
	cs.gapOutstanding = true
	cs.pendingTo = gapTo
	return Outcome{Gap: &GapRange{Chain: key, From: gapFrom, To: gapTo}}
}

// drain pops buffered messages that are now contiguous with lastRef, in
// order, clearing gapOutstanding once the chain has caught up to pendingTo.
// Caller must hold t.mu.
func (cs *chainState) drain() []wire.StreamMessage {
	var out []wire.StreamMessage
	for {
		next := cs.lastRef.Successor()
		msg, ok := cs.buffer[next]
		if !ok {
			break
		}
		delete(cs.buffer, next)
		cs.lastRef = &next
		out = append(out, msg)
	}
	if cs.gapOutstanding && !cs.lastRef.Less(cs.pendingTo) {
		cs.gapOutstanding = false
	}
	return out
}

// PendingGap reports the outstanding gap range for key, if any: from the
// successor of the last delivered ref to the furthest missing ref recorded
// while the gap has been outstanding.
func (t *Tracker) PendingGap(key wire.ChainKey) (GapRange, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs, ok := t.chains[key]
	if !ok || !cs.gapOutstanding || cs.lastRef == nil {
		return GapRange{}, false
	}
	return GapRange{Chain: key, From: cs.lastRef.Successor(), To: cs.pendingTo}, true
}

// BufferedCount reports how many messages are held waiting on a gap fill, for
// metrics and tests.
func (t *Tracker) BufferedCount(key wire.ChainKey) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs, ok := t.chains[key]
	if !ok {
		return 0
	}
	return len(cs.buffer)
}

// Reset drops all state for key, so the chain's next message is treated as
// its first.
func (t *Tracker) Reset(key wire.ChainKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.chains, key)
}

// ResetPartition drops state for every chain belonging to a partition.
func (t *Tracker) ResetPartition(sk wire.SubscriptionKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.chains {
		if key.StreamID == sk.StreamID && key.Partition == sk.Partition {
			delete(t.chains, key)
		}
	}
}

// Chains returns the set of chain keys currently tracked for a partition, in
// a stable order, for deterministic iteration (e.g. by a resend sweep).
func (t *Tracker) Chains(sk wire.SubscriptionKey) []wire.ChainKey {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []wire.ChainKey
	for key := range t.chains {
		if key.StreamID == sk.StreamID && key.Partition == sk.Partition {
			out = append(out, key)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PublisherID != out[j].PublisherID {
			return out[i].PublisherID < out[j].PublisherID
		}
		return out[i].MsgChainID < out[j].MsgChainID
	})
	return out
}
