// Package registry implements the SubscriptionRegistry and PartitionEntry of
// spec.md 3 and 4.6: it coalesces however many logical Subscriptions a caller
// makes for the same (streamId, partition) onto a single broker-side
// subscribe/unsubscribe, and knows which partitions need resubscribing after
// a reconnect.
package registry

import (
	"context"
	"sync"

	"go-substream-client/internal/wire"
)

// Member is the minimal surface a Subscription exposes to the registry. The
// registry package cannot import the public Subscription type (it would
// create an import cycle), so it depends on this interface instead.
type Member interface {
	// ID uniquely identifies this member within a PartitionEntry.
	ID() uint64
	// Realtime reports whether this member expects an ongoing live feed
	// after any initial resend completes. A pure historical fetch (just a
	// bounded resend.last/from/range with no intent to stay subscribed)
	// returns false and is excluded from reconnect replay (spec.md 4.6).
	Realtime() bool
}

// PartitionEntry tracks every Member coalesced onto one broker-side
// subscription for a given (streamId, partition).
type PartitionEntry struct {
	Key     wire.SubscriptionKey
	mu      sync.Mutex
	members map[uint64]Member

	settled chan struct{}
	subErr  error
}

// Members returns a snapshot of every member currently joined.
func (e *PartitionEntry) Members() []Member {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Member, 0, len(e.members))
	for _, m := range e.members {
		out = append(out, m)
	}
	return out
}

// HasRealtimeMember reports whether any joined member expects a live feed.
func (e *PartitionEntry) HasRealtimeMember() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range e.members {
		if m.Realtime() {
			return true
		}
	}
	return false
}

func (e *PartitionEntry) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.members)
}

// SettleSubscribed records the outcome of the in-flight SubscribeRequest that
// the first joiner sent, and wakes every joiner blocked in AwaitSubscribed.
// It must be called exactly once per entry, by the first joiner only,
// whether the subscribe succeeded or failed (spec.md 4.6).
func (e *PartitionEntry) SettleSubscribed(err error) {
	e.mu.Lock()
	e.subErr = err
	e.mu.Unlock()
	close(e.settled)
}

// AwaitSubscribed blocks a non-first joiner until the outstanding
// SubscribeRequest settles, returning its error (nil on success). If the
// subscribe already settled before this call, it returns immediately —
// spec.md 4.6: "marks the new subscription Subscribed synchronously once the
// ongoing subscribe completes".
func (e *PartitionEntry) AwaitSubscribed(ctx context.Context) error {
	select {
	case <-e.settled:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.subErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Registry coalesces Subscriptions by (streamId, partition).
type Registry struct {
	mu         sync.Mutex
	partitions map[wire.SubscriptionKey]*PartitionEntry
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{partitions: make(map[wire.SubscriptionKey]*PartitionEntry)}
}

// Join adds member to key's PartitionEntry, creating the entry if absent. It
// returns the entry and whether member is the first one joined — the caller
// must send a SubscribeRequest only when first is true (spec.md 4.6:
// "one broker-side subscription regardless of member count").
func (r *Registry) Join(key wire.SubscriptionKey, member Member) (entry *PartitionEntry, first bool) {
	r.mu.Lock()
	e, ok := r.partitions[key]
	if !ok {
		e = &PartitionEntry{Key: key, members: make(map[uint64]Member), settled: make(chan struct{})}
		r.partitions[key] = e
	}
	r.mu.Unlock()

	e.mu.Lock()
	first = len(e.members) == 0
	e.members[member.ID()] = member
	e.mu.Unlock()
	return e, first
}

// Leave removes memberID from key's PartitionEntry. It returns whether the
// entry is now empty — the caller must send an UnsubscribeRequest only when
// last is true, and the entry is then dropped from the registry.
func (r *Registry) Leave(key wire.SubscriptionKey, memberID uint64) (last bool) {
	r.mu.Lock()
	e, ok := r.partitions[key]
	if !ok {
		r.mu.Unlock()
		return true
	}
	r.mu.Unlock()

	e.mu.Lock()
	delete(e.members, memberID)
	empty := len(e.members) == 0
	e.mu.Unlock()

	if empty {
		r.mu.Lock()
		delete(r.partitions, key)
		r.mu.Unlock()
	}
	return empty
}

// Entry returns the PartitionEntry for key, if any.
func (r *Registry) Entry(key wire.SubscriptionKey) (*PartitionEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.partitions[key]
	return e, ok
}

// Keys returns a snapshot of every partition currently tracked.
func (r *Registry) Keys() []wire.SubscriptionKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]wire.SubscriptionKey, 0, len(r.partitions))
	for k := range r.partitions {
		out = append(out, k)
	}
	return out
}

// ReconnectKeys returns one key per PartitionEntry that has at least one
// realtime member — the set that must be resubscribed after a reconnect.
// Entries whose members are all pure historical fetches are excluded: their
// resend already ran to completion and there is no live subscription to
// resume (spec.md 4.6).
func (r *Registry) ReconnectKeys() []wire.SubscriptionKey {
	r.mu.Lock()
	entries := make([]*PartitionEntry, 0, len(r.partitions))
	for _, e := range r.partitions {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	var out []wire.SubscriptionKey
	for _, e := range entries {
		if e.HasRealtimeMember() {
			out = append(out, e.Key)
		}
	}
	return out
}
