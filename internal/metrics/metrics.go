// Package metrics exposes client-side counters, adapted from the teacher's
// BandwidthRegulator.SnapshotUsage gauge-copy-under-lock pattern: a counter
// struct is kept per subscription, updated under the Registry's mutex, and
// exported by value so callers can read it without holding a lock themselves.
package metrics

import (
	"sync"

	"go-substream-client/internal/wire"
)

// Snapshot is a point-in-time copy of one subscription's counters.
type Snapshot struct {
	MessagesDelivered   int64
	MessagesDuplicate   int64
	VerificationsOK     int64
	VerificationsFailed int64
	GapsDetected        int64
	GapsResolved        int64
	ResendsIssued       int64
	ResendsRetried      int64
}

type counters struct {
	Snapshot
}

// Registry tracks per-subscription counters.
type Registry struct {
	mu    sync.Mutex
	byKey map[wire.SubscriptionKey]*counters
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{byKey: make(map[wire.SubscriptionKey]*counters)}
}

func (r *Registry) entry(key wire.SubscriptionKey) *counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byKey[key]
	if !ok {
		c = &counters{}
		r.byKey[key] = c
	}
	return c
}

// Forget drops the counters for key, used once a subscription is torn down.
func (r *Registry) Forget(key wire.SubscriptionKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byKey, key)
}

// Snapshot returns a copy of key's counters, zero-valued if untracked.
func (r *Registry) Snapshot(key wire.SubscriptionKey) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byKey[key]
	if !ok {
		return Snapshot{}
	}
	return c.Snapshot
}

// Total aggregates counters across every tracked subscription.
func (r *Registry) Total() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total Snapshot
	for _, c := range r.byKey {
		total.MessagesDelivered += c.MessagesDelivered
		total.MessagesDuplicate += c.MessagesDuplicate
		total.VerificationsOK += c.VerificationsOK
		total.VerificationsFailed += c.VerificationsFailed
		total.GapsDetected += c.GapsDetected
		total.GapsResolved += c.GapsResolved
		total.ResendsIssued += c.ResendsIssued
		total.ResendsRetried += c.ResendsRetried
	}
	return total
}

func (r *Registry) inc(key wire.SubscriptionKey, field *int64) {
	r.mu.Lock()
	*field++
	r.mu.Unlock()
}

// MessageDelivered records a unique, in-order delivery.
func (r *Registry) MessageDelivered(key wire.SubscriptionKey) {
	c := r.entry(key)
	r.inc(key, &c.MessagesDelivered)
}

// MessageDuplicate records a message dropped as a duplicate.
func (r *Registry) MessageDuplicate(key wire.SubscriptionKey) {
	c := r.entry(key)
	r.inc(key, &c.MessagesDuplicate)
}

// VerificationResult records the outcome of one signature check.
func (r *Registry) VerificationResult(key wire.SubscriptionKey, ok bool) {
	c := r.entry(key)
	if ok {
		r.inc(key, &c.VerificationsOK)
	} else {
		r.inc(key, &c.VerificationsFailed)
	}
}

// GapDetected records a newly observed ordering gap.
func (r *Registry) GapDetected(key wire.SubscriptionKey) {
	c := r.entry(key)
	r.inc(key, &c.GapsDetected)
}

// GapResolved records a gap closed by a successful resend.
func (r *Registry) GapResolved(key wire.SubscriptionKey) {
	c := r.entry(key)
	r.inc(key, &c.GapsResolved)
}

// ResendIssued records one resend request sent to the broker.
func (r *Registry) ResendIssued(key wire.SubscriptionKey) {
	c := r.entry(key)
	r.inc(key, &c.ResendsIssued)
}

// ResendRetried records a no-resend retry firing (spec.md 9).
func (r *Registry) ResendRetried(key wire.SubscriptionKey) {
	c := r.entry(key)
	r.inc(key, &c.ResendsRetried)
}
