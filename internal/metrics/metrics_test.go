package metrics

import (
	"testing"

	"go-substream-client/internal/wire"
)

func TestSnapshotZeroValueForUntrackedKey(t *testing.T) {
	r := New()
	key := wire.SubscriptionKey{StreamID: "s", Partition: 0}
	if got := r.Snapshot(key); got != (Snapshot{}) {
		t.Fatalf("Snapshot() = %+v, want zero value", got)
	}
}

func TestPerKeyIncrementMethods(t *testing.T) {
	r := New()
	key := wire.SubscriptionKey{StreamID: "s", Partition: 0}

	r.MessageDelivered(key)
	r.MessageDelivered(key)
	r.MessageDuplicate(key)
	r.VerificationResult(key, true)
	r.VerificationResult(key, false)
	r.GapDetected(key)
	r.GapResolved(key)
	r.ResendIssued(key)
	r.ResendRetried(key)

	got := r.Snapshot(key)
	want := Snapshot{
		MessagesDelivered:   2,
		MessagesDuplicate:   1,
		VerificationsOK:     1,
		VerificationsFailed: 1,
		GapsDetected:        1,
		GapsResolved:        1,
		ResendsIssued:       1,
		ResendsRetried:      1,
	}
	if got != want {
		t.Fatalf("Snapshot() = %+v, want %+v", got, want)
	}
}

func TestForgetDropsCounters(t *testing.T) {
	r := New()
	key := wire.SubscriptionKey{StreamID: "s", Partition: 0}
	r.MessageDelivered(key)
	r.Forget(key)
	if got := r.Snapshot(key); got != (Snapshot{}) {
		t.Fatalf("Snapshot() after Forget = %+v, want zero value", got)
	}
}

func TestTotalAggregatesAcrossKeys(t *testing.T) {
	r := New()
	k1 := wire.SubscriptionKey{StreamID: "s1", Partition: 0}
	k2 := wire.SubscriptionKey{StreamID: "s2", Partition: 1}

	r.MessageDelivered(k1)
	r.MessageDelivered(k1)
	r.MessageDelivered(k2)
	r.GapDetected(k2)

	total := r.Total()
	if total.MessagesDelivered != 3 {
		t.Fatalf("MessagesDelivered = %d, want 3", total.MessagesDelivered)
	}
	if total.GapsDetected != 1 {
		t.Fatalf("GapsDetected = %d, want 1", total.GapsDetected)
	}
}
