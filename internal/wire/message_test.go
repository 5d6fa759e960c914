package wire

import "testing"

func TestMessageRefOrdering(t *testing.T) {
	a := MessageRef{Timestamp: 100, SequenceNumber: 1}
	b := MessageRef{Timestamp: 100, SequenceNumber: 2}
	c := MessageRef{Timestamp: 101, SequenceNumber: 0}

	if !a.Less(b) {
		t.Fatal("a should be less than b")
	}
	if !b.Less(c) {
		t.Fatal("b should be less than c")
	}
	if a.Successor() != b {
		t.Fatalf("Successor() = %v, want %v", a.Successor(), b)
	}
	if b.Predecessor() != a {
		t.Fatalf("Predecessor() = %v, want %v", b.Predecessor(), a)
	}
	if !a.LessOrEqual(a) {
		t.Fatal("a should be less-or-equal to itself")
	}
}

func TestResendOptionValidate(t *testing.T) {
	last := 10
	cases := []struct {
		name    string
		opt     ResendOption
		wantErr bool
	}{
		{"empty", ResendOption{}, false},
		{"last", ResendOption{Last: &last}, false},
		{"both-last-and-range", ResendOption{Last: &last, Range: &RangeSelector{}}, true},
		{"bad-range", ResendOption{Range: &RangeSelector{From: MessageRef{Timestamp: 5}, To: MessageRef{Timestamp: 1}}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.opt.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestMessageIDChainAndRef(t *testing.T) {
	id := MessageID{StreamID: "s", Partition: 1, Timestamp: 10, SequenceNumber: 2, PublisherID: "0xabc", MsgChainID: "chain-1"}
	ref := id.Ref()
	if ref.Timestamp != 10 || ref.SequenceNumber != 2 {
		t.Fatalf("Ref() = %+v", ref)
	}
	chain := id.Chain()
	if chain.StreamID != "s" || chain.PublisherID != "0xabc" || chain.MsgChainID != "chain-1" {
		t.Fatalf("Chain() = %+v", chain)
	}
}
