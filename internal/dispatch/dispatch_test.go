package dispatch

import (
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/golang/snappy"

	"go-substream-client/internal/codec"
	"go-substream-client/internal/config"
	"go-substream-client/internal/correlator"
	"go-substream-client/internal/registry"
	"go-substream-client/internal/verify"
	"go-substream-client/internal/wire"
)

type recordingMember struct {
	id        uint64
	delivered []wire.StreamMessage
}

func (m *recordingMember) ID() uint64     { return m.id }
func (m *recordingMember) Realtime() bool { return true }
func (m *recordingMember) Deliver(sm wire.StreamMessage, verified bool) {
	if verified {
		m.delivered = append(m.delivered, sm)
	}
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *registry.Registry, *[]error) {
	t.Helper()
	corr := correlator.New()
	reg := registry.New()
	verifier, err := verify.New(config.VerifyNever, nil)
	if err != nil {
		t.Fatalf("verify.New: %v", err)
	}
	var protoErrs []error
	d := New(corr, reg, verifier, codec.NewRegistry(), func(e error) { protoErrs = append(protoErrs, e) }, nil)
	return d, reg, &protoErrs
}

func TestDispatchFansBroadcastOutToCoalescedMembers(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)
	key := wire.SubscriptionKey{StreamID: "s", Partition: 0}
	m1 := &recordingMember{id: 1}
	m2 := &recordingMember{id: 2}
	reg.Join(key, m1)
	reg.Join(key, m2)

	sm := wire.StreamMessage{MessageID: wire.MessageID{StreamID: "s", Partition: 0, Timestamp: 1, SequenceNumber: 0, PublisherID: "0xabc", MsgChainID: "c"}}
	d.dispatch(wire.Inbound{Type: wire.FrameBroadcastMessage, Broadcast: &wire.BroadcastMessage{StreamMessage: sm}})

	if len(m1.delivered) != 1 || len(m2.delivered) != 1 {
		t.Fatalf("expected both members to receive the broadcast, got %d and %d", len(m1.delivered), len(m2.delivered))
	}
}

type recordingUnicast struct {
	delivered []wire.StreamMessage
}

func (u *recordingUnicast) DeliverUnicast(sm wire.StreamMessage, verified bool) {
	if verified {
		u.delivered = append(u.delivered, sm)
	}
}

func TestDispatchRoutesUnicastToRegisteredConsumer(t *testing.T) {
	d, _, protoErrs := newTestDispatcher(t)
	u := &recordingUnicast{}
	d.RegisterUnicast("req-1", u)

	sm := wire.StreamMessage{MessageID: wire.MessageID{StreamID: "s", Partition: 0, Timestamp: 1, SequenceNumber: 0, PublisherID: "0xabc", MsgChainID: "c"}}
	d.dispatch(wire.Inbound{Type: wire.FrameUnicastMessage, Unicast: &wire.UnicastMessage{RequestID: "req-1", StreamMessage: sm}})

	if len(u.delivered) != 1 {
		t.Fatalf("expected 1 delivered message, got %d", len(u.delivered))
	}
	if len(*protoErrs) != 0 {
		t.Fatalf("unexpected protocol errors: %v", *protoErrs)
	}
}

// TestDispatchDecodesCompressedContentBeforeVerifying covers SPEC_FULL.md 4
// item 5: a legitimately-signed message advertising a compressed content
// type must still verify, because the signature covers the decoded content,
// not the compressed wire bytes.
func TestDispatchDecodesCompressedContentBeforeVerifying(t *testing.T) {
	corr := correlator.New()
	reg := registry.New()
	verifier, err := verify.New(config.VerifyAlways, nil)
	if err != nil {
		t.Fatalf("verify.New: %v", err)
	}
	var protoErrs []error
	d := New(corr, reg, verifier, codec.NewRegistry(), func(e error) { protoErrs = append(protoErrs, e) }, nil)

	key := wire.SubscriptionKey{StreamID: "s", Partition: 0}
	m := &recordingMember{id: 1}
	reg.Join(key, m)

	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	address := verify.AddressFromPublicKey(priv.PubKey())
	plaintext := []byte(`{"hello":"world"}`)

	signed := wire.StreamMessage{
		MessageID:   wire.MessageID{StreamID: "s", Partition: 0, Timestamp: 1, SequenceNumber: 0, PublisherID: address, MsgChainID: "c"},
		Content:     plaintext,
		ContentType: "application/json",
	}
	digest := verify.Keccak256(verify.CanonicalPayload(signed))
	compact := ecdsa.SignCompact(priv, digest, false)
	sig := make([]byte, 65)
	copy(sig[:64], compact[1:])
	sig[64] = compact[0] - 27
	signed.Signature = sig

	onWire := signed
	onWire.Content = snappy.Encode(nil, plaintext)
	onWire.ContentType = "application/json+snappy"

	d.dispatch(wire.Inbound{Type: wire.FrameBroadcastMessage, Broadcast: &wire.BroadcastMessage{StreamMessage: onWire}})

	if len(protoErrs) != 0 {
		t.Fatalf("unexpected protocol errors: %v", protoErrs)
	}
	if len(m.delivered) != 1 {
		t.Fatalf("expected 1 delivered message, got %d", len(m.delivered))
	}
	if m.delivered[0].ContentType != "application/json" {
		t.Fatalf("expected decoded base content type, got %q", m.delivered[0].ContentType)
	}
}

func TestDispatchReportsProtocolErrorForUnknownUnicastRoute(t *testing.T) {
	d, _, protoErrs := newTestDispatcher(t)
	sm := wire.StreamMessage{MessageID: wire.MessageID{StreamID: "s", Partition: 0}}
	d.dispatch(wire.Inbound{Type: wire.FrameUnicastMessage, Unicast: &wire.UnicastMessage{RequestID: "unknown", StreamMessage: sm}})

	if len(*protoErrs) != 1 {
		t.Fatalf("expected 1 protocol error, got %d", len(*protoErrs))
	}
}
