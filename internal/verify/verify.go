// Package verify implements the MessageVerifier of spec.md 4.2: it checks a
// StreamMessage's signature against the canonical payload it covers, and
// memoizes the result per delivered message so co-located Subscriptions share
// a single check (spec.md 3, invariant 3 of spec.md 8).
package verify

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"

	"go-substream-client/internal/config"
	"go-substream-client/internal/wire"
)

// RequiresSignatureFunc reports whether a given stream mandates signed
// messages, used by VerifyAuto mode. Stream metadata is out of scope for this
// module (spec.md 1); callers that need real per-stream policy supply their
// own lookup. The default always requires signatures, the conservative
// choice when no metadata source is wired.
type RequiresSignatureFunc func(streamID string) bool

// AlwaysRequireSignatures is the default RequiresSignatureFunc.
func AlwaysRequireSignatures(string) bool { return true }

// Identity is the memoization key for a delivered message (spec.md 9: "weak
// cache keyed by message identity").
type Identity struct {
	StreamID    string
	PublisherID string
	MsgChainID  string
	Ref         wire.MessageRef
}

func identityOf(msg wire.StreamMessage) Identity {
	return Identity{
		StreamID:    msg.MessageID.StreamID,
		PublisherID: msg.MessageID.PublisherID,
		MsgChainID:  msg.MessageID.MsgChainID,
		Ref:         msg.MessageID.Ref(),
	}
}

// Handle is a memoized verification result, shared by every Subscription
// that receives the same delivery. Settlement happens exactly once inside
// Acquire; Handle.Result never blocks.
type Handle struct {
	ok  bool
	err error
}

// Result reports whether the message verified, and any error encountered
// while verifying (a malformed signature is reported as ok=false, err=nil;
// err is reserved for configuration/internal failures).
func (h *Handle) Result() (bool, error) { return h.ok, h.err }

// Verifier checks signatures and memoizes results per delivered message.
type Verifier struct {
	mode     config.VerifyMode
	requires RequiresSignatureFunc

	mu    sync.Mutex
	cache map[Identity]*entry
}

type entry struct {
	handle   *Handle
	refcount int
}

// New constructs a Verifier. mode must be one of the config.Verify* constants.
func New(mode config.VerifyMode, requires RequiresSignatureFunc) (*Verifier, error) {
	switch mode {
	case config.VerifyNever, config.VerifyAuto, config.VerifyAlways:
	default:
		return nil, fmt.Errorf("substream: unknown verify mode %q", mode)
	}
	if requires == nil {
		requires = AlwaysRequireSignatures
	}
	return &Verifier{mode: mode, requires: requires, cache: make(map[Identity]*entry)}, nil
}

// Acquire returns the shared Handle for msg, verifying it at most once. Every
// caller that acquires a handle for the same delivery must eventually call
// Release so the cache entry can be evicted (spec.md 3).
func (v *Verifier) Acquire(msg wire.StreamMessage) *Handle {
	id := identityOf(msg)

	v.mu.Lock()
	e, ok := v.cache[id]
	if ok {
		e.refcount++
		v.mu.Unlock()
		return e.handle
	}
	e = &entry{handle: &Handle{}, refcount: 1}
	v.cache[id] = e
	v.mu.Unlock()

	e.handle.ok, e.handle.err = v.verify(msg)
	return e.handle
}

// Release drops a reference to msg's cache entry, evicting it once no
// Subscription still holds it.
func (v *Verifier) Release(msg wire.StreamMessage) {
	id := identityOf(msg)
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.cache[id]
	if !ok {
		return
	}
	e.refcount--
	if e.refcount <= 0 {
		delete(v.cache, id)
	}
}

func (v *Verifier) verify(msg wire.StreamMessage) (bool, error) {
	switch v.mode {
	case config.VerifyNever:
		return true, nil
	case config.VerifyAuto:
		if !v.requires(msg.MessageID.StreamID) {
			return true, nil
		}
	case config.VerifyAlways:
	default:
		return false, fmt.Errorf("substream: unknown verify mode %q", v.mode)
	}
	return VerifySignature(msg)
}

// CanonicalPayload builds the exact byte sequence that msg.Signature must
// cover (spec.md 4.2): streamId, partition, timestamp, sequenceNumber,
// lowercased publisherId, msgChainId, and — when prevMsgRef is set — its
// timestamp and sequenceNumber, followed by the content.
func CanonicalPayload(msg wire.StreamMessage) []byte {
	var buf bytes.Buffer
	buf.WriteString(msg.MessageID.StreamID)
	writeInt64(&buf, int64(msg.MessageID.Partition))
	writeInt64(&buf, msg.MessageID.Timestamp)
	writeInt64(&buf, int64(msg.MessageID.SequenceNumber))
	buf.WriteString(strings.ToLower(msg.MessageID.PublisherID))
	buf.WriteString(msg.MessageID.MsgChainID)
	if msg.PrevMsgRef != nil {
		writeInt64(&buf, msg.PrevMsgRef.Timestamp)
		writeInt64(&buf, int64(msg.PrevMsgRef.SequenceNumber))
	}
	buf.Write(msg.Content)
	return buf.Bytes()
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	buf.Write(tmp[:])
}

// VerifySignature recovers the signer's address from msg.Signature over the
// Keccak-256 digest of the canonical payload and compares it against
// msg.MessageID.PublisherID. msg.Signature must be the 65-byte
// [R(32) || S(32) || recoveryID(1)] form.
func VerifySignature(msg wire.StreamMessage) (bool, error) {
	if len(msg.Signature) != 65 {
		return false, nil
	}
	digest := Keccak256(CanonicalPayload(msg))

	var compact [65]byte
	compact[0] = 27 + msg.Signature[64]
	copy(compact[1:], msg.Signature[:64])

	pub, _, err := ecdsa.RecoverCompact(compact[:], digest)
	if err != nil {
		return false, nil
	}
	address := AddressFromPublicKey(pub)
	return strings.EqualFold(address, msg.MessageID.PublisherID), nil
}

// Keccak256 hashes data with Keccak-256 (not SHA3-256 — Ethereum-style
// streams sign over Keccak, the pre-NIST-finalization variant x/crypto/sha3
// exposes as NewLegacyKeccak256).
func Keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

// AddressFromPublicKey derives the lowercase hex address (Keccak-256 of the
// uncompressed public key's X||Y, last 20 bytes) used as publisherId.
func AddressFromPublicKey(pub *secp256k1.PublicKey) string {
	uncompressed := pub.SerializeUncompressed()
	digest := Keccak256(uncompressed[1:])
	return "0x" + hex.EncodeToString(digest[12:])
}
