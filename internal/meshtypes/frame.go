package meshtypes

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"lukechampine.com/blake3"
)

// FrameKind tags the union of messages the Peer Manager transports. The
// set is closed and shared with every upper layer (§4.1).
type FrameKind int

const (
	FramePing FrameKind = iota
	FramePong
	FrameTaskRequest
	FrameTaskResponse
	FrameTaskResult
	FramePeerDiscovery
	FrameVerificationRequest
	FrameFindNode
	FrameFindNodeResponse
	FrameDiscoveryResponse
	FrameVerificationResponse
)

func (k FrameKind) String() string {
	switch k {
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameTaskRequest:
		return "task_request"
	case FrameTaskResponse:
		return "task_response"
	case FrameTaskResult:
		return "task_result"
	case FramePeerDiscovery:
		return "peer_discovery"
	case FrameVerificationRequest:
		return "verification_request"
	case FrameFindNode:
		return "find_node"
	case FrameFindNodeResponse:
		return "find_node_response"
	case FrameDiscoveryResponse:
		return "discovery_response"
	case FrameVerificationResponse:
		return "verification_response"
	default:
		return "unknown"
	}
}

// Frame is the canonical wire envelope. Byte-exact encoding is required
// between peers: Encode/CanonicalBytes must be deterministic for a given
// value.
type Frame struct {
	FrameID   FrameID
	Kind      FrameKind
	From      NodeID
	To        NodeID
	TimestampMS int64
	Payload   json.RawMessage
	Signature []byte // optional, 64-byte Ed25519 detached signature
}

// CanonicalBytes returns the deterministic byte sequence that is hashed
// and signed: (kind, from, to, timestamp, canonical(payload)). Payload
// is expected to already be canonical JSON (Go's encoding/json sorts
// object keys for map values and preserves declared struct field order,
// which is sufficient determinism for this system's closed payload
// types).
func (f Frame) CanonicalBytes() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(f.Kind))
	buf.Write(f.From[:])
	buf.Write(f.To[:])
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(f.TimestampMS))
	buf.Write(tsBuf[:])
	buf.Write(f.Payload)
	return buf.Bytes()
}

// Sign attaches a detached Ed25519 signature over CanonicalBytes().
func (f *Frame) Sign(priv ed25519.PrivateKey) {
	f.Signature = ed25519.Sign(priv, f.CanonicalBytes())
}

// VerifySignature checks the frame's signature against the claimed
// sender's advertised public key. Per spec §9 Open Question #2, this
// MUST check against the real key — never a presence-only check.
func (f Frame) VerifySignature(senderPub ed25519.PublicKey) bool {
	if len(f.Signature) != ed25519.SignatureSize || len(senderPub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(senderPub, f.CanonicalBytes(), f.Signature)
}

// CanonicalEncode produces the deterministic encoding of any payload
// value used for hashing/signing elsewhere in the system (requirement
// hashes, result hashes). Struct field order is fixed by the Go type,
// and encoding/json sorts map keys, giving a stable encoding across
// processes for the closed set of types this system defines.
func CanonicalEncode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// RequirementHash computes the SHA-256 digest of a canonically encoded
// TaskRequirements, truncated to a 160-bit NodeID, used as the DHT lookup target for candidate
// selection (§4.4).
func RequirementHash(req TaskRequirements) (NodeID, error) {
	enc, err := CanonicalEncode(req)
	if err != nil {
		return NodeID{}, fmt.Errorf("canonical encode requirements: %w", err)
	}
	return NodeIDFromBytes(enc), nil
}

// ResultHash computes the SHA-256 digest of a canonically encoded
// result payload, used by verifiers' result_hash sub-check (§4.5).
// Returns the zero hash (and ok=false) for an empty payload, since the
// spec treats "never empty" as the pass condition.
func ResultHash(payload []byte) (digest [32]byte, ok bool) {
	if len(payload) == 0 {
		return [32]byte{}, false
	}
	return sha256.Sum256(payload), true
}

// DedupFingerprint returns a fast, non-cryptographic fingerprint of a
// frame's identity, suitable only for local duplicate-suppression
// caches. No package in this module calls it; Discovery's gossip dedup
// bloom filter keys on the peer's NodeID. It is never used for security decisions — those
// always go through VerifySignature/ResultHash (SHA-256).
func DedupFingerprint(f Frame) [32]byte {
	return blake3.Sum256(f.CanonicalBytes())
}
