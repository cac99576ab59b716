// Package meshtypes holds the data model shared by every mesh subsystem:
// identifiers, peer/capability records, the wire frame, and canonical
// encoding used for hashing and signing.
package meshtypes

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/big"

	"github.com/google/uuid"
)

// NodeIDSize is the width of a NodeId in bytes (160 bits, per Kademlia).
const NodeIDSize = 20

// NodeID is a 160-bit opaque peer identifier. The XOR metric over this
// type defines DHT distance.
type NodeID [NodeIDSize]byte

// NewNodeID derives a fresh random NodeId. Called once per process; the
// result is stable for the lifetime of the session.
func NewNodeID() (NodeID, error) {
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		return NodeID{}, err
	}
	return id, nil
}

// NodeIDFromBytes hashes arbitrary-length input down to a NodeId using
// SHA-256, truncated to 160 bits. Used to derive routing targets (e.g.
// a requirement hash) that must land in the same id space as NodeIds.
func NodeIDFromBytes(b []byte) NodeID {
	sum := sha256.Sum256(b)
	var id NodeID
	copy(id[:], sum[:NodeIDSize])
	return id
}

// String hex-encodes the NodeId, matching the wire encoding required by
// frame `from`/`to` fields.
func (n NodeID) String() string {
	return hex.EncodeToString(n[:])
}

// IsZero reports whether the id is the zero value.
func (n NodeID) IsZero() bool {
	return n == NodeID{}
}

// NodeIDFromHex parses a hex-encoded NodeId.
func NodeIDFromHex(s string) (NodeID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return NodeID{}, err
	}
	if len(b) != NodeIDSize {
		return NodeID{}, errors.New("node id must be 20 bytes")
	}
	var id NodeID
	copy(id[:], b)
	return id, nil
}

// Distance returns the XOR distance between two NodeIds as a big.Int.
// Symmetric by construction: Distance(a,b) == Distance(b,a), and
// Distance(a,a) == 0.
func Distance(a, b NodeID) *big.Int {
	var xor [NodeIDSize]byte
	for i := range xor {
		xor[i] = a[i] ^ b[i]
	}
	return new(big.Int).SetBytes(xor[:])
}

// BucketIndex returns floor(log2(distance)) for the non-zero distance
// between a and b, in [0, 159]. Identical ids have no defined bucket;
// callers must exclude the local id before calling this.
func BucketIndex(a, b NodeID) int {
	d := Distance(a, b)
	bitLen := d.BitLen()
	if bitLen == 0 {
		return 0
	}
	return bitLen - 1
}

// TaskID is a 128-bit random task identifier, generated once at
// submission and never mutated.
type TaskID uuid.UUID

// NewTaskID generates a fresh random TaskId.
func NewTaskID() TaskID { return TaskID(uuid.New()) }

func (t TaskID) String() string { return uuid.UUID(t).String() }

// VerificationID is a 128-bit random verification identifier.
type VerificationID uuid.UUID

// NewVerificationID generates a fresh random VerificationId.
func NewVerificationID() VerificationID { return VerificationID(uuid.New()) }

func (v VerificationID) String() string { return uuid.UUID(v).String() }

// FrameID is a 64-bit identifier unique within the sender.
type FrameID uint64
