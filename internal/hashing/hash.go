// Package hashing implements the proof server's single cryptographic
// primitive: domain-separated SHA-256. Every semantic hash used elsewhere
// in this module (commitment, nullifier, leaf, node, data) goes through
// this package so that the domain tags stay centralized and byte-exact
// with what the device firmware and the ZK circuit expect.
package hashing

import (
	"crypto/sha256"
	"encoding/binary"
)

// Size is the fixed width, in bytes, of every hash produced here.
const Size = 32

// Hash is a 32-byte digest.
type Hash [Size]byte

// Domain tags. Each is a distinct ASCII constant prefixed to the payload
// before hashing, per spec.md §4.2. Do not reuse a tag across domains.
const (
	domainCommitment = "commitment"
	domainNullifier  = "nullifier"
	domainLeaf       = "leaf"
	domainNode       = "node"
	domainData       = "data"
)

// sum computes SHA256(domainTag || payload...).
func sum(domainTag string, payload ...[]byte) Hash {
	h := sha256.New()
	h.Write([]byte(domainTag))
	for _, p := range payload {
		h.Write(p)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Commitment computes C = H(DOMAIN_COMMIT || pk || r).
// The server never constructs this itself (pk and r are device-held
// secrets) but test fixtures need the domain-tagged primitive, so it is
// exposed here.
func Commitment(pk, r []byte) Hash {
	return sum(domainCommitment, pk, r)
}

// Nullifier computes N = H(DOMAIN_NULLIFIER || deviceSecret || epoch_be32).
// Like Commitment, the server never calls this in production (the device
// produces nullifiers) but it is exposed for tests and fixtures.
func Nullifier(deviceSecret []byte, epoch uint32) Hash {
	var epochBE [4]byte
	binary.BigEndian.PutUint32(epochBE[:], epoch)
	return sum(domainNullifier, deviceSecret, epochBE[:])
}

// Leaf computes the domain-separated hash used when a leaf value itself
// needs re-hashing (as opposed to being used directly as the leaf, which
// is how the registry treats a raw 32-byte commitment per spec.md §3).
func Leaf(payload []byte) Hash {
	return sum(domainLeaf, payload)
}

// Node computes H_NODE(left || right), the internal Merkle node
// compression function. This must match the device and ZK circuit
// byte-for-byte.
func Node(left, right Hash) Hash {
	return sum(domainNode, left[:], right[:])
}

// Data computes data_hash = H(DOMAIN_DATA || le_bytes(sensor)).
func Data(sensorLE []byte) Hash {
	return sum(domainData, sensorLE)
}

// Zero is the all-zero hash, used as Z[0] (the empty-leaf placeholder).
var Zero Hash

// Hex returns the lowercase hex encoding of h.
func (h Hash) Hex() string {
	const hextable = "0123456789abcdef"
	out := make([]byte, Size*2)
	for i, b := range h {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool {
	return h == Zero
}
