// Package registry implements the Merkle Registry (spec.md §4.3): a
// fixed-depth binary Merkle tree of anonymous device commitments with
// deterministic leaf ordering, membership proofs, and on-disk persistence.
//
// The tree shape (zero-subtree placeholders, sparse per-level maps,
// fixed-size proofs) is adapted from the teacher's
// pkg/merkle.SparseMerkleTree, generalized from field-element/Poseidon2
// leaves to raw 32-byte SHA-256 leaves, and from an in-memory structure to
// one whose leaf insertion order is the durable source of truth (spec.md
// §9, audit C3): the registry never trusts an unordered backing store to
// reproduce the same root.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/edgechain/proofserver/internal/hashing"
)

// DefaultDepth is the default tree depth (spec.md §3: D=20 → 2^20 leaves).
const DefaultDepth = 20

var (
	// ErrRegistryFull is returned by Insert once 2^depth leaves are used.
	ErrRegistryFull = errors.New("registry: full")
	// ErrNotFound is returned by ProofFor when the commitment is unknown.
	ErrNotFound = errors.New("registry: commitment not found")
	// ErrDepthMismatch is returned by Restore when the snapshot's depth
	// does not match the registry's configured depth. Startup-fatal.
	ErrDepthMismatch = errors.New("registry: snapshot depth mismatch")
)

// Entry is a Registered Device Entry (spec.md §3): the triple
// (commitment, leaf index, insertion time) that the registry owns
// exclusively.
type Entry struct {
	Commitment hashing.Hash
	LeafIndex  uint64
	InsertedAt int64 // unix seconds
}

// Proof is a Merkle Proof (spec.md §3): folding Commitment upward via
// Siblings and PathBits reproduces Root.
type Proof struct {
	Siblings  []hashing.Hash
	PathBits  []bool
	Root      hashing.Hash
	LeafIndex uint64
}

// Registry is a fixed-depth Merkle tree over commitments. Safe for
// concurrent use: Insert is the single writer; Contains/ProofFor/Root are
// concurrent-safe readers that observe a consistent snapshot (spec.md §5).
type Registry struct {
	mu sync.RWMutex

	depth int

	// zero[i] is the hash of an all-empty subtree of height i.
	// zero[0] = 0^32; zero[i] = H_NODE(zero[i-1], zero[i-1]).
	zero []hashing.Hash

	// levels[lvl][idx] holds the node hash at (level, idx) when a real
	// subtree occupies that position; absent entries fall back to
	// zero[lvl]. levels[0] holds leaf values directly (not re-hashed:
	// spec.md §3 — "leaf value at position i is the stored commitment C").
	levels []map[uint64]hashing.Hash

	// leaves is the insertion-ordered list of commitments; leaves[i] is
	// the commitment at leaf_index = i. This ordered slice, not the
	// levels maps, is what gets persisted (spec.md §4.3/§6).
	leaves []hashing.Hash

	// insertedAt[i] is the insertion timestamp of leaves[i].
	insertedAt []int64

	// index maps a commitment to its assigned leaf index, for O(1)
	// Contains/ProofFor and for idempotent re-insertion.
	index map[hashing.Hash]uint64

	nowFunc func() int64
}

// New creates an empty Registry at the given depth. depth must be
// positive and small enough that 1<<depth does not overflow a uint64
// (any sane config value, e.g. 20, is nowhere near that bound).
func New(depth int, nowFunc func() int64) (*Registry, error) {
	if depth <= 0 || depth > 62 {
		return nil, fmt.Errorf("registry: invalid depth %d", depth)
	}
	if nowFunc == nil {
		nowFunc = func() int64 { return 0 }
	}

	zero := make([]hashing.Hash, depth+1)
	zero[0] = hashing.Zero
	for i := 1; i <= depth; i++ {
		zero[i] = hashing.Node(zero[i-1], zero[i-1])
	}

	levels := make([]map[uint64]hashing.Hash, depth+1)
	for i := range levels {
		levels[i] = make(map[uint64]hashing.Hash)
	}

	return &Registry{
		depth:   depth,
		zero:    zero,
		levels:  levels,
		index:   make(map[hashing.Hash]uint64),
		nowFunc: nowFunc,
	}, nil
}

// Depth returns the configured tree depth.
func (r *Registry) Depth() int { return r.depth }

// Capacity returns 2^depth, the maximum number of leaves.
func (r *Registry) Capacity() uint64 {
	return uint64(1) << uint(r.depth)
}

// Len returns the number of leaves currently assigned.
func (r *Registry) Len() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return uint64(len(r.leaves))
}

// Contains reports whether C is already registered.
func (r *Registry) Contains(c hashing.Hash) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.index[c]
	return ok
}

// Root returns the current Merkle root.
func (r *Registry) Root() hashing.Hash {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rootLocked()
}

func (r *Registry) rootLocked() hashing.Hash {
	if h, ok := r.levels[r.depth][0]; ok {
		return h
	}
	return r.zero[r.depth]
}

// Insert assigns the next unused leaf index to C and updates the path to
// the root. If C is already present, Insert is a no-op and idempotently
// returns the existing leaf index (spec.md §4.3): no tree mutation, no
// root change.
func (r *Registry) Insert(c hashing.Hash) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if idx, ok := r.index[c]; ok {
		return idx, nil
	}

	if uint64(len(r.leaves)) >= r.Capacity() {
		return 0, ErrRegistryFull
	}

	idx := uint64(len(r.leaves))
	r.insertAtLocked(idx, c, r.nowFunc())
	return idx, nil
}

// insertAtLocked places c at leaf index idx, appending to the ordered
// leaves slice and recomputing the path to the root. Callers must hold
// r.mu for writing. idx must equal len(r.leaves) (insertion is always
// at the next free slot — see Restore for the only other caller,
// which re-inserts in ascending order for exactly this reason).
func (r *Registry) insertAtLocked(idx uint64, c hashing.Hash, insertedAt int64) {
	r.leaves = append(r.leaves, c)
	r.insertedAt = append(r.insertedAt, insertedAt)
	r.index[c] = idx

	r.levels[0][idx] = c

	cur := idx
	for lvl := 0; lvl < r.depth; lvl++ {
		siblingIdx := cur ^ 1
		sibling, ok := r.levels[lvl][siblingIdx]
		if !ok {
			sibling = r.zero[lvl]
		}

		var left, right hashing.Hash
		self := r.levels[lvl][cur]
		if cur&1 == 0 {
			left, right = self, sibling
		} else {
			left, right = sibling, self
		}

		parentIdx := cur >> 1
		r.levels[lvl+1][parentIdx] = hashing.Node(left, right)
		cur = parentIdx
	}
}

// ProofFor returns a Merkle proof of membership for C, or ErrNotFound.
func (r *Registry) ProofFor(c hashing.Hash) (Proof, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, ok := r.index[c]
	if !ok {
		return Proof{}, ErrNotFound
	}

	siblings := make([]hashing.Hash, r.depth)
	pathBits := make([]bool, r.depth)

	cur := idx
	for lvl := 0; lvl < r.depth; lvl++ {
		siblingIdx := cur ^ 1
		sib, ok := r.levels[lvl][siblingIdx]
		if !ok {
			sib = r.zero[lvl]
		}
		siblings[lvl] = sib
		pathBits[lvl] = cur&1 == 1
		cur >>= 1
	}

	return Proof{
		Siblings:  siblings,
		PathBits:  pathBits,
		Root:      r.rootLocked(),
		LeafIndex: idx,
	}, nil
}

// VerifyProof folds leaf upward through proof and reports whether the
// result matches proof.Root (spec.md §3, invariant for Merkle Proof).
func VerifyProof(leaf hashing.Hash, proof Proof) bool {
	if len(proof.Siblings) != len(proof.PathBits) {
		return false
	}
	cur := leaf
	for i, sib := range proof.Siblings {
		if proof.PathBits[i] {
			cur = hashing.Node(sib, cur)
		} else {
			cur = hashing.Node(cur, sib)
		}
	}
	return cur == proof.Root
}

// Entries returns a copy of all registered entries, ordered by leaf
// index ascending (spec.md §3: "iteration order over entries is by
// leaf_index ascending").
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, len(r.leaves))
	for i, c := range r.leaves {
		out[i] = Entry{Commitment: c, LeafIndex: uint64(i), InsertedAt: r.insertedAt[i]}
	}
	return out
}
