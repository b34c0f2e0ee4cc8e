package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edgechain/proofserver/internal/hashing"
)

func fixedHash(b byte) hashing.Hash {
	var h hashing.Hash
	for i := range h {
		h[i] = b
	}
	return h
}

func newTestRegistry(t *testing.T, depth int) *Registry {
	t.Helper()
	r, err := New(depth, func() int64 { return 1700000000 })
	require.NoError(t, err)
	return r
}

// TestEmptyTree verifies: before any insertion, root() == Z[D] (spec.md §8.2).
func TestEmptyTree(t *testing.T) {
	r := newTestRegistry(t, 20)
	require.Equal(t, r.zero[20], r.Root())
}

// TestS1RegisterAndProve is scenario S1 from spec.md §8.
func TestS1RegisterAndProve(t *testing.T) {
	r := newTestRegistry(t, 20)
	c1 := fixedHash(0x01)

	idx, err := r.Insert(c1)
	require.NoError(t, err)
	require.Equal(t, uint64(0), idx)

	proof, err := r.ProofFor(c1)
	require.NoError(t, err)
	require.Equal(t, uint64(0), proof.LeafIndex)
	for i := 0; i < 20; i++ {
		require.Equal(t, r.zero[i], proof.Siblings[i], "sibling %d", i)
		require.False(t, proof.PathBits[i])
	}
	require.True(t, VerifyProof(c1, proof))
}

// TestS2TwoLeafOrdering is scenario S2 from spec.md §8.
func TestS2TwoLeafOrdering(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry(t, 20)
	c1 := fixedHash(0x01)
	c2 := fixedHash(0x02)

	_, err := r.Insert(c1)
	require.NoError(t, err)
	idx2, err := r.Insert(c2)
	require.NoError(t, err)
	require.Equal(t, uint64(1), idx2)

	proof2, err := r.ProofFor(c2)
	require.NoError(t, err)
	require.Equal(t, c1, proof2.Siblings[0])
	require.True(t, proof2.PathBits[0])
	for i := 1; i < 20; i++ {
		require.Equal(t, r.zero[i], proof2.Siblings[i])
		require.False(t, proof2.PathBits[i])
	}

	rootBefore := r.Root()
	path := filepath.Join(dir, "merkle.json")
	require.NoError(t, r.Snapshot(path))

	restored := newTestRegistry(t, 20)
	require.NoError(t, restored.Restore(path))
	require.Equal(t, rootBefore, restored.Root())
}

// TestIdempotentInsert is invariant 4 from spec.md §8.
func TestIdempotentInsert(t *testing.T) {
	r := newTestRegistry(t, 4)
	c := fixedHash(0x07)

	idx1, err := r.Insert(c)
	require.NoError(t, err)
	root1 := r.Root()
	len1 := r.Len()

	idx2, err := r.Insert(c)
	require.NoError(t, err)

	require.Equal(t, idx1, idx2)
	require.Equal(t, root1, r.Root())
	require.Equal(t, len1, r.Len())
}

// TestCapacity is invariant 5 from spec.md §8.
func TestCapacity(t *testing.T) {
	r := newTestRegistry(t, 2) // capacity = 4

	for i := 0; i < 4; i++ {
		_, err := r.Insert(fixedHash(byte(i + 1)))
		require.NoError(t, err)
	}

	rootBefore := r.Root()
	_, err := r.Insert(fixedHash(0xEE))
	require.ErrorIs(t, err, ErrRegistryFull)
	require.Equal(t, rootBefore, r.Root())
}

// TestProofSoundness is invariant 3 from spec.md §8: mutating any byte of
// the commitment, a sibling, or a path bit must break verification.
func TestProofSoundness(t *testing.T) {
	r := newTestRegistry(t, 6)
	c := fixedHash(0x42)

	_, err := r.Insert(c)
	require.NoError(t, err)
	_, err = r.Insert(fixedHash(0x43))
	require.NoError(t, err)

	proof, err := r.ProofFor(c)
	require.NoError(t, err)
	require.True(t, VerifyProof(c, proof))

	mutatedLeaf := c
	mutatedLeaf[0] ^= 0xFF
	require.False(t, VerifyProof(mutatedLeaf, proof))

	mutatedProof := proof
	mutatedProof.Siblings = append([]hashing.Hash(nil), proof.Siblings...)
	mutatedProof.Siblings[0][0] ^= 0xFF
	require.False(t, VerifyProof(c, mutatedProof))

	mutatedBits := proof
	mutatedBits.PathBits = append([]bool(nil), proof.PathBits...)
	mutatedBits.PathBits[0] = !mutatedBits.PathBits[0]
	require.False(t, VerifyProof(c, mutatedBits))
}

func TestProofForUnknownCommitment(t *testing.T) {
	r := newTestRegistry(t, 4)
	_, err := r.ProofFor(fixedHash(0x99))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRestoreRejectsDepthMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "merkle.json")

	r20 := newTestRegistry(t, 20)
	_, err := r20.Insert(fixedHash(0x01))
	require.NoError(t, err)
	require.NoError(t, r20.Snapshot(path))

	r10 := newTestRegistry(t, 10)
	err = r10.Restore(path)
	require.ErrorIs(t, err, ErrDepthMismatch)
}

func TestEntriesOrderedByLeafIndex(t *testing.T) {
	r := newTestRegistry(t, 8)
	c1, c2, c3 := fixedHash(1), fixedHash(2), fixedHash(3)

	_, _ = r.Insert(c1)
	_, _ = r.Insert(c2)
	_, _ = r.Insert(c3)

	entries := r.Entries()
	require.Len(t, entries, 3)
	require.Equal(t, c1, entries[0].Commitment)
	require.Equal(t, c2, entries[1].Commitment)
	require.Equal(t, c3, entries[2].Commitment)
	require.Equal(t, uint64(0), entries[0].LeafIndex)
	require.Equal(t, uint64(2), entries[2].LeafIndex)
}

func TestSnapshotMissingFileIsNotAnError(t *testing.T) {
	r := newTestRegistry(t, 4)
	err := r.Restore(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	require.Equal(t, uint64(0), r.Len())
}
