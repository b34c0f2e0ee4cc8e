// Package nullifier implements the Nullifier Store (spec.md §4.4): a
// persistent set of (nullifier, epoch) pairs guarded against replay, with
// an epoch freshness window and a pure reward-tier policy function.
//
// The structural pattern — an in-memory map as source of truth, an
// append-only on-disk log for durability, and a temp-file+rename
// compaction step — is grounded on the same approach the teacher's
// pkg/merkle.SparseMerkleTree checkpoint logic uses for its own
// durability, generalized here to a key/value set instead of a tree.
package nullifier

import (
	"errors"
	"fmt"
	"sync"

	"github.com/edgechain/proofserver/internal/hashing"
)

// Mode records how a spend was admitted.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeManual Mode = "manual"
)

// Tier is a reward tier credited by try_spend (spec.md §4.4).
type Tier string

const (
	TierLow    Tier = "LOW"
	TierMedium Tier = "MEDIUM"
	TierHigh   Tier = "HIGH"
)

var (
	// ErrAlreadySpent is returned by TrySpend when (N, epoch) was already admitted.
	ErrAlreadySpent = errors.New("nullifier: already spent")
	// ErrEpochOutOfWindow is returned when epoch falls outside the freshness window.
	ErrEpochOutOfWindow = errors.New("nullifier: epoch out of window")
	// ErrStorage wraps a durable-write failure during TrySpend; the in-memory
	// change is rolled back before this is returned (spec.md §4.4).
	ErrStorage = errors.New("nullifier: storage error")
)

// Record is one admitted spend, the unit this store persists and
// indexes by (N, Epoch) per spec.md §3.
type Record struct {
	N           hashing.Hash
	Epoch       uint64
	SpentAtMs   int64
	RewardMicro uint64
	Tier        Tier
	DataHash    hashing.Hash
	Mode        Mode
}

type key struct {
	n     hashing.Hash
	epoch uint64
}

// DefaultMaxLag and DefaultMaxLead are the freshness window defaults
// from spec.md §4.4.
const (
	DefaultMaxLag  = 1
	DefaultMaxLead = 0
)

// Store is the Nullifier Store. Safe for concurrent use; admission is
// serialized per (N, epoch) via the single mutex (cross-key operations
// still see only brief lock contention, not a pipeline stall, because
// every Store method does O(1) work under the lock — spec.md §5).
type Store struct {
	mu sync.Mutex

	path    string
	maxLag  int64
	maxLead int64

	records  map[key]Record
	appendFn func(Record) error // nil until persistence is wired via Open
}

// New creates an empty, non-persistent Store. Use Open to attach a backing
// log file and restore prior state.
func New(maxLag, maxLead int64) *Store {
	return &Store{
		maxLag:  maxLag,
		maxLead: maxLead,
		records: make(map[key]Record),
	}
}

// Len returns the number of admitted records currently held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// IsSpent reports whether (n, epoch) has already been admitted.
func (s *Store) IsSpent(n hashing.Hash, epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[key{n, epoch}]
	return ok
}

// InWindow reports whether epoch is admissible relative to currentEpoch,
// per the freshness policy in spec.md §4.4.
func (s *Store) InWindow(epoch, currentEpoch uint64) bool {
	lo := int64(currentEpoch) - s.maxLag
	hi := int64(currentEpoch) + s.maxLead
	e := int64(epoch)
	return e >= lo && e <= hi
}

// SelectTier is the reward tier policy function (spec.md §4.4): it MUST
// be a pure function of observable history. This baseline implementation
// always credits the constant MEDIUM tier (Open Question 4 decision,
// see SPEC_FULL.md); per-device consistency statistics are not modeled.
func SelectTier(_ hashing.Hash, _ uint64) (Tier, uint64) {
	const rewardMicroMedium = 1_000_000
	return TierMedium, rewardMicroMedium
}

// TrySpend attempts to admit (n, epoch). currentEpoch and nowMs are
// supplied by the caller (normally derived from internal/clock) so the
// store stays free of any wall-clock dependency of its own.
//
// On success, the record is durably appended (when the store was opened
// with a backing log) before this call returns; a write failure rolls
// back the in-memory admission and returns ErrStorage, never leaving a
// record visible that isn't also on disk (spec.md §4.4 durability rule).
func (s *Store) TrySpend(n hashing.Hash, epoch, currentEpoch uint64, dataHash hashing.Hash, mode Mode, nowMs int64) (Record, error) {
	if !s.InWindow(epoch, currentEpoch) {
		return Record{}, ErrEpochOutOfWindow
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{n, epoch}
	if _, ok := s.records[k]; ok {
		return Record{}, ErrAlreadySpent
	}

	tier, rewardMicro := SelectTier(n, epoch)
	rec := Record{
		N:           n,
		Epoch:       epoch,
		SpentAtMs:   nowMs,
		RewardMicro: rewardMicro,
		Tier:        tier,
		DataHash:    dataHash,
		Mode:        mode,
	}

	if s.appendFn != nil {
		if err := s.appendFn(rec); err != nil {
			return Record{}, fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}

	s.records[k] = rec
	return rec, nil
}

// GC removes every record whose epoch is strictly less than beforeEpoch
// (spec.md §4.4). It does not itself rewrite the backing log; callers
// that need the file shrunk should call Compact afterward.
func (s *Store) GC(beforeEpoch uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k := range s.records {
		if k.epoch < beforeEpoch {
			delete(s.records, k)
			removed++
		}
	}
	return removed
}

// Records returns a copy of every admitted record, in no particular
// order (callers that need determinism, such as Compact, sort explicitly).
func (s *Store) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out
}
