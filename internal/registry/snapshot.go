package registry

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/edgechain/proofserver/internal/hashing"
	"github.com/edgechain/proofserver/internal/persistence"
)

// SchemaVersion is the snapshot document's schema field (spec.md §6).
const SchemaVersion = 1

// snapshotDoc is the on-disk JSON shape: { "schema": 1, "depth": 20,
// "leaves": [hex32, ...] }. leaves[i] is the commitment at leaf_index=i;
// absence is impossible because entries are never deleted.
type snapshotDoc struct {
	Schema int            `json:"schema"`
	Depth  int            `json:"depth"`
	Leaves []hashing.Hash `json:"leaves"`
}

// Snapshot atomically writes the registry's ordered leaf list to path
// (temp file + rename, per spec.md §4.9). The root itself is never
// persisted — only the ordered commitments, so that Restore always
// recomputes the root rather than trusting the file (spec.md §4.3).
func (r *Registry) Snapshot(path string) error {
	r.mu.RLock()
	doc := snapshotDoc{
		Schema: SchemaVersion,
		Depth:  r.depth,
		Leaves: append([]hashing.Hash(nil), r.leaves...),
	}
	r.mu.RUnlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal snapshot: %w", err)
	}

	return persistence.WriteFileAtomic(path, data)
}

// Restore loads a previously-written snapshot and re-inserts every leaf
// in ascending leaf_index order, recomputing the root from scratch
// (spec.md §4.3: "the reconstructed root is recomputed, not trusted from
// disk"). A depth mismatch between the snapshot and the registry's
// configured depth is fatal (ErrDepthMismatch), per spec.md §4.3.
//
// Restore must be called on a fresh, empty Registry; on a populated one
// it returns an error and leaves the registry unchanged.
func (r *Registry) Restore(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // nothing to restore, start empty
		}
		return fmt.Errorf("registry: read snapshot: %w", err)
	}

	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("registry: corrupt snapshot: %w", err)
	}
	if doc.Schema != SchemaVersion {
		return fmt.Errorf("registry: unsupported snapshot schema %d", doc.Schema)
	}
	if doc.Depth != r.depth {
		return fmt.Errorf("%w: snapshot depth %d, configured depth %d", ErrDepthMismatch, doc.Depth, r.depth)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.leaves) != 0 {
		return fmt.Errorf("registry: restore called on a non-empty registry")
	}

	for idx, c := range doc.Leaves {
		if _, dup := r.index[c]; dup {
			return fmt.Errorf("registry: corrupt snapshot: duplicate commitment at leaf %d", idx)
		}
		r.insertAtLocked(uint64(idx), c, r.nowFunc())
	}

	return nil
}
