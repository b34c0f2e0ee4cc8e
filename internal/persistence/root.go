package persistence

import (
	"context"
	"fmt"
	"time"
)

// Snapshotter is anything that can flush its state to its own backing
// file atomically. Both *registry.Registry (Snapshot) and
// *nullifier.Store (Compact) satisfy this, though with different method
// names, so Root takes a thin closure per target rather than an
// interface — it never needs to know which concrete type it is driving.
type Snapshotter func() error

// Root coordinates the periodic and shutdown snapshot cycle shared by
// the Merkle Registry and the Nullifier Store (spec.md §4.9): "on
// shutdown and every SNAPSHOT_INTERVAL, write Merkle Registry leaves and
// Nullifier Store entries to their respective files atomically."
//
// Root itself owns no file paths or formats — those stay with the
// registry and nullifier packages, which already know their own
// schemas — it only owns the scheduling and the "snapshot everything
// together, once, including at shutdown" discipline.
type Root struct {
	interval time.Duration
	targets  map[string]Snapshotter
}

// NewRoot builds a Root that snapshots every target at interval. A
// zero interval disables periodic snapshots (Run returns immediately
// after ctx is done); SnapshotAll remains callable on demand regardless
// (used for the shutdown-time final snapshot).
func NewRoot(interval time.Duration, targets map[string]Snapshotter) *Root {
	return &Root{interval: interval, targets: targets}
}

// SnapshotAll runs every target's Snapshotter once, in map order (order
// is immaterial: registry and nullifier snapshots are independent
// files). It does not stop at the first failure — every target still
// gets its snapshot attempt — but only the first error is returned.
func (r *Root) SnapshotAll() error {
	var firstErr error
	for name, snap := range r.targets {
		if err := snap(); err != nil {
			wrapped := fmt.Errorf("persistence: snapshot %s: %w", name, err)
			if firstErr == nil {
				firstErr = wrapped
			}
		}
	}
	return firstErr
}

// Run snapshots every target on a fixed ticker until ctx is cancelled.
// It does not snapshot on exit; callers call SnapshotAll explicitly
// during shutdown so the final snapshot is sequenced after everything
// else has stopped mutating state.
func (r *Root) Run(ctx context.Context, onError func(target string, err error)) {
	if r.interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, snap := range r.targets {
				if err := snap(); err != nil && onError != nil {
					onError(name, err)
				}
			}
		}
	}
}
