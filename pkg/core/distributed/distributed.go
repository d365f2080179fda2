// Package distributed implements the process group coordinating data-parallel
// training workers: worker identity (rank, world size, device binding),
// bootstrap from launcher-injected environment variables, and the collective
// operations (all-reduce, barrier) the trainer relies on.
//
// Every collective call carries a Tag identifying the point of the training
// schedule it belongs to. Workers executing lockstep SPMD control flow always
// present identical tags; a mismatch means a worker diverged, and the
// collective fails instead of silently corrupting the reduction.
package distributed

import (
	"github.com/pkg/errors"
)

// WorkerIdentity identifies one worker within the process group.
//
// It is assigned once by Bootstrap (or by a test harness) and never changes
// for the lifetime of the process. Components receive it by injection, there
// is no ambient global identity.
type WorkerIdentity struct {
	// Rank of this worker, in [0, WorldSize).
	Rank int

	// WorldSize is the total number of cooperating workers.
	WorldSize int

	// Device is the accelerator device index this worker is bound to.
	Device int
}

// IsLeader reports whether this worker is rank 0, the only worker allowed to
// perform visible side effects (metric reporting, progress display).
func (w WorkerIdentity) IsLeader() bool { return w.Rank == 0 }

// Validate returns an error if the identity is malformed.
func (w WorkerIdentity) Validate() error {
	if w.WorldSize <= 0 {
		return errors.Errorf("world size must be positive, got %d", w.WorldSize)
	}
	if w.Rank < 0 || w.Rank >= w.WorldSize {
		return errors.Errorf("rank %d outside of [0, %d)", w.Rank, w.WorldSize)
	}
	if w.Device < 0 {
		return errors.Errorf("device index must be non-negative, got %d", w.Device)
	}
	return nil
}
