package distributed

import (
	"context"
	"fmt"
)

// Tag identifies one collective call within the training schedule. All
// participants of a collective must present the same tag.
type Tag struct {
	// Kind names the collective's purpose, e.g. "grad-sync" or "valid-accuracy".
	Kind string

	// Epoch and Step locate the call in the training schedule. Use -1 for
	// collectives not associated with a step.
	Epoch int
	Step  int
}

// String implements fmt.Stringer.
func (t Tag) String() string {
	return fmt.Sprintf("%s@%d:%d", t.Kind, t.Epoch, t.Step)
}

// Group is the collective-communication channel between all workers.
//
// Collective calls block until every worker in the group reaches the same
// call. The whole group must issue the exact same sequence of collectives;
// the tags make a divergence detectable instead of a silent deadlock or a
// corrupted reduction.
//
// Implementations: *TCPGroup for multi-process runs, *LoopbackGroup for
// in-process workers (tests and local simulation).
type Group interface {
	// Identity of the calling worker.
	Identity() WorkerIdentity

	// AllReduceFloat64 sums xs element-wise across all workers and returns the
	// reduced vector on every worker. Fails if any participant presents a
	// different tag or vector length.
	AllReduceFloat64(ctx context.Context, tag Tag, xs []float64) ([]float64, error)

	// AllReduceInt64 is AllReduceFloat64 for integer counters.
	AllReduceInt64(ctx context.Context, tag Tag, xs []int64) ([]int64, error)

	// Barrier blocks until all workers reach the same tagged barrier.
	Barrier(ctx context.Context, tag Tag) error

	// Close releases the group's connections. The group must not be used
	// afterwards.
	Close() error
}
