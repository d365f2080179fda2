package distributed

import (
	"context"
	"slices"
	"sync"

	"github.com/pkg/errors"
)

// LoopbackWorld is an in-process process group: every worker is a goroutine
// in the same process. Used by tests and by the local simulation launch mode,
// where real multi-process coordination would only add noise.
type LoopbackWorld struct {
	worldSize  int
	numDevices int

	mu    sync.Mutex
	round *loopbackRound
}

// loopbackRound is one in-flight collective. The last worker to arrive
// computes the reduction and releases the others.
type loopbackRound struct {
	tag     Tag
	op      string
	arrived int
	floats  [][]float64
	ints    [][]int64

	done    chan struct{}
	resultF []float64
	resultI []int64
	err     error
}

// NewLoopbackWorld creates an in-process world with the given number of
// workers, each bound to device `rank % numDevices`.
func NewLoopbackWorld(worldSize, numDevices int) (*LoopbackWorld, error) {
	if worldSize <= 0 {
		return nil, errors.Errorf("world size must be positive, got %d", worldSize)
	}
	if numDevices <= 0 {
		return nil, errors.New("no accelerator device available for loopback world")
	}
	return &LoopbackWorld{worldSize: worldSize, numDevices: numDevices}, nil
}

// Group returns the Group handle for the given rank. Each worker goroutine
// must use its own handle.
func (w *LoopbackWorld) Group(rank int) *LoopbackGroup {
	return &LoopbackGroup{
		world: w,
		identity: WorkerIdentity{
			Rank:      rank,
			WorldSize: w.worldSize,
			Device:    rank % w.numDevices,
		},
	}
}

// LoopbackGroup is one worker's handle on a LoopbackWorld.
type LoopbackGroup struct {
	world    *LoopbackWorld
	identity WorkerIdentity
}

var _ Group = (*LoopbackGroup)(nil)

// Identity implements Group.
func (g *LoopbackGroup) Identity() WorkerIdentity { return g.identity }

// AllReduceFloat64 implements Group.
func (g *LoopbackGroup) AllReduceFloat64(ctx context.Context, tag Tag, xs []float64) ([]float64, error) {
	round, err := g.world.join(tag, opAllReduceFloat64, xs, nil)
	if err != nil {
		return nil, err
	}
	if err := awaitRound(ctx, round); err != nil {
		return nil, err
	}
	return slices.Clone(round.resultF), nil
}

// AllReduceInt64 implements Group.
func (g *LoopbackGroup) AllReduceInt64(ctx context.Context, tag Tag, xs []int64) ([]int64, error) {
	round, err := g.world.join(tag, opAllReduceInt64, nil, xs)
	if err != nil {
		return nil, err
	}
	if err := awaitRound(ctx, round); err != nil {
		return nil, err
	}
	return slices.Clone(round.resultI), nil
}

// Barrier implements Group.
func (g *LoopbackGroup) Barrier(ctx context.Context, tag Tag) error {
	round, err := g.world.join(tag, opBarrier, nil, nil)
	if err != nil {
		return err
	}
	return awaitRound(ctx, round)
}

// Close implements Group. Loopback groups hold no resources.
func (g *LoopbackGroup) Close() error { return nil }

// join registers one worker's contribution to the current collective round,
// creating the round if this worker is first.
func (w *LoopbackWorld) join(tag Tag, op string, fs []float64, is []int64) (*loopbackRound, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.round == nil {
		w.round = &loopbackRound{tag: tag, op: op, done: make(chan struct{})}
	}
	round := w.round
	if round.err == nil && (round.tag != tag || round.op != op) {
		round.err = errors.Errorf("collective divergence: a worker is at %s (%s), another at %s (%s)",
			round.tag, round.op, tag, op)
	}
	if round.err == nil {
		round.floats = append(round.floats, fs)
		round.ints = append(round.ints, is)
	}
	round.arrived++
	if round.arrived == w.worldSize {
		if round.err == nil {
			round.reduce()
		}
		w.round = nil
		close(round.done)
	}
	return round, nil
}

func (r *loopbackRound) reduce() {
	for i, vec := range r.floats {
		if i == 0 {
			r.resultF = slices.Clone(vec)
			continue
		}
		if len(vec) != len(r.resultF) {
			r.err = errors.Errorf("mismatching vector lengths at %s: %d vs %d",
				r.tag, len(vec), len(r.resultF))
			return
		}
		for j, v := range vec {
			r.resultF[j] += v
		}
	}
	for i, vec := range r.ints {
		if i == 0 {
			r.resultI = slices.Clone(vec)
			continue
		}
		if len(vec) != len(r.resultI) {
			r.err = errors.Errorf("mismatching vector lengths at %s: %d vs %d",
				r.tag, len(vec), len(r.resultI))
			return
		}
		for j, v := range vec {
			r.resultI[j] += v
		}
	}
}

func awaitRound(ctx context.Context, round *loopbackRound) error {
	select {
	case <-round.done:
		return round.err
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "waiting for collective %s", round.tag)
	}
}
