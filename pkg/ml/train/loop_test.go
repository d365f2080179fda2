/*
 *	Copyright 2025 The distrain authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package train

import (
	"context"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/skeleton-ml/distrain/pkg/core/distributed"
	"github.com/skeleton-ml/distrain/pkg/core/tensors"
	"github.com/skeleton-ml/distrain/pkg/ml/nn"
	"github.com/skeleton-ml/distrain/pkg/ml/train/optimizers"
)

// classZeroModule always scores class 0 highest: every row is [1, 0]. It has
// no parameters, so training steps never change its predictions.
type classZeroModule struct{}

func (classZeroModule) Forward(inputs *tensors.Tensor) *tensors.Tensor {
	scores := tensors.FromShape(inputs.Dim(0), 2)
	for i := 0; i < inputs.Dim(0); i++ {
		scores.Row(i)[0] = 1
	}
	return scores
}

func (classZeroModule) Backward(*tensors.Tensor) error { return nil }
func (classZeroModule) Parameters() []*nn.Parameter    { return nil }

// nanModule produces NaN scores, to exercise the loss guard.
type nanModule struct{ classZeroModule }

func (nanModule) Forward(inputs *tensors.Tensor) *tensors.Tensor {
	scores := tensors.FromShape(inputs.Dim(0), 2)
	for i := range scores.Flat() {
		scores.Flat()[i] = float32(math.NaN())
	}
	return scores
}

// labelDataset yields fixed batches of labeled examples (one feature each)
// and records Reshard calls.
type labelDataset struct {
	name    string
	batches [][]int32
	next    int

	reshardEpochs []int
}

func newLabelDataset(name string, batches ...[]int32) *labelDataset {
	return &labelDataset{name: name, batches: batches}
}

func (ds *labelDataset) Name() string { return ds.name }
func (ds *labelDataset) Reset()       { ds.next = 0 }

func (ds *labelDataset) Reshard(epoch int) {
	ds.reshardEpochs = append(ds.reshardEpochs, epoch)
	ds.next = 0
}

func (ds *labelDataset) Yield() (*Batch, error) {
	if ds.next >= len(ds.batches) {
		return nil, io.EOF
	}
	labels := ds.batches[ds.next]
	ds.next++
	return &Batch{
		Inputs: tensors.FromShape(len(labels), 1),
		Labels: labels,
	}, nil
}

func newTestTrainer(t *testing.T, group distributed.Group, model nn.Module,
	epochs int, reporter Reporter) *Trainer {
	t.Helper()
	config := Config{BatchSize: 2, EpochCount: epochs}
	trainer, err := NewTrainer(config, group, model, optimizers.NewSGD(0, 0, 0), nil, reporter)
	require.NoError(t, err)
	return trainer
}

// Two workers in lockstep: the training shards hold only class-0 labels on
// the leader and only class-1 on the other worker, so the local train
// accuracy differs wildly between workers while the reduced validation
// accuracy agrees.
func TestLoopTwoWorkers(t *testing.T) {
	world, err := distributed.NewLoopbackWorld(2, 2)
	require.NoError(t, err)

	const epochs = 2
	sink := &recordingSink{}
	shards := [][]int32{{0, 0}, {1, 1}}
	loops := make([]*Loop, 2)
	trainSets := make([]*labelDataset, 2)

	ctx := context.Background()
	var g errgroup.Group
	for rank := 0; rank < 2; rank++ {
		group := world.Group(rank)
		reporter := NewReporter(group.Identity(), sink)
		trainer := newTestTrainer(t, group, classZeroModule{}, epochs, reporter)
		loop := NewLoop(trainer)
		loops[rank] = loop
		trainDS := newLabelDataset("train", shards[rank])
		trainSets[rank] = trainDS
		validDS := newLabelDataset("valid", []int32{0, 1, 0, 1})
		g.Go(func() error {
			return loop.RunEpochs(ctx, trainDS, validDS)
		})
	}
	require.NoError(t, g.Wait())

	// Predicting class 0 everywhere: each worker is right on half the
	// validation set, and the reduced counts give the same 50%.
	for rank := 0; rank < 2; rank++ {
		loop := loops[rank]
		assert.Equal(t, epochs, loop.Epoch)
		assert.Equal(t, epochs, loop.GlobalStep)
		assert.Equal(t, 1, loop.StepsPerEpoch)
		assert.InDelta(t, 0.5, loop.LastEval.WorldAccuracy, 1e-12, "rank %d", rank)
		assert.Equal(t, []int{0, 1}, trainSets[rank].reshardEpochs)
	}

	// Expected losses of the constant [1, 0] scores.
	lossLabel0 := math.Log(1+math.E) - 1 // correct class
	lossLabel1 := math.Log(1 + math.E)   // wrong class

	// Only the leader's view reaches the sink. Its shard is all class 0, so
	// the reported train accuracy is 1.0 even though the other worker's is 0.
	trainAcc := sink.byName("accuracy/train")
	require.Len(t, trainAcc, epochs)
	for i, r := range trainAcc {
		assert.Equal(t, i, r.step)
		assert.Equal(t, 1.0, r.value)
	}
	trainLoss := sink.byName("loss/train")
	require.Len(t, trainLoss, epochs)
	assert.InDelta(t, lossLabel0, trainLoss[0].value, 1e-9)

	// Validation metrics are recorded at epoch+1.
	validAcc := sink.byName("accuracy/valid")
	require.Len(t, validAcc, epochs)
	for i, r := range validAcc {
		assert.Equal(t, i+1, r.step)
		assert.InDelta(t, 0.5, r.value, 1e-12)
	}
	validLoss := sink.byName("loss/valid")
	require.Len(t, validLoss, epochs)
	wantValidLoss := (2*lossLabel0 + 2*lossLabel1) / 4
	assert.InDelta(t, wantValidLoss, validLoss[0].value, 1e-9)

	// The learning rate is recorded at the epoch index, warming up from
	// baseLR/world: base = 0.0004*2*2, schedule(0) = 0.5, schedule(1) = 0.6.
	lr := sink.byName("lr")
	require.Len(t, lr, epochs)
	assert.Equal(t, 0, lr[0].step)
	assert.InDelta(t, 0.0008, lr[0].value, 1e-12)
	assert.Equal(t, 1, lr[1].step)
	assert.InDelta(t, 0.00096, lr[1].value, 1e-12)

	// Timing metrics: per step at the global step, per epoch at epoch+1.
	assert.Len(t, sink.byName("time-per/step"), epochs)
	perEpoch := sink.byName("time-per/epoch")
	require.Len(t, perEpoch, epochs)
	assert.Equal(t, 1, perEpoch[0].step)
	assert.Equal(t, 2, perEpoch[1].step)
}

// Even shards: each worker sees one class-0 and one class-1 example, so the
// local train accuracy is 0.5 on both. Validation runs the full set on every
// worker; summing the doubled counts still normalizes to 0.5, not 1.0.
func TestLoopValidationNotShardedButReduced(t *testing.T) {
	world, err := distributed.NewLoopbackWorld(2, 2)
	require.NoError(t, err)

	loops := make([]*Loop, 2)
	localTrainAcc := make([]float64, 2)

	ctx := context.Background()
	var g errgroup.Group
	for rank := 0; rank < 2; rank++ {
		group := world.Group(rank)
		trainer := newTestTrainer(t, group, classZeroModule{}, 1, NewReporter(group.Identity(), nil))
		loop := NewLoop(trainer)
		loops[rank] = loop
		loop.OnStep("capture", 0, func(_ *Loop, step StepMetrics) error {
			localTrainAcc[rank] = step.Accuracy()
			return nil
		})
		trainDS := newLabelDataset("train", []int32{0, 1})
		validDS := newLabelDataset("valid", []int32{0, 1, 0, 1})
		g.Go(func() error {
			return loop.RunEpochs(ctx, trainDS, validDS)
		})
	}
	require.NoError(t, g.Wait())

	for rank := 0; rank < 2; rank++ {
		assert.InDelta(t, 0.5, localTrainAcc[rank], 1e-12, "rank %d", rank)
		assert.InDelta(t, 0.5, loops[rank].LastEval.WorldAccuracy, 1e-12, "rank %d", rank)
	}
}

func TestLoopHooks(t *testing.T) {
	world, err := distributed.NewLoopbackWorld(1, 1)
	require.NoError(t, err)
	group := world.Group(0)

	trainer := newTestTrainer(t, group, classZeroModule{}, 2, NewReporter(group.Identity(), nil))
	loop := NewLoop(trainer)

	var order []string
	loop.OnStart("second", 10, func(*Loop) error {
		order = append(order, "start-second")
		return nil
	})
	loop.OnStart("first", -10, func(*Loop) error {
		order = append(order, "start-first")
		return nil
	})
	steps, epochEnds, ends := 0, 0, 0
	loop.OnStep("count", 0, func(_ *Loop, step StepMetrics) error {
		steps++
		assert.Equal(t, 1.0, step.Accuracy())
		return nil
	})
	loop.OnEpochEnd("count", 0, func(_ *Loop, eval EvalMetrics) error {
		epochEnds++
		assert.InDelta(t, 0.5, eval.WorldAccuracy, 1e-12)
		return nil
	})
	loop.OnEnd("count", 0, func(*Loop) error {
		ends++
		return nil
	})

	trainDS := newLabelDataset("train", []int32{0, 0}, []int32{0, 0})
	validDS := newLabelDataset("valid", []int32{0, 1})
	require.NoError(t, loop.RunEpochs(context.Background(), trainDS, validDS))

	// Hooks run in priority order, once per event.
	assert.Equal(t, []string{"start-first", "start-second"}, order)
	assert.Equal(t, 4, steps) // 2 epochs x 2 batches
	assert.Equal(t, 2, epochEnds)
	assert.Equal(t, 1, ends)
}

func TestLoopEmptyTrainingShard(t *testing.T) {
	world, err := distributed.NewLoopbackWorld(1, 1)
	require.NoError(t, err)
	group := world.Group(0)

	sink := &recordingSink{}
	trainer := newTestTrainer(t, group, classZeroModule{}, 2, NewReporter(group.Identity(), sink))
	loop := NewLoop(trainer)

	trainDS := newLabelDataset("train") // no batches at all
	validDS := newLabelDataset("valid", []int32{0, 1})
	require.NoError(t, loop.RunEpochs(context.Background(), trainDS, validDS))

	// Zero steps, but both epochs still complete with validation.
	assert.Equal(t, 2, loop.Epoch)
	assert.Equal(t, 0, loop.GlobalStep)
	assert.Equal(t, 0, loop.StepsPerEpoch)
	assert.Len(t, sink.byName("accuracy/valid"), 2)
	assert.Len(t, sink.byName("time-per/epoch"), 2)
	assert.Empty(t, sink.byName("accuracy/train"))
}

func TestLoopEmptyValidationSet(t *testing.T) {
	world, err := distributed.NewLoopbackWorld(1, 1)
	require.NoError(t, err)
	group := world.Group(0)

	trainer := newTestTrainer(t, group, classZeroModule{}, 1, NewReporter(group.Identity(), nil))
	loop := NewLoop(trainer)

	trainDS := newLabelDataset("train", []int32{0, 0})
	validDS := newLabelDataset("valid")
	err = loop.RunEpochs(context.Background(), trainDS, validDS)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zero samples")
}

func TestLoopNaNLossInterrupts(t *testing.T) {
	world, err := distributed.NewLoopbackWorld(1, 1)
	require.NoError(t, err)
	group := world.Group(0)

	trainer := newTestTrainer(t, group, nanModule{}, 1, NewReporter(group.Identity(), nil))
	loop := NewLoop(trainer)

	trainDS := newLabelDataset("train", []int32{0, 0})
	validDS := newLabelDataset("valid", []int32{0, 1})
	err = loop.RunEpochs(context.Background(), trainDS, validDS)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "training interrupted")
}

func TestLoopReportEvery(t *testing.T) {
	world, err := distributed.NewLoopbackWorld(1, 1)
	require.NoError(t, err)
	group := world.Group(0)

	sink := &recordingSink{}
	config := Config{BatchSize: 2, EpochCount: 1, ReportEvery: 2}
	trainer, err := NewTrainer(config, group, classZeroModule{},
		optimizers.NewSGD(0, 0, 0), nil, NewReporter(group.Identity(), sink))
	require.NoError(t, err)
	loop := NewLoop(trainer)

	trainDS := newLabelDataset("train",
		[]int32{0, 0}, []int32{0, 0}, []int32{0, 0}, []int32{0, 0})
	validDS := newLabelDataset("valid", []int32{0, 1})
	require.NoError(t, loop.RunEpochs(context.Background(), trainDS, validDS))

	// Steps 0 and 2 report, 1 and 3 are gated.
	reported := sink.byName("loss/train")
	require.Len(t, reported, 2)
	assert.Equal(t, 0, reported[0].step)
	assert.Equal(t, 2, reported[1].step)
}

func TestLoopHookErrorPropagates(t *testing.T) {
	world, err := distributed.NewLoopbackWorld(1, 1)
	require.NoError(t, err)
	group := world.Group(0)

	trainer := newTestTrainer(t, group, classZeroModule{}, 1, NewReporter(group.Identity(), nil))
	loop := NewLoop(trainer)
	loop.OnStart("boom", 0, func(*Loop) error {
		return io.ErrUnexpectedEOF
	})
	err = loop.RunEpochs(context.Background(), newLabelDataset("train"),
		newLabelDataset("valid", []int32{0}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `OnStart(hook "boom")`)
}

func TestConfigDefaults(t *testing.T) {
	world, err := distributed.NewLoopbackWorld(2, 2)
	require.NoError(t, err)
	group := world.Group(0)

	trainer, err := NewTrainer(Config{BatchSize: 128, EpochCount: 90}, group,
		classZeroModule{}, optimizers.NewSGD(0, 0, 0), nil, NewReporter(group.Identity(), nil))
	require.NoError(t, err)
	// BaseLearningRate derives from the global batch size.
	assert.InDelta(t, 0.0004*128*2, trainer.Config().BaseLearningRate, 1e-12)
	assert.Equal(t, 1, trainer.Config().ReportEvery)

	_, err = NewTrainer(Config{BatchSize: 0, EpochCount: 1}, group,
		classZeroModule{}, optimizers.NewSGD(0, 0, 0), nil, NewReporter(group.Identity(), nil))
	require.Error(t, err)
	_, err = NewTrainer(Config{BatchSize: 1, EpochCount: 0}, group,
		classZeroModule{}, optimizers.NewSGD(0, 0, 0), nil, NewReporter(group.Identity(), nil))
	require.Error(t, err)
}

func TestApplyScheduleSetsOptimizer(t *testing.T) {
	world, err := distributed.NewLoopbackWorld(1, 1)
	require.NoError(t, err)
	group := world.Group(0)

	opt := optimizers.NewSGD(0, 0, 0)
	trainer, err := NewTrainer(Config{BatchSize: 10, EpochCount: 90}, group,
		classZeroModule{}, opt, nil, NewReporter(group.Identity(), nil))
	require.NoError(t, err)

	base := trainer.Config().BaseLearningRate
	lr := trainer.ApplySchedule(0)
	assert.InDelta(t, base, lr, 1e-12) // world 1: schedule is constant 1
	assert.InDelta(t, lr, opt.LearningRate(), 1e-12)

	lr = trainer.ApplySchedule(30)
	assert.InDelta(t, base*0.1, lr, 1e-12)
	assert.InDelta(t, lr, opt.LearningRate(), 1e-12)
}
