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
	"sort"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/skeleton-ml/distrain/pkg/core/distributed"
	"github.com/skeleton-ml/distrain/pkg/ml/train/metrics"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop) error

// OnStepFn is the type of OnStep hooks, called after every training step.
type OnStepFn func(loop *Loop, step StepMetrics) error

// OnEpochEndFn is the type of OnEpochEnd hooks, called after each epoch's
// validation phase.
type OnEpochEndFn func(loop *Loop, eval EvalMetrics) error

// OnEndFn is the type of OnEnd hooks, called once after the last epoch.
type OnEndFn func(loop *Loop) error

// EvalMetrics is the outcome of one validation phase.
type EvalMetrics struct {
	// WorldAccuracy is the cross-worker accuracy: correct and total counts
	// summed over the whole group before dividing.
	WorldAccuracy float64

	// LocalLoss is this worker's mean validation loss. It is NOT reduced
	// across workers; only rank 0's view reaches the sink.
	LocalLoss float64
}

// Loop drives the epoch/step state machine of distributed training. All
// workers run the identical sequence of steps and collectives; the loop
// itself holds only worker-local state.
//
// Per epoch it: reshards the training data for the epoch, applies the
// learning-rate schedule, runs the training phase over this worker's shard,
// then runs the validation phase over the full validation set -- every
// worker redundantly evaluates all of it, only the accuracy counts are
// reduced group-wide. Trimming the redundant evaluation would change the
// wall-clock semantics of the time-per/epoch metric, so it stays.
//
// Functionality can be attached via hooks (progress bars, early summaries);
// the loop runs fine without any.
type Loop struct {
	// Trainer associated with this loop.
	Trainer *Trainer

	// Epoch currently being executed, starting from 0.
	Epoch int

	// GlobalStep counts training steps monotonically across epochs. Workers
	// in lockstep always agree on it at synchronization points.
	GlobalStep int

	// StepsPerEpoch observed in the last training phase.
	StepsPerEpoch int

	// TrainStepDurations collected during the current epoch's training phase.
	TrainStepDurations []time.Duration

	// LastEval is the outcome of the most recent validation phase.
	LastEval EvalMetrics

	onStart    *priorityHooks[*hookWithName[OnStartFn]]
	onStep     *priorityHooks[*hookWithName[OnStepFn]]
	onEpochEnd *priorityHooks[*hookWithName[OnEpochEndFn]]
	onEnd      *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a training loop for the trainer.
func NewLoop(trainer *Trainer) *Loop {
	return &Loop{
		Trainer:    trainer,
		onStart:    newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:     newPriorityHooks[*hookWithName[OnStepFn]](),
		onEpochEnd: newPriorityHooks[*hookWithName[OnEpochEndFn]](),
		onEnd:      newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

// RunEpochs trains for the configured number of epochs over trainDS,
// validating on validDS after each epoch.
//
// trainDS yields this worker's disjoint shard; validDS must be the full,
// unsharded validation set. An empty training shard yields zero steps but
// the epoch still advances.
func (loop *Loop) RunEpochs(ctx context.Context, trainDS ShardedDataset, validDS Dataset) error {
	trainer := loop.Trainer
	epochs := trainer.Config().EpochCount
	reporter := trainer.reporter

	if err := loop.start(); err != nil {
		return err
	}
	for loop.Epoch = 0; loop.Epoch < epochs; loop.Epoch++ {
		// All workers reshuffle identically for the epoch, shards stay disjoint.
		trainDS.Reshard(loop.Epoch)

		lr := trainer.ApplySchedule(loop.Epoch)
		reporter.Report("lr", lr, loop.Epoch)
		klog.V(1).Infof("[train] [epoch:%04d/%04d] lr=%.6g", loop.Epoch+1, epochs, lr)

		if err := loop.trainPhase(trainDS); err != nil {
			return err
		}
		if err := loop.validPhase(ctx, validDS); err != nil {
			return err
		}
	}
	return loop.end()
}

func (loop *Loop) trainPhase(trainDS ShardedDataset) error {
	trainer := loop.Trainer
	epochs := trainer.Config().EpochCount
	reporter := trainer.reporter
	reportEvery := trainer.Config().ReportEvery

	epochStart := time.Now()
	loop.TrainStepDurations = loop.TrainStepDurations[:0]
	stepInEpoch := 0
	for {
		batch, err := trainDS.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.WithMessagef(err, "reading training batch (epoch %d, step %d)",
				loop.Epoch, stepInEpoch)
		}
		stepStart := time.Now()
		step, err := trainer.TrainStep(batch)
		if err != nil {
			return errors.WithMessagef(err, "training step failed (epoch %d, global step %d)",
				loop.Epoch, loop.GlobalStep)
		}
		if math.IsNaN(step.Loss) || math.IsInf(step.Loss, 0) {
			return errors.Errorf("batch loss is %f at global step %d, training interrupted",
				step.Loss, loop.GlobalStep)
		}
		stepDuration := time.Since(stepStart)
		loop.TrainStepDurations = append(loop.TrainStepDurations, stepDuration)

		// Per-step reports are the local view -- only rank 0's reaches the sink.
		if loop.GlobalStep%reportEvery == 0 {
			reporter.Report("time-per/step", stepDuration.Seconds(), loop.GlobalStep)
			reporter.Report("accuracy/train", step.Accuracy(), loop.GlobalStep)
			reporter.Report("loss/train", step.Loss, loop.GlobalStep)
		}
		klog.V(2).Infof("[train] [epoch:%04d/%04d] [step:%04d] loss: %.5f",
			loop.Epoch+1, epochs, stepInEpoch+1, step.Loss)

		if err := loop.stepHooks(step); err != nil {
			return err
		}
		loop.GlobalStep++
		stepInEpoch++
	}
	loop.StepsPerEpoch = stepInEpoch
	reporter.Report("time-per/epoch", time.Since(epochStart).Seconds(), loop.Epoch+1)
	return nil
}

func (loop *Loop) validPhase(ctx context.Context, validDS Dataset) error {
	trainer := loop.Trainer
	epochs := trainer.Config().EpochCount
	reporter := trainer.reporter

	validDS.Reset()
	var accuracy metrics.Ratio
	var loss metrics.Mean
	for {
		batch, err := validDS.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.WithMessagef(err, "reading validation batch (epoch %d)", loop.Epoch)
		}
		step, err := trainer.EvalStep(batch)
		if err != nil {
			return errors.WithMessagef(err, "validation step failed (epoch %d)", loop.Epoch)
		}
		accuracy.Add(step.Correct, step.Total)
		loss.Add(step.Loss)
	}

	// Accuracy is a group-wide aggregate of counts; the loss mean stays
	// local to this worker. See package metrics for the asymmetry.
	tag := distributed.Tag{Kind: "valid-accuracy", Epoch: loop.Epoch, Step: loop.GlobalStep}
	worldAccuracy, err := accuracy.ReduceAcross(ctx, trainer.group, tag)
	if err != nil {
		return err
	}
	localLoss, err := loss.Value()
	if err != nil {
		return errors.WithMessagef(err, "validation set was empty (epoch %d)", loop.Epoch)
	}
	loop.LastEval = EvalMetrics{WorldAccuracy: worldAccuracy, LocalLoss: localLoss}

	reporter.Report("accuracy/valid", worldAccuracy, loop.Epoch+1)
	reporter.Report("loss/valid", localLoss, loop.Epoch+1)
	klog.Infof("[valid] [epoch:%04d/%04d] loss: %.5f, accuracy: %.1f%%",
		loop.Epoch+1, epochs, localLoss, worldAccuracy*100)

	return loop.epochEndHooks(loop.LastEval)
}

// MedianTrainStepDuration returns the median duration of the current epoch's
// training steps. It returns 1 millisecond if no step was recorded, to avoid
// a division by 0 in throughput displays.
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		return time.Millisecond
	}
	times := append([]time.Duration(nil), loop.TrainStepDurations...)
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	return times[len(times)/2]
}

// OnStart adds a hook with the given priority and name (for error reporting)
// to the start of the run.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook called after every training step.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEpochEnd adds a hook called after each epoch's validation phase.
func (loop *Loop) OnEpochEnd(name string, priority Priority, fn OnEpochEndFn) {
	loop.onEpochEnd.Add(priority, &hookWithName[OnEpochEndFn]{name: name, fn: fn})
}

// OnEnd adds a hook called once after the last epoch.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

func (loop *Loop) start() (err error) {
	loop.onStart.Enumerate(func(hook *hookWithName[OnStartFn]) {
		if err != nil {
			return
		}
		err = hook.fn(loop)
		if err != nil {
			err = errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	})
	return
}

func (loop *Loop) stepHooks(step StepMetrics) (err error) {
	loop.onStep.Enumerate(func(hook *hookWithName[OnStepFn]) {
		if err != nil {
			return
		}
		err = hook.fn(loop, step)
		if err != nil {
			err = errors.WithMessagef(err, "OnStep(hook %q)", hook.name)
		}
	})
	return
}

func (loop *Loop) epochEndHooks(eval EvalMetrics) (err error) {
	loop.onEpochEnd.Enumerate(func(hook *hookWithName[OnEpochEndFn]) {
		if err != nil {
			return
		}
		err = hook.fn(loop, eval)
		if err != nil {
			err = errors.WithMessagef(err, "OnEpochEnd(hook %q)", hook.name)
		}
	})
	return
}

func (loop *Loop) end() (err error) {
	loop.onEnd.Enumerate(func(hook *hookWithName[OnEndFn]) {
		if err != nil {
			return
		}
		err = hook.fn(loop)
		if err != nil {
			err = errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	})
	return
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{hooks: make(map[Priority][]H)}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// Enumerate will call fn for all registered hooks in priority order.
func (h *priorityHooks[H]) Enumerate(fn func(hook H)) {
	keys := make([]Priority, 0, len(h.hooks))
	for key := range h.hooks {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, key := range keys {
		for _, hook := range h.hooks[key] {
			fn(hook)
		}
	}
}
