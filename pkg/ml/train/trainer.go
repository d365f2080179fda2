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

// Package train implements the distributed training-loop orchestrator: the
// per-epoch/per-step control flow keeping all workers of the process group
// in lockstep, the trainer driving the model collaborator, and the rank-0
// reporting gate.
package train

import (
	"github.com/pkg/errors"

	"github.com/skeleton-ml/distrain/pkg/core/distributed"
	"github.com/skeleton-ml/distrain/pkg/ml/nn"
	"github.com/skeleton-ml/distrain/pkg/ml/train/losses"
	"github.com/skeleton-ml/distrain/pkg/ml/train/metrics"
	"github.com/skeleton-ml/distrain/pkg/ml/train/optimizers"
)

// Config are the training hyperparameters, fixed before orchestration begins
// and never mutated afterwards.
type Config struct {
	// BatchSize of each worker's mini-batches.
	BatchSize int

	// EpochCount is the number of full passes over the training shard.
	EpochCount int

	// BaseLearningRate before the schedule multiplier. If zero, it is
	// computed as `0.0004 * BatchSize * worldSize`.
	BaseLearningRate float64

	// Momentum and WeightDecay of the SGD optimizer.
	Momentum    float64
	WeightDecay float64

	// Dataset identifier, e.g. "cifar10". Informational.
	Dataset string

	// ReportEvery gates per-step metric reports: report every Nth step.
	// Defaults to 1 (every step).
	ReportEvery int
}

// withDefaults fills derived and defaulted fields.
func (c Config) withDefaults(worldSize int) (Config, error) {
	if c.BatchSize <= 0 {
		return c, errors.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.EpochCount <= 0 {
		return c, errors.Errorf("epoch count must be positive, got %d", c.EpochCount)
	}
	if c.BaseLearningRate == 0 {
		c.BaseLearningRate = optimizers.BaseLearningRate(c.BatchSize, worldSize)
	}
	if c.ReportEvery <= 0 {
		c.ReportEvery = 1
	}
	return c, nil
}

// StepMetrics are the local observations of one training or evaluation step.
type StepMetrics struct {
	Loss    float64
	Correct int
	Total   int
}

// Accuracy of this single batch, the local worker's view.
func (m StepMetrics) Accuracy() float64 {
	if m.Total == 0 {
		return 0
	}
	return float64(m.Correct) / float64(m.Total)
}

// Trainer runs individual training and evaluation steps on the model
// collaborator. It owns no control flow; the Loop drives it.
type Trainer struct {
	config    Config
	group     distributed.Group
	model     nn.Module
	optimizer optimizers.Interface
	schedule  optimizers.Schedule
	reporter  Reporter
}

// NewTrainer assembles a trainer. The model should already be wrapped with
// nn.Distribute when worldSize > 1, so that its backward pass synchronizes
// gradients across the group.
func NewTrainer(
	config Config,
	group distributed.Group,
	model nn.Module,
	optimizer optimizers.Interface,
	schedule optimizers.Schedule,
	reporter Reporter,
) (*Trainer, error) {
	config, err := config.withDefaults(group.Identity().WorldSize)
	if err != nil {
		return nil, err
	}
	if schedule == nil {
		schedule = optimizers.DefaultSchedule(group.Identity().WorldSize)
	}
	return &Trainer{
		config:    config,
		group:     group,
		model:     model,
		optimizer: optimizer,
		schedule:  schedule,
		reporter:  reporter,
	}, nil
}

// Config returns the trainer's (immutable) configuration.
func (t *Trainer) Config() Config { return t.config }

// Identity returns the worker identity of this trainer's group handle.
func (t *Trainer) Identity() distributed.WorkerIdentity { return t.group.Identity() }

// ApplySchedule sets the optimizer's learning rate for the given epoch and
// returns the applied value. Every worker calls it with the same epoch, so
// all replicas step with the same rate.
func (t *Trainer) ApplySchedule(epoch int) float64 {
	lr := t.config.BaseLearningRate * t.schedule(epoch)
	t.optimizer.SetLearningRate(lr)
	return lr
}

// TrainStep runs one mini-batch update: forward pass, cross-entropy loss,
// backward pass (with the implicit cross-worker gradient synchronization of
// the distributed module wrapper), optimizer step, gradient clear.
func (t *Trainer) TrainStep(batch *Batch) (StepMetrics, error) {
	var m StepMetrics
	scores := t.model.Forward(batch.Inputs)
	loss, scoresGrad, err := losses.CrossEntropy(scores, batch.Labels)
	if err != nil {
		return m, errors.WithMessage(err, "computing training loss")
	}
	if err := t.model.Backward(scoresGrad); err != nil {
		return m, errors.WithMessage(err, "backward pass")
	}
	t.optimizer.Step(t.model.Parameters())
	nn.ZeroGrad(t.model.Parameters())

	m.Loss = loss
	m.Correct, m.Total = metrics.CorrectTotal(scores, batch.Labels)
	return m, nil
}

// EvalStep runs a forward pass only, no gradients, no parameter update.
func (t *Trainer) EvalStep(batch *Batch) (StepMetrics, error) {
	var m StepMetrics
	scores := t.model.Forward(batch.Inputs)
	loss, err := losses.CrossEntropyValue(scores, batch.Labels)
	if err != nil {
		return m, errors.WithMessage(err, "computing validation loss")
	}
	m.Loss = loss
	m.Correct, m.Total = metrics.CorrectTotal(scores, batch.Labels)
	return m, nil
}
