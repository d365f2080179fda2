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

package optimizers

// This file implements learning rate schedules.

import (
	"math"
	"slices"
	"sort"

	"github.com/gomlx/exceptions"
)

// Schedule is a pure function from epoch to a learning-rate multiplier.
// The effective learning rate at epoch e is `baseLR * schedule(e)`.
//
// Every worker must evaluate the schedule with the same epoch argument:
// diverging learning rates across replicas silently corrupt the model.
// Keeping it a pure function of the epoch makes that property hold by
// construction.
type Schedule func(epoch int) float64

// Defaults of the warm-up/multi-step schedule used for large-batch
// data-parallel training.
const (
	DefaultWarmupEpochs = 5
	DefaultDecayFactor  = 0.1
)

// DefaultMilestones of the multi-step decay: the learning rate is divided by
// 10 at the 30th, 60th and 80th epoch.
var DefaultMilestones = []int{30, 60, 80}

// BaseLearningRate computes the initial learning rate scaled linearly with
// the global batch size (`0.0004 * batch * world`), following the
// large-batch SGD scaling rule.
func BaseLearningRate(batchSize, worldSize int) float64 {
	return 0.0004 * float64(batchSize) * float64(worldSize)
}

// WarmupMultiStep builds the schedule used for distributed training:
//
//   - Warm-up, epoch < warmupEpochs: linear ramp from 1/worldSize to 1.0,
//     `1/w + (1 - 1/w) * epoch / warmupEpochs`. With a world size of 1 this
//     degenerates to a constant 1.0.
//   - Afterwards: multi-step decay, `gamma^k` where k is the number of
//     milestones <= epoch. The comparison is inclusive: an epoch equal to a
//     milestone counts as having crossed it.
//
// milestones must be sorted ascending.
func WarmupMultiStep(worldSize, warmupEpochs int, milestones []int, gamma float64) Schedule {
	if worldSize <= 0 {
		exceptions.Panicf("WarmupMultiStep: world size must be positive, got %d", worldSize)
	}
	if warmupEpochs < 0 {
		exceptions.Panicf("WarmupMultiStep: warm-up epochs must be non-negative, got %d", warmupEpochs)
	}
	if !slices.IsSorted(milestones) {
		exceptions.Panicf("WarmupMultiStep: milestones %v must be sorted ascending", milestones)
	}
	milestones = slices.Clone(milestones)
	invWorld := 1.0 / float64(worldSize)
	return func(epoch int) float64 {
		if epoch < warmupEpochs {
			return invWorld + (1.0-invWorld)*float64(epoch)/float64(warmupEpochs)
		}
		// Rightmost insertion point: number of milestones <= epoch.
		crossed := sort.Search(len(milestones), func(i int) bool {
			return milestones[i] > epoch
		})
		return math.Pow(gamma, float64(crossed))
	}
}

// DefaultSchedule is WarmupMultiStep with the default warm-up length,
// milestones and decay factor.
func DefaultSchedule(worldSize int) Schedule {
	return WarmupMultiStep(worldSize, DefaultWarmupEpochs, DefaultMilestones, DefaultDecayFactor)
}
