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

// Package metrics implements the scalar metrics the training loop reports:
// classification accuracy as (correct, total) counts and running loss means.
//
// Accuracy is a true cross-worker aggregate: the counts are summed over the
// whole group before dividing. The loss mean is deliberately local to each
// worker and never reduced; reducing it would silently change the reported
// numbers between single- and multi-worker runs.
package metrics

import (
	"context"

	"github.com/pkg/errors"

	"github.com/skeleton-ml/distrain/pkg/core/distributed"
	"github.com/skeleton-ml/distrain/pkg/core/tensors"
)

// CorrectTotal counts how many rows of scores (shaped [batch, classes])
// have their argmax equal to the corresponding label.
func CorrectTotal(scores *tensors.Tensor, labels []int32) (correct, total int) {
	total = len(labels)
	for i := 0; i < total; i++ {
		row := scores.Row(i)
		best := 0
		for j, v := range row[1:] {
			if v > row[best] {
				best = j + 1
			}
		}
		if int32(best) == labels[i] {
			correct++
		}
	}
	return
}

// Ratio accumulates (correct, total) counts.
type Ratio struct {
	Correct int64
	Total   int64
}

// Add folds one batch's counts in.
func (r *Ratio) Add(correct, total int) {
	r.Correct += int64(correct)
	r.Total += int64(total)
}

// Reset clears the accumulated counts.
func (r *Ratio) Reset() { r.Correct, r.Total = 0, 0 }

// Value returns the local ratio. It fails on a zero total: a silent NaN here
// would poison every downstream report.
func (r *Ratio) Value() (float64, error) {
	if r.Total == 0 {
		return 0, errors.New("accuracy ratio undefined: zero samples counted")
	}
	return float64(r.Correct) / float64(r.Total), nil
}

// ReduceAcross sums the counts over all workers of the group and returns the
// world-wide ratio. Every worker receives the same value. Blocks until the
// whole group reaches the same tagged call.
func (r *Ratio) ReduceAcross(ctx context.Context, group distributed.Group, tag distributed.Tag) (float64, error) {
	reduced, err := group.AllReduceInt64(ctx, tag, []int64{r.Correct, r.Total})
	if err != nil {
		return 0, errors.WithMessagef(err, "reducing %s across %d workers",
			tag, group.Identity().WorldSize)
	}
	if reduced[1] == 0 {
		return 0, errors.Errorf("world accuracy undefined at %s: zero samples across all workers", tag)
	}
	return float64(reduced[0]) / float64(reduced[1]), nil
}

// Mean accumulates a running arithmetic mean of scalar values, local to this
// worker.
type Mean struct {
	sum   float64
	count int
}

// Add folds one value in.
func (m *Mean) Add(v float64) {
	m.sum += v
	m.count++
}

// Reset clears the accumulator.
func (m *Mean) Reset() { m.sum, m.count = 0, 0 }

// Count returns how many values were added.
func (m *Mean) Count() int { return m.count }

// Value returns the mean of the added values, or an error if none were.
func (m *Mean) Value() (float64, error) {
	if m.count == 0 {
		return 0, errors.New("mean undefined: no values accumulated")
	}
	return m.sum / float64(m.count), nil
}
