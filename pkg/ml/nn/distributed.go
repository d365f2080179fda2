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

package nn

import (
	"context"

	"github.com/pkg/errors"

	"github.com/skeleton-ml/distrain/pkg/core/distributed"
	"github.com/skeleton-ml/distrain/pkg/core/tensors"
)

// DistributedModule wraps a Module so that Backward transparently averages
// the parameter gradients across all workers of the group. After Backward
// returns, every replica holds numerically identical gradients, so identical
// optimizer steps keep the replicas consistent.
//
// Each Backward call is one collective with an implicit all-worker barrier:
// every worker must call Backward the same number of times, in the same
// order. The wrapper tags each synchronization with a monotonically
// increasing sequence number, so a diverged worker produces an error instead
// of a silent corruption.
type DistributedModule struct {
	Module

	ctx   context.Context
	group distributed.Group
	seq   int
}

// Distribute wraps module for gradient synchronization over group. The given
// ctx bounds every synchronization call.
// With a world size of 1 the wrapper is a pass-through.
func Distribute(ctx context.Context, module Module, group distributed.Group) *DistributedModule {
	return &DistributedModule{Module: module, ctx: ctx, group: group}
}

// Backward runs the wrapped module's backward pass, then replaces every
// parameter gradient by its average across all workers.
func (m *DistributedModule) Backward(scoresGrad *tensors.Tensor) error {
	if err := m.Module.Backward(scoresGrad); err != nil {
		return err
	}
	m.seq++
	if m.group.Identity().WorldSize == 1 {
		return nil
	}

	// Flatten all gradients into one vector: one collective per step, not one
	// per parameter.
	params := m.Parameters()
	total := 0
	for _, p := range params {
		total += p.Grad.Size()
	}
	flat := make([]float64, 0, total)
	for _, p := range params {
		for _, v := range p.Grad.Flat() {
			flat = append(flat, float64(v))
		}
	}

	tag := distributed.Tag{Kind: "grad-sync", Epoch: -1, Step: m.seq}
	reduced, err := m.group.AllReduceFloat64(m.ctx, tag, flat)
	if err != nil {
		return errors.WithMessagef(err, "synchronizing gradients (step %d)", m.seq)
	}
	invWorld := 1.0 / float64(m.group.Identity().WorldSize)
	offset := 0
	for _, p := range params {
		grad := p.Grad.Flat()
		for i := range grad {
			grad[i] = float32(reduced[offset+i] * invWorld)
		}
		offset += p.Grad.Size()
	}
	return nil
}
