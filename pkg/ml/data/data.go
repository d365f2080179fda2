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

// Package data implements in-memory datasets and the distributed sampling
// used to shard training data across workers.
package data

import (
	"io"
	"math/rand"

	"github.com/gomlx/exceptions"

	"github.com/skeleton-ml/distrain/pkg/core/distributed"
	"github.com/skeleton-ml/distrain/pkg/core/tensors"
	"github.com/skeleton-ml/distrain/pkg/ml/train"
)

// InMemory is a train.Dataset over tensors held in memory, optionally
// shuffled per epoch and sharded across the workers of a process group.
//
// Sharding follows the usual distributed-sampler scheme: a permutation of
// all example indices is drawn from the epoch number alone -- so every
// worker draws the identical permutation -- then padded to a multiple of the
// world size (repeating the leading examples) and dealt out round-robin.
// Shards are disjoint and equally sized.
type InMemory struct {
	name   string
	inputs *tensors.Tensor
	labels []int32

	batchSize int
	dropLast  bool
	shuffle   bool

	rank      int
	worldSize int

	order []int
	next  int
}

var _ train.ShardedDataset = (*InMemory)(nil)

// InMemoryDataset creates a dataset from inputs shaped [numExamples, ...]
// and one label per example. By default it yields one batch per example, in
// order, unsharded; configure with the chained BatchSize, Shuffle and
// ShardAcross calls before first use.
func InMemoryDataset(name string, inputs *tensors.Tensor, labels []int32) *InMemory {
	if inputs.Dim(0) != len(labels) {
		exceptions.Panicf("data.InMemoryDataset(%q): %d examples but %d labels",
			name, inputs.Dim(0), len(labels))
	}
	ds := &InMemory{
		name:      name,
		inputs:    inputs,
		labels:    labels,
		batchSize: 1,
		worldSize: 1,
	}
	ds.Reshard(0)
	return ds
}

// BatchSize configures the batch size and whether a final partial batch is
// dropped. It returns ds to allow cascading configuration calls.
func (ds *InMemory) BatchSize(n int, dropLast bool) *InMemory {
	if n <= 0 {
		exceptions.Panicf("data.InMemory(%q).BatchSize: must be positive, got %d", ds.name, n)
	}
	ds.batchSize = n
	ds.dropLast = dropLast
	ds.Reshard(0)
	return ds
}

// Shuffle enables epoch-seeded reshuffling. It returns ds.
func (ds *InMemory) Shuffle() *InMemory {
	ds.shuffle = true
	ds.Reshard(0)
	return ds
}

// ShardAcross deals the examples out across the workers of the group; this
// dataset instance yields only the shard of the given worker. It returns ds.
func (ds *InMemory) ShardAcross(identity distributed.WorkerIdentity) *InMemory {
	if err := identity.Validate(); err != nil {
		exceptions.Panicf("data.InMemory(%q).ShardAcross: %v", ds.name, err)
	}
	ds.rank = identity.Rank
	ds.worldSize = identity.WorldSize
	ds.Reshard(0)
	return ds
}

// Name implements train.Dataset.
func (ds *InMemory) Name() string { return ds.name }

// NumExamples of the full (unsharded) dataset.
func (ds *InMemory) NumExamples() int { return len(ds.labels) }

// FeatureDim is the number of features per example.
func (ds *InMemory) FeatureDim() int { return ds.inputs.Dim(1) }

// NumBatches this worker yields per pass.
func (ds *InMemory) NumBatches() int {
	n := len(ds.order)
	if ds.dropLast {
		return n / ds.batchSize
	}
	return (n + ds.batchSize - 1) / ds.batchSize
}

// Reshard implements train.ShardedDataset: it redraws the epoch's
// permutation and resets the pass. Deterministic in (epoch, rank).
func (ds *InMemory) Reshard(epoch int) {
	n := len(ds.labels)
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	if ds.shuffle {
		rng := rand.New(rand.NewSource(int64(epoch)))
		rng.Shuffle(n, func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}
	if ds.worldSize > 1 {
		// Pad to a multiple of the world size, repeating leading examples.
		for len(indices)%ds.worldSize != 0 {
			indices = append(indices, indices[len(indices)%n])
		}
		shard := make([]int, 0, len(indices)/ds.worldSize)
		for i := ds.rank; i < len(indices); i += ds.worldSize {
			shard = append(shard, indices[i])
		}
		indices = shard
	}
	ds.order = indices
	ds.next = 0
}

// Reset implements train.Dataset: it restarts the current pass without
// redrawing the permutation.
func (ds *InMemory) Reset() { ds.next = 0 }

// Yield implements train.Dataset.
func (ds *InMemory) Yield() (*train.Batch, error) {
	remaining := len(ds.order) - ds.next
	if remaining <= 0 || (ds.dropLast && remaining < ds.batchSize) {
		return nil, io.EOF
	}
	size := min(ds.batchSize, remaining)
	picked := ds.order[ds.next : ds.next+size]
	ds.next += size

	labels := make([]int32, size)
	for i, idx := range picked {
		labels[i] = ds.labels[idx]
	}
	return &train.Batch{
		Inputs: ds.inputs.Gather(picked),
		Labels: labels,
	}, nil
}
