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
	"github.com/skeleton-ml/distrain/pkg/core/tensors"
)

// Batch is one mini-batch of examples: inputs shaped
// [batchSize, features...] and one integer class label per example.
type Batch struct {
	Inputs *tensors.Tensor
	Labels []int32
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int { return len(b.Labels) }

// Dataset provides the data, one batch at a time.
//
// Yield returns io.EOF after one full pass; Reset restarts the dataset from
// the beginning, for instance before another validation pass.
type Dataset interface {
	// Name identifies the dataset. Used for logging.
	Name() string

	// Yield the next batch, or io.EOF at the end of the pass. Any other error
	// interrupts training and is fatal.
	Yield() (*Batch, error)

	// Reset restarts the dataset from the beginning.
	Reset()
}

// ShardedDataset is a Dataset partitioned across the workers of the group:
// each worker yields a disjoint shard of the examples.
type ShardedDataset interface {
	Dataset

	// Reshard re-seeds the shard selection for the given epoch. All workers
	// call it with the same epoch, so they reshuffle identically while their
	// shards stay disjoint. It also resets the dataset for a new pass.
	Reshard(epoch int)
}
