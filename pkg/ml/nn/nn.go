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

// Package nn defines the trainable-module contract the training loop depends
// on, and the distributed wrapper that keeps module replicas consistent
// across workers.
//
// The numeric internals of a module (how it computes scores and gradients)
// are opaque to the trainer: it only sees Forward, Backward and the flat list
// of parameters.
package nn

import (
	"github.com/skeleton-ml/distrain/pkg/core/tensors"
)

// Parameter is one trainable tensor of a module, with its gradient
// accumulator. Value and Grad always have identical dimensions.
type Parameter struct {
	Name  string
	Value *tensors.Tensor
	Grad  *tensors.Tensor
}

// NewParameter creates a parameter with a zero-initialized gradient of the
// same shape as value.
func NewParameter(name string, value *tensors.Tensor) *Parameter {
	return &Parameter{
		Name:  name,
		Value: value,
		Grad:  tensors.FromShape(value.Dims()...),
	}
}

// Module is a trainable function from an input batch to class scores.
//
// Forward maps inputs (shaped [batchSize, features...]) to scores shaped
// [batchSize, numClasses]. Backward takes the gradient of the loss with
// respect to the scores of the last Forward call and accumulates parameter
// gradients. A Module is used by a single worker goroutine at a time.
type Module interface {
	Forward(inputs *tensors.Tensor) *tensors.Tensor
	Backward(scoresGrad *tensors.Tensor) error
	Parameters() []*Parameter
}

// ZeroGrad clears the gradient accumulators of all parameters.
func ZeroGrad(params []*Parameter) {
	for _, p := range params {
		p.Grad.Zeros()
	}
}
