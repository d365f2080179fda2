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

// Package models implements the small classifier modules shipped with the
// trainer. They exist to exercise the training stack end to end; anything
// state of the art plugs in through the same nn.Module contract.
package models

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/skeleton-ml/distrain/pkg/core/tensors"
	"github.com/skeleton-ml/distrain/pkg/ml/nn"
)

// Linear is a single fully-connected layer: scores = inputs*W + b.
type Linear struct {
	weight *nn.Parameter // [numFeatures, numClasses]
	bias   *nn.Parameter // [1, numClasses]

	// Saved by Forward for the next Backward.
	lastInputs *tensors.Tensor
}

var _ nn.Module = (*Linear)(nil)

// NewLinear creates a linear classifier with Xavier-style initialization
// drawn from the given seed. All workers must construct the model with the
// same seed so the replicas start identical.
func NewLinear(numFeatures, numClasses int, seed int64) *Linear {
	rng := rand.New(rand.NewSource(seed))
	weight := tensors.FromShape(numFeatures, numClasses)
	scale := float32(math.Sqrt(2.0 / float64(numFeatures+numClasses)))
	flat := weight.Flat()
	for i := range flat {
		flat[i] = float32(rng.NormFloat64()) * scale
	}
	return &Linear{
		weight: nn.NewParameter("weight", weight),
		bias:   nn.NewParameter("bias", tensors.FromShape(1, numClasses)),
	}
}

// Forward implements nn.Module.
func (m *Linear) Forward(inputs *tensors.Tensor) *tensors.Tensor {
	m.lastInputs = inputs
	return affine(inputs, m.weight.Value, m.bias.Value)
}

// Backward implements nn.Module, accumulating gradients for the last
// Forward call.
func (m *Linear) Backward(scoresGrad *tensors.Tensor) error {
	if m.lastInputs == nil {
		return errors.New("Linear.Backward called before Forward")
	}
	affineBackward(m.lastInputs, scoresGrad, m.weight, m.bias, nil)
	return nil
}

// Parameters implements nn.Module.
func (m *Linear) Parameters() []*nn.Parameter {
	return []*nn.Parameter{m.weight, m.bias}
}

// FNN is a feed-forward network with one ReLU hidden layer.
type FNN struct {
	hiddenW *nn.Parameter // [numFeatures, hiddenDim]
	hiddenB *nn.Parameter // [1, hiddenDim]
	outW    *nn.Parameter // [hiddenDim, numClasses]
	outB    *nn.Parameter // [1, numClasses]

	lastInputs *tensors.Tensor
	lastHidden *tensors.Tensor // post-ReLU activations
}

var _ nn.Module = (*FNN)(nil)

// NewFNN creates a one-hidden-layer classifier. As with NewLinear, all
// workers must use the same seed.
func NewFNN(numFeatures, hiddenDim, numClasses int, seed int64) *FNN {
	rng := rand.New(rand.NewSource(seed))
	initialized := func(rows, cols int) *tensors.Tensor {
		t := tensors.FromShape(rows, cols)
		scale := float32(math.Sqrt(2.0 / float64(rows+cols)))
		flat := t.Flat()
		for i := range flat {
			flat[i] = float32(rng.NormFloat64()) * scale
		}
		return t
	}
	return &FNN{
		hiddenW: nn.NewParameter("hidden/weight", initialized(numFeatures, hiddenDim)),
		hiddenB: nn.NewParameter("hidden/bias", tensors.FromShape(1, hiddenDim)),
		outW:    nn.NewParameter("output/weight", initialized(hiddenDim, numClasses)),
		outB:    nn.NewParameter("output/bias", tensors.FromShape(1, numClasses)),
	}
}

// Forward implements nn.Module.
func (m *FNN) Forward(inputs *tensors.Tensor) *tensors.Tensor {
	m.lastInputs = inputs
	hidden := affine(inputs, m.hiddenW.Value, m.hiddenB.Value)
	for i, v := range hidden.Flat() {
		if v < 0 {
			hidden.Flat()[i] = 0
		}
	}
	m.lastHidden = hidden
	return affine(hidden, m.outW.Value, m.outB.Value)
}

// Backward implements nn.Module.
func (m *FNN) Backward(scoresGrad *tensors.Tensor) error {
	if m.lastInputs == nil || m.lastHidden == nil {
		return errors.New("FNN.Backward called before Forward")
	}
	hiddenGrad := tensors.FromShape(m.lastHidden.Dim(0), m.lastHidden.Dim(1))
	affineBackward(m.lastHidden, scoresGrad, m.outW, m.outB, hiddenGrad)
	// ReLU gate: gradient flows only through active units.
	hiddenFlat := m.lastHidden.Flat()
	gradFlat := hiddenGrad.Flat()
	for i, v := range hiddenFlat {
		if v <= 0 {
			gradFlat[i] = 0
		}
	}
	affineBackward(m.lastInputs, hiddenGrad, m.hiddenW, m.hiddenB, nil)
	return nil
}

// Parameters implements nn.Module.
func (m *FNN) Parameters() []*nn.Parameter {
	return []*nn.Parameter{m.hiddenW, m.hiddenB, m.outW, m.outB}
}

// affine computes inputs*W + b for inputs [batch, in], W [in, out], b [1, out].
func affine(inputs, weight, bias *tensors.Tensor) *tensors.Tensor {
	batch, in := inputs.Dim(0), inputs.Dim(1)
	out := weight.Dim(1)
	result := tensors.FromShape(batch, out)
	biasRow := bias.Row(0)
	for i := 0; i < batch; i++ {
		inRow := inputs.Row(i)
		outRow := result.Row(i)
		copy(outRow, biasRow)
		for k := 0; k < in; k++ {
			x := inRow[k]
			if x == 0 {
				continue
			}
			wRow := weight.Row(k)
			for j := 0; j < out; j++ {
				outRow[j] += x * wRow[j]
			}
		}
	}
	return result
}

// affineBackward accumulates dW and db from the output gradient, and fills
// inputsGrad (dInputs = outGrad * W^T) when non-nil.
func affineBackward(inputs, outGrad *tensors.Tensor, weight, bias *nn.Parameter, inputsGrad *tensors.Tensor) {
	batch, in := inputs.Dim(0), inputs.Dim(1)
	out := outGrad.Dim(1)
	biasGrad := bias.Grad.Row(0)
	for i := 0; i < batch; i++ {
		inRow := inputs.Row(i)
		gradRow := outGrad.Row(i)
		for j := 0; j < out; j++ {
			biasGrad[j] += gradRow[j]
		}
		for k := 0; k < in; k++ {
			x := inRow[k]
			wGradRow := weight.Grad.Row(k)
			for j := 0; j < out; j++ {
				wGradRow[j] += x * gradRow[j]
			}
		}
		if inputsGrad != nil {
			inGradRow := inputsGrad.Row(i)
			for k := 0; k < in; k++ {
				wRow := weight.Value.Row(k)
				var sum float32
				for j := 0; j < out; j++ {
					sum += gradRow[j] * wRow[j]
				}
				inGradRow[k] = sum
			}
		}
	}
}
