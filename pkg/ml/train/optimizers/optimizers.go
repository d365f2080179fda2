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

// Package optimizers implements the optimizers used by the training loop,
// and the learning-rate schedules applied to them per epoch.
package optimizers

import (
	"github.com/skeleton-ml/distrain/pkg/ml/nn"
)

// Interface implemented by optimizer implementations.
type Interface interface {
	// Step applies one update to the parameters from their current gradients.
	Step(params []*nn.Parameter)

	// SetLearningRate changes the learning rate used by subsequent steps.
	SetLearningRate(lr float64)

	// LearningRate returns the current learning rate.
	LearningRate() float64
}

// SGD is stochastic gradient descent with momentum and weight decay, the
// optimizer used for data-parallel classifier training.
type SGD struct {
	lr          float64
	momentum    float64
	weightDecay float64

	// velocity buffers, keyed by parameter pointer, created lazily on the
	// first step.
	velocity map[*nn.Parameter][]float32
}

var _ Interface = (*SGD)(nil)

// NewSGD creates an SGD optimizer.
func NewSGD(lr, momentum, weightDecay float64) *SGD {
	return &SGD{
		lr:          lr,
		momentum:    momentum,
		weightDecay: weightDecay,
		velocity:    make(map[*nn.Parameter][]float32),
	}
}

// Step implements Interface.
func (o *SGD) Step(params []*nn.Parameter) {
	for _, p := range params {
		value := p.Value.Flat()
		grad := p.Grad.Flat()
		vel, ok := o.velocity[p]
		if !ok {
			vel = make([]float32, len(value))
			o.velocity[p] = vel
		}
		for i := range value {
			g := grad[i] + float32(o.weightDecay)*value[i]
			vel[i] = float32(o.momentum)*vel[i] + g
			value[i] -= float32(o.lr) * vel[i]
		}
	}
}

// SetLearningRate implements Interface.
func (o *SGD) SetLearningRate(lr float64) { o.lr = lr }

// LearningRate implements Interface.
func (o *SGD) LearningRate() float64 { return o.lr }
