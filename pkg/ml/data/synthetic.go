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

package data

import (
	"math/rand"

	"github.com/skeleton-ml/distrain/pkg/core/tensors"
)

// Synthetic generates a linearly separable classification problem: one
// Gaussian cluster per class, centered on scaled one-hot corners. Useful for
// smoke-testing the full training stack without downloading a real dataset.
func Synthetic(numExamples, numFeatures, numClasses int, seed int64) (*tensors.Tensor, []int32) {
	rng := rand.New(rand.NewSource(seed))
	inputs := tensors.FromShape(numExamples, numFeatures)
	labels := make([]int32, numExamples)
	for i := 0; i < numExamples; i++ {
		class := i % numClasses
		labels[i] = int32(class)
		row := inputs.Row(i)
		for j := range row {
			row[j] = float32(rng.NormFloat64()) * 0.3
		}
		// Shift the cluster center for this class.
		row[class%numFeatures] += 2.0
	}
	return inputs, labels
}
