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

// Package losses implements the loss primitives the trainer depends on.
package losses

import (
	"math"

	"github.com/pkg/errors"

	"github.com/skeleton-ml/distrain/pkg/core/tensors"
)

// CrossEntropy computes the mean softmax cross-entropy between scores
// (logits, shaped [batchSize, numClasses]) and the integer class labels.
//
// It returns the scalar loss and the gradient of the loss with respect to the
// scores ("softmax minus one-hot", divided by the batch size), ready to be
// fed to Module.Backward.
func CrossEntropy(scores *tensors.Tensor, labels []int32) (loss float64, scoresGrad *tensors.Tensor, err error) {
	if scores.Rank() != 2 {
		return 0, nil, errors.Errorf("scores must be rank-2 [batch, classes], got %s", scores)
	}
	batchSize, numClasses := scores.Dim(0), scores.Dim(1)
	if batchSize != len(labels) {
		return 0, nil, errors.Errorf("scores batch size %d does not match %d labels",
			batchSize, len(labels))
	}
	scoresGrad = tensors.FromShape(batchSize, numClasses)
	for i := 0; i < batchSize; i++ {
		label := int(labels[i])
		if label < 0 || label >= numClasses {
			return 0, nil, errors.Errorf("label %d of example %d out of range [0, %d)",
				label, i, numClasses)
		}
		row := scores.Row(i)

		// Numerically stable log-sum-exp.
		maxScore := row[0]
		for _, v := range row[1:] {
			if v > maxScore {
				maxScore = v
			}
		}
		var sumExp float64
		for _, v := range row {
			sumExp += math.Exp(float64(v - maxScore))
		}
		logSumExp := math.Log(sumExp) + float64(maxScore)
		loss += logSumExp - float64(row[label])

		gradRow := scoresGrad.Row(i)
		for j, v := range row {
			softmax := math.Exp(float64(v)-logSumExp) / float64(batchSize)
			gradRow[j] = float32(softmax)
		}
		gradRow[label] -= float32(1.0 / float64(batchSize))
	}
	loss /= float64(batchSize)
	return loss, scoresGrad, nil
}

// CrossEntropyValue computes only the scalar loss, for evaluation phases that
// need no gradient.
func CrossEntropyValue(scores *tensors.Tensor, labels []int32) (float64, error) {
	loss, _, err := CrossEntropy(scores, labels)
	return loss, err
}
