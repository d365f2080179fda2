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

package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/skeleton-ml/distrain/pkg/core/distributed"
	"github.com/skeleton-ml/distrain/pkg/core/tensors"
)

func TestCorrectTotal(t *testing.T) {
	scores := tensors.FromFlat([]float32{
		0.9, 0.1, 0.0, // argmax 0
		0.1, 0.8, 0.1, // argmax 1
		0.2, 0.3, 0.5, // argmax 2
		0.5, 0.4, 0.1, // argmax 0
	}, 4, 3)
	correct, total := CorrectTotal(scores, []int32{0, 1, 0, 2})
	assert.Equal(t, 2, correct)
	assert.Equal(t, 4, total)
}

func TestRatioLocal(t *testing.T) {
	var r Ratio
	_, err := r.Value()
	require.Error(t, err)

	r.Add(8, 10)
	r.Add(9, 10)
	v, err := r.Value()
	require.NoError(t, err)
	assert.InDelta(t, 0.85, v, 1e-12)

	r.Reset()
	_, err = r.Value()
	require.Error(t, err)
}

func TestRatioReduceAcross(t *testing.T) {
	world, err := distributed.NewLoopbackWorld(2, 2)
	require.NoError(t, err)

	ctx := context.Background()
	tag := distributed.Tag{Kind: "valid-accuracy", Epoch: 0, Step: 10}
	counts := []struct{ correct, total int }{{8, 10}, {9, 10}}
	results := make([]float64, 2)
	var g errgroup.Group
	for rank := 0; rank < 2; rank++ {
		group := world.Group(rank)
		g.Go(func() error {
			var r Ratio
			r.Add(counts[rank].correct, counts[rank].total)
			v, err := r.ReduceAcross(ctx, group, tag)
			if err != nil {
				return err
			}
			results[rank] = v
			return nil
		})
	}
	require.NoError(t, g.Wait())

	// (8+9)/(10+10), identical on every worker, and distinct from the mean
	// of the local ratios.
	assert.InDelta(t, 0.85, results[0], 1e-12)
	assert.InDelta(t, 0.85, results[1], 1e-12)
}

func TestRatioReduceAcrossEmpty(t *testing.T) {
	world, err := distributed.NewLoopbackWorld(2, 2)
	require.NoError(t, err)

	ctx := context.Background()
	tag := distributed.Tag{Kind: "valid-accuracy", Epoch: 0, Step: 0}
	var g errgroup.Group
	errs := make([]error, 2)
	for rank := 0; rank < 2; rank++ {
		group := world.Group(rank)
		g.Go(func() error {
			var r Ratio
			_, err := r.ReduceAcross(ctx, group, tag)
			errs[rank] = err
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Error(t, errs[0])
	assert.Contains(t, errs[0].Error(), "zero samples")
}

func TestMean(t *testing.T) {
	var m Mean
	_, err := m.Value()
	require.Error(t, err)
	assert.Equal(t, 0, m.Count())

	m.Add(1.0)
	m.Add(2.0)
	m.Add(6.0)
	assert.Equal(t, 3, m.Count())
	v, err := m.Value()
	require.NoError(t, err)
	assert.InDelta(t, 3.0, v, 1e-12)

	m.Reset()
	assert.Equal(t, 0, m.Count())
	_, err = m.Value()
	require.Error(t, err)
}
