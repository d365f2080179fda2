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
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeleton-ml/distrain/pkg/core/distributed"
)

// recordingSink collects every Record call, for assertions.
type recordingSink struct {
	mu      sync.Mutex
	records []sinkRecord
	closed  bool
	fail    error
}

type sinkRecord struct {
	name  string
	value float64
	step  int
}

func (s *recordingSink) Record(name string, value float64, step int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.records = append(s.records, sinkRecord{name: name, value: value, step: step})
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// byName returns the recorded (value, step) pairs of one metric, in order.
func (s *recordingSink) byName(name string) []sinkRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sinkRecord
	for _, r := range s.records {
		if r.name == name {
			out = append(out, r)
		}
	}
	return out
}

func TestReporterLeaderForwards(t *testing.T) {
	sink := &recordingSink{}
	r := NewReporter(distributed.WorkerIdentity{Rank: 0, WorldSize: 2}, sink)
	r.Report("lr", 0.1, 0)
	r.Report("loss/train", 2.3, 1)
	require.Len(t, sink.records, 2)
	assert.Equal(t, sinkRecord{name: "lr", value: 0.1, step: 0}, sink.records[0])

	require.NoError(t, r.Close())
	assert.True(t, sink.closed)
}

func TestReporterNonLeaderIsNoOp(t *testing.T) {
	sink := &recordingSink{}
	for rank := 1; rank < 4; rank++ {
		r := NewReporter(distributed.WorkerIdentity{Rank: rank, WorldSize: 4}, sink)
		r.Report("lr", 0.1, 0)
		require.NoError(t, r.Close())
	}
	// Nothing reaches the sink from non-leaders, not even Close.
	assert.Empty(t, sink.records)
	assert.False(t, sink.closed)
}

func TestReporterNilSink(t *testing.T) {
	r := NewReporter(distributed.WorkerIdentity{Rank: 0, WorldSize: 1}, nil)
	assert.NotPanics(t, func() { r.Report("lr", 0.1, 0) })
	require.NoError(t, r.Close())
}

func TestReporterSinkErrorDoesNotPanic(t *testing.T) {
	sink := &recordingSink{fail: errors.New("disk full")}
	r := NewReporter(distributed.WorkerIdentity{Rank: 0, WorldSize: 1}, sink)
	// A failing sink is logged, never propagated.
	assert.NotPanics(t, func() { r.Report("lr", 0.1, 0) })
}
