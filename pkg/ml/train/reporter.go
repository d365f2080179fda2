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
	"k8s.io/klog/v2"

	"github.com/skeleton-ml/distrain/pkg/core/distributed"
)

// Sink receives named scalar metrics. Implementations live in ui/metricsink.
type Sink interface {
	Record(name string, value float64, step int) error
	Close() error
}

// Reporter is the single side-effecting seam of the training loop. Exactly
// one worker of the group (rank 0) forwards reports to the metrics sink; on
// every other worker Report is a true no-op -- it never errors, never
// panics, and produces no output.
//
// The rank decision is made once, here, instead of scattering rank checks
// through the orchestrator.
type Reporter interface {
	// Report records a named scalar at the given step.
	Report(name string, value float64, step int)

	// Close flushes and closes the underlying sink, if any.
	Close() error
}

// NewReporter returns the reporter for this worker: an active one forwarding
// to sink on the leader (rank 0), a null one everywhere else.
//
// A nil sink on the leader also yields a null reporter, for runs without a
// metrics destination.
func NewReporter(identity distributed.WorkerIdentity, sink Sink) Reporter {
	if !identity.IsLeader() || sink == nil {
		return nullReporter{}
	}
	return &activeReporter{sink: sink}
}

type activeReporter struct {
	sink Sink
}

func (r *activeReporter) Report(name string, value float64, step int) {
	if err := r.sink.Record(name, value, step); err != nil {
		// A failing sink must not abort training: the model state is still
		// consistent across the group.
		klog.Warningf("metric sink failed recording %s=%v at step %d: %v", name, value, step, err)
	}
}

func (r *activeReporter) Close() error {
	return r.sink.Close()
}

type nullReporter struct{}

func (nullReporter) Report(string, float64, int) {}
func (nullReporter) Close() error                { return nil }
