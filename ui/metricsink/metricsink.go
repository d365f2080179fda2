// Package metricsink implements the metric sinks the rank-0 reporter writes
// to: a JSONL file in a per-run directory, and a plain logging sink.
package metricsink

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/skeleton-ml/distrain/pkg/ml/train"
)

// RunDirName composes the per-run directory name from the run's
// human-readable name, `{timestamp} {run}`, under baseDir. With an empty run
// name a short unique suffix is used instead, so concurrent anonymous runs
// don't collide.
func RunDirName(baseDir, run string) string {
	if run == "" {
		run = uuid.NewString()[:8]
	}
	name := fmt.Sprintf("%s %s", time.Now().Format("01-02/15:04"), run)
	return filepath.Join(baseDir, name)
}

// record is one line of the JSONL metrics file.
type record struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Step  int     `json:"step"`
	Time  string  `json:"time"`
}

// JSONL is a train.Sink appending one JSON object per recorded metric to
// `metrics.jsonl` in the run directory.
type JSONL struct {
	file *os.File
	enc  *json.Encoder
}

var _ train.Sink = (*JSONL)(nil)

// NewJSONL creates the run directory (and parents) and opens the metrics
// file for appending.
func NewJSONL(runDir string) (*JSONL, error) {
	if err := os.MkdirAll(runDir, 0777); err != nil {
		return nil, errors.Wrapf(err, "creating run directory %q", runDir)
	}
	p := filepath.Join(runDir, "metrics.jsonl")
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, errors.Wrapf(err, "opening metrics file %q", p)
	}
	return &JSONL{file: f, enc: json.NewEncoder(f)}, nil
}

// Record implements train.Sink.
func (s *JSONL) Record(name string, value float64, step int) error {
	return s.enc.Encode(record{
		Name:  name,
		Value: value,
		Step:  step,
		Time:  time.Now().Format(time.RFC3339),
	})
}

// Close implements train.Sink.
func (s *JSONL) Close() error {
	return s.file.Close()
}

// Log is a train.Sink writing metrics as log lines, for runs without a run
// directory.
type Log struct{}

var _ train.Sink = Log{}

// Record implements train.Sink.
func (Log) Record(name string, value float64, step int) error {
	klog.Infof("[metric] %s = %v (step %d)", name, value, step)
	return nil
}

// Close implements train.Sink.
func (Log) Close() error { return nil }
