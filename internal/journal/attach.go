// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

package journal

import (
	"github.com/seracml/serac/pkg/ml/train"
)

// Recorder is the state of one journaled training run, created by Attach. The run id is
// assigned when the loop starts.
type Recorder struct {
	journal *Journal
	model   string

	runID string

	// Per-epoch bookkeeping: the loop resets its metrics at every epoch start, so the
	// recorder snapshots them after each step and flushes the last snapshot of an epoch
	// when the next one begins.
	lastEpoch    int
	lastSnapshot map[string]float32
}

// RunID returns the id of the journaled run, or "" before the loop has started.
func (r *Recorder) RunID() string { return r.runID }

// Attach wires epoch-end metric recording into a training loop: a runs row when the loop
// starts, and the final metric values of every epoch as it completes. The returned
// Recorder exposes the run id once training starts.
func Attach(loop *train.Loop, j *Journal, modelName string) *Recorder {
	r := &Recorder{journal: j, model: modelName, lastEpoch: -1}

	// High priority value, so the snapshots see the metrics after the regular
	// per-step instrumentation ran.
	const priority = 90

	loop.OnStart("journal", priority, func(loop *train.Loop, _ train.Dataset) error {
		runID, err := j.Begin(modelName)
		if err != nil {
			return err
		}
		r.runID = runID
		return nil
	})

	loop.OnStep("journal", priority, func(loop *train.Loop, _ float32) error {
		if loop.Epoch != r.lastEpoch {
			if err := r.flush(); err != nil {
				return err
			}
			r.lastEpoch = loop.Epoch
		}
		r.lastSnapshot = loop.Metrics()
		return nil
	})

	loop.OnEnd("journal", priority, func(loop *train.Loop) error {
		return r.flush()
	})
	return r
}

// flush records the last snapshot of the epoch that just ended, if any.
func (r *Recorder) flush() error {
	if r.lastSnapshot == nil || r.lastEpoch < 0 {
		r.lastSnapshot = nil
		return nil
	}
	err := r.journal.RecordEpoch(r.runID, r.lastEpoch, r.lastSnapshot)
	r.lastSnapshot = nil
	return err
}
