// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

package journal_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seracml/serac/internal/journal"
	"github.com/seracml/serac/pkg/ml/layers"
	"github.com/seracml/serac/pkg/ml/model"
	"github.com/seracml/serac/pkg/ml/train"
	"github.com/seracml/serac/pkg/ml/train/losses"
	"github.com/seracml/serac/pkg/ml/train/optimizers"
)

func openJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, j.Close()) })
	return j
}

func TestBeginAndRecord(t *testing.T) {
	j := openJournal(t)

	runID, err := j.Begin("mnist")
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	require.NoError(t, j.RecordEpoch(runID, 0, map[string]float32{"loss": 0.9, "accuracy": 0.4}))
	require.NoError(t, j.RecordEpoch(runID, 1, map[string]float32{"loss": 0.5, "accuracy": 0.7}))

	runs, err := j.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0].ID)
	assert.Equal(t, "mnist", runs[0].Model)
	assert.False(t, runs[0].StartedAt.IsZero())

	ms, err := j.EpochMetrics(runID)
	require.NoError(t, err)
	require.Len(t, ms, 4)
	// Ordered by epoch then name.
	assert.Equal(t, "accuracy", ms[0].Name)
	assert.Equal(t, 0, ms[0].Epoch)
	assert.Equal(t, "loss", ms[3].Name)
	assert.Equal(t, 1, ms[3].Epoch)
	assert.InDelta(t, 0.5, ms[3].Value, 1e-6)
}

func TestRecordEpochOverwrites(t *testing.T) {
	j := openJournal(t)
	runID, err := j.Begin("m")
	require.NoError(t, err)
	require.NoError(t, j.RecordEpoch(runID, 0, map[string]float32{"loss": 1}))
	require.NoError(t, j.RecordEpoch(runID, 0, map[string]float32{"loss": 2}))
	ms, err := j.EpochMetrics(runID)
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.InDelta(t, 2, ms[0].Value, 1e-6)
}

func TestMultipleRuns(t *testing.T) {
	j := openJournal(t)
	first, err := j.Begin("a")
	require.NoError(t, err)
	second, err := j.Begin("b")
	require.NoError(t, err)

	runs, err := j.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.NotEqual(t, first, second)

	ms, err := j.EpochMetrics(first)
	require.NoError(t, err)
	assert.Empty(t, ms)
}

func TestAttachRecordsEveryEpoch(t *testing.T) {
	j := openJournal(t)

	m := model.New("journaled", layers.NewDense(1))
	m.Compile(optimizers.SGD().LearningRate(0.01).Done(), losses.FromName("mean_squared_error"))
	ds, err := train.NewInMemoryDataset("line",
		[][]float32{{0}, {1}, {2}, {3}}, [][]float32{{0}, {1}, {2}, {3}})
	require.NoError(t, err)

	loop := train.NewLoop(m)
	recorder := journal.Attach(loop, j, m.Name())
	history, err := loop.RunEpochs(ds.BatchSize(2, false), 3)
	require.NoError(t, err)
	require.NotEmpty(t, recorder.RunID())

	// The journal rows match the history: same epochs, same final loss values.
	ms, err := j.EpochMetrics(recorder.RunID())
	require.NoError(t, err)
	byEpoch := make(map[int]map[string]float32)
	for _, em := range ms {
		if byEpoch[em.Epoch] == nil {
			byEpoch[em.Epoch] = make(map[string]float32)
		}
		byEpoch[em.Epoch][em.Name] = em.Value
	}
	require.Len(t, byEpoch, len(history.Epochs))
	for epoch, wanted := range history.Epochs {
		for name, value := range wanted {
			assert.InDelta(t, value, byEpoch[epoch][name], 1e-6,
				"epoch %d metric %q", epoch, name)
		}
	}
}
