// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seracml/serac/internal/journal"
	"github.com/seracml/serac/pkg/core/dtypes"
	"github.com/seracml/serac/pkg/core/shapes"
	"github.com/seracml/serac/pkg/core/tensors/numpy"
	"github.com/seracml/serac/pkg/ml/layers"
	"github.com/seracml/serac/pkg/ml/model"
	"github.com/seracml/serac/pkg/ml/model/encoding"
	"github.com/seracml/serac/pkg/ml/model/saving"
	"github.com/seracml/serac/pkg/ml/train/losses"
	"github.com/seracml/serac/pkg/ml/train/optimizers"
)

// fixtureArchive saves a small built+compiled model and returns the archive path.
func fixtureArchive(t *testing.T) string {
	t.Helper()
	m := model.New("fixture",
		layers.NewDense(3).WithActivation("relu").WithName("hidden"),
		layers.NewDense(1).WithName("head"))
	require.NoError(t, m.Build(shapes.Make(dtypes.Float32, 1, 4)))
	m.Compile(optimizers.Adam().Done(), losses.FromName("mean_squared_error"))
	path := filepath.Join(t.TempDir(), "fixture.serac")
	require.NoError(t, saving.Save(m, path))
	return path
}

func TestInspectTable(t *testing.T) {
	path := fixtureArchive(t)
	var buf bytes.Buffer
	require.NoError(t, runInspect(&buf, path, formatTable))
	out := buf.String()
	assert.Contains(t, out, "fixture")
	assert.Contains(t, out, "hidden")
	assert.Contains(t, out, "head")
	assert.Contains(t, out, "serac.v1")
	assert.Contains(t, out, "optimizer")
}

func TestInspectJSON(t *testing.T) {
	path := fixtureArchive(t)
	var buf bytes.Buffer
	require.NoError(t, runInspect(&buf, path, formatJSON))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	metadata := decoded["metadata"].(map[string]any)
	assert.Equal(t, "serac.v1", metadata["format"])
}

func TestInspectRejectsNonArchive(t *testing.T) {
	var buf bytes.Buffer
	err := runInspect(&buf, filepath.Join(t.TempDir(), "missing.serac"), formatTable)
	assert.Error(t, err)
}

func TestWeightsOnArchiveAndBlob(t *testing.T) {
	path := fixtureArchive(t)
	var buf bytes.Buffer
	require.NoError(t, runWeights(&buf, path, formatTable))
	out := buf.String()
	assert.Contains(t, out, "hidden/weights")
	assert.Contains(t, out, "head/biases")
	assert.Contains(t, out, "checksum verified")

	// Also works on a bare weights file.
	m := model.New("bare", layers.NewDense(2).WithName("only"))
	require.NoError(t, m.Build(shapes.Make(dtypes.Float32, 1, 2)))
	var entries []encoding.Entry
	for varPath, v := range m.IterVariables() {
		entries = append(entries, encoding.Entry{Name: varPath, Tensor: v.Value()})
	}
	blobPath := filepath.Join(t.TempDir(), "weights.srwt")
	require.NoError(t, encoding.WriteFile(blobPath, entries))
	buf.Reset()
	require.NoError(t, runWeights(&buf, blobPath, formatTable))
	assert.Contains(t, buf.String(), "only/weights")
}

func TestVerify(t *testing.T) {
	path := fixtureArchive(t)
	var buf bytes.Buffer
	require.NoError(t, runVerify(&buf, path))
	assert.Contains(t, buf.String(), "OK")
}

func TestExportNpz(t *testing.T) {
	path := fixtureArchive(t)
	npzPath := filepath.Join(t.TempDir(), "out.npz")
	var buf bytes.Buffer
	require.NoError(t, runExport(&buf, path, npzPath))

	exported, err := numpy.FromNpzFile(npzPath)
	require.NoError(t, err)
	assert.Contains(t, exported, "hidden/weights")
	assert.Equal(t, []int{4, 3}, exported["hidden/weights"].Shape().Dimensions)
}

func TestHistory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	j, err := journal.Open(dbPath)
	require.NoError(t, err)
	runID, err := j.Begin("histmodel")
	require.NoError(t, err)
	require.NoError(t, j.RecordEpoch(runID, 0, map[string]float32{"loss": 0.25}))
	require.NoError(t, j.Close())

	var buf bytes.Buffer
	require.NoError(t, runHistory(&buf, dbPath, "", formatTable))
	assert.Contains(t, buf.String(), "histmodel")

	buf.Reset()
	require.NoError(t, runHistory(&buf, dbPath, runID, formatTable))
	assert.Contains(t, buf.String(), "loss")
	assert.Contains(t, buf.String(), "0.25")

	buf.Reset()
	err = runHistory(&buf, dbPath, "no-such-run", formatTable)
	assert.ErrorContains(t, err, "no metrics")
}
