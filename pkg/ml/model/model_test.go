// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seracml/serac/pkg/core/dtypes"
	"github.com/seracml/serac/pkg/core/shapes"
	"github.com/seracml/serac/pkg/core/tensors"
	"github.com/seracml/serac/pkg/ml/layers"
	"github.com/seracml/serac/pkg/ml/model"
	"github.com/seracml/serac/pkg/ml/train"
	"github.com/seracml/serac/pkg/ml/train/losses"
	"github.com/seracml/serac/pkg/ml/train/metrics"
	"github.com/seracml/serac/pkg/ml/train/optimizers"
)

func TestBuildShapePropagation(t *testing.T) {
	m := model.New("mlp",
		layers.NewDense(8).WithActivation("relu"),
		layers.NewDense(3))
	assert.False(t, m.Built())
	assert.False(t, m.InputShape().Ok())

	require.NoError(t, m.Build(shapes.Make(dtypes.Float32, 4, 5)))
	assert.True(t, m.Built())
	assert.Equal(t, []int{4, 5}, m.InputShape().Dimensions)
	assert.Equal(t, []int{4, 3}, m.OutputShape().Dimensions)
	assert.Equal(t, []int{4, 5}, m.LayerInputShape(0).Dimensions)
	assert.Equal(t, []int{4, 8}, m.LayerInputShape(1).Dimensions)

	// weights [5,8] + biases [8] + weights [8,3] + biases [3]
	assert.Equal(t, 5*8+8+8*3+3, m.NumParameters())

	// Rebuilding with the same shape is a no-op, with a different shape an error.
	require.NoError(t, m.Build(shapes.Make(dtypes.Float32, 4, 5)))
	assert.Error(t, m.Build(shapes.Make(dtypes.Float32, 4, 6)))
}

func TestDuplicateLayerNames(t *testing.T) {
	m := model.New("dups",
		layers.NewDense(2),
		layers.NewDense(2),
		layers.NewDense(2).WithName("head"),
		layers.NewDense(2))
	wantPaths := []string{"dense", "dense_1", "head", "dense_2"}
	for ii, want := range wantPaths {
		path, _ := m.Layer(ii)
		assert.Equal(t, want, path)
	}
}

func TestVariablePaths(t *testing.T) {
	m := model.New("paths", layers.NewDense(2), layers.NewDense(1))
	require.NoError(t, m.Build(shapes.Make(dtypes.Float32, 1, 3)))
	var paths []string
	for path := range m.IterVariables() {
		paths = append(paths, path)
	}
	assert.Equal(t, []string{
		"dense/weights", "dense/biases",
		"dense_1/weights", "dense_1/biases",
	}, paths)
}

func TestLazyBuildOnForward(t *testing.T) {
	m := model.New("lazy", layers.NewDense(2))
	out, err := m.Forward(tensors.FromValue([][]float32{{1, 2, 3}}))
	require.NoError(t, err)
	assert.True(t, m.Built())
	assert.Equal(t, []int{1, 2}, out.Shape().Dimensions)
}

func TestFitReducesLoss(t *testing.T) {
	m := model.New("linreg", layers.NewDense(1))
	m.Compile(optimizers.SGD().LearningRate(0.05).Done(), losses.FromName("mean_squared_error"))

	// y = 2*x0 - x1, easily learnable by a single dense layer.
	inputs := [][]float32{{0, 0}, {1, 0}, {0, 1}, {1, 1}, {2, 1}, {1, 2}, {2, 2}, {3, 1}}
	labels := make([][]float32, len(inputs))
	for ii, x := range inputs {
		labels[ii] = []float32{2*x[0] - x[1]}
	}
	ds, err := train.NewInMemoryDataset("linear", inputs, labels)
	require.NoError(t, err)

	history, err := m.Fit(ds.BatchSize(4, false), 50)
	require.NoError(t, err)
	require.Len(t, history.Epochs, 50)

	series := history.Series("loss")
	assert.Less(t, series[len(series)-1], series[0]/10,
		"training did not reduce the loss: first %f, last %f", series[0], series[len(series)-1])

	results, err := m.Evaluate(ds)
	require.NoError(t, err)
	assert.Less(t, results["loss"], float32(0.5))
}

func TestEvaluateRequiresCompile(t *testing.T) {
	m := model.New("plain", layers.NewDense(1))
	ds, err := train.NewInMemoryDataset("d", [][]float32{{1}}, [][]float32{{1}})
	require.NoError(t, err)
	_, err = m.Evaluate(ds)
	assert.ErrorContains(t, err, "not compiled")
	_, err = m.Fit(ds, 1)
	assert.ErrorContains(t, err, "not compiled")
}

func TestCompileConfigRoundTrip(t *testing.T) {
	m := model.New("cfg", layers.NewDense(4))
	m.Compile(optimizers.Adam().LearningRate(0.003).Done(),
		losses.FromName("binary_crossentropy"),
		model.WithMetrics(metrics.NewStreamingMedianLoss(losses.FromName("binary_crossentropy"))))

	cfg, err := m.CompileConfig()
	require.NoError(t, err)

	restored := model.New("cfg2", layers.NewDense(4))
	require.NoError(t, restored.CompileFromConfig(cfg))
	assert.Equal(t, "adam", restored.Optimizer().Name())
	assert.Equal(t, "binary_crossentropy", restored.Loss().Name())
	require.Len(t, restored.Metrics(), 2)
	assert.Equal(t, m.Metrics()[1].Name(), restored.Metrics()[1].Name())
}

func TestPredictDisablesDropout(t *testing.T) {
	m := model.New("drop", layers.NewDropout(0.99), layers.NewDense(1))
	input := tensors.FromValue([][]float32{{1, 1, 1, 1}})

	// In inference mode dropout is the identity, so repeated predictions are bit-equal.
	first, err := m.Predict(input)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1}, first.Shape().Dimensions)
	second, err := m.Predict(input)
	require.NoError(t, err)
	assert.True(t, first.Equal(second), "inference should be deterministic: %s vs %s", first, second)
}

func TestSummary(t *testing.T) {
	m := model.New("summarized", layers.NewDense(3).WithName("hidden"), layers.NewDense(1))
	summary := m.Summary()
	assert.Contains(t, summary, "summarized")
	assert.Contains(t, summary, "not built")

	require.NoError(t, m.Build(shapes.Make(dtypes.Float32, 2, 4)))
	summary = m.Summary()
	assert.Contains(t, summary, "hidden")
	assert.Contains(t, summary, "Total parameters")
	assert.NotContains(t, summary, "not built")
}
