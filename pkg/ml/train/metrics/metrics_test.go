// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seracml/serac/pkg/core/tensors"
	"github.com/seracml/serac/pkg/ml/train/losses"
	"github.com/seracml/serac/pkg/support/polyjson"
)

func TestMeanLoss(t *testing.T) {
	m := NewMeanLoss(&losses.MeanSquaredError{})
	assert.Equal(t, "loss", m.Name())
	assert.Zero(t, m.Result())

	// Batch of 2, constant error of 1: loss 1.
	require.NoError(t, m.Update(
		tensors.FromValue([][]float32{{0}, {0}}),
		tensors.FromValue([][]float32{{1}, {1}})))
	assert.InDelta(t, 1.0, m.Result(), 1e-6)

	// Batch of 6 with zero error drags the weighted mean to 2/8.
	require.NoError(t, m.Update(
		tensors.FromValue([][]float32{{1}, {1}, {1}, {1}, {1}, {1}}),
		tensors.FromValue([][]float32{{1}, {1}, {1}, {1}, {1}, {1}})))
	assert.InDelta(t, 0.25, m.Result(), 1e-6)

	m.Reset()
	assert.Zero(t, m.Result())

	// A metric restored from JSON has no accumulated state but a working loss.
	var restored MeanLoss
	blob, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(blob, &restored))
	require.NoError(t, restored.Update(
		tensors.FromValue([][]float32{{0}}),
		tensors.FromValue([][]float32{{2}})))
	assert.InDelta(t, 4.0, restored.Result(), 1e-6)

	bare := &MeanLoss{}
	require.Error(t, bare.Update(tensors.FromValue([]float32{1}), tensors.FromValue([]float32{1})))
}

func TestSparseCategoricalAccuracy(t *testing.T) {
	m := NewSparseCategoricalAccuracy()
	assert.Zero(t, m.Result())

	// Rows argmax: 0, 2, 1 -- labels 0, 2, 0: two of three correct.
	labels := tensors.FromValue([]int64{0, 2, 0})
	preds := tensors.FromValue([][]float32{
		{0.9, 0.05, 0.05},
		{0.1, 0.2, 0.7},
		{0.3, 0.4, 0.3},
	})
	require.NoError(t, m.Update(labels, preds))
	assert.InDelta(t, 2.0/3.0, m.Result(), 1e-6)

	// Accumulates across batches: one more correct example gives 3/4.
	require.NoError(t, m.Update(
		tensors.FromValue([]int64{1}),
		tensors.FromValue([][]float32{{-1, 3, 0}})))
	assert.InDelta(t, 0.75, m.Result(), 1e-6)

	m.Reset()
	assert.Zero(t, m.Result())

	require.Error(t, m.Update(tensors.FromValue([]float32{0}), tensors.FromValue([][]float32{{1, 0}})))
}

func TestStreamingMedianLoss(t *testing.T) {
	m := NewStreamingMedianLoss(&losses.MeanAbsoluteError{}).WithSampleSize(101)
	assert.True(t, math.IsNaN(float64(m.Result())))

	// Feed batches with absolute errors 0..20: the median error is 10.
	for ii := 0; ii <= 20; ii++ {
		labels := tensors.FromValue([]float32{0})
		preds := tensors.FromValue([]float32{float32(ii)})
		require.NoError(t, m.Update(labels, preds))
	}
	assert.InDelta(t, 10.0, m.Result(), 1e-6)

	// With more samples than the reservoir holds, the estimate stays close.
	m.Reset()
	for ii := 0; ii < 10_000; ii++ {
		preds := tensors.FromValue([]float32{float32(ii % 100)})
		require.NoError(t, m.Update(tensors.FromValue([]float32{0}), preds))
	}
	assert.InDelta(t, 50.0, float64(m.Result()), 15.0)
}

func TestMetricsFromName(t *testing.T) {
	assert.Equal(t, "sparse_categorical_accuracy", FromName("accuracy").Name())
	assert.Equal(t, "sparse_categorical_accuracy", FromName("acc").Name())
	require.Panics(t, func() { FromName("f1") })
}

func TestMetricJSONRoundTrip(t *testing.T) {
	metricSet := []Metric{
		NewMeanLoss(&losses.BinaryCrossentropy{}),
		NewSparseCategoricalAccuracy(),
		NewStreamingMedianLoss(&losses.MeanSquaredError{}).WithSampleSize(7),
	}
	for _, metric := range metricSet {
		wrapper := polyjson.Wrap(metric)
		blob, err := json.Marshal(wrapper)
		require.NoError(t, err)

		var loaded polyjson.Wrapper[Metric]
		require.NoError(t, json.Unmarshal(blob, &loaded))
		require.IsType(t, metric, loaded.Value)
		assert.Equal(t, metric.Name(), loaded.Value.Name())
	}

	// The reservoir size survives the round trip.
	blob, err := json.Marshal(polyjson.Wrap[Metric](NewStreamingMedianLoss(&losses.MeanSquaredError{}).WithSampleSize(7)))
	require.NoError(t, err)
	var loaded polyjson.Wrapper[Metric]
	require.NoError(t, json.Unmarshal(blob, &loaded))
	median, ok := loaded.Value.(*StreamingMedianLoss)
	require.True(t, ok)
	assert.Equal(t, 7, median.SampleSize)
	require.NotNil(t, median.Loss.Value)
}
