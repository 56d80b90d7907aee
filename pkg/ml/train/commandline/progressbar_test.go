// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seracml/serac/pkg/core/tensors"
	"github.com/seracml/serac/pkg/ml/train"
	"github.com/seracml/serac/pkg/ml/train/losses"
	"github.com/seracml/serac/pkg/ml/train/metrics"
)

type stubTrainer struct {
	meanLoss *metrics.MeanLoss
	steps    int
}

func (tr *stubTrainer) TrainStep(inputs, labels *tensors.Tensor) (float32, error) {
	tr.steps++
	return 0.5, nil
}

func (tr *stubTrainer) TrainMetrics() []metrics.Metric {
	return []metrics.Metric{tr.meanLoss}
}

func (tr *stubTrainer) ResetTrainMetrics() { tr.meanLoss.Reset() }

func TestAttachProgressBar(t *testing.T) {
	trainer := &stubTrainer{meanLoss: metrics.NewMeanLoss(losses.FromName("mse"))}
	loop := train.NewLoop(trainer)
	var out bytes.Buffer
	attachProgressBar(loop, &out)

	ds, err := train.NewInMemoryDataset("bits",
		[][]float32{{0}, {1}, {2}, {3}}, [][]float32{{0}, {1}, {2}, {3}})
	require.NoError(t, err)
	_, err = loop.RunSteps(ds.Infinite(true), 8)
	require.NoError(t, err)

	rendered := out.String()
	assert.Contains(t, rendered, "[step=", "suffix with the current step must ride along the bar")
	assert.Contains(t, rendered, "[loss=", "metric short names must be displayed")
	assert.Contains(t, rendered, "steps", "the its-string should name steps")
	assert.Equal(t, byte('\n'), rendered[len(rendered)-1], "the bar must end its line when the loop ends")
	assert.Equal(t, 8, trainer.steps)
}
