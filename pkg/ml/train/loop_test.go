// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"math"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seracml/serac/pkg/core/tensors"
	"github.com/seracml/serac/pkg/ml/train/metrics"
)

// fakeTrainer scripts its losses from the step number and accumulates a mean
// loss, which is enough to drive a Loop without a real model.
type fakeTrainer struct {
	lossFn    func(step int) float32
	stepCount int
	resets    int

	sum float64
	n   int
}

func newFakeTrainer(lossFn func(step int) float32) *fakeTrainer {
	if lossFn == nil {
		lossFn = func(step int) float32 { return float32(step) }
	}
	return &fakeTrainer{lossFn: lossFn}
}

func (tr *fakeTrainer) TrainStep(inputs, labels *tensors.Tensor) (float32, error) {
	loss := tr.lossFn(tr.stepCount)
	tr.stepCount++
	tr.sum += float64(loss)
	tr.n++
	return loss, nil
}

func (tr *fakeTrainer) TrainMetrics() []metrics.Metric {
	return []metrics.Metric{&fakeMeanLoss{tr: tr}}
}

func (tr *fakeTrainer) ResetTrainMetrics() {
	tr.resets++
	tr.sum, tr.n = 0, 0
}

type fakeMeanLoss struct{ tr *fakeTrainer }

func (m *fakeMeanLoss) JSONTags() (jsonType, interfaceName string) { return "fake_loss", "Metric" }
func (m *fakeMeanLoss) Name() string                               { return "loss" }
func (m *fakeMeanLoss) ShortName() string                          { return "loss" }
func (m *fakeMeanLoss) Update(_, _ *tensors.Tensor) error          { return nil }
func (m *fakeMeanLoss) Reset()                                     {}

func (m *fakeMeanLoss) Result() float32 {
	if m.tr.n == 0 {
		return 0
	}
	return float32(m.tr.sum / float64(m.tr.n))
}

func TestLoopRunSteps(t *testing.T) {
	trainer := newFakeTrainer(nil)
	loop := NewLoop(trainer)
	ds := rangeDataset(t, 4).Infinite(true)

	var calls []string
	loop.OnStart("later", 10, func(loop *Loop, ds Dataset) error {
		calls = append(calls, "later")
		return nil
	})
	var startStepAtStart, endStepAtStart int
	loop.OnStart("earlier", -10, func(loop *Loop, ds Dataset) error {
		calls = append(calls, "earlier")
		startStepAtStart = loop.StartStep
		endStepAtStart = loop.EndStep
		return nil
	})
	stepCalls := 0
	var lastLoss float32
	loop.OnStep("spy", 0, func(loop *Loop, batchLoss float32) error {
		stepCalls++
		lastLoss = batchLoss
		return nil
	})
	endCalls := 0
	loop.OnEnd("spy", 0, func(loop *Loop) error {
		endCalls++
		return nil
	})

	history, err := loop.RunSteps(ds, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"earlier", "later"}, calls, "OnStart hooks must run in priority order")
	assert.Equal(t, 0, startStepAtStart)
	assert.Equal(t, 10, endStepAtStart)
	assert.Equal(t, 10, trainer.stepCount)
	assert.Equal(t, 10, stepCalls)
	assert.Equal(t, float32(9), lastLoss)
	assert.Equal(t, 1, endCalls)
	assert.Equal(t, 10, loop.LoopStep)
	assert.Equal(t, -1, loop.Epoch)
	assert.Len(t, loop.TrainStepDurations, 10)
	assert.Greater(t, loop.MedianTrainStepDuration(), time.Duration(0))

	// Losses were 0..9, so the mean over the run is 4.5.
	require.NotNil(t, history)
	assert.Equal(t, []string{"loss"}, history.MetricNames)
	require.Len(t, history.Epochs, 1)
	assert.InDelta(t, 4.5, history.Last()["loss"], 1e-6)

	// A second run picks up where the first left off.
	history, err = loop.RunSteps(ds, 5)
	require.NoError(t, err)
	assert.Equal(t, 10, loop.StartStep)
	assert.Equal(t, 15, loop.EndStep)
	assert.Equal(t, 15, trainer.stepCount)
	assert.InDelta(t, 12, history.Last()["loss"], 1e-6, "metrics reset between runs")

	// Zero steps is a no-op.
	history, err = loop.RunSteps(ds, 0)
	require.NoError(t, err)
	assert.Nil(t, history)

	// Running out of data mid-run is an error pointing at RunEpochs.
	finite := rangeDataset(t, 4)
	_, err = NewLoop(newFakeTrainer(nil)).RunSteps(finite, 10)
	require.ErrorContains(t, err, "did you mean")
}

func TestLoopRunEpochs(t *testing.T) {
	trainer := newFakeTrainer(nil)
	loop := NewLoop(trainer)
	ds := rangeDataset(t, 4) // 4 steps per epoch with the default batching

	var endStepDuringSecondEpoch int
	loop.OnStep("spy", 0, func(loop *Loop, batchLoss float32) error {
		if loop.Epoch == 1 {
			endStepDuringSecondEpoch = loop.EndStep
		}
		return nil
	})
	epochAtEnd := -1
	loop.OnEnd("spy", 0, func(loop *Loop) error {
		epochAtEnd = loop.Epoch
		return nil
	})

	history, err := loop.RunEpochs(ds, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, epochAtEnd, "OnEnd hooks see the last executed epoch")
	assert.Equal(t, 12, trainer.stepCount)
	assert.Equal(t, 3, trainer.resets, "metrics must reset at every epoch")
	assert.Equal(t, 2, loop.Epoch)
	assert.Equal(t, 12, loop.LoopStep)
	assert.Equal(t, 12, loop.EndStep)
	assert.Equal(t, 12, endStepDuringSecondEpoch,
		"EndStep should be extrapolated once the first epoch reveals the steps per epoch")

	// Losses were the step numbers: epochs averaged 0..3, 4..7 and 8..11.
	require.Len(t, history.Epochs, 3)
	assert.InDelta(t, 1.5, history.Epochs[0]["loss"], 1e-6)
	assert.InDelta(t, 5.5, history.Epochs[1]["loss"], 1e-6)
	assert.InDelta(t, 9.5, history.Epochs[2]["loss"], 1e-6)
	assert.Equal(t, []float32{1.5, 5.5, 9.5}, history.Series("loss"))

	// The dataset was reset after the last epoch and is usable again.
	_, _, err = ds.Yield()
	require.NoError(t, err)
}

func TestLoopAbortsOnBadLoss(t *testing.T) {
	trainer := newFakeTrainer(func(step int) float32 {
		if step == 3 {
			return float32(math.NaN())
		}
		return 1
	})
	loop := NewLoop(trainer)
	sawNaN := false
	loop.OnStep("spy", 0, func(loop *Loop, batchLoss float32) error {
		sawNaN = sawNaN || math.IsNaN(float64(batchLoss))
		return nil
	})
	ds := rangeDataset(t, 4).Infinite(true)
	_, err := loop.RunSteps(ds, 10)
	require.ErrorContains(t, err, "batch loss is NaN")
	assert.Equal(t, 4, trainer.stepCount, "training must stop at the step that went NaN")
	assert.True(t, sawNaN, "OnStep hooks still see the loss that interrupted training")

	trainer = newFakeTrainer(func(step int) float32 { return float32(math.Inf(1)) })
	_, err = NewLoop(trainer).RunSteps(ds, 10)
	require.ErrorContains(t, err, "batch loss is infinity")
}

func TestLoopHookErrors(t *testing.T) {
	ds := rangeDataset(t, 4).Infinite(true)

	trainer := newFakeTrainer(nil)
	loop := NewLoop(trainer)
	loop.OnStart("boom", 0, func(loop *Loop, ds Dataset) error {
		return errors.New("start failed")
	})
	_, err := loop.RunSteps(ds, 10)
	require.ErrorContains(t, err, `OnStart(hook "boom")`)
	assert.Zero(t, trainer.stepCount, "failed OnStart hooks abort before any step")

	loop = NewLoop(newFakeTrainer(nil))
	loop.OnStep("boom", 0, func(loop *Loop, batchLoss float32) error {
		if loop.LoopStep == 2 {
			return errors.New("step failed")
		}
		return nil
	})
	_, err = loop.RunSteps(ds, 10)
	require.ErrorContains(t, err, `OnStep(hook "boom")`)

	loop = NewLoop(newFakeTrainer(nil))
	loop.OnEnd("boom", 0, func(loop *Loop) error {
		return errors.New("end failed")
	})
	_, err = loop.RunSteps(ds, 10)
	require.ErrorContains(t, err, `OnEnd(hook "boom")`)
}

func TestEveryNSteps(t *testing.T) {
	loop := NewLoop(newFakeTrainer(nil))
	ds := rangeDataset(t, 4).Infinite(true)
	var steps []int
	EveryNSteps(loop, 3, "spy", 0, func(loop *Loop, batchLoss float32) error {
		steps = append(steps, loop.LoopStep)
		return nil
	})
	_, err := loop.RunSteps(ds, 10)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5, 8}, steps)

	require.Panics(t, func() { EveryNSteps(loop, 0, "bad", 0, nil) })
}

func TestNTimesDuringLoop(t *testing.T) {
	loop := NewLoop(newFakeTrainer(nil))
	ds := rangeDataset(t, 4).Infinite(true)
	var steps []int
	NTimesDuringLoop(loop, 4, "spy", 0, func(loop *Loop, batchLoss float32) error {
		steps = append(steps, loop.LoopStep)
		return nil
	})
	_, err := loop.RunSteps(ds, 100)
	require.NoError(t, err)
	// Calls spread across the run, always including the last step.
	assert.Equal(t, []int{0, 24, 49, 74, 99}, steps)
}

func TestPeriodicCallback(t *testing.T) {
	loop := NewLoop(newFakeTrainer(nil))
	ds := rangeDataset(t, 4).Infinite(true)
	calls := 0
	// A zero period fires on every step after the first (which starts the
	// clock), plus once on end, keeping the test timing-independent.
	PeriodicCallback(loop, 0, true, "spy", 0, func(loop *Loop, batchLoss float32) error {
		calls++
		return nil
	})
	_, err := loop.RunSteps(ds, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, calls)
}

func TestExponentialCallback(t *testing.T) {
	loop := NewLoop(newFakeTrainer(nil))
	ds := rangeDataset(t, 4).Infinite(true)
	var steps []int
	ExponentialCallback(loop, 2, 2, false, "spy", 0, func(loop *Loop, batchLoss float32) error {
		steps = append(steps, loop.LoopStep)
		return nil
	})
	_, err := loop.RunSteps(ds, 10)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 6}, steps)

	require.Panics(t, func() { ExponentialCallback(loop, 0, 2, false, "bad", 0, nil) })
}
