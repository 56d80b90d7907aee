// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seracml/serac/pkg/core/tensors"
	"github.com/seracml/serac/pkg/ml/layers"
)

func gradVariable(name string, values, grad []float32) *layers.Variable {
	v := layers.NewVariable(name, tensors.FromValue(values))
	if grad != nil {
		v.SetGradient(tensors.FromValue(grad))
	}
	return v
}

func flatValues(t *tensors.Tensor) []float32 {
	var out []float32
	tensors.MustConstFlatData(t, func(flat []float32) {
		out = append(out, flat...)
	})
	return out
}

func TestSGD(t *testing.T) {
	// Plain gradient descent: w -= lr * g.
	w := gradVariable("w", []float32{1, 2, 3}, []float32{0.5, -1, 0})
	opt := SGD().LearningRate(0.1).Done()
	require.NoError(t, opt.Step([]*layers.Variable{w}))
	assert.InDeltaSlice(t, []float32{0.95, 2.1, 3}, flatValues(w.Value()), 1e-6)

	// No momentum, no state.
	state, err := opt.StateDict()
	require.NoError(t, err)
	assert.Empty(t, state)

	// With momentum the second step reuses the velocity of the first:
	// velocity goes 1.0 -> 1.9 for a constant gradient of 1.
	w = gradVariable("w", []float32{1}, []float32{1})
	opt = SGD().LearningRate(0.1).Momentum(0.9).Done()
	require.NoError(t, opt.Step([]*layers.Variable{w}))
	assert.InDeltaSlice(t, []float32{0.9}, flatValues(w.Value()), 1e-6)
	require.NoError(t, opt.Step([]*layers.Variable{w}))
	assert.InDeltaSlice(t, []float32{0.71}, flatValues(w.Value()), 1e-6)

	state, err = opt.StateDict()
	require.NoError(t, err)
	require.Len(t, state, 1)
	require.Contains(t, state, "velocity.0")
	assert.InDeltaSlice(t, []float32{1.9}, flatValues(state["velocity.0"]), 1e-6)

	// Variables without a gradient or with the wrong dtype are rejected.
	noGrad := gradVariable("frozen", []float32{1}, nil)
	err = opt.Step([]*layers.Variable{noGrad})
	require.ErrorContains(t, err, "has no gradient")

	intVar := layers.NewVariable("counts", tensors.FromValue([]int32{1, 2}))
	err = SGD().Done().Step([]*layers.Variable{intVar})
	require.ErrorContains(t, err, "float32")
}

func TestSGDStateRoundTrip(t *testing.T) {
	wA := gradVariable("w", []float32{1}, []float32{1})
	optA := SGD().LearningRate(0.1).Momentum(0.9).Done()
	require.NoError(t, optA.Step([]*layers.Variable{wA}))

	state, err := optA.StateDict()
	require.NoError(t, err)

	// A fresh optimizer loaded with the snapshot continues exactly where
	// the original left off.
	wB := layers.NewVariable("w", wA.Value().Clone())
	wB.SetGradient(tensors.FromValue([]float32{1}))
	optB := SGD().LearningRate(0.1).Momentum(0.9).Done()
	require.NoError(t, optB.LoadStateDict(state))

	require.NoError(t, optA.Step([]*layers.Variable{wA}))
	require.NoError(t, optB.Step([]*layers.Variable{wB}))
	require.True(t, wA.Value().Equal(wB.Value()))

	// Snapshots are copies: mutating the loaded optimizer must not write
	// through to the caller's map.
	require.True(t, state["velocity.0"].InDelta(tensors.FromValue([]float32{1}), 1e-6))

	// Malformed snapshots are rejected.
	err = SGD().Momentum(0.9).Done().LoadStateDict(map[string]*tensors.Tensor{
		"m.0": tensors.FromValue([]float32{1}),
	})
	require.ErrorContains(t, err, "unexpected sgd state key")

	err = SGD().Momentum(0.9).Done().LoadStateDict(map[string]*tensors.Tensor{
		"velocity.1": tensors.FromValue([]float32{1}),
	})
	require.ErrorContains(t, err, `missing entry "velocity.0"`)
}

func TestAdam(t *testing.T) {
	// On the first step the bias corrections cancel the moment decay
	// exactly, so the update is lr*g/(|g|+eps), essentially lr*sign(g).
	w := gradVariable("w", []float32{1, -2}, []float32{0.5, -0.5})
	opt := Adam().LearningRate(0.01).Done()
	require.NoError(t, opt.Step([]*layers.Variable{w}))
	assert.InDeltaSlice(t, []float32{0.99, -1.99}, flatValues(w.Value()), 1e-6)

	// With a constant gradient the same holds for every later step.
	require.NoError(t, opt.Step([]*layers.Variable{w}))
	assert.InDeltaSlice(t, []float32{0.98, -1.98}, flatValues(w.Value()), 1e-5)

	state, err := opt.StateDict()
	require.NoError(t, err)
	require.Len(t, state, 3)
	require.Contains(t, state, "step")
	require.Contains(t, state, "m.0")
	require.Contains(t, state, "v.0")
	require.True(t, state["step"].Equal(tensors.FromScalar(int64(2))))
	assert.InDeltaSlice(t, []float32{0.095, -0.095}, flatValues(state["m.0"]), 1e-6)
	assert.InDeltaSlice(t, []float32{0.00049975, 0.00049975}, flatValues(state["v.0"]), 1e-8)
}

func TestAdamStateRoundTrip(t *testing.T) {
	newGrad := func() *tensors.Tensor { return tensors.FromValue([]float32{0.5, -0.5}) }
	wA := gradVariable("w", []float32{1, -2}, nil)
	wA.SetGradient(newGrad())
	optA := Adam().Done()
	require.NoError(t, optA.Step([]*layers.Variable{wA}))
	require.NoError(t, optA.Step([]*layers.Variable{wA}))

	state, err := optA.StateDict()
	require.NoError(t, err)

	wB := layers.NewVariable("w", wA.Value().Clone())
	wB.SetGradient(newGrad())
	optB := Adam().Done()
	require.NoError(t, optB.LoadStateDict(state))

	require.NoError(t, optA.Step([]*layers.Variable{wA}))
	require.NoError(t, optB.Step([]*layers.Variable{wB}))
	require.True(t, wA.Value().Equal(wB.Value()),
		"restored optimizer diverged: %v vs %v", flatValues(wA.Value()), flatValues(wB.Value()))

	// An empty snapshot resets the optimizer to its initial state.
	require.NoError(t, optB.LoadStateDict(nil))
	state, err = optB.StateDict()
	require.NoError(t, err)
	require.Len(t, state, 1)
	require.True(t, state["step"].Equal(tensors.FromScalar(int64(0))))

	// The step counter is mandatory in non-empty snapshots.
	err = Adam().Done().LoadStateDict(map[string]*tensors.Tensor{
		"m.0": tensors.FromValue([]float32{1, 2}),
		"v.0": tensors.FromValue([]float32{1, 2}),
	})
	require.ErrorContains(t, err, `"step"`)
}

func TestOptimizersFromName(t *testing.T) {
	assert.Equal(t, "sgd", FromName("sgd").Name())
	assert.Equal(t, "adam", FromName("adam").Name())
	require.Panics(t, func() { FromName("rmsprop") })
}

func TestOptimizerConfigRoundTrip(t *testing.T) {
	opt := Adam().LearningRate(0.01).Betas(0.95, 0.98).Epsilon(1e-8).Done()
	config := opt.Config()
	assert.Equal(t, "adam", config["json_type"])
	assert.Equal(t, "Optimizer", config["interface_name"])
	assert.Equal(t, 0.01, config["learning_rate"])
	assert.Equal(t, 0.95, config["beta_1"])

	restored, err := FromConfig(config)
	require.NoError(t, err)
	restoredAdam, ok := restored.(*AdamConfig)
	require.True(t, ok, "expected *AdamConfig, got %T", restored)
	assert.Equal(t, 0.01, restoredAdam.learningRate)
	assert.Equal(t, 0.95, restoredAdam.beta1)
	assert.Equal(t, 0.98, restoredAdam.beta2)
	assert.Equal(t, 1e-8, restoredAdam.epsilon)

	// Fields left out of the config keep their defaults.
	restored, err = FromConfig(map[string]any{
		"json_type":      "sgd",
		"interface_name": "Optimizer",
		"momentum":       0.9,
	})
	require.NoError(t, err)
	restoredSGD := restored.(*SGDConfig)
	assert.Equal(t, 0.01, restoredSGD.learningRate)
	assert.Equal(t, 0.9, restoredSGD.momentum)

	// Invalid hyperparameters surface as errors, not panics, when they
	// come from serialized data.
	_, err = FromConfig(map[string]any{
		"json_type":      "sgd",
		"interface_name": "Optimizer",
		"learning_rate":  -1.0,
	})
	require.ErrorContains(t, err, "must be positive")

	_, err = FromConfig(nil)
	require.Error(t, err)
}

func TestOptimizerConfigValidation(t *testing.T) {
	require.Panics(t, func() { SGD().LearningRate(0).Done() })
	require.Panics(t, func() { SGD().Momentum(1).Done() })
	require.Panics(t, func() { Adam().Betas(1, 0.999).Done() })
	require.Panics(t, func() { Adam().Epsilon(0).Done() })
}
