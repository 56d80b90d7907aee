// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"encoding/json"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seracml/serac/pkg/core/dtypes"
	"github.com/seracml/serac/pkg/core/shapes"
	"github.com/seracml/serac/pkg/core/tensors"
	"github.com/seracml/serac/pkg/support/polyjson"
)

func TestVariable(t *testing.T) {
	v := NewVariable("weights", tensors.FromValue([][]float32{{1, 2}, {3, 4}}))
	assert.Equal(t, "weights", v.Name())
	assert.True(t, v.Trainable())
	assert.Equal(t, dtypes.Float32, v.DType())
	assert.Equal(t, []int{2, 2}, v.Shape().Dimensions)

	v.SetTrainable(false)
	assert.False(t, v.Trainable())

	v.SetValue(tensors.FromValue([][]float32{{5, 6}, {7, 8}}))
	assert.True(t, v.Value().Equal(tensors.FromValue([][]float32{{5, 6}, {7, 8}})))
	require.Panics(t, func() { v.SetValue(tensors.FromValue([]float32{1, 2})) })
	require.Panics(t, func() { v.SetValue(nil) })

	assert.Nil(t, v.Gradient())
	v.SetGradient(tensors.FromValue([][]float32{{1, 1}, {1, 1}}))
	require.NotNil(t, v.Gradient())
	require.Panics(t, func() { v.SetGradient(tensors.FromValue([]float32{1})) })
	v.ZeroGradient()
	assert.Nil(t, v.Gradient())

	require.Panics(t, func() { NewVariable("bad", nil) })
}

func TestInitializers(t *testing.T) {
	shape := shapes.Make(dtypes.Float32, 3, 4)

	zeros, err := Zeros(shape)
	require.NoError(t, err)
	tensors.MustConstFlatData(zeros, func(flat []float32) {
		for _, value := range flat {
			assert.Zero(t, value)
		}
	})

	ones, err := Ones(shape)
	require.NoError(t, err)
	tensors.MustConstFlatData(ones, func(flat []float32) {
		for _, value := range flat {
			assert.Equal(t, float32(1), value)
		}
	})
	_, err = Ones(shapes.Make(dtypes.Int32, 2))
	require.Error(t, err)

	rng := rand.New(rand.NewPCG(1, 2))
	normal, err := RandomNormal(rng, 0.1)(shapes.Make(dtypes.Float32, 1000))
	require.NoError(t, err)
	var sum, sumSquares float64
	tensors.MustConstFlatData(normal, func(flat []float32) {
		for _, value := range flat {
			sum += float64(value)
			sumSquares += float64(value) * float64(value)
		}
	})
	assert.InDelta(t, 0, sum/1000, 0.02)
	assert.InDelta(t, 0.01, sumSquares/1000, 0.005)

	// Glorot bounds: limit = sqrt(3 / ((fanIn+fanOut)/2)).
	glorotShape := shapes.Make(dtypes.Float32, 10, 20)
	glorot, err := GlorotUniform(rng)(glorotShape)
	require.NoError(t, err)
	limit := math.Sqrt(3.0 / 15.0)
	var sawNonZero bool
	tensors.MustConstFlatData(glorot, func(flat []float32) {
		for _, value := range flat {
			assert.LessOrEqual(t, math.Abs(float64(value)), limit)
			sawNonZero = sawNonZero || value != 0
		}
	})
	assert.True(t, sawNonZero)

	// Rank <= 1 gets zeros.
	bias, err := GlorotUniform(rng)(shapes.Make(dtypes.Float32, 7))
	require.NoError(t, err)
	tensors.MustConstFlatData(bias, func(flat []float32) {
		for _, value := range flat {
			assert.Zero(t, value)
		}
	})

	// Non-float dtypes get zeros rather than an error.
	ints, err := RandomNormal(rng, 1)(shapes.Make(dtypes.Int32, 4))
	require.NoError(t, err)
	assert.Equal(t, dtypes.Int32, ints.DType())
}

func TestDenseForwardBackward(t *testing.T) {
	d := NewDense(2).WithName("hidden")
	require.NoError(t, d.Build(shapes.Make(dtypes.Float32, 3, 2)))
	assert.True(t, d.Built())

	variables := d.Variables()
	require.Len(t, variables, 2)
	assert.Equal(t, "weights", variables[0].Name())
	assert.Equal(t, "biases", variables[1].Name())
	variables[0].SetValue(tensors.FromValue([][]float32{{1, 2}, {3, 4}}))
	variables[1].SetValue(tensors.FromValue([]float32{0.5, -0.5}))

	outShape, err := d.OutputShape(shapes.Make(dtypes.Float32, 3, 2))
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, outShape.Dimensions)

	x := tensors.FromValue([][]float32{{1, 0}, {0, 1}, {1, 1}})
	d.SetTraining(true)
	y, err := d.Forward(x)
	require.NoError(t, err)
	assert.True(t, y.InDelta(tensors.FromValue([][]float32{{1.5, 1.5}, {3.5, 3.5}, {4.5, 5.5}}), 1e-6),
		"got %s", y)

	dx, err := d.Backward(tensors.FromValue([][]float32{{1, 1}, {1, 1}, {1, 1}}))
	require.NoError(t, err)
	assert.True(t, dx.InDelta(tensors.FromValue([][]float32{{3, 7}, {3, 7}, {3, 7}}), 1e-6),
		"got %s", dx)
	assert.True(t, variables[0].Gradient().InDelta(tensors.FromValue([][]float32{{2, 2}, {2, 2}}), 1e-6))
	assert.True(t, variables[1].Gradient().InDelta(tensors.FromValue([]float32{3, 3}), 1e-6))

	// Rebuilding with the same feature count is a no-op; a different one errors.
	require.NoError(t, d.Build(shapes.Make(dtypes.Float32, 10, 2)))
	require.Error(t, d.Build(shapes.Make(dtypes.Float32, 3, 5)))

	// Reconfiguring a built layer panics.
	require.Panics(t, func() { d.WithActivation("relu") })

	// Feature count mismatches and wrong dtypes are rejected.
	_, err = d.Forward(tensors.FromValue([][]float32{{1, 2, 3}}))
	require.Error(t, err)
	_, err = d.Forward(tensors.FromValue([][]float64{{1, 2}}))
	require.Error(t, err)

	// Backward without a cached forward pass errors.
	d.SetTraining(false)
	_, err = d.Backward(tensors.FromValue([][]float32{{1, 1}}))
	require.Error(t, err)
}

func TestDenseActivationGradient(t *testing.T) {
	d := NewDense(1).WithActivation("sigmoid")
	require.NoError(t, d.Build(shapes.Make(dtypes.Float32, 1, 2)))
	d.Variables()[0].SetValue(tensors.FromValue([][]float32{{1}, {2}}))
	d.Variables()[1].SetValue(tensors.FromValue([]float32{0}))

	d.SetTraining(true)
	x := tensors.FromValue([][]float32{{0.5, -1}})
	y, err := d.Forward(x)
	require.NoError(t, err)
	// pre = 0.5*1 + (-1)*2 = -1.5; y = sigmoid(-1.5).
	assert.True(t, y.InDelta(tensors.FromValue([][]float32{{0.18242551}}), 1e-5), "got %s", y)

	dx, err := d.Backward(tensors.FromValue([][]float32{{1}}))
	require.NoError(t, err)
	// dPre = sigmoid'(-1.5) = 0.14914645.
	assert.True(t, dx.InDelta(tensors.FromValue([][]float32{{0.14914645, 0.29829290}}), 1e-5),
		"got %s", dx)
	assert.True(t, d.Variables()[0].Gradient().InDelta(
		tensors.FromValue([][]float32{{0.07457323}, {-0.14914645}}), 1e-5))
	assert.True(t, d.Variables()[1].Gradient().InDelta(
		tensors.FromValue([]float32{0.14914645}), 1e-5))
}

func TestActivationLayer(t *testing.T) {
	a := NewActivation("relu")
	x := tensors.FromValue([]float32{-1, 0, 2})

	y, err := a.Forward(x)
	require.NoError(t, err)
	assert.True(t, y.Equal(tensors.FromValue([]float32{0, 0, 2})))
	assert.Nil(t, a.Variables())

	// Backward requires a training-mode forward first.
	_, err = a.Backward(tensors.FromValue([]float32{1, 1, 1}))
	require.Error(t, err)

	a.SetTraining(true)
	_, err = a.Forward(x)
	require.NoError(t, err)
	dx, err := a.Backward(tensors.FromValue([]float32{5, 5, 5}))
	require.NoError(t, err)
	assert.True(t, dx.Equal(tensors.FromValue([]float32{0, 0, 5})))

	// The "none" activation passes tensors through untouched.
	identity := NewActivation("")
	y, err = identity.Forward(x)
	require.NoError(t, err)
	assert.Same(t, x, y)
}

func TestDropout(t *testing.T) {
	x := tensors.FromShape(shapes.Make(dtypes.Float32, 1000))
	tensors.MustMutableFlatData(x, func(flat []float32) {
		for ii := range flat {
			flat[ii] = 1
		}
	})

	d := NewDropout(0.5).WithSeed(7, 11)

	// Identity outside training mode.
	y, err := d.Forward(x)
	require.NoError(t, err)
	assert.Same(t, x, y)

	d.SetTraining(true)
	y, err = d.Forward(x)
	require.NoError(t, err)
	var kept int
	tensors.MustConstFlatData(y, func(flat []float32) {
		for _, value := range flat {
			if value != 0 {
				kept++
				assert.InDelta(t, 2.0, value, 1e-6)
			}
		}
	})
	// Roughly half survive.
	assert.Greater(t, kept, 400)
	assert.Less(t, kept, 600)

	// Backward zeroes the same positions.
	grad := tensors.FromShape(shapes.Make(dtypes.Float32, 1000))
	tensors.MustMutableFlatData(grad, func(flat []float32) {
		for ii := range flat {
			flat[ii] = 1
		}
	})
	dx, err := d.Backward(grad)
	require.NoError(t, err)
	tensors.MustConstFlatData(y, func(yFlat []float32) {
		tensors.MustConstFlatData(dx, func(dxFlat []float32) {
			for ii := range yFlat {
				if yFlat[ii] == 0 {
					assert.Zero(t, dxFlat[ii])
				} else {
					assert.InDelta(t, 2.0, dxFlat[ii], 1e-6)
				}
			}
		})
	})

	// Rate zero is the identity even in training mode.
	none := NewDropout(0)
	none.SetTraining(true)
	y, err = none.Forward(x)
	require.NoError(t, err)
	assert.Same(t, x, y)

	require.Panics(t, func() { NewDropout(1) })
	require.Panics(t, func() { NewDropout(-0.1) })
}

func TestFlatten(t *testing.T) {
	f := NewFlatten()
	x := tensors.FromValue([][][]float32{{{1, 2}, {3, 4}}, {{5, 6}, {7, 8}}})

	y, err := f.Forward(x)
	require.NoError(t, err)
	assert.True(t, y.Equal(tensors.FromValue([][]float32{{1, 2, 3, 4}, {5, 6, 7, 8}})))
	assert.True(t, f.Built())

	outShape, err := f.OutputShape(shapes.Make(dtypes.Float32, 5, 2, 2))
	require.NoError(t, err)
	assert.Equal(t, []int{5, 4}, outShape.Dimensions)

	dx, err := f.Backward(tensors.FromValue([][]float32{{1, 1, 1, 1}, {2, 2, 2, 2}}))
	require.NoError(t, err)
	assert.True(t, dx.Equal(tensors.FromValue([][][]float32{{{1, 1}, {1, 1}}, {{2, 2}, {2, 2}}})))

	// Feature dimensions are pinned at build time.
	_, err = f.Forward(tensors.FromValue([][][]float32{{{1, 2, 3}}}))
	require.Error(t, err)

	// Rank-1 inputs are rejected.
	_, err = NewFlatten().Forward(tensors.FromValue([]float32{1, 2}))
	require.Error(t, err)

	// Any dtype flattens: only the shape changes.
	ints := NewFlatten()
	y, err = ints.Forward(tensors.FromValue([][][]int32{{{1}, {2}}, {{3}, {4}}}))
	require.NoError(t, err)
	assert.True(t, y.Equal(tensors.FromValue([][]int32{{1, 2}, {3, 4}})))
}

func TestConfigRoundTrip(t *testing.T) {
	configs := []Config{
		NewDense(16).WithActivation("relu").WithBias(false).Config(),
		NewActivation("tanh").Config(),
		NewDropout(0.25).Config(),
		NewFlatten().Config(),
	}
	for _, config := range configs {
		wrapper := polyjson.Wrap(config)
		blob, err := json.Marshal(wrapper)
		require.NoError(t, err)

		var loaded polyjson.Wrapper[Config]
		require.NoError(t, json.Unmarshal(blob, &loaded))
		require.IsType(t, config, loaded.Value)

		layer, err := loaded.Value.NewLayer()
		require.NoError(t, err)
		require.NotNil(t, layer)
	}

	dense := &DenseConfig{Units: 16, Activation: "relu", UseBias: false}
	layer, err := dense.NewLayer()
	require.NoError(t, err)
	d, ok := layer.(*Dense)
	require.True(t, ok)
	assert.Equal(t, 16, d.units)
	assert.False(t, d.useBias)

	_, err = (&DenseConfig{Units: 0}).NewLayer()
	require.Error(t, err)
	_, err = (&DenseConfig{Units: 4, Activation: "bogus"}).NewLayer()
	require.Error(t, err)
	_, err = (&DropoutConfig{Rate: 1.5}).NewLayer()
	require.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	store.Put("b", tensors.FromValue([]float32{1}))
	store.Put("a", tensors.FromValue([]float32{2}))
	assert.Equal(t, []string{"a", "b"}, store.Keys())

	got, err := store.Get("a")
	require.NoError(t, err)
	assert.True(t, got.Equal(tensors.FromValue([]float32{2})))

	_, err = store.Get("missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"missing"`)
}
