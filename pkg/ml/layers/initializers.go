// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"

	"github.com/seracml/serac/pkg/core/dtypes"
	"github.com/seracml/serac/pkg/core/shapes"
	"github.com/seracml/serac/pkg/core/tensors"
)

// Initializer creates the initial value for a variable of the given shape.
type Initializer func(shape shapes.Shape) (*tensors.Tensor, error)

// Zeros initializes variables with zero.
var Zeros Initializer = func(shape shapes.Shape) (*tensors.Tensor, error) {
	return tensors.FromShape(shape), nil
}

// Ones initializes variables with one. Only float32 and float64 variables are supported.
var Ones Initializer = func(shape shapes.Shape) (*tensors.Tensor, error) {
	return fillFloats(shape, func() float64 { return 1 })
}

// RandomNormal returns an initializer that generates random normal values with the given
// standard deviation and mean set to 0.
//
// Variables that are not float32 or float64 are initialized to 0 instead.
func RandomNormal(rng *rand.Rand, stddev float64) Initializer {
	return func(shape shapes.Shape) (*tensors.Tensor, error) {
		if !isWideFloat(shape.DType) {
			return tensors.FromShape(shape), nil
		}
		return fillFloats(shape, func() float64 { return rng.NormFloat64() * stddev })
	}
}

// GlorotUniform returns a Glorot uniform initializer, also called Xavier uniform
// initializer.
//
// It draws samples from a uniform distribution within [-limit, limit), where
// limit = sqrt(3 / ((fan_in + fan_out)/2)) (fan_in is the number of input units in the
// weight tensor and fan_out is the number of output units).
//
// It initializes biases (anything with rank <= 1) to zeros, and variables that are not
// float32 or float64 to zero as well.
func GlorotUniform(rng *rand.Rand) Initializer {
	return func(shape shapes.Shape) (*tensors.Tensor, error) {
		if !isWideFloat(shape.DType) || shape.Rank() <= 1 {
			// Zero-bias.
			return tensors.FromShape(shape), nil
		}
		fanIn, fanOut := computeFanInFanOut(shape)
		scale := max(1.0, float64(fanIn+fanOut)/2.0)
		limit := math.Sqrt(3.0 / scale)
		return fillFloats(shape, func() float64 { return rng.Float64()*2*limit - limit })
	}
}

// computeFanInFanOut of a variable expected to be the parameters of a dense or
// convolution-like layer.
func computeFanInFanOut(shape shapes.Shape) (fanIn, fanOut int) {
	rank := shape.Rank()
	switch rank {
	case 0: // Scalar.
		fanIn = 1
		fanOut = fanIn
	case 1: // 1D shape, like a bias term in a dense layer.
		fanIn = 0
		fanOut = fanIn
	case 2: // 2D shape, weights of a dense layer.
		fanIn = shape.Dimensions[0]
		fanOut = shape.Dimensions[1]
	default: // Assuming convolution kernels (2D, 3D, or more):
		receptiveFieldSize := 1
		for _, dim := range shape.Dimensions[:rank-2] {
			receptiveFieldSize *= dim
		}
		fanIn = shape.Dimensions[rank-2] * receptiveFieldSize
		fanOut = shape.Dimensions[rank-1] * receptiveFieldSize
	}
	return
}

func isWideFloat(dtype dtypes.DType) bool {
	return dtype == dtypes.Float32 || dtype == dtypes.Float64
}

// fillFloats creates a tensor of the given shape filling each element from gen.
// Only Float32 and Float64 shapes are supported.
func fillFloats(shape shapes.Shape, gen func() float64) (*tensors.Tensor, error) {
	t := tensors.FromShape(shape)
	switch shape.DType {
	case dtypes.Float32:
		tensors.MustMutableFlatData(t, func(flat []float32) {
			for ii := range flat {
				flat[ii] = float32(gen())
			}
		})
	case dtypes.Float64:
		tensors.MustMutableFlatData(t, func(flat []float64) {
			for ii := range flat {
				flat[ii] = gen()
			}
		})
	default:
		return nil, errors.Errorf("initializer supports float32 and float64 variables, got shape %s", shape)
	}
	return t, nil
}

// newDefaultRng returns a freshly seeded random number generator, used when a layer is not
// given an explicit one.
func newDefaultRng() *rand.Rand {
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}
