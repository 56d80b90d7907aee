// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"math/rand/v2"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/seracml/serac/pkg/core/dtypes"
	"github.com/seracml/serac/pkg/core/tensors"
	"github.com/seracml/serac/pkg/support/polyjson"
)

// Dropout randomly zeroes a fraction of its input during training, scaling the surviving
// elements by 1/(1-rate) so the expected value is preserved. Outside training mode it is
// the identity.
type Dropout struct {
	name string
	rate float64
	rng  *rand.Rand

	training bool
	lastMask *tensors.Tensor // scaled keep-mask of the last training-mode Forward
}

// NewDropout creates a dropout layer that drops the given fraction of elements during
// training. The rate must be in [0, 1).
func NewDropout(rate float64) *Dropout {
	if rate < 0 || rate >= 1 {
		exceptions.Panicf("NewDropout: rate must be in [0, 1), got %g", rate)
	}
	return &Dropout{
		name: "dropout",
		rate: rate,
		rng:  newDefaultRng(),
	}
}

// WithName sets the layer name. Returns the layer for chaining.
func (d *Dropout) WithName(name string) *Dropout {
	d.name = name
	return d
}

// WithSeed reseeds the layer's random number generator, for reproducible masks. Returns
// the layer for chaining.
func (d *Dropout) WithSeed(seed1, seed2 uint64) *Dropout {
	d.rng = rand.New(rand.NewPCG(seed1, seed2))
	return d
}

// Name of the layer.
func (d *Dropout) Name() string { return d.name }

// Variables returns nil: dropout has no variables.
func (d *Dropout) Variables() []*Variable { return nil }

// SetTraining switches the layer in and out of training mode.
func (d *Dropout) SetTraining(training bool) {
	d.training = training
	if !training {
		d.lastMask = nil
	}
}

// Forward drops elements in training mode, and is the identity otherwise.
func (d *Dropout) Forward(x *tensors.Tensor) (*tensors.Tensor, error) {
	if !d.training || d.rate == 0 {
		return x, nil
	}
	if x.DType() != dtypes.Float32 {
		return nil, errors.Errorf("dropout layer %q computes in float32, got input dtype %s",
			d.name, x.DType())
	}
	scale := float32(1 / (1 - d.rate))
	mask := tensors.FromShape(x.Shape())
	out := tensors.FromShape(x.Shape())
	tensors.MustConstFlatData(x, func(xFlat []float32) {
		tensors.MustMutableFlatData(mask, func(maskFlat []float32) {
			tensors.MustMutableFlatData(out, func(outFlat []float32) {
				for ii := range xFlat {
					if d.rng.Float64() < d.rate {
						continue // Dropped: mask and output stay zero.
					}
					maskFlat[ii] = scale
					outFlat[ii] = xFlat[ii] * scale
				}
			})
		})
	})
	d.lastMask = mask
	return out, nil
}

// Backward multiplies the incoming gradient by the mask of the last training-mode Forward.
func (d *Dropout) Backward(grad *tensors.Tensor) (*tensors.Tensor, error) {
	if d.rate == 0 {
		return grad, nil
	}
	if d.lastMask == nil {
		return nil, errors.Errorf("Backward on dropout layer %q without a cached forward pass (is the layer in training mode?)",
			d.name)
	}
	if !grad.Shape().Equal(d.lastMask.Shape()) {
		return nil, errors.Errorf("dropout layer %q expected output gradient with shape %s, got %s",
			d.name, d.lastMask.Shape(), grad.Shape())
	}
	out := tensors.FromShape(grad.Shape())
	tensors.MustConstFlatData(grad, func(gradFlat []float32) {
		tensors.MustConstFlatData(d.lastMask, func(maskFlat []float32) {
			tensors.MustMutableFlatData(out, func(outFlat []float32) {
				for ii := range gradFlat {
					outFlat[ii] = gradFlat[ii] * maskFlat[ii]
				}
			})
		})
	})
	return out, nil
}

// Config returns the serializable configuration of the layer.
func (d *Dropout) Config() Config {
	return &DropoutConfig{Rate: d.rate}
}

// DropoutConfig is the JSON-serializable configuration of a Dropout layer.
type DropoutConfig struct {
	Rate float64 `json:"rate"`
}

// JSONTags implements polyjson.JSONIdentifiable.
func (c *DropoutConfig) JSONTags() (typeName, interfaceName string) {
	return "dropout", ConfigInterface
}

// NewLayer creates a fresh Dropout layer from the configuration.
func (c *DropoutConfig) NewLayer() (Layer, error) {
	if c.Rate < 0 || c.Rate >= 1 {
		return nil, errors.Errorf("dropout config: rate must be in [0, 1), got %g", c.Rate)
	}
	return NewDropout(c.Rate), nil
}

func init() {
	polyjson.Register(func() Config { return &DropoutConfig{} })
}
