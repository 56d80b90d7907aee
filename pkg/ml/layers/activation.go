// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"github.com/pkg/errors"

	"github.com/seracml/serac/pkg/core/dtypes"
	"github.com/seracml/serac/pkg/core/tensors"
	"github.com/seracml/serac/pkg/ml/layers/activations"
	"github.com/seracml/serac/pkg/support/polyjson"
)

// Activation applies an activation function element-wise. It has no variables and works on
// float32 tensors of any shape.
type Activation struct {
	name       string
	activation activations.Type

	training  bool
	lastInput *tensors.Tensor // cached in training mode for Backward
}

// NewActivation creates an activation layer from the activation name ("relu", "tanh", ...).
// It panics on unknown names.
func NewActivation(activationName string) *Activation {
	return &Activation{
		name:       "activation",
		activation: activations.FromName(activationName),
	}
}

// WithName sets the layer name. Returns the layer for chaining.
func (a *Activation) WithName(name string) *Activation {
	a.name = name
	return a
}

// Name of the layer.
func (a *Activation) Name() string { return a.name }

// Variables returns nil: activation layers have no variables.
func (a *Activation) Variables() []*Variable { return nil }

// SetTraining switches the layer in and out of training mode.
func (a *Activation) SetTraining(training bool) {
	a.training = training
	if !training {
		a.lastInput = nil
	}
}

// Forward applies the activation element-wise.
func (a *Activation) Forward(x *tensors.Tensor) (*tensors.Tensor, error) {
	if x.DType() != dtypes.Float32 {
		return nil, errors.Errorf("activation layer %q computes in float32, got input dtype %s",
			a.name, x.DType())
	}
	if a.training {
		a.lastInput = x
	}
	if a.activation == activations.TypeNone {
		return x, nil
	}
	out := tensors.FromShape(x.Shape())
	tensors.MustConstFlatData(x, func(xFlat []float32) {
		tensors.MustMutableFlatData(out, func(outFlat []float32) {
			for ii, value := range xFlat {
				outFlat[ii] = activations.Apply(a.activation, value)
			}
		})
	})
	return out, nil
}

// Backward multiplies the incoming gradient by the activation's derivative at the cached
// input. It requires a preceding training-mode Forward.
func (a *Activation) Backward(grad *tensors.Tensor) (*tensors.Tensor, error) {
	if a.activation == activations.TypeNone {
		return grad, nil
	}
	if a.lastInput == nil {
		return nil, errors.Errorf("Backward on activation layer %q without a cached forward pass (is the layer in training mode?)",
			a.name)
	}
	if !grad.Shape().Equal(a.lastInput.Shape()) {
		return nil, errors.Errorf("activation layer %q expected output gradient with shape %s, got %s",
			a.name, a.lastInput.Shape(), grad.Shape())
	}
	out := tensors.FromShape(grad.Shape())
	tensors.MustConstFlatData(grad, func(gradFlat []float32) {
		tensors.MustConstFlatData(a.lastInput, func(xFlat []float32) {
			tensors.MustMutableFlatData(out, func(outFlat []float32) {
				for ii := range gradFlat {
					outFlat[ii] = gradFlat[ii] * activations.Derivative(a.activation, xFlat[ii])
				}
			})
		})
	})
	return out, nil
}

// Config returns the serializable configuration of the layer.
func (a *Activation) Config() Config {
	return &ActivationConfig{Activation: a.activation.String()}
}

// ActivationConfig is the JSON-serializable configuration of an Activation layer.
type ActivationConfig struct {
	Activation string `json:"activation"`
}

// JSONTags implements polyjson.JSONIdentifiable.
func (c *ActivationConfig) JSONTags() (typeName, interfaceName string) {
	return "activation", ConfigInterface
}

// NewLayer creates a fresh Activation layer from the configuration.
func (c *ActivationConfig) NewLayer() (Layer, error) {
	activation, err := activations.TypeString(c.Activation)
	if err != nil {
		return nil, errors.Wrapf(err, "activation config: invalid activation %q", c.Activation)
	}
	return &Activation{name: "activation", activation: activation}, nil
}

func init() {
	polyjson.Register(func() Config { return &ActivationConfig{} })
}
