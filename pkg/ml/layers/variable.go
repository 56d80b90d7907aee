// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"github.com/gomlx/exceptions"

	"github.com/seracml/serac/pkg/core/dtypes"
	"github.com/seracml/serac/pkg/core/shapes"
	"github.com/seracml/serac/pkg/core/tensors"
)

// Variable (or weights) of a layer, typically learned during training.
//
// Besides its value, a Variable carries a trainable flag (non-trainable variables are left
// alone by optimizers) and a gradient slot filled in by BackpropLayer.Backward and consumed
// by optimizers.
//
// Always use it by reference (pointer), never by value.
type Variable struct {
	name      string
	trainable bool

	shape shapes.Shape
	value *tensors.Tensor
	grad  *tensors.Tensor
}

// NewVariable creates a variable with the given name and initial value.
// By default variables are trainable.
func NewVariable(name string, value *tensors.Tensor) *Variable {
	if value == nil || !value.Ok() {
		exceptions.Panicf("NewVariable(%q): value must be a valid tensor", name)
	}
	return &Variable{
		name:      name,
		shape:     value.Shape(),
		value:     value,
		trainable: true,
	}
}

// Name of the variable within its layer.
func (v *Variable) Name() string {
	if v == nil {
		return "<nil>"
	}
	return v.name
}

// String implements fmt.Stringer.
func (v *Variable) String() string {
	if v == nil || !v.Shape().Ok() {
		return "INVALID (NIL) VARIABLE"
	}
	return v.name
}

// IsValid returns whether the variable is holding a valid value.
func (v *Variable) IsValid() bool {
	if v == nil {
		return false
	}
	return v.shape.Ok()
}

// AssertValid panics if the variable is in an invalid state: if it's nil, or if its shape
// is not set.
func (v *Variable) AssertValid() {
	if v == nil {
		exceptions.Panicf("layers.Variable is nil")
	}
	if !v.Shape().Ok() {
		exceptions.Panicf("layers.Variable has no shape")
	}
}

// Shape returns the variable shape.
func (v *Variable) Shape() shapes.Shape {
	if v == nil {
		return shapes.Shape{}
	}
	return v.shape
}

// DType returns the variable DType.
func (v *Variable) DType() dtypes.DType {
	if v == nil {
		return dtypes.InvalidDType
	}
	return v.shape.DType
}

// SetTrainable sets the variable trainable status. Returns itself, so calls can be cascaded.
func (v *Variable) SetTrainable(trainable bool) *Variable {
	v.AssertValid()
	v.trainable = trainable
	return v
}

// Trainable returns whether the variable should be updated during training.
func (v *Variable) Trainable() bool {
	v.AssertValid()
	return v.trainable
}

// Value returns the tensor holding the variable value. Use this to manipulate the value
// in Go.
func (v *Variable) Value() *tensors.Tensor {
	v.AssertValid()
	return v.value
}

// SetValue updates the tensor holding the variable value.
//
// This does not allow changes in shape or dtype -- you will need to create a new variable
// for that.
func (v *Variable) SetValue(value *tensors.Tensor) {
	v.AssertValid()
	if value == nil || !value.Ok() {
		exceptions.Panicf("variable %q cannot have its value set to a nil or invalid tensor", v)
	}
	if !value.Shape().Equal(v.shape) {
		exceptions.Panicf("variable %q cannot have its value (%s) changed to a new shape (%s)",
			v, v.shape, value.Shape())
	}
	v.value = value
}

// Gradient returns the tensor currently stored in the variable's gradient slot, or nil if
// no gradient has been recorded since the last reset.
func (v *Variable) Gradient() *tensors.Tensor {
	v.AssertValid()
	return v.grad
}

// SetGradient records the gradient of the loss with respect to this variable. The gradient
// must match the variable's shape.
func (v *Variable) SetGradient(grad *tensors.Tensor) {
	v.AssertValid()
	if grad == nil {
		exceptions.Panicf("gradient for variable %q must not be nil", v)
	}
	if !grad.Shape().Equal(v.shape) {
		exceptions.Panicf("gradient for variable %q must have shape %s, got %s",
			v, v.shape, grad.Shape())
	}
	v.grad = grad
}

// ZeroGradient clears the gradient slot.
func (v *Variable) ZeroGradient() {
	v.AssertValid()
	v.grad = nil
}
