// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"slices"

	"github.com/pkg/errors"

	"github.com/seracml/serac/pkg/core/shapes"
	"github.com/seracml/serac/pkg/core/tensors"
	"github.com/seracml/serac/pkg/support/polyjson"
)

// Flatten reshapes [batch, d1, d2, ...] inputs to [batch, d1*d2*...]. It works on any
// dtype: the bytes are not touched, only the shape.
type Flatten struct {
	name string

	built       bool
	featureDims []int // input dimensions beyond the batch axis, recorded at build
}

// NewFlatten creates a flatten layer.
func NewFlatten() *Flatten {
	return &Flatten{name: "flatten"}
}

// WithName sets the layer name. Returns the layer for chaining.
func (f *Flatten) WithName(name string) *Flatten {
	f.name = name
	return f
}

// Name of the layer.
func (f *Flatten) Name() string { return f.name }

// Variables returns nil: flatten has no variables.
func (f *Flatten) Variables() []*Variable { return nil }

// Built reports whether the layer has recorded its input dimensions.
func (f *Flatten) Built() bool { return f.built }

// Build records the input dimensions beyond the batch axis, needed by Backward to restore
// the gradient's shape. The batch dimension is free to change between calls.
func (f *Flatten) Build(input shapes.Shape) error {
	if input.Rank() < 2 {
		return errors.Errorf("flatten layer %q requires an input of rank >= 2, got %s", f.name, input)
	}
	if f.built {
		if !slices.Equal(input.Dimensions[1:], f.featureDims) {
			return errors.Errorf("flatten layer %q was built for feature dimensions %v, cannot rebuild for input %s",
				f.name, f.featureDims, input)
		}
		return nil
	}
	f.featureDims = slices.Clone(input.Dimensions[1:])
	f.built = true
	return nil
}

// OutputShape returns [batch, product of the remaining dimensions].
func (f *Flatten) OutputShape(input shapes.Shape) (shapes.Shape, error) {
	if input.Rank() < 2 {
		return shapes.Invalid(), errors.Errorf("flatten layer %q requires an input of rank >= 2, got %s", f.name, input)
	}
	flatSize := 1
	for _, dim := range input.Dimensions[1:] {
		flatSize *= dim
	}
	return shapes.Make(input.DType, input.Dim(0), flatSize), nil
}

// Forward reshapes the input to rank 2, copying the bytes unchanged.
func (f *Flatten) Forward(x *tensors.Tensor) (*tensors.Tensor, error) {
	if !f.built {
		if err := f.Build(x.Shape()); err != nil {
			return nil, err
		}
	}
	if !slices.Equal(x.Shape().Dimensions[1:], f.featureDims) {
		return nil, errors.Errorf("flatten layer %q was built for feature dimensions %v, got input %s",
			f.name, f.featureDims, x.Shape())
	}
	outShape, err := f.OutputShape(x.Shape())
	if err != nil {
		return nil, err
	}
	return reshaped(x, outShape), nil
}

// Backward reshapes the gradient back to the recorded input dimensions.
func (f *Flatten) Backward(grad *tensors.Tensor) (*tensors.Tensor, error) {
	if !f.built {
		return nil, errors.Errorf("Backward on flatten layer %q before it was built", f.name)
	}
	inputDims := append([]int{grad.Shape().Dim(0)}, f.featureDims...)
	inputShape := shapes.Make(grad.DType(), inputDims...)
	if grad.Size() != inputShape.Size() {
		return nil, errors.Errorf("flatten layer %q expected output gradient with %d elements, got %s",
			f.name, inputShape.Size(), grad.Shape())
	}
	return reshaped(grad, inputShape), nil
}

// Config returns the serializable configuration of the layer.
func (f *Flatten) Config() Config {
	return &FlattenConfig{}
}

// FlattenConfig is the JSON-serializable configuration of a Flatten layer. It has no
// parameters.
type FlattenConfig struct{}

// JSONTags implements polyjson.JSONIdentifiable.
func (c *FlattenConfig) JSONTags() (typeName, interfaceName string) {
	return "flatten", ConfigInterface
}

// NewLayer creates a fresh, unbuilt Flatten layer from the configuration.
func (c *FlattenConfig) NewLayer() (Layer, error) {
	return NewFlatten(), nil
}

func init() {
	polyjson.Register(func() Config { return &FlattenConfig{} })
}

// reshaped returns a new tensor with the given shape and a copy of t's bytes. The element
// count and dtype of the shapes must match.
func reshaped(t *tensors.Tensor, shape shapes.Shape) *tensors.Tensor {
	out := tensors.FromShape(shape)
	must(t.ConstBytes(func(from []byte) {
		must(out.MutableBytes(func(to []byte) {
			copy(to, from)
		}))
	}))
	return out
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
