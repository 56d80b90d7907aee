// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a Tensor, a representation of a multidimensional array.
//
// Tensors are multidimensional arrays (from scalar with 0 dimensions, to arbitrarily large
// dimensions), defined by their shape (a data type and its axes' dimensions) and their actual
// content, stored as a flat (1D) Go slice of the dtype's Go type.
//
// Tensors hold the parameters and the data batches of serac models, and they are the unit of
// weight serialization: model archives and checkpoints are, at their core, collections of named
// tensors.
//
// There are various ways to construct a Tensor from local data:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//
//   - FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int): creates a Tensor
//     with the given dimensions, filled with the scalar value given. `T` must be one of the
//     supported types.
//
//   - FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int): creates a
//     Tensor with the given dimensions and set the flattened values with the given data.
//     `T` must be one of the supported types. Example:
//
//     t := FromFlatDataAndDimensions([]int8{1, 2, 3, 4}, 2, 2) // Tensor with [[1,2], [3,4]]
//
//   - FromValue[S MultiDimensionSlice](value S): Generic conversion works with the scalar
//     supported `DType`s as well as with any arbitrary multidimensional slice of them. Slices
//     of rank > 1 must be regular, that is all the sub-slices must have the same shape. Example:
//
//     t := FromValue([][]float32{{1, 2}, {3, 5}, {7, 11}})
//
//   - FromAnyValue(value any): same as FromValue but non-generic, it takes an anonymous type
//     `any`. The exception is if `value` is already a tensor, then it is a no-op, and it returns
//     the tensor itself.
//
// Access to the data is done with the ConstFlatData and MutableFlatData family of accessor
// functions: they lock the tensor and hand the flat data to a closure, so the data is never
// copied unnecessarily. ConstBytes and MutableBytes give the same data as raw bytes, which is
// what the weights codec uses when writing archives.
package tensors

import (
	"reflect"
	"sync"

	"github.com/pkg/errors"

	"github.com/seracml/serac/pkg/core/dtypes"
	"github.com/seracml/serac/pkg/core/shapes"
)

// must converts an error to a panic. It's a no-op if err==nil.
func must(err error) {
	if err != nil {
		panic(err)
	}
}

// Tensor represents a multidimensional array (from scalar with 0 dimensions, to arbitrarily
// large dimensions), defined by its shape, a data type (dtypes.DType) and its axes' dimensions,
// and its actual content stored as a flat (1D) slice of values.
//
// The flat data is always a Go slice of the shape's dtype Go type, kept on the host. Access to
// it goes through the ConstFlatData/MutableFlatData accessors, which hold the Tensor lock for
// the duration of the access.
//
// More details in the package documentation.
type Tensor struct {
	// shape of the tensor. Considered immutable: it is only changed when the Tensor is
	// finalized.
	shape shapes.Shape

	// mu protects flat.
	mu sync.Mutex

	// flat holds the slice with the actual data, of the type for the dtype of the shape.
	flat any
}

// newEmptyTensor returns a Tensor object initialized only with the shape, but no actual storage.
// The returned tensor is invalid, and flat data must still be associated with it.
func newEmptyTensor(shape shapes.Shape) *Tensor {
	return &Tensor{
		shape: shape,
	}
}

// FromShape returns a Tensor with the given shape, with the data initialized with zeros.
//
// It panics if you provide an invalid shape.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		panic(errors.New("invalid shape"))
	}
	t := newEmptyTensor(shape)
	flatV := reflect.MakeSlice(reflect.SliceOf(t.shape.DType.GoType()), t.Size(), t.Size())
	t.flat = flatV.Interface()
	return t
}

// Clone creates a copy of the Tensor with its own storage.
func (t *Tensor) Clone() *Tensor {
	var clone *Tensor
	must(t.ConstFlatData(func(flat any) {
		clone = newEmptyTensor(t.shape)
		flatV := reflect.ValueOf(flat)
		size := flatV.Len()
		cloneFlatV := reflect.MakeSlice(flatV.Type(), size, size)
		reflect.Copy(cloneFlatV, flatV)
		clone.flat = cloneFlatV.Interface()
	}))
	return clone
}

// Shape of the Tensor, includes DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
// It is a shortcut to `Tensor.Shape().DType`.
func (t *Tensor) DType() dtypes.DType {
	if t == nil {
		return dtypes.InvalidDType
	}
	return t.shape.DType
}

// Rank returns the rank of the tensor's shape.
// It is a shortcut to `Tensor.Shape().Rank()`.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// IsScalar returns whether the tensor represents a scalar value.
// It is a shortcut to `Tensor.Shape().IsScalar()`.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// Size returns the number of elements in the tensor.
// It is a shortcut to `Tensor.Shape().Size()`.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor. An alias to
// Tensor.Shape().Memory().
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Ok returns whether the Tensor is in a valid state: it is not nil, and it hasn't been
// finalized.
func (t *Tensor) Ok() bool {
	return t != nil && t.shape.Ok() && t.flat != nil
}

// CheckValid returns an error if it's nil, has been finalized, or if its shape is invalid.
func (t *Tensor) CheckValid() error {
	if t == nil {
		return errors.New("Tensor is nil")
	}
	if !t.shape.Ok() {
		return errors.New("Tensor shape is invalid")
	}
	if t.flat == nil {
		return errors.New("Tensor has been finalized, no data associated to it")
	}
	return nil
}

// AssertValid panics if it's nil, has been finalized, or if its shape is invalid.
func (t *Tensor) AssertValid() {
	err := t.CheckValid()
	if err != nil {
		panic(err)
	}
}

// IsFinalized returns true if the tensor has already been finalized, and its data freed.
func (t *Tensor) IsFinalized() bool {
	return t == nil || t.flat == nil
}

// Finalize immediately frees the tensor data and leaves the Tensor in an invalid state.
//
// It's the caller's responsibility to make sure the data is not being accessed elsewhere.
// It is a no-op if the tensor was already finalized.
func (t *Tensor) Finalize() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flat = nil
	t.shape = shapes.Invalid()
}
