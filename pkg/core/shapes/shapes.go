// Package shapes defines Shape and associated tools.
//
// Shape represents the shape (rank, dimensions and DType) of a tensor: the
// element type plus the size of each axis. It is used by the concrete tensor
// values (pkg/core/tensors) and everywhere layer geometry is negotiated.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a tensor.
//   - Axis: the index of a dimension on a multidimensional tensor. "Axis"
//     (plural axes) refers to the dimension index, and "dimension" to its size.
//   - DType: the data type of the unit element in a tensor, see pkg/core/dtypes.
//   - Scalar: a shape with no axes, holding a single value of the associated DType.
//
// Example: the multi-dimensional array [][]int32{{0, 1, 2}, {3, 4, 5}} has
// shape (int32)[2 3]: rank 2, axis 0 with dimension 2 and axis 1 with
// dimension 3. It would be created with shapes.Make(dtypes.Int32, 2, 3).
//
// When writing models there is no compile-time checking of tensor geometry,
// so validation happens in runtime. The AssertRank, AssertDims and
// Check/CheckDims helpers (see asserts.go) make those checks one-liners that
// double as code documentation.
package shapes

import (
	"encoding/gob"
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/seracml/serac/pkg/core/dtypes"
)

// Shape represents the shape of a tensor: element DType plus the dimension of
// each axis.
//
// Use Make to create a new shape. The zero value is an invalid shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
// It panics if any dimension is <= 0.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions), DType: dtype}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with negative dimension", s)
		}
	}
	return s
}

// Scalar returns a scalar Shape for the given type.
func Scalar[T dtypes.Number]() Shape {
	return Shape{DType: dtypes.FromGenericsType[T]()}
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. A zero-value Shape{} is invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar: no axes (rank==0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. axis can take negative numbers,
// in which case it counts from the end -- so axis=-1 refers to the last axis.
// Like with slice indexing, it panics for an out-of-bounds axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// String implements fmt.Stringer, pretty-printing the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements of DType needed for this shape.
// It's the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// IsZeroSize returns whether any of the dimensions is zero, hence the shape
// holds no elements.
func (s Shape) IsZeroSize() bool {
	if !s.Ok() {
		return true
	}
	return slices.Contains(s.Dimensions, 0)
}

// Memory returns the number of bytes needed to store an array of the given
// shape.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	if s.DType != s2.DType {
		return false
	}
	return s.EqualDimensions(s2)
}

// EqualDimensions compares two shapes for equality of dimensions only.
// DTypes may differ.
func (s Shape) EqualDimensions(s2 Shape) bool {
	if s.Rank() != s2.Rank() {
		return false
	}
	if s.IsScalar() {
		return true
	}
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Dimensions = slices.Clone(s.Dimensions)
	return
}

// GobSerialize the shape in binary format.
func (s Shape) GobSerialize(encoder *gob.Encoder) (err error) {
	enc := func(e any) {
		if err != nil {
			return
		}
		err = encoder.Encode(e)
		if err != nil {
			err = errors.Wrapf(err, "failed to serialize Shape %s", s)
		}
	}
	enc(s.DType)
	enc(s.Dimensions)
	return
}

// GobDeserialize a Shape. Returns the new Shape or an error.
func GobDeserialize(decoder *gob.Decoder) (s Shape, err error) {
	dec := func(data any) {
		if err != nil {
			return
		}
		err = decoder.Decode(data)
		if err != nil {
			err = errors.Wrapf(err, "failed to deserialize Shape")
		}
	}
	dec(&s.DType)
	dec(&s.Dimensions)
	return
}

// MarshalText implements encoding.TextMarshaler, so shapes serialize to a
// readable form inside JSON documents (for example "(float32)[2 3]" is stored
// as "float32:2,3").
func (s Shape) MarshalText() ([]byte, error) {
	if !s.Ok() {
		return []byte("invalid"), nil
	}
	parts := make([]string, 0, s.Rank())
	for _, dim := range s.Dimensions {
		parts = append(parts, fmt.Sprintf("%d", dim))
	}
	return []byte(fmt.Sprintf("%s:%s", s.DType, strings.Join(parts, ","))), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, the inverse of MarshalText.
func (s *Shape) UnmarshalText(text []byte) error {
	str := string(text)
	if str == "invalid" {
		*s = Invalid()
		return nil
	}
	dtypeStr, dimsStr, found := strings.Cut(str, ":")
	if !found {
		return errors.Errorf("cannot parse shape from %q: missing dtype separator ':'", str)
	}
	dtype := dtypes.FromName(dtypeStr)
	if dtype == dtypes.InvalidDType {
		return errors.Errorf("cannot parse shape from %q: unknown dtype %q", str, dtypeStr)
	}
	s.DType = dtype
	s.Dimensions = nil
	if dimsStr == "" {
		return nil
	}
	for _, part := range strings.Split(dimsStr, ",") {
		var dim int
		if _, err := fmt.Sscanf(part, "%d", &dim); err != nil {
			return errors.Wrapf(err, "cannot parse shape dimension %q in %q", part, str)
		}
		if dim < 0 {
			return errors.Errorf("cannot parse shape from %q: dimension %d must be >= 0", str, dim)
		}
		s.Dimensions = append(s.Dimensions, dim)
	}
	return nil
}
