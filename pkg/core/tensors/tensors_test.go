// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"strconv"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/seracml/serac/pkg/core/dtypes"
	"github.com/seracml/serac/pkg/core/dtypes/bfloat16"
	"github.com/seracml/serac/pkg/core/shapes"
)

func cmpShapes(t *testing.T, shape, wantShape shapes.Shape, err error) {
	if err != nil {
		t.Fatalf("Failed to get shape (wanted %q) from value: %v", wantShape, err)
	}
	if !wantShape.Equal(shape) {
		t.Fatalf("Invalid shape %q, wanted %q", shape, wantShape)
	}
}

func TestFromValue(t *testing.T) {
	wantShape := shapes.Shape{DType: dtypes.Float32, Dimensions: []int{3, 2}}
	shape, err := shapeForValue([][]float32{{0, 0}, {1, 1}, {2, 2}})
	cmpShapes(t, shape, wantShape, err)

	wantShape = shapes.Shape{DType: dtypes.Float64, Dimensions: []int{1, 1, 1}}
	shape, err = shapeForValue([][][]float64{{{1}}})
	cmpShapes(t, shape, wantShape, err)

	wantShape = shapes.Shape{DType: dtypes.Bool, Dimensions: []int{3, 2}}
	shape, err = shapeForValue([][]bool{{true, false}, {false, false}, {false, true}})
	cmpShapes(t, shape, wantShape, err)

	wantShape = shapes.Shape{DType: dtypes.Complex64, Dimensions: []int{2}}
	shape, err = shapeForValue([]complex64{1.0i, 1.0})
	cmpShapes(t, shape, wantShape, err)

	// Test for invalid `DType`.
	shape, err = shapeForValue([][]string{{"blah"}})
	if shape.DType != dtypes.InvalidDType {
		t.Fatalf("Wanted InvalidDType for string, instead got %q", shape.DType)
	}
	if err == nil {
		t.Fatalf("Should have returned error for unsupported DType")
	}

	// Test for irregularly shaped slices.
	_, err = shapeForValue([][][]int32{{{1}}, {{1, 2}}})
	if err == nil {
		t.Fatalf("Should have returned error for irregularly shaped slices")
	}

	// Test the correct setting of scalar value, dtype=Int64.
	{
		want := int64(5)
		var tensor *Tensor
		require.NotPanics(t, func() { tensor = FromValue(want) })
		assert.Equal(t, want, tensor.Value())
	}

	// Test the correct setting of scalar value for Go type `int` (dtype=Int64 or Int32).
	if strconv.IntSize == 64 {
		want := int64(5)
		var tensor *Tensor
		require.NotPanics(t, func() { tensor = FromValue(5) })
		assert.Equal(t, want, tensor.Value())
	} else if strconv.IntSize == 32 {
		want := int32(5)
		var tensor *Tensor
		require.NotPanics(t, func() { tensor = FromValue(5) })
		assert.Equal(t, want, tensor.Value())
	}

	// Test the correct setting of a 1D slice, dtype=Float64.
	{
		want := []float64{2, 5}
		var tensor *Tensor
		require.NotPanics(t, func() { tensor = FromValue(want) })
		assert.Equal(t, want, tensor.Value())
	}

	// Test 2D slice, dtype=Float32.
	{
		want := []float32{1, 2, 3, 10, 11, 12}
		var tensor *Tensor
		require.NotPanics(t, func() { tensor = FromValue([][]float32{{1, 2, 3}, {10, 11, 12}}) })
		tensor.MustConstFlatData(func(flat any) {
			got, _ := flat.([]float32)
			require.Equal(t, want, got)
		})
	}

	// Test 2D slice, dtype=Bool.
	{
		want := []bool{true, false, false, false, false, true}
		var tensor *Tensor
		require.NotPanics(t, func() {
			tensor = FromFlatDataAndDimensions(want, 3, 2)
		})
		require.NoError(t, tensor.Shape().Check(dtypes.Bool, 3, 2))
		tensor.MustConstFlatData(func(flat any) {
			got, _ := flat.([]bool)
			require.Equal(t, want, got)
		})
	}

	// Test 2D slice, Go type=int, dtype=Int32 or Int64.
	{
		var tensor *Tensor
		require.NotPanics(t, func() {
			tensor = FromValue([][]int{{1, 3}, {5, 7}})
		})
		if strconv.IntSize == 64 {
			want := []int64{1, 3, 5, 7}
			tensor.MustConstFlatData(func(flat any) {
				got, _ := flat.([]int64)
				require.Equal(t, want, got)
			})
		} else if strconv.IntSize == 32 {
			want := []int32{1, 3, 5, 7}
			tensor.MustConstFlatData(func(flat any) {
				got, _ := flat.([]int32)
				require.Equal(t, want, got)
			})
		}
	}
}

// We test using FromAnyValue and Value, due to Go generics limitations on cascaded calls of
// generic functions.
func testValueOf[T dtypes.Number | complex64 | complex128](t *testing.T) {
	want := [][]T{{1, 2, 3}, {10, 11, 12}}
	var tensor *Tensor
	require.NotPanics(t, func() { tensor = FromAnyValue(want) })
	got, ok := tensor.Value().([][]T)
	require.Truef(t, ok, "Failed to convert tensor back to a 2-dimensional slice -- want=%v, value=%v",
		want, tensor.Value())
	assert.Equal(t, want, got)
}

func TestValueOf(t *testing.T) {
	testValueOf[float32](t)
	testValueOf[float64](t)
	testValueOf[int32](t)
	testValueOf[int64](t)
	testValueOf[uint8](t)
	testValueOf[uint32](t)
	testValueOf[uint64](t)
	testValueOf[complex64](t)
	testValueOf[complex128](t)
}

func TestFromScalarAndDimensions(t *testing.T) {
	tensor := FromScalarAndDimensions(float32(0.5), 2, 3)
	require.NoError(t, tensor.Shape().Check(dtypes.Float32, 2, 3))
	MustConstFlatData(tensor, func(flat []float32) {
		require.Equal(t, []float32{0.5, 0.5, 0.5, 0.5, 0.5, 0.5}, flat)
	})

	scalar := FromScalar(int32(7))
	require.True(t, scalar.IsScalar())
	require.Equal(t, int32(7), ToScalar[int32](scalar))
}

func TestFromFlatDataAndDimensions(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]int8{1, 2, 3, 4}, 2, 2)
	require.NoError(t, tensor.Shape().Check(dtypes.Int8, 2, 2))
	require.Equal(t, [][]int8{{1, 2}, {3, 4}}, tensor.Value())

	// Wrong size must panic.
	require.Panics(t, func() { FromFlatDataAndDimensions([]int8{1, 2, 3}, 2, 2) })

	// Go `int` data takes the bytes-copy path.
	intTensor := FromFlatDataAndDimensions([]int{1, 3, 5, 7}, 2, 2)
	if strconv.IntSize == 64 {
		require.Equal(t, dtypes.Int64, intTensor.DType())
	}
	require.Equal(t, 4, intTensor.Size())
}

func TestAccessTypeMismatch(t *testing.T) {
	tensor := FromValue([]float32{1, 2, 3})
	require.Error(t, ConstFlatData(tensor, func(flat []float64) {}))
	require.Error(t, MutableFlatData(tensor, func(flat []float64) {}))
	require.Panics(t, func() { MustConstFlatData(tensor, func(flat []int32) {}) })
	require.Panics(t, func() { ToScalar[float32](tensor) }) // Not a scalar.
	require.Panics(t, func() { ToScalar[int32](FromScalar(float32(1))) })
}

func TestSerialization(t *testing.T) {
	{
		values := [][]float64{{2}, {3}, {5}, {7}, {11}}
		var tensor *Tensor
		require.NotPanics(t, func() { tensor = FromValue(values) })
		buf := &bytes.Buffer{}
		enc := gob.NewEncoder(buf)
		require.NoError(t, tensor.GobSerialize(enc))
		var err error
		dec := gob.NewDecoder(buf)
		tensor, err = GobDeserialize(dec)
		require.NoError(t, err)
		require.Equal(t, values, tensor.Value().([][]float64))
	}

	{
		values := [][]complex128{{2}, {3}, {5}, {7}, {11}}
		var tensor *Tensor
		require.NotPanics(t, func() { tensor = FromValue(values) })
		buf := &bytes.Buffer{}
		enc := gob.NewEncoder(buf)

		// Serialize repeats times:
		repeats := 10
		for range repeats {
			require.NoError(t, tensor.GobSerialize(enc))
		}

		// Deserialize repeats times:
		dec := gob.NewDecoder(buf)
		for range repeats {
			var err error
			tensor, err = GobDeserialize(dec)
			require.NoError(t, err)
			require.Equal(t, values, tensor.Value().([][]complex128))
			tensor.Finalize()
		}
	}
}

func testSaveLoadStumpImpl(t *testing.T, tensor *Tensor) (loadedTensor *Tensor) {
	dtype := tensor.DType()

	// Create a temporary file and get its name.
	tempFile, err := os.CreateTemp("", fmt.Sprintf("serac_tensor_test_%s_*.bin", dtype))
	if err != nil {
		t.Fatal("Error creating temp file:", err)
	}
	fileName := tempFile.Name()
	_ = tempFile.Close()
	defer func() { _ = os.Remove(fileName) }()

	// Save tensor.
	require.NoErrorf(t, tensor.Save(fileName), "Saving tensor of dtype %s", dtype)

	// Re-load tensor.
	loadedTensor, err = Load(fileName)
	require.NoErrorf(t, err, "Loading tensor of dtype %s", dtype)
	return
}

func testSaveLoadGenericsImpl[T dtypes.NumberNotComplex](t *testing.T) {
	values := []T{0, 1, 2, 3, 4, 11}
	dtype := dtypes.FromGenericsType[T]()
	var tensor *Tensor
	require.NotPanics(t, func() { tensor = FromFlatDataAndDimensions(values, 3, 2) })

	// Save and re-load the tensor:
	loadedTensor := testSaveLoadStumpImpl(t, tensor)

	// Check loadedTensor contents.
	require.NoErrorf(t, loadedTensor.Shape().Check(dtype, 3, 2),
		"Loaded tensor for dtype %s got shape %s", dtype, loadedTensor.Shape())
	loadedTensor.MustConstFlatData(func(flatAny any) {
		flat := flatAny.([]T)
		require.Equal(t, values, flat)
	})
}

func testSaveLoadFloat16(t *testing.T) {
	values := make([]float16.Float16, 6)
	for ii, v := range []float32{0, 1, 2, 3, 4, 11} {
		values[ii] = float16.Fromfloat32(v)
	}
	var tensor *Tensor
	require.NotPanics(t, func() { tensor = FromFlatDataAndDimensions(values, 3, 2) })
	loadedTensor := testSaveLoadStumpImpl(t, tensor)
	require.NoError(t, loadedTensor.Shape().Check(dtypes.Float16, 3, 2))
	loadedTensor.MustConstFlatData(func(flatAny any) {
		require.Equal(t, values, flatAny.([]float16.Float16))
	})
}

func testSaveLoadBFloat16(t *testing.T) {
	values := make([]bfloat16.BFloat16, 6)
	for ii, v := range []float32{0, 1, 2, 3, 4, 11} {
		values[ii] = bfloat16.FromFloat32(v)
	}
	var tensor *Tensor
	require.NotPanics(t, func() { tensor = FromFlatDataAndDimensions(values, 3, 2) })
	loadedTensor := testSaveLoadStumpImpl(t, tensor)
	require.NoError(t, loadedTensor.Shape().Check(dtypes.BFloat16, 3, 2))
	loadedTensor.MustConstFlatData(func(flatAny any) {
		require.Equal(t, values, flatAny.([]bfloat16.BFloat16))
	})
}

func TestSaveLoad(t *testing.T) {
	testSaveLoadGenericsImpl[int8](t)
	testSaveLoadGenericsImpl[int32](t)
	testSaveLoadGenericsImpl[int64](t)
	testSaveLoadGenericsImpl[uint8](t)
	testSaveLoadGenericsImpl[float32](t)
	testSaveLoadGenericsImpl[float64](t)
	testSaveLoadFloat16(t)
	testSaveLoadBFloat16(t)
}

func TestClone(t *testing.T) {
	tensor := FromValue([][]int32{{0, 1}, {3, 5}, {7, 11}})
	clone := tensor.Clone()

	// Change the original tensor and check that the cloned version is unchanged.
	tensor.MustMutableFlatData(func(flatAny any) {
		flat := flatAny.([]int32)
		flat[0] = 100
	})
	require.NoError(t, clone.Shape().Check(dtypes.Int32, 3, 2))
	require.Equal(t, []int32{0, 1, 3, 5, 7, 11}, CopyFlatData[int32](clone))
}

func TestBytes(t *testing.T) {
	tensor := FromValue([][]int32{{0, 1}, {3, 5}, {7, 11}})
	require.NoError(t, tensor.ConstBytes(func(data []byte) {
		require.Equal(t, 6*4 /* sizeof(int32) */, len(data))
		flat := unsafe.Slice((*int32)(unsafe.Pointer(&data[0])), 6)
		require.Equal(t, []int32{0, 1, 3, 5, 7, 11}, flat)
	}))
	require.NoError(t, tensor.MutableBytes(func(data []byte) {
		require.Equal(t, 6*4 /* sizeof(int32) */, len(data))
		flat := unsafe.Slice((*int32)(unsafe.Pointer(&data[0])), 6)
		flat[0] = 13
		flat[5] = 17
	}))
	require.Equal(t, [][]int32{{13, 1}, {3, 5}, {7, 17}}, tensor.Value())
}

func TestAssign(t *testing.T) {
	tensor := FromShape(shapes.Make(dtypes.Float64, 2, 3))

	// Wrong dtype:
	require.Error(t, AssignFlatData(tensor, []float32{0, 1, 2, 3, 4, 5}))

	// Wrong flat size:
	require.Error(t, AssignFlatData(tensor, []float64{0, 1, 2, 3, 4, 5, 6}))

	// Check assignment happened:
	values := []float64{0, 1, 2, 3, 4, 5}
	require.NoError(t, AssignFlatData(tensor, values))
	require.Equal(t, values, CopyFlatData[float64](tensor))
}

func TestEqualAndInDelta(t *testing.T) {
	t0 := FromValue([][]float32{{1, 2}, {3, 4}})
	t1 := FromValue([][]float32{{1, 2}, {3, 4}})
	t2 := FromValue([][]float32{{1, 2}, {3, 4.5}})
	t3 := FromValue([]float32{1, 2, 3, 4})

	require.True(t, t0.Equal(t0))
	require.True(t, t0.Equal(t1))
	require.False(t, t0.Equal(t2))
	require.False(t, t0.Equal(t3)) // Different shapes.

	require.True(t, t0.InDelta(t2, 0.6))
	require.False(t, t0.InDelta(t2, 0.4))
	require.False(t, t0.InDelta(t3, 100))
}

func TestZeroSizeTensors(t *testing.T) {
	for _, dims := range [][]int{{0}, {0, 5}, {3, 0}, {2, 0, 4}} {
		shape := shapes.Make(dtypes.Float32, dims...)
		tensor := FromShape(shape)
		require.True(t, tensor.Shape().IsZeroSize())
		tensor.MustConstFlatData(func(flat any) {
			require.Equal(t, 0, len(flat.([]float32)))
		})
		require.NoError(t, tensor.ConstBytes(func(data []byte) {
			require.Empty(t, data)
		}))
	}

	tensor := FromFlatDataAndDimensions([]int32{}, 0, 5)
	require.Equal(t, []int{0, 5}, tensor.Shape().Dimensions)
}

func TestFinalize(t *testing.T) {
	tensor := FromValue([]float32{1, 2, 3})
	require.True(t, tensor.Ok())
	tensor.Finalize()
	require.True(t, tensor.IsFinalized())
	require.Error(t, tensor.CheckValid())
	require.Error(t, tensor.ConstFlatData(func(flat any) {}))
	tensor.Finalize() // Second call is a no-op.
}

func TestSummary(t *testing.T) {
	require.Equal(t, "float32(7)", FromScalar(float32(7)).Summary(4))
	require.Equal(t, "[3]int32{1, 2, 3}", FromValue([]int32{1, 2, 3}).Summary(4))
	require.Equal(t, "[2][3]float32{\n {1, 2, 3},\n {4, 5, 6}}",
		FromValue([][]float32{{1, 2, 3}, {4, 5, 6}}).Summary(4))

	// Large vectors are shortened with ellipsis.
	require.Equal(t, "[10]int32{0, 1, 2, ..., 7, 8, 9}",
		FromFlatDataAndDimensions([]int32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, 10).Summary(4))

	// Zero-size tensors only print their shape.
	require.Equal(t, "(Float32)[0 5]", FromShape(shapes.Make(dtypes.Float32, 0, 5)).String())
}
