// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

package numpy

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seracml/serac/pkg/core/dtypes"
	"github.com/seracml/serac/pkg/core/shapes"
	"github.com/seracml/serac/pkg/core/tensors"
)

func TestNpyRoundTrip(t *testing.T) {
	for _, tensor := range []*tensors.Tensor{
		tensors.FromScalar(float32(3.5)),
		tensors.FromValue([]float64{1, 2, 3}),
		tensors.FromValue([][]float32{{1, 2, 3}, {4, 5, 6}}),
		tensors.FromValue([][]int32{{1, 2}, {3, 4}, {5, 6}}),
		tensors.FromValue([]uint8{7, 11, 13}),
		tensors.FromValue([][]bool{{true, false}, {false, true}}),
	} {
		buf := &bytes.Buffer{}
		require.NoError(t, ToNpyWriter(tensor, buf))
		recovered, err := FromNpyReader(bytes.NewReader(buf.Bytes()))
		require.NoErrorf(t, err, "round trip of %s", tensor.Shape())
		assert.Truef(t, tensor.Equal(recovered), "round trip of %s: got %s", tensor, recovered)
	}
}

func TestNpyHeaderAlignment(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, ToNpyWriter(tensors.FromValue([]float32{1}), buf))
	// Preamble (10 bytes) + header must be a multiple of 16, and the header ends in '\n'.
	headerLen := int(binary.LittleEndian.Uint16(buf.Bytes()[8:10]))
	require.Equal(t, 0, (10+headerLen)%16)
	require.Equal(t, byte('\n'), buf.Bytes()[10+headerLen-1])
}

// buildNpy builds a raw v1.0 .npy stream with the given header dict and data bytes.
func buildNpy(headerDict string, data []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x93NUMPY")
	buf.Write([]byte{1, 0})
	header := headerDict + "\n"
	lenBytes := make([]byte, 2)
	binary.LittleEndian.PutUint16(lenBytes, uint16(len(header)))
	buf.Write(lenBytes)
	buf.WriteString(header)
	buf.Write(data)
	return buf.Bytes()
}

func TestNpyFortranOrder(t *testing.T) {
	// Column-major layout of [[1,2,3],[4,5,6]] is 1,4,2,5,3,6.
	data := make([]byte, 6*4)
	for ii, v := range []int32{1, 4, 2, 5, 3, 6} {
		binary.LittleEndian.PutUint32(data[ii*4:], uint32(v))
	}
	raw := buildNpy("{'descr': '<i4', 'fortran_order': True, 'shape': (2, 3), }", data)
	tensor, err := FromNpyReader(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, [][]int32{{1, 2, 3}, {4, 5, 6}}, tensor.Value())
}

func TestNpyErrors(t *testing.T) {
	// Bad magic.
	_, err := FromNpyReader(bytes.NewReader([]byte("NOTNUMPY....")))
	require.ErrorContains(t, err, "magic string")

	// Big-endian data is rejected.
	raw := buildNpy("{'descr': '>i4', 'fortran_order': False, 'shape': (1,), }", make([]byte, 4))
	_, err = FromNpyReader(bytes.NewReader(raw))
	require.ErrorContains(t, err, "big-endian")

	// Unparseable header.
	raw = buildNpy("{'nonsense': 1}", nil)
	_, err = FromNpyReader(bytes.NewReader(raw))
	require.Error(t, err)

	// Truncated data.
	raw = buildNpy("{'descr': '<f4', 'fortran_order': False, 'shape': (4,), }", make([]byte, 3))
	_, err = FromNpyReader(bytes.NewReader(raw))
	require.Error(t, err)

	// bfloat16 has no .npy representation.
	bf16 := tensors.FromShape(shapes.Make(dtypes.BFloat16, 2))
	require.Error(t, ToNpyWriter(bf16, &bytes.Buffer{}))
}

func TestNpzRoundTrip(t *testing.T) {
	want := map[string]*tensors.Tensor{
		"weights/kernel": tensors.FromValue([][]float32{{1, 2}, {3, 4}}),
		"weights/bias":   tensors.FromValue([]float32{0.5, -0.5}),
		"step":           tensors.FromScalar(int64(42)),
	}

	buf := &bytes.Buffer{}
	require.NoError(t, ToNpzWriter(want, buf))

	got, err := FromNpzReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for name, tensor := range want {
		require.Containsf(t, got, name, "missing tensor %q", name)
		assert.Truef(t, tensor.Equal(got[name]), "tensor %q changed in round trip", name)
	}
}

func TestNpzFile(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "tensors.npz")
	want := map[string]*tensors.Tensor{
		"a": tensors.FromValue([]int32{1, 2, 3}),
		"b": tensors.FromScalar(float64(2.25)),
	}
	require.NoError(t, ToNpzFile(want, filePath))
	got, err := FromNpzFile(filePath)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.True(t, want["a"].Equal(got["a"]))
	require.True(t, want["b"].Equal(got["b"]))
}
