// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

package encoding

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seracml/serac/pkg/core/tensors"
)

func testEntries(t *testing.T) []Entry {
	t.Helper()
	return []Entry{
		{Name: "dense/weights", Tensor: tensors.FromValue([][]float32{{1, 2, 3}, {4, 5, 6}}), Trainable: true},
		{Name: "dense/biases", Tensor: tensors.FromValue([]float32{-1, 0, 1}), Trainable: true},
		{Name: "step", Tensor: tensors.FromScalar(int64(42))},
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	entries := testEntries(t)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, entries, WithExtra(map[string]string{"purpose": "test"})))

	f, err := Read(&buf)
	require.NoError(t, err)
	assert.True(t, f.HasChecksum())
	assert.Equal(t, Version, f.Header.FormatVersion)
	assert.Equal(t, SeracVersion, f.Header.SeracVersion)
	assert.Equal(t, "test", f.Header.Extra["purpose"])
	assert.Equal(t, []string{"dense/weights", "dense/biases", "step"}, f.Names())

	for _, entry := range entries {
		got, err := f.Tensor(entry.Name)
		require.NoError(t, err)
		assert.True(t, entry.Tensor.Equal(got), "tensor %q changed in the round trip", entry.Name)
	}

	meta, err := f.Meta("dense/weights")
	require.NoError(t, err)
	assert.True(t, meta.Trainable)
	meta, err = f.Meta("step")
	require.NoError(t, err)
	assert.False(t, meta.Trainable)

	_, err = f.Tensor("no/such/tensor")
	assert.True(t, errors.Is(err, ErrTensorNotFound))
}

func TestOffsetsAligned(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, testEntries(t)))
	f, err := Read(&buf)
	require.NoError(t, err)
	prevEnd := int64(0)
	for _, meta := range f.Header.Tensors {
		assert.Zero(t, meta.Offset%Alignment, "tensor %q offset %d not aligned", meta.Name, meta.Offset)
		assert.GreaterOrEqual(t, meta.Offset, prevEnd)
		prevEnd = meta.Offset + meta.Size
	}
}

func TestChecksumFlipDetected(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, testEntries(t)))
	raw := buf.Bytes()

	// Flip one bit in the middle of the data section.
	corrupted := bytes.Clone(raw)
	corrupted[len(corrupted)-ChecksumSize-5] ^= 0x80
	_, err := Decode(corrupted)
	assert.True(t, errors.Is(err, ErrChecksumMismatch), "got %v", err)

	// The pristine copy still reads fine.
	_, err = Decode(raw)
	assert.NoError(t, err)
}

func TestWithoutChecksum(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, testEntries(t), WithChecksum(false)))
	f, err := Read(&buf)
	require.NoError(t, err)
	assert.False(t, f.HasChecksum())
}

func TestCorruptFiles(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, testEntries(t)))
	raw := buf.Bytes()

	_, err := Decode([]byte("SR"))
	assert.True(t, errors.Is(err, ErrInvalidMagic))

	_, err = Decode([]byte("NOPE----------------------------"))
	assert.True(t, errors.Is(err, ErrInvalidMagic))

	badVersion := bytes.Clone(raw)
	badVersion[4] = 99
	_, err = Decode(badVersion)
	assert.True(t, errors.Is(err, ErrUnsupportedVersion))

	// Truncating inside the JSON header.
	_, err = Decode(raw[:fixedHeaderSize+10])
	assert.True(t, errors.Is(err, ErrCorruptHeader))

	// Truncating inside the data section (invalidates the checksum first).
	_, err = Decode(raw[:len(raw)-ChecksumSize-3])
	assert.Error(t, err)
}

func TestWriteValidation(t *testing.T) {
	var buf bytes.Buffer
	err := Write(&buf, []Entry{{Name: "", Tensor: tensors.FromScalar(float32(1))}})
	assert.ErrorContains(t, err, "empty name")

	err = Write(&buf, []Entry{
		{Name: "x", Tensor: tensors.FromScalar(float32(1))},
		{Name: "x", Tensor: tensors.FromScalar(float32(2))},
	})
	assert.ErrorContains(t, err, "duplicate")

	err = Write(&buf, []Entry{{Name: "x", Tensor: nil}})
	assert.ErrorContains(t, err, "no valid tensor")
}

func TestEmptyFile(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, nil))
	f, err := Read(&buf)
	require.NoError(t, err)
	assert.Empty(t, f.Names())
}

func TestWriteFileVerify(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weights.srwt")
	require.NoError(t, WriteFile(path, testEntries(t), WithParallelism(2)))
	require.NoError(t, VerifyFile(path))

	// Corrupt one byte on disk: verification must fail.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-ChecksumSize-1] ^= 0x01
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	err = VerifyFile(path)
	assert.True(t, errors.Is(err, ErrChecksumMismatch), "got %v", err)

	// Files without checksum fail verification explicitly.
	noSum := filepath.Join(dir, "nosum.srwt")
	require.NoError(t, WriteFile(noSum, testEntries(t), WithChecksum(false)))
	assert.ErrorContains(t, VerifyFile(noSum), "no checksum")
}
