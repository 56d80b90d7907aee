// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

package encoding

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/seracml/serac/pkg/core/dtypes"
	"github.com/seracml/serac/pkg/core/shapes"
	"github.com/seracml/serac/pkg/core/tensors"
)

// File is a decoded weights file. The header is fully parsed; tensors are materialized
// lazily, one at a time, by Tensor.
type File struct {
	Header Header

	flags uint32
	data  []byte // The data section, checksum excluded.
}

// Read decodes a weights file from r, consuming it to the end. The checksum, when
// present, is verified.
func Read(r io.Reader) (*File, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read weights data")
	}
	return Decode(raw)
}

// ReadFile decodes the weights file at path.
func ReadFile(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read weights file %q", path)
	}
	f, err := Decode(raw)
	if err != nil {
		return nil, errors.WithMessagef(err, "decoding weights file %q", path)
	}
	return f, nil
}

// Decode parses a weights file held in memory.
func Decode(raw []byte) (*File, error) {
	if len(raw) < fixedHeaderSize {
		return nil, errors.Wrapf(ErrInvalidMagic, "file has only %d bytes", len(raw))
	}
	if string(raw[:4]) != Magic {
		return nil, errors.Wrapf(ErrInvalidMagic, "got magic %q", raw[:4])
	}
	version := binary.LittleEndian.Uint32(raw[4:8])
	if version != Version {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "got version %d, this build reads version %d",
			version, Version)
	}
	flags := binary.LittleEndian.Uint32(raw[8:12])
	headerSize := binary.LittleEndian.Uint64(raw[12:20])
	if headerSize > maxHeaderSize {
		return nil, errors.Wrapf(ErrCorruptHeader, "header claims %d bytes", headerSize)
	}
	if uint64(len(raw)-fixedHeaderSize) < headerSize {
		return nil, errors.Wrapf(ErrCorruptHeader, "file truncated inside the header (%d bytes total)", len(raw))
	}
	f := &File{flags: flags}
	if err := json.Unmarshal(raw[fixedHeaderSize:fixedHeaderSize+int(headerSize)], &f.Header); err != nil {
		return nil, errors.Wrapf(ErrCorruptHeader, "header does not parse: %v", err)
	}

	body := raw
	if flags&FlagChecksum != 0 {
		if len(raw) < fixedHeaderSize+int(headerSize)+ChecksumSize {
			return nil, errors.Wrap(ErrCorruptHeader, "file truncated before the checksum")
		}
		body = raw[:len(raw)-ChecksumSize]
		sum := sha256.Sum256(body)
		var stored [ChecksumSize]byte
		copy(stored[:], raw[len(raw)-ChecksumSize:])
		if sum != stored {
			return nil, errors.Wrapf(ErrChecksumMismatch, "computed %x, file records %x", sum, stored)
		}
	}

	dataStart := alignUp(fixedHeaderSize + int64(headerSize))
	if dataStart > int64(len(body)) {
		// A file with no tensors may end right after the header, without padding.
		if len(f.Header.Tensors) > 0 {
			return nil, errors.Wrap(ErrCorruptHeader, "file truncated before the data section")
		}
		dataStart = int64(len(body))
	}
	f.data = body[dataStart:]

	if err := f.validateIndex(); err != nil {
		return nil, err
	}
	return f, nil
}

// validateIndex checks the tensor index against the data section.
func (f *File) validateIndex() error {
	prevEnd := int64(0)
	for _, meta := range f.Header.Tensors {
		if meta.Offset < 0 || meta.Size < 0 {
			return errors.Wrapf(ErrCorruptHeader, "tensor %q has negative offset or size", meta.Name)
		}
		if meta.Offset%Alignment != 0 {
			return errors.Wrapf(ErrCorruptHeader, "tensor %q offset %d is not %d-byte aligned",
				meta.Name, meta.Offset, Alignment)
		}
		if meta.Offset < prevEnd {
			return errors.Wrapf(ErrCorruptHeader, "tensor %q overlaps the previous tensor", meta.Name)
		}
		if meta.Offset+meta.Size > int64(len(f.data)) {
			return errors.Wrapf(ErrCorruptHeader, "tensor %q extends beyond the data section", meta.Name)
		}
		shape, err := metaShape(meta)
		if err != nil {
			return err
		}
		if int64(shape.Memory()) != meta.Size {
			return errors.Wrapf(ErrCorruptHeader, "tensor %q records %d bytes, shape %s needs %d",
				meta.Name, meta.Size, shape, shape.Memory())
		}
		prevEnd = meta.Offset + meta.Size
	}
	return nil
}

// HasChecksum returns whether the file carries a trailing checksum (already verified
// during decoding).
func (f *File) HasChecksum() bool {
	return f.flags&FlagChecksum != 0
}

// Names returns the tensor names, in storage order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Header.Tensors))
	for _, meta := range f.Header.Tensors {
		names = append(names, meta.Name)
	}
	return names
}

// Meta returns the metadata of the named tensor.
func (f *File) Meta(name string) (TensorMeta, error) {
	for _, meta := range f.Header.Tensors {
		if meta.Name == name {
			return meta, nil
		}
	}
	return TensorMeta{}, errors.Wrapf(ErrTensorNotFound, "no tensor %q", name)
}

// Tensor materializes the named tensor from the data section.
func (f *File) Tensor(name string) (*tensors.Tensor, error) {
	meta, err := f.Meta(name)
	if err != nil {
		return nil, err
	}
	shape, err := metaShape(meta)
	if err != nil {
		return nil, err
	}
	t := tensors.FromShape(shape)
	err = t.MutableBytes(func(data []byte) {
		copy(data, f.data[meta.Offset:meta.Offset+meta.Size])
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "materializing tensor %q", name)
	}
	return t, nil
}

// VerifyFile checks the file at path end to end: format, header index and checksum.
// Files written without a checksum fail verification.
func VerifyFile(path string) error {
	f, err := ReadFile(path)
	if err != nil {
		return err
	}
	if !f.HasChecksum() {
		return errors.Errorf("weights file %q carries no checksum to verify", path)
	}
	return nil
}

// metaShape rebuilds the tensor shape from its metadata.
func metaShape(meta TensorMeta) (shapes.Shape, error) {
	dtype := dtypes.FromName(meta.DType)
	if dtype == dtypes.InvalidDType {
		return shapes.Invalid(), errors.Wrapf(ErrCorruptHeader, "tensor %q has unknown dtype %q",
			meta.Name, meta.DType)
	}
	for _, dim := range meta.Shape {
		if dim < 0 {
			return shapes.Invalid(), errors.Wrapf(ErrCorruptHeader, "tensor %q has negative dimension %d",
				meta.Name, dim)
		}
	}
	return shapes.Make(dtype, meta.Shape...), nil
}
