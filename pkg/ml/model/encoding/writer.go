// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

package encoding

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/seracml/serac/internal/workerspool"
	"github.com/seracml/serac/pkg/core/tensors"
)

// Entry is one tensor to be written, with the name it will be addressable by.
type Entry struct {
	Name      string
	Tensor    *tensors.Tensor
	Trainable bool
}

// Write encodes the entries to w, in order. Entry names must be non-empty and unique.
func Write(w io.Writer, entries []Entry, opts ...Option) error {
	o := newOptions(opts)
	header, err := buildHeader(entries, o.extra)
	if err != nil {
		return err
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "failed to encode weights header")
	}

	blobs, err := prepareBlobs(entries, o.parallelism)
	if err != nil {
		return err
	}

	hash := sha256.New()
	flags := uint32(0)
	if o.checksum {
		flags |= FlagChecksum
		w = io.MultiWriter(w, hash)
	}

	if _, err := w.Write([]byte(Magic)); err != nil {
		return errors.Wrap(err, "failed to write weights magic")
	}
	fixed := make([]byte, 0, fixedHeaderSize-4)
	fixed = binary.LittleEndian.AppendUint32(fixed, Version)
	fixed = binary.LittleEndian.AppendUint32(fixed, flags)
	fixed = binary.LittleEndian.AppendUint64(fixed, uint64(len(headerJSON)))
	if _, err := w.Write(fixed); err != nil {
		return errors.Wrap(err, "failed to write weights fixed header")
	}
	if _, err := w.Write(headerJSON); err != nil {
		return errors.Wrap(err, "failed to write weights header")
	}
	if err := writeZeros(w, alignUp(fixedHeaderSize+int64(len(headerJSON)))-(fixedHeaderSize+int64(len(headerJSON)))); err != nil {
		return err
	}

	// Data section: blobs at their (already aligned) offsets.
	pos := int64(0)
	for ii, blob := range blobs {
		meta := header.Tensors[ii]
		if err := writeZeros(w, meta.Offset-pos); err != nil {
			return err
		}
		if _, err := w.Write(blob); err != nil {
			return errors.Wrapf(err, "failed to write tensor %q", meta.Name)
		}
		pos = meta.Offset + meta.Size
	}

	if o.checksum {
		if _, err := w.Write(hash.Sum(nil)); err != nil {
			return errors.Wrap(err, "failed to write weights checksum")
		}
	}
	return nil
}

// WriteFile encodes the entries to a new file at path.
func WriteFile(path string, entries []Entry, opts ...Option) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create weights file %q", path)
	}
	if err := Write(f, entries, opts...); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "writing weights file %q", path)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close weights file %q", path)
	}
	return nil
}

// buildHeader validates the entries and lays out their offsets.
func buildHeader(entries []Entry, extra map[string]string) (*Header, error) {
	header := &Header{
		FormatVersion: Version,
		SeracVersion:  SeracVersion,
		CreatedAt:     time.Now().UTC(),
		Tensors:       make([]TensorMeta, 0, len(entries)),
		Extra:         extra,
	}
	seen := make(map[string]bool, len(entries))
	offset := int64(0)
	for ii, entry := range entries {
		if entry.Name == "" {
			return nil, errors.Errorf("weights entry #%d has an empty name", ii)
		}
		if seen[entry.Name] {
			return nil, errors.Errorf("duplicate weights entry %q", entry.Name)
		}
		seen[entry.Name] = true
		if entry.Tensor == nil || !entry.Tensor.Ok() {
			return nil, errors.Errorf("weights entry %q has no valid tensor", entry.Name)
		}
		shape := entry.Tensor.Shape()
		size := int64(shape.Memory())
		header.Tensors = append(header.Tensors, TensorMeta{
			Name:      entry.Name,
			DType:     shape.DType.String(),
			Shape:     shape.Dimensions,
			Offset:    offset,
			Size:      size,
			Trainable: entry.Trainable,
		})
		offset = alignUp(offset + size)
	}
	return header, nil
}

// prepareBlobs copies each entry's bytes into its own buffer, in parallel. The copies
// are taken under each tensor's lock, so the written file is a consistent snapshot even
// if the caller keeps training afterwards.
func prepareBlobs(entries []Entry, parallelism int) ([][]byte, error) {
	blobs := make([][]byte, len(entries))
	errs := make([]error, len(entries))
	pool := workerspool.New()
	if parallelism != -2 {
		pool.SetMaxParallelism(parallelism)
	}
	for ii, entry := range entries {
		pool.WaitToStart(func() {
			blob := make([]byte, entry.Tensor.Shape().Memory())
			errs[ii] = entry.Tensor.ConstBytes(func(data []byte) {
				copy(blob, data)
			})
			blobs[ii] = blob
		})
	}
	pool.Wait()
	for ii, err := range errs {
		if err != nil {
			return nil, errors.WithMessagef(err, "reading tensor %q", entries[ii].Name)
		}
	}
	return blobs, nil
}

var zeros [Alignment]byte

func writeZeros(w io.Writer, n int64) error {
	if n <= 0 {
		return nil
	}
	if _, err := w.Write(zeros[:n]); err != nil {
		return errors.Wrap(err, "failed to write padding")
	}
	return nil
}
