// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

// Package encoding implements the binary format used to store model weights, both inside
// .serac archives (the "model.weights" entry) and as standalone checkpoint files (.srwt).
//
// The layout is:
//
//	magic "SRWT" | uint32 version | uint32 flags | uint64 headerSize |
//	JSON header | zero padding to a 64-byte boundary |
//	tensor data blobs, each starting at a 64-byte aligned offset |
//	trailing SHA-256 over everything before it (when FlagChecksum is set)
//
// All fixed-width fields are little-endian. The JSON header indexes the tensors by name
// with their dtype, shape and byte range, so readers can address single tensors without
// decoding the whole data section.
package encoding

import (
	"time"

	"github.com/pkg/errors"
)

// SeracVersion is the library version recorded in the files it writes.
const SeracVersion = "0.1.0"

// Format constants.
const (
	Magic = "SRWT"

	// Version of the format written by this package. Readers accept only this one.
	Version = 1

	// Alignment of each tensor blob, relative to the start of the data section (which
	// is itself aligned in the file).
	Alignment = 64

	// ChecksumSize is the size of the trailing SHA-256, present when FlagChecksum is set.
	ChecksumSize = 32

	// fixedHeaderSize is the byte length of the fields before the JSON header:
	// magic (4) + version (4) + flags (4) + headerSize (8).
	fixedHeaderSize = 20

	// maxHeaderSize bounds the JSON header a reader is willing to decode, as a guard
	// against corrupt or hostile length fields.
	maxHeaderSize = 64 << 20
)

// FlagChecksum marks files that carry the trailing SHA-256.
const FlagChecksum uint32 = 1 << 0

// Sentinel errors, matched with errors.Is. Returned errors wrap them with file and
// tensor context.
var (
	ErrInvalidMagic       = errors.New("not a serac weights file (bad magic)")
	ErrUnsupportedVersion = errors.New("unsupported weights format version")
	ErrCorruptHeader      = errors.New("corrupt weights header")
	ErrChecksumMismatch   = errors.New("weights checksum mismatch")
	ErrTensorNotFound     = errors.New("tensor not found in weights file")
)

// Header is the JSON header of a weights file.
type Header struct {
	// FormatVersion repeats the binary version field, for tools that only look at the
	// JSON part.
	FormatVersion int `json:"format_version"`

	// SeracVersion of the writer.
	SeracVersion string `json:"serac_version"`

	// CreatedAt is the UTC time the file was written.
	CreatedAt time.Time `json:"created_at"`

	// Tensors indexes the data section, in storage order: offsets are strictly
	// increasing and 64-byte aligned.
	Tensors []TensorMeta `json:"tensors"`

	// Extra carries free-form writer metadata (for example the training step of a
	// checkpoint).
	Extra map[string]string `json:"extra,omitempty"`
}

// TensorMeta describes one tensor blob in the data section.
type TensorMeta struct {
	// Name of the tensor, usually a variable path like "dense/weights".
	Name string `json:"name"`

	// DType name, as understood by dtypes.FromName.
	DType string `json:"dtype"`

	// Shape dimensions. Empty for scalars.
	Shape []int `json:"shape"`

	// Offset in bytes from the start of the data section.
	Offset int64 `json:"offset"`

	// Size in bytes.
	Size int64 `json:"size"`

	// Trainable records the variable's trainable flag, so checkpoint tools can tell
	// weights from optimizer state and counters.
	Trainable bool `json:"trainable,omitempty"`
}

// options collects the effects of Option values, shared by Write and WriteFile.
type options struct {
	checksum    bool
	parallelism int
	extra       map[string]string
}

// Option configures Write and WriteFile.
type Option func(*options)

// WithChecksum controls the trailing SHA-256. Default is true.
func WithChecksum(enabled bool) Option {
	return func(o *options) { o.checksum = enabled }
}

// WithParallelism bounds the workers preparing tensor blobs. 0 disables parallelism and
// -1 removes the bound. Default is the number of CPUs.
func WithParallelism(n int) Option {
	return func(o *options) { o.parallelism = n }
}

// WithExtra attaches free-form metadata to the header.
func WithExtra(extra map[string]string) Option {
	return func(o *options) { o.extra = extra }
}

func newOptions(opts []Option) *options {
	o := &options{
		checksum:    true,
		parallelism: -2, // Marker for "not set": the pool default is used.
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// alignUp returns the smallest multiple of Alignment >= offset.
func alignUp(offset int64) int64 {
	return (offset + Alignment - 1) / Alignment * Alignment
}
