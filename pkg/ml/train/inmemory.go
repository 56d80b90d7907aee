// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"io"
	"math/rand/v2"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/seracml/serac/pkg/core/shapes"
	"github.com/seracml/serac/pkg/core/tensors"
)

// InMemoryDataset implements Dataset over tensors (or Go slices) fully loaded
// in memory, with optional batching, shuffling and infinite looping.
//
// Yield is safe for concurrent use, and the yielded tensors are freshly
// allocated copies, so callers may mutate them freely.
type InMemoryDataset struct {
	name           string
	inputs, labels *tensors.Tensor
	numExamples    int

	batchSize           int
	dropIncompleteBatch bool
	infinite            bool
	rng                 *rand.Rand

	muSampling sync.Mutex
	order      []int // permutation of the examples when shuffling, nil otherwise
	next       int   // position (in order) of the next example to yield
}

// NewInMemoryDataset creates a dataset from inputs and labels already in
// memory. Both values can be a *tensors.Tensor or any Go slice accepted by
// tensors.FromAnyValue. Their leading axis indexes examples and must match.
//
// By default it yields one example at a time, in order, keeping the examples
// axis (of size 1), and returns io.EOF after the last one until Reset is
// called. See BatchSize, Shuffle and Infinite to change that.
func NewInMemoryDataset(name string, inputs, labels any) (*InMemoryDataset, error) {
	var inputsT, labelsT *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		inputsT = tensors.FromAnyValue(inputs)
		labelsT = tensors.FromAnyValue(labels)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "NewInMemoryDataset(%q)", name)
	}
	if inputsT.Shape().IsScalar() || labelsT.Shape().IsScalar() {
		return nil, errors.Errorf("NewInMemoryDataset(%q): inputs and labels need a leading examples axis, got shapes %s and %s",
			name, inputsT.Shape(), labelsT.Shape())
	}
	if inputsT.Shape().Dim(0) != labelsT.Shape().Dim(0) {
		return nil, errors.Errorf("NewInMemoryDataset(%q): inputs have %d examples but labels have %d",
			name, inputsT.Shape().Dim(0), labelsT.Shape().Dim(0))
	}
	return &InMemoryDataset{
		name:        name,
		inputs:      inputsT,
		labels:      labelsT,
		numExamples: inputsT.Shape().Dim(0),
	}, nil
}

// Name implements Dataset.
func (ds *InMemoryDataset) Name() string { return ds.name }

// NumExamples returns the number of examples in the dataset.
func (ds *InMemoryDataset) NumExamples() int { return ds.numExamples }

// BatchSize configures the dataset to yield batches of n examples. If
// dropIncompleteBatch is true, the examples left over at the end of an epoch
// when n doesn't divide their number are dropped, so every yielded batch has
// exactly n examples.
//
// It returns the dataset, so configuration calls can be chained.
func (ds *InMemoryDataset) BatchSize(n int, dropIncompleteBatch bool) *InMemoryDataset {
	if n <= 0 {
		exceptions.Panicf("InMemoryDataset(%q).BatchSize(%d): batch size must be positive", ds.name, n)
	}
	if dropIncompleteBatch && n > ds.numExamples {
		exceptions.Panicf("InMemoryDataset(%q).BatchSize(%d): batch size larger than the dataset's %d examples would never yield",
			ds.name, n, ds.numExamples)
	}
	ds.muSampling.Lock()
	defer ds.muSampling.Unlock()
	ds.batchSize = n
	ds.dropIncompleteBatch = dropIncompleteBatch
	return ds
}

// Shuffle configures the dataset to yield examples in random order, drawing a
// new order at every Reset. A nil rng is seeded from the system entropy; pass
// an explicit one for reproducible epochs.
//
// It returns the dataset, so configuration calls can be chained.
func (ds *InMemoryDataset) Shuffle(rng *rand.Rand) *InMemoryDataset {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	ds.muSampling.Lock()
	defer ds.muSampling.Unlock()
	ds.rng = rng
	ds.order = rng.Perm(ds.numExamples)
	return ds
}

// Infinite configures whether the dataset restarts automatically instead of
// ending the epoch. When true, Yield never returns io.EOF, and only loops
// with a fixed number of steps (Loop.RunSteps) can consume the dataset.
//
// It returns the dataset, so configuration calls can be chained.
func (ds *InMemoryDataset) Infinite(infinite bool) *InMemoryDataset {
	ds.muSampling.Lock()
	defer ds.muSampling.Unlock()
	ds.infinite = infinite
	return ds
}

// Yield implements Dataset.
func (ds *InMemoryDataset) Yield() (inputs, labels *tensors.Tensor, err error) {
	ds.muSampling.Lock()
	defer ds.muSampling.Unlock()

	needed := ds.batchSize
	if needed == 0 {
		needed = 1
	}
	remaining := ds.numExamples - ds.next
	if remaining == 0 || (remaining < needed && ds.dropIncompleteBatch) {
		if !ds.infinite {
			return nil, nil, io.EOF
		}
		ds.resetLocked()
		remaining = ds.numExamples
	}
	take := min(needed, remaining)

	indices := make([]int, take)
	for ii := range indices {
		if ds.order != nil {
			indices[ii] = ds.order[ds.next]
		} else {
			indices[ii] = ds.next
		}
		ds.next++
	}
	inputs, err = gatherRows(ds.inputs, ds.numExamples, indices)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "dataset %q failed to assemble an inputs batch", ds.name)
	}
	labels, err = gatherRows(ds.labels, ds.numExamples, indices)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "dataset %q failed to assemble a labels batch", ds.name)
	}
	return inputs, labels, nil
}

// Reset implements Dataset.
func (ds *InMemoryDataset) Reset() {
	ds.muSampling.Lock()
	defer ds.muSampling.Unlock()
	ds.resetLocked()
}

func (ds *InMemoryDataset) resetLocked() {
	ds.next = 0
	if ds.rng != nil {
		ds.order = ds.rng.Perm(ds.numExamples)
	}
}

// gatherRows copies the given examples (rows on the leading axis) of t into a
// freshly allocated tensor with len(indices) as its leading dimension.
func gatherRows(t *tensors.Tensor, numExamples int, indices []int) (*tensors.Tensor, error) {
	shape := t.Shape()
	batchDims := append([]int{len(indices)}, shape.Dimensions[1:]...)
	batch := tensors.FromShape(shapes.Make(shape.DType, batchDims...))
	rowBytes := (shape.Size() / numExamples) * shape.DType.Size()
	var copyErr error
	err := t.ConstBytes(func(src []byte) {
		copyErr = batch.MutableBytes(func(dst []byte) {
			for ii, example := range indices {
				copy(dst[ii*rowBytes:(ii+1)*rowBytes], src[example*rowBytes:(example+1)*rowBytes])
			}
		})
	})
	if err == nil {
		err = copyErr
	}
	if err != nil {
		return nil, err
	}
	return batch, nil
}
