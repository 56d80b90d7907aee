// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics implements evaluation metrics that are accumulated batch
// by batch during training and evaluation.
//
// Metrics are registered in the polymorphic JSON registry (interface name
// InterfaceName) so the metric set of a compiled model round-trips through
// its saved configuration. Accumulated state is never serialized: a metric
// restored from JSON starts fresh.
package metrics

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/seracml/serac/pkg/core/tensors"
	"github.com/seracml/serac/pkg/ml/train/losses"
	"github.com/seracml/serac/pkg/support/polyjson"
	"github.com/seracml/serac/pkg/support/xslices"
)

// InterfaceName is the polymorphic registry interface name under which
// metrics are registered.
const InterfaceName = "Metric"

// Metric accumulates a quantity over batches of labels and predictions.
type Metric interface {
	polyjson.JSONIdentifiable

	// Name of the metric, as reported in the training history.
	Name() string

	// ShortName is a compact label for progress displays.
	ShortName() string

	// Update folds one batch into the metric.
	Update(labels, predictions *tensors.Tensor) error

	// Result returns the current value of the metric.
	Result() float32

	// Reset clears the accumulated state, starting a new evaluation.
	Reset()
}

// KnownMetrics maps metric names (and usual aliases) to constructors, for
// metrics that need no further configuration. Used by FromName.
var KnownMetrics = map[string]func() Metric{
	"sparse_categorical_accuracy": func() Metric { return NewSparseCategoricalAccuracy() },
	"accuracy":                    func() Metric { return NewSparseCategoricalAccuracy() },
	"acc":                         func() Metric { return NewSparseCategoricalAccuracy() },
}

// FromName returns the metric registered under the given name.
// It panics on an unknown name, listing the valid options.
func FromName(name string) Metric {
	builder, found := KnownMetrics[name]
	if !found {
		exceptions.Panicf("unknown metric %q, valid values are %v", name, xslices.SortedKeys(KnownMetrics))
	}
	return builder()
}

func init() {
	polyjson.Register(func() *MeanLoss { return &MeanLoss{} })
	polyjson.Register(func() *SparseCategoricalAccuracy { return NewSparseCategoricalAccuracy() })
	polyjson.Register(func() *StreamingMedianLoss { return &StreamingMedianLoss{SampleSize: defaultMedianSamples} })
}

// MeanLoss reports the mean of a loss over the batches seen so far, each
// batch weighted by its size. Models create one automatically for their
// compiled loss, under the fixed name "loss".
type MeanLoss struct {
	// Loss being averaged. Exported so the metric round-trips through a
	// saved compile configuration.
	Loss polyjson.Wrapper[losses.Loss] `json:"loss"`

	sum    float64
	weight float64
}

// NewMeanLoss creates a MeanLoss metric over the given loss.
func NewMeanLoss(loss losses.Loss) *MeanLoss {
	return &MeanLoss{Loss: polyjson.Wrap(loss)}
}

func (m *MeanLoss) Name() string      { return "loss" }
func (m *MeanLoss) ShortName() string { return "loss" }

// JSONTags implements polyjson.JSONIdentifiable.
func (m *MeanLoss) JSONTags() (string, string) { return "mean_loss", InterfaceName }

func (m *MeanLoss) Update(labels, predictions *tensors.Tensor) error {
	loss := m.Loss.Value
	if loss == nil {
		return errors.New("mean_loss metric has no loss configured")
	}
	value, err := loss.Compute(labels, predictions)
	if err != nil {
		return err
	}
	batchSize := batchSizeOf(labels)
	m.sum += float64(value) * float64(batchSize)
	m.weight += float64(batchSize)
	return nil
}

func (m *MeanLoss) Result() float32 {
	if m.weight == 0 {
		return 0
	}
	return float32(m.sum / m.weight)
}

func (m *MeanLoss) Reset() {
	m.sum, m.weight = 0, 0
}

// SparseCategoricalAccuracy reports the fraction of examples whose argmax
// prediction matches the integer class label. Labels must be int32 or int64
// shaped [batchSize] or [batchSize, 1]; predictions float32 shaped
// [batchSize, numClasses] (logits or probabilities, the argmax is the same).
type SparseCategoricalAccuracy struct {
	correct, total int
}

// NewSparseCategoricalAccuracy creates an empty accuracy metric.
func NewSparseCategoricalAccuracy() *SparseCategoricalAccuracy {
	return &SparseCategoricalAccuracy{}
}

func (m *SparseCategoricalAccuracy) Name() string      { return "sparse_categorical_accuracy" }
func (m *SparseCategoricalAccuracy) ShortName() string { return "acc" }

// JSONTags implements polyjson.JSONIdentifiable.
func (m *SparseCategoricalAccuracy) JSONTags() (string, string) {
	return "sparse_categorical_accuracy", InterfaceName
}

func (m *SparseCategoricalAccuracy) Update(labels, predictions *tensors.Tensor) error {
	classes, err := losses.ClassIndices(labels, predictions)
	if err != nil {
		return errors.WithMessage(err, m.Name())
	}
	numClasses := predictions.Shape().Dim(1)
	tensors.MustConstFlatData(predictions, func(predsFlat []float32) {
		for row, class := range classes {
			rowStart := row * numClasses
			argmax := 0
			for col := 1; col < numClasses; col++ {
				if predsFlat[rowStart+col] > predsFlat[rowStart+argmax] {
					argmax = col
				}
			}
			if argmax == class {
				m.correct++
			}
		}
	})
	m.total += len(classes)
	return nil
}

func (m *SparseCategoricalAccuracy) Result() float32 {
	if m.total == 0 {
		return 0
	}
	return float32(m.correct) / float32(m.total)
}

func (m *SparseCategoricalAccuracy) Reset() {
	m.correct, m.total = 0, 0
}

// batchSizeOf returns the leading dimension of t, or 1 for scalars.
func batchSizeOf(t *tensors.Tensor) int {
	if t == nil || t.Shape().Rank() == 0 {
		return 1
	}
	return t.Shape().Dim(0)
}
