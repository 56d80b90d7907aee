// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

// Package losses implements the training losses serac models are compiled with.
//
// A Loss computes a scalar value for a batch of labels and predictions, and
// the gradient of that value with respect to the predictions -- the seed of
// the model's backward pass. All losses are registered in the polymorphic
// JSON registry (under the interface name InterfaceName) so a compiled
// model's configuration can be saved and restored.
//
// Loss kernels are float32. SparseCategoricalCrossentropy additionally
// accepts int32 or int64 labels.
package losses

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/seracml/serac/pkg/core/dtypes"
	"github.com/seracml/serac/pkg/core/tensors"
	"github.com/seracml/serac/pkg/support/polyjson"
	"github.com/seracml/serac/pkg/support/xslices"
)

// InterfaceName is the polymorphic registry interface name under which all
// losses are registered.
const InterfaceName = "Loss"

// Epsilon32 is the clamping constant used by BinaryCrossentropy to keep
// probabilities away from 0 and 1 before taking logarithms.
const Epsilon32 = 1e-7

// Loss computes a scalar training loss and its gradient.
type Loss interface {
	polyjson.JSONIdentifiable

	// Name returns the canonical loss name, as accepted by FromName.
	Name() string

	// Compute returns the mean loss for the batch.
	Compute(labels, predictions *tensors.Tensor) (float32, error)

	// Gradient returns the derivative of the loss with respect to the
	// predictions, shaped like predictions.
	Gradient(labels, predictions *tensors.Tensor) (*tensors.Tensor, error)
}

// KnownLosses maps loss names (and their usual short aliases) to
// constructors. Used by FromName and handy for command-line flags.
var KnownLosses = map[string]func() Loss{
	"mean_squared_error":              func() Loss { return &MeanSquaredError{} },
	"mse":                             func() Loss { return &MeanSquaredError{} },
	"mean_absolute_error":             func() Loss { return &MeanAbsoluteError{} },
	"mae":                             func() Loss { return &MeanAbsoluteError{} },
	"binary_crossentropy":             func() Loss { return &BinaryCrossentropy{} },
	"bce":                             func() Loss { return &BinaryCrossentropy{} },
	"sparse_categorical_crossentropy": func() Loss { return &SparseCategoricalCrossentropy{} },
	"scce":                            func() Loss { return &SparseCategoricalCrossentropy{} },
}

// FromName returns the loss registered under the given name.
// It panics on an unknown name, listing the valid options.
func FromName(name string) Loss {
	builder, found := KnownLosses[name]
	if !found {
		exceptions.Panicf("unknown loss %q, valid values are %v", name, xslices.SortedKeys(KnownLosses))
	}
	return builder()
}

func init() {
	polyjson.Register(func() *MeanSquaredError { return &MeanSquaredError{} })
	polyjson.Register(func() *MeanAbsoluteError { return &MeanAbsoluteError{} })
	polyjson.Register(func() *BinaryCrossentropy { return &BinaryCrossentropy{} })
	polyjson.Register(func() *SparseCategoricalCrossentropy { return &SparseCategoricalCrossentropy{} })
}

// checkElementwise validates the labels/predictions pair of an element-wise
// loss: both non-nil, float32 and of the same shape.
func checkElementwise(lossName string, labels, predictions *tensors.Tensor) error {
	if labels == nil || predictions == nil {
		return errors.Errorf("%s: labels and predictions must not be nil", lossName)
	}
	if labels.DType() != dtypes.Float32 || predictions.DType() != dtypes.Float32 {
		return errors.Errorf("%s requires float32 labels and predictions, got %s and %s",
			lossName, labels.DType(), predictions.DType())
	}
	if !labels.Shape().Equal(predictions.Shape()) {
		return errors.Errorf("%s: labels (%s) and predictions (%s) must have the same shape",
			lossName, labels.Shape(), predictions.Shape())
	}
	return nil
}

// MeanSquaredError is the mean of the squared element-wise differences
// between labels and predictions.
type MeanSquaredError struct{}

func (*MeanSquaredError) Name() string { return "mean_squared_error" }

// JSONTags implements polyjson.JSONIdentifiable.
func (*MeanSquaredError) JSONTags() (string, string) { return "mean_squared_error", InterfaceName }

func (l *MeanSquaredError) Compute(labels, predictions *tensors.Tensor) (float32, error) {
	if err := checkElementwise(l.Name(), labels, predictions); err != nil {
		return 0, err
	}
	n := labels.Shape().Size()
	if n == 0 {
		return 0, nil
	}
	var sum float64
	tensors.MustConstFlatData(labels, func(labelsFlat []float32) {
		tensors.MustConstFlatData(predictions, func(predsFlat []float32) {
			for ii, label := range labelsFlat {
				diff := float64(predsFlat[ii] - label)
				sum += diff * diff
			}
		})
	})
	return float32(sum / float64(n)), nil
}

func (l *MeanSquaredError) Gradient(labels, predictions *tensors.Tensor) (*tensors.Tensor, error) {
	if err := checkElementwise(l.Name(), labels, predictions); err != nil {
		return nil, err
	}
	grad := tensors.FromShape(predictions.Shape())
	scale := 2.0 / float64(max(1, labels.Shape().Size()))
	tensors.MustConstFlatData(labels, func(labelsFlat []float32) {
		tensors.MustConstFlatData(predictions, func(predsFlat []float32) {
			tensors.MustMutableFlatData(grad, func(gradFlat []float32) {
				for ii := range gradFlat {
					gradFlat[ii] = float32(scale * float64(predsFlat[ii]-labelsFlat[ii]))
				}
			})
		})
	})
	return grad, nil
}

// MeanAbsoluteError is the mean of the absolute element-wise differences
// between labels and predictions.
type MeanAbsoluteError struct{}

func (*MeanAbsoluteError) Name() string { return "mean_absolute_error" }

// JSONTags implements polyjson.JSONIdentifiable.
func (*MeanAbsoluteError) JSONTags() (string, string) { return "mean_absolute_error", InterfaceName }

func (l *MeanAbsoluteError) Compute(labels, predictions *tensors.Tensor) (float32, error) {
	if err := checkElementwise(l.Name(), labels, predictions); err != nil {
		return 0, err
	}
	n := labels.Shape().Size()
	if n == 0 {
		return 0, nil
	}
	var sum float64
	tensors.MustConstFlatData(labels, func(labelsFlat []float32) {
		tensors.MustConstFlatData(predictions, func(predsFlat []float32) {
			for ii, label := range labelsFlat {
				sum += math.Abs(float64(predsFlat[ii] - label))
			}
		})
	})
	return float32(sum / float64(n)), nil
}

// Gradient returns sign(predictions-labels)/n. The derivative at zero is
// taken to be zero.
func (l *MeanAbsoluteError) Gradient(labels, predictions *tensors.Tensor) (*tensors.Tensor, error) {
	if err := checkElementwise(l.Name(), labels, predictions); err != nil {
		return nil, err
	}
	grad := tensors.FromShape(predictions.Shape())
	scale := float32(1.0 / float64(max(1, labels.Shape().Size())))
	tensors.MustConstFlatData(labels, func(labelsFlat []float32) {
		tensors.MustConstFlatData(predictions, func(predsFlat []float32) {
			tensors.MustMutableFlatData(grad, func(gradFlat []float32) {
				for ii := range gradFlat {
					diff := predsFlat[ii] - labelsFlat[ii]
					switch {
					case diff > 0:
						gradFlat[ii] = scale
					case diff < 0:
						gradFlat[ii] = -scale
					}
				}
			})
		})
	})
	return grad, nil
}

// BinaryCrossentropy is the element-wise binary cross-entropy between labels
// in [0, 1] and predicted probabilities. Predictions are clamped to
// [Epsilon32, 1-Epsilon32] before taking logarithms.
//
// For predictions given as logits, put a sigmoid activation on the model's
// last layer.
type BinaryCrossentropy struct{}

func (*BinaryCrossentropy) Name() string { return "binary_crossentropy" }

// JSONTags implements polyjson.JSONIdentifiable.
func (*BinaryCrossentropy) JSONTags() (string, string) { return "binary_crossentropy", InterfaceName }

func (l *BinaryCrossentropy) Compute(labels, predictions *tensors.Tensor) (float32, error) {
	if err := checkElementwise(l.Name(), labels, predictions); err != nil {
		return 0, err
	}
	n := labels.Shape().Size()
	if n == 0 {
		return 0, nil
	}
	var sum float64
	tensors.MustConstFlatData(labels, func(labelsFlat []float32) {
		tensors.MustConstFlatData(predictions, func(predsFlat []float32) {
			for ii, label := range labelsFlat {
				p := clampProbability(predsFlat[ii])
				y := float64(label)
				sum -= y*math.Log(p) + (1-y)*math.Log(1-p)
			}
		})
	})
	return float32(sum / float64(n)), nil
}

func (l *BinaryCrossentropy) Gradient(labels, predictions *tensors.Tensor) (*tensors.Tensor, error) {
	if err := checkElementwise(l.Name(), labels, predictions); err != nil {
		return nil, err
	}
	grad := tensors.FromShape(predictions.Shape())
	scale := 1.0 / float64(max(1, labels.Shape().Size()))
	tensors.MustConstFlatData(labels, func(labelsFlat []float32) {
		tensors.MustConstFlatData(predictions, func(predsFlat []float32) {
			tensors.MustMutableFlatData(grad, func(gradFlat []float32) {
				for ii := range gradFlat {
					p := clampProbability(predsFlat[ii])
					y := float64(labelsFlat[ii])
					gradFlat[ii] = float32(scale * ((1-y)/(1-p) - y/p))
				}
			})
		})
	})
	return grad, nil
}

func clampProbability(p float32) float64 {
	return math.Min(math.Max(float64(p), Epsilon32), 1-Epsilon32)
}

// SparseCategoricalCrossentropy is the cross-entropy between integer class
// labels and predicted logits. Labels must be int32 or int64, shaped
// [batchSize] or [batchSize, 1]; predictions must be float32 logits shaped
// [batchSize, numClasses]. The softmax is taken internally, so the model's
// last layer should output raw logits.
type SparseCategoricalCrossentropy struct{}

func (*SparseCategoricalCrossentropy) Name() string { return "sparse_categorical_crossentropy" }

// JSONTags implements polyjson.JSONIdentifiable.
func (*SparseCategoricalCrossentropy) JSONTags() (string, string) {
	return "sparse_categorical_crossentropy", InterfaceName
}

func (l *SparseCategoricalCrossentropy) Compute(labels, predictions *tensors.Tensor) (float32, error) {
	classes, err := ClassIndices(labels, predictions)
	if err != nil {
		return 0, errors.WithMessage(err, l.Name())
	}
	batchSize := len(classes)
	if batchSize == 0 {
		return 0, nil
	}
	numClasses := predictions.Shape().Dim(1)
	var sum float64
	tensors.MustConstFlatData(predictions, func(logitsFlat []float32) {
		for row, class := range classes {
			logits := logitsFlat[row*numClasses : (row+1)*numClasses]
			logSumExp, _ := rowLogSumExp(logits)
			sum += logSumExp - float64(logits[class])
		}
	})
	return float32(sum / float64(batchSize)), nil
}

// Gradient returns (softmax(logits) - onehot(label)) / batchSize.
func (l *SparseCategoricalCrossentropy) Gradient(labels, predictions *tensors.Tensor) (*tensors.Tensor, error) {
	classes, err := ClassIndices(labels, predictions)
	if err != nil {
		return nil, errors.WithMessage(err, l.Name())
	}
	grad := tensors.FromShape(predictions.Shape())
	batchSize := len(classes)
	if batchSize == 0 {
		return grad, nil
	}
	numClasses := predictions.Shape().Dim(1)
	scale := 1.0 / float64(batchSize)
	tensors.MustConstFlatData(predictions, func(logitsFlat []float32) {
		tensors.MustMutableFlatData(grad, func(gradFlat []float32) {
			for row, class := range classes {
				logits := logitsFlat[row*numClasses : (row+1)*numClasses]
				logSumExp, _ := rowLogSumExp(logits)
				for col, logit := range logits {
					softmax := math.Exp(float64(logit) - logSumExp)
					if col == class {
						softmax -= 1
					}
					gradFlat[row*numClasses+col] = float32(scale * softmax)
				}
			}
		})
	})
	return grad, nil
}

// rowLogSumExp computes log(sum(exp(logits))) with the usual max-subtraction
// for numerical stability. It also returns the row maximum.
func rowLogSumExp(logits []float32) (logSumExp, rowMax float64) {
	rowMax = math.Inf(-1)
	for _, logit := range logits {
		rowMax = math.Max(rowMax, float64(logit))
	}
	var sum float64
	for _, logit := range logits {
		sum += math.Exp(float64(logit) - rowMax)
	}
	return rowMax + math.Log(sum), rowMax
}

// ClassIndices extracts integer class labels for a batch of categorical
// predictions, validating shapes and ranges. Labels must be int32 or int64
// shaped [batchSize] or [batchSize, 1]; predictions float32 shaped
// [batchSize, numClasses]. It is shared with the metrics package.
func ClassIndices(labels, predictions *tensors.Tensor) ([]int, error) {
	if labels == nil || predictions == nil {
		return nil, errors.New("labels and predictions must not be nil")
	}
	predsShape := predictions.Shape()
	if predictions.DType() != dtypes.Float32 || predsShape.Rank() != 2 {
		return nil, errors.Errorf("predictions must be float32 and rank-2 ([batchSize, numClasses]), got %s", predsShape)
	}
	labelsShape := labels.Shape()
	rank := labelsShape.Rank()
	if rank != 1 && (rank != 2 || labelsShape.Dim(1) != 1) {
		return nil, errors.Errorf("labels must be shaped [batchSize] or [batchSize, 1], got %s", labelsShape)
	}
	batchSize := predsShape.Dim(0)
	if labelsShape.Dim(0) != batchSize {
		return nil, errors.Errorf("labels have %d examples, predictions have %d", labelsShape.Dim(0), batchSize)
	}
	numClasses := predsShape.Dim(1)

	classes := make([]int, batchSize)
	switch labels.DType() {
	case dtypes.Int32:
		tensors.MustConstFlatData(labels, func(flat []int32) {
			for ii, class := range flat {
				classes[ii] = int(class)
			}
		})
	case dtypes.Int64:
		tensors.MustConstFlatData(labels, func(flat []int64) {
			for ii, class := range flat {
				classes[ii] = int(class)
			}
		})
	default:
		return nil, errors.Errorf("labels must be int32 or int64, got %s", labels.DType())
	}
	for row, class := range classes {
		if class < 0 || class >= numClasses {
			return nil, errors.Errorf("label %d out of range for %d classes (example #%d)", class, numClasses, row)
		}
	}
	return classes, nil
}
