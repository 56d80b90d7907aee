// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"encoding/json"
	"io"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/seracml/serac/pkg/core/tensors"
	"github.com/seracml/serac/pkg/ml/layers"
	"github.com/seracml/serac/pkg/ml/train"
	"github.com/seracml/serac/pkg/ml/train/commandline"
	"github.com/seracml/serac/pkg/ml/train/losses"
	"github.com/seracml/serac/pkg/ml/train/metrics"
	"github.com/seracml/serac/pkg/ml/train/optimizers"
	"github.com/seracml/serac/pkg/support/polyjson"
)

// compileState holds everything Compile configures. metrics[0] is always the implicit
// MeanLoss over the compiled loss, reported as "loss" in the training history.
type compileState struct {
	optimizer optimizers.Optimizer
	loss      losses.Loss
	metrics   []metrics.Metric
}

// CompileOption configures optional parts of Compile.
type CompileOption func(*compileState)

// WithMetrics adds metrics to track during training and evaluation, on top of the mean
// loss that is always tracked.
func WithMetrics(extra ...metrics.Metric) CompileOption {
	return func(cs *compileState) {
		cs.metrics = append(cs.metrics, extra...)
	}
}

// Compile configures the model for training with an optimizer and a loss. A MeanLoss
// metric over the loss is always tracked under the name "loss"; WithMetrics adds more.
//
// Compiling again replaces the previous optimizer, loss and metrics. It panics if
// optimizer, loss or any metric is nil.
func (m *Sequential) Compile(optimizer optimizers.Optimizer, loss losses.Loss, opts ...CompileOption) {
	if optimizer == nil {
		exceptions.Panicf("model %q: Compile requires an optimizer", m.name)
	}
	if loss == nil {
		exceptions.Panicf("model %q: Compile requires a loss", m.name)
	}
	cs := &compileState{
		optimizer: optimizer,
		loss:      loss,
		metrics:   []metrics.Metric{metrics.NewMeanLoss(loss)},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cs)
		}
	}
	for ii, metric := range cs.metrics {
		if metric == nil {
			exceptions.Panicf("model %q: Compile given a nil metric (#%d)", m.name, ii)
		}
	}
	m.compile = cs
}

// Compiled reports whether the model has been compiled.
func (m *Sequential) Compiled() bool { return m.compile != nil }

// Optimizer returns the compiled optimizer, or nil if the model is not compiled.
func (m *Sequential) Optimizer() optimizers.Optimizer {
	if m.compile == nil {
		return nil
	}
	return m.compile.optimizer
}

// Loss returns the compiled loss, or nil if the model is not compiled.
func (m *Sequential) Loss() losses.Loss {
	if m.compile == nil {
		return nil
	}
	return m.compile.loss
}

// Metrics returns the compiled metrics, the implicit "loss" metric first. It returns nil
// if the model is not compiled.
func (m *Sequential) Metrics() []metrics.Metric {
	if m.compile == nil {
		return nil
	}
	return slices.Clone(m.compile.metrics)
}

// TrainStep runs one training step on a batch: forward in training mode, loss, backward
// through the layers in reverse order, one optimizer step over the trainable variables,
// and finally a metrics update. It returns the batch loss.
//
// If the model is not built yet it is built from the inputs' shape. TrainStep implements
// train.Trainer, so a Sequential can be driven directly by a train.Loop; Fit does that
// wiring for you.
func (m *Sequential) TrainStep(inputs, labels *tensors.Tensor) (float32, error) {
	if m.compile == nil {
		return 0, errors.Errorf("model %q is not compiled, call Compile before training", m.name)
	}
	if inputs == nil || labels == nil {
		return 0, errors.Errorf("model %q: TrainStep requires non-nil inputs and labels", m.name)
	}
	if !m.built {
		if err := m.Build(inputs.Shape()); err != nil {
			return 0, err
		}
	}
	m.setTraining(true)
	defer m.setTraining(false)

	predictions, err := m.Forward(inputs)
	if err != nil {
		return 0, err
	}
	lossValue, err := m.compile.loss.Compute(labels, predictions)
	if err != nil {
		return 0, errors.WithMessagef(err, "model %q: computing loss %s", m.name, m.compile.loss.Name())
	}
	grad, err := m.compile.loss.Gradient(labels, predictions)
	if err != nil {
		return 0, errors.WithMessagef(err, "model %q: gradient of loss %s", m.name, m.compile.loss.Name())
	}
	for ii := len(m.layers) - 1; ii >= 0; ii-- {
		bp, ok := m.layers[ii].(layers.BackpropLayer)
		if !ok {
			return 0, errors.Errorf("model %q: layer %q (%T) does not support backpropagation",
				m.name, m.paths[ii], m.layers[ii])
		}
		grad, err = bp.Backward(grad)
		if err != nil {
			return 0, errors.WithMessagef(err, "model %q: backward through layer %q", m.name, m.paths[ii])
		}
	}
	if trainable := m.trainableVariables(); len(trainable) > 0 {
		if err := m.compile.optimizer.Step(trainable); err != nil {
			return 0, errors.WithMessagef(err, "model %q: optimizer step", m.name)
		}
	}
	for _, metric := range m.compile.metrics {
		if err := metric.Update(labels, predictions); err != nil {
			return 0, errors.WithMessagef(err, "model %q: updating metric %q", m.name, metric.Name())
		}
	}
	return lossValue, nil
}

// TrainMetrics implements train.Trainer. It returns the compiled metrics, nil if the
// model is not compiled.
func (m *Sequential) TrainMetrics() []metrics.Metric {
	if m.compile == nil {
		return nil
	}
	return m.compile.metrics
}

// ResetTrainMetrics implements train.Trainer, resetting all compiled metrics.
func (m *Sequential) ResetTrainMetrics() {
	if m.compile == nil {
		return
	}
	for _, metric := range m.compile.metrics {
		metric.Reset()
	}
}

// fitSettings collects the effects of FitOption values.
type fitSettings struct {
	progress  bool
	callbacks []func(*train.Loop)
}

// FitOption configures optional parts of Fit.
type FitOption func(*fitSettings)

// WithProgressBar attaches a command-line progress bar to the training loop.
func WithProgressBar() FitOption {
	return func(s *fitSettings) { s.progress = true }
}

// WithLoopCallback runs fn on the training loop before it starts, so callers can attach
// their own hooks (periodic checkpoints, journaling, custom reporting).
func WithLoopCallback(fn func(loop *train.Loop)) FitOption {
	return func(s *fitSettings) {
		if fn != nil {
			s.callbacks = append(s.callbacks, fn)
		}
	}
}

// Fit trains the model on the dataset for the given number of epochs and returns the
// per-epoch metrics history. The model is built from the first batch if needed.
//
// The dataset must be finite: each epoch consumes it until io.EOF and resets it.
func (m *Sequential) Fit(ds train.Dataset, epochs int, opts ...FitOption) (*train.History, error) {
	if m.compile == nil {
		return nil, errors.Errorf("model %q is not compiled, call Compile before Fit", m.name)
	}
	var settings fitSettings
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}
	loop := train.NewLoop(m)
	if settings.progress {
		commandline.AttachProgressBar(loop)
	}
	for _, callback := range settings.callbacks {
		callback(loop)
	}
	return loop.RunEpochs(ds, epochs)
}

// Evaluate runs the model in inference mode over the whole dataset and returns the final
// value of each compiled metric, keyed by metric name. The dataset is consumed until
// io.EOF and then reset, so it must be finite.
func (m *Sequential) Evaluate(ds train.Dataset) (map[string]float32, error) {
	if m.compile == nil {
		return nil, errors.Errorf("model %q is not compiled, call Compile before Evaluate", m.name)
	}
	m.setTraining(false)
	m.ResetTrainMetrics()
	batches := 0
	for {
		inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "reading dataset %q", ds.Name())
		}
		predictions, err := m.Forward(inputs)
		if err != nil {
			return nil, err
		}
		for _, metric := range m.compile.metrics {
			if err := metric.Update(labels, predictions); err != nil {
				return nil, errors.WithMessagef(err, "model %q: updating metric %q", m.name, metric.Name())
			}
		}
		batches++
	}
	ds.Reset()
	if batches == 0 {
		return nil, errors.Errorf("dataset %q yielded no batches to evaluate", ds.Name())
	}
	results := make(map[string]float32, len(m.compile.metrics))
	for _, metric := range m.compile.metrics {
		results[metric.Name()] = metric.Result()
	}
	return results, nil
}

// CompileConfig returns the compile state (optimizer, loss and user metrics, each with
// its polyjson type tags) as a JSON-encodable map. CompileFromConfig reverses it.
//
// The implicit "loss" metric is not included: it is derived from the loss when the
// configuration is applied.
func (m *Sequential) CompileConfig() (map[string]any, error) {
	if m.compile == nil {
		return nil, errors.Errorf("model %q is not compiled", m.name)
	}
	cfg := map[string]any{
		"optimizer": m.compile.optimizer.Config(),
	}
	lossCfg, err := polymorphicToMap[losses.Loss](m.compile.loss)
	if err != nil {
		return nil, errors.WithMessagef(err, "model %q: encoding loss config", m.name)
	}
	cfg["loss"] = lossCfg
	userMetrics := m.compile.metrics[1:]
	if len(userMetrics) > 0 {
		metricCfgs := make([]any, 0, len(userMetrics))
		for _, metric := range userMetrics {
			metricCfg, err := polymorphicToMap[metrics.Metric](metric)
			if err != nil {
				return nil, errors.WithMessagef(err, "model %q: encoding config of metric %q", m.name, metric.Name())
			}
			metricCfgs = append(metricCfgs, metricCfg)
		}
		cfg["metrics"] = metricCfgs
	}
	return cfg, nil
}

// CompileFromConfig compiles the model from a map produced by CompileConfig, recreating
// the optimizer, loss and metrics through the polyjson registry.
func (m *Sequential) CompileFromConfig(cfg map[string]any) error {
	if cfg == nil {
		return errors.Errorf("model %q: compile configuration is nil", m.name)
	}
	optAny, found := cfg["optimizer"]
	if !found {
		return errors.Errorf("model %q: compile configuration is missing %q", m.name, "optimizer")
	}
	optMap, ok := optAny.(map[string]any)
	if !ok {
		return errors.Errorf("model %q: compile configuration entry %q is a %T, wanted an object",
			m.name, "optimizer", optAny)
	}
	optimizer, err := optimizers.FromConfig(optMap)
	if err != nil {
		return errors.WithMessagef(err, "model %q", m.name)
	}
	lossAny, found := cfg["loss"]
	if !found {
		return errors.Errorf("model %q: compile configuration is missing %q", m.name, "loss")
	}
	loss, err := mapToPolymorphic[losses.Loss](lossAny)
	if err != nil {
		return errors.WithMessagef(err, "model %q: decoding loss config", m.name)
	}
	cs := &compileState{
		optimizer: optimizer,
		loss:      loss,
		metrics:   []metrics.Metric{metrics.NewMeanLoss(loss)},
	}
	if metricsAny, found := cfg["metrics"]; found {
		metricList, ok := metricsAny.([]any)
		if !ok {
			return errors.Errorf("model %q: compile configuration entry %q is a %T, wanted a list",
				m.name, "metrics", metricsAny)
		}
		for ii, metricAny := range metricList {
			metric, err := mapToPolymorphic[metrics.Metric](metricAny)
			if err != nil {
				return errors.WithMessagef(err, "model %q: decoding config of metric #%d", m.name, ii)
			}
			cs.metrics = append(cs.metrics, metric)
		}
	}
	m.compile = cs
	return nil
}

// polymorphicToMap encodes a registered polymorphic value into a generic map, keeping
// its type tags.
func polymorphicToMap[I polyjson.JSONIdentifiable](value I) (map[string]any, error) {
	blob, err := polyjson.MarshalPolymorphic(value)
	if err != nil {
		return nil, err
	}
	var asMap map[string]any
	if err := json.Unmarshal(blob, &asMap); err != nil {
		return nil, errors.Wrap(err, "failed to decode polymorphic config")
	}
	return asMap, nil
}

// mapToPolymorphic decodes a generic JSON value (usually a map decoded from a saved
// configuration) back into its registered polymorphic type.
func mapToPolymorphic[I polyjson.JSONIdentifiable](value any) (I, error) {
	var decoded I
	blob, err := json.Marshal(value)
	if err != nil {
		return decoded, errors.Wrap(err, "failed to re-encode config")
	}
	if err := polyjson.UnmarshalPolymorphic(blob, &decoded); err != nil {
		return decoded, err
	}
	return decoded, nil
}
