// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

// Package model implements the Sequential model: an ordered stack of layers that can be
// built, trained, evaluated and summarized.
//
// A Sequential model is assembled from layers, built (directly or lazily from the first
// batch it sees), compiled with an optimizer, a loss and optional metrics, and then
// trained with Fit:
//
//	m := model.New("mnist",
//		layers.NewFlatten(),
//		layers.NewDense(128).WithActivation("relu"),
//		layers.NewDense(10))
//	m.Compile(optimizers.Adam().Done(), losses.FromName("scce"),
//		model.WithMetrics(metrics.NewSparseCategoricalAccuracy()))
//	history, err := m.Fit(ds, 10, model.WithProgressBar())
//
// Each layer gets a unique path name inside the model: the layer's own name, with "_1",
// "_2" suffixes appended when the same name appears more than once. Variable paths are
// "<layerPath>/<variableName>" and are stable across runs, which makes them usable as
// persistent keys in saved weights and checkpoints.
//
// Saving and loading models to .serac archives lives in the model/saving subpackage.
package model

import (
	"fmt"
	"iter"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/seracml/serac/pkg/core/shapes"
	"github.com/seracml/serac/pkg/core/tensors"
	"github.com/seracml/serac/pkg/ml/layers"
)

// Sequential is a model that applies its layers in order, each consuming the previous
// layer's output.
//
// It implements train.Trainer, so it can be driven directly by a train.Loop. Most users
// only need Compile and Fit.
type Sequential struct {
	name   string
	layers []layers.Layer

	// paths holds the deduplicated per-layer names, aligned with layers.
	paths      []string
	nameCounts map[string]int

	built        bool
	inputShape   shapes.Shape
	outputShapes []shapes.Shape

	compile *compileState
}

// New creates a Sequential model with the given layers. The name is used in error
// messages and saved archives; if empty it defaults to "sequential".
// It panics if any layer is nil.
func New(name string, layerList ...layers.Layer) *Sequential {
	if name == "" {
		name = "sequential"
	}
	m := &Sequential{
		name:       name,
		nameCounts: make(map[string]int),
	}
	for _, layer := range layerList {
		m.Add(layer)
	}
	return m
}

// Add appends a layer to the model. Returns the model for chaining.
// It panics if the layer is nil or if the model was already built.
func (m *Sequential) Add(layer layers.Layer) *Sequential {
	if layer == nil {
		exceptions.Panicf("model %q: cannot add a nil layer", m.name)
	}
	if m.built {
		exceptions.Panicf("model %q is already built, cannot add more layers", m.name)
	}
	base := layer.Name()
	if base == "" {
		base = "layer"
	}
	count := m.nameCounts[base]
	m.nameCounts[base] = count + 1
	path := base
	if count > 0 {
		path = fmt.Sprintf("%s_%d", base, count)
	}
	m.layers = append(m.layers, layer)
	m.paths = append(m.paths, path)
	return m
}

// Name of the model.
func (m *Sequential) Name() string { return m.name }

// NumLayers returns the number of layers in the model.
func (m *Sequential) NumLayers() int { return len(m.layers) }

// Layer returns the ii-th layer and its path name within the model.
func (m *Sequential) Layer(ii int) (path string, layer layers.Layer) {
	return m.paths[ii], m.layers[ii]
}

// NamedLayers iterates over the model's layers in order, yielding each layer's path name
// and the layer itself.
func (m *Sequential) NamedLayers() iter.Seq2[string, layers.Layer] {
	return func(yield func(string, layers.Layer) bool) {
		for ii, layer := range m.layers {
			if !yield(m.paths[ii], layer) {
				return
			}
		}
	}
}

// Built reports whether the model has been built.
func (m *Sequential) Built() bool { return m.built }

// InputShape returns the shape the model was built with, including the batch dimension
// of the build input. It returns an invalid shape if the model is not built.
func (m *Sequential) InputShape() shapes.Shape {
	if !m.built {
		return shapes.Invalid()
	}
	return m.inputShape
}

// LayerInputShape returns the input shape the ii-th layer was built with: the model's
// input shape for the first layer, the previous layer's output shape otherwise. It
// returns an invalid shape if the model is not built.
func (m *Sequential) LayerInputShape(ii int) shapes.Shape {
	if !m.built {
		return shapes.Invalid()
	}
	if ii == 0 {
		return m.inputShape
	}
	return m.outputShapes[ii-1]
}

// OutputShape returns the shape of the model's output, as of the input shape it was
// built with. It returns an invalid shape if the model is not built or has no layers.
func (m *Sequential) OutputShape() shapes.Shape {
	if !m.built || len(m.outputShapes) == 0 {
		return shapes.Invalid()
	}
	return m.outputShapes[len(m.outputShapes)-1]
}

// Build builds all layers in order, propagating the output shape of each layer as the
// input shape of the next. Layers that don't implement layers.Builder are taken as
// shape-preserving.
//
// Build runs at most once: calling it again with the same shape is a no-op, and with a
// different shape an error. Forward, TrainStep and Fit call it automatically with the
// shape of the first input they see.
func (m *Sequential) Build(input shapes.Shape) error {
	if !input.Ok() {
		return errors.Errorf("model %q: cannot build from an invalid shape", m.name)
	}
	if m.built {
		if input.Equal(m.inputShape) {
			return nil
		}
		return errors.Errorf("model %q was built for input shape %s, cannot rebuild for %s",
			m.name, m.inputShape, input)
	}
	current := input
	outputs := make([]shapes.Shape, 0, len(m.layers))
	for ii, layer := range m.layers {
		if builder, ok := layer.(layers.Builder); ok {
			if err := builder.Build(current); err != nil {
				return errors.WithMessagef(err, "building layer %q of model %q", m.paths[ii], m.name)
			}
			var err error
			current, err = builder.OutputShape(current)
			if err != nil {
				return errors.WithMessagef(err, "output shape of layer %q of model %q", m.paths[ii], m.name)
			}
		}
		outputs = append(outputs, current)
	}
	m.inputShape = input.Clone()
	m.outputShapes = outputs
	m.built = true
	return nil
}

// Forward runs the input through all layers and returns the final output. If the model
// is not yet built, it is built from the input's shape.
//
// Forward runs the layers in whatever training mode they are currently in; use Predict
// for inference.
func (m *Sequential) Forward(x *tensors.Tensor) (*tensors.Tensor, error) {
	if x == nil {
		return nil, errors.Errorf("model %q: Forward input is nil", m.name)
	}
	if !m.built {
		if err := m.Build(x.Shape()); err != nil {
			return nil, err
		}
	}
	var err error
	for ii, layer := range m.layers {
		x, err = layer.Forward(x)
		if err != nil {
			return nil, errors.WithMessagef(err, "model %q, layer %q", m.name, m.paths[ii])
		}
	}
	return x, nil
}

// Predict runs the input through the model in inference mode: dropout is disabled and no
// intermediate values are cached for backpropagation.
func (m *Sequential) Predict(x *tensors.Tensor) (*tensors.Tensor, error) {
	m.setTraining(false)
	return m.Forward(x)
}

// setTraining switches every layer that distinguishes training from inference.
func (m *Sequential) setTraining(training bool) {
	for _, layer := range m.layers {
		if tm, ok := layer.(layers.TrainingModeLayer); ok {
			tm.SetTraining(training)
		}
	}
}

// IterVariables iterates over the model's variables in a deterministic order: layers in
// model order, and within each layer the variables in creation order. It yields the
// variable path ("<layerPath>/<variableName>") and the variable.
//
// Unbuilt layers contribute no variables, so iterating before Build yields nothing.
func (m *Sequential) IterVariables() iter.Seq2[string, *layers.Variable] {
	return func(yield func(string, *layers.Variable) bool) {
		for ii, layer := range m.layers {
			for _, v := range layer.Variables() {
				if v == nil {
					continue
				}
				if !yield(m.paths[ii]+"/"+v.Name(), v) {
					return
				}
			}
		}
	}
}

// Variables returns the model's variables in the same order as IterVariables.
func (m *Sequential) Variables() []*layers.Variable {
	var vars []*layers.Variable
	for _, v := range m.IterVariables() {
		vars = append(vars, v)
	}
	return vars
}

// trainableVariables returns the variables the optimizer should update, in
// IterVariables order.
func (m *Sequential) trainableVariables() []*layers.Variable {
	var vars []*layers.Variable
	for _, v := range m.IterVariables() {
		if v.Trainable() {
			vars = append(vars, v)
		}
	}
	return vars
}

// NumParameters returns the total number of scalar parameters across all variables.
// It returns 0 if the model is not built yet.
func (m *Sequential) NumParameters() int {
	total := 0
	for _, v := range m.IterVariables() {
		total += v.Shape().Size()
	}
	return total
}
