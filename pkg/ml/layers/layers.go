// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

// Package layers defines the layer contract used by serac models, a small set of concrete
// layers (Dense, Activation, Dropout, Flatten), variable initializers, and the optional
// save/load hook interfaces a layer can implement to customize how it is persisted in a
// model archive.
//
// # Layers
//
// A Layer transforms one tensor into another. Layers whose parameters depend on the input
// shape additionally implement Builder: their variables are only created when Build is
// called with the actual input shape (directly, or lazily on the first Forward). Layers
// that support training implement BackpropLayer with an analytic Backward, and cache
// whatever Backward needs during a training-mode Forward (see TrainingModeLayer).
//
// All layer math is computed in float32. Feeding tensors of other dtypes returns an error
// from Forward; using the low-level kernels directly with the wrong dtype panics.
//
// # Save and load hooks
//
// During Save and LoadModel the persistence engine checks each layer for the hook
// interfaces below and calls them instead of the default behavior:
//
//   - VariableSaver / VariableLoader: stage variables in a VariableStore (a key-value
//     store of tensors) instead of the default index-keyed layout.
//   - AssetSaver / AssetLoader: persist auxiliary files in a per-layer directory.
//   - BuildConfigSaver / BuildConfigLoader: record and restore the layer's
//     shape-dependent initialization state, so variables exist before weights load.
//
// A layer implements only the hooks it needs; the engine's defaults cover the rest.
package layers

import (
	"github.com/seracml/serac/pkg/core/shapes"
	"github.com/seracml/serac/pkg/core/tensors"
	"github.com/seracml/serac/pkg/support/polyjson"
)

// Layer is the minimal contract of a model layer: a named transformation of a tensor,
// exposing the variables it owns.
type Layer interface {
	// Name of the layer. Not necessarily unique: models deduplicate names with numeric
	// suffixes when assembling variable paths.
	Name() string

	// Forward computes the layer's output for the given input.
	Forward(x *tensors.Tensor) (*tensors.Tensor, error)

	// Variables returns the layer's variables in creation order. Unbuilt layers return nil.
	Variables() []*Variable
}

// Builder is implemented by layers whose variables depend on the input shape. Build runs at
// most once: it creates the variables from the input shape, and later calls with a
// compatible shape are no-ops.
type Builder interface {
	Layer

	// Built reports whether Build has already run.
	Built() bool

	// Build creates the layer's variables for the given input shape.
	Build(input shapes.Shape) error

	// OutputShape returns the shape Forward would produce for the given input shape.
	OutputShape(input shapes.Shape) (shapes.Shape, error)
}

// BackpropLayer is implemented by layers that can propagate gradients. Backward consumes
// the gradient of the loss with respect to the layer's output, records the gradients of the
// layer's own variables (Variable.SetGradient), and returns the gradient with respect to
// the layer's input.
//
// Backward requires a preceding training-mode Forward on the same layer: that is when the
// layer caches the intermediate values Backward needs.
type BackpropLayer interface {
	Layer

	Backward(grad *tensors.Tensor) (*tensors.Tensor, error)
}

// TrainingModeLayer is implemented by layers whose Forward behaves differently during
// training: caching inputs for Backward, or applying train-only transformations (Dropout).
// Models switch all layers to training mode during Fit and back for inference.
type TrainingModeLayer interface {
	Layer

	SetTraining(training bool)
}

// ConfigInterface is the polymorphic JSON interface name under which all layer
// configurations are registered.
const ConfigInterface = "LayerConfig"

// Config is the serializable description of a layer: its hyperparameters, without weights
// or build state. Configs round-trip through JSON via the polyjson registry and can
// re-create their layer.
type Config interface {
	polyjson.JSONIdentifiable

	// NewLayer creates a fresh, unbuilt layer from the configuration.
	NewLayer() (Layer, error)
}

// Serializable is implemented by layers that can describe themselves as a Config, which is
// required for a model containing them to be saved.
type Serializable interface {
	Layer

	Config() Config
}
