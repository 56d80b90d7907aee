// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"github.com/pkg/errors"

	"github.com/seracml/serac/pkg/core/tensors"
	"github.com/seracml/serac/pkg/support/xslices"
)

// VariableStore is the key-value store the persistence engine hands to the variable hooks.
// During save a layer puts the tensors it wants persisted; during load it reads them back.
// Keys are free-form, scoped to the layer.
type VariableStore interface {
	// Put stores a tensor under the given key, overwriting any previous entry.
	Put(key string, t *tensors.Tensor)

	// Get returns the tensor stored under the given key, or an error if absent.
	Get(key string) (*tensors.Tensor, error)

	// Keys returns the sorted keys present in the store.
	Keys() []string
}

// VariableSaver is the save hook for variables. A layer implementing it takes over how its
// variables are staged in the store during Save. The default, when absent, stores each
// variable under its own name, so the archive's weight entries come out as
// "<layerPath>/<variableName>".
type VariableSaver interface {
	SaveVariables(store VariableStore) error
}

// VariableLoader is the load hook for variables, the counterpart of VariableSaver. The
// default, when absent, assigns each variable from the entry stored under its name, with
// shapes checked; stored keys that match no variable are errors.
type VariableLoader interface {
	LoadVariables(store VariableStore) error
}

// AssetSaver is the save hook for assets: auxiliary files a layer persists beside its
// weights (vocabularies, lookup tables). The engine hands each layer its own directory.
// Absent, nothing is saved.
type AssetSaver interface {
	SaveAssets(dir string) error
}

// AssetLoader is the load hook for assets, the counterpart of AssetSaver. Absent, nothing
// is loaded.
type AssetLoader interface {
	LoadAssets(dir string) error
}

// BuildConfigSaver is the save hook for a layer's build configuration: the metadata
// capturing its shape-dependent initialization state. The default, for Builder layers that
// have been built, records the input shape they were built with.
type BuildConfigSaver interface {
	BuildConfig() map[string]any
}

// BuildConfigLoader is the load hook for the build configuration. It runs before variables
// are loaded, so that the variables exist and have their final shapes by the time the
// weights arrive. The default, for Builder layers, calls Build with the recorded input
// shape.
type BuildConfigLoader interface {
	BuildFromConfig(cfg map[string]any) error
}

// MemoryStore is a map-backed VariableStore, used by the engine to stage variables while
// assembling or reading an archive, and convenient for tests of custom variable hooks.
type MemoryStore struct {
	entries map[string]*tensors.Tensor
}

// NewMemoryStore returns an empty in-memory variable store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*tensors.Tensor)}
}

// Put stores a tensor under the given key, overwriting any previous entry.
func (s *MemoryStore) Put(key string, t *tensors.Tensor) {
	s.entries[key] = t
}

// Get returns the tensor stored under the given key.
func (s *MemoryStore) Get(key string) (*tensors.Tensor, error) {
	t, found := s.entries[key]
	if !found {
		return nil, errors.Errorf("variable store has no entry %q (available: %v)", key, s.Keys())
	}
	return t, nil
}

// Keys returns the sorted keys present in the store.
func (s *MemoryStore) Keys() []string {
	return xslices.SortedKeys(s.entries)
}
