// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

/*
Package polyjson serializes and deserializes Go interface values with the standard
encoding/json package.

It solves the common problem of polymorphism in JSON by injecting two discriminator fields
("json_type" and "interface_name") into the JSON object, allowing the package to instantiate
the correct concrete struct during unmarshaling. Layer, initializer and optimizer
configurations in serac archives are stored this way.

To use it, follow three steps:

1. Define the interface contract, embedding JSONIdentifiable:

	// LayerConfig is the contract for all layer configuration types.
	type LayerConfig interface {
		polyjson.JSONIdentifiable

		Build() (Layer, error)
	}

2. Define the concrete structs, implementing JSONTags() and registering a constructor:

	type DenseConfig struct {
		Units int `json:"units"`
	}

	func (c *DenseConfig) JSONTags() (typeName, interfaceName string) {
		return "dense", "LayerConfig"
	}

	func (c *DenseConfig) Build() (Layer, error) { ... }

	func init() {
		polyjson.Register(func() LayerConfig { return &DenseConfig{} })
	}

3. Place Wrapper[LayerConfig] (or a named proxy type for it) in the structs to serialize:

	type Architecture struct {
		Layers []polyjson.Wrapper[LayerConfig] `json:"layers"`
	}

The discriminator fields are added at marshal time from JSONTags(), so concrete structs don't
carry them. Marshaling goes through an intermediate field map, which means the emitted keys are
sorted and the output is deterministic.
*/
package polyjson

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// JSONIdentifiable is the constraint interface. Any concrete type must implement this method
// to provide the unique tag for the concrete type and the name of the interface it satisfies.
type JSONIdentifiable interface {
	// JSONTags returns the unique name for the concrete type and the unique name for the
	// interface.
	JSONTags() (typeName string, interfaceName string)
}

var (
	// registry maps interface name -> concrete type name -> constructor.
	registry   = make(map[string]map[string]func() JSONIdentifiable)
	registryMu sync.RWMutex
)

// Register registers a concrete type T by using its JSONTags() method to determine its
// concrete type name and the interface it belongs to.
// T must be a pointer to a struct that implements JSONIdentifiable.
//
// Registering the same (interface, type) pair twice panics: it is a program initialization
// error.
func Register[T JSONIdentifiable](constructor func() T) {
	registryMu.Lock()
	defer registryMu.Unlock()

	// Get names from the instance created by the constructor.
	instance := constructor()
	typeName, interfaceName := instance.JSONTags()

	if _, exists := registry[interfaceName]; !exists {
		registry[interfaceName] = make(map[string]func() JSONIdentifiable)
	}
	if _, exists := registry[interfaceName][typeName]; exists {
		panic(errors.Errorf("polyjson.Register: type %q already registered for interface %q",
			typeName, interfaceName))
	}
	registry[interfaceName][typeName] = func() JSONIdentifiable {
		return constructor()
	}
}

// RegisteredTypes returns the sorted concrete type names registered for the given interface
// name. Useful for error messages listing the known alternatives.
func RegisteredTypes(interfaceName string) []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	typeMap := registry[interfaceName]
	names := make([]string, 0, len(typeMap))
	for name := range typeMap {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// typeTags is used only to extract the discriminator fields during the first pass of
// unmarshaling.
type typeTags struct {
	JSONType      string `json:"json_type"`
	InterfaceName string `json:"interface_name"`
}

// Wrapper is the generic type wrapper that implements the standard json.Marshaler and
// json.Unmarshaler interfaces. The user places this type (or a named type for it) in their
// structs:
//
//	type Architecture struct { Layers []Wrapper[LayerConfig] }
type Wrapper[I JSONIdentifiable] struct {
	Value I
}

// Wrap returns value as a Wrapper[I].
func Wrap[I JSONIdentifiable](value I) Wrapper[I] {
	return Wrapper[I]{Value: value}
}

// Get returns the wrapped value.
func (p *Wrapper[I]) Get() I {
	return p.Value
}

// MarshalJSON implements json.Marshaler for the generic wrapper.
func (p Wrapper[I]) MarshalJSON() ([]byte, error) {
	return MarshalPolymorphic(p.Value)
}

// UnmarshalJSON implements json.Unmarshaler for the generic wrapper.
func (p *Wrapper[I]) UnmarshalJSON(b []byte) error {
	return UnmarshalPolymorphic(b, &p.Value)
}

// MarshalPolymorphic marshals the concrete value and injects the "json_type" and
// "interface_name" discriminator fields reported by its JSONTags().
func MarshalPolymorphic[I JSONIdentifiable](value I) ([]byte, error) {
	if any(value) == nil {
		return []byte("null"), nil
	}
	blob, err := json.Marshal(value)
	if err != nil {
		return nil, errors.Wrapf(err, "polymorphic marshal of %T", value)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(blob, &fields); err != nil {
		return nil, errors.Wrapf(err, "polymorphic marshal requires %T to serialize to a JSON object, got %s",
			value, blob)
	}
	typeName, interfaceName := value.JSONTags()
	fields["json_type"], _ = json.Marshal(typeName)
	fields["interface_name"], _ = json.Marshal(interfaceName)
	return json.Marshal(fields)
}

// UnmarshalPolymorphic performs the two-pass unmarshaling required for polymorphic types:
// first it extracts the discriminator fields, then it instantiates the registered concrete
// type and unmarshals the full JSON into it.
//
// 'I' is the interface type; 'target' points to the value being populated.
func UnmarshalPolymorphic[I JSONIdentifiable](b []byte, target *I) error {
	if len(b) == 0 || string(b) == "null" {
		var nilI I
		*target = nilI
		return nil
	}

	// Pass 1: extract the type tags.
	var tags typeTags
	if err := json.Unmarshal(b, &tags); err != nil {
		return errors.Wrapf(err, "polymorphic unmarshal failed to read discriminator tags")
	}

	registryMu.RLock()
	typeMap, ok := registry[tags.InterfaceName]
	var constructor func() JSONIdentifiable
	if ok {
		constructor, ok = typeMap[tags.JSONType]
	}
	registryMu.RUnlock()
	if typeMap == nil {
		return errors.Errorf("polymorphic unmarshal: interface %q not registered", tags.InterfaceName)
	}
	if !ok {
		return errors.Errorf("polymorphic unmarshal: unknown concrete type %q for interface %q (known types: %v)",
			tags.JSONType, tags.InterfaceName, RegisteredTypes(tags.InterfaceName))
	}

	// Create an empty instance of the concrete type.
	instance := constructor()

	// Pass 2: unmarshal the full JSON into the concrete instance.
	if err := json.Unmarshal(b, instance); err != nil {
		return errors.Wrapf(err, "polymorphic unmarshal failed to load data into concrete type %T", instance)
	}

	// The type assertion checks that the concrete type implements the interface I.
	typed, isI := instance.(I)
	if !isI {
		return errors.Errorf("polymorphic unmarshal: registered type %T does not implement the requested interface",
			instance)
	}
	*target = typed
	return nil
}
