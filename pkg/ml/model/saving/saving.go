// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

// Package saving implements the .serac model archive: a zip container holding the model
// configuration, its weights and any layer assets, with enough metadata to rebuild the
// model from scratch.
//
// Archive layout:
//
//	metadata.json    format tag, serac version, save time, model id, user metadata
//	config.json      model name, per-layer configs (polyjson) and build configs,
//	                 compile config when the model was compiled
//	model.weights    encoding blob, tensor names are variable paths
//	assets/<layer>/  files written by layers implementing AssetSaver
//
// Save and LoadModel drive the four customization hook pairs defined in pkg/ml/layers:
// a layer that implements VariableSaver/VariableLoader, AssetSaver/AssetLoader or
// BuildConfigSaver/BuildConfigLoader takes over the corresponding part of its
// persistence; for everything else the defaults documented on those interfaces apply.
//
// Restoration is dependency-ordered: layers are instantiated from their configs, then
// build configuration runs (so variables exist with their final shapes), then variables
// load, then assets, and finally the compile configuration.
package saving

import (
	"archive/zip"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/seracml/serac/pkg/ml/layers"
	"github.com/seracml/serac/pkg/ml/model"
	"github.com/seracml/serac/pkg/ml/model/encoding"
	"github.com/seracml/serac/pkg/support/polyjson"
)

// Archive entry names and format tags.
const (
	// FormatName identifies a .serac archive in its metadata.json.
	FormatName = "serac.v1"

	// Extension is the conventional archive file extension.
	Extension = ".serac"

	MetadataEntry = "metadata.json"
	ConfigEntry   = "config.json"
	WeightsEntry  = "model.weights"
	AssetsPrefix  = "assets/"
)

// ErrNotSeracArchive is returned by LoadModel when the file is not a .serac archive.
var ErrNotSeracArchive = errors.New("not a serac model archive")

// Metadata is the content of the archive's metadata.json.
type Metadata struct {
	Format       string            `json:"format"`
	SeracVersion string            `json:"serac_version"`
	SavedAt      time.Time         `json:"saved_at"`
	ModelID      string            `json:"model_id"`
	User         map[string]string `json:"metadata,omitempty"`
}

// modelConfig is the content of the archive's config.json.
type modelConfig struct {
	Name string `json:"name"`

	// InputShape the model was built with ("float32:32,10" form), empty when the model
	// was saved unbuilt.
	InputShape string `json:"input_shape,omitempty"`

	Layers []layerEntry `json:"layers"`

	// Compile holds the model's compile configuration (optimizer, loss, metrics, each
	// with polyjson type tags), absent for uncompiled models.
	Compile map[string]any `json:"compile,omitempty"`
}

// layerEntry is one layer in config.json.
type layerEntry struct {
	// Path is the layer's deduplicated name within the model, the first segment of its
	// variable paths and the name of its asset directory.
	Path string `json:"path"`

	// Config is the polyjson-tagged layer configuration.
	Config json.RawMessage `json:"config"`

	// BuildConfig captures the layer's shape-dependent initialization state.
	BuildConfig map[string]any `json:"build_config,omitempty"`
}

// options collects the effects of Option values. Save and LoadModel share the Option
// type; each ignores the fields that don't apply to it.
type options struct {
	metadata    map[string]string
	skipAssets  bool
	skipCompile bool
	checksum    bool
}

// Option configures Save and LoadModel.
type Option func(*options)

// WithMetadata attaches user metadata to the archive's metadata.json. Save only.
func WithMetadata(metadata map[string]string) Option {
	return func(o *options) { o.metadata = metadata }
}

// WithoutCompile omits the compile configuration when saving, or skips restoring it when
// loading.
func WithoutCompile() Option {
	return func(o *options) { o.skipCompile = true }
}

// WithSkipAssets skips the asset restoration stage when loading. LoadModel only.
func WithSkipAssets() Option {
	return func(o *options) { o.skipAssets = true }
}

// WithChecksum controls the weights blob checksum. Default is true. Save only.
func WithChecksum(enabled bool) Option {
	return func(o *options) { o.checksum = enabled }
}

func newOptions(opts []Option) *options {
	o := &options{checksum: true}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Save writes the model to a .serac archive at path. The write is atomic: the archive is
// assembled in a temporary file next to path and renamed into place on success.
//
// Every layer must be serializable (implement layers.Serializable); the save hooks
// (VariableSaver, AssetSaver, BuildConfigSaver) are honored per layer. An unbuilt model
// saves with no weights; an uncompiled model (or WithoutCompile) saves with no compile
// configuration.
func Save(m *model.Sequential, path string, opts ...Option) error {
	if m == nil {
		return errors.Errorf("cannot save a nil model")
	}
	o := newOptions(opts)

	cfg, err := buildModelConfig(m, o)
	if err != nil {
		return errors.WithMessagef(err, "saving model %q", m.Name())
	}
	weights, err := stageWeights(m)
	if err != nil {
		return errors.WithMessagef(err, "saving model %q", m.Name())
	}

	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".serac-tmp-*")
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary archive in %q", dir)
	}
	tmpPath := tmpFile.Name()
	cleanup := func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
	}

	zw := zip.NewWriter(tmpFile)
	if err := writeArchive(zw, m, cfg, weights, o); err != nil {
		cleanup()
		return errors.WithMessagef(err, "saving model %q to %q", m.Name(), path)
	}
	if err := zw.Close(); err != nil {
		cleanup()
		return errors.Wrapf(err, "failed to finish archive %q", path)
	}
	if err := tmpFile.Close(); err != nil {
		cleanup()
		return errors.Wrapf(err, "failed to close archive %q", path)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to move archive into place at %q", path)
	}
	klog.V(1).Infof("saved model %q to %s (%d layers, %d weight tensors)",
		m.Name(), path, m.NumLayers(), len(weights))
	return nil
}

// writeArchive writes all archive entries to an open zip writer.
func writeArchive(zw *zip.Writer, m *model.Sequential, cfg *modelConfig, weights []encoding.Entry, o *options) error {
	metadata := Metadata{
		Format:       FormatName,
		SeracVersion: encoding.SeracVersion,
		SavedAt:      time.Now().UTC(),
		ModelID:      uuid.NewString(),
		User:         o.metadata,
	}
	if err := writeJSONEntry(zw, MetadataEntry, metadata); err != nil {
		return err
	}
	if err := writeJSONEntry(zw, ConfigEntry, cfg); err != nil {
		return err
	}
	if len(weights) > 0 {
		w, err := zw.Create(WeightsEntry)
		if err != nil {
			return errors.Wrapf(err, "failed to create archive entry %q", WeightsEntry)
		}
		if err := encoding.Write(w, weights, encoding.WithChecksum(o.checksum)); err != nil {
			return errors.WithMessagef(err, "encoding %q", WeightsEntry)
		}
	}
	return writeAssets(zw, m)
}

// buildModelConfig assembles config.json: per-layer configs via the polyjson registry,
// build configs via the hook pair, and the compile config when present.
func buildModelConfig(m *model.Sequential, o *options) (*modelConfig, error) {
	cfg := &modelConfig{
		Name:   m.Name(),
		Layers: make([]layerEntry, 0, m.NumLayers()),
	}
	if m.Built() {
		text, err := m.InputShape().MarshalText()
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode the model input shape")
		}
		cfg.InputShape = string(text)
	}
	for ii := range m.NumLayers() {
		path, layer := m.Layer(ii)
		serializable, ok := layer.(layers.Serializable)
		if !ok {
			return nil, errors.Errorf("layer %q (%T) is not serializable: it has no Config()", path, layer)
		}
		blob, err := polyjson.MarshalPolymorphic(serializable.Config())
		if err != nil {
			return nil, errors.WithMessagef(err, "encoding config of layer %q", path)
		}
		buildCfg, err := buildConfigOf(m, ii, layer)
		if err != nil {
			return nil, errors.WithMessagef(err, "build config of layer %q", path)
		}
		cfg.Layers = append(cfg.Layers, layerEntry{
			Path:        path,
			Config:      blob,
			BuildConfig: buildCfg,
		})
	}
	if m.Compiled() && !o.skipCompile {
		compileCfg, err := m.CompileConfig()
		if err != nil {
			return nil, err
		}
		cfg.Compile = compileCfg
	}
	return cfg, nil
}

// buildConfigOf runs the build-config save hook: the layer's own BuildConfig when it
// implements BuildConfigSaver, otherwise the input shape the model built the layer
// with, for built Builder layers.
func buildConfigOf(m *model.Sequential, ii int, layer layers.Layer) (map[string]any, error) {
	if saver, ok := layer.(layers.BuildConfigSaver); ok {
		return saver.BuildConfig(), nil
	}
	builder, ok := layer.(layers.Builder)
	if !ok || !builder.Built() {
		return nil, nil
	}
	input := m.LayerInputShape(ii)
	if !input.Ok() {
		return nil, nil
	}
	text, err := input.MarshalText()
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode the layer input shape")
	}
	return map[string]any{"input": string(text)}, nil
}

// stageWeights flattens every layer's persisted variables into encoding entries named
// "<layerPath>/<key>". Layers implementing VariableSaver stage through their hook and
// keep whatever keys it chose; for the rest the key is the variable name, so default
// entries carry the same paths the model's IterVariables yields.
func stageWeights(m *model.Sequential) ([]encoding.Entry, error) {
	var entries []encoding.Entry
	for ii := range m.NumLayers() {
		path, layer := m.Layer(ii)
		saver, ok := layer.(layers.VariableSaver)
		if !ok {
			for _, v := range layer.Variables() {
				entries = append(entries, encoding.Entry{
					Name:      path + "/" + v.Name(),
					Tensor:    v.Value(),
					Trainable: v.Trainable(),
				})
			}
			continue
		}
		store := layers.NewMemoryStore()
		if err := saver.SaveVariables(store); err != nil {
			return nil, errors.WithMessagef(err, "save-variables hook of layer %q", path)
		}
		trainable := trainableByName(layer)
		for _, key := range store.Keys() {
			t, err := store.Get(key)
			if err != nil {
				return nil, err
			}
			entries = append(entries, encoding.Entry{
				Name:      path + "/" + key,
				Tensor:    t,
				Trainable: trainable(key),
			})
		}
	}
	return entries, nil
}

// trainableByName maps hook-staged store keys to variable trainable flags: keys that
// name one of the layer's variables take that variable's flag, custom keys default to
// trainable.
func trainableByName(layer layers.Layer) func(key string) bool {
	flags := make(map[string]bool)
	for _, v := range layer.Variables() {
		flags[v.Name()] = v.Trainable()
	}
	return func(key string) bool {
		flag, found := flags[key]
		return !found || flag
	}
}

// writeAssets runs the asset save hook of every layer that has one, collecting whatever
// it writes under assets/<layerPath>/ in the archive.
func writeAssets(zw *zip.Writer, m *model.Sequential) error {
	for ii := range m.NumLayers() {
		path, layer := m.Layer(ii)
		saver, ok := layer.(layers.AssetSaver)
		if !ok {
			continue
		}
		dir, err := os.MkdirTemp("", "serac-assets-*")
		if err != nil {
			return errors.Wrap(err, "failed to create an assets staging directory")
		}
		err = func() error {
			if err := saver.SaveAssets(dir); err != nil {
				return errors.WithMessagef(err, "save-assets hook of layer %q", path)
			}
			return filepath.WalkDir(dir, func(filePath string, d os.DirEntry, err error) error {
				if err != nil || d.IsDir() {
					return err
				}
				rel, err := filepath.Rel(dir, filePath)
				if err != nil {
					return errors.Wrapf(err, "failed to relativize asset %q", filePath)
				}
				w, err := zw.Create(AssetsPrefix + path + "/" + filepath.ToSlash(rel))
				if err != nil {
					return errors.Wrapf(err, "failed to create asset entry for layer %q", path)
				}
				data, err := os.ReadFile(filePath)
				if err != nil {
					return errors.Wrapf(err, "failed to read staged asset %q", filePath)
				}
				_, err = w.Write(data)
				return errors.Wrapf(err, "failed to write asset %q of layer %q", rel, path)
			})
		}()
		if removeErr := os.RemoveAll(dir); removeErr != nil {
			klog.Warningf("failed to remove assets staging directory %q: %v", dir, removeErr)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// writeJSONEntry adds one pretty-printed JSON entry to the archive.
func writeJSONEntry(zw *zip.Writer, name string, value any) error {
	w, err := zw.Create(name)
	if err != nil {
		return errors.Wrapf(err, "failed to create archive entry %q", name)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "\t")
	if err := enc.Encode(value); err != nil {
		return errors.Wrapf(err, "failed to encode archive entry %q", name)
	}
	return nil
}
