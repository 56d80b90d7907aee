// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

package saving

import (
	"archive/zip"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/seracml/serac/pkg/core/shapes"
	"github.com/seracml/serac/pkg/ml/layers"
	"github.com/seracml/serac/pkg/ml/model"
	"github.com/seracml/serac/pkg/ml/model/encoding"
	"github.com/seracml/serac/pkg/support/polyjson"
)

// LoadModel reads a .serac archive and rebuilds its model.
//
// Restoration is dependency-ordered: (1) layers are instantiated from config.json
// through the polyjson registry; (2) the build configuration is restored, so every
// variable exists with its final shape; (3) variables are loaded through the variable
// store hook pair; (4) assets are handed to the asset load hooks; (5) the compile
// configuration is restored. WithoutCompile skips (5) and WithSkipAssets skips (4).
//
// Loading an archive saved from an uncompiled (or unbuilt) model yields an uncompiled
// (or unbuilt) model. Unknown archive entries are ignored.
func LoadModel(path string, opts ...Option) (*model.Sequential, error) {
	o := newOptions(opts)

	zr, err := zip.OpenReader(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "failed to open model archive %q", path)
		}
		return nil, errors.Wrapf(ErrNotSeracArchive, "%q: %v", path, err)
	}
	defer func() { _ = zr.Close() }()

	entries := make(map[string]*zip.File, len(zr.File))
	for _, zf := range zr.File {
		entries[zf.Name] = zf
	}

	metadata, err := readMetadata(entries, path)
	if err != nil {
		return nil, err
	}
	cfg, err := readConfig(entries, path)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("loading model %q (id %s) from %s", cfg.Name, metadata.ModelID, path)

	m, err := instantiateLayers(cfg)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading model from %q", path)
	}
	if err := restoreBuildConfigs(m, cfg); err != nil {
		return nil, errors.WithMessagef(err, "loading model from %q", path)
	}
	if err := loadVariables(m, entries); err != nil {
		return nil, errors.WithMessagef(err, "loading model from %q", path)
	}
	if !o.skipAssets {
		if err := loadAssets(m, entries); err != nil {
			return nil, errors.WithMessagef(err, "loading model from %q", path)
		}
	}
	if cfg.Compile != nil && !o.skipCompile {
		if err := m.CompileFromConfig(cfg.Compile); err != nil {
			return nil, errors.WithMessagef(err, "loading model from %q", path)
		}
	}
	return m, nil
}

// readMetadata parses metadata.json and checks the archive format tag.
func readMetadata(entries map[string]*zip.File, path string) (*Metadata, error) {
	zf, found := entries[MetadataEntry]
	if !found {
		return nil, errors.Wrapf(ErrNotSeracArchive, "%q has no %s", path, MetadataEntry)
	}
	var metadata Metadata
	if err := readJSONEntry(zf, &metadata); err != nil {
		return nil, errors.WithMessagef(err, "reading %s of %q", MetadataEntry, path)
	}
	if metadata.Format != FormatName {
		return nil, errors.Wrapf(ErrNotSeracArchive, "%q declares format %q, this build reads %q",
			path, metadata.Format, FormatName)
	}
	return &metadata, nil
}

// readConfig parses config.json.
func readConfig(entries map[string]*zip.File, path string) (*modelConfig, error) {
	zf, found := entries[ConfigEntry]
	if !found {
		return nil, errors.Wrapf(ErrNotSeracArchive, "%q has no %s", path, ConfigEntry)
	}
	var cfg modelConfig
	if err := readJSONEntry(zf, &cfg); err != nil {
		return nil, errors.WithMessagef(err, "reading %s of %q", ConfigEntry, path)
	}
	return &cfg, nil
}

// instantiateLayers rebuilds the model skeleton: every layer from its registered
// config, in order. Layer paths must come out the same as when the model was saved.
func instantiateLayers(cfg *modelConfig) (*model.Sequential, error) {
	m := model.New(cfg.Name)
	for ii, entry := range cfg.Layers {
		var layerCfg layers.Config
		if err := polyjson.UnmarshalPolymorphic(entry.Config, &layerCfg); err != nil {
			return nil, errors.WithMessagef(err, "decoding config of layer %q (#%d)", entry.Path, ii)
		}
		layer, err := layerCfg.NewLayer()
		if err != nil {
			return nil, errors.WithMessagef(err, "recreating layer %q (#%d)", entry.Path, ii)
		}
		m.Add(layer)
		if gotPath, _ := m.Layer(ii); gotPath != entry.Path {
			return nil, errors.Errorf("archive layer #%d is recorded as %q but rebuilds as %q -- corrupt config",
				ii, entry.Path, gotPath)
		}
	}
	return m, nil
}

// restoreBuildConfigs runs the build-config load hook on every layer, then rebuilds the
// model itself, so variables exist with their final shapes before the weights arrive.
func restoreBuildConfigs(m *model.Sequential, cfg *modelConfig) error {
	for ii, entry := range cfg.Layers {
		if entry.BuildConfig == nil {
			continue
		}
		_, layer := m.Layer(ii)
		if loader, ok := layer.(layers.BuildConfigLoader); ok {
			if err := loader.BuildFromConfig(entry.BuildConfig); err != nil {
				return errors.WithMessagef(err, "build-config hook of layer %q", entry.Path)
			}
			continue
		}
		builder, ok := layer.(layers.Builder)
		if !ok {
			continue
		}
		input, err := buildConfigInput(entry.BuildConfig)
		if err != nil {
			return errors.WithMessagef(err, "build config of layer %q", entry.Path)
		}
		if err := builder.Build(input); err != nil {
			return errors.WithMessagef(err, "rebuilding layer %q", entry.Path)
		}
	}
	if cfg.InputShape != "" {
		var input shapes.Shape
		if err := input.UnmarshalText([]byte(cfg.InputShape)); err != nil {
			return errors.WithMessagef(err, "parsing the model input shape %q", cfg.InputShape)
		}
		if err := m.Build(input); err != nil {
			return err
		}
	}
	return nil
}

// buildConfigInput extracts the recorded input shape from a default build config.
func buildConfigInput(cfg map[string]any) (shapes.Shape, error) {
	inputAny, found := cfg["input"]
	if !found {
		return shapes.Invalid(), errors.Errorf("build config has no %q entry", "input")
	}
	inputText, ok := inputAny.(string)
	if !ok {
		return shapes.Invalid(), errors.Errorf("build config entry %q is a %T, wanted a shape string",
			"input", inputAny)
	}
	var input shapes.Shape
	if err := input.UnmarshalText([]byte(inputText)); err != nil {
		return shapes.Invalid(), errors.WithMessagef(err, "parsing build config input shape %q", inputText)
	}
	return input, nil
}

// loadVariables reads the weights blob and runs the variable load hook on every layer.
func loadVariables(m *model.Sequential, entries map[string]*zip.File) error {
	zf, found := entries[WeightsEntry]
	if !found {
		// Unbuilt models save without weights.
		return nil
	}
	rc, err := zf.Open()
	if err != nil {
		return errors.Wrapf(err, "failed to open archive entry %q", WeightsEntry)
	}
	weights, err := encoding.Read(rc)
	_ = rc.Close()
	if err != nil {
		return errors.WithMessagef(err, "decoding %q", WeightsEntry)
	}

	layerPaths := make(map[string]int, m.NumLayers())
	for ii := range m.NumLayers() {
		path, _ := m.Layer(ii)
		layerPaths[path] = ii
	}

	// Group the stored tensors into one store per layer.
	stores := make(map[string]*layers.MemoryStore, m.NumLayers())
	for _, name := range weights.Names() {
		layerPath, key, found := strings.Cut(name, "/")
		if !found {
			return errors.Errorf("weights entry %q has no layer prefix", name)
		}
		if _, known := layerPaths[layerPath]; !known {
			return errors.Errorf("weights entry %q does not match any layer of model %q", name, m.Name())
		}
		t, err := weights.Tensor(name)
		if err != nil {
			return err
		}
		store := stores[layerPath]
		if store == nil {
			store = layers.NewMemoryStore()
			stores[layerPath] = store
		}
		store.Put(key, t)
	}

	for ii := range m.NumLayers() {
		path, layer := m.Layer(ii)
		store := stores[path]
		if store == nil {
			store = layers.NewMemoryStore()
		}
		if loader, ok := layer.(layers.VariableLoader); ok {
			if err := loader.LoadVariables(store); err != nil {
				return errors.WithMessagef(err, "load-variables hook of layer %q", path)
			}
			continue
		}
		if err := defaultLoadVariables(path, layer, store); err != nil {
			return err
		}
	}
	return nil
}

// defaultLoadVariables assigns each variable from the entry stored under its name, with
// shapes checked, and rejects stored keys that match no variable.
func defaultLoadVariables(path string, layer layers.Layer, store *layers.MemoryStore) error {
	vars := layer.Variables()
	known := make(map[string]bool, len(vars))
	for _, v := range vars {
		known[v.Name()] = true
		t, err := store.Get(v.Name())
		if err != nil {
			return errors.WithMessagef(err, "variable %q of layer %q", v.Name(), path)
		}
		if !t.Shape().Equal(v.Shape()) {
			return errors.Errorf("stored variable %s/%s has shape %s, the layer variable needs %s",
				path, v.Name(), t.Shape(), v.Shape())
		}
		v.SetValue(t)
	}
	for _, key := range store.Keys() {
		if !known[key] {
			return errors.Errorf("stored variable %s/%s matches no variable of the layer", path, key)
		}
	}
	return nil
}

// loadAssets extracts each layer's assets/<path>/ subtree to a scratch directory and
// hands it to the layer's asset load hook.
func loadAssets(m *model.Sequential, entries map[string]*zip.File) error {
	for ii := range m.NumLayers() {
		path, layer := m.Layer(ii)
		loader, ok := layer.(layers.AssetLoader)
		if !ok {
			continue
		}
		dir, err := os.MkdirTemp("", "serac-assets-*")
		if err != nil {
			return errors.Wrap(err, "failed to create an assets scratch directory")
		}
		err = func() error {
			prefix := AssetsPrefix + path + "/"
			for name, zf := range entries {
				if !strings.HasPrefix(name, prefix) {
					continue
				}
				rel := name[len(prefix):]
				if err := checkAssetPath(rel); err != nil {
					return errors.WithMessagef(err, "asset entry %q", name)
				}
				if err := extractAsset(zf, filepath.Join(dir, filepath.FromSlash(rel))); err != nil {
					return errors.WithMessagef(err, "extracting asset %q", name)
				}
			}
			if err := loader.LoadAssets(dir); err != nil {
				return errors.WithMessagef(err, "load-assets hook of layer %q", path)
			}
			return nil
		}()
		if removeErr := os.RemoveAll(dir); removeErr != nil {
			klog.Warningf("failed to remove assets scratch directory %q: %v", dir, removeErr)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// checkAssetPath rejects asset entry names that would escape their layer directory.
func checkAssetPath(rel string) error {
	if rel == "" || strings.HasPrefix(rel, "/") || strings.Contains(rel, `\`) {
		return errors.Errorf("invalid asset path %q", rel)
	}
	for _, part := range strings.Split(rel, "/") {
		if part == ".." || part == "" {
			return errors.Errorf("asset path %q escapes its directory", rel)
		}
	}
	return nil
}

func extractAsset(zf *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", target)
	}
	rc, err := zf.Open()
	if err != nil {
		return errors.Wrap(err, "failed to open archive entry")
	}
	defer func() { _ = rc.Close() }()
	out, err := os.Create(target)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", target)
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return errors.Wrapf(err, "failed to extract to %q", target)
	}
	return errors.Wrapf(out.Close(), "failed to close %q", target)
}

// readJSONEntry decodes one JSON entry of the archive.
func readJSONEntry(zf *zip.File, target any) error {
	rc, err := zf.Open()
	if err != nil {
		return errors.Wrapf(err, "failed to open archive entry %q", zf.Name)
	}
	defer func() { _ = rc.Close() }()
	if err := json.NewDecoder(rc).Decode(target); err != nil {
		return errors.Wrapf(err, "failed to decode archive entry %q", zf.Name)
	}
	return nil
}
