// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"archive/zip"
	"encoding/json"
	"io"

	"github.com/pkg/errors"

	"github.com/seracml/serac/pkg/ml/model/encoding"
	"github.com/seracml/serac/pkg/ml/model/saving"
)

// archiveConfig mirrors the archive's config.json, with layer configs kept as raw JSON so
// the tool works on archives containing layer types this binary has never registered.
type archiveConfig struct {
	Name       string         `json:"name"`
	InputShape string         `json:"input_shape,omitempty"`
	Layers     []archiveLayer `json:"layers"`
	Compile    map[string]any `json:"compile,omitempty"`
}

type archiveLayer struct {
	Path        string         `json:"path"`
	Config      map[string]any `json:"config"`
	BuildConfig map[string]any `json:"build_config,omitempty"`
}

// readArchive parses the metadata and config entries of a .serac archive.
func readArchive(path string) (*saving.Metadata, *archiveConfig, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "%q is not a readable model archive", path)
	}
	defer func() { _ = zr.Close() }()

	var metadata saving.Metadata
	if err := readZipJSON(&zr.Reader, saving.MetadataEntry, &metadata); err != nil {
		return nil, nil, errors.WithMessagef(err, "reading %q", path)
	}
	if metadata.Format != saving.FormatName {
		return nil, nil, errors.Errorf("%q declares format %q, this tool reads %q",
			path, metadata.Format, saving.FormatName)
	}
	var cfg archiveConfig
	if err := readZipJSON(&zr.Reader, saving.ConfigEntry, &cfg); err != nil {
		return nil, nil, errors.WithMessagef(err, "reading %q", path)
	}
	return &metadata, &cfg, nil
}

// openWeights decodes the weights of either a .serac archive (its model.weights entry) or
// a bare .srwt weights file. Checksums are verified as part of decoding.
func openWeights(path string) (*encoding.File, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		// Not a zip: assume a bare weights file.
		return encoding.ReadFile(path)
	}
	defer func() { _ = zr.Close() }()
	for _, zf := range zr.File {
		if zf.Name != saving.WeightsEntry {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open %s of %q", saving.WeightsEntry, path)
		}
		defer func() { _ = rc.Close() }()
		f, err := encoding.Read(rc)
		if err != nil {
			return nil, errors.WithMessagef(err, "decoding %s of %q", saving.WeightsEntry, path)
		}
		return f, nil
	}
	return nil, errors.Errorf("archive %q has no %s entry (was the model saved unbuilt?)",
		path, saving.WeightsEntry)
}

func readZipJSON(zr *zip.Reader, name string, target any) error {
	for _, zf := range zr.File {
		if zf.Name != name {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return errors.Wrapf(err, "failed to open archive entry %q", name)
		}
		defer func() { _ = rc.Close() }()
		data, err := io.ReadAll(rc)
		if err != nil {
			return errors.Wrapf(err, "failed to read archive entry %q", name)
		}
		return errors.Wrapf(json.Unmarshal(data, target), "failed to parse archive entry %q", name)
	}
	return errors.Errorf("archive has no %q entry", name)
}
