// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <model.serac>",
	Short: "Show the metadata, layers and compile configuration of a model archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInspect(os.Stdout, args[0], flagFormat)
	},
}

func runInspect(out io.Writer, path, format string) error {
	metadata, cfg, err := readArchive(path)
	if err != nil {
		return err
	}
	if format != formatTable {
		return renderStructured(out, format, map[string]any{
			"metadata": metadata,
			"config":   cfg,
		})
	}

	fmt.Fprintln(out, titleStyle.Render("Model "+cfg.Name))
	table := newPlainTable(false)
	table.Row("format", metadata.Format)
	table.Row("serac version", metadata.SeracVersion)
	table.Row("saved at", metadata.SavedAt.Format(time.RFC3339))
	table.Row("model id", metadata.ModelID)
	if cfg.InputShape != "" {
		table.Row("input shape", cfg.InputShape)
	}
	table.Row("layers", humanize.Comma(int64(len(cfg.Layers))))
	for key, value := range metadata.User {
		table.Row("metadata: "+key, value)
	}
	fmt.Fprintln(out, table.Render())

	fmt.Fprintln(out, titleStyle.Render("Layers"))
	layerTable := newPlainTable(true)
	layerTable.Row("#", "Path", "Type", "Config", "Build Config")
	for ii, layer := range cfg.Layers {
		layerType, _ := layer.Config["json_type"].(string)
		layerTable.Row(
			fmt.Sprintf("%d", ii),
			layer.Path,
			layerType,
			summarizeMap(layer.Config, "json_type", "interface_name"),
			summarizeMap(layer.BuildConfig),
		)
	}
	fmt.Fprintln(out, layerTable.Render())

	if cfg.Compile != nil {
		fmt.Fprintln(out, titleStyle.Render("Compile"))
		compileTable := newPlainTable(false)
		for _, key := range []string{"optimizer", "loss", "metrics"} {
			if value, found := cfg.Compile[key]; found {
				compileTable.Row(key, summarizeValue(value))
			}
		}
		fmt.Fprintln(out, compileTable.Render())
	}
	return nil
}

// summarizeMap renders a small map as "key=value" pairs, skipping the given keys.
func summarizeMap(m map[string]any, skipKeys ...string) string {
	if len(m) == 0 {
		return ""
	}
	skip := make(map[string]bool, len(skipKeys))
	for _, key := range skipKeys {
		skip[key] = true
	}
	var parts []string
	for key, value := range m {
		if skip[key] {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%s", key, summarizeValue(value)))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

func summarizeValue(value any) string {
	switch v := value.(type) {
	case map[string]any:
		if jsonType, found := v["json_type"].(string); found {
			return jsonType
		}
		return summarizeMap(v)
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, summarizeValue(item))
		}
		return strings.Join(parts, ", ")
	case float64:
		return humanize.Ftoa(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
