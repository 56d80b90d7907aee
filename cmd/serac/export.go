// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/seracml/serac/pkg/core/tensors"
	"github.com/seracml/serac/pkg/core/tensors/numpy"
)

var flagExportNpz string

var exportCmd = &cobra.Command{
	Use:   "export --npz <out.npz> <model.serac|weights.srwt>",
	Short: "Export the stored weights to a NumPy .npz file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExport(os.Stdout, args[0], flagExportNpz)
	},
}

func init() {
	exportCmd.Flags().StringVar(&flagExportNpz, "npz", "", "output .npz file (required)")
	_ = exportCmd.MarkFlagRequired("npz")
}

func runExport(out io.Writer, path, npzPath string) error {
	if npzPath == "" {
		return errors.Errorf("--npz output file is required")
	}
	f, err := openWeights(path)
	if err != nil {
		return err
	}
	tensorsMap := make(map[string]*tensors.Tensor, len(f.Header.Tensors))
	for _, name := range f.Names() {
		t, err := f.Tensor(name)
		if err != nil {
			return err
		}
		tensorsMap[name] = t
	}
	if err := numpy.ToNpzFile(tensorsMap, npzPath); err != nil {
		return errors.WithMessagef(err, "exporting %q to %q", path, npzPath)
	}
	fmt.Fprintf(out, "exported %d tensors from %s to %s\n", len(tensorsMap), path, npzPath)
	return nil
}
