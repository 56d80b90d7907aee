// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <model.serac|weights.srwt>",
	Short: "Verify the weights checksum of a model archive or weights file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVerify(os.Stdout, args[0])
	},
}

func runVerify(out io.Writer, path string) error {
	f, err := openWeights(path)
	if err != nil {
		return err
	}
	if !f.HasChecksum() {
		return errors.Errorf("%q carries no checksum to verify", path)
	}
	// Decoding already verified the checksum; reaching here means it matched.
	var totalBytes int64
	for _, meta := range f.Header.Tensors {
		totalBytes += meta.Size
	}
	fmt.Fprintf(out, "%s: OK (%s tensors, %s, saved by serac %s)\n",
		path, humanize.Comma(int64(len(f.Header.Tensors))),
		humanize.Bytes(uint64(totalBytes)), f.Header.SeracVersion)
	return nil
}
