// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/seracml/serac/pkg/core/tensors"
)

var weightsCmd = &cobra.Command{
	Use:   "weights <model.serac|weights.srwt>",
	Short: "List the tensors stored in a model archive or weights file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWeights(os.Stdout, args[0], flagFormat)
	},
}

// tensorReport is one row of the weights listing.
type tensorReport struct {
	Name      string  `json:"name" yaml:"name"`
	DType     string  `json:"dtype" yaml:"dtype"`
	Shape     []int   `json:"shape" yaml:"shape"`
	Bytes     int64   `json:"bytes" yaml:"bytes"`
	Trainable bool    `json:"trainable" yaml:"trainable"`
	Min       float32 `json:"min,omitempty" yaml:"min,omitempty"`
	Mean      float32 `json:"mean,omitempty" yaml:"mean,omitempty"`
	Max       float32 `json:"max,omitempty" yaml:"max,omitempty"`
	HasStats  bool    `json:"-" yaml:"-"`
}

func runWeights(out io.Writer, path, format string) error {
	f, err := openWeights(path)
	if err != nil {
		return err
	}
	reports := make([]tensorReport, 0, len(f.Header.Tensors))
	for _, meta := range f.Header.Tensors {
		report := tensorReport{
			Name:      meta.Name,
			DType:     meta.DType,
			Shape:     meta.Shape,
			Bytes:     meta.Size,
			Trainable: meta.Trainable,
		}
		if t, err := f.Tensor(meta.Name); err == nil {
			report.Min, report.Mean, report.Max, report.HasStats = floatStats(t)
		}
		reports = append(reports, report)
	}

	if format != formatTable {
		return renderStructured(out, format, reports)
	}
	fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("Weights of %s", path)))
	table := newPlainTable(true)
	table.Row("Name", "DType", "Shape", "Bytes", "Min", "Mean", "Max")
	var totalBytes int64
	for _, report := range reports {
		minText, meanText, maxText := "", "", ""
		if report.HasStats {
			minText = fmt.Sprintf("%.4g", report.Min)
			meanText = fmt.Sprintf("%.4g", report.Mean)
			maxText = fmt.Sprintf("%.4g", report.Max)
		}
		table.Row(report.Name, report.DType, fmt.Sprintf("%v", report.Shape),
			humanize.Bytes(uint64(report.Bytes)), minText, meanText, maxText)
		totalBytes += report.Bytes
	}
	fmt.Fprintln(out, table.Render())
	fmt.Fprintf(out, "%s tensors, %s",
		humanize.Comma(int64(len(reports))), humanize.Bytes(uint64(totalBytes)))
	if f.HasChecksum() {
		fmt.Fprintf(out, ", checksum verified")
	}
	fmt.Fprintln(out)
	return nil
}

// floatStats computes min/mean/max for float32 tensors; ok is false for other dtypes.
func floatStats(t *tensors.Tensor) (minValue, mean, maxValue float32, ok bool) {
	err := tensors.ConstFlatData(t, func(flat []float32) {
		if len(flat) == 0 {
			return
		}
		minValue, maxValue = flat[0], flat[0]
		var sum float64
		for _, value := range flat {
			if value < minValue {
				minValue = value
			}
			if value > maxValue {
				maxValue = value
			}
			sum += float64(value)
		}
		mean = float32(sum / float64(len(flat)))
		ok = true
	})
	if err != nil {
		return 0, 0, 0, false
	}
	return
}
