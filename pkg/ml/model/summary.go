// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/seracml/serac/pkg/ml/layers"
)

var (
	summaryTitleStyle  = lipgloss.NewStyle().Bold(true)
	summaryHeaderStyle = lipgloss.NewStyle().Reverse(true).
				Padding(0, 2, 0, 2).Align(lipgloss.Center)
	summaryOddRowStyle = lipgloss.NewStyle().Faint(false).
				PaddingLeft(1).PaddingRight(1)
	summaryEvenRowStyle = lipgloss.NewStyle().Faint(true).
				PaddingLeft(1).PaddingRight(1)
)

// summaryTable creates the styled table used by Summary. Columns beyond the given
// alignments reuse the last one.
func summaryTable(alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				return summaryHeaderStyle
			}
			if row%2 == 0 {
				s = summaryOddRowStyle
			} else {
				s = summaryEvenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
}

// layerTypeName returns a short type name for a layer: its registered config type when
// the layer is serializable, otherwise its Go type.
func layerTypeName(layer layers.Layer) string {
	if serializable, ok := layer.(layers.Serializable); ok {
		if cfg := serializable.Config(); cfg != nil {
			typeName, _ := cfg.JSONTags()
			return typeName
		}
	}
	return fmt.Sprintf("%T", layer)
}

// Summary returns a table describing the model: one row per layer with its path name,
// type, output shape and parameter count, followed by the totals. Output shapes and
// parameter counts are only known after the model is built.
func (m *Sequential) Summary() string {
	var sb strings.Builder
	title := fmt.Sprintf("Model %q", m.name)
	if m.built {
		title += fmt.Sprintf(", input %s", m.inputShape)
	} else {
		title += " (not built)"
	}
	sb.WriteString(summaryTitleStyle.Render(title))
	sb.WriteString("\n")

	table := summaryTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Layer", "Type", "Output Shape", "Params")
	for ii, layer := range m.layers {
		outputShape, params := "?", "?"
		if m.built {
			outputShape = m.outputShapes[ii].String()
			count := 0
			for _, v := range layer.Variables() {
				if v != nil {
					count += v.Shape().Size()
				}
			}
			params = humanize.Comma(int64(count))
		}
		table.Row(m.paths[ii], layerTypeName(layer), outputShape, params)
	}
	sb.WriteString(table.Render())
	sb.WriteString("\n")

	if m.built {
		var totalParams int
		var totalBytes uintptr
		for _, v := range m.IterVariables() {
			totalParams += v.Shape().Size()
			totalBytes += v.Shape().Memory()
		}
		sb.WriteString(fmt.Sprintf("Total parameters: %s (%s)\n",
			humanize.Comma(int64(totalParams)), humanize.Bytes(uint64(totalBytes))))
	}
	return sb.String()
}
