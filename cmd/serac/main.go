// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

// serac is a command line tool to inspect serac model archives, weights files and
// training history.
//
//	serac inspect model.serac           # metadata, layers and compile summary
//	serac weights model.serac           # per-tensor table (works on .srwt too)
//	serac verify model.serac            # checksum verification
//	serac export --npz out.npz model.serac
//	serac history --db history.db       # training runs recorded by the journal
//
// Output defaults to styled tables; --format json or --format yaml switch to
// machine-readable output. Configuration can come from ~/.serac.yaml or SERAC_* environment
// variables (for example SERAC_DB for the history database path).
package main

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"
)

var (
	flagConfig string
	flagFormat string
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

var rootCmd = &cobra.Command{
	Use:               "serac",
	Short:             "Inspect serac model archives, weights files and training history",
	PersistentPreRunE: initConfig,
	SilenceUsage:      true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "",
		`config file (default "~/.serac.yaml")`)
	rootCmd.PersistentFlags().StringVar(&flagFormat, "format", formatTable,
		"output format: table, json or yaml")

	rootCmd.AddCommand(inspectCmd, weightsCmd, verifyCmd, exportCmd, historyCmd)
}

// initConfig wires viper: an explicit --config file, or ~/.serac.yaml when present, plus
// SERAC_* environment variables.
func initConfig(cmd *cobra.Command, args []string) error {
	switch flagFormat {
	case formatTable, formatJSON, formatYAML:
	default:
		return errors.Errorf("unknown --format %q, use table, json or yaml", flagFormat)
	}

	if flagConfig != "" {
		viper.SetConfigFile(flagConfig)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
		viper.SetConfigName(".serac")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("SERAC")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// A missing default config file is fine; an explicitly given one must exist.
		if flagConfig != "" {
			return errors.Wrapf(err, "failed to read config file %q", flagConfig)
		}
	}
	return nil
}

func main() {
	lipgloss.SetColorProfile(termenv.ColorProfile())
	if err := rootCmd.Execute(); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}
