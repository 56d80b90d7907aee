// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/seracml/serac/internal/journal"
)

var (
	flagHistoryDB  string
	flagHistoryRun string
)

var historyCmd = &cobra.Command{
	Use:   "history [--db path] [--run id]",
	Short: "Show training runs recorded in a journal database",
	Long: `Show training runs recorded in a journal database.

Without --run it lists all runs; with --run it lists the per-epoch metric values of one
run. The database path can also come from the "db" config key or SERAC_DB.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath := flagHistoryDB
		if dbPath == "" {
			dbPath = viper.GetString("db")
		}
		if dbPath == "" {
			return errors.Errorf("no journal database given, use --db, the \"db\" config key or SERAC_DB")
		}
		return runHistory(os.Stdout, dbPath, flagHistoryRun, flagFormat)
	},
}

func init() {
	historyCmd.Flags().StringVar(&flagHistoryDB, "db", "", "journal database path")
	historyCmd.Flags().StringVar(&flagHistoryRun, "run", "", "show the epoch metrics of one run id")
}

func runHistory(out io.Writer, dbPath, runID, format string) error {
	if _, err := os.Stat(dbPath); err != nil {
		return errors.Wrapf(err, "journal database %q is not readable", dbPath)
	}
	j, err := journal.Open(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = j.Close() }()

	if runID != "" {
		return historyOfRun(out, j, runID, format)
	}
	return historyOfAllRuns(out, j, format)
}

func historyOfAllRuns(out io.Writer, j *journal.Journal, format string) error {
	runs, err := j.Runs()
	if err != nil {
		return err
	}
	if format != formatTable {
		return renderStructured(out, format, runs)
	}
	fmt.Fprintln(out, titleStyle.Render("Training Runs"))
	table := newPlainTable(true)
	table.Row("Run", "Model", "Started")
	for _, run := range runs {
		table.Row(run.ID, run.Model, humanize.Time(run.StartedAt))
	}
	fmt.Fprintln(out, table.Render())
	return nil
}

func historyOfRun(out io.Writer, j *journal.Journal, runID, format string) error {
	ms, err := j.EpochMetrics(runID)
	if err != nil {
		return err
	}
	if len(ms) == 0 {
		return errors.Errorf("no metrics recorded for run %q", runID)
	}
	if format != formatTable {
		return renderStructured(out, format, ms)
	}
	fmt.Fprintln(out, titleStyle.Render("Run "+runID))
	table := newPlainTable(true)
	table.Row("Epoch", "Metric", "Value", "Recorded")
	for _, em := range ms {
		table.Row(fmt.Sprintf("%d", em.Epoch), em.Name,
			fmt.Sprintf("%f", em.Value), em.RecordedAt.Format(time.RFC3339))
	}
	fmt.Fprintln(out, table.Render())
	return nil
}
