// Copyright 2025-2026 The Serac Authors. SPDX-License-Identifier: Apache-2.0

// Package journal records training history in a SQLite database: one row per run, one row
// per (epoch, metric) pair. The CLI's "history" command reads it back.
package journal

import (
	"database/sql"
	_ "embed"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// timeFormat used for timestamps stored in the database.
const timeFormat = time.RFC3339Nano

// Journal is a handle to a training-history database. Safe for concurrent use; writes are
// serialized through database/sql.
type Journal struct {
	db *sql.DB
}

// Run is one recorded training run.
type Run struct {
	ID        string
	Model     string
	StartedAt time.Time
}

// EpochMetric is one recorded metric value at the end of one epoch.
type EpochMetric struct {
	Epoch      int
	Name       string
	Value      float32
	RecordedAt time.Time
}

// Open opens (creating if needed) the journal database at path. The parent directory is
// created if missing.
func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "failed to create journal directory %q", dir)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open journal database %q", path)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "failed to initialize journal schema in %q", path)
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return errors.Wrap(j.db.Close(), "failed to close the journal database")
}

// Begin records the start of a training run and returns its id.
func (j *Journal) Begin(modelName string) (runID string, err error) {
	runID = uuid.NewString()
	_, err = j.db.Exec(`INSERT INTO runs (id, model, started_at) VALUES (?, ?, ?)`,
		runID, modelName, time.Now().UTC().Format(timeFormat))
	if err != nil {
		return "", errors.Wrapf(err, "failed to record the start of run for model %q", modelName)
	}
	return runID, nil
}

// RecordEpoch records the metric values of one finished epoch. Recording the same epoch
// again overwrites the previous values.
func (j *Journal) RecordEpoch(runID string, epoch int, metrics map[string]float32) error {
	tx, err := j.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin a journal transaction")
	}
	now := time.Now().UTC().Format(timeFormat)
	for name, value := range metrics {
		_, err := tx.Exec(
			`INSERT OR REPLACE INTO epoch_metrics (run_id, epoch, name, value, recorded_at)
			 VALUES (?, ?, ?, ?, ?)`,
			runID, epoch, name, value, now)
		if err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "failed to record metric %q of epoch %d", name, epoch)
		}
	}
	return errors.Wrapf(tx.Commit(), "failed to commit epoch %d of run %s", epoch, runID)
}

// Runs returns all recorded runs, oldest first.
func (j *Journal) Runs() ([]Run, error) {
	rows, err := j.db.Query(`SELECT id, model, started_at FROM runs ORDER BY started_at, id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query runs")
	}
	defer func() { _ = rows.Close() }()
	var runs []Run
	for rows.Next() {
		var run Run
		var startedAt string
		if err := rows.Scan(&run.ID, &run.Model, &startedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan a run row")
		}
		run.StartedAt, err = time.Parse(timeFormat, startedAt)
		if err != nil {
			return nil, errors.Wrapf(err, "run %s has an unparseable start time %q", run.ID, startedAt)
		}
		runs = append(runs, run)
	}
	return runs, errors.Wrap(rows.Err(), "failed iterating run rows")
}

// EpochMetrics returns the metrics recorded for one run, ordered by epoch then name.
func (j *Journal) EpochMetrics(runID string) ([]EpochMetric, error) {
	rows, err := j.db.Query(
		`SELECT epoch, name, value, recorded_at FROM epoch_metrics
		 WHERE run_id = ? ORDER BY epoch, name`, runID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query metrics of run %s", runID)
	}
	defer func() { _ = rows.Close() }()
	var result []EpochMetric
	for rows.Next() {
		var em EpochMetric
		var recordedAt string
		if err := rows.Scan(&em.Epoch, &em.Name, &em.Value, &recordedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan a metric row")
		}
		em.RecordedAt, err = time.Parse(timeFormat, recordedAt)
		if err != nil {
			return nil, errors.Wrapf(err, "metric %q has an unparseable timestamp %q", em.Name, recordedAt)
		}
		result = append(result, em)
	}
	return result, errors.Wrap(rows.Err(), "failed iterating metric rows")
}
