// SPDX-License-Identifier: Apache-2.0

// Package history keeps a local SQLite log of merge runs and their
// aggregation tables.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/sam-fredrickson/respmerge"
)

const timeLayout = "2006-01-02T15:04:05.000"

// DefaultLimit is the number of runs [Store.Recent] returns when asked for
// a non-positive limit.
const DefaultLimit = 20

// ErrNotFound is returned when a run id is unknown.
var ErrNotFound = errors.New("history: run not found")

// Run is one recorded merge.
type Run struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Inputs     int               `json:"inputs"`
	Records    int               `json:"records"`
	Dedupe     bool              `json:"dedupe"`
	Filter     string            `json:"filter,omitempty"`
	MatchPath  string            `json:"matchPath,omitempty"`
	MatchValue string            `json:"matchValue,omitempty"`
	CountPath  string            `json:"countPath,omitempty"`
	Counts     []respmerge.Entry `json:"counts,omitempty"`
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT    PRIMARY KEY,
    timestamp   TEXT    NOT NULL,
    inputs      INTEGER NOT NULL,
    records     INTEGER NOT NULL,
    dedupe      INTEGER NOT NULL,
    filter      TEXT    NOT NULL DEFAULT '',
    match_path  TEXT    NOT NULL DEFAULT '',
    match_value TEXT    NOT NULL DEFAULT '',
    count_path  TEXT    NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS run_counts (
    run_id   TEXT    NOT NULL REFERENCES runs(id),
    position INTEGER NOT NULL,
    value    TEXT    NOT NULL,
    count    INTEGER NOT NULL,
    PRIMARY KEY (run_id, position)
);

CREATE INDEX IF NOT EXISTS idx_runs_ts ON runs(timestamp);
`

// Store records runs in a SQLite database. A nil *Store is valid and
// records nothing.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default history database path.
// It checks $RESPMERGE_HISTORY_DB, then $XDG_DATA_HOME/respmerge/history.db,
// then falls back to ~/.local/share/respmerge/history.db.
func DefaultDBPath() string {
	if p := os.Getenv("RESPMERGE_HISTORY_DB"); p != "" {
		return p
	}
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "respmerge", "history.db")
}

// Open opens (or creates) the history database at dbPath.
// It configures WAL mode with a 5-second busy timeout and creates the schema.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("history: create directory %q: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("history: open database %q: %w", dbPath, err)
	}

	for _, stmt := range []struct{ name, sql string }{
		{"set WAL mode", "PRAGMA journal_mode=WAL"},
		{"set busy_timeout", "PRAGMA busy_timeout=5000"},
		{"create schema", schema},
	} {
		if _, err := db.Exec(stmt.sql); err != nil {
			if closeErr := db.Close(); closeErr != nil {
				return nil, fmt.Errorf("history: %s: %w (also failed to close: %v)", stmt.name, err, closeErr)
			}
			return nil, fmt.Errorf("history: %s: %w", stmt.name, err)
		}
	}
	return &Store{db: db}, nil
}

// Record inserts run and its counts in a single transaction and returns the
// run id. An empty ID is replaced by a new UUID and a zero Timestamp by the
// current time. Nil receiver is a no-op.
func (s *Store) Record(run Run) (string, error) {
	if s == nil {
		return "", nil
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	ts := run.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("history: begin transaction: %w", err)
	}
	defer func() {
		// Rollback is a no-op if the transaction was already committed.
		_ = tx.Rollback()
	}()

	_, err = tx.Exec(
		`INSERT INTO runs (id, timestamp, inputs, records, dedupe, filter, match_path, match_value, count_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		ts.UTC().Format(timeLayout),
		run.Inputs,
		run.Records,
		run.Dedupe,
		run.Filter,
		run.MatchPath,
		run.MatchValue,
		run.CountPath,
	)
	if err != nil {
		return "", fmt.Errorf("history: insert run: %w", err)
	}

	for i, e := range run.Counts {
		_, err := tx.Exec(
			`INSERT INTO run_counts (run_id, position, value, count) VALUES (?, ?, ?, ?)`,
			run.ID, i, e.Value, e.Count,
		)
		if err != nil {
			return "", fmt.Errorf("history: insert count %q: %w", e.Value, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("history: commit transaction: %w", err)
	}
	return run.ID, nil
}

// Recent returns up to limit runs, newest first, without their counts.
func (s *Store) Recent(limit int) ([]Run, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.db.Query(
		`SELECT id, timestamp, inputs, records, dedupe, filter, match_path, match_value, count_path
		 FROM runs ORDER BY timestamp DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate runs: %w", err)
	}
	return runs, nil
}

// Get returns one run with its counts.
func (s *Store) Get(id string) (Run, error) {
	if s == nil {
		return Run{}, ErrNotFound
	}
	row := s.db.QueryRow(
		`SELECT id, timestamp, inputs, records, dedupe, filter, match_path, match_value, count_path
		 FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Run{}, err
	}
	run.Counts, err = s.Counts(id)
	if err != nil {
		return Run{}, err
	}
	return run, nil
}

// Counts returns the aggregation table of a run in recorded order.
func (s *Store) Counts(runID string) ([]respmerge.Entry, error) {
	if s == nil {
		return nil, nil
	}
	rows, err := s.db.Query(
		`SELECT value, count FROM run_counts WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("history: query counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []respmerge.Entry
	for rows.Next() {
		var e respmerge.Entry
		if err := rows.Scan(&e.Value, &e.Count); err != nil {
			return nil, fmt.Errorf("history: scan count: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate counts: %w", err)
	}
	return out, nil
}

// Prune deletes runs recorded before the given time and returns how many
// were removed.
func (s *Store) Prune(before time.Time) (int64, error) {
	if s == nil {
		return 0, nil
	}
	cutoff := before.UTC().Format(timeLayout)

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("history: begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(
		`DELETE FROM run_counts WHERE run_id IN (SELECT id FROM runs WHERE timestamp < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("history: prune counts: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM runs WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("history: prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("history: rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("history: commit transaction: %w", err)
	}
	return n, nil
}

// Close closes the underlying database connection.
// Nil receiver is a no-op.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("history: close database: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		run    Run
		ts     string
		dedupe bool
	)
	err := row.Scan(&run.ID, &ts, &run.Inputs, &run.Records, &dedupe,
		&run.Filter, &run.MatchPath, &run.MatchValue, &run.CountPath)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("history: scan run: %w", err)
	}
	run.Dedupe = dedupe
	run.Timestamp, err = time.ParseInLocation(timeLayout, ts, time.UTC)
	if err != nil {
		return Run{}, fmt.Errorf("history: parse timestamp %q: %w", ts, err)
	}
	return run, nil
}
