// Package tracking persists a ledger of pipeline runs in SQLite: one row per
// run with its config snapshot, final stats, and error if any.
package tracking

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/baldanca/sales-etl/pipeline"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	config      TEXT NOT NULL,
	stats       TEXT,
	error       TEXT,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME
);
`

// Store is a SQLite-backed run ledger. It implements pipeline.Tracker.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the ledger database at path. Use ":memory:" for an
// ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open tracking db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init tracking schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// RunStarted inserts a pending run with its config snapshot.
func (s *Store) RunStarted(ctx context.Context, runID string, cfg pipeline.Config) error {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, config, started_at) VALUES (?, ?, ?, ?)`,
		runID, "running", string(cfgJSON), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// RunFinished records final stats and status for a run.
func (s *Store) RunFinished(ctx context.Context, runID string, stats pipeline.Stats, runErr error) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}

	status := "completed"
	var errText sql.NullString
	if runErr != nil {
		status = "failed"
		errText = sql.NullString{String: runErr.Error(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, stats = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, string(statsJSON), errText, time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// Run is one ledger entry.
type Run struct {
	ID         string
	Status     string
	Config     string
	Stats      string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Runs lists all runs, most recent first.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, config, COALESCE(stats, ''), COALESCE(error, ''),
		        started_at, COALESCE(finished_at, started_at)
		 FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Status, &r.Config, &r.Stats, &r.Error, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
