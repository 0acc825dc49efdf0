package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"guardpost-monitor/internal/probe"
)

const timeFormat = time.RFC3339Nano

const schema = `
CREATE TABLE IF NOT EXISTS probe_results (
	id          TEXT PRIMARY KEY,
	target      TEXT NOT NULL,
	observed_at TEXT NOT NULL,
	ready       INTEGER NOT NULL,
	payload     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_probe_results_target_observed
	ON probe_results (target, observed_at DESC);
`

type Config struct {
	Path       string
	MaxHistory int // Rows retained per target (default 1000)
}

// Store archives probe results in a local SQLite database and serves the
// history queries the status API exposes.
type Store struct {
	db         *sql.DB
	maxHistory int
}

func Open(config Config) (*Store, error) {
	if strings.TrimSpace(config.Path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if config.MaxHistory == 0 {
		config.MaxHistory = 1000
	}

	dsn := filepath.Clean(config.Path) + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %v", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite db: %v", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %v", err)
	}

	return &Store{
		db:         db,
		maxHistory: config.MaxHistory,
	}, nil
}

func (s *Store) Record(ctx context.Context, result *probe.Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %v", err)
	}

	ready := 0
	if result.Ready {
		ready = 1
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO probe_results (id, target, observed_at, ready, payload) VALUES (?, ?, ?, ?, ?)`,
		result.ID, result.Target, result.ObservedAt.UTC().Format(timeFormat), ready, string(payload))
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %v", err)
	}

	// Keep at most maxHistory rows per target
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM probe_results WHERE target = ? AND id NOT IN (
			SELECT id FROM probe_results WHERE target = ? ORDER BY observed_at DESC LIMIT ?
		)`,
		result.Target, result.Target, s.maxHistory)
	if err != nil {
		return fmt.Errorf("failed to prune history: %v", err)
	}

	return nil
}

func (s *Store) History(ctx context.Context, target string, limit int) ([]*probe.Result, error) {
	if limit <= 0 || limit > s.maxHistory {
		limit = s.maxHistory
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM probe_results WHERE target = ? ORDER BY observed_at DESC LIMIT ?`,
		target, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %v", err)
	}
	defer rows.Close()

	var results []*probe.Result
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %v", err)
		}
		var result probe.Result
		if err := json.Unmarshal([]byte(payload), &result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot: %v", err)
		}
		results = append(results, &result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history rows: %v", err)
	}

	return results, nil
}

func (s *Store) CheckHealth(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
