package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSink stores audit events in a local SQLite database so they can be
// queried without a log pipeline.
type SQLiteSink struct {
	path string
	db   *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	request_id  TEXT NOT NULL,
	ts          TEXT NOT NULL,
	kind        TEXT NOT NULL,
	source      TEXT NOT NULL,
	client_id   TEXT NOT NULL DEFAULT '',
	outcome     TEXT NOT NULL,
	latency_ms  REAL NOT NULL,
	mentions    INTEGER NOT NULL DEFAULT 0,
	matched     INTEGER NOT NULL DEFAULT 0,
	payload     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events(ts);
CREATE INDEX IF NOT EXISTS idx_audit_events_kind_outcome ON audit_events(kind, outcome);
`

func NewSQLiteSink(path string) (*SQLiteSink, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteSink{path: path, db: db}, nil
}

func (s *SQLiteSink) Name() string { return "sqlite:" + s.path }

func (s *SQLiteSink) Deliver(ctx context.Context, ev *Event) error {
	if ev == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	var mentions, matched int
	if ev.Extract != nil {
		mentions, matched = ev.Extract.Mentions, ev.Extract.Matched
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_events (request_id, ts, kind, source, client_id, outcome, latency_ms, mentions, matched, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RequestID,
		ev.Timestamp.UTC().Format(time.RFC3339Nano),
		string(ev.Kind),
		ev.Source,
		ev.ClientID,
		string(ev.Outcome),
		ev.LatencyMs,
		mentions,
		matched,
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Count returns the number of stored events of kind with outcome. Empty
// filters match everything.
func (s *SQLiteSink) Count(ctx context.Context, kind Kind, outcome Outcome) (int, error) {
	query := "SELECT COUNT(*) FROM audit_events WHERE (? = '' OR kind = ?) AND (? = '' OR outcome = ?)"
	var n int
	err := s.db.QueryRowContext(ctx, query, string(kind), string(kind), string(outcome), string(outcome)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func (s *SQLiteSink) Close(context.Context) error {
	return s.db.Close()
}
