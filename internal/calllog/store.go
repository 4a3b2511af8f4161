// Package calllog keeps a persistent, append-only record of tool calls
// and resource reads routed through the host. Records are indexed by
// time and server so the recent history and per-server totals stay
// cheap to query.
package calllog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Kind distinguishes what a record describes.
type Kind string

const (
	KindTool     Kind = "tool"
	KindResource Kind = "resource"
)

// Outcome is how a call ended.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeToolError Outcome = "tool_error" // result carried isError
	OutcomeError     Outcome = "error"
	OutcomeTimeout   Outcome = "timeout"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Record is one routed call.
type Record struct {
	ID       string        `json:"id"`
	Time     time.Time     `json:"time"`
	Server   string        `json:"server"`
	Kind     Kind          `json:"kind"`
	Target   string        `json:"target"` // tool name or resource URI
	Duration time.Duration `json:"duration_ns"`
	Outcome  Outcome       `json:"outcome"`
	Error    string        `json:"error,omitempty"`
}

// Summary holds per-server totals.
type Summary struct {
	Server    string        `json:"server"`
	Calls     int           `json:"calls"`
	Failures  int           `json:"failures"`
	Timeouts  int           `json:"timeouts"`
	TotalTime time.Duration `json:"total_ns"`
}

// Store is an append-only SQLite store for call records. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore opens or creates the call log at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open call log database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate call log schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS calls (
		id          TEXT PRIMARY KEY,
		timestamp   TEXT NOT NULL,
		server      TEXT NOT NULL,
		kind        TEXT NOT NULL,
		target      TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		outcome     TEXT NOT NULL,
		error       TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_calls_timestamp ON calls(timestamp);
	CREATE INDEX IF NOT EXISTS idx_calls_server ON calls(server);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a call. If rec.ID is empty a UUIDv7 is generated, so
// IDs sort in insertion order.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate call record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calls (id, timestamp, server, kind, target, duration_ms, outcome, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Time.UTC().Format(timeLayout),
		rec.Server,
		string(rec.Kind),
		rec.Target,
		rec.Duration.Milliseconds(),
		string(rec.Outcome),
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("insert call record: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first. A non-empty server
// restricts the result to that server.
func (s *Store) Recent(ctx context.Context, server string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, timestamp, server, kind, target, duration_ms, outcome, COALESCE(error, '')
		 FROM calls`
	args := []any{}
	if server != "" {
		query += ` WHERE server = ?`
		args = append(args, server)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent calls: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec        Record
			ts         string
			kind       string
			outcome    string
			durationMS int64
		)
		if err := rows.Scan(&rec.ID, &ts, &rec.Server, &kind, &rec.Target, &durationMS, &outcome, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan call record: %w", err)
		}
		rec.Time, err = time.Parse(timeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("parse call timestamp %q: %w", ts, err)
		}
		rec.Kind = Kind(kind)
		rec.Outcome = Outcome(outcome)
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SummaryByServer returns per-server totals for records at or after
// since, ordered by server name.
func (s *Store) SummaryByServer(ctx context.Context, since time.Time) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT server,
			COUNT(*),
			COALESCE(SUM(CASE WHEN outcome != 'ok' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome = 'timeout' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(duration_ms), 0)
		 FROM calls
		 WHERE timestamp >= ?
		 GROUP BY server
		 ORDER BY server`,
		since.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query call summary: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum   Summary
			total int64
		)
		if err := rows.Scan(&sum.Server, &sum.Calls, &sum.Failures, &sum.Timeouts, &total); err != nil {
			return nil, fmt.Errorf("scan call summary: %w", err)
		}
		sum.TotalTime = time.Duration(total) * time.Millisecond
		out = append(out, sum)
	}
	return out, rows.Err()
}
