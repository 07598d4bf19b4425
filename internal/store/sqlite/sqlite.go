// Package sqlite indexes execution outcomes for the listing and inspection
// endpoints. The JSONL audit log is the durable record; this store exists so
// recent history can be queried without scanning log files.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/scriptgate/scriptgate/pkg/types"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			ts_unix_ns INTEGER NOT NULL,
			session_id TEXT,
			path TEXT NOT NULL,
			args_json TEXT,
			exit_code INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			timed_out INTEGER NOT NULL,
			truncated INTEGER NOT NULL,
			stdout_bytes INTEGER NOT NULL,
			stderr_bytes INTEGER NOT NULL,
			log_path TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_executions_ts ON executions(ts_unix_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_executions_session ON executions(session_id, ts_unix_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_executions_path ON executions(path, ts_unix_ns);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) AppendExecution(ctx context.Context, rec types.ExecutionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("execution record missing id")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	argsJSON, err := json.Marshal(rec.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO executions
		(id, ts_unix_ns, session_id, path, args_json, exit_code, duration_ms,
		 timed_out, truncated, stdout_bytes, stderr_bytes, log_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp.UnixNano(), rec.SessionID, rec.Path, string(argsJSON),
		rec.ExitCode, rec.DurationMs, boolInt(rec.TimedOut), boolInt(rec.Truncated),
		rec.StdoutBytes, rec.StderrBytes, rec.LogPath)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// Recent returns up to limit executions newest first, optionally filtered by
// session or script path.
func (s *Store) Recent(ctx context.Context, sessionID, path string, limit int) ([]types.ExecutionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id, ts_unix_ns, session_id, path, args_json, exit_code, duration_ms,
		timed_out, truncated, stdout_bytes, stderr_bytes, log_path FROM executions`
	var args []any
	var where []string
	if sessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, sessionID)
	}
	if path != "" {
		where = append(where, "path = ?")
		args = append(args, path)
	}
	for i, w := range where {
		if i == 0 {
			q += " WHERE " + w
		} else {
			q += " AND " + w
		}
	}
	q += " ORDER BY ts_unix_ns DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var out []types.ExecutionRecord
	for rows.Next() {
		var rec types.ExecutionRecord
		var tsNs int64
		var argsJSON, sessionCol, logPath sql.NullString
		var timedOut, truncated int
		if err := rows.Scan(&rec.ID, &tsNs, &sessionCol, &rec.Path, &argsJSON, &rec.ExitCode,
			&rec.DurationMs, &timedOut, &truncated, &rec.StdoutBytes, &rec.StderrBytes, &logPath); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		rec.Timestamp = time.Unix(0, tsNs).UTC()
		rec.SessionID = sessionCol.String
		rec.LogPath = logPath.String
		rec.TimedOut = timedOut != 0
		rec.Truncated = truncated != 0
		if argsJSON.Valid && argsJSON.String != "" {
			if err := json.Unmarshal([]byte(argsJSON.String), &rec.Args); err != nil {
				return nil, fmt.Errorf("unmarshal args: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
