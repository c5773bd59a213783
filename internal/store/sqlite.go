package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT PRIMARY KEY,
    goal        TEXT NOT NULL,
    outcome     TEXT NOT NULL,
    started_at  TEXT NOT NULL,
    finished_at TEXT NOT NULL,
    step_cursor INTEGER NOT NULL,
    objective   TEXT NOT NULL,
    steps       TEXT NOT NULL,
    extracted   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS session_history (
    session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    seq         INTEGER NOT NULL,
    kind        TEXT NOT NULL,
    step_id     TEXT NOT NULL,
    payload     TEXT NOT NULL,
    recorded_at TEXT NOT NULL,
    PRIMARY KEY (session_id, seq)
);`

// SQLiteStore keeps session records in a local SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	log *zap.Logger
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, schemas.Errorf(schemas.ErrCodeConfig, "store.OpenSQLite", "sqlite store requires a path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range []string{"PRAGMA foreign_keys=ON;", "PRAGMA busy_timeout=5000;", sqliteSchema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to prepare sqlite database: %w", err)
		}
	}
	return &SQLiteStore{db: db, log: logger.Named("store")}, nil
}

// SaveSession writes the record and replaces its history in one transaction.
func (s *SQLiteStore) SaveSession(ctx context.Context, rec *schemas.SessionRecord) error {
	row, err := encodeSession(rec)
	if err != nil {
		return err
	}
	history, err := encodeHistory(rec)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if _, err := tx.ExecContext(ctx, `INSERT INTO sessions (id, goal, outcome, started_at, finished_at, step_cursor, objective, steps, extracted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			outcome = excluded.outcome,
			finished_at = excluded.finished_at,
			step_cursor = excluded.step_cursor,
			steps = excluded.steps,
			extracted = excluded.extracted`,
		rec.SessionID, rec.Objective.Goal, string(rec.Outcome),
		formatTime(rec.StartedAt), formatTime(row.finishedAt), rec.Cursor,
		string(row.objective), string(row.steps), string(row.extracted),
	); err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_history WHERE session_id = ?`, rec.SessionID); err != nil {
		return fmt.Errorf("failed to clear session history: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO session_history (session_id, seq, kind, step_id, payload, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare history insert: %w", err)
	}
	defer stmt.Close()
	for _, h := range history {
		if _, err := stmt.ExecContext(ctx, rec.SessionID, h.seq, h.kind, h.stepID, string(h.payload), formatTime(h.recordedAt)); err != nil {
			return fmt.Errorf("failed to insert history entry %d: %w", h.seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetSession loads a saved record with its history in sequence order.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*schemas.SessionRecord, error) {
	var (
		objective, steps, extracted, outcome, startedAt string
		cursor                                          int
	)
	err := s.db.QueryRowContext(ctx, `SELECT objective, outcome, started_at, step_cursor, steps, extracted FROM sessions WHERE id = ?`, sessionID).
		Scan(&objective, &outcome, &startedAt, &cursor, &steps, &extracted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	started, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid started_at %q: %w", startedAt, err)
	}
	rec, err := decodeSession(sessionID, outcome, started, cursor, []byte(objective), []byte(steps), []byte(extracted))
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM session_history WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		var entry schemas.HistoryEntry
		if err := json.UnmarshalFromString(payload, &entry); err != nil {
			return nil, fmt.Errorf("failed to decode history entry: %w", err)
		}
		rec.History = append(rec.History, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return rec, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
