// Package store persists finished session records. PostgreSQL is the shared
// backend; SQLite keeps a local file for single-machine runs.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
	"github.com/xkilldash9x/autopilot-cli/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotFound is returned by GetSession for an unknown id.
var ErrNotFound = errors.New("session not found")

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

const (
	pgSchema = `
        CREATE TABLE IF NOT EXISTS sessions (
            id          TEXT PRIMARY KEY,
            goal        TEXT NOT NULL,
            outcome     TEXT NOT NULL,
            started_at  TIMESTAMPTZ NOT NULL,
            finished_at TIMESTAMPTZ NOT NULL,
            step_cursor INTEGER NOT NULL,
            objective   JSONB NOT NULL,
            steps       JSONB NOT NULL,
            extracted   JSONB NOT NULL
        );
        CREATE TABLE IF NOT EXISTS session_history (
            session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
            seq         INTEGER NOT NULL,
            kind        TEXT NOT NULL,
            step_id     TEXT NOT NULL,
            payload     JSONB NOT NULL,
            recorded_at TIMESTAMPTZ NOT NULL,
            PRIMARY KEY (session_id, seq)
        );
    `
	pgUpsertSession = `
        INSERT INTO sessions (id, goal, outcome, started_at, finished_at, step_cursor, objective, steps, extracted)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (id) DO UPDATE SET
            outcome = EXCLUDED.outcome,
            finished_at = EXCLUDED.finished_at,
            step_cursor = EXCLUDED.step_cursor,
            steps = EXCLUDED.steps,
            extracted = EXCLUDED.extracted;
    `
	pgDeleteHistory = `DELETE FROM session_history WHERE session_id = $1;`
	pgSelectSession = `
        SELECT objective, outcome, started_at, step_cursor, steps, extracted
        FROM sessions
        WHERE id = $1;
    `
	pgSelectHistory = `
        SELECT payload
        FROM session_history
        WHERE session_id = $1
        ORDER BY seq ASC;
    `
)

var historyColumns = []string{"session_id", "seq", "kind", "step_id", "payload", "recorded_at"}

// Store provides a PostgreSQL implementation of schemas.Store.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Migrate creates the tables when they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveSession writes the record and replaces its history in one transaction.
func (s *Store) SaveSession(ctx context.Context, rec *schemas.SessionRecord) error {
	row, err := encodeSession(rec)
	if err != nil {
		return err
	}
	history, err := encodeHistory(rec)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if _, err := tx.Exec(ctx, pgUpsertSession,
		rec.SessionID, rec.Objective.Goal, string(rec.Outcome),
		rec.StartedAt.UTC(), row.finishedAt, rec.Cursor,
		row.objective, row.steps, row.extracted,
	); err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	if _, err := tx.Exec(ctx, pgDeleteHistory, rec.SessionID); err != nil {
		return fmt.Errorf("failed to clear session history: %w", err)
	}

	if len(history) > 0 {
		rows := make([][]interface{}, len(history))
		for i, h := range history {
			rows[i] = []interface{}{rec.SessionID, h.seq, h.kind, h.stepID, h.payload, h.recordedAt}
		}
		copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{"session_history"}, historyColumns, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("failed to copy session history: %w", err)
		}
		if int(copyCount) != len(history) {
			return fmt.Errorf("mismatch in copied history count: expected %d, got %d", len(history), copyCount)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Session saved", zap.String("session_id", rec.SessionID), zap.Int("entries", len(history)))
	return nil
}

// GetSession loads a saved record with its history in sequence order.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*schemas.SessionRecord, error) {
	var (
		objective, steps, extracted []byte
		outcome                     string
		startedAt                   time.Time
		cursor                      int
	)
	err := s.pool.QueryRow(ctx, pgSelectSession, sessionID).Scan(&objective, &outcome, &startedAt, &cursor, &steps, &extracted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	rec, err := decodeSession(sessionID, outcome, startedAt, cursor, objective, steps, extracted)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, pgSelectHistory, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		var entry schemas.HistoryEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return nil, fmt.Errorf("failed to decode history entry: %w", err)
		}
		rec.History = append(rec.History, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return rec, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Open returns the store selected by cfg. The "none" type keeps nothing.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (schemas.Store, error) {
	switch cfg.Type {
	case "", config.StoreNone:
		return Nop{}, nil
	case config.StoreSQLite:
		s, err := OpenSQLite(ctx, cfg.Path, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		s, err := New(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return s, nil
	}
	return nil, schemas.Errorf(schemas.ErrCodeConfig, "store.Open", "unknown store type %q", cfg.Type)
}

// Nop discards records.
type Nop struct{}

func (Nop) SaveSession(context.Context, *schemas.SessionRecord) error { return nil }

func (Nop) GetSession(_ context.Context, id string) (*schemas.SessionRecord, error) {
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (Nop) Close() error { return nil }
