package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

// ArgumentMatcherFunc is a helper to create inline mock matchers.
type ArgumentMatcherFunc func(interface{}) bool

func (f ArgumentMatcherFunc) Match(v interface{}) bool {
	return f(v)
}

// anyValue accepts anything; used for timestamps and encoded JSON.
var anyValue = ArgumentMatcherFunc(func(v interface{}) bool {
	return true
})

func sampleRecord() *schemas.SessionRecord {
	started := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	step := schemas.Step{
		ID: "1", Description: "Open the login form", Action: schemas.ActionClick,
		Target:   schemas.Target{Kind: schemas.TargetSemantic, Value: "login link"},
		Critical: true, Status: schemas.StepSucceeded,
	}
	attempt := schemas.StepAttempt{
		StepID: "1", Attempt: 1,
		Locator:      schemas.LocatorResult{Target: step.Target, Found: true},
		Execution:    schemas.ExecutionResult{Success: true},
		Verification: schemas.VerificationPass,
		Timestamp:    started.Add(time.Second),
	}
	summary := schemas.SessionSummary{
		Outcome:    schemas.OutcomeCompleted,
		StepCounts: map[schemas.StepStatus]int{schemas.StepSucceeded: 1},
		TotalSteps: 1, Attempts: 1,
		Elapsed:    2 * time.Second,
		FinishedAt: started.Add(2 * time.Second),
	}
	return &schemas.SessionRecord{
		SessionID: uuid.NewString(),
		Objective: schemas.Objective{Goal: "log in", StartURL: "https://example.test"},
		StartedAt: started,
		Outcome:   schemas.OutcomeCompleted,
		Steps:     []schemas.Step{step},
		Cursor:    1,
		History: []schemas.HistoryEntry{
			{Seq: 1, Kind: schemas.EntryAttempt, Attempt: &attempt, Timestamp: attempt.Timestamp},
			{Seq: 2, Kind: schemas.EntrySummary, Summary: &summary, Timestamp: summary.FinishedAt},
		},
		Extracted: map[string]interface{}{"1": map[string]interface{}{"text": "Welcome"}},
	}
}

func newMockStore(t *testing.T, logger *zap.Logger) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)
	mockPool.ExpectPing().WillReturnError(nil)
	s, err := New(context.Background(), mockPool, logger)
	require.NoError(t, err)
	return s, mockPool
}

// -- Test Cases --

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestMigrate(t *testing.T) {
	s, mockPool := newMockStore(t, zap.NewNop())
	mockPool.ExpectExec(flexibleSQLMatcher(pgSchema)).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

// upsertArgs matches the nine session columns without pinning their values.
func upsertArgs() []interface{} {
	args := make([]interface{}, 9)
	for i := range args {
		args[i] = anyValue
	}
	return args
}

func TestSaveSession(t *testing.T) {
	ctx := context.Background()

	t.Run("should persist the record and history without rollback errors", func(t *testing.T) {
		observedZapCore, observedLogs := observer.New(zapcore.ErrorLevel)
		s, mockPool := newMockStore(t, zap.New(observedZapCore))
		rec := sampleRecord()

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(pgUpsertSession)).
			WithArgs(
				rec.SessionID, "log in", "COMPLETED",
				rec.StartedAt,
				rec.Summary().FinishedAt, // finished_at comes from the summary
				1, anyValue, anyValue, anyValue,
			).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(flexibleSQLMatcher(pgDeleteHistory)).
			WithArgs(rec.SessionID).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mockPool.ExpectCopyFrom(pgx.Identifier{"session_history"}, historyColumns).
			WillReturnResult(2)
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.SaveSession(ctx, rec))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, observedLogs.All(), "Expected no errors logged on successful commit")
	})

	t.Run("should reject a record without an id", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		err := s.SaveSession(ctx, &schemas.SessionRecord{})
		assert.Error(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should return error if transaction cannot begin", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		beginErr := errors.New("connection reset")
		mockPool.ExpectBegin().WillReturnError(beginErr)

		err := s.SaveSession(ctx, sampleRecord())
		assert.ErrorIs(t, err, beginErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should roll back when the history copy fails", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		rec := sampleRecord()
		copyErr := errors.New("copy failed")

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(pgUpsertSession)).WithArgs(upsertArgs()...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(flexibleSQLMatcher(pgDeleteHistory)).WithArgs(rec.SessionID).WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mockPool.ExpectCopyFrom(pgx.Identifier{"session_history"}, historyColumns).WillReturnError(copyErr)
		mockPool.ExpectRollback()

		err := s.SaveSession(ctx, rec)
		assert.ErrorIs(t, err, copyErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should detect a short copy", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		rec := sampleRecord()

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(pgUpsertSession)).WithArgs(upsertArgs()...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(flexibleSQLMatcher(pgDeleteHistory)).WithArgs(rec.SessionID).WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mockPool.ExpectCopyFrom(pgx.Identifier{"session_history"}, historyColumns).WillReturnResult(1)
		mockPool.ExpectRollback()

		err := s.SaveSession(ctx, rec)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mismatch in copied history count")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should log rollback failures", func(t *testing.T) {
		observedZapCore, observedLogs := observer.New(zapcore.ErrorLevel)
		s, mockPool := newMockStore(t, zap.New(observedZapCore))

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(pgUpsertSession)).WithArgs(upsertArgs()...).WillReturnError(errors.New("constraint violation"))
		mockPool.ExpectRollback().WillReturnError(errors.New("connection lost"))

		assert.Error(t, s.SaveSession(ctx, sampleRecord()))
		require.Equal(t, 1, observedLogs.Len())
		assert.Equal(t, "Failed to rollback transaction", observedLogs.All()[0].Message)
	})
}

func TestGetSession(t *testing.T) {
	ctx := context.Background()

	t.Run("should load the record and ordered history", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		want := sampleRecord()
		row, err := encodeSession(want)
		require.NoError(t, err)
		history, err := encodeHistory(want)
		require.NoError(t, err)

		mockPool.ExpectQuery(flexibleSQLMatcher(pgSelectSession)).
			WithArgs(want.SessionID).
			WillReturnRows(pgxmock.NewRows([]string{"objective", "outcome", "started_at", "step_cursor", "steps", "extracted"}).
				AddRow(row.objective, "COMPLETED", want.StartedAt, 1, row.steps, row.extracted))
		historyRows := pgxmock.NewRows([]string{"payload"})
		for _, h := range history {
			historyRows.AddRow(h.payload)
		}
		mockPool.ExpectQuery(flexibleSQLMatcher(pgSelectHistory)).
			WithArgs(want.SessionID).
			WillReturnRows(historyRows)

		got, err := s.GetSession(ctx, want.SessionID)
		require.NoError(t, err)
		assert.Equal(t, want.SessionID, got.SessionID)
		assert.Equal(t, want.Objective, got.Objective)
		assert.Equal(t, schemas.OutcomeCompleted, got.Outcome)
		assert.Equal(t, want.Steps, got.Steps)
		require.Len(t, got.History, 2)
		assert.Equal(t, schemas.EntryAttempt, got.History[0].Kind)
		require.NotNil(t, got.Summary())
		assert.Equal(t, 1, got.Summary().Attempts)
		assert.Equal(t, "Welcome", got.Extracted["1"].(map[string]interface{})["text"])
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should report unknown sessions as not found", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		mockPool.ExpectQuery(flexibleSQLMatcher(pgSelectSession)).
			WithArgs("missing").
			WillReturnError(pgx.ErrNoRows)

		_, err := s.GetSession(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, configFor("none", ""), zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, Nop{}, s)
	assert.NoError(t, s.SaveSession(ctx, sampleRecord()))
	_, err = s.GetSession(ctx, "x")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = Open(ctx, configFor("mongo", ""), zap.NewNop())
	assert.Equal(t, schemas.ErrCodeConfig, schemas.CodeOf(err))

	_, err = Open(ctx, configFor("sqlite", ""), zap.NewNop())
	assert.Equal(t, schemas.ErrCodeConfig, schemas.CodeOf(err))
}
