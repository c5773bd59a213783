package store

import (
	"fmt"
	"time"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
)

type sessionRow struct {
	objective, steps, extracted []byte
	finishedAt                  time.Time
}

type historyRow struct {
	seq        int
	kind       string
	stepID     string
	payload    []byte
	recordedAt time.Time
}

func encodeSession(rec *schemas.SessionRecord) (sessionRow, error) {
	if rec == nil || rec.SessionID == "" {
		return sessionRow{}, fmt.Errorf("session record must have an id")
	}
	var row sessionRow
	var err error
	if row.objective, err = json.Marshal(rec.Objective); err != nil {
		return row, fmt.Errorf("failed to encode objective: %w", err)
	}
	steps := rec.Steps
	if steps == nil {
		steps = []schemas.Step{}
	}
	if row.steps, err = json.Marshal(steps); err != nil {
		return row, fmt.Errorf("failed to encode steps: %w", err)
	}
	extracted := rec.Extracted
	if extracted == nil {
		extracted = map[string]interface{}{}
	}
	if row.extracted, err = json.Marshal(extracted); err != nil {
		return row, fmt.Errorf("failed to encode extracted data: %w", err)
	}
	row.finishedAt = time.Now().UTC()
	if sum := rec.Summary(); sum != nil && !sum.FinishedAt.IsZero() {
		row.finishedAt = sum.FinishedAt.UTC()
	}
	return row, nil
}

func encodeHistory(rec *schemas.SessionRecord) ([]historyRow, error) {
	rows := make([]historyRow, 0, len(rec.History))
	for _, e := range rec.History {
		payload, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("failed to encode history entry %d: %w", e.Seq, err)
		}
		rows = append(rows, historyRow{
			seq:        e.Seq,
			kind:       string(e.Kind),
			stepID:     entryStepID(e),
			payload:    payload,
			recordedAt: e.Timestamp.UTC(),
		})
	}
	return rows, nil
}

func entryStepID(e schemas.HistoryEntry) string {
	switch {
	case e.Attempt != nil:
		return e.Attempt.StepID
	case e.Decision != nil:
		return e.Decision.StepID
	}
	return ""
}

func decodeSession(id, outcome string, startedAt time.Time, cursor int, objective, steps, extracted []byte) (*schemas.SessionRecord, error) {
	rec := &schemas.SessionRecord{
		SessionID: id,
		Outcome:   schemas.Outcome(outcome),
		StartedAt: startedAt.UTC(),
		Cursor:    cursor,
	}
	if err := json.Unmarshal(objective, &rec.Objective); err != nil {
		return nil, fmt.Errorf("failed to decode objective: %w", err)
	}
	if err := json.Unmarshal(steps, &rec.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode steps: %w", err)
	}
	if len(extracted) > 0 {
		if err := json.Unmarshal(extracted, &rec.Extracted); err != nil {
			return nil, fmt.Errorf("failed to decode extracted data: %w", err)
		}
		if len(rec.Extracted) == 0 {
			rec.Extracted = nil
		}
	}
	return rec, nil
}
