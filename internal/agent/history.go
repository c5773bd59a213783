package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
)

// History is a session's ordered, append-only record of attempts, recovery
// decisions and the terminal summary. Entries are copied in and out, so no
// caller can mutate a record once it has been appended.
type History struct {
	mu       sync.RWMutex
	entries  []schemas.HistoryEntry
	attempts map[string]int // step id -> last attempt number
	sealed   bool
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{attempts: make(map[string]int)}
}

// NextAttempt is the number the next attempt on stepID must carry.
func (h *History) NextAttempt(stepID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.attempts[stepID] + 1
}

// AppendAttempt records an attempt. Attempt numbers must increase by one per
// step starting at 1.
func (h *History) AppendAttempt(a schemas.StepAttempt) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sealed {
		return fmt.Errorf("history is sealed")
	}
	if want := h.attempts[a.StepID] + 1; a.Attempt != want {
		return fmt.Errorf("attempt %d on step %s out of order, expected %d", a.Attempt, a.StepID, want)
	}
	h.attempts[a.StepID] = a.Attempt
	h.append(schemas.HistoryEntry{Kind: schemas.EntryAttempt, Attempt: &a, Timestamp: a.Timestamp})
	return nil
}

// AppendDecision records a recovery decision.
func (h *History) AppendDecision(d schemas.RecoveryDecision) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sealed {
		return fmt.Errorf("history is sealed")
	}
	d.Steps = append([]schemas.Step(nil), d.Steps...)
	if d.Target != nil {
		t := *d.Target
		d.Target = &t
	}
	h.append(schemas.HistoryEntry{Kind: schemas.EntryDecision, Decision: &d, Timestamp: time.Now().UTC()})
	return nil
}

// Seal appends the terminal summary. Nothing can be appended afterwards.
func (h *History) Seal(s schemas.SessionSummary) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sealed {
		return fmt.Errorf("history is already sealed")
	}
	h.append(schemas.HistoryEntry{Kind: schemas.EntrySummary, Summary: &s, Timestamp: s.FinishedAt})
	h.sealed = true
	return nil
}

func (h *History) append(e schemas.HistoryEntry) {
	e.Seq = len(h.entries) + 1
	h.entries = append(h.entries, e)
}

// Entries returns a deep copy of the history.
func (h *History) Entries() []schemas.HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]schemas.HistoryEntry, len(h.entries))
	for i, e := range h.entries {
		out[i] = cloneEntry(e)
	}
	return out
}

// AttemptsFor returns the attempts on stepID in order.
func (h *History) AttemptsFor(stepID string) []schemas.StepAttempt {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []schemas.StepAttempt
	for _, e := range h.entries {
		if e.Kind == schemas.EntryAttempt && e.Attempt.StepID == stepID {
			out = append(out, *e.Attempt)
		}
	}
	return out
}

// TotalAttempts counts attempts across all steps.
func (h *History) TotalAttempts() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.attempts {
		n += c
	}
	return n
}

func cloneEntry(e schemas.HistoryEntry) schemas.HistoryEntry {
	if e.Attempt != nil {
		a := *e.Attempt
		e.Attempt = &a
	}
	if e.Decision != nil {
		d := *e.Decision
		d.Steps = append([]schemas.Step(nil), d.Steps...)
		if d.Target != nil {
			t := *d.Target
			d.Target = &t
		}
		e.Decision = &d
	}
	if e.Summary != nil {
		s := *e.Summary
		s.StepCounts = make(map[schemas.StepStatus]int, len(e.Summary.StepCounts))
		for k, v := range e.Summary.StepCounts {
			s.StepCounts[k] = v
		}
		e.Summary = &s
	}
	return e
}
