// File: api/schemas/schemas.go
package schemas

import (
	"fmt"
	"strings"
	"time"
)

// -- Objective --

// Objective is the natural-language automation goal supplied by the caller, plus
// the structured constraints that bound the session executing it. It is treated
// as immutable once a session starts.
type Objective struct {
	Goal        string        `json:"goal" yaml:"goal"`                                   // The free-text goal.
	StartURL    string        `json:"start_url,omitempty" yaml:"start_url,omitempty"`     // Optional page to load before planning.
	Timeout     time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`         // Session ceiling; zero means use the configured default.
	MaxSteps    int           `json:"max_steps,omitempty" yaml:"max_steps,omitempty"`     // Upper bound on plan length; zero means use the configured default.
	Constraints []string      `json:"constraints,omitempty" yaml:"constraints,omitempty"` // Free-text rules passed to the planner.
}

// Validate checks that the objective carries something to act on.
func (o Objective) Validate() error {
	if strings.TrimSpace(o.Goal) == "" {
		return fmt.Errorf("objective goal must not be empty")
	}
	if o.Timeout < 0 {
		return fmt.Errorf("objective timeout must not be negative")
	}
	if o.MaxSteps < 0 {
		return fmt.Errorf("objective max_steps must not be negative")
	}
	return nil
}

// -- Steps --

// ActionKind is the closed vocabulary of actions a step may perform.
type ActionKind string

const (
	ActionNavigate   ActionKind = "navigate"    // Changes the page URL and waits for load-complete.
	ActionClick      ActionKind = "click"       // Clicks the resolved element.
	ActionFill       ActionKind = "fill"        // Sets the value of an input element.
	ActionSelect     ActionKind = "select"      // Sets the value of an enumerated element.
	ActionWait       ActionKind = "wait"        // Blocks until a condition holds or the timeout elapses.
	ActionExtract    ActionKind = "extract"     // Reads structured data without mutating the page.
	ActionVerifyOnly ActionKind = "verify-only" // Performs nothing; only the post-condition is checked.
)

// Valid reports whether k is part of the action vocabulary.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionNavigate, ActionClick, ActionFill, ActionSelect, ActionWait, ActionExtract, ActionVerifyOnly:
		return true
	}
	return false
}

// SideEffecting reports whether executing k mutates page state.
func (k ActionKind) SideEffecting() bool {
	switch k {
	case ActionNavigate, ActionClick, ActionFill, ActionSelect:
		return true
	}
	return false
}

// RequiresTarget reports whether k can only run against a resolved element.
func (k ActionKind) RequiresTarget() bool {
	switch k {
	case ActionClick, ActionFill, ActionSelect:
		return true
	}
	return false
}

// TargetKind tells the locator how to interpret a target descriptor.
type TargetKind string

const (
	TargetSemantic TargetKind = "semantic" // A natural-language description ranked against page candidates.
	TargetCSS      TargetKind = "css"      // A structural CSS selector.
	TargetXPath    TargetKind = "xpath"    // A structural XPath expression.
	TargetText     TargetKind = "text"     // Exact visible text of the element.
)

// Target describes the element a step acts on.
type Target struct {
	Kind  TargetKind `json:"kind" yaml:"kind"`
	Value string     `json:"value" yaml:"value"`
	// RequireUnique asks the locator to fail with LocatorAmbiguous instead of
	// silently breaking ties when the top candidates are too close to call.
	RequireUnique bool `json:"require_unique,omitempty" yaml:"require_unique,omitempty"`
}

// IsZero reports whether no target was given.
func (t Target) IsZero() bool {
	return strings.TrimSpace(t.Value) == ""
}

// Structural reports whether the target is resolved directly rather than ranked.
func (t Target) Structural() bool {
	return t.Kind == TargetCSS || t.Kind == TargetXPath
}

func (t Target) String() string {
	if t.IsZero() {
		return "<none>"
	}
	return fmt.Sprintf("%s:%q", t.Kind, t.Value)
}

// NormalizeTarget maps the wider selector vocabulary (id, class, name) onto the
// kinds the locator understands. Unknown or empty kinds become semantic.
func NormalizeTarget(kind, value string) Target {
	value = strings.TrimSpace(value)
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "css", "selector":
		return Target{Kind: TargetCSS, Value: value}
	case "xpath":
		return Target{Kind: TargetXPath, Value: value}
	case "text":
		return Target{Kind: TargetText, Value: value}
	case "id":
		return Target{Kind: TargetCSS, Value: "#" + strings.TrimPrefix(value, "#")}
	case "class":
		return Target{Kind: TargetCSS, Value: "." + strings.TrimPrefix(value, ".")}
	case "name":
		return Target{Kind: TargetCSS, Value: fmt.Sprintf("[name=%q]", value)}
	default:
		return Target{Kind: TargetSemantic, Value: value}
	}
}

// StepStatus is the lifecycle state of a step. Transitions are monotonic:
// Pending -> Running -> {Succeeded, Failed}, plus Failed -> Skipped.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepSucceeded StepStatus = "SUCCEEDED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
)

// CanTransition reports whether moving from s to next is permitted.
func (s StepStatus) CanTransition(next StepStatus) bool {
	switch s {
	case StepPending:
		return next == StepRunning
	case StepRunning:
		return next == StepSucceeded || next == StepFailed
	case StepFailed:
		return next == StepSkipped
	}
	return false
}

// Terminal reports whether no further transitions are expected.
func (s StepStatus) Terminal() bool {
	return s == StepSucceeded || s == StepSkipped
}

// Step is one atomic intended action plus its optional expected outcome.
type Step struct {
	ID          string     `json:"id" yaml:"id"`
	Description string     `json:"description" yaml:"description"`
	Action      ActionKind `json:"action" yaml:"action"`
	Target      Target     `json:"target,omitempty" yaml:"target,omitempty"`
	// Value carries the action parameter: the URL for navigate, the text for
	// fill, the option for select and the duration for an untargeted wait.
	Value string `json:"value,omitempty" yaml:"value,omitempty"`
	// PostCondition is a predicate over page state that must hold after the
	// step executes. Empty means the step is verified by successful execution.
	PostCondition string `json:"post_condition,omitempty" yaml:"post_condition,omitempty"`
	// Critical steps escalate to replan/abort when their retries are exhausted;
	// non-critical steps are skipped.
	Critical bool          `json:"critical" yaml:"critical"`
	Timeout  time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"` // Per-action override.
	Status   StepStatus    `json:"status" yaml:"status"`
}

// Validate checks the step for the minimum needed to execute it.
func (s Step) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("step is missing an id")
	}
	if !s.Action.Valid() {
		return fmt.Errorf("step %s: unknown action %q", s.ID, s.Action)
	}
	if s.Action.RequiresTarget() && s.Target.IsZero() {
		return fmt.Errorf("step %s: action %s requires a target", s.ID, s.Action)
	}
	if s.Action == ActionNavigate && s.Value == "" && s.Target.IsZero() {
		return fmt.Errorf("step %s: navigate requires a URL", s.ID)
	}
	return nil
}

// -- Attempts --

// LocatorResult records how a step's target was resolved for one attempt.
type LocatorResult struct {
	Found       bool      `json:"found"`
	Target      Target    `json:"target"`                // The descriptor actually used (possibly relaxed).
	ElementID   string    `json:"element_id,omitempty"`  // Opaque handle id of the chosen element.
	Description string    `json:"description,omitempty"` // Human readable summary of the chosen element.
	Score       float64   `json:"score,omitempty"`       // Relevance score of the chosen element.
	Candidates  int       `json:"candidates"`            // Number of candidates considered.
	ErrorCode   ErrorCode `json:"error_code,omitempty"`  // LOCATOR_NOT_FOUND or LOCATOR_AMBIGUOUS on failure.
	Error       string    `json:"error,omitempty"`       // Failure detail.
	Skipped     bool      `json:"skipped,omitempty"`     // True when the action needs no element.
}

// ExecutionResult records the outcome of performing one action.
type ExecutionResult struct {
	Success   bool          `json:"success"`
	ErrorCode ErrorCode     `json:"error_code,omitempty"`
	Error     string        `json:"error,omitempty"`
	Data      interface{}   `json:"data,omitempty"` // Payload of extract actions.
	Duration  time.Duration `json:"duration"`
}

// VerificationResult is the three-valued outcome of checking a post-condition.
type VerificationResult string

const (
	VerificationPass          VerificationResult = "PASS"
	VerificationFail          VerificationResult = "FAIL"
	VerificationIndeterminate VerificationResult = "INDETERMINATE"
	// VerificationNotRun marks attempts that failed before verification.
	VerificationNotRun VerificationResult = "NOT_RUN"
)

// StepAttempt is one append-only record of trying a step.
type StepAttempt struct {
	StepID       string             `json:"step_id"`
	Attempt      int                `json:"attempt"` // 1-based and strictly increasing per step.
	Locator      LocatorResult      `json:"locator"`
	Execution    ExecutionResult    `json:"execution"`
	Verification VerificationResult `json:"verification"`
	Detail       string             `json:"detail,omitempty"`     // Why verification did not pass.
	Screenshot   string             `json:"screenshot,omitempty"` // Page capture of a failed attempt.
	Timestamp    time.Time          `json:"timestamp"`
}

// Succeeded reports whether the attempt resolved, executed and verified.
func (a StepAttempt) Succeeded() bool {
	return a.Execution.Success && a.Verification == VerificationPass
}

// FailureCode classifies a failed attempt for the recovery strategist.
func (a StepAttempt) FailureCode() ErrorCode {
	switch {
	case !a.Locator.Skipped && !a.Locator.Found:
		if a.Locator.ErrorCode != "" {
			return a.Locator.ErrorCode
		}
		return ErrCodeLocatorNotFound
	case !a.Execution.Success:
		if a.Execution.ErrorCode != "" {
			return a.Execution.ErrorCode
		}
		return ErrCodeExecutionError
	case a.Verification == VerificationIndeterminate:
		return ErrCodeVerificationIndeterminate
	case a.Verification == VerificationFail:
		return ErrCodeVerificationFailed
	}
	return ""
}

// -- Recovery --

// DecisionKind tags the variant carried by a RecoveryDecision.
type DecisionKind string

const (
	DecisionRetry  DecisionKind = "RETRY"
	DecisionReplan DecisionKind = "REPLAN"
	DecisionSkip   DecisionKind = "SKIP"
	DecisionAbort  DecisionKind = "ABORT"
)

// RecoveryDecision is what the recovery strategist chose after a failed attempt.
type RecoveryDecision struct {
	Kind   DecisionKind `json:"kind"`
	StepID string       `json:"step_id"`
	// Target is the (possibly relaxed) descriptor for the next Retry attempt.
	Target *Target `json:"target,omitempty"`
	// Backoff is how long to wait before the next Retry attempt.
	Backoff time.Duration `json:"backoff,omitempty"`
	// Steps holds the replacement suffix once a Replan has been fulfilled.
	Steps     []Step `json:"steps,omitempty"`
	Rationale string `json:"rationale"`
}

// -- Session outcome --

// Outcome is the terminal state of a session.
type Outcome string

const (
	OutcomeCompleted Outcome = "COMPLETED"
	OutcomeFailed    Outcome = "FAILED"
	OutcomeAborted   Outcome = "ABORTED"
	OutcomeTimedOut  Outcome = "TIMED_OUT"
)

// ExitCode maps an outcome onto the process exit code contract.
func (o Outcome) ExitCode() int {
	switch o {
	case OutcomeCompleted:
		return 0
	case OutcomeFailed:
		return 1
	case OutcomeAborted:
		return 2
	case OutcomeTimedOut:
		return 3
	}
	return 1
}

// SessionSummary is the final record appended to a session's history.
type SessionSummary struct {
	Outcome     Outcome            `json:"outcome"`
	StepCounts  map[StepStatus]int `json:"step_counts"`
	TotalSteps  int                `json:"total_steps"`
	Attempts    int                `json:"attempts"`
	ReplansUsed int                `json:"replans_used"`
	Elapsed     time.Duration      `json:"elapsed"`
	ErrorCode   ErrorCode          `json:"error_code,omitempty"`
	Error       string             `json:"error,omitempty"`
	FinishedAt  time.Time          `json:"finished_at"`
}

// EntryKind tags a history entry.
type EntryKind string

const (
	EntryAttempt  EntryKind = "attempt"
	EntryDecision EntryKind = "decision"
	EntrySummary  EntryKind = "summary"
)

// HistoryEntry is one element of a session's ordered, append-only history.
type HistoryEntry struct {
	Seq       int               `json:"seq"`
	Kind      EntryKind         `json:"kind"`
	Attempt   *StepAttempt      `json:"attempt,omitempty"`
	Decision  *RecoveryDecision `json:"decision,omitempty"`
	Summary   *SessionSummary   `json:"summary,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// SessionRecord is the externally persisted view of a finished session.
type SessionRecord struct {
	SessionID string                 `json:"session_id"`
	Objective Objective              `json:"objective"`
	StartedAt time.Time              `json:"started_at"`
	Outcome   Outcome                `json:"outcome"`
	Steps     []Step                 `json:"steps"`
	Cursor    int                    `json:"cursor"`
	History   []HistoryEntry         `json:"history"`
	Extracted map[string]interface{} `json:"extracted,omitempty"`
}

// Summary returns the terminal summary entry, if the record has one.
func (r SessionRecord) Summary() *SessionSummary {
	for i := len(r.History) - 1; i >= 0; i-- {
		if r.History[i].Kind == EntrySummary {
			return r.History[i].Summary
		}
	}
	return nil
}
