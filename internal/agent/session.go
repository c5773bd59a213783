// Package agent runs automation sessions: the step loop that turns a plan into
// located, executed and verified browser actions, and recovers when they fail.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
	"github.com/xkilldash9x/autopilot-cli/internal/browser/dom"
	"github.com/xkilldash9x/autopilot-cli/internal/config"
	"github.com/xkilldash9x/autopilot-cli/internal/executor"
	"github.com/xkilldash9x/autopilot-cli/internal/locator"
	"github.com/xkilldash9x/autopilot-cli/internal/observability"
	"github.com/xkilldash9x/autopilot-cli/internal/verifier"
)

// State is the lifecycle state of a session. Terminal states share their
// names with schemas.Outcome.
type State string

const (
	StateCreated   State = "CREATED"
	StateRunning   State = "RUNNING"
	StateCompleted State = State(schemas.OutcomeCompleted)
	StateFailed    State = State(schemas.OutcomeFailed)
	StateAborted   State = State(schemas.OutcomeAborted)
	StateTimedOut  State = State(schemas.OutcomeTimedOut)
)

// Terminal reports whether the session has finished.
func (s State) Terminal() bool {
	return s != StateCreated && s != StateRunning
}

const releaseTimeout = 10 * time.Second

// Dependencies are the collaborators a session drives. Browser and LLM are
// owned by the session and released when it reaches a terminal outcome; the
// rest may be shared.
type Dependencies struct {
	Browser  schemas.Browser
	LLM      schemas.LLMClient // Optional.
	Planner  schemas.Planner
	Locator  *locator.Locator
	Executor *executor.Executor
	Verifier *verifier.Verifier
	// Screenshots, when set, captures the page after each failed attempt.
	Screenshots *ScreenshotRecorder
}

func (d Dependencies) validate() error {
	switch {
	case d.Browser == nil:
		return errors.New("browser is required")
	case d.Planner == nil:
		return errors.New("planner is required")
	case d.Locator == nil:
		return errors.New("locator is required")
	case d.Executor == nil:
		return errors.New("executor is required")
	case d.Verifier == nil:
		return errors.New("verifier is required")
	}
	return nil
}

// Session owns one automation run end to end. Run executes it exactly once.
type Session struct {
	id         string
	objective  schemas.Objective
	cfg        config.AgentConfig
	deps       Dependencies
	strategist *Strategist
	history    *History
	logger     *zap.Logger

	mu             sync.Mutex
	state          State
	steps          []schemas.Step
	cursor         int
	extracted      map[string]any
	replansUsed    int
	startedAt      time.Time
	cancel         context.CancelCauseFunc
	abortRequested bool

	finalizeOnce sync.Once
	done         chan struct{}
}

// NewSession validates its inputs and creates a session in state Created.
func NewSession(obj schemas.Objective, cfg config.AgentConfig, deps Dependencies, logger *zap.Logger) (*Session, error) {
	if err := obj.Validate(); err != nil {
		return nil, schemas.NewError(schemas.ErrCodeConfig, "agent.NewSession", err)
	}
	if err := deps.validate(); err != nil {
		return nil, schemas.NewError(schemas.ErrCodeConfig, "agent.NewSession", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, schemas.NewError(schemas.ErrCodeConfig, "agent.NewSession", err)
	}
	id := uuid.New().String()
	return &Session{
		id:         id,
		objective:  obj,
		cfg:        cfg,
		deps:       deps,
		strategist: NewStrategist(PolicyFromConfig(cfg)),
		history:    NewHistory(),
		logger:     logger.Named("session").With(zap.String("session_id", id)),
		state:      StateCreated,
		extracted:  make(map[string]any),
		done:       make(chan struct{}),
	}, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Objective returns the objective the session was created with.
func (s *Session) Objective() schemas.Objective { return s.objective }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StartedAt is zero until Run is called.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// Done is closed once the session has reached a terminal outcome and released
// its resources.
func (s *Session) Done() <-chan struct{} { return s.done }

// Cancel requests cooperative cancellation. A running session finishes its
// in-flight action boundary and ends Aborted; a session that has not started
// yet ends Aborted as soon as it is run.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abortRequested = true
	if s.cancel != nil {
		s.cancel(schemas.ErrSessionAborted)
	}
}

// terminal carries how the loop ended.
type terminal struct {
	outcome schemas.Outcome
	code    schemas.ErrorCode
	err     error
}

// Run executes the session to a terminal outcome and returns its record. It
// returns an error only when the session has already been run.
func (s *Session) Run(ctx context.Context) (*schemas.SessionRecord, error) {
	s.mu.Lock()
	if s.state != StateCreated {
		s.mu.Unlock()
		return nil, fmt.Errorf("session %s has already been run", s.id)
	}
	s.state = StateRunning
	s.startedAt = time.Now().UTC()

	runCtx, cancel := context.WithCancelCause(ctx)
	s.cancel = cancel
	if s.abortRequested {
		cancel(schemas.ErrSessionAborted)
	}
	s.mu.Unlock()
	defer cancel(nil)

	timeout := s.objective.Timeout
	if timeout <= 0 {
		timeout = s.cfg.SessionTimeout
	}
	sessionCtx, cancelTimeout := context.WithTimeoutCause(runCtx, timeout, schemas.ErrSessionTimedOut)
	defer cancelTimeout()

	observability.SessionStarted()
	s.logger.Info("Session started", zap.String("objective", s.objective.Goal), zap.Duration("timeout", timeout))

	end := s.loop(sessionCtx)
	s.finalize(ctx, end)
	return s.Record(), nil
}

func (s *Session) loop(ctx context.Context) terminal {
	if s.objective.StartURL != "" {
		if err := s.deps.Browser.Navigate(ctx, s.objective.StartURL); err != nil {
			if ctx.Err() != nil {
				return interrupted(ctx)
			}
			return terminal{outcome: schemas.OutcomeFailed, code: schemas.CodeOf(err), err: fmt.Errorf("initial navigation failed: %w", err)}
		}
	}

	steps, err := s.deps.Planner.Plan(ctx, s.objective, s.snapshot(ctx))
	if err != nil {
		if ctx.Err() != nil {
			return interrupted(ctx)
		}
		return terminal{outcome: schemas.OutcomeFailed, code: schemas.ErrCodePlanning, err: err}
	}
	if len(steps) == 0 {
		return terminal{outcome: schemas.OutcomeFailed, code: schemas.ErrCodePlanning, err: errors.New("planner returned no steps")}
	}
	for i := range steps {
		steps[i].Status = schemas.StepPending
	}
	s.mu.Lock()
	s.steps = steps
	s.mu.Unlock()

	for {
		s.mu.Lock()
		remaining := s.cursor < len(s.steps)
		cursor := s.cursor
		s.mu.Unlock()
		if !remaining {
			return terminal{outcome: schemas.OutcomeCompleted}
		}

		// Suspension point between steps.
		if ctx.Err() != nil {
			return interrupted(ctx)
		}
		if cursor > 0 && s.cfg.ActionDelay > 0 {
			if err := dom.Sleep(ctx, s.cfg.ActionDelay); err != nil {
				return interrupted(ctx)
			}
		}
		if end, stop := s.runStep(ctx); stop {
			return end
		}
	}
}

// interrupted maps a done session context onto Aborted or TimedOut.
func interrupted(ctx context.Context) terminal {
	cause := context.Cause(ctx)
	if errors.Is(cause, schemas.ErrSessionTimedOut) || errors.Is(cause, context.DeadlineExceeded) {
		return terminal{outcome: schemas.OutcomeTimedOut, code: schemas.ErrCodeSessionTimedOut, err: cause}
	}
	return terminal{outcome: schemas.OutcomeAborted, code: schemas.ErrCodeSessionAborted, err: cause}
}

// runStep drives the step under the cursor through attempts and recovery until
// it succeeds, is skipped or replaced, or the session must stop.
func (s *Session) runStep(ctx context.Context) (terminal, bool) {
	step := s.currentStep()
	log := s.logger.With(zap.String("step_id", step.ID), zap.String("action", string(step.Action)))
	s.setStatus(schemas.StepRunning)
	log.Info("Step started", zap.String("description", step.Description))

	target := step.Target
	for {
		attempt := s.attempt(ctx, step, target, log)
		if !attempt.Succeeded() {
			attempt.Screenshot = s.deps.Screenshots.Capture(ctx, s.deps.Browser, s.id, attempt)
		}
		if err := s.history.AppendAttempt(attempt); err != nil {
			s.setStatus(schemas.StepFailed)
			return terminal{outcome: schemas.OutcomeFailed, code: schemas.ErrCodeExecutionError, err: err}, true
		}
		observability.RecordAttempt(string(step.Action), attemptResult(attempt))

		if attempt.Succeeded() {
			s.setStatus(schemas.StepSucceeded)
			s.advance()
			log.Info("Step succeeded", zap.Int("attempt", attempt.Attempt))
			return terminal{}, false
		}
		if ctx.Err() != nil {
			s.setStatus(schemas.StepFailed)
			return interrupted(ctx), true
		}

		decision := s.strategist.Recover(step, s.history.AttemptsFor(step.ID), s.replansLeft())
		observability.RecordDecision(string(decision.Kind))
		log.Info("Recovery decision",
			zap.Int("attempt", attempt.Attempt),
			zap.String("failure", string(attempt.FailureCode())),
			zap.String("decision", string(decision.Kind)),
			zap.String("rationale", decision.Rationale))

		switch decision.Kind {
		case schemas.DecisionRetry:
			s.recordDecision(decision)
			if decision.Target != nil {
				target = *decision.Target
			}
			if err := dom.Sleep(ctx, decision.Backoff); err != nil {
				s.setStatus(schemas.StepFailed)
				return interrupted(ctx), true
			}
		case schemas.DecisionSkip:
			s.setStatus(schemas.StepFailed)
			s.recordDecision(decision)
			s.setStatus(schemas.StepSkipped)
			s.advance()
			return terminal{}, false
		case schemas.DecisionReplan:
			s.setStatus(schemas.StepFailed)
			return s.replan(ctx, step, attempt, decision, log)
		default:
			s.setStatus(schemas.StepFailed)
			s.recordDecision(decision)
			return terminal{
				outcome: schemas.OutcomeFailed,
				code:    schemas.ErrCodeRecoveryExhausted,
				err:     schemas.Errorf(schemas.ErrCodeRecoveryExhausted, "agent.recover", "step %s: %s", step.ID, decision.Rationale),
			}, true
		}
	}
}

// attempt performs one locate, execute and verify pass.
func (s *Session) attempt(ctx context.Context, step schemas.Step, target schemas.Target, log *zap.Logger) schemas.StepAttempt {
	a := schemas.StepAttempt{
		StepID:       step.ID,
		Attempt:      s.history.NextAttempt(step.ID),
		Verification: schemas.VerificationNotRun,
		Timestamp:    time.Now().UTC(),
	}
	log = log.With(zap.Int("attempt", a.Attempt))
	step.Target = target

	var resolved *locator.Resolved
	if needsElement(step) {
		r, res, err := s.deps.Locator.Locate(ctx, s.deps.Browser, target)
		a.Locator = res
		if err != nil {
			log.Debug("Target not located", zap.Error(err))
			return a
		}
		resolved = &r
	} else {
		a.Locator = schemas.LocatorResult{Target: target, Skipped: true}
	}

	in := executor.Input{Browser: s.deps.Browser, Step: step, Target: resolved}
	if step.Action == schemas.ActionWait && target.IsZero() && step.PostCondition != "" {
		extracted := s.extractedView()
		in.Until = func(p *schemas.PageState) bool {
			return s.deps.Verifier.Holds(ctx, step.PostCondition, p, extracted)
		}
	}
	a.Execution = s.deps.Executor.Execute(ctx, in)
	if !a.Execution.Success {
		return a
	}
	if step.Action == schemas.ActionExtract && a.Execution.Data != nil {
		s.mu.Lock()
		s.extracted[step.ID] = a.Execution.Data
		s.mu.Unlock()
	}

	var state *schemas.PageState
	if step.PostCondition != "" {
		state = s.snapshot(ctx)
	}
	a.Verification, a.Detail = s.deps.Verifier.Verify(ctx, step, state, s.extractedView())
	return a
}

// needsElement reports whether the action runs against a located element.
// Targeted waits resolve their own target while polling.
func needsElement(step schemas.Step) bool {
	return step.Action.RequiresTarget() || (step.Action == schemas.ActionExtract && !step.Target.IsZero())
}

// replan asks the planner for a replacement of the failed step and everything
// after it. The budget is consumed whether or not the planner succeeds.
func (s *Session) replan(ctx context.Context, failed schemas.Step, last schemas.StepAttempt, decision schemas.RecoveryDecision, log *zap.Logger) (terminal, bool) {
	s.mu.Lock()
	s.replansUsed++
	pc := schemas.PlanContext{
		Completed: append([]schemas.Step(nil), s.steps[:s.cursor]...),
		Failed:    s.steps[s.cursor],
		Remaining: append([]schemas.Step(nil), s.steps[s.cursor+1:]...),
		Reason:    failureReason(last),
		History:   s.history.AttemptsFor(failed.ID),
	}
	s.mu.Unlock()

	steps, err := s.deps.Planner.Replan(ctx, s.objective, s.snapshot(ctx), pc)
	if err == nil {
		err = s.checkReplacement(steps)
	}
	if err != nil {
		s.recordDecision(decision)
		if ctx.Err() != nil {
			return interrupted(ctx), true
		}
		abort := schemas.RecoveryDecision{
			Kind:      schemas.DecisionAbort,
			StepID:    failed.ID,
			Rationale: fmt.Sprintf("replan failed: %v", err),
		}
		s.recordDecision(abort)
		observability.RecordDecision(string(abort.Kind))
		log.Warn("Replan failed; aborting", zap.Error(err))
		return terminal{outcome: schemas.OutcomeFailed, code: schemas.ErrCodePlanning, err: err}, true
	}

	for i := range steps {
		steps[i].Status = schemas.StepPending
	}
	decision.Steps = steps
	s.recordDecision(decision)

	s.mu.Lock()
	s.steps[s.cursor].Status = schemas.StepSkipped
	s.steps = append(s.steps[:s.cursor+1:s.cursor+1], steps...)
	s.cursor++
	s.mu.Unlock()
	log.Info("Plan revised", zap.Int("replacement_steps", len(steps)))
	return terminal{}, false
}

// checkReplacement rejects an empty suffix and ids that clash with steps
// already in the plan.
func (s *Session) checkReplacement(steps []schemas.Step) error {
	if len(steps) == 0 {
		return schemas.Errorf(schemas.ErrCodePlanning, "agent.replan", "planner returned no replacement steps")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool, len(s.steps)+len(steps))
	for _, st := range s.steps[:s.cursor+1] {
		seen[st.ID] = true
	}
	for _, st := range steps {
		if seen[st.ID] {
			return schemas.Errorf(schemas.ErrCodePlanning, "agent.replan", "replacement step id %q is already in use", st.ID)
		}
		seen[st.ID] = true
	}
	return nil
}

func failureReason(a schemas.StepAttempt) string {
	code := a.FailureCode()
	for _, detail := range []string{a.Locator.Error, a.Execution.Error, a.Detail} {
		if detail != "" {
			return fmt.Sprintf("%s: %s", code, detail)
		}
	}
	return string(code)
}

func attemptResult(a schemas.StepAttempt) string {
	if a.Succeeded() {
		return "success"
	}
	return string(a.FailureCode())
}

// finalize enters the terminal state exactly once: the step under the cursor
// is no longer Running, owned resources are released and the summary sealed.
func (s *Session) finalize(parent context.Context, end terminal) {
	s.finalizeOnce.Do(func() {
		defer close(s.done)
		s.mu.Lock()
		if s.cursor < len(s.steps) && s.steps[s.cursor].Status == schemas.StepRunning {
			s.steps[s.cursor].Status = schemas.StepFailed
		}
		s.mu.Unlock()

		s.release(parent)

		elapsed := time.Since(s.StartedAt())
		summary := schemas.SessionSummary{
			Outcome:     end.outcome,
			StepCounts:  s.stepCounts(),
			TotalSteps:  s.stepTotal(),
			Attempts:    s.history.TotalAttempts(),
			ReplansUsed: s.replansUsedCount(),
			Elapsed:     elapsed,
			ErrorCode:   end.code,
			FinishedAt:  time.Now().UTC(),
		}
		if end.err != nil {
			summary.Error = end.err.Error()
		}
		if err := s.history.Seal(summary); err != nil {
			s.logger.Error("Failed to seal session history", zap.Error(err))
		}

		s.mu.Lock()
		s.state = State(end.outcome)
		s.mu.Unlock()

		observability.RecordSession(string(end.outcome), elapsed)
		observability.SessionFinished()

		fields := []zap.Field{zap.String("outcome", string(end.outcome)), zap.Duration("elapsed", elapsed), zap.Int("attempts", summary.Attempts)}
		if end.outcome == schemas.OutcomeCompleted {
			s.logger.Info("Session finished", fields...)
		} else {
			s.logger.Warn("Session finished", append(fields, zap.String("error_code", string(end.code)), zap.Error(end.err))...)
		}
	})
}

func (s *Session) release(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), releaseTimeout)
	defer cancel()
	if err := s.deps.Browser.Close(ctx); err != nil {
		s.logger.Warn("Failed to close browser", zap.Error(err))
	}
	if s.deps.LLM != nil {
		if err := s.deps.LLM.Close(); err != nil {
			s.logger.Warn("Failed to close LLM client", zap.Error(err))
		}
	}
}

// Record returns a copy of the session suitable for persistence and reporting.
func (s *Session) Record() *schemas.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &schemas.SessionRecord{
		SessionID: s.id,
		Objective: s.objective,
		StartedAt: s.startedAt,
		Steps:     append([]schemas.Step(nil), s.steps...),
		Cursor:    s.cursor,
		History:   s.history.Entries(),
	}
	if s.state.Terminal() {
		rec.Outcome = schemas.Outcome(s.state)
	}
	if len(s.extracted) > 0 {
		rec.Extracted = make(map[string]interface{}, len(s.extracted))
		for k, v := range s.extracted {
			rec.Extracted[k] = v
		}
	}
	return rec
}

// -- state helpers --

func (s *Session) currentStep() schemas.Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.steps[s.cursor]
}

// setStatus moves the step under the cursor, ignoring transitions the step
// lifecycle does not allow.
func (s *Session) setStatus(next schemas.StepStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &s.steps[s.cursor]
	if !st.Status.CanTransition(next) {
		s.logger.Error("Illegal step transition", zap.String("step_id", st.ID), zap.String("from", string(st.Status)), zap.String("to", string(next)))
		return
	}
	st.Status = next
}

func (s *Session) advance() {
	s.mu.Lock()
	s.cursor++
	s.mu.Unlock()
}

func (s *Session) recordDecision(d schemas.RecoveryDecision) {
	if err := s.history.AppendDecision(d); err != nil {
		s.logger.Error("Failed to record recovery decision", zap.Error(err))
	}
}

func (s *Session) replansLeft() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.ReplanBudget - s.replansUsed
}

func (s *Session) replansUsedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replansUsed
}

func (s *Session) extractedView() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.extracted))
	for k, v := range s.extracted {
		out[k] = v
	}
	return out
}

func (s *Session) stepCounts() map[schemas.StepStatus]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[schemas.StepStatus]int)
	for _, st := range s.steps {
		counts[st.Status]++
	}
	return counts
}

func (s *Session) stepTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

// snapshot captures the page for planning and verification; a failure yields
// nil, which the planner tolerates and the verifier reports as Indeterminate.
func (s *Session) snapshot(ctx context.Context) *schemas.PageState {
	page, err := s.deps.Browser.Snapshot(ctx)
	if err != nil {
		s.logger.Debug("Page snapshot unavailable", zap.Error(err))
		return nil
	}
	return page
}
