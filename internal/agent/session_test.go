package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
	"github.com/xkilldash9x/autopilot-cli/internal/browser/purego"
	"github.com/xkilldash9x/autopilot-cli/internal/config"
	"github.com/xkilldash9x/autopilot-cli/internal/executor"
	"github.com/xkilldash9x/autopilot-cli/internal/extract"
	"github.com/xkilldash9x/autopilot-cli/internal/locator"
	"github.com/xkilldash9x/autopilot-cli/internal/mocks"
	"github.com/xkilldash9x/autopilot-cli/internal/verifier"
)

const loginPage = `<html><head><title>Sign in</title></head><body>
<h1>Sign in</h1>
<form action="/done" method="get">
  <label for="email">Email address</label><input id="email" name="email" type="email">
  <button type="submit">Submit</button>
</form>
<p>Price: 42 EUR</p>
</body></html>`

func testConfig() config.AgentConfig {
	return config.AgentConfig{
		MaxAttemptsPerStep: 3,
		ReplanBudget:       1,
		ActionTimeout:      time.Second,
		SessionTimeout:     5 * time.Second,
		RelevanceThreshold: 0.35,
		AmbiguityMargin:    0.05,
		BackoffInitial:     time.Millisecond,
		BackoffFactor:      2,
		BackoffMax:         5 * time.Millisecond,
		MaxSteps:           50,
		Concurrency:        2,
	}
}

type harness struct {
	planner  *mocks.MockPlanner
	browser  *purego.Driver
	executor *executor.Executor
	deps     Dependencies
	logger   *zap.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if r.URL.Path == "/done" {
			fmt.Fprintf(w, `<html><head><title>Done</title></head><body><p>Signed in as %s</p></body></html>`, r.URL.Query().Get("email"))
			return
		}
		fmt.Fprint(w, loginPage)
	}))
	t.Cleanup(srv.Close)

	b, err := purego.NewFromHTML(srv.URL+"/", loginPage, logger)
	require.NoError(t, err)
	loc := locator.New(locator.Options{Threshold: 0.35, AmbiguityMargin: 0.05}, logger)
	exec := executor.New(executor.Options{ActionTimeout: time.Second, PollInterval: 5 * time.Millisecond}, loc, extract.New(0), logger)
	ver, err := verifier.New(logger)
	require.NoError(t, err)

	planner := new(mocks.MockPlanner)
	return &harness{
		planner:  planner,
		browser:  b,
		executor: exec,
		logger:   logger,
		deps:     Dependencies{Browser: b, Planner: planner, Locator: loc, Executor: exec, Verifier: ver},
	}
}

func (h *harness) session(t *testing.T, obj schemas.Objective, cfg config.AgentConfig) *Session {
	t.Helper()
	if obj.Goal == "" {
		obj.Goal = "sign in"
	}
	s, err := NewSession(obj, cfg, h.deps, h.logger)
	require.NoError(t, err)
	return s
}

func (h *harness) plan(steps ...schemas.Step) {
	h.planner.On("Plan", mock.Anything, mock.Anything, mock.Anything).Return(steps, nil).Once()
}

func step(id string, action schemas.ActionKind, target schemas.Target, value string) schemas.Step {
	return schemas.Step{ID: id, Description: fmt.Sprintf("%s step %s", action, id), Action: action, Target: target, Value: value, Critical: true}
}

func kinds(rec *schemas.SessionRecord) []string {
	var out []string
	for _, e := range rec.History {
		switch e.Kind {
		case schemas.EntryAttempt:
			out = append(out, fmt.Sprintf("attempt %s#%d", e.Attempt.StepID, e.Attempt.Attempt))
		case schemas.EntryDecision:
			out = append(out, fmt.Sprintf("%s %s", e.Decision.Kind, e.Decision.StepID))
		case schemas.EntrySummary:
			out = append(out, "summary")
		}
	}
	return out
}

func runSession(t *testing.T, s *Session) *schemas.SessionRecord {
	t.Helper()
	rec, err := s.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rec)
	select {
	case <-s.Done():
	default:
		t.Fatal("Done must be closed when Run returns")
	}
	return rec
}

func TestSession_CompletesPlan(t *testing.T) {
	h := newHarness(t)
	submit := step("1", schemas.ActionClick, schemas.Target{Kind: schemas.TargetSemantic, Value: "the Submit button"}, "")
	fill := step("0", schemas.ActionFill, schemas.Target{Kind: schemas.TargetSemantic, Value: "email address field"}, "ada@example.com")
	submit.PostCondition = `page.title == "Done"`
	h.plan(fill, submit)

	s := h.session(t, schemas.Objective{}, testConfig())
	assert.Equal(t, StateCreated, s.State())
	rec := runSession(t, s)

	assert.Equal(t, StateCompleted, s.State())
	assert.Equal(t, schemas.OutcomeCompleted, rec.Outcome)
	assert.Equal(t, 2, rec.Cursor)
	for _, st := range rec.Steps {
		assert.Equal(t, schemas.StepSucceeded, st.Status)
	}
	if diff := cmp.Diff([]string{"attempt 0#1", "attempt 1#1", "summary"}, kinds(rec)); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
	summary := rec.Summary()
	require.NotNil(t, summary)
	assert.Equal(t, 2, summary.StepCounts[schemas.StepSucceeded])
	assert.Equal(t, 2, summary.Attempts)
	assert.Empty(t, summary.ErrorCode)
	assert.Contains(t, h.browser.CurrentURL(), "email=ada%40example.com")

	_, err := h.browser.Snapshot(context.Background())
	assert.ErrorIs(t, err, schemas.ErrBrowserClosed, "the session releases its browser")
	h.planner.AssertExpectations(t)
}

func TestSession_SkipsUnresolvableOptionalStep(t *testing.T) {
	h := newHarness(t)
	banner := step("1", schemas.ActionClick, schemas.Target{Kind: schemas.TargetCSS, Value: "#cookie-banner .accept"}, "")
	banner.Description = "Dismiss cookie banner"
	banner.Critical = false
	h.plan(banner, step("2", schemas.ActionVerifyOnly, schemas.Target{}, ""))

	rec := runSession(t, h.session(t, schemas.Objective{}, testConfig()))

	assert.Equal(t, schemas.OutcomeCompleted, rec.Outcome)
	assert.Equal(t, schemas.StepSkipped, rec.Steps[0].Status)
	assert.Equal(t, schemas.StepSucceeded, rec.Steps[1].Status)
	want := []string{
		"attempt 1#1", "RETRY 1",
		"attempt 1#2", "RETRY 1",
		"attempt 1#3", "SKIP 1",
		"attempt 2#1", "summary",
	}
	if diff := cmp.Diff(want, kinds(rec)); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
	// Every retry after a not-found broadens the descriptor.
	for _, e := range rec.History {
		if e.Kind == schemas.EntryDecision && e.Decision.Kind == schemas.DecisionRetry {
			require.NotNil(t, e.Decision.Target)
			assert.NotEqual(t, banner.Target, *e.Decision.Target)
		}
	}
}

func TestSession_ReplansCriticalStep(t *testing.T) {
	h := newHarness(t)
	missing := step("1", schemas.ActionFill, schemas.Target{Kind: schemas.TargetCSS, Value: "#username"}, "ada")
	missing.Description = "Fill the username"
	h.plan(missing, step("2", schemas.ActionVerifyOnly, schemas.Target{}, ""))

	replacement := step("1.r1", schemas.ActionFill, schemas.Target{Kind: schemas.TargetCSS, Value: "#email"}, "ada@example.com")
	h.planner.On("Replan", mock.Anything, mock.Anything, mock.Anything, mock.MatchedBy(func(pc schemas.PlanContext) bool {
		return pc.Failed.ID == "1" && len(pc.History) == 3 && len(pc.Remaining) == 1 && pc.Reason != ""
	})).Return([]schemas.Step{replacement}, nil).Once()

	rec := runSession(t, h.session(t, schemas.Objective{}, testConfig()))

	assert.Equal(t, schemas.OutcomeCompleted, rec.Outcome)
	require.Len(t, rec.Steps, 2)
	assert.Equal(t, schemas.StepSkipped, rec.Steps[0].Status)
	assert.Equal(t, "1.r1", rec.Steps[1].ID)
	assert.Equal(t, schemas.StepSucceeded, rec.Steps[1].Status)
	assert.Equal(t, 1, rec.Summary().ReplansUsed)

	var replan *schemas.RecoveryDecision
	for _, e := range rec.History {
		if e.Kind == schemas.EntryDecision && e.Decision.Kind == schemas.DecisionReplan {
			replan = e.Decision
		}
	}
	require.NotNil(t, replan)
	assert.Len(t, replan.Steps, 1)
	h.planner.AssertExpectations(t)
}

func TestSession_ReplanBudgetExhausted(t *testing.T) {
	h := newHarness(t)
	h.plan(step("1", schemas.ActionFill, schemas.Target{Kind: schemas.TargetCSS, Value: "#username"}, "ada"))
	h.planner.On("Replan", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]schemas.Step{step("1.r1", schemas.ActionFill, schemas.Target{Kind: schemas.TargetCSS, Value: "#login"}, "ada")}, nil).Once()

	rec := runSession(t, h.session(t, schemas.Objective{}, testConfig()))

	assert.Equal(t, schemas.OutcomeFailed, rec.Outcome)
	summary := rec.Summary()
	assert.Equal(t, schemas.ErrCodeRecoveryExhausted, summary.ErrorCode)
	assert.Equal(t, 1, summary.ReplansUsed)
	assert.Equal(t, 6, summary.Attempts)
	assert.Equal(t, schemas.StepFailed, rec.Steps[len(rec.Steps)-1].Status)
	h.planner.AssertNumberOfCalls(t, "Replan", 1)
}

func TestSession_ReplanFailure(t *testing.T) {
	h := newHarness(t)
	h.plan(step("1", schemas.ActionFill, schemas.Target{Kind: schemas.TargetCSS, Value: "#username"}, "ada"))
	h.planner.On("Replan", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, schemas.Errorf(schemas.ErrCodePlanning, "planner.Replan", "model refused")).Once()

	rec := runSession(t, h.session(t, schemas.Objective{}, testConfig()))

	assert.Equal(t, schemas.OutcomeFailed, rec.Outcome)
	assert.Equal(t, schemas.ErrCodePlanning, rec.Summary().ErrorCode)
	got := kinds(rec)
	assert.Equal(t, []string{"REPLAN 1", "ABORT 1", "summary"}, got[len(got)-3:])
}

func TestSession_VerificationFailureExhaustsAttempts(t *testing.T) {
	h := newHarness(t)
	check := step("1", schemas.ActionVerifyOnly, schemas.Target{}, "")
	check.PostCondition = `page.title == "Dashboard"`
	h.plan(check)
	cfg := testConfig()
	cfg.ReplanBudget = 0

	rec := runSession(t, h.session(t, schemas.Objective{}, cfg))

	assert.Equal(t, schemas.OutcomeFailed, rec.Outcome)
	assert.Equal(t, schemas.ErrCodeRecoveryExhausted, rec.Summary().ErrorCode)
	want := []string{"attempt 1#1", "RETRY 1", "attempt 1#2", "RETRY 1", "attempt 1#3", "ABORT 1", "summary"}
	if diff := cmp.Diff(want, kinds(rec)); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, schemas.VerificationFail, rec.History[0].Attempt.Verification)
}

func TestSession_ExtractFeedsPostConditions(t *testing.T) {
	h := newHarness(t)
	read := step("price", schemas.ActionExtract, schemas.Target{Kind: schemas.TargetText, Value: "Price: 42 EUR"}, "")
	read.PostCondition = `extracted.price.text.contains("42")`
	h.plan(read)

	rec := runSession(t, h.session(t, schemas.Objective{}, testConfig()))

	assert.Equal(t, schemas.OutcomeCompleted, rec.Outcome)
	require.Contains(t, rec.Extracted, "price")
	data, ok := rec.Extracted["price"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, data["text"], "42 EUR")
}

func TestSession_CancelBetweenSteps(t *testing.T) {
	h := newHarness(t)
	var s *Session
	h.executor.Register(schemas.ActionVerifyOnly, func(context.Context, executor.Input) (any, error) {
		s.Cancel()
		return nil, nil
	})
	h.plan(
		step("1", schemas.ActionVerifyOnly, schemas.Target{}, ""),
		step("2", schemas.ActionFill, schemas.Target{Kind: schemas.TargetCSS, Value: "#email"}, "ada@example.com"),
	)
	s = h.session(t, schemas.Objective{}, testConfig())

	rec := runSession(t, s)

	assert.Equal(t, StateAborted, s.State())
	assert.Equal(t, schemas.OutcomeAborted, rec.Outcome)
	assert.Equal(t, schemas.StepSucceeded, rec.Steps[0].Status)
	assert.Equal(t, schemas.StepPending, rec.Steps[1].Status)
	if diff := cmp.Diff([]string{"attempt 1#1", "summary"}, kinds(rec)); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, schemas.ErrCodeSessionAborted, rec.Summary().ErrorCode)
}

func TestSession_CancelBeforeRun(t *testing.T) {
	h := newHarness(t)
	h.planner.On("Plan", mock.Anything, mock.Anything, mock.Anything).Return(nil, context.Canceled).Maybe()
	s := h.session(t, schemas.Objective{}, testConfig())
	s.Cancel()

	rec := runSession(t, s)
	assert.Equal(t, schemas.OutcomeAborted, rec.Outcome)
}

func TestSession_TimesOut(t *testing.T) {
	h := newHarness(t)
	h.plan(step("1", schemas.ActionWait, schemas.Target{}, "2s"))

	start := time.Now()
	rec := runSession(t, h.session(t, schemas.Objective{Timeout: 50 * time.Millisecond}, testConfig()))

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, schemas.OutcomeTimedOut, rec.Outcome)
	assert.Equal(t, schemas.ErrCodeSessionTimedOut, rec.Summary().ErrorCode)
	assert.Equal(t, schemas.StepFailed, rec.Steps[0].Status)
}

func TestSession_CeilingBeatsLongWait(t *testing.T) {
	// A wait longer than the whole session must never count as a success,
	// however tight the ceiling.
	for i := 0; i < 25; i++ {
		h := newHarness(t)
		h.plan(step("1", schemas.ActionWait, schemas.Target{}, "10s"))

		rec := runSession(t, h.session(t, schemas.Objective{Timeout: 5 * time.Millisecond}, testConfig()))

		require.Equal(t, schemas.OutcomeTimedOut, rec.Outcome, "run %d", i)
		require.Equal(t, schemas.StepFailed, rec.Steps[0].Status, "run %d", i)
		require.Equal(t, schemas.EntryAttempt, rec.History[0].Kind)
		assert.Equal(t, schemas.ErrCodeExecutionTimeout, rec.History[0].Attempt.FailureCode(), "run %d", i)
	}
}

func TestSession_PlanFailure(t *testing.T) {
	h := newHarness(t)
	h.planner.On("Plan", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, schemas.Errorf(schemas.ErrCodePlanning, "planner.Plan", "no steps")).Once()

	rec := runSession(t, h.session(t, schemas.Objective{}, testConfig()))

	assert.Equal(t, schemas.OutcomeFailed, rec.Outcome)
	assert.Equal(t, schemas.ErrCodePlanning, rec.Summary().ErrorCode)
	assert.Empty(t, rec.Steps)
	_, err := h.browser.Snapshot(context.Background())
	assert.ErrorIs(t, err, schemas.ErrBrowserClosed)
}

func TestSession_RunsOnce(t *testing.T) {
	h := newHarness(t)
	h.plan(step("1", schemas.ActionVerifyOnly, schemas.Target{}, ""))
	s := h.session(t, schemas.Objective{}, testConfig())
	runSession(t, s)

	_, err := s.Run(context.Background())
	assert.Error(t, err)
}

func TestSession_ReleasesLLMClient(t *testing.T) {
	h := newHarness(t)
	llm := new(mocks.MockLLMClient)
	llm.On("Close").Return(errors.New("already closed")).Once()
	h.deps.LLM = llm
	h.plan(step("1", schemas.ActionVerifyOnly, schemas.Target{}, ""))

	rec := runSession(t, h.session(t, schemas.Objective{}, testConfig()))
	assert.Equal(t, schemas.OutcomeCompleted, rec.Outcome, "release errors do not change the outcome")
	llm.AssertExpectations(t)
}

func TestNewSession_Validation(t *testing.T) {
	h := newHarness(t)
	logger := zaptest.NewLogger(t)

	_, err := NewSession(schemas.Objective{}, testConfig(), h.deps, logger)
	assert.Equal(t, schemas.ErrCodeConfig, schemas.CodeOf(err))

	noPlanner := h.deps
	noPlanner.Planner = nil
	_, err = NewSession(schemas.Objective{Goal: "x"}, testConfig(), noPlanner, logger)
	assert.Equal(t, schemas.ErrCodeConfig, schemas.CodeOf(err))

	cfg := testConfig()
	cfg.MaxAttemptsPerStep = 0
	_, err = NewSession(schemas.Objective{Goal: "x"}, cfg, h.deps, logger)
	assert.Equal(t, schemas.ErrCodeConfig, schemas.CodeOf(err))
}
