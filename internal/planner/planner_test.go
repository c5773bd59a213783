package planner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
	"github.com/xkilldash9x/autopilot-cli/internal/mocks"
	"github.com/xkilldash9x/autopilot-cli/internal/verifier"
)

func setupPlanner(t *testing.T, opts Options) (*LLMPlanner, *mocks.MockLLMClient, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	v, err := verifier.New(zaptest.NewLogger(t))
	require.NoError(t, err)
	client := new(mocks.MockLLMClient)
	return NewLLMPlanner(client, v, opts, zap.New(core)), client, logs
}

var objective = schemas.Objective{Goal: "log in as alice", StartURL: "https://example.test/login"}

func TestPlan_Success(t *testing.T) {
	p, client, _ := setupPlanner(t, Options{})
	page := &schemas.PageState{
		URL:   "https://example.test/login",
		Title: "Sign in",
		Interactive: []schemas.ElementDescription{
			{Tag: "input", Attributes: map[string]string{"name": "user"}, Visible: true, Interactive: true},
		},
	}

	response := "Here you go:\n```json\n" + `{
	  "rationale": "fill and submit",
	  "steps": [
	    {"description": "Enter the username", "action": "type", "target": {"kind": "name", "value": "user"}, "value": "alice"},
	    {"description": "Submit", "action": "click", "target": {"kind": "semantic", "value": "Sign in button"},
	     "post_condition": "page.url.contains(\"/home\")", "critical": true, "timeout": "5s"},
	    {"description": "Dismiss banner", "action": "click", "selector": "#cookie-ok", "critical": false}
	  ]
	}` + "\n```"

	client.On("Generate", mock.Anything, mock.MatchedBy(func(req schemas.GenerationRequest) bool {
		return req.Tier == schemas.TierPowerful && req.Options.ForceJSONFormat &&
			req.Options.Temperature == 0.2 &&
			strings.Contains(req.UserPrompt, "log in as alice") &&
			strings.Contains(req.UserPrompt, "Sign in")
	})).Return(response, nil).Once()

	steps, err := p.Plan(context.Background(), objective, page)
	require.NoError(t, err)
	require.Len(t, steps, 3)

	assert.Equal(t, "1", steps[0].ID)
	assert.Equal(t, schemas.ActionFill, steps[0].Action, "aliases map onto the vocabulary")
	assert.Equal(t, schemas.Target{Kind: schemas.TargetCSS, Value: `[name="user"]`}, steps[0].Target)
	assert.True(t, steps[0].Critical, "steps are critical unless marked otherwise")
	assert.Equal(t, schemas.StepPending, steps[0].Status)

	assert.Equal(t, 5*time.Second, steps[1].Timeout)
	assert.Equal(t, `page.url.contains("/home")`, steps[1].PostCondition)

	assert.Equal(t, schemas.Target{Kind: schemas.TargetCSS, Value: "#cookie-ok"}, steps[2].Target)
	assert.False(t, steps[2].Critical)
	client.AssertExpectations(t)
}

func TestPlan_StripsUndecidablePostCondition(t *testing.T) {
	p, client, logs := setupPlanner(t, Options{})
	client.On("Generate", mock.Anything, mock.Anything).Return(
		`{"steps": [{"description": "Open", "action": "navigate", "value": "https://example.test", "post_condition": "page.title +"}]}`, nil)

	steps, err := p.Plan(context.Background(), objective, nil)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Empty(t, steps[0].PostCondition)
	assert.Equal(t, 1, logs.FilterMessage("Dropping undecidable post-condition").Len())
}

func TestPlan_Failures(t *testing.T) {
	tests := []struct {
		name     string
		response string
		err      error
	}{
		{"provider error", "", errors.New("503 from upstream")},
		{"not json", "I cannot help with that.", nil},
		{"model refuses", `{"error": "objective is too vague"}`, nil},
		{"empty plan", `{"steps": []}`, nil},
		{"only invalid steps", `{"steps": [{"action": "click"}, {"action": "hover", "target": {"value": "x"}}]}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, client, _ := setupPlanner(t, Options{})
			client.On("Generate", mock.Anything, mock.Anything).Return(tt.response, tt.err)

			steps, err := p.Plan(context.Background(), objective, nil)
			require.Error(t, err)
			assert.Nil(t, steps)
			assert.Equal(t, schemas.ErrCodePlanning, schemas.CodeOf(err))
		})
	}
}

func TestPlan_ContextCancelled(t *testing.T) {
	p, _, _ := setupPlanner(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Plan(ctx, objective, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPlan_MaxSteps(t *testing.T) {
	p, client, logs := setupPlanner(t, Options{MaxSteps: 2})
	client.On("Generate", mock.Anything, mock.Anything).Return(`[
		{"action": "wait", "value": "1s"}, {"action": "wait", "value": "1s"}, {"action": "wait", "value": "1s"}
	]`, nil)

	steps, err := p.Plan(context.Background(), objective, nil)
	require.NoError(t, err)
	assert.Len(t, steps, 2)
	assert.Equal(t, 1, logs.FilterMessage("Plan exceeds the step limit; truncating").Len())

	obj := objective
	obj.MaxSteps = 1
	steps, err = p.Plan(context.Background(), obj, nil)
	require.NoError(t, err)
	assert.Len(t, steps, 1, "the objective's cap overrides the configured one")
}

func TestReplan(t *testing.T) {
	p, client, _ := setupPlanner(t, Options{})
	pc := schemas.PlanContext{
		Completed: []schemas.Step{{ID: "1", Action: schemas.ActionNavigate, Value: "https://example.test", Status: schemas.StepSucceeded}},
		Failed:    schemas.Step{ID: "2", Description: "Click Submit", Action: schemas.ActionClick, Target: schemas.Target{Kind: schemas.TargetSemantic, Value: "Submit"}, Status: schemas.StepFailed},
		Remaining: []schemas.Step{{ID: "3", Action: schemas.ActionWait, Value: "1s"}},
		Reason:    "LOCATOR_NOT_FOUND",
		History: []schemas.StepAttempt{{
			StepID: "2", Attempt: 1,
			Locator: schemas.LocatorResult{Target: schemas.Target{Kind: schemas.TargetSemantic, Value: "Submit"}, ErrorCode: schemas.ErrCodeLocatorNotFound, Error: "nothing matched"},
		}},
	}

	client.On("Generate", mock.Anything, mock.MatchedBy(func(req schemas.GenerationRequest) bool {
		return strings.Contains(req.UserPrompt, "LOCATOR_NOT_FOUND") && strings.Contains(req.UserPrompt, "nothing matched") &&
			strings.Contains(req.UserPrompt, "Click Submit")
	})).Return(`{"steps": [{"description": "Press Enter instead", "action": "click", "target": {"kind": "text", "value": "Send"}}]}`, nil)

	steps, err := p.Replan(context.Background(), objective, nil, pc)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "2.r1", steps[0].ID, "replacement ids derive from the failed step")
	assert.Equal(t, schemas.TargetText, steps[0].Target.Kind)

	obj := objective
	obj.MaxSteps = 1
	_, err = p.Replan(context.Background(), obj, nil, pc)
	assert.Equal(t, schemas.ErrCodePlanning, schemas.CodeOf(err), "no budget left for replacement steps")
}

func TestParseAction(t *testing.T) {
	assert.Equal(t, schemas.ActionClick, ParseAction(" Click "))
	assert.Equal(t, schemas.ActionNavigate, ParseAction("goto"))
	assert.Equal(t, schemas.ActionVerifyOnly, ParseAction("assert"))
	assert.False(t, ParseAction("hover").Valid())
}

func TestStaticPlanner(t *testing.T) {
	steps := []schemas.Step{
		{Action: schemas.ActionNavigate, Value: "https://example.test"},
		{ID: "submit", Action: schemas.ActionClick, Target: schemas.Target{Kind: schemas.TargetSemantic, Value: "Submit"}, Status: schemas.StepSucceeded},
	}
	p, err := NewStatic(steps, nil)
	require.NoError(t, err)

	got, err := p.Plan(context.Background(), objective, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "submit", got[1].ID)
	assert.Equal(t, schemas.StepPending, got[1].Status, "status is reset")
	got[0].Value = "mutated"

	again, _ := p.Plan(context.Background(), objective, nil)
	assert.Equal(t, "https://example.test", again[0].Value, "callers get their own copy")

	_, err = p.Replan(context.Background(), objective, nil, schemas.PlanContext{Failed: got[1]})
	assert.Equal(t, schemas.ErrCodePlanning, schemas.CodeOf(err))

	obj := objective
	obj.MaxSteps = 1
	_, err = p.Plan(context.Background(), obj, nil)
	assert.Equal(t, schemas.ErrCodePlanning, schemas.CodeOf(err))
}

func TestStaticPlanner_Validation(t *testing.T) {
	_, err := NewStatic(nil, nil)
	assert.Error(t, err)

	_, err = NewStatic([]schemas.Step{{ID: "a", Action: schemas.ActionClick}}, nil)
	assert.Error(t, err, "click needs a target")

	dup := schemas.Step{ID: "a", Action: schemas.ActionWait, Value: "1s"}
	_, err = NewStatic([]schemas.Step{dup, dup}, nil)
	assert.Error(t, err)
}

func TestStaticPlanner_DelegatesReplan(t *testing.T) {
	fallback := new(mocks.MockPlanner)
	replacement := []schemas.Step{{ID: "x.r1", Action: schemas.ActionWait, Value: "1s"}}
	fallback.On("Replan", mock.Anything, objective, (*schemas.PageState)(nil), mock.Anything).Return(replacement, nil)

	p, err := NewStatic([]schemas.Step{{ID: "x", Action: schemas.ActionWait, Value: "1s"}}, fallback)
	require.NoError(t, err)
	got, err := p.Replan(context.Background(), objective, nil, schemas.PlanContext{})
	require.NoError(t, err)
	assert.Equal(t, replacement, got)
	fallback.AssertExpectations(t)
}
