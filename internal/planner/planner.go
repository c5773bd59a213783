// Package planner turns objectives into ordered step lists, either by asking a
// language model or by replaying steps written out in a workflow file.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
	"github.com/xkilldash9x/autopilot-cli/internal/llmutil"
)

// DefaultMaxSteps caps plans when neither the objective nor the options do.
const DefaultMaxSteps = 50

// ConditionChecker validates post-condition expressions before a plan is
// accepted. *verifier.Verifier satisfies it.
type ConditionChecker interface {
	Compile(expr string) error
}

// Options configures an LLMPlanner.
type Options struct {
	MaxSteps int
	// APITimeout bounds each model call; zero leaves only the caller's deadline.
	APITimeout  time.Duration
	Temperature float64
}

// LLMPlanner asks the powerful model tier for a plan.
type LLMPlanner struct {
	client  schemas.LLMClient
	checker ConditionChecker
	opts    Options
	logger  *zap.Logger
}

var _ schemas.Planner = (*LLMPlanner)(nil)

// NewLLMPlanner creates a planner. checker may be nil, in which case
// post-conditions are passed through unchecked.
func NewLLMPlanner(client schemas.LLMClient, checker ConditionChecker, opts Options, logger *zap.Logger) *LLMPlanner {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	if opts.Temperature == 0 {
		opts.Temperature = 0.2
	}
	return &LLMPlanner{client: client, checker: checker, opts: opts, logger: logger.Named("planner")}
}

// stepSpec is one step as the model writes it.
type stepSpec struct {
	Description   string     `json:"description"`
	Action        string     `json:"action"`
	Target        targetSpec `json:"target"`
	Selector      string     `json:"selector"`
	Value         string     `json:"value"`
	PostCondition string     `json:"post_condition"`
	Critical      *bool      `json:"critical"`
	Timeout       string     `json:"timeout"`
}

type targetSpec struct {
	Kind          string `json:"kind"`
	Value         string `json:"value"`
	RequireUnique bool   `json:"require_unique"`
}

type planResponse struct {
	Rationale string     `json:"rationale"`
	Steps     []stepSpec `json:"steps"`
	Error     string     `json:"error"`
}

// Plan decomposes obj into steps, using page as context when it is non-nil.
func (p *LLMPlanner) Plan(ctx context.Context, obj schemas.Objective, page *schemas.PageState) ([]schemas.Step, error) {
	const op = "planner.Plan"
	maxSteps := p.maxSteps(obj)
	resp, err := p.generate(ctx, op, buildSystemPrompt(maxSteps), planUserPrompt(obj, page))
	if err != nil {
		return nil, err
	}
	steps, err := p.buildSteps(op, resp, maxSteps, func(i int) string { return strconv.Itoa(i + 1) })
	if err != nil {
		return nil, err
	}
	p.logger.Info("Plan created", zap.Int("steps", len(steps)), zap.String("rationale", resp.Rationale))
	return steps, nil
}

// Replan returns the steps replacing pc.Failed and pc.Remaining. Their ids are
// derived from the failed step's id so they never collide with earlier steps.
func (p *LLMPlanner) Replan(ctx context.Context, obj schemas.Objective, page *schemas.PageState, pc schemas.PlanContext) ([]schemas.Step, error) {
	const op = "planner.Replan"
	maxSteps := p.maxSteps(obj) - len(pc.Completed)
	if maxSteps <= 0 {
		return nil, schemas.Errorf(schemas.ErrCodePlanning, op, "no step budget left after %d completed steps", len(pc.Completed))
	}
	user, err := replanUserPrompt(obj, page, pc)
	if err != nil {
		return nil, schemas.NewError(schemas.ErrCodePlanning, op, err)
	}
	resp, err := p.generate(ctx, op, buildSystemPrompt(maxSteps), user)
	if err != nil {
		return nil, err
	}
	steps, err := p.buildSteps(op, resp, maxSteps, func(i int) string { return fmt.Sprintf("%s.r%d", pc.Failed.ID, i+1) })
	if err != nil {
		return nil, err
	}
	p.logger.Info("Plan revised",
		zap.String("failed_step", pc.Failed.ID),
		zap.Int("replaced", len(pc.Remaining)+1),
		zap.Int("steps", len(steps)),
		zap.String("rationale", resp.Rationale))
	return steps, nil
}

func (p *LLMPlanner) maxSteps(obj schemas.Objective) int {
	if obj.MaxSteps > 0 {
		return obj.MaxSteps
	}
	return p.opts.MaxSteps
}

func (p *LLMPlanner) generate(ctx context.Context, op, system, user string) (*planResponse, error) {
	apiCtx := ctx
	if p.opts.APITimeout > 0 {
		var cancel context.CancelFunc
		apiCtx, cancel = context.WithTimeout(ctx, p.opts.APITimeout)
		defer cancel()
	}

	req := schemas.GenerationRequest{
		SystemPrompt: system,
		UserPrompt:   user,
		Tier:         schemas.TierPowerful,
		Options:      schemas.GenerationOptions{ForceJSONFormat: true, Temperature: p.opts.Temperature},
	}
	raw, err := p.client.Generate(apiCtx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schemas.NewError(schemas.ErrCodePlanning, op, fmt.Errorf("llm generation failed: %w", err))
	}

	resp, err := parseResponse(raw)
	if err != nil {
		p.logger.Warn("Failed to parse plan response", zap.String("raw_response", llmutil.Truncate(raw, 1000)), zap.Error(err))
		return nil, schemas.NewError(schemas.ErrCodePlanning, op, err)
	}
	if resp.Error != "" && len(resp.Steps) == 0 {
		return nil, schemas.Errorf(schemas.ErrCodePlanning, op, "objective could not be decomposed: %s", resp.Error)
	}
	return resp, nil
}

// parseResponse accepts the documented object form and, leniently, a bare
// array of steps.
func parseResponse(raw string) (*planResponse, error) {
	resp, objErr := llmutil.ParseJSONResponse[planResponse](raw)
	if objErr == nil {
		return resp, nil
	}
	steps, arrErr := llmutil.ParseJSONResponse[[]stepSpec](raw)
	if arrErr == nil {
		return &planResponse{Steps: *steps}, nil
	}
	return nil, objErr
}

// buildSteps converts model output into validated steps. Invalid steps are
// dropped with a warning; a plan with nothing left is a planning error.
func (p *LLMPlanner) buildSteps(op string, resp *planResponse, maxSteps int, idFor func(int) string) ([]schemas.Step, error) {
	var steps []schemas.Step
	var rejected []string
	for _, spec := range resp.Steps {
		step := spec.toStep(idFor(len(steps)))
		if err := step.Validate(); err != nil {
			rejected = append(rejected, err.Error())
			p.logger.Warn("Dropping invalid planned step", zap.Error(err))
			continue
		}
		if step.PostCondition != "" && p.checker != nil {
			if err := p.checker.Compile(step.PostCondition); err != nil {
				p.logger.Warn("Dropping undecidable post-condition",
					zap.String("step_id", step.ID),
					zap.String("post_condition", step.PostCondition),
					zap.Error(err))
				step.PostCondition = ""
			}
		}
		steps = append(steps, step)
	}

	if len(steps) == 0 {
		if len(rejected) > 0 {
			return nil, schemas.Errorf(schemas.ErrCodePlanning, op, "no actionable steps: %s", strings.Join(rejected, "; "))
		}
		return nil, schemas.NewError(schemas.ErrCodePlanning, op, errors.New("model returned an empty plan"))
	}
	if len(steps) > maxSteps {
		p.logger.Warn("Plan exceeds the step limit; truncating", zap.Int("steps", len(steps)), zap.Int("max_steps", maxSteps))
		steps = steps[:maxSteps]
	}
	return steps, nil
}

// actionAliases maps verbs models commonly use onto the action vocabulary.
var actionAliases = map[string]schemas.ActionKind{
	"goto":        schemas.ActionNavigate,
	"open":        schemas.ActionNavigate,
	"visit":       schemas.ActionNavigate,
	"type":        schemas.ActionFill,
	"input":       schemas.ActionFill,
	"enter":       schemas.ActionFill,
	"choose":      schemas.ActionSelect,
	"press":       schemas.ActionClick,
	"tap":         schemas.ActionClick,
	"sleep":       schemas.ActionWait,
	"read":        schemas.ActionExtract,
	"scrape":      schemas.ActionExtract,
	"verify":      schemas.ActionVerifyOnly,
	"assert":      schemas.ActionVerifyOnly,
	"check":       schemas.ActionVerifyOnly,
	"verify_only": schemas.ActionVerifyOnly,
}

// ParseAction resolves an action name, accepting common aliases.
func ParseAction(name string) schemas.ActionKind {
	k := schemas.ActionKind(strings.ToLower(strings.TrimSpace(name)))
	if k.Valid() {
		return k
	}
	if alias, ok := actionAliases[string(k)]; ok {
		return alias
	}
	return k
}

func (s stepSpec) toStep(id string) schemas.Step {
	target := schemas.NormalizeTarget(s.Target.Kind, s.Target.Value)
	if target.IsZero() && s.Selector != "" {
		target = schemas.NormalizeTarget("css", s.Selector)
	}
	target.RequireUnique = s.Target.RequireUnique

	step := schemas.Step{
		ID:            id,
		Description:   strings.TrimSpace(s.Description),
		Action:        ParseAction(s.Action),
		Target:        target,
		Value:         s.Value,
		PostCondition: strings.TrimSpace(s.PostCondition),
		Critical:      s.Critical == nil || *s.Critical,
		Status:        schemas.StepPending,
	}
	if d, err := time.ParseDuration(strings.TrimSpace(s.Timeout)); err == nil && d > 0 {
		step.Timeout = d
	}
	if step.Description == "" {
		step.Description = fmt.Sprintf("%s %s", step.Action, target)
	}
	return step
}
