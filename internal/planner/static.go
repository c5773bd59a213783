package planner

import (
	"context"
	"fmt"
	"strconv"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
)

// StaticPlanner returns a fixed step list, as written in a workflow file. A
// replan is delegated to the fallback planner when there is one.
type StaticPlanner struct {
	steps    []schemas.Step
	fallback schemas.Planner
}

var _ schemas.Planner = (*StaticPlanner)(nil)

// NewStatic validates steps up front so a bad workflow fails before any
// browser is started. Missing ids are numbered by position.
func NewStatic(steps []schemas.Step, fallback schemas.Planner) (*StaticPlanner, error) {
	if len(steps) == 0 {
		return nil, schemas.Errorf(schemas.ErrCodePlanning, "planner.NewStatic", "a static plan needs at least one step")
	}
	seen := make(map[string]bool, len(steps))
	out := make([]schemas.Step, len(steps))
	for i, s := range steps {
		if s.ID == "" {
			s.ID = strconv.Itoa(i + 1)
		}
		if seen[s.ID] {
			return nil, schemas.Errorf(schemas.ErrCodePlanning, "planner.NewStatic", "duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
		if s.Description == "" {
			s.Description = fmt.Sprintf("%s %s", s.Action, s.Target)
		}
		s.Status = schemas.StepPending
		if err := s.Validate(); err != nil {
			return nil, schemas.NewError(schemas.ErrCodePlanning, "planner.NewStatic", err)
		}
		out[i] = s
	}
	return &StaticPlanner{steps: out, fallback: fallback}, nil
}

// Plan returns a fresh copy of the configured steps; the objective's step cap
// still applies.
func (p *StaticPlanner) Plan(_ context.Context, obj schemas.Objective, _ *schemas.PageState) ([]schemas.Step, error) {
	steps := append([]schemas.Step(nil), p.steps...)
	if obj.MaxSteps > 0 && len(steps) > obj.MaxSteps {
		return nil, schemas.Errorf(schemas.ErrCodePlanning, "planner.Plan", "workflow has %d steps, more than max_steps %d", len(steps), obj.MaxSteps)
	}
	return steps, nil
}

// Replan asks the fallback planner for an alternative suffix.
func (p *StaticPlanner) Replan(ctx context.Context, obj schemas.Objective, page *schemas.PageState, pc schemas.PlanContext) ([]schemas.Step, error) {
	if p.fallback == nil {
		return nil, schemas.Errorf(schemas.ErrCodePlanning, "planner.Replan", "static plan has no alternative for step %s", pc.Failed.ID)
	}
	return p.fallback.Replan(ctx, obj, page, pc)
}
