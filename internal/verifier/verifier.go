// Package verifier evaluates step post-conditions against page state.
//
// Post-conditions are CEL expressions over two variables:
//
//	page       map with url, title, text, fields (name -> value) and elements (count)
//	extracted  map of step id -> data produced by earlier extract steps
//
// For example: page.url.contains("/dashboard") && page.fields["email"] != "".
package verifier

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
)

const maxCachedPrograms = 512

// Verifier is safe for concurrent use; compiled programs are shared across sessions.
type Verifier struct {
	env    *cel.Env
	logger *zap.Logger

	mu       sync.Mutex
	programs map[string]cel.Program
}

// New builds the CEL environment.
func New(logger *zap.Logger) (*Verifier, error) {
	env, err := cel.NewEnv(
		cel.Variable("page", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("extracted", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("error creating CEL environment: %w", err)
	}
	return &Verifier{
		env:      env,
		logger:   logger.Named("verifier"),
		programs: make(map[string]cel.Program),
	}, nil
}

// Compile checks that expr is a well-formed boolean predicate.
func (v *Verifier) Compile(expr string) error {
	_, err := v.program(expr)
	return err
}

func (v *Verifier) program(expr string) (cel.Program, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if prg, ok := v.programs[expr]; ok {
		return prg, nil
	}

	ast, issues := v.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("error compiling post-condition: %w", issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("post-condition must be boolean, got %s", out)
	}
	prg, err := v.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("error building post-condition program: %w", err)
	}
	if len(v.programs) >= maxCachedPrograms {
		v.programs = make(map[string]cel.Program)
	}
	v.programs[expr] = prg
	return prg, nil
}

// Verify evaluates the step's post-condition. A step without one passes. The
// returned detail explains a Fail or Indeterminate result.
func (v *Verifier) Verify(ctx context.Context, step schemas.Step, state *schemas.PageState, extracted map[string]any) (schemas.VerificationResult, string) {
	expr := strings.TrimSpace(step.PostCondition)
	if expr == "" {
		return schemas.VerificationPass, ""
	}
	log := v.logger.With(zap.String("step_id", step.ID), zap.String("post_condition", expr))
	if state == nil {
		log.Warn("Post-condition could not be evaluated: no page state")
		return schemas.VerificationIndeterminate, "no page state available"
	}

	prg, err := v.program(expr)
	if err != nil {
		log.Warn("Post-condition could not be evaluated", zap.Error(err))
		return schemas.VerificationIndeterminate, err.Error()
	}
	out, _, err := prg.ContextEval(ctx, activation(state, extracted))
	if err != nil {
		log.Warn("Post-condition could not be evaluated", zap.Error(err))
		return schemas.VerificationIndeterminate, fmt.Sprintf("error evaluating post-condition: %v", err)
	}
	if out.Type() != types.BoolType {
		log.Warn("Post-condition did not evaluate to a boolean", zap.String("type", out.Type().TypeName()))
		return schemas.VerificationIndeterminate, "post-condition did not evaluate to a boolean"
	}
	if out.Value().(bool) {
		return schemas.VerificationPass, ""
	}
	log.Info("Post-condition evaluated false")
	return schemas.VerificationFail, "post-condition evaluated false"
}

// Holds reports whether expr evaluates to true on state. It never logs, so
// wait actions can poll it.
func (v *Verifier) Holds(ctx context.Context, expr string, state *schemas.PageState, extracted map[string]any) bool {
	if state == nil {
		return false
	}
	prg, err := v.program(expr)
	if err != nil {
		return false
	}
	out, _, err := prg.ContextEval(ctx, activation(state, extracted))
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

func activation(state *schemas.PageState, extracted map[string]any) map[string]any {
	if extracted == nil {
		extracted = map[string]any{}
	}
	return map[string]any{
		"page":      PageVars(state),
		"extracted": extracted,
	}
}

// PageVars is the `page` variable exposed to post-conditions.
func PageVars(state *schemas.PageState) map[string]any {
	fields := make(map[string]any, len(state.Fields))
	for k, v := range state.Fields {
		fields[k] = v
	}
	return map[string]any{
		"url":      state.URL,
		"title":    state.Title,
		"text":     state.Text,
		"fields":   fields,
		"elements": int64(len(state.Interactive)),
	}
}
