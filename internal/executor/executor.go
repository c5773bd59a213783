// Package executor performs exactly one action against the page per call.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
	"github.com/xkilldash9x/autopilot-cli/internal/browser/dom"
	"github.com/xkilldash9x/autopilot-cli/internal/extract"
	"github.com/xkilldash9x/autopilot-cli/internal/locator"
)

// errActionDeadline is the cancellation cause of an action's own timeout, kept
// distinct from the session ceiling and external cancellation.
var errActionDeadline = errors.New("action deadline exceeded")

// Input is everything one action needs.
type Input struct {
	Browser schemas.Browser
	Step    schemas.Step
	// Target is the element resolved for this attempt, nil for actions without one.
	Target *locator.Resolved
	// Until, when set, is the condition a wait action blocks on.
	Until func(*schemas.PageState) bool
}

// Handler performs one action kind and returns its data payload.
type Handler func(ctx context.Context, in Input) (any, error)

// Options configures the executor.
type Options struct {
	ActionTimeout time.Duration
	PollInterval  time.Duration
}

// Executor dispatches actions to handlers registered per action kind. It never
// retries; that decision belongs to the recovery strategist.
type Executor struct {
	opts      Options
	logger    *zap.Logger
	locator   *locator.Locator
	extractor *extract.Extractor
	handlers  map[schemas.ActionKind]Handler
}

// New creates an executor with the built-in handlers. The locator is used by
// wait actions on semantic targets.
func New(opts Options, loc *locator.Locator, extractor *extract.Extractor, logger *zap.Logger) *Executor {
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = 10 * time.Second
	}
	e := &Executor{
		opts:      opts,
		logger:    logger.Named("executor"),
		locator:   loc,
		extractor: extractor,
		handlers:  make(map[schemas.ActionKind]Handler),
	}
	e.registerHandlers()
	return e
}

func (e *Executor) registerHandlers() {
	e.Register(schemas.ActionNavigate, e.handleNavigate)
	e.Register(schemas.ActionClick, e.handleElementAction)
	e.Register(schemas.ActionFill, e.handleElementAction)
	e.Register(schemas.ActionSelect, e.handleElementAction)
	e.Register(schemas.ActionWait, e.handleWait)
	e.Register(schemas.ActionExtract, e.handleExtract)
	e.Register(schemas.ActionVerifyOnly, func(context.Context, Input) (any, error) { return nil, nil })
}

// Register installs or replaces the handler for kind.
func (e *Executor) Register(kind schemas.ActionKind, h Handler) {
	e.handlers[kind] = h
}

// TimeoutFor is the deadline applied to step's action: the step's own timeout,
// else a duration given as a wait step's value, else the default.
func (e *Executor) TimeoutFor(step schemas.Step) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	if step.Action == schemas.ActionWait {
		if d, err := time.ParseDuration(strings.TrimSpace(step.Value)); err == nil && d > 0 {
			return d
		}
	}
	return e.opts.ActionTimeout
}

// Execute runs the step's action bounded by its timeout and by ctx, and
// classifies any failure into the error taxonomy.
func (e *Executor) Execute(ctx context.Context, in Input) (result schemas.ExecutionResult) {
	start := time.Now()
	log := e.logger.With(zap.String("step_id", in.Step.ID), zap.String("action", string(in.Step.Action)))
	defer func() {
		result.Duration = time.Since(start)
	}()

	handler, ok := e.handlers[in.Step.Action]
	if !ok {
		return failure(schemas.ErrCodeExecutionError, fmt.Errorf("no handler registered for action %q", in.Step.Action))
	}
	if in.Step.Action.RequiresTarget() && in.Target == nil {
		return failure(schemas.ErrCodeExecutionError, fmt.Errorf("action %s requires a resolved target", in.Step.Action))
	}

	actx, cancel := context.WithTimeoutCause(ctx, e.TimeoutFor(in.Step), errActionDeadline)
	defer cancel()

	data, err := e.safeRun(actx, handler, in)
	if err != nil {
		code := classify(actx, err)
		log.Warn("Action execution failed", zap.String("error_code", string(code)), zap.Error(err))
		return failure(code, err)
	}
	log.Debug("Action executed")
	return schemas.ExecutionResult{Success: true, Data: data}
}

func (e *Executor) safeRun(ctx context.Context, h Handler, in Input) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Action handler panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("action handler panicked: %v", r)
		}
	}()
	return h(ctx, in)
}

func failure(code schemas.ErrorCode, err error) schemas.ExecutionResult {
	return schemas.ExecutionResult{Success: false, ErrorCode: code, Error: err.Error()}
}

// classify maps driver errors and context causes onto the taxonomy.
func classify(actx context.Context, err error) schemas.ErrorCode {
	if actx.Err() != nil {
		cause := context.Cause(actx)
		switch {
		case errors.Is(cause, errActionDeadline), errors.Is(cause, schemas.ErrSessionTimedOut),
			errors.Is(cause, context.DeadlineExceeded):
			return schemas.ErrCodeExecutionTimeout
		case errors.Is(cause, schemas.ErrSessionAborted):
			return schemas.ErrCodeSessionAborted
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return schemas.ErrCodeExecutionTimeout
	case errors.Is(err, schemas.ErrElementStale), errors.Is(err, schemas.ErrElementNotFound):
		return schemas.ErrCodeExecutionTargetStale
	}
	var ae *schemas.AutomationError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return schemas.ErrCodeExecutionError
}

// -- Handlers --

func (e *Executor) handleNavigate(ctx context.Context, in Input) (any, error) {
	url := strings.TrimSpace(in.Step.Value)
	if url == "" {
		url = strings.TrimSpace(in.Step.Target.Value)
	}
	if url == "" {
		return nil, fmt.Errorf("navigate requires a URL")
	}
	return nil, in.Browser.Navigate(ctx, url)
}

func (e *Executor) handleElementAction(ctx context.Context, in Input) (any, error) {
	return nil, in.Browser.Act(ctx, in.Target.Handle, in.Step.Action, in.Step.Value)
}

// handleWait blocks on, in order of preference: a resolved or structural
// target, a semantic target, the Until condition. With none of those it
// lasts until the action deadline, which counts as success.
func (e *Executor) handleWait(ctx context.Context, in Input) (any, error) {
	t := in.Step.Target
	switch {
	case !t.IsZero() && t.Kind != schemas.TargetSemantic:
		return nil, in.Browser.WaitFor(ctx, schemas.WaitCondition{Target: t, PollInterval: e.opts.PollInterval}, 0)
	case !t.IsZero() && e.locator != nil:
		return nil, dom.Poll(ctx, e.opts.PollInterval, 0, func(ctx context.Context) (bool, error) {
			_, _, err := e.locator.Locate(ctx, in.Browser, t)
			if err == nil {
				return true, nil
			}
			if code := schemas.CodeOf(err); code == schemas.ErrCodeLocatorNotFound || code == schemas.ErrCodeLocatorAmbiguous {
				return false, nil
			}
			return false, err
		})
	case in.Until != nil:
		return nil, in.Browser.WaitFor(ctx, schemas.WaitCondition{Predicate: in.Until, PollInterval: e.opts.PollInterval}, 0)
	}

	// Only the action's own deadline ends a plain wait successfully; the
	// session ceiling or a cancellation interrupts it.
	<-ctx.Done()
	if errors.Is(context.Cause(ctx), errActionDeadline) {
		return nil, nil
	}
	return nil, ctx.Err()
}

func (e *Executor) handleExtract(ctx context.Context, in Input) (any, error) {
	if in.Target != nil {
		desc, err := in.Browser.Describe(ctx, in.Target.Handle)
		if err != nil {
			return nil, err
		}
		return e.extractor.Element(desc), nil
	}
	snap, err := in.Browser.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return e.extractor.Page(snap), nil
}
