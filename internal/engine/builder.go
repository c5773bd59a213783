package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
	"github.com/xkilldash9x/autopilot-cli/internal/agent"
	"github.com/xkilldash9x/autopilot-cli/internal/config"
	"github.com/xkilldash9x/autopilot-cli/internal/executor"
	"github.com/xkilldash9x/autopilot-cli/internal/extract"
	"github.com/xkilldash9x/autopilot-cli/internal/llmclient"
	"github.com/xkilldash9x/autopilot-cli/internal/locator"
	"github.com/xkilldash9x/autopilot-cli/internal/planner"
	"github.com/xkilldash9x/autopilot-cli/internal/verifier"
)

// Builder assembles the collaborators of one session.
type Builder interface {
	Build(ctx context.Context, job Job) (agent.Dependencies, error)
}

// LLMFactory creates the model client a session owns.
type LLMFactory func(ctx context.Context) (schemas.LLMClient, error)

// DefaultBuilder wires a fresh browser and model client per session around
// locator, executor and verifier instances that are shared between sessions.
type DefaultBuilder struct {
	cfg      config.Interface
	browsers schemas.BrowserFactory
	newLLM   LLMFactory
	logger   *zap.Logger

	locator  *locator.Locator
	executor *executor.Executor
	verifier *verifier.Verifier
	shots    *agent.ScreenshotRecorder
}

// NewBuilder creates a builder. newLLM may be nil, in which case the model
// router is built from the llm configuration when one is defined.
func NewBuilder(cfg config.Interface, browsers schemas.BrowserFactory, newLLM LLMFactory, logger *zap.Logger) (*DefaultBuilder, error) {
	if browsers == nil {
		return nil, fmt.Errorf("browser factory cannot be nil")
	}
	agentCfg := cfg.Agent()
	if newLLM == nil && len(cfg.LLM().Models) > 0 {
		llmCfg := cfg.LLM()
		newLLM = func(ctx context.Context) (schemas.LLMClient, error) {
			router, err := llmclient.NewRouterFromConfig(ctx, llmCfg, logger)
			if err != nil {
				return nil, err
			}
			return router, nil
		}
	}

	ver, err := verifier.New(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create verifier: %w", err)
	}
	loc := locator.New(locator.Options{Threshold: agentCfg.RelevanceThreshold, AmbiguityMargin: agentCfg.AmbiguityMargin}, logger)
	exec := executor.New(executor.Options{
		ActionTimeout: agentCfg.ActionTimeout,
		PollInterval:  cfg.Browser().PollInterval,
	}, loc, extract.New(0), logger)

	var shots *agent.ScreenshotRecorder
	if bc := cfg.Browser(); bc.Screenshots {
		shots = agent.NewScreenshotRecorder(bc.ScreenshotDir, logger)
	}

	return &DefaultBuilder{
		cfg:      cfg,
		browsers: browsers,
		newLLM:   newLLM,
		logger:   logger.Named("builder"),
		locator:  loc,
		executor: exec,
		verifier: ver,
		shots:    shots,
	}, nil
}

// Build creates the session's browser and planner. Jobs with explicit steps
// run them as given and only consult the model to replan.
func (b *DefaultBuilder) Build(ctx context.Context, job Job) (agent.Dependencies, error) {
	deps := agent.Dependencies{Locator: b.locator, Executor: b.executor, Verifier: b.verifier, Screenshots: b.shots}

	if b.newLLM != nil {
		llm, err := b.newLLM(ctx)
		switch {
		case err == nil:
			deps.LLM = llm
		case len(job.Steps) > 0:
			// Explicit plans still run; they just cannot be replanned.
			b.logger.Warn("LLM unavailable; running explicit steps without replanning", zap.String("job", job.Name), zap.Error(err))
		default:
			return deps, schemas.NewError(schemas.ErrCodeProvider, "engine.Build", err)
		}
	}

	var model schemas.Planner
	if deps.LLM != nil {
		model = planner.NewLLMPlanner(deps.LLM, b.verifier, planner.Options{
			MaxSteps:   b.cfg.Agent().MaxSteps,
			APITimeout: b.cfg.Agent().ActionTimeout * 6,
		}, b.logger)
	}
	switch {
	case len(job.Steps) > 0:
		static, err := planner.NewStatic(job.Steps, model)
		if err != nil {
			b.closeLLM(deps.LLM)
			return deps, err
		}
		deps.Planner = static
	case model != nil:
		deps.Planner = model
	default:
		return deps, schemas.Errorf(schemas.ErrCodeConfig, "engine.Build", "job %s has no steps and no llm model is configured", job.Name)
	}

	browser, err := b.browsers.NewBrowser(ctx)
	if err != nil {
		b.closeLLM(deps.LLM)
		return deps, schemas.NewError(schemas.ErrCodeExecutionError, "engine.Build", fmt.Errorf("failed to start browser: %w", err))
	}
	deps.Browser = browser
	return deps, nil
}

func (b *DefaultBuilder) closeLLM(c schemas.LLMClient) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		b.logger.Warn("Failed to close LLM client", zap.Error(err))
	}
}
