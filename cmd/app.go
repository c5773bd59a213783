// File: cmd/app.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autopilot-cli/internal/browser"
	"github.com/xkilldash9x/autopilot-cli/internal/config"
	"github.com/xkilldash9x/autopilot-cli/internal/engine"
	"github.com/xkilldash9x/autopilot-cli/internal/observability"
	"github.com/xkilldash9x/autopilot-cli/internal/store"
)

// sessionRunner is the part of the scheduler the commands drive.
type sessionRunner interface {
	Run(ctx context.Context, jobs []engine.Job, concurrency int) []engine.Result
}

// appProvider assembles the runtime behind run and workflow. Tests inject a
// provider backed by in-memory browsers.
type appProvider interface {
	// Create returns the runner and a cleanup function that releases
	// everything the runner holds.
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (sessionRunner, func(), error)
}

type defaultAppProvider struct{}

func newDefaultAppProvider() appProvider { return &defaultAppProvider{} }

// Create wires the browser factory, model router, store and scheduler, and
// starts the metrics listener when it is enabled.
func (p *defaultAppProvider) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (sessionRunner, func(), error) {
	browsers, err := browser.NewFactory(cfg.Browser(), logger)
	if err != nil {
		return nil, nil, err
	}
	builder, err := engine.NewBuilder(cfg, browsers, nil, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize session builder: %w", err)
	}
	st, err := store.Open(ctx, cfg.Store(), logger)
	if err != nil {
		return nil, nil, err
	}
	scheduler, err := engine.New(cfg, builder, st, nil, logger)
	if err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	stopMetrics := func() {}
	if m := cfg.Metrics(); m.Enabled {
		metricsCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := observability.ServeMetrics(metricsCtx, m.Listen, logger); err != nil {
				logger.Error("Metrics listener failed", zap.Error(err))
			}
		}()
		stopMetrics = func() {
			cancel()
			select {
			case <-done:
			case <-time.After(10 * time.Second):
				logger.Warn("Metrics listener did not stop in time")
			}
		}
	}

	cleanup := func() {
		stopMetrics()
		if err := st.Close(); err != nil {
			logger.Warn("Failed to close store", zap.Error(err))
		}
	}
	return scheduler, cleanup, nil
}

// runJobs runs jobs through a freshly assembled runtime and returns their results.
func runJobs(ctx context.Context, cfg config.Interface, provider appProvider, jobs []engine.Job, concurrency int, logger *zap.Logger) ([]engine.Result, error) {
	runner, cleanup, err := provider.Create(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if cleanup != nil {
		defer cleanup()
	}
	return runner.Run(ctx, jobs, concurrency), nil
}

// aggregateExitCode folds several outcomes into one exit code. An interrupt
// wins, then any failure, then any timeout, then any abort.
func aggregateExitCode(ctx context.Context, results []engine.Result) int {
	if errors.Is(ctx.Err(), context.Canceled) {
		return 2
	}
	seen := make(map[int]bool)
	for _, r := range results {
		seen[r.Outcome().ExitCode()] = true
	}
	for _, code := range []int{1, 3, 2} {
		if seen[code] {
			return code
		}
	}
	return 0
}
