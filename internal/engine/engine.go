// Package engine schedules automation sessions and persists their records.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
	"github.com/xkilldash9x/autopilot-cli/internal/agent"
	"github.com/xkilldash9x/autopilot-cli/internal/config"
	"github.com/xkilldash9x/autopilot-cli/internal/workflow"
)

const persistTimeout = 30 * time.Second

// Job is one objective to run, optionally with an explicit plan.
type Job struct {
	Name      string
	Objective schemas.Objective
	Steps     []schemas.Step
}

// Result is the outcome of one job. Err is set when no session could be run
// at all; otherwise Record holds the terminal record.
type Result struct {
	Job    string
	Record *schemas.SessionRecord
	Err    error
}

// Outcome folds Err into the outcome contract: a job that never ran failed,
// unless it was cancelled first.
func (r Result) Outcome() schemas.Outcome {
	if r.Record != nil {
		return r.Record.Outcome
	}
	if schemas.CodeOf(r.Err) == schemas.ErrCodeSessionAborted {
		return schemas.OutcomeAborted
	}
	return schemas.OutcomeFailed
}

// JobsFromWorkflow converts a workflow file into jobs.
func JobsFromWorkflow(f *workflow.File) ([]Job, error) {
	jobs := make([]Job, 0, len(f.Jobs))
	for _, wj := range f.Jobs {
		obj, err := wj.ToObjective()
		if err != nil {
			return nil, err
		}
		steps, err := wj.PlannedSteps()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, Job{Name: wj.Name, Objective: obj, Steps: steps})
	}
	return jobs, nil
}

// Scheduler runs sessions concurrently, one goroutine per session, bounded by
// the configured concurrency.
type Scheduler struct {
	cfg      config.Interface
	logger   *zap.Logger
	builder  Builder
	store    schemas.Store
	registry *agent.Registry
}

// New creates a Scheduler.
func New(cfg config.Interface, builder Builder, store schemas.Store, registry *agent.Registry, logger *zap.Logger) (*Scheduler, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if builder == nil {
		return nil, errors.New("builder cannot be nil")
	}
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if registry == nil {
		registry = agent.NewRegistry()
	}
	return &Scheduler{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "scheduler")),
		builder:  builder,
		store:    store,
		registry: registry,
	}, nil
}

// Registry exposes the live sessions.
func (s *Scheduler) Registry() *agent.Registry { return s.registry }

// Run executes jobs with at most concurrency sessions in flight (the agent
// configuration when concurrency is not positive) and returns one result per
// job in input order. Cancelling ctx aborts running sessions cooperatively and
// marks jobs that never started as aborted.
func (s *Scheduler) Run(ctx context.Context, jobs []Job, concurrency int) []Result {
	if concurrency <= 0 {
		concurrency = s.cfg.Agent().Concurrency
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	s.logger.Info("Starting sessions", zap.Int("jobs", len(jobs)), zap.Int("concurrency", concurrency))

	results := make([]Result, len(jobs))
	sem := semaphore.NewWeighted(int64(concurrency))
	var g errgroup.Group
	for i, job := range jobs {
		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(jobs); j++ {
				results[j] = Result{Job: jobs[j].Name, Err: schemas.NewError(schemas.ErrCodeSessionAborted, "engine.Run", err)}
			}
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			results[i] = s.runOne(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// CancelAll requests cancellation of every running session.
func (s *Scheduler) CancelAll() {
	s.registry.CancelAll()
}

func (s *Scheduler) runOne(ctx context.Context, job Job) Result {
	log := s.logger.With(zap.String("job", job.Name))
	res := Result{Job: job.Name}

	// Check context before starting heavy work.
	if err := ctx.Err(); err != nil {
		res.Err = schemas.NewError(schemas.ErrCodeSessionAborted, "engine.runOne", err)
		return res
	}

	deps, err := s.builder.Build(ctx, job)
	if err != nil {
		log.Error("Failed to assemble session", zap.Error(err))
		res.Err = err
		return res
	}
	sess, err := agent.NewSession(job.Objective, s.cfg.Agent(), deps, s.logger)
	if err != nil {
		closeDeps(ctx, deps, log)
		res.Err = err
		return res
	}
	if err := s.registry.Register(sess); err != nil {
		closeDeps(ctx, deps, log)
		res.Err = fmt.Errorf("failed to register session: %w", err)
		return res
	}
	defer s.registry.Remove(sess.ID())

	rec, err := sess.Run(ctx)
	if err != nil {
		res.Err = err
		return res
	}
	res.Record = rec

	// Persist even when the parent context was cancelled during shutdown.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := s.store.SaveSession(persistCtx, rec); err != nil {
		log.Error("Failed to persist session record", zap.String("session_id", rec.SessionID), zap.Error(err))
	} else {
		log.Debug("Session record persisted", zap.String("session_id", rec.SessionID))
	}
	return res
}

// closeDeps releases what Build created when the session never took ownership.
func closeDeps(ctx context.Context, deps agent.Dependencies, log *zap.Logger) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if deps.Browser != nil {
		if err := deps.Browser.Close(closeCtx); err != nil {
			log.Warn("Failed to close browser", zap.Error(err))
		}
	}
	if deps.LLM != nil {
		if err := deps.LLM.Close(); err != nil {
			log.Warn("Failed to close LLM client", zap.Error(err))
		}
	}
}
