package agent

import (
	"fmt"
	"math"
	"time"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
	"github.com/xkilldash9x/autopilot-cli/internal/config"
	"github.com/xkilldash9x/autopilot-cli/internal/locator"
)

// RecoveryPolicy bounds what the strategist may spend on one step.
type RecoveryPolicy struct {
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffFactor  float64
	BackoffMax     time.Duration
}

// PolicyFromConfig extracts the recovery policy from the agent configuration.
func PolicyFromConfig(cfg config.AgentConfig) RecoveryPolicy {
	return RecoveryPolicy{
		MaxAttempts:    cfg.MaxAttemptsPerStep,
		BackoffInitial: cfg.BackoffInitial,
		BackoffFactor:  cfg.BackoffFactor,
		BackoffMax:     cfg.BackoffMax,
	}
}

// Strategist decides what to do after a failed attempt. It holds no state of
// its own: every decision is a function of the step, its attempts so far and
// the replan budget left in the session.
type Strategist struct {
	policy RecoveryPolicy
}

// NewStrategist creates a strategist. A non-positive attempt limit means one
// attempt per step.
func NewStrategist(policy RecoveryPolicy) *Strategist {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.BackoffFactor < 1 {
		policy.BackoffFactor = 1
	}
	return &Strategist{policy: policy}
}

// Backoff is the delay before attempt n+1, after n failed attempts:
// initial * factor^(n-1), capped.
func (s *Strategist) Backoff(n int) time.Duration {
	if n < 1 || s.policy.BackoffInitial <= 0 {
		return 0
	}
	d := float64(s.policy.BackoffInitial) * math.Pow(s.policy.BackoffFactor, float64(n-1))
	if s.policy.BackoffMax > 0 && d > float64(s.policy.BackoffMax) {
		return s.policy.BackoffMax
	}
	return time.Duration(d)
}

// Recover chooses the next move for step given its attempts, the last of which
// failed, and the number of replans the session may still perform.
func (s *Strategist) Recover(step schemas.Step, attempts []schemas.StepAttempt, replansLeft int) schemas.RecoveryDecision {
	d := schemas.RecoveryDecision{StepID: step.ID}
	if len(attempts) == 0 {
		d.Kind = schemas.DecisionAbort
		d.Rationale = "no attempt to recover from"
		return d
	}
	n := len(attempts)
	last := attempts[n-1]
	code := last.FailureCode()

	switch code {
	case schemas.ErrCodeSessionAborted, schemas.ErrCodeSessionTimedOut, schemas.ErrCodeConfig:
		d.Kind = schemas.DecisionAbort
		d.Rationale = fmt.Sprintf("%s is not recoverable", code)
		return d
	}

	if n < s.policy.MaxAttempts {
		switch code {
		case schemas.ErrCodeLocatorNotFound, schemas.ErrCodeExecutionTargetStale:
			current := last.Locator.Target
			if current.IsZero() {
				current = step.Target
			}
			if relaxed, ok := locator.Relax(current, step.Description); ok {
				d.Kind = schemas.DecisionRetry
				d.Target = &relaxed
				d.Rationale = fmt.Sprintf("%s on attempt %d/%d; retrying with broader target %s", code, n, s.policy.MaxAttempts, relaxed)
				return d
			}
			return s.retrySame(d, current, code, n)
		case schemas.ErrCodeVerificationFailed, schemas.ErrCodeVerificationIndeterminate,
			schemas.ErrCodeExecutionTimeout, schemas.ErrCodeLocatorAmbiguous, schemas.ErrCodeProvider:
			current := last.Locator.Target
			if current.IsZero() {
				current = step.Target
			}
			return s.retrySame(d, current, code, n)
		}
		// Anything else is an execution failure a retry will not fix.
		return s.escalate(d, replansLeft, fmt.Sprintf("%s on attempt %d is not retryable", code, n))
	}

	if !step.Critical {
		d.Kind = schemas.DecisionSkip
		d.Rationale = fmt.Sprintf("%s after %d/%d attempts; step is non-critical", code, n, s.policy.MaxAttempts)
		return d
	}
	return s.escalate(d, replansLeft, fmt.Sprintf("%s after %d/%d attempts on a critical step", code, n, s.policy.MaxAttempts))
}

func (s *Strategist) retrySame(d schemas.RecoveryDecision, target schemas.Target, code schemas.ErrorCode, n int) schemas.RecoveryDecision {
	d.Kind = schemas.DecisionRetry
	if !target.IsZero() {
		d.Target = &target
	}
	d.Backoff = s.Backoff(n)
	d.Rationale = fmt.Sprintf("%s on attempt %d/%d; retrying after %s", code, n, s.policy.MaxAttempts, d.Backoff)
	return d
}

func (s *Strategist) escalate(d schemas.RecoveryDecision, replansLeft int, why string) schemas.RecoveryDecision {
	if replansLeft > 0 {
		d.Kind = schemas.DecisionReplan
		d.Rationale = why + "; requesting a revised plan"
		return d
	}
	d.Kind = schemas.DecisionAbort
	d.Rationale = why + "; replan budget spent"
	return d
}
