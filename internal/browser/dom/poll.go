package dom

import (
	"context"
	"time"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
)

// DefaultPollInterval is used when a wait condition does not set its own.
const DefaultPollInterval = 100 * time.Millisecond

// Poll calls check until it reports true, returns an error, timeout elapses or
// ctx is done. A timeout is reported as context.DeadlineExceeded; a cancelled
// ctx returns ctx.Err(). A zero timeout waits on ctx alone.
func Poll(ctx context.Context, interval, timeout time.Duration, check func(context.Context) (bool, error)) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if ok, err := check(ctx); err != nil {
			return err
		} else if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// WaitFor implements the schemas.Browser wait contract on top of a driver's
// candidate lookup and snapshot. A zero condition sleeps for the timeout.
func WaitFor(
	ctx context.Context,
	cond schemas.WaitCondition,
	interval, timeout time.Duration,
	find func(context.Context, schemas.Target) ([]schemas.ElementDescription, error),
	snapshot func(context.Context) (*schemas.PageState, error),
) error {
	if cond.PollInterval > 0 {
		interval = cond.PollInterval
	}
	if cond.IsZero() {
		return Sleep(ctx, timeout)
	}
	return Poll(ctx, interval, timeout, func(ctx context.Context) (bool, error) {
		if !cond.Target.IsZero() {
			found, err := find(ctx, cond.Target)
			if err != nil {
				return false, err
			}
			if len(found) == 0 {
				return false, nil
			}
		}
		if cond.Predicate != nil {
			snap, err := snapshot(ctx)
			if err != nil {
				return false, err
			}
			return cond.Predicate(snap), nil
		}
		return true, nil
	})
}
