package rollout

import (
	"context"
	"time"

	"github.com/artpar/keel/internal/core/domain"
)

// Policy bounds the health-check loop.
type Policy struct {
	StartPeriod time.Duration
	Interval    time.Duration
	Retries     int
}

// PolicyFor reads the loop bounds from the application. Retries below one
// count as one.
func PolicyFor(app *domain.Application) Policy {
	hc := app.HealthCheck
	return Policy{
		StartPeriod: time.Duration(max(hc.StartPeriod, 0)) * time.Second,
		Interval:    time.Duration(max(hc.Interval, 0)) * time.Second,
		Retries:     max(hc.Retries, 1),
	}
}

// Poller inspects the new container once. attempt counts from 1 to total.
type Poller func(ctx context.Context, attempt, total int) (HealthState, error)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the real Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
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

// Result is how the loop ended.
type Result struct {
	State HealthState
	Polls int
}

// Healthy reports whether the cutover may proceed.
func (r Result) Healthy() bool {
	return r.State == HealthHealthy
}

// NeedsDiagnostics reports whether container logs should be captured:
// always when the loop did not end healthy.
func (r Result) NeedsDiagnostics() bool {
	return !r.Healthy()
}

// WaitHealthy waits the start period, then polls at most p.Retries times,
// sleeping p.Interval between polls. It stops at the first healthy or
// unhealthy answer. A container without a health check reports HealthNone,
// which is treated like healthy since there is nothing more to wait for.
func WaitHealthy(ctx context.Context, p Policy, poll Poller, sleep Sleeper) (Result, error) {
	retries := max(p.Retries, 1)
	if err := sleep(ctx, p.StartPeriod); err != nil {
		return Result{State: HealthUnknown}, err
	}

	res := Result{State: HealthUnknown}
	for attempt := 1; attempt <= retries; attempt++ {
		state, err := poll(ctx, attempt, retries)
		res.Polls = attempt
		if err != nil {
			return res, err
		}
		res.State = state
		if state == HealthNone {
			res.State = HealthHealthy
			return res, nil
		}
		if state.Terminal() {
			return res, nil
		}
		if attempt < retries {
			if err := sleep(ctx, p.Interval); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}
