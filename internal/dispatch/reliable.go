package dispatch

import (
	"context"
	"errors"
	"fmt"

	"tripsaga/internal/reliability"
)

// ReliableDispatcher wraps a Dispatcher with rate limiting, a circuit breaker and retries.
type ReliableDispatcher struct {
	base    Dispatcher
	limiter *reliability.RateLimiter
	breaker *reliability.CircuitBreaker
	retry   reliability.RetryPolicy
}

// NewReliableDispatcher constructs a reliability-wrapped dispatcher. Nil controls are skipped.
func NewReliableDispatcher(base Dispatcher, limiter *reliability.RateLimiter, breaker *reliability.CircuitBreaker, retry reliability.RetryPolicy) *ReliableDispatcher {
	return &ReliableDispatcher{
		base:    base,
		limiter: limiter,
		breaker: breaker,
		retry:   retry,
	}
}

// Dispatch returns an error wrapping ErrWorkerUnreachable once every attempt failed.
func (d *ReliableDispatcher) Dispatch(ctx context.Context, cmd Command) error {
	attempt := func() error {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if d.breaker != nil {
			return d.breaker.Execute(func() error {
				return d.base.Dispatch(ctx, cmd)
			})
		}
		return d.base.Dispatch(ctx, cmd)
	}

	err := d.retry.Do(ctx, attempt)
	if err == nil || errors.Is(err, ErrWorkerUnreachable) {
		return err
	}
	return fmt.Errorf("%w: %s %s: %w", ErrWorkerUnreachable, cmd.Step, cmd.CorrelationID, err)
}

// Healthy reports whether the breaker currently lets commands through.
func (d *ReliableDispatcher) Healthy() bool {
	return d.breaker.State() != reliability.BreakerOpen
}
