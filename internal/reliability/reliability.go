// Package reliability holds the retry, circuit breaker and rate limiting controls shared by
// outbound dispatch, store retries and the HTTP surface.
package reliability

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrCircuitOpen indicates the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RetryPolicy controls retry behavior for outbound calls.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      func(time.Duration) time.Duration
	Sleep       func(context.Context, time.Duration) error
	ShouldRetry func(error) bool
	// OnRetry runs before each backoff with the attempt that just failed.
	OnRetry func(attempt int, err error)
}

// DefaultShouldRetry retries everything except cancellation, an open breaker and permanent errors.
func DefaultShouldRetry(err error) bool {
	return !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, ErrCircuitOpen) &&
		!IsPermanent(err)
}

// Do executes fn with retries according to the policy.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepWithContext
	}
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = DefaultShouldRetry
	}
	jitter := p.Jitter
	if jitter == nil {
		jitter = defaultJitter
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn()
		if err == nil {
			return nil
		}
		if attempt == attempts || !shouldRetry(err) {
			return err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		delay := p.BaseDelay
		if delay > 0 {
			delay = delay << (attempt - 1)
		}
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
		delay = jitter(delay)
		if delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
	return nil
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
	Now          func() time.Time
}

// BreakerState is the externally visible breaker state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreaker stops calls after repeated failures.
type CircuitBreaker struct {
	mu         sync.Mutex
	maxFails   int
	resetAfter time.Duration
	now        func() time.Time

	state          BreakerState
	failures       int
	openedAt       time.Time
	halfOpenFlight bool
}

// NewCircuitBreaker constructs a circuit breaker with sane defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	maxFails := cfg.MaxFailures
	if maxFails < 1 {
		maxFails = 1
	}
	resetAfter := cfg.ResetTimeout
	if resetAfter <= 0 {
		resetAfter = 2 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		maxFails:   maxFails,
		resetAfter: resetAfter,
		now:        now,
		state:      BreakerClosed,
	}
}

// State reports the breaker state, treating an expired open window as half-open.
func (c *CircuitBreaker) State() BreakerState {
	if c == nil {
		return BreakerClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == BreakerOpen && c.now().Sub(c.openedAt) >= c.resetAfter {
		return BreakerHalfOpen
	}
	return c.state
}

// Execute runs fn while enforcing breaker state. Permanent errors do not count as failures.
func (c *CircuitBreaker) Execute(fn func() error) error {
	if c == nil {
		return fn()
	}

	now := c.now()

	c.mu.Lock()
	switch c.state {
	case BreakerOpen:
		if now.Sub(c.openedAt) < c.resetAfter {
			c.mu.Unlock()
			return ErrCircuitOpen
		}
		c.state = BreakerHalfOpen
	case BreakerHalfOpen:
		if c.halfOpenFlight {
			c.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	if c.state == BreakerHalfOpen {
		c.halfOpenFlight = true
	}
	c.mu.Unlock()

	err := fn()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == BreakerHalfOpen {
		c.halfOpenFlight = false
	}

	if err == nil || IsPermanent(err) {
		c.state = BreakerClosed
		c.failures = 0
		return err
	}

	if c.state == BreakerHalfOpen {
		c.state = BreakerOpen
		c.openedAt = now
		c.failures = 0
		return err
	}

	c.failures++
	if c.failures >= c.maxFails {
		c.state = BreakerOpen
		c.openedAt = now
	}
	return err
}

// RateLimiter is a token-bucket limiter.
type RateLimiter struct {
	mu     sync.Mutex
	rate   time.Duration
	burst  int
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
	onWait func(time.Duration)

	tokens int
	last   time.Time
}

// NewRateLimiter constructs a limiter that refills one token every rate. onWait, when set,
// observes every wait the limiter imposes.
func NewRateLimiter(rate time.Duration, burst int, onWait func(time.Duration)) *RateLimiter {
	limiter := &RateLimiter{
		rate:   rate,
		burst:  burst,
		now:    time.Now,
		sleep:  SleepWithContext,
		onWait: onWait,
	}
	limiter.tokens = burst
	limiter.last = limiter.now()
	return limiter
}

// Wait blocks until a token is available or the context ends.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil || r.rate <= 0 || r.burst <= 0 {
		if ctx == nil {
			return nil
		}
		return ctx.Err()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.mu.Lock()
		now := r.now()
		r.refill(now)
		if r.tokens > 0 {
			r.tokens--
			r.mu.Unlock()
			return nil
		}
		wait := r.rate - now.Sub(r.last)
		r.mu.Unlock()
		if wait <= 0 {
			continue
		}
		if r.onWait != nil {
			r.onWait(wait)
		}
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (r *RateLimiter) refill(now time.Time) {
	if r.rate <= 0 {
		r.tokens = r.burst
		r.last = now
		return
	}
	elapsed := now.Sub(r.last)
	if elapsed < r.rate {
		return
	}
	add := int(elapsed / r.rate)
	if add <= 0 {
		return
	}
	r.tokens += add
	if r.tokens > r.burst {
		r.tokens = r.burst
	}
	r.last = r.last.Add(time.Duration(add) * r.rate)
}

// SleepWithContext sleeps for d or until ctx ends.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
