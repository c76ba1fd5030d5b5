package resilience

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryPolicy controls how an operation is retried after classified
// failures. The delay before attempt n (n ≥ 2) is
//
//	BaseDelay × BackoffFactor^(n-2) × (1 + rand(-Jitter, +Jitter))
//
// so the first retry waits ~BaseDelay.
type RetryPolicy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	BackoffFactor float64
	Jitter        float64
	// RetryOn limits retries to the listed categories. Empty means "retry
	// any retryable category". Auth, invalid_input, and permanent are never
	// retried regardless of this set.
	RetryOn []Category
}

// Per-worker retry defaults.
var (
	ScribePolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: 2 * time.Second, BackoffFactor: 2.0, Jitter: 0.25}
	RunnerPolicy = RetryPolicy{MaxAttempts: 2, BaseDelay: 5 * time.Second, BackoffFactor: 2.0, Jitter: 0.25}
	MedicPolicy  = RetryPolicy{MaxAttempts: 2, BaseDelay: 2 * time.Second, BackoffFactor: 2.0, Jitter: 0.25}
	CriticPolicy = RetryPolicy{MaxAttempts: 1}
	GeminiPolicy = RetryPolicy{MaxAttempts: 2, BaseDelay: 3 * time.Second, BackoffFactor: 2.0, Jitter: 0.25}
)

// shouldRetry reports whether the policy permits retrying this category.
func (p RetryPolicy) shouldRetry(c Category) bool {
	if !c.Retryable() {
		return false
	}
	if len(p.RetryOn) == 0 {
		return true
	}
	for _, rc := range p.RetryOn {
		if rc == c {
			return true
		}
	}
	return false
}

// Delay computes the backoff before retry attempt n (1-based retry index).
func (p RetryPolicy) Delay(retry int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := float64(p.BaseDelay)
	for i := 1; i < retry; i++ {
		d *= p.BackoffFactor
	}
	if p.Jitter > 0 {
		d *= 1 + (rand.Float64()*2-1)*p.Jitter
	}
	return time.Duration(d)
}

// RetryNotify observes each failed attempt before the backoff sleep.
// attempt is 1-based; delay is the wait before the next attempt.
type RetryNotify func(attempt int, category Category, delay time.Duration, err error)

// Do runs op under the retry policy. It returns the last error (classified
// by the caller if needed) once attempts are exhausted, the category stops
// being retryable, or ctx is cancelled.
func Do(ctx context.Context, p RetryPolicy, op func(ctx context.Context) error, notify RetryNotify) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		category := Classify(lastErr, Hints{})
		if attempt == attempts || !p.shouldRetry(category) {
			return lastErr
		}

		delay := p.Delay(attempt)
		if notify != nil {
			notify(attempt, category, delay, lastErr)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}
