// Package retry provides an explicit retry policy value object. The cache
// never retries on its own - FetchError and SubmitError are surfaced and the
// caller decides. Wrap the calls that should be retried:
//
//	p := retry.Default()
//	err := p.Do(ctx, func(ctx context.Context) error {
//	    _, err := cache.Refresh(ctx, key)
//	    return err
//	})
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy configures exponential backoff with jitter.
type Policy struct {
	// MaxAttempts is the total number of attempts (including the first).
	MaxAttempts int

	// InitialBackoff is the delay after the first failed attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the per-attempt delay.
	MaxBackoff time.Duration

	// Multiplier scales the delay between attempts. <= 1 disables growth.
	Multiplier float64

	// Jitter is the +/- fraction applied to each delay (0.2 => +-20%).
	Jitter float64
}

// Default returns a policy suitable for transient remote-query failures.
func Default() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
	}
}

// Do runs fn until it succeeds, attempts run out, or ctx ends. The last
// error is returned; ctx errors win when the wait is interrupted.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	backoff := p.InitialBackoff

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		delay := p.jittered(backoff)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}

		if p.Multiplier > 1 {
			backoff = time.Duration(float64(backoff) * p.Multiplier)
		}
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
	return lastErr
}

// jittered spreads delays to avoid thundering herds on shared backends.
func (p Policy) jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	if p.Jitter <= 0 {
		return d
	}
	spread := (rand.Float64()*2 - 1) * p.Jitter // [-Jitter, +Jitter]
	out := time.Duration(float64(d) * (1 + spread))
	if out < 0 {
		return 0
	}
	return out
}
