package utils

import (
	"context"
	"math"
	"time"
)

// BackoffStrategy computes the wait before a retry
type BackoffStrategy interface {
	// NextDelay returns the delay for the given attempt number (0-indexed)
	NextDelay(attempt int) time.Duration
}

// ConstantBackoff waits the same delay between every attempt
type ConstantBackoff struct {
	Delay time.Duration
}

// NextDelay returns the constant delay
func (cb *ConstantBackoff) NextDelay(int) time.Duration {
	return cb.Delay
}

// LinearBackoff grows the delay by BaseDelay per attempt up to MaxDelay
type LinearBackoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// NextDelay returns the linearly increasing delay
func (lb *LinearBackoff) NextDelay(attempt int) time.Duration {
	d := lb.BaseDelay * time.Duration(attempt+1)
	if lb.MaxDelay > 0 && d > lb.MaxDelay {
		return lb.MaxDelay
	}
	return d
}

// ExponentialBackoff multiplies the delay on each attempt up to MaxDelay.
// With Jitter set the delay is scaled by a random factor in [0.5, 1.5).
type ExponentialBackoff struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	Jitter     bool
}

// NewExponentialBackoff creates an exponential strategy; a non-positive multiplier means 2
func NewExponentialBackoff(base, max time.Duration, multiplier float64, jitter bool) *ExponentialBackoff {
	if multiplier <= 0 {
		multiplier = 2
	}
	return &ExponentialBackoff{BaseDelay: base, Multiplier: multiplier, MaxDelay: max, Jitter: jitter}
}

// NextDelay returns the exponentially increasing delay
func (eb *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	d := float64(eb.BaseDelay) * math.Pow(eb.Multiplier, float64(attempt))
	if eb.MaxDelay > 0 && d > float64(eb.MaxDelay) {
		d = float64(eb.MaxDelay)
	}
	if eb.Jitter {
		d *= 0.5 + Float64()
	}
	return time.Duration(d)
}

// BackoffFromConfig builds a strategy from its config name. Unknown names fall back to exponential with jitter.
func BackoffFromConfig(kind string, base, max time.Duration) BackoffStrategy {
	if max == 0 {
		max = 30 * time.Second
	}
	switch kind {
	case "constant":
		return &ConstantBackoff{Delay: base}
	case "linear":
		return &LinearBackoff{BaseDelay: base, MaxDelay: max}
	default:
		return NewExponentialBackoff(base, max, 2, kind != "exponential-nojitter")
	}
}

// Retry calls fn until it succeeds, attempts are exhausted or ctx is done.
// It returns the last error from fn, or the context error if ctx ended first.
func Retry(ctx context.Context, strategy BackoffStrategy, attempts int, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		timer := time.NewTimer(strategy.NextDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
