// Package retry re-runs ledger operations that failed transiently: a lock wait
// that timed out, or an unavailable conversion service.
// Delays grow exponentially with full jitter so contending callers spread out.
package retry

import (
	"context"
	"fmt"
	"math"
	mrand "math/rand"
	"time"

	"payledger/internal/domain"
)

const maxShift = 62

// Exponential returns base * 2^attempt, saturating instead of overflowing.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1) << attempt
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(base) * multiplier)
}

// FullJitter returns a random duration in [0, delay).
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	return time.Duration(mrand.Int63n(int64(delay))) // #nosec G404 -- jitter only
}

// SleepWithContext returns early with the context error if ctx ends first.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}

type Policy struct {
	// Retries is the number of extra attempts after the first.
	Retries int
	Base    time.Duration
	Max     time.Duration
	// Retryable defaults to domain.Retryable.
	Retryable func(error) bool
}

func DefaultPolicy(retries int) Policy {
	return Policy{Retries: retries, Base: 20 * time.Millisecond, Max: time.Second, Retryable: domain.Retryable}
}

func (p Policy) delay(attempt int) time.Duration {
	d := Exponential(p.Base, attempt)
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return FullJitter(d)
}

// Do runs fn until it succeeds, fails with a non-retryable error or runs out
// of retries. The last error is returned unchanged.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = domain.Retryable
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || !retryable(err) || attempt >= p.Retries {
			return err
		}
		if sleepErr := SleepWithContext(ctx, p.delay(attempt)); sleepErr != nil {
			return err
		}
	}
}
