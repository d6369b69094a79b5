// Package retrier wraps github.com/cenkalti/backoff/v4 into the small retry
// policy the GBIF client needs: a fixed attempt count with the original
// tool's own backoff formula (backoff_factor * 2^attempt seconds), rather
// than backoff's exponential-with-jitter default, so retry timing stays a
// faithful port instead of merely "similar".
package retrier

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes a bounded retry schedule.
type Policy struct {
	Attempts      int
	BackoffFactor float64
}

// fixedFormula implements backoff.BackOff with the fixed formula
// backoff_factor * 2^attempt, attempt starting at 0.
type fixedFormula struct {
	factor  float64
	attempt int
}

func (f *fixedFormula) NextBackOff() time.Duration {
	d := time.Duration(f.factor*math.Pow(2, float64(f.attempt))) * time.Second
	f.attempt++
	return d
}

func (f *fixedFormula) Reset() {
	f.attempt = 0
}

// Do runs fn up to p.Attempts times, sleeping according to the
// backoff_factor*2^attempt formula between attempts, and returns the last
// error if every attempt fails. A nil error from fn short-circuits
// immediately. ctx cancellation aborts the wait between attempts.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	var lastErr error
	b := &fixedFormula{factor: p.BackoffFactor}
	bo := backoff.WithContext(b, ctx)

	for attempt := 0; attempt < p.Attempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if attempt == p.Attempts-1 {
			break
		}
		d := bo.NextBackOff()
		if d == backoff.Stop {
			break
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
