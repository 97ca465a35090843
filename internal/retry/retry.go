// Package retry runs an operation a bounded number of times with a doubling
// delay between attempts.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/facebookgo/clock"
)

// ErrPermanent marks an error that should not be retried.
var ErrPermanent = errors.New("permanent failure")

// Permanent wraps err so Do returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string   { return p.err.Error() }
func (p *permanentError) Unwrap() []error { return []error{p.err, ErrPermanent} }

// Do calls fn up to attempts times, sleeping delay before the second attempt
// and doubling it after each failure. It returns the last error, or the
// context error if ctx ends while waiting. Delays are measured on clk; a nil
// clk means the wall clock.
func Do(ctx context.Context, clk clock.Clock, attempts int, delay time.Duration, fn func(ctx context.Context) error) error {
	if clk == nil {
		clk = clock.New()
	}
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if errors.Is(err, ErrPermanent) || i == attempts-1 {
			break
		}
		if ctx.Err() != nil {
			return errors.Join(err, ctx.Err())
		}
		t := clk.Timer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
		delay *= 2
	}
	return err
}
