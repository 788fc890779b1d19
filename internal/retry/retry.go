// Package retry implements exponential backoff for stream API calls and
// target invocations.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Config controls Do. Jitter is a fraction of the delay applied in both
// directions, so 0.2 spreads each wait over ±20%.
type Config struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Jitter          float64
}

// DefaultConfig returns the defaults used for provider calls.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     5,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Jitter:          0.2,
	}
}

// Attempts is MaxAttempts, but never less than one.
func (c Config) Attempts() int {
	return max(c.MaxAttempts, 1)
}

// Delay returns the wait after the given failed attempt (1-based) before
// jitter: InitialInterval doubled per attempt and capped at MaxInterval.
func (c Config) Delay(attempt int) time.Duration {
	d := c.InitialInterval
	for i := 1; i < attempt && d < c.MaxInterval; i++ {
		d *= 2
	}
	if c.MaxInterval > 0 && d > c.MaxInterval {
		d = c.MaxInterval
	}
	return d
}

func (c Config) jittered(attempt int) time.Duration {
	d := float64(c.Delay(attempt))
	if c.Jitter > 0 {
		spread := d * c.Jitter
		d += (rand.Float64()*2 - 1) * spread
	}
	return time.Duration(d)
}

// PermanentError marks an error that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do gives up immediately. Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err or anything it wraps is permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Do calls fn with the 1-based attempt number until it succeeds, returns a
// permanent error, runs out of attempts, or ctx ends while waiting. The last
// error from fn is returned, or ctx.Err() if the wait was cut short.
func Do(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	attempts := cfg.Attempts()
	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil || IsPermanent(err) || attempt >= attempts {
			return err
		}
		if serr := Sleep(ctx, cfg.jittered(attempt)); serr != nil {
			return serr
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
