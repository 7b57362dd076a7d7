// Package retry re-runs operations that fail with transient cache errors,
// backing off exponentially between attempts. Buffer contention (BUSY) is
// the main customer: a writer that loses the checkout race tries again a
// little later instead of surfacing the failure.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/trafficserver/tscore/pkg/errors"
)

// Config defines retry behavior configuration
type Config struct {
	// MaxAttempts counts the first attempt too
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier   float64       `yaml:"multiplier" json:"multiplier"`

	// Jitter spreads each delay by up to 20% either way
	Jitter bool `yaml:"jitter" json:"jitter"`

	// RetryableErrors lists codes retried even when the error is not flagged
	// retryable
	RetryableErrors []errors.ErrorCode `yaml:"retryable_errors" json:"retryable_errors"`

	// OnRetry runs before each backoff sleep
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns the retry configuration used for buffer writes.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     5,
		InitialDelay:    time.Millisecond,
		MaxDelay:        50 * time.Millisecond,
		Multiplier:      2.0,
		Jitter:          true,
		RetryableErrors: []errors.ErrorCode{errors.ErrCodeBusy},
	}
}

// Backoff returns the un-jittered delay after the given failed attempt,
// counting from 1.
func (c Config) Backoff(attempt int) time.Duration {
	delay := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt-1))
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	return time.Duration(delay)
}

// Retryer runs operations under one Config. It is safe for concurrent use.
type Retryer struct {
	config Config
}

// New creates a Retryer, filling zero fields with DefaultConfig values.
func New(config Config) *Retryer {
	def := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = def.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	if config.Multiplier <= 0 {
		config.Multiplier = def.Multiplier
	}
	return &Retryer{config: config}
}

// Config returns the effective configuration.
func (r *Retryer) Config() Config {
	return r.config
}

// Do runs fn until it succeeds, fails with an error that is not retryable,
// or runs out of attempts. Non-retryable errors are returned as is. Running
// out of attempts yields RETRY_EXHAUSTED wrapping the last error, and a
// cancelled ctx yields OPERATION_CANCELED; both still match the underlying
// error with errors.Is.
func (r *Retryer) Do(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return canceled(err, attempt-1, lastErr)
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !r.retryable(err) {
			return err
		}
		if attempt >= r.config.MaxAttempts {
			return errors.Wrap(err, errors.ErrCodeRetryExhausted, "retry attempts exhausted").
				WithDetail("attempts", attempt)
		}

		delay := r.delay(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return canceled(ctx.Err(), attempt, lastErr)
		case <-timer.C:
		}
	}
}

func canceled(ctxErr error, attempts int, last error) error {
	e := errors.Wrap(ctxErr, errors.ErrCodeOperationCanceled, "retry canceled").
		WithDetail("attempts", attempts)
	if last != nil {
		e = e.WithDetail("last_error", last.Error())
	}
	return e
}

func (r *Retryer) retryable(err error) bool {
	if errors.IsRetryable(err) {
		return true
	}
	code := errors.CodeOf(err)
	for _, c := range r.config.RetryableErrors {
		if code == c {
			return true
		}
	}
	return false
}

func (r *Retryer) delay(attempt int) time.Duration {
	d := r.config.Backoff(attempt)
	if r.config.Jitter {
		d += time.Duration(float64(d) * 0.2 * (rand.Float64()*2 - 1))
	}
	return d
}
