// Package retry retries channel deliveries with exponential backoff and jitter.
// Only transient failures are retried; the sweep-level retry of failed
// channels is driven separately by the dispatcher.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"
)

// Config defines retry behavior.
type Config struct {
	MaxRetries     int           // Maximum number of retry attempts (0 = no retries)
	InitialBackoff time.Duration // Initial backoff duration
	MaxBackoff     time.Duration // Maximum backoff duration
	BackoffFactor  float64       // Multiplier for exponential backoff
}

// DefaultConfig returns the default in-call retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     2,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2.0,
	}
}

// TransientError marks a failure as safe to retry regardless of its message.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so that IsRetryable reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Substrings of provider error messages. Permanent markers win over
// transient ones so "invalid ... try again" is not retried.
var (
	permanentMarkers = []string{
		"not verified", "validation error", "invalid", "malformed",
		"no recipients", "recipient is required",
	}
	transientMarkers = []string{
		"timeout", "connection refused", "connection reset", "temporary",
		"rate limit", "throttl", "too many requests", "try again",
		"502", "503", "504",
	}
)

// IsRetryable reports whether err is a transient failure.
// Context cancellation is never retryable; unknown errors are not retried.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	if containsAny(msg, permanentMarkers) {
		return false
	}
	return containsAny(msg, transientMarkers)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// WithRetry calls fn until it succeeds, fails permanently, or has been
// retried cfg.MaxRetries times. Waiting between attempts stops early when ctx
// is done, in which case ctx.Err() is returned.
func WithRetry(ctx context.Context, cfg Config, operation string, fn func() error) error {
	attempt := 0
	for {
		err := fn()
		switch {
		case err == nil:
			if attempt > 0 {
				slog.Info("Operation succeeded after retry", "operation", operation, "attempts", attempt+1)
			}
			return nil
		case !IsRetryable(err):
			slog.Debug("Permanent failure, not retrying", "operation", operation, "error", err)
			return err
		case attempt >= cfg.MaxRetries:
			slog.Warn("Giving up after retries", "operation", operation, "attempts", attempt+1, "error", err)
			return err
		}

		wait := cfg.backoff(attempt)
		attempt++
		slog.Warn("Transient failure, retrying",
			"operation", operation,
			"attempt", attempt,
			"max_attempts", cfg.MaxRetries+1,
			"backoff", wait,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// backoff is InitialBackoff*BackoffFactor^attempt, capped at MaxBackoff,
// with up to 25% jitter either way.
func (c Config) backoff(attempt int) time.Duration {
	d := min(float64(c.InitialBackoff)*math.Pow(c.BackoffFactor, float64(attempt)), float64(c.MaxBackoff))
	return time.Duration(d * (1 + 0.25*(rand.Float64()*2-1)))
}
