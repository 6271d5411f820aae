// Package retry provides a reusable retry policy for remote operations.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy describes how an operation is retried: how many attempts are made,
// how long to wait between them, and which errors are worth retrying at all.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// Delay is the wait before the second attempt.
	Delay time.Duration

	// Multiplier scales the delay after every failed attempt. A multiplier
	// of 0 or 1 means a fixed delay.
	Multiplier float64

	// MaxDelay caps the delay between attempts. Zero means no cap.
	MaxDelay time.Duration

	// Retryable decides whether an error should be retried. When nil every
	// error is retried until the attempts are exhausted.
	Retryable func(error) bool
}

// Fixed returns a policy with a constant delay between attempts.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: delay}
}

// Exponential returns a policy whose delay doubles after each attempt,
// capped at max.
func Exponential(attempts int, initial, max time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: initial, Multiplier: 2.0, MaxDelay: max}
}

// Do runs op under the policy. It returns nil on the first success, the
// last error once attempts are exhausted, and ctx.Err() if the context is
// cancelled while waiting between attempts.
func (p Policy) Do(ctx context.Context, op func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	delay := p.Delay
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err

		if IsPermanent(err) {
			return err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("cancelled after %d attempts: %w", attempt, ctx.Err())
		case <-time.After(delay):
		}

		if p.Multiplier > 1 {
			delay = time.Duration(float64(delay) * p.Multiplier)
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

// PermanentError marks an error that must not be retried regardless of the
// policy's Retryable predicate.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do returns it immediately instead of retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
