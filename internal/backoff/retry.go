package backoff

import (
	"context"
	"errors"
)

// ErrMaxAttemptsExhausted reports that every retry attempt failed.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// PermanentError wraps an error that must not be retried.
// RetryWithBackoff stops immediately and returns the wrapped error.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// RetryResult is what a retry loop produced.
type RetryResult[T any] struct {
	// Value is the successful result.
	Value T
	// Attempts is how many times fn ran, 1-indexed.
	Attempts int
	// LastError is the most recent failure.
	LastError error
}

// RetryWithBackoff runs fn up to maxAttempts times, sleeping the
// policy's delay between attempts. fn receives the 1-indexed attempt
// number. A Permanent-wrapped error stops the loop and is returned
// unwrapped; cancellation is honored before each attempt and during
// every sleep.
func RetryWithBackoff[T any](
	ctx context.Context,
	policy Policy,
	maxAttempts int,
	fn func(attempt int) (T, error),
) (RetryResult[T], error) {
	var result RetryResult[T]
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt
		if err := ctx.Err(); err != nil {
			result.LastError = lastErr
			return result, err
		}

		value, err := fn(attempt)
		if err == nil {
			result.Value = value
			return result, nil
		}
		var perm *PermanentError
		if errors.As(err, &perm) {
			result.LastError = perm.Err
			return result, perm.Err
		}
		lastErr = err
		result.LastError = err

		if attempt < maxAttempts {
			if err := SleepWithBackoff(ctx, policy, attempt); err != nil {
				return result, err
			}
		}
	}

	return result, ErrMaxAttemptsExhausted
}
