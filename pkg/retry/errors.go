package retry

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRetry matches every error produced by this package.
	ErrRetry = errors.New("retry failed")

	// ErrRetryRequired marks an attempt whose result did not satisfy the
	// success predicate. Functions may also return it to ask for another attempt.
	ErrRetryRequired = errors.New("retry required")

	// ErrTimeoutExceeded is returned when the overall time budget ran out.
	ErrTimeoutExceeded = errors.New("timeout exceeded")

	// ErrMaxAttemptsReached is returned when every attempt failed.
	ErrMaxAttemptsReached = errors.New("max attempts reached")
)

// Error describes why a retried call gave up.
type Error struct {
	// Kind is one of ErrRetryRequired, ErrTimeoutExceeded or ErrMaxAttemptsReached.
	Kind error

	// Attempts is the number of attempts performed.
	Attempts int

	// Elapsed is the wall time spent, including sleeps.
	Elapsed time.Duration

	// Last is the error returned by the final attempt.
	Last error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Last != nil && !errors.Is(e.Last, e.Kind) {
		return fmt.Sprintf("%s after %d attempt(s) in %s: %v", e.Kind, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Last)
	}
	return fmt.Sprintf("%s after %d attempt(s) in %s", e.Kind, e.Attempts, e.Elapsed.Round(time.Millisecond))
}

// Unwrap returns the error of the final attempt.
func (e *Error) Unwrap() error {
	return e.Last
}

// Is reports whether target is ErrRetry or the kind of this error.
func (e *Error) Is(target error) bool {
	return target == ErrRetry || target == e.Kind
}

func required(attempt int) error {
	return &Error{Kind: ErrRetryRequired, Attempts: attempt}
}
