package retry

import (
	"context"
	"errors"
	"time"

	"github.com/juju/clock"
	jujuretry "github.com/juju/retry"
	"github.com/rs/zerolog"
)

// Retry configures how a call is repeated.
type Retry struct {
	// MaxAttempts is the maximum number of attempts. Zero means unlimited,
	// in which case MaxTime must bound the loop.
	MaxAttempts int

	// Timeout is the sleep before the second attempt.
	Timeout time.Duration

	// Backoff multiplies the sleep after every failed attempt. Values <= 1
	// keep the sleep fixed.
	Backoff float64

	// MaxTimeout caps the sleep between attempts when Backoff grows it.
	MaxTimeout time.Duration

	// MaxTime is the overall budget for all attempts and sleeps. Zero means unlimited.
	MaxTime time.Duration

	// Expected lists errors returned immediately without retrying.
	Expected []error

	// IsExpected reports additional errors that must not be retried.
	IsExpected func(error) bool

	// ReraiseOriginal returns the last attempt's error instead of a *Error
	// when the budget is exhausted.
	ReraiseOriginal bool

	// Notify is called after every failed attempt.
	Notify func(attempt int, err error)

	// Logger receives one debug line per failed attempt.
	Logger zerolog.Logger

	clock clock.Clock
}

// Default returns the retry policy used for cloud calls.
func Default() Retry {
	return Retry{
		MaxAttempts: 5,
		Timeout:     time.Second,
		Backoff:     2,
		MaxTimeout:  30 * time.Second,
		MaxTime:     5 * time.Minute,
		Logger:      zerolog.Nop(),
	}
}

// WithExpected returns a copy of r that also treats errs as expected.
func (r Retry) WithExpected(errs ...error) Retry {
	expected := make([]error, 0, len(r.Expected)+len(errs))
	expected = append(expected, r.Expected...)
	r.Expected = append(expected, errs...)
	return r
}

// Call runs fn under r.
func Call(ctx context.Context, r Retry, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do runs fn under r until it succeeds.
func Do[T any](ctx context.Context, r Retry, fn func(ctx context.Context) (T, error)) (T, error) {
	return DoUntil(ctx, r, fn, nil)
}

// DoUntil runs fn under r until it succeeds and ok accepts its result.
// A nil ok accepts every successful result.
func DoUntil[T any](ctx context.Context, r Retry, fn func(ctx context.Context) (T, error), ok func(T) bool) (T, error) {
	var (
		zero     T
		result   T
		attempts int
		fatal    error
	)

	clk := r.clock
	if clk == nil {
		clk = clock.WallClock
	}
	start := clk.Now()

	err := jujuretry.Call(jujuretry.CallArgs{
		Func: func() error {
			attempts++
			res, err := fn(ctx)
			if err != nil {
				return err
			}
			if ok != nil && !ok(res) {
				return required(attempts)
			}
			result = res
			return nil
		},
		IsFatalError: func(err error) bool {
			if r.expected(err) {
				fatal = err
				return true
			}
			return false
		},
		NotifyFunc: func(err error, attempt int) {
			r.Logger.Debug().
				Err(err).
				Int("attempt", attempt).
				Int("max_attempts", r.MaxAttempts).
				Msg("Attempt failed")
			if r.Notify != nil {
				r.Notify(attempt, err)
			}
		},
		Attempts:    r.attempts(),
		Delay:       r.delay(1),
		MaxDelay:    r.MaxTimeout,
		MaxDuration: r.MaxTime,
		BackoffFunc: func(_ time.Duration, attempt int) time.Duration {
			return r.delay(attempt)
		},
		Clock: clk,
		Stop:  ctx.Done(),
	})

	switch {
	case err == nil:
		return result, nil
	case fatal != nil:
		return zero, fatal
	case jujuretry.IsRetryStopped(err):
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		return zero, err
	case jujuretry.IsAttemptsExceeded(err):
		return zero, r.exhausted(ErrMaxAttemptsReached, attempts, clk.Now().Sub(start), jujuretry.LastError(err))
	case jujuretry.IsDurationExceeded(err):
		return zero, r.exhausted(ErrTimeoutExceeded, attempts, clk.Now().Sub(start), jujuretry.LastError(err))
	default:
		return zero, err
	}
}

// expected reports whether err must bypass retrying.
func (r Retry) expected(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	for _, e := range r.Expected {
		if errors.Is(err, e) {
			return true
		}
	}
	return r.IsExpected != nil && r.IsExpected(err)
}

func (r Retry) exhausted(kind error, attempts int, elapsed time.Duration, last error) error {
	if r.ReraiseOriginal {
		return last
	}
	return &Error{
		Kind:     kind,
		Attempts: attempts,
		Elapsed:  elapsed,
		Last:     last,
	}
}

// attempts converts MaxAttempts to the retry loop's convention, where a
// negative count means unlimited.
func (r Retry) attempts() int {
	if r.MaxAttempts <= 0 {
		return -1
	}
	return r.MaxAttempts
}

// delay returns the sleep that follows the given failed attempt.
func (r Retry) delay(attempt int) time.Duration {
	d := r.Timeout
	if d <= 0 {
		// the retry loop rejects a zero delay
		return time.Nanosecond
	}
	if r.Backoff > 1 {
		for i := 1; i < attempt; i++ {
			d = time.Duration(float64(d) * r.Backoff)
			if r.MaxTimeout > 0 && d >= r.MaxTimeout {
				return r.MaxTimeout
			}
		}
	}
	if r.MaxTimeout > 0 && d > r.MaxTimeout {
		d = r.MaxTimeout
	}
	return d
}
