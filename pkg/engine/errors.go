package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/cloudferry/cloudferry/pkg/cloud"
	"github.com/cloudferry/cloudferry/pkg/model"
	"github.com/cloudferry/cloudferry/pkg/retry"
)

// ErrAbortMigration is returned by a task to cancel the flow it belongs to.
// The flow reverts and is reported as aborted; other flows carry on.
var ErrAbortMigration = errors.New("migration aborted")

// Abort returns an error matching ErrAbortMigration with reason attached.
func Abort(reason string) error {
	return fmt.Errorf("%w: %s", ErrAbortMigration, reason)
}

// IsAbort reports whether err aborts a flow.
func IsAbort(err error) bool {
	return errors.Is(err, ErrAbortMigration)
}

// ErrorClass represents the classification of an error for reporting and
// recovery decisions.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on a
	// later run. Examples: network timeouts, exhausted retry budgets.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a resource state conflict in a cloud.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid graph, permission denied, aborted migration.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Flow is the flow that failed, if applicable.
	Flow string `json:"flow,omitempty"`

	// Task is the task being executed when the error occurred.
	Task string `json:"task,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Flow != "" && e.Task != "" {
		return fmt.Sprintf("[%s] %s (flow=%s, task=%s): %s",
			e.Class, e.Message, e.Flow, e.Task, e.unwrapMessage())
	}
	if e.Flow != "" {
		return fmt.Sprintf("[%s] %s (flow=%s): %s",
			e.Class, e.Message, e.Flow, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithFlow adds flow context to an error.
func (e *EngineError) WithFlow(flowID string) *EngineError {
	e.Flow = flowID
	return e
}

// WithTask adds task context to an error.
func (e *EngineError) WithTask(task string) *EngineError {
	e.Task = task
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if rerunning the migration may succeed.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeRetriesExhausted = "RETRIES_EXHAUSTED"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeCloudFailed      = "CLOUD_FAILED"
	ErrCodeTaskFailed       = "TASK_FAILED"
	ErrCodeAborted          = "ABORTED"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodeCancelled        = "CANCELLED"
)

// ClassifyError converts err into an EngineError. Errors that already carry
// a classification are returned as is.
func ClassifyError(err error) *EngineError {
	if err == nil {
		return nil
	}

	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr
	}

	switch {
	case IsAbort(err):
		return NewPermanentError("migration aborted", err).WithCode(ErrCodeAborted)
	case errors.Is(err, context.Canceled):
		return NewPermanentError("execution cancelled", err).WithCode(ErrCodeCancelled)
	case errors.Is(err, retry.ErrTimeoutExceeded), errors.Is(err, context.DeadlineExceeded):
		return NewTransientError("timed out", err).WithCode(ErrCodeTimeout)
	case errors.Is(err, retry.ErrRetry):
		return NewTransientError("retries exhausted", err).WithCode(ErrCodeRetriesExhausted)
	case model.IsValidation(err):
		return NewPermanentError("invalid data", err).WithCode(ErrCodeValidation)
	case errors.Is(err, cloud.ErrConflict):
		return NewConflictError("cloud conflict", err).WithCode(ErrCodeConflict)
	case errors.Is(err, cloud.ErrNotFound), errors.Is(err, model.ErrNotFound):
		return NewPermanentError("resource not found", err).WithCode(ErrCodeNotFound)
	case errors.Is(err, cloud.ErrUnauthorized):
		return NewPermanentError("permission denied", err).WithCode(ErrCodePermissionDenied)
	}

	var apiErr *cloud.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests {
			return NewThrottledError("cloud rate limited", err).WithCode(ErrCodeRateLimited)
		}
		if apiErr.StatusCode >= http.StatusInternalServerError {
			return NewTransientError("cloud failure", err).WithCode(ErrCodeCloudFailed)
		}
		return NewPermanentError("cloud rejected request", err).WithCode(ErrCodeCloudFailed)
	}

	return NewPermanentError("task failed", err).WithCode(ErrCodeTaskFailed)
}
