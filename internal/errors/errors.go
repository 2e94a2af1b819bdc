package errors

import (
	stderrors "errors"
	"fmt"
)

// Sentinel errors shared across packages.
var (
	// ErrNotFound is returned when a document or index spec row does not exist.
	ErrNotFound = New(ErrCodeDocumentAbsent, "not found", nil)

	// ErrUnknownIndexType is returned when no backend is registered for an index type.
	ErrUnknownIndexType = New(ErrCodeUnknownIndexType, "unknown index type", nil)

	// ErrSchedulerClosed is returned when work is submitted to a closed scheduler.
	ErrSchedulerClosed = New(ErrCodeSchedulerClosed, "scheduler is closed", nil)
)

// IdxError is the structured error type for amanidx.
// It carries enough context to decide whether a task should be retried
// and to render a readable message for the failed index row.
type IdxError struct {
	// Code is the unique error code (e.g., "ERR_301_BACKEND_UNAVAILABLE").
	Code string

	// Message is the human-readable error message.
	Message string

	Category Category
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *IdxError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *IdxError) Unwrap() error {
	return e.Cause
}

// Is matches by code so errors.Is works against the sentinels above.
func (e *IdxError) Is(target error) bool {
	if t, ok := target.(*IdxError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
func (e *IdxError) WithDetail(key, value string) *IdxError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *IdxError) WithSuggestion(suggestion string) *IdxError {
	e.Suggestion = suggestion
	return e
}

// New creates a new IdxError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *IdxError {
	return &IdxError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates an IdxError from an existing error.
func Wrap(code string, err error) *IdxError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *IdxError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// StoreError creates a state store error.
func StoreError(message string, cause error) *IdxError {
	return New(ErrCodeStoreQuery, message, cause)
}

// BackendUnavailable creates a transient backend error.
func BackendUnavailable(message string, cause error) *IdxError {
	return New(ErrCodeBackendUnavailable, message, cause)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *IdxError {
	return New(ErrCodeInvalidInput, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *IdxError {
	return New(ErrCodeInternal, message, cause)
}

// IsRetryable reports whether err (or anything it wraps) is a transient IdxError.
// Errors that are not IdxError are treated as retryable: an unknown failure
// from a backend is assumed to be a hiccup until retries are exhausted.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *permanentError
	if stderrors.As(err, &pe) {
		return false
	}
	var ie *IdxError
	if stderrors.As(err, &ie) {
		return ie.Retryable
	}
	return true
}

// IsFatal checks if an error has fatal severity.
func IsFatal(err error) bool {
	var ie *IdxError
	if stderrors.As(err, &ie) {
		return ie.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from an IdxError.
// Returns empty string if not an IdxError.
func GetCode(err error) string {
	var ie *IdxError
	if stderrors.As(err, &ie) {
		return ie.Code
	}
	return ""
}

// GetCategory extracts the category from an IdxError.
func GetCategory(err error) Category {
	var ie *IdxError
	if stderrors.As(err, &ie) {
		return ie.Category
	}
	return ""
}

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so Retry gives up immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Is and As re-export the standard library helpers so callers importing this
// package under the name "errors" keep access to them.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As is stderrors.As.
func As(err error, target any) bool { return stderrors.As(err, target) }

// Join wraps errs into one error; nil entries are dropped.
func Join(errs ...error) error { return stderrors.Join(errs...) }
