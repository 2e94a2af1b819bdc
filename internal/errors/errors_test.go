package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_DerivesCategoryAndRetryable(t *testing.T) {
	tests := []struct {
		code      string
		category  Category
		retryable bool
		severity  Severity
	}{
		{ErrCodeConfigInvalid, CategoryConfig, false, SeverityError},
		{ErrCodeStoreBusy, CategoryStore, true, SeverityWarning},
		{ErrCodeStoreCorrupt, CategoryStore, false, SeverityFatal},
		{ErrCodeBackendUnavailable, CategoryBackend, true, SeverityWarning},
		{ErrCodeBackendRejected, CategoryBackend, false, SeverityError},
		{ErrCodeUnknownIndexType, CategoryValidation, false, SeverityError},
		{ErrCodePrepareFailed, CategoryInternal, false, SeverityError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "boom", nil)
			assert.Equal(t, tt.category, err.Category)
			assert.Equal(t, tt.retryable, err.Retryable)
			assert.Equal(t, tt.severity, err.Severity)
		})
	}
}

func TestIdxError_IsMatchesByCode(t *testing.T) {
	// Given: a not-found error created independently of the sentinel
	err := New(ErrCodeDocumentAbsent, "document doc-1 not found", nil)

	// When: wrapped with fmt.Errorf
	wrapped := fmt.Errorf("load: %w", err)

	// Then: errors.Is matches the sentinel by code
	assert.True(t, stderrors.Is(wrapped, ErrNotFound))
	assert.False(t, stderrors.Is(wrapped, ErrUnknownIndexType))
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(stderrors.New("plain error")), "unknown errors are treated as transient")
	assert.True(t, IsRetryable(BackendUnavailable("down", nil)))
	assert.False(t, IsRetryable(ValidationError("bad", nil)))
	assert.False(t, IsRetryable(Permanent(stderrors.New("plain error"))))
	assert.False(t, IsRetryable(fmt.Errorf("wrapped: %w", Permanent(BackendUnavailable("down", nil)))))
}

func TestGetCode_ThroughWrapping(t *testing.T) {
	err := fmt.Errorf("outer: %w", Wrap(ErrCodeStoreQuery, stderrors.New("disk I/O error")))
	assert.Equal(t, ErrCodeStoreQuery, GetCode(err))
	assert.Equal(t, CategoryStore, GetCategory(err))
	assert.Equal(t, "", GetCode(stderrors.New("plain")))
}

func TestWrap_NilIsNil(t *testing.T) {
	assert.Nil(t, Wrap(ErrCodeInternal, nil))
}

func TestFormatForRow(t *testing.T) {
	// Given: a backend error with a distinct cause
	err := BackendUnavailable("graph backend unreachable", stderrors.New("connection refused"))

	// Then: the row message keeps the code and flattens the cause
	assert.Equal(t, "[ERR_301_BACKEND_UNAVAILABLE] graph backend unreachable: connection refused", FormatForRow(err))

	// And: plain errors pass through untouched
	assert.Equal(t, "plain", FormatForRow(stderrors.New("plain")))
	assert.Equal(t, "", FormatForRow(nil))
}

func TestFormatForCLI_IncludesSuggestion(t *testing.T) {
	err := ConfigError("reconciler.interval must be positive", nil).
		WithSuggestion("set reconciler.interval in .amanidx.yaml")

	out := FormatForCLI(err)
	assert.Contains(t, out, "reconciler.interval must be positive")
	assert.Contains(t, out, "Suggestion: set reconciler.interval")
	assert.Contains(t, out, ErrCodeConfigInvalid)
}
