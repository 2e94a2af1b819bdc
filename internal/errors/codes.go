// Package errors provides structured error handling for amanidx.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: State store and file errors
//   - 3XX: Index backend errors (mostly transient)
//   - 4XX: Validation errors
//   - 5XX: Internal and workflow errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryStore indicates state store and disk errors.
	CategoryStore Category = "STORE"
	// CategoryBackend indicates index backend errors.
	CategoryBackend Category = "BACKEND"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// Store errors (200-299)
	ErrCodeStoreOpen      = "ERR_201_STORE_OPEN"
	ErrCodeStoreQuery     = "ERR_202_STORE_QUERY"
	ErrCodeStoreBusy      = "ERR_203_STORE_BUSY"
	ErrCodeStoreCorrupt   = "ERR_204_STORE_CORRUPT"
	ErrCodeDocumentAbsent = "ERR_205_DOCUMENT_NOT_FOUND"

	// Backend errors (300-399)
	ErrCodeBackendUnavailable = "ERR_301_BACKEND_UNAVAILABLE"
	ErrCodeBackendTimeout     = "ERR_302_BACKEND_TIMEOUT"
	ErrCodeBackendRejected    = "ERR_303_BACKEND_REJECTED"
	ErrCodeCircuitOpen        = "ERR_304_CIRCUIT_OPEN"

	// Validation errors (400-499)
	ErrCodeInvalidInput     = "ERR_401_INVALID_INPUT"
	ErrCodeUnknownIndexType = "ERR_402_UNKNOWN_INDEX_TYPE"
	ErrCodeInvalidState     = "ERR_403_INVALID_STATE"

	// Internal errors (500-599)
	ErrCodeInternal        = "ERR_501_INTERNAL"
	ErrCodePrepareFailed   = "ERR_502_PREPARE_FAILED"
	ErrCodeSchedulerClosed = "ERR_503_SCHEDULER_CLOSED"
	ErrCodeEmbeddingFailed = "ERR_504_EMBEDDING_FAILED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// "ERR_301_..." -> '3'
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryStore
	case '3':
		return CategoryBackend
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeStoreCorrupt, ErrCodeStoreOpen:
		return SeverityFatal
	}

	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a transient error.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeBackendUnavailable, ErrCodeBackendTimeout, ErrCodeStoreBusy, ErrCodeCircuitOpen:
		return true
	default:
		return false
	}
}
