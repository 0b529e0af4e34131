// Package errors provides structured error types for eventkeep.
// Every error carries a category, code, message and retryable flag so that
// callers at the query boundary can map failures to request-level outcomes.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by the kind of failure.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryConflict   ErrorCategory = "CONFLICT"
	ErrCategoryIntegrity  ErrorCategory = "INTEGRITY"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidRange  = "INVALID_RANGE"
	CodeInvalidFilter = "INVALID_FILTER"
	CodeInvalidEvent  = "INVALID_EVENT"
	CodeInvalidConfig = "INVALID_CONFIG"

	// Conflict codes
	CodeTypeConflict = "TYPE_CONFLICT"

	// Integrity codes
	CodeMissingBlob      = "MISSING_BLOB"
	CodeChecksumMismatch = "CHECKSUM_MISMATCH"
	CodeCorruptBlob      = "CORRUPT_BLOB"

	// Storage codes
	CodeBackendIO      = "BACKEND_IO"
	CodeSnapshotFailed = "SNAPSHOT_FAILED"
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Error is the structured error type used throughout the system.
type Error struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new Error.
func New(category ErrorCategory, code, message string) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an *Error.
func GetCategory(err error) ErrorCategory {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an *Error.
func GetCode(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// IsConflict reports whether err is a type conflict on an event id.
func IsConflict(err error) bool {
	return GetCategory(err) == ErrCategoryConflict
}

// IsInvalidRange reports whether err rejected a time range.
func IsInvalidRange(err error) bool {
	return GetCategory(err) == ErrCategoryValidation && GetCode(err) == CodeInvalidRange
}

// IsValidation reports whether err is a bad-request class error.
func IsValidation(err error) bool {
	return GetCategory(err) == ErrCategoryValidation
}

// IsIntegrityFault reports whether err signals stored data that contradicts itself.
func IsIntegrityFault(err error) bool {
	return GetCategory(err) == ErrCategoryIntegrity
}

// isRetryable determines if an error code is retryable. Backend I/O is
// retryable only from the caller's side; the core never retries itself.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeBackendIO:
		return true
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *Error {
	return New(ErrCategoryValidation, code, message)
}

func NewInvalidRangeError(message string) *Error {
	return New(ErrCategoryValidation, CodeInvalidRange, message)
}

func NewConflictError(eventID, storedType, incomingType string) *Error {
	return New(ErrCategoryConflict, CodeTypeConflict,
		fmt.Sprintf("event %q already stored as %q, refusing %q", eventID, storedType, incomingType)).
		WithDetails(map[string]interface{}{
			"event_id":      eventID,
			"stored_type":   storedType,
			"incoming_type": incomingType,
		})
}

func NewIntegrityError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryIntegrity, code, message, cause)
}

func NewStorageError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewBackendError(message string, cause error) *Error {
	return Wrap(ErrCategoryStorage, CodeBackendIO, message, cause)
}

func NewInternalError(message string, cause error) *Error {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
