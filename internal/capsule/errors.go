package capsule

import (
	"errors"
	"fmt"
)

// CallError represents a failure at the capsule boundary.
//
// CallError includes structured fields for diagnostics. Callers treat any
// CallError as "skip this capsule for this query".
type CallError struct {
	// Code identifies the error category.
	Code CallErrorCode

	// Message is a human-readable description.
	Message string

	// Capsule names the capsule involved.
	Capsule string

	// Export names the guest function being called, if any.
	Export string

	// Err is the underlying runtime error, if any.
	Err error
}

// CallErrorCode categorizes capsule call failures.
type CallErrorCode string

const (
	// ErrCodeMissingExport indicates a required export is absent.
	ErrCodeMissingExport CallErrorCode = "MISSING_EXPORT"

	// ErrCodeAllocFailed indicates the guest allocator returned address 0.
	ErrCodeAllocFailed CallErrorCode = "ALLOC_FAILED"

	// ErrCodeDecodeFailed indicates a result address outside guest memory or
	// an undecodable response.
	ErrCodeDecodeFailed CallErrorCode = "DECODE_FAILED"

	// ErrCodeTrap indicates the guest trapped or the call was aborted.
	ErrCodeTrap CallErrorCode = "TRAP"
)

// Error implements the error interface.
func (e *CallError) Error() string {
	msg := fmt.Sprintf("%s: %s (capsule=%s", e.Code, e.Message, e.Capsule)
	if e.Export != "" {
		msg += ", export=" + e.Export
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying runtime error.
func (e *CallError) Unwrap() error {
	return e.Err
}

// IsMissingExport returns true if err is a CallError for a missing export.
// Uses errors.As to handle wrapped errors.
func IsMissingExport(err error) bool {
	return hasCode(err, ErrCodeMissingExport)
}

// IsTrap returns true if err is a CallError for a guest trap.
func IsTrap(err error) bool {
	return hasCode(err, ErrCodeTrap)
}

func hasCode(err error, code CallErrorCode) bool {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}
