package engine

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrWorkspaceExceeded = errors.New("activation memory exceeds workspace limit")
	ErrBatchSize         = errors.New("unsupported batch size")
	ErrBindings          = errors.New("invalid bindings")
	ErrClosed            = errors.New("execution context closed")

	ErrInvalidMagic     = errors.New("invalid magic bytes")
	ErrTruncated        = errors.New("plan file truncated")
	ErrHeaderTooLarge   = errors.New("header exceeds maximum size")
	ErrChecksumMismatch = errors.New("checksum mismatch: file may be corrupted")
)

// Reason classifies a deserialization failure.
type Reason int

// Deserialization failure reasons.
const (
	// Corrupt means the bytes are not a well-formed plan.
	Corrupt Reason = iota
	// Mismatch means a well-formed plan was built for something else.
	Mismatch
)

// String returns the reason name.
func (r Reason) String() string {
	switch r {
	case Corrupt:
		return "corrupt"
	case Mismatch:
		return "mismatch"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// DeserializationError reports a plan that cannot be used.
type DeserializationError struct {
	Reason Reason
	Field  string // header field involved, if any
	Err    error
}

// Error implements the error interface.
func (e *DeserializationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("engine: %s plan: %s: %v", e.Reason, e.Field, e.Err)
	}
	return fmt.Sprintf("engine: %s plan: %v", e.Reason, e.Err)
}

// Unwrap returns the underlying error.
func (e *DeserializationError) Unwrap() error {
	return e.Err
}

func corrupt(field string, err error) error {
	return &DeserializationError{Reason: Corrupt, Field: field, Err: err}
}

func mismatch(field string, got, want any) error {
	return &DeserializationError{
		Reason: Mismatch,
		Field:  field,
		Err:    fmt.Errorf("plan has %v, want %v", got, want),
	}
}
