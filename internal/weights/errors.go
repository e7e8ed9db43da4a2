package weights

import (
	"errors"
	"fmt"
)

// Common errors wrapped by FormatError.
var (
	ErrTruncated     = errors.New("record truncated")
	ErrDuplicateName = errors.New("duplicate tensor name")
	ErrEmptyName     = errors.New("empty tensor name")
)

// FormatError reports a malformed or unreadable weight archive.
type FormatError struct {
	Path   string // Archive path, empty when decoding from a reader
	Record int    // Zero-based record index
	Name   string // Tensor name, if it was read
	Offset int64  // Byte offset where the failing read started
	Err    error
}

// Error implements the error interface.
func (e *FormatError) Error() string {
	msg := "weights: "
	if e.Path != "" {
		msg += e.Path + ": "
	}
	if e.Name != "" {
		return msg + fmt.Sprintf("record %d (%q) at offset %d: %v", e.Record, e.Name, e.Offset, e.Err)
	}
	return msg + fmt.Sprintf("record %d at offset %d: %v", e.Record, e.Offset, e.Err)
}

// Unwrap returns the underlying error.
func (e *FormatError) Unwrap() error {
	return e.Err
}
