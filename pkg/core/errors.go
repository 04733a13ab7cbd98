package core

import (
	"errors"
	"fmt"

	"github.com/liliang-cn/sqrag/internal/encoding"
)

// Common errors
var (
	// ErrNotFound is returned when a namespace, entry or chunk id does not exist
	ErrNotFound = errors.New("not found")

	// ErrStoreClosed is returned when trying to use a closed store
	ErrStoreClosed = errors.New("store is closed")

	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidVector is returned when vector data is invalid
	ErrInvalidVector = encoding.ErrInvalidVector

	// ErrUnsupportedDimension is returned for dimensions without a vector table
	ErrUnsupportedDimension = errors.New("unsupported vector dimension")

	// ErrDimensionMismatch is returned when a vector does not match its namespace
	ErrDimensionMismatch = errors.New("vector dimension does not match namespace")

	// ErrStaleVersion is returned when writing chunks for an entry that a newer
	// version of the same key has already superseded
	ErrStaleVersion = errors.New("entry superseded by a newer version")

	// ErrEntryNotPending is returned when chunks are written to a settled entry
	ErrEntryNotPending = errors.New("entry is not pending")

	// ErrInvalidOrder is returned for negative chunk orders
	ErrInvalidOrder = errors.New("invalid chunk order")

	// ErrTooManyChunks is returned when a single call carries more chunks than allowed
	ErrTooManyChunks = errors.New("too many chunks in one call")

	// ErrNamespaceNotEmpty is returned when deleting a namespace that still owns entries
	ErrNamespaceNotEmpty = errors.New("namespace still has entries")
)

// StoreError wraps errors with operation context
type StoreError struct {
	Op  string // Operation name
	Err error  // Underlying error
}

// Error implements the error interface
func (e *StoreError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("sqrag: %v", e.Err)
	}
	return fmt.Sprintf("sqrag: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error
func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is checks if the error matches the target
func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// wrapError wraps an error with operation context
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
