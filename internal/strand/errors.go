package strand

import (
	"errors"
	"fmt"
)

// Common errors for strand operations.
var (
	ErrInvalidStrand  = errors.New("invalid strand")
	ErrStrandNotFound = errors.New("strand not found")
	ErrEmptyKind      = errors.New("strand kind cannot be empty")
	ErrNegativeLevel  = errors.New("strand level cannot be negative")
	ErrDuplicateAttr  = errors.New("duplicate attribute name")
)

// ValidationError reports a malformed strand rejected at ingestion.
// It unwraps to ErrInvalidStrand so callers can branch with errors.Is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid strand: %s", e.Reason)
	}
	return fmt.Sprintf("invalid strand: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidStrand
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
