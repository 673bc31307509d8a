package models

import (
	"errors"
	"fmt"
)

// ErrInvariantViolation marks a broken engine invariant. It signals a
// reconciliation bug and must abort the run.
var ErrInvariantViolation = errors.New("invariant violation")

// InvariantError describes which invariant broke and for which underlying.
type InvariantError struct {
	Underlying string
	Detail     string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("INVARIANT VIOLATION [%s]: %s", e.Underlying, e.Detail)
}

// Is lets errors.Is(err, ErrInvariantViolation) match.
func (e *InvariantError) Is(target error) bool {
	return target == ErrInvariantViolation
}

// NewInvariantError formats an InvariantError.
func NewInvariantError(underlying, format string, args ...any) error {
	return &InvariantError{Underlying: underlying, Detail: fmt.Sprintf(format, args...)}
}
