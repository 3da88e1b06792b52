package taskstore

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable is matched by every error caused by the store being unreachable,
	// slow or failing. Callers should back off and retry on their next tick.
	ErrStoreUnavailable = errors.New("coordination store unavailable")

	ErrTaskNotFound = errors.New("task not found")
	ErrInvalidState = errors.New("invalid task state")
)

// Error wraps a failed store operation.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("task store %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == ErrStoreUnavailable
}
