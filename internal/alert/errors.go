package alert

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by lookups of unknown alert ids.
var ErrNotFound = errors.New("alert not found")

// ValidationError reports a malformed Spec. Nothing is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid alert %s: %s", e.Field, e.Reason)
}

// PersistenceError wraps a storage failure during an alert operation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("alert %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
