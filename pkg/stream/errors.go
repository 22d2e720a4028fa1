package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrDivisionByZero is returned when a record has a zero amount per
	// second. Normalize rejects such records, so seeing it elsewhere points
	// at a record that skipped validation.
	ErrDivisionByZero = errors.New("amount per second is zero")

	// ErrNegativeAmount is returned for a negative money or time field.
	ErrNegativeAmount = errors.New("negative amount")

	// ErrNegativeDuration is returned when the funded duration plus the time
	// already pulled is negative.
	ErrNegativeDuration = errors.New("total funded duration is negative")

	// ErrFutureStart is returned when the start time lies beyond the allowed
	// clock skew.
	ErrFutureStart = errors.New("start time is in the future")

	// ErrOutOfRange is returned for a time field that does not fit in int64.
	ErrOutOfRange = errors.New("value out of range")

	// ErrMissingIdentity is returned when the manager or creator is empty.
	ErrMissingIdentity = errors.New("missing manager or creator")
)

// ValidationError reports a raw record that cannot be accepted.
type ValidationError struct {
	Identity Identity
	Field    string
	Err      error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid stream record %s: %s: %v", e.Identity, e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
