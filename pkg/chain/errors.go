package chain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrReverted is returned when a mined transaction did not succeed.
	ErrReverted = errors.New("transaction reverted")

	// ErrTokenNotAccepted is returned when the manager does not accept a token.
	ErrTokenNotAccepted = errors.New("token not accepted")

	// ErrNotEnoughAllowance is returned when the payer has not approved the
	// manager for the requested amount, or lacks the balance to cover it.
	ErrNotEnoughAllowance = errors.New("not enough allowance")

	// ErrInvalidRate is returned for a zero or negative amount per second.
	ErrInvalidRate = errors.New("amount per second must be positive")

	// ErrUnexpectedResult is returned when a read result has the wrong shape.
	ErrUnexpectedResult = errors.New("unexpected contract read result")
)

// StreamLifeInsufficientError reports that a stream would be funded for less
// than the manager's minimum stream life.
type StreamLifeInsufficientError struct {
	StreamLife    time.Duration
	MinStreamLife time.Duration
}

func (e *StreamLifeInsufficientError) Error() string {
	return fmt.Sprintf("stream life is %s, expected at least %s; increase the funding amount",
		e.StreamLife, e.MinStreamLife)
}
