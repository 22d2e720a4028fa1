package session

import (
	"errors"

	"github.com/txn2/mcp-streampay/pkg/chain"
)

// State is the submission state of a session.
type State int

const (
	// StateIdle accepts new requests.
	StateIdle State = iota
	// StateCancelling is submitting or confirming a cancel.
	StateCancelling
	// StateApproving is checking or raising the token allowance.
	StateApproving
	// StateFunding is submitting or confirming a top-up.
	StateFunding
)

var stateNames = [...]string{"idle", "cancelling", "approving", "funding"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is the terminal result of a request.
type Status int

const (
	// StatusCancelled means the cancel was confirmed.
	StatusCancelled Status = iota + 1
	// StatusFunded means the top-up was confirmed.
	StatusFunded
	// StatusFailed means something went wrong after the request was
	// accepted. Err carries ErrSubmissionFailed or ErrTimeout.
	StatusFailed
	// StatusRejected means the request was refused before anything was
	// submitted.
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusCancelled:
		return "cancelled"
	case StatusFunded:
		return "funded"
	case StatusFailed:
		return "failed"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// MarshalText renders the status name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome is the result of RequestCancel or RequestFund. Errors are carried
// as values; a request never panics or returns a bare error.
type Outcome struct {
	Status Status
	TxHash chain.TxHash
	Err    error
}

// OK reports whether the request reached its intended terminal state.
func (o Outcome) OK() bool {
	return o.Status == StatusCancelled || o.Status == StatusFunded
}

// Unknown reports whether the outcome is a timeout whose true result will
// be settled by reconciliation.
func (o Outcome) Unknown() bool {
	return o.Status == StatusFailed && errors.Is(o.Err, ErrTimeout)
}

func rejected(err error) Outcome {
	return Outcome{Status: StatusRejected, Err: err}
}

func failed(tx chain.TxHash, err error) Outcome {
	return Outcome{Status: StatusFailed, TxHash: tx, Err: err}
}
