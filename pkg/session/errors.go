package session

import "errors"

var (
	// ErrSubmissionFailed means the write was refused or reverted. Nothing
	// changed on chain and the request may be retried.
	ErrSubmissionFailed = errors.New("submission failed")

	// ErrTimeout means the confirmation wait ran out. The transaction may
	// still be mined; a background reconciliation resolves the true state.
	ErrTimeout = errors.New("confirmation timed out")

	// ErrStaleAuthority means a cached authority value is past its freshness
	// budget and could not be re-read.
	ErrStaleAuthority = errors.New("authority value is stale")

	// ErrInFlight rejects a request while another is submitting or a timed
	// out request is still being reconciled.
	ErrInFlight = errors.New("request already in flight")

	// ErrNotCancelable rejects a cancel the contract reports as not
	// permitted yet.
	ErrNotCancelable = errors.New("stream is not cancelable")

	// ErrCancelled rejects a request against a cancelled stream.
	ErrCancelled = errors.New("stream is cancelled")

	// ErrInvalidAmount rejects a top-up of zero or negative duration.
	ErrInvalidAmount = errors.New("additional seconds must be positive")

	// ErrStreamUnknown means the registry holds no record for the stream.
	ErrStreamUnknown = errors.New("stream not in registry")

	// ErrNoAccount means no submitting account is configured.
	ErrNoAccount = errors.New("no account configured")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session closed")
)
