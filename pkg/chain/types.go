// Package chain defines the collaborators the stream accounting core consumes
// from a chain client: a historical log reader, a live event watcher, and a
// contract read/write client. ABI encoding and RPC transport live behind these
// interfaces and are not implemented here.
package chain

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// Address is a 20-byte account or contract address in lower-case 0x-hex form.
type Address string

// ZeroAddress is the all-zero address.
const ZeroAddress Address = "0x0000000000000000000000000000000000000000"

// ParseAddress validates s and returns its normalized form.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return "", fmt.Errorf("address %q: missing 0x prefix", s)
	}
	body := s[2:]
	if len(body) != 40 {
		return "", fmt.Errorf("address %q: expected 40 hex characters, got %d", s, len(body))
	}
	if _, err := hex.DecodeString(body); err != nil {
		return "", fmt.Errorf("address %q: %w", s, err)
	}
	return Address("0x" + strings.ToLower(body)), nil
}

// MustParseAddress is like ParseAddress but panics on error. Intended for
// constants and tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String returns the address as a string.
func (a Address) String() string { return string(a) }

// IsZero reports whether the address is empty or the zero address.
func (a Address) IsZero() bool { return a == "" || a == ZeroAddress }

// TxHash identifies a submitted transaction.
type TxHash string

// EventKind names a StreamManager event.
type EventKind string

// StreamManager events consumed by ingestion.
const (
	EventStreamCreated   EventKind = "StreamCreated"
	EventStreamFunded    EventKind = "StreamFunded"
	EventStreamCancelled EventKind = "StreamCancelled"
)

// StreamEvents lists every event kind that affects a stream snapshot, in the
// order history should be replayed.
var StreamEvents = []EventKind{EventStreamCreated, EventStreamFunded, EventStreamCancelled}

// Log is a decoded StreamManager event. Only the stream identity is carried;
// the authoritative state is always re-read from the contract.
type Log struct {
	Manager     Address   `json:"manager"`
	Event       EventKind `json:"event"`
	Creator     Address   `json:"creator"`
	StreamID    uint64    `json:"stream_id"`
	BlockNumber uint64    `json:"block_number"`
	LogIndex    uint      `json:"log_index"`
	TxHash      TxHash    `json:"tx_hash"`
}

// Filter narrows an event subscription.
type Filter struct {
	// Creator restricts delivery to streams opened by this account.
	Creator Address
}

// Matches reports whether the log passes the filter.
func (f Filter) Matches(l Log) bool {
	return f.Creator == "" || f.Creator == l.Creator
}

// StreamInfo is the raw result of the manager's `streams(creator, id)` view.
// Every integer is a uint256 on the contract side.
type StreamInfo struct {
	Token           Address
	AmountPerSecond *big.Int
	MaxStreamLife   *big.Int
	FundedAmount    *big.Int
	StartTime       *big.Int
	LastPull        *big.Int
	Reason          []byte
}

// Receipt is the confirmation of a mined transaction.
type Receipt struct {
	TxHash      TxHash
	BlockNumber uint64
	Success     bool
}

// LogReader supplies historical events.
type LogReader interface {
	FetchLogs(ctx context.Context, manager Address, event EventKind, fromBlock uint64) ([]Log, error)
}

// Subscription is a live event feed. Err delivers at most one terminal error.
type Subscription interface {
	Logs() <-chan Log
	Err() <-chan error
	Unsubscribe()
}

// EventWatcher supplies live events.
type EventWatcher interface {
	Subscribe(ctx context.Context, manager Address, event EventKind, filter Filter) (Subscription, error)
}

// ContractClient reads and writes contract state. Write submits a
// transaction from the given account and returns as soon as it is accepted
// for inclusion; WaitMined blocks until it is mined or ctx ends.
type ContractClient interface {
	Read(ctx context.Context, contract Address, method string, args ...any) (any, error)
	Write(ctx context.Context, from, contract Address, method string, args ...any) (TxHash, error)
	WaitMined(ctx context.Context, tx TxHash) (*Receipt, error)
}
