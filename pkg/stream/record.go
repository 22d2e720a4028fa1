package stream

import (
	"bytes"
	"math"
	"math/big"
	"time"

	"github.com/txn2/mcp-streampay/pkg/chain"
)

// MaxDurationSeconds is the saturation bound for every derived duration. It
// is the largest whole-second count a time.Duration can hold.
const MaxDurationSeconds = math.MaxInt64 / int64(time.Second)

// RawRecord is an unvalidated snapshot as read from the contract.
type RawRecord struct {
	Identity        Identity
	Token           chain.Address
	AmountPerSecond *big.Int
	FundedAmount    *big.Int
	StartTime       *big.Int
	LastPull        *big.Int
	MaxLifetime     *big.Int
	Reason          []byte
	Cancelled       bool
}

// FromStreamInfo builds a RawRecord from a `streams` read.
func FromStreamInfo(id Identity, info *chain.StreamInfo) RawRecord {
	return RawRecord{
		Identity:        id,
		Token:           info.Token,
		AmountPerSecond: info.AmountPerSecond,
		FundedAmount:    info.FundedAmount,
		StartTime:       info.StartTime,
		LastPull:        info.LastPull,
		MaxLifetime:     info.MaxStreamLife,
		Reason:          info.Reason,
	}
}

// Record is a validated stream snapshot. Records are values; the big.Int
// fields are never mutated after Normalize returns.
type Record struct {
	Identity        Identity      `json:"identity"`
	Token           chain.Address `json:"token"`
	AmountPerSecond *big.Int      `json:"amount_per_second"`
	FundedAmount    *big.Int      `json:"funded_amount"`
	StartTime       int64         `json:"start_time"`
	LastPull        int64         `json:"last_pull"`
	MaxLifetime     int64         `json:"max_lifetime"`
	Reason          []byte        `json:"reason,omitempty"`
	Cancelled       bool          `json:"cancelled"`
	ObservedAt      time.Time     `json:"observed_at"`
}

// Normalize validates raw and converts it into a Record observed at now.
// A start time more than skew past now is rejected. Every failure is a
// *ValidationError.
func Normalize(raw RawRecord, now int64, skew time.Duration) (Record, error) {
	id := raw.Identity
	invalid := func(field string, err error) (Record, error) {
		return Record{}, &ValidationError{Identity: id, Field: field, Err: err}
	}

	if id.Manager == "" || id.Creator == "" {
		return invalid("identity", ErrMissingIdentity)
	}

	aps := raw.AmountPerSecond
	switch {
	case aps == nil || aps.Sign() == 0:
		return invalid("amount_per_second", ErrDivisionByZero)
	case aps.Sign() < 0:
		return invalid("amount_per_second", ErrNegativeAmount)
	}

	funded := raw.FundedAmount
	if funded == nil {
		funded = new(big.Int)
	}
	if funded.Sign() < 0 {
		return invalid("funded_amount", ErrNegativeAmount)
	}

	start, err := seconds(raw.StartTime)
	if err != nil {
		return invalid("start_time", err)
	}
	lastPull, err := seconds(raw.LastPull)
	if err != nil {
		return invalid("last_pull", err)
	}
	maxLife, err := seconds(raw.MaxLifetime)
	if err != nil {
		return invalid("max_lifetime", err)
	}

	if start > saturatingAdd(now, int64(skew/time.Second)) {
		return invalid("start_time", ErrFutureStart)
	}

	total := new(big.Int).Quo(funded, aps)
	total.Add(total, big.NewInt(lastPull))
	total.Sub(total, big.NewInt(start))
	if total.Sign() < 0 {
		return invalid("funded_amount", ErrNegativeDuration)
	}

	return Record{
		Identity:        id,
		Token:           raw.Token,
		AmountPerSecond: new(big.Int).Set(aps),
		FundedAmount:    new(big.Int).Set(funded),
		StartTime:       start,
		LastPull:        lastPull,
		MaxLifetime:     maxLife,
		Reason:          bytes.Clone(raw.Reason),
		Cancelled:       raw.Cancelled,
		ObservedAt:      time.Unix(now, 0).UTC(),
	}, nil
}

// Equal reports whether a and b describe the same on-chain state. ObservedAt
// is ignored.
func (r Record) Equal(o Record) bool {
	return r.Identity == o.Identity &&
		r.Token == o.Token &&
		bigEqual(r.AmountPerSecond, o.AmountPerSecond) &&
		bigEqual(r.FundedAmount, o.FundedAmount) &&
		r.StartTime == o.StartTime &&
		r.LastPull == o.LastPull &&
		r.MaxLifetime == o.MaxLifetime &&
		bytes.Equal(r.Reason, o.Reason) &&
		r.Cancelled == o.Cancelled
}

// WithCancelled returns a copy of r marked cancelled.
func (r Record) WithCancelled() Record {
	r.Cancelled = true
	return r
}

func seconds(v *big.Int) (int64, error) {
	if v == nil {
		return 0, nil
	}
	if v.Sign() < 0 {
		return 0, ErrNegativeAmount
	}
	if !v.IsInt64() {
		return 0, ErrOutOfRange
	}
	return v.Int64(), nil
}

func bigEqual(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Cmp(b) == 0
}

func saturatingAdd(a, b int64) int64 {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	if b < 0 && a < math.MinInt64-b {
		return math.MinInt64
	}
	return a + b
}
