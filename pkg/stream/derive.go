package stream

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// CancelPhase classifies where a stream is relative to its minimum life.
// It is for display only; whether a cancel may be submitted is always
// decided by the contract.
type CancelPhase int

const (
	// PhaseNotStarted means the stream has no start time or starts later.
	PhaseNotStarted CancelPhase = iota
	// PhaseMinimumLife means the stream is running but still inside its
	// minimum life.
	PhaseMinimumLife
	// PhaseCancelable means the minimum life has passed.
	PhaseCancelable
	// PhaseCancelled means the stream has been cancelled.
	PhaseCancelled
)

var phaseNames = map[CancelPhase]string{
	PhaseNotStarted:  "not_started",
	PhaseMinimumLife: "minimum_life",
	PhaseCancelable:  "cancelable",
	PhaseCancelled:   "cancelled",
}

// String returns the phase name.
func (p CancelPhase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (p CancelPhase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// FundingStatus buckets the time left against alert thresholds.
type FundingStatus int

const (
	// FundingNormal means more than the warning threshold remains.
	FundingNormal FundingStatus = iota
	// FundingWarning means time left is at or below the warning threshold.
	FundingWarning
	// FundingCritical means time left is at or below the critical threshold.
	FundingCritical
	// FundingInactive means the stream has run out or was cancelled.
	FundingInactive
)

var statusNames = map[FundingStatus]string{
	FundingNormal:   "normal",
	FundingWarning:  "warning",
	FundingCritical: "critical",
	FundingInactive: "inactive",
}

// String returns the status name.
func (s FundingStatus) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s FundingStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// TotalTime returns FundedAmount/AmountPerSecond + (LastPull - StartTime) in
// seconds, clamped to [0, MaxDurationSeconds].
func (r Record) TotalTime() (int64, error) {
	if r.AmountPerSecond == nil || r.AmountPerSecond.Sign() == 0 {
		return 0, &ValidationError{Identity: r.Identity, Field: "amount_per_second", Err: ErrDivisionByZero}
	}
	funded := r.FundedAmount
	if funded == nil {
		funded = new(big.Int)
	}
	total := new(big.Int).Quo(funded, r.AmountPerSecond)
	total.Add(total, big.NewInt(r.LastPull))
	total.Sub(total, big.NewInt(r.StartTime))
	return clampSeconds(total), nil
}

// Elapsed returns the seconds since StartTime, or 0 before the stream starts.
func (r Record) Elapsed(now int64) int64 {
	if r.StartTime == 0 || now <= r.StartTime {
		return 0
	}
	return now - r.StartTime
}

// TimeLeft returns the seconds of funding remaining at now, clamped to
// [0, TotalTime]. A cancelled stream has no time left.
func (r Record) TimeLeft(now int64) int64 {
	if r.Cancelled {
		return 0
	}
	total, err := r.TotalTime()
	if err != nil {
		return 0
	}
	left := total - r.Elapsed(now)
	switch {
	case left < 0:
		return 0
	case left > total:
		return total
	}
	return left
}

// PercentRemaining returns TimeLeft/TotalTime in [0, 1], or 0 when the
// total is zero.
func (r Record) PercentRemaining(now int64) float64 {
	total, err := r.TotalTime()
	if err != nil || total == 0 {
		return 0
	}
	return float64(r.TimeLeft(now)) / float64(total)
}

// CancelPhase returns the display phase at now.
func (r Record) CancelPhase(now int64) CancelPhase {
	switch {
	case r.Cancelled:
		return PhaseCancelled
	case r.StartTime == 0 || now < r.StartTime:
		return PhaseNotStarted
	case now < saturatingAdd(r.StartTime, r.MaxLifetime):
		return PhaseMinimumLife
	default:
		return PhaseCancelable
	}
}

// IsActive reports whether the stream still has funding at now.
func (r Record) IsActive(now int64) bool {
	return r.TimeLeft(now) > 0
}

// FundingStatus buckets TimeLeft against the warning and critical
// thresholds.
func (r Record) FundingStatus(now int64, warning, critical time.Duration) FundingStatus {
	left := r.TimeLeft(now)
	switch {
	case left <= 0:
		return FundingInactive
	case left <= int64(critical/time.Second):
		return FundingCritical
	case left <= int64(warning/time.Second):
		return FundingWarning
	default:
		return FundingNormal
	}
}

// AmountUnlocked returns the funds the receiver may pull at now: the rate
// times the seconds since the last pull, capped at the funded amount.
func (r Record) AmountUnlocked(now int64) *big.Int {
	if r.Cancelled || r.AmountPerSecond == nil || r.FundedAmount == nil || now <= r.LastPull {
		return new(big.Int)
	}
	unlocked := new(big.Int).Mul(r.AmountPerSecond, big.NewInt(now-r.LastPull))
	if unlocked.Cmp(r.FundedAmount) > 0 {
		unlocked.Set(r.FundedAmount)
	}
	return unlocked
}

// AmountRefundable returns the funds the creator would get back by
// cancelling at now.
func (r Record) AmountRefundable(now int64) *big.Int {
	if r.Cancelled || r.FundedAmount == nil {
		return new(big.Int)
	}
	return new(big.Int).Sub(r.FundedAmount, r.AmountUnlocked(now))
}

// EstimateFunding returns the token amount needed to keep the stream running
// for period.
func (r Record) EstimateFunding(period time.Duration) *big.Int {
	if r.AmountPerSecond == nil || period <= 0 {
		return new(big.Int)
	}
	return new(big.Int).Mul(r.AmountPerSecond, big.NewInt(int64(period/time.Second)))
}

// FundingRate returns the amount streamed per period in whole token units.
func (r Record) FundingRate(decimals uint8, per time.Duration) decimal.Decimal {
	return decimal.NewFromBigInt(r.EstimateFunding(per), -int32(decimals))
}

// SecondsFor returns how many seconds of streaming amount pays for, rounded
// down and saturated.
func (r Record) SecondsFor(amount *big.Int) int64 {
	if amount == nil || amount.Sign() <= 0 || r.AmountPerSecond == nil || r.AmountPerSecond.Sign() == 0 {
		return 0
	}
	return clampSeconds(new(big.Int).Quo(amount, r.AmountPerSecond))
}

// AmountFor returns the tokens needed to stream for secs seconds.
func (r Record) AmountFor(secs int64) *big.Int {
	if secs <= 0 || r.AmountPerSecond == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(r.AmountPerSecond, big.NewInt(secs))
}

func clampSeconds(v *big.Int) int64 {
	if v.Sign() <= 0 {
		return 0
	}
	if !v.IsInt64() || v.Int64() > MaxDurationSeconds {
		return MaxDurationSeconds
	}
	return v.Int64()
}
