package stream

import (
	"time"

	"github.com/txn2/mcp-streampay/pkg/chain"
)

// Summary is the read-only view of a record at a point in time, as served
// to API clients.
type Summary struct {
	Identity         Identity      `json:"identity"`
	Token            chain.Address `json:"token"`
	AmountPerSecond  string        `json:"amount_per_second"`
	FundedAmount     string        `json:"funded_amount"`
	StartTime        int64         `json:"start_time"`
	Cancelled        bool          `json:"cancelled"`
	Active           bool          `json:"active"`
	TimeLeft         int64         `json:"time_left"`
	TimeLeftHuman    string        `json:"time_left_human"`
	TotalTime        int64         `json:"total_time"`
	PercentRemaining float64       `json:"percent_remaining"`
	CancelPhase      CancelPhase   `json:"cancel_phase"`
	FundingStatus    FundingStatus `json:"funding_status"`
	Unlocked         string        `json:"unlocked"`
	Refundable       string        `json:"refundable"`
	Reason           string        `json:"reason,omitempty"`
}

// Summarize derives a Summary at now. warning and critical grade
// FundingStatus.
func (r Record) Summarize(now int64, warning, critical time.Duration) Summary {
	total, _ := r.TotalTime()
	left := r.TimeLeft(now)
	s := Summary{
		Identity:         r.Identity,
		Token:            r.Token,
		StartTime:        r.StartTime,
		Cancelled:        r.Cancelled,
		Active:           left > 0,
		TimeLeft:         left,
		TimeLeftHuman:    FormatDuration(left),
		TotalTime:        total,
		PercentRemaining: r.PercentRemaining(now),
		CancelPhase:      r.CancelPhase(now),
		FundingStatus:    r.FundingStatus(now, warning, critical),
		Unlocked:         r.AmountUnlocked(now).String(),
		Refundable:       r.AmountRefundable(now).String(),
		Reason:           string(r.Reason),
	}
	if r.AmountPerSecond != nil {
		s.AmountPerSecond = r.AmountPerSecond.String()
	}
	if r.FundedAmount != nil {
		s.FundedAmount = r.FundedAmount.String()
	}
	return s
}
