package audit

import (
	"context"
	"time"
)

// BreakdownDimension defines valid group-by dimensions.
type BreakdownDimension string

const (
	// BreakdownByOperation groups by operation.
	BreakdownByOperation BreakdownDimension = "operation"

	// BreakdownByCreator groups by stream creator.
	BreakdownByCreator BreakdownDimension = "creator"

	// BreakdownByAccount groups by submitting account.
	BreakdownByAccount BreakdownDimension = "account"

	// BreakdownByStatus groups by outcome status.
	BreakdownByStatus BreakdownDimension = "status"
)

// ValidBreakdownDimensions is the set of allowed group-by values.
var ValidBreakdownDimensions = map[BreakdownDimension]bool{
	BreakdownByOperation: true,
	BreakdownByCreator:   true,
	BreakdownByAccount:   true,
	BreakdownByStatus:    true,
}

// BreakdownFilter controls breakdown query parameters.
type BreakdownFilter struct {
	GroupBy   BreakdownDimension
	Limit     int
	StartTime *time.Time
	EndTime   *time.Time
}

// BreakdownEntry holds aggregated stats for a single dimension value.
type BreakdownEntry struct {
	Dimension     string  `json:"dimension"`
	Count         int     `json:"count"`
	SuccessRate   float64 `json:"success_rate"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}

// Overview holds aggregate statistics for the audit log.
type Overview struct {
	TotalEvents    int     `json:"total_events"`
	SuccessRate    float64 `json:"success_rate"`
	AvgDurationMS  float64 `json:"avg_duration_ms"`
	UniqueStreams  int     `json:"unique_streams"`
	UniqueAccounts int     `json:"unique_accounts"`
	ErrorCount     int     `json:"error_count"`
}

// Metrics aggregates the audit log.
type Metrics interface {
	Breakdown(ctx context.Context, filter BreakdownFilter) ([]BreakdownEntry, error)
	Overview(ctx context.Context, startTime, endTime *time.Time) (*Overview, error)
}

const (
	// DefaultMetricsWindow is the default lookback when no time range is
	// specified.
	DefaultMetricsWindow = 24 * time.Hour

	// DefaultBreakdownLimit is the default number of breakdown entries.
	DefaultBreakdownLimit = 10

	// MaxBreakdownLimit caps the number of breakdown entries.
	MaxBreakdownLimit = 100
)

// ClampBreakdownLimit applies default and max bounds to a breakdown limit.
func ClampBreakdownLimit(limit int) int {
	if limit <= 0 {
		return DefaultBreakdownLimit
	}
	if limit > MaxBreakdownLimit {
		return MaxBreakdownLimit
	}
	return limit
}

// DefaultTimeRange fills a missing bound: end defaults to now and start to
// DefaultMetricsWindow before end.
func DefaultTimeRange(startTime, endTime *time.Time) (start, end time.Time) {
	end = time.Now().UTC()
	if endTime != nil {
		end = *endTime
	}
	start = end.Add(-DefaultMetricsWindow)
	if startTime != nil {
		start = *startTime
	}
	return start, end
}

func (e Event) dimension(d BreakdownDimension) string {
	switch d {
	case BreakdownByCreator:
		return e.Creator
	case BreakdownByAccount:
		return e.Account
	case BreakdownByStatus:
		return e.Status
	default:
		return e.Operation
	}
}
