package audit

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// DefaultMemoryCapacity bounds a MemoryLogger created with capacity 0.
const DefaultMemoryCapacity = 10000

// MemoryLogger keeps the most recent events in memory and mirrors each one
// to slog. It serves deployments without a database.
type MemoryLogger struct {
	mu       sync.RWMutex
	events   []Event
	capacity int
	logger   *slog.Logger
}

// NewMemoryLogger creates a MemoryLogger holding at most capacity events.
// A nil logger disables the slog mirror.
func NewMemoryLogger(capacity int, logger *slog.Logger) *MemoryLogger {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryLogger{capacity: capacity, logger: logger}
}

// Log records an audit event.
func (m *MemoryLogger) Log(ctx context.Context, event Event) error {
	m.mu.Lock()
	if len(m.events) == m.capacity {
		m.events = slices.Delete(m.events, 0, 1)
	}
	m.events = append(m.events, event)
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.LogAttrs(ctx, slog.LevelInfo, "audit",
			slog.String("id", event.ID),
			slog.String("type", string(event.Type)),
			slog.String("operation", event.Operation),
			slog.String("creator", event.Creator),
			slog.Uint64("stream_id", event.StreamID),
			slog.String("tx_hash", event.TxHash),
			slog.String("status", event.Status),
			slog.Bool("success", event.Success),
			slog.String("error", event.ErrorMessage),
			slog.Int64("duration_ms", event.DurationMS),
		)
	}
	return nil
}

// Query retrieves audit events matching the filter, newest first.
func (m *MemoryLogger) Query(_ context.Context, filter QueryFilter) ([]Event, error) {
	m.mu.RLock()
	matched := make([]Event, 0)
	for i := len(m.events) - 1; i >= 0; i-- {
		if filter.Matches(m.events[i]) {
			matched = append(matched, m.events[i])
		}
	}
	m.mu.RUnlock()

	slices.SortStableFunc(matched, func(a, b Event) int { return b.Timestamp.Compare(a.Timestamp) })

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []Event{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// Breakdown returns event counts grouped by a dimension.
func (m *MemoryLogger) Breakdown(_ context.Context, filter BreakdownFilter) ([]BreakdownEntry, error) {
	if !ValidBreakdownDimensions[filter.GroupBy] {
		return nil, fmt.Errorf("invalid breakdown dimension: %q", filter.GroupBy)
	}
	start, end := DefaultTimeRange(filter.StartTime, filter.EndTime)

	type acc struct {
		count, success int
		duration       int64
	}
	groups := make(map[string]*acc)
	m.forRange(start, end, func(e Event) {
		key := e.dimension(filter.GroupBy)
		a, ok := groups[key]
		if !ok {
			a = &acc{}
			groups[key] = a
		}
		a.count++
		a.duration += e.DurationMS
		if e.Success {
			a.success++
		}
	})

	entries := make([]BreakdownEntry, 0, len(groups))
	for dim, a := range groups {
		entries = append(entries, BreakdownEntry{
			Dimension:     dim,
			Count:         a.count,
			SuccessRate:   float64(a.success) / float64(a.count),
			AvgDurationMS: float64(a.duration) / float64(a.count),
		})
	}
	slices.SortFunc(entries, func(a, b BreakdownEntry) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Dimension, b.Dimension)
	})
	if limit := ClampBreakdownLimit(filter.Limit); len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Overview returns aggregate statistics for the given time range.
func (m *MemoryLogger) Overview(_ context.Context, startTime, endTime *time.Time) (*Overview, error) {
	start, end := DefaultTimeRange(startTime, endTime)

	var o Overview
	var success int
	var duration int64
	streams := make(map[string]struct{})
	accounts := make(map[string]struct{})
	m.forRange(start, end, func(e Event) {
		o.TotalEvents++
		duration += e.DurationMS
		if e.Success {
			success++
		} else {
			o.ErrorCount++
		}
		if e.Creator != "" {
			streams[fmt.Sprintf("%s/%s/%d", e.Manager, e.Creator, e.StreamID)] = struct{}{}
		}
		if e.Account != "" {
			accounts[e.Account] = struct{}{}
		}
	})
	if o.TotalEvents > 0 {
		o.SuccessRate = float64(success) / float64(o.TotalEvents)
		o.AvgDurationMS = float64(duration) / float64(o.TotalEvents)
	}
	o.UniqueStreams = len(streams)
	o.UniqueAccounts = len(accounts)
	return &o, nil
}

func (m *MemoryLogger) forRange(start, end time.Time, fn func(Event)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.events {
		if e.Timestamp.Before(start) || e.Timestamp.After(end) {
			continue
		}
		fn(e)
	}
}

// Len returns the number of retained events.
func (m *MemoryLogger) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

// Close releases resources.
func (*MemoryLogger) Close() error { return nil }

// Verify interface compliance.
var (
	_ Logger  = (*MemoryLogger)(nil)
	_ Metrics = (*MemoryLogger)(nil)
)
