// Package audit records an audit trail of stream operations: submitted
// cancels, top-ups and approvals, their outcomes, and tool calls that read
// stream state.
package audit

import (
	"context"
	"time"
)

// Logger defines the interface for audit logging.
type Logger interface {
	// Log records an audit event.
	Log(ctx context.Context, event Event) error

	// Query retrieves audit events matching the filter, newest first.
	Query(ctx context.Context, filter QueryFilter) ([]Event, error)

	// Close releases resources.
	Close() error
}

// Event represents an auditable event.
type Event struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	DurationMS   int64          `json:"duration_ms"`
	RequestID    string         `json:"request_id,omitempty"`
	Type         EventType      `json:"type"`
	Operation    string         `json:"operation"`
	Manager      string         `json:"manager,omitempty"`
	Creator      string         `json:"creator,omitempty"`
	StreamID     uint64         `json:"stream_id"`
	Account      string         `json:"account,omitempty"`
	TxHash       string         `json:"tx_hash,omitempty"`
	Amount       string         `json:"amount,omitempty"`
	Status       string         `json:"status,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// QueryFilter defines criteria for querying audit events.
type QueryFilter struct {
	ID        string
	StartTime *time.Time
	EndTime   *time.Time
	Type      EventType
	Operation string
	Manager   string
	Creator   string
	StreamID  *uint64
	Success   *bool
	Limit     int
	Offset    int
}

// Matches reports whether e passes every set criterion. Limit and Offset are
// not considered.
func (f QueryFilter) Matches(e Event) bool {
	switch {
	case f.ID != "" && e.ID != f.ID:
		return false
	case f.StartTime != nil && e.Timestamp.Before(*f.StartTime):
		return false
	case f.EndTime != nil && e.Timestamp.After(*f.EndTime):
		return false
	case f.Type != "" && e.Type != f.Type:
		return false
	case f.Operation != "" && e.Operation != f.Operation:
		return false
	case f.Manager != "" && e.Manager != f.Manager:
		return false
	case f.Creator != "" && e.Creator != f.Creator:
		return false
	case f.StreamID != nil && e.StreamID != *f.StreamID:
		return false
	case f.Success != nil && e.Success != *f.Success:
		return false
	}
	return true
}

// Config configures audit logging.
type Config struct {
	Enabled       bool
	RetentionDays int
}

// NoopLogger discards every event.
type NoopLogger struct{}

// Log discards the event.
func (NoopLogger) Log(context.Context, Event) error { return nil }

// Query returns nothing.
func (NoopLogger) Query(context.Context, QueryFilter) ([]Event, error) { return []Event{}, nil }

// Close does nothing.
func (NoopLogger) Close() error { return nil }

// Verify interface compliance.
var _ Logger = NoopLogger{}
