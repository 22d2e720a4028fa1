package audit

import (
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/txn2/mcp-streampay/pkg/stream"
)

// EventType categorizes audit events.
type EventType string

const (
	// EventTypeOperation is a stream-mutating operation.
	EventTypeOperation EventType = "operation"

	// EventTypeToolCall is a tool invocation event.
	EventTypeToolCall EventType = "tool_call"

	// EventTypeIngest is a history load or subscription event.
	EventTypeIngest EventType = "ingest"
)

// Operation names.
const (
	OperationCancel    = "cancel"
	OperationFund      = "fund"
	OperationApprove   = "approve"
	OperationReconcile = "reconcile"
	OperationLoad      = "load_history"
)

// NewEvent creates a new audit event.
func NewEvent(eventType EventType, operation string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Operation: operation,
	}
}

// WithStream adds the stream identity to the event.
func (e *Event) WithStream(id stream.Identity) *Event {
	e.Manager = id.Manager.String()
	e.Creator = id.Creator.String()
	e.StreamID = id.StreamID
	return e
}

// WithAccount adds the submitting account to the event.
func (e *Event) WithAccount(account string) *Event {
	e.Account = account
	return e
}

// WithTx adds the transaction hash to the event.
func (e *Event) WithTx(tx string) *Event {
	e.TxHash = tx
	return e
}

// WithAmount adds a token amount to the event.
func (e *Event) WithAmount(amount *big.Int) *Event {
	if amount != nil {
		e.Amount = amount.String()
	}
	return e
}

// WithStatus adds the outcome status to the event.
func (e *Event) WithStatus(status string) *Event {
	e.Status = status
	return e
}

// WithParameters adds parameters to the event.
func (e *Event) WithParameters(params map[string]any) *Event {
	e.Parameters = params
	return e
}

// WithResult adds result information to the event.
func (e *Event) WithResult(success bool, errorMsg string, durationMS int64) *Event {
	e.Success = success
	e.ErrorMessage = errorMsg
	e.DurationMS = durationMS
	return e
}

// WithRequestID adds a request ID to the event.
func (e *Event) WithRequestID(requestID string) *Event {
	e.RequestID = requestID
	return e
}

// SanitizeParameters removes sensitive parameters from the event.
func SanitizeParameters(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}

	sensitiveKeys := map[string]bool{
		"password":      true,
		"secret":        true,
		"api_key":       true,
		"authorization": true,
		"private_key":   true,
		"mnemonic":      true,
	}

	sanitized := make(map[string]any, len(params))
	for k, v := range params {
		if sensitiveKeys[k] {
			sanitized[k] = "[REDACTED]"
		} else {
			sanitized[k] = v
		}
	}
	return sanitized
}
