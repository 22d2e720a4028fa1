package audit

import (
	"math/big"
	"testing"

	"github.com/google/uuid"

	"github.com/txn2/mcp-streampay/pkg/stream"
)

const (
	redactedValue       = "[REDACTED]"
	eventTestDurationMS = 100
	testManager         = "0x1111111111111111111111111111111111111111"
	testCreator         = "0x2222222222222222222222222222222222222222"
)

func TestNewEvent(t *testing.T) {
	event := NewEvent(EventTypeOperation, OperationCancel)

	if event.Operation != OperationCancel {
		t.Errorf("Operation = %q, want %q", event.Operation, OperationCancel)
	}
	if event.Type != EventTypeOperation {
		t.Errorf("Type = %q, want %q", event.Type, EventTypeOperation)
	}
	if _, err := uuid.Parse(event.ID); err != nil {
		t.Errorf("ID %q is not a UUID: %v", event.ID, err)
	}
	if event.Timestamp.IsZero() {
		t.Error("Timestamp should not be zero")
	}
}

func TestEvent_Builders(t *testing.T) {
	id := stream.Identity{Manager: testManager, Creator: testCreator, StreamID: 4}
	event := NewEvent(EventTypeOperation, OperationFund).
		WithStream(id).
		WithAccount(testCreator).
		WithTx("0xabc").
		WithAmount(big.NewInt(36000)).
		WithStatus("funded").
		WithParameters(map[string]any{"seconds": 360}).
		WithResult(true, "", eventTestDurationMS).
		WithRequestID("req-123")

	if event.Manager != testManager || event.Creator != testCreator || event.StreamID != 4 {
		t.Errorf("stream = %s/%s/%d, want %s", event.Manager, event.Creator, event.StreamID, id)
	}
	if event.Account != testCreator {
		t.Errorf("Account = %q", event.Account)
	}
	if event.TxHash != "0xabc" {
		t.Errorf("TxHash = %q, want 0xabc", event.TxHash)
	}
	if event.Amount != "36000" {
		t.Errorf("Amount = %q, want 36000", event.Amount)
	}
	if event.Status != "funded" {
		t.Errorf("Status = %q, want funded", event.Status)
	}
	if event.Parameters["seconds"] != 360 {
		t.Error("Parameters not set correctly")
	}
	if !event.Success {
		t.Error("Success = false, want true")
	}
	if event.DurationMS != eventTestDurationMS {
		t.Errorf("DurationMS = %d, want %d", event.DurationMS, eventTestDurationMS)
	}
	if event.RequestID != "req-123" {
		t.Errorf("RequestID = %q, want %q", event.RequestID, "req-123")
	}

	if got := NewEvent(EventTypeOperation, OperationFund).WithAmount(nil); got.Amount != "" {
		t.Errorf("nil amount produced %q", got.Amount)
	}
}

func TestSanitizeParameters(t *testing.T) {
	params := map[string]any{
		"creator":     testCreator,
		"private_key": "0xdeadbeef",
		"api_key":     "abc123",
		"seconds":     eventTestDurationMS,
	}

	sanitized := SanitizeParameters(params)

	if sanitized["creator"] != testCreator {
		t.Error("creator should not be redacted")
	}
	if sanitized["private_key"] != redactedValue {
		t.Errorf("private_key = %v, want %s", sanitized["private_key"], redactedValue)
	}
	if sanitized["api_key"] != redactedValue {
		t.Errorf("api_key = %v, want %s", sanitized["api_key"], redactedValue)
	}
	if sanitized["seconds"] != eventTestDurationMS {
		t.Error("seconds should not be redacted")
	}
	if params["private_key"] != "0xdeadbeef" {
		t.Error("input map must not be modified")
	}
	if SanitizeParameters(nil) != nil {
		t.Error("nil params should stay nil")
	}
}
