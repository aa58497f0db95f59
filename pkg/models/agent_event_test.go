package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestAgentEventType_Constants(t *testing.T) {
	tests := []struct {
		constant AgentEventType
		expected string
	}{
		{AgentEventSessionStarted, "session.started"},
		{AgentEventSessionFinished, "session.finished"},
		{AgentEventIterStarted, "iter.started"},
		{AgentEventIterFinished, "iter.finished"},
		{AgentEventModelDelta, "model.delta"},
		{AgentEventModelCompleted, "model.completed"},
		{AgentEventToolStarted, "tool.started"},
		{AgentEventToolFinished, "tool.finished"},
		{AgentEventWorkStatus, "work.status"},
		{AgentEventError, "error"},
	}
	for _, tt := range tests {
		if string(tt.constant) != tt.expected {
			t.Errorf("got %q, want %q", tt.constant, tt.expected)
		}
	}
}

func TestAgentEvent_JSONRoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ev := AgentEvent{
		Version:   1,
		Type:      AgentEventModelDelta,
		Time:      now,
		Sequence:  7,
		WorkID:    42,
		SessionID: 9,
		Stream:    &StreamEventPayload{Delta: "hello", Provider: "anthropic", Model: "claude-sonnet-4-20250514"},
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out AgentEvent
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Sequence != ev.Sequence || out.WorkID != ev.WorkID || out.Stream.Delta != "hello" {
		t.Fatalf("round-trip mismatch: %+v", out)
	}
}

func TestAgentEvent_ToolPayload(t *testing.T) {
	ev := AgentEvent{
		Type: AgentEventToolStarted,
		Tool: &ToolEvent{
			WorkID:     1,
			SessionID:  2,
			ToolCallID: "call-1",
			ToolName:   "read_file",
			Stage:      ToolEventStarted,
		},
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out AgentEvent
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Tool == nil || out.Tool.ToolName != "read_file" {
		t.Fatalf("tool payload lost: %+v", out.Tool)
	}
}

func TestStatusEventPayload(t *testing.T) {
	ev := AgentEvent{Type: AgentEventWorkStatus, Status: &StatusEventPayload{Status: WorkRunning}}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out AgentEvent
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Status == nil || out.Status.Status != WorkRunning {
		t.Fatalf("status payload lost: %+v", out.Status)
	}
}
