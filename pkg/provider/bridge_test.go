package provider

import (
	"testing"

	"github.com/voicebridge/sessionrt/pkg/domain"
)

func TestParseEvent_FlatToolCall(t *testing.T) {
	data := []byte(`{"type":"tool_call","tool_call_id":"tc-1","tool_name":"end_call","parameters":{"a":1}}`)
	evt, err := parseEvent(data)
	if err != nil {
		t.Fatalf("parseEvent: %v", err)
	}
	if evt.Kind != EventToolCall || evt.ToolCallID != "tc-1" || evt.ToolName != "end_call" {
		t.Errorf("got %+v", evt)
	}
}

func TestParseEvent_NestedClientToolCall(t *testing.T) {
	data := []byte(`{"type":"client_tool_call","client_tool_call":{"tool_call_id":"tc-2","tool_name":"set_dynamic_variable","parameters":{"k":"v"}}}`)
	evt, err := parseEvent(data)
	if err != nil {
		t.Fatalf("parseEvent: %v", err)
	}
	if evt.Kind != EventToolCall || evt.ToolCallID != "tc-2" || evt.ToolName != "set_dynamic_variable" {
		t.Errorf("got %+v", evt)
	}
}

func TestParseEvent_NestedAudio(t *testing.T) {
	data := []byte(`{"type":"audio","audio_event":{"audio_base_64":"abc123"}}`)
	evt, err := parseEvent(data)
	if err != nil {
		t.Fatalf("parseEvent: %v", err)
	}
	if evt.AudioBase64 != "abc123" {
		t.Errorf("audio base64 = %q, want abc123", evt.AudioBase64)
	}
}

func TestBridge_SetStatus_FirstWriteWins(t *testing.T) {
	b := &Bridge{}
	b.setStatus(domain.StatusCompleted, domain.CauseCallerDisconnect)
	b.setStatus(domain.StatusAbortedError, domain.CauseProviderError)

	if b.status.Status != domain.StatusCompleted || b.status.Cause != domain.CauseCallerDisconnect {
		t.Errorf("status = %+v, want first write to stick", b.status)
	}
}

func TestBridge_RequestTermination_QuotaBreachMapsToAbortedQuota(t *testing.T) {
	b := &Bridge{}
	b.RequestTermination(domain.CauseQuotaBreach)
	if b.status.Status != domain.StatusAbortedQuota {
		t.Errorf("status = %q, want aborted-quota", b.status.Status)
	}
}

func TestBridge_RequestTermination_EndCallToolMapsToCompleted(t *testing.T) {
	b := &Bridge{}
	b.RequestTermination(domain.CauseEndCallTool)
	if b.status.Status != domain.StatusCompleted {
		t.Errorf("status = %q, want completed", b.status.Status)
	}
}

func TestStatusLabel(t *testing.T) {
	if statusLabel(true) != "error" {
		t.Error("statusLabel(true) should be error")
	}
	if statusLabel(false) != "success" {
		t.Error("statusLabel(false) should be success")
	}
}

func TestBridge_AppendTurnAndTranscript(t *testing.T) {
	b := &Bridge{}
	b.appendTurn(domain.Turn{Role: domain.TurnUser, Text: "hello"})
	b.appendTurn(domain.Turn{Role: domain.TurnAgent, Text: "hi there"})

	turns := b.Transcript()
	if len(turns) != 2 {
		t.Fatalf("len(turns) = %d, want 2", len(turns))
	}
	if turns[0].Text != "hello" || turns[1].Text != "hi there" {
		t.Errorf("got %+v", turns)
	}
}
