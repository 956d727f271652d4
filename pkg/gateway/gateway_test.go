package gateway

import (
	"context"
	"strings"
	"testing"

	"github.com/voicebridge/sessionrt/internal/config"
	"github.com/voicebridge/sessionrt/pkg/agent"
	"github.com/voicebridge/sessionrt/pkg/domain"
)

func TestCheckOrigin(t *testing.T) {
	gw := &Gateway{cfg: &config.Config{ApprovedDomains: []string{"widgets.example.com"}}}

	snap := agent.Snapshot{Agent: domain.Agent{
		ApprovedDomains: []string{"customer.example.org"},
	}}

	cases := []struct {
		name    string
		origin  string
		wantErr string
	}{
		{"agent-approved domain passes", "https://customer.example.org", ""},
		{"globally approved domain passes", "https://widgets.example.com", ""},
		{"unlisted domain is refused", "https://evil.example.net", "origin_not_approved"},
		{"empty origin is refused", "", "missing_origin"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := gw.CheckOrigin(snap, tc.origin)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("CheckOrigin(%q) = %v, want nil", tc.origin, err)
				}
				return
			}
			admErr, ok := err.(*AdmissionError)
			if !ok {
				t.Fatalf("CheckOrigin(%q) = %v, want *AdmissionError", tc.origin, err)
			}
			if admErr.Reason != tc.wantErr {
				t.Errorf("reason = %q, want %q", admErr.Reason, tc.wantErr)
			}
		})
	}
}

func TestCheckOrigin_NoAgentDomainsFallsBackToGlobal(t *testing.T) {
	gw := &Gateway{cfg: &config.Config{ApprovedDomains: []string{"example.com"}}}
	snap := agent.Snapshot{}

	if err := gw.CheckOrigin(snap, "https://app.example.com"); err != nil {
		t.Fatalf("CheckOrigin = %v, want global fallback to pass", err)
	}
}

func TestWebhookInstructionDocument(t *testing.T) {
	doc := webhookInstructionDocument("wss://rt.example.com/telephony/ws", "agent-1", "+15550100")

	for _, want := range []string{
		`url="wss://rt.example.com/telephony/ws"`,
		`name="agent_id" value="agent-1"`,
		`name="user_id" value="+15550100"`,
		"<Connect><Stream",
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("instruction document missing %q:\n%s", want, doc)
		}
	}
}

func TestActiveSessions_VariableWrites(t *testing.T) {
	a := NewActiveSessions()
	a.register("sess-1", nil, func() {})

	a.SetVariables(context.Background(), "sess-1", map[string]string{"city": "Austin"})
	a.SetVariables(context.Background(), "sess-1", map[string]string{"tier": "gold"})

	vars := a.Variables("sess-1")
	if vars["city"] != "Austin" || vars["tier"] != "gold" {
		t.Errorf("vars = %v, want accumulated writes", vars)
	}

	a.unregister("sess-1")
	if a.Variables("sess-1") != nil {
		t.Error("expected no variables after unregister")
	}
}

func TestActiveSessions_UnknownSessionIsHarmless(t *testing.T) {
	a := NewActiveSessions()

	// Neither call should panic or create state for a session that was
	// never registered.
	a.SetVariables(context.Background(), "ghost", map[string]string{"k": "v"})
	a.RequestEndCall("ghost")

	if a.Variables("ghost") != nil {
		t.Error("expected no state for an unregistered session")
	}
}
