package provider

import "time"

// InitiationPayload is the single message sent immediately after the
// provider WebSocket opens.
type InitiationPayload struct {
	ConversationConfigOverride ConversationConfigOverride `json:"conversation_config_override"`
	ExtraBody                  ExtraBody                  `json:"extra_body"`
	DynamicVariables           map[string]string          `json:"dynamic_variables"`
}

// ConversationConfigOverride carries the effective language for this
// session.
type ConversationConfigOverride struct {
	Agent AgentOverride `json:"agent"`
}

// AgentOverride is the agent-scoped portion of ConversationConfigOverride.
type AgentOverride struct {
	Language string `json:"language"`
}

// ExtraBody carries the effective TTS model and voice id for this session.
type ExtraBody struct {
	Model   string `json:"model"`
	VoiceID string `json:"voice_id,omitempty"`
}

// EventKind enumerates the frame types the provider's WebSocket protocol
// emits.
type EventKind string

const (
	EventAudio              EventKind = "audio"
	EventAudioDone          EventKind = "audio_done"
	EventUserTranscript     EventKind = "user_transcript"
	EventAgentResponse      EventKind = "agent_response"
	EventToolCall           EventKind = "tool_call"
	EventInterruption       EventKind = "interruption"
	EventLatencyMeasurement EventKind = "latency_measurement"
	EventError              EventKind = "error"
	EventPing               EventKind = "ping"
)

// Event is a parsed incoming provider frame.
type Event struct {
	Kind EventKind

	AudioBase64 string
	Text        string
	IsFinal     bool

	ToolCallID string
	ToolName   string
	Arguments  map[string]any

	LatencyMs int

	ErrorCode    string
	ErrorMessage string

	PingEventID int
}

// ToolResult is what the tool dispatcher sends back for a tool-call event,
// carrying the original correlation token.
type ToolResult struct {
	ToolCallID string
	Result     string
	IsError    bool
}

// ConversationSummary is one entry of a provider "list conversations"
// response.
type ConversationSummary struct {
	ConversationID string
	AgentID        string
	StartTime      time.Time
}

// ConversationDetails is the provider's authoritative post-call record.
type ConversationDetails struct {
	ConversationID string
	HasAudio       bool
	DurationSecs   float64
	Summary        string
	Cost           float64
	Turns          []ConversationTurn
	Complete       bool // false while the transcript is still empty; metadata and analysis are not checked
}

// ConversationTurn is one turn of a ConversationDetails transcript.
type ConversationTurn struct {
	Role              string
	Text              string
	TimeInCallSeconds float64
	Interrupted       bool
	ToolCalls         []ConversationToolCall
	ToolResults       []ConversationToolResult
}

type ConversationToolCall struct {
	CorrelationToken string
	ToolName         string
	Arguments        map[string]any
}

type ConversationToolResult struct {
	CorrelationToken string
	Status           string
	Message          string
}
