// Package domain holds the session runtime's shared data model: the
// entities every other package reads or writes, and the terminal
// vocabularies (transport kinds, session statuses, termination causes) used
// throughout the runtime.
package domain

import "time"

// TransportKind identifies which entry point a session arrived through.
type TransportKind string

const (
	TransportBrowser           TransportKind = "browser"
	TransportTelephonyInbound  TransportKind = "telephony-inbound"
	TransportTelephonyOutbound TransportKind = "telephony-outbound"
	TransportPreview           TransportKind = "preview"
)

// SessionStatus is the terminal (or in-flight) state of a SessionRecord.
type SessionStatus string

const (
	StatusActive       SessionStatus = "active"
	StatusCompleted    SessionStatus = "completed"
	StatusAbortedQuota SessionStatus = "aborted-quota"
	StatusAbortedError SessionStatus = "aborted-error"
)

// TerminationCause records why a session ended.
type TerminationCause string

const (
	CauseCallerDisconnect   TerminationCause = "caller_disconnect"
	CauseProviderDisconnect TerminationCause = "provider_disconnect"
	CauseEndCallTool        TerminationCause = "end_call_tool"
	CauseQuotaBreach        TerminationCause = "quota_breach"
	CauseProviderError      TerminationCause = "provider_error"
	CauseTransportError     TerminationCause = "transport_error"
	CauseReplaced           TerminationCause = "session_replaced"
)

// Tenant owns agents and holds the token balance the meter debits.
type Tenant struct {
	ID           string
	TokenBalance int64
	WebhookURL   string // optional outbound fan-out target for dynamic-variable writes
}

// Voice is either a built-in preset or a tenant-cloned voice.
type Voice struct {
	ID              string
	TenantID        string
	Name            string
	ProviderVoiceID string
}

// KnowledgeItem is a file, URL, or text blob uploaded to the provider.
type KnowledgeItem struct {
	ID                 string
	TenantID           string
	ProviderDocumentID string
	Title              string
}

// ToolParam describes one entry of a Tool's query or path parameter schema.
type ToolParam struct {
	Name     string
	Required bool
}

// Tool is a tenant-owned webhook descriptor.
type Tool struct {
	ID          string
	TenantID    string
	Name        string
	Description string
	Method      string            // HTTP method
	URLTemplate string            // may contain {placeholder} fragments
	Headers     map[string]string // values may be sealed ciphertext, see internal/crypto
	QueryParams []ToolParam
	BodySchema  map[string]any // JSON-Schema, compiled with jsonschema/v6
	// ResponseVariables maps a dynamic-variable name to a field of the
	// tool's HTTP response body.
	ResponseVariables map[string]string
	TimeoutSeconds    int
	ProviderToolID    string
}

// Timeout returns the tool's configured timeout, defaulting to 30s.
func (t Tool) Timeout() time.Duration {
	if t.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// DynamicVariable is one entry of an agent's name→default variable map. The
// prompt keeps its {{name}} placeholders as-is; the provider performs the
// substitution, never this runtime.
type DynamicVariable struct {
	Name    string
	Default string
}

// TurnDetectionSettings mirrors the realtime-voice provider's VAD
// configuration, carried unchanged from the agent snapshot.
type TurnDetectionSettings struct {
	Type              string
	Threshold         float64
	SilenceDurationMs int
}

// Agent is a tenant-authored conversational configuration.
type Agent struct {
	ID       string
	TenantID string

	DisplayName string

	VoiceID string
	// LLMModel is the reference to the selected model, stored as an opaque
	// identifier; provisioning it provider-side happens outside this
	// runtime.
	LLMModel string

	TTSModel     string
	LanguageCode string

	SystemPrompt string
	FirstMessage string

	Temperature    float64
	MaxOutputToken int

	DynamicVariables []DynamicVariable
	TurnDetection    TurnDetectionSettings

	PerCallTokenCap int // 0 = unlimited

	OverallTokenCap int // 0 = unlimited
	DailyCallCap    int // 0 = unlimited

	ProviderAgentID string
	PublicDynamicID string

	ApprovedDomains []string

	Enabled bool
}

// AgentToolBinding is one ordered entry of an agent's tool bridge.
type AgentToolBinding struct {
	AgentID string
	ToolID  string
	Order   int
}

// QuotaCounters is the per-agent half of the quota ledger.
type QuotaCounters struct {
	AgentID string

	OverallUsed int64
	OverallCap  int64

	DailyUsed        int64
	DailyCap         int64
	DailyWindowStart time.Time
}

// RolledDailyUsed returns the agent's daily-used counter after applying the
// rollover rule: the daily window rolls when now - window_start >= 24h,
// with no partial rollover.
func (q QuotaCounters) RolledDailyUsed(now time.Time) (used int64, windowStart time.Time) {
	if q.DailyWindowStart.IsZero() || now.Sub(q.DailyWindowStart) >= 24*time.Hour {
		return 0, now
	}
	return q.DailyUsed, q.DailyWindowStart
}

// SessionRecord is created at admission and updated throughout the
// session's life.
type SessionRecord struct {
	ID       string
	AgentID  string
	TenantID string

	Transport TransportKind

	Language string
	Model    string
	// LanguageModelCorrected records whether the resolver rewrote an
	// incompatible language/model pair supplied by the caller.
	LanguageModelCorrected bool

	StartTime time.Time
	EndTime   time.Time

	Status           SessionStatus
	TerminationCause TerminationCause

	ProviderConversationID string

	TokensConsumed int64
	Cost           float64

	Reconciled bool
}

// Recording is one-to-one with a completed SessionRecord.
type Recording struct {
	SessionID              string
	AudioPath              string
	DurationSeconds        float64
	ProviderConversationID string
}

// TurnRole identifies the speaker of a Transcript Turn.
type TurnRole string

const (
	TurnUser  TurnRole = "user"
	TurnAgent TurnRole = "agent"
	TurnTool  TurnRole = "tool"
)

// Turn is one entry of a Transcript.
type Turn struct {
	Role              TurnRole
	Text              string
	TimeInCallSeconds float64
	Interrupted       bool
	ToolCalls         []ToolCallRecord
	ToolResults       []ToolResultRecord
}

// ToolCallRecord and ToolResultRecord capture the tool round trip for
// transcript reconstruction.
type ToolCallRecord struct {
	CorrelationToken string
	ToolName         string
	Arguments        map[string]any
}

type ToolResultRecord struct {
	CorrelationToken string
	Status           string
	Message          string
}

// Transcript is one-to-one with a Recording.
type Transcript struct {
	SessionID string
	Turns     []Turn
	Summary   string
}

// ReconciliationJobStatus tracks a job's progress through the worker pool.
type ReconciliationJobStatus string

const (
	JobPending    ReconciliationJobStatus = "pending"
	JobProcessing ReconciliationJobStatus = "processing"
	JobDone       ReconciliationJobStatus = "done"
	JobFailed     ReconciliationJobStatus = "failed"
)

// ReconciliationJob is a durable queue row enqueued when a session's bridge
// shuts down and drained by the reconciler's worker pool.
type ReconciliationJob struct {
	ID                              string
	SessionID                       string
	AgentProviderID                 string
	StartTime                       time.Time
	EndTime                         time.Time
	SessionStatus                   SessionStatus
	TentativeProviderConversationID string

	Status      ReconciliationJobStatus
	Attempts    int
	NextAttempt time.Time
	LastError   string
}
