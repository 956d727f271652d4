package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/voicebridge/sessionrt/internal/log"
	"github.com/voicebridge/sessionrt/internal/metrics"
	"github.com/voicebridge/sessionrt/internal/tracing"
	"github.com/voicebridge/sessionrt/pkg/domain"
	"github.com/voicebridge/sessionrt/pkg/session"
)

// ToolHandler is implemented by the tool dispatcher; the bridge calls it for
// every tool_call event and writes its ToolResult back to the provider,
// carrying the original correlation token.
type ToolHandler interface {
	Dispatch(ctx context.Context, sessionID string, toolCallID, toolName string, args map[string]any) ToolResult
}

// Handoff is everything the gateway has already resolved by the time it
// calls into the bridge.
type Handoff struct {
	SessionID       string
	Transport       session.Transport
	ProviderAgentID string
	VoiceID         string
	Language        string
	Model           string
	DynamicVars     map[string]string
	// NoiseGateThreshold, when positive, drops caller audio frames whose
	// mean amplitude falls below this fraction of full scale before they
	// reach the provider.
	NoiseGateThreshold float64
	Displaced          <-chan struct{} // closed when a newer session takes this agent's slot
	// OnReady, if set, is invoked once the provider channel is open and the
	// initiation payload has been accepted — the first moment the caller
	// may be told the conversation is live. A refused or unreachable
	// session never fires it.
	OnReady func()
}

// Bridge owns one provider WebSocket connection for a session's lifetime and
// runs the ingress/egress/displacement activities as one errgroup.Group
// under a shared cancellable context.
type Bridge struct {
	rest        *RESTClient
	tools       ToolHandler
	timeout     time.Duration // signed-URL and dial timeout
	idleTimeout time.Duration // provider read deadline; absence of frames past this is a disconnect

	mu         sync.Mutex
	transcript []domain.Turn

	status TerminationStatus
}

// TerminationStatus is the outcome the session settles on, reported back to
// the gateway for the session record and the reconciliation enqueue.
type TerminationStatus struct {
	Status domain.SessionStatus
	Cause  domain.TerminationCause
}

// NewBridge constructs a Bridge.
func NewBridge(rest *RESTClient, tools ToolHandler, signedURLTimeout, idleTimeout time.Duration) *Bridge {
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	return &Bridge{rest: rest, tools: tools, timeout: signedURLTimeout, idleTimeout: idleTimeout}
}

// Run opens the provider channel and blocks until the session ends,
// returning the terminal status. ctx is the session's own cancellable
// context; the quota meter cancels it on breach.
func (b *Bridge) Run(ctx context.Context, h Handoff) (TerminationStatus, error) {
	handshakeCtx, span := tracing.Tracer().Start(ctx, "provider.opening_handshake")
	signedURL, err := b.rest.GetSignedURL(handshakeCtx, h.ProviderAgentID, b.timeout)
	if err != nil {
		span.End()
		return TerminationStatus{}, fmt.Errorf("provider: opening handshake: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: b.timeout}
	conn, resp, err := dialer.DialContext(handshakeCtx, signedURL, http.Header{})
	span.End()
	if err != nil {
		if resp != nil {
			return TerminationStatus{}, NewConnectionError(fmt.Sprintf("dial failed with status %d", resp.StatusCode), err, resp.StatusCode >= 500)
		}
		return TerminationStatus{}, NewConnectionError("dial failed", err, true)
	}
	defer conn.Close()

	init := InitiationPayload{
		ConversationConfigOverride: ConversationConfigOverride{Agent: AgentOverride{Language: h.Language}},
		ExtraBody:                  ExtraBody{Model: h.Model, VoiceID: h.VoiceID},
		DynamicVariables:           h.DynamicVars,
	}
	payload, err := json.Marshal(init)
	if err != nil {
		return TerminationStatus{}, fmt.Errorf("provider: marshal initiation payload: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return TerminationStatus{}, NewConnectionError("send initiation failed", err, true)
	}

	if h.OnReady != nil {
		h.OnReady()
	}

	metrics.ActiveSessions.WithLabelValues(string(h.Transport.Origin().Transport)).Inc()
	defer metrics.ActiveSessions.WithLabelValues(string(h.Transport.Origin().Transport)).Dec()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(sessionCtx)

	g.Go(b.guard("ingress", h.SessionID, func() error { return b.ingressPump(gctx, conn, h) }))
	g.Go(b.guard("egress", h.SessionID, func() error { return b.egressPump(gctx, conn, h) }))
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-h.Displaced:
			b.setStatus(domain.StatusCompleted, domain.CauseReplaced)
			b.sendReplacedNotice(gctx, h.Transport)
			cancel()
			return nil
		}
	})

	_ = g.Wait()

	b.mu.Lock()
	status := b.status
	b.mu.Unlock()
	if status.Status == "" {
		status = TerminationStatus{Status: domain.StatusCompleted, Cause: domain.CauseCallerDisconnect}
	}
	return status, nil
}

// errPumpPanicked makes a recovered pump panic cancel the errgroup, so the
// other pump doesn't keep running against a half-dead session.
var errPumpPanicked = fmt.Errorf("provider: pump panicked")

// guard confines a pump panic to its own session: the panic is logged, the
// session aborts, and no other session is affected.
func (b *Bridge) guard(name, sessionID string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.L().Error("session pump panicked", "pump", name, "session_id", sessionID, "panic", r)
				b.setStatus(domain.StatusAbortedError, domain.CauseTransportError)
				err = errPumpPanicked
			}
		}()
		return fn()
	}
}

func (b *Bridge) setStatus(status domain.SessionStatus, cause domain.TerminationCause) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status.Status == "" {
		b.status = TerminationStatus{Status: status, Cause: cause}
	}
}

// RequestTermination lets an external signal (the quota meter, the end_call
// tool) cut the session short with a specific cause. The caller is expected
// to cancel the context it passed to Run immediately after.
func (b *Bridge) RequestTermination(cause domain.TerminationCause) {
	status := domain.StatusCompleted
	if cause == domain.CauseProviderError || cause == domain.CauseTransportError {
		status = domain.StatusAbortedError
	}
	if cause == domain.CauseQuotaBreach {
		status = domain.StatusAbortedQuota
	}
	b.setStatus(status, cause)
}

// Transcript returns the in-memory ordered turn sequence collected during
// the call. It is a liveness aid only; the reconciler persists from the
// provider's authoritative copy, never from this slice.
func (b *Bridge) Transcript() []domain.Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Turn, len(b.transcript))
	copy(out, b.transcript)
	return out
}

func (b *Bridge) appendTurn(turn domain.Turn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transcript = append(b.transcript, turn)
}

// markLastAgentTurnInterrupted flags the most recent agent turn when the
// provider reports the caller talked over it.
func (b *Bridge) markLastAgentTurnInterrupted() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.transcript) - 1; i >= 0; i-- {
		if b.transcript[i].Role == domain.TurnAgent {
			b.transcript[i].Interrupted = true
			return
		}
	}
}

// ingressPump reads caller frames and forwards audio to the provider.
func (b *Bridge) ingressPump(ctx context.Context, conn *websocket.Conn, h Handoff) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		frame, err := h.Transport.ReadFrame(ctx)
		if err != nil {
			b.setStatus(domain.StatusCompleted, domain.CauseCallerDisconnect)
			return nil
		}

		if frame.Kind != session.FrameAudio {
			if frame.JSON["type"] == "end" {
				b.setStatus(domain.StatusCompleted, domain.CauseCallerDisconnect)
				return nil
			}
			continue
		}

		if h.NoiseGateThreshold > 0 && belowNoiseGate(frame.Audio, h.NoiseGateThreshold) {
			continue
		}

		msg := map[string]string{"user_audio_chunk": base64.StdEncoding.EncodeToString(frame.Audio)}
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			b.setStatus(domain.StatusAbortedError, domain.CauseTransportError)
			return nil
		}
	}
}

// egressPump reads provider frames, forwards audio to the caller, and
// dispatches event frames (transcripts, tool calls, latency reports,
// errors).
func (b *Bridge) egressPump(ctx context.Context, conn *websocket.Conn, h Handoff) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(b.idleTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.setStatus(domain.StatusCompleted, domain.CauseProviderDisconnect)
			} else {
				b.setStatus(domain.StatusAbortedError, domain.CauseProviderError)
			}
			return nil
		}

		evt, err := parseEvent(data)
		if err != nil {
			log.L().Warn("failed to parse provider event", "session_id", h.SessionID, "error", err)
			continue
		}

		switch evt.Kind {
		case EventAudio:
			audio, err := base64.StdEncoding.DecodeString(evt.AudioBase64)
			if err != nil {
				continue
			}
			_ = h.Transport.WriteFrame(ctx, session.Frame{Kind: session.FrameAudio, Audio: audio})

		case EventUserTranscript:
			if evt.IsFinal {
				b.appendTurn(domain.Turn{Role: domain.TurnUser, Text: evt.Text})
			}
			_ = h.Transport.WriteFrame(ctx, session.Frame{Kind: session.FrameJSON, JSON: map[string]any{"type": "user_transcript", "text": evt.Text}})

		case EventAgentResponse:
			if evt.IsFinal {
				b.appendTurn(domain.Turn{Role: domain.TurnAgent, Text: evt.Text})
			}
			_ = h.Transport.WriteFrame(ctx, session.Frame{Kind: session.FrameJSON, JSON: map[string]any{"type": "agent_response", "text": evt.Text}})

		case EventInterruption:
			b.markLastAgentTurnInterrupted()

		case EventLatencyMeasurement:
			_ = h.Transport.WriteFrame(ctx, session.Frame{Kind: session.FrameJSON, JSON: map[string]any{"type": "latency_measurement", "latency_ms": evt.LatencyMs}})

		case EventToolCall:
			go b.handleToolCall(ctx, conn, h, evt)

		case EventError:
			_ = h.Transport.WriteFrame(ctx, session.Frame{Kind: session.FrameJSON, JSON: map[string]any{"type": "error", "message": evt.ErrorMessage}})
			b.setStatus(domain.StatusAbortedError, domain.CauseProviderError)
			return nil

		case EventPing:
			pong, _ := json.Marshal(map[string]any{"type": "pong", "event_id": evt.PingEventID})
			_ = conn.WriteMessage(websocket.TextMessage, pong)
		}
	}
}

func (b *Bridge) handleToolCall(ctx context.Context, conn *websocket.Conn, h Handoff, evt Event) {
	result := b.tools.Dispatch(ctx, h.SessionID, evt.ToolCallID, evt.ToolName, evt.Arguments)

	b.appendTurn(domain.Turn{
		Role: domain.TurnTool,
		ToolCalls: []domain.ToolCallRecord{{
			CorrelationToken: evt.ToolCallID,
			ToolName:         evt.ToolName,
			Arguments:        evt.Arguments,
		}},
		ToolResults: []domain.ToolResultRecord{{
			CorrelationToken: result.ToolCallID,
			Status:           statusLabel(result.IsError),
			Message:          result.Result,
		}},
	})

	msg := map[string]any{
		"type":         "client_tool_result",
		"tool_call_id": result.ToolCallID,
		"result":       result.Result,
		"is_error":     result.IsError,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func statusLabel(isError bool) string {
	if isError {
		return "error"
	}
	return "success"
}

func (b *Bridge) sendReplacedNotice(ctx context.Context, t session.Transport) {
	_ = t.WriteFrame(ctx, session.Frame{Kind: session.FrameJSON, JSON: map[string]any{"type": "session_replaced"}})
	_ = t.Close()
}

// parseEvent decodes a raw provider WebSocket frame into an Event, handling
// both the flat and nested message shapes the provider emits.
func parseEvent(data []byte) (Event, error) {
	var raw struct {
		Type       string         `json:"type"`
		Audio      string         `json:"audio"`
		Text       string         `json:"text"`
		IsFinal    bool           `json:"is_final"`
		ToolCallID string         `json:"tool_call_id"`
		ToolName   string         `json:"tool_name"`
		Parameters map[string]any `json:"parameters"`
		LatencyMs  int            `json:"latency_ms"`
		Code       string         `json:"code"`
		Message    string         `json:"message"`

		AudioEvent *struct {
			AudioBase64 string `json:"audio_base_64"`
		} `json:"audio_event"`
		PingEvent *struct {
			EventID int `json:"event_id"`
			PingMs  int `json:"ping_ms"`
		} `json:"ping_event"`
		ClientToolCall *struct {
			ToolName   string         `json:"tool_name"`
			ToolCallID string         `json:"tool_call_id"`
			Parameters map[string]any `json:"parameters"`
		} `json:"client_tool_call"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, err
	}

	evt := Event{Kind: EventKind(raw.Type), Text: raw.Text, IsFinal: raw.IsFinal}
	switch evt.Kind {
	case EventAudio:
		evt.AudioBase64 = raw.Audio
		if raw.AudioEvent != nil && raw.AudioEvent.AudioBase64 != "" {
			evt.AudioBase64 = raw.AudioEvent.AudioBase64
		}
	case EventToolCall, "client_tool_call":
		evt.Kind = EventToolCall
		evt.ToolCallID, evt.ToolName, evt.Arguments = raw.ToolCallID, raw.ToolName, raw.Parameters
		if raw.ClientToolCall != nil {
			evt.ToolCallID = raw.ClientToolCall.ToolCallID
			evt.ToolName = raw.ClientToolCall.ToolName
			evt.Arguments = raw.ClientToolCall.Parameters
		}
	case EventLatencyMeasurement:
		evt.LatencyMs = raw.LatencyMs
	case EventError:
		evt.ErrorCode, evt.ErrorMessage = raw.Code, raw.Message
	case EventPing:
		if raw.PingEvent != nil {
			evt.PingEventID = raw.PingEvent.EventID
		}
	}
	return evt, nil
}
