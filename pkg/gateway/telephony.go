package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/gofiber/websocket/v2"

	"github.com/voicebridge/sessionrt/pkg/session"
)

// telephonyStartEvent is the telephony provider's "start" handshake frame:
// one of the first two text frames on the WebSocket, carrying the custom
// parameters the voice webhook attached (agent id, user id) plus a call
// identifier.
type telephonyStartEvent struct {
	Event string `json:"event"`
	Start struct {
		CallSid          string            `json:"callSid"`
		CustomParameters map[string]string `json:"customParameters"`
	} `json:"start"`
}

// ErrNotStartEvent is returned when neither of the first two telephony
// WebSocket frames is a "start" event.
var ErrNotStartEvent = errors.New("gateway: telephony handshake did not begin with a start event")

// readTelephonyStart reads up to the telephony transport's first two frames,
// stopping at the "start" event, and extracts from it the agent_id custom
// parameter and the call identifier. The user_id custom parameter is not
// read. It must be called before constructing a telephonyTransport.
func readTelephonyStart(conn *websocket.Conn) (session.OriginInfo, error) {
	for i := 0; i < 2; i++ {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return session.OriginInfo{}, err
		}
		var evt telephonyStartEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return session.OriginInfo{}, err
		}
		if evt.Event != "start" {
			continue
		}
		return session.OriginInfo{
			Transport:       "", // caller fills in inbound/outbound
			AgentInternalID: evt.Start.CustomParameters["agent_id"],
			CallSid:         evt.Start.CallSid,
		}, nil
	}
	return session.OriginInfo{}, ErrNotStartEvent
}

// telephonyTransport implements session.Transport over the telephony
// provider's native WebSocket envelope (media/mark/stop events), decoding
// its base64 audio payload into raw PCM so the provider bridge's pumps
// never need to know which transport they're serving.
type telephonyTransport struct {
	conn   *websocket.Conn
	origin session.OriginInfo
}

func newTelephonyTransport(conn *websocket.Conn, origin session.OriginInfo) *telephonyTransport {
	return &telephonyTransport{conn: conn, origin: origin}
}

func (t *telephonyTransport) Origin() session.OriginInfo { return t.origin }

func (t *telephonyTransport) ReadFrame(ctx context.Context) (session.Frame, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return session.Frame{}, err
	}

	var envelope struct {
		Event string `json:"event"`
		Media struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return session.Frame{}, err
	}

	switch envelope.Event {
	case "media":
		audio, err := base64.StdEncoding.DecodeString(envelope.Media.Payload)
		if err != nil {
			return session.Frame{}, err
		}
		return session.Frame{Kind: session.FrameAudio, Audio: audio}, nil
	case "stop":
		return session.Frame{Kind: session.FrameJSON, JSON: map[string]any{"type": "end"}}, nil
	default:
		// mark events and anything else are acknowledgements the bridge
		// doesn't act on; surface as a harmless JSON frame.
		return session.Frame{Kind: session.FrameJSON, JSON: map[string]any{"type": envelope.Event}}, nil
	}
}

func (t *telephonyTransport) WriteFrame(ctx context.Context, f session.Frame) error {
	if f.Kind != session.FrameAudio {
		// The telephony provider has no use for transcript/event frames;
		// only audio is streamed back over this transport.
		return nil
	}
	payload := map[string]any{
		"event": "media",
		"media": map[string]string{"payload": base64.StdEncoding.EncodeToString(f.Audio)},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *telephonyTransport) Close() error {
	return t.conn.Close()
}

// webhookInstructionDocument builds the small XML instruction document the
// telephony voice webhook returns, directing the provider to open a
// WebSocket back to wsURL with agentID/userID as custom parameters.
func webhookInstructionDocument(wsURL, agentID, userID string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>` +
		`<Response><Connect><Stream url="` + wsURL + `">` +
		`<Parameter name="agent_id" value="` + agentID + `"/>` +
		`<Parameter name="user_id" value="` + userID + `"/>` +
		`</Stream></Connect></Response>`
}
