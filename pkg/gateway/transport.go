// Package gateway implements the session gateway: the three transport entry
// points (browser WebSocket, telephony WebSocket, telephony webhook),
// handshake parsing and authentication, and the admission pipeline that
// runs agent resolution, the quota check, and the active-session lease
// before handing a caller to the provider bridge.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/websocket/v2"

	"github.com/voicebridge/sessionrt/pkg/session"
)

// browserTransport implements session.Transport over the browser widget's
// JSON-framed WebSocket. Audio in either direction is base64 text inside a
// JSON envelope; browserTransport strips that envelope so the provider
// bridge only ever sees raw PCM bytes.
type browserTransport struct {
	conn   *websocket.Conn
	origin session.OriginInfo
}

func newBrowserTransport(conn *websocket.Conn, origin session.OriginInfo) *browserTransport {
	return &browserTransport{conn: conn, origin: origin}
}

func (t *browserTransport) Origin() session.OriginInfo { return t.origin }

// ErrUnknownFrame is returned when a client text frame doesn't match any
// known `type` value.
var ErrUnknownFrame = errors.New("gateway: unknown frame type")

func (t *browserTransport) ReadFrame(ctx context.Context) (session.Frame, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return session.Frame{}, err
	}

	var envelope struct {
		Type     string `json:"type"`
		DataB64  string `json:"data_b64"`
		Language string `json:"language"`
		Model    string `json:"model"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return session.Frame{}, err
	}

	switch envelope.Type {
	case "user_audio_chunk":
		audio, err := base64.StdEncoding.DecodeString(envelope.DataB64)
		if err != nil {
			return session.Frame{}, err
		}
		return session.Frame{Kind: session.FrameAudio, Audio: audio}, nil
	case "conversation_init":
		return session.Frame{Kind: session.FrameJSON, JSON: map[string]any{
			"type": "conversation_init", "language": envelope.Language, "model": envelope.Model,
		}}, nil
	case "end":
		return session.Frame{Kind: session.FrameJSON, JSON: map[string]any{"type": "end"}}, nil
	default:
		return session.Frame{}, ErrUnknownFrame
	}
}

// WriteFrame serializes an outgoing Frame into the browser's JSON envelope
// shape. Audio frames become `audio_chunk` messages carrying the fixed PCM
// format the runtime always sends in.
func (t *browserTransport) WriteFrame(ctx context.Context, f session.Frame) error {
	var payload map[string]any
	switch f.Kind {
	case session.FrameAudio:
		payload = map[string]any{
			"type":        "audio_chunk",
			"sample_rate": 16000,
			"channels":    1,
			"format":      "pcm_s16le",
			"data_b64":    base64.StdEncoding.EncodeToString(f.Audio),
			"ts":          time.Now().UnixMilli(),
		}
	case session.FrameJSON:
		payload = f.JSON
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *browserTransport) Close() error {
	return t.conn.Close()
}

// browserInit is the optional first frame a browser/preview client sends
// before any audio, letting it override the agent's configured language and
// TTS model for this one call.
type browserInit struct {
	Language string
	Model    string
}

// readBrowserInit peeks the handshake's first frame. A frame that isn't a
// conversation_init (or fails to parse) is treated as "no override" — the
// caller falls back to the agent's configured defaults, matching the
// resolver's own zero-value behavior (pkg/agent/agent.go's compose).
func readBrowserInit(conn *websocket.Conn) (browserInit, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return browserInit{}, err
	}
	var envelope struct {
		Type     string `json:"type"`
		Language string `json:"language"`
		Model    string `json:"model"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return browserInit{}, err
	}
	if envelope.Type != "conversation_init" {
		return browserInit{}, ErrUnknownFrame
	}
	return browserInit{Language: envelope.Language, Model: envelope.Model}, nil
}
