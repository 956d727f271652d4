// Package session defines the transport-agnostic abstractions that let the
// gateway and the provider bridge talk to a caller without knowing whether
// it arrived over a browser WebSocket, a telephony WebSocket, or the hosted
// preview page, and the active-session coordination primitive used for
// displacement.
package session

import (
	"context"
	"time"

	"github.com/voicebridge/sessionrt/pkg/domain"
)

// Frame is one unit of traffic exchanged with a caller: either a JSON
// control/event message or a raw audio chunk, mirroring the two frame
// shapes the realtime-voice provider's own WebSocket protocol uses.
type Frame struct {
	Kind  FrameKind
	JSON  map[string]any
	Audio []byte
}

// FrameKind distinguishes the two Frame payload shapes.
type FrameKind string

const (
	FrameJSON  FrameKind = "json"
	FrameAudio FrameKind = "audio"
)

// OriginInfo is the caller-supplied context a Transport exposes before the
// session is admitted: the path/webhook parameters the gateway needs to
// resolve an agent and check an approved origin.
type OriginInfo struct {
	Transport        domain.TransportKind
	AgentPublicID    string // browser/preview path segment
	AgentInternalID  string // telephony custom parameter
	OriginHeader     string // browser Origin header, checked against Agent.ApprovedDomains
	CallSid          string // telephony call identifier, present for telephony transports
	DynamicVariables map[string]string
}

// Transport is the polymorphic boundary between the gateway/bridge and the
// three wire protocols. Every concrete transport (browser WS, telephony WS,
// preview page) implements this with its own framing and keepalive rules.
type Transport interface {
	Origin() OriginInfo
	ReadFrame(ctx context.Context) (Frame, error)
	WriteFrame(ctx context.Context, f Frame) error
	Close() error
}

// Leases is the shared coordination primitive behind the single-writer
// active-session map: one live session per agent public dynamic id,
// enforced whether the runtime is a single process or a fleet behind a
// Redis-backed lock. If a session is already active for key,
// AcquireOrDisplace signals its displaced channel and grants the new lease
// at once; it does not wait for the displaced session to tear down.
type Leases interface {
	// AcquireOrDisplace grants a lease for key to sessionID, returning a
	// channel that is closed if a later call displaces this lease, and the
	// previously held sessionID if one existed (empty if none).
	AcquireOrDisplace(ctx context.Context, key, sessionID string, ttl time.Duration) (displaced <-chan struct{}, previous string, err error)
	// Renew extends a held lease's TTL; called by the control loop alongside
	// the meter ticker so a crashed process's lease still expires.
	Renew(ctx context.Context, key, sessionID string, ttl time.Duration) error
	// Release drops a lease early, e.g. on graceful session termination. It
	// is a no-op if sessionID no longer holds the lease.
	Release(ctx context.Context, key, sessionID string) error
}
