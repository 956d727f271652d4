package gateway

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/voicebridge/sessionrt/internal/log"
	"github.com/voicebridge/sessionrt/pkg/agent"
	"github.com/voicebridge/sessionrt/pkg/domain"
	"github.com/voicebridge/sessionrt/pkg/session"
)

// NewServer builds the fiber app exposing the gateway's three entry points:
// the browser/preview WebSocket, the telephony WebSocket, and the telephony
// voice webhook.
func NewServer(gw *Gateway, publicWSBaseURL string) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "Conversation Session Runtime",
		DisableStartupMessage: true,
	})

	app.Use("/live/ws/:agentPublicID", requireWebSocketUpgrade(gw, domain.TransportBrowser, true))
	app.Get("/live/ws/:agentPublicID", websocket.New(func(conn *websocket.Conn) {
		serveBrowserLikeSession(conn, gw, domain.TransportBrowser)
	}))

	app.Use("/preview/ws/:agentPublicID", requireWebSocketUpgrade(gw, domain.TransportPreview, false))
	app.Get("/preview/ws/:agentPublicID", websocket.New(func(conn *websocket.Conn) {
		serveBrowserLikeSession(conn, gw, domain.TransportPreview)
	}))

	app.Use("/telephony/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/telephony/ws", websocket.New(func(conn *websocket.Conn) {
		serveTelephonySession(conn, gw)
	}))

	app.Post("/telephony/voice/:agentPublicID", handleTelephonyWebhook(gw, publicWSBaseURL))

	return app
}

// requireWebSocketUpgrade resolves the agent named by the path and, for
// browser transport, checks its origin allowlist before the WebSocket
// handshake completes, so a refused caller is never upgraded; the resolved
// snapshot is handed to the upgraded handler via fiber locals.
func requireWebSocketUpgrade(gw *Gateway, kind domain.TransportKind, checkOrigin bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}

		publicID := c.Params("agentPublicID")
		snap, err := gw.ResolveByPublicID(c.Context(), publicID, "", "")
		if err != nil {
			return fiber.NewError(fiber.StatusForbidden, err.Error())
		}

		origin := c.Get("Origin")
		if checkOrigin {
			if err := gw.CheckOrigin(snap, origin); err != nil {
				return fiber.NewError(fiber.StatusForbidden, err.Error())
			}
		}

		c.Locals("snapshot", snap)
		c.Locals("origin_header", origin)
		c.Locals("user_id", c.Query("user_id"))
		return c.Next()
	}
}

// serveBrowserLikeSession handles both the browser widget and the hosted
// preview page: both speak the same JSON-framed protocol, differing only in
// the transport kind recorded on the session record and whether the origin
// allowlist was enforced during upgrade.
func serveBrowserLikeSession(conn *websocket.Conn, gw *Gateway, kind domain.TransportKind) {
	snap, _ := conn.Locals("snapshot").(agent.Snapshot)
	originHeader, _ := conn.Locals("origin_header").(string)
	userID, _ := conn.Locals("user_id").(string)

	init, err := readBrowserInit(conn)
	if err == nil && (init.Language != "" || init.Model != "") {
		reResolved, err := gw.ResolveByPublicID(context.Background(), snap.Agent.PublicDynamicID, init.Language, init.Model)
		if err == nil {
			snap = reResolved
		}
	}

	t := newBrowserTransport(conn, session.OriginInfo{
		Transport: kind, AgentPublicID: snap.Agent.PublicDynamicID, OriginHeader: originHeader,
	})

	// Acknowledged only once the provider channel is actually open:
	// conversation_ready/audio_interface_ready tell the widget it may start
	// streaming audio, and language_confirmed echoes any language/model
	// correction the resolver applied. A caller refused at admission, or
	// whose signed-URL handshake fails, never sees these frames — only the
	// error close.
	onReady := func() {
		_ = t.WriteFrame(context.Background(), session.Frame{Kind: session.FrameJSON, JSON: map[string]any{"type": "conversation_ready"}})
		_ = t.WriteFrame(context.Background(), session.Frame{Kind: session.FrameJSON, JSON: map[string]any{"type": "audio_interface_ready"}})
		_ = t.WriteFrame(context.Background(), session.Frame{Kind: session.FrameJSON, JSON: map[string]any{
			"type": "language_confirmed", "language": snap.EffectiveLanguage, "model": snap.EffectiveModel,
		}})
	}

	gw.RunSession(context.Background(), snap, t, kind, userID, onReady)
}

// serveTelephonySession handles the native telephony WebSocket: the
// provider's "start" event, read here before any transport abstraction
// exists, carries the agent's internal id and the call identifier.
func serveTelephonySession(conn *websocket.Conn, gw *Gateway) {
	origin, err := readTelephonyStart(conn)
	if err != nil {
		log.L().Warn("gateway: telephony handshake failed", "error", err)
		_ = conn.Close()
		return
	}

	kind := domain.TransportTelephonyInbound
	origin.Transport = kind

	snap, err := gw.ResolveByInternalID(context.Background(), origin.AgentInternalID)
	if err != nil {
		log.L().Warn("gateway: telephony agent resolution failed", "agent_id", origin.AgentInternalID, "error", err)
		_ = conn.Close()
		return
	}

	t := newTelephonyTransport(conn, origin)
	gw.RunSession(context.Background(), snap, t, kind, "", nil)
}

// handleTelephonyWebhook is the telephony provider's voice URL callback: it
// resolves the dialed agent and returns an instruction document directing
// the provider to open the telephony WebSocket with the agent's internal id
// attached as a custom parameter.
func handleTelephonyWebhook(gw *Gateway, publicWSBaseURL string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		publicID := c.Params("agentPublicID")
		snap, err := gw.ResolveByPublicID(c.Context(), publicID, "", "")
		if err != nil {
			return fiber.NewError(fiber.StatusNotFound, "unknown agent")
		}

		callerID := c.FormValue("From")
		c.Set(fiber.HeaderContentType, "application/xml")
		return c.SendString(webhookInstructionDocument(publicWSBaseURL+"/telephony/ws", snap.Agent.ID, callerID))
	}
}
