package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voicebridge/sessionrt/internal/config"
	"github.com/voicebridge/sessionrt/internal/log"
	"github.com/voicebridge/sessionrt/internal/metrics"
	"github.com/voicebridge/sessionrt/internal/tracing"
	"github.com/voicebridge/sessionrt/pkg/agent"
	"github.com/voicebridge/sessionrt/pkg/domain"
	"github.com/voicebridge/sessionrt/pkg/provider"
	"github.com/voicebridge/sessionrt/pkg/quota"
	"github.com/voicebridge/sessionrt/pkg/session"
)

// leaseRenewInterval is how often the active-session lease is refreshed
// while a session is live; it runs well inside leaseTTL so a brief Redis
// hiccup doesn't cost the session its slot.
const leaseRenewInterval = 10 * time.Second

// leaseTTL is how long the active-session lease is held between renewals; a
// crashed process's lease expires on its own instead of blocking the next
// caller.
const leaseTTL = 30 * time.Second

// Store is the subset of pkg/store's DB the gateway needs to create and
// close out a session record and enqueue its reconciliation job.
type Store interface {
	CreateSessionRecord(ctx context.Context, s domain.SessionRecord) error
	FinishSessionRecord(ctx context.Context, sessionID string, status domain.SessionStatus, cause domain.TerminationCause, endTime time.Time, tokensConsumed int64) error
	GetSessionTokensConsumed(ctx context.Context, sessionID string) (int64, error)
	EnqueueReconciliationJob(ctx context.Context, j domain.ReconciliationJob) error
}

// SessionRegistry lets the gateway bind a live session to its owning agent
// for the tool dispatcher and drop that binding once the session ends.
type SessionRegistry interface {
	RegisterSession(sessionID, agentID string)
	UnregisterSession(sessionID string)
}

// Gateway runs the admission pipeline common to all three transports and
// then blocks inside the provider bridge's Run for the session's lifetime.
type Gateway struct {
	cfg      *config.Config
	resolver *agent.Resolver
	enforcer *quota.Enforcer
	leases   session.Leases
	store    Store
	registry SessionRegistry
	active   *ActiveSessions
	rest     *provider.RESTClient
	tools    provider.ToolHandler
}

// New constructs a Gateway from its collaborators.
func New(cfg *config.Config, resolver *agent.Resolver, enforcer *quota.Enforcer, leases session.Leases, store Store, registry SessionRegistry, active *ActiveSessions, rest *provider.RESTClient, tools provider.ToolHandler) *Gateway {
	return &Gateway{cfg: cfg, resolver: resolver, enforcer: enforcer, leases: leases, store: store, registry: registry, active: active, rest: rest, tools: tools}
}

// AdmissionError is returned when a pre-bridge check refuses the session;
// Reason is a machine-readable code suitable for the transport close frame.
type AdmissionError struct {
	Reason string
}

func (e *AdmissionError) Error() string { return "gateway: admission refused: " + e.Reason }

func deny(reason string) error { return &AdmissionError{Reason: reason} }

// ResolveByPublicID resolves the agent named by a browser/preview path
// segment, refusing agents that were never provisioned provider-side.
func (g *Gateway) ResolveByPublicID(ctx context.Context, publicID, language, model string) (agent.Snapshot, error) {
	snap, err := g.resolver.ResolveByPublicID(ctx, publicID, language, model)
	if err != nil {
		return agent.Snapshot{}, deny("unknown_agent")
	}
	if snap.Agent.ProviderAgentID == "" {
		return agent.Snapshot{}, deny("agent_missing_provider_id")
	}
	return snap, nil
}

// ResolveByInternalID is the telephony variant: custom parameters carry the
// agent's internal id rather than its public one.
func (g *Gateway) ResolveByInternalID(ctx context.Context, agentID string) (agent.Snapshot, error) {
	snap, err := g.resolver.ResolveByInternalID(ctx, agentID)
	if err != nil {
		return agent.Snapshot{}, deny("unknown_agent")
	}
	if snap.Agent.ProviderAgentID == "" {
		return agent.Snapshot{}, deny("agent_missing_provider_id")
	}
	return snap, nil
}

// CheckOrigin enforces the browser-transport domain allowlist: the referring
// domain must appear in the agent's approved-domain set or in the globally
// configured list. Telephony and preview transports don't call this.
func (g *Gateway) CheckOrigin(snap agent.Snapshot, originHeader string) error {
	if originHeader == "" {
		return deny("missing_origin")
	}
	for _, d := range snap.Agent.ApprovedDomains {
		if matchesDomain(d, originHeader) {
			return nil
		}
	}
	for _, d := range g.cfg.ApprovedDomains {
		if matchesDomain(d, originHeader) {
			return nil
		}
	}
	return deny("origin_not_approved")
}

func matchesDomain(approved, origin string) bool {
	return approved != "" && (approved == origin || strings.Contains(origin, approved))
}

// RunSession executes the post-resolve admission steps — quota check, lease
// acquire-or-displace, session record creation — and then blocks running the
// provider bridge for the session's lifetime. It must be called after
// ResolveByPublicID/ResolveByInternalID (and, for browser, CheckOrigin) have
// already succeeded. onReady, if non-nil, fires once the provider channel
// is open, never before admission completes; a refused caller only ever
// sees an error frame.
func (g *Gateway) RunSession(ctx context.Context, snap agent.Snapshot, transport session.Transport, kind domain.TransportKind, userID string, onReady func()) {
	ctx, span := tracing.Tracer().Start(ctx, "gateway.run_session")
	defer span.End()

	sessionID := uuid.NewString()

	reason, err := g.enforcer.Admit(ctx, snap)
	if err != nil {
		log.L().Error("gateway: admission check failed", "session_id", sessionID, "error", err)
		g.closeWithError(ctx, transport, "internal error")
		return
	}
	if reason != quota.DenyNone {
		log.L().Info("gateway: admission denied", "session_id", sessionID, "agent_id", snap.Agent.ID, "reason", reason)
		g.closeWithError(ctx, transport, "insufficient tokens")
		return
	}

	leaseKey := snap.Agent.PublicDynamicID
	if leaseKey == "" {
		leaseKey = snap.Agent.ID
	}
	displaced, previous, err := g.leases.AcquireOrDisplace(ctx, leaseKey, sessionID, leaseTTL)
	if err != nil {
		log.L().Error("gateway: lease acquisition failed", "session_id", sessionID, "error", err)
		g.closeWithError(ctx, transport, "internal error")
		return
	}
	if previous != "" {
		metrics.SessionReplacements.Inc()
	}

	startTime := time.Now()
	record := domain.SessionRecord{
		ID: sessionID, AgentID: snap.Agent.ID, TenantID: snap.Tenant.ID,
		Transport: kind, Language: snap.EffectiveLanguage, Model: snap.EffectiveModel,
		LanguageModelCorrected: snap.Corrected, StartTime: startTime, Status: domain.StatusActive,
	}
	if err := g.store.CreateSessionRecord(ctx, record); err != nil {
		log.L().Error("gateway: failed to persist session record", "session_id", sessionID, "error", err)
		g.closeWithError(ctx, transport, "internal error")
		_ = g.leases.Release(ctx, leaseKey, sessionID)
		return
	}

	g.registry.RegisterSession(sessionID, snap.Agent.ID)
	defer g.registry.UnregisterSession(sessionID)
	defer func() { _ = g.leases.Release(ctx, leaseKey, sessionID) }()

	dynVars := map[string]string{
		"user_id": userID, "session_id": sessionID,
		"public_dynamic_id": snap.Agent.PublicDynamicID, "start_timestamp": startTime.UTC().Format(time.RFC3339),
	}
	for _, v := range snap.Agent.DynamicVariables {
		if _, ok := dynVars[v.Name]; !ok {
			dynVars[v.Name] = v.Default
		}
	}

	bridge := provider.NewBridge(g.rest, g.tools, g.cfg.SignedURLTimeout, g.cfg.ProviderIdleTimeout)
	handoff := provider.Handoff{
		SessionID: sessionID, Transport: transport, ProviderAgentID: snap.Agent.ProviderAgentID,
		VoiceID: snap.Voice.ProviderVoiceID, Language: snap.EffectiveLanguage, Model: snap.EffectiveModel,
		DynamicVars: dynVars, NoiseGateThreshold: snap.Agent.TurnDetection.Threshold, Displaced: displaced,
		OnReady: onReady,
	}

	// The meter ticker and lease renewal run alongside the bridge for the
	// session's lifetime, sharing its cancellable context: a quota breach
	// cancels sessionCtx, which unwinds the bridge's pumps.
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		g.enforcer.Meter(sessionCtx, sessionID, snap.Tenant.ID, snap.Agent.ID, snap.Agent.PerCallTokenCap, func(reason string) {
			log.L().Info("gateway: quota breach, terminating session", "session_id", sessionID, "reason", reason)
			bridge.RequestTermination(domain.CauseQuotaBreach)
			cancel()
		})
	}()
	go g.renewLease(sessionCtx, leaseKey, sessionID)

	g.active.register(sessionID, bridge, cancel)
	defer g.active.unregister(sessionID)

	status, err := bridge.Run(sessionCtx, handoff)
	if err != nil {
		log.L().Warn("gateway: provider bridge opening failed", "session_id", sessionID, "error", err)
		status = provider.TerminationStatus{Status: domain.StatusAbortedError, Cause: domain.CauseProviderDisconnect}
		g.closeWithError(ctx, transport, "call could not be started")
	}
	cancel()

	endTime := time.Now()
	tokensConsumed, _ := g.store.GetSessionTokensConsumed(ctx, sessionID)
	if err := g.store.FinishSessionRecord(ctx, sessionID, status.Status, status.Cause, endTime, tokensConsumed); err != nil {
		log.L().Error("gateway: failed to finalize session record", "session_id", sessionID, "error", err)
	}
	metrics.SessionsTotal.WithLabelValues(string(status.Status)).Inc()

	if status.Cause == domain.CauseReplaced {
		// A displaced caller never received audio worth transcribing;
		// replacement is silent and nothing further is reconciled or billed.
		return
	}

	job := domain.ReconciliationJob{
		ID: uuid.NewString(), SessionID: sessionID, AgentProviderID: snap.Agent.ProviderAgentID,
		StartTime: startTime, EndTime: endTime, SessionStatus: status.Status,
	}
	if err := g.store.EnqueueReconciliationJob(ctx, job); err != nil {
		log.L().Error("gateway: failed to enqueue reconciliation job", "session_id", sessionID, "error", err)
	}
}

// renewLease keeps the active-session lease alive for as long as the
// session runs.
func (g *Gateway) renewLease(ctx context.Context, key, sessionID string) {
	ticker := time.NewTicker(leaseRenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.leases.Renew(ctx, key, sessionID, leaseTTL); err != nil {
				log.L().Warn("gateway: lease renewal failed", "session_id", sessionID, "error", err)
			}
		}
	}
}

func (g *Gateway) closeWithError(ctx context.Context, transport session.Transport, message string) {
	_ = transport.WriteFrame(ctx, session.Frame{Kind: session.FrameJSON, JSON: map[string]any{"type": "error", "message": message}})
	_ = transport.Close()
}
