// Package quota implements the admission check and the per-session meter
// ticker that jointly enforce the tenant token balance, the agent's overall
// and daily caps, and the per-call cap.
package quota

import (
	"context"
	"time"

	"github.com/voicebridge/sessionrt/internal/config"
	"github.com/voicebridge/sessionrt/internal/log"
	"github.com/voicebridge/sessionrt/internal/metrics"
	"github.com/voicebridge/sessionrt/pkg/agent"
	"github.com/voicebridge/sessionrt/pkg/domain"
)

// DenyReason enumerates why Admit refused a session. It is recorded for
// metrics and logged by the gateway; the transport close frame carries the
// generic message "insufficient tokens" whichever reason applies.
type DenyReason string

const (
	DenyNone            DenyReason = ""
	DenyTenantBalance   DenyReason = "tenant_token_balance"
	DenyAgentOverallCap DenyReason = "agent_overall_cap"
	DenyAgentDailyCap   DenyReason = "agent_daily_cap"
)

// Store is the subset of pkg/store's DB the enforcer needs.
type Store interface {
	GetQuotaCounters(ctx context.Context, agentID string) (domain.QuotaCounters, error)
	CommitMeterTick(ctx context.Context, tenantID, agentID string, now time.Time) (ok bool, breached string, err error)
	IncrementSessionTokens(ctx context.Context, sessionID string) error
	GetSessionTokensConsumed(ctx context.Context, sessionID string) (int64, error)
}

// Enforcer holds the store and config the two operations need.
type Enforcer struct {
	store Store
	cfg   *config.Config
}

// New constructs an Enforcer.
func New(store Store, cfg *config.Config) *Enforcer {
	return &Enforcer{store: store, cfg: cfg}
}

// Admit performs the single synchronous admission check: tenant balance
// positive, and, if configured, the agent's overall and daily caps not yet
// met. The per-call cap needs no check here: a new session's own counter
// always starts at zero.
func (e *Enforcer) Admit(ctx context.Context, snap agent.Snapshot) (DenyReason, error) {
	if snap.Tenant.TokenBalance <= 0 {
		metrics.AdmissionDenials.WithLabelValues(string(DenyTenantBalance)).Inc()
		return DenyTenantBalance, nil
	}

	counters, err := e.store.GetQuotaCounters(ctx, snap.Agent.ID)
	if err != nil {
		return DenyNone, err
	}

	if snap.Agent.OverallTokenCap > 0 && counters.OverallUsed >= int64(snap.Agent.OverallTokenCap) {
		metrics.AdmissionDenials.WithLabelValues(string(DenyAgentOverallCap)).Inc()
		return DenyAgentOverallCap, nil
	}

	if snap.Agent.DailyCallCap > 0 {
		dailyUsed, _ := counters.RolledDailyUsed(time.Now())
		if dailyUsed >= int64(snap.Agent.DailyCallCap) {
			metrics.AdmissionDenials.WithLabelValues(string(DenyAgentDailyCap)).Inc()
			return DenyAgentDailyCap, nil
		}
	}

	return DenyNone, nil
}

// Meter runs as one goroutine alongside the session's bridge. It ticks at
// cfg.MeterTickInterval(), and on each tick attempts an atomic commit
// through the store; a breach calls onBreach with the violated dimension
// and returns nil (cancellation is the caller's job, driven by the shared
// session context).
func (e *Enforcer) Meter(ctx context.Context, sessionID, tenantID, agentID string, perCallCap int, onBreach func(reason string)) error {
	interval := e.cfg.MeterTickInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if perCallCap > 0 {
				consumed, err := e.store.GetSessionTokensConsumed(ctx, sessionID)
				if err != nil {
					log.L().Error("failed to read session token counter", "session_id", sessionID, "error", err)
					continue
				}
				if consumed+1 > int64(perCallCap) {
					metrics.MeterTicks.WithLabelValues("denied").Inc()
					onBreach("per_call_cap")
					return nil
				}
			}

			ok, breached, err := e.store.CommitMeterTick(ctx, tenantID, agentID, now)
			if err != nil {
				log.L().Error("meter tick commit failed", "session_id", sessionID, "error", err)
				metrics.MeterTicks.WithLabelValues("error").Inc()
				continue
			}
			if !ok {
				metrics.MeterTicks.WithLabelValues("denied").Inc()
				onBreach(breached)
				return nil
			}
			if err := e.store.IncrementSessionTokens(ctx, sessionID); err != nil {
				log.L().Warn("failed to increment session token counter", "session_id", sessionID, "error", err)
			}
			metrics.MeterTicks.WithLabelValues("committed").Inc()
		}
	}
}
