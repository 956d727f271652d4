// Package store is the runtime's relational persistence layer, backed by
// github.com/jackc/pgx/v5: one method set per aggregate, with the
// high-contention quota counters updated inside row-locked transactions.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voicebridge/sessionrt/pkg/domain"
)

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("store: not found")

// DB wraps a pooled pgx connection and implements every repository this
// runtime needs. Splitting repositories into separate types (TenantStore,
// AgentStore, ...) would only forward to the same pool, so DB itself
// satisfies all of them directly, the way a small service's store package
// typically does.
type DB struct {
	pool *pgxpool.Pool
}

// Open establishes the pool. Callers should defer Close.
func Open(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &DB{pool: pool}, nil
}

// Close releases the pool.
func (d *DB) Close() {
	d.pool.Close()
}

// --- Tenant -----------------------------------------------------------------

// GetTenant loads a tenant by id.
func (d *DB) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	var t domain.Tenant
	err := d.pool.QueryRow(ctx,
		`SELECT id, token_balance, COALESCE(webhook_url, '') FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.TokenBalance, &t.WebhookURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Tenant{}, ErrNotFound
	}
	return t, err
}

// DebitTenantToken atomically decrements the tenant's token balance by one,
// refusing if the result would go negative. Check-then-debit: the balance
// never dips below zero, even transiently.
func (d *DB) DebitTenantToken(ctx context.Context, tenantID string) (newBalance int64, ok bool, err error) {
	err = d.pool.QueryRow(ctx, `
		UPDATE tenants
		SET token_balance = token_balance - 1
		WHERE id = $1 AND token_balance > 0
		RETURNING token_balance
	`, tenantID).Scan(&newBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return newBalance, true, nil
}

// --- Agent -------------------------------------------------------------------

// GetAgentByPublicDynamicID resolves a browser/preview path segment to an
// Agent.
func (d *DB) GetAgentByPublicDynamicID(ctx context.Context, publicID string) (domain.Agent, error) {
	return d.getAgent(ctx, `public_dynamic_id = $1`, publicID)
}

// GetAgentByID resolves a telephony custom-parameter internal id.
func (d *DB) GetAgentByID(ctx context.Context, id string) (domain.Agent, error) {
	return d.getAgent(ctx, `id = $1`, id)
}

func (d *DB) getAgent(ctx context.Context, where string, arg any) (domain.Agent, error) {
	var a domain.Agent
	var dynVarsJSON, turnJSON, domainsJSON []byte
	query := fmt.Sprintf(`
		SELECT id, tenant_id, display_name, voice_id, llm_model, tts_model, language_code,
		       system_prompt, first_message, temperature, max_output_token,
		       dynamic_variables, turn_detection, per_call_token_cap,
		       overall_token_cap, daily_call_cap, provider_agent_id, public_dynamic_id,
		       approved_domains, enabled
		FROM agents WHERE %s`, where)
	err := d.pool.QueryRow(ctx, query, arg).Scan(
		&a.ID, &a.TenantID, &a.DisplayName, &a.VoiceID, &a.LLMModel, &a.TTSModel, &a.LanguageCode,
		&a.SystemPrompt, &a.FirstMessage, &a.Temperature, &a.MaxOutputToken,
		&dynVarsJSON, &turnJSON, &a.PerCallTokenCap,
		&a.OverallTokenCap, &a.DailyCallCap, &a.ProviderAgentID, &a.PublicDynamicID,
		&domainsJSON, &a.Enabled,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Agent{}, ErrNotFound
	}
	if err != nil {
		return domain.Agent{}, err
	}
	if len(dynVarsJSON) > 0 {
		if err := json.Unmarshal(dynVarsJSON, &a.DynamicVariables); err != nil {
			return domain.Agent{}, fmt.Errorf("store: decode dynamic_variables: %w", err)
		}
	}
	if len(turnJSON) > 0 {
		if err := json.Unmarshal(turnJSON, &a.TurnDetection); err != nil {
			return domain.Agent{}, fmt.Errorf("store: decode turn_detection: %w", err)
		}
	}
	if len(domainsJSON) > 0 {
		if err := json.Unmarshal(domainsJSON, &a.ApprovedDomains); err != nil {
			return domain.Agent{}, fmt.Errorf("store: decode approved_domains: %w", err)
		}
	}
	return a, nil
}

// ListAgentTools returns the tools bound to an agent in bridge order.
func (d *DB) ListAgentTools(ctx context.Context, agentID string) ([]domain.Tool, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT t.id, t.tenant_id, t.name, t.description, t.method, t.url_template,
		       t.headers, t.query_params, t.body_schema, t.response_variables,
		       t.timeout_seconds, t.provider_tool_id
		FROM tools t
		JOIN agent_tools at ON at.tool_id = t.id
		WHERE at.agent_id = $1
		ORDER BY at.ord ASC
	`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tools []domain.Tool
	for rows.Next() {
		var tool domain.Tool
		var headersJSON, paramsJSON, bodyJSON, respVarsJSON []byte
		if err := rows.Scan(&tool.ID, &tool.TenantID, &tool.Name, &tool.Description,
			&tool.Method, &tool.URLTemplate, &headersJSON, &paramsJSON, &bodyJSON,
			&respVarsJSON, &tool.TimeoutSeconds, &tool.ProviderToolID); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(headersJSON, &tool.Headers)
		_ = json.Unmarshal(paramsJSON, &tool.QueryParams)
		_ = json.Unmarshal(bodyJSON, &tool.BodySchema)
		_ = json.Unmarshal(respVarsJSON, &tool.ResponseVariables)
		tools = append(tools, tool)
	}
	return tools, rows.Err()
}

// GetToolByAgentAndName resolves a tenant-defined webhook tool by (agent id,
// tool name) for dispatch.
func (d *DB) GetToolByAgentAndName(ctx context.Context, agentID, name string) (domain.Tool, error) {
	tools, err := d.ListAgentTools(ctx, agentID)
	if err != nil {
		return domain.Tool{}, err
	}
	for _, t := range tools {
		if t.Name == name {
			return t, nil
		}
	}
	return domain.Tool{}, ErrNotFound
}

// ListAgentKnowledge returns the knowledge items bound to an agent.
func (d *DB) ListAgentKnowledge(ctx context.Context, agentID string) ([]domain.KnowledgeItem, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT k.id, k.tenant_id, k.provider_document_id, k.title
		FROM knowledge_items k
		JOIN agent_knowledge ak ON ak.knowledge_item_id = k.id
		WHERE ak.agent_id = $1
	`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.KnowledgeItem
	for rows.Next() {
		var k domain.KnowledgeItem
		if err := rows.Scan(&k.ID, &k.TenantID, &k.ProviderDocumentID, &k.Title); err != nil {
			return nil, err
		}
		items = append(items, k)
	}
	return items, rows.Err()
}

// GetVoice loads a Voice by id.
func (d *DB) GetVoice(ctx context.Context, id string) (domain.Voice, error) {
	var v domain.Voice
	err := d.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, provider_voice_id FROM voices WHERE id = $1`, id,
	).Scan(&v.ID, &v.TenantID, &v.Name, &v.ProviderVoiceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Voice{}, ErrNotFound
	}
	return v, err
}

// GetTenantWebhookURLForAgent resolves the owning tenant's optional outbound
// webhook URL for a given agent, for the set_dynamic_variable built-in's
// best-effort fan-out.
func (d *DB) GetTenantWebhookURLForAgent(ctx context.Context, agentID string) (string, error) {
	var webhookURL string
	err := d.pool.QueryRow(ctx, `
		SELECT COALESCE(t.webhook_url, '')
		FROM tenants t
		JOIN agents a ON a.tenant_id = t.id
		WHERE a.id = $1
	`, agentID).Scan(&webhookURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return webhookURL, err
}

// --- Quota -------------------------------------------------------------------

// GetQuotaCounters loads an agent's overall/daily counters.
func (d *DB) GetQuotaCounters(ctx context.Context, agentID string) (domain.QuotaCounters, error) {
	var q domain.QuotaCounters
	q.AgentID = agentID
	var windowStart *time.Time
	err := d.pool.QueryRow(ctx, `
		SELECT overall_used, overall_cap, daily_used, daily_cap, daily_window_start
		FROM agent_quota WHERE agent_id = $1
	`, agentID).Scan(&q.OverallUsed, &q.OverallCap, &q.DailyUsed, &q.DailyCap, &windowStart)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.QuotaCounters{AgentID: agentID}, nil
	}
	if err != nil {
		return domain.QuotaCounters{}, err
	}
	if windowStart != nil {
		q.DailyWindowStart = *windowStart
	}
	return q, nil
}

// CommitMeterTick atomically applies one meter tick's debit across the
// tenant and agent counters, rolling the daily window first if needed. It
// returns ok=false without mutating anything if any of the three limits
// would be violated: check-then-debit, so no counter ever crosses its cap.
func (d *DB) CommitMeterTick(ctx context.Context, tenantID, agentID string, now time.Time) (ok bool, breached string, err error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return false, "", err
	}
	defer tx.Rollback(ctx)

	var tenantBalance int64
	if err := tx.QueryRow(ctx, `SELECT token_balance FROM tenants WHERE id = $1 FOR UPDATE`, tenantID).Scan(&tenantBalance); err != nil {
		return false, "", err
	}
	if tenantBalance <= 0 {
		return false, "tenant_token_balance", nil
	}

	var overallUsed, overallCap, dailyUsed, dailyCap int64
	var windowStart *time.Time
	err = tx.QueryRow(ctx, `
		SELECT overall_used, overall_cap, daily_used, daily_cap, daily_window_start
		FROM agent_quota WHERE agent_id = $1 FOR UPDATE
	`, agentID).Scan(&overallUsed, &overallCap, &dailyUsed, &dailyCap, &windowStart)
	if errors.Is(err, pgx.ErrNoRows) {
		// No row yet: treat as uncapped, freshly windowed.
		overallUsed, overallCap, dailyUsed, dailyCap = 0, 0, 0, 0
	} else if err != nil {
		return false, "", err
	}

	rolled := domain.QuotaCounters{DailyUsed: dailyUsed}
	if windowStart != nil {
		rolled.DailyWindowStart = *windowStart
	}
	dailyUsed, effectiveWindowStart := rolled.RolledDailyUsed(now)

	if overallCap > 0 && overallUsed+1 > overallCap {
		return false, "agent_overall_cap", nil
	}
	if dailyCap > 0 && dailyUsed+1 > dailyCap {
		return false, "agent_daily_cap", nil
	}

	if _, err := tx.Exec(ctx, `UPDATE tenants SET token_balance = token_balance - 1 WHERE id = $1`, tenantID); err != nil {
		return false, "", err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO agent_quota (agent_id, overall_used, overall_cap, daily_used, daily_cap, daily_window_start)
		VALUES ($1, 1, $2, 1, $3, $4)
		ON CONFLICT (agent_id) DO UPDATE SET
			overall_used = agent_quota.overall_used + 1,
			daily_used = $5 + 1,
			daily_window_start = $4
	`, agentID, overallCap, dailyCap, effectiveWindowStart, dailyUsed)
	if err != nil {
		return false, "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, "", err
	}
	return true, "", nil
}

// --- Sessions ----------------------------------------------------------------

// CreateSessionRecord persists a newly admitted session.
func (d *DB) CreateSessionRecord(ctx context.Context, s domain.SessionRecord) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO session_records
			(id, agent_id, tenant_id, transport, language, model, language_model_corrected,
			 start_time, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, s.ID, s.AgentID, s.TenantID, s.Transport, s.Language, s.Model, s.LanguageModelCorrected,
		s.StartTime, domain.StatusActive)
	return err
}

// FinishSessionRecord transitions a session to its terminal state.
func (d *DB) FinishSessionRecord(ctx context.Context, sessionID string, status domain.SessionStatus, cause domain.TerminationCause, endTime time.Time, tokensConsumed int64) error {
	_, err := d.pool.Exec(ctx, `
		UPDATE session_records
		SET status = $2, termination_cause = $3, end_time = $4, tokens_consumed = $5
		WHERE id = $1
	`, sessionID, status, cause, endTime, tokensConsumed)
	return err
}

// IncrementSessionTokens bumps a session's own per-call counter in lockstep
// with the tenant/agent counters.
func (d *DB) IncrementSessionTokens(ctx context.Context, sessionID string) error {
	_, err := d.pool.Exec(ctx, `
		UPDATE session_records SET tokens_consumed = tokens_consumed + 1 WHERE id = $1
	`, sessionID)
	return err
}

// GetSessionTokensConsumed reads the session's own per-call counter.
func (d *DB) GetSessionTokensConsumed(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := d.pool.QueryRow(ctx, `SELECT tokens_consumed FROM session_records WHERE id = $1`, sessionID).Scan(&n)
	return n, err
}

// --- Reconciliation ------------------------------------------------------

// EnqueueReconciliationJob persists a job when a session's bridge shuts
// down.
func (d *DB) EnqueueReconciliationJob(ctx context.Context, j domain.ReconciliationJob) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO reconciliation_jobs
			(id, session_id, agent_provider_id, start_time, end_time, session_status,
			 tentative_provider_conversation_id, status, next_attempt)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, j.ID, j.SessionID, j.AgentProviderID, j.StartTime, j.EndTime, j.SessionStatus,
		j.TentativeProviderConversationID, domain.JobPending, j.EndTime)
	return err
}

// ClaimNextReconciliationJob atomically claims one ready job for a worker
// (`FOR UPDATE SKIP LOCKED` so the worker pool never double-processes a row).
func (d *DB) ClaimNextReconciliationJob(ctx context.Context, now time.Time) (domain.ReconciliationJob, bool, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return domain.ReconciliationJob{}, false, err
	}
	defer tx.Rollback(ctx)

	var j domain.ReconciliationJob
	err = tx.QueryRow(ctx, `
		SELECT id, session_id, agent_provider_id, start_time, end_time, session_status,
		       COALESCE(tentative_provider_conversation_id, ''), status, attempts, COALESCE(last_error, '')
		FROM reconciliation_jobs
		WHERE status = $1 AND next_attempt <= $2
		ORDER BY next_attempt ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, domain.JobPending, now).Scan(
		&j.ID, &j.SessionID, &j.AgentProviderID, &j.StartTime, &j.EndTime, &j.SessionStatus,
		&j.TentativeProviderConversationID, &j.Status, &j.Attempts, &j.LastError,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ReconciliationJob{}, false, nil
	}
	if err != nil {
		return domain.ReconciliationJob{}, false, err
	}

	if _, err := tx.Exec(ctx, `UPDATE reconciliation_jobs SET status = $2 WHERE id = $1`, j.ID, domain.JobProcessing); err != nil {
		return domain.ReconciliationJob{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.ReconciliationJob{}, false, err
	}
	j.Status = domain.JobProcessing
	return j, true, nil
}

// RetryReconciliationJob records a transient failure and reschedules with the
// caller-computed backoff.
func (d *DB) RetryReconciliationJob(ctx context.Context, jobID string, nextAttempt time.Time, lastErr string) error {
	_, err := d.pool.Exec(ctx, `
		UPDATE reconciliation_jobs
		SET status = $2, attempts = attempts + 1, next_attempt = $3, last_error = $4
		WHERE id = $1
	`, jobID, domain.JobPending, nextAttempt, lastErr)
	return err
}

// FailReconciliationJob marks a job permanently failed.
func (d *DB) FailReconciliationJob(ctx context.Context, jobID string, lastErr string) error {
	_, err := d.pool.Exec(ctx, `
		UPDATE reconciliation_jobs SET status = $2, last_error = $3 WHERE id = $1
	`, jobID, domain.JobFailed, lastErr)
	return err
}

// CompleteReconciliationJob marks a job done; idempotent on a session
// already bound to a provider conversation id.
func (d *DB) CompleteReconciliationJob(ctx context.Context, jobID string) error {
	_, err := d.pool.Exec(ctx, `UPDATE reconciliation_jobs SET status = $2 WHERE id = $1`, jobID, domain.JobDone)
	return err
}

// SweepStaleReconciliationJobs requeues jobs stuck in "processing" past a
// staleness threshold (worker crash/restart) for the cron-driven rescue
// sweep.
func (d *DB) SweepStaleReconciliationJobs(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := d.pool.Exec(ctx, `
		UPDATE reconciliation_jobs
		SET status = $1, next_attempt = now()
		WHERE status = $2 AND end_time < $3
	`, domain.JobPending, domain.JobProcessing, olderThan)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// --- Recording / Transcript -------------------------------------------------

// SessionReconciled reports whether a session already has a bound provider
// conversation id, the idempotency key for reconciliation.
func (d *DB) SessionReconciled(ctx context.Context, sessionID string) (bool, error) {
	var reconciled bool
	err := d.pool.QueryRow(ctx, `SELECT reconciled FROM session_records WHERE id = $1`, sessionID).Scan(&reconciled)
	return reconciled, err
}

// PersistReconciliation writes the Recording, Transcript, and final
// SessionRecord fields in one transaction, and is a no-op if the session
// was already reconciled.
func (d *DB) PersistReconciliation(ctx context.Context, providerConversationID string, rec domain.Recording, transcript domain.Transcript, cost float64) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var already bool
	if err := tx.QueryRow(ctx, `SELECT reconciled FROM session_records WHERE id = $1 FOR UPDATE`, rec.SessionID).Scan(&already); err != nil {
		return err
	}
	if already {
		return tx.Commit(ctx)
	}

	turnsJSON, err := json.Marshal(transcript.Turns)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO recordings (session_id, audio_path, duration_seconds, provider_conversation_id)
		VALUES ($1, $2, $3, $4)
	`, rec.SessionID, rec.AudioPath, rec.DurationSeconds, rec.ProviderConversationID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO transcripts (session_id, turns, summary) VALUES ($1, $2, $3)
	`, rec.SessionID, turnsJSON, transcript.Summary); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE session_records
		SET provider_conversation_id = $2, cost = $3, reconciled = true
		WHERE id = $1
	`, rec.SessionID, providerConversationID, cost); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
