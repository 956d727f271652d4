// Package reconcile implements the post-call reconciler: a small pool of
// workers draining the durable reconciliation queue, binding each finished
// session to its provider conversation, and persisting the authoritative
// transcript and audio recording.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/voicebridge/sessionrt/internal/log"
	"github.com/voicebridge/sessionrt/internal/metrics"
	"github.com/voicebridge/sessionrt/internal/tracing"
	"github.com/voicebridge/sessionrt/pkg/audiostore"
	"github.com/voicebridge/sessionrt/pkg/domain"
	"github.com/voicebridge/sessionrt/pkg/provider"
)

const (
	maxAttempts     = 5
	baseBackoff     = 10 * time.Second
	maxBackoff      = 5 * time.Minute
	startWindow     = 5 * time.Minute
	pollIdleSleep   = 2 * time.Second
	audioFetchTimeo = 60 * time.Second
)

// Store is the subset of pkg/store's DB the worker pool needs.
type Store interface {
	ClaimNextReconciliationJob(ctx context.Context, now time.Time) (domain.ReconciliationJob, bool, error)
	RetryReconciliationJob(ctx context.Context, jobID string, nextAttempt time.Time, lastErr string) error
	FailReconciliationJob(ctx context.Context, jobID string, lastErr string) error
	CompleteReconciliationJob(ctx context.Context, jobID string) error
	SessionReconciled(ctx context.Context, sessionID string) (bool, error)
	PersistReconciliation(ctx context.Context, providerConversationID string, rec domain.Recording, transcript domain.Transcript, cost float64) error
	SweepStaleReconciliationJobs(ctx context.Context, olderThan time.Time) (int, error)
}

// ConversationClient is the subset of provider.RESTClient the reconciler
// needs.
type ConversationClient interface {
	ListConversations(ctx context.Context, providerAgentID string) ([]provider.ConversationSummary, error)
	GetConversationDetails(ctx context.Context, conversationID string) (provider.ConversationDetails, error)
	GetConversationAudio(ctx context.Context, conversationID string) ([]byte, error)
}

// Pool is the worker pool draining the reconciliation queue, shared across
// all sessions.
type Pool struct {
	store       Store
	provider    ConversationClient
	audio       audiostore.Store
	settleDelay time.Duration
	numWorkers  int
}

// New constructs a Pool with numWorkers concurrent workers.
func New(store Store, providerClient ConversationClient, audio audiostore.Store, settleDelay time.Duration, numWorkers int) *Pool {
	if numWorkers <= 0 {
		numWorkers = 3
	}
	return &Pool{store: store, provider: providerClient, audio: audio, settleDelay: settleDelay, numWorkers: numWorkers}
}

// Run starts numWorkers goroutines that drain the queue until ctx is
// cancelled.
func (p *Pool) Run(ctx context.Context) {
	for i := 0; i < p.numWorkers; i++ {
		go p.workerLoop(ctx, i)
	}
	<-ctx.Done()
}

func (p *Pool) workerLoop(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, ok, err := p.store.ClaimNextReconciliationJob(ctx, time.Now())
		if err != nil {
			log.L().Error("reconcile: claim job failed", "worker", id, "error", err)
			sleep(ctx, pollIdleSleep)
			continue
		}
		if !ok {
			sleep(ctx, pollIdleSleep)
			continue
		}

		p.process(ctx, job)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// process runs one job to completion: settle-wait, bind, fetch, persist.
func (p *Pool) process(ctx context.Context, job domain.ReconciliationJob) {
	ctx, span := tracing.Tracer().Start(ctx, "reconcile.process_job")
	defer span.End()

	if since := time.Since(job.EndTime); since < p.settleDelay {
		time.Sleep(p.settleDelay - since)
	}

	already, err := p.store.SessionReconciled(ctx, job.SessionID)
	if err == nil && already {
		// A prior attempt (or the stale-job sweep re-enqueuing a processed
		// job) already bound this session. No-op.
		_ = p.store.CompleteReconciliationJob(ctx, job.ID)
		metrics.ReconciliationJobs.WithLabelValues("noop_already_reconciled").Inc()
		return
	}

	conversationID := job.TentativeProviderConversationID
	if conversationID == "" {
		conversationID, err = p.bindConversation(ctx, job)
		if err != nil {
			p.retryOrFail(ctx, job, fmt.Sprintf("bind conversation: %v", err))
			return
		}
	}

	details, err := p.provider.GetConversationDetails(ctx, conversationID)
	if err != nil {
		p.retryOrFail(ctx, job, fmt.Sprintf("fetch conversation details: %v", err))
		return
	}
	if !details.Complete {
		p.retryOrFail(ctx, job, "conversation details incomplete")
		return
	}

	audioPath := ""
	if details.HasAudio {
		audioPath = p.downloadAudio(ctx, job.SessionID, conversationID)
	}

	turns := make([]domain.Turn, 0, len(details.Turns))
	for _, t := range details.Turns {
		turns = append(turns, convertTurn(t))
	}

	rec := domain.Recording{
		SessionID:              job.SessionID,
		AudioPath:              audioPath,
		DurationSeconds:        details.DurationSecs,
		ProviderConversationID: conversationID,
	}
	transcript := domain.Transcript{SessionID: job.SessionID, Turns: turns, Summary: details.Summary}

	if err := p.store.PersistReconciliation(ctx, conversationID, rec, transcript, details.Cost); err != nil {
		p.retryOrFail(ctx, job, fmt.Sprintf("persist reconciliation: %v", err))
		return
	}

	if err := p.store.CompleteReconciliationJob(ctx, job.ID); err != nil {
		log.L().Error("reconcile: mark job done failed", "job_id", job.ID, "error", err)
	}
	metrics.ReconciliationJobs.WithLabelValues("done").Inc()
}

// bindConversation lists recent conversations for the agent and selects the
// one whose start time is within five minutes of the session's own start
// time.
func (p *Pool) bindConversation(ctx context.Context, job domain.ReconciliationJob) (string, error) {
	summaries, err := p.provider.ListConversations(ctx, job.AgentProviderID)
	if err != nil {
		return "", err
	}
	var best string
	bestDelta := math.MaxFloat64
	for _, s := range summaries {
		delta := math.Abs(s.StartTime.Sub(job.StartTime).Seconds())
		if delta <= startWindow.Seconds() && delta < bestDelta {
			best, bestDelta = s.ConversationID, delta
		}
	}
	if best == "" {
		return "", errors.New("no conversation found within the start-time window")
	}
	return best, nil
}

func (p *Pool) downloadAudio(ctx context.Context, sessionID, conversationID string) string {
	dlCtx, cancel := context.WithTimeout(ctx, audioFetchTimeo)
	defer cancel()

	data, err := p.provider.GetConversationAudio(dlCtx, conversationID)
	if err != nil {
		log.L().Warn("reconcile: audio download failed, leaving audio path empty", "session_id", sessionID, "error", err)
		return ""
	}

	relativePath := fmt.Sprintf("elevenlabs_conversations/%s_%s.wav", sessionID, time.Now().UTC().Format("20060102_150405"))
	stored, err := p.audio.Put(ctx, relativePath, data)
	if err != nil {
		log.L().Warn("reconcile: audio write failed, leaving audio path empty", "session_id", sessionID, "error", err)
		return ""
	}
	return stored
}

// retryOrFail reschedules a transiently failed job with capped exponential
// backoff up to maxAttempts; beyond that the job is marked permanently
// failed and the session record keeps its terminal status with no
// transcript or recording.
func (p *Pool) retryOrFail(ctx context.Context, job domain.ReconciliationJob, reason string) {
	if job.Attempts+1 >= maxAttempts {
		if err := p.store.FailReconciliationJob(ctx, job.ID, reason); err != nil {
			log.L().Error("reconcile: mark job failed failed", "job_id", job.ID, "error", err)
		}
		metrics.ReconciliationJobs.WithLabelValues("failed").Inc()
		log.L().Warn("reconcile: job permanently failed", "job_id", job.ID, "session_id", job.SessionID, "reason", reason)
		return
	}

	backoff := time.Duration(float64(baseBackoff) * math.Pow(2, float64(job.Attempts)))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	if err := p.store.RetryReconciliationJob(ctx, job.ID, time.Now().Add(backoff), reason); err != nil {
		log.L().Error("reconcile: reschedule job failed", "job_id", job.ID, "error", err)
	}
	metrics.ReconciliationJobs.WithLabelValues("retried").Inc()
}

func convertTurn(t provider.ConversationTurn) domain.Turn {
	turn := domain.Turn{
		Role:              domain.TurnRole(t.Role),
		Text:              t.Text,
		TimeInCallSeconds: t.TimeInCallSeconds,
		Interrupted:       t.Interrupted,
	}
	for _, tc := range t.ToolCalls {
		turn.ToolCalls = append(turn.ToolCalls, domain.ToolCallRecord{
			CorrelationToken: tc.CorrelationToken,
			ToolName:         tc.ToolName,
			Arguments:        tc.Arguments,
		})
	}
	for _, tr := range t.ToolResults {
		turn.ToolResults = append(turn.ToolResults, domain.ToolResultRecord{
			CorrelationToken: tr.CorrelationToken,
			Status:           tr.Status,
			Message:          tr.Message,
		})
	}
	return turn
}
