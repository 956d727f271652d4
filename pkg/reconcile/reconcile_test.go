package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/voicebridge/sessionrt/pkg/domain"
	"github.com/voicebridge/sessionrt/pkg/provider"
)

// fakeStore is a mutex-guarded in-memory Store double.
type fakeStore struct {
	mu sync.Mutex

	jobs        []domain.ReconciliationJob
	reconciled  map[string]bool
	persisted   int
	failed      []string
	retried     []string
	completedID string
}

func newFakeStore(jobs ...domain.ReconciliationJob) *fakeStore {
	return &fakeStore{jobs: jobs, reconciled: map[string]bool{}}
}

func (f *fakeStore) ClaimNextReconciliationJob(ctx context.Context, now time.Time) (domain.ReconciliationJob, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jobs) == 0 {
		return domain.ReconciliationJob{}, false, nil
	}
	j := f.jobs[0]
	f.jobs = f.jobs[1:]
	return j, true, nil
}

func (f *fakeStore) RetryReconciliationJob(ctx context.Context, jobID string, nextAttempt time.Time, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retried = append(f.retried, jobID)
	return nil
}

func (f *fakeStore) FailReconciliationJob(ctx context.Context, jobID string, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, jobID)
	return nil
}

func (f *fakeStore) CompleteReconciliationJob(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completedID = jobID
	return nil
}

func (f *fakeStore) SessionReconciled(ctx context.Context, sessionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconciled[sessionID], nil
}

func (f *fakeStore) PersistReconciliation(ctx context.Context, providerConversationID string, rec domain.Recording, transcript domain.Transcript, cost float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.persisted++
	f.reconciled[rec.SessionID] = true
	return nil
}

func (f *fakeStore) SweepStaleReconciliationJobs(ctx context.Context, olderThan time.Time) (int, error) {
	return 0, nil
}

type fakeProvider struct {
	summaries []provider.ConversationSummary
	details   provider.ConversationDetails
	audio     []byte
	audioErr  error
}

func (f *fakeProvider) ListConversations(ctx context.Context, providerAgentID string) ([]provider.ConversationSummary, error) {
	return f.summaries, nil
}

func (f *fakeProvider) GetConversationDetails(ctx context.Context, conversationID string) (provider.ConversationDetails, error) {
	return f.details, nil
}

func (f *fakeProvider) GetConversationAudio(ctx context.Context, conversationID string) ([]byte, error) {
	return f.audio, f.audioErr
}

type fakeAudio struct {
	mu    sync.Mutex
	saved map[string][]byte
}

func newFakeAudio() *fakeAudio { return &fakeAudio{saved: map[string][]byte{}} }

func (a *fakeAudio) Put(ctx context.Context, relativePath string, data []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saved[relativePath] = data
	return relativePath, nil
}

func (a *fakeAudio) Get(ctx context.Context, storedPath string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.saved[storedPath], nil
}

func TestProcess_BindsFetchesAndPersists(t *testing.T) {
	job := domain.ReconciliationJob{
		ID:              "job-1",
		SessionID:       "sess-1",
		AgentProviderID: "agent_X",
		StartTime:       time.Now().Add(-90 * time.Second),
		EndTime:         time.Now().Add(-45 * time.Second), // already past settle delay
	}
	store := newFakeStore(job)
	prov := &fakeProvider{
		summaries: []provider.ConversationSummary{{ConversationID: "conv-1", StartTime: job.StartTime.Add(2 * time.Second)}},
		details: provider.ConversationDetails{
			ConversationID: "conv-1",
			HasAudio:       true,
			Complete:       true,
			Turns: []provider.ConversationTurn{
				{Role: "user", Text: "hi"},
				{Role: "agent", Text: "hello"},
			},
		},
		audio: []byte("RIFF...."),
	}
	audio := newFakeAudio()

	pool := New(store, prov, audio, 30*time.Millisecond, 1)
	pool.process(context.Background(), job)

	if store.persisted != 1 {
		t.Fatalf("expected 1 persisted reconciliation, got %d", store.persisted)
	}
	if store.completedID != job.ID {
		t.Fatalf("expected job %s marked complete, got %q", job.ID, store.completedID)
	}
	if len(store.failed) != 0 || len(store.retried) != 0 {
		t.Fatalf("expected no failures/retries, got failed=%v retried=%v", store.failed, store.retried)
	}
}

func TestProcess_IncompleteDetailsRetries(t *testing.T) {
	job := domain.ReconciliationJob{
		ID: "job-2", SessionID: "sess-2", AgentProviderID: "agent_X",
		StartTime: time.Now().Add(-1 * time.Minute), EndTime: time.Now().Add(-40 * time.Second),
		TentativeProviderConversationID: "conv-2",
	}
	store := newFakeStore(job)
	prov := &fakeProvider{details: provider.ConversationDetails{ConversationID: "conv-2", Complete: false}}
	audio := newFakeAudio()

	pool := New(store, prov, audio, 10*time.Millisecond, 1)
	pool.process(context.Background(), job)

	if len(store.retried) != 1 {
		t.Fatalf("expected job retried once, got %v", store.retried)
	}
	if store.persisted != 0 {
		t.Fatalf("expected no persistence on incomplete details, got %d", store.persisted)
	}
}

func TestProcess_AlreadyReconciledIsNoop(t *testing.T) {
	job := domain.ReconciliationJob{ID: "job-3", SessionID: "sess-3", EndTime: time.Now().Add(-1 * time.Minute)}
	store := newFakeStore(job)
	store.reconciled["sess-3"] = true
	pool := New(store, &fakeProvider{}, newFakeAudio(), 0, 1)

	pool.process(context.Background(), job)

	if store.persisted != 0 {
		t.Fatalf("expected no new persistence for an already-reconciled session")
	}
	if store.completedID != job.ID {
		t.Fatalf("expected idempotent completion of job %s", job.ID)
	}
}

func TestProcess_MaxAttemptsFailsPermanently(t *testing.T) {
	job := domain.ReconciliationJob{
		ID: "job-4", SessionID: "sess-4", AgentProviderID: "agent_X",
		EndTime: time.Now().Add(-1 * time.Minute), Attempts: maxAttempts - 1,
	}
	store := newFakeStore(job)
	prov := &fakeProvider{} // no conversations -> bind fails every time
	pool := New(store, prov, newFakeAudio(), 0, 1)

	pool.process(context.Background(), job)

	if len(store.failed) != 1 {
		t.Fatalf("expected job permanently failed at max attempts, got failed=%v retried=%v", store.failed, store.retried)
	}
}
