package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/voicebridge/sessionrt/internal/crypto"
	"github.com/voicebridge/sessionrt/pkg/domain"
)

// fakeStore is an in-memory Store double, in the style of
// pkg/quota's fakeStore.
type fakeStore struct {
	tools      map[string]domain.Tool
	knowledge  []domain.KnowledgeItem
	webhookURL string
}

var errNotFound = errors.New("tool not found")

func (f *fakeStore) GetToolByAgentAndName(ctx context.Context, agentID, name string) (domain.Tool, error) {
	t, ok := f.tools[agentID+"/"+name]
	if !ok {
		return domain.Tool{}, errNotFound
	}
	return t, nil
}

func (f *fakeStore) ListAgentKnowledge(ctx context.Context, agentID string) ([]domain.KnowledgeItem, error) {
	return f.knowledge, nil
}

func (f *fakeStore) GetTenantWebhookURLForAgent(ctx context.Context, agentID string) (string, error) {
	return f.webhookURL, nil
}

type fakeVars struct {
	writes []map[string]string
}

func (f *fakeVars) SetVariables(ctx context.Context, sessionID string, vars map[string]string) {
	f.writes = append(f.writes, vars)
}

type fakeEnder struct {
	requested []string
}

func (f *fakeEnder) RequestEndCall(sessionID string) { f.requested = append(f.requested, sessionID) }

type fakeKnowledge struct {
	passages   []string
	err        error
	gotDocIDs  []string
	gotQueries []string
}

func (f *fakeKnowledge) RetrieveFromKnowledge(ctx context.Context, providerDocumentIDs []string, query string) ([]string, error) {
	f.gotDocIDs = providerDocumentIDs
	f.gotQueries = append(f.gotQueries, query)
	return f.passages, f.err
}

func newTestBox(t *testing.T) *crypto.Box {
	t.Helper()
	return crypto.NewBox("0123456789abcdef0123456789abcdef")
}

func TestDispatchEndCall(t *testing.T) {
	ender := &fakeEnder{}
	d := New(&fakeStore{}, &fakeVars{}, ender, &fakeKnowledge{}, newTestBox(t))
	d.RegisterSession("sess-1", "agent-1")

	result := d.Dispatch(context.Background(), "sess-1", "call-1", "end_call", nil)
	if result.IsError {
		t.Fatalf("expected success, got error result: %s", result.Result)
	}
	if len(ender.requested) != 1 || ender.requested[0] != "sess-1" {
		t.Fatalf("expected end-call requested for sess-1, got %v", ender.requested)
	}
}

func TestDispatchSetDynamicVariable(t *testing.T) {
	vars := &fakeVars{}
	d := New(&fakeStore{}, vars, &fakeEnder{}, &fakeKnowledge{}, newTestBox(t))
	d.RegisterSession("sess-1", "agent-1")

	result := d.Dispatch(context.Background(), "sess-1", "call-1", "set_dynamic_variable", map[string]any{"city": "Austin"})
	if result.IsError {
		t.Fatalf("expected success, got error result: %s", result.Result)
	}
	if len(vars.writes) != 1 || vars.writes[0]["city"] != "Austin" {
		t.Fatalf("expected city=Austin written, got %v", vars.writes)
	}
}

func TestDispatchSetDynamicVariableFansOutToTenantWebhook(t *testing.T) {
	received := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		received <- body
	}))
	defer srv.Close()

	store := &fakeStore{webhookURL: srv.URL}
	vars := &fakeVars{}
	d := New(store, vars, &fakeEnder{}, &fakeKnowledge{}, newTestBox(t))
	d.RegisterSession("sess-1", "agent-1")

	result := d.Dispatch(context.Background(), "sess-1", "call-1", "set_dynamic_variable", map[string]any{"city": "Austin"})
	if result.IsError {
		t.Fatalf("expected success, got error result: %s", result.Result)
	}

	select {
	case body := <-received:
		if body["session_id"] != "sess-1" {
			t.Fatalf("expected session_id=sess-1 in webhook payload, got %v", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tenant webhook was never called")
	}
}

func TestDispatchRetrieveFromKnowledgeEmpty(t *testing.T) {
	d := New(&fakeStore{}, &fakeVars{}, &fakeEnder{}, &fakeKnowledge{passages: nil}, newTestBox(t))
	d.RegisterSession("sess-1", "agent-1")

	result := d.Dispatch(context.Background(), "sess-1", "call-1", "retrieve_from_knowledge", map[string]any{"query": "refund policy"})
	if result.IsError {
		t.Fatalf("no-result retrieval should still be success, got error: %s", result.Result)
	}
}

func TestDispatchRetrieveFromKnowledgeScopesToAgentDocuments(t *testing.T) {
	store := &fakeStore{knowledge: []domain.KnowledgeItem{
		{ID: "k1", ProviderDocumentID: "doc-1"},
		{ID: "k2", ProviderDocumentID: "doc-2"},
		{ID: "k3"}, // not yet uploaded to the provider
	}}
	knowledge := &fakeKnowledge{passages: []string{"refunds take 5 days"}}
	d := New(store, &fakeVars{}, &fakeEnder{}, knowledge, newTestBox(t))
	d.RegisterSession("sess-1", "agent-1")

	result := d.Dispatch(context.Background(), "sess-1", "call-1", "retrieve_from_knowledge", map[string]any{"query": "refund policy"})
	if result.IsError {
		t.Fatalf("expected success, got error: %s", result.Result)
	}
	if len(knowledge.gotDocIDs) != 2 || knowledge.gotDocIDs[0] != "doc-1" || knowledge.gotDocIDs[1] != "doc-2" {
		t.Fatalf("expected search scoped to [doc-1 doc-2], got %v", knowledge.gotDocIDs)
	}
}

func TestDispatchRetrieveFromKnowledgeMissingQuery(t *testing.T) {
	d := New(&fakeStore{}, &fakeVars{}, &fakeEnder{}, &fakeKnowledge{}, newTestBox(t))
	d.RegisterSession("sess-1", "agent-1")

	result := d.Dispatch(context.Background(), "sess-1", "call-1", "retrieve_from_knowledge", map[string]any{})
	if !result.IsError {
		t.Fatal("expected failure for missing query argument")
	}
}

func TestDispatchWebhookSubstitutesPathAndQuery(t *testing.T) {
	var gotURL *url.URL
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURL = r.URL
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"order_status":"shipped"}`))
	}))
	defer srv.Close()

	store := &fakeStore{tools: map[string]domain.Tool{
		"agent-1/track_order": {
			Name:        "track_order",
			Method:      http.MethodGet,
			URLTemplate: srv.URL + "/orders/{order_id}",
			QueryParams: []domain.ToolParam{
				{Name: "verbose", Required: false},
				{Name: "region", Required: true},
			},
			ResponseVariables: map[string]string{"status_var": "order_status"},
		},
	}}
	vars := &fakeVars{}
	d := New(store, vars, &fakeEnder{}, &fakeKnowledge{}, newTestBox(t))
	d.RegisterSession("sess-1", "agent-1")

	result := d.Dispatch(context.Background(), "sess-1", "call-1", "track_order", map[string]any{
		"order_id": "A1 B2",
		"region":   "us-east",
	})
	if result.IsError {
		t.Fatalf("expected success, got error: %s", result.Result)
	}
	if gotURL == nil {
		t.Fatal("webhook was never called")
	}
	if gotURL.Path != "/orders/A1 B2" {
		t.Fatalf("expected path placeholder substituted, got %q", gotURL.Path)
	}
	if gotURL.Query().Get("region") != "us-east" {
		t.Fatalf("expected region=us-east in query, got %q", gotURL.RawQuery)
	}
	if gotURL.Query().Get("verbose") != "" {
		t.Fatalf("optional absent query param should not appear, got %q", gotURL.RawQuery)
	}
	if len(vars.writes) != 1 || vars.writes[0]["status_var"] != "shipped" {
		t.Fatalf("expected status_var=shipped extracted, got %v", vars.writes)
	}
}

func TestDispatchWebhookMissingRequiredQueryParam(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("webhook should not be called when a required query param is missing")
	}))
	defer srv.Close()

	store := &fakeStore{tools: map[string]domain.Tool{
		"agent-1/track_order": {
			Name:        "track_order",
			Method:      http.MethodGet,
			URLTemplate: srv.URL + "/orders/{order_id}",
			QueryParams: []domain.ToolParam{{Name: "region", Required: true}},
		},
	}}
	d := New(store, &fakeVars{}, &fakeEnder{}, &fakeKnowledge{}, newTestBox(t))
	d.RegisterSession("sess-1", "agent-1")

	result := d.Dispatch(context.Background(), "sess-1", "call-1", "track_order", map[string]any{"order_id": "A1"})
	if !result.IsError {
		t.Fatal("expected failure for missing required query param")
	}
}

func TestDispatchWebhookUnknownTool(t *testing.T) {
	d := New(&fakeStore{tools: map[string]domain.Tool{}}, &fakeVars{}, &fakeEnder{}, &fakeKnowledge{}, newTestBox(t))
	d.RegisterSession("sess-1", "agent-1")

	result := d.Dispatch(context.Background(), "sess-1", "call-1", "no_such_tool", map[string]any{})
	if !result.IsError {
		t.Fatal("expected failure for unknown tool")
	}
}

func TestDispatchWebhookUnregisteredSession(t *testing.T) {
	d := New(&fakeStore{}, &fakeVars{}, &fakeEnder{}, &fakeKnowledge{}, newTestBox(t))

	result := d.Dispatch(context.Background(), "sess-unknown", "call-1", "track_order", map[string]any{})
	if !result.IsError {
		t.Fatal("expected failure dispatching a webhook tool for an unregistered session")
	}
}
