package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/voicebridge/sessionrt/internal/config"
	"github.com/voicebridge/sessionrt/pkg/domain"
)

func TestReconcileLanguageModel(t *testing.T) {
	const defaultEN = "eleven_turbo_v2"
	const defaultMulti = "eleven_turbo_v2_5"

	cases := []struct {
		name          string
		language      string
		model         string
		wantModel     string
		wantCorrected bool
	}{
		{"english with english model is unchanged", "en", "eleven_turbo_v2", "eleven_turbo_v2", false},
		{"english-GB with english flash model is unchanged", "en-GB", "eleven_flash_v2", "eleven_flash_v2", false},
		{"english with multilingual model is corrected", "en", "eleven_turbo_v2_5", defaultEN, true},
		{"english with unknown model is corrected", "en", "eleven_v9_experimental", defaultEN, true},
		{"non-english with multilingual model is unchanged", "hi", "eleven_turbo_v2_5", "eleven_turbo_v2_5", false},
		{"non-english with multilingual v2 is unchanged", "hi", "eleven_multilingual_v2", "eleven_multilingual_v2", false},
		{"non-english with english turbo model is corrected", "hi", "eleven_turbo_v2", defaultMulti, true},
		{"non-english with english flash model is corrected", "hi", "eleven_flash_v2", defaultMulti, true},
		{"non-english with unknown model is corrected", "hi", "eleven_v9_experimental", defaultMulti, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, gotModel, gotCorrected := ReconcileLanguageModel(tc.language, tc.model, defaultEN, defaultMulti)
			if gotModel != tc.wantModel {
				t.Errorf("model = %q, want %q", gotModel, tc.wantModel)
			}
			if gotCorrected != tc.wantCorrected {
				t.Errorf("corrected = %v, want %v", gotCorrected, tc.wantCorrected)
			}
		})
	}
}

// fakeStore is a mutex-free in-memory Store double; tests in this package
// are single-goroutine so no guard is needed, unlike the concurrency-facing
// fakes elsewhere in the runtime.
type fakeStore struct {
	agentsByPublic map[string]domain.Agent
	agentsByID     map[string]domain.Agent
	tenants        map[string]domain.Tenant
	voices         map[string]domain.Voice
	tools          map[string][]domain.Tool
	knowledge      map[string][]domain.KnowledgeItem
}

func (f *fakeStore) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	t, ok := f.tenants[id]
	if !ok {
		return domain.Tenant{}, errors.New("not found")
	}
	return t, nil
}

func (f *fakeStore) GetAgentByPublicDynamicID(ctx context.Context, publicID string) (domain.Agent, error) {
	a, ok := f.agentsByPublic[publicID]
	if !ok {
		return domain.Agent{}, errors.New("not found")
	}
	return a, nil
}

func (f *fakeStore) GetAgentByID(ctx context.Context, id string) (domain.Agent, error) {
	a, ok := f.agentsByID[id]
	if !ok {
		return domain.Agent{}, errors.New("not found")
	}
	return a, nil
}

func (f *fakeStore) GetVoice(ctx context.Context, id string) (domain.Voice, error) {
	v, ok := f.voices[id]
	if !ok {
		return domain.Voice{}, errors.New("not found")
	}
	return v, nil
}

func (f *fakeStore) ListAgentTools(ctx context.Context, agentID string) ([]domain.Tool, error) {
	return f.tools[agentID], nil
}

func (f *fakeStore) ListAgentKnowledge(ctx context.Context, agentID string) ([]domain.KnowledgeItem, error) {
	return f.knowledge[agentID], nil
}

func newFixture() *fakeStore {
	return &fakeStore{
		agentsByPublic: map[string]domain.Agent{
			"X": {
				ID: "agent-1", TenantID: "tenant-1", VoiceID: "voice-1",
				LanguageCode: "en", TTSModel: "eleven_turbo_v2", Enabled: true,
			},
			"disabled": {
				ID: "agent-2", TenantID: "tenant-1", VoiceID: "voice-1", Enabled: false,
			},
		},
		agentsByID: map[string]domain.Agent{
			"agent-1": {
				ID: "agent-1", TenantID: "tenant-1", VoiceID: "voice-1",
				LanguageCode: "en", TTSModel: "eleven_turbo_v2", Enabled: true,
			},
		},
		tenants: map[string]domain.Tenant{
			"tenant-1": {ID: "tenant-1", TokenBalance: 100},
		},
		voices: map[string]domain.Voice{
			"voice-1": {ID: "voice-1", TenantID: "tenant-1", Name: "default"},
		},
	}
}

func TestResolver_ResolveByPublicID_HappyPath(t *testing.T) {
	r := New(newFixture(), &config.Config{DefaultENTTSModel: "eleven_turbo_v2", DefaultMultiTTSModel: "eleven_turbo_v2_5"})

	snap, err := r.ResolveByPublicID(context.Background(), "X", "en", "")
	if err != nil {
		t.Fatalf("ResolveByPublicID: %v", err)
	}
	if snap.Agent.ID != "agent-1" {
		t.Errorf("agent id = %q, want agent-1", snap.Agent.ID)
	}
	if snap.Tenant.ID != "tenant-1" {
		t.Errorf("tenant id = %q, want tenant-1", snap.Tenant.ID)
	}
	if snap.EffectiveModel != "eleven_turbo_v2" || snap.Corrected {
		t.Errorf("effective model = %q corrected=%v, want unchanged", snap.EffectiveModel, snap.Corrected)
	}
}

func TestResolver_ResolveByPublicID_AppliesLanguageCorrection(t *testing.T) {
	r := New(newFixture(), &config.Config{DefaultENTTSModel: "eleven_turbo_v2", DefaultMultiTTSModel: "eleven_turbo_v2_5"})

	snap, err := r.ResolveByPublicID(context.Background(), "X", "hi", "eleven_turbo_v2")
	if err != nil {
		t.Fatalf("ResolveByPublicID: %v", err)
	}
	if !snap.Corrected {
		t.Error("expected correction for incompatible hi/eleven_turbo_v2 pair")
	}
	if snap.EffectiveModel != "eleven_turbo_v2_5" {
		t.Errorf("effective model = %q, want multilingual default", snap.EffectiveModel)
	}
}

func TestResolver_ResolveByPublicID_DisabledAgentRejected(t *testing.T) {
	r := New(newFixture(), &config.Config{})

	_, err := r.ResolveByPublicID(context.Background(), "disabled", "en", "")
	if !errors.Is(err, ErrAgentDisabled) {
		t.Errorf("err = %v, want ErrAgentDisabled", err)
	}
}

func TestResolver_ResolveByInternalID_UsesAgentDefaults(t *testing.T) {
	r := New(newFixture(), &config.Config{DefaultENTTSModel: "eleven_turbo_v2", DefaultMultiTTSModel: "eleven_turbo_v2_5"})

	snap, err := r.ResolveByInternalID(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("ResolveByInternalID: %v", err)
	}
	if snap.EffectiveLanguage != "en" || snap.EffectiveModel != "eleven_turbo_v2" {
		t.Errorf("got language=%q model=%q, want the agent's own defaults unchanged", snap.EffectiveLanguage, snap.EffectiveModel)
	}
}
