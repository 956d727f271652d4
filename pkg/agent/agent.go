// Package agent loads an agent's full runtime descriptor from the
// relational store and composes it into an immutable per-session snapshot,
// applying the language/model compatibility rule along the way.
package agent

import (
	"context"
	"fmt"

	"github.com/voicebridge/sessionrt/internal/config"
	"github.com/voicebridge/sessionrt/pkg/domain"
)

// englishCodes is the set of language codes the TTS compatibility rule
// treats as "English".
var englishCodes = map[string]bool{
	"en":    true,
	"en-US": true,
	"en-GB": true,
}

// Store is the subset of pkg/store's DB that the resolver needs, narrowed so
// this package doesn't depend on pgx directly.
type Store interface {
	GetTenant(ctx context.Context, id string) (domain.Tenant, error)
	GetAgentByPublicDynamicID(ctx context.Context, publicID string) (domain.Agent, error)
	GetAgentByID(ctx context.Context, id string) (domain.Agent, error)
	GetVoice(ctx context.Context, id string) (domain.Voice, error)
	ListAgentTools(ctx context.Context, agentID string) ([]domain.Tool, error)
	ListAgentKnowledge(ctx context.Context, agentID string) ([]domain.KnowledgeItem, error)
}

// Snapshot is the immutable, per-session copy of an Agent and its related
// objects: a plain value type, no pointers back into mutable store state,
// so later CRUD mutations never affect an in-flight session.
type Snapshot struct {
	Agent     domain.Agent
	Tenant    domain.Tenant
	Voice     domain.Voice
	Tools     []domain.Tool
	Knowledge []domain.KnowledgeItem

	// EffectiveLanguage and EffectiveModel are the values actually sent to
	// the provider after compatibility correction; Corrected records
	// whether a rewrite happened, for SessionRecord.LanguageModelCorrected.
	EffectiveLanguage string
	EffectiveModel    string
	Corrected         bool
}

// Resolver loads agents and composes snapshots.
type Resolver struct {
	store Store
	cfg   *config.Config
}

// New constructs a Resolver.
func New(store Store, cfg *config.Config) *Resolver {
	return &Resolver{store: store, cfg: cfg}
}

// ErrAgentDisabled is returned when a resolved agent has Enabled == false.
var ErrAgentDisabled = fmt.Errorf("agent: agent is disabled")

// ResolveByPublicID loads an agent by its widget-facing public dynamic id
// (browser/preview transports) and composes a snapshot, applying the
// caller's requested language/model.
func (r *Resolver) ResolveByPublicID(ctx context.Context, publicID, requestedLanguage, requestedModel string) (Snapshot, error) {
	a, err := r.store.GetAgentByPublicDynamicID(ctx, publicID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("agent: resolve by public id: %w", err)
	}
	return r.compose(ctx, a, requestedLanguage, requestedModel)
}

// ResolveByInternalID loads an agent by its internal id, the form telephony
// custom parameters carry.
func (r *Resolver) ResolveByInternalID(ctx context.Context, agentID string) (Snapshot, error) {
	a, err := r.store.GetAgentByID(ctx, agentID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("agent: resolve by id: %w", err)
	}
	// Telephony never supplies a conversation_init override; the snapshot's
	// own configured language/model are the request.
	return r.compose(ctx, a, a.LanguageCode, a.TTSModel)
}

func (r *Resolver) compose(ctx context.Context, a domain.Agent, requestedLanguage, requestedModel string) (Snapshot, error) {
	if !a.Enabled {
		return Snapshot{}, ErrAgentDisabled
	}

	tenant, err := r.store.GetTenant(ctx, a.TenantID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("agent: load tenant: %w", err)
	}
	voice, err := r.store.GetVoice(ctx, a.VoiceID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("agent: load voice: %w", err)
	}
	tools, err := r.store.ListAgentTools(ctx, a.ID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("agent: load tools: %w", err)
	}
	knowledge, err := r.store.ListAgentKnowledge(ctx, a.ID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("agent: load knowledge: %w", err)
	}

	language := requestedLanguage
	if language == "" {
		language = a.LanguageCode
	}
	model := requestedModel
	if model == "" {
		model = a.TTSModel
	}

	effLanguage, effModel, corrected := ReconcileLanguageModel(language, model, r.cfg.DefaultENTTSModel, r.cfg.DefaultMultiTTSModel)

	return Snapshot{
		Agent:             a,
		Tenant:            tenant,
		Voice:             voice,
		Tools:             tools,
		Knowledge:         knowledge,
		EffectiveLanguage: effLanguage,
		EffectiveModel:    effModel,
		Corrected:         corrected,
	}, nil
}

// englishModels and multilingualModels are the two closed families of TTS
// realtime models. Compatibility is membership in the family matching the
// effective language; a model outside its language's family — including one
// in neither list — is always corrected.
var englishModels = map[string]bool{
	"eleven_turbo_v2": true,
	"eleven_flash_v2": true,
}

var multilingualModels = map[string]bool{
	"eleven_turbo_v2_5":      true,
	"eleven_flash_v2_5":      true,
	"eleven_multilingual_v2": true,
}

// ReconcileLanguageModel applies the language/model compatibility rule: an
// English language code requires a model from the English family; any other
// language requires one from the multilingual family. An incompatible pair
// is auto-corrected to the configured default for that language family, and
// corrected is true whenever a rewrite happened.
func ReconcileLanguageModel(language, model, defaultEN, defaultMulti string) (effLanguage, effModel string, corrected bool) {
	if englishCodes[language] {
		if englishModels[model] {
			return language, model, false
		}
		return language, defaultEN, true
	}
	if multilingualModels[model] {
		return language, model, false
	}
	return language, defaultMulti, true
}
