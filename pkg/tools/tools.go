// Package tools implements the tool dispatcher: the built-in
// end_call/set_dynamic_variable/retrieve_from_knowledge handlers and
// tenant-defined webhook dispatch, with JSON-Schema argument validation
// and at-rest header encryption.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/voicebridge/sessionrt/internal/crypto"
	"github.com/voicebridge/sessionrt/internal/httpc"
	"github.com/voicebridge/sessionrt/internal/log"
	"github.com/voicebridge/sessionrt/internal/metrics"
	"github.com/voicebridge/sessionrt/internal/tracing"
	"github.com/voicebridge/sessionrt/pkg/domain"
	"github.com/voicebridge/sessionrt/pkg/provider"
)

const (
	builtinEndCall               = "end_call"
	builtinSetDynamicVariable    = "set_dynamic_variable"
	builtinRetrieveFromKnowledge = "retrieve_from_knowledge"
)

// Store is the subset of the relational store the dispatcher needs: webhook
// tool lookup by (agent id, tool name), the agent's bound knowledge
// documents, and the owning tenant's optional fan-out webhook.
type Store interface {
	GetToolByAgentAndName(ctx context.Context, agentID, name string) (domain.Tool, error)
	ListAgentKnowledge(ctx context.Context, agentID string) ([]domain.KnowledgeItem, error)
	GetTenantWebhookURLForAgent(ctx context.Context, agentID string) (string, error)
}

// VariableWriter persists session-scoped dynamic-variable writes, from both
// the set_dynamic_variable built-in and response_variables extraction.
type VariableWriter interface {
	SetVariables(ctx context.Context, sessionID string, vars map[string]string)
}

// EndCallRequester is called by the end_call built-in to schedule session
// termination after a short grace period, so the agent's closing remark
// finishes playing first.
type EndCallRequester interface {
	RequestEndCall(sessionID string)
}

// KnowledgeRetriever forwards a retrieval query to the voice provider's
// knowledge-base search endpoint, scoped to the given document ids.
type KnowledgeRetriever interface {
	RetrieveFromKnowledge(ctx context.Context, providerDocumentIDs []string, query string) ([]string, error)
}

// Dispatcher handles tool-call events for every session. One Dispatcher
// instance is shared across all sessions; dynamic-variable writes are
// serialized through a per-session mutex, everything else may overlap.
type Dispatcher struct {
	store     Store
	vars      VariableWriter
	ender     EndCallRequester
	knowledge KnowledgeRetriever
	box       *crypto.Box

	mu            sync.Mutex
	sessionLock   map[string]*sync.Mutex
	sessionAgents map[string]string
}

// New constructs a Dispatcher.
func New(store Store, vars VariableWriter, ender EndCallRequester, knowledge KnowledgeRetriever, box *crypto.Box) *Dispatcher {
	return &Dispatcher{
		store:         store,
		vars:          vars,
		ender:         ender,
		knowledge:     knowledge,
		box:           box,
		sessionLock:   make(map[string]*sync.Mutex),
		sessionAgents: make(map[string]string),
	}
}

// RegisterSession records which agent a session belongs to, so a later
// tool-call event can be resolved by (agent id, tool name) even though the
// bridge's callback only carries a session id.
func (d *Dispatcher) RegisterSession(sessionID, agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessionAgents[sessionID] = agentID
}

// UnregisterSession drops a session's agent binding once it ends.
func (d *Dispatcher) UnregisterSession(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessionAgents, sessionID)
	delete(d.sessionLock, sessionID)
}

func (d *Dispatcher) agentFor(sessionID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	agentID, ok := d.sessionAgents[sessionID]
	return agentID, ok
}

func (d *Dispatcher) lockFor(sessionID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.sessionLock[sessionID]
	if !ok {
		l = &sync.Mutex{}
		d.sessionLock[sessionID] = l
	}
	return l
}

// Dispatch is the entry point the provider bridge calls for every tool_call
// event. It always returns a ToolResult bearing the original correlation
// token; the conversation continues regardless of outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID, toolCallID, toolName string, args map[string]any) provider.ToolResult {
	ctx, span := tracing.Tracer().Start(ctx, "tools.dispatch")
	defer span.End()

	start := time.Now()
	result := d.dispatch(ctx, sessionID, toolCallID, toolName, args)
	outcome := "success"
	if result.IsError {
		outcome = "error"
	}
	metrics.ToolCallLatency.WithLabelValues(toolName, outcome).Observe(time.Since(start).Seconds())
	return result
}

func (d *Dispatcher) dispatch(ctx context.Context, sessionID, toolCallID, toolName string, args map[string]any) provider.ToolResult {
	switch toolName {
	case builtinEndCall:
		return d.endCall(sessionID, toolCallID)
	case builtinSetDynamicVariable:
		return d.setDynamicVariable(ctx, sessionID, toolCallID, args)
	case builtinRetrieveFromKnowledge:
		return d.retrieveFromKnowledge(ctx, sessionID, toolCallID, args)
	default:
		return d.dispatchWebhook(ctx, sessionID, toolCallID, toolName, args)
	}
}

func (d *Dispatcher) endCall(sessionID, toolCallID string) provider.ToolResult {
	d.ender.RequestEndCall(sessionID)
	return success(toolCallID, `{"status":"success","message":"call end initiated"}`)
}

func (d *Dispatcher) setDynamicVariable(ctx context.Context, sessionID, toolCallID string, args map[string]any) provider.ToolResult {
	vars := make(map[string]string, len(args))
	for k, v := range args {
		vars[k] = fmt.Sprintf("%v", v)
	}

	lock := d.lockFor(sessionID)
	lock.Lock()
	d.vars.SetVariables(ctx, sessionID, vars)
	lock.Unlock()

	d.fanOutToTenantWebhook(ctx, sessionID, vars)

	return success(toolCallID, `{"status":"success"}`)
}

// fanOutToTenantWebhook POSTs a set_dynamic_variable write to the owning
// tenant's configured outbound webhook. Best-effort: errors are logged and
// swallowed, never surfaced to the conversation.
func (d *Dispatcher) fanOutToTenantWebhook(ctx context.Context, sessionID string, vars map[string]string) {
	agentID, ok := d.agentFor(sessionID)
	if !ok {
		return
	}
	webhookURL, err := d.store.GetTenantWebhookURLForAgent(ctx, agentID)
	if err != nil || webhookURL == "" {
		return
	}

	payload, err := json.Marshal(map[string]any{"session_id": sessionID, "variables": vars})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(payload))
	if err != nil {
		log.L().Warn("failed to build tenant webhook request", "session_id", sessionID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpc.Client.Do(req)
	if err != nil {
		log.L().Warn("tenant webhook fan-out failed", "session_id", sessionID, "error", err)
		return
	}
	_ = resp.Body.Close()
}

func (d *Dispatcher) retrieveFromKnowledge(ctx context.Context, sessionID, toolCallID string, args map[string]any) provider.ToolResult {
	query, _ := args["query"].(string)
	if query == "" {
		return failure(toolCallID, "missing required argument: query")
	}

	// Scope the search to the documents actually bound to this session's
	// agent; an unscoped search could leak another agent's knowledge base.
	var docIDs []string
	if agentID, ok := d.agentFor(sessionID); ok {
		items, err := d.store.ListAgentKnowledge(ctx, agentID)
		if err != nil {
			return failure(toolCallID, "failed to resolve knowledge documents")
		}
		for _, item := range items {
			if item.ProviderDocumentID != "" {
				docIDs = append(docIDs, item.ProviderDocumentID)
			}
		}
	}

	passages, err := d.knowledge.RetrieveFromKnowledge(ctx, docIDs, query)
	if err != nil {
		return failure(toolCallID, err.Error())
	}
	if len(passages) == 0 {
		return success(toolCallID, `{"status":"success","results":[],"hint":"no matching knowledge found; consider re-prompting","reprompt":true}`)
	}

	payload, _ := json.Marshal(map[string]any{"status": "success", "results": passages})
	return success(toolCallID, string(payload))
}

// dispatchWebhook runs a tenant-defined webhook tool, resolved by the agent
// id registered for this session.
func (d *Dispatcher) dispatchWebhook(ctx context.Context, sessionID, toolCallID, toolName string, args map[string]any) provider.ToolResult {
	agentID, ok := d.agentFor(sessionID)
	if !ok {
		return failure(toolCallID, "session not registered with an agent")
	}

	tool, err := d.store.GetToolByAgentAndName(ctx, agentID, toolName)
	if err != nil {
		return failure(toolCallID, fmt.Sprintf("unknown tool: %s", toolName))
	}

	if len(tool.BodySchema) > 0 {
		if err := validateAgainstSchema(tool.BodySchema, args); err != nil {
			return failure(toolCallID, fmt.Sprintf("schema validation failed: %v", err))
		}
	}

	reqURL, err := substitutePlaceholders(tool.URLTemplate, args)
	if err != nil {
		return failure(toolCallID, err.Error())
	}
	reqURL, err = appendQueryParams(reqURL, tool.QueryParams, args)
	if err != nil {
		return failure(toolCallID, err.Error())
	}

	var bodyReader io.Reader
	if tool.Method != http.MethodGet && len(tool.BodySchema) > 0 {
		body, err := json.Marshal(args)
		if err != nil {
			return failure(toolCallID, "failed to encode request body")
		}
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, tool.Method, reqURL, bodyReader)
	if err != nil {
		return failure(toolCallID, "failed to build request")
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Session-ID", sessionID)

	for name, value := range tool.Headers {
		if crypto.IsSensitiveHeader(name) {
			decrypted, err := d.box.Open(value)
			if err != nil {
				log.L().Warn("failed to decrypt tool header", "tool", toolName, "header", name, "error", err)
				continue
			}
			req.Header.Set(name, decrypted)
			continue
		}
		req.Header.Set(name, value)
	}

	reqCtx, cancel := context.WithTimeout(ctx, tool.Timeout())
	defer cancel()
	req = req.WithContext(reqCtx)

	resp, err := httpc.Client.Do(req)
	if err != nil {
		return failure(toolCallID, "request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return failure(toolCallID, "failed to read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return failure(toolCallID, fmt.Sprintf("tool endpoint returned %d", resp.StatusCode))
	}

	if len(tool.ResponseVariables) > 0 {
		extracted := extractResponseVariables(respBody, tool.ResponseVariables)
		lock := d.lockFor(sessionID)
		lock.Lock()
		d.vars.SetVariables(ctx, sessionID, extracted)
		lock.Unlock()
	}

	payload, _ := json.Marshal(map[string]any{"status": "success", "data": json.RawMessage(respBody)})
	return success(toolCallID, string(payload))
}

func substitutePlaceholders(tmpl string, args map[string]any) (string, error) {
	result := tmpl
	for strings.Contains(result, "{") {
		start := strings.Index(result, "{")
		end := strings.Index(result[start:], "}")
		if end < 0 {
			break
		}
		end += start
		name := result[start+1 : end]
		value, ok := args[name]
		if !ok {
			return "", fmt.Errorf("tools: missing required placeholder %q", name)
		}
		result = result[:start] + url.PathEscape(fmt.Sprintf("%v", value)) + result[end+1:]
	}
	return result, nil
}

// appendQueryParams assembles the request's query string from the tool's
// query-parameter schema: a required param missing from args fails the
// call, optional params are included only when present and non-nil.
func appendQueryParams(reqURL string, params []domain.ToolParam, args map[string]any) (string, error) {
	if len(params) == 0 {
		return reqURL, nil
	}
	u, err := url.Parse(reqURL)
	if err != nil {
		return "", fmt.Errorf("tools: invalid tool URL: %w", err)
	}
	q := u.Query()
	for _, p := range params {
		v, ok := args[p.Name]
		if !ok || v == nil {
			if p.Required {
				return "", fmt.Errorf("tools: missing required query parameter %q", p.Name)
			}
			continue
		}
		q.Set(p.Name, fmt.Sprintf("%v", v))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// validateAgainstSchema compiles a tool's stored JSON-Schema and validates
// the argument set against it before any request is assembled. The schema
// document round-trips through json so the compiler sees plain decoded
// values rather than whatever the store handed back.
func validateAgainstSchema(schema map[string]any, args map[string]any) error {
	raw, err := json.Marshal(schema)
	if err != nil {
		return err
	}
	var schemaDoc any
	if err := json.Unmarshal(raw, &schemaDoc); err != nil {
		return err
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool-args.json", schemaDoc); err != nil {
		return err
	}
	compiled, err := compiler.Compile("tool-args.json")
	if err != nil {
		return err
	}
	return compiled.Validate(map[string]any(args))
}

// extractResponseVariables pulls named fields out of a tool response body
// per the tool's response-variable map.
func extractResponseVariables(body []byte, mapping map[string]string) map[string]string {
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil
	}
	out := make(map[string]string, len(mapping))
	for variable, path := range mapping {
		if v, ok := decoded[path]; ok {
			out[variable] = fmt.Sprintf("%v", v)
		}
	}
	return out
}

func success(toolCallID, result string) provider.ToolResult {
	return provider.ToolResult{ToolCallID: toolCallID, Result: result, IsError: false}
}

func failure(toolCallID, message string) provider.ToolResult {
	payload, _ := json.Marshal(map[string]any{"status": "error", "message": message})
	return provider.ToolResult{ToolCallID: toolCallID, Result: string(payload), IsError: true}
}
