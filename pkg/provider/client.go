package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/voicebridge/sessionrt/internal/httpc"
)

const restBaseURL = "https://api.elevenlabs.io/v1"

// RESTClient is the realtime-voice provider's REST surface: the signed-URL
// preflight the bridge calls at admission, and the post-call conversation
// endpoints the reconciler drains.
type RESTClient struct {
	apiKey  string
	baseURL string
}

// NewRESTClient constructs a client using the shared httpc.Client.
func NewRESTClient(apiKey, baseURL string) *RESTClient {
	if baseURL == "" {
		baseURL = restBaseURL
	}
	return &RESTClient{apiKey: apiKey, baseURL: baseURL}
}

func (c *RESTClient) do(ctx context.Context, method, path string, body []byte, timeout time.Duration) ([]byte, int, error) {
	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("provider: build request: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpc.Client.Do(req)
	if err != nil {
		return nil, 0, NewConnectionError("request failed", err, true)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("provider: read response: %w", err)
	}
	return respBody, resp.StatusCode, nil
}

// SignedURLResponse is the signed-URL preflight's response.
type SignedURLResponse struct {
	SignedURL string `json:"signed_url"`
}

// GetSignedURL calls the provider's admission endpoint for providerAgentID.
// On a non-2xx response the session must abort before any token debit
// occurs.
func (c *RESTClient) GetSignedURL(ctx context.Context, providerAgentID string, timeout time.Duration) (string, error) {
	if providerAgentID == "" {
		return "", ErrMissingProviderAgentID
	}
	path := "/convai/conversation/get-signed-url?agent_id=" + url.QueryEscape(providerAgentID)

	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return "", fmt.Errorf("provider: build signed-url request: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)

	resp, err := httpc.Client.Do(req)
	if err != nil {
		return "", NewConnectionError("signed-url request failed", err, true)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", NewAPIError(resp.StatusCode, "", string(body))
	}

	var parsed SignedURLResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("provider: decode signed-url response: %w", err)
	}
	return parsed.SignedURL, nil
}

// ListConversations lists recent conversations for providerAgentID, used by
// the reconciler to bind a session to its provider conversation id when it
// wasn't captured during the call.
func (c *RESTClient) ListConversations(ctx context.Context, providerAgentID string) ([]ConversationSummary, error) {
	path := "/convai/conversations?agent_id=" + url.QueryEscape(providerAgentID)
	body, status, err := c.do(ctx, http.MethodGet, path, nil, 15*time.Second)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, NewAPIError(status, "", string(body))
	}

	var parsed struct {
		Conversations []struct {
			ConversationID string `json:"conversation_id"`
			AgentID        string `json:"agent_id"`
			StartTimeUnix  int64  `json:"start_time_unix_secs"`
		} `json:"conversations"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("provider: decode conversations list: %w", err)
	}

	out := make([]ConversationSummary, 0, len(parsed.Conversations))
	for _, c := range parsed.Conversations {
		out = append(out, ConversationSummary{
			ConversationID: c.ConversationID,
			AgentID:        c.AgentID,
			StartTime:      time.Unix(c.StartTimeUnix, 0).UTC(),
		})
	}
	return out, nil
}

// GetConversationDetails fetches a conversation's metadata, analysis, and
// transcript.
func (c *RESTClient) GetConversationDetails(ctx context.Context, conversationID string) (ConversationDetails, error) {
	path := "/convai/conversations/" + url.PathEscape(conversationID)
	body, status, err := c.do(ctx, http.MethodGet, path, nil, 15*time.Second)
	if err != nil {
		return ConversationDetails{}, err
	}
	if status != http.StatusOK {
		return ConversationDetails{}, NewAPIError(status, "", string(body))
	}

	var parsed struct {
		HasAudio bool `json:"has_audio"`
		Metadata struct {
			CallDurationSecs float64 `json:"call_duration_secs"`
			Cost             float64 `json:"cost"`
		} `json:"metadata"`
		Analysis struct {
			Summary string `json:"transcript_summary"`
		} `json:"analysis"`
		Transcript []struct {
			Role              string  `json:"role"`
			Message           string  `json:"message"`
			TimeInCallSecs    float64 `json:"time_in_call_secs"`
			Interrupted       bool    `json:"interrupted"`
			ToolCalls         []struct {
				ToolCallID string         `json:"tool_call_id"`
				ToolName   string         `json:"tool_name"`
				Parameters map[string]any `json:"parameters"`
			} `json:"tool_calls"`
			ToolResults []struct {
				ToolCallID string `json:"tool_call_id"`
				Status     string `json:"status"`
				Message    string `json:"result_value"`
			} `json:"tool_results"`
		} `json:"transcript"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ConversationDetails{}, fmt.Errorf("provider: decode conversation details: %w", err)
	}

	details := ConversationDetails{
		ConversationID: conversationID,
		HasAudio:       parsed.HasAudio,
		DurationSecs:   parsed.Metadata.CallDurationSecs,
		Summary:        parsed.Analysis.Summary,
		Cost:           parsed.Metadata.Cost,
		Complete:       len(parsed.Transcript) > 0,
	}
	for _, t := range parsed.Transcript {
		turn := ConversationTurn{
			Role:              t.Role,
			Text:              t.Message,
			TimeInCallSeconds: t.TimeInCallSecs,
			Interrupted:       t.Interrupted,
		}
		for _, tc := range t.ToolCalls {
			turn.ToolCalls = append(turn.ToolCalls, ConversationToolCall{
				CorrelationToken: tc.ToolCallID,
				ToolName:         tc.ToolName,
				Arguments:        tc.Parameters,
			})
		}
		for _, tr := range t.ToolResults {
			turn.ToolResults = append(turn.ToolResults, ConversationToolResult{
				CorrelationToken: tr.ToolCallID,
				Status:           tr.Status,
				Message:          tr.Message,
			})
		}
		details.Turns = append(details.Turns, turn)
	}
	return details, nil
}

// knowledgeSearchRequest/knowledgeSearchResponse mirror the provider's
// knowledge-base search endpoint, scoped to a set of document ids so a
// retrieval only searches the documents the calling agent actually has
// bound.
type knowledgeSearchRequest struct {
	Query       string   `json:"query"`
	DocumentIDs []string `json:"document_ids,omitempty"`
}

type knowledgeSearchResponse struct {
	Results []struct {
		Text string `json:"text"`
	} `json:"results"`
}

// RetrieveFromKnowledge searches the provider's knowledge base restricted
// to providerDocumentIDs and returns the matched passage texts.
func (c *RESTClient) RetrieveFromKnowledge(ctx context.Context, providerDocumentIDs []string, query string) ([]string, error) {
	body, err := json.Marshal(knowledgeSearchRequest{Query: query, DocumentIDs: providerDocumentIDs})
	if err != nil {
		return nil, fmt.Errorf("provider: marshal knowledge search request: %w", err)
	}

	respBody, status, err := c.do(ctx, http.MethodPost, "/convai/knowledge-base/search", body, 15*time.Second)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, NewAPIError(status, "", string(respBody))
	}

	var parsed knowledgeSearchResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("provider: decode knowledge search response: %w", err)
	}

	out := make([]string, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		out = append(out, r.Text)
	}
	return out, nil
}

// GetConversationAudio downloads the binary audio stream for a
// conversation.
func (c *RESTClient) GetConversationAudio(ctx context.Context, conversationID string) ([]byte, error) {
	path := "/convai/conversations/" + url.PathEscape(conversationID) + "/audio"
	body, status, err := c.do(ctx, http.MethodGet, path, nil, 60*time.Second)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, NewAPIError(status, "", "audio fetch failed")
	}
	return body, nil
}
