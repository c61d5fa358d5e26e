package modelclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/XiaoConstantine/rlm-go/internal/observability"
	"github.com/XiaoConstantine/rlm-go/pkg/core"
	"github.com/google/uuid"
)

// AnthropicClient implements Client against Anthropic's Messages API,
// advertising tools via Anthropic's native tool-use content blocks rather
// than the text-marker convention the teacher's own AnthropicClient used.
// HTTP mechanics (pooled client, prompt-caching header, doRequest shape) are
// carried over from the teacher's pkg/providers/anthropic.go; the
// request/response shapes below are rewritten for structured tool calls.
type AnthropicClient struct {
	apiKey              string
	baseURL             string
	maxTokens           int
	verbose             bool
	enablePrefixCaching bool
	httpClient          *http.Client
	backoff             backoffPolicy
}

// AnthropicOption configures an AnthropicClient.
type AnthropicOption func(*AnthropicClient)

// WithBaseURL overrides the API endpoint, used for per-depth base URL
// overrides (MODEL_SUB_BASE_URLS) and for tests.
func WithBaseURL(url string) AnthropicOption {
	return func(c *AnthropicClient) { c.baseURL = url }
}

// WithPrefixCaching toggles Anthropic's prompt-caching beta header.
func WithPrefixCaching(enabled bool) AnthropicOption {
	return func(c *AnthropicClient) { c.enablePrefixCaching = enabled }
}

// WithVerbose enables per-call timing/token logging to stdout, matching the
// teacher's verbose flag.
func WithVerbose(v bool) AnthropicOption {
	return func(c *AnthropicClient) { c.verbose = v }
}

// NewAnthropicClient builds a client against the given API key.
func NewAnthropicClient(apiKey string, opts ...AnthropicOption) *AnthropicClient {
	c := &AnthropicClient{
		apiKey:              apiKey,
		baseURL:             "https://api.anthropic.com",
		maxTokens:           4096,
		enablePrefixCaching: true,
		backoff:             defaultBackoff(),
		httpClient: &http.Client{
			Timeout: 180 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema struct {
		Type       string                    `json:"type"`
		Properties map[string]map[string]any `json:"properties"`
		Required   []string                  `json:"required"`
	} `json:"input_schema"`
}

func toAnthropicTool(t ToolSpec) anthropicTool {
	at := anthropicTool{Name: t.Name, Description: t.Description}
	at.InputSchema.Type = "object"
	at.InputSchema.Properties = map[string]map[string]any{
		t.ArgumentKey: {"type": "string"},
	}
	at.InputSchema.Required = []string{t.ArgumentKey}
	return at
}

type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type systemBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type cacheControl struct {
	Type string `json:"type"`
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	Messages      []anthropicMessage `json:"messages"`
	System        any                `json:"system,omitempty"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      struct {
		InputTokens              int `json:"input_tokens"`
		OutputTokens             int `json:"output_tokens"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete implements Client.
func (c *AnthropicClient) Complete(ctx context.Context, modelID string, messages []core.Message, tools []ToolSpec, opts Options) (core.Message, core.UsageRecord, error) {
	req := c.buildRequest(modelID, messages, tools, opts)

	var resp anthropicResponse
	start := time.Now()

	err := c.backoff.retry(ctx, core.Retryable, func() error {
		r, err := c.send(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	wallclock := time.Since(start).Milliseconds()
	observability.ModelCallDuration.WithLabelValues(modelID).Observe(time.Since(start).Seconds())

	if err != nil {
		observability.ModelErrors.WithLabelValues(errorKind(err)).Inc()
		return core.Message{}, core.UsageRecord{}, err
	}

	msg := fromAnthropicResponse(resp)
	usage := core.UsageRecord{
		PromptTokens:       resp.Usage.InputTokens,
		CachedPromptTokens: resp.Usage.CacheReadInputTokens,
		CompletionTokens:   resp.Usage.OutputTokens,
		TotalTokens:        resp.Usage.InputTokens + resp.Usage.OutputTokens,
		WallclockMs:        wallclock,
		ModelID:            modelID,
	}
	observability.TokenUsage.WithLabelValues(modelID, "prompt").Add(float64(usage.PromptTokens))
	observability.TokenUsage.WithLabelValues(modelID, "cached_prompt").Add(float64(usage.CachedPromptTokens))
	observability.TokenUsage.WithLabelValues(modelID, "completion").Add(float64(usage.CompletionTokens))

	if c.verbose {
		fmt.Printf("  [modelclient] %s %v, tokens: %d->%d (cache read %d)\n",
			modelID, time.Since(start), usage.PromptTokens, usage.CompletionTokens, usage.CachedPromptTokens)
	}

	return msg, usage, nil
}

func (c *AnthropicClient) buildRequest(modelID string, messages []core.Message, tools []ToolSpec, opts Options) anthropicRequest {
	req := anthropicRequest{
		Model:     modelID,
		MaxTokens: c.maxTokens,
	}
	if opts.MaxOutputTokens > 0 {
		req.MaxTokens = opts.MaxOutputTokens
	}
	if opts.Temperature != 0 {
		t := opts.Temperature
		req.Temperature = &t
	}
	if len(opts.Stop) > 0 {
		req.StopSequences = opts.Stop
	}

	for _, t := range tools {
		req.Tools = append(req.Tools, toAnthropicTool(t))
	}

	for _, m := range messages {
		switch m.Role {
		case core.RoleSystem:
			req.System = c.buildSystemPrompt(m.Content)
		case core.RoleAssistant:
			req.Messages = append(req.Messages, toAnthropicAssistantMessage(m))
		case core.RoleTool:
			req.Messages = append(req.Messages, anthropicMessage{
				Role: "user",
				Content: []anthropicContentBlock{
					{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content},
				},
			})
		default: // user
			req.Messages = append(req.Messages, anthropicMessage{
				Role:    "user",
				Content: []anthropicContentBlock{{Type: "text", Text: m.Content}},
			})
		}
	}

	return req
}

func toAnthropicAssistantMessage(m core.Message) anthropicMessage {
	am := anthropicMessage{Role: "assistant"}
	if m.Content != "" {
		am.Content = append(am.Content, anthropicContentBlock{Type: "text", Text: m.Content})
	}
	for _, tc := range m.ToolCalls {
		input, _ := json.Marshal(tc.Arguments)
		am.Content = append(am.Content, anthropicContentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Name,
			Input: input,
		})
	}
	return am
}

func (c *AnthropicClient) buildSystemPrompt(prompt string) any {
	if prompt == "" {
		return nil
	}
	if !c.enablePrefixCaching {
		return prompt
	}
	return []systemBlock{{Type: "text", Text: prompt, CacheControl: &cacheControl{Type: "ephemeral"}}}
}

// errorKind maps an error returned by classifyStatus/send onto the short
// taxonomy label the rlm_model_errors_total metric is keyed by.
func errorKind(err error) string {
	switch {
	case errors.Is(err, core.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, core.ErrTransientNetwork):
		return "transient_network"
	case errors.Is(err, core.ErrAuthentication):
		return "authentication"
	case errors.Is(err, core.ErrInvalidRequest):
		return "invalid_request"
	default:
		return "unknown"
	}
}

// fromAnthropicResponse decodes the response's content blocks into a
// Message. A stop_reason of "refusal" means Anthropic's own content
// filtering suppressed the turn: content blocks are empty in that case, so
// the returned Message carries ContentFiltered instead of any text or tool
// calls, per the Model Client's content_filtered contract.
func fromAnthropicResponse(resp anthropicResponse) core.Message {
	if resp.StopReason == "refusal" {
		return core.Message{Role: core.RoleAssistant, ContentFiltered: true}
	}

	msg := core.Message{Role: core.RoleAssistant}
	var texts []string

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			texts = append(texts, block.Text)
		case "tool_use":
			var args map[string]any
			_ = json.Unmarshal(block.Input, &args)
			id := block.ID
			if id == "" {
				id = uuid.NewString()
			}
			msg.ToolCalls = append(msg.ToolCalls, core.ToolCall{ID: id, Name: block.Name, Arguments: args})
		}
	}

	msg.Content = strings.Join(texts, "")
	return msg
}

func (c *AnthropicClient) send(ctx context.Context, reqBody anthropicRequest) (anthropicResponse, error) {
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return anthropicResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(jsonBody))
	if err != nil {
		return anthropicResponse{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	if c.enablePrefixCaching {
		req.Header.Set("anthropic-beta", "prompt-caching-2024-07-31")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return anthropicResponse{}, fmt.Errorf("http request: %w: %w", core.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return anthropicResponse{}, fmt.Errorf("read response: %w: %w", core.ErrTransientNetwork, err)
	}

	if err := classifyStatus(resp.StatusCode, body); err != nil {
		return anthropicResponse{}, err
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return anthropicResponse{}, fmt.Errorf("unmarshal response: %w: %w", core.ErrInvalidRequest, err)
	}
	if apiResp.Error != nil {
		return anthropicResponse{}, fmt.Errorf("api error: %s: %w", apiResp.Error.Message, core.ErrInvalidRequest)
	}
	return apiResp, nil
}

// classifyStatus maps an HTTP status onto the Model Client error taxonomy.
func classifyStatus(status int, body []byte) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("rate limited: %w", core.ErrRateLimited)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("authentication failed: %w", core.ErrAuthentication)
	case status >= 500:
		return fmt.Errorf("server error %d: %w", status, core.ErrTransientNetwork)
	case status == http.StatusBadRequest:
		return fmt.Errorf("invalid request: %s: %w", string(body), core.ErrInvalidRequest)
	default:
		return fmt.Errorf("unexpected status %d: %s: %w", status, string(body), core.ErrInvalidRequest)
	}
}
