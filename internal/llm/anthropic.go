package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nugget/mcpchat/internal/config"
	"github.com/nugget/mcpchat/internal/httpkit"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
	anthropicMaxTokens  = 4096
)

// AnthropicConfig configures an Anthropic Messages API client.
type AnthropicConfig struct {
	APIKey string

	// URL overrides the Messages endpoint.
	URL string

	// HTTPClient overrides the HTTP client.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// LLM responses can take significant time before sending
		// headers, so the transport gets a generous header timeout.
		t := httpkit.NewTransport()
		t.ResponseHeaderTimeout = 120 * time.Second
		httpClient = httpkit.NewClient(
			// No global timeout; streaming responses can be long-lived.
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		)
	}

	url := cfg.URL
	if url == "" {
		url = anthropicAPIURL
	}

	return &AnthropicClient{
		apiKey:     cfg.APIKey,
		url:        url,
		httpClient: httpClient,
		logger:     logger.With("provider", "anthropic"),
	}
}

// Anthropic request/response types

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float32           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []anthropicContent
}

type anthropicContent struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"` // for tool_result
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicStreamEvent struct {
	Type         string            `json:"type"`
	Index        int               `json:"index,omitempty"`
	ContentBlock *anthropicContent `json:"content_block,omitempty"`
	Delta        *anthropicDelta   `json:"delta,omitempty"`
	Message      *struct {
		Model string         `json:"model"`
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// ChatStream sends a streaming chat request.
func (c *AnthropicClient) ChatStream(ctx context.Context, req *Request) (Stream, error) {
	anthropicMsgs, systemPrompt := convertToAnthropic(req.Messages)
	anthropicTools := convertToolsToAnthropic(req.Tools)

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(anthropicMsgs),
		"tools", len(anthropicTools),
		"system_len", len(systemPrompt),
	)

	temperature := req.Temperature
	areq := anthropicRequest{
		Model:       req.Model,
		Messages:    anthropicMsgs,
		System:      systemPrompt,
		MaxTokens:   anthropicMaxTokens,
		Temperature: &temperature,
		Stream:      true,
		Tools:       anthropicTools,
	}

	jsonData, err := json.Marshal(areq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(jsonData))

	resp, err := c.post(ctx, jsonData)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		resp.Body.Close()
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, fmt.Errorf("anthropic API error %d: %s", resp.StatusCode, errBody)
	}

	return newAnthropicStream(resp.Body, c.logger), nil
}

// Ping checks if the Anthropic API is reachable. Anthropic has no
// health endpoint, so a minimal one-token request verifies the key.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	req := anthropicRequest{
		Model:     "claude-sonnet-4-20250514",
		Messages:  []anthropicMessage{{Role: RoleUser, Content: "ping"}},
		MaxTokens: 1,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.post(ctx, jsonData)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("invalid API key")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status from Anthropic API: %d", resp.StatusCode)
	}
	return nil
}

func (c *AnthropicClient) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// anthropicStream turns Messages API server-sent events into fragments
// as they are read. Tool-use content blocks are numbered in order of
// appearance to form tool-call indexes.
type anthropicStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	logger  *slog.Logger

	toolIndex map[int]int // content block index → tool call index
	usage     anthropicUsage
	model     string
	done      bool

	closeOnce sync.Once
}

func newAnthropicStream(body io.ReadCloser, logger *slog.Logger) *anthropicStream {
	scanner := bufio.NewScanner(body)
	// Increase scanner buffer for large responses
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &anthropicStream{
		body:      body,
		scanner:   scanner,
		logger:    logger,
		toolIndex: make(map[int]int),
	}
}

func (s *anthropicStream) Recv() (Fragment, error) {
	if s.done {
		return Fragment{}, io.EOF
	}

	for s.scanner.Scan() {
		line := s.scanner.Text()

		// SSE format: "event: <type>" followed by "data: <json>"
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		if data == "[DONE]" {
			return s.finish()
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue // Skip malformed events
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				s.model = event.Message.Model
				s.usage = event.Message.Usage
			}

		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				idx := len(s.toolIndex)
				s.toolIndex[event.Index] = idx
				return ToolCallFragment(idx, event.ContentBlock.ID, event.ContentBlock.Name, ""), nil
			}

		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text != "" {
					return TextFragment(event.Delta.Text), nil
				}
			case "input_json_delta":
				idx, ok := s.toolIndex[event.Index]
				if ok && event.Delta.PartialJSON != "" {
					return ToolCallFragment(idx, "", "", event.Delta.PartialJSON), nil
				}
			}

		case "message_delta":
			if event.Usage != nil {
				s.usage.OutputTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			return s.finish()

		case "error":
			if event.Error != nil {
				return Fragment{}, fmt.Errorf("anthropic stream error %s: %s", event.Error.Type, event.Error.Message)
			}
			return Fragment{}, fmt.Errorf("anthropic stream error")
		}
	}

	if err := s.scanner.Err(); err != nil {
		return Fragment{}, fmt.Errorf("read stream: %w", err)
	}
	return Fragment{}, io.ErrUnexpectedEOF
}

func (s *anthropicStream) finish() (Fragment, error) {
	s.done = true
	s.logger.Debug("stream complete",
		"model", s.model,
		"input_tokens", s.usage.InputTokens,
		"output_tokens", s.usage.OutputTokens,
		"tool_calls", len(s.toolIndex),
	)
	return Fragment{}, io.EOF
}

func (s *anthropicStream) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.body.Close() })
	return err
}

// convertToAnthropic converts internal messages to Anthropic format.
// System messages are extracted into a separate system prompt, and
// consecutive tool results are merged into one user message.
func convertToAnthropic(messages []Message) ([]anthropicMessage, string) {
	var systemParts []string
	var result []anthropicMessage
	// Ids synthesized for the latest assistant turn, consumed in order
	// by tool messages that carry no id of their own.
	var synthesized []string

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, msg.Content)

		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				result = append(result, anthropicMessage{
					Role:    RoleAssistant,
					Content: msg.Content,
				})
				continue
			}

			synthesized = synthesized[:0]
			var blocks []anthropicContent
			if msg.Content != "" {
				blocks = append(blocks, anthropicContent{
					Type: "text",
					Text: msg.Content,
				})
			}
			for i, tc := range msg.ToolCalls {
				var args map[string]any
				if strings.TrimSpace(tc.Function.Arguments) != "" {
					if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
						args = map[string]any{"_raw": tc.Function.Arguments}
					}
				}
				if args == nil {
					args = map[string]any{}
				}
				id := tc.ID
				if id == "" {
					id = fmt.Sprintf("toolu_%s_%d", tc.Function.Name, i)
					synthesized = append(synthesized, id)
				}
				blocks = append(blocks, anthropicContent{
					Type:  "tool_use",
					ID:    id,
					Name:  tc.Function.Name,
					Input: args,
				})
			}
			result = append(result, anthropicMessage{
				Role:    RoleAssistant,
				Content: blocks,
			})

		case RoleTool:
			id := msg.ToolCallID
			if id == "" && len(synthesized) > 0 {
				id, synthesized = synthesized[0], synthesized[1:]
			}
			block := anthropicContent{
				Type:      "tool_result",
				ToolUseID: id,
				Content:   msg.Content,
			}
			if n := len(result); n > 0 {
				if prev, ok := result[n-1].Content.([]anthropicContent); ok &&
					result[n-1].Role == RoleUser && len(prev) > 0 && prev[0].Type == "tool_result" {
					result[n-1].Content = append(prev, block)
					continue
				}
			}
			result = append(result, anthropicMessage{
				Role:    RoleUser,
				Content: []anthropicContent{block},
			})

		case RoleUser:
			result = append(result, anthropicMessage{
				Role:    RoleUser,
				Content: msg.Content,
			})
		}
	}

	return result, strings.Join(systemParts, "\n\n")
}

// convertToolsToAnthropic converts catalog functions to Anthropic format.
func convertToolsToAnthropic(tools []Tool) []anthropicTool {
	if len(tools) == 0 {
		return nil
	}

	result := make([]anthropicTool, 0, len(tools))
	for _, tool := range tools {
		var params any = tool.Function.Parameters
		if tool.Function.Parameters == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, anthropicTool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: params,
		})
	}
	return result
}
