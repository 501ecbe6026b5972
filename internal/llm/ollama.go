package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/mcpchat/internal/config"
	"github.com/nugget/mcpchat/internal/httpkit"
)

// OllamaClient is a client for the Ollama API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithLogger(logger),
		),
		logger: logger.With("provider", "ollama"),
	}
}

// ollamaRequest is the request format for the Ollama chat API.
type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []Tool          `json:"tools,omitempty"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature float32 `json:"temperature"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

// ollamaToolCall carries arguments as an object, not a string.
type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

// ollamaChunk is one line of a streaming chat response.
type ollamaChunk struct {
	Model   string        `json:"model"`
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`

	EvalCount       int `json:"eval_count,omitempty"`
	PromptEvalCount int `json:"prompt_eval_count,omitempty"`
}

// ChatStream sends a streaming chat request to Ollama.
func (c *OllamaClient) ChatStream(ctx context.Context, req *Request) (Stream, error) {
	oreq := ollamaRequest{
		Model:    req.Model,
		Messages: convertToOllama(req.Messages),
		Stream:   true,
		Tools:    req.Tools,
		Options:  &ollamaOptions{Temperature: req.Temperature},
	}

	jsonData, err := json.Marshal(oreq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 4096)
		resp.Body.Close()
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, body)
	}

	return &ollamaStream{
		body:    resp.Body,
		decoder: json.NewDecoder(resp.Body),
		logger:  c.logger,
	}, nil
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}
	return nil
}

// ollamaStream reads newline-delimited JSON chunks. Ollama delivers
// each tool call whole, so every call becomes a single fragment with a
// generated ID.
type ollamaStream struct {
	body    io.ReadCloser
	decoder *json.Decoder
	logger  *slog.Logger

	queue     []Fragment
	nextTool  int
	done      bool
	started   time.Time
	closeOnce sync.Once
}

func (s *ollamaStream) Recv() (Fragment, error) {
	if s.started.IsZero() {
		s.started = time.Now()
	}
	for len(s.queue) == 0 {
		if s.done {
			return Fragment{}, io.EOF
		}

		var chunk ollamaChunk
		if err := s.decoder.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return Fragment{}, io.ErrUnexpectedEOF
			}
			return Fragment{}, fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Error != "" {
			return Fragment{}, fmt.Errorf("ollama error: %s", chunk.Error)
		}

		if chunk.Message.Content != "" {
			s.queue = append(s.queue, TextFragment(chunk.Message.Content))
		}
		for _, tc := range chunk.Message.ToolCalls {
			args := tc.Function.Arguments
			if args == nil {
				args = map[string]any{}
			}
			data, err := json.Marshal(args)
			if err != nil {
				return Fragment{}, fmt.Errorf("marshal tool arguments: %w", err)
			}
			id := "call_" + uuid.NewString()
			s.queue = append(s.queue, ToolCallFragment(s.nextTool, id, tc.Function.Name, string(data)))
			s.nextTool++
		}

		if chunk.Done {
			s.done = true
			s.logger.Debug("stream complete",
				"model", chunk.Model,
				"input_tokens", chunk.PromptEvalCount,
				"output_tokens", chunk.EvalCount,
				"elapsed", time.Since(s.started).Round(time.Millisecond),
			)
		}
	}

	f := s.queue[0]
	s.queue = s.queue[1:]
	return f, nil
}

func (s *ollamaStream) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.body.Close() })
	return err
}

// convertToOllama converts internal messages to Ollama format.
func convertToOllama(messages []Message) []ollamaMessage {
	result := make([]ollamaMessage, 0, len(messages))
	for _, msg := range messages {
		om := ollamaMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
		if msg.Role == RoleTool {
			om.ToolName = msg.Name
		}
		for _, tc := range msg.ToolCalls {
			var otc ollamaToolCall
			otc.Function.Name = tc.Function.Name
			if strings.TrimSpace(tc.Function.Arguments) != "" {
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &otc.Function.Arguments); err != nil {
					otc.Function.Arguments = map[string]any{"_raw": tc.Function.Arguments}
				}
			}
			if otc.Function.Arguments == nil {
				otc.Function.Arguments = map[string]any{}
			}
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		result = append(result, om)
	}
	return result
}
