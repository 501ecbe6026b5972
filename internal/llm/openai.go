package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nugget/mcpchat/internal/httpkit"
)

// OpenAIConfig configures an OpenAI-compatible completion client.
type OpenAIConfig struct {
	// APIKey authenticates requests.
	APIKey string

	// BaseURL overrides the API endpoint. For Azure-style deployments
	// (including DIAL proxies) it is the resource endpoint.
	BaseURL string

	// Azure selects Azure request shaping: deployment-scoped paths and
	// the api-key header.
	Azure bool

	// APIVersion is sent as the api-version query parameter on Azure.
	APIVersion string

	// HTTPClient overrides the HTTP client. Nil builds one via httpkit
	// with no overall timeout, since completions stream.
	HTTPClient *http.Client

	// Logger is the structured logger for client diagnostics.
	Logger *slog.Logger
}

// OpenAIClient streams chat completions from OpenAI or any
// Azure-compatible endpoint.
type OpenAIClient struct {
	client *openai.Client
	logger *slog.Logger
}

// NewOpenAIClient creates a new OpenAI-compatible client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var oc openai.ClientConfig
	if cfg.Azure {
		oc = openai.DefaultAzureConfig(cfg.APIKey, cfg.BaseURL)
		if cfg.APIVersion != "" {
			oc.APIVersion = cfg.APIVersion
		}
	} else {
		oc = openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			oc.BaseURL = cfg.BaseURL
		}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithLogger(logger),
		)
	}
	oc.HTTPClient = httpClient

	provider := "openai"
	if cfg.Azure {
		provider = "azure"
	}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(oc),
		logger: logger.With("provider", provider),
	}
}

// ChatStream starts a streaming chat completion.
func (c *OpenAIClient) ChatStream(ctx context.Context, req *Request) (Stream, error) {
	creq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    convertToOpenAI(req.Messages),
		Tools:       convertToolsToOpenAI(req.Tools),
		Temperature: wireTemperature(req.Temperature),
		Stream:      true,
	}

	c.logger.Debug("preparing request",
		"model", req.Model,
		"messages", len(creq.Messages),
		"tools", len(creq.Tools),
		"temperature", req.Temperature,
	)

	s, err := c.client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return nil, fmt.Errorf("create chat completion stream: %w", err)
	}
	return &openAIStream{stream: s, logger: c.logger}, nil
}

// wireTemperature maps a zero temperature to the smallest positive
// float32. go-openai omits a zero value from the payload, which would
// leave the provider's default in effect.
func wireTemperature(t float32) float32 {
	if t == 0 {
		return math.SmallestNonzeroFloat32
	}
	return t
}

// Ping checks that the endpoint is reachable and the key is accepted.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// openAIStream adapts a go-openai completion stream to fragments. One
// chunk may carry several fragments; they are queued and handed out
// one per Recv.
type openAIStream struct {
	stream *openai.ChatCompletionStream
	logger *slog.Logger

	queue     []Fragment
	closeOnce sync.Once
}

func (s *openAIStream) Recv() (Fragment, error) {
	for len(s.queue) == 0 {
		chunk, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return Fragment{}, io.EOF
		}
		if err != nil {
			return Fragment{}, fmt.Errorf("receive chunk: %w", err)
		}
		s.queue = fragmentsFromChunk(chunk)
	}
	f := s.queue[0]
	s.queue = s.queue[1:]
	return f, nil
}

func (s *openAIStream) Close() error {
	s.closeOnce.Do(func() {
		s.stream.Close()
	})
	return nil
}

// fragmentsFromChunk extracts the fragments of the first choice.
func fragmentsFromChunk(chunk openai.ChatCompletionStreamResponse) []Fragment {
	if len(chunk.Choices) == 0 {
		return nil
	}
	delta := chunk.Choices[0].Delta

	var frags []Fragment
	if delta.Content != "" {
		frags = append(frags, TextFragment(delta.Content))
	}
	for i, tc := range delta.ToolCalls {
		index := i
		if tc.Index != nil {
			index = *tc.Index
		}
		f := Fragment{Kind: FragmentToolCall}
		f.ToolCall.Index = index
		f.ToolCall.ID = tc.ID
		f.ToolCall.Type = string(tc.Type)
		f.ToolCall.Function.Name = tc.Function.Name
		f.ToolCall.Function.Arguments = tc.Function.Arguments
		frags = append(frags, f)
	}
	return frags
}

// convertToOpenAI converts internal messages to the go-openai format.
func convertToOpenAI(messages []Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		m := openai.ChatCompletionMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
		}
		for _, tc := range msg.ToolCalls {
			typ := openai.ToolType(tc.Type)
			if typ == "" {
				typ = openai.ToolTypeFunction
			}
			m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: typ,
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		result = append(result, m)
	}
	return result
}

// convertToolsToOpenAI converts catalog functions to go-openai tools.
func convertToolsToOpenAI(tools []Tool) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		})
	}
	return result
}
