package agent

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/nugget/mcpchat/internal/llm"
	"github.com/nugget/mcpchat/internal/mcp"
)

// PromptSource lists and resolves provider prompts. *mcp.Session
// satisfies it.
type PromptSource interface {
	ListPrompts(ctx context.Context) ([]mcp.Prompt, error)
	GetPrompt(ctx context.Context, name string, args map[string]string) (string, error)
}

// Conversation keeps the message history of one chat across questions.
// It is not safe for concurrent use.
type Conversation struct {
	id      string
	loop    *Loop
	logger  *slog.Logger
	history []llm.Message
}

// NewConversation starts a conversation seeded with systemPrompt. An
// empty prompt seeds nothing.
func NewConversation(loop *Loop, systemPrompt string, logger *slog.Logger) *Conversation {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	c := &Conversation{
		id:     id,
		loop:   loop,
		logger: logger.With("conversation", id),
	}
	if systemPrompt != "" {
		c.history = append(c.history, llm.SystemMessage(systemPrompt))
	}
	return c
}

// ID returns the conversation identifier.
func (c *Conversation) ID() string { return c.id }

// History returns a copy of the messages so far.
func (c *Conversation) History() []llm.Message {
	return slices.Clone(c.history)
}

// LoadPrompts appends every provider prompt to the history as a user
// message. Prompts that cannot be resolved without arguments are
// skipped with a warning. It returns how many prompts were added.
func (c *Conversation) LoadPrompts(ctx context.Context, src PromptSource) (int, error) {
	prompts, err := src.ListPrompts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list prompts: %w", err)
	}

	added := 0
	for _, p := range prompts {
		content, err := src.GetPrompt(ctx, p.Name, nil)
		if err != nil {
			c.logger.Warn("skipping MCP prompt", "prompt", p.Name, "error", err)
			continue
		}
		c.history = append(c.history, llm.UserMessage(
			fmt.Sprintf("## Prompt provided by MCP server: %s\n%s", p.Description, content),
		))
		added++
	}

	c.logger.Info("loaded MCP prompts", "count", added, "available", len(prompts))
	return added, nil
}

// Ask adds question to the history, runs the loop and returns the
// final answer. On failure the history is left as it was before the
// question.
func (c *Conversation) Ask(ctx context.Context, question string, onToken llm.TokenFunc) (string, error) {
	history := append(slices.Clone(c.history), llm.UserMessage(question))

	result, err := c.loop.Run(ctx, history, onToken)
	if err != nil {
		return "", err
	}

	c.history = result.History
	return result.Message.Content, nil
}
