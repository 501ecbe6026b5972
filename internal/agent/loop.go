// Package agent implements the tool dispatch loop that alternates
// between the completion source and the capability provider.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/nugget/mcpchat/internal/llm"
	"github.com/nugget/mcpchat/internal/mcp"
)

// ErrMaxTurns is returned when the model keeps requesting tools past
// the configured number of model round-trips.
var ErrMaxTurns = errors.New("agent: too many model turns")

// ArgumentError reports tool-call arguments that are not a JSON object
// or that fail the tool's input schema. It is never returned from Run:
// the loop reports it to the model as the tool's result.
type ArgumentError struct {
	Tool      string
	Arguments string
	Err       error
}

// Error implements the error interface.
func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %s: %v", e.Tool, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ArgumentError) Unwrap() error { return e.Err }

// ToolSession executes tool calls. *mcp.Session satisfies it.
type ToolSession interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.ToolResult, error)
}

// Config tunes the loop.
type Config struct {
	Model       string
	Temperature float32

	// MaxTurns bounds model round-trips per Run. Zero means unbounded.
	MaxTurns int

	// ParallelTools executes one turn's tool calls concurrently.
	ParallelTools bool

	// ToolRate limits tool calls per second. Zero is unlimited.
	ToolRate float64

	// ValidateArguments checks arguments against the catalog before
	// calling a tool.
	ValidateArguments bool
}

// Result is the outcome of one Run.
type Result struct {
	// Message is the final assistant message, the one without tool calls.
	Message llm.Message

	// History is the input history followed by every message the run
	// produced, ending with Message.
	History []llm.Message

	// Turns counts model round-trips.
	Turns int
}

type state int

const (
	awaitingModel state = iota
	executingTools
	done
)

// Loop drives a conversation until the model answers without
// requesting tools.
type Loop struct {
	logger  *slog.Logger
	client  llm.Client
	tools   ToolSession
	catalog *mcp.Catalog
	config  Config
	limiter *rate.Limiter
}

// NewLoop creates a loop over the given completion client, tool session
// and catalog. A nil catalog offers the model no tools.
func NewLoop(logger *slog.Logger, client llm.Client, tools ToolSession, catalog *mcp.Catalog, cfg Config) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		logger:  logger,
		client:  client,
		tools:   tools,
		catalog: catalog,
		config:  cfg,
	}
	if cfg.ToolRate > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(cfg.ToolRate), 1)
	}
	return l
}

// Run sends history to the model and executes the tools it requests,
// one round-trip after another, until a reply carries no tool calls.
// Tool failures are reported to the model and never end the run.
// Completion failures end it: a *llm.StreamError carries the partial
// reply. history is not modified.
func (l *Loop) Run(ctx context.Context, history []llm.Message, onToken llm.TokenFunc) (*Result, error) {
	msgs := slices.Clone(history)

	var (
		reply llm.Message
		turns int
		st    = awaitingModel
	)

	l.logger.Info("agent loop started",
		"model", l.config.Model,
		"messages", len(msgs),
		"tools", l.toolCount(),
	)

	for {
		switch st {
		case awaitingModel:
			if l.config.MaxTurns > 0 && turns >= l.config.MaxTurns {
				l.logger.Warn("agent loop stopped", "turns", turns, "max_turns", l.config.MaxTurns)
				return nil, fmt.Errorf("%w: %d", ErrMaxTurns, turns)
			}
			turns++

			msg, err := l.complete(ctx, msgs, onToken)
			if err != nil {
				return nil, fmt.Errorf("completion turn %d: %w", turns, err)
			}
			reply = msg
			msgs = append(msgs, msg)

			if len(msg.ToolCalls) == 0 {
				st = done
				continue
			}
			l.logger.Debug("model requested tools", "turn", turns, "count", len(msg.ToolCalls))
			st = executingTools

		case executingTools:
			msgs = append(msgs, l.dispatch(ctx, reply.ToolCalls)...)
			st = awaitingModel

		case done:
			l.logger.Info("agent loop completed",
				"turns", turns,
				"messages", len(msgs),
				"response_len", len(reply.Content),
			)
			return &Result{Message: reply, History: msgs, Turns: turns}, nil
		}
	}
}

// complete performs one streaming completion over the full history.
func (l *Loop) complete(ctx context.Context, msgs []llm.Message, onToken llm.TokenFunc) (llm.Message, error) {
	req := &llm.Request{
		Model:       l.config.Model,
		Messages:    slices.Clone(msgs),
		Temperature: l.config.Temperature,
	}
	if l.catalog != nil {
		req.Tools = l.catalog.Functions()
	}

	stream, err := l.client.ChatStream(ctx, req)
	if err != nil {
		return llm.Message{}, err
	}
	return llm.Collect(ctx, stream, onToken)
}

// dispatch executes calls and returns one tool message per call, in
// call order. Concurrent execution writes each result to its call's
// slot so the order is preserved.
func (l *Loop) dispatch(ctx context.Context, calls []llm.ToolCall) []llm.Message {
	out := make([]llm.Message, len(calls))

	if !l.config.ParallelTools || len(calls) < 2 {
		for i, call := range calls {
			out[i] = l.execute(ctx, call)
		}
		return out
	}

	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			out[i] = l.execute(ctx, call)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// execute runs one tool call and renders its outcome as a tool message.
func (l *Loop) execute(ctx context.Context, call llm.ToolCall) llm.Message {
	name := call.Function.Name
	start := time.Now()

	content, err := l.callTool(ctx, call)
	if err != nil {
		l.logger.Warn("tool call failed",
			"tool", name,
			"call_id", call.ID,
			"elapsed", time.Since(start),
			"error", err,
		)
		return llm.ToolMessage(call, "error calling tool: "+err.Error())
	}

	l.logger.Info("tool call completed",
		"tool", name,
		"call_id", call.ID,
		"elapsed", time.Since(start),
		"result_len", len(content),
	)
	return llm.ToolMessage(call, content)
}

func (l *Loop) callTool(ctx context.Context, call llm.ToolCall) (string, error) {
	name := call.Function.Name

	args, err := parseArguments(call)
	if err != nil {
		return "", err
	}
	if l.config.ValidateArguments && l.catalog != nil {
		if err := l.catalog.Validate(name, args); err != nil {
			return "", &ArgumentError{Tool: name, Arguments: call.Function.Arguments, Err: err}
		}
	}

	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	l.logger.Debug("calling tool", "tool", name, "call_id", call.ID, "args", args)

	result, err := l.tools.CallTool(ctx, name, args)
	if err != nil {
		return "", err
	}
	return result.Text(), nil
}

// parseArguments decodes a call's argument text. Blank text and JSON
// null mean no arguments.
func parseArguments(call llm.ToolCall) (map[string]any, error) {
	raw := strings.TrimSpace(call.Function.Arguments)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, &ArgumentError{Tool: call.Function.Name, Arguments: call.Function.Arguments, Err: err}
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func (l *Loop) toolCount() int {
	if l.catalog == nil {
		return 0
	}
	return l.catalog.Len()
}
