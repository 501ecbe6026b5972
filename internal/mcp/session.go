package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/yosida95/uritemplate/v3"

	"github.com/nugget/mcpchat/internal/buildinfo"
)

// protocolVersion is the MCP protocol version we advertise during
// initialization. It is the first revision that defines streamable HTTP.
const protocolVersion = "2025-03-26"

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Content is a single content item in a tool result or prompt message.
type Content struct {
	Type     string            `json:"type"`
	Text     string            `json:"text,omitempty"`
	Data     string            `json:"data,omitempty"` // base64, for image and audio
	MimeType string            `json:"mimeType,omitempty"`
	Resource *ResourceContents `json:"resource,omitempty"`
}

// ToolResult is the result payload of a tools/call response.
type ToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Text joins the result's content blocks into a single string.
// Non-text blocks are represented as inline markers (e.g. "[image]").
func (r *ToolResult) Text() string {
	if r == nil {
		return ""
	}
	return extractText(r.Content)
}

// Resource is a static resource advertised by resources/list.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceTemplate is a parameterised resource advertised by
// resources/templates/list. URITemplate follows RFC 6570.
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceContents is one item of a resources/read result. Exactly one
// of Text or Blob is populated, depending on the resource's kind. Blob
// arrives base64-encoded and is decoded during unmarshalling.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     []byte `json:"blob,omitempty"`
}

// IsBlob reports whether the contents are binary.
func (c *ResourceContents) IsBlob() bool {
	return c.Blob != nil && c.Text == ""
}

// Prompt is a prompt template advertised by prompts/list.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument describes one argument a prompt accepts.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

type promptMessage struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

type getPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []promptMessage `json:"messages"`
}

type readResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// ServerInfo identifies the provider implementation.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capability flags one optional feature group of a provider.
type Capability struct {
	ListChanged bool `json:"listChanged,omitempty"`
	Subscribe   bool `json:"subscribe,omitempty"`
}

// ServerCapabilities describes what an MCP server supports. A nil
// field means the server did not declare that capability.
type ServerCapabilities struct {
	Tools     *Capability `json:"tools,omitempty"`
	Resources *Capability `json:"resources,omitempty"`
	Prompts   *Capability `json:"prompts,omitempty"`
	Logging   *struct{}   `json:"logging,omitempty"`
}

// InitializeResult is the full initialize response result.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	Instructions    string             `json:"instructions,omitempty"`
}

// Session is the negotiated connection to one capability provider.
// It is bound to exactly one transport and cannot be reused after Close.
type Session struct {
	name      string
	transport Transport
	logger    *slog.Logger
	nextID    atomic.Int64

	// initMu serializes Initialize so the handshake runs at most once.
	initMu sync.Mutex

	mu          sync.RWMutex
	initialized bool
	closed      bool
	info        InitializeResult
}

// NewSession binds a session to an open transport. The session is not
// usable until Initialize succeeds.
func NewSession(name string, transport Transport, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		name:      name,
		transport: transport,
		logger:    logger.With("mcp_server", name),
	}
}

// Name returns the configured provider name.
func (s *Session) Name() string {
	return s.name
}

// Initialize performs the MCP handshake: sends an initialize request
// and then the notifications/initialized notification. It must be
// called exactly once per session.
func (s *Session) Initialize(ctx context.Context) (*InitializeResult, error) {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	s.mu.RLock()
	closed, initialized := s.closed, s.initialized
	s.mu.RUnlock()
	if closed {
		return nil, ErrSessionClosed
	}
	if initialized {
		return nil, ErrAlreadyInitialized
	}

	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "mcpchat",
			"version": buildinfo.Version,
		},
	}

	resp, err := s.roundTrip(ctx, "initialize", params)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	var result InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal initialize result: %w", err)
	}

	// Complete the handshake before any other request is allowed.
	if err := s.transport.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		return nil, fmt.Errorf("send initialized notification: %w", err)
	}

	s.mu.Lock()
	s.initialized = true
	s.info = result
	s.mu.Unlock()

	s.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
		"tools", result.Capabilities.Tools != nil,
		"resources", result.Capabilities.Resources != nil,
		"prompts", result.Capabilities.Prompts != nil,
	)

	return &result, nil
}

// ServerInfo returns the provider identity negotiated by Initialize.
func (s *Session) ServerInfo() ServerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info.ServerInfo
}

// Capabilities returns the capability set negotiated by Initialize.
func (s *Session) Capabilities() ServerCapabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info.Capabilities
}

// ListTools returns every tool the provider offers, following
// pagination cursors, in the provider's order.
func (s *Session) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	tools, err := paginate[ToolDefinition](ctx, s, "tools/list", "tools")
	if err != nil {
		return nil, err
	}
	s.logger.Info("discovered MCP tools", "count", len(tools))
	return tools, nil
}

// CallTool invokes a tool by name with the given arguments. A result
// flagged isError is returned as a *ToolError carrying the result text;
// protocol and transport failures are returned as they occur.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	s.logger.Debug("calling MCP tool", "tool", name, "args", args)

	resp, err := s.send(ctx, "tools/call", params)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}

	var result ToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/call result: %w", err)
	}

	if result.IsError {
		return &result, &ToolError{Tool: name, Message: result.Text()}
	}
	return &result, nil
}

// ListResources returns the provider's static resources. Discovery is
// best-effort: a provider without the resources capability, or any
// failure while listing, yields an empty slice and a warning. Only
// session-state errors are returned.
func (s *Session) ListResources(ctx context.Context) ([]Resource, error) {
	return bestEffort[Resource](ctx, s, "resources", "resources/list", "resources",
		func(c ServerCapabilities) bool { return c.Resources != nil })
}

// ListResourceTemplates returns the provider's parameterised resources,
// with the same best-effort behavior as ListResources.
func (s *Session) ListResourceTemplates(ctx context.Context) ([]ResourceTemplate, error) {
	return bestEffort[ResourceTemplate](ctx, s, "resource templates", "resources/templates/list", "resourceTemplates",
		func(c ServerCapabilities) bool { return c.Resources != nil })
}

// ListPrompts returns the provider's prompts, with the same best-effort
// behavior as ListResources.
func (s *Session) ListPrompts(ctx context.Context) ([]Prompt, error) {
	return bestEffort[Prompt](ctx, s, "prompts", "prompts/list", "prompts",
		func(c ServerCapabilities) bool { return c.Prompts != nil })
}

// GetPrompt resolves a named prompt and concatenates the text of its
// messages in order, each followed by a newline.
func (s *Session) GetPrompt(ctx context.Context, name string, args map[string]string) (string, error) {
	params := map[string]any{"name": name}
	if len(args) > 0 {
		params["arguments"] = args
	}

	resp, err := s.send(ctx, "prompts/get", params)
	if err != nil {
		return "", fmt.Errorf("prompts/get %s: %w", name, err)
	}

	var result getPromptResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("unmarshal prompts/get result: %w", err)
	}

	var sb strings.Builder
	for _, m := range result.Messages {
		sb.WriteString(extractText([]Content{m.Content}))
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

// GetResource reads a resource by URI. The first content item is
// returned; its Text or Blob is set according to the resource's kind.
func (s *Session) GetResource(ctx context.Context, uri string) (*ResourceContents, error) {
	resp, err := s.send(ctx, "resources/read", map[string]any{"uri": uri})
	if err != nil {
		return nil, fmt.Errorf("resources/read %s: %w", uri, err)
	}

	var result readResourceResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal resources/read result: %w", err)
	}
	if len(result.Contents) == 0 {
		return nil, fmt.Errorf("resources/read %s: empty contents", uri)
	}
	return &result.Contents[0], nil
}

// ExpandTemplate fills a resource template's variables, producing a URI
// suitable for GetResource.
func (s *Session) ExpandTemplate(tmpl ResourceTemplate, vars map[string]string) (string, error) {
	t, err := uritemplate.New(tmpl.URITemplate)
	if err != nil {
		return "", fmt.Errorf("parse uri template %q: %w", tmpl.URITemplate, err)
	}
	values := uritemplate.Values{}
	for k, v := range vars {
		values.Set(k, uritemplate.String(v))
	}
	uri, err := t.Expand(values)
	if err != nil {
		return "", fmt.Errorf("expand uri template %q: %w", tmpl.URITemplate, err)
	}
	return uri, nil
}

// Ping checks whether the provider is responsive.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.send(ctx, "ping", nil)
	return err
}

// Close ends the session and then closes its transport. It is
// idempotent; later operations fail with ErrSessionClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.initialized = false
	s.mu.Unlock()

	s.logger.Info("closing MCP session")
	return s.transport.Close()
}

// send issues a request on an initialized session.
func (s *Session) send(ctx context.Context, method string, params any) (*Response, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.roundTrip(ctx, method, params)
}

// ready reports the session-state error, if any, that forbids requests.
func (s *Session) ready() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSessionClosed
	}
	if !s.initialized {
		return ErrNotInitialized
	}
	return nil
}

// roundTrip issues a JSON-RPC request and checks for protocol-level errors.
func (s *Session) roundTrip(ctx context.Context, method string, params any) (*Response, error) {
	id := s.nextID.Add(1)
	req := NewRequest(id, method, params)

	resp, err := s.transport.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp, nil
}

// paginate collects every page of a list method. key names the result
// field holding the items.
func paginate[T any](ctx context.Context, s *Session, method, key string) ([]T, error) {
	var (
		all    []T
		cursor string
	)
	for {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}

		resp, err := s.send(ctx, method, params)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", method, err)
		}

		var page map[string]json.RawMessage
		if err := json.Unmarshal(resp.Result, &page); err != nil {
			return nil, fmt.Errorf("unmarshal %s result: %w", method, err)
		}

		var items []T
		if raw, ok := page[key]; ok {
			if err := json.Unmarshal(raw, &items); err != nil {
				return nil, fmt.Errorf("unmarshal %s %s: %w", method, key, err)
			}
		}
		all = append(all, items...)

		var next string
		if raw, ok := page["nextCursor"]; ok {
			_ = json.Unmarshal(raw, &next)
		}
		if next == "" || next == cursor {
			if all == nil {
				all = []T{}
			}
			return all, nil
		}
		cursor = next
	}
}

// bestEffort lists an optional capability, converting every failure
// except session-state errors into an empty result and a warning.
func bestEffort[T any](ctx context.Context, s *Session, capability, method, key string, declared func(ServerCapabilities) bool) ([]T, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	if !declared(s.Capabilities()) {
		s.logger.Warn("skipping MCP listing",
			"error", &UnsupportedCapabilityError{Capability: capability},
		)
		return []T{}, nil
	}

	items, err := paginate[T](ctx, s, method, key)
	if err != nil {
		if errors.Is(err, ErrSessionClosed) || errors.Is(err, ErrNotInitialized) {
			return nil, err
		}
		var unsupported error = err
		if IsMethodNotFound(err) {
			unsupported = &UnsupportedCapabilityError{Capability: capability, Err: err}
		}
		s.logger.Warn("MCP listing failed, continuing without it",
			"capability", capability,
			"error", unsupported,
		)
		return []T{}, nil
	}
	return items, nil
}

// extractText joins all content blocks into a single string.
// Non-text blocks are represented as inline markers.
func extractText(blocks []Content) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image]")
		case "audio":
			parts = append(parts, "[audio]")
		case "resource":
			if b.Resource != nil && b.Resource.Text != "" {
				parts = append(parts, b.Resource.Text)
				continue
			}
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}
