package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// mockTransport is a test double for the Transport interface. Each
// method has a queue of canned responses; the last one repeats.
type mockTransport struct {
	mu        sync.Mutex
	responses map[string][]*Response
	sent      []Request
	notifs    []Notification
	closed    int
	delay     time.Duration // applied to every Send
}

func newMockTransport() *mockTransport {
	return &mockTransport{responses: make(map[string][]*Response)}
}

func (m *mockTransport) addResponse(method string, result any) {
	data, _ := json.Marshal(result)
	m.responses[method] = append(m.responses[method], &Response{
		JSONRPC: jsonrpcVersion,
		Result:  json.RawMessage(data),
	})
}

func (m *mockTransport) addError(method string, code int, msg string) {
	m.responses[method] = append(m.responses[method], &Response{
		JSONRPC: jsonrpcVersion,
		Error:   &RPCError{Code: code, Message: msg},
	})
}

func (m *mockTransport) Open(context.Context) error { return nil }

func (m *mockTransport) Send(_ context.Context, req *Request) (*Response, error) {
	time.Sleep(m.delay)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, *req)
	queue := m.responses[req.Method]
	if len(queue) == 0 {
		return nil, fmt.Errorf("unexpected method: %s", req.Method)
	}
	resp := queue[0]
	if len(queue) > 1 {
		m.responses[req.Method] = queue[1:]
	}
	out := *resp
	out.ID = req.ID
	return &out, nil
}

func (m *mockTransport) Notify(_ context.Context, notif *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifs = append(m.notifs, *notif)
	return nil
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *mockTransport) methods() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	for i, r := range m.sent {
		out[i] = r.Method
	}
	return out
}

func initResult(caps ServerCapabilities) InitializeResult {
	return InitializeResult{
		ProtocolVersion: protocolVersion,
		ServerInfo:      ServerInfo{Name: "users-management", Version: "1.0.0"},
		Capabilities:    caps,
	}
}

// newTestSession returns an initialized session over a mock transport
// whose server declares caps.
func newTestSession(t *testing.T, caps ServerCapabilities) (*Session, *mockTransport) {
	t.Helper()
	mt := newMockTransport()
	mt.addResponse("initialize", initResult(caps))
	s := NewSession("test", mt, nil)
	if _, err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return s, mt
}

var allCaps = ServerCapabilities{
	Tools:     &Capability{},
	Resources: &Capability{},
	Prompts:   &Capability{},
}

func TestSession_Initialize(t *testing.T) {
	s, mt := newTestSession(t, allCaps)

	if mt.sent[0].Method != "initialize" {
		t.Fatalf("first request = %s, want initialize", mt.sent[0].Method)
	}
	params, _ := mt.sent[0].Params.(map[string]any)
	if params["protocolVersion"] != protocolVersion {
		t.Errorf("protocolVersion = %v", params["protocolVersion"])
	}
	if len(mt.notifs) != 1 || mt.notifs[0].Method != "notifications/initialized" {
		t.Errorf("notifications = %+v, want notifications/initialized", mt.notifs)
	}
	if got := s.ServerInfo().Name; got != "users-management" {
		t.Errorf("ServerInfo().Name = %q", got)
	}
	if s.Capabilities().Prompts == nil {
		t.Error("Capabilities().Prompts = nil, want declared")
	}

	if _, err := s.Initialize(context.Background()); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("second Initialize = %v, want ErrAlreadyInitialized", err)
	}
}

func TestSession_InitializeConcurrent(t *testing.T) {
	mt := newMockTransport()
	mt.delay = 20 * time.Millisecond
	mt.addResponse("initialize", initResult(allCaps))
	s := NewSession("test", mt, nil)

	const callers = 4
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Initialize(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, already int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyInitialized):
			already++
		default:
			t.Errorf("Initialize = %v", err)
		}
	}
	if ok != 1 || already != callers-1 {
		t.Errorf("successes = %d, already initialized = %d, want 1 and %d", ok, already, callers-1)
	}
	if got := mt.methods(); len(got) != 1 {
		t.Errorf("requests sent = %v, want a single initialize", got)
	}
	if len(mt.notifs) != 1 {
		t.Errorf("sent %d initialized notifications, want 1", len(mt.notifs))
	}
}

func TestSession_InitializeRPCError(t *testing.T) {
	mt := newMockTransport()
	mt.addError("initialize", CodeInvalidParams, "unsupported protocol version")
	s := NewSession("test", mt, nil)

	_, err := s.Initialize(context.Background())
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("Initialize = %v, want *RPCError", err)
	}
	if len(mt.notifs) != 0 {
		t.Error("initialized notification sent after failed handshake")
	}
	if _, err := s.ListTools(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("ListTools after failed handshake = %v, want ErrNotInitialized", err)
	}
}

func TestSession_RequiresInitialize(t *testing.T) {
	ctx := context.Background()
	s := NewSession("test", newMockTransport(), nil)

	ops := map[string]func() error{
		"ListTools":     func() error { _, err := s.ListTools(ctx); return err },
		"CallTool":      func() error { _, err := s.CallTool(ctx, "search", nil); return err },
		"ListResources": func() error { _, err := s.ListResources(ctx); return err },
		"ListPrompts":   func() error { _, err := s.ListPrompts(ctx); return err },
		"GetPrompt":     func() error { _, err := s.GetPrompt(ctx, "p", nil); return err },
		"GetResource":   func() error { _, err := s.GetResource(ctx, "file:///x"); return err },
		"Ping":          func() error { return s.Ping(ctx) },
	}
	for name, op := range ops {
		if err := op(); !errors.Is(err, ErrNotInitialized) {
			t.Errorf("%s before Initialize = %v, want ErrNotInitialized", name, err)
		}
	}
}

func TestSession_ListToolsPaginates(t *testing.T) {
	s, mt := newTestSession(t, allCaps)
	mt.addResponse("tools/list", map[string]any{
		"tools": []ToolDefinition{
			{Name: "search", Description: "Web search", InputSchema: map[string]any{"type": "object"}},
		},
		"nextCursor": "page2",
	})
	mt.addResponse("tools/list", map[string]any{
		"tools": []ToolDefinition{{Name: "fetch"}},
	})

	tools, err := s.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}

	var names []string
	for _, td := range tools {
		names = append(names, td.Name)
	}
	if diff := cmp.Diff([]string{"search", "fetch"}, names); diff != "" {
		t.Errorf("tool order mismatch (-want +got):\n%s", diff)
	}

	last := mt.sent[len(mt.sent)-1]
	params, _ := last.Params.(map[string]any)
	if params["cursor"] != "page2" {
		t.Errorf("second page cursor = %v, want page2", params["cursor"])
	}
}

func TestSession_ListToolsEmpty(t *testing.T) {
	s, mt := newTestSession(t, allCaps)
	mt.addResponse("tools/list", map[string]any{"tools": []any{}})

	tools, err := s.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if tools == nil || len(tools) != 0 {
		t.Errorf("ListTools = %#v, want empty non-nil slice", tools)
	}
}

func TestSession_CallTool(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(mt *mockTransport)
		wantText string
		wantErr  func(error) bool
	}{
		{
			name: "success",
			setup: func(mt *mockTransport) {
				mt.addResponse("tools/call", ToolResult{Content: []Content{
					{Type: "text", Text: "Found 3 results"},
					{Type: "image", Data: "iVBORw0KGgo=", MimeType: "image/png"},
				}})
			},
			wantText: "Found 3 results\n[image]",
		},
		{
			name: "tool reported error",
			setup: func(mt *mockTransport) {
				mt.addResponse("tools/call", ToolResult{
					Content: []Content{{Type: "text", Text: "rate limited"}},
					IsError: true,
				})
			},
			wantErr: func(err error) bool {
				var te *ToolError
				return errors.As(err, &te) && te.Message == "rate limited" && te.Tool == "search"
			},
		},
		{
			name: "protocol error",
			setup: func(mt *mockTransport) {
				mt.addError("tools/call", CodeInvalidParams, "unknown tool")
			},
			wantErr: func(err error) bool {
				var rpcErr *RPCError
				return errors.As(err, &rpcErr) && rpcErr.Code == CodeInvalidParams
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mt := newTestSession(t, allCaps)
			tt.setup(mt)

			result, err := s.CallTool(context.Background(), "search", map[string]any{"query": "go"})
			if tt.wantErr != nil {
				if !tt.wantErr(err) {
					t.Fatalf("CallTool error = %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("CallTool: %v", err)
			}
			if got := result.Text(); got != tt.wantText {
				t.Errorf("Text() = %q, want %q", got, tt.wantText)
			}

			params, _ := mt.sent[len(mt.sent)-1].Params.(map[string]any)
			if params["name"] != "search" {
				t.Errorf("name param = %v", params["name"])
			}
		})
	}
}

func TestSession_BestEffortListings(t *testing.T) {
	ctx := context.Background()

	t.Run("capability absent", func(t *testing.T) {
		s, mt := newTestSession(t, ServerCapabilities{Tools: &Capability{}})
		before := len(mt.sent)

		resources, err := s.ListResources(ctx)
		if err != nil || resources == nil || len(resources) != 0 {
			t.Errorf("ListResources = %#v, %v; want empty, nil", resources, err)
		}
		templates, err := s.ListResourceTemplates(ctx)
		if err != nil || len(templates) != 0 {
			t.Errorf("ListResourceTemplates = %#v, %v; want empty, nil", templates, err)
		}
		prompts, err := s.ListPrompts(ctx)
		if err != nil || len(prompts) != 0 {
			t.Errorf("ListPrompts = %#v, %v; want empty, nil", prompts, err)
		}
		if len(mt.sent) != before {
			t.Errorf("undeclared capabilities should not be queried, sent %v", mt.methods()[before:])
		}
	})

	t.Run("provider error twice", func(t *testing.T) {
		s, mt := newTestSession(t, allCaps)
		mt.addError("resources/list", CodeMethodNotFound, "Method not found")
		mt.addError("prompts/list", CodeInternalError, "boom")

		for range 2 {
			resources, err := s.ListResources(ctx)
			if err != nil || len(resources) != 0 {
				t.Errorf("ListResources = %#v, %v; want empty, nil", resources, err)
			}
			prompts, err := s.ListPrompts(ctx)
			if err != nil || len(prompts) != 0 {
				t.Errorf("ListPrompts = %#v, %v; want empty, nil", prompts, err)
			}
		}
	})

	t.Run("declared and listed", func(t *testing.T) {
		s, mt := newTestSession(t, allCaps)
		mt.addResponse("resources/list", map[string]any{"resources": []Resource{
			{URI: "users-management://flow-diagram", Name: "Flow diagram", MimeType: "image/png"},
		}})
		mt.addResponse("resources/templates/list", map[string]any{"resourceTemplates": []ResourceTemplate{
			{URITemplate: "users://{id}/profile", Name: "User profile"},
		}})
		mt.addResponse("prompts/list", map[string]any{"prompts": []Prompt{
			{Name: "make_search_request", Description: "Search helper"},
			{Name: "create_user_request", Arguments: []PromptArgument{{Name: "name", Required: true}}},
		}})

		resources, err := s.ListResources(ctx)
		if err != nil || len(resources) != 1 || resources[0].MimeType != "image/png" {
			t.Errorf("ListResources = %+v, %v", resources, err)
		}
		templates, err := s.ListResourceTemplates(ctx)
		if err != nil || len(templates) != 1 {
			t.Errorf("ListResourceTemplates = %+v, %v", templates, err)
		}
		prompts, err := s.ListPrompts(ctx)
		if err != nil || len(prompts) != 2 || !prompts[1].Arguments[0].Required {
			t.Errorf("ListPrompts = %+v, %v", prompts, err)
		}
	})

	t.Run("session closed escapes", func(t *testing.T) {
		s, _ := newTestSession(t, allCaps)
		s.Close()
		if _, err := s.ListResources(ctx); !errors.Is(err, ErrSessionClosed) {
			t.Errorf("ListResources after Close = %v, want ErrSessionClosed", err)
		}
	})
}

func TestSession_GetPrompt(t *testing.T) {
	s, mt := newTestSession(t, allCaps)
	mt.addResponse("prompts/get", map[string]any{
		"description": "Search helper",
		"messages": []map[string]any{
			{"role": "user", "content": map[string]any{"type": "text", "text": "First line"}},
			{"role": "assistant", "content": map[string]any{"type": "text", "text": "Second line"}},
		},
	})

	got, err := s.GetPrompt(context.Background(), "make_search_request", map[string]string{"topic": "otters"})
	if err != nil {
		t.Fatalf("GetPrompt: %v", err)
	}
	if want := "First line\nSecond line\n"; got != want {
		t.Errorf("GetPrompt = %q, want %q", got, want)
	}

	params, _ := mt.sent[len(mt.sent)-1].Params.(map[string]any)
	if args, _ := params["arguments"].(map[string]string); args["topic"] != "otters" {
		t.Errorf("arguments param = %v", params["arguments"])
	}
}

func TestSession_GetResource(t *testing.T) {
	s, mt := newTestSession(t, allCaps)
	mt.addResponse("resources/read", map[string]any{"contents": []map[string]any{
		{"uri": "users-management://flow-diagram", "mimeType": "image/png", "blob": "aGVsbG8="},
	}})
	mt.addResponse("resources/read", map[string]any{"contents": []map[string]any{
		{"uri": "file:///readme.md", "mimeType": "text/markdown", "text": "# Readme"},
	}})
	mt.addResponse("resources/read", map[string]any{"contents": []any{}})

	ctx := context.Background()

	blob, err := s.GetResource(ctx, "users-management://flow-diagram")
	if err != nil {
		t.Fatalf("GetResource blob: %v", err)
	}
	if !blob.IsBlob() || string(blob.Blob) != "hello" {
		t.Errorf("blob contents = %+v", blob)
	}

	text, err := s.GetResource(ctx, "file:///readme.md")
	if err != nil {
		t.Fatalf("GetResource text: %v", err)
	}
	if text.IsBlob() || text.Text != "# Readme" {
		t.Errorf("text contents = %+v", text)
	}

	if _, err := s.GetResource(ctx, "file:///missing"); err == nil {
		t.Error("GetResource with empty contents should error")
	}
}

func TestSession_ExpandTemplate(t *testing.T) {
	s := NewSession("test", newMockTransport(), nil)

	uri, err := s.ExpandTemplate(ResourceTemplate{URITemplate: "users://{id}/profile{?fields}"},
		map[string]string{"id": "42", "fields": "name"})
	if err != nil {
		t.Fatalf("ExpandTemplate: %v", err)
	}
	if want := "users://42/profile?fields=name"; uri != want {
		t.Errorf("ExpandTemplate = %q, want %q", uri, want)
	}

	if _, err := s.ExpandTemplate(ResourceTemplate{URITemplate: "users://{id"}, nil); err == nil {
		t.Error("ExpandTemplate with malformed template should error")
	}
}

func TestSession_Close(t *testing.T) {
	s, mt := newTestSession(t, allCaps)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if mt.closed != 1 {
		t.Errorf("transport closed %d times, want 1", mt.closed)
	}
	if _, err := s.CallTool(context.Background(), "search", nil); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("CallTool after Close = %v, want ErrSessionClosed", err)
	}
	if _, err := s.Initialize(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Initialize after Close = %v, want ErrSessionClosed", err)
	}
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name   string
		blocks []Content
		want   string
	}{
		{"empty", nil, ""},
		{"text", []Content{{Type: "text", Text: "a"}, {Type: "text", Text: "b"}}, "a\nb"},
		{"audio marker", []Content{{Type: "audio"}}, "[audio]"},
		{"embedded text resource", []Content{{Type: "resource", Resource: &ResourceContents{Text: "inline"}}}, "inline"},
		{"embedded blob resource", []Content{{Type: "resource", Resource: &ResourceContents{Blob: []byte{1}}}}, "[resource]"},
		{"unknown", []Content{{Type: "resource_link"}}, "[resource_link]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractText(tt.blocks); got != tt.want {
				t.Errorf("extractText = %q, want %q", got, tt.want)
			}
		})
	}
}
