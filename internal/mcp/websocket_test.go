package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

// newWebSocketServer serves a minimal MCP peer over the "mcp"
// subprotocol. Requests for "hangup" close the connection without a
// reply; every other request gets a notification and then its result.
func newWebSocketServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{Subprotocols: []string{"mcp"}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if conn.Subprotocol() != "mcp" {
			return
		}

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg struct {
				ID     *int64 `json:"id"`
				Method string `json:"method"`
			}
			if err := json.Unmarshal(data, &msg); err != nil || msg.ID == nil {
				continue
			}

			var result string
			switch msg.Method {
			case "hangup":
				return
			case "initialize":
				result = `{"protocolVersion":"2025-03-26","serverInfo":{"name":"ws","version":"1"},"capabilities":{"tools":{}}}`
			case "tools/list":
				result = `{"tools":[{"name":"weather","description":"Current weather"}]}`
			default:
				result = `{}`
			}

			_ = conn.WriteMessage(websocket.TextMessage,
				[]byte(`{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info"}}`))
			_ = conn.WriteMessage(websocket.TextMessage,
				[]byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, *msg.ID, result)))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketTransport_Session(t *testing.T) {
	srv := newWebSocketServer(t)

	session, err := Connect(t.Context(), ServerConfig{
		Name:      "ws",
		Transport: TransportWebSocket,
		URL:       wsURL(srv),
		Headers:   map[string]string{"Authorization": "Bearer secret"},
	}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer session.Close()

	tools, err := session.ListTools(t.Context())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "weather" {
		t.Errorf("ListTools = %+v, want [weather]", tools)
	}

	if err := session.Ping(t.Context()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestWebSocketTransport_DialRejected(t *testing.T) {
	srv := newWebSocketServer(t)

	tr := NewWebSocketTransport(WebSocketConfig{URL: wsURL(srv)})
	err := tr.Open(t.Context())

	var te *TransportError
	if !errors.As(err, &te) || te.Kind != TransportWebSocket || te.Op != "open" {
		t.Fatalf("Open without credentials = %v, want websocket open TransportError", err)
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error %q should mention the handshake status", err)
	}
}

func TestWebSocketTransport_ServerHangup(t *testing.T) {
	srv := newWebSocketServer(t)

	tr := NewWebSocketTransport(WebSocketConfig{
		URL:     wsURL(srv),
		Headers: map[string]string{"Authorization": "Bearer secret"},
	})
	if err := tr.Open(t.Context()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tr.Close()

	_, err := tr.Send(t.Context(), NewRequest(1, "hangup", nil))
	if !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("Send after hangup = %v, want ErrTransportClosed", err)
	}

	// Later calls fail fast.
	if err := tr.Notify(t.Context(), NewNotification("notifications/initialized", nil)); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Notify after hangup = %v, want ErrTransportClosed", err)
	}
}

func TestWebSocketTransport_CloseIdempotent(t *testing.T) {
	tr := NewWebSocketTransport(WebSocketConfig{URL: "ws://127.0.0.1:1"})
	if err := tr.Close(); err != nil {
		t.Fatalf("Close unopened: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := tr.Send(t.Context(), NewRequest(1, "ping", nil)); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Send after Close = %v, want ErrTransportClosed", err)
	}
}
