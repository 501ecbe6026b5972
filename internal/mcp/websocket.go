package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// WebSocketConfig configures a websocket MCP transport.
type WebSocketConfig struct {
	// URL is the websocket endpoint, e.g. "ws://localhost:8080/mcp".
	URL string

	// Headers are sent with the handshake request (e.g., Authorization).
	Headers map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// WebSocketTransport speaks JSON-RPC over a single websocket using the
// "mcp" subprotocol. A read loop routes each response to the request
// waiting for its ID.
type WebSocketTransport struct {
	config WebSocketConfig
	logger *slog.Logger

	writeMu sync.Mutex // gorilla allows one concurrent writer

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[int64]chan *Response
	done    chan struct{}
	readErr error
	closed  bool
}

// NewWebSocketTransport creates an unopened websocket transport.
func NewWebSocketTransport(cfg WebSocketConfig) *WebSocketTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketTransport{
		config:  cfg,
		logger:  logger,
		pending: make(map[int64]chan *Response),
		done:    make(chan struct{}),
	}
}

// Open dials the websocket and starts the read loop.
func (t *WebSocketTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return t.fail("open", ErrTransportClosed)
	}
	if t.conn != nil {
		return nil
	}

	header := http.Header{}
	for k, v := range t.config.Headers {
		header.Set(k, v)
	}

	dialer := websocket.Dialer{
		Subprotocols:     []string{"mcp"},
		HandshakeTimeout: websocket.DefaultDialer.HandshakeTimeout,
		ReadBufferSize:   1024 * 1024,
		WriteBufferSize:  64 * 1024,
	}

	t.logger.Info("connecting to MCP websocket", "url", t.config.URL)

	conn, resp, err := dialer.DialContext(ctx, t.config.URL, header)
	if err != nil {
		if resp != nil {
			return t.fail("open", fmt.Errorf("dial websocket: %w (status: %d)", err, resp.StatusCode))
		}
		return t.fail("open", fmt.Errorf("dial websocket: %w", err))
	}
	conn.SetReadLimit(10 << 20)

	t.conn = conn
	go t.readLoop(conn)
	return nil
}

// readLoop delivers responses to their waiters until the connection
// fails or is closed.
func (t *WebSocketTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			if !t.closed {
				t.readErr = err
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					t.logger.Info("MCP websocket closed by server")
				} else {
					t.logger.Error("MCP websocket read error, connection lost", "error", err)
				}
				t.closed = true
				close(t.done)
			}
			t.mu.Unlock()
			return
		}

		resp, ok, err := decodeResponse(data)
		if err != nil {
			t.logger.Debug("skipping malformed MCP message", "data", string(data))
			continue
		}
		if !ok {
			t.logger.Debug("skipping server-initiated MCP message", "data", string(data))
			continue
		}

		t.mu.Lock()
		ch, found := t.pending[resp.ID]
		if found {
			delete(t.pending, resp.ID)
		}
		t.mu.Unlock()

		if !found {
			t.logger.Debug("skipping unmatched MCP message", "id", resp.ID)
			continue
		}
		ch <- resp
	}
}

// Send writes a request and waits for the matching response.
func (t *WebSocketTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	respCh := make(chan *Response, 1)

	t.mu.Lock()
	if t.closed || t.conn == nil {
		t.mu.Unlock()
		return nil, t.fail("send", t.closedErr())
	}
	t.pending[req.ID] = respCh
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, req.ID)
		t.mu.Unlock()
	}()

	if err := t.write("send", req); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-t.done:
		t.mu.Lock()
		err := t.closedErr()
		t.mu.Unlock()
		return nil, t.fail("send", err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Notify writes a notification.
func (t *WebSocketTransport) Notify(_ context.Context, notif *Notification) error {
	t.mu.Lock()
	if t.closed || t.conn == nil {
		t.mu.Unlock()
		return t.fail("notify", t.closedErr())
	}
	t.mu.Unlock()
	return t.write("notify", notif)
}

// Close sends a close frame and tears the connection down. Pending
// requests fail with ErrTransportClosed.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}

	t.writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()

	if err := conn.Close(); err != nil {
		t.logger.Debug("MCP websocket close", "error", err)
	}
	return nil
}

func (t *WebSocketTransport) write(op string, msg any) error {
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return t.fail(op, ErrTransportClosed)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return t.fail(op, fmt.Errorf("write websocket message: %w", err))
	}
	return nil
}

func (t *WebSocketTransport) fail(op string, err error) error {
	return &TransportError{Kind: TransportWebSocket, Op: op, Err: err}
}

// closedErr returns the read failure that closed the connection, or
// ErrTransportClosed after an explicit Close. Caller must hold t.mu.
func (t *WebSocketTransport) closedErr() error {
	if t.readErr != nil {
		return fmt.Errorf("%w: %v", ErrTransportClosed, t.readErr)
	}
	return ErrTransportClosed
}
