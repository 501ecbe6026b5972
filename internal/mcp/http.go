package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sync"

	"github.com/nugget/mcpchat/internal/httpkit"
)

// sessionHeader carries the provider-assigned session identifier on
// every request after initialization.
const sessionHeader = "Mcp-Session-Id"

// HTTPConfig configures an HTTP MCP transport that communicates with a
// remote MCP server over streamable HTTP.
type HTTPConfig struct {
	// URL is the MCP server endpoint, e.g. "http://localhost:8005/mcp".
	URL string

	// Headers are additional HTTP headers sent with every request
	// (e.g., Authorization).
	Headers map[string]string

	// Client overrides the HTTP client. Nil builds one via httpkit
	// without an overall timeout, since event streams are long-lived.
	Client *http.Client

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// HTTPTransport communicates with an MCP server over streamable HTTP.
// Each JSON-RPC message is sent as an HTTP POST. The server answers a
// request either with a single JSON body or with an event stream that
// eventually carries the response.
type HTTPTransport struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger

	// closeCtx is cancelled by Close so that in-flight requests and
	// event streams unblock.
	closeCtx  context.Context
	closeFunc context.CancelFunc

	mu        sync.RWMutex
	opened    bool
	closed    bool
	sessionID string
}

// NewHTTPTransport creates an HTTP transport for the given config.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := cfg.Client
	if client == nil {
		client = httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithLogger(logger),
			httpkit.WithRetry(2, httpkit.DefaultRetryDelay),
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &HTTPTransport{
		url:        cfg.URL,
		headers:    cfg.Headers,
		httpClient: client,
		logger:     logger,
		closeCtx:   ctx,
		closeFunc:  cancel,
	}
}

// Open marks the transport ready. The remote session itself is created
// by the server in response to the initialize request.
func (t *HTTPTransport) Open(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return t.fail("open", ErrTransportClosed)
	}
	t.opened = true
	return nil
}

// Send posts a JSON-RPC request and returns the response with the same ID.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := t.ready("send"); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(t.closeCtx, cancel)
	defer stop()

	httpResp, err := t.post(ctx, req)
	if err != nil {
		return nil, t.fail("send", err)
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return nil, t.fail("send", fmt.Errorf("MCP server returned %d: %s", httpResp.StatusCode, errBody))
	}

	mediaType, _, _ := mime.ParseMediaType(httpResp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		resp, err := t.awaitEvent(httpResp.Body, req.ID)
		if err != nil {
			if t.closeCtx.Err() != nil {
				err = ErrTransportClosed
			}
			return nil, t.fail("send", err)
		}
		return resp, nil
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20)) // 10 MiB limit
	if err != nil {
		return nil, t.fail("send", fmt.Errorf("read response body: %w", err))
	}
	resp, ok, err := decodeResponse(body)
	if err != nil {
		return nil, t.fail("send", err)
	}
	if !ok || resp.ID != req.ID {
		return nil, t.fail("send", fmt.Errorf("response does not answer request %d", req.ID))
	}
	return resp, nil
}

// awaitEvent reads an event stream until the response to id arrives.
func (t *HTTPTransport) awaitEvent(body io.Reader, id int64) (*Response, error) {
	for evt, err := range scanEvents(body) {
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errStreamEnded
			}
			return nil, fmt.Errorf("read event stream: %w", err)
		}
		if len(evt.data) == 0 {
			continue
		}
		resp, ok, err := decodeResponse(evt.data)
		if err != nil {
			t.logger.Debug("skipping malformed MCP event", "data", string(evt.data))
			continue
		}
		if !ok {
			t.logger.Debug("skipping server-initiated MCP message", "data", string(evt.data))
			continue
		}
		if resp.ID == id {
			return resp, nil
		}
		t.logger.Debug("skipping unmatched MCP message", "id", resp.ID)
	}
	return nil, errStreamEnded
}

// Notify posts a JSON-RPC notification. Servers answer 202 Accepted;
// 200 is tolerated as well.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	if err := t.ready("notify"); err != nil {
		return err
	}

	httpResp, err := t.post(ctx, notif)
	if err != nil {
		return t.fail("notify", err)
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return t.fail("notify", fmt.Errorf("MCP server returned %d for notification: %s", httpResp.StatusCode, errBody))
	}
	return nil
}

// Close ends the remote session with a best-effort DELETE and cancels
// any in-flight request. It is idempotent.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sid := t.sessionID
	t.mu.Unlock()

	t.closeFunc()

	if sid == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), httpkit.DefaultResponseHeader)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.url, nil)
	if err != nil {
		return nil
	}
	t.setHeaders(httpReq, sid)

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		t.logger.Debug("MCP session delete failed", "error", err)
		return nil
	}
	httpkit.DrainAndClose(httpResp.Body, 1<<20)
	t.logger.Debug("MCP session ended", "status", httpResp.StatusCode)
	return nil
}

// post sends one JSON-RPC message and records the session ID the
// server assigns.
func (t *HTTPTransport) post(ctx context.Context, msg any) (*http.Response, error) {
	body, err := encodeMessage(msg)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	t.mu.RLock()
	sid := t.sessionID
	t.mu.RUnlock()
	t.setHeaders(httpReq, sid)

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to %s: %w", t.url, err)
	}

	if newSID := httpResp.Header.Get(sessionHeader); newSID != "" && newSID != sid {
		t.mu.Lock()
		t.sessionID = newSID
		t.mu.Unlock()
		t.logger.Debug("MCP session established", "session_id", newSID)
	}
	return httpResp, nil
}

func (t *HTTPTransport) setHeaders(req *http.Request, sid string) {
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	if sid != "" {
		req.Header.Set(sessionHeader, sid)
	}
}

func (t *HTTPTransport) ready(op string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed || !t.opened {
		return t.fail(op, ErrTransportClosed)
	}
	return nil
}

func (t *HTTPTransport) fail(op string, err error) error {
	return &TransportError{Kind: TransportHTTP, Op: op, Err: err}
}
