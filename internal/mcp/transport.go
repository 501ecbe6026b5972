package mcp

import (
	"context"
	"fmt"
	"log/slog"
)

// Transport is the duplex channel between a [Session] and a capability
// provider. Implementations handle framing, encoding and correlation of
// JSON-RPC messages over a specific medium.
type Transport interface {
	// Open acquires the underlying channel: it starts the subprocess,
	// prepares the HTTP session or dials the websocket. Failures are
	// reported as *TransportError.
	Open(ctx context.Context) error

	// Send writes a JSON-RPC request and reads the response carrying
	// the same ID.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify writes a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, notif *Notification) error

	// Close releases the channel. It is idempotent, tolerates a channel
	// that was never opened, and unblocks any pending Send.
	Close() error
}

// Transport kinds accepted in [ServerConfig].
const (
	TransportStdio     = "stdio"
	TransportHTTP      = "http"
	TransportWebSocket = "websocket"
)

// ServerConfig describes one capability provider and how to reach it.
type ServerConfig struct {
	// Name identifies the provider in logs.
	Name string

	// Transport selects the variant: "stdio", "http" or "websocket".
	Transport string

	// Command, Args and Env configure the stdio subprocess.
	Command string
	Args    []string
	Env     []string

	// URL and Headers configure the network transports.
	URL     string
	Headers map[string]string
}

// NewTransport builds the transport variant selected by cfg.Transport.
// The transport is returned unopened.
func NewTransport(cfg ServerConfig, logger *slog.Logger) (Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("mcp_server", cfg.Name, "transport", cfg.Transport)

	switch cfg.Transport {
	case TransportStdio:
		if cfg.Command == "" {
			return nil, fmt.Errorf("mcp server %q: stdio transport requires a command", cfg.Name)
		}
		return NewStdioTransport(StdioConfig{
			Command: cfg.Command,
			Args:    cfg.Args,
			Env:     cfg.Env,
			Logger:  logger,
		}), nil
	case TransportHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("mcp server %q: http transport requires a url", cfg.Name)
		}
		return NewHTTPTransport(HTTPConfig{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Logger:  logger,
		}), nil
	case TransportWebSocket:
		if cfg.URL == "" {
			return nil, fmt.Errorf("mcp server %q: websocket transport requires a url", cfg.Name)
		}
		return NewWebSocketTransport(WebSocketConfig{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Logger:  logger,
		}), nil
	default:
		return nil, fmt.Errorf("mcp server %q: unknown transport %q", cfg.Name, cfg.Transport)
	}
}
