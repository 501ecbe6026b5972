package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInitialized is returned by every session operation issued
	// before a successful [Session.Initialize].
	ErrNotInitialized = errors.New("mcp: session not initialized")

	// ErrAlreadyInitialized is returned when Initialize is called twice
	// on the same session.
	ErrAlreadyInitialized = errors.New("mcp: session already initialized")

	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("mcp: session closed")

	// ErrTransportClosed is returned by a transport that was never
	// opened or has already been closed.
	ErrTransportClosed = errors.New("mcp: transport closed")
)

// TransportError reports a failure to open, use, or close the channel
// to a capability provider. It is fatal for the session that owns the
// transport.
type TransportError struct {
	Kind string // "stdio", "http" or "websocket"
	Op   string // "open", "send", "notify" or "close"
	Err  error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("mcp %s transport %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *TransportError) Unwrap() error { return e.Err }

// UnsupportedCapabilityError describes a provider that does not offer
// an optional capability such as resources or prompts. Best-effort
// listings log it and return an empty result instead of failing.
type UnsupportedCapabilityError struct {
	Capability string
	Err        error
}

// Error implements the error interface.
func (e *UnsupportedCapabilityError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("mcp server does not support %s", e.Capability)
	}
	return fmt.Sprintf("mcp server does not support %s: %v", e.Capability, e.Err)
}

// Unwrap returns the underlying cause, if any.
func (e *UnsupportedCapabilityError) Unwrap() error { return e.Err }

// ToolError is returned by [Session.CallTool] when the provider executed
// the tool and reported a failure in the result (isError: true).
type ToolError struct {
	Tool    string
	Message string
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	return fmt.Sprintf("MCP tool %s returned error: %s", e.Tool, e.Message)
}

// IsMethodNotFound reports whether err is a JSON-RPC "method not found"
// error, which providers return for capabilities they do not implement.
func IsMethodNotFound(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == CodeMethodNotFound
}
