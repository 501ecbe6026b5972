package mcp

import (
	"encoding/json"
	"fmt"

	fastjson "github.com/segmentio/encoding/json"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// Standard JSON-RPC error codes that the session inspects.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is a JSON-RPC 2.0 request message.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest creates a JSON-RPC 2.0 request with the given method and params.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Response is a JSON-RPC 2.0 response message. Exactly one of Result
// or Error is non-nil in a well-formed response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Notification is a JSON-RPC 2.0 notification (no ID, no response expected).
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification creates a JSON-RPC 2.0 notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	}
}

// envelope is the superset of fields needed to classify an inbound
// message before decoding it as a response.
type envelope struct {
	ID     *int64 `json:"id"`
	Method string `json:"method"`
}

// encodeMessage marshals an outbound request or notification.
func encodeMessage(msg any) ([]byte, error) {
	data, err := fastjson.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}

// decodeResponse parses one inbound frame. ok is false for frames that
// are not responses: server-initiated requests and notifications carry
// a method, and anything that is not JSON is skipped by the caller.
func decodeResponse(data []byte) (resp *Response, ok bool, err error) {
	var env envelope
	if err := fastjson.Unmarshal(data, &env); err != nil {
		return nil, false, fmt.Errorf("unmarshal message: %w", err)
	}
	if env.Method != "" || env.ID == nil {
		return nil, false, nil
	}

	var r Response
	if err := fastjson.Unmarshal(data, &r); err != nil {
		return nil, false, fmt.Errorf("unmarshal response: %w", err)
	}
	return &r, true, nil
}
