// Package rpc serves the tool surface over JSON-RPC 2.0: line-delimited
// stdio and streamable HTTP with per-session servers.
package rpc

import (
	"context"
	"encoding/json"

	"github.com/cawhq/caw/internal/core"
	"github.com/cawhq/caw/internal/logging"
	"github.com/cawhq/caw/internal/tools"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeServerError    = -32000
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ToolResult is the response body of a tool call. Errors ride inside
// the result with the isError flag; JSON-RPC level errors are reserved
// for protocol failures.
type ToolResult struct {
	IsError bool            `json:"isError,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *core.ToolError `json:"error,omitempty"`
}

// Dispatcher routes JSON-RPC requests to the tool registry.
type Dispatcher struct {
	registry *tools.Registry
	log      *logging.Logger
}

// NewDispatcher wraps a tool registry.
func NewDispatcher(registry *tools.Registry, log *logging.Logger) *Dispatcher {
	if log == nil {
		log = logging.NewNop()
	}
	return &Dispatcher{registry: registry, log: log}
}

// Handle processes one request and produces its response.
func (d *Dispatcher) Handle(ctx context.Context, req *Request) *Response {
	resp := &Response{JSONRPC: "2.0", ID: req.ID}

	if req.JSONRPC != "2.0" || req.Method == "" {
		resp.Error = &RPCError{Code: CodeInvalidRequest, Message: "Invalid Request"}
		return resp
	}

	if req.Method == "tools/list" {
		resp.Result = map[string]any{"tools": d.registry.List()}
		return resp
	}

	result, ok := d.registry.Call(ctx, req.Method, req.Params)
	if !ok {
		resp.Error = &RPCError{Code: CodeMethodNotFound, Message: "Method not found: " + req.Method}
		return resp
	}

	if result.IsError {
		te, _ := result.Payload.(*core.ToolError)
		resp.Result = &ToolResult{IsError: true, Error: te}
		return resp
	}
	resp.Result = &ToolResult{Result: result.Payload}
	return resp
}

// HandleRaw parses one raw request body and produces the serialized
// response. Parse failures yield a -32700 response.
func (d *Dispatcher) HandleRaw(ctx context.Context, body []byte) []byte {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		out, _ := json.Marshal(&Response{
			JSONRPC: "2.0",
			Error:   &RPCError{Code: CodeParseError, Message: "Parse error"},
		})
		return out
	}
	resp := d.Handle(ctx, &req)
	out, err := json.Marshal(resp)
	if err != nil {
		d.log.Error("serialising rpc response", "error", err)
		out, _ = json.Marshal(&Response{
			JSONRPC: "2.0", ID: req.ID,
			Error: &RPCError{Code: CodeServerError, Message: "response serialisation failed"},
		})
	}
	return out
}
