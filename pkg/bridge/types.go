package bridge

import (
	"encoding/json"
)

// RPCRequest represents a JSON-RPC 2.0 request
type RPCRequest struct {
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	JSONRPC string          `json:"jsonrpc"`
}

// RPCResponse represents a JSON-RPC 2.0 response. Exactly one of result
// and error is sent; a successful nil result is sent as "result": null.
type RPCResponse struct {
	ID      string      `json:"id"`
	Result  interface{} `json:"result"`
	Error   *RPCError   `json:"error,omitempty"`
	JSONRPC string      `json:"jsonrpc"`
}

// MarshalJSON drops the result member from error responses
func (r RPCResponse) MarshalJSON() ([]byte, error) {
	if r.Error != nil {
		return json.Marshal(struct {
			ID      string    `json:"id"`
			Error   *RPCError `json:"error"`
			JSONRPC string    `json:"jsonrpc"`
		}{r.ID, r.Error, r.JSONRPC})
	}
	type plain RPCResponse
	return json.Marshal(plain(r))
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return e.Message
}

// RPC error codes
const (
	ParseError        = -32700
	InvalidRequest    = -32600
	MethodNotFound    = -32601
	InvalidParams     = -32602
	InternalError     = -32603
	UnknownCaller     = -32001
	PermissionDenied  = -32003
	PathEscape        = -32004
	RateLimitExceeded = -32005
)

// NewRPCError builds the wire error for a failed call
func NewRPCError(err error) *RPCError {
	return &RPCError{
		Code:    RPCCode(err),
		Message: err.Error(),
		Data:    map[string]string{"code": CodeOf(err)},
	}
}

// FetchOptions are the optional arguments of network.fetch
type FetchOptions struct {
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// FetchResult is the normalized network.fetch response
type FetchResult struct {
	OK         bool              `json:"ok"`
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// FileResult is the filesystem.readFile response
type FileResult struct {
	Content  string `json:"content"`
	MimeType string `json:"mimeType"`
}

// Notification is a sanitized notifications.show request
type Notification struct {
	PluginID   string                 `json:"pluginId"`
	PluginName string                 `json:"pluginName"`
	Title      string                 `json:"title"`
	Body       string                 `json:"body"`
	Options    map[string]interface{} `json:"options,omitempty"`
}
