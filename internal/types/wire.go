package types

import "encoding/json"

// JSON-RPC 2.0 error codes. Standard codes first, then the server's
// own range starting at -32001.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeTaskNotFound     = -32001
	CodeConflictingState = -32002
	CodeNoEligibleAgent  = -32003
	CodeBusy             = -32004
	CodeUnauthorized     = -32005
)

// MCPRequest is an incoming JSON-RPC 2.0 request
type MCPRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// MCPResponse is an outgoing JSON-RPC 2.0 response
type MCPResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *MCPError   `json:"error,omitempty"`
}

// MCPError is the error member of a failed response
type MCPError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *MCPError) Error() string { return e.Message }

// NewResponse builds a success response for a request ID
func NewResponse(id interface{}, result interface{}) *MCPResponse {
	return &MCPResponse{JSONRPC: "2.0", ID: id, Result: result}
}

// NewErrorResponse builds an error response for a request ID
func NewErrorResponse(id interface{}, code int, message string) *MCPResponse {
	return &MCPResponse{JSONRPC: "2.0", ID: id, Error: &MCPError{Code: code, Message: message}}
}

// MCPToolCall is the params payload of a tools/call request
type MCPToolCall struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// MCPNotification is a server-initiated message without an ID
type MCPNotification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// WSMessage frames dashboard websocket traffic
type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// WebSocket message type constants
const (
	WSTypeEvent       = "event"
	WSTypeTaskUpdate  = "task_update"
	WSTypeAgentStatus = "agent_status"
	WSTypeDecision    = "decision"
)
