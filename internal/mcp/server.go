package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/agoralab/agora/internal/orchestrator"
	"github.com/agoralab/agora/internal/routing"
	"github.com/agoralab/agora/internal/store"
	"github.com/agoralab/agora/internal/types"
)

// maxBodySize bounds a single JSON-RPC request body
const maxBodySize = 1 << 20

// Server implements MCP over HTTP (POST-only JSON-RPC)
type Server struct {
	tools      *ToolRegistry
	logger     *zap.Logger
	onToolCall func(agentID, toolName string)
}

// NewServer creates an MCP server with an empty tool registry
func NewServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{tools: NewToolRegistry(), logger: logger}
}

// SetToolCallCallback installs a hook invoked per tool call (metrics)
func (s *Server) SetToolCallCallback(cb func(agentID, toolName string)) {
	s.onToolCall = cb
}

// RegisterTool adds a tool to the server
func (s *Server) RegisterTool(tool ToolDefinition) {
	s.tools.Register(tool)
}

// ServeHTTP handles one JSON-RPC request. The caller identifies itself
// with the X-Agent-ID header (or agent_id query parameter).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	agentID := r.Header.Get("X-Agent-ID")
	if agentID == "" {
		agentID = r.URL.Query().Get("agent_id")
	}
	if agentID == "" {
		http.Error(w, "X-Agent-ID header or agent_id query param required", http.StatusBadRequest)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var req types.MCPRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeResponse(w, types.NewErrorResponse(nil, types.CodeParseError, "parse error"))
		return
	}

	resp := s.handleRequest(agentID, &req)

	// Notifications get no response body.
	if req.ID == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeResponse(w, resp)
}

func writeResponse(w http.ResponseWriter, resp *types.MCPResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleRequest(agentID string, req *types.MCPRequest) *types.MCPResponse {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "tools/list":
		return types.NewResponse(req.ID, map[string]interface{}{"tools": s.tools.List()})
	case "tools/call":
		return s.handleToolsCall(agentID, req)
	default:
		return types.NewErrorResponse(req.ID, types.CodeMethodNotFound,
			fmt.Sprintf("method not found: %s", req.Method))
	}
}

func (s *Server) handleInitialize(req *types.MCPRequest) *types.MCPResponse {
	return types.NewResponse(req.ID, map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"serverInfo": map[string]string{
			"name":    "agora",
			"version": "1.0.0",
		},
		"capabilities": map[string]interface{}{
			"tools": map[string]bool{"listChanged": false},
		},
	})
}

func (s *Server) handleToolsCall(agentID string, req *types.MCPRequest) *types.MCPResponse {
	var call types.MCPToolCall
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &call); err != nil {
			return types.NewErrorResponse(req.ID, types.CodeInvalidParams, "invalid params")
		}
	}
	if call.Name == "" {
		return types.NewErrorResponse(req.ID, types.CodeInvalidParams, "tool name required")
	}

	if s.onToolCall != nil {
		s.onToolCall(agentID, call.Name)
	}

	result, err := s.tools.Execute(call.Name, agentID, call.Arguments)
	if err != nil {
		code, msg := errorCode(err)
		s.logger.Debug("tool call failed",
			zap.String("agent_id", agentID),
			zap.String("tool", call.Name),
			zap.Int("code", code),
			zap.Error(err))
		return types.NewErrorResponse(req.ID, code, msg)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return types.NewErrorResponse(req.ID, types.CodeInternalError, "result serialization failed")
	}
	return types.NewResponse(req.ID, map[string]interface{}{
		"content": []map[string]interface{}{
			{"type": "text", "text": string(raw)},
		},
	})
}

// errorCode maps domain errors to the wire error codes
func errorCode(err error) (int, string) {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return types.CodeInvalidParams, ve.Error()
	case errors.Is(err, store.ErrNotFound):
		return types.CodeTaskNotFound, err.Error()
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrDuplicateDecision):
		return types.CodeConflictingState, err.Error()
	case errors.Is(err, routing.ErrNoEligibleAgent):
		return types.CodeNoEligibleAgent, err.Error()
	case errors.Is(err, orchestrator.ErrUnauthorized):
		return types.CodeUnauthorized, err.Error()
	case errors.Is(err, store.ErrInvalid):
		return types.CodeInvalidParams, err.Error()
	default:
		return types.CodeInternalError, err.Error()
	}
}
