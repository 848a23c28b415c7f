package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agoralab/agora/internal/agents"
	"github.com/agoralab/agora/internal/orchestrator"
	"github.com/agoralab/agora/internal/registry"
	"github.com/agoralab/agora/internal/routing"
	"github.com/agoralab/agora/internal/tasks"
)

// Handlers binds the tool surface to the orchestrator and registry
type Handlers struct {
	orch      *orchestrator.Orchestrator
	registry  *registry.Registry
	transport *agents.HTTPTransport // nil when endpoints are static
}

// NewHandlers creates the tool handlers. transport may be nil; then
// register_agent cannot set endpoints dynamically.
func NewHandlers(orch *orchestrator.Orchestrator, reg *registry.Registry, transport *agents.HTTPTransport) *Handlers {
	return &Handlers{orch: orch, registry: reg, transport: transport}
}

// RegisterAll installs every tool on the server
func (h *Handlers) RegisterAll(s *Server) {
	directivesParam := ParameterDef{Type: "object", Description: "routing directives: forceConsensus, preventConsensus, skipConsensus, assignToAgent, isEmergency, multiStage, originalText, notes"}

	s.RegisterTool(ToolDefinition{
		Name:        "create_consensus_task",
		Description: "Create a task routed through the full strategy decision table, typically multi-agent consensus",
		Parameters: map[string]ParameterDef{
			"title":          {Type: "string", Description: "short task title", Required: true},
			"description":    {Type: "string", Description: "full task description"},
			"roleInWorkflow": {Type: "string", Description: "EXECUTION, REVIEW, FOLLOW_UP or ESCALATION"},
			"type":           {Type: "string", Description: "task type, e.g. IMPLEMENTATION, REVIEW, BUGFIX", Required: true},
			"complexity":     {Type: "integer", Description: "1-10", Required: true},
			"risk":           {Type: "integer", Description: "1-10", Required: true},
			"directives":     directivesParam,
		},
		Handler: h.createConsensusTask,
	})

	s.RegisterTool(ToolDefinition{
		Name:        "create_simple_task",
		Description: "Create a low-ceremony task; defaults to minimal complexity and risk",
		Parameters: map[string]ParameterDef{
			"title":          {Type: "string", Description: "short task title", Required: true},
			"description":    {Type: "string", Description: "full task description"},
			"roleInWorkflow": {Type: "string", Description: "workflow role"},
			"type":           {Type: "string", Description: "task type", Required: true},
			"complexity":     {Type: "integer", Description: "1-10, default 1"},
			"risk":           {Type: "integer", Description: "1-10, default 1"},
			"skipConsensus":  {Type: "boolean", Description: "route solo regardless of scores"},
			"directives":     directivesParam,
		},
		Handler: h.createSimpleTask,
	})

	s.RegisterTool(ToolDefinition{
		Name:        "assign_task",
		Description: "Create a task handed directly to a named agent",
		Parameters: map[string]ParameterDef{
			"title":       {Type: "string", Description: "short task title", Required: true},
			"description": {Type: "string", Description: "full task description"},
			"type":        {Type: "string", Description: "task type, default IMPLEMENTATION"},
			"complexity":  {Type: "integer", Description: "1-10, default 3"},
			"risk":        {Type: "integer", Description: "1-10, default 3"},
			"targetAgent": {Type: "string", Description: "agent to receive the task", Required: true},
			"directives":  directivesParam,
		},
		Handler: h.assignTask,
	})

	s.RegisterTool(ToolDefinition{
		Name:        "get_pending_tasks",
		Description: "List tasks awaiting input from an agent (defaults to the caller)",
		Parameters: map[string]ParameterDef{
			"agentId": {Type: "string", Description: "agent to query, default caller"},
		},
		Handler: h.getPendingTasks,
	})

	s.RegisterTool(ToolDefinition{
		Name:        "get_task_status",
		Description: "Get a task's current status and assignment",
		Parameters: map[string]ParameterDef{
			"taskId": {Type: "string", Description: "task ID", Required: true},
		},
		Handler: h.getTaskStatus,
	})

	s.RegisterTool(ToolDefinition{
		Name:        "continue_task",
		Description: "Get a task with its proposals, decision and transition history",
		Parameters: map[string]ParameterDef{
			"taskId": {Type: "string", Description: "task ID", Required: true},
		},
		Handler: h.continueTask,
	})

	s.RegisterTool(ToolDefinition{
		Name:        "respond_to_task",
		Description: "Submit a response to a task and receive a context bundle",
		Parameters: map[string]ParameterDef{
			"taskId":    {Type: "string", Description: "task ID", Required: true},
			"response":  {Type: "object", Description: "content, inputType, confidence, metadata", Required: true},
			"agentId":   {Type: "string", Description: "submitting agent, default caller"},
			"maxTokens": {Type: "integer", Description: "context budget"},
		},
		Handler: h.respondToTask,
	})

	s.RegisterTool(ToolDefinition{
		Name:        "submit_input",
		Description: "Submit a proposal for a task; identical content is a no-op",
		Parameters: map[string]ParameterDef{
			"taskId":     {Type: "string", Description: "task ID", Required: true},
			"agentId":    {Type: "string", Description: "submitting agent, default caller"},
			"inputType":  {Type: "string", Description: "e.g. INITIAL_SOLUTION, REFINEMENT, VOTE"},
			"confidence": {Type: "number", Description: "0-1", Required: true},
			"content":    {Type: "string", Description: "proposal body, up to 100 KB", Required: true},
		},
		Handler: h.submitInput,
	})

	s.RegisterTool(ToolDefinition{
		Name:        "complete_task",
		Description: "Complete a task with an explicit decision; creator only, idempotent on terminal tasks",
		Parameters: map[string]ParameterDef{
			"taskId":        {Type: "string", Description: "task ID", Required: true},
			"resultSummary": {Type: "string", Description: "outcome summary", Required: true},
			"decision":      {Type: "object", Description: "considered, selected, agreementRate, rationale"},
		},
		Handler: h.completeTask,
	})

	s.RegisterTool(ToolDefinition{
		Name:        "cancel_task",
		Description: "Cancel a non-terminal task, releasing any waiting consensus",
		Parameters: map[string]ParameterDef{
			"taskId": {Type: "string", Description: "task ID", Required: true},
			"reason": {Type: "string", Description: "cancellation reason"},
		},
		Handler: h.cancelTask,
	})

	s.RegisterTool(ToolDefinition{
		Name:        "register_agent",
		Description: "Register or update an agent with capability strengths",
		Parameters: map[string]ParameterDef{
			"id":           {Type: "string", Description: "agent ID, default caller"},
			"name":         {Type: "string", Description: "display name"},
			"type":         {Type: "string", Description: "agent flavor"},
			"capabilities": {Type: "object", Description: "capability -> strength in [0,1]", Required: true},
			"endpoint":     {Type: "string", Description: "agent adapter base URL"},
		},
		Handler: h.registerAgent,
	})

	// Context retrieval forwards.
	s.RegisterTool(ToolDefinition{
		Name:        "query_context",
		Description: "Retrieve context snippets relevant to a query",
		Parameters: map[string]ParameterDef{
			"query":  {Type: "string", Description: "search query", Required: true},
			"scope":  {Type: "string", Description: "path or module scope"},
			"budget": {Type: "integer", Description: "token budget, default 2000"},
		},
		Handler: h.queryContext,
	})
	s.RegisterTool(ToolDefinition{
		Name:        "refresh_context",
		Description: "Refresh the context index incrementally",
		Handler:     h.refreshContext,
	})
	s.RegisterTool(ToolDefinition{
		Name:        "rebuild_context",
		Description: "Rebuild the context index from scratch",
		Handler:     h.rebuildContext,
	})
	s.RegisterTool(ToolDefinition{
		Name:        "get_rebuild_status",
		Description: "Report context index rebuild progress",
		Handler:     h.getRebuildStatus,
	})
	s.RegisterTool(ToolDefinition{
		Name:        "get_context_stats",
		Description: "Report context index statistics",
		Handler:     h.getContextStats,
	})
}

func (h *Handlers) createConsensusTask(agentID string, args map[string]interface{}) (interface{}, error) {
	req := orchestrator.CreateTaskRequest{
		Title:       strArg(args, "title", ""),
		Description: strArg(args, "description", ""),
		Type:        tasks.Type(strArg(args, "type", "")),
		Complexity:  intArg(args, "complexity", 0),
		Risk:        intArg(args, "risk", 0),
		Role:        tasks.WorkflowRole(strArg(args, "roleInWorkflow", "")),
		CreatedBy:   agentID,
		Directives:  directivesArg(args),
	}
	return h.orch.CreateTask(context.Background(), req)
}

func (h *Handlers) createSimpleTask(agentID string, args map[string]interface{}) (interface{}, error) {
	d := directivesArg(args)
	if skip, ok := args["skipConsensus"].(bool); ok && skip {
		d.SkipConsensus = true
	}
	req := orchestrator.CreateTaskRequest{
		Title:       strArg(args, "title", ""),
		Description: strArg(args, "description", ""),
		Type:        tasks.Type(strArg(args, "type", "")),
		Complexity:  intArg(args, "complexity", 1),
		Risk:        intArg(args, "risk", 1),
		Role:        tasks.WorkflowRole(strArg(args, "roleInWorkflow", "")),
		CreatedBy:   agentID,
		Directives:  d,
	}
	res, err := h.orch.CreateTask(context.Background(), req)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"taskId": res.TaskID, "status": res.Status}, nil
}

func (h *Handlers) assignTask(agentID string, args map[string]interface{}) (interface{}, error) {
	d := directivesArg(args)
	d.AssignToAgent = strArg(args, "targetAgent", "")
	taskType := tasks.Type(strArg(args, "type", string(tasks.TypeImplementation)))
	req := orchestrator.CreateTaskRequest{
		Title:       strArg(args, "title", ""),
		Description: strArg(args, "description", ""),
		Type:        taskType,
		Complexity:  intArg(args, "complexity", 3),
		Risk:        intArg(args, "risk", 3),
		CreatedBy:   agentID,
		Directives:  d,
	}
	res, err := h.orch.CreateTask(context.Background(), req)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"taskId": res.TaskID, "status": res.Status}, nil
}

func (h *Handlers) getPendingTasks(agentID string, args map[string]interface{}) (interface{}, error) {
	target := strArg(args, "agentId", agentID)
	list, err := h.orch.GetPendingTasks(target)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*tasks.Task{}
	}
	return map[string]interface{}{"tasks": list}, nil
}

func (h *Handlers) getTaskStatus(agentID string, args map[string]interface{}) (interface{}, error) {
	t, err := h.orch.GetTaskStatus(strArg(args, "taskId", ""))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"taskId":    t.ID,
		"status":    t.Status,
		"type":      t.Type,
		"strategy":  t.Strategy,
		"assignees": t.Assignees,
		"round":     t.Round,
		"createdAt": t.CreatedAt,
		"updatedAt": t.UpdatedAt,
	}, nil
}

func (h *Handlers) continueTask(agentID string, args map[string]interface{}) (interface{}, error) {
	return h.orch.ContinueTask(strArg(args, "taskId", ""))
}

func (h *Handlers) respondToTask(agentID string, args map[string]interface{}) (interface{}, error) {
	resp, _ := args["response"].(map[string]interface{})
	content := strArg(resp, "content", "")
	if content == "" {
		return nil, &ValidationError{Path: "response.content", Reason: "required parameter missing"}
	}
	inputType := tasks.InputType(strArg(resp, "inputType", string(tasks.InputInitialSolution)))
	confidence := floatArg(resp, "confidence", 0.5)
	submitter := strArg(args, "agentId", agentID)

	return h.orch.RespondToTask(context.Background(),
		strArg(args, "taskId", ""), submitter, inputType, content, confidence,
		intArg(args, "maxTokens", 0))
}

func (h *Handlers) submitInput(agentID string, args map[string]interface{}) (interface{}, error) {
	submitter := strArg(args, "agentId", agentID)
	inputType := tasks.InputType(strArg(args, "inputType", string(tasks.InputInitialSolution)))
	id, err := h.orch.SubmitInput(
		strArg(args, "taskId", ""), submitter, inputType,
		strArg(args, "content", ""), floatArg(args, "confidence", 0))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"proposalId": id}, nil
}

func (h *Handlers) completeTask(agentID string, args map[string]interface{}) (interface{}, error) {
	var md orchestrator.ManualDecision
	if raw, ok := args["decision"].(map[string]interface{}); ok {
		b, _ := json.Marshal(raw)
		json.Unmarshal(b, &md)
	}
	status, err := h.orch.CompleteTask(
		strArg(args, "taskId", ""), agentID, strArg(args, "resultSummary", ""), md)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"taskId": strArg(args, "taskId", ""), "status": status}, nil
}

func (h *Handlers) cancelTask(agentID string, args map[string]interface{}) (interface{}, error) {
	status, err := h.orch.CancelTask(
		strArg(args, "taskId", ""), agentID, strArg(args, "reason", ""))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"taskId": strArg(args, "taskId", ""), "status": status}, nil
}

func (h *Handlers) registerAgent(agentID string, args map[string]interface{}) (interface{}, error) {
	id := strArg(args, "id", agentID)
	caps := make(map[string]float64)
	if raw, ok := args["capabilities"].(map[string]interface{}); ok {
		for c, v := range raw {
			f, ok := v.(float64)
			if !ok {
				return nil, &ValidationError{Path: "capabilities." + c, Reason: "expected number"}
			}
			caps[c] = f
		}
	}
	if len(caps) == 0 {
		return nil, &ValidationError{Path: "capabilities", Reason: "at least one capability required"}
	}

	if ep := strArg(args, "endpoint", ""); ep != "" && h.transport != nil {
		h.transport.SetEndpoint(id, ep)
	}
	h.registry.Register(registry.Spec{
		ID:           id,
		Name:         strArg(args, "name", ""),
		Type:         strArg(args, "type", ""),
		Capabilities: caps,
	})
	return map[string]interface{}{"agentId": id, "status": "registered"}, nil
}

func (h *Handlers) queryContext(agentID string, args map[string]interface{}) (interface{}, error) {
	ctx, cancel := contextWithTimeout()
	defer cancel()
	snippets, err := h.orch.Provider().Query(ctx,
		strArg(args, "query", ""), strArg(args, "scope", ""), intArg(args, "budget", 2000))
	if err != nil {
		return nil, err
	}
	if snippets == nil {
		snippets = []agents.Snippet{}
	}
	return map[string]interface{}{"snippets": snippets}, nil
}

func (h *Handlers) refreshContext(agentID string, args map[string]interface{}) (interface{}, error) {
	ctx, cancel := contextWithTimeout()
	defer cancel()
	if err := h.orch.Provider().Refresh(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "refreshed"}, nil
}

func (h *Handlers) rebuildContext(agentID string, args map[string]interface{}) (interface{}, error) {
	ctx, cancel := contextWithTimeout()
	defer cancel()
	if err := h.orch.Provider().Rebuild(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "rebuild started"}, nil
}

func (h *Handlers) getRebuildStatus(agentID string, args map[string]interface{}) (interface{}, error) {
	ctx, cancel := contextWithTimeout()
	defer cancel()
	return h.orch.Provider().RebuildStatus(ctx)
}

func (h *Handlers) getContextStats(agentID string, args map[string]interface{}) (interface{}, error) {
	ctx, cancel := contextWithTimeout()
	defer cancel()
	return h.orch.Provider().Stats(ctx)
}

func contextWithTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func strArg(args map[string]interface{}, key, def string) string {
	if args == nil {
		return def
	}
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return def
}

func intArg(args map[string]interface{}, key string, def int) int {
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return def
}

func floatArg(args map[string]interface{}, key string, def float64) float64 {
	if v, ok := args[key].(float64); ok {
		return v
	}
	return def
}

func directivesArg(args map[string]interface{}) routing.Directives {
	var d routing.Directives
	if raw, ok := args["directives"].(map[string]interface{}); ok {
		b, _ := json.Marshal(raw)
		json.Unmarshal(b, &d)
	}
	return d
}
