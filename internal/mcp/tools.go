// Package mcp exposes the orchestrator as JSON-RPC 2.0 tools over a
// single POST endpoint, following the MCP method vocabulary
// (initialize, tools/list, tools/call).
package mcp

import (
	"fmt"
	"sort"
)

// ToolHandler processes a validated tool call
type ToolHandler func(agentID string, args map[string]interface{}) (interface{}, error)

// ParameterDef describes one tool parameter for the schema and for
// pre-dispatch validation.
type ParameterDef struct {
	Type        string // string, number, integer, boolean, object, array
	Description string
	Required    bool
}

// ToolDefinition describes an MCP tool
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]ParameterDef
	Handler     ToolHandler
}

// ToolRegistry manages available MCP tools
type ToolRegistry struct {
	tools map[string]ToolDefinition
}

// NewToolRegistry creates an empty registry
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]ToolDefinition)}
}

// Register adds a tool
func (r *ToolRegistry) Register(tool ToolDefinition) {
	r.tools[tool.Name] = tool
}

// Get returns a tool by name
func (r *ToolRegistry) Get(name string) (ToolDefinition, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns the tool schemas for tools/list, sorted by name
func (r *ToolRegistry) List() []map[string]interface{} {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)

	tools := make([]map[string]interface{}, 0, len(names))
	for _, n := range names {
		tool := r.tools[n]
		props := make(map[string]interface{})
		required := []string{}
		for pname, def := range tool.Parameters {
			props[pname] = map[string]interface{}{
				"type":        def.Type,
				"description": def.Description,
			}
			if def.Required {
				required = append(required, pname)
			}
		}
		sort.Strings(required)
		tools = append(tools, map[string]interface{}{
			"name":        tool.Name,
			"description": tool.Description,
			"inputSchema": map[string]interface{}{
				"type":       "object",
				"properties": props,
				"required":   required,
			},
		})
	}
	return tools
}

// Execute validates arguments against the tool's schema and runs the
// handler. Validation failures name the offending parameter; the
// handler is never invoked on invalid input.
func (r *ToolRegistry) Execute(name, agentID string, args map[string]interface{}) (interface{}, error) {
	tool, ok := r.tools[name]
	if !ok {
		return nil, &ValidationError{Path: "name", Reason: fmt.Sprintf("unknown tool: %s", name)}
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	for pname, def := range tool.Parameters {
		v, present := args[pname]
		if !present || v == nil {
			if def.Required {
				return nil, &ValidationError{Path: pname, Reason: "required parameter missing"}
			}
			continue
		}
		if err := checkType(pname, def.Type, v); err != nil {
			return nil, err
		}
	}
	return tool.Handler(agentID, args)
}

// ValidationError is an InvalidArgument with the parameter path
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Path, e.Reason)
}

func checkType(path, want string, v interface{}) error {
	ok := false
	switch want {
	case "string":
		_, ok = v.(string)
	case "number", "integer":
		// JSON numbers decode as float64.
		_, ok = v.(float64)
	case "boolean":
		_, ok = v.(bool)
	case "object":
		_, ok = v.(map[string]interface{})
	case "array":
		_, ok = v.([]interface{})
	default:
		ok = true
	}
	if !ok {
		return &ValidationError{Path: path, Reason: fmt.Sprintf("expected %s, got %T", want, v)}
	}
	if want == "integer" {
		f := v.(float64)
		if f != float64(int(f)) {
			return &ValidationError{Path: path, Reason: "expected integer"}
		}
	}
	return nil
}
