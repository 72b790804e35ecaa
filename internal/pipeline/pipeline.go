// Package pipeline implements the tool execution side of the runtime: a
// registry of tools with argument validation and permission gating in
// front of execution.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/openloom/loom/internal/agent"
)

// Permission modes carried in agent.ExecutionContext.
const (
	ModeDefault = "default"
	ModePlan    = "plan"
	ModeYolo    = "yolo"
)

// Tool is one executable capability. Schema returns the JSON Schema for
// the tool's parameters; it is compiled once at registration.
type Tool interface {
	Name() string
	Description() string
	Kind() agent.ToolKind
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage, execCtx agent.ExecutionContext) (*agent.ToolResult, error)
}

type entry struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry is the agent.ExecutionPipeline implementation. Registration is
// thread-safe; lookups take a read lock only.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*entry)}
}

// Register adds a tool, compiling its parameter schema. A tool with the
// same name is replaced.
func (r *Registry) Register(tool Tool) error {
	compiled, err := compileSchema(tool.Name(), tool.Schema())
	if err != nil {
		return fmt.Errorf("register %s: %w", tool.Name(), err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = &entry{tool: tool, schema: compiled}
	return nil
}

// Kind reports a registered tool's kind. Unknown names report execute so
// consumers render them with the most caution.
func (r *Registry) Kind(name string) agent.ToolKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.tools[name]; ok {
		return e.tool.Kind()
	}
	return agent.ToolKindExecute
}

// Definitions returns the LLM-facing declarations of all registered tools.
func (r *Registry) Definitions() []agent.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]agent.ToolDefinition, 0, len(r.tools))
	for _, e := range r.tools {
		defs = append(defs, agent.ToolDefinition{
			Name:        e.tool.Name(),
			Description: e.tool.Description(),
			Parameters:  e.tool.Schema(),
		})
	}
	return defs
}

// Execute validates and runs one tool call. Unknown tools, schema
// violations, and permission denials come back as failed results rather
// than Go errors so the model sees them as tool output.
func (r *Registry) Execute(ctx context.Context, name string, params json.RawMessage, execCtx agent.ExecutionContext) (*agent.ToolResult, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return failedResult("TOOL_NOT_FOUND", "tool not found: "+name), nil
	}

	if err := validateParams(e.schema, params); err != nil {
		return failedResult("INVALID_PARAMS", fmt.Sprintf("invalid parameters for %s: %v", name, err)), nil
	}

	if denied := r.gate(ctx, e.tool, params, execCtx); denied != nil {
		return denied, nil
	}

	return e.tool.Execute(ctx, params, execCtx)
}

// gate applies the permission policy. Plan mode admits readonly tools
// only; outside yolo mode, write and execute tools require approval when
// a confirmation handler is present.
func (r *Registry) gate(ctx context.Context, tool Tool, params json.RawMessage, execCtx agent.ExecutionContext) *agent.ToolResult {
	kind := tool.Kind()
	if kind == agent.ToolKindReadonly {
		return nil
	}

	switch execCtx.PermissionMode {
	case ModePlan:
		return failedResult("PERMISSION_DENIED",
			fmt.Sprintf("tool %s is not allowed in plan mode", tool.Name()))
	case ModeYolo:
		return nil
	}

	if execCtx.ConfirmationHandler == nil {
		return nil
	}
	resp, err := execCtx.ConfirmationHandler.RequestConfirmation(ctx, &agent.ConfirmationRequest{
		Title:  "Allow tool execution?",
		Detail: fmt.Sprintf("%s wants to run with arguments: %s", tool.Name(), string(params)),
	})
	if err != nil {
		return failedResult("PERMISSION_DENIED",
			fmt.Sprintf("confirmation failed for %s: %v", tool.Name(), err))
	}
	if resp == nil || !resp.Approved {
		return failedResult("PERMISSION_DENIED",
			fmt.Sprintf("user declined execution of %s", tool.Name()))
	}
	return nil
}

func compileSchema(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	compiler := jsonschema.NewCompiler()
	url := "inline://" + name + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(schema)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

func validateParams(schema *jsonschema.Schema, params json.RawMessage) error {
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return err
	}
	return schema.Validate(decoded)
}

func failedResult(errType, message string) *agent.ToolResult {
	return &agent.ToolResult{
		Success: false,
		Error: &agent.ToolResultError{
			Type:    errType,
			Message: message,
		},
	}
}
