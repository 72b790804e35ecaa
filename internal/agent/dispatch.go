package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// toolOutcome pairs a tool call with its result and the journal UUID
// returned by the before-exec hook.
type toolOutcome struct {
	call        ToolCallRequest
	result      *ToolResult
	toolUseUUID string
}

// ToolDispatcher fans out one turn's tool calls: arguments are parsed and
// repaired, the pipeline is invoked in parallel (one goroutine per call),
// and outcomes are surfaced in request order regardless of completion
// order so the model can reason about call positions deterministically.
type ToolDispatcher struct {
	pipeline ExecutionPipeline
	execCtx  ExecutionContext
	hooks    Hooks
}

// NewToolDispatcher creates a dispatcher for one run.
func NewToolDispatcher(pipeline ExecutionPipeline, execCtx ExecutionContext, hooks Hooks) *ToolDispatcher {
	return &ToolDispatcher{
		pipeline: pipeline,
		execCtx:  execCtx,
		hooks:    hooks,
	}
}

// RunAll executes calls in parallel and returns outcomes indexed by call
// position. Cancellation is observed by the pipeline; in-flight calls are
// waited out so the batch never outlives its results.
func (d *ToolDispatcher) RunAll(ctx context.Context, calls []ToolCallRequest) []toolOutcome {
	if len(calls) == 0 {
		return nil
	}

	outcomes := make([]toolOutcome, len(calls))
	var wg sync.WaitGroup

	for i := range calls {
		wg.Add(1)
		go func(idx int, call ToolCallRequest) {
			defer wg.Done()
			outcomes[idx] = d.runOne(ctx, call)
		}(i, calls[i])
	}

	wg.Wait()
	return outcomes
}

// runOne executes a single call: parse, repair, hook, execute.
func (d *ToolDispatcher) runOne(ctx context.Context, call ToolCallRequest) toolOutcome {
	out := toolOutcome{call: call}

	params, err := parseToolArguments(call)
	if err != nil {
		out.result = executionFailure(fmt.Sprintf("invalid tool arguments for %s: %v", call.Name, err))
		return out
	}

	if d.hooks.OnBeforeToolExec != nil {
		out.toolUseUUID = d.hooks.OnBeforeToolExec(&call, params)
	}

	result, err := d.pipeline.Execute(ctx, call.Name, params, d.execCtx)
	if err != nil {
		out.result = executionFailure(err.Error())
		return out
	}
	if result == nil {
		out.result = executionFailure(fmt.Sprintf("tool %s returned no result", call.Name))
		return out
	}
	out.result = result
	return out
}

// parseToolArguments parses the raw argument text and applies the two
// model-output repairs: a fabricated Task subagent session id, and a todos
// field that arrived as a JSON string instead of an array.
func parseToolArguments(call ToolCallRequest) (json.RawMessage, error) {
	raw := call.Arguments
	if raw == "" {
		raw = "{}"
	}

	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, err
	}

	repaired := repairTaskSessionID(call.Name, params)
	repaired = repairTodosField(params) || repaired
	if !repaired {
		return json.RawMessage(raw), nil
	}

	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// repairTaskSessionID fabricates a subagent session id for Task calls that
// arrive without one, preferring a non-empty resume id.
func repairTaskSessionID(toolName string, params map[string]any) bool {
	if toolName != "Task" {
		return false
	}
	if id, ok := params["subagent_session_id"].(string); ok && id != "" {
		return false
	}
	if resume, ok := params["resume"].(string); ok && resume != "" {
		params["subagent_session_id"] = resume
		return true
	}
	params["subagent_session_id"] = uuid.NewString()
	return true
}

// repairTodosField parses a stringly-typed todos field. On parse failure
// the value is left as is and schema validation decides.
func repairTodosField(params map[string]any) bool {
	s, ok := params["todos"].(string)
	if !ok {
		return false
	}
	var parsed any
	if err := json.Unmarshal([]byte(s), &parsed); err != nil {
		return false
	}
	params["todos"] = parsed
	return true
}

// executionFailure builds the synthetic failed result for argument parse
// failures and pipeline errors.
func executionFailure(message string) *ToolResult {
	return &ToolResult{
		Success: false,
		Error: &ToolResultError{
			Type:    "EXECUTION_ERROR",
			Message: message,
		},
	}
}
