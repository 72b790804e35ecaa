package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/openloom/loom/internal/agent"
)

type staticTool struct {
	name   string
	kind   agent.ToolKind
	schema string
	result *agent.ToolResult
	err    error

	executed bool
}

func (t *staticTool) Name() string         { return t.name }
func (t *staticTool) Description() string  { return t.name + " tool" }
func (t *staticTool) Kind() agent.ToolKind { return t.kind }

func (t *staticTool) Schema() json.RawMessage {
	if t.schema == "" {
		return json.RawMessage(`{"type":"object"}`)
	}
	return json.RawMessage(t.schema)
}

func (t *staticTool) Execute(ctx context.Context, params json.RawMessage, _ agent.ExecutionContext) (*agent.ToolResult, error) {
	t.executed = true
	if t.err != nil {
		return nil, t.err
	}
	if t.result != nil {
		return t.result, nil
	}
	return &agent.ToolResult{Success: true, LLMContent: "ok"}, nil
}

type scriptedConfirm struct {
	approve bool
	err     error
	asked   int
}

func (c *scriptedConfirm) RequestConfirmation(ctx context.Context, req *agent.ConfirmationRequest) (*agent.ConfirmationResponse, error) {
	c.asked++
	if c.err != nil {
		return nil, c.err
	}
	return &agent.ConfirmationResponse{Approved: c.approve}, nil
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	res, err := r.Execute(context.Background(), "missing", nil, agent.ExecutionContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success || res.Error == nil || res.Error.Type != "TOOL_NOT_FOUND" {
		t.Errorf("result = %+v", res)
	}
}

func TestExecuteValidatesSchema(t *testing.T) {
	r := NewRegistry()
	tool := &staticTool{
		name:   "typed",
		kind:   agent.ToolKindReadonly,
		schema: `{"type":"object","properties":{"count":{"type":"integer"}},"required":["count"]}`,
	}
	if err := r.Register(tool); err != nil {
		t.Fatalf("register: %v", err)
	}

	res, err := r.Execute(context.Background(), "typed", json.RawMessage(`{"count":"three"}`), agent.ExecutionContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success || res.Error == nil || res.Error.Type != "INVALID_PARAMS" {
		t.Errorf("result = %+v", res)
	}
	if tool.executed {
		t.Error("tool ran despite schema violation")
	}

	res, err = r.Execute(context.Background(), "typed", json.RawMessage(`{"count":3}`), agent.ExecutionContext{})
	if err != nil || !res.Success {
		t.Errorf("valid params rejected: %+v, %v", res, err)
	}
}

func TestExecutePlanModeBlocksWrites(t *testing.T) {
	r := NewRegistry()
	reader := &staticTool{name: "reader", kind: agent.ToolKindReadonly}
	writer := &staticTool{name: "writer", kind: agent.ToolKindWrite}
	for _, tool := range []*staticTool{reader, writer} {
		if err := r.Register(tool); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	execCtx := agent.ExecutionContext{PermissionMode: ModePlan}

	res, _ := r.Execute(context.Background(), "writer", json.RawMessage(`{}`), execCtx)
	if res.Success || res.Error.Type != "PERMISSION_DENIED" {
		t.Errorf("writer result = %+v", res)
	}
	if writer.executed {
		t.Error("write tool ran in plan mode")
	}

	res, _ = r.Execute(context.Background(), "reader", json.RawMessage(`{}`), execCtx)
	if !res.Success {
		t.Errorf("reader result = %+v", res)
	}
}

func TestExecuteConfirmationFlow(t *testing.T) {
	cases := []struct {
		name    string
		confirm *scriptedConfirm
		wantRun bool
	}{
		{"approved", &scriptedConfirm{approve: true}, true},
		{"declined", &scriptedConfirm{approve: false}, false},
		{"handler error", &scriptedConfirm{err: errors.New("ui gone")}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRegistry()
			tool := &staticTool{name: "deleter", kind: agent.ToolKindExecute}
			if err := r.Register(tool); err != nil {
				t.Fatalf("register: %v", err)
			}
			res, _ := r.Execute(context.Background(), "deleter", json.RawMessage(`{}`), agent.ExecutionContext{
				PermissionMode:      ModeDefault,
				ConfirmationHandler: tc.confirm,
			})
			if tc.confirm.asked != 1 {
				t.Errorf("asked %d times", tc.confirm.asked)
			}
			if tool.executed != tc.wantRun {
				t.Errorf("executed = %v, want %v", tool.executed, tc.wantRun)
			}
			if !tc.wantRun && (res.Success || res.Error.Type != "PERMISSION_DENIED") {
				t.Errorf("result = %+v", res)
			}
		})
	}
}

func TestExecuteYoloSkipsConfirmation(t *testing.T) {
	r := NewRegistry()
	tool := &staticTool{name: "deleter", kind: agent.ToolKindExecute}
	if err := r.Register(tool); err != nil {
		t.Fatalf("register: %v", err)
	}
	confirm := &scriptedConfirm{approve: false}
	res, _ := r.Execute(context.Background(), "deleter", json.RawMessage(`{}`), agent.ExecutionContext{
		PermissionMode:      ModeYolo,
		ConfirmationHandler: confirm,
	})
	if confirm.asked != 0 {
		t.Error("confirmation requested in yolo mode")
	}
	if !res.Success {
		t.Errorf("result = %+v", res)
	}
}

func TestKindLookup(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&staticTool{name: "reader", kind: agent.ToolKindReadonly}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if got := r.Kind("reader"); got != agent.ToolKindReadonly {
		t.Errorf("Kind(reader) = %s", got)
	}
	if got := r.Kind("stranger"); got != agent.ToolKindExecute {
		t.Errorf("Kind(stranger) = %s", got)
	}
}

func TestDefinitionsExposeRegisteredTools(t *testing.T) {
	r := NewRegistry()
	if err := RegisterBuiltins(r); err != nil {
		t.Fatalf("builtins: %v", err)
	}
	defs := r.Definitions()
	names := make(map[string]bool, len(defs))
	for _, d := range defs {
		if len(d.Parameters) == 0 {
			t.Errorf("tool %s has no schema", d.Name)
		}
		names[d.Name] = true
	}
	for _, want := range []string{"clock", "calculator", "exit"} {
		if !names[want] {
			t.Errorf("builtin %s missing from definitions", want)
		}
	}
}
