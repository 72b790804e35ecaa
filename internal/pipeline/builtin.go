package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/openloom/loom/internal/agent"
)

// reflectSchema derives a tool parameter schema from a Go struct. The
// reflector inlines definitions so providers get a single object schema.
func reflectSchema(v any) json.RawMessage {
	reflector := jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(v)
	schema.Version = ""
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}

// RegisterBuiltins installs the stock tools.
func RegisterBuiltins(r *Registry) error {
	for _, tool := range []Tool{
		&ClockTool{},
		&CalculatorTool{},
		&ExitTool{},
	} {
		if err := r.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

type clockParams struct {
	// Timezone is an IANA zone name such as "Europe/Berlin". Defaults to UTC.
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone name; defaults to UTC"`
}

// ClockTool reports the current time.
type ClockTool struct{}

func (t *ClockTool) Name() string            { return "clock" }
func (t *ClockTool) Description() string     { return "Report the current date and time." }
func (t *ClockTool) Kind() agent.ToolKind    { return agent.ToolKindReadonly }
func (t *ClockTool) Schema() json.RawMessage { return reflectSchema(&clockParams{}) }

func (t *ClockTool) Execute(ctx context.Context, params json.RawMessage, _ agent.ExecutionContext) (*agent.ToolResult, error) {
	var p clockParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	loc := time.UTC
	if p.Timezone != "" {
		parsed, err := time.LoadLocation(p.Timezone)
		if err != nil {
			return failedResult("INVALID_PARAMS", "unknown timezone: "+p.Timezone), nil
		}
		loc = parsed
	}
	now := time.Now().In(loc)
	return &agent.ToolResult{
		Success:    true,
		LLMContent: now.Format(time.RFC3339),
	}, nil
}

type calculatorParams struct {
	Op string  `json:"op" jsonschema:"required,enum=add,enum=sub,enum=mul,enum=div,description=Arithmetic operation"`
	A  float64 `json:"a" jsonschema:"required,description=Left operand"`
	B  float64 `json:"b" jsonschema:"required,description=Right operand"`
}

// CalculatorTool performs basic arithmetic.
type CalculatorTool struct{}

func (t *CalculatorTool) Name() string            { return "calculator" }
func (t *CalculatorTool) Description() string     { return "Perform basic arithmetic on two numbers." }
func (t *CalculatorTool) Kind() agent.ToolKind    { return agent.ToolKindReadonly }
func (t *CalculatorTool) Schema() json.RawMessage { return reflectSchema(&calculatorParams{}) }

func (t *CalculatorTool) Execute(ctx context.Context, params json.RawMessage, _ agent.ExecutionContext) (*agent.ToolResult, error) {
	var p calculatorParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	var value float64
	switch p.Op {
	case "add":
		value = p.A + p.B
	case "sub":
		value = p.A - p.B
	case "mul":
		value = p.A * p.B
	case "div":
		if p.B == 0 {
			return failedResult("EXECUTION_ERROR", "division by zero"), nil
		}
		value = p.A / p.B
	default:
		return nil, errors.New("unreachable: op validated by schema")
	}
	return &agent.ToolResult{
		Success:        true,
		LLMContent:     map[string]any{"value": value},
		DisplayContent: fmt.Sprintf("%g %s %g = %g", p.A, p.Op, p.B, value),
	}, nil
}

type exitParams struct {
	Message    string `json:"message,omitempty" jsonschema:"description=Final message to surface to the user"`
	TargetMode string `json:"target_mode,omitempty" jsonschema:"description=Mode to switch the session into after exit"`
}

// ExitTool ends the run from inside a tool call. Its result metadata
// carries the exit escape hatch the loop honours mid-batch.
type ExitTool struct{}

func (t *ExitTool) Name() string            { return "exit" }
func (t *ExitTool) Description() string     { return "End the current run, optionally switching the session mode." }
func (t *ExitTool) Kind() agent.ToolKind    { return agent.ToolKindReadonly }
func (t *ExitTool) Schema() json.RawMessage { return reflectSchema(&exitParams{}) }

func (t *ExitTool) Execute(ctx context.Context, params json.RawMessage, _ agent.ExecutionContext) (*agent.ToolResult, error) {
	var p exitParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	content := p.Message
	if content == "" {
		content = "run ended by exit tool"
	}
	metadata := map[string]any{agent.MetaExitLoop: true}
	if p.TargetMode != "" {
		metadata[agent.MetaTargetMode] = p.TargetMode
	}
	return &agent.ToolResult{
		Success:    true,
		LLMContent: content,
		Metadata:   metadata,
	}, nil
}
