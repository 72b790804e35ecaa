package agent

import "encoding/json"

// EventType discriminates the events a loop run emits.
type EventType string

const (
	// EventAgentStart is the first event of every run.
	EventAgentStart EventType = "agent_start"

	// EventAgentEnd is the last event of every run, including aborted ones.
	EventAgentEnd EventType = "agent_end"

	// EventTurnStart opens a turn. Carries Turn and MaxTurns.
	EventTurnStart EventType = "turn_start"

	// EventTurnEnd closes a turn. Carries Turn and HasToolCalls.
	EventTurnEnd EventType = "turn_end"

	// EventContentDelta is an incremental fragment of assistant text.
	EventContentDelta EventType = "content_delta"

	// EventThinkingDelta is an incremental fragment of reasoning text.
	EventThinkingDelta EventType = "thinking_delta"

	// EventStreamEnd marks the end of assistant text for the current turn.
	// Emitted only when the assistant produced non-whitespace content.
	EventStreamEnd EventType = "stream_end"

	// EventContent carries the full assistant text for consumers that do
	// not subscribe to deltas.
	EventContent EventType = "content"

	// EventThinking carries the full reasoning text for consumers that do
	// not subscribe to deltas.
	EventThinking EventType = "thinking"

	// EventToolStart announces a tool call before execution. Carries
	// ToolCall and ToolKind.
	EventToolStart EventType = "tool_start"

	// EventToolResult carries the outcome of a tool call.
	EventToolResult EventType = "tool_result"

	// EventTokenUsage reports per-turn token accounting.
	EventTokenUsage EventType = "token_usage"

	// EventCompacting brackets a context compaction. Carries Compacting.
	EventCompacting EventType = "compacting"

	// EventTodoUpdate carries an updated todo list surfaced by a tool.
	EventTodoUpdate EventType = "todo_update"

	// EventError carries a non-fatal error message.
	EventError EventType = "error"
)

// TokenUsage is the payload of an EventTokenUsage event.
type TokenUsage struct {
	Input      int `json:"input"`
	Output     int `json:"output"`
	Total      int `json:"total"`
	MaxContext int `json:"max_context"`
}

// Event is a single entry in the loop's output stream. Consumers switch on
// Type; only the fields relevant to that type are populated.
type Event struct {
	Type EventType `json:"type"`

	// Turn and MaxTurns accompany turn_start; Turn and HasToolCalls
	// accompany turn_end.
	Turn         int  `json:"turn,omitempty"`
	MaxTurns     int  `json:"max_turns,omitempty"`
	HasToolCalls bool `json:"has_tool_calls,omitempty"`

	// Delta carries incremental text for content_delta / thinking_delta.
	Delta string `json:"delta,omitempty"`

	// Text carries full text for content / thinking.
	Text string `json:"text,omitempty"`

	// ToolCall and ToolKind accompany tool_start; ToolCall and Result
	// accompany tool_result.
	ToolCall *ToolCallRequest `json:"tool_call,omitempty"`
	ToolKind ToolKind         `json:"tool_kind,omitempty"`
	Result   *ToolResult      `json:"result,omitempty"`

	// Usage accompanies token_usage.
	Usage *TokenUsage `json:"usage,omitempty"`

	// Compacting accompanies compacting.
	Compacting bool `json:"compacting,omitempty"`

	// Todos accompanies todo_update. Kept opaque; the loop forwards the
	// tool's todo payload without interpreting it.
	Todos json.RawMessage `json:"todos,omitempty"`

	// Message accompanies error.
	Message string `json:"message,omitempty"`
}
