package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/openloom/loom/internal/observability"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one role-tagged turn in the conversation transcript. The loop
// appends assistant and tool messages as the run progresses; compaction may
// replace the tail after the pinned system message.
type Message struct {
	Role Role `json:"role"`

	// Content is the textual body. Tool messages always carry a string
	// here: non-string tool output is serialised to JSON before append.
	Content string `json:"content"`

	// ReasoningContent is model-internal reasoning kept for provider
	// replay. Only set on assistant messages.
	ReasoningContent string `json:"reasoning_content,omitempty"`

	// ToolCalls is set on assistant messages that request tool execution.
	ToolCalls []ToolCallRequest `json:"tool_calls,omitempty"`

	// ToolCallID and ToolName are set on tool messages and identify the
	// call this message answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
}

// ToolCallType is the transport type of a tool call. The loop executes only
// function-typed calls and silently drops the rest.
type ToolCallType string

// ToolCallFunction is the only transport type the loop executes.
const ToolCallFunction ToolCallType = "function"

// ToolCallRequest is a tool invocation as emitted by the model. Arguments
// arrive as raw JSON text; the dispatcher parses and repairs them.
type ToolCallRequest struct {
	ID        string       `json:"id"`
	Type      ToolCallType `json:"type"`
	Name      string       `json:"name"`
	Arguments string       `json:"arguments"`
}

// ToolKind classifies a tool's effect so consumers can render or police
// calls without knowing the implementation.
type ToolKind string

const (
	ToolKindReadonly ToolKind = "readonly"
	ToolKindWrite    ToolKind = "write"
	ToolKindExecute  ToolKind = "execute"
)

// Tool result metadata keys the loop interprets. Everything else is
// forwarded opaquely.
const (
	// MetaExitLoop, when true, terminates the run after this result.
	MetaExitLoop = "shouldExitLoop"

	// MetaTargetMode names the permission mode to switch into after exit.
	MetaTargetMode = "targetMode"

	// MetaModelID and MetaModel request a mid-loop model swap; the swap
	// itself is performed externally through the OnAfterToolExec hook.
	MetaModelID = "modelId"
	MetaModel   = "model"

	// MetaTodos carries an updated todo list; the loop surfaces it as a
	// todo_update event without interpreting it.
	MetaTodos = "todos"
)

// ToolResultError describes a failed tool execution.
type ToolResultError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ToolResult is the outcome of a single tool execution.
type ToolResult struct {
	Success bool `json:"success"`

	// LLMContent is what goes back to the model. Strings pass through;
	// anything else is serialised to canonical JSON on append.
	LLMContent any `json:"llm_content,omitempty"`

	// DisplayContent is an optional human-facing rendering.
	DisplayContent string `json:"display_content,omitempty"`

	Error *ToolResultError `json:"error,omitempty"`

	// Metadata carries side-band signals (see the Meta* keys) plus
	// sub-agent reference fields forwarded to the journal untouched.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ShouldExitLoop reports whether the result requests loop termination.
func (r *ToolResult) ShouldExitLoop() bool {
	if r == nil || r.Metadata == nil {
		return false
	}
	v, _ := r.Metadata[MetaExitLoop].(bool)
	return v
}

// TargetMode returns the permission mode requested for after exit.
func (r *ToolResult) TargetMode() string {
	if r == nil || r.Metadata == nil {
		return ""
	}
	v, _ := r.Metadata[MetaTargetMode].(string)
	return v
}

// RequestedModel returns the trimmed model id of a mid-loop swap request.
func (r *ToolResult) RequestedModel() string {
	if r == nil || r.Metadata == nil {
		return ""
	}
	for _, key := range []string{MetaModelID, MetaModel} {
		if v, ok := r.Metadata[key].(string); ok {
			if trimmed := strings.TrimSpace(v); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

// ContentString returns the string the transcript records for this result:
// the error message for failures, the content itself when it is a string,
// canonical JSON otherwise.
func (r *ToolResult) ContentString() string {
	if r == nil {
		return ""
	}
	if !r.Success && r.Error != nil && r.Error.Message != "" {
		return r.Error.Message
	}
	switch v := r.LLMContent.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// Usage is the token accounting a chat response reports.
type Usage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// ChatResponse is a finished model response, delivered whole or
// reconstructed from a fragment stream.
type ChatResponse struct {
	Content          string            `json:"content"`
	ReasoningContent string            `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCallRequest `json:"tool_calls,omitempty"`
	Usage            *Usage            `json:"usage,omitempty"`
}

// ToolDefinition is an LLM-shaped tool declaration passed to the chat
// service verbatim.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ModelConfig describes the chat service's active model.
type ModelConfig struct {
	Model            string
	MaxContextTokens int
	MaxOutputTokens  int
	APIKey           string
	BaseURL          string
}

// ChatService is the LLM transport capability the loop consumes. Transport
// details (HTTP, streaming parse, provider quirks) live behind it.
//
// Implementations must be safe for concurrent use; the loop issues one
// request at a time but services are shared across sessions.
type ChatService interface {
	Chat(ctx context.Context, messages []Message, tools []ToolDefinition) (*ChatResponse, error)
	Config() ModelConfig
}

// FragmentKind discriminates stream fragments.
type FragmentKind string

const (
	FragmentContent   FragmentKind = "content"
	FragmentReasoning FragmentKind = "reasoning"
)

// StreamFragment is one delta of a streaming chat response.
type StreamFragment struct {
	Kind  FragmentKind
	Delta string
}

// StreamingChatService is the optional streaming capability. A ChatService
// that implements it is consumed fragment-by-fragment; onFragment is called
// from the service's goroutine for every delta, and the final accumulated
// response is returned when the stream closes.
type StreamingChatService interface {
	ChatService
	ChatStream(ctx context.Context, messages []Message, tools []ToolDefinition, onFragment func(StreamFragment)) (*ChatResponse, error)
}

// ConfirmationRequest asks the user to approve an action.
type ConfirmationRequest struct {
	Title   string            `json:"title"`
	Detail  string            `json:"detail,omitempty"`
	Options map[string]string `json:"options,omitempty"`
}

// ConfirmationResponse is the user's answer.
type ConfirmationResponse struct {
	Approved bool              `json:"approved"`
	Answers  map[string]string `json:"answers,omitempty"`
}

// ConfirmationHandler surfaces interactive approval prompts. It is
// forwarded unchanged into every pipeline call.
type ConfirmationHandler interface {
	RequestConfirmation(ctx context.Context, req *ConfirmationRequest) (*ConfirmationResponse, error)
}

// ExecutionContext is the per-run identity and policy passed into every
// tool execution.
type ExecutionContext struct {
	SessionID           string
	UserID              string
	WorkspaceRoot       string
	PermissionMode      string
	ConfirmationHandler ConfirmationHandler
}

// ExecutionPipeline executes tools by name. It must be safe to call from
// N parallel goroutines for N distinct tool call ids; per-file locking is
// its concern, not the loop's.
type ExecutionPipeline interface {
	Execute(ctx context.Context, name string, params json.RawMessage, execCtx ExecutionContext) (*ToolResult, error)

	// Kind reports the registered kind of a tool, defaulting to execute
	// for unknown names.
	Kind(name string) ToolKind
}

// CompactRequest parameterises a compaction call.
type CompactRequest struct {
	// Trigger is "auto" for threshold-driven compaction and "turn_limit"
	// for user-approved continuation.
	Trigger          string
	ModelName        string
	MaxContextTokens int
	APIKey           string
	BaseURL          string

	// ActualPreTokens is the real prompt token count when known, used in
	// place of the estimate.
	ActualPreTokens int
}

// CompactResult is what a compaction call returns.
type CompactResult struct {
	CompactedMessages []Message
	Summary           string
	PreTokens         int
	PostTokens        int
	FilesIncluded     []string
}

// CompactionService summarises the earlier portion of a transcript into a
// compact representative form.
type CompactionService interface {
	Compact(ctx context.Context, messages []Message, req *CompactRequest) (*CompactResult, error)
}

// TurnContext is what the BeforeTurn hook sees. Messages points at the
// loop's live transcript so the hook (typically the compaction
// coordinator) can rebuild it in place.
type TurnContext struct {
	Turn             int
	Messages         *[]Message
	LastPromptTokens int
}

// AssistantTurn is the payload of the OnAssistantMessage hook.
type AssistantTurn struct {
	Content          string
	ReasoningContent string
	ToolCalls        []ToolCallRequest
	Turn             int
}

// StopVerdict is the stop hook's answer. ShouldStop false forces the loop
// to continue with ContinueReason (or a default reminder) injected as a
// user message.
type StopVerdict struct {
	ShouldStop     bool
	ContinueReason string
	Warning        string
}

// TurnLimitDecision is the interactive turn-limit hook's answer.
type TurnLimitDecision struct {
	Continue bool
	Reason   string
}

// CompactOutcome is what the turn-limit compaction hook returns.
type CompactOutcome struct {
	Success           bool
	CompactedMessages []Message
	ContinueMessage   *Message
}

// Hooks are the optional observation and policy callbacks of a run. All of
// them may be nil. Hook errors other than StopCheck's are the supplier's
// problem; the loop treats hook calls as fire-and-forget.
type Hooks struct {
	// BeforeTurn runs before each turn. Events it emits are forwarded
	// verbatim; the returned bool reports whether compaction happened and
	// is used only as a journal signal.
	BeforeTurn func(ctx context.Context, tc *TurnContext, emit func(Event)) bool

	// OnAssistantMessage observes every assistant message appended to the
	// transcript.
	OnAssistantMessage func(turn *AssistantTurn)

	// OnBeforeToolExec runs before each tool execution. The returned UUID
	// is threaded to the matching OnAfterToolExec call.
	OnBeforeToolExec func(call *ToolCallRequest, params json.RawMessage) string

	// OnAfterToolExec observes every tool result, in request order.
	OnAfterToolExec func(call *ToolCallRequest, result *ToolResult, toolUseUUID string)

	// OnComplete observes the final assistant message of a successful run.
	OnComplete func(content string, turn int)

	// StopCheck can veto the loop's decision to stop. A panic or error is
	// treated as ShouldStop true.
	StopCheck func(content string, turn int) (*StopVerdict, error)

	// OnTurnLimitReached asks whether to continue past the turn budget.
	// Nil means the run is non-interactive and stops hard.
	OnTurnLimitReached func(turnsCount int) *TurnLimitDecision

	// OnTurnLimitCompact compacts the transcript for a user-approved
	// continuation.
	OnTurnLimitCompact func(ctx context.Context, messages []Message) *CompactOutcome
}

// LoopConfig is the immutable configuration of one run.
type LoopConfig struct {
	Chat     ChatService
	Pipeline ExecutionPipeline

	// Tools are the LLM-shaped declarations offered to the model.
	Tools []ToolDefinition

	// Messages is the initial transcript. The loop owns it for the
	// duration of the run; the caller must not mutate it concurrently.
	Messages []Message

	// MaxTurns is the configured turn budget. 0 disables chat entirely;
	// -1 means unlimited (bounded by the safety ceiling).
	MaxTurns int

	// YoloMode disables the user-facing cap; the safety ceiling still
	// applies as a runaway guard.
	YoloMode bool

	PermissionMode   string
	MaxContextTokens int

	Exec  ExecutionContext
	Hooks Hooks

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// ErrorType is the loop-level error taxonomy observable in LoopResult.
type ErrorType string

const (
	ErrTypeAborted          ErrorType = "aborted"
	ErrTypeChatDisabled     ErrorType = "chat_disabled"
	ErrTypeMaxTurnsExceeded ErrorType = "max_turns_exceeded"
	ErrTypeAPIError         ErrorType = "api_error"
)

// LoopResultError is the terminal error of a failed run.
type LoopResultError struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message,omitempty"`
	Details any       `json:"details,omitempty"`
}

// ResultMetadata summarises a run.
type ResultMetadata struct {
	TurnsCount     int           `json:"turns_count"`
	ToolCallsCount int           `json:"tool_calls_count"`
	Duration       time.Duration `json:"duration"`
	TokensUsed     int           `json:"tokens_used,omitempty"`
	ShouldExitLoop bool          `json:"should_exit_loop,omitempty"`
	TargetMode     string        `json:"target_mode,omitempty"`

	// ConfiguredMaxTurns and ActualMaxTurns are populated when the run
	// stopped at the turn limit by user choice.
	ConfiguredMaxTurns int `json:"configured_max_turns,omitempty"`
	ActualMaxTurns     int `json:"actual_max_turns,omitempty"`
}

// LoopResult is the terminal verdict of a run.
type LoopResult struct {
	Success      bool             `json:"success"`
	FinalMessage string           `json:"final_message,omitempty"`
	Error        *LoopResultError `json:"error,omitempty"`
	Metadata     ResultMetadata   `json:"metadata"`
}
