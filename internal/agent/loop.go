package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// eventBufferSize is the event channel capacity. A slow consumer
// backpressures the loop naturally once the buffer fills.
const eventBufferSize = 64

// defaultContinueReminder is injected when the stop hook forces
// continuation without giving a reason.
const defaultContinueReminder = "<system-reminder>The task is not finished. Continue with the next step without replying to this reminder.</system-reminder>"

// AgentLoop is the turn scheduler. One loop drives one run: it calls the
// chat service, fans out tool execution, emits events, enforces limits,
// and owns the transcript for the duration of Run.
//
// The loop holds no session state across runs; sessionId, messages, and
// hooks are all inputs to a single run.
type AgentLoop struct {
	cfg        *LoopConfig
	logger     *slog.Logger
	runner     *TurnRunner
	dispatcher *ToolDispatcher
	limits     *TurnLimitController

	messages         []Message
	totalTokens      int
	lastPromptTokens int
	toolCallsCount   int
}

// NewAgentLoop validates the configuration and prepares a run.
func NewAgentLoop(cfg *LoopConfig) (*AgentLoop, error) {
	if cfg == nil || cfg.Chat == nil {
		return nil, ErrNoChatService
	}
	if cfg.Pipeline == nil {
		return nil, ErrNoPipeline
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	execCtx := cfg.Exec
	execCtx.PermissionMode = cfg.PermissionMode

	return &AgentLoop{
		cfg:        cfg,
		logger:     logger,
		runner:     NewTurnRunner(cfg.Chat),
		dispatcher: NewToolDispatcher(cfg.Pipeline, execCtx, cfg.Hooks),
		limits:     NewTurnLimitController(cfg.Hooks, logger),
		messages:   cfg.Messages,
	}, nil
}

// Run executes the loop. Events stream on the first channel until it
// closes; the terminal LoopResult is then delivered on the second. The
// consumer drives the event channel at its own pace.
//
// Cancellation is observed through ctx at the suspension points: before
// each turn, after the chat call, and around the tool fan-out. Mid-turn
// cancellation waits out the in-flight tool batch to keep the journal
// consistent, then finishes with an aborted result. agent_end is emitted
// on every path that emitted agent_start.
func (l *AgentLoop) Run(ctx context.Context) (<-chan Event, <-chan *LoopResult) {
	events := make(chan Event, eventBufferSize)
	results := make(chan *LoopResult, 1)

	go func() {
		defer close(results)
		result := l.run(ctx, func(e Event) { events <- e })
		close(events)
		results <- result
	}()

	return events, results
}

// Messages returns the transcript as of the end of the run. Valid once
// the result has been delivered.
func (l *AgentLoop) Messages() []Message {
	return l.messages
}

func (l *AgentLoop) run(ctx context.Context, emit func(Event)) *LoopResult {
	start := time.Now()

	// A zero budget disables chat entirely: no events, not even the
	// start/end bracket.
	if l.cfg.MaxTurns == 0 {
		return &LoopResult{
			Success: false,
			Error:   &LoopResultError{Type: ErrTypeChatDisabled, Message: ErrChatDisabled.Error()},
		}
	}

	ctx, span := tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("session.id", l.cfg.Exec.SessionID),
		attribute.Int("max_turns", l.cfg.MaxTurns),
	))
	defer span.End()

	emit(Event{Type: EventAgentStart})
	result := l.runTurns(ctx, start, emit)
	emit(Event{Type: EventAgentEnd})

	if m := l.cfg.Metrics; m != nil {
		m.ObserveRun(runStatus(result), time.Since(start))
	}
	span.SetAttributes(
		attribute.Int("turns", result.Metadata.TurnsCount),
		attribute.Int("tool_calls", result.Metadata.ToolCallsCount),
		attribute.Bool("success", result.Success),
	)
	return result
}

// runTurns drives the turn sequence. It never emits agent_start or
// agent_end; run owns the bracket.
func (l *AgentLoop) runTurns(ctx context.Context, start time.Time, emit func(Event)) *LoopResult {
	configuredMax := l.cfg.MaxTurns
	effectiveMax := effectiveMaxTurns(configuredMax, l.cfg.YoloMode)
	turn := 0

	for {
		if ctx.Err() != nil {
			return l.abortedResult(turn, start)
		}

		if l.cfg.Hooks.BeforeTurn != nil {
			compacted := l.cfg.Hooks.BeforeTurn(ctx, &TurnContext{
				Turn:             turn + 1,
				Messages:         &l.messages,
				LastPromptTokens: l.lastPromptTokens,
			}, emit)
			if compacted {
				l.logger.Info("transcript compacted before turn", "turn", turn+1)
			}
		}

		turn++
		emit(Event{Type: EventTurnStart, Turn: turn, MaxTurns: effectiveMax})
		if m := l.cfg.Metrics; m != nil {
			m.RecordTurn()
		}
		if ctx.Err() != nil {
			return l.abortedResult(turn, start)
		}

		resp, streamed, err := l.callChat(ctx, emit)
		if err != nil {
			l.logger.Error("chat call failed", "turn", turn, "error", err)
			return &LoopResult{
				Success:  false,
				Error:    chatErrorResult(err),
				Metadata: l.meta(turn, start),
			}
		}

		if resp.Usage != nil {
			l.totalTokens += resp.Usage.Total
			l.lastPromptTokens = resp.Usage.Prompt
			emit(Event{Type: EventTokenUsage, Usage: &TokenUsage{
				Input:      resp.Usage.Prompt,
				Output:     resp.Usage.Completion,
				Total:      resp.Usage.Total,
				MaxContext: l.maxContext(),
			}})
			if m := l.cfg.Metrics; m != nil {
				m.AddTokens(l.cfg.Chat.Config().Model, resp.Usage.Prompt, resp.Usage.Completion)
			}
		}

		if resp.ReasoningContent != "" && ctx.Err() == nil {
			emit(Event{Type: EventThinking, Text: resp.ReasoningContent})
		}
		if strings.TrimSpace(resp.Content) != "" && ctx.Err() == nil {
			if !streamed {
				emit(Event{Type: EventContent, Text: resp.Content})
			}
			emit(Event{Type: EventStreamEnd})
		}

		toolCalls := functionCalls(resp.ToolCalls)
		if len(toolCalls) == 0 {
			verdict, done := l.finishOrContinue(resp, turn, start)
			if done {
				emit(Event{Type: EventTurnEnd, Turn: turn, HasToolCalls: false})
				return verdict
			}
			emit(Event{Type: EventTurnEnd, Turn: turn, HasToolCalls: false})
			continue
		}

		result := l.executeTurnTools(ctx, resp, toolCalls, turn, start, emit)
		if result != nil {
			return result
		}

		emit(Event{Type: EventTurnEnd, Turn: turn, HasToolCalls: true})
		if ctx.Err() != nil {
			return l.abortedResult(turn, start)
		}

		if turn >= effectiveMax {
			if l.cfg.YoloMode {
				// Runaway guard: the ceiling is not negotiable in yolo mode.
				return &LoopResult{
					Success: false,
					Error: &LoopResultError{
						Type:    ErrTypeMaxTurnsExceeded,
						Message: maxTurnsMessage(effectiveMax),
					},
					Metadata: l.meta(turn, start),
				}
			}
			decision := l.limits.Handle(ctx, &l.messages, configuredMax, effectiveMax, l.meta(turn, start))
			if decision.cont {
				turn = 0
				continue
			}
			return decision.result
		}
	}
}

// callChat runs one chat call through the TurnRunner under a turn span.
func (l *AgentLoop) callChat(ctx context.Context, emit func(Event)) (*ChatResponse, bool, error) {
	ctx, span := tracer.Start(ctx, "agent.chat")
	defer span.End()

	_, streaming := l.cfg.Chat.(StreamingChatService)
	resp, err := l.runner.Run(ctx, l.messages, l.cfg.Tools, emit)
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}
	return resp, streaming, nil
}

// finishOrContinue handles the no-tool-calls branch: incomplete-intent
// retry, stop-hook veto, or completion. done=false means the loop should
// run another turn.
func (l *AgentLoop) finishOrContinue(resp *ChatResponse, turn int, start time.Time) (*LoopResult, bool) {
	if shouldRetryIncomplete(resp.Content, l.messages) {
		l.logger.Info("assistant announced intent without acting, retrying", "turn", turn)
		l.appendAssistant(resp, nil)
		l.messages = append(l.messages, Message{Role: RoleUser, Content: RetryPrompt})
		return nil, false
	}

	if l.cfg.Hooks.StopCheck != nil {
		verdict := l.stopVerdict(resp.Content, turn)
		if !verdict.ShouldStop {
			if verdict.Warning != "" {
				l.logger.Warn("stop hook warning", "warning", verdict.Warning)
			}
			reminder := defaultContinueReminder
			if verdict.ContinueReason != "" {
				reminder = "<system-reminder>" + verdict.ContinueReason + "</system-reminder>"
			}
			l.appendAssistant(resp, nil)
			l.messages = append(l.messages, Message{Role: RoleUser, Content: reminder})
			return nil, false
		}
	}

	if l.cfg.Hooks.OnComplete != nil {
		l.cfg.Hooks.OnComplete(resp.Content, turn)
	}
	return &LoopResult{
		Success:      true,
		FinalMessage: resp.Content,
		Metadata:     l.meta(turn, start),
	}, true
}

// stopVerdict calls the stop hook defensively: a panic or error means
// stop.
func (l *AgentLoop) stopVerdict(content string, turn int) (verdict *StopVerdict) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Warn("stop hook panicked, treating as stop", "panic", r)
			verdict = &StopVerdict{ShouldStop: true}
		}
	}()
	v, err := l.cfg.Hooks.StopCheck(content, turn)
	if err != nil || v == nil {
		if err != nil {
			l.logger.Warn("stop hook failed, treating as stop", "error", err)
		}
		return &StopVerdict{ShouldStop: true}
	}
	return v
}

// executeTurnTools runs the tool branch of one turn. A non-nil return is
// the run's terminal result (exit-loop escape hatch).
func (l *AgentLoop) executeTurnTools(ctx context.Context, resp *ChatResponse, toolCalls []ToolCallRequest, turn int, start time.Time, emit func(Event)) *LoopResult {
	l.appendAssistant(resp, resp.ToolCalls)
	if l.cfg.Hooks.OnAssistantMessage != nil {
		l.cfg.Hooks.OnAssistantMessage(&AssistantTurn{
			Content:          resp.Content,
			ReasoningContent: resp.ReasoningContent,
			ToolCalls:        toolCalls,
			Turn:             turn,
		})
	}

	for i := range toolCalls {
		emit(Event{
			Type:     EventToolStart,
			ToolCall: &toolCalls[i],
			ToolKind: l.cfg.Pipeline.Kind(toolCalls[i].Name),
		})
	}

	ctx, span := tracer.Start(ctx, "agent.tools", trace.WithAttributes(
		attribute.Int("count", len(toolCalls)),
	))
	outcomes := l.dispatcher.RunAll(ctx, toolCalls)
	span.End()
	l.toolCallsCount += len(toolCalls)

	for i := range outcomes {
		o := &outcomes[i]
		emit(Event{Type: EventToolResult, ToolCall: &o.call, Result: o.result})
		l.emitTodoUpdate(o.result, emit)
		if m := l.cfg.Metrics; m != nil {
			m.RecordToolExecution(o.call.Name, o.result.Success)
		}
		if l.cfg.Hooks.OnAfterToolExec != nil {
			l.cfg.Hooks.OnAfterToolExec(&o.call, o.result, o.toolUseUUID)
		}

		l.messages = append(l.messages, Message{
			Role:       RoleTool,
			Content:    o.result.ContentString(),
			ToolCallID: o.call.ID,
			ToolName:   o.call.Name,
		})

		if o.result.ShouldExitLoop() {
			emit(Event{Type: EventTurnEnd, Turn: turn, HasToolCalls: true})
			final := strings.TrimSpace(resp.Content)
			if final == "" {
				final = o.result.ContentString()
			}
			meta := l.meta(turn, start)
			meta.ShouldExitLoop = true
			meta.TargetMode = o.result.TargetMode()
			return &LoopResult{
				Success:      o.result.Success,
				FinalMessage: final,
				Metadata:     meta,
			}
		}
	}
	return nil
}

// emitTodoUpdate surfaces a todos metadata payload as a todo_update event.
func (l *AgentLoop) emitTodoUpdate(result *ToolResult, emit func(Event)) {
	if result == nil || result.Metadata == nil {
		return
	}
	todos, ok := result.Metadata[MetaTodos]
	if !ok {
		return
	}
	data, err := json.Marshal(todos)
	if err != nil {
		return
	}
	emit(Event{Type: EventTodoUpdate, Todos: data})
}

// appendAssistant appends the assistant message for this turn. rawCalls is
// the model's unfiltered tool_calls list; nil for tool-free turns.
func (l *AgentLoop) appendAssistant(resp *ChatResponse, rawCalls []ToolCallRequest) {
	l.messages = append(l.messages, Message{
		Role:             RoleAssistant,
		Content:          resp.Content,
		ReasoningContent: resp.ReasoningContent,
		ToolCalls:        rawCalls,
	})
}

func (l *AgentLoop) abortedResult(turn int, start time.Time) *LoopResult {
	return &LoopResult{
		Success:  false,
		Error:    &LoopResultError{Type: ErrTypeAborted, Message: "run aborted"},
		Metadata: l.meta(turn, start),
	}
}

func (l *AgentLoop) meta(turn int, start time.Time) ResultMetadata {
	return ResultMetadata{
		TurnsCount:     turn,
		ToolCallsCount: l.toolCallsCount,
		Duration:       time.Since(start),
		TokensUsed:     l.totalTokens,
	}
}

// maxContext resolves the context window reported in token_usage events.
func (l *AgentLoop) maxContext() int {
	if l.cfg.MaxContextTokens > 0 {
		return l.cfg.MaxContextTokens
	}
	if c := l.cfg.Chat.Config().MaxContextTokens; c > 0 {
		return c
	}
	return defaultMaxContextTokens
}

// functionCalls filters to the function transport type; other call shapes
// are dropped silently.
func functionCalls(calls []ToolCallRequest) []ToolCallRequest {
	filtered := make([]ToolCallRequest, 0, len(calls))
	for _, c := range calls {
		if c.Type == ToolCallFunction || c.Type == "" {
			filtered = append(filtered, c)
		}
	}
	return filtered
}

func runStatus(result *LoopResult) string {
	if result.Success {
		return "success"
	}
	if result.Error != nil {
		return string(result.Error.Type)
	}
	return "error"
}
