// Package session ties a transcript, a journal, and the loop together
// behind the send/stream API the CLI and embedders use.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/openloom/loom/internal/agent"
	"github.com/openloom/loom/internal/journal"
	"github.com/openloom/loom/internal/observability"
)

// Options configures a session. Chat and Pipeline are required; everything
// else degrades gracefully when absent.
type Options struct {
	SessionID    string
	UserID       string
	SystemPrompt string

	MaxTurns         int
	YoloMode         bool
	PermissionMode   string
	MaxContextTokens int

	Chat     agent.ChatService
	Pipeline agent.ExecutionPipeline
	Tools    []agent.ToolDefinition

	Journal   journal.Journal
	Compactor agent.CompactionService
	Confirm   agent.ConfirmationHandler

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Session owns one conversation. Send enqueues user input; Stream runs the
// loop over the accumulated transcript. A session runs at most one stream
// at a time.
type Session struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	messages []agent.Message
	lastUUID string
	running  bool
}

// New creates a session, seeding the pinned system message when a system
// prompt is configured.
func New(opts Options) (*Session, error) {
	if opts.Chat == nil {
		return nil, agent.ErrNoChatService
	}
	if opts.Pipeline == nil {
		return nil, agent.ErrNoPipeline
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", opts.SessionID)

	s := &Session{opts: opts, logger: logger}
	if opts.SystemPrompt != "" {
		s.messages = append(s.messages, agent.Message{
			Role:    agent.RoleSystem,
			Content: opts.SystemPrompt,
		})
	}
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.opts.SessionID
}

// Messages returns a copy of the transcript.
func (s *Session) Messages() []agent.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]agent.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Send appends a user message to the transcript and journals it.
func (s *Session) Send(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("session is streaming; send after the run finishes")
	}
	msg := agent.Message{Role: agent.RoleUser, Content: text}
	s.messages = append(s.messages, msg)
	s.journalMessage(ctx, &msg)
	return nil
}

// Stream runs the loop over the accumulated transcript. The returned
// channels follow the loop contract: events until close, then one result.
// The session transcript is updated when the run finishes.
func (s *Session) Stream(ctx context.Context) (<-chan agent.Event, <-chan *agent.LoopResult, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, nil, errors.New("session is already streaming")
	}
	s.running = true
	initial := make([]agent.Message, len(s.messages))
	copy(initial, s.messages)
	s.mu.Unlock()

	loop, err := agent.NewAgentLoop(&agent.LoopConfig{
		Chat:             s.opts.Chat,
		Pipeline:         s.opts.Pipeline,
		Tools:            s.opts.Tools,
		Messages:         initial,
		MaxTurns:         s.opts.MaxTurns,
		YoloMode:         s.opts.YoloMode,
		PermissionMode:   s.opts.PermissionMode,
		MaxContextTokens: s.opts.MaxContextTokens,
		Exec: agent.ExecutionContext{
			SessionID:           s.opts.SessionID,
			UserID:              s.opts.UserID,
			PermissionMode:      s.opts.PermissionMode,
			ConfirmationHandler: s.opts.Confirm,
		},
		Hooks:   s.hooks(),
		Logger:  s.logger,
		Metrics: s.opts.Metrics,
	})
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return nil, nil, err
	}

	events, results := loop.Run(ctx)

	// Relay the result so the transcript can be captured before the
	// caller observes completion.
	out := make(chan *agent.LoopResult, 1)
	go func() {
		defer close(out)
		result := <-results
		s.mu.Lock()
		s.messages = loop.Messages()
		s.running = false
		s.mu.Unlock()
		out <- result
	}()
	return events, out, nil
}

// hooks wires journal persistence, compaction, and the turn-limit prompt
// into the loop callbacks.
func (s *Session) hooks() agent.Hooks {
	coordinator := agent.NewCompactionCoordinator(s.opts.Compactor, s.opts.Chat, s.logger)
	coordinator.SaveRecord = s.journalCompaction

	hooks := agent.Hooks{
		OnAssistantMessage: func(turn *agent.AssistantTurn) {
			s.journalMessage(context.Background(), &agent.Message{
				Role:             agent.RoleAssistant,
				Content:          turn.Content,
				ReasoningContent: turn.ReasoningContent,
				ToolCalls:        turn.ToolCalls,
			})
		},
		OnBeforeToolExec: func(call *agent.ToolCallRequest, params json.RawMessage) string {
			return s.journalToolUse(call)
		},
		OnAfterToolExec: func(call *agent.ToolCallRequest, result *agent.ToolResult, toolUseUUID string) {
			s.journalToolResult(toolUseUUID, result)
		},
		OnComplete: func(content string, turn int) {
			s.journalMessage(context.Background(), &agent.Message{
				Role:    agent.RoleAssistant,
				Content: content,
			})
		},
	}

	if s.opts.Compactor != nil {
		hooks.BeforeTurn = coordinator.PreTurn
		hooks.OnTurnLimitCompact = coordinator.AtTurnLimit
	}

	if s.opts.Confirm != nil {
		hooks.OnTurnLimitReached = func(turnsCount int) *agent.TurnLimitDecision {
			resp, err := s.opts.Confirm.RequestConfirmation(context.Background(), &agent.ConfirmationRequest{
				Title:  "Turn limit reached",
				Detail: fmt.Sprintf("The agent has used %d turns. Compact the conversation and continue?", turnsCount),
			})
			if err != nil || resp == nil {
				return &agent.TurnLimitDecision{Continue: false}
			}
			return &agent.TurnLimitDecision{Continue: resp.Approved}
		}
	}
	return hooks
}

// Journal writes never fail the run; failures are logged and the chain
// continues from the last persisted UUID.

func (s *Session) journalMessage(ctx context.Context, msg *agent.Message) {
	if s.opts.Journal == nil {
		return
	}
	s.mu.Lock()
	parent := s.lastUUID
	s.mu.Unlock()
	id, err := s.opts.Journal.SaveMessage(ctx, s.opts.SessionID, parent, msg)
	if err != nil {
		s.logger.Warn("journal message write failed", "error", err)
		return
	}
	s.mu.Lock()
	s.lastUUID = id
	s.mu.Unlock()
}

func (s *Session) journalToolUse(call *agent.ToolCallRequest) string {
	if s.opts.Journal == nil {
		return ""
	}
	s.mu.Lock()
	parent := s.lastUUID
	s.mu.Unlock()
	id, err := s.opts.Journal.SaveToolUse(context.Background(), s.opts.SessionID, parent, call)
	if err != nil {
		s.logger.Warn("journal tool use write failed", "tool", call.Name, "error", err)
		return ""
	}
	return id
}

func (s *Session) journalToolResult(toolUseUUID string, result *agent.ToolResult) {
	if s.opts.Journal == nil || toolUseUUID == "" {
		return
	}
	if _, err := s.opts.Journal.SaveToolResult(context.Background(), s.opts.SessionID, toolUseUUID, result); err != nil {
		s.logger.Warn("journal tool result write failed", "error", err)
	}
}

func (s *Session) journalCompaction(rec *agent.CompactionRecord) {
	if s.opts.Journal == nil {
		return
	}
	s.mu.Lock()
	parent := s.lastUUID
	s.mu.Unlock()
	id, err := s.opts.Journal.SaveCompaction(context.Background(), s.opts.SessionID, parent, rec)
	if err != nil {
		s.logger.Warn("journal compaction write failed", "error", err)
		return
	}
	s.mu.Lock()
	s.lastUUID = id
	s.mu.Unlock()
}
