package agent

import (
	"context"
	"log/slog"
)

const (
	// compactionThresholdRatio of the available context triggers pre-turn
	// compaction.
	compactionThresholdRatio = 0.8

	// defaultMaxContextTokens is assumed when neither the loop config nor
	// the chat service reports a context window.
	defaultMaxContextTokens = 128000

	// TriggerAuto and TriggerTurnLimit identify the two compaction call
	// sites in journal records and compaction requests.
	TriggerAuto      = "auto"
	TriggerTurnLimit = "turn_limit"
)

// CompactionRecord is what the coordinator hands to its journal sink after
// a successful compaction.
type CompactionRecord struct {
	Trigger       string
	Summary       string
	PreTokens     int
	PostTokens    int
	FilesIncluded []string
}

// CompactionCoordinator invokes the external compaction service and
// rebuilds the transcript around its output. It serves two call sites: the
// pre-turn token threshold (wired in as the BeforeTurn hook) and the
// turn-limit continuation.
type CompactionCoordinator struct {
	service CompactionService
	chat    ChatService

	// SaveRecord persists the compaction to the journal when set.
	SaveRecord func(rec *CompactionRecord)

	logger *slog.Logger
}

// NewCompactionCoordinator wires the coordinator for one session.
func NewCompactionCoordinator(service CompactionService, chat ChatService, logger *slog.Logger) *CompactionCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompactionCoordinator{service: service, chat: chat, logger: logger}
}

// PreTurn implements the Hooks.BeforeTurn contract: when the last known
// prompt size crosses the threshold, compact, rebuild the transcript, and
// record the compaction. Failures never fail the run; the loop proceeds
// uncompacted.
func (c *CompactionCoordinator) PreTurn(ctx context.Context, tc *TurnContext, emit func(Event)) bool {
	if c.service == nil || tc.LastPromptTokens <= 0 {
		// First turn: prompt size unknown, nothing to decide yet.
		return false
	}

	cfg := c.chat.Config()
	maxContext := cfg.MaxContextTokens
	if maxContext <= 0 {
		maxContext = defaultMaxContextTokens
	}
	available := maxContext - cfg.MaxOutputTokens
	threshold := int(float64(available) * compactionThresholdRatio)
	if tc.LastPromptTokens < threshold {
		return false
	}

	emit(Event{Type: EventCompacting, Compacting: true})
	defer emit(Event{Type: EventCompacting, Compacting: false})

	result, err := c.compact(ctx, *tc.Messages, TriggerAuto, tc.LastPromptTokens)
	if err != nil {
		c.logger.Warn("pre-turn compaction failed",
			"error", err,
			"prompt_tokens", tc.LastPromptTokens,
			"threshold", threshold)
		return false
	}

	*tc.Messages = c.rebuild(*tc.Messages, result.CompactedMessages, nil)
	if c.SaveRecord != nil {
		c.SaveRecord(&CompactionRecord{
			Trigger:       TriggerAuto,
			Summary:       result.Summary,
			PreTokens:     result.PreTokens,
			PostTokens:    result.PostTokens,
			FilesIncluded: result.FilesIncluded,
		})
	}
	c.logger.Info("context compacted",
		"pre_tokens", result.PreTokens,
		"post_tokens", result.PostTokens)
	return true
}

// AtTurnLimit implements the Hooks.OnTurnLimitCompact contract for the
// user-approved continuation. The continue message tells the model it is
// resuming from a summarised conversation.
func (c *CompactionCoordinator) AtTurnLimit(ctx context.Context, messages []Message) *CompactOutcome {
	if c.service == nil {
		return &CompactOutcome{Success: false}
	}
	result, err := c.compact(ctx, messages, TriggerTurnLimit, 0)
	if err != nil {
		c.logger.Warn("turn-limit compaction failed", "error", err)
		return &CompactOutcome{Success: false}
	}
	if c.SaveRecord != nil {
		c.SaveRecord(&CompactionRecord{
			Trigger:       TriggerTurnLimit,
			Summary:       result.Summary,
			PreTokens:     result.PreTokens,
			PostTokens:    result.PostTokens,
			FilesIncluded: result.FilesIncluded,
		})
	}
	return &CompactOutcome{
		Success:           true,
		CompactedMessages: result.CompactedMessages,
		ContinueMessage: &Message{
			Role:    RoleUser,
			Content: "The conversation above was summarised to stay within the context window. Continue the task from where it left off.",
		},
	}
}

func (c *CompactionCoordinator) compact(ctx context.Context, messages []Message, trigger string, preTokens int) (*CompactResult, error) {
	cfg := c.chat.Config()
	return c.service.Compact(ctx, messages, &CompactRequest{
		Trigger:          trigger,
		ModelName:        cfg.Model,
		MaxContextTokens: cfg.MaxContextTokens,
		APIKey:           cfg.APIKey,
		BaseURL:          cfg.BaseURL,
		ActualPreTokens:  preTokens,
	})
}

// rebuild replaces the transcript tail with the compacted messages,
// keeping the pinned system message at index 0 when present.
func (c *CompactionCoordinator) rebuild(history, compacted []Message, trailer *Message) []Message {
	var pinned []Message
	if len(history) > 0 && history[0].Role == RoleSystem {
		pinned = history[:1]
	}
	rebuilt := make([]Message, 0, len(pinned)+len(compacted)+1)
	rebuilt = append(rebuilt, pinned...)
	rebuilt = append(rebuilt, compacted...)
	if trailer != nil {
		rebuilt = append(rebuilt, *trailer)
	}
	return rebuilt
}
