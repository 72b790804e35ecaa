package agent

import (
	"context"
	"log/slog"
)

const (
	// SafetyCeiling is the hard turn cap applied in unlimited and yolo
	// modes as a runaway guard.
	SafetyCeiling = 100

	// turnLimitFallbackKeep is how many trailing messages survive when
	// turn-limit compaction fails and the transcript is truncated instead.
	turnLimitFallbackKeep = 80
)

// effectiveMaxTurns resolves the configured budget to the cap the loop
// enforces. -1 (unlimited) and yolo mode both resolve to the safety
// ceiling.
func effectiveMaxTurns(configured int, yolo bool) int {
	if yolo || configured == -1 {
		return SafetyCeiling
	}
	return configured
}

// limitDecision is TurnLimitController's verdict: continue the run with a
// reset turn counter, or stop with a terminal result.
type limitDecision struct {
	cont   bool
	result *LoopResult
}

// TurnLimitController encodes the quota policy at the turn budget: hard
// stop when non-interactive, user-chosen stop, or confirm-then-compact
// continuation.
type TurnLimitController struct {
	hooks  Hooks
	logger *slog.Logger
}

// NewTurnLimitController creates the controller for one run.
func NewTurnLimitController(hooks Hooks, logger *slog.Logger) *TurnLimitController {
	if logger == nil {
		logger = slog.Default()
	}
	return &TurnLimitController{hooks: hooks, logger: logger}
}

// Handle is invoked when the turn counter reaches the effective cap.
// messages points at the live transcript; on continuation it is rebuilt
// around the compacted history.
func (c *TurnLimitController) Handle(ctx context.Context, messages *[]Message, configuredMax, effectiveMax int, meta ResultMetadata) limitDecision {
	if c.hooks.OnTurnLimitReached == nil {
		return limitDecision{result: &LoopResult{
			Success: false,
			Error: &LoopResultError{
				Type:    ErrTypeMaxTurnsExceeded,
				Message: maxTurnsMessage(effectiveMax),
			},
			Metadata: meta,
		}}
	}

	decision := c.hooks.OnTurnLimitReached(meta.TurnsCount)
	if decision == nil || !decision.Continue {
		meta.ConfiguredMaxTurns = configuredMax
		meta.ActualMaxTurns = effectiveMax
		return limitDecision{result: &LoopResult{
			Success:  true,
			Metadata: meta,
		}}
	}

	c.rebuildForContinuation(ctx, messages)
	return limitDecision{cont: true}
}

// rebuildForContinuation compacts the transcript for the approved
// continuation, falling back to tail truncation when compaction fails. The
// pinned system message survives either way.
func (c *TurnLimitController) rebuildForContinuation(ctx context.Context, messages *[]Message) {
	history := *messages
	var pinned []Message
	rest := history
	if len(history) > 0 && history[0].Role == RoleSystem {
		pinned = history[:1]
		rest = history[1:]
	}

	if c.hooks.OnTurnLimitCompact != nil {
		outcome := c.hooks.OnTurnLimitCompact(ctx, rest)
		if outcome != nil && outcome.Success {
			rebuilt := make([]Message, 0, len(pinned)+len(outcome.CompactedMessages)+1)
			rebuilt = append(rebuilt, pinned...)
			rebuilt = append(rebuilt, outcome.CompactedMessages...)
			if outcome.ContinueMessage != nil {
				rebuilt = append(rebuilt, *outcome.ContinueMessage)
			}
			*messages = rebuilt
			return
		}
	}

	c.logger.Warn("turn-limit compaction failed, truncating history",
		"kept", turnLimitFallbackKeep)
	if len(rest) > turnLimitFallbackKeep {
		rest = rest[len(rest)-turnLimitFallbackKeep:]
	}
	rebuilt := make([]Message, 0, len(pinned)+len(rest))
	rebuilt = append(rebuilt, pinned...)
	rebuilt = append(rebuilt, rest...)
	*messages = rebuilt
}
