package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for loop configuration and lifecycle.
var (
	// ErrNoChatService indicates no chat service is configured.
	ErrNoChatService = errors.New("no chat service configured")

	// ErrNoPipeline indicates no execution pipeline is configured.
	ErrNoPipeline = errors.New("no execution pipeline configured")

	// ErrChatDisabled indicates the configured turn budget is zero.
	ErrChatDisabled = errors.New("chat disabled by configuration")
)

// isAbortError reports whether an error identifies a user cancellation
// rather than a provider failure. Context cancellation and errors that
// self-identify as aborts both qualify.
func isAbortError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "abort")
}

// chatErrorResult maps a chat-service failure to a terminal result error.
func chatErrorResult(err error) *LoopResultError {
	if isAbortError(err) {
		return &LoopResultError{Type: ErrTypeAborted, Message: err.Error()}
	}
	return &LoopResultError{
		Type:    ErrTypeAPIError,
		Message: err.Error(),
		Details: fmt.Sprintf("%+v", err),
	}
}

// maxTurnsMessage is the user-visible failure text for an exhausted turn
// budget. The template carries the numeric cap.
func maxTurnsMessage(limit int) string {
	return fmt.Sprintf("达到最大轮次限制 (%d)", limit)
}
