package agent

import (
	"context"
	"strings"
)

// TurnRunner translates one chat call into loop-level events and a
// ChatResponse. When the service streams, fragments become content_delta /
// thinking_delta events and accumulate into buffers; the provider's final
// response wins where it reports canonical text, with the buffers as
// fallback. When it does not stream, a single blocking call is used.
type TurnRunner struct {
	chat ChatService
}

// NewTurnRunner wraps a chat service for one run.
func NewTurnRunner(chat ChatService) *TurnRunner {
	return &TurnRunner{chat: chat}
}

// Run performs the chat call for one turn, forwarding deltas through emit.
// Provider errors propagate; the loop classifies them at the run boundary.
func (r *TurnRunner) Run(ctx context.Context, messages []Message, tools []ToolDefinition, emit func(Event)) (*ChatResponse, error) {
	streamer, ok := r.chat.(StreamingChatService)
	if !ok {
		return r.chat.Chat(ctx, messages, tools)
	}

	var content, reasoning strings.Builder
	resp, err := streamer.ChatStream(ctx, messages, tools, func(f StreamFragment) {
		switch f.Kind {
		case FragmentContent:
			content.WriteString(f.Delta)
			emit(Event{Type: EventContentDelta, Delta: f.Delta})
		case FragmentReasoning:
			reasoning.WriteString(f.Delta)
			emit(Event{Type: EventThinkingDelta, Delta: f.Delta})
		}
	})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		resp = &ChatResponse{}
	}
	if resp.Content == "" {
		resp.Content = content.String()
	}
	if resp.ReasoningContent == "" {
		resp.ReasoningContent = reasoning.String()
	}
	return resp, nil
}
