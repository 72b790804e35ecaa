package compaction

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/openloom/loom/internal/agent"
)

type scriptedChat struct {
	response *agent.ChatResponse
	err      error

	calls int
	seen  []agent.Message
}

func (c *scriptedChat) Chat(_ context.Context, messages []agent.Message, _ []agent.ToolDefinition) (*agent.ChatResponse, error) {
	c.calls++
	c.seen = append([]agent.Message(nil), messages...)
	if c.err != nil {
		return nil, c.err
	}
	return c.response, nil
}

func (c *scriptedChat) Config() agent.ModelConfig { return agent.ModelConfig{} }

func transcript(n int) []agent.Message {
	msgs := []agent.Message{{Role: agent.RoleSystem, Content: "sys"}}
	for i := 0; i < n; i++ {
		role := agent.RoleUser
		if i%2 == 1 {
			role = agent.RoleAssistant
		}
		msgs = append(msgs, agent.Message{Role: role, Content: strings.Repeat("x", 40)})
	}
	return msgs
}

func TestCompactRebuildsTranscript(t *testing.T) {
	chat := &scriptedChat{response: &agent.ChatResponse{Content: "  the summary  "}}
	s := NewService(chat, 3, nil, nil)
	msgs := transcript(10)

	result, err := s.Compact(context.Background(), msgs, &agent.CompactRequest{Trigger: agent.TriggerAuto})
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if result.Summary != "the summary" {
		t.Errorf("summary = %q", result.Summary)
	}
	// One summary message plus the kept tail of 3.
	if len(result.CompactedMessages) != 4 {
		t.Fatalf("compacted = %d messages", len(result.CompactedMessages))
	}
	first := result.CompactedMessages[0]
	if first.Role != agent.RoleUser || !strings.Contains(first.Content, "the summary") {
		t.Errorf("summary message = %+v", first)
	}
	if !reflect.DeepEqual(result.CompactedMessages[1:], msgs[len(msgs)-3:]) {
		t.Error("tail not kept verbatim")
	}

	if len(chat.seen) != 2 || chat.seen[0].Role != agent.RoleSystem {
		t.Fatalf("summary request = %+v", chat.seen)
	}
	if strings.Contains(chat.seen[1].Content, "[system] sys") {
		t.Error("pinned system message leaked into the summary input")
	}
}

func TestCompactUsesActualPreTokens(t *testing.T) {
	chat := &scriptedChat{response: &agent.ChatResponse{Content: "summary"}}
	s := NewService(chat, 2, nil, nil)

	result, err := s.Compact(context.Background(), transcript(8), &agent.CompactRequest{
		Trigger:         agent.TriggerAuto,
		ActualPreTokens: 12345,
	})
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if result.PreTokens != 12345 {
		t.Errorf("pre tokens = %d", result.PreTokens)
	}
	if result.PostTokens <= 0 {
		t.Errorf("post tokens = %d", result.PostTokens)
	}
}

func TestCompactShortTranscriptFails(t *testing.T) {
	chat := &scriptedChat{response: &agent.ChatResponse{Content: "summary"}}
	s := NewService(chat, 5, nil, nil)

	_, err := s.Compact(context.Background(), transcript(4), &agent.CompactRequest{Trigger: agent.TriggerAuto})
	if err == nil {
		t.Fatal("expected error")
	}
	if chat.calls != 0 {
		t.Error("summary model called for a short transcript")
	}
}

func TestCompactSummaryFailurePropagates(t *testing.T) {
	chat := &scriptedChat{err: errors.New("model down")}
	s := NewService(chat, 2, nil, nil)
	if _, err := s.Compact(context.Background(), transcript(8), &agent.CompactRequest{Trigger: agent.TriggerTurnLimit}); err == nil {
		t.Fatal("expected error")
	}
}

func TestCompactEmptySummaryFails(t *testing.T) {
	chat := &scriptedChat{response: &agent.ChatResponse{Content: "   "}}
	s := NewService(chat, 2, nil, nil)
	if _, err := s.Compact(context.Background(), transcript(8), &agent.CompactRequest{Trigger: agent.TriggerAuto}); err == nil {
		t.Fatal("expected error")
	}
}

func TestSplitAdvancesPastToolResults(t *testing.T) {
	s := NewService(&scriptedChat{}, 2, nil, nil)
	msgs := []agent.Message{
		{Role: agent.RoleUser, Content: "a"},
		{Role: agent.RoleAssistant, Content: "b", ToolCalls: []agent.ToolCallRequest{{ID: "1", Name: "clock"}}},
		{Role: agent.RoleTool, Content: "noon", ToolCallID: "1"},
		{Role: agent.RoleTool, Content: "again", ToolCallID: "1"},
		{Role: agent.RoleUser, Content: "c"},
	}
	prefix, tail := s.split(msgs)
	// A naive cut at len-2 would start the tail on a tool result.
	if len(prefix) != 4 {
		t.Fatalf("prefix = %d messages", len(prefix))
	}
	if len(tail) != 1 || tail[0].Content != "c" {
		t.Errorf("tail = %+v", tail)
	}
}

func TestSplitAllToolTailKeepsWhole(t *testing.T) {
	s := NewService(&scriptedChat{}, 1, nil, nil)
	msgs := []agent.Message{
		{Role: agent.RoleAssistant, Content: "b"},
		{Role: agent.RoleTool, Content: "r1"},
		{Role: agent.RoleTool, Content: "r2"},
	}
	prefix, tail := s.split(msgs)
	if prefix != nil {
		t.Errorf("prefix = %+v", prefix)
	}
	if len(tail) != 3 {
		t.Errorf("tail = %d messages", len(tail))
	}
}

func TestEstimateTokens(t *testing.T) {
	msgs := []agent.Message{
		{Role: agent.RoleUser, Content: strings.Repeat("a", 40)},
		{Role: agent.RoleAssistant, ReasoningContent: strings.Repeat("b", 20), ToolCalls: []agent.ToolCallRequest{
			{Name: "grep", Arguments: strings.Repeat("c", 16)},
		}},
	}
	// (40 + 20 + 4 + 16) / 4 = 20
	if got := EstimateTokens(msgs); got != 20 {
		t.Errorf("EstimateTokens = %d, want 20", got)
	}
}

func TestExtractFilePaths(t *testing.T) {
	msgs := []agent.Message{
		{Role: agent.RoleUser, Content: "please fix internal/agent/loop.go and cmd/loom/main.go"},
		{Role: agent.RoleAssistant, Content: "edited internal/agent/loop.go, plain words stay out"},
	}
	got := extractFilePaths(msgs)
	want := []string{"cmd/loom/main.go", "internal/agent/loop.go"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("paths = %v, want %v", got, want)
	}
}
