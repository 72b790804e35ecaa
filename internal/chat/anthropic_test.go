package chat

import (
	"encoding/json"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/openloom/loom/internal/agent"
)

func TestToAnthropicMessagesSplitsSystem(t *testing.T) {
	conversation, system := toAnthropicMessages([]agent.Message{
		{Role: agent.RoleSystem, Content: "be helpful"},
		{Role: agent.RoleUser, Content: "hello"},
		{Role: agent.RoleAssistant, Content: "hi", ToolCalls: []agent.ToolCallRequest{
			{ID: "toolu_1", Name: "clock", Arguments: `{"timezone":"UTC"}`},
		}},
		{Role: agent.RoleTool, Content: "noon", ToolCallID: "toolu_1"},
	})

	if len(system) != 1 || system[0].Text != "be helpful" {
		t.Errorf("system = %+v", system)
	}
	// user, assistant, tool result as user
	if len(conversation) != 3 {
		t.Fatalf("conversation = %d messages", len(conversation))
	}

	assistant := conversation[1]
	if len(assistant.Content) != 2 {
		t.Fatalf("assistant blocks = %d", len(assistant.Content))
	}
	if tu := assistant.Content[1].OfToolUse; tu == nil || tu.ID != "toolu_1" || tu.Name != "clock" {
		t.Errorf("tool use block = %+v", assistant.Content[1])
	}
	if tr := conversation[2].Content[0].OfToolResult; tr == nil || tr.ToolUseID != "toolu_1" {
		t.Errorf("tool result block = %+v", conversation[2].Content[0])
	}
}

func TestToAnthropicMessagesSkipsEmpty(t *testing.T) {
	conversation, system := toAnthropicMessages([]agent.Message{
		{Role: agent.RoleSystem, Content: ""},
		{Role: agent.RoleUser, Content: ""},
		{Role: agent.RoleAssistant, Content: ""},
	})
	if len(system) != 0 || len(conversation) != 0 {
		t.Errorf("conversation = %d, system = %d", len(conversation), len(system))
	}
}

func TestToAnthropicTools(t *testing.T) {
	tools := toAnthropicTools([]agent.ToolDefinition{
		{Name: "clock", Description: "reads the clock", Parameters: json.RawMessage(`{"type":"object"}`)},
		{Name: "broken", Parameters: json.RawMessage(`not json`)},
	})
	if len(tools) != 2 {
		t.Fatalf("tools = %d", len(tools))
	}
	if tools[0].OfTool == nil || tools[0].OfTool.Name != "clock" {
		t.Errorf("tool = %+v", tools[0])
	}
	if tools[0].OfTool.Description.Value != "reads the clock" {
		t.Errorf("description = %+v", tools[0].OfTool.Description)
	}
	if tools[1].OfTool == nil || tools[1].OfTool.InputSchema.ExtraFields["type"] != "object" {
		t.Errorf("fallback schema = %+v", tools[1])
	}
}

func TestFromAnthropicMessage(t *testing.T) {
	msg := &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "thinking", Thinking: "considering"},
			{Type: "text", Text: "the answer"},
			{Type: "tool_use", ID: "toolu_1", Name: "clock", Input: json.RawMessage(`{"timezone":"UTC"}`)},
		},
		Usage: sdk.Usage{InputTokens: 100, OutputTokens: 40},
	}

	resp := fromAnthropicMessage(msg)
	if resp.Content != "the answer" || resp.ReasoningContent != "considering" {
		t.Errorf("content = %q, reasoning = %q", resp.Content, resp.ReasoningContent)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "toolu_1" || tc.Type != agent.ToolCallFunction || tc.Arguments != `{"timezone":"UTC"}` {
		t.Errorf("call = %+v", tc)
	}
	if resp.Usage.Prompt != 100 || resp.Usage.Completion != 40 || resp.Usage.Total != 140 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestNewSelectsProvider(t *testing.T) {
	cfg := agent.ModelConfig{Model: "m", APIKey: "k"}
	for _, provider := range []string{"", ProviderOpenAI, ProviderAnthropic} {
		if _, err := New(provider, cfg); err != nil {
			t.Errorf("New(%q) = %v", provider, err)
		}
	}
	if _, err := New("fax", cfg); err == nil {
		t.Error("unknown provider accepted")
	}
}
