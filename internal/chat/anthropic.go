package chat

import (
	"context"
	"encoding/json"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/openloom/loom/internal/agent"
)

const anthropicDefaultMaxOutput = 4096

// AnthropicService implements agent.ChatService against the Claude Messages
// API. Claude keeps the system prompt out of the conversation and carries
// tool traffic as content blocks, so conversion does more work here than in
// the OpenAI adapter. The SDK retries transient failures itself.
//
// Safe for concurrent use.
type AnthropicService struct {
	client sdk.Client
	cfg    agent.ModelConfig
}

// NewAnthropicService builds a service for the configured model.
func NewAnthropicService(cfg agent.ModelConfig) *AnthropicService {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicService{
		client: sdk.NewClient(opts...),
		cfg:    cfg,
	}
}

// Config reports the active model configuration.
func (s *AnthropicService) Config() agent.ModelConfig {
	return s.cfg
}

// Chat performs a blocking completion.
func (s *AnthropicService) Chat(ctx context.Context, messages []agent.Message, tools []agent.ToolDefinition) (*agent.ChatResponse, error) {
	maxTokens := s.cfg.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxOutput
	}

	conversation, system := toAnthropicMessages(messages)
	params := sdk.MessageNewParams{
		Model:     sdk.Model(s.cfg.Model),
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(tools) > 0 {
		params.Tools = toAnthropicTools(tools)
	}

	msg, err := s.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return fromAnthropicMessage(msg), nil
}

// toAnthropicMessages splits the transcript into the Claude conversation
// and system blocks. Assistant tool calls become tool_use blocks; tool
// messages become tool_result blocks inside a user message.
func toAnthropicMessages(messages []agent.Message) ([]sdk.MessageParam, []sdk.TextBlockParam) {
	conversation := make([]sdk.MessageParam, 0, len(messages))
	var system []sdk.TextBlockParam

	for _, msg := range messages {
		switch msg.Role {
		case agent.RoleSystem:
			if msg.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: msg.Content})
			}

		case agent.RoleUser:
			if msg.Content != "" {
				conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(msg.Content)))
			}

		case agent.RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, len(msg.ToolCalls)+1)
			if msg.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, json.RawMessage(tc.Arguments), tc.Name))
			}
			if len(blocks) > 0 {
				conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
			}

		case agent.RoleTool:
			conversation = append(conversation, sdk.NewUserMessage(
				sdk.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
		}
	}
	return conversation, system
}

func toAnthropicTools(tools []agent.ToolDefinition) []sdk.ToolUnionParam {
	result := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil || schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schema}, tool.Name)
		if u.OfTool != nil && tool.Description != "" {
			u.OfTool.Description = sdk.String(tool.Description)
		}
		result = append(result, u)
	}
	return result
}

func fromAnthropicMessage(msg *sdk.Message) *agent.ChatResponse {
	resp := &agent.ChatResponse{}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "thinking":
			resp.ReasoningContent += block.Thinking
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, agent.ToolCallRequest{
				ID:        block.ID,
				Type:      agent.ToolCallFunction,
				Name:      block.Name,
				Arguments: string(block.Input),
			})
		}
	}
	resp.Usage = &agent.Usage{
		Prompt:     int(msg.Usage.InputTokens),
		Completion: int(msg.Usage.OutputTokens),
		Total:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	return resp
}
