package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/openloom/loom/internal/agent"
	"github.com/openloom/loom/internal/backoff"
)

// OpenAIService implements agent.ChatService and agent.StreamingChatService
// against any OpenAI-compatible endpoint. BaseURL overrides the default
// host, which covers the self-hosted and proxy deployments that speak the
// same wire format.
//
// Transient failures (rate limits, 5xx, timeouts) are retried with
// exponential backoff before the request is opened; mid-stream failures
// propagate to the caller.
//
// Safe for concurrent use.
type OpenAIService struct {
	client      *openai.Client
	cfg         agent.ModelConfig
	maxRetries  int
	retryPolicy backoff.Policy
}

// NewOpenAIService builds a service for the configured model.
func NewOpenAIService(cfg agent.ModelConfig) *OpenAIService {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIService{
		client:      openai.NewClientWithConfig(clientCfg),
		cfg:         cfg,
		maxRetries:  3,
		retryPolicy: backoff.Default(),
	}
}

// Config reports the active model configuration.
func (s *OpenAIService) Config() agent.ModelConfig {
	return s.cfg
}

// Chat performs a blocking completion.
func (s *OpenAIService) Chat(ctx context.Context, messages []agent.Message, tools []agent.ToolDefinition) (*agent.ChatResponse, error) {
	req := s.buildRequest(messages, tools, false)

	var resp openai.ChatCompletionResponse
	err := s.withRetry(ctx, func() error {
		var callErr error
		resp, callErr = s.client.CreateChatCompletion(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("chat completion returned no choices")
	}

	choice := resp.Choices[0].Message
	return &agent.ChatResponse{
		Content:          choice.Content,
		ReasoningContent: choice.ReasoningContent,
		ToolCalls:        fromOpenAIToolCalls(choice.ToolCalls),
		Usage: &agent.Usage{
			Prompt:     resp.Usage.PromptTokens,
			Completion: resp.Usage.CompletionTokens,
			Total:      resp.Usage.TotalTokens,
		},
	}, nil
}

// ChatStream performs a streaming completion, invoking onFragment for each
// content or reasoning delta. Tool call fragments are accumulated silently;
// the assembled calls are returned on the final response.
func (s *OpenAIService) ChatStream(ctx context.Context, messages []agent.Message, tools []agent.ToolDefinition, onFragment func(agent.StreamFragment)) (*agent.ChatResponse, error) {
	req := s.buildRequest(messages, tools, true)

	var stream *openai.ChatCompletionStream
	err := s.withRetry(ctx, func() error {
		var callErr error
		stream, callErr = s.client.CreateChatCompletionStream(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var content, reasoning strings.Builder
	// OpenAI streams tool calls incrementally: the id and name arrive on the
	// first fragment for an index, argument text trickles in afterwards.
	calls := make(map[int]*agent.ToolCallRequest)
	maxIndex := -1
	var usage *agent.Usage

	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, context.Canceled) || errors.Is(recvErr, context.DeadlineExceeded) {
			return nil, recvErr
		}
		if recvErr != nil {
			if errors.Is(recvErr, io.EOF) {
				break
			}
			return nil, fmt.Errorf("chat stream: %w", recvErr)
		}

		if chunk.Usage != nil {
			usage = &agent.Usage{
				Prompt:     chunk.Usage.PromptTokens,
				Completion: chunk.Usage.CompletionTokens,
				Total:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.Content != "" {
			content.WriteString(delta.Content)
			onFragment(agent.StreamFragment{Kind: agent.FragmentContent, Delta: delta.Content})
		}
		if delta.ReasoningContent != "" {
			reasoning.WriteString(delta.ReasoningContent)
			onFragment(agent.StreamFragment{Kind: agent.FragmentReasoning, Delta: delta.ReasoningContent})
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if index > maxIndex {
				maxIndex = index
			}
			call := calls[index]
			if call == nil {
				call = &agent.ToolCallRequest{Type: agent.ToolCallFunction}
				calls[index] = call
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			call.Arguments += tc.Function.Arguments
		}
	}

	resp := &agent.ChatResponse{
		Content:          content.String(),
		ReasoningContent: reasoning.String(),
		Usage:            usage,
	}
	for i := 0; i <= maxIndex; i++ {
		if call := calls[i]; call != nil && call.Name != "" {
			resp.ToolCalls = append(resp.ToolCalls, *call)
		}
	}
	return resp, nil
}

func (s *OpenAIService) buildRequest(messages []agent.Message, tools []agent.ToolDefinition, stream bool) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    s.cfg.Model,
		Messages: toOpenAIMessages(messages),
		Stream:   stream,
	}
	if s.cfg.MaxOutputTokens > 0 {
		req.MaxTokens = s.cfg.MaxOutputTokens
	}
	if stream {
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if len(tools) > 0 {
		req.Tools = toOpenAITools(tools)
	}
	return req
}

// withRetry runs call with exponential backoff on retryable errors.
func (s *OpenAIService) withRetry(ctx context.Context, call func() error) error {
	var lastErr error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		lastErr = call()
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) {
			return lastErr
		}
		if attempt < s.maxRetries {
			if err := s.retryPolicy.Sleep(ctx, attempt); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func toOpenAIMessages(messages []agent.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		oaiMsg := openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		switch msg.Role {
		case agent.RoleAssistant:
			if len(msg.ToolCalls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: tc.Arguments,
						},
					}
				}
			}
		case agent.RoleTool:
			oaiMsg.ToolCallID = msg.ToolCallID
		}
		result = append(result, oaiMsg)
	}
	return result
}

func toOpenAITools(tools []agent.ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil || schema == nil {
			// One bad schema must not break the whole request.
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}

func fromOpenAIToolCalls(calls []openai.ToolCall) []agent.ToolCallRequest {
	if len(calls) == 0 {
		return nil
	}
	result := make([]agent.ToolCallRequest, len(calls))
	for i, tc := range calls {
		result[i] = agent.ToolCallRequest{
			ID:        tc.ID,
			Type:      agent.ToolCallType(tc.Type),
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		}
	}
	return result
}

// isRetryable classifies transient provider failures: rate limits, server
// errors, and timeouts.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
