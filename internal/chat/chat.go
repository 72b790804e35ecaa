// Package chat adapts LLM provider SDKs to the agent.ChatService contract.
// The loop never sees provider wire formats; conversion to and from the
// neutral message shape happens here.
package chat

import (
	"fmt"

	"github.com/openloom/loom/internal/agent"
)

// Provider names accepted by New.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// New builds a chat service for the named provider. The OpenAI adapter also
// serves any OpenAI-compatible endpoint via ModelConfig.BaseURL.
func New(provider string, cfg agent.ModelConfig) (agent.ChatService, error) {
	switch provider {
	case ProviderOpenAI, "":
		return NewOpenAIService(cfg), nil
	case ProviderAnthropic:
		return NewAnthropicService(cfg), nil
	default:
		return nil, fmt.Errorf("unknown chat provider %q", provider)
	}
}
