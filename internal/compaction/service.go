// Package compaction shrinks long transcripts by replacing their prefix
// with an LLM-written summary while keeping the most recent messages
// verbatim.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/openloom/loom/internal/agent"
	"github.com/openloom/loom/internal/observability"
)

const (
	// charsPerToken is the estimation heuristic; close enough for
	// threshold decisions without a tokenizer dependency.
	charsPerToken = 4

	// defaultKeepRecent messages survive compaction verbatim.
	defaultKeepRecent = 5

	summarySystemPrompt = "You summarise agent conversations. Produce a dense summary that preserves: the user's goal, decisions made, file paths touched, tool outcomes that matter for the remaining work, and any unresolved questions. Plain text only."
)

// filePathPattern matches path-like tokens so the summary record can list
// which files the compacted prefix talked about.
var filePathPattern = regexp.MustCompile(`(?:^|[\s"'` + "`" + `(])((?:\.{0,2}/)?(?:[\w.-]+/)+[\w.-]+\.\w{1,8})`)

// Service implements agent.CompactionService on top of a chat service.
type Service struct {
	chat       agent.ChatService
	keepRecent int
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewService builds a compaction service. keepRecent <= 0 selects the
// default.
func NewService(chat agent.ChatService, keepRecent int, logger *slog.Logger, metrics *observability.Metrics) *Service {
	if keepRecent <= 0 {
		keepRecent = defaultKeepRecent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{chat: chat, keepRecent: keepRecent, logger: logger, metrics: metrics}
}

// Compact summarises the transcript prefix and returns the rebuilt
// message list: one summary message followed by the kept recent tail.
func (s *Service) Compact(ctx context.Context, messages []agent.Message, req *agent.CompactRequest) (*agent.CompactResult, error) {
	prefix, tail := s.split(messages)
	if len(prefix) == 0 {
		if s.metrics != nil {
			s.metrics.RecordCompaction(req.Trigger, false)
		}
		return nil, errors.New("transcript too short to compact")
	}

	preTokens := req.ActualPreTokens
	if preTokens <= 0 {
		preTokens = EstimateTokens(messages)
	}

	summary, err := s.summarise(ctx, prefix)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordCompaction(req.Trigger, false)
		}
		return nil, fmt.Errorf("summarise transcript: %w", err)
	}

	compacted := make([]agent.Message, 0, len(tail)+1)
	compacted = append(compacted, agent.Message{
		Role:    agent.RoleUser,
		Content: "Summary of the earlier conversation:\n\n" + summary,
	})
	compacted = append(compacted, tail...)

	result := &agent.CompactResult{
		CompactedMessages: compacted,
		Summary:           summary,
		PreTokens:         preTokens,
		PostTokens:        EstimateTokens(compacted),
		FilesIncluded:     extractFilePaths(prefix),
	}
	if s.metrics != nil {
		s.metrics.RecordCompaction(req.Trigger, true)
	}
	s.logger.Info("transcript compacted",
		"trigger", req.Trigger,
		"pre_tokens", result.PreTokens,
		"post_tokens", result.PostTokens,
		"files", len(result.FilesIncluded))
	return result, nil
}

// split separates the compactable prefix from the kept tail. The pinned
// system message is the loop's concern, not ours; a leading system message
// is treated as part of neither and dropped from the prefix.
func (s *Service) split(messages []agent.Message) (prefix, tail []agent.Message) {
	body := messages
	if len(body) > 0 && body[0].Role == agent.RoleSystem {
		body = body[1:]
	}
	if len(body) <= s.keepRecent {
		return nil, body
	}
	cut := len(body) - s.keepRecent
	// Never cut between an assistant tool-call message and its tool
	// results; move the cut forward past the dangling results.
	for cut < len(body) && body[cut].Role == agent.RoleTool {
		cut++
	}
	if cut >= len(body) {
		return nil, body
	}
	return body[:cut], body[cut:]
}

func (s *Service) summarise(ctx context.Context, prefix []agent.Message) (string, error) {
	resp, err := s.chat.Chat(ctx, []agent.Message{
		{Role: agent.RoleSystem, Content: summarySystemPrompt},
		{Role: agent.RoleUser, Content: renderTranscript(prefix)},
	}, nil)
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", errors.New("summary model returned empty content")
	}
	return summary, nil
}

// renderTranscript flattens messages into the text the summary model reads.
func renderTranscript(messages []agent.Message) string {
	var b strings.Builder
	for _, msg := range messages {
		fmt.Fprintf(&b, "[%s]", msg.Role)
		if msg.ToolName != "" {
			fmt.Fprintf(&b, " (%s)", msg.ToolName)
		}
		b.WriteString(" ")
		b.WriteString(msg.Content)
		for _, tc := range msg.ToolCalls {
			fmt.Fprintf(&b, "\n  -> called %s(%s)", tc.Name, tc.Arguments)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// EstimateTokens approximates the token count of a message list.
func EstimateTokens(messages []agent.Message) int {
	chars := 0
	for _, msg := range messages {
		chars += len(msg.Content) + len(msg.ReasoningContent)
		for _, tc := range msg.ToolCalls {
			chars += len(tc.Name) + len(tc.Arguments)
		}
	}
	return chars / charsPerToken
}

// extractFilePaths collects the distinct path-like tokens in the prefix.
func extractFilePaths(messages []agent.Message) []string {
	seen := make(map[string]struct{})
	for _, msg := range messages {
		for _, match := range filePathPattern.FindAllStringSubmatch(msg.Content, -1) {
			seen[match[1]] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
