package agent

import "regexp"

// RetryPrompt is the synthetic user message injected when the assistant
// announces intent without calling a tool.
const RetryPrompt = "请执行你提到的操作，不要只是描述。"

const (
	// maxIncompleteRetries caps the synthetic retry prompts per window.
	maxIncompleteRetries = 2

	// retryScanWindow is how many trailing messages are scanned when
	// counting prior retries.
	retryScanWindow = 10
)

// incompleteIntentPatterns match assistant text that announces an action
// instead of performing it. The full-width colon (U+FF1A) is matched as a
// rune, not bytes.
var incompleteIntentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`：\s*$`),
	regexp.MustCompile(`:\s+$`),
	regexp.MustCompile(`\.{3}\s+$`),
	regexp.MustCompile(`让我(先|来|开始|查看|检查|修复)`),
	regexp.MustCompile(`(?i)Let me (first|start|check|look|fix)`),
}

// looksIncomplete reports whether assistant content matches any
// incomplete-intent pattern.
func looksIncomplete(content string) bool {
	if content == "" {
		return false
	}
	for _, re := range incompleteIntentPatterns {
		if re.MatchString(content) {
			return true
		}
	}
	return false
}

// recentRetryCount counts synthetic retry prompts among the trailing
// retryScanWindow messages.
func recentRetryCount(messages []Message) int {
	start := len(messages) - retryScanWindow
	if start < 0 {
		start = 0
	}
	count := 0
	for _, m := range messages[start:] {
		if m.Role == RoleUser && m.Content == RetryPrompt {
			count++
		}
	}
	return count
}

// shouldRetryIncomplete decides whether to inject a retry prompt for a
// tool-free response.
func shouldRetryIncomplete(content string, messages []Message) bool {
	return looksIncomplete(content) && recentRetryCount(messages) < maxIncompleteRetries
}
