package agent

import "testing"

func TestToolResultContentString(t *testing.T) {
	cases := []struct {
		name   string
		result ToolResult
		want   string
	}{
		{
			name:   "string passthrough",
			result: ToolResult{Success: true, LLMContent: "plain text"},
			want:   "plain text",
		},
		{
			name:   "structured content marshalled",
			result: ToolResult{Success: true, LLMContent: map[string]any{"value": 7}},
			want:   `{"value":7}`,
		},
		{
			name:   "failure surfaces error message",
			result: ToolResult{Success: false, Error: &ToolResultError{Type: "EXECUTION_ERROR", Message: "it broke"}},
			want:   "it broke",
		},
		{
			name:   "empty content",
			result: ToolResult{Success: true},
			want:   "",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.result.ContentString(); got != tc.want {
				t.Errorf("ContentString() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestToolResultMetadataAccessors(t *testing.T) {
	res := ToolResult{Metadata: map[string]any{
		MetaExitLoop:   true,
		MetaTargetMode: "plan",
	}}
	if !res.ShouldExitLoop() {
		t.Error("ShouldExitLoop() = false")
	}
	if res.TargetMode() != "plan" {
		t.Errorf("TargetMode() = %q", res.TargetMode())
	}

	var empty ToolResult
	if empty.ShouldExitLoop() || empty.TargetMode() != "" {
		t.Error("zero result reports exit metadata")
	}
}

func TestToolResultRequestedModel(t *testing.T) {
	res := ToolResult{Metadata: map[string]any{MetaModelID: "  gpt-4o  "}}
	if got := res.RequestedModel(); got != "gpt-4o" {
		t.Errorf("RequestedModel() = %q", got)
	}
	res = ToolResult{Metadata: map[string]any{MetaModel: "claude"}}
	if got := res.RequestedModel(); got != "claude" {
		t.Errorf("RequestedModel() fallback = %q", got)
	}
}
