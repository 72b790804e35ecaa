// Package journal persists the append-only record of a session: messages,
// tool uses, tool results, and compactions. Every save returns the record
// UUID so callers can thread parent links through the chain.
package journal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openloom/loom/internal/agent"
)

// Record kinds as stored.
const (
	KindMessage    = "message"
	KindToolUse    = "tool_use"
	KindToolResult = "tool_result"
	KindCompaction = "compaction"
)

// Record is one journal entry. Payload is the kind-specific body; tool
// results referencing sub-agent sessions keep those references inside the
// payload untouched.
type Record struct {
	UUID       string          `json:"uuid"`
	SessionID  string          `json:"session_id"`
	ParentUUID string          `json:"parent_uuid,omitempty"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Journal is the persistence contract the session layer writes through.
type Journal interface {
	// SaveMessage appends a transcript message and returns its UUID.
	SaveMessage(ctx context.Context, sessionID, parentUUID string, msg *agent.Message) (string, error)

	// SaveToolUse appends a tool invocation and returns its UUID. The
	// returned UUID is what tool results reference.
	SaveToolUse(ctx context.Context, sessionID, parentUUID string, call *agent.ToolCallRequest) (string, error)

	// SaveToolResult appends a tool outcome linked to its tool use.
	SaveToolResult(ctx context.Context, sessionID, toolUseUUID string, result *agent.ToolResult) (string, error)

	// SaveCompaction appends a compaction record.
	SaveCompaction(ctx context.Context, sessionID, parentUUID string, rec *agent.CompactionRecord) (string, error)

	// List returns a session's records in append order.
	List(ctx context.Context, sessionID string) ([]Record, error)

	Close() error
}

// toolResultPayload is the stored shape of a tool result.
type toolResultPayload struct {
	ToolUseUUID string            `json:"tool_use_uuid"`
	Result      *agent.ToolResult `json:"result"`
}

// compactionPayload is the stored shape of a compaction.
type compactionPayload struct {
	Trigger       string   `json:"trigger"`
	Summary       string   `json:"summary"`
	PreTokens     int      `json:"pre_tokens"`
	PostTokens    int      `json:"post_tokens"`
	FilesIncluded []string `json:"files_included,omitempty"`
}
