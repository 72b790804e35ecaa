package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openloom/loom/internal/agent"
)

// MemoryStore keeps the journal in process memory. Used for tests and
// ephemeral sessions.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
}

// NewMemoryStore creates an empty in-memory journal.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) SaveMessage(_ context.Context, sessionID, parentUUID string, msg *agent.Message) (string, error) {
	return s.append(sessionID, parentUUID, KindMessage, msg)
}

func (s *MemoryStore) SaveToolUse(_ context.Context, sessionID, parentUUID string, call *agent.ToolCallRequest) (string, error) {
	return s.append(sessionID, parentUUID, KindToolUse, call)
}

func (s *MemoryStore) SaveToolResult(_ context.Context, sessionID, toolUseUUID string, result *agent.ToolResult) (string, error) {
	return s.append(sessionID, toolUseUUID, KindToolResult, &toolResultPayload{
		ToolUseUUID: toolUseUUID,
		Result:      result,
	})
}

func (s *MemoryStore) SaveCompaction(_ context.Context, sessionID, parentUUID string, rec *agent.CompactionRecord) (string, error) {
	return s.append(sessionID, parentUUID, KindCompaction, &compactionPayload{
		Trigger:       rec.Trigger,
		Summary:       rec.Summary,
		PreTokens:     rec.PreTokens,
		PostTokens:    rec.PostTokens,
		FilesIncluded: rec.FilesIncluded,
	})
}

func (s *MemoryStore) append(sessionID, parentUUID, kind string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	rec := Record{
		UUID:       uuid.NewString(),
		SessionID:  sessionID,
		ParentUUID: parentUUID,
		Kind:       kind,
		Payload:    data,
		CreatedAt:  time.Now().UTC(),
	}
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return rec.UUID, nil
}

func (s *MemoryStore) List(_ context.Context, sessionID string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, rec := range s.records {
		if rec.SessionID == sessionID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
