package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/openloom/loom/internal/agent"
	"github.com/openloom/loom/internal/observability"
)

const schema = `
CREATE TABLE IF NOT EXISTS journal_records (
	uuid        TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	parent_uuid TEXT,
	kind        TEXT NOT NULL,
	payload     TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_journal_session ON journal_records(session_id, created_at);
`

// SQLiteStore is the durable Journal implementation.
type SQLiteStore struct {
	db      *sql.DB
	metrics *observability.Metrics
}

// OpenSQLite opens (creating if needed) the journal database at path.
func OpenSQLite(path string, metrics *observability.Metrics) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	store, err := NewSQLiteStore(db, metrics)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStore bootstraps the schema on an open database. Tests pass a
// mocked *sql.DB.
func NewSQLiteStore(db *sql.DB, metrics *observability.Metrics) (*SQLiteStore, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("bootstrap journal schema: %w", err)
	}
	return &SQLiteStore{db: db, metrics: metrics}, nil
}

func (s *SQLiteStore) SaveMessage(ctx context.Context, sessionID, parentUUID string, msg *agent.Message) (string, error) {
	return s.insert(ctx, sessionID, parentUUID, KindMessage, msg)
}

func (s *SQLiteStore) SaveToolUse(ctx context.Context, sessionID, parentUUID string, call *agent.ToolCallRequest) (string, error) {
	return s.insert(ctx, sessionID, parentUUID, KindToolUse, call)
}

func (s *SQLiteStore) SaveToolResult(ctx context.Context, sessionID, toolUseUUID string, result *agent.ToolResult) (string, error) {
	return s.insert(ctx, sessionID, toolUseUUID, KindToolResult, &toolResultPayload{
		ToolUseUUID: toolUseUUID,
		Result:      result,
	})
}

func (s *SQLiteStore) SaveCompaction(ctx context.Context, sessionID, parentUUID string, rec *agent.CompactionRecord) (string, error) {
	return s.insert(ctx, sessionID, parentUUID, KindCompaction, &compactionPayload{
		Trigger:       rec.Trigger,
		Summary:       rec.Summary,
		PreTokens:     rec.PreTokens,
		PostTokens:    rec.PostTokens,
		FilesIncluded: rec.FilesIncluded,
	})
}

func (s *SQLiteStore) insert(ctx context.Context, sessionID, parentUUID, kind string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", kind, err)
	}

	id := uuid.NewString()
	start := time.Now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO journal_records (uuid, session_id, parent_uuid, kind, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, sessionID, nullable(parentUUID), kind, string(data), start.UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("insert %s record: %w", kind, err)
	}
	if s.metrics != nil {
		s.metrics.ObserveJournalWrite(kind, time.Since(start))
	}
	return id, nil
}

func (s *SQLiteStore) List(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT uuid, session_id, parent_uuid, kind, payload, created_at FROM journal_records WHERE session_id = ? ORDER BY created_at, uuid`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list journal records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var parent sql.NullString
		var payload string
		if err := rows.Scan(&rec.UUID, &rec.SessionID, &parent, &rec.Kind, &payload, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan journal record: %w", err)
		}
		rec.ParentUUID = parent.String
		rec.Payload = json.RawMessage(payload)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
