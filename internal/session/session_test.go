package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/openloom/loom/internal/agent"
	"github.com/openloom/loom/internal/journal"
)

type scriptedChat struct {
	responses []*agent.ChatResponse
	calls     int
}

func (c *scriptedChat) Chat(_ context.Context, _ []agent.Message, _ []agent.ToolDefinition) (*agent.ChatResponse, error) {
	idx := c.calls
	c.calls++
	if idx >= len(c.responses) {
		idx = len(c.responses) - 1
	}
	return c.responses[idx], nil
}

func (c *scriptedChat) Config() agent.ModelConfig { return agent.ModelConfig{Model: "m"} }

type echoPipeline struct{}

func (echoPipeline) Execute(_ context.Context, name string, _ json.RawMessage, _ agent.ExecutionContext) (*agent.ToolResult, error) {
	return &agent.ToolResult{Success: true, LLMContent: name + " ok"}, nil
}

func (echoPipeline) Kind(string) agent.ToolKind { return agent.ToolKindReadonly }

func drain(t *testing.T, events <-chan agent.Event, results <-chan *agent.LoopResult) ([]agent.Event, *agent.LoopResult) {
	t.Helper()
	var got []agent.Event
	for e := range events {
		got = append(got, e)
	}
	select {
	case result := <-results:
		return got, result
	case <-time.After(5 * time.Second):
		t.Fatal("no result")
		return nil, nil
	}
}

func TestSessionSendAndStream(t *testing.T) {
	store := journal.NewMemoryStore()
	chat := &scriptedChat{responses: []*agent.ChatResponse{{Content: "done"}}}
	s, err := New(Options{
		SystemPrompt: "be helpful",
		MaxTurns:     5,
		Chat:         chat,
		Pipeline:     echoPipeline{},
		Journal:      store,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if s.ID() == "" {
		t.Error("session id not generated")
	}

	if err := s.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	events, results, err := s.Stream(context.Background())
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	got, result := drain(t, events, results)
	if !result.Success || result.FinalMessage != "done" {
		t.Fatalf("result = %+v", result)
	}
	if len(got) == 0 || got[0].Type != agent.EventAgentStart {
		t.Errorf("first event = %+v", got)
	}

	records, err := store.List(context.Background(), s.ID())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	// The user message and the completing assistant message.
	if len(records) != 2 {
		t.Fatalf("journal has %d records", len(records))
	}
	if records[0].Kind != journal.KindMessage || records[1].ParentUUID != records[0].UUID {
		t.Errorf("records = %+v", records)
	}
}

func TestSessionJournalsToolChain(t *testing.T) {
	store := journal.NewMemoryStore()
	calls := []agent.ToolCallRequest{{
		ID:        "call_1",
		Type:      agent.ToolCallFunction,
		Name:      "clock",
		Arguments: `{}`,
	}}
	chat := &scriptedChat{responses: []*agent.ChatResponse{
		{ToolCalls: calls},
		{Content: "done"},
	}}
	s, err := New(Options{
		MaxTurns: 5,
		Chat:     chat,
		Pipeline: echoPipeline{},
		Journal:  store,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Send(context.Background(), "what time is it"); err != nil {
		t.Fatalf("send: %v", err)
	}
	events, results, err := s.Stream(context.Background())
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if _, result := drain(t, events, results); !result.Success {
		t.Fatal("run failed")
	}

	records, _ := store.List(context.Background(), s.ID())
	var kinds []string
	for _, rec := range records {
		kinds = append(kinds, rec.Kind)
	}
	want := []string{
		journal.KindMessage,    // user
		journal.KindMessage,    // assistant with tool calls
		journal.KindToolUse,    // clock invocation
		journal.KindToolResult, // clock outcome
		journal.KindMessage,    // completing assistant message
	}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	}
}

func TestSessionRejectsConcurrentStreams(t *testing.T) {
	release := make(chan struct{})
	chat := &blockingChat{release: release}
	s, err := New(Options{MaxTurns: 2, Chat: chat, Pipeline: echoPipeline{}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	events, results, err := s.Stream(context.Background())
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	if _, _, err := s.Stream(context.Background()); err == nil {
		t.Error("second stream allowed while running")
	}
	if err := s.Send(context.Background(), "more"); err == nil {
		t.Error("send allowed while running")
	}

	close(release)
	drain(t, events, results)

	// After the run finishes the session accepts input again.
	if err := s.Send(context.Background(), "more"); err != nil {
		t.Errorf("send after run: %v", err)
	}
}

type blockingChat struct {
	release chan struct{}
}

func (c *blockingChat) Chat(ctx context.Context, _ []agent.Message, _ []agent.ToolDefinition) (*agent.ChatResponse, error) {
	select {
	case <-c.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &agent.ChatResponse{Content: "done"}, nil
}

func (c *blockingChat) Config() agent.ModelConfig { return agent.ModelConfig{} }

func TestSessionTranscriptCapturedAfterRun(t *testing.T) {
	chat := &scriptedChat{responses: []*agent.ChatResponse{{Content: "done"}}}
	s, err := New(Options{SystemPrompt: "sys", MaxTurns: 3, Chat: chat, Pipeline: echoPipeline{}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	events, results, err := s.Stream(context.Background())
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	drain(t, events, results)

	msgs := s.Messages()
	if len(msgs) != 2 || msgs[0].Role != agent.RoleSystem || msgs[1].Content != "hello" {
		t.Errorf("transcript = %+v", msgs)
	}
}

func TestSessionJournalFailureDoesNotFailRun(t *testing.T) {
	chat := &scriptedChat{responses: []*agent.ChatResponse{{Content: "done"}}}
	s, err := New(Options{MaxTurns: 3, Chat: chat, Pipeline: echoPipeline{}, Journal: failingJournal{}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	events, results, err := s.Stream(context.Background())
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if _, result := drain(t, events, results); !result.Success {
		t.Errorf("result = %+v", result)
	}
}

type failingJournal struct{}

var errJournal = errors.New("journal unavailable")

func (failingJournal) SaveMessage(context.Context, string, string, *agent.Message) (string, error) {
	return "", errJournal
}

func (failingJournal) SaveToolUse(context.Context, string, string, *agent.ToolCallRequest) (string, error) {
	return "", errJournal
}

func (failingJournal) SaveToolResult(context.Context, string, string, *agent.ToolResult) (string, error) {
	return "", errJournal
}

func (failingJournal) SaveCompaction(context.Context, string, string, *agent.CompactionRecord) (string, error) {
	return "", errJournal
}

func (failingJournal) List(context.Context, string) ([]journal.Record, error) { return nil, nil }

func (failingJournal) Close() error { return nil }

func TestSessionValidation(t *testing.T) {
	if _, err := New(Options{Pipeline: echoPipeline{}}); !errors.Is(err, agent.ErrNoChatService) {
		t.Errorf("missing chat error = %v", err)
	}
	if _, err := New(Options{Chat: &scriptedChat{responses: []*agent.ChatResponse{{}}}}); !errors.Is(err, agent.ErrNoPipeline) {
		t.Errorf("missing pipeline error = %v", err)
	}
}
