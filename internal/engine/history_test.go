package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/models"
)

func seedHistoryStore(t *testing.T) store.Store {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	mustCreate := func(msg *models.Message, parts ...*models.MessagePart) {
		t.Helper()
		if err := st.CreateMessage(ctx, msg); err != nil {
			t.Fatalf("CreateMessage failed: %v", err)
		}
		for _, p := range parts {
			if err := st.CreatePart(ctx, p); err != nil {
				t.Fatalf("CreatePart failed: %v", err)
			}
		}
	}

	text := func(id, msgID string, idx int, s string) *models.MessagePart {
		content, _ := json.Marshal(models.TextContent{Text: s})
		return &models.MessagePart{ID: id, MessageID: msgID, Index: idx, Type: models.PartText, Content: string(content)}
	}

	mustCreate(
		&models.Message{ID: "u1", SessionID: "s1", Role: models.RoleUser, CreatedAt: base},
		text("u1-p0", "u1", 0, "list the files"),
	)

	callContent, _ := json.Marshal(models.ToolCallContent{Name: "ls", Args: json.RawMessage(`{"path":"."}`), CallID: "c1"})
	resultContent, _ := json.Marshal(models.ToolResultContent{Name: "ls", Result: json.RawMessage(`"main.go\n"`), CallID: "c1"})
	mustCreate(
		&models.Message{ID: "a1", SessionID: "s1", Role: models.RoleAssistant, CreatedAt: base.Add(time.Second)},
		text("a1-p0", "a1", 0, "Sure, listing."),
		&models.MessagePart{ID: "a1-p1", MessageID: "a1", Index: 1, Type: models.PartToolCall, Content: string(callContent)},
		&models.MessagePart{ID: "a1-p2", MessageID: "a1", Index: 2, Type: models.PartToolResult, Content: string(resultContent)},
	)

	return st
}

func TestBuildHistoryPairsCallsAndResults(t *testing.T) {
	st := seedHistoryStore(t)

	history, err := buildHistory(context.Background(), st, "s1")
	if err != nil {
		t.Fatalf("buildHistory failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("got %d messages, want 3 (user, assistant, results)", len(history))
	}

	if history[0].Role != models.RoleUser || history[0].Content != "list the files" {
		t.Errorf("user turn = %+v", history[0])
	}

	asst := history[1]
	if asst.Role != models.RoleAssistant || asst.Content != "Sure, listing." {
		t.Errorf("assistant turn = %+v", asst)
	}
	if len(asst.ToolCalls) != 1 || asst.ToolCalls[0].ID != "c1" || asst.ToolCalls[0].Name != "ls" {
		t.Fatalf("tool calls = %+v", asst.ToolCalls)
	}

	results := history[2]
	if results.Role != models.RoleUser || len(results.ToolResults) != 1 {
		t.Fatalf("results turn = %+v", results)
	}
	if tr := results.ToolResults[0]; tr.CallID != "c1" || tr.Content != "main.go\n" {
		t.Errorf("tool result = %+v", tr)
	}
}

func TestBuildHistoryDropsUnpairedCalls(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	if err := st.CreateMessage(ctx, &models.Message{ID: "a1", SessionID: "s1", Role: models.RoleAssistant}); err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}
	textContent, _ := json.Marshal(models.TextContent{Text: "working on it"})
	callContent, _ := json.Marshal(models.ToolCallContent{Name: "bash", Args: json.RawMessage(`{}`), CallID: "orphan"})
	for _, p := range []*models.MessagePart{
		{ID: "p0", MessageID: "a1", Index: 0, Type: models.PartText, Content: string(textContent)},
		{ID: "p1", MessageID: "a1", Index: 1, Type: models.PartToolCall, Content: string(callContent)},
	} {
		if err := st.CreatePart(ctx, p); err != nil {
			t.Fatalf("CreatePart failed: %v", err)
		}
	}

	history, err := buildHistory(ctx, st, "s1")
	if err != nil {
		t.Fatalf("buildHistory failed: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("got %d messages, want 1", len(history))
	}
	if history[0].Content != "working on it" || len(history[0].ToolCalls) != 0 {
		t.Errorf("turn = %+v, want text only", history[0])
	}
}

func TestBuildHistorySkipsEmptyTurns(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	if err := st.CreateMessage(ctx, &models.Message{ID: "u1", SessionID: "s1", Role: models.RoleUser}); err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}

	history, err := buildHistory(ctx, st, "s1")
	if err != nil {
		t.Fatalf("buildHistory failed: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("got %d messages, want 0", len(history))
	}
}

func TestResultTextRendering(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{`"plain string"`, "plain string"},
		{`{"files":2}`, `{"files":2}`},
		{``, ""},
	}
	for _, tc := range cases {
		if got := resultText(json.RawMessage(tc.raw)); got != tc.want {
			t.Errorf("resultText(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}
