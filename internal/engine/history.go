package engine

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/loomhq/loom/internal/provider"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/models"
)

// buildHistory reconstructs the provider-facing conversation from persisted
// messages and parts. User turns reduce to their concatenated text. Assistant
// turns carry their text plus tool calls, followed by a user-role message
// holding the paired tool results, so the model sees its own prior actions
// verbatim. An assistant message with any unpaired tool call contributes its
// text only; replaying a call without its result would poison the next step.
func buildHistory(ctx context.Context, st store.Store, sessionID string) ([]provider.Message, error) {
	msgs, err := st.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var history []provider.Message
	for _, msg := range msgs {
		parts, err := st.ListParts(ctx, msg.ID)
		if err != nil {
			return nil, err
		}

		switch msg.Role {
		case models.RoleUser:
			text := collectText(parts)
			if text == "" {
				continue
			}
			history = append(history, provider.Message{Role: models.RoleUser, Content: text})

		case models.RoleAssistant:
			entry := assembleAssistant(parts)
			if entry == nil {
				continue
			}
			history = append(history, provider.Message{
				Role:      models.RoleAssistant,
				Content:   entry.text,
				ToolCalls: entry.calls,
			})
			if len(entry.results) > 0 {
				history = append(history, provider.Message{
					Role:        models.RoleUser,
					ToolResults: entry.results,
				})
			}
		}
	}
	return history, nil
}

type assistantTurn struct {
	text    string
	calls   []provider.ToolCall
	results []provider.ToolResult
}

func assembleAssistant(parts []*models.MessagePart) *assistantTurn {
	var texts []string
	var calls []provider.ToolCall
	resultsByCall := make(map[string]provider.ToolResult)
	var resultOrder []string

	for _, p := range parts {
		switch p.Type {
		case models.PartText:
			if t := parseText(p.Content); t != "" {
				texts = append(texts, t)
			}
		case models.PartToolCall:
			var tc models.ToolCallContent
			if err := json.Unmarshal([]byte(p.Content), &tc); err != nil {
				continue
			}
			if tc.CallID == "" || tc.Name == "" {
				continue
			}
			calls = append(calls, provider.ToolCall{ID: tc.CallID, Name: tc.Name, Args: tc.Args})
		case models.PartToolResult:
			var tr models.ToolResultContent
			if err := json.Unmarshal([]byte(p.Content), &tr); err != nil {
				continue
			}
			if tr.CallID == "" {
				continue
			}
			resultsByCall[tr.CallID] = provider.ToolResult{
				CallID:  tr.CallID,
				Name:    tr.Name,
				Content: resultText(tr.Result),
			}
			resultOrder = append(resultOrder, tr.CallID)
		}
	}

	text := strings.Join(texts, "\n")

	for _, call := range calls {
		if _, ok := resultsByCall[call.ID]; !ok {
			// Unpaired call: keep the text, drop the tool traffic.
			if text == "" {
				return nil
			}
			return &assistantTurn{text: text}
		}
	}

	turn := &assistantTurn{text: text, calls: calls}
	for _, id := range resultOrder {
		turn.results = append(turn.results, resultsByCall[id])
	}
	if text == "" && len(calls) == 0 {
		return nil
	}
	return turn
}

func collectText(parts []*models.MessagePart) string {
	var texts []string
	for _, p := range parts {
		if p.Type != models.PartText {
			continue
		}
		if t := parseText(p.Content); t != "" {
			texts = append(texts, t)
		}
	}
	return strings.Join(texts, "\n")
}

func parseText(content string) string {
	var tc models.TextContent
	if err := json.Unmarshal([]byte(content), &tc); err != nil {
		return ""
	}
	return tc.Text
}

// resultText renders a tool result payload for history replay. String
// payloads are replayed as-is, anything else as its JSON encoding.
func resultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
