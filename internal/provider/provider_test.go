package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/loomhq/loom/pkg/models"
)

func TestNewAnthropicRequiresAPIKey(t *testing.T) {
	if _, err := NewAnthropic(AnthropicConfig{}); err == nil {
		t.Error("expected error for missing API key")
	}
}

func TestNewOpenAIRequiresAPIKey(t *testing.T) {
	if _, err := NewOpenAI(OpenAIConfig{}); err == nil {
		t.Error("expected error for missing API key")
	}
}

func TestAnthropicConvertMessages(t *testing.T) {
	p := &Anthropic{}
	messages := []Message{
		{Role: models.RoleSystem, Content: "be nice"},
		{Role: models.RoleUser, Content: "hello"},
		{
			Role:    models.RoleAssistant,
			Content: "checking",
			ToolCalls: []ToolCall{
				{ID: "call_1", Name: "read", Args: json.RawMessage(`{"path":"a.txt"}`)},
			},
		},
		{
			Role: models.RoleUser,
			ToolResults: []ToolResult{
				{CallID: "call_1", Name: "read", Content: "contents"},
			},
		},
	}

	result, err := p.convertMessages(messages)
	if err != nil {
		t.Fatalf("convertMessages() error = %v", err)
	}
	// System message is dropped; the other three survive.
	if len(result) != 3 {
		t.Fatalf("len(result) = %d, want 3", len(result))
	}
	if result[1].Role != "assistant" {
		t.Errorf("Role = %q, want assistant", result[1].Role)
	}
}

func TestAnthropicConvertMessagesInvalidArgs(t *testing.T) {
	p := &Anthropic{}
	messages := []Message{
		{
			Role:      models.RoleAssistant,
			ToolCalls: []ToolCall{{ID: "c1", Name: "x", Args: json.RawMessage(`not json`)}},
		},
	}
	if _, err := p.convertMessages(messages); err == nil {
		t.Error("expected error for invalid tool call args")
	}
}

func TestOpenAIConvertMessages(t *testing.T) {
	p := &OpenAI{}
	messages := []Message{
		{Role: models.RoleUser, Content: "hi"},
		{
			Role: models.RoleAssistant,
			ToolCalls: []ToolCall{
				{ID: "call_1", Name: "ls", Args: json.RawMessage(`{}`)},
			},
		},
		{
			Role: models.RoleUser,
			ToolResults: []ToolResult{
				{CallID: "call_1", Name: "ls", Content: "a.txt\nb.txt"},
			},
		},
	}

	result := p.convertMessages(messages, "system prompt")
	// system + user + assistant(tool call) + tool result
	if len(result) != 4 {
		t.Fatalf("len(result) = %d, want 4", len(result))
	}
	if result[0].Role != openai.ChatMessageRoleSystem {
		t.Errorf("first role = %q, want system", result[0].Role)
	}
	last := result[len(result)-1]
	if last.Role != openai.ChatMessageRoleTool || last.ToolCallID != "call_1" {
		t.Errorf("tool result message = %+v, want role=tool call id=call_1", last)
	}
}

func TestMapAnthropicStopReason(t *testing.T) {
	tests := []struct{ in, want string }{
		{"tool_use", "tool-calls"},
		{"end_turn", "stop"},
		{"stop_sequence", "stop"},
		{"max_tokens", "length"},
		{"something_else", "something_else"},
	}
	for _, tt := range tests {
		if got := mapAnthropicStopReason(tt.in); got != tt.want {
			t.Errorf("mapAnthropicStopReason(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAPIErrorMessageFallbacks(t *testing.T) {
	tests := []struct {
		name string
		err  *APIError
		want string
	}{
		{
			name: "message",
			err:  &APIError{Provider: "anthropic", Message: "overloaded"},
			want: "overloaded",
		},
		{
			name: "cause",
			err:  &APIError{Provider: "anthropic", Cause: errors.New("boom")},
			want: "boom",
		},
		{
			name: "status",
			err:  &APIError{Provider: "anthropic", Status: 503},
			want: "HTTP 503",
		},
		{
			name: "nothing",
			err:  &APIError{Provider: "anthropic"},
			want: "request failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); !strings.Contains(got, tt.want) {
				t.Errorf("Error() = %q, want substring %q", got, tt.want)
			}
		})
	}
}

func TestAPIErrorRetryable(t *testing.T) {
	tests := []struct {
		err  *APIError
		want bool
	}{
		{&APIError{Status: 429}, true},
		{&APIError{Status: 503}, true},
		{&APIError{Status: 401}, false},
		{&APIError{Status: 400}, false},
		{&APIError{Cause: errors.New("connection refused")}, true},
		{&APIError{Cause: errors.New("invalid schema")}, false},
	}
	for _, tt := range tests {
		if got := tt.err.Retryable(); got != tt.want {
			t.Errorf("Retryable(%+v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestAsAPIError(t *testing.T) {
	inner := &APIError{Provider: "openai", Status: 429}
	wrapped := fmt.Errorf("step failed: %w", inner)
	got, ok := AsAPIError(wrapped)
	if !ok || got.Status != 429 {
		t.Errorf("AsAPIError() = %v, %v; want inner error", got, ok)
	}
	if _, ok := AsAPIError(errors.New("plain")); ok {
		t.Error("AsAPIError(plain) = true, want false")
	}
}
