// Package provider implements streaming LLM backends for the run engine.
//
// Each provider converts the engine's message history into its API format,
// opens a streaming request, and emits Chunk values as tokens arrive. Tool
// calls are accumulated inside the provider and emitted as complete calls.
package provider

import (
	"context"
	"encoding/json"

	"github.com/loomhq/loom/pkg/models"
)

// Message is one turn of conversation history sent to a provider.
type Message struct {
	Role        models.Role
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	// ID is the provider-assigned call id. Results are paired to calls
	// by this id, never by tool name.
	ID   string
	Name string
	Args json.RawMessage
}

// ToolResult is the outcome of an executed tool call, sent back to the model.
type ToolResult struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

// ToolDef describes a tool exposed to the model.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Request is a single generation step.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDef
	MaxTokens int
}

// Chunk is one streaming event from a provider.
//
// Exactly one of Text, ToolCall, Err, or Done is meaningful per chunk.
// A Done chunk may also carry Usage and FinishReason.
type Chunk struct {
	Text         string
	ToolCall     *ToolCall
	Usage        *models.TokenUsage
	FinishReason string
	Done         bool
	Err          error
}

// Provider streams completions for the run engine.
//
// Stream returns a channel that delivers chunks until the generation
// completes or fails. The channel is closed after the final chunk.
// Cancelling ctx stops the stream.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req *Request) (<-chan *Chunk, error)
}
