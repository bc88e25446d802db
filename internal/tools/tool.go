// Package tools defines the tool contract, the registry that validates and
// dispatches calls, and the per-session working directory map shared by the
// filesystem and shell tools.
package tools

import (
	"context"
	"encoding/json"

	"github.com/loomhq/loom/pkg/models"
)

// Result is the outcome of a tool execution. IsError results are reported
// back to the model rather than failing the run.
type Result struct {
	Content  string
	IsError  bool
	Artifact *models.Artifact
	Plan     *models.PlanUpdate
	Meta     map[string]any
}

// Tool is a callable capability exposed to the model.
type Tool interface {
	// Name returns the tool name used in model-facing definitions.
	Name() string

	// Description returns the tool description shown to the model.
	Description() string

	// Schema returns the JSON schema for the tool parameters.
	Schema() json.RawMessage

	// Execute runs the tool. Tool-level failures are returned as an
	// IsError Result; the error return is for infrastructure failures.
	Execute(ctx context.Context, args json.RawMessage) (*Result, error)
}

// StreamChunk is one event from a streaming tool. Delta chunks carry
// incremental output on a named channel ("stdout", "stderr"); the final
// chunk carries the Result.
type StreamChunk struct {
	Channel string
	Delta   string
	Result  *Result
	Err     error
}

// StreamingTool is a tool that emits incremental output while running.
// The returned channel closes after the final chunk.
type StreamingTool interface {
	Tool
	ExecuteStream(ctx context.Context, args json.RawMessage) (<-chan StreamChunk, error)
}

// InputObserver receives tool input before Execute. Tools implement it when
// they want to react to arguments ahead of execution. Providers surface tool
// calls only once their arguments are complete, so the observer sees the
// call open and the full argument payload, never partial input.
type InputObserver interface {
	OnInputStart(ctx context.Context, callID string)
	OnInputAvailable(ctx context.Context, callID string, args json.RawMessage)
}

// Error builds an IsError result, used by tools for input and runtime
// failures that the model should see.
func Error(msg string) *Result {
	return &Result{Content: msg, IsError: true}
}
