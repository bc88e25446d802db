// Package builtin provides the builtin tool set: turn control (finish,
// progress_update, update_plan), filesystem tools scoped to the session
// working directory, and guarded shell execution.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/pkg/models"
)

func mustSchema(schema map[string]any) json.RawMessage {
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// FinishTool signals the end of a turn. The run loop stops generating once
// it sees this tool complete.
type FinishTool struct{}

func NewFinishTool() *FinishTool { return &FinishTool{} }

func (t *FinishTool) Name() string { return "finish" }

func (t *FinishTool) Description() string {
	return "Signal that the task is complete. Call this exactly once, when no further work remains."
}

func (t *FinishTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{
				"type":        "string",
				"description": "Optional closing summary of what was done.",
			},
		},
	})
}

func (t *FinishTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var input struct {
		Text string `json:"text"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &input); err != nil {
			return tools.Error(fmt.Sprintf("invalid parameters: %v", err)), nil
		}
	}
	content := strings.TrimSpace(input.Text)
	if content == "" {
		content = "Done"
	}
	return &tools.Result{Content: content}, nil
}

// ProgressTool reports intermediate status to the user. The execution
// adapter publishes it on a fast path, so Execute just echoes the message.
type ProgressTool struct{}

func NewProgressTool() *ProgressTool { return &ProgressTool{} }

func (t *ProgressTool) Name() string { return "progress_update" }

func (t *ProgressTool) Description() string {
	return "Report a short progress update to the user while working on a longer task."
}

func (t *ProgressTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{
				"type":        "string",
				"description": "One-line progress message.",
			},
		},
		"required": []string{"message"},
	})
}

func (t *ProgressTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var input struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return tools.Error(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	return &tools.Result{Content: input.Message}, nil
}

// PlanTool records the agent's current plan. The adapter publishes the
// updated plan to session subscribers.
type PlanTool struct{}

func NewPlanTool() *PlanTool { return &PlanTool{} }

func (t *PlanTool) Name() string { return "update_plan" }

func (t *PlanTool) Description() string {
	return "Replace the current task plan with an updated list of steps and their statuses."
}

func (t *PlanTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"items": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"step": map[string]any{
							"type":        "string",
							"description": "Short description of the step.",
						},
						"status": map[string]any{
							"type": "string",
							"enum": []string{"pending", "in_progress", "completed"},
						},
					},
					"required": []string{"step"},
				},
			},
			"note": map[string]any{
				"type":        "string",
				"description": "Optional explanation of what changed in the plan.",
			},
		},
		"required": []string{"items"},
	})
}

func (t *PlanTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var input models.PlanUpdate
	if err := json.Unmarshal(args, &input); err != nil {
		return tools.Error(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if len(input.Items) == 0 {
		return tools.Error("plan must contain at least one step"), nil
	}
	for i := range input.Items {
		if input.Items[i].Status == "" {
			input.Items[i].Status = "pending"
		}
	}

	var b strings.Builder
	for _, item := range input.Items {
		fmt.Fprintf(&b, "[%s] %s\n", item.Status, item.Step)
	}
	return &tools.Result{
		Content: strings.TrimRight(b.String(), "\n"),
		Plan:    &input,
	}, nil
}
