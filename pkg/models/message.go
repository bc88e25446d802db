package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageStatus is the lifecycle state of a message. A message transitions
// pending -> complete or pending -> error exactly once.
type MessageStatus string

const (
	StatusPending  MessageStatus = "pending"
	StatusComplete MessageStatus = "complete"
	StatusError    MessageStatus = "error"
)

// Session is one persistent conversation with running aggregates. The
// orchestrator folds token usage into it after each turn and the tool
// adapter folds tool time and per-tool invocation counts after each call.
type Session struct {
	ID                string           `json:"id"`
	Agent             string           `json:"agent"`
	Title             string           `json:"title,omitempty"`
	ProjectRoot       string           `json:"project_root,omitempty"`
	TotalInputTokens  int64            `json:"total_input_tokens"`
	TotalOutputTokens int64            `json:"total_output_tokens"`
	TotalToolTimeMs   int64            `json:"total_tool_time_ms"`
	ToolCounts        map[string]int64 `json:"tool_counts,omitempty"`
	LastActiveAt      time.Time        `json:"last_active_at"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// Message is one conversation turn. Assistant messages are created pending
// when a run is enqueued and finalized exactly once by the orchestrator.
type Message struct {
	ID          string        `json:"id"`
	SessionID   string        `json:"session_id"`
	Role        Role          `json:"role"`
	Status      MessageStatus `json:"status"`
	Error       string        `json:"error,omitempty"`
	Agent       string        `json:"agent,omitempty"`
	Provider    string        `json:"provider,omitempty"`
	Model       string        `json:"model,omitempty"`
	Usage       *TokenUsage   `json:"usage,omitempty"`
	CostUSD     float64       `json:"cost_usd,omitempty"`
	LatencyMs   int64         `json:"latency_ms,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// PartType identifies the kind of a message part.
type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
	PartError      PartType = "error"
)

// MessagePart is one ordered, append-only fragment of a message. Index is
// globally monotonic within the message; StepIndex is the generation step
// that produced the part. Text parts grow in place while streaming and are
// sealed by CompletedAt; tool parts are written once.
type MessagePart struct {
	ID             string     `json:"id"`
	MessageID      string     `json:"message_id"`
	Index          int        `json:"index"`
	StepIndex      int        `json:"step_index"`
	Type           PartType   `json:"type"`
	Content        string     `json:"content"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ToolName       string     `json:"tool_name,omitempty"`
	ToolCallID     string     `json:"tool_call_id,omitempty"`
	ToolDurationMs int64      `json:"tool_duration_ms,omitempty"`
}

// TextContent is the JSON payload of a text part.
type TextContent struct {
	Text string `json:"text"`
}

// ToolCallContent is the JSON payload of a tool_call part.
type ToolCallContent struct {
	Name   string          `json:"name"`
	Args   json.RawMessage `json:"args,omitempty"`
	CallID string          `json:"callId"`
}

// ToolResultContent is the JSON payload of a tool_result part. Artifact is
// present for file-mutating tools.
type ToolResultContent struct {
	Name     string          `json:"name"`
	Result   json.RawMessage `json:"result"`
	CallID   string          `json:"callId"`
	Args     json.RawMessage `json:"args,omitempty"`
	Artifact *Artifact       `json:"artifact,omitempty"`
}

// ErrorContent is the JSON payload of an error part.
type ErrorContent struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
	Aborted bool   `json:"aborted,omitempty"`
}

// TokenUsage is token accounting for one step or one whole turn.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens,omitempty"`
}

// Total returns TotalTokens if set, otherwise input+output.
func (u *TokenUsage) Total() int {
	if u == nil {
		return 0
	}
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.InputTokens + u.OutputTokens
}

// Add folds another usage sample into u.
func (u *TokenUsage) Add(other *TokenUsage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.Total()
}

// ArtifactFileDiff is the artifact kind for unified-diff summaries.
const ArtifactFileDiff = "file_diff"

// Artifact is a structured summary attached to a tool result for mutating
// file operations. It is embedded in the tool_result part content, never
// persisted on its own.
type Artifact struct {
	Kind    string      `json:"kind"`
	Patch   string      `json:"patch"`
	Summary DiffSummary `json:"summary"`
}

// DiffSummary counts the files and +/- lines of a patch.
type DiffSummary struct {
	Files     int `json:"files"`
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
}

// PlanItem is one entry of an agent plan.
type PlanItem struct {
	Step   string `json:"step"`
	Status string `json:"status,omitempty"`
}

// PlanUpdate carries the items of an update_plan tool result.
type PlanUpdate struct {
	Items []PlanItem `json:"items"`
	Note  string     `json:"note,omitempty"`
}

// RunRequest describes one enqueued assistant turn. Immutable; consumed
// exactly once by the orchestrator.
type RunRequest struct {
	SessionID   string `json:"session_id"`
	MessageID   string `json:"message_id"`
	PartID      string `json:"part_id"`
	Agent       string `json:"agent"`
	Provider    string `json:"provider"`
	Model       string `json:"model"`
	ProjectRoot string `json:"project_root"`
	OneShot     bool   `json:"one_shot,omitempty"`
}
