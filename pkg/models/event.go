package models

import "encoding/json"

// EventType identifies a session event on the bus.
type EventType string

const (
	EventPartDelta        EventType = "message.part.delta"
	EventToolCall         EventType = "tool.call"
	EventToolDelta        EventType = "tool.delta"
	EventToolResult       EventType = "tool.result"
	EventPlanUpdated      EventType = "plan.updated"
	EventFinishStep       EventType = "finish-step"
	EventUsage            EventType = "usage"
	EventMessageCompleted EventType = "message.completed"
	EventError            EventType = "error"
	EventQueueUpdated     EventType = "queue.updated"
)

// Event is the unit of delivery on the session event bus. This is the sole
// integration surface for SSE transports and protocol adapters.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Payload   any       `json:"payload"`
}

// PartDeltaPayload streams one text delta into an open text part.
type PartDeltaPayload struct {
	MessageID string `json:"messageId"`
	PartID    string `json:"partId"`
	StepIndex int    `json:"stepIndex"`
	Delta     string `json:"delta"`
}

// ToolCallPayload announces a tool call whose arguments are complete.
type ToolCallPayload struct {
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args,omitempty"`
	CallID    string          `json:"callId"`
	StepIndex int             `json:"stepIndex"`
}

// ToolDeltaPayload streams incremental output from a running tool. Channel
// names the stream that produced the delta ("stdout", "stderr").
type ToolDeltaPayload struct {
	Name      string `json:"name"`
	Channel   string `json:"channel"`
	Delta     string `json:"delta"`
	CallID    string `json:"callId,omitempty"`
	StepIndex int    `json:"stepIndex"`
}

// ToolResultPayload carries a completed tool result envelope.
type ToolResultPayload struct {
	Name      string          `json:"name"`
	Result    json.RawMessage `json:"result"`
	CallID    string          `json:"callId"`
	Args      json.RawMessage `json:"args,omitempty"`
	Artifact  *Artifact       `json:"artifact,omitempty"`
	StepIndex int             `json:"stepIndex"`
}

// PlanUpdatedPayload mirrors the items of an update_plan result.
type PlanUpdatedPayload struct {
	Items []PlanItem `json:"items"`
	Note  string     `json:"note,omitempty"`
}

// FinishStepPayload is step boundary telemetry.
type FinishStepPayload struct {
	StepIndex    int         `json:"stepIndex"`
	Usage        *TokenUsage `json:"usage,omitempty"`
	FinishReason string      `json:"finishReason,omitempty"`
}

// UsagePayload reports per-step token usage.
type UsagePayload struct {
	StepIndex    int `json:"stepIndex"`
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// MessageCompletedPayload is the terminal event of a successful turn.
type MessageCompletedPayload struct {
	MessageID    string      `json:"id"`
	Usage        *TokenUsage `json:"usage,omitempty"`
	CostUSD      float64     `json:"costUsd,omitempty"`
	FinishReason string      `json:"finishReason,omitempty"`
}

// ErrorDetail is structured error metadata attached to error events.
type ErrorDetail struct {
	Name   string `json:"name,omitempty"`
	Code   string `json:"code,omitempty"`
	Status int    `json:"status,omitempty"`
	Cause  string `json:"cause,omitempty"`
}

// ErrorPayload is the terminal event of a failed or aborted turn.
type ErrorPayload struct {
	MessageID string       `json:"messageId"`
	Error     string       `json:"error"`
	Details   *ErrorDetail `json:"details,omitempty"`
	Aborted   bool         `json:"aborted,omitempty"`
}

// QueuedRun is one pending entry of a session queue.
type QueuedRun struct {
	MessageID string `json:"messageId"`
	Position  int    `json:"position"`
}

// QueueUpdatedPayload reflects a session queue transition.
type QueueUpdatedPayload struct {
	CurrentMessageID string      `json:"currentMessageId,omitempty"`
	Queued           []QueuedRun `json:"queuedMessages"`
	QueueLength      int         `json:"queueLength"`
}
