package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/guard"
	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/internal/provider"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/pkg/models"
)

// ApprovalFunc decides approval-tier guard decisions. Returning false
// refuses the call. A nil func refuses everything the guard escalates
// unless auto-approve is on.
type ApprovalFunc func(ctx context.Context, sessionID, toolName, reason string, args json.RawMessage) bool

// pendingCall pairs an announced tool call with its start time until the
// result lands. Keyed by call id, scoped to one turn.
type pendingCall struct {
	callID string
	start  time.Time
}

// adapter wraps the tool registry for one turn. Every invocation publishes
// lifecycle events before any persistence happens, records latency, and
// folds tool aggregates into the session. Tool failures latch the step: once
// a tool fails, calls to other tools fail fast until the failed tool
// succeeds, except for finish and progress_update.
type adapter struct {
	run         models.RunRequest
	registry    *tools.Registry
	bus         *bus.Bus
	writer      *store.AsyncWriter
	logger      *observability.Logger
	metrics     *observability.Metrics
	tracer      *observability.Tracer
	approval    ApprovalFunc
	autoApprove bool
	toolTimeout time.Duration

	// nextIndex allocates the next part index; stepIndex reports the
	// runner's current step. Both owned by the runner.
	nextIndex func() int
	stepIndex func() int

	mu             sync.Mutex
	pending        map[string]pendingCall
	failedTool     string
	firstCallSeen  bool
	finishObserved bool
}

func newAdapter(run models.RunRequest, registry *tools.Registry, evbus *bus.Bus, writer *store.AsyncWriter, logger *observability.Logger, metrics *observability.Metrics, tracer *observability.Tracer, approval ApprovalFunc, autoApprove bool, toolTimeout time.Duration, nextIndex, stepIndex func() int) *adapter {
	return &adapter{
		run:         run,
		registry:    registry,
		bus:         evbus,
		writer:      writer,
		logger:      logger,
		metrics:     metrics,
		tracer:      tracer,
		approval:    approval,
		autoApprove: autoApprove,
		toolTimeout: toolTimeout,
		nextIndex:   nextIndex,
		stepIndex:   stepIndex,
		pending:     make(map[string]pendingCall),
	}
}

// latchExempt tools are never blocked by the step failure latch; the model
// must always be able to report progress and close the turn.
func latchExempt(name string) bool {
	return name == "finish" || name == "progress_update"
}

// invoke runs one tool call end to end. Tool-level failures come back as
// IsError results; the error return is reserved for infrastructure failures
// and cancellation, which abort the turn.
func (a *adapter) invoke(ctx context.Context, call provider.ToolCall) (*tools.Result, error) {
	callID := call.ID
	if callID == "" {
		callID = uuid.NewString()
	}
	args := call.Args
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	ctx = observability.WithToolCallID(ctx, callID)
	var span trace.Span
	if a.tracer != nil {
		ctx, span = a.tracer.Start(ctx, "engine.tool",
			attribute.String("tool.name", call.Name),
			attribute.String("tool.call_id", callID))
		defer span.End()
	}
	step := a.stepIndex()

	a.mu.Lock()
	a.pending[callID] = pendingCall{callID: callID, start: time.Now()}
	first := !a.firstCallSeen
	a.firstCallSeen = true
	a.mu.Unlock()
	if first {
		a.logger.Debug(ctx, "first tool call of turn", "tool", call.Name)
	}

	a.notifyInput(ctx, call.Name, callID, args)

	// Publish before persisting. Subscribers see the call announced the
	// instant arguments are complete; the durable record trails behind.
	a.bus.Publish(models.Event{
		Type:      models.EventToolCall,
		SessionID: a.run.SessionID,
		Payload: models.ToolCallPayload{
			Name:      call.Name,
			Args:      args,
			CallID:    callID,
			StepIndex: step,
		},
	})
	a.persistCallPart(call.Name, callID, args, step)

	result, err := a.execute(ctx, call.Name, callID, args)
	if err != nil {
		observability.RecordError(span, err)
		a.completeCall(callID) // discard pending entry
		a.metrics.ToolExecutions.WithLabelValues(call.Name, "error").Inc()
		return nil, err
	}

	duration := a.completeCall(callID)
	a.finish(ctx, call.Name, callID, args, result, duration, step)
	return result, nil
}

// execute resolves guard policy and the failure latch, then runs the tool
// under its deadline, draining streaming tools chunk by chunk.
func (a *adapter) execute(ctx context.Context, name, callID string, args json.RawMessage) (*tools.Result, error) {
	if res := a.checkGuard(ctx, name, args); res != nil {
		return res, nil
	}
	if res := a.checkLatch(name); res != nil {
		return res, nil
	}

	toolCtx := ctx
	if a.toolTimeout > 0 {
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(ctx, a.toolTimeout)
		defer cancel()
	}

	tool, ok := a.registry.Get(name)
	if !ok {
		return tools.Error(fmt.Sprintf("unknown tool: %s", name)), nil
	}

	streaming, ok := tool.(tools.StreamingTool)
	if !ok {
		return a.registry.Execute(toolCtx, name, args)
	}

	if err := a.registry.ValidateArgs(name, args); err != nil {
		return tools.Error(err.Error()), nil
	}
	return a.drainStream(toolCtx, streaming, name, callID, args)
}

// drainStream consumes a streaming tool, forwarding each delta as a
// tool.delta event. The final chunk carries the result.
func (a *adapter) drainStream(ctx context.Context, tool tools.StreamingTool, name, callID string, args json.RawMessage) (*tools.Result, error) {
	stream, err := tool.ExecuteStream(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}

	var last *tools.Result
	for chunk := range stream {
		if chunk.Err != nil {
			return nil, fmt.Errorf("tool %s: %w", name, chunk.Err)
		}
		if chunk.Result != nil {
			last = chunk.Result
			continue
		}
		if chunk.Delta == "" {
			continue
		}
		a.bus.Publish(models.Event{
			Type:      models.EventToolDelta,
			SessionID: a.run.SessionID,
			Payload: models.ToolDeltaPayload{
				Name:      name,
				Channel:   chunk.Channel,
				Delta:     chunk.Delta,
				CallID:    callID,
				StepIndex: a.stepIndex(),
			},
		})
	}
	if last == nil {
		return tools.Error(fmt.Sprintf("tool %s produced no result", name)), nil
	}
	return last, nil
}

func (a *adapter) checkGuard(ctx context.Context, name string, args json.RawMessage) *tools.Result {
	var argMap map[string]any
	_ = json.Unmarshal(args, &argMap)

	decision := guard.Classify(name, argMap)
	a.metrics.GuardDecisions.WithLabelValues(name, string(decision.Type)).Inc()

	switch decision.Type {
	case guard.Block:
		a.logger.Warn(ctx, "tool call blocked", "tool", name, "reason", decision.Reason)
		return tools.Error(fmt.Sprintf("blocked by safety policy: %s", decision.Reason))
	case guard.Approve:
		if a.autoApprove {
			return nil
		}
		if a.approval != nil && a.approval(ctx, a.run.SessionID, name, decision.Reason, args) {
			return nil
		}
		a.logger.Info(ctx, "tool call refused pending approval", "tool", name, "reason", decision.Reason)
		return tools.Error(fmt.Sprintf("approval required: %s", decision.Reason))
	default:
		return nil
	}
}

func (a *adapter) checkLatch(name string) *tools.Result {
	if latchExempt(name) {
		return nil
	}
	a.mu.Lock()
	failed := a.failedTool
	a.mu.Unlock()
	if failed == "" || failed == name {
		return nil
	}
	return tools.Error(fmt.Sprintf("tool %q failed earlier this step; retry it before calling %q", failed, name))
}

// completeCall pops the pending entry and returns the elapsed duration,
// clamped non-negative.
func (a *adapter) completeCall(callID string) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	pc, ok := a.pending[callID]
	if !ok {
		return 0
	}
	delete(a.pending, callID)
	d := time.Since(pc.start)
	if d < 0 {
		d = 0
	}
	return d
}

// finish publishes the result envelope and plan update, persists the result
// part in the background, folds aggregates, and updates the failure latch.
func (a *adapter) finish(ctx context.Context, name, callID string, args json.RawMessage, result *tools.Result, duration time.Duration, step int) {
	resultJSON, err := json.Marshal(result.Content)
	if err != nil {
		resultJSON = json.RawMessage(`""`)
	}

	a.bus.Publish(models.Event{
		Type:      models.EventToolResult,
		SessionID: a.run.SessionID,
		Payload: models.ToolResultPayload{
			Name:      name,
			Result:    resultJSON,
			CallID:    callID,
			Args:      args,
			Artifact:  result.Artifact,
			StepIndex: step,
		},
	})

	if result.Plan != nil {
		a.bus.Publish(models.Event{
			Type:      models.EventPlanUpdated,
			SessionID: a.run.SessionID,
			Payload: models.PlanUpdatedPayload{
				Items: result.Plan.Items,
				Note:  result.Plan.Note,
			},
		})
	}

	a.persistResultPart(name, callID, args, resultJSON, result.Artifact, duration, step)
	a.updateAggregates(name, duration)

	status := "success"
	if result.IsError {
		status = "error"
	}
	a.metrics.ToolExecutions.WithLabelValues(name, status).Inc()
	a.metrics.ToolDuration.WithLabelValues(name).Observe(duration.Seconds())

	a.mu.Lock()
	if result.IsError {
		if !latchExempt(name) {
			a.failedTool = name
		}
	} else {
		if a.failedTool == name {
			a.failedTool = ""
		}
		if name == "finish" {
			a.finishObserved = true
		}
	}
	a.mu.Unlock()

	a.logger.Debug(ctx, "tool completed",
		"tool", name, "duration_ms", duration.Milliseconds(), "is_error", result.IsError)
}

func (a *adapter) notifyInput(ctx context.Context, name, callID string, args json.RawMessage) {
	tool, ok := a.registry.Get(name)
	if !ok {
		return
	}
	obs, ok := tool.(tools.InputObserver)
	if !ok {
		return
	}
	obs.OnInputStart(ctx, callID)
	obs.OnInputAvailable(ctx, callID, args)
}

func (a *adapter) persistCallPart(name, callID string, args json.RawMessage, step int) {
	content, err := json.Marshal(models.ToolCallContent{Name: name, Args: args, CallID: callID})
	if err != nil {
		return
	}
	part := &models.MessagePart{
		ID:         uuid.NewString(),
		MessageID:  a.run.MessageID,
		Index:      a.nextIndex(),
		StepIndex:  step,
		Type:       models.PartToolCall,
		Content:    string(content),
		StartedAt:  time.Now(),
		ToolName:   name,
		ToolCallID: callID,
	}
	a.writer.Enqueue(func(ctx context.Context) error {
		return a.writer.Store().CreatePart(ctx, part)
	})
}

func (a *adapter) persistResultPart(name, callID string, args, resultJSON json.RawMessage, artifact *models.Artifact, duration time.Duration, step int) {
	content, err := json.Marshal(models.ToolResultContent{
		Name:     name,
		Result:   resultJSON,
		CallID:   callID,
		Args:     args,
		Artifact: artifact,
	})
	if err != nil {
		return
	}
	now := time.Now()
	part := &models.MessagePart{
		ID:             uuid.NewString(),
		MessageID:      a.run.MessageID,
		Index:          a.nextIndex(),
		StepIndex:      step,
		Type:           models.PartToolResult,
		Content:        string(content),
		StartedAt:      now.Add(-duration),
		CompletedAt:    &now,
		ToolName:       name,
		ToolCallID:     callID,
		ToolDurationMs: duration.Milliseconds(),
	}
	a.writer.Enqueue(func(ctx context.Context) error {
		return a.writer.Store().CreatePart(ctx, part)
	})
}

// updateAggregates folds tool time and invocation counts into the session
// row. Read-modify-write in the background; a lost update here costs a
// statistic, not correctness.
func (a *adapter) updateAggregates(name string, duration time.Duration) {
	sessionID := a.run.SessionID
	a.writer.Enqueue(func(ctx context.Context) error {
		session, err := a.writer.Store().GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.ToolCounts == nil {
			session.ToolCounts = make(map[string]int64)
		}
		session.ToolCounts[name]++
		session.TotalToolTimeMs += duration.Milliseconds()
		session.LastActiveAt = time.Now()
		return a.writer.Store().UpdateSession(ctx, session)
	})
}

// resetStep clears the failure latch at a step boundary.
func (a *adapter) resetStep() {
	a.mu.Lock()
	a.failedTool = ""
	a.mu.Unlock()
}

func (a *adapter) finishSeen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finishObserved
}
