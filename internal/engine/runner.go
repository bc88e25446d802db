// Package engine drives assistant turns: the Scheduler serializes runs per
// session, the Runner executes one turn as a step loop against a provider,
// and the adapter instruments every tool call with events, persistence, and
// guard policy.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/internal/provider"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/internal/usage"
	"github.com/loomhq/loom/pkg/models"
)

// Config bounds one turn. Zero values disable the corresponding limit,
// except MaxSteps which falls back to a conservative default.
type Config struct {
	MaxSteps     int
	StepTimeout  time.Duration
	ToolTimeout  time.Duration
	AutoApprove  bool
	SystemPrompt string
}

const defaultMaxSteps = 50

// RunnerOptions wires a Runner's collaborators.
type RunnerOptions struct {
	Writer    *store.AsyncWriter
	Bus       *bus.Bus
	Registry  *tools.Registry
	Providers map[string]provider.Provider
	Approval  ApprovalFunc
	Logger    *observability.Logger
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
	Config    Config
}

// Runner executes one assistant turn end to end: it reconstructs history,
// drives the provider step by step, routes tool calls through the adapter,
// and finalizes the message and session exactly once.
type Runner struct {
	writer    *store.AsyncWriter
	bus       *bus.Bus
	registry  *tools.Registry
	providers map[string]provider.Provider
	approval  ApprovalFunc
	logger    *observability.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	cfg       Config
}

// NewRunner builds a Runner. Logger and Metrics are required; Tracer is
// optional.
func NewRunner(opts RunnerOptions) *Runner {
	cfg := opts.Config
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.Nop()
	}
	return &Runner{
		writer:    opts.Writer,
		bus:       opts.Bus,
		registry:  opts.Registry,
		providers: opts.Providers,
		approval:  opts.Approval,
		logger:    logger,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		cfg:       cfg,
	}
}

// Run executes one turn. The returned error reflects the turn outcome; the
// message's terminal state and error event have already been written and
// published by the time Run returns.
func (r *Runner) Run(ctx context.Context, req models.RunRequest) error {
	ctx = observability.WithSessionID(ctx, req.SessionID)
	ctx = observability.WithMessageID(ctx, req.MessageID)
	var span trace.Span
	if r.tracer != nil {
		ctx, span = r.tracer.Start(ctx, "engine.run",
			attribute.String("session.id", req.SessionID),
			attribute.String("provider", req.Provider),
			attribute.String("model", req.Model),
		)
		defer span.End()
	}

	st := r.writer.Store()

	msg, err := st.GetMessage(ctx, req.MessageID)
	if err != nil {
		err = fmt.Errorf("load message %s: %w", req.MessageID, err)
		observability.RecordError(span, err)
		return err
	}

	fail := func(err error) error {
		observability.RecordError(span, err)
		r.fail(ctx, req, err)
		return err
	}

	prov, ok := r.providers[req.Provider]
	if !ok {
		return fail(fmt.Errorf("unknown provider: %s", req.Provider))
	}

	history, err := buildHistory(ctx, st, req.SessionID)
	if err != nil {
		return fail(err)
	}

	turn, err := r.newTurn(ctx, req)
	if err != nil {
		return fail(err)
	}

	if err := r.stepLoop(ctx, prov, turn, history); err != nil {
		return fail(err)
	}

	r.synthesizeFinish(ctx, turn)
	return r.finalize(ctx, turn, msg)
}

// turn is the mutable state of one run: the open text part, the step and
// part counters, accumulated usage, and the tool adapter.
type turn struct {
	req           models.RunRequest
	adapter       *adapter
	currentPartID string
	accumulated   string

	mu        sync.Mutex
	partIndex int
	step      int

	usage        models.TokenUsage
	finishReason string
}

func (t *turn) nextIndex() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.partIndex
	t.partIndex++
	return idx
}

func (t *turn) stepIndex() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.step
}

func (t *turn) advanceStep() {
	t.mu.Lock()
	t.step++
	t.mu.Unlock()
}

// newTurn seeds the part index from the persisted maximum so numbering
// survives restarts, and opens the initial text part when the caller did
// not pre-create one.
func (r *Runner) newTurn(ctx context.Context, req models.RunRequest) (*turn, error) {
	maxIdx, err := r.writer.Store().MaxPartIndex(ctx, req.MessageID)
	if err != nil {
		return nil, fmt.Errorf("seed part index: %w", err)
	}
	t := &turn{req: req, partIndex: maxIdx + 1}
	t.adapter = newAdapter(req, r.registry, r.bus, r.writer, r.logger, r.metrics,
		r.tracer, r.approval, r.cfg.AutoApprove, r.cfg.ToolTimeout, t.nextIndex, t.stepIndex)

	t.currentPartID = req.PartID
	if t.currentPartID == "" {
		t.currentPartID = r.openTextPart(t)
	}
	return t, nil
}

func (r *Runner) stepLoop(ctx context.Context, prov provider.Provider, t *turn, history []provider.Message) error {
	toolDefs := r.toolDefs()

	for step := 0; step < r.cfg.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		calls, err := r.runStep(ctx, prov, t, history, toolDefs)
		if err != nil {
			return err
		}

		if len(calls) == 0 {
			return nil
		}

		assistant := provider.Message{
			Role:      models.RoleAssistant,
			Content:   t.accumulated,
			ToolCalls: calls,
		}
		results := make([]provider.ToolResult, 0, len(calls))
		for _, call := range calls {
			res, err := t.adapter.invoke(ctx, call)
			if err != nil {
				return err
			}
			results = append(results, provider.ToolResult{
				CallID:  call.ID,
				Name:    call.Name,
				Content: res.Content,
				IsError: res.IsError,
			})
		}
		history = append(history, assistant, provider.Message{
			Role:        models.RoleUser,
			ToolResults: results,
		})

		if t.adapter.finishSeen() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		t.adapter.resetStep()
		t.advanceStep()
		t.currentPartID = r.openTextPart(t)
		t.accumulated = ""
	}

	r.logger.Warn(ctx, "step limit reached", "max_steps", r.cfg.MaxSteps)
	return nil
}

// runStep drives one provider stream to completion, appending text deltas
// to the open part and collecting complete tool calls. The text part is
// sealed and step telemetry published before the calls are returned.
func (r *Runner) runStep(ctx context.Context, prov provider.Provider, t *turn, history []provider.Message, toolDefs []provider.ToolDef) ([]provider.ToolCall, error) {
	stepCtx := ctx
	if r.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, r.cfg.StepTimeout)
		defer cancel()
	}
	var span trace.Span
	if r.tracer != nil {
		stepCtx, span = r.tracer.Start(stepCtx, "engine.step",
			attribute.Int("step.index", t.stepIndex()))
		defer span.End()
	}

	started := time.Now()
	chunks, err := prov.Stream(stepCtx, &provider.Request{
		Model:    t.req.Model,
		System:   r.cfg.SystemPrompt,
		Messages: history,
		Tools:    toolDefs,
	})
	if err != nil {
		observability.RecordError(span, err)
		r.metrics.StepCounter.WithLabelValues(t.req.Provider, t.req.Model, "error").Inc()
		return nil, err
	}

	var calls []provider.ToolCall
	var stepUsage *models.TokenUsage
	for chunk := range chunks {
		switch {
		case chunk.Err != nil:
			observability.RecordError(span, chunk.Err)
			r.metrics.StepCounter.WithLabelValues(t.req.Provider, t.req.Model, "error").Inc()
			return nil, chunk.Err
		case chunk.Text != "":
			r.appendText(ctx, t, chunk.Text)
		case chunk.ToolCall != nil:
			calls = append(calls, *chunk.ToolCall)
		case chunk.Done:
			stepUsage = chunk.Usage
			if chunk.FinishReason != "" {
				t.finishReason = chunk.FinishReason
			}
		}
	}

	if stepUsage == nil {
		stepUsage = estimateUsage(r.cfg.SystemPrompt, history, t.accumulated)
	}

	r.sealPart(t.currentPartID)

	step := t.stepIndex()
	r.bus.Publish(models.Event{
		Type:      models.EventFinishStep,
		SessionID: t.req.SessionID,
		Payload: models.FinishStepPayload{
			StepIndex:    step,
			Usage:        stepUsage,
			FinishReason: t.finishReason,
		},
	})
	t.usage.Add(stepUsage)
	r.bus.Publish(models.Event{
		Type:      models.EventUsage,
		SessionID: t.req.SessionID,
		Payload: models.UsagePayload{
			StepIndex:    step,
			InputTokens:  stepUsage.InputTokens,
			OutputTokens: stepUsage.OutputTokens,
		},
	})
	r.metrics.TokensUsed.WithLabelValues(t.req.Provider, t.req.Model, "input").Add(float64(stepUsage.InputTokens))
	r.metrics.TokensUsed.WithLabelValues(t.req.Provider, t.req.Model, "output").Add(float64(stepUsage.OutputTokens))
	r.metrics.StepDuration.WithLabelValues(t.req.Provider, t.req.Model).Observe(time.Since(started).Seconds())
	r.metrics.StepCounter.WithLabelValues(t.req.Provider, t.req.Model, "success").Inc()

	return calls, nil
}

// estimateUsage approximates step usage with the tokenizer when the provider
// stream carried no usage event, so cost and session totals never silently
// read zero.
func estimateUsage(system string, history []provider.Message, output string) *models.TokenUsage {
	in := usage.CountTokens(system)
	for _, m := range history {
		in += usage.CountTokens(m.Content)
		for _, tr := range m.ToolResults {
			in += usage.CountTokens(tr.Content)
		}
	}
	return &models.TokenUsage{
		InputTokens:  int(in),
		OutputTokens: int(usage.CountTokens(output)),
	}
}

// appendText publishes the delta before persisting the grown part content.
func (r *Runner) appendText(ctx context.Context, t *turn, delta string) {
	t.accumulated += delta
	r.bus.Publish(models.Event{
		Type:      models.EventPartDelta,
		SessionID: t.req.SessionID,
		Payload: models.PartDeltaPayload{
			MessageID: t.req.MessageID,
			PartID:    t.currentPartID,
			StepIndex: t.stepIndex(),
			Delta:     delta,
		},
	})

	content, err := json.Marshal(models.TextContent{Text: t.accumulated})
	if err != nil {
		return
	}
	if err := r.writer.Store().UpdatePartContent(ctx, t.currentPartID, string(content)); err != nil {
		r.logger.Warn(ctx, "text part update failed", "part_id", t.currentPartID, "error", err)
	}
}

// Text parts are written synchronously: the step loop reads them back for
// cleanup and history, so they cannot trail in the background queue the way
// tool parts do.
func (r *Runner) openTextPart(t *turn) string {
	part := &models.MessagePart{
		ID:        uuid.NewString(),
		MessageID: t.req.MessageID,
		Index:     t.nextIndex(),
		StepIndex: t.stepIndex(),
		Type:      models.PartText,
		Content:   `{"text":""}`,
		StartedAt: time.Now(),
	}
	ctx := context.Background()
	if err := r.writer.Store().CreatePart(ctx, part); err != nil {
		r.logger.Warn(ctx, "text part create failed", "part_id", part.ID, "error", err)
	}
	return part.ID
}

func (r *Runner) sealPart(partID string) {
	ctx := context.Background()
	if err := r.writer.Store().FinishPart(ctx, partID, time.Now()); err != nil {
		r.logger.Warn(ctx, "text part seal failed", "part_id", partID, "error", err)
	}
}

// synthesizeFinish guarantees exactly one terminal tool signal per turn.
// If the stream ended without the model calling finish, the runner calls it
// on the model's behalf.
func (r *Runner) synthesizeFinish(ctx context.Context, t *turn) {
	if t.adapter.finishSeen() {
		return
	}
	call := provider.ToolCall{ID: uuid.NewString(), Name: "finish", Args: json.RawMessage(`{}`)}
	if _, err := t.adapter.invoke(context.WithoutCancel(ctx), call); err != nil {
		r.logger.Warn(ctx, "finish synthesis failed", "error", err)
	}
}

// finalize seals the turn: deletes text parts that stayed empty, writes the
// terminal message record with usage, cost, and latency, folds token totals
// into the session, and publishes message.completed.
func (r *Runner) finalize(ctx context.Context, t *turn, msg *models.Message) error {
	ctx = context.WithoutCancel(ctx)
	r.cleanupEmptyTextParts(ctx, t.req.MessageID)

	completedAt := time.Now()
	turnUsage := t.usage
	cost := usage.EstimateCost(t.req.Provider, t.req.Model, &turnUsage)

	msg.Status = models.StatusComplete
	msg.Usage = &turnUsage
	msg.CostUSD = cost
	msg.LatencyMs = completedAt.Sub(msg.CreatedAt).Milliseconds()
	msg.CompletedAt = &completedAt
	if err := r.writer.Store().FinishMessage(ctx, msg); err != nil {
		return fmt.Errorf("finalize message %s: %w", msg.ID, err)
	}

	sessionID := t.req.SessionID
	r.writer.Enqueue(func(ctx context.Context) error {
		session, err := r.writer.Store().GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		session.TotalInputTokens += int64(turnUsage.InputTokens)
		session.TotalOutputTokens += int64(turnUsage.OutputTokens)
		session.LastActiveAt = completedAt
		return r.writer.Store().UpdateSession(ctx, session)
	})

	r.bus.Publish(models.Event{
		Type:      models.EventMessageCompleted,
		SessionID: t.req.SessionID,
		Payload: models.MessageCompletedPayload{
			MessageID:    msg.ID,
			Usage:        &turnUsage,
			CostUSD:      cost,
			FinishReason: t.finishReason,
		},
	})
	return nil
}

// cleanupEmptyTextParts removes text parts that never received a delta; a
// step that produced only tool calls leaves one behind. Best effort.
func (r *Runner) cleanupEmptyTextParts(ctx context.Context, messageID string) {
	parts, err := r.writer.Store().ListParts(ctx, messageID)
	if err != nil {
		r.logger.Warn(ctx, "empty part cleanup skipped", "error", err)
		return
	}
	for _, p := range parts {
		if p.Type != models.PartText {
			continue
		}
		if parseText(p.Content) != "" {
			continue
		}
		if err := r.writer.Store().DeletePart(ctx, p.ID); err != nil {
			r.logger.Warn(ctx, "empty part delete failed", "part_id", p.ID, "error", err)
		}
	}
}

// fail writes the terminal error state and publishes exactly one error
// event. Cancellation is reported as an abort, distinct from provider or
// tool failures.
func (r *Runner) fail(ctx context.Context, req models.RunRequest, cause error) {
	payload := toErrorPayload(req.MessageID, cause)
	ctx = context.WithoutCancel(ctx)

	if err := r.writer.Store().SetMessageStatus(ctx, req.MessageID, models.StatusError, payload.Error); err != nil {
		r.logger.Error(ctx, "failed to mark message errored", "error", err)
	}
	r.bus.Publish(models.Event{
		Type:      models.EventError,
		SessionID: req.SessionID,
		Payload:   payload,
	})
	kind := "provider"
	if payload.Aborted {
		kind = "aborted"
	}
	r.metrics.Errors.WithLabelValues("runner", kind).Inc()
	r.logger.Error(ctx, "turn failed", "error", cause, "aborted", payload.Aborted)
}

// toErrorPayload normalizes an error for clients: prefer the provider's
// message, then the underlying cause, then the raw response body, then a
// constructed status line.
func toErrorPayload(messageID string, err error) models.ErrorPayload {
	if errors.Is(err, context.Canceled) {
		return models.ErrorPayload{MessageID: messageID, Error: "aborted", Aborted: true}
	}

	payload := models.ErrorPayload{MessageID: messageID}
	apiErr, ok := provider.AsAPIError(err)
	if !ok {
		payload.Error = err.Error()
		return payload
	}

	msg := apiErr.Message
	if msg == "" && apiErr.Cause != nil {
		msg = apiErr.Cause.Error()
	}
	if msg == "" {
		msg = apiErr.ResponseBody
	}
	if msg == "" && apiErr.Status > 0 {
		msg = fmt.Sprintf("HTTP %d error at %s", apiErr.Status, apiErr.URL)
	}
	if msg == "" {
		msg = "request failed"
	}
	payload.Error = msg
	detail := &models.ErrorDetail{
		Name:   apiErr.Provider,
		Code:   apiErr.Code,
		Status: apiErr.Status,
	}
	if apiErr.Cause != nil {
		detail.Cause = apiErr.Cause.Error()
	}
	payload.Details = detail
	return payload
}

func (r *Runner) toolDefs() []provider.ToolDef {
	all := r.registry.All()
	defs := make([]provider.ToolDef, 0, len(all))
	for _, tool := range all {
		defs = append(defs, provider.ToolDef{
			Name:        tool.Name(),
			Description: tool.Description(),
			Schema:      tool.Schema(),
		})
	}
	return defs
}
