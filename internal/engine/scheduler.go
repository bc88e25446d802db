package engine

import (
	"context"
	"sync"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/pkg/models"
)

// TurnRunner executes one turn. Satisfied by *Runner.
type TurnRunner interface {
	Run(ctx context.Context, req models.RunRequest) error
}

// QueueState is a point-in-time view of one session's queue.
type QueueState struct {
	CurrentMessageID string
	Queued           []models.QueuedRun
	Running          bool
}

type queuedRun struct {
	req    models.RunRequest
	cancel context.CancelFunc
	ctx    context.Context
}

type sessionState struct {
	queue            []*queuedRun
	running          bool
	currentMessageID string
}

// Scheduler serializes turns per session: one worker goroutine drains each
// session's FIFO queue while other sessions run concurrently. A failed turn
// is logged and the queue advances; Enqueue is fire-and-forget.
type Scheduler struct {
	runner  TurnRunner
	bus     *bus.Bus
	logger  *observability.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	sessions map[string]*sessionState
	cancels  map[string]context.CancelFunc

	wg      sync.WaitGroup
	baseCtx context.Context
	stop    context.CancelFunc
}

// NewScheduler builds a Scheduler dispatching to the given runner.
func NewScheduler(runner TurnRunner, evbus *bus.Bus, logger *observability.Logger, metrics *observability.Metrics) *Scheduler {
	if logger == nil {
		logger = observability.Nop()
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &Scheduler{
		runner:   runner,
		bus:      evbus,
		logger:   logger,
		metrics:  metrics,
		sessions: make(map[string]*sessionState),
		cancels:  make(map[string]context.CancelFunc),
		baseCtx:  baseCtx,
		stop:     stop,
	}
}

// Enqueue appends a run to its session's queue and starts a worker if none
// is draining it. Submission order is execution order within a session.
func (s *Scheduler) Enqueue(req models.RunRequest) {
	ctx, cancel := context.WithCancel(s.baseCtx)
	job := &queuedRun{req: req, cancel: cancel, ctx: ctx}

	s.mu.Lock()
	state, ok := s.sessions[req.SessionID]
	if !ok {
		state = &sessionState{}
		s.sessions[req.SessionID] = state
	}
	state.queue = append(state.queue, job)
	s.cancels[req.MessageID] = cancel
	s.metrics.QueueDepth.Inc()
	start := !state.running
	if start {
		state.running = true
		s.metrics.ActiveSessions.Inc()
		s.wg.Add(1)
	}
	payload := s.queuePayloadLocked(state)
	s.mu.Unlock()

	s.publishQueue(req.SessionID, payload)
	if start {
		go s.drain(req.SessionID)
	}
}

// drain pops and runs jobs for one session until the queue empties. A panic
// or error from one job never reaches its siblings.
func (s *Scheduler) drain(sessionID string) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		state := s.sessions[sessionID]
		if state == nil || len(state.queue) == 0 {
			if state != nil {
				state.running = false
				state.currentMessageID = ""
				if len(state.queue) == 0 {
					delete(s.sessions, sessionID)
				}
			}
			s.metrics.ActiveSessions.Dec()
			s.mu.Unlock()
			return
		}
		job := state.queue[0]
		state.queue = state.queue[1:]
		state.currentMessageID = job.req.MessageID
		s.metrics.QueueDepth.Dec()
		payload := s.queuePayloadLocked(state)
		s.mu.Unlock()

		s.publishQueue(sessionID, payload)
		s.runOne(job)

		s.mu.Lock()
		state.currentMessageID = ""
		delete(s.cancels, job.req.MessageID)
		payload = s.queuePayloadLocked(state)
		s.mu.Unlock()
		s.publishQueue(sessionID, payload)
	}
}

func (s *Scheduler) runOne(job *queuedRun) {
	defer job.cancel()
	defer func() {
		if rec := recover(); rec != nil {
			s.metrics.Errors.WithLabelValues("scheduler", "panic").Inc()
			s.logger.Error(job.ctx, "run panicked", "recover", rec)
		}
	}()
	if err := s.runner.Run(job.ctx, job.req); err != nil {
		// The runner already finalized the message and published the
		// error event; the queue just moves on.
		s.logger.Warn(job.ctx, "run finished with error", "error", err)
	}
}

// AbortSession cancels the session's running turn. With clearQueue it also
// cancels and discards every queued run.
func (s *Scheduler) AbortSession(sessionID string, clearQueue bool) {
	s.mu.Lock()
	state := s.sessions[sessionID]
	if state == nil {
		s.mu.Unlock()
		return
	}
	if state.currentMessageID != "" {
		if cancel, ok := s.cancels[state.currentMessageID]; ok {
			cancel()
			delete(s.cancels, state.currentMessageID)
		}
	}
	var payload QueueState
	publish := false
	if clearQueue && len(state.queue) > 0 {
		for _, job := range state.queue {
			job.cancel()
			delete(s.cancels, job.req.MessageID)
			s.metrics.QueueDepth.Dec()
		}
		state.queue = nil
		payload = s.queuePayloadLocked(state)
		publish = true
	}
	s.mu.Unlock()
	if publish {
		s.publishQueue(sessionID, payload)
	}
}

// AbortMessage cancels a specific run. A running message has its context
// canceled; a queued one is removed before it starts.
func (s *Scheduler) AbortMessage(sessionID, messageID string) (removed, wasRunning bool) {
	s.mu.Lock()
	state := s.sessions[sessionID]
	if state == nil {
		s.mu.Unlock()
		return false, false
	}

	if state.currentMessageID == messageID {
		if cancel, ok := s.cancels[messageID]; ok {
			cancel()
			delete(s.cancels, messageID)
		}
		s.mu.Unlock()
		return true, true
	}

	for i, job := range state.queue {
		if job.req.MessageID != messageID {
			continue
		}
		state.queue = append(state.queue[:i], state.queue[i+1:]...)
		job.cancel()
		delete(s.cancels, messageID)
		s.metrics.QueueDepth.Dec()
		payload := s.queuePayloadLocked(state)
		s.mu.Unlock()
		s.publishQueue(sessionID, payload)
		return true, false
	}

	s.mu.Unlock()
	return false, false
}

// QueueState reports the session's queue, or nil when the session has no
// queue state.
func (s *Scheduler) QueueState(sessionID string) *QueueState {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.sessions[sessionID]
	if state == nil {
		return nil
	}
	qs := s.queuePayloadLocked(state)
	return &qs
}

// Close cancels all runs and waits for session workers to exit.
func (s *Scheduler) Close() {
	s.stop()
	s.wg.Wait()
}

func (s *Scheduler) queuePayloadLocked(state *sessionState) QueueState {
	queued := make([]models.QueuedRun, 0, len(state.queue))
	for i, job := range state.queue {
		queued = append(queued, models.QueuedRun{
			MessageID: job.req.MessageID,
			Position:  i,
		})
	}
	return QueueState{
		CurrentMessageID: state.currentMessageID,
		Queued:           queued,
		Running:          state.running,
	}
}

// publishQueue emits queue.updated outside the scheduler lock; bus handlers
// run synchronously and may call back into the scheduler.
func (s *Scheduler) publishQueue(sessionID string, state QueueState) {
	s.bus.Publish(models.Event{
		Type:      models.EventQueueUpdated,
		SessionID: sessionID,
		Payload: models.QueueUpdatedPayload{
			CurrentMessageID: state.CurrentMessageID,
			Queued:           state.Queued,
			QueueLength:      len(state.Queued),
		},
	})
}
