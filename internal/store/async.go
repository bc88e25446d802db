package store

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loomhq/loom/internal/observability"
)

// writeTimeout bounds a single background write.
const writeTimeout = 30 * time.Second

// AsyncWriter executes store writes on a background goroutine so the hot
// streaming path never waits on persistence. The queue is bounded: when it
// is full the write runs synchronously on the caller instead of being
// dropped. Write failures are logged, not propagated; the event stream has
// already gone out.
type AsyncWriter struct {
	store   Store
	jobs    chan func(context.Context) error
	backlog prometheus.Gauge
	logger  *observability.Logger

	mu        sync.RWMutex
	closed    bool
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewAsyncWriter starts a writer with the given queue size. backlog may be
// nil when metrics are disabled.
func NewAsyncWriter(store Store, queueSize int, backlog prometheus.Gauge, logger *observability.Logger) *AsyncWriter {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if logger == nil {
		logger = observability.Nop()
	}
	w := &AsyncWriter{
		store:   store,
		jobs:    make(chan func(context.Context) error, queueSize),
		backlog: backlog,
		logger:  logger,
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Store returns the wrapped store for synchronous reads.
func (w *AsyncWriter) Store() Store {
	return w.store
}

// Enqueue schedules op for background execution. When the queue is full the
// op runs synchronously so ordering within a caller is preserved. The lock
// is held across the send so Close cannot close the channel mid-send.
func (w *AsyncWriter) Enqueue(op func(ctx context.Context) error) {
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		w.execute(op)
		return
	}

	select {
	case w.jobs <- op:
		if w.backlog != nil {
			w.backlog.Inc()
		}
		w.mu.RUnlock()
	default:
		w.mu.RUnlock()
		w.execute(op)
	}
}

func (w *AsyncWriter) run() {
	defer w.wg.Done()
	for op := range w.jobs {
		if w.backlog != nil {
			w.backlog.Dec()
		}
		w.execute(op)
	}
}

func (w *AsyncWriter) execute(op func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := op(ctx); err != nil {
		w.logger.Error(ctx, "async persistence write failed", "error", err)
	}
}

// Close stops accepting work and waits for queued writes to finish.
func (w *AsyncWriter) Close() {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.jobs)
		w.mu.Unlock()
	})
	w.wg.Wait()
}
