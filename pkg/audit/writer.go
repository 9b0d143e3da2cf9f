package audit

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/odvcencio/warden/pkg/config"
	"github.com/odvcencio/warden/pkg/logging"
)

// ErrQueueFull is returned when the audit queue cannot accept another
// record. Callers decide whether that blocks the operation; admission
// decisions are never dropped silently.
var ErrQueueFull = errors.New("audit queue full")

type queued struct {
	rec  Record
	done func(error)
}

// Writer decouples audit producers from sink latency: records are
// queued and written by a single goroutine that retries failed writes
// with exponential backoff. The done callback fires once the record is
// durable, which the task manager uses to gate retention eviction.
type Writer struct {
	sink    Sink
	queue   chan queued
	log     *logging.Logger
	backoff time.Duration
	maxWait time.Duration
	closed  atomic.Bool
}

// NewWriter creates an audit writer over the sink.
func NewWriter(sink Sink, cfg config.AuditConfig, log *logging.Logger) *Writer {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	maxWait := cfg.MaxBackoff
	if maxWait <= 0 {
		maxWait = time.Minute
	}

	return &Writer{
		sink:    sink,
		queue:   make(chan queued, queueSize),
		log:     log,
		backoff: backoff,
		maxWait: maxWait,
	}
}

// Enqueue queues a record for durable write. done may be nil; when set
// it is called exactly once with the final write outcome.
func (w *Writer) Enqueue(rec Record, done func(error)) error {
	if w.closed.Load() {
		return ErrQueueFull
	}
	select {
	case w.queue <- queued{rec: rec, done: done}:
		return nil
	default:
		w.log.Warn(logging.CategoryAudit, "queue_full", "audit record rejected", map[string]any{
			"event_type": string(rec.EventType),
			"task_id":    rec.TaskID,
		})
		return ErrQueueFull
	}
}

// Depth returns the number of queued records awaiting write.
func (w *Writer) Depth() int {
	return len(w.queue)
}

// Run processes the queue until ctx is cancelled, then flushes whatever
// is still queued with a bounded shutdown deadline.
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case item := <-w.queue:
			w.writeWithRetry(ctx, item)
		case <-ctx.Done():
			w.closed.Store(true)
			w.flush()
			return
		}
	}
}

// writeWithRetry blocks until the record is durable or ctx is
// cancelled. A cancelled retry falls through to the shutdown flush.
func (w *Writer) writeWithRetry(ctx context.Context, item queued) {
	wait := w.backoff
	for {
		err := w.sink.Write(ctx, item.rec)
		if err == nil {
			if item.done != nil {
				item.done(nil)
			}
			return
		}

		w.log.Warn(logging.CategoryAudit, "write_failed", "retrying audit write", map[string]any{
			"event_type": string(item.rec.EventType),
			"task_id":    item.rec.TaskID,
			"error":      err.Error(),
			"retry_in":   wait.String(),
		})

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			// One final attempt happens during flush.
			w.flushOne(item)
			return
		}

		wait *= 2
		if wait > w.maxWait {
			wait = w.maxWait
		}
	}
}

// flush drains the queue after shutdown, giving each record one direct
// write attempt.
func (w *Writer) flush() {
	for {
		select {
		case item := <-w.queue:
			w.flushOne(item)
		default:
			return
		}
	}
}

func (w *Writer) flushOne(item queued) {
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := w.sink.Write(flushCtx, item.rec)
	if err != nil {
		w.log.Error(logging.CategoryAudit, "record_lost", "audit record dropped at shutdown", map[string]any{
			"event_type": string(item.rec.EventType),
			"task_id":    item.rec.TaskID,
			"error":      err.Error(),
		})
	}
	if item.done != nil {
		item.done(err)
	}
}
