package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/brojonat/quietsend/service/metrics"
)

// ErrQueueFull is returned by Queue.Publish when the buffer has no room.
var ErrQueueFull = errors.New("event queue full")

// DefaultQueueSize is the buffer used when NewQueue is given size <= 0.
const DefaultQueueSize = 256

// queueDrainTimeout bounds how long Run spends flushing the buffer after
// its context is done.
const queueDrainTimeout = 5 * time.Second

// Queue hands events to a sink on its own goroutine. Publish never blocks:
// when the buffer is full the event is dropped and counted. Run must be
// running for queued events to reach the sink.
type Queue struct {
	sink    Publisher
	events  chan Event
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewQueue wraps sink. If m is nil, no metrics are recorded.
func NewQueue(sink Publisher, size int, m *metrics.Metrics, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		sink:    sink,
		events:  make(chan Event, size),
		metrics: m,
		logger:  logger,
	}
}

func (q *Queue) Name() string { return "queue" }

// Publish enqueues event.
func (q *Queue) Publish(ctx context.Context, event Event) error {
	select {
	case q.events <- event:
		return nil
	default:
		if q.metrics != nil {
			q.metrics.RecordEventPublish(q.sink.Name(), string(event.Kind), "dropped", 0)
		}
		q.logger.WarnContext(ctx, "event queue full, dropping event",
			"sink", q.sink.Name(),
			"kind", event.Kind,
			"subject", event.Subject(),
		)
		return ErrQueueFull
	}
}

// Pending reports how many events are buffered.
func (q *Queue) Pending() int {
	return len(q.events)
}

// Run delivers queued events until ctx is done, then flushes what is left
// within a bounded time.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			q.drain(ctx)
			return nil
		case event := <-q.events:
			q.deliver(ctx, event)
		}
	}
}

func (q *Queue) drain(ctx context.Context) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), queueDrainTimeout)
	defer cancel()
	for {
		select {
		case event := <-q.events:
			if flushCtx.Err() != nil {
				q.logger.Warn("dropping queued events on shutdown", "sink", q.sink.Name(), "dropped", len(q.events)+1)
				return
			}
			q.deliver(flushCtx, event)
		default:
			return
		}
	}
}

func (q *Queue) deliver(ctx context.Context, event Event) {
	if err := q.sink.Publish(ctx, event); err != nil {
		q.logger.DebugContext(ctx, "queued event not delivered", "sink", q.sink.Name(), "error", err)
	}
}

// Close closes the wrapped sink.
func (q *Queue) Close() error {
	return q.sink.Close()
}
