package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/brojonat/quietsend/service/metrics"
	"github.com/brojonat/quietsend/service/telemetry"
)

// Publisher is an event sink.
type Publisher interface {
	// Name labels the sink in logs and metrics.
	Name() string
	Publish(ctx context.Context, event Event) error
	Close() error
}

// DefaultSinkTimeout bounds a single sink's Publish call.
const DefaultSinkTimeout = 5 * time.Second

// Multi fans every event out to all sinks. A failing sink is logged and
// counted; it never blocks delivery to the others. Each sink gets at most
// the sink timeout per event.
type Multi struct {
	sinks       []Publisher
	sinkTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewMulti creates a fan-out publisher. If m is nil, no metrics are
// recorded.
func NewMulti(m *metrics.Metrics, logger *slog.Logger, sinks ...Publisher) *Multi {
	return &Multi{sinks: sinks, sinkTimeout: DefaultSinkTimeout, metrics: m, logger: logger}
}

// SetSinkTimeout changes the per-sink deadline. Zero disables it.
func (p *Multi) SetSinkTimeout(d time.Duration) {
	p.sinkTimeout = d
}


// Add appends a sink.
func (p *Multi) Add(sink Publisher) {
	p.sinks = append(p.sinks, sink)
}

func (p *Multi) Name() string { return "multi" }

// Publish delivers event to every sink and joins their errors.
func (p *Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range p.sinks {
		start := time.Now()
		err := p.publishOne(ctx, sink, event)
		status := "success"
		if err != nil {
			status = "error"
			errs = append(errs, err)
			p.logger.WarnContext(ctx, "failed to publish event",
				"sink", sink.Name(),
				"kind", event.Kind,
				"subject", event.Subject(),
				"error", err,
			)
		}
		if p.metrics != nil {
			p.metrics.RecordEventPublish(sink.Name(), string(event.Kind), status, time.Since(start).Seconds())
		}
	}
	return errors.Join(errs...)
}

func (p *Multi) publishOne(ctx context.Context, sink Publisher, event Event) error {
	if p.sinkTimeout <= 0 {
		return sink.Publish(ctx, event)
	}
	ctx, cancel := context.WithTimeout(ctx, p.sinkTimeout)
	defer cancel()
	return sink.Publish(ctx, event)
}

// Close closes every sink.
func (p *Multi) Close() error {
	var errs []error
	for _, sink := range p.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ForwardSnapshots publishes every snapshot received on snaps until the
// channel closes or ctx is done.
func ForwardSnapshots(ctx context.Context, snaps <-chan telemetry.Snapshot, pub Publisher) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case s, ok := <-snaps:
			if !ok {
				return nil
			}
			_ = pub.Publish(ctx, NewSnapshotEvent(s))
		}
	}
}
