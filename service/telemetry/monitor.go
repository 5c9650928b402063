package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brojonat/quietsend/service/metrics"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// TrendCapacity is how many points the trend ring keeps.
const TrendCapacity = 20

// Monitor polls a Feed on a fixed interval and fans the merged snapshots
// out to subscribers. At most one poll is in flight at any time; a refresh
// that arrives while a poll is running waits for that poll's result.
type Monitor struct {
	feed     Feed
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	group    singleflight.Group
	fetching atomic.Bool

	mu        sync.RWMutex
	latest    Snapshot
	hasLatest bool
	trend     []TrendPoint
	subs      map[int]chan Snapshot
	nextSub   int
	onError   []func(error)
}

// NewMonitor creates a monitor for feed. If m is nil, no metrics are
// recorded.
func NewMonitor(feed Feed, interval time.Duration, m *metrics.Metrics, logger *slog.Logger) *Monitor {
	return &Monitor{
		feed:     feed,
		interval: interval,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
		latest:   initialSnapshot(),
		subs:     make(map[int]chan Snapshot),
	}
}

// Run polls once immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.InfoContext(ctx, "network monitor started", "interval", m.interval)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if _, err := m.Refresh(ctx); err != nil && ctx.Err() == nil {
			m.logger.WarnContext(ctx, "telemetry poll failed", "error", err)
		}

		select {
		case <-ctx.Done():
			m.logger.InfoContext(ctx, "network monitor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Refresh runs a poll now, or joins the poll already in flight, and
// returns the resulting snapshot. It returns ErrTelemetryUnavailable when
// both feeds failed.
func (m *Monitor) Refresh(ctx context.Context) (Snapshot, error) {
	if m.fetching.Load() {
		m.logger.DebugContext(ctx, "refresh collapsed into in-flight poll")
		if m.metrics != nil {
			m.metrics.RecordRefreshCollapsed()
		}
	}

	// The poll is shared between callers, so one caller going away must
	// not cancel it for the others.
	pollCtx := context.WithoutCancel(ctx)
	ch := m.group.DoChan("poll", func() (any, error) {
		m.fetching.Store(true)
		defer m.fetching.Store(false)
		return m.poll(pollCtx)
	})

	select {
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Snapshot{}, res.Err
		}
		return res.Val.(Snapshot), nil
	}
}

func (m *Monitor) poll(ctx context.Context) (Snapshot, error) {
	var (
		tp           ThroughputSample
		cg           CongestionSample
		tpErr, cgErr error
	)

	// Each feed is optional, so neither goroutine reports its error to the
	// group; that would cancel the sibling request.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		start := time.Now()
		tp, tpErr = m.feed.Throughput(gctx)
		m.recordPoll("throughput", tpErr, start)
		return nil
	})
	g.Go(func() error {
		start := time.Now()
		cg, cgErr = m.feed.Congestion(gctx)
		m.recordPoll("congestion", cgErr, start)
		return nil
	})
	_ = g.Wait()

	if tpErr != nil && cgErr != nil {
		err := fmt.Errorf("%w: throughput: %v; congestion: %v", ErrTelemetryUnavailable, tpErr, cgErr)
		m.notifyError(err)
		return Snapshot{}, err
	}

	if tpErr != nil {
		m.logger.WarnContext(ctx, "throughput feed failed, keeping previous value", "error", tpErr)
	}
	if cgErr != nil {
		m.logger.WarnContext(ctx, "congestion feed failed, keeping previous value", "error", cgErr)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.latest
	snap.ObservedAt = m.now()
	if tpErr == nil {
		snap.TPS = tp.TPS
		snap.ChainLabel = tp.ChainLabel
		snap.ThroughputStale = false
	} else {
		snap.ThroughputStale = true
	}
	if cgErr == nil {
		snap.CongestionLevel = cg.Level
		snap.FailurePercentage = cg.FailurePercentage
		snap.CongestionStale = false
	} else {
		snap.CongestionStale = true
	}

	m.latest = snap
	m.hasLatest = true

	m.trend = append(m.trend, TrendPoint{
		TPS:               snap.TPS,
		FailurePercentage: snap.FailurePercentage,
		ObservedAt:        snap.ObservedAt,
	})
	if len(m.trend) > TrendCapacity {
		m.trend = append([]TrendPoint(nil), m.trend[len(m.trend)-TrendCapacity:]...)
	}

	for _, ch := range m.subs {
		offer(ch, snap)
	}

	if m.metrics != nil {
		m.metrics.RecordSnapshot(snap.TPS, snap.FailurePercentage)
	}
	m.logger.DebugContext(ctx, "telemetry snapshot",
		"tps", snap.TPS,
		"congestion_level", snap.CongestionLevel,
		"failure_percentage", snap.FailurePercentage,
		"throughput_stale", snap.ThroughputStale,
		"congestion_stale", snap.CongestionStale,
	)

	return snap, nil
}

// offer delivers snap without blocking, evicting the oldest buffered value
// if the subscriber is behind.
func offer(ch chan Snapshot, snap Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}

func (m *Monitor) recordPoll(feed string, err error, start time.Time) {
	if m.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.metrics.RecordTelemetryPoll(feed, status, time.Since(start).Seconds())
}

func (m *Monitor) notifyError(err error) {
	m.mu.RLock()
	listeners := append([]func(error){}, m.onError...)
	m.mu.RUnlock()

	m.logger.Warn("no telemetry this cycle", "error", err)
	for _, fn := range listeners {
		fn(err)
	}
}

// Latest returns the most recent snapshot. ok is false until the first
// poll with at least one successful feed.
func (m *Monitor) Latest() (snap Snapshot, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest, m.hasLatest
}

// Trend returns a copy of the trend ring, oldest first.
func (m *Monitor) Trend() []TrendPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]TrendPoint(nil), m.trend...)
}

// Subscribe registers a subscriber with its own buffered channel. A slow
// subscriber loses the oldest values, never the newest. The returned func
// unsubscribes and closes the channel.
func (m *Monitor) Subscribe(buffer int) (<-chan Snapshot, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Snapshot, buffer)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// OnError registers fn to receive ErrTelemetryUnavailable for cycles where
// both feeds failed.
func (m *Monitor) OnError(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = append(m.onError, fn)
}
