package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brojonat/quietsend/service/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFeed returns canned samples. A non-nil gate blocks Throughput until
// it is closed.
type fakeFeed struct {
	mu            sync.Mutex
	throughput    ThroughputSample
	congestion    CongestionSample
	throughputErr error
	congestionErr error
	gate          chan struct{}
	calls         atomic.Int32
}

func (f *fakeFeed) Throughput(ctx context.Context) (ThroughputSample, error) {
	f.calls.Add(1)
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ThroughputSample{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.throughput, f.throughputErr
}

func (f *fakeFeed) Congestion(ctx context.Context) (CongestionSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.congestion, f.congestionErr
}

func (f *fakeFeed) set(fn func(f *fakeFeed)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func newTestMonitor(feed Feed, m *metrics.Metrics) *Monitor {
	return NewMonitor(feed, time.Hour, m, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestMonitor_RefreshMergesBothFeeds(t *testing.T) {
	feed := &fakeFeed{
		throughput: ThroughputSample{TPS: 2500, ChainLabel: "solana"},
		congestion: CongestionSample{Level: CongestionLow, FailurePercentage: 4},
	}
	mon := newTestMonitor(feed, nil)

	_, ok := mon.Latest()
	assert.False(t, ok)

	snap, err := mon.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2500.0, snap.TPS)
	assert.Equal(t, "solana", snap.ChainLabel)
	assert.Equal(t, CongestionLow, snap.CongestionLevel)
	assert.Equal(t, 4.0, snap.FailurePercentage)
	assert.False(t, snap.ThroughputStale)
	assert.False(t, snap.CongestionStale)
	assert.True(t, snap.FailureKnown())

	latest, ok := mon.Latest()
	require.True(t, ok)
	assert.Equal(t, snap, latest)
}

func TestMonitor_PartialFailureKeepsPreviousValues(t *testing.T) {
	feed := &fakeFeed{
		throughput: ThroughputSample{TPS: 1000},
		congestion: CongestionSample{Level: CongestionMedium, FailurePercentage: 12},
	}
	mon := newTestMonitor(feed, nil)
	_, err := mon.Refresh(context.Background())
	require.NoError(t, err)

	feed.set(func(f *fakeFeed) {
		f.throughput = ThroughputSample{TPS: 3000}
		f.congestionErr = errors.New("congestion backend down")
	})

	snap, err := mon.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3000.0, snap.TPS)
	assert.False(t, snap.ThroughputStale)
	assert.Equal(t, 12.0, snap.FailurePercentage)
	assert.Equal(t, CongestionMedium, snap.CongestionLevel)
	assert.True(t, snap.CongestionStale)
	assert.False(t, snap.FailureKnown())

	assert.Len(t, mon.Trend(), 2)
}

func TestMonitor_FirstPollWithOnlyThroughputHasUnknownFailure(t *testing.T) {
	feed := &fakeFeed{
		throughput:    ThroughputSample{TPS: 800},
		congestionErr: errors.New("down"),
	}
	mon := newTestMonitor(feed, nil)

	snap, err := mon.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CongestionUnknown, snap.CongestionLevel)
	assert.False(t, snap.FailureKnown())
}

func TestMonitor_BothFeedsFailing(t *testing.T) {
	feed := &fakeFeed{
		throughputErr: errors.New("tps down"),
		congestionErr: errors.New("congestion down"),
	}
	mon := newTestMonitor(feed, nil)

	var signalled []error
	mon.OnError(func(err error) { signalled = append(signalled, err) })

	snaps, unsubscribe := mon.Subscribe(1)
	defer unsubscribe()

	_, err := mon.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrTelemetryUnavailable)
	require.Len(t, signalled, 1)
	assert.ErrorIs(t, signalled[0], ErrTelemetryUnavailable)

	_, ok := mon.Latest()
	assert.False(t, ok)
	assert.Empty(t, mon.Trend())

	select {
	case s := <-snaps:
		t.Fatalf("unexpected snapshot %+v", s)
	default:
	}
}

func TestMonitor_TrendKeepsLastTwenty(t *testing.T) {
	feed := &fakeFeed{}
	mon := newTestMonitor(feed, nil)

	for i := 1; i <= TrendCapacity+5; i++ {
		feed.set(func(f *fakeFeed) { f.throughput = ThroughputSample{TPS: float64(i)} })
		_, err := mon.Refresh(context.Background())
		require.NoError(t, err)
	}

	trend := mon.Trend()
	require.Len(t, trend, TrendCapacity)
	assert.Equal(t, 6.0, trend[0].TPS)
	assert.Equal(t, float64(TrendCapacity+5), trend[TrendCapacity-1].TPS)
}

func TestMonitor_SubscriberKeepsLatest(t *testing.T) {
	feed := &fakeFeed{}
	mon := newTestMonitor(feed, nil)

	snaps, unsubscribe := mon.Subscribe(1)

	for i := 1; i <= 3; i++ {
		feed.set(func(f *fakeFeed) { f.throughput = ThroughputSample{TPS: float64(i)} })
		_, err := mon.Refresh(context.Background())
		require.NoError(t, err)
	}

	got := <-snaps
	assert.Equal(t, 3.0, got.TPS)

	unsubscribe()
	_, open := <-snaps
	assert.False(t, open)
	unsubscribe()
}

func TestMonitor_ConcurrentRefreshCollapses(t *testing.T) {
	feed := &fakeFeed{
		throughput: ThroughputSample{TPS: 42},
		gate:       make(chan struct{}),
	}
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	mon := newTestMonitor(feed, m)

	first := make(chan Snapshot, 1)
	go func() {
		s, _ := mon.Refresh(context.Background())
		first <- s
	}()
	require.Eventually(t, func() bool { return feed.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	second := make(chan Snapshot, 1)
	go func() {
		s, _ := mon.Refresh(context.Background())
		second <- s
	}()
	require.Eventually(t, func() bool {
		return counterValue(t, reg, "telemetry_refresh_collapsed_total") == 1
	}, time.Second, 5*time.Millisecond)

	close(feed.gate)
	a, b := <-first, <-second

	assert.Equal(t, int32(1), feed.calls.Load())
	assert.Equal(t, a, b)
	assert.Len(t, mon.Trend(), 1)
}

func TestMonitor_RefreshCallerCancelDoesNotAbortPoll(t *testing.T) {
	feed := &fakeFeed{
		throughput: ThroughputSample{TPS: 7},
		gate:       make(chan struct{}),
	}
	mon := newTestMonitor(feed, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := mon.Refresh(ctx)
		done <- err
	}()
	require.Eventually(t, func() bool { return feed.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(feed.gate)
	require.Eventually(t, func() bool {
		_, ok := mon.Latest()
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestMonitor_RunPollsImmediately(t *testing.T) {
	feed := &fakeFeed{throughput: ThroughputSample{TPS: 1}}
	mon := newTestMonitor(feed, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mon.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := mon.Latest()
		return ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
