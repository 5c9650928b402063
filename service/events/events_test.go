package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/quietsend/service/metrics"
	"github.com/brojonat/quietsend/service/schedule"
	"github.com/brojonat/quietsend/service/solana"
	"github.com/brojonat/quietsend/service/telemetry"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_Subjects(t *testing.T) {
	tr := NewTransferEvent(schedule.Transfer{ID: 3}, schedule.ActionSent)
	assert.Equal(t, "transfers.sent", tr.Subject())
	assert.Equal(t, uint64(3), tr.Transfer.ID)
	_, err := uuid.Parse(tr.ID)
	assert.NoError(t, err)

	airdrop := NewTransactionEvent("owner", solana.TransactionRecord{Type: solana.TypeAirdrop})
	assert.Equal(t, "transfers.airdrop", airdrop.Subject())

	send := NewTransactionEvent("owner", solana.TransactionRecord{Type: solana.TypeSend})
	assert.Equal(t, "transfers.immediate", send.Subject())

	snap := NewSnapshotEvent(telemetry.Snapshot{TPS: 1})
	assert.Equal(t, "network.snapshot", snap.Subject())
	assert.NotEqual(t, tr.ID, snap.ID)
}

func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	ok := NewMockPublisher()
	bad := NewMockPublisher()
	bad.SetPublishError(errors.New("sink down"))

	m := metrics.NewMetrics(prometheus.NewRegistry())
	multi := NewMulti(m, slog.New(slog.NewTextHandler(io.Discard, nil)), bad, ok)

	err := multi.Publish(context.Background(), NewSnapshotEvent(telemetry.Snapshot{}))
	assert.Error(t, err)
	assert.Len(t, ok.GetPublishedEvents(), 1)

	require.NoError(t, multi.Close())
	assert.True(t, ok.IsClosed())
	assert.True(t, bad.IsClosed())
}

func TestBroker_DeliversAndDropsForSlowSubscribers(t *testing.T) {
	b := NewBroker()
	fast, unsubFast := b.Subscribe(4)
	slow, unsubSlow := b.Subscribe(1)
	assert.Equal(t, 2, b.Subscribers())

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(context.Background(), NewSnapshotEvent(telemetry.Snapshot{TPS: float64(i)})))
	}

	assert.Len(t, fast, 3)
	assert.Len(t, slow, 1)
	first := <-slow
	assert.Equal(t, 0.0, first.Snapshot.TPS)

	unsubSlow()
	unsubSlow()
	_, open := <-slow
	assert.False(t, open)
	assert.Equal(t, 1, b.Subscribers())

	unsubFast()
}

func TestForwardSnapshots(t *testing.T) {
	pub := NewMockPublisher()
	snaps := make(chan telemetry.Snapshot, 2)
	snaps <- telemetry.Snapshot{TPS: 1}
	snaps <- telemetry.Snapshot{TPS: 2}
	close(snaps)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ForwardSnapshots(ctx, snaps, pub))

	got := pub.GetEventsOfKind(KindSnapshot)
	require.Len(t, got, 2)
	assert.Equal(t, 2.0, got[1].Snapshot.TPS)
}

// blockingSink holds every Publish until ctx is done.
type blockingSink struct {
	mu    sync.Mutex
	calls int
}

func (b *blockingSink) Name() string { return "blocking" }

func (b *blockingSink) Publish(ctx context.Context, event Event) error {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (b *blockingSink) Close() error { return nil }

func (b *blockingSink) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func TestMulti_SinkTimeoutBoundsSlowSink(t *testing.T) {
	slow := &blockingSink{}
	ok := NewMockPublisher()
	multi := NewMulti(nil, slog.New(slog.NewTextHandler(io.Discard, nil)), slow, ok)
	multi.SetSinkTimeout(20 * time.Millisecond)

	start := time.Now()
	err := multi.Publish(context.Background(), NewSnapshotEvent(telemetry.Snapshot{}))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Len(t, ok.GetPublishedEvents(), 1)
}

func TestQueue_PublishNeverBlocks(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	q := NewQueue(&blockingSink{}, 1, m, slog.New(slog.NewTextHandler(io.Discard, nil)))

	done := make(chan error, 2)
	go func() {
		done <- q.Publish(context.Background(), NewSnapshotEvent(telemetry.Snapshot{}))
		done <- q.Publish(context.Background(), NewSnapshotEvent(telemetry.Snapshot{}))
	}()

	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			if i == 0 {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrQueueFull)
			}
		case <-time.After(time.Second):
			t.Fatal("Publish blocked")
		}
	}
	assert.Equal(t, 1, q.Pending())
}

func TestQueue_RunDeliversAndStops(t *testing.T) {
	sink := NewMockPublisher()
	q := NewQueue(sink, 0, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Publish(ctx, NewSnapshotEvent(telemetry.Snapshot{TPS: float64(i)})))
	}
	require.Eventually(t, func() bool { return len(sink.GetPublishedEvents()) == 3 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}

	require.NoError(t, q.Close())
	assert.True(t, sink.IsClosed())
}

func TestQueue_FlushesBufferedEventsOnShutdown(t *testing.T) {
	sink := NewMockPublisher()
	q := NewQueue(sink, 4, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, q.Publish(context.Background(), NewSnapshotEvent(telemetry.Snapshot{})))
	require.NoError(t, q.Publish(context.Background(), NewSnapshotEvent(telemetry.Snapshot{})))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, q.Run(ctx))

	assert.Len(t, sink.GetPublishedEvents(), 2)
	assert.Zero(t, q.Pending())
}

func TestQueue_SlowSinkDoesNotHoldPublisher(t *testing.T) {
	slow := &blockingSink{}
	external := NewMulti(nil, slog.New(slog.NewTextHandler(io.Discard, nil)), slow)
	external.SetSinkTimeout(0)
	q := NewQueue(external, 8, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	inline := NewMockPublisher()
	multi := NewMulti(nil, slog.New(slog.NewTextHandler(io.Discard, nil)), inline, q)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	for i := 0; i < 3; i++ {
		require.NoError(t, multi.Publish(context.Background(), NewSnapshotEvent(telemetry.Snapshot{})))
	}
	assert.Len(t, inline.GetPublishedEvents(), 3)
	require.Eventually(t, func() bool { return slow.callCount() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not stop")
	}
}
