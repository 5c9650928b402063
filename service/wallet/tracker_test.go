package wallet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/quietsend/service/keys"
	"github.com/brojonat/quietsend/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLedger struct {
	mu         sync.Mutex
	balance    uint64
	balanceErr error
	records    []solana.TransactionRecord
	balances   int
}

func (f *fakeLedger) GetBalance(ctx context.Context, account solanago.PublicKey) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances++
	return f.balance, f.balanceErr
}

func (f *fakeLedger) RecentTransactions(ctx context.Context, owner solanago.PublicKey, limit int) ([]solana.TransactionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]solana.TransactionRecord(nil), f.records...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func newTestTracker(t *testing.T, ledger Ledger, ttl time.Duration) (*Tracker, *keys.Manager) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	km := keys.NewManager(logger)
	tr := NewTracker(ledger, km, ttl, 5, nil, logger)
	km.OnChange(tr.Reset)
	_, err := km.Generate()
	require.NoError(t, err)
	return tr, km
}

func TestTracker_BalanceIsCached(t *testing.T) {
	ledger := &fakeLedger{balance: 1_500}
	tr, _ := newTestTracker(t, ledger, time.Minute)

	_, ok := tr.KnownBalance()
	assert.False(t, ok)

	b, err := tr.Balance(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_500), b.Lamports)
	assert.False(t, b.UpdatedAt.IsZero())

	_, err = tr.Balance(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, ledger.balances)

	_, err = tr.Balance(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 2, ledger.balances)

	lamports, ok := tr.KnownBalance()
	assert.True(t, ok)
	assert.Equal(t, uint64(1_500), lamports)
}

func TestTracker_BalanceExpires(t *testing.T) {
	tr, _ := newTestTracker(t, &fakeLedger{balance: 9}, 20*time.Millisecond)

	_, err := tr.RefreshBalance(context.Background())
	require.NoError(t, err)
	_, ok := tr.KnownBalance()
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		_, ok := tr.KnownBalance()
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestTracker_BalanceError(t *testing.T) {
	tr, _ := newTestTracker(t, &fakeLedger{balanceErr: solana.ErrNetworkUnavailable}, time.Minute)
	_, err := tr.Balance(context.Background(), false)
	assert.ErrorIs(t, err, solana.ErrNetworkUnavailable)
}

func TestTracker_KeyChangeResetsState(t *testing.T) {
	tr, km := newTestTracker(t, &fakeLedger{balance: 100}, time.Minute)
	first, err := km.Active()
	require.NoError(t, err)

	_, err = tr.RefreshBalance(context.Background())
	require.NoError(t, err)
	tr.Prepend(first.PublicKey().String(), solana.TransactionRecord{Signature: "a", Type: solana.TypeSend})
	require.Len(t, tr.History(), 1)

	_, err = km.Generate()
	require.NoError(t, err)

	_, ok := tr.KnownBalance()
	assert.False(t, ok)
	assert.Empty(t, tr.History())

	tr.Prepend(first.PublicKey().String(), solana.TransactionRecord{Signature: "stale"})
	assert.Empty(t, tr.History())
}

func TestTracker_RefreshHistoryMergesLocalRecords(t *testing.T) {
	now := time.Now().UTC()
	ledger := &fakeLedger{records: []solana.TransactionRecord{
		{Signature: "s2", Timestamp: now.Add(-time.Minute), Status: solana.StatusSuccess, Type: solana.TypeSend, AmountDeltaLamports: -5},
		{Signature: "r1", Timestamp: now.Add(-time.Hour), Status: solana.StatusSuccess, Type: solana.TypeReceive, AmountDeltaLamports: 50},
	}}
	tr, km := newTestTracker(t, ledger, time.Minute)
	kp, err := km.Active()
	require.NoError(t, err)
	owner := kp.PublicKey().String()

	tr.Prepend(owner, solana.TransactionRecord{Signature: "s2", Timestamp: now.Add(-time.Minute), Status: solana.StatusSuccess, Type: solana.TypeSendScheduled, AmountDeltaLamports: -5})
	tr.Prepend(owner, solana.TransactionRecord{Signature: "f1", Timestamp: now, Status: solana.StatusFailed, Type: solana.TypeSendScheduled})

	history, err := tr.RefreshHistory(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "f1", history[0].Signature)
	assert.Equal(t, "s2", history[1].Signature)
	assert.Equal(t, solana.TypeSendScheduled, history[1].Type)
	assert.Equal(t, "r1", history[2].Signature)
}

func TestTracker_RequiresActiveKey(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := NewTracker(&fakeLedger{}, keys.NewManager(logger), time.Minute, 5, nil, logger)

	_, err := tr.RefreshBalance(context.Background())
	assert.True(t, errors.Is(err, keys.ErrNoActiveKey))
	_, err = tr.RefreshHistory(context.Background())
	assert.ErrorIs(t, err, keys.ErrNoActiveKey)
}
