package schedule

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/quietsend/service/keys"
	"github.com/brojonat/quietsend/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBalance struct {
	mu         sync.Mutex
	lamports   uint64
	known      bool
	refreshErr error
	refreshes  int
}

func (f *fakeBalance) KnownBalance() (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lamports, f.known
}

func (f *fakeBalance) RefreshBalance(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return 0, f.refreshErr
	}
	f.known = true
	return f.lamports, nil
}

var recipient = solanago.NewWallet().PublicKey().String()

func newTestStore(t *testing.T, balance *fakeBalance) (*Store, *keys.Manager) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	km := keys.NewManager(logger)
	_, err := km.Generate()
	require.NoError(t, err)

	s := NewStore(km, balance, logger)
	tick := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	return s, km
}

func add(t *testing.T, s *Store, amount uint64, ceiling float64) *Transfer {
	t.Helper()
	tr, err := s.Add(context.Background(), AddParams{
		Recipient:            recipient,
		AmountLamports:       amount,
		MaxFailurePercentage: ceiling,
	})
	require.NoError(t, err)
	return tr
}

func TestStore_AddValidationOrder(t *testing.T) {
	tests := []struct {
		name    string
		params  AddParams
		wantErr error
	}{
		{
			name:    "invalid recipient wins over invalid amount",
			params:  AddParams{Recipient: "nope", AmountLamports: 0, MaxFailurePercentage: 500},
			wantErr: solana.ErrInvalidAddress,
		},
		{
			name:    "zero amount",
			params:  AddParams{Recipient: recipient, AmountLamports: 0, MaxFailurePercentage: 500},
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "amount too large for a history delta",
			params:  AddParams{Recipient: recipient, AmountLamports: math.MaxInt64 + 1, MaxFailurePercentage: 5},
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "ceiling above 100",
			params:  AddParams{Recipient: recipient, AmountLamports: 1, MaxFailurePercentage: 100.5},
			wantErr: ErrInvalidThreshold,
		},
		{
			name:    "negative ceiling",
			params:  AddParams{Recipient: recipient, AmountLamports: 1, MaxFailurePercentage: -1},
			wantErr: ErrInvalidThreshold,
		},
		{
			name:    "NaN ceiling",
			params:  AddParams{Recipient: recipient, AmountLamports: 1, MaxFailurePercentage: math.NaN()},
			wantErr: ErrInvalidThreshold,
		},
		{
			name:    "amount above balance",
			params:  AddParams{Recipient: recipient, AmountLamports: 1_000_001, MaxFailurePercentage: 10},
			wantErr: ErrInsufficientBalance,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestStore(t, &fakeBalance{lamports: 1_000_000, known: true})
			_, err := s.Add(context.Background(), tt.params)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, s.List())
		})
	}
}

func TestStore_AddRequiresActiveKey(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewStore(keys.NewManager(logger), &fakeBalance{lamports: 10, known: true}, logger)

	_, err := s.Add(context.Background(), AddParams{Recipient: recipient, AmountLamports: 1, MaxFailurePercentage: 5})
	assert.ErrorIs(t, err, keys.ErrNoActiveKey)
}

func TestStore_AddRefreshesUnknownBalanceOnce(t *testing.T) {
	balance := &fakeBalance{lamports: 500}
	s, km := newTestStore(t, balance)

	tr := add(t, s, 500, 0)
	assert.Equal(t, 1, balance.refreshes)
	assert.Equal(t, StatusWaiting, tr.Status)
	assert.Equal(t, uint64(1), tr.ID)
	assert.Empty(t, tr.Signature)

	active, err := km.Active()
	require.NoError(t, err)
	assert.Equal(t, active.PublicKey().String(), tr.Owner)
	assert.Equal(t, active.Generation, tr.KeyGeneration)
}

func TestStore_AddBalanceRefreshFailure(t *testing.T) {
	balance := &fakeBalance{refreshErr: errors.New("connection refused")}
	s, _ := newTestStore(t, balance)

	_, err := s.Add(context.Background(), AddParams{Recipient: recipient, AmountLamports: 1, MaxFailurePercentage: 5})
	assert.ErrorIs(t, err, solana.ErrNetworkUnavailable)
	assert.Equal(t, 1, balance.refreshes)
	assert.Empty(t, s.List())
}

func TestStore_CancelOnlyWaiting(t *testing.T) {
	s, _ := newTestStore(t, &fakeBalance{lamports: 100, known: true})
	a := add(t, s, 10, 5)
	b := add(t, s, 10, 5)

	require.NoError(t, s.Cancel(a.ID))
	_, err := s.Get(a.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.BeginProcessing(b.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Cancel(b.ID), ErrNotCancelable)

	_, err = s.MarkSent(b.ID, "sig", time.Now())
	require.NoError(t, err)
	assert.ErrorIs(t, s.Cancel(b.ID), ErrNotCancelable)

	assert.ErrorIs(t, s.Cancel(999), ErrNotFound)
}

func TestStore_EligibleIsFIFOAndFailsClosed(t *testing.T) {
	s, _ := newTestStore(t, &fakeBalance{lamports: 100, known: true})
	strict := add(t, s, 1, 2)
	loose := add(t, s, 1, 20)
	exact := add(t, s, 1, 10)

	ids := func(ts []Transfer) []uint64 {
		out := make([]uint64, 0, len(ts))
		for _, tr := range ts {
			out = append(out, tr.ID)
		}
		return out
	}

	assert.Equal(t, []uint64{loose.ID, exact.ID}, ids(s.Eligible(10)))
	assert.Equal(t, []uint64{strict.ID, loose.ID, exact.ID}, ids(s.Eligible(0)))
	assert.Empty(t, s.Eligible(50))
	assert.Empty(t, s.Eligible(math.NaN()))

	_, err := s.BeginProcessing(loose.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint64{exact.ID}, ids(s.Eligible(10)))
}

func TestStore_Transitions(t *testing.T) {
	s, _ := newTestStore(t, &fakeBalance{lamports: 100, known: true})
	tr := add(t, s, 1, 5)

	_, err := s.MarkSent(tr.ID, "sig", time.Now())
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = s.BeginProcessing(tr.ID)
	require.NoError(t, err)
	_, err = s.BeginProcessing(tr.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	failed, err := s.MarkFailed(tr.ID, "sig-1", errors.New("rejected"))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "sig-1", failed.Signature)
	assert.Equal(t, "rejected", failed.LastError)
	assert.Nil(t, failed.SentAt)

	_, err = s.MarkSent(tr.ID, "sig-2", time.Now())
	assert.ErrorIs(t, err, ErrInvalidTransition)
	got, err := s.Get(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, failed, got)
}

func TestStore_ConcurrentBeginProcessingOnlyOneWins(t *testing.T) {
	s, _ := newTestStore(t, &fakeBalance{lamports: 100, known: true})
	tr := add(t, s, 1, 5)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.BeginProcessing(tr.ID); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestStore_OnChange(t *testing.T) {
	s, _ := newTestStore(t, &fakeBalance{lamports: 100, known: true})

	var actions []Action
	s.OnChange(func(_ Transfer, a Action) { actions = append(actions, a) })

	a := add(t, s, 1, 5)
	b := add(t, s, 1, 5)
	require.NoError(t, s.Cancel(a.ID))
	_, err := s.BeginProcessing(b.ID)
	require.NoError(t, err)
	_, err = s.MarkSent(b.ID, "sig", time.Now())
	require.NoError(t, err)

	assert.Equal(t, []Action{ActionAdded, ActionAdded, ActionCanceled, ActionProcessing, ActionSent}, actions)
	assert.Equal(t, 0, s.WaitingCount())
}
