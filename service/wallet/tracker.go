// Package wallet keeps the display state of the active key: a cached
// balance and the newest-first transaction history.
package wallet

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/brojonat/quietsend/service/keys"
	"github.com/brojonat/quietsend/service/metrics"
	"github.com/brojonat/quietsend/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/jellydator/ttlcache/v3"
)

// Ledger is the subset of the ledger client the tracker reads from.
type Ledger interface {
	GetBalance(ctx context.Context, account solanago.PublicKey) (uint64, error)
	RecentTransactions(ctx context.Context, owner solanago.PublicKey, limit int) ([]solana.TransactionRecord, error)
}

// KeySource yields the active keypair.
type KeySource interface {
	Active() (keys.Keypair, error)
}

// Balance is a cached balance reading.
type Balance struct {
	Lamports  uint64    `json:"lamports"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tracker caches the active key's balance for a TTL and holds its history.
// Everything is keyed by owner address, so values loaded for a replaced key
// are never served for the new one.
type Tracker struct {
	ledger  Ledger
	keys    KeySource
	limit   int
	balance *ttlcache.Cache[string, Balance]
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.RWMutex
	owner   string
	history []solana.TransactionRecord
}

// NewTracker creates a tracker. balanceTTL bounds how long a fetched
// balance counts as known; historyLimit caps the history length.
func NewTracker(ledger Ledger, keySource KeySource, balanceTTL time.Duration, historyLimit int, m *metrics.Metrics, logger *slog.Logger) *Tracker {
	cache := ttlcache.New[string, Balance](
		ttlcache.WithTTL[string, Balance](balanceTTL),
		ttlcache.WithDisableTouchOnHit[string, Balance](),
	)
	return &Tracker{
		ledger:  ledger,
		keys:    keySource,
		limit:   historyLimit,
		balance: cache,
		metrics: m,
		logger:  logger,
	}
}

// Reset drops everything known about the previous key. It is registered
// as a keys.Manager change listener.
func (t *Tracker) Reset(kp keys.Keypair) {
	t.balance.DeleteAll()

	t.mu.Lock()
	t.owner = kp.PublicKey().String()
	t.history = nil
	t.mu.Unlock()

	t.logger.Info("wallet state reset for new key", "public_key", t.owner, "generation", kp.Generation)
}

// KnownBalance returns the cached balance of the active key, if fresh.
func (t *Tracker) KnownBalance() (uint64, bool) {
	b, ok := t.CachedBalance()
	return b.Lamports, ok
}

// CachedBalance returns the cached balance reading of the active key.
func (t *Tracker) CachedBalance() (Balance, bool) {
	kp, err := t.keys.Active()
	if err != nil {
		return Balance{}, false
	}
	item := t.balance.Get(kp.PublicKey().String())
	if item == nil {
		return Balance{}, false
	}
	return item.Value(), true
}

// Balance returns the cached balance or loads it.
func (t *Tracker) Balance(ctx context.Context, force bool) (Balance, error) {
	if !force {
		if b, ok := t.CachedBalance(); ok {
			return b, nil
		}
	}
	if _, err := t.RefreshBalance(ctx); err != nil {
		return Balance{}, err
	}
	b, _ := t.CachedBalance()
	return b, nil
}

// RefreshBalance fetches the active key's balance and caches it.
func (t *Tracker) RefreshBalance(ctx context.Context) (uint64, error) {
	kp, err := t.keys.Active()
	if err != nil {
		return 0, err
	}
	owner := kp.PublicKey()

	lamports, err := t.ledger.GetBalance(ctx, owner)
	if err != nil {
		return 0, err
	}

	t.balance.Set(owner.String(), Balance{Lamports: lamports, UpdatedAt: time.Now().UTC()}, ttlcache.DefaultTTL)
	if t.metrics != nil {
		t.metrics.SetWalletBalance(lamports)
	}
	t.logger.DebugContext(ctx, "balance refreshed", "owner", owner.String(), "lamports", lamports)
	return lamports, nil
}

// History returns a copy of the newest-first history.
func (t *Tracker) History() []solana.TransactionRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]solana.TransactionRecord(nil), t.history...)
}

// RefreshHistory reloads history from the ledger. Records added locally
// keep their type (SendScheduled, Airdrop) when the ledger lists the same
// signature, and local records the ledger does not list yet are kept.
func (t *Tracker) RefreshHistory(ctx context.Context) ([]solana.TransactionRecord, error) {
	kp, err := t.keys.Active()
	if err != nil {
		return nil, err
	}
	owner := kp.PublicKey()

	fetched, err := t.ledger.RecentTransactions(ctx, owner, t.limit)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.owner != owner.String() {
		t.logger.DebugContext(ctx, "discarding history for replaced key", "owner", owner.String())
		return append([]solana.TransactionRecord(nil), t.history...), nil
	}

	local := make(map[string]solana.TransactionRecord, len(t.history))
	for _, rec := range t.history {
		local[rec.Signature] = rec
	}

	merged := make([]solana.TransactionRecord, 0, len(fetched)+len(t.history))
	seen := make(map[string]bool, len(fetched))
	for _, rec := range fetched {
		if prev, ok := local[rec.Signature]; ok && prev.Type != solana.TypeUnknown {
			rec.Type = prev.Type
		}
		seen[rec.Signature] = true
		merged = append(merged, rec)
	}
	for _, rec := range t.history {
		if !seen[rec.Signature] {
			merged = append(merged, rec)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.After(merged[j].Timestamp)
	})
	if t.limit > 0 && len(merged) > t.limit {
		merged = merged[:t.limit]
	}
	t.history = merged

	t.logger.DebugContext(ctx, "history refreshed", "owner", owner.String(), "count", len(merged))
	return append([]solana.TransactionRecord(nil), merged...), nil
}

// Prepend adds rec at the head of owner's history. Records for an owner
// that is no longer active are dropped.
func (t *Tracker) Prepend(owner string, rec solana.TransactionRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.owner != owner {
		return
	}
	t.history = append([]solana.TransactionRecord{rec}, t.history...)
	if t.limit > 0 && len(t.history) > t.limit {
		t.history = t.history[:t.limit]
	}
}
