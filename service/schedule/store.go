// Package schedule keeps the in-memory queue of conditional transfers.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/brojonat/quietsend/service/keys"
	"github.com/brojonat/quietsend/service/solana"
)

// Status is the lifecycle state of a scheduled transfer.
type Status string

const (
	StatusWaiting    Status = "Waiting"
	StatusProcessing Status = "Processing"
	StatusSent       Status = "Sent"
	StatusFailed     Status = "Failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

var (
	ErrNotFound            = errors.New("scheduled transfer not found")
	ErrNotCancelable       = errors.New("scheduled transfer is not cancelable")
	ErrInvalidThreshold    = errors.New("failure percentage ceiling must be between 0 and 100")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidTransition   = errors.New("invalid status transition")

	// ErrInvalidAmount is the ledger package's sentinel so callers can match
	// either.
	ErrInvalidAmount = solana.ErrInvalidAmount
)

// Transfer is one conditional transfer. Only Status, SentAt, Signature and
// LastError change after creation.
type Transfer struct {
	ID                   uint64     `json:"id"`
	Recipient            string     `json:"recipient"`
	AmountLamports       uint64     `json:"amount_lamports"`
	MaxFailurePercentage float64    `json:"max_failure_percentage"`
	Status               Status     `json:"status"`
	CreatedAt            time.Time  `json:"created_at"`
	SentAt               *time.Time `json:"sent_at,omitempty"`
	Signature            string     `json:"signature,omitempty"`
	LastError            string     `json:"last_error,omitempty"`

	// Owner is the address of the key that was active when the transfer
	// was created; KeyGeneration identifies that activation.
	Owner         string `json:"owner"`
	KeyGeneration uint64 `json:"key_generation"`
}

func (t *Transfer) clone() Transfer {
	out := *t
	if t.SentAt != nil {
		at := *t.SentAt
		out.SentAt = &at
	}
	return out
}

// Action names a store mutation for change listeners.
type Action string

const (
	ActionAdded      Action = "added"
	ActionCanceled   Action = "canceled"
	ActionProcessing Action = "processing"
	ActionSent       Action = "sent"
	ActionFailed     Action = "failed"
)

// KeySource yields the active keypair.
type KeySource interface {
	Active() (keys.Keypair, error)
}

// BalanceSource is the cached balance of the active key.
type BalanceSource interface {
	// KnownBalance returns the cached balance; ok is false when no fresh
	// value is cached.
	KnownBalance() (lamports uint64, ok bool)
	RefreshBalance(ctx context.Context) (uint64, error)
}

// AddParams are the user inputs for a new scheduled transfer.
type AddParams struct {
	Recipient            string
	AmountLamports       uint64
	MaxFailurePercentage float64
}

// Store is the mutex-guarded transfer collection.
type Store struct {
	keys    KeySource
	balance BalanceSource
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	nextID    uint64
	transfers map[uint64]*Transfer
	listeners []func(Transfer, Action)
}

// NewStore creates an empty store.
func NewStore(keySource KeySource, balance BalanceSource, logger *slog.Logger) *Store {
	return &Store{
		keys:      keySource,
		balance:   balance,
		logger:    logger,
		now:       time.Now,
		transfers: make(map[uint64]*Transfer),
	}
}

// OnChange registers fn to run after every mutation. Listeners receive a
// copy and run outside the store lock.
func (s *Store) OnChange(fn func(Transfer, Action)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) notify(t Transfer, action Action) {
	s.mu.Lock()
	listeners := append([]func(Transfer, Action){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(t, action)
	}
}

// Add validates params and queues a Waiting transfer. Checks run in order:
// recipient, amount, ceiling, active key, balance.
func (s *Store) Add(ctx context.Context, params AddParams) (*Transfer, error) {
	if _, err := solana.ValidateAddress(params.Recipient); err != nil {
		return nil, err
	}
	if err := solana.ValidateLamports(params.AmountLamports); err != nil {
		return nil, err
	}
	if math.IsNaN(params.MaxFailurePercentage) || params.MaxFailurePercentage < 0 || params.MaxFailurePercentage > 100 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidThreshold, params.MaxFailurePercentage)
	}

	kp, err := s.keys.Active()
	if err != nil {
		return nil, err
	}

	balance, ok := s.balance.KnownBalance()
	if !ok {
		balance, err = s.balance.RefreshBalance(ctx)
		if err != nil {
			if errors.Is(err, solana.ErrNetworkUnavailable) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: balance unavailable: %v", solana.ErrNetworkUnavailable, err)
		}
	}
	if params.AmountLamports > balance {
		return nil, fmt.Errorf("%w: amount %d lamports exceeds balance %d", ErrInsufficientBalance, params.AmountLamports, balance)
	}

	s.mu.Lock()
	s.nextID++
	t := &Transfer{
		ID:                   s.nextID,
		Recipient:            params.Recipient,
		AmountLamports:       params.AmountLamports,
		MaxFailurePercentage: params.MaxFailurePercentage,
		Status:               StatusWaiting,
		CreatedAt:            s.now().UTC(),
		Owner:                kp.PublicKey().String(),
		KeyGeneration:        kp.Generation,
	}
	s.transfers[t.ID] = t
	out := t.clone()
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "scheduled transfer added",
		"id", out.ID,
		"recipient", out.Recipient,
		"amount_lamports", out.AmountLamports,
		"max_failure_percentage", out.MaxFailurePercentage,
	)
	s.notify(out, ActionAdded)
	return &out, nil
}

// Cancel removes a Waiting transfer.
func (s *Store) Cancel(id uint64) error {
	s.mu.Lock()
	t, ok := s.transfers[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if t.Status != StatusWaiting {
		status := t.Status
		s.mu.Unlock()
		return fmt.Errorf("%w: id %d is %s", ErrNotCancelable, id, status)
	}
	delete(s.transfers, id)
	out := t.clone()
	s.mu.Unlock()

	s.logger.Info("scheduled transfer canceled", "id", id)
	s.notify(out, ActionCanceled)
	return nil
}

// Get returns a copy of the transfer with id.
func (s *Store) Get(id uint64) (Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[id]
	if !ok {
		return Transfer{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return t.clone(), nil
}

// List returns copies of all transfers ordered by id.
func (s *Store) List() []Transfer {
	s.mu.Lock()
	out := make([]Transfer, 0, len(s.transfers))
	for _, t := range s.transfers {
		out = append(out, t.clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WaitingCount returns how many transfers are Waiting.
func (s *Store) WaitingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.transfers {
		if t.Status == StatusWaiting {
			n++
		}
	}
	return n
}

// Eligible returns the Waiting transfers whose ceiling is at or above
// failurePct, oldest first. A NaN failurePct selects nothing.
func (s *Store) Eligible(failurePct float64) []Transfer {
	if math.IsNaN(failurePct) {
		return nil
	}

	s.mu.Lock()
	var out []Transfer
	for _, t := range s.transfers {
		if t.Status == StatusWaiting && failurePct <= t.MaxFailurePercentage {
			out = append(out, t.clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// BeginProcessing moves a Waiting transfer to Processing. It fails with
// ErrNotFound if the transfer was canceled and ErrInvalidTransition if it
// is no longer Waiting.
func (s *Store) BeginProcessing(id uint64) (Transfer, error) {
	return s.transition(id, StatusWaiting, StatusProcessing, ActionProcessing, func(*Transfer) {})
}

// MarkSent records a confirmed transfer.
func (s *Store) MarkSent(id uint64, signature string, at time.Time) (Transfer, error) {
	return s.transition(id, StatusProcessing, StatusSent, ActionSent, func(t *Transfer) {
		sentAt := at.UTC()
		t.SentAt = &sentAt
		t.Signature = signature
		t.LastError = ""
	})
}

// MarkFailed records a failed transfer. signature is empty when the
// transaction never reached the ledger.
func (s *Store) MarkFailed(id uint64, signature string, cause error) (Transfer, error) {
	return s.transition(id, StatusProcessing, StatusFailed, ActionFailed, func(t *Transfer) {
		t.Signature = signature
		if cause != nil {
			t.LastError = cause.Error()
		}
	})
}

func (s *Store) transition(id uint64, from, to Status, action Action, apply func(*Transfer)) (Transfer, error) {
	s.mu.Lock()
	t, ok := s.transfers[id]
	if !ok {
		s.mu.Unlock()
		return Transfer{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if t.Status != from {
		status := t.Status
		s.mu.Unlock()
		return Transfer{}, fmt.Errorf("%w: id %d is %s, want %s", ErrInvalidTransition, id, status, from)
	}
	t.Status = to
	apply(t)
	out := t.clone()
	s.mu.Unlock()

	s.notify(out, action)
	return out, nil
}
