// Package scheduler runs the single worker that performs every
// ledger-mutating operation: scheduled transfers released by telemetry,
// immediate sends and airdrops.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/quietsend/service/events"
	"github.com/brojonat/quietsend/service/keys"
	"github.com/brojonat/quietsend/service/metrics"
	"github.com/brojonat/quietsend/service/schedule"
	"github.com/brojonat/quietsend/service/solana"
	"github.com/brojonat/quietsend/service/telemetry"
	solanago "github.com/gagliardetto/solana-go"
)

// ErrKeypairChanged fails a scheduled transfer whose creating key is no
// longer the active one.
var ErrKeypairChanged = errors.New("active keypair changed since the transfer was scheduled")

// Ledger is the subset of the ledger client the engine drives.
type Ledger interface {
	GetBalance(ctx context.Context, account solanago.PublicKey) (uint64, error)
	GetRecentBlockhash(ctx context.Context) (solanago.Hash, error)
	SubmitSignedTransaction(ctx context.Context, raw []byte) (solanago.Signature, error)
	ConfirmTransaction(ctx context.Context, sig solanago.Signature) error
	RequestAirdrop(ctx context.Context, account solanago.PublicKey, lamports uint64) (solanago.Signature, error)
}

// KeySource yields the active keypair.
type KeySource interface {
	Active() (keys.Keypair, error)
}

// Wallet is the display state the engine feeds.
type Wallet interface {
	Prepend(owner string, rec solana.TransactionRecord)
	RefreshBalance(ctx context.Context) (uint64, error)
}

// SendRequest is an immediate transfer.
type SendRequest struct {
	Recipient      string `json:"recipient"`
	AmountLamports uint64 `json:"amount_lamports"`
}

type requestKind int

const (
	requestSend requestKind = iota
	requestAirdrop
)

type request struct {
	kind     requestKind
	send     SendRequest
	lamports uint64
	reply    chan result
}

type result struct {
	record solana.TransactionRecord
	err    error
}

// Engine is the scheduler worker. Run must be running for SendNow and
// RequestAirdrop to make progress.
type Engine struct {
	ledger    Ledger
	keys      KeySource
	store     *schedule.Store
	wallet    Wallet
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	requests chan request
}

// NewEngine creates the engine and subscribes it to store changes so every
// transition is published and counted. If m is nil, no metrics are
// recorded.
func NewEngine(ledger Ledger, keySource KeySource, store *schedule.Store, wallet Wallet, publisher events.Publisher, m *metrics.Metrics, logger *slog.Logger) *Engine {
	e := &Engine{
		ledger:    ledger,
		keys:      keySource,
		store:     store,
		wallet:    wallet,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
		requests:  make(chan request),
	}
	store.OnChange(e.onTransferChange)
	return e
}

func (e *Engine) onTransferChange(t schedule.Transfer, action schedule.Action) {
	if e.metrics != nil {
		e.metrics.RecordTransferTransition(string(action))
		e.metrics.SetTransfersWaiting(e.store.WaitingCount())
	}
	if e.publisher != nil {
		_ = e.publisher.Publish(context.Background(), events.NewTransferEvent(t, action))
	}
}

// Run is the worker loop. It handles one snapshot batch or one immediate
// request at a time until ctx is done.
func (e *Engine) Run(ctx context.Context, snapshots <-chan telemetry.Snapshot) error {
	e.logger.InfoContext(ctx, "scheduler engine started")
	for {
		select {
		case <-ctx.Done():
			e.logger.InfoContext(ctx, "scheduler engine stopped")
			return nil
		case snap, ok := <-snapshots:
			if !ok {
				snapshots = nil
				continue
			}
			e.ProcessSnapshot(ctx, snap)
		case req := <-e.requests:
			req.reply <- e.handle(ctx, req)
		}
	}
}

// ProcessSnapshot runs every transfer the snapshot makes eligible, oldest
// first, and then refreshes the balance once. A snapshot without a usable
// failure percentage selects nothing.
func (e *Engine) ProcessSnapshot(ctx context.Context, snap telemetry.Snapshot) {
	if !snap.FailureKnown() {
		e.logger.DebugContext(ctx, "failure percentage unknown, skipping evaluation",
			"congestion_stale", snap.CongestionStale,
		)
		return
	}

	eligible := e.store.Eligible(snap.FailurePercentage)
	if len(eligible) == 0 {
		return
	}

	start := time.Now()
	processed := 0
	for _, t := range eligible {
		if ctx.Err() != nil {
			break
		}
		locked, err := e.store.BeginProcessing(t.ID)
		if err != nil {
			e.logger.DebugContext(ctx, "skipping transfer", "id", t.ID, "error", err)
			continue
		}
		processed++
		e.runScheduled(ctx, locked)
	}

	if processed > 0 {
		e.refreshBalance(ctx)
	}
	if e.metrics != nil {
		e.metrics.RecordSchedulerBatch(processed, time.Since(start).Seconds())
	}
	e.logger.InfoContext(ctx, "scheduler batch finished",
		"failure_percentage", snap.FailurePercentage,
		"eligible", len(eligible),
		"processed", processed,
		"duration", time.Since(start),
	)
}

func (e *Engine) runScheduled(ctx context.Context, t schedule.Transfer) {
	logger := e.logger.With("transfer_id", t.ID, "recipient", t.Recipient, "amount_lamports", t.AmountLamports)

	kp, err := e.keys.Active()
	if err == nil && kp.PublicKey().String() != t.Owner {
		err = fmt.Errorf("%w: scheduled by %s", ErrKeypairChanged, t.Owner)
	}
	if err != nil {
		e.fail(ctx, logger, t, solanago.Signature{}, err)
		return
	}

	sig, err := e.transfer(ctx, kp, t.Recipient, t.AmountLamports)
	if err != nil {
		e.fail(ctx, logger, t, sig, err)
		return
	}

	sentAt := e.now().UTC()
	if _, err := e.store.MarkSent(t.ID, sig.String(), sentAt); err != nil {
		logger.ErrorContext(ctx, "failed to mark transfer sent", "error", err)
	}
	e.record(ctx, t.Owner, solana.TransactionRecord{
		Signature:           sig.String(),
		Timestamp:           sentAt,
		Status:              solana.StatusSuccess,
		AmountDeltaLamports: -int64(t.AmountLamports),
		Type:                solana.TypeSendScheduled,
	})
	logger.InfoContext(ctx, "scheduled transfer sent", "signature", sig.String())
}

func (e *Engine) fail(ctx context.Context, logger *slog.Logger, t schedule.Transfer, sig solanago.Signature, cause error) {
	var sigStr string
	if sig != (solanago.Signature{}) {
		sigStr = sig.String()
	}
	if _, err := e.store.MarkFailed(t.ID, sigStr, cause); err != nil {
		logger.ErrorContext(ctx, "failed to mark transfer failed", "error", err)
	}
	if sigStr != "" {
		e.record(ctx, t.Owner, solana.TransactionRecord{
			Signature:           sigStr,
			Timestamp:           e.now().UTC(),
			Status:              solana.StatusFailed,
			AmountDeltaLamports: -int64(t.AmountLamports),
			Type:                solana.TypeSendScheduled,
		})
	}
	logger.WarnContext(ctx, "scheduled transfer failed", "signature", sigStr, "error", cause)
}

// transfer is the submission pipeline: balance, blockhash, sign, submit,
// confirm. The returned signature is non-zero once the ledger accepted the
// transaction, even if confirmation then failed.
func (e *Engine) transfer(ctx context.Context, kp keys.Keypair, recipient string, lamports uint64) (solanago.Signature, error) {
	to, err := solana.ValidateAddress(recipient)
	if err != nil {
		return solanago.Signature{}, err
	}

	balance, err := e.ledger.GetBalance(ctx, kp.PublicKey())
	if err != nil {
		return solanago.Signature{}, err
	}
	if lamports > balance {
		return solanago.Signature{}, fmt.Errorf("%w: amount %d lamports exceeds balance %d", schedule.ErrInsufficientBalance, lamports, balance)
	}

	blockhash, err := e.ledger.GetRecentBlockhash(ctx)
	if err != nil {
		return solanago.Signature{}, err
	}

	raw, sig, err := solana.BuildTransfer(kp.PrivateKey, to, lamports, blockhash)
	if err != nil {
		return solanago.Signature{}, err
	}

	if _, err := e.ledger.SubmitSignedTransaction(ctx, raw); err != nil {
		return solanago.Signature{}, err
	}

	if err := e.confirm(ctx, sig); err != nil {
		return sig, err
	}
	return sig, nil
}

func (e *Engine) confirm(ctx context.Context, sig solanago.Signature) error {
	err := e.ledger.ConfirmTransaction(ctx, sig)
	if errors.Is(err, solana.ErrConfirmationTimeout) {
		return fmt.Errorf("outcome unconfirmed for signature %s: %w", sig, err)
	}
	return err
}

// record prepends rec to owner's history and publishes it.
func (e *Engine) record(ctx context.Context, owner string, rec solana.TransactionRecord) {
	e.wallet.Prepend(owner, rec)
	if e.publisher != nil {
		_ = e.publisher.Publish(ctx, events.NewTransactionEvent(owner, rec))
	}
}

func (e *Engine) refreshBalance(ctx context.Context) {
	if _, err := e.wallet.RefreshBalance(ctx); err != nil {
		e.logger.WarnContext(ctx, "balance refresh failed", "error", err)
	}
}

// SendNow performs an immediate transfer on the worker, serialized with
// scheduled sends. It returns the Send history record.
func (e *Engine) SendNow(ctx context.Context, req SendRequest) (solana.TransactionRecord, error) {
	if _, err := solana.ValidateAddress(req.Recipient); err != nil {
		return solana.TransactionRecord{}, err
	}
	if err := solana.ValidateLamports(req.AmountLamports); err != nil {
		return solana.TransactionRecord{}, err
	}
	if _, err := e.keys.Active(); err != nil {
		return solana.TransactionRecord{}, err
	}
	return e.submitRequest(ctx, request{kind: requestSend, send: req})
}

// RequestAirdrop asks the faucet for lamports on the worker and waits for
// confirmation. It returns the Airdrop history record.
func (e *Engine) RequestAirdrop(ctx context.Context, lamports uint64) (solana.TransactionRecord, error) {
	if err := solana.ValidateLamports(lamports); err != nil {
		return solana.TransactionRecord{}, err
	}
	if _, err := e.keys.Active(); err != nil {
		return solana.TransactionRecord{}, err
	}
	return e.submitRequest(ctx, request{kind: requestAirdrop, lamports: lamports})
}

func (e *Engine) submitRequest(ctx context.Context, req request) (solana.TransactionRecord, error) {
	req.reply = make(chan result, 1)
	select {
	case e.requests <- req:
	case <-ctx.Done():
		return solana.TransactionRecord{}, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res.record, res.err
	case <-ctx.Done():
		return solana.TransactionRecord{}, ctx.Err()
	}
}

func (e *Engine) handle(ctx context.Context, req request) result {
	kp, err := e.keys.Active()
	if err != nil {
		return result{err: err}
	}
	owner := kp.PublicKey().String()

	var (
		kind   string
		sig    solanago.Signature
		record solana.TransactionRecord
	)
	switch req.kind {
	case requestSend:
		kind = "send"
		sig, err = e.transfer(ctx, kp, req.send.Recipient, req.send.AmountLamports)
		record = solana.TransactionRecord{
			AmountDeltaLamports: -int64(req.send.AmountLamports),
			Type:                solana.TypeSend,
		}
	case requestAirdrop:
		kind = "airdrop"
		sig, err = e.ledger.RequestAirdrop(ctx, kp.PublicKey(), req.lamports)
		if err == nil {
			err = e.confirm(ctx, sig)
		}
		record = solana.TransactionRecord{
			AmountDeltaLamports: int64(req.lamports),
			Type:                solana.TypeAirdrop,
		}
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	if e.metrics != nil {
		e.metrics.RecordImmediateSend(kind, status)
	}

	if sig == (solanago.Signature{}) {
		e.logger.WarnContext(ctx, "immediate operation failed", "kind", kind, "error", err)
		return result{err: err}
	}

	record.Signature = sig.String()
	record.Timestamp = e.now().UTC()
	record.Status = solana.StatusSuccess
	if err != nil {
		record.Status = solana.StatusFailed
	}
	e.record(ctx, owner, record)
	e.refreshBalance(ctx)

	if err != nil {
		e.logger.WarnContext(ctx, "immediate operation failed", "kind", kind, "signature", record.Signature, "error", err)
		return result{record: record, err: err}
	}
	e.logger.InfoContext(ctx, "immediate operation confirmed", "kind", kind, "signature", record.Signature)
	return result{record: record}
}
