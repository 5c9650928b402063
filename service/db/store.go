// Package db archives scheduled transfers and history records in
// Postgres. The archive is write-behind: the in-memory store stays the
// source of truth and nothing is read back on startup.
package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/quietsend/service/events"
	"github.com/brojonat/quietsend/service/metrics"
	"github.com/brojonat/quietsend/service/schedule"
	"github.com/brojonat/quietsend/service/solana"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StatusCanceled is the archived status of a transfer removed while
// Waiting.
const StatusCanceled = "Canceled"

// Store provides archive operations. Each process run gets its own
// session id because transfer ids restart at 1.
type Store struct {
	pool    *pgxpool.Pool
	session uuid.UUID
	network string
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewStore creates a Store with the given connection pool. If m is nil, no
// metrics are recorded.
func NewStore(pool *pgxpool.Pool, network string, m *metrics.Metrics, logger *slog.Logger) *Store {
	return &Store{
		pool:    pool,
		session: uuid.New(),
		network: network,
		metrics: m,
		logger:  logger,
	}
}

// SessionID identifies this process run in the archive.
func (s *Store) SessionID() uuid.UUID {
	return s.session
}

// ArchivedTransfer is a scheduled transfer row.
type ArchivedTransfer struct {
	SessionID            uuid.UUID  `json:"session_id"`
	ID                   uint64     `json:"id"`
	Network              string     `json:"network"`
	Owner                string     `json:"owner"`
	Recipient            string     `json:"recipient"`
	AmountLamports       uint64     `json:"amount_lamports"`
	MaxFailurePercentage float64    `json:"max_failure_percentage"`
	Status               string     `json:"status"`
	Signature            *string    `json:"signature,omitempty"`
	LastError            *string    `json:"last_error,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	SentAt               *time.Time `json:"sent_at,omitempty"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

func (s *Store) observe(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordDBQuery(op, status, time.Since(start).Seconds())
}

// UpsertTransfer writes the current state of t. Terminal rows are never
// overwritten.
func (s *Store) UpsertTransfer(ctx context.Context, t schedule.Transfer, status string) (err error) {
	start := time.Now()
	defer func() { s.observe("upsert_transfer", start, err) }()

	var sentAt pgtype.Timestamptz
	if t.SentAt != nil {
		sentAt = pgtype.Timestamptz{Time: *t.SentAt, Valid: true}
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO scheduled_transfers (
			session_id, id, network, owner, recipient, amount_lamports,
			max_failure_percentage, status, signature, last_error, created_at, sent_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (session_id, id) DO UPDATE SET
			status     = EXCLUDED.status,
			signature  = EXCLUDED.signature,
			last_error = EXCLUDED.last_error,
			sent_at    = EXCLUDED.sent_at,
			updated_at = NOW()
		WHERE scheduled_transfers.status NOT IN ('Sent', 'Failed', 'Canceled')`,
		s.session,
		int64(t.ID),
		s.network,
		t.Owner,
		t.Recipient,
		int64(t.AmountLamports),
		t.MaxFailurePercentage,
		status,
		pgtextFromString(t.Signature),
		pgtextFromString(t.LastError),
		t.CreatedAt,
		sentAt,
	)
	if err != nil {
		return fmt.Errorf("failed to archive transfer %d: %w", t.ID, err)
	}
	return nil
}

// InsertRecord archives one history record of owner. Re-archiving the
// same signature updates its status.
func (s *Store) InsertRecord(ctx context.Context, owner string, rec solana.TransactionRecord) (err error) {
	start := time.Now()
	defer func() { s.observe("insert_record", start, err) }()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO transaction_records (
			signature, owner, network, record_type, status, amount_delta_lamports, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (signature, owner) DO UPDATE SET status = EXCLUDED.status`,
		rec.Signature,
		owner,
		s.network,
		string(rec.Type),
		string(rec.Status),
		rec.AmountDeltaLamports,
		rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to archive record %s: %w", rec.Signature, err)
	}
	return nil
}

// ListTransfers returns archived transfers of owner across sessions,
// newest first.
func (s *Store) ListTransfers(ctx context.Context, owner string, limit int32) (out []ArchivedTransfer, err error) {
	start := time.Now()
	defer func() { s.observe("list_transfers", start, err) }()

	rows, err := s.pool.Query(ctx, `
		SELECT session_id, id, network, owner, recipient, amount_lamports, max_failure_percentage,
		       status, signature, last_error, created_at, sent_at, updated_at
		FROM scheduled_transfers
		WHERE owner = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list archived transfers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			row       ArchivedTransfer
			id        int64
			amount    int64
			signature pgtype.Text
			lastError pgtype.Text
			sentAt    pgtype.Timestamptz
		)
		if err := rows.Scan(
			&row.SessionID, &id, &row.Network, &row.Owner, &row.Recipient, &amount, &row.MaxFailurePercentage,
			&row.Status, &signature, &lastError, &row.CreatedAt, &sentAt, &row.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan archived transfer: %w", err)
		}
		row.ID = uint64(id)
		row.AmountLamports = uint64(amount)
		row.Signature = stringPtrFromPgtext(signature)
		row.LastError = stringPtrFromPgtext(lastError)
		if sentAt.Valid {
			at := sentAt.Time
			row.SentAt = &at
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read archived transfers: %w", err)
	}
	return out, nil
}

// ListRecords returns archived history records of owner, newest first.
func (s *Store) ListRecords(ctx context.Context, owner string, limit int32) (out []solana.TransactionRecord, err error) {
	start := time.Now()
	defer func() { s.observe("list_records", start, err) }()

	rows, err := s.pool.Query(ctx, `
		SELECT signature, record_type, status, amount_delta_lamports, occurred_at
		FROM transaction_records
		WHERE owner = $1
		ORDER BY occurred_at DESC
		LIMIT $2`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list archived records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec solana.TransactionRecord
		var recType, status string
		if err := rows.Scan(&rec.Signature, &recType, &status, &rec.AmountDeltaLamports, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan archived record: %w", err)
		}
		rec.Type = solana.RecordType(recType)
		rec.Status = solana.RecordStatus(status)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read archived records: %w", err)
	}
	return out, nil
}

// Name implements events.Publisher.
func (s *Store) Name() string { return "postgres" }

// Publish archives transfer transitions and history records. Snapshots
// are not archived.
func (s *Store) Publish(ctx context.Context, event events.Event) error {
	switch {
	case event.Kind == events.KindTransfer && event.Transfer != nil:
		status := string(event.Transfer.Status)
		if event.Action == string(schedule.ActionCanceled) {
			status = StatusCanceled
		}
		return s.UpsertTransfer(ctx, *event.Transfer, status)
	case event.Kind == events.KindTransaction && event.Record != nil:
		return s.InsertRecord(ctx, event.Owner, *event.Record)
	default:
		return nil
	}
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func pgtextFromString(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}

func stringPtrFromPgtext(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	s := t.String
	return &s
}
