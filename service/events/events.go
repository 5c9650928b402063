// Package events defines the events quietsend emits and the sinks that
// carry them: the in-process broker behind SSE, NATS JetStream and Kafka.
package events

import (
	"time"

	"github.com/brojonat/quietsend/service/schedule"
	"github.com/brojonat/quietsend/service/solana"
	"github.com/brojonat/quietsend/service/telemetry"
	"github.com/google/uuid"
)

// Kind is the event family. It doubles as the SSE event name.
type Kind string

const (
	KindTransfer    Kind = "transfer"
	KindTransaction Kind = "transaction"
	KindSnapshot    Kind = "snapshot"
)

// Event is the envelope published to every sink. Exactly one of Transfer,
// Record or Snapshot is set, according to Kind.
type Event struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Action     string    `json:"action,omitempty"`
	Owner      string    `json:"owner,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`

	Transfer *schedule.Transfer        `json:"transfer,omitempty"`
	Record   *solana.TransactionRecord `json:"record,omitempty"`
	Snapshot *telemetry.Snapshot       `json:"snapshot,omitempty"`
}

// Subject is the routing key: transfers.<action> for scheduled transfer
// transitions, transfers.<type> for immediate sends and airdrops and
// network.snapshot for telemetry.
func (e Event) Subject() string {
	switch e.Kind {
	case KindTransfer, KindTransaction:
		return "transfers." + e.Action
	case KindSnapshot:
		return "network.snapshot"
	default:
		return "misc." + string(e.Kind)
	}
}

// NewTransferEvent wraps a scheduled transfer transition.
func NewTransferEvent(t schedule.Transfer, action schedule.Action) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       KindTransfer,
		Action:     string(action),
		Owner:      t.Owner,
		OccurredAt: time.Now().UTC(),
		Transfer:   &t,
	}
}

// NewTransactionEvent wraps a history record of owner produced by an
// immediate send or an airdrop.
func NewTransactionEvent(owner string, rec solana.TransactionRecord) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       KindTransaction,
		Action:     actionForType(rec.Type),
		Owner:      owner,
		OccurredAt: time.Now().UTC(),
		Record:     &rec,
	}
}

// NewSnapshotEvent wraps a telemetry snapshot.
func NewSnapshotEvent(s telemetry.Snapshot) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       KindSnapshot,
		OccurredAt: time.Now().UTC(),
		Snapshot:   &s,
	}
}

func actionForType(t solana.RecordType) string {
	switch t {
	case solana.TypeAirdrop:
		return "airdrop"
	case solana.TypeSend:
		return "immediate"
	case solana.TypeSendScheduled:
		return "scheduled"
	default:
		return "other"
	}
}
