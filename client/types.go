package client

import "time"

// KeyInfo describes a keypair. SecretKey is only set by GenerateKey.
type KeyInfo struct {
	PublicKey string `json:"public_key"`
	SecretKey string `json:"secret_key,omitempty"`
	Network   string `json:"network,omitempty"`
}

// Balance is the active key's balance.
type Balance struct {
	Lamports  uint64    `json:"lamports"`
	SOL       string    `json:"sol"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TransactionRecord is one history entry. AmountDeltaLamports is signed
// from the active key's perspective.
type TransactionRecord struct {
	Signature           string    `json:"signature"`
	Timestamp           time.Time `json:"timestamp"`
	Status              string    `json:"status"`
	AmountDeltaLamports int64     `json:"amount_delta_lamports"`
	Type                string    `json:"type"`
}

// Transfer is a scheduled transfer.
type Transfer struct {
	ID                   uint64     `json:"id"`
	Recipient            string     `json:"recipient"`
	AmountLamports       uint64     `json:"amount_lamports"`
	MaxFailurePercentage float64    `json:"max_failure_percentage"`
	Status               string     `json:"status"`
	CreatedAt            time.Time  `json:"created_at"`
	SentAt               *time.Time `json:"sent_at,omitempty"`
	Signature            string     `json:"signature,omitempty"`
	LastError            string     `json:"last_error,omitempty"`
	Owner                string     `json:"owner"`
	KeyGeneration        uint64     `json:"key_generation"`
}

// ScheduleParams are the inputs of AddSchedule.
type ScheduleParams struct {
	Recipient            string  `json:"recipient"`
	AmountLamports       uint64  `json:"amount_lamports"`
	MaxFailurePercentage float64 `json:"max_failure_percentage"`
}

// Snapshot is a network telemetry sample. FailurePercentage is nil when
// unknown.
type Snapshot struct {
	TPS               float64   `json:"tps"`
	ChainLabel        string    `json:"chain_label"`
	CongestionLevel   string    `json:"congestion_level"`
	FailurePercentage *float64  `json:"failure_percentage"`
	ObservedAt        time.Time `json:"observed_at"`
	ThroughputStale   bool      `json:"throughput_stale"`
	CongestionStale   bool      `json:"congestion_stale"`
}

type TrendPoint struct {
	TPS               float64   `json:"tps"`
	FailurePercentage *float64  `json:"failure_percentage"`
	ObservedAt        time.Time `json:"observed_at"`
}

// NetworkStatus is the latest snapshot plus the recent trend.
type NetworkStatus struct {
	Available bool         `json:"available"`
	Snapshot  *Snapshot    `json:"snapshot,omitempty"`
	Trend     []TrendPoint `json:"trend"`
}

// Event is one message of the server's event stream.
type Event struct {
	ID         string             `json:"id"`
	Kind       string             `json:"kind"`
	Action     string             `json:"action,omitempty"`
	Owner      string             `json:"owner,omitempty"`
	OccurredAt time.Time          `json:"occurred_at"`
	Transfer   *Transfer          `json:"transfer,omitempty"`
	Record     *TransactionRecord `json:"record,omitempty"`
	Snapshot   *Snapshot          `json:"snapshot,omitempty"`
}
