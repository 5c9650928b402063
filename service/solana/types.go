package solana

import (
	"fmt"
	"time"
)

// Network selects a ledger cluster.
type Network string

const (
	Devnet  Network = "devnet"
	Testnet Network = "testnet"
	Mainnet Network = "mainnet"
)

// ParseNetwork validates a network name.
func ParseNetwork(s string) (Network, error) {
	switch n := Network(s); n {
	case Devnet, Testnet, Mainnet:
		return n, nil
	default:
		return "", fmt.Errorf("invalid network %q: must be devnet, testnet or mainnet", s)
	}
}

// SupportsAirdrop reports whether the cluster runs a faucet.
func (n Network) SupportsAirdrop() bool {
	return n == Devnet || n == Testnet
}

// RecordStatus is the outcome of a transaction as shown in history.
type RecordStatus string

const (
	StatusSuccess RecordStatus = "Success"
	StatusFailed  RecordStatus = "Failed"
	StatusUnknown RecordStatus = "Unknown"
)

// RecordType classifies a history entry.
type RecordType string

const (
	TypeSend          RecordType = "Send"
	TypeReceive       RecordType = "Receive"
	TypeSendScheduled RecordType = "SendScheduled"
	TypeAirdrop       RecordType = "Airdrop"
	TypeUnknown       RecordType = "Unknown"
)

// TransactionRecord is one row of the wallet's transaction history.
// AmountDeltaLamports is signed: negative for outgoing value.
type TransactionRecord struct {
	Signature           string       `json:"signature"`
	Timestamp           time.Time    `json:"timestamp"`
	Status              RecordStatus `json:"status"`
	AmountDeltaLamports int64        `json:"amount_delta_lamports"`
	Type                RecordType   `json:"type"`
}

// TransactionDetails is what a single getTransaction call tells us about
// one signature from the perspective of an owner account.
type TransactionDetails struct {
	DeltaLamports int64
	Timestamp     time.Time
	Failed        bool
}
