package solana

import (
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

var errTransactionNotFound = errors.New("transaction not found")

// detailsFromResult computes owner's balance delta from a getTransaction
// result. The owner is located among the message account keys; when the
// transaction cannot be decoded, index 0 (the fee payer) is used.
func detailsFromResult(owner solana.PublicKey, result *rpc.GetTransactionResult) (*TransactionDetails, error) {
	if result == nil {
		return nil, errTransactionNotFound
	}
	if result.Meta == nil {
		return nil, fmt.Errorf("transaction has no status metadata")
	}

	idx := ownerIndex(owner, result)
	pre, post := result.Meta.PreBalances, result.Meta.PostBalances
	if idx >= len(pre) || idx >= len(post) {
		return nil, fmt.Errorf("balance index %d out of range (pre=%d post=%d)", idx, len(pre), len(post))
	}

	details := &TransactionDetails{
		DeltaLamports: int64(post[idx]) - int64(pre[idx]),
		Failed:        result.Meta.Err != nil,
	}
	if result.BlockTime != nil {
		details.Timestamp = result.BlockTime.Time()
	}
	return details, nil
}

func ownerIndex(owner solana.PublicKey, result *rpc.GetTransactionResult) int {
	if result.Transaction == nil {
		return 0
	}
	tx, err := result.Transaction.GetTransaction()
	if err != nil || tx == nil {
		return 0
	}
	for i, key := range tx.Message.AccountKeys {
		if key.Equals(owner) {
			return i
		}
	}
	return 0
}

// recordFromDetails classifies a history entry: positive deltas are
// receives, everything else is a send.
func recordFromDetails(sig *rpc.TransactionSignature, details *TransactionDetails) TransactionRecord {
	rec := TransactionRecord{
		Signature:           sig.Signature.String(),
		Timestamp:           details.Timestamp,
		Status:              StatusSuccess,
		AmountDeltaLamports: details.DeltaLamports,
		Type:                TypeSend,
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = signatureTime(sig)
	}
	if details.Failed || sig.Err != nil {
		rec.Status = StatusFailed
	}
	if details.DeltaLamports > 0 {
		rec.Type = TypeReceive
	}
	return rec
}

func unknownRecord(sig *rpc.TransactionSignature) TransactionRecord {
	return TransactionRecord{
		Signature: sig.Signature.String(),
		Timestamp: signatureTime(sig),
		Status:    StatusUnknown,
		Type:      TypeUnknown,
	}
}

func signatureTime(sig *rpc.TransactionSignature) time.Time {
	if sig.BlockTime == nil {
		return time.Time{}
	}
	return sig.BlockTime.Time()
}
