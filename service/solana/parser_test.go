package solana

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// envelopeFor wraps a signed transfer the way getTransaction returns it with
// base64 encoding.
func envelopeFor(t *testing.T, raw []byte) *rpc.TransactionResultEnvelope {
	t.Helper()
	payload := fmt.Sprintf(`[%q,"base64"]`, base64.StdEncoding.EncodeToString(raw))
	var env rpc.TransactionResultEnvelope
	require.NoError(t, json.Unmarshal([]byte(payload), &env))
	return &env
}

func TestDetailsFromResult_LocatesOwnerByAccountKey(t *testing.T) {
	sender := solana.NewWallet().PrivateKey
	recipient := solana.NewWallet().PublicKey()

	raw, _, err := BuildTransfer(sender, recipient, 2_500, solana.Hash{1})
	require.NoError(t, err)

	blockTime := solana.UnixTimeSeconds(1_700_000_000)
	result := &rpc.GetTransactionResult{
		BlockTime:   &blockTime,
		Transaction: envelopeFor(t, raw),
		Meta: &rpc.TransactionMeta{
			// account keys: [sender, recipient, system program]
			PreBalances:  []uint64{10_000, 100, 1},
			PostBalances: []uint64{2_500, 2_600, 1},
		},
	}

	asRecipient, err := detailsFromResult(recipient, result)
	require.NoError(t, err)
	assert.Equal(t, int64(2_500), asRecipient.DeltaLamports)
	assert.Equal(t, time.Unix(1_700_000_000, 0), asRecipient.Timestamp)
	assert.False(t, asRecipient.Failed)

	asSender, err := detailsFromResult(sender.PublicKey(), result)
	require.NoError(t, err)
	assert.Equal(t, int64(-7_500), asSender.DeltaLamports)
}

func TestDetailsFromResult_FallsBackToFeePayer(t *testing.T) {
	result := &rpc.GetTransactionResult{
		Meta: &rpc.TransactionMeta{
			PreBalances:  []uint64{500},
			PostBalances: []uint64{200},
			Err:          "InsufficientFundsForRent",
		},
	}

	details, err := detailsFromResult(testKey, result)
	require.NoError(t, err)
	assert.Equal(t, int64(-300), details.DeltaLamports)
	assert.True(t, details.Failed)
	assert.True(t, details.Timestamp.IsZero())
}

func TestDetailsFromResult_Errors(t *testing.T) {
	_, err := detailsFromResult(testKey, nil)
	assert.ErrorIs(t, err, errTransactionNotFound)

	_, err = detailsFromResult(testKey, &rpc.GetTransactionResult{})
	assert.Error(t, err)

	_, err = detailsFromResult(testKey, &rpc.GetTransactionResult{Meta: &rpc.TransactionMeta{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestRecordFromDetails(t *testing.T) {
	blockTime := solana.UnixTimeSeconds(1_700_000_100)
	sig := &rpc.TransactionSignature{Signature: testSig1, BlockTime: &blockTime}

	tests := []struct {
		name       string
		details    TransactionDetails
		sigErr     interface{}
		wantType   RecordType
		wantStatus RecordStatus
	}{
		{"incoming", TransactionDetails{DeltaLamports: 10}, nil, TypeReceive, StatusSuccess},
		{"outgoing", TransactionDetails{DeltaLamports: -10}, nil, TypeSend, StatusSuccess},
		{"zero delta counts as send", TransactionDetails{DeltaLamports: 0}, nil, TypeSend, StatusSuccess},
		{"failed in meta", TransactionDetails{DeltaLamports: -5000, Failed: true}, nil, TypeSend, StatusFailed},
		{"failed in signature list", TransactionDetails{DeltaLamports: -5000}, "err", TypeSend, StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := *sig
			s.Err = tt.sigErr
			rec := recordFromDetails(&s, &tt.details)
			assert.Equal(t, tt.wantType, rec.Type)
			assert.Equal(t, tt.wantStatus, rec.Status)
			assert.Equal(t, tt.details.DeltaLamports, rec.AmountDeltaLamports)
			assert.Equal(t, blockTime.Time(), rec.Timestamp, "falls back to the signature block time")
		})
	}
}
