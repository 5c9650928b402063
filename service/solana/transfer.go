package solana

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

// BuildTransfer builds a native transfer of lamports from the owner of
// from to to, signs it, and returns the wire bytes plus the transaction
// signature (the id the ledger will know it by).
func BuildTransfer(from solana.PrivateKey, to solana.PublicKey, lamports uint64, blockhash solana.Hash) ([]byte, solana.Signature, error) {
	if lamports == 0 {
		return nil, solana.Signature{}, fmt.Errorf("%w: transfer amount must be greater than zero", ErrInvalidAmount)
	}

	payer := from.PublicKey()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(lamports, payer, to).Build(),
		},
		blockhash,
		solana.TransactionPayer(payer),
	)
	if err != nil {
		return nil, solana.Signature{}, fmt.Errorf("failed to build transfer: %w", err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payer) {
			return &from
		}
		return nil
	}); err != nil {
		return nil, solana.Signature{}, fmt.Errorf("failed to sign transfer: %w", err)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, solana.Signature{}, fmt.Errorf("failed to encode transfer: %w", err)
	}
	return raw, tx.Signatures[0], nil
}
