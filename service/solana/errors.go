package solana

import "errors"

var (
	// ErrNetworkUnavailable means every configured endpoint failed the call.
	ErrNetworkUnavailable = errors.New("ledger network unavailable")

	// ErrSubmissionRejected means the ledger answered but refused the
	// transaction, either at preflight or on-chain.
	ErrSubmissionRejected = errors.New("transaction rejected by ledger")

	// ErrConfirmationTimeout means finality was not observed in time. The
	// transaction may still land.
	ErrConfirmationTimeout = errors.New("transaction confirmation timed out")

	// ErrInvalidAddress is returned for recipient strings that are not a
	// base58 encoded 32-byte public key.
	ErrInvalidAddress = errors.New("invalid ledger address")

	ErrInvalidAmount      = errors.New("invalid amount")
	ErrAirdropUnsupported = errors.New("airdrop is only available on devnet and testnet")
)
