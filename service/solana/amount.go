package solana

import (
	"fmt"
	"math"
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

var lamportsPerSOL = decimal.NewFromInt(int64(solana.LAMPORTS_PER_SOL))

// ParseSOL converts a decimal SOL amount ("0.25") to lamports without
// going through float64. Amounts with more than 9 fractional digits, or
// that are not strictly positive, are rejected.
func ParseSOL(s string) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a decimal number", ErrInvalidAmount, s)
	}
	lamports := d.Mul(lamportsPerSOL)
	if !lamports.Equal(lamports.Truncate(0)) {
		return 0, fmt.Errorf("%w: %q has more precision than one lamport", ErrInvalidAmount, s)
	}
	if !lamports.IsPositive() {
		return 0, fmt.Errorf("%w: amount must be greater than zero", ErrInvalidAmount)
	}
	if lamports.GreaterThan(decimal.NewFromInt(MaxLamports)) {
		return 0, fmt.Errorf("%w: %q is too large", ErrInvalidAmount, s)
	}
	return lamports.BigInt().Uint64(), nil
}

// MaxLamports is the largest amount a history delta can carry.
const MaxLamports = math.MaxInt64

// ValidateLamports rejects zero and amounts above MaxLamports.
func ValidateLamports(lamports uint64) error {
	if lamports == 0 {
		return fmt.Errorf("%w: amount must be greater than zero", ErrInvalidAmount)
	}
	if lamports > MaxLamports {
		return fmt.Errorf("%w: %d lamports exceeds %d", ErrInvalidAmount, lamports, uint64(MaxLamports))
	}
	return nil
}

// FormatSOL renders lamports as a SOL string with trailing zeros trimmed.
func FormatSOL(lamports uint64) string {
	return lamportsDecimal(lamports).Div(lamportsPerSOL).String()
}

// FormatSignedSOL is FormatSOL for history deltas.
func FormatSignedSOL(lamports int64) string {
	return decimal.NewFromInt(lamports).Div(lamportsPerSOL).String()
}

func lamportsDecimal(lamports uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(lamports), 0)
}
