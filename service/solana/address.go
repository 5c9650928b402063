package solana

import (
	"fmt"
	"regexp"

	"github.com/gagliardetto/solana-go"
)

// base58 alphabet (no 0, O, I, l), 32-44 characters for a 32-byte key.
var addressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

// ValidateAddress parses a recipient address. Every failure wraps
// ErrInvalidAddress.
func ValidateAddress(address string) (solana.PublicKey, error) {
	if address == "" {
		return solana.PublicKey{}, fmt.Errorf("%w: address is required", ErrInvalidAddress)
	}
	if !addressRegex.MatchString(address) {
		return solana.PublicKey{}, fmt.Errorf("%w: %q is not base58 of the right length", ErrInvalidAddress, address)
	}
	pk, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return pk, nil
}
