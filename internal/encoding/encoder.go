// Package encoding builds the canonical tip digest and the meta-transaction
// payload a sender signs. The packed field order and types mirror the
// settlement contract's verifier; changing either requires a coordinated
// on-chain upgrade.
package encoding

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidAddress    = errors.New("invalid address")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrAmountNotPositive = errors.New("amount must be positive")
	ErrTooManyDecimals   = errors.New("amount precision exceeds token decimals")
)

// ZeroDigest is the sentinel used when a tip carries no message.
var ZeroDigest = common.Hash{}

// NormalizeAddress validates s and returns its canonical EIP-55 form. The
// same logical address always normalizes to the same string, so digests over
// normalized addresses are stable across callers.
func NormalizeAddress(s string) (common.Address, error) {
	trimmed := strings.TrimSpace(s)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return common.HexToAddress(trimmed), nil
}

// ParseAmount converts a human-entered decimal string into base units for a
// token with the given number of decimals. It rejects empty, malformed,
// non-positive, and over-precise inputs before any hashing can occur.
func ParseAmount(s string, decimals int) (*big.Int, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	if decimals < 0 || decimals > 77 {
		return nil, fmt.Errorf("%w: unsupported decimals %d", ErrInvalidAmount, decimals)
	}
	if strings.HasPrefix(trimmed, "-") {
		return nil, fmt.Errorf("%w: %q", ErrAmountNotPositive, s)
	}
	if strings.HasPrefix(trimmed, "+") {
		trimmed = trimmed[1:]
	}

	whole, frac, hasFrac := strings.Cut(trimmed, ".")
	if whole == "" && frac == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if whole == "" {
		whole = "0"
	}
	if !isDigits(whole) || (hasFrac && frac != "" && !isDigits(frac)) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	frac = strings.TrimRight(frac, "0")
	if len(frac) > decimals {
		return nil, fmt.Errorf("%w: %q has %d fractional digits, token allows %d", ErrTooManyDecimals, s, len(frac), decimals)
	}

	scaled := whole + frac + strings.Repeat("0", decimals-len(frac))
	value, ok := new(big.Int).SetString(scaled, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if value.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrAmountNotPositive, s)
	}
	return value, nil
}

// FormatAmount renders base units back into a decimal string. It is the
// inverse of ParseAmount for any amount within the token's precision.
func FormatAmount(v *big.Int, decimals int) string {
	if v == nil {
		return "0"
	}
	s := v.String()
	if decimals == 0 {
		return s
	}

	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	if len(s) <= decimals {
		s = strings.Repeat("0", decimals-len(s)+1) + s
	}
	whole := s[:len(s)-decimals]
	frac := strings.TrimRight(s[len(s)-decimals:], "0")

	out := whole
	if frac != "" {
		out = whole + "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}

// MessageDigest converts a content-addressed message pointer into its fixed
// bytes32 form. Empty refs map to the zero sentinel.
func MessageDigest(contentRef string) common.Hash {
	trimmed := strings.TrimSpace(contentRef)
	if trimmed == "" {
		return ZeroDigest
	}
	return crypto.Keccak256Hash([]byte(trimmed))
}

// TipDigest computes the digest the sender signs:
// keccak256(sender ‖ recipient ‖ uint256(amount) ‖ bytes32(messageDigest) ‖ uint256(nonce)).
func TipDigest(sender, recipient common.Address, amount *big.Int, messageDigest common.Hash, nonce uint64) common.Hash {
	return crypto.Keccak256Hash(
		sender.Bytes(),
		recipient.Bytes(),
		common.LeftPadBytes(amount.Bytes(), 32),
		messageDigest.Bytes(),
		common.LeftPadBytes(new(big.Int).SetUint64(nonce).Bytes(), 32),
	)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return true
}
