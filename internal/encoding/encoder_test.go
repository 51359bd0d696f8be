package encoding

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	addrA = "0x8ba1f109551bD432803012645Ac136ddd64DBA72"
	addrB = "0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045"
)

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "checksummed", input: addrA},
		{name: "lowercase", input: "0x8ba1f109551bd432803012645ac136ddd64dba72"},
		{name: "uppercase hex", input: "0x8BA1F109551BD432803012645AC136DDD64DBA72"},
		{name: "surrounding whitespace", input: "  " + addrA + "  "},
		{name: "missing prefix", input: "8ba1f109551bd432803012645ac136ddd64dba72"},
		{name: "too short", input: "0x8ba1f109", wantErr: true},
		{name: "not hex", input: "0xZZa1f109551bd432803012645ac136ddd64dba72", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeAddress(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidAddress)
				return
			}
			require.NoError(t, err)
			// Every representation of the same address must normalize identically.
			assert.Equal(t, common.HexToAddress(addrA), got)
		})
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		decimals int
		want     string
		wantErr  error
	}{
		{name: "whole number", input: "5", decimals: 18, want: "5000000000000000000"},
		{name: "decimal", input: "5.0", decimals: 18, want: "5000000000000000000"},
		{name: "fraction", input: "0.25", decimals: 6, want: "250000"},
		{name: "max precision", input: "1.123456", decimals: 6, want: "1123456"},
		{name: "trailing zeros ignored", input: "1.100000000", decimals: 2, want: "110"},
		{name: "zero decimals", input: "42", decimals: 0, want: "42"},
		{name: "negative", input: "-1", decimals: 18, wantErr: ErrAmountNotPositive},
		{name: "zero", input: "0", decimals: 18, wantErr: ErrAmountNotPositive},
		{name: "zero point zero", input: "0.0", decimals: 18, wantErr: ErrAmountNotPositive},
		{name: "too precise", input: "1.1234567", decimals: 6, wantErr: ErrTooManyDecimals},
		{name: "not a number", input: "five", decimals: 18, wantErr: ErrInvalidAmount},
		{name: "nan-ish", input: "NaN", decimals: 18, wantErr: ErrInvalidAmount},
		{name: "exponent rejected", input: "1e18", decimals: 18, wantErr: ErrInvalidAmount},
		{name: "empty", input: "", decimals: 18, wantErr: ErrInvalidAmount},
		{name: "two dots", input: "1.2.3", decimals: 18, wantErr: ErrInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAmount(tt.input, tt.decimals)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestFormatAmount_RoundTrip(t *testing.T) {
	tests := []struct {
		input    string
		decimals int
	}{
		{"5", 18},
		{"0.25", 6},
		{"1.123456", 6},
		{"123456789.000000000000000001", 18},
		{"1", 0},
	}

	for _, tt := range tests {
		base, err := ParseAmount(tt.input, tt.decimals)
		require.NoError(t, err)

		formatted := FormatAmount(base, tt.decimals)
		reparsed, err := ParseAmount(formatted, tt.decimals)
		require.NoError(t, err)
		assert.Equal(t, base.String(), reparsed.String(), "round-trip %q decimals=%d", tt.input, tt.decimals)
	}
}

func TestMessageDigest(t *testing.T) {
	assert.Equal(t, ZeroDigest, MessageDigest(""))
	assert.Equal(t, ZeroDigest, MessageDigest("   "))

	d1 := MessageDigest("bafybeigdyrzt5example")
	d2 := MessageDigest("bafybeigdyrzt5example")
	d3 := MessageDigest("bafybeigdyrzt5other")

	assert.Equal(t, d1, d2)
	assert.NotEqual(t, d1, d3)
	assert.NotEqual(t, ZeroDigest, d1)
}

func TestTipDigest_DeterministicAndFieldSensitive(t *testing.T) {
	sender := common.HexToAddress(addrA)
	recipient := common.HexToAddress(addrB)
	amount := big.NewInt(5_000_000)
	msg := MessageDigest("ref-1")

	base := TipDigest(sender, recipient, amount, msg, 7)

	assert.Equal(t, base, TipDigest(sender, recipient, amount, msg, 7), "determinism")

	variants := map[string]common.Hash{
		"sender differs":    TipDigest(recipient, recipient, amount, msg, 7),
		"recipient differs": TipDigest(sender, sender, amount, msg, 7),
		"amount differs":    TipDigest(sender, recipient, big.NewInt(5_000_001), msg, 7),
		"digest differs":    TipDigest(sender, recipient, amount, MessageDigest("ref-2"), 7),
		"nonce differs":     TipDigest(sender, recipient, amount, msg, 8),
		"zero digest":       TipDigest(sender, recipient, amount, ZeroDigest, 7),
	}
	for name, got := range variants {
		assert.NotEqual(t, base, got, name)
	}
}

type seqNonceSource struct {
	next map[common.Address]uint64
}

func (s *seqNonceSource) NextNonce(_ context.Context, sender common.Address) (uint64, error) {
	if s.next == nil {
		s.next = make(map[common.Address]uint64)
	}
	s.next[sender]++
	return s.next[sender], nil
}

func TestBuilder_Build(t *testing.T) {
	b := NewBuilder(&seqNonceSource{})

	payload, err := b.Build(context.Background(), addrA, addrB, "5.0", 18, "ref-1")
	require.NoError(t, err)

	assert.Equal(t, common.HexToAddress(addrA), payload.Sender)
	assert.Equal(t, common.HexToAddress(addrB), payload.Recipient)
	assert.Equal(t, "5000000000000000000", payload.Amount.String())
	assert.Equal(t, uint64(1), payload.Nonce)
	assert.Equal(t,
		TipDigest(payload.Sender, payload.Recipient, payload.Amount, payload.MessageDigest, payload.Nonce),
		payload.Digest,
	)

	// Nonces increase per sender.
	second, err := b.Build(context.Background(), addrA, addrB, "5.0", 18, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Nonce)
	assert.NotEqual(t, payload.Digest, second.Digest, "nonce must separate otherwise identical tips")
}

func TestBuilder_Build_RejectsBeforeNonceAllocation(t *testing.T) {
	src := &seqNonceSource{}
	b := NewBuilder(src)

	_, err := b.Build(context.Background(), "nonsense", addrB, "5.0", 18, "")
	require.ErrorIs(t, err, ErrInvalidAddress)

	_, err = b.Build(context.Background(), addrA, addrB, "-5", 18, "")
	require.ErrorIs(t, err, ErrAmountNotPositive)

	assert.Empty(t, src.next, "no nonce may be burned by a rejected request")
}
