package encoding

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// NonceSource allocates per-sender nonces. Implementations must return
// strictly increasing values per sender; a single allocation authority
// (the tip_nonces table) backs the production implementation so concurrent
// requests from the same sender cannot collide.
type NonceSource interface {
	NextNonce(ctx context.Context, sender common.Address) (uint64, error)
}

// WalletPayload carries everything a sender's wallet needs to sign a tip.
// The server never signs on the sender's behalf.
type WalletPayload struct {
	Sender        common.Address `json:"sender"`
	Recipient     common.Address `json:"recipient"`
	Amount        *big.Int       `json:"amount"` // base units
	MessageDigest common.Hash    `json:"message_digest"`
	Nonce         uint64         `json:"nonce"`
	Digest        common.Hash    `json:"digest"`
}

// Builder assembles wallet payloads from raw request fields.
type Builder struct {
	nonces NonceSource
}

func NewBuilder(nonces NonceSource) *Builder {
	return &Builder{nonces: nonces}
}

// Build validates and canonicalizes every field, allocates the sender's next
// nonce, and assembles the digest. All validation happens before the nonce is
// allocated so a rejected request burns nothing.
func (b *Builder) Build(ctx context.Context, senderAddr, recipientAddr, amount string, decimals int, contentRef string) (*WalletPayload, error) {
	sender, err := NormalizeAddress(senderAddr)
	if err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}
	recipient, err := NormalizeAddress(recipientAddr)
	if err != nil {
		return nil, fmt.Errorf("recipient: %w", err)
	}
	value, err := ParseAmount(amount, decimals)
	if err != nil {
		return nil, err
	}
	digest := MessageDigest(contentRef)

	nonce, err := b.nonces.NextNonce(ctx, sender)
	if err != nil {
		return nil, fmt.Errorf("allocate nonce: %w", err)
	}

	return &WalletPayload{
		Sender:        sender,
		Recipient:     recipient,
		Amount:        value,
		MessageDigest: digest,
		Nonce:         nonce,
		Digest:        TipDigest(sender, recipient, value, digest, nonce),
	}, nil
}
