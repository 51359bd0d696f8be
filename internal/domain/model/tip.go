package model

import (
	"time"

	"github.com/google/uuid"
)

// TipStatus values are part of the external contract and must not change.
type TipStatus string

const (
	TipStatusPending    TipStatus = "PENDING"
	TipStatusProcessing TipStatus = "PROCESSING"
	TipStatusConfirmed  TipStatus = "CONFIRMED"
	TipStatusFailed     TipStatus = "FAILED"
)

// statusRank orders statuses for monotonicity checks. Terminal states share
// the highest rank; a tip never moves between CONFIRMED and FAILED.
var statusRank = map[TipStatus]int{
	TipStatusPending:    0,
	TipStatusProcessing: 1,
	TipStatusConfirmed:  2,
	TipStatusFailed:     2,
}

// IsTerminal reports whether the status admits no further transitions.
func (s TipStatus) IsTerminal() bool {
	return s == TipStatusConfirmed || s == TipStatusFailed
}

// CanAdvanceTo reports whether a transition from s to next preserves the
// monotonic order PENDING < PROCESSING < {CONFIRMED, FAILED}.
func (s TipStatus) CanAdvanceTo(next TipStatus) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	if s.IsTerminal() {
		return false
	}
	return to > from || (s == TipStatusPending && next == TipStatusFailed)
}

// Tip is the unit of work tracked through the relay pipeline.
type Tip struct {
	ID            uuid.UUID  `db:"id"`
	SenderID      uuid.UUID  `db:"sender_id"`
	RecipientID   uuid.UUID  `db:"recipient_id"`
	Amount        string     `db:"amount"` // NUMERIC(78,0) base units as string
	TokenSymbol   string     `db:"token_symbol"`
	TokenDecimals int        `db:"token_decimals"`
	Message       *string    `db:"message"`
	MessageRef    *string    `db:"message_ref"`    // content-addressed pointer, nil when no message
	MessageDigest string     `db:"message_digest"` // 0x-prefixed bytes32 hex, zero sentinel when absent
	Nonce         int64      `db:"nonce"`
	Signature     string     `db:"signature"` // sender's 65-byte signature over the tip digest, hex
	TxHash        *string    `db:"tx_hash"` // immutable once set
	BlockNumber   *int64     `db:"block_number"`
	Confirmations int        `db:"confirmations"`
	Status        TipStatus  `db:"status"`
	FailReason    *string    `db:"fail_reason"`
	CreatedAt     time.Time  `db:"created_at"`
	ConfirmedAt   *time.Time `db:"confirmed_at"`
}
