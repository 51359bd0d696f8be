package model

import "time"

// ChainEvent is an append-only fact from the tip settlement contract's log
// stream. The same underlying fact may be delivered more than once after a
// subscription reconnect, so consumers must be idempotent.
type ChainEvent struct {
	SenderAddress    string
	RecipientAddress string
	Amount           string // base units, decimal string
	MessageDigest    string // 0x-prefixed bytes32 hex
	TxHash           string
	BlockNumber      int64
	LogIndex         uint
	BlockTime        *time.Time
}
