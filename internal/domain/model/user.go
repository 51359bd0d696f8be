package model

import (
	"time"

	"github.com/google/uuid"
)

// User is a platform account provisioned lazily from the identity service.
type User struct {
	ID             uuid.UUID `db:"id"`
	ExternalID     string    `db:"external_id"`
	Address        string    `db:"address"` // EIP-55 checksummed
	PublicKey      string    `db:"public_key"`
	TipsSent       int64     `db:"tips_sent"`
	TipsReceived   int64     `db:"tips_received"`
	AmountSent     string    `db:"amount_sent"`     // NUMERIC(78,0) as string
	AmountReceived string    `db:"amount_received"` // NUMERIC(78,0) as string
	CreatedAt      time.Time `db:"created_at"`
}
