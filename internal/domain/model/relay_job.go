package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobKind tags the payload type of a relay job so the queue can route jobs
// after deserialization without guessing at the payload shape.
type JobKind string

const (
	JobKindTipRelay          JobKind = "tip_relay"
	JobKindConfirmationWatch JobKind = "confirmation_watch"
)

type JobStatus string

const (
	JobStatusQueued JobStatus = "queued"
	JobStatusLeased JobStatus = "leased"
	JobStatusDone   JobStatus = "done"
)

// RelayJob is a queued unit of work. Delivery is at-least-once: a consumer
// that crashes between lease and ack leaves the job to be re-leased after
// the lease expires, so every handler must be safe to re-run.
type RelayJob struct {
	ID             uuid.UUID       `db:"id"`
	Kind           JobKind         `db:"kind"`
	Payload        json.RawMessage `db:"payload"`
	Priority       int             `db:"priority"`
	Attempt        int             `db:"attempt"`
	MaxAttempts    int             `db:"max_attempts"`
	RunAt          time.Time       `db:"run_at"`
	Status         JobStatus       `db:"status"`
	LeasedBy       *string         `db:"leased_by"`
	LeaseExpiresAt *time.Time      `db:"lease_expires_at"`
	LastError      *string         `db:"last_error"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

// TipRelayPayload is the versioned payload for JobKindTipRelay.
type TipRelayPayload struct {
	Version int       `json:"version"`
	TipID   uuid.UUID `json:"tip_id"`
}

// ConfirmationWatchPayload is the versioned payload for JobKindConfirmationWatch.
type ConfirmationWatchPayload struct {
	Version int       `json:"version"`
	TipID   uuid.UUID `json:"tip_id"`
	TxHash  string    `json:"tx_hash"`
}

const PayloadVersion = 1
