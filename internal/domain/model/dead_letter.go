package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DeadLetter records a relay job that exhausted its retry budget. It keeps
// the original payload so an operator can replay the job after fixing the
// underlying cause.
type DeadLetter struct {
	ID         uuid.UUID       `db:"id"`
	JobID      uuid.UUID       `db:"job_id"`
	Kind       JobKind         `db:"kind"`
	Payload    json.RawMessage `db:"payload"`
	Attempts   int             `db:"attempts"`
	LastError  string          `db:"last_error"`
	CreatedAt  time.Time       `db:"created_at"`
	ReplayedAt *time.Time      `db:"replayed_at"`
}
