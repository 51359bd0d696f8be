package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lucylow/verytippers/internal/domain/model"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a create hits a unique constraint. Callers
// treat it as "re-read and continue", never as a hard failure.
var ErrConflict = errors.New("conflict")

// TxBeginner abstracts the ability to begin a database transaction.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// TipRepository provides access to tip records. Status writes are
// condition-checked so replayed calls cannot move a tip backward.
type TipRepository interface {
	Create(ctx context.Context, tip *model.Tip) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Tip, error)
	GetByTxHash(ctx context.Context, txHash string) (*model.Tip, error)
	// FindProcessingByTuple locates the oldest PROCESSING tip matching the
	// (sender, recipient, digest) tuple. Pre-submission fallback only; once a
	// tx hash is known GetByTxHash is the canonical lookup.
	FindProcessingByTuple(ctx context.Context, senderID, recipientID uuid.UUID, messageDigest string) (*model.Tip, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]model.Tip, error)

	// SetMessageRef records the published content ref and digest. No-op if
	// already set.
	SetMessageRef(ctx context.Context, id uuid.UUID, ref, digest string) error
	// MarkProcessing assigns the tx hash and advances PENDING→PROCESSING.
	// The hash column is written only when currently NULL; returns the
	// stored hash so a crashed-and-retried worker can detect a prior
	// submission.
	MarkProcessing(ctx context.Context, id uuid.UUID, txHash string) (storedHash string, err error)
	// MarkFailed advances a non-terminal tip to FAILED with a reason.
	// Idempotent: returns false when the tip was already terminal.
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) (bool, error)
	// ConfirmTx advances status to CONFIRMED, stamping block and time, only
	// when not already CONFIRMED. Returns false on replay so the caller can
	// skip the counter updates that ride in the same transaction.
	ConfirmTx(ctx context.Context, tx *sql.Tx, id uuid.UUID, txHash string, blockNumber int64, confirmedAt time.Time) (bool, error)
	// SetConfirmations raises the confirmation count, never lowering it.
	SetConfirmations(ctx context.Context, id uuid.UUID, confirmations int) error
	// Reset is the operator-issued escape hatch that moves a FAILED tip back
	// to PENDING. The only sanctioned backward transition.
	Reset(ctx context.Context, id uuid.UUID) (bool, error)
}

// UserRepository provides access to user records and their tip totals.
type UserRepository interface {
	Create(ctx context.Context, u *model.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.User, error)
	GetByExternalID(ctx context.Context, externalID string) (*model.User, error)
	GetByAddress(ctx context.Context, address string) (*model.User, error)
	// ApplyTipTotalsTx atomically increments sender/recipient aggregates.
	// Runs inside the same transaction as TipRepository.ConfirmTx so a
	// replayed event can never double-count.
	ApplyTipTotalsTx(ctx context.Context, tx *sql.Tx, senderID, recipientID uuid.UUID, amount string) error
}

// NonceRepository allocates strictly increasing per-sender nonces. It is the
// single allocation authority; wall-clock nonces are forbidden.
type NonceRepository interface {
	NextNonce(ctx context.Context, address string) (uint64, error)
}

// LeaseRequest describes a queue claim attempt.
type LeaseRequest struct {
	Kinds    []model.JobKind
	LeasedBy string
	LeaseTTL time.Duration
}

// JobRepository backs the relay queue. Leasing uses row locks with skip-lock
// semantics so concurrent consumers never claim the same job, and an expired
// lease makes the job claimable again (at-least-once delivery).
type JobRepository interface {
	Enqueue(ctx context.Context, job *model.RelayJob) error
	EnqueueTx(ctx context.Context, tx *sql.Tx, job *model.RelayJob) error
	// Lease claims the next runnable job, incrementing its attempt counter.
	// Returns ErrNotFound when nothing is runnable.
	Lease(ctx context.Context, req LeaseRequest) (*model.RelayJob, error)
	// Ack marks a leased job done.
	Ack(ctx context.Context, id uuid.UUID) error
	// Reschedule returns a failed job to the queue with a run_at delay.
	Reschedule(ctx context.Context, id uuid.UUID, runAt time.Time, lastError string) error
	// DeadLetter moves an exhausted job to the dead-letter table and marks it
	// done, in one transaction. Exactly one dead letter per exhausted job.
	DeadLetter(ctx context.Context, id uuid.UUID, lastError string) error
	// Cancel removes a job that has not started executing. Returns false if
	// the job was already leased or done.
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
	CountQueued(ctx context.Context, kind model.JobKind) (int64, error)
}

// DeadLetterRepository provides the operator surface over exhausted jobs.
type DeadLetterRepository interface {
	List(ctx context.Context, limit, offset int) ([]model.DeadLetter, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.DeadLetter, error)
	// MarkReplayedTx stamps replayed_at; the re-enqueue rides in the same
	// transaction via JobRepository.EnqueueTx.
	MarkReplayedTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) error
}
