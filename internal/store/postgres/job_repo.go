package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/lucylow/verytippers/internal/domain/model"
	"github.com/lucylow/verytippers/internal/store"
)

type JobRepo struct {
	db *DB
}

func NewJobRepo(db *DB) *JobRepo {
	return &JobRepo{db: db}
}

const jobColumns = `
	id, kind, payload, priority, attempt, max_attempts, run_at,
	status, leased_by, lease_expires_at, last_error, created_at, updated_at`

const enqueueSQL = `
	INSERT INTO relay_jobs (id, kind, payload, priority, max_attempts, run_at, status)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

func (r *JobRepo) Enqueue(ctx context.Context, job *model.RelayJob) error {
	if err := prepareJob(job); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, enqueueSQL,
		job.ID, job.Kind, job.Payload, job.Priority, job.MaxAttempts, job.RunAt, job.Status)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (r *JobRepo) EnqueueTx(ctx context.Context, tx *sql.Tx, job *model.RelayJob) error {
	if err := prepareJob(job); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, enqueueSQL,
		job.ID, job.Kind, job.Payload, job.Priority, job.MaxAttempts, job.RunAt, job.Status)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func prepareJob(job *model.RelayJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if len(job.Payload) == 0 {
		return errors.New("enqueue job: empty payload")
	}
	if job.MaxAttempts <= 0 {
		return errors.New("enqueue job: max_attempts must be positive")
	}
	if job.RunAt.IsZero() {
		job.RunAt = time.Now()
	}
	job.Status = model.JobStatusQueued
	return nil
}

// Lease claims the next runnable job using SKIP LOCKED so concurrent
// consumers never pick the same row. A leased job whose lease expired is
// runnable again, which gives at-least-once delivery after a consumer crash.
// The attempt counter is incremented at lease time, not at failure time, so
// a crash mid-handler still consumes an attempt.
func (r *JobRepo) Lease(ctx context.Context, req store.LeaseRequest) (*model.RelayJob, error) {
	kinds := make([]string, len(req.Kinds))
	for i, k := range req.Kinds {
		kinds[i] = string(k)
	}

	row := r.db.QueryRowContext(ctx, `
		UPDATE relay_jobs
		SET status = 'leased',
		    leased_by = $1,
		    lease_expires_at = now() + $2 * interval '1 second',
		    attempt = attempt + 1,
		    updated_at = now()
		WHERE id = (
			SELECT id FROM relay_jobs
			WHERE (status = 'queued' OR (status = 'leased' AND lease_expires_at < now()))
			  AND run_at <= now()
			  AND kind = ANY($3)
			ORDER BY priority DESC, run_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns,
		req.LeasedBy, req.LeaseTTL.Seconds(), pq.Array(kinds))

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("lease job: %w", err)
	}
	return job, nil
}

func (r *JobRepo) Ack(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE relay_jobs
		SET status = 'done', leased_by = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return nil
}

func (r *JobRepo) Reschedule(ctx context.Context, id uuid.UUID, runAt time.Time, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE relay_jobs
		SET status = 'queued',
		    leased_by = NULL,
		    lease_expires_at = NULL,
		    run_at = $2,
		    last_error = $3,
		    updated_at = now()
		WHERE id = $1
	`, id, runAt, lastError)
	if err != nil {
		return fmt.Errorf("reschedule job: %w", err)
	}
	return nil
}

// DeadLetter copies the exhausted job into dead_letters and marks it done in
// the same transaction. The job row condition (status <> 'done') makes the
// copy happen at most once even if two deliveries race.
func (r *JobRepo) DeadLetter(ctx context.Context, id uuid.UUID, lastError string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin dead letter tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE relay_jobs
		SET status = 'done', leased_by = NULL, lease_expires_at = NULL,
		    last_error = $2, updated_at = now()
		WHERE id = $1 AND status <> 'done'
	`, id, lastError)
	if err != nil {
		return fmt.Errorf("finalize exhausted job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize exhausted job rows: %w", err)
	}
	if n == 0 {
		// Already finalized by another delivery; no second dead letter.
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letters (id, job_id, kind, payload, attempts, last_error)
		SELECT $2, id, kind, payload, attempt, $3
		FROM relay_jobs WHERE id = $1
	`, id, uuid.New(), lastError); err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit dead letter tx: %w", err)
	}
	return nil
}

func (r *JobRepo) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM relay_jobs WHERE id = $1 AND status = 'queued'
	`, id)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel job rows: %w", err)
	}
	return n == 1, nil
}

func (r *JobRepo) CountQueued(ctx context.Context, kind model.JobKind) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `
		SELECT count(*) FROM relay_jobs WHERE kind = $1 AND status = 'queued'
	`, kind).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queued: %w", err)
	}
	return n, nil
}

func scanJob(row rowScanner) (*model.RelayJob, error) {
	var j model.RelayJob
	err := row.Scan(
		&j.ID, &j.Kind, &j.Payload, &j.Priority, &j.Attempt, &j.MaxAttempts, &j.RunAt,
		&j.Status, &j.LeasedBy, &j.LeaseExpiresAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return &j, nil
}
