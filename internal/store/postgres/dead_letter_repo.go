package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lucylow/verytippers/internal/domain/model"
	"github.com/lucylow/verytippers/internal/store"
)

type DeadLetterRepo struct {
	db *DB
}

func NewDeadLetterRepo(db *DB) *DeadLetterRepo {
	return &DeadLetterRepo{db: db}
}

const deadLetterColumns = `
	id, job_id, kind, payload, attempts, last_error, created_at, replayed_at`

func (r *DeadLetterRepo) List(ctx context.Context, limit, offset int) ([]model.DeadLetter, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+deadLetterColumns+`
		FROM dead_letters
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []model.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		letters = append(letters, *dl)
	}
	return letters, rows.Err()
}

func (r *DeadLetterRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.DeadLetter, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = $1`, id)
	return scanDeadLetter(row)
}

// MarkReplayedTx guards against double replay: a letter already stamped is
// reported as ErrConflict so the caller aborts the re-enqueue transaction.
func (r *DeadLetterRepo) MarkReplayedTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE dead_letters SET replayed_at = now()
		WHERE id = $1 AND replayed_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("mark replayed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark replayed rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("dead letter %s already replayed: %w", id, store.ErrConflict)
	}
	return nil
}

func scanDeadLetter(row rowScanner) (*model.DeadLetter, error) {
	var dl model.DeadLetter
	err := row.Scan(
		&dl.ID, &dl.JobID, &dl.Kind, &dl.Payload, &dl.Attempts,
		&dl.LastError, &dl.CreatedAt, &dl.ReplayedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan dead letter: %w", err)
	}
	return &dl, nil
}
