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

type UserRepo struct {
	db *DB
}

func NewUserRepo(db *DB) *UserRepo {
	return &UserRepo{db: db}
}

const userColumns = `
	id, external_id, address, public_key,
	tips_sent, tips_received, amount_sent, amount_received, created_at`

func (r *UserRepo) Create(ctx context.Context, u *model.User) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, external_id, address, public_key, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, u.ID, u.ExternalID, u.Address, u.PublicKey, u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create user %s: %w", u.ExternalID, store.ErrConflict)
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (r *UserRepo) GetByExternalID(ctx context.Context, externalID string) (*model.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE external_id = $1`, externalID)
	return scanUser(row)
}

func (r *UserRepo) GetByAddress(ctx context.Context, address string) (*model.User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE address = $1`, address)
	return scanUser(row)
}

// ApplyTipTotalsTx rides in the caller's transaction alongside the tip
// confirmation so a replayed event can never double-count.
func (r *UserRepo) ApplyTipTotalsTx(ctx context.Context, tx *sql.Tx, senderID, recipientID uuid.UUID, amount string) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE users
		SET tips_sent = tips_sent + 1,
		    amount_sent = amount_sent + $2::numeric
		WHERE id = $1
	`, senderID, amount); err != nil {
		return fmt.Errorf("apply sender totals: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE users
		SET tips_received = tips_received + 1,
		    amount_received = amount_received + $2::numeric
		WHERE id = $1
	`, recipientID, amount); err != nil {
		return fmt.Errorf("apply recipient totals: %w", err)
	}
	return nil
}

func scanUser(row rowScanner) (*model.User, error) {
	var u model.User
	err := row.Scan(
		&u.ID, &u.ExternalID, &u.Address, &u.PublicKey,
		&u.TipsSent, &u.TipsReceived, &u.AmountSent, &u.AmountReceived, &u.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}
