package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lucylow/verytippers/internal/domain/model"
	"github.com/lucylow/verytippers/internal/store"
)

type TipRepo struct {
	db *DB
}

func NewTipRepo(db *DB) *TipRepo {
	return &TipRepo{db: db}
}

const tipColumns = `
	id, sender_id, recipient_id, amount, token_symbol, token_decimals,
	message, message_ref, message_digest, nonce, signature, tx_hash, block_number,
	confirmations, status, fail_reason, created_at, confirmed_at`

func (r *TipRepo) Create(ctx context.Context, tip *model.Tip) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tips (
			id, sender_id, recipient_id, amount, token_symbol, token_decimals,
			message, message_ref, message_digest, nonce, signature, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, tip.ID, tip.SenderID, tip.RecipientID, tip.Amount, tip.TokenSymbol, tip.TokenDecimals,
		tip.Message, tip.MessageRef, tip.MessageDigest, tip.Nonce, tip.Signature, tip.Status, tip.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create tip %s: %w", tip.ID, store.ErrConflict)
		}
		return fmt.Errorf("create tip: %w", err)
	}
	return nil
}

func (r *TipRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Tip, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+tipColumns+` FROM tips WHERE id = $1`, id)
	return scanTip(row)
}

func (r *TipRepo) GetByTxHash(ctx context.Context, txHash string) (*model.Tip, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+tipColumns+` FROM tips WHERE tx_hash = $1`, txHash)
	return scanTip(row)
}

func (r *TipRepo) FindProcessingByTuple(ctx context.Context, senderID, recipientID uuid.UUID, messageDigest string) (*model.Tip, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+tipColumns+`
		FROM tips
		WHERE sender_id = $1 AND recipient_id = $2 AND message_digest = $3 AND status = $4
		ORDER BY created_at
		LIMIT 1
	`, senderID, recipientID, messageDigest, model.TipStatusProcessing)
	return scanTip(row)
}

func (r *TipRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]model.Tip, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+tipColumns+`
		FROM tips
		WHERE sender_id = $1 OR recipient_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list tips: %w", err)
	}
	defer rows.Close()

	var tips []model.Tip
	for rows.Next() {
		tip, err := scanTip(rows)
		if err != nil {
			return nil, err
		}
		tips = append(tips, *tip)
	}
	return tips, rows.Err()
}

func (r *TipRepo) SetMessageRef(ctx context.Context, id uuid.UUID, ref, digest string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE tips SET message_ref = $2, message_digest = $3
		WHERE id = $1 AND message_ref IS NULL
	`, id, ref, digest)
	if err != nil {
		return fmt.Errorf("set message ref: %w", err)
	}
	return nil
}

// MarkProcessing assigns the transaction hash (only while unset) and advances
// PENDING → PROCESSING. Both writes are condition-checked so a redelivered
// job observes the original hash instead of overwriting it.
func (r *TipRepo) MarkProcessing(ctx context.Context, id uuid.UUID, txHash string) (string, error) {
	_, err := r.db.ExecContext(ctx, `
		UPDATE tips
		SET tx_hash = COALESCE(tx_hash, $2),
		    status = CASE WHEN status = $3 THEN $4 ELSE status END
		WHERE id = $1
	`, id, txHash, model.TipStatusPending, model.TipStatusProcessing)
	if err != nil {
		return "", fmt.Errorf("mark processing: %w", err)
	}

	var stored sql.NullString
	if err := r.db.QueryRowContext(ctx,
		`SELECT tx_hash FROM tips WHERE id = $1`, id,
	).Scan(&stored); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("mark processing %s: %w", id, store.ErrNotFound)
		}
		return "", fmt.Errorf("read stored tx hash: %w", err)
	}
	return stored.String, nil
}

func (r *TipRepo) MarkFailed(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tips SET status = $2, fail_reason = $3
		WHERE id = $1 AND status NOT IN ($4, $2)
	`, id, model.TipStatusFailed, reason, model.TipStatusConfirmed)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark failed rows: %w", err)
	}
	return n == 1, nil
}

// ConfirmTx advances status to CONFIRMED only when not already CONFIRMED.
// Rows-affected tells the caller whether this delivery was the first; replays
// return false and the caller skips its counter updates.
func (r *TipRepo) ConfirmTx(ctx context.Context, tx *sql.Tx, id uuid.UUID, txHash string, blockNumber int64, confirmedAt time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE tips
		SET status = $2,
		    tx_hash = COALESCE(tx_hash, $3),
		    block_number = $4,
		    confirmed_at = $5,
		    fail_reason = NULL
		WHERE id = $1 AND status <> $2
	`, id, model.TipStatusConfirmed, txHash, blockNumber, confirmedAt)
	if err != nil {
		return false, fmt.Errorf("confirm tip: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("confirm tip rows: %w", err)
	}
	return n == 1, nil
}

func (r *TipRepo) SetConfirmations(ctx context.Context, id uuid.UUID, confirmations int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE tips SET confirmations = GREATEST(confirmations, $2) WHERE id = $1
	`, id, confirmations)
	if err != nil {
		return fmt.Errorf("set confirmations: %w", err)
	}
	return nil
}

func (r *TipRepo) Reset(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tips SET status = $2, fail_reason = NULL
		WHERE id = $1 AND status = $3
	`, id, model.TipStatusPending, model.TipStatusFailed)
	if err != nil {
		return false, fmt.Errorf("reset tip: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reset tip rows: %w", err)
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTip(row rowScanner) (*model.Tip, error) {
	var t model.Tip
	err := row.Scan(
		&t.ID, &t.SenderID, &t.RecipientID, &t.Amount, &t.TokenSymbol, &t.TokenDecimals,
		&t.Message, &t.MessageRef, &t.MessageDigest, &t.Nonce, &t.Signature, &t.TxHash, &t.BlockNumber,
		&t.Confirmations, &t.Status, &t.FailReason, &t.CreatedAt, &t.ConfirmedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan tip: %w", err)
	}
	return &t, nil
}
