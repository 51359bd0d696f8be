package postgres

import (
	"context"
	"fmt"
)

// NonceRepo allocates per-sender tip nonces from a counter row. The upsert
// runs as a single statement so concurrent allocations for the same sender
// serialize on the row lock and each caller sees a distinct value.
type NonceRepo struct {
	db *DB
}

func NewNonceRepo(db *DB) *NonceRepo {
	return &NonceRepo{db: db}
}

func (r *NonceRepo) NextNonce(ctx context.Context, address string) (uint64, error) {
	var nonce uint64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO tip_nonces (address, nonce) VALUES ($1, 1)
		ON CONFLICT (address) DO UPDATE SET nonce = tip_nonces.nonce + 1
		RETURNING nonce
	`, address).Scan(&nonce)
	if err != nil {
		return 0, fmt.Errorf("allocate nonce for %s: %w", address, err)
	}
	return nonce, nil
}
