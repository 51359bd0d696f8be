package tips

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/lucylow/verytippers/internal/store"
)

// RepoNonceSource adapts the nonce counter table to the payload builder.
type RepoNonceSource struct {
	repo store.NonceRepository
}

func NewRepoNonceSource(repo store.NonceRepository) *RepoNonceSource {
	return &RepoNonceSource{repo: repo}
}

func (s *RepoNonceSource) NextNonce(ctx context.Context, sender common.Address) (uint64, error) {
	return s.repo.NextNonce(ctx, sender.Hex())
}
