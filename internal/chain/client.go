package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/lucylow/verytippers/internal/domain/model"
)

// Submission is a fully validated, sender-signed tip ready for the sponsored
// settlement transaction.
type Submission struct {
	Sender        common.Address
	Recipient     common.Address
	Amount        *big.Int
	MessageDigest common.Hash
	Nonce         uint64
	Signature     []byte
}

// Client talks to the settlement contract. All blocking calls honor ctx.
type Client interface {
	// SubmitTip submits the sponsored settlement transaction and returns its
	// hash. The hash is known before mining; callers persist it immediately.
	SubmitTip(ctx context.Context, sub Submission) (string, error)
	// WaitMined blocks until the transaction has its first confirmation,
	// returning the containing block number.
	WaitMined(ctx context.Context, txHash string) (int64, error)
	// Confirmations reports how many blocks deep the transaction is, zero if
	// it is not yet mined.
	Confirmations(ctx context.Context, txHash string) (int, error)
	// TipEvents streams decoded settlement events starting at fromBlock. Both
	// channels close when ctx is done; the error channel carries subscription
	// failures after reconnect attempts are exhausted.
	TipEvents(ctx context.Context, fromBlock uint64) (<-chan model.ChainEvent, <-chan error)
	HeadNumber(ctx context.Context) (uint64, error)
	Close()
}
