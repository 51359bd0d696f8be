package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/lucylow/verytippers/internal/domain/model"
)

// FakeClient derives deterministic transaction hashes from the submission so
// tests can assert on hash stability without a node. Behavior is scripted per
// call through the error fields.
type FakeClient struct {
	mu sync.Mutex

	SubmitErrs   []error // consumed one per SubmitTip call
	WaitErr      error
	MinedBlock   int64
	ConfirmDepth int
	Head         uint64

	Submitted []Submission
	events    chan model.ChainEvent
	errs      chan error
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		MinedBlock:   100,
		ConfirmDepth: 1,
		Head:         100,
		events:       make(chan model.ChainEvent, 16),
		errs:         make(chan error, 1),
	}
}

func (f *FakeClient) SubmitTip(_ context.Context, sub Submission) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.SubmitErrs) > 0 {
		err := f.SubmitErrs[0]
		f.SubmitErrs = f.SubmitErrs[1:]
		if err != nil {
			return "", err
		}
	}

	f.Submitted = append(f.Submitted, sub)
	return FakeTxHash(sub), nil
}

// FakeTxHash is the deterministic hash SubmitTip returns for a submission.
func FakeTxHash(sub Submission) string {
	nonce := fmt.Sprintf("%d", sub.Nonce)
	return crypto.Keccak256Hash(
		sub.Sender.Bytes(),
		sub.Recipient.Bytes(),
		common.LeftPadBytes(sub.Amount.Bytes(), 32),
		sub.MessageDigest.Bytes(),
		[]byte(nonce),
	).Hex()
}

func (f *FakeClient) WaitMined(ctx context.Context, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WaitErr != nil {
		return 0, f.WaitErr
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return f.MinedBlock, nil
}

func (f *FakeClient) Confirmations(_ context.Context, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ConfirmDepth, nil
}

func (f *FakeClient) TipEvents(ctx context.Context, _ uint64) (<-chan model.ChainEvent, <-chan error) {
	return f.events, f.errs
}

// EmitEvent pushes an event into the stream, as if decoded from a log.
func (f *FakeClient) EmitEvent(ev model.ChainEvent) {
	f.events <- ev
}

func (f *FakeClient) CloseEvents() {
	close(f.events)
	close(f.errs)
}

func (f *FakeClient) HeadNumber(_ context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Head, nil
}

func (f *FakeClient) Close() {}
