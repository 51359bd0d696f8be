package reconciler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/lucylow/verytippers/internal/chain"
	"github.com/lucylow/verytippers/internal/domain/model"
	"github.com/lucylow/verytippers/internal/store/storetest"
)

const (
	senderAddr    = "0x8ba1f109551bD432803012645Ac136ddd64DBA72"
	recipientAddr = "0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045"
	zeroDigest    = "0x0000000000000000000000000000000000000000000000000000000000000000"
)

type fakeMirror struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (m *fakeMirror) RecordTip(_ context.Context, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.err
}

func (m *fakeMirror) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type reconcilerEnv struct {
	svc    *Service
	tips   *storetest.TipRepo
	users  *storetest.UserRepo
	client *chain.FakeClient
	mirror *fakeMirror

	sender    *model.User
	recipient *model.User
}

func newReconcilerEnv(t *testing.T) *reconcilerEnv {
	t.Helper()

	env := &reconcilerEnv{
		tips:   storetest.NewTipRepo(),
		users:  storetest.NewUserRepo(),
		client: chain.NewFakeClient(),
		mirror: &fakeMirror{},
	}

	env.sender = &model.User{ID: uuid.New(), ExternalID: "alice", Address: senderAddr, AmountSent: "0", AmountReceived: "0"}
	env.recipient = &model.User{ID: uuid.New(), ExternalID: "bob", Address: recipientAddr, AmountSent: "0", AmountReceived: "0"}
	env.users.Put(env.sender)
	env.users.Put(env.recipient)

	env.svc = NewService(storetest.NewTxDB(), env.tips, env.users, env.client, env.mirror, 0,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	return env
}

func (env *reconcilerEnv) seedTip(t *testing.T, status model.TipStatus, txHash string) *model.Tip {
	t.Helper()
	tip := &model.Tip{
		ID:            uuid.New(),
		SenderID:      env.sender.ID,
		RecipientID:   env.recipient.ID,
		Amount:        "5000000",
		TokenSymbol:   "VTIP",
		TokenDecimals: 6,
		MessageDigest: zeroDigest,
		Nonce:         1,
		Signature:     "0x" + strings.Repeat("00", 65),
		Status:        status,
		CreatedAt:     time.Now().UTC(),
	}
	if txHash != "" {
		tip.TxHash = &txHash
	}
	env.tips.Put(tip)
	return tip
}

func settlementEvent(txHash string) model.ChainEvent {
	return model.ChainEvent{
		SenderAddress:    senderAddr,
		RecipientAddress: recipientAddr,
		Amount:           "5000000",
		MessageDigest:    zeroDigest,
		TxHash:           txHash,
		BlockNumber:      120,
	}
}

func TestProcessEvent_ConfirmsByTxHash(t *testing.T) {
	env := newReconcilerEnv(t)
	hash := "0x" + strings.Repeat("ab", 32)
	tip := env.seedTip(t, model.TipStatusProcessing, hash)

	err := env.svc.processEvent(context.Background(), settlementEvent(hash))
	require.NoError(t, err)

	got := env.tips.Snapshot(tip.ID)
	assert.Equal(t, model.TipStatusConfirmed, got.Status)
	require.NotNil(t, got.BlockNumber)
	assert.Equal(t, int64(120), *got.BlockNumber)
	assert.NotNil(t, got.ConfirmedAt)

	sender := env.users.Snapshot(env.sender.ID)
	recipient := env.users.Snapshot(env.recipient.ID)
	assert.Equal(t, int64(1), sender.TipsSent)
	assert.Equal(t, "5000000", sender.AmountSent)
	assert.Equal(t, int64(1), recipient.TipsReceived)
	assert.Equal(t, "5000000", recipient.AmountReceived)
	assert.Equal(t, 1, env.mirror.count())
}

func TestProcessEvent_ReplayedEventAppliesOnce(t *testing.T) {
	env := newReconcilerEnv(t)
	hash := "0x" + strings.Repeat("cd", 32)
	tip := env.seedTip(t, model.TipStatusProcessing, hash)

	ev := settlementEvent(hash)
	for i := 0; i < 3; i++ {
		require.NoError(t, env.svc.processEvent(context.Background(), ev))
	}

	assert.Equal(t, model.TipStatusConfirmed, env.tips.Snapshot(tip.ID).Status)
	assert.Equal(t, 1, env.users.TotalsApplied, "counters must not grow on replay")
	assert.Equal(t, "5000000", env.users.Snapshot(env.sender.ID).AmountSent)
	assert.Equal(t, 1, env.mirror.count(), "mirror sees each settlement once")
}

func TestProcessEvent_TupleFallbackCoalescesHash(t *testing.T) {
	env := newReconcilerEnv(t)
	// The worker crashed between submission and persisting the hash: the tip
	// is PROCESSING with no tx hash when the event arrives.
	tip := env.seedTip(t, model.TipStatusProcessing, "")
	hash := "0x" + strings.Repeat("ef", 32)

	err := env.svc.processEvent(context.Background(), settlementEvent(hash))
	require.NoError(t, err)

	got := env.tips.Snapshot(tip.ID)
	assert.Equal(t, model.TipStatusConfirmed, got.Status)
	require.NotNil(t, got.TxHash)
	assert.Equal(t, hash, *got.TxHash)
	assert.Equal(t, 1, env.users.TotalsApplied)
}

func TestProcessEvent_UnmatchedEventIsSkipped(t *testing.T) {
	env := newReconcilerEnv(t)

	err := env.svc.processEvent(context.Background(), settlementEvent("0x"+strings.Repeat("99", 32)))
	require.NoError(t, err, "foreign settlements are logged, not retried")

	assert.Equal(t, 0, env.users.TotalsApplied)
	assert.Equal(t, 0, env.mirror.count())
}

func TestProcessEvent_ChainEvidenceOverridesFailed(t *testing.T) {
	env := newReconcilerEnv(t)
	hash := "0x" + strings.Repeat("11", 32)
	tip := env.seedTip(t, model.TipStatusFailed, hash)
	reason := "first confirmation timed out"
	tip.FailReason = &reason
	env.tips.Put(tip)

	err := env.svc.processEvent(context.Background(), settlementEvent(hash))
	require.NoError(t, err)

	// The chain settled it, so the local FAILED verdict was premature.
	got := env.tips.Snapshot(tip.ID)
	assert.Equal(t, model.TipStatusConfirmed, got.Status)
	assert.Nil(t, got.FailReason)
	assert.Equal(t, 1, env.users.TotalsApplied)
}

func TestProcessEvent_MirrorFailureIsBestEffort(t *testing.T) {
	env := newReconcilerEnv(t)
	env.mirror.err = errors.New("redis: connection refused")
	hash := "0x" + strings.Repeat("22", 32)
	tip := env.seedTip(t, model.TipStatusProcessing, hash)

	err := env.svc.processEvent(context.Background(), settlementEvent(hash))
	require.NoError(t, err, "a mirror outage must not block settlement")
	assert.Equal(t, model.TipStatusConfirmed, env.tips.Snapshot(tip.ID).Status)
}

func TestHandleEvent_RetriesTransientStoreFailure(t *testing.T) {
	env := newReconcilerEnv(t)
	env.svc.retryBase = time.Millisecond
	hash := "0x" + strings.Repeat("44", 32)
	tip := env.seedTip(t, model.TipStatusProcessing, hash)

	// The cursor has already moved past this event's block range; losing it
	// to a database blip would lose the settlement for good.
	env.tips.ConfirmErrs = []error{
		errors.New("pq: the database system is starting up"),
		errors.New("pq: the database system is starting up"),
	}

	env.svc.handleEvent(context.Background(), settlementEvent(hash))

	assert.Equal(t, model.TipStatusConfirmed, env.tips.Snapshot(tip.ID).Status,
		"the event must survive transient store failures")
	assert.Equal(t, 1, env.users.TotalsApplied)
}

func TestHandleEvent_GivesUpAfterBudget(t *testing.T) {
	env := newReconcilerEnv(t)
	env.svc.retryBase = time.Millisecond
	hash := "0x" + strings.Repeat("55", 32)
	tip := env.seedTip(t, model.TipStatusProcessing, hash)

	errs := make([]error, eventMaxAttempts)
	for i := range errs {
		errs[i] = errors.New("pq: out of memory")
	}
	env.tips.ConfirmErrs = errs

	env.svc.handleEvent(context.Background(), settlementEvent(hash))

	assert.Equal(t, model.TipStatusProcessing, env.tips.Snapshot(tip.ID).Status,
		"an undeliverable event leaves the tip for a later redelivery or operator action")
	assert.Equal(t, 0, env.users.TotalsApplied)
}

func TestHandleEvent_RecordsSpanPerEvent(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	env := newReconcilerEnv(t)
	hash := "0x" + strings.Repeat("66", 32)
	env.seedTip(t, model.TipStatusProcessing, hash)

	env.svc.handleEvent(context.Background(), settlementEvent(hash))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "reconciler.handleEvent", spans[0].Name)
}

func TestRun_DrainsStreamUntilCanceled(t *testing.T) {
	env := newReconcilerEnv(t)
	hash := "0x" + strings.Repeat("33", 32)
	tip := env.seedTip(t, model.TipStatusProcessing, hash)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- env.svc.Run(ctx) }()

	env.client.EmitEvent(settlementEvent(hash))

	require.Eventually(t, func() bool {
		return env.tips.Snapshot(tip.ID).Status == model.TipStatusConfirmed
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("reconciler did not stop after cancel")
	}
}
