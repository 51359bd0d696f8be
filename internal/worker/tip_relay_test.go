package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/lucylow/verytippers/internal/chain"
	"github.com/lucylow/verytippers/internal/domain/model"
	"github.com/lucylow/verytippers/internal/encoding"
	"github.com/lucylow/verytippers/internal/queue"
	"github.com/lucylow/verytippers/internal/retry"
	"github.com/lucylow/verytippers/internal/store/storetest"
)

const (
	senderAddr    = "0x8ba1f109551bD432803012645Ac136ddd64DBA72"
	recipientAddr = "0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045"
)

type workerEnv struct {
	relay  *TipRelay
	tips   *storetest.TipRepo
	jobs   *storetest.JobRepo
	client *chain.FakeClient

	sender    *model.User
	recipient *model.User
}

func newWorkerEnv(t *testing.T) *workerEnv {
	t.Helper()

	env := &workerEnv{
		tips:   storetest.NewTipRepo(),
		jobs:   storetest.NewJobRepo(),
		client: chain.NewFakeClient(),
	}

	users := storetest.NewUserRepo()
	env.sender = &model.User{ID: uuid.New(), ExternalID: "alice", Address: senderAddr}
	env.recipient = &model.User{ID: uuid.New(), ExternalID: "bob", Address: recipientAddr}
	users.Put(env.sender)
	users.Put(env.recipient)

	env.relay = NewTipRelay(Config{
		FirstConfirmationTimeout: 200 * time.Millisecond,
		WatchMaxAttempts:         3,
		WatchDelay:               0,
		MaxAmount:                big.NewInt(10_000_000), // 10 VTIP at 6 decimals
	}, env.tips, users, env.jobs, env.client, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return env
}

func (env *workerEnv) seedTip(t *testing.T, status model.TipStatus) *model.Tip {
	t.Helper()
	tip := &model.Tip{
		ID:            uuid.New(),
		SenderID:      env.sender.ID,
		RecipientID:   env.recipient.ID,
		Amount:        "5000000",
		TokenSymbol:   "VTIP",
		TokenDecimals: 6,
		MessageDigest: encoding.ZeroDigest.Hex(),
		Nonce:         1,
		Signature:     "0x" + strings.Repeat("00", crypto.SignatureLength),
		Status:        status,
		CreatedAt:     time.Now().UTC(),
	}
	env.tips.Put(tip)
	return tip
}

func relayJob(t *testing.T, tipID uuid.UUID) *model.RelayJob {
	t.Helper()
	payload, err := json.Marshal(model.TipRelayPayload{Version: model.PayloadVersion, TipID: tipID})
	require.NoError(t, err)
	return &model.RelayJob{ID: uuid.New(), Kind: model.JobKindTipRelay, Payload: payload, Attempt: 1, MaxAttempts: 3}
}

func watchJobs(env *workerEnv) []model.RelayJob {
	var out []model.RelayJob
	for _, j := range env.jobs.All() {
		if j.Kind == model.JobKindConfirmationWatch {
			out = append(out, j)
		}
	}
	return out
}

func TestHandle_SubmitsAndAdvancesToProcessing(t *testing.T) {
	env := newWorkerEnv(t)
	tip := env.seedTip(t, model.TipStatusPending)

	err := env.relay.Handle(context.Background(), relayJob(t, tip.ID))
	require.NoError(t, err)

	require.Len(t, env.client.Submitted, 1)
	sub := env.client.Submitted[0]
	assert.Equal(t, senderAddr, sub.Sender.Hex())
	assert.Equal(t, recipientAddr, sub.Recipient.Hex())
	assert.Equal(t, "5000000", sub.Amount.String())

	got := env.tips.Snapshot(tip.ID)
	assert.Equal(t, model.TipStatusProcessing, got.Status)
	require.NotNil(t, got.TxHash)
	assert.Equal(t, chain.FakeTxHash(sub), *got.TxHash)

	watches := watchJobs(env)
	require.Len(t, watches, 1)
	assert.Contains(t, string(watches[0].Payload), *got.TxHash)
}

func TestHandle_TerminalTipIsAcknowledgedWithoutResubmit(t *testing.T) {
	env := newWorkerEnv(t)
	tip := env.seedTip(t, model.TipStatusConfirmed)

	err := env.relay.Handle(context.Background(), relayJob(t, tip.ID))
	require.NoError(t, err)

	assert.Empty(t, env.client.Submitted, "a settled tip must never be submitted again")
	assert.Empty(t, env.jobs.All())
}

func TestHandle_StoredHashSurvivesRedelivery(t *testing.T) {
	env := newWorkerEnv(t)
	tip := env.seedTip(t, model.TipStatusProcessing)
	hash := "0x" + strings.Repeat("ab", 32)
	_, err := env.tips.MarkProcessing(context.Background(), tip.ID, hash)
	require.NoError(t, err)

	err = env.relay.Handle(context.Background(), relayJob(t, tip.ID))
	require.NoError(t, err)

	assert.Empty(t, env.client.Submitted, "redelivery after a crash must reuse the stored hash")
	watches := watchJobs(env)
	require.Len(t, watches, 1)
	assert.Contains(t, string(watches[0].Payload), hash)
}

func TestHandle_TransientErrorsRetryWithinBudget(t *testing.T) {
	env := newWorkerEnv(t)
	tip := env.seedTip(t, model.TipStatusPending)
	env.client.SubmitErrs = []error{
		errors.New("HTTP status 429: rate limit"),
		errors.New("request timed out"),
		nil,
	}

	job := relayJob(t, tip.ID)

	// Attempts 1 and 2 fail with retryable errors; the queue redelivers.
	for attempt := 0; attempt < 2; attempt++ {
		err := env.relay.Handle(context.Background(), job)
		require.Error(t, err)
		assert.True(t, retry.Classify(err).IsTransient(), "rate limits and timeouts must stay retryable")

		got := env.tips.Snapshot(tip.ID)
		assert.Equal(t, model.TipStatusPending, got.Status)
		assert.Nil(t, got.TxHash)
	}

	// Attempt 3 succeeds.
	require.NoError(t, env.relay.Handle(context.Background(), job))
	got := env.tips.Snapshot(tip.ID)
	assert.Equal(t, model.TipStatusProcessing, got.Status)
	assert.NotNil(t, got.TxHash)
}

func TestHandle_FatalSubmissionFailsImmediately(t *testing.T) {
	env := newWorkerEnv(t)
	tip := env.seedTip(t, model.TipStatusPending)
	env.client.SubmitErrs = []error{errors.New("insufficient funds for gas * price + value")}

	err := env.relay.Handle(context.Background(), relayJob(t, tip.ID))
	require.Error(t, err)
	assert.False(t, retry.Classify(err).IsTransient(), "fatal errors must not be retried")

	got := env.tips.Snapshot(tip.ID)
	assert.Equal(t, model.TipStatusFailed, got.Status)
	require.NotNil(t, got.FailReason)
	assert.Contains(t, *got.FailReason, "insufficient funds")
	assert.Empty(t, watchJobs(env))
}

func TestHandle_FirstConfirmationTimeoutLeavesProcessing(t *testing.T) {
	env := newWorkerEnv(t)
	tip := env.seedTip(t, model.TipStatusPending)
	env.client.WaitErr = context.DeadlineExceeded

	err := env.relay.Handle(context.Background(), relayJob(t, tip.ID))
	require.NoError(t, err, "a confirmation timeout is not a failure")

	got := env.tips.Snapshot(tip.ID)
	assert.Equal(t, model.TipStatusProcessing, got.Status,
		"the transaction may still land; the reconciler settles it later")
	require.Len(t, watchJobs(env), 1)
}

func TestHandle_RevertDuringWaitFailsTip(t *testing.T) {
	env := newWorkerEnv(t)
	tip := env.seedTip(t, model.TipStatusPending)
	env.client.WaitErr = errors.New("execution reverted: tx rejected by contract")

	err := env.relay.Handle(context.Background(), relayJob(t, tip.ID))
	require.Error(t, err)
	assert.False(t, retry.Classify(err).IsTransient())

	got := env.tips.Snapshot(tip.ID)
	assert.Equal(t, model.TipStatusFailed, got.Status)
}

func TestHandle_RevalidationRejectsOutOfBoundsAmount(t *testing.T) {
	env := newWorkerEnv(t)
	tip := env.seedTip(t, model.TipStatusPending)
	tip.Amount = "999000000000" // far above the ceiling
	env.tips.Put(tip)

	err := env.relay.Handle(context.Background(), relayJob(t, tip.ID))
	require.Error(t, err)
	assert.False(t, retry.Classify(err).IsTransient())

	assert.Empty(t, env.client.Submitted, "out-of-bounds rows must never reach the chain")
	assert.Equal(t, model.TipStatusFailed, env.tips.Snapshot(tip.ID).Status)
}

func TestHandle_UnsupportedPayloadVersionIsTerminal(t *testing.T) {
	env := newWorkerEnv(t)
	tip := env.seedTip(t, model.TipStatusPending)

	payload, err := json.Marshal(model.TipRelayPayload{Version: 99, TipID: tip.ID})
	require.NoError(t, err)
	job := &model.RelayJob{ID: uuid.New(), Kind: model.JobKindTipRelay, Payload: payload, Attempt: 1, MaxAttempts: 3}

	err = env.relay.Handle(context.Background(), job)
	require.Error(t, err)
	assert.False(t, retry.Classify(err).IsTransient())
	assert.Empty(t, env.client.Submitted)
}

func TestHandleExhausted_FailsUnsubmittedTip(t *testing.T) {
	env := newWorkerEnv(t)
	tip := env.seedTip(t, model.TipStatusPending)

	env.relay.HandleExhausted(context.Background(), relayJob(t, tip.ID), "rpc down")

	got := env.tips.Snapshot(tip.ID)
	assert.Equal(t, model.TipStatusFailed, got.Status,
		"a tip with no job behind it must not stay PENDING")
	require.NotNil(t, got.FailReason)
	assert.Contains(t, *got.FailReason, "retries exhausted")
	assert.Contains(t, *got.FailReason, "rpc down")
}

func TestHandleExhausted_LeavesSubmittedTipInFlight(t *testing.T) {
	env := newWorkerEnv(t)
	tip := env.seedTip(t, model.TipStatusPending)
	hash := "0x" + strings.Repeat("cd", 32)
	_, err := env.tips.MarkProcessing(context.Background(), tip.ID, hash)
	require.NoError(t, err)

	env.relay.HandleExhausted(context.Background(), relayJob(t, tip.ID), "wait mined: timeout")

	got := env.tips.Snapshot(tip.ID)
	assert.Equal(t, model.TipStatusProcessing, got.Status,
		"a submitted transaction may still land; the reconciler owns its fate")
	assert.Nil(t, got.FailReason)
}

func TestHandleExhausted_IgnoresTerminalTip(t *testing.T) {
	env := newWorkerEnv(t)
	tip := env.seedTip(t, model.TipStatusConfirmed)

	env.relay.HandleExhausted(context.Background(), relayJob(t, tip.ID), "rpc down")

	assert.Equal(t, model.TipStatusConfirmed, env.tips.Snapshot(tip.ID).Status)
}

// A tip whose every submission attempt fails transiently must end FAILED when
// the job's retry budget runs out, with exactly one dead letter preserving the
// job for replay.
func TestRetryExhaustionSettlesTipAsFailed(t *testing.T) {
	env := newWorkerEnv(t)
	tip := env.seedTip(t, model.TipStatusPending)
	env.client.SubmitErrs = []error{errors.New("HTTP status 429: rate limit")}

	payload, err := json.Marshal(model.TipRelayPayload{Version: model.PayloadVersion, TipID: tip.ID})
	require.NoError(t, err)
	require.NoError(t, env.jobs.Enqueue(context.Background(), &model.RelayJob{
		Kind:        model.JobKindTipRelay,
		Payload:     payload,
		MaxAttempts: 1,
	}))

	consumer := queue.NewConsumer(queue.Config{
		Concurrency:   1,
		RatePerSecond: 1000,
		RateBurst:     1000,
		BackoffBase:   time.Millisecond,
		BackoffCap:    time.Millisecond,
		LeaseTTL:      time.Minute,
		PollInterval:  time.Millisecond,
		ConsumerName:  "test",
	}, env.jobs, slog.New(slog.NewTextHandler(io.Discard, nil)))
	consumer.Register(model.JobKindTipRelay, env.relay)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- consumer.Run(ctx) }()

	require.Eventually(t, func() bool {
		return env.tips.Snapshot(tip.ID).Status == model.TipStatusFailed
	}, 5*time.Second, 10*time.Millisecond, "exhaustion must settle the tip")

	cancel()
	select {
	case runErr := <-errCh:
		assert.NoError(t, runErr)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop after cancel")
	}

	got := env.tips.Snapshot(tip.ID)
	require.NotNil(t, got.FailReason)
	assert.Contains(t, *got.FailReason, "retries exhausted")
	require.Len(t, env.jobs.DeadLetters, 1, "the job is preserved for operator replay")
}

func TestHandle_RecordsSpanPerJob(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	env := newWorkerEnv(t)
	tip := env.seedTip(t, model.TipStatusPending)

	require.NoError(t, env.relay.Handle(context.Background(), relayJob(t, tip.ID)))

	spans := exporter.GetSpans()
	require.NotEmpty(t, spans)
	names := make([]string, len(spans))
	for i, s := range spans {
		names[i] = s.Name
	}
	assert.Contains(t, names, "tip_relay.handle")
}
