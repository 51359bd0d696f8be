package confirm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucylow/verytippers/internal/chain"
	"github.com/lucylow/verytippers/internal/domain/model"
	"github.com/lucylow/verytippers/internal/retry"
	"github.com/lucylow/verytippers/internal/store/storetest"
)

type monitorEnv struct {
	monitor *Monitor
	tips    *storetest.TipRepo
	jobs    *storetest.JobRepo
	client  *chain.FakeClient
}

func newMonitorEnv(t *testing.T) *monitorEnv {
	t.Helper()
	env := &monitorEnv{
		tips:   storetest.NewTipRepo(),
		jobs:   storetest.NewJobRepo(),
		client: chain.NewFakeClient(),
	}
	env.monitor = NewMonitor(Config{
		TargetDepth:     12,
		RecheckInterval: time.Minute,
		WatchTimeout:    time.Hour,
		MaxAttempts:     3,
	}, env.tips, env.jobs, env.client, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return env
}

func (env *monitorEnv) seedTip(t *testing.T, status model.TipStatus, confirmations int, age time.Duration) (*model.Tip, *model.RelayJob) {
	t.Helper()
	hash := "0x" + strings.Repeat("ab", 32)
	tip := &model.Tip{
		ID:            uuid.New(),
		SenderID:      uuid.New(),
		RecipientID:   uuid.New(),
		Amount:        "5000000",
		TxHash:        &hash,
		Confirmations: confirmations,
		Status:        status,
		CreatedAt:     time.Now().UTC().Add(-age),
	}
	env.tips.Put(tip)

	payload, err := json.Marshal(model.ConfirmationWatchPayload{
		Version: model.PayloadVersion,
		TipID:   tip.ID,
		TxHash:  hash,
	})
	require.NoError(t, err)
	job := &model.RelayJob{ID: uuid.New(), Kind: model.JobKindConfirmationWatch, Payload: payload, Attempt: 1, MaxAttempts: 3}
	return tip, job
}

func TestHandle_ProgressRecordsDepthAndReenqueues(t *testing.T) {
	env := newMonitorEnv(t)
	tip, job := env.seedTip(t, model.TipStatusConfirmed, 2, time.Minute)
	env.client.ConfirmDepth = 5

	before := time.Now()
	require.NoError(t, env.monitor.Handle(context.Background(), job))

	assert.Equal(t, 5, env.tips.Snapshot(tip.ID).Confirmations)

	queued := env.jobs.All()
	require.Len(t, queued, 1, "one follow-up check per progress step")
	next := queued[0]
	assert.Equal(t, model.JobKindConfirmationWatch, next.Kind)
	assert.Equal(t, []byte(job.Payload), []byte(next.Payload))
	assert.True(t, next.RunAt.After(before.Add(30*time.Second)), "next check waits out the interval")
}

func TestHandle_TargetDepthStopsTheWatch(t *testing.T) {
	env := newMonitorEnv(t)
	tip, job := env.seedTip(t, model.TipStatusConfirmed, 2, time.Minute)
	env.client.ConfirmDepth = 12

	require.NoError(t, env.monitor.Handle(context.Background(), job))

	assert.Equal(t, 12, env.tips.Snapshot(tip.ID).Confirmations)
	assert.Empty(t, env.jobs.All(), "a finished watch schedules nothing")
}

func TestHandle_AlreadyDeepEnoughSkipsTheClient(t *testing.T) {
	env := newMonitorEnv(t)
	_, job := env.seedTip(t, model.TipStatusConfirmed, 12, time.Minute)
	env.client.ConfirmDepth = 99

	require.NoError(t, env.monitor.Handle(context.Background(), job))
	assert.Empty(t, env.jobs.All())
}

func TestHandle_FailedTipAbandonsTheWatch(t *testing.T) {
	env := newMonitorEnv(t)
	tip, job := env.seedTip(t, model.TipStatusFailed, 0, time.Minute)

	require.NoError(t, env.monitor.Handle(context.Background(), job))

	assert.Empty(t, env.jobs.All())
	assert.Equal(t, 0, env.tips.Snapshot(tip.ID).Confirmations)
}

func TestHandle_ExpiredWatchStopsQuietly(t *testing.T) {
	env := newMonitorEnv(t)
	tip, job := env.seedTip(t, model.TipStatusConfirmed, 3, 2*time.Hour)
	env.client.ConfirmDepth = 7

	require.NoError(t, env.monitor.Handle(context.Background(), job),
		"an expired watch is a quiet stop, not an error")

	assert.Empty(t, env.jobs.All())
	assert.Equal(t, 3, env.tips.Snapshot(tip.ID).Confirmations,
		"the recorded depth keeps its last value")
}

func TestHandle_DepthNeverDecreases(t *testing.T) {
	env := newMonitorEnv(t)
	tip, job := env.seedTip(t, model.TipStatusConfirmed, 5, time.Minute)
	env.client.ConfirmDepth = 3 // reorg shrank the canonical chain

	require.NoError(t, env.monitor.Handle(context.Background(), job))

	assert.Equal(t, 5, env.tips.Snapshot(tip.ID).Confirmations)
	require.Len(t, env.jobs.All(), 1, "still below target, keep watching")
}

func TestHandle_MissingTipIsTerminal(t *testing.T) {
	env := newMonitorEnv(t)
	payload, err := json.Marshal(model.ConfirmationWatchPayload{
		Version: model.PayloadVersion,
		TipID:   uuid.New(),
		TxHash:  "0x" + strings.Repeat("00", 32),
	})
	require.NoError(t, err)
	job := &model.RelayJob{ID: uuid.New(), Kind: model.JobKindConfirmationWatch, Payload: payload, Attempt: 1, MaxAttempts: 3}

	err = env.monitor.Handle(context.Background(), job)
	require.Error(t, err)
	assert.False(t, retry.Classify(err).IsTransient())
}
