package confirm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lucylow/verytippers/internal/chain"
	"github.com/lucylow/verytippers/internal/domain/model"
	"github.com/lucylow/verytippers/internal/metrics"
	"github.com/lucylow/verytippers/internal/retry"
	"github.com/lucylow/verytippers/internal/store"
)

type Config struct {
	// TargetDepth is the confirmation count after which the watch stops.
	TargetDepth int
	// RecheckInterval spaces successive depth checks.
	RecheckInterval time.Duration
	// WatchTimeout bounds the whole watch, measured from tip creation. An
	// expired watch stops quietly; the tip keeps whatever depth was recorded.
	WatchTimeout time.Duration
	// MaxAttempts sizes follow-up watch jobs.
	MaxAttempts int
}

// Monitor handles confirmation_watch jobs. It only ever raises the recorded
// confirmation count; settlement itself belongs to the event reconciler.
type Monitor struct {
	cfg    Config
	tips   store.TipRepository
	jobs   store.JobRepository
	client chain.Client
	logger *slog.Logger
}

func NewMonitor(cfg Config, tips store.TipRepository, jobs store.JobRepository, client chain.Client, logger *slog.Logger) *Monitor {
	return &Monitor{
		cfg:    cfg,
		tips:   tips,
		jobs:   jobs,
		client: client,
		logger: logger.With("component", "confirm_monitor"),
	}
}

func (m *Monitor) Handle(ctx context.Context, job *model.RelayJob) error {
	var payload model.ConfirmationWatchPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return retry.Terminal(fmt.Errorf("malformed payload: %w", err))
	}
	if payload.Version != model.PayloadVersion {
		return retry.Terminal(fmt.Errorf("malformed payload: unsupported version %d", payload.Version))
	}

	tip, err := m.tips.GetByID(ctx, payload.TipID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return retry.Terminal(fmt.Errorf("tip %s not found", payload.TipID))
		}
		return retry.Transient(err)
	}

	if tip.Status == model.TipStatusFailed {
		metrics.ConfirmationsReported.WithLabelValues("abandoned").Inc()
		return nil
	}
	if tip.Confirmations >= m.cfg.TargetDepth {
		metrics.ConfirmationsReported.WithLabelValues("complete").Inc()
		return nil
	}
	if time.Since(tip.CreatedAt) > m.cfg.WatchTimeout {
		metrics.ConfirmationsReported.WithLabelValues("timeout").Inc()
		m.logger.Warn("confirmation watch expired",
			"tip_id", tip.ID, "confirmations", tip.Confirmations, "target", m.cfg.TargetDepth)
		return nil
	}

	depth, err := m.client.Confirmations(ctx, payload.TxHash)
	if err != nil {
		return retry.Transient(fmt.Errorf("fetch confirmations: %w", err))
	}

	if depth > tip.Confirmations {
		if err := m.tips.SetConfirmations(ctx, tip.ID, depth); err != nil {
			return retry.Transient(fmt.Errorf("record confirmations: %w", err))
		}
	}

	if depth >= m.cfg.TargetDepth {
		metrics.ConfirmationsReported.WithLabelValues("complete").Inc()
		m.logger.Info("confirmation target reached",
			"tip_id", tip.ID, "tx_hash", payload.TxHash, "depth", depth)
		return nil
	}

	// Not deep enough yet; schedule the next check as a fresh job so the
	// retry budget stays reserved for real failures.
	metrics.ConfirmationsReported.WithLabelValues("progress").Inc()
	return m.reenqueue(ctx, payload)
}

func (m *Monitor) reenqueue(ctx context.Context, payload model.ConfirmationWatchPayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return retry.Terminal(fmt.Errorf("marshal watch payload: %w", err))
	}
	job := &model.RelayJob{
		Kind:        model.JobKindConfirmationWatch,
		Payload:     raw,
		MaxAttempts: m.cfg.MaxAttempts,
		RunAt:       time.Now().Add(m.cfg.RecheckInterval),
	}
	if err := m.jobs.Enqueue(ctx, job); err != nil {
		return retry.Transient(fmt.Errorf("enqueue next watch: %w", err))
	}
	metrics.QueueEnqueuedTotal.WithLabelValues(string(model.JobKindConfirmationWatch)).Inc()
	return nil
}
