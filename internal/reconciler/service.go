package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lucylow/verytippers/internal/chain"
	"github.com/lucylow/verytippers/internal/domain/model"
	"github.com/lucylow/verytippers/internal/metrics"
	"github.com/lucylow/verytippers/internal/store"
	"github.com/lucylow/verytippers/internal/tracing"
)

// The event stream's cursor advances as soon as a block range is read, so a
// failed event would otherwise be gone for good. Each event therefore gets
// its own retry budget before the reconciler gives up on it.
const (
	eventMaxAttempts = 5
	eventRetryCap    = 8 * time.Second
)

// Mirror receives best-effort copies of confirmed tips. Failures are counted
// and dropped; the database is the source of truth.
type Mirror interface {
	RecordTip(ctx context.Context, senderAddr, recipientAddr string) error
}

// Service consumes the settlement contract's event stream and settles tips.
// Events are facts: the same fact may arrive more than once, so every write
// is condition-checked and the counter updates only ride along when the
// status actually advanced.
type Service struct {
	db        store.TxBeginner
	tips      store.TipRepository
	users     store.UserRepository
	client    chain.Client
	mirror    Mirror
	fromBlock uint64
	retryBase time.Duration
	logger    *slog.Logger
}

func NewService(db store.TxBeginner, tips store.TipRepository, users store.UserRepository, client chain.Client, mirror Mirror, fromBlock uint64, logger *slog.Logger) *Service {
	return &Service{
		db:        db,
		tips:      tips,
		users:     users,
		client:    client,
		mirror:    mirror,
		fromBlock: fromBlock,
		retryBase: 500 * time.Millisecond,
		logger:    logger.With("component", "reconciler"),
	}
}

// Run blocks draining the event stream until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	events, errs := s.client.TipEvents(ctx, s.fromBlock)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.logger.Warn("event stream error", "error", err)
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.New("event stream closed")
			}
			start := time.Now()
			s.handleEvent(ctx, ev)
			metrics.ReconcilerEventLatency.Observe(time.Since(start).Seconds())
		}
	}
}

// handleEvent drives one event to a settled outcome, retrying transient
// failures in place with capped doubling backoff. Dropping the event is the
// last resort and is loud.
func (s *Service) handleEvent(ctx context.Context, ev model.ChainEvent) {
	spanCtx, span := tracing.Tracer("reconciler").Start(ctx, "reconciler.handleEvent",
		trace.WithAttributes(
			attribute.String("tx_hash", ev.TxHash),
			attribute.Int64("block", ev.BlockNumber),
		),
	)
	defer span.End()

	delay := s.retryBase
	for attempt := 1; ; attempt++ {
		err := s.processEvent(spanCtx, ev)
		if err == nil {
			return
		}
		span.RecordError(err)
		metrics.ReconcilerEventsTotal.WithLabelValues("error").Inc()
		s.logger.Error("event processing failed",
			"tx_hash", ev.TxHash, "block", ev.BlockNumber, "attempt", attempt, "error", err)

		if attempt >= eventMaxAttempts {
			span.SetStatus(codes.Error, err.Error())
			metrics.ReconcilerEventsTotal.WithLabelValues("dropped").Inc()
			s.logger.Error("giving up on settlement event",
				"tx_hash", ev.TxHash, "block", ev.BlockNumber, "attempts", attempt)
			return
		}
		select {
		case <-spanCtx.Done():
			return
		case <-time.After(delay):
		}
		if delay < eventRetryCap {
			delay *= 2
		}
	}
}

func (s *Service) processEvent(ctx context.Context, ev model.ChainEvent) error {
	tip, err := s.matchTip(ctx, ev)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// A settlement with no local record: either relayed elsewhere or
			// the tip row is lagging. Log and move on; a later redelivery can
			// still match.
			metrics.ReconcilerEventsTotal.WithLabelValues("unmatched").Inc()
			s.logger.Warn("settlement event matched no tip",
				"tx_hash", ev.TxHash, "sender", ev.SenderAddress, "recipient", ev.RecipientAddress)
			return nil
		}
		return err
	}

	confirmedAt := time.Now().UTC()
	if ev.BlockTime != nil {
		confirmedAt = ev.BlockTime.UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin settle tx: %w", err)
	}
	defer tx.Rollback()

	advanced, err := s.tips.ConfirmTx(ctx, tx, tip.ID, ev.TxHash, ev.BlockNumber, confirmedAt)
	if err != nil {
		return err
	}
	if advanced {
		if err := s.users.ApplyTipTotalsTx(ctx, tx, tip.SenderID, tip.RecipientID, tip.Amount); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit settle tx: %w", err)
	}

	if !advanced {
		// Replayed fact; everything it implies already happened.
		metrics.ReconcilerEventsTotal.WithLabelValues("replay").Inc()
		return nil
	}

	metrics.ReconcilerEventsTotal.WithLabelValues("confirmed").Inc()
	s.logger.Info("tip confirmed",
		"tip_id", tip.ID, "tx_hash", ev.TxHash, "block", ev.BlockNumber)

	if s.mirror != nil {
		if err := s.mirror.RecordTip(ctx, ev.SenderAddress, ev.RecipientAddress); err != nil {
			metrics.LeaderboardMirrorErrors.Inc()
			s.logger.Warn("leaderboard mirror write failed", "error", err)
		}
	}
	return nil
}

// matchTip locates the tip a settlement event refers to. The transaction
// hash is the primary key into our records; the (sender, recipient, digest)
// tuple is the fallback for events that land before the worker persisted the
// hash.
func (s *Service) matchTip(ctx context.Context, ev model.ChainEvent) (*model.Tip, error) {
	tip, err := s.tips.GetByTxHash(ctx, ev.TxHash)
	if err == nil {
		return tip, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("match by tx hash: %w", err)
	}

	sender, err := s.users.GetByAddress(ctx, ev.SenderAddress)
	if err != nil {
		return nil, fmt.Errorf("match sender %s: %w", ev.SenderAddress, err)
	}
	recipient, err := s.users.GetByAddress(ctx, ev.RecipientAddress)
	if err != nil {
		return nil, fmt.Errorf("match recipient %s: %w", ev.RecipientAddress, err)
	}

	tip, err = s.tips.FindProcessingByTuple(ctx, sender.ID, recipient.ID, ev.MessageDigest)
	if err != nil {
		return nil, fmt.Errorf("match by tuple: %w", err)
	}
	return tip, nil
}
