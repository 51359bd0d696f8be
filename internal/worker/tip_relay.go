package worker

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lucylow/verytippers/internal/chain"
	"github.com/lucylow/verytippers/internal/domain/model"
	"github.com/lucylow/verytippers/internal/metrics"
	"github.com/lucylow/verytippers/internal/retry"
	"github.com/lucylow/verytippers/internal/store"
	"github.com/lucylow/verytippers/internal/tracing"
)

type Config struct {
	// FirstConfirmationTimeout bounds the wait for the submitted transaction
	// to be mined. Expiry is not a failure: the tip stays PROCESSING and the
	// event reconciler settles it later.
	FirstConfirmationTimeout time.Duration
	// WatchMaxAttempts sizes the retry budget of the follow-up confirmation
	// watch job.
	WatchMaxAttempts int
	// WatchDelay spaces the first confirmation depth check after mining.
	WatchDelay time.Duration
	// MaxAmount is the per-tip ceiling in base units, re-checked before
	// submission as a defense against stale or hand-edited rows. Nil disables
	// the check.
	MaxAmount *big.Int
}

// TipRelay turns a leased tip_relay job into a sponsored settlement
// transaction. Delivery is at-least-once, so every step re-checks recorded
// state before acting.
type TipRelay struct {
	cfg    Config
	tips   store.TipRepository
	users  store.UserRepository
	jobs   store.JobRepository
	client chain.Client
	logger *slog.Logger
}

func NewTipRelay(cfg Config, tips store.TipRepository, users store.UserRepository, jobs store.JobRepository, client chain.Client, logger *slog.Logger) *TipRelay {
	return &TipRelay{
		cfg:    cfg,
		tips:   tips,
		users:  users,
		jobs:   jobs,
		client: client,
		logger: logger.With("component", "relay_worker"),
	}
}

func (w *TipRelay) Handle(ctx context.Context, job *model.RelayJob) error {
	ctx, span := tracing.Tracer("worker").Start(ctx, "tip_relay.handle",
		trace.WithAttributes(
			attribute.String("job_id", job.ID.String()),
			attribute.Int("attempt", job.Attempt),
		),
	)
	defer span.End()

	err := w.handle(ctx, job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (w *TipRelay) handle(ctx context.Context, job *model.RelayJob) error {
	var payload model.TipRelayPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return retry.Terminal(fmt.Errorf("malformed payload: %w", err))
	}
	if payload.Version != model.PayloadVersion {
		return retry.Terminal(fmt.Errorf("malformed payload: unsupported version %d", payload.Version))
	}

	tip, err := w.tips.GetByID(ctx, payload.TipID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return retry.Terminal(fmt.Errorf("tip %s not found", payload.TipID))
		}
		return retry.Transient(err)
	}

	// Redelivery of work that already finished is acknowledged, never redone.
	if tip.Status.IsTerminal() {
		metrics.WorkerDuplicateDeliveries.Inc()
		w.logger.Info("tip already terminal, skipping",
			"tip_id", tip.ID, "status", string(tip.Status))
		return nil
	}

	txHash := ""
	if tip.TxHash != nil {
		// A prior attempt submitted and crashed before finishing. The stored
		// hash is authoritative; never submit twice.
		txHash = *tip.TxHash
	} else {
		if err := w.revalidate(tip); err != nil {
			return w.failTip(ctx, tip, err)
		}
		txHash, err = w.submit(ctx, tip)
		if err != nil {
			return err
		}
	}

	return w.awaitFirstConfirmation(ctx, tip, txHash)
}

// HandleExhausted settles a tip whose relay job ran out of retries. A tip
// that never made it on chain is marked FAILED so it does not sit PENDING
// with no job behind it; a tip with a stored tx hash is left alone, because
// the submission may still land and the reconciler owns its fate.
func (w *TipRelay) HandleExhausted(ctx context.Context, job *model.RelayJob, lastError string) {
	var payload model.TipRelayPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		w.logger.Error("exhausted job payload undecodable", "job_id", job.ID, "error", err)
		return
	}

	tip, err := w.tips.GetByID(ctx, payload.TipID)
	if err != nil {
		w.logger.Error("load tip for exhausted job failed",
			"job_id", job.ID, "tip_id", payload.TipID, "error", err)
		return
	}
	if tip.TxHash != nil || !tip.Status.CanAdvanceTo(model.TipStatusFailed) {
		return
	}

	if _, err := w.tips.MarkFailed(ctx, tip.ID, "relay retries exhausted: "+lastError); err != nil {
		w.logger.Error("mark exhausted tip failed", "tip_id", tip.ID, "error", err)
		return
	}
	metrics.WorkerSubmissionsTotal.WithLabelValues("retries_exhausted").Inc()
	w.logger.Warn("tip failed after retry exhaustion",
		"tip_id", tip.ID, "job_id", job.ID, "last_error", lastError)
}

// revalidate re-checks amount bounds right before submission. Intake already
// rejected out-of-bounds amounts; this catches rows that went stale between
// acceptance and relay.
func (w *TipRelay) revalidate(tip *model.Tip) error {
	amount, ok := new(big.Int).SetString(tip.Amount, 10)
	if !ok {
		return fmt.Errorf("malformed payload: stored amount %q", tip.Amount)
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("malformed payload: amount %s is not positive", tip.Amount)
	}
	if w.cfg.MaxAmount != nil && amount.Cmp(w.cfg.MaxAmount) > 0 {
		return fmt.Errorf("malformed payload: amount %s exceeds ceiling %s", tip.Amount, w.cfg.MaxAmount)
	}
	return nil
}

func (w *TipRelay) submit(ctx context.Context, tip *model.Tip) (string, error) {
	sub, err := w.buildSubmission(ctx, tip)
	if err != nil {
		return "", w.failTip(ctx, tip, err)
	}

	txHash, err := w.client.SubmitTip(ctx, sub)
	if err != nil {
		decision := retry.Classify(err)
		if decision.IsTransient() {
			metrics.WorkerSubmissionsTotal.WithLabelValues("transient_error").Inc()
			return "", retry.Transient(fmt.Errorf("submit tip %s: %w", tip.ID, err))
		}
		metrics.WorkerSubmissionsTotal.WithLabelValues("fatal_error").Inc()
		return "", w.failTip(ctx, tip, fmt.Errorf("submit tip: %w", err))
	}

	// The hash must be durable before anything else happens to this tip. A
	// crash after this line is recoverable; a crash before it would risk a
	// double spend on redelivery.
	stored, err := w.tips.MarkProcessing(ctx, tip.ID, txHash)
	if err != nil {
		return "", retry.Transient(fmt.Errorf("persist tx hash for tip %s: %w", tip.ID, err))
	}
	if stored != txHash {
		w.logger.Warn("concurrent submission detected, deferring to stored hash",
			"tip_id", tip.ID, "submitted", txHash, "stored", stored)
		txHash = stored
	}

	metrics.WorkerSubmissionsTotal.WithLabelValues("ok").Inc()
	w.logger.Info("tip submitted", "tip_id", tip.ID, "tx_hash", txHash)
	return txHash, nil
}

func (w *TipRelay) buildSubmission(ctx context.Context, tip *model.Tip) (chain.Submission, error) {
	sender, err := w.users.GetByID(ctx, tip.SenderID)
	if err != nil {
		return chain.Submission{}, fmt.Errorf("load sender: %w", err)
	}
	recipient, err := w.users.GetByID(ctx, tip.RecipientID)
	if err != nil {
		return chain.Submission{}, fmt.Errorf("load recipient: %w", err)
	}

	amount, ok := new(big.Int).SetString(tip.Amount, 10)
	if !ok {
		return chain.Submission{}, fmt.Errorf("malformed payload: stored amount %q", tip.Amount)
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(tip.Signature, "0x"))
	if err != nil {
		return chain.Submission{}, fmt.Errorf("malformed payload: stored signature: %w", err)
	}

	return chain.Submission{
		Sender:        common.HexToAddress(sender.Address),
		Recipient:     common.HexToAddress(recipient.Address),
		Amount:        amount,
		MessageDigest: common.HexToHash(tip.MessageDigest),
		Nonce:         uint64(tip.Nonce),
		Signature:     sig,
	}, nil
}

// failTip records the fatal outcome and returns a terminal error so the queue
// acknowledges the job. Fatal failures never reach the dead-letter table; the
// tip row itself is the record.
func (w *TipRelay) failTip(ctx context.Context, tip *model.Tip, cause error) error {
	if _, err := w.tips.MarkFailed(ctx, tip.ID, cause.Error()); err != nil {
		// Retry so the FAILED status is not lost.
		return retry.Transient(fmt.Errorf("mark tip %s failed: %w", tip.ID, err))
	}
	w.logger.Warn("tip failed", "tip_id", tip.ID, "reason", cause.Error())
	return retry.Terminal(cause)
}

// awaitFirstConfirmation waits for the transaction to be mined, bounded by
// the configured timeout. Either way a confirmation watch job is scheduled;
// on timeout the tip simply stays PROCESSING for the reconciler to settle.
func (w *TipRelay) awaitFirstConfirmation(ctx context.Context, tip *model.Tip, txHash string) error {
	waitCtx, cancel := context.WithTimeout(ctx, w.cfg.FirstConfirmationTimeout)
	defer cancel()

	block, err := w.client.WaitMined(waitCtx, txHash)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			metrics.WorkerConfirmationTimeouts.Inc()
			w.logger.Warn("first confirmation timed out, leaving tip in flight",
				"tip_id", tip.ID, "tx_hash", txHash)
			return w.enqueueWatch(ctx, tip.ID, txHash, w.cfg.WatchDelay)
		}
		if strings.Contains(strings.ToLower(err.Error()), "execution reverted") {
			return w.failTip(ctx, tip, err)
		}
		return retry.Transient(fmt.Errorf("wait mined: %w", err))
	}

	w.logger.Info("tip mined", "tip_id", tip.ID, "tx_hash", txHash, "block", block)
	return w.enqueueWatch(ctx, tip.ID, txHash, w.cfg.WatchDelay)
}

func (w *TipRelay) enqueueWatch(ctx context.Context, tipID uuid.UUID, txHash string, delay time.Duration) error {
	payload, err := json.Marshal(model.ConfirmationWatchPayload{
		Version: model.PayloadVersion,
		TipID:   tipID,
		TxHash:  txHash,
	})
	if err != nil {
		return retry.Terminal(fmt.Errorf("marshal watch payload: %w", err))
	}

	job := &model.RelayJob{
		Kind:        model.JobKindConfirmationWatch,
		Payload:     payload,
		MaxAttempts: w.cfg.WatchMaxAttempts,
		RunAt:       time.Now().Add(delay),
	}
	if err := w.jobs.Enqueue(ctx, job); err != nil {
		return retry.Transient(fmt.Errorf("enqueue confirmation watch: %w", err))
	}
	metrics.QueueEnqueuedTotal.WithLabelValues(string(model.JobKindConfirmationWatch)).Inc()
	return nil
}
