package tips

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
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/lucylow/verytippers/internal/content"
	"github.com/lucylow/verytippers/internal/domain/model"
	"github.com/lucylow/verytippers/internal/encoding"
	"github.com/lucylow/verytippers/internal/identity"
	"github.com/lucylow/verytippers/internal/metrics"
	"github.com/lucylow/verytippers/internal/moderation"
	"github.com/lucylow/verytippers/internal/store"
)

// ValidationError rejects a submission before anything is recorded. Reason is
// a stable label used in metrics and API responses.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed (%s): %v", e.Reason, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(reason string, err error) error {
	metrics.TipsRejectedTotal.WithLabelValues(reason).Inc()
	return &ValidationError{Reason: reason, Err: err}
}

type Config struct {
	TokenSymbol   string
	TokenDecimals int
	// MaxAmount is the per-tip ceiling in base units. Nil disables the check.
	MaxAmount        *big.Int
	MaxMessageLength int
	MaxAttempts      int
}

// Service validates tip intents and records accepted ones. An accepted tip is
// always observable: either its relay job is enqueued, or the tip is FAILED
// before the call returns. There is no third state.
type Service struct {
	cfg        Config
	tipRepo    store.TipRepository
	userRepo   store.UserRepository
	jobRepo    store.JobRepository
	builder    *encoding.Builder
	identities identity.Resolver
	contents   content.Publisher
	moderator  moderation.Checker
	logger     *slog.Logger
}

func NewService(
	cfg Config,
	tipRepo store.TipRepository,
	userRepo store.UserRepository,
	jobRepo store.JobRepository,
	builder *encoding.Builder,
	identities identity.Resolver,
	contents content.Publisher,
	moderator moderation.Checker,
	logger *slog.Logger,
) *Service {
	return &Service{
		cfg:        cfg,
		tipRepo:    tipRepo,
		userRepo:   userRepo,
		jobRepo:    jobRepo,
		builder:    builder,
		identities: identities,
		contents:   contents,
		moderator:  moderator,
		logger:     logger.With("component", "tips"),
	}
}

// PrepareRequest asks for a wallet payload the sender can sign.
type PrepareRequest struct {
	SenderExternalID    string
	RecipientExternalID string
	Amount              string // human units, e.g. "5.0"
	Message             string
}

// PreparedTip is everything the sender's wallet needs to produce a signature,
// plus the content ref the submit call must echo back.
type PreparedTip struct {
	Payload    *encoding.WalletPayload
	MessageRef string
}

// PrepareTip validates the intent, screens and publishes the message, and
// assembles the digest the sender signs. Validation runs before the nonce is
// allocated so a rejected request burns nothing.
func (s *Service) PrepareTip(ctx context.Context, req PrepareRequest) (*PreparedTip, error) {
	if req.SenderExternalID == req.RecipientExternalID {
		return nil, invalid("self_tip", errors.New("sender and recipient are the same account"))
	}

	sender, err := s.resolveUser(ctx, req.SenderExternalID)
	if err != nil {
		return nil, invalid("unknown_sender", err)
	}
	recipient, err := s.resolveUser(ctx, req.RecipientExternalID)
	if err != nil {
		return nil, invalid("unknown_recipient", err)
	}
	if sender.Address == recipient.Address {
		return nil, invalid("self_tip", errors.New("sender and recipient share an address"))
	}

	if _, err := s.parseBoundedAmount(req.Amount); err != nil {
		return nil, err
	}
	if err := s.validateMessage(req.Message); err != nil {
		return nil, err
	}
	if err := s.moderate(ctx, req.Message); err != nil {
		return nil, err
	}

	ref := ""
	if strings.TrimSpace(req.Message) != "" {
		ref, err = s.contents.Publish(ctx, req.Message)
		if err != nil {
			return nil, fmt.Errorf("publish message: %w", err)
		}
	}

	payload, err := s.builder.Build(ctx, sender.Address, recipient.Address, req.Amount, s.cfg.TokenDecimals, ref)
	if err != nil {
		if isEncodingError(err) {
			return nil, invalid("invalid_amount_or_address", err)
		}
		return nil, err
	}

	return &PreparedTip{Payload: payload, MessageRef: ref}, nil
}

// SubmitRequest carries a signed tip intent.
type SubmitRequest struct {
	SenderExternalID    string
	RecipientExternalID string
	Amount              string // human units
	Message             string
	MessageRef          string
	Nonce               uint64
	Signature           string // hex, 65 bytes
}

// SubmitTip verifies the sender's signature over the recomputed digest,
// records the tip as PENDING, and enqueues exactly one relay job. If the
// enqueue fails the tip is synchronously marked FAILED before returning.
func (s *Service) SubmitTip(ctx context.Context, req SubmitRequest) (*model.Tip, error) {
	// Validate the intent itself before touching the identity service, in the
	// same order PrepareTip runs. A request that could never be accepted must
	// be rejected for that reason, not for whatever resolution fails first.
	if req.SenderExternalID == req.RecipientExternalID {
		return nil, invalid("self_tip", errors.New("sender and recipient are the same account"))
	}
	amount, err := s.parseBoundedAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	if err := s.validateMessage(req.Message); err != nil {
		return nil, err
	}

	sender, err := s.resolveUser(ctx, req.SenderExternalID)
	if err != nil {
		return nil, invalid("unknown_sender", err)
	}
	recipient, err := s.resolveUser(ctx, req.RecipientExternalID)
	if err != nil {
		return nil, invalid("unknown_recipient", err)
	}
	if sender.ID == recipient.ID {
		return nil, invalid("self_tip", errors.New("sender and recipient are the same account"))
	}

	senderAddr, err := encoding.NormalizeAddress(sender.Address)
	if err != nil {
		return nil, fmt.Errorf("sender address on file: %w", err)
	}
	recipientAddr, err := encoding.NormalizeAddress(recipient.Address)
	if err != nil {
		return nil, fmt.Errorf("recipient address on file: %w", err)
	}

	msgDigest := encoding.MessageDigest(req.MessageRef)
	digest := encoding.TipDigest(senderAddr, recipientAddr, amount, msgDigest, req.Nonce)

	sig, err := decodeSignature(req.Signature)
	if err != nil {
		return nil, invalid("invalid_signature", err)
	}
	if err := verifySignature(digest, sig, senderAddr); err != nil {
		return nil, invalid("invalid_signature", err)
	}

	tip := &model.Tip{
		ID:            uuid.New(),
		SenderID:      sender.ID,
		RecipientID:   recipient.ID,
		Amount:        amount.String(),
		TokenSymbol:   s.cfg.TokenSymbol,
		TokenDecimals: s.cfg.TokenDecimals,
		MessageDigest: msgDigest.Hex(),
		Nonce:         int64(req.Nonce),
		Signature:     req.Signature,
		Status:        model.TipStatusPending,
		CreatedAt:     time.Now().UTC(),
	}
	if strings.TrimSpace(req.Message) != "" {
		msg := req.Message
		tip.Message = &msg
	}
	if req.MessageRef != "" {
		ref := req.MessageRef
		tip.MessageRef = &ref
	}

	if err := s.tipRepo.Create(ctx, tip); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, invalid("duplicate_nonce", err)
		}
		return nil, fmt.Errorf("record tip: %w", err)
	}

	payload, err := json.Marshal(model.TipRelayPayload{
		Version: model.PayloadVersion,
		TipID:   tip.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}

	job := &model.RelayJob{
		Kind:        model.JobKindTipRelay,
		Payload:     payload,
		MaxAttempts: s.cfg.MaxAttempts,
	}
	if err := s.jobRepo.Enqueue(ctx, job); err != nil {
		// The accepted-implies-scheduled contract: a tip that cannot be
		// enqueued must not linger as PENDING.
		reason := "enqueue failed: " + err.Error()
		if _, failErr := s.tipRepo.MarkFailed(ctx, tip.ID, reason); failErr != nil {
			s.logger.Error("tip stranded after enqueue failure",
				"tip_id", tip.ID, "enqueue_error", err, "mark_failed_error", failErr)
		}
		return nil, fmt.Errorf("enqueue relay job: %w", err)
	}

	metrics.TipsSubmittedTotal.WithLabelValues(tip.TokenSymbol).Inc()
	metrics.QueueEnqueuedTotal.WithLabelValues(string(model.JobKindTipRelay)).Inc()
	s.logger.Info("tip accepted", "tip_id", tip.ID, "sender", sender.ExternalID,
		"recipient", recipient.ExternalID, "amount", tip.Amount)
	return tip, nil
}

func (s *Service) GetTip(ctx context.Context, id uuid.UUID) (*model.Tip, error) {
	return s.tipRepo.GetByID(ctx, id)
}

func (s *Service) ListTipsByUser(ctx context.Context, externalID string, limit, offset int) ([]model.Tip, error) {
	user, err := s.userRepo.GetByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	return s.tipRepo.ListByUser(ctx, user.ID, limit, offset)
}

// resolveUser returns the local user record, provisioning it from the
// identity service on first sight. A concurrent provision loses the insert
// race and re-reads.
func (s *Service) resolveUser(ctx context.Context, externalID string) (*model.User, error) {
	if strings.TrimSpace(externalID) == "" {
		return nil, errors.New("empty account id")
	}

	user, err := s.userRepo.GetByExternalID(ctx, externalID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("look up user %s: %w", externalID, err)
	}

	id, err := s.identities.Resolve(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("resolve identity %s: %w", externalID, err)
	}

	addr, err := encoding.NormalizeAddress(id.Address)
	if err != nil {
		return nil, fmt.Errorf("identity %s address: %w", externalID, err)
	}

	user = &model.User{
		ID:         uuid.New(),
		ExternalID: externalID,
		Address:    addr.Hex(),
		PublicKey:  id.PublicKey,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return s.userRepo.GetByExternalID(ctx, externalID)
		}
		return nil, fmt.Errorf("provision user %s: %w", externalID, err)
	}
	return user, nil
}

// parseBoundedAmount converts the human-entered amount to base units and
// enforces the configured per-tip ceiling.
func (s *Service) parseBoundedAmount(raw string) (*big.Int, error) {
	amount, err := encoding.ParseAmount(raw, s.cfg.TokenDecimals)
	if err != nil {
		return nil, invalid("invalid_amount", err)
	}
	if s.cfg.MaxAmount != nil && amount.Cmp(s.cfg.MaxAmount) > 0 {
		return nil, invalid("amount_exceeds_ceiling", fmt.Errorf(
			"amount %s exceeds the %s %s per-tip ceiling",
			raw, encoding.FormatAmount(s.cfg.MaxAmount, s.cfg.TokenDecimals), s.cfg.TokenSymbol))
	}
	return amount, nil
}

func (s *Service) validateMessage(message string) error {
	if message == "" {
		return nil
	}
	if !utf8.ValidString(message) {
		return invalid("invalid_message", errors.New("message is not valid UTF-8"))
	}
	if utf8.RuneCountInString(message) > s.cfg.MaxMessageLength {
		return invalid("message_too_long",
			fmt.Errorf("message exceeds %d characters", s.cfg.MaxMessageLength))
	}
	return nil
}

// moderate screens the message. An unreachable moderation service fails open:
// the tip proceeds and the miss is counted.
func (s *Service) moderate(ctx context.Context, message string) error {
	if strings.TrimSpace(message) == "" {
		return nil
	}
	verdict, err := s.moderator.Check(ctx, message)
	if err != nil {
		metrics.ModerationFailOpenTotal.Inc()
		s.logger.Warn("moderation unavailable, failing open", "error", err)
		return nil
	}
	if !verdict.Allowed {
		reason := verdict.Reason
		if reason == "" {
			reason = "content rejected"
		}
		return invalid("moderation_rejected", errors.New(reason))
	}
	return nil
}

func isEncodingError(err error) bool {
	return errors.Is(err, encoding.ErrInvalidAddress) ||
		errors.Is(err, encoding.ErrInvalidAmount) ||
		errors.Is(err, encoding.ErrAmountNotPositive) ||
		errors.Is(err, encoding.ErrTooManyDecimals)
}

func decodeSignature(sigHex string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("signature is not hex: %w", err)
	}
	if len(raw) != crypto.SignatureLength {
		return nil, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(raw))
	}
	sig := make([]byte, crypto.SignatureLength)
	copy(sig, raw)
	// Wallets emit V as 27/28; go-ethereum recovery expects 0/1.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	return sig, nil
}

func verifySignature(digest common.Hash, sig []byte, expected common.Address) error {
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return fmt.Errorf("recover signer: %w", err)
	}
	if recovered := crypto.PubkeyToAddress(*pub); recovered != expected {
		return fmt.Errorf("invalid signature: recovered %s, expected %s", recovered.Hex(), expected.Hex())
	}
	return nil
}
