package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/lucylow/verytippers/internal/domain/model"
	"github.com/lucylow/verytippers/internal/encoding"
	"github.com/lucylow/verytippers/internal/store"
	storeredis "github.com/lucylow/verytippers/internal/store/redis"
	"github.com/lucylow/verytippers/internal/tips"
)

const maxRequestBodyBytes = 1 << 20 // 1 MB

// Server exposes the tip intake API to platform clients.
type Server struct {
	tips        *tips.Service
	leaderboard *storeredis.Leaderboard
	logger      *slog.Logger
}

func NewServer(svc *tips.Service, leaderboard *storeredis.Leaderboard, logger *slog.Logger) *Server {
	return &Server{
		tips:        svc,
		leaderboard: leaderboard,
		logger:      logger.With("component", "api"),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tips/prepare", s.handlePrepareTip)
	mux.HandleFunc("POST /v1/tips", s.handleSubmitTip)
	mux.HandleFunc("GET /v1/tips/{id}", s.handleGetTip)
	mux.HandleFunc("GET /v1/users/{external_id}/tips", s.handleListTips)
	mux.HandleFunc("GET /v1/leaderboard/{board}", s.handleLeaderboard)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return false
	}
	return true
}

// writeServiceError maps validation failures to 422 with the stable reason
// label; everything else is a 500.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var verr *tips.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":  verr.Err.Error(),
			"reason": verr.Reason,
		})
		return
	}
	s.logger.Error("request failed", "error", err)
	http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
}

type prepareTipRequest struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Message   string `json:"message"`
}

type prepareTipResponse struct {
	Sender        string `json:"sender_address"`
	Recipient     string `json:"recipient_address"`
	Amount        string `json:"amount"` // base units
	MessageRef    string `json:"message_ref,omitempty"`
	MessageDigest string `json:"message_digest"`
	Nonce         uint64 `json:"nonce"`
	Digest        string `json:"digest"` // what the wallet signs
}

func (s *Server) handlePrepareTip(w http.ResponseWriter, r *http.Request) {
	var req prepareTipRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	prepared, err := s.tips.PrepareTip(r.Context(), tips.PrepareRequest{
		SenderExternalID:    req.Sender,
		RecipientExternalID: req.Recipient,
		Amount:              req.Amount,
		Message:             req.Message,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	p := prepared.Payload
	writeJSON(w, http.StatusOK, prepareTipResponse{
		Sender:        p.Sender.Hex(),
		Recipient:     p.Recipient.Hex(),
		Amount:        p.Amount.String(),
		MessageRef:    prepared.MessageRef,
		MessageDigest: p.MessageDigest.Hex(),
		Nonce:         p.Nonce,
		Digest:        p.Digest.Hex(),
	})
}

type submitTipRequest struct {
	Sender     string `json:"sender"`
	Recipient  string `json:"recipient"`
	Amount     string `json:"amount"`
	Message    string `json:"message"`
	MessageRef string `json:"message_ref"`
	Nonce      uint64 `json:"nonce"`
	Signature  string `json:"signature"`
}

type tipResponse struct {
	ID            uuid.UUID  `json:"id"`
	Amount        string     `json:"amount"` // human units
	TokenSymbol   string     `json:"token_symbol"`
	Message       *string    `json:"message,omitempty"`
	Status        string     `json:"status"`
	TxHash        *string    `json:"tx_hash,omitempty"`
	Confirmations int        `json:"confirmations"`
	FailReason    *string    `json:"fail_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ConfirmedAt   *time.Time `json:"confirmed_at,omitempty"`
}

func toTipResponse(tip *model.Tip) tipResponse {
	return tipResponse{
		ID:            tip.ID,
		Amount:        formatTipAmount(tip),
		TokenSymbol:   tip.TokenSymbol,
		Message:       tip.Message,
		Status:        string(tip.Status),
		TxHash:        tip.TxHash,
		Confirmations: tip.Confirmations,
		FailReason:    tip.FailReason,
		CreatedAt:     tip.CreatedAt,
		ConfirmedAt:   tip.ConfirmedAt,
	}
}

func formatTipAmount(tip *model.Tip) string {
	base, ok := new(big.Int).SetString(tip.Amount, 10)
	if !ok {
		return tip.Amount
	}
	return encoding.FormatAmount(base, tip.TokenDecimals)
}

func (s *Server) handleSubmitTip(w http.ResponseWriter, r *http.Request) {
	var req submitTipRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	tip, err := s.tips.SubmitTip(r.Context(), tips.SubmitRequest{
		SenderExternalID:    req.Sender,
		RecipientExternalID: req.Recipient,
		Amount:              req.Amount,
		Message:             req.Message,
		MessageRef:          req.MessageRef,
		Nonce:               req.Nonce,
		Signature:           req.Signature,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, toTipResponse(tip))
}

func (s *Server) handleGetTip(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid tip id"}`, http.StatusBadRequest)
		return
	}

	tip, err := s.tips.GetTip(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, `{"error":"tip not found"}`, http.StatusNotFound)
			return
		}
		s.logger.Error("load tip failed", "id", id, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toTipResponse(tip))
}

func (s *Server) handleListTips(w http.ResponseWriter, r *http.Request) {
	externalID := r.PathValue("external_id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	list, err := s.tips.ListTipsByUser(r.Context(), externalID, limit, offset)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, `{"error":"user not found"}`, http.StatusNotFound)
			return
		}
		s.logger.Error("list tips failed", "external_id", externalID, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	resp := make([]tipResponse, len(list))
	for i := range list {
		resp[i] = toTipResponse(&list[i])
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if s.leaderboard == nil {
		http.Error(w, `{"error":"leaderboard not configured"}`, http.StatusServiceUnavailable)
		return
	}

	n, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)

	var (
		entries []storeredis.Entry
		err     error
	)
	switch r.PathValue("board") {
	case "senders":
		entries, err = s.leaderboard.TopSenders(r.Context(), n)
	case "recipients":
		entries, err = s.leaderboard.TopRecipients(r.Context(), n)
	default:
		http.Error(w, `{"error":"board must be senders or recipients"}`, http.StatusBadRequest)
		return
	}
	if err != nil {
		s.logger.Error("leaderboard read failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
