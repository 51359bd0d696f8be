package admin

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/lucylow/verytippers/internal/domain/model"
	"github.com/lucylow/verytippers/internal/metrics"
	"github.com/lucylow/verytippers/internal/store"
)

// Server provides the operator API: dead-letter inspection and replay, tip
// status lookups, the FAILED→PENDING reset escape hatch, queued-job
// cancellation, and queue stats.
type Server struct {
	db          store.TxBeginner
	tips        store.TipRepository
	jobs        store.JobRepository
	deadLetters store.DeadLetterRepository
	maxAttempts int
	logger      *slog.Logger
}

func NewServer(
	db store.TxBeginner,
	tips store.TipRepository,
	jobs store.JobRepository,
	deadLetters store.DeadLetterRepository,
	maxAttempts int,
	logger *slog.Logger,
) *Server {
	return &Server{
		db:          db,
		tips:        tips,
		jobs:        jobs,
		deadLetters: deadLetters,
		maxAttempts: maxAttempts,
		logger:      logger.With("component", "admin"),
	}
}

// Handler returns the HTTP handler for the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/v1/dead-letters", s.handleListDeadLetters)
	mux.HandleFunc("POST /admin/v1/dead-letters/{id}/replay", s.handleReplayDeadLetter)
	mux.HandleFunc("GET /admin/v1/tips/{id}", s.handleGetTip)
	mux.HandleFunc("POST /admin/v1/tips/{id}/reset", s.handleResetTip)
	mux.HandleFunc("POST /admin/v1/jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("GET /admin/v1/queue/stats", s.handleQueueStats)
	return mux
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func pathUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid id"}`, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

type deadLetterResponse struct {
	ID         uuid.UUID       `json:"id"`
	JobID      uuid.UUID       `json:"job_id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error"`
	CreatedAt  time.Time       `json:"created_at"`
	ReplayedAt *time.Time      `json:"replayed_at,omitempty"`
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	letters, err := s.deadLetters.List(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list dead letters failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	resp := make([]deadLetterResponse, len(letters))
	for i, dl := range letters {
		resp[i] = deadLetterResponse{
			ID:         dl.ID,
			JobID:      dl.JobID,
			Kind:       string(dl.Kind),
			Payload:    dl.Payload,
			Attempts:   dl.Attempts,
			LastError:  dl.LastError,
			CreatedAt:  dl.CreatedAt,
			ReplayedAt: dl.ReplayedAt,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleReplayDeadLetter re-enqueues an exhausted job with a fresh attempt
// budget. The replay stamp and the enqueue commit together, so a dead letter
// can be replayed at most once.
func (s *Server) handleReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}

	dl, err := s.deadLetters.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, `{"error":"dead letter not found"}`, http.StatusNotFound)
			return
		}
		s.logger.Error("load dead letter failed", "id", id, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	tx, err := s.db.BeginTx(r.Context(), nil)
	if err != nil {
		s.logger.Error("begin replay tx failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	defer tx.Rollback()

	if err := s.deadLetters.MarkReplayedTx(r.Context(), tx, id); err != nil {
		if errors.Is(err, store.ErrConflict) {
			http.Error(w, `{"error":"dead letter already replayed"}`, http.StatusConflict)
			return
		}
		s.logger.Error("mark replayed failed", "id", id, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	job := &model.RelayJob{
		Kind:        dl.Kind,
		Payload:     dl.Payload,
		MaxAttempts: s.maxAttempts,
	}
	if err := s.jobs.EnqueueTx(r.Context(), tx, job); err != nil {
		s.logger.Error("replay enqueue failed", "id", id, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("commit replay tx failed", "id", id, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	metrics.QueueEnqueuedTotal.WithLabelValues(string(dl.Kind)).Inc()
	s.logger.Info("dead letter replayed", "dead_letter_id", id, "job_id", job.ID, "kind", string(dl.Kind))
	writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ID})
}

type tipResponse struct {
	ID            uuid.UUID  `json:"id"`
	SenderID      uuid.UUID  `json:"sender_id"`
	RecipientID   uuid.UUID  `json:"recipient_id"`
	Amount        string     `json:"amount"`
	TokenSymbol   string     `json:"token_symbol"`
	Status        string     `json:"status"`
	TxHash        *string    `json:"tx_hash,omitempty"`
	BlockNumber   *int64     `json:"block_number,omitempty"`
	Confirmations int        `json:"confirmations"`
	FailReason    *string    `json:"fail_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ConfirmedAt   *time.Time `json:"confirmed_at,omitempty"`
}

func (s *Server) handleGetTip(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}

	tip, err := s.tips.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, `{"error":"tip not found"}`, http.StatusNotFound)
			return
		}
		s.logger.Error("load tip failed", "id", id, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, tipResponse{
		ID:            tip.ID,
		SenderID:      tip.SenderID,
		RecipientID:   tip.RecipientID,
		Amount:        tip.Amount,
		TokenSymbol:   tip.TokenSymbol,
		Status:        string(tip.Status),
		TxHash:        tip.TxHash,
		BlockNumber:   tip.BlockNumber,
		Confirmations: tip.Confirmations,
		FailReason:    tip.FailReason,
		CreatedAt:     tip.CreatedAt,
		ConfirmedAt:   tip.ConfirmedAt,
	})
}

// handleResetTip moves a FAILED tip back to PENDING and enqueues a fresh
// relay job. This is the only sanctioned backward status transition.
func (s *Server) handleResetTip(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}

	reset, err := s.tips.Reset(r.Context(), id)
	if err != nil {
		s.logger.Error("reset tip failed", "id", id, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if !reset {
		http.Error(w, `{"error":"tip is not in FAILED status"}`, http.StatusConflict)
		return
	}

	payload, err := json.Marshal(model.TipRelayPayload{Version: model.PayloadVersion, TipID: id})
	if err != nil {
		s.logger.Error("marshal relay payload failed", "id", id, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	job := &model.RelayJob{
		Kind:        model.JobKindTipRelay,
		Payload:     payload,
		MaxAttempts: s.maxAttempts,
	}
	if err := s.jobs.Enqueue(r.Context(), job); err != nil {
		s.logger.Error("reset enqueue failed", "id", id, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	metrics.QueueEnqueuedTotal.WithLabelValues(string(model.JobKindTipRelay)).Inc()
	s.logger.Info("tip reset via admin API", "tip_id", id, "job_id", job.ID)
	writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ID})
}

// handleCancelJob withdraws a queued job before any worker leases it. A job
// already leased or done cannot be recalled; the caller gets a conflict and
// the usual retry/dead-letter machinery decides its fate.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}

	canceled, err := s.jobs.Cancel(r.Context(), id)
	if err != nil {
		s.logger.Error("cancel job failed", "id", id, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if !canceled {
		http.Error(w, `{"error":"job is not queued"}`, http.StatusConflict)
		return
	}

	s.logger.Info("job canceled via admin API", "job_id", id)
	writeJSON(w, http.StatusOK, map[string]any{"job_id": id})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats := make(map[string]int64)
	for _, kind := range []model.JobKind{model.JobKindTipRelay, model.JobKindConfirmationWatch} {
		n, err := s.jobs.CountQueued(r.Context(), kind)
		if err != nil {
			s.logger.Error("count queued failed", "kind", string(kind), "error", err)
			http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			return
		}
		stats[string(kind)] = n
	}
	writeJSON(w, http.StatusOK, stats)
}
