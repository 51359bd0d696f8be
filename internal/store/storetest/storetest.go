// Package storetest provides in-memory implementations of the store
// interfaces for package tests. They mirror the condition-checked write
// semantics of the postgres repos so pipeline tests exercise the same
// idempotency rules the real store enforces.
package storetest

import (
	"context"
	"database/sql"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lucylow/verytippers/internal/domain/model"
	"github.com/lucylow/verytippers/internal/store"
)

// TipRepo is an in-memory store.TipRepository.
type TipRepo struct {
	mu   sync.Mutex
	tips map[uuid.UUID]*model.Tip

	CreateErr error
	GetErr    error
	// ConfirmErrs are returned by successive ConfirmTx calls, one per call,
	// before the write is attempted. An empty slice means no fault.
	ConfirmErrs []error
}

func NewTipRepo() *TipRepo {
	return &TipRepo{tips: make(map[uuid.UUID]*model.Tip)}
}

// Put seeds a tip, bypassing Create-time checks.
func (r *TipRepo) Put(tip *model.Tip) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *tip
	r.tips[tip.ID] = &cp
}

// Snapshot returns a copy of the stored tip, or nil.
func (r *TipRepo) Snapshot(id uuid.UUID) *model.Tip {
	r.mu.Lock()
	defer r.mu.Unlock()
	tip, ok := r.tips[id]
	if !ok {
		return nil
	}
	cp := *tip
	return &cp
}

func (r *TipRepo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tips)
}

func (r *TipRepo) Create(_ context.Context, tip *model.Tip) error {
	if r.CreateErr != nil {
		return r.CreateErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.tips {
		if existing.SenderID == tip.SenderID && existing.Nonce == tip.Nonce {
			return store.ErrConflict
		}
	}
	cp := *tip
	r.tips[tip.ID] = &cp
	return nil
}

func (r *TipRepo) GetByID(_ context.Context, id uuid.UUID) (*model.Tip, error) {
	if r.GetErr != nil {
		return nil, r.GetErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	tip, ok := r.tips[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *tip
	return &cp, nil
}

func (r *TipRepo) GetByTxHash(_ context.Context, txHash string) (*model.Tip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tip := range r.tips {
		if tip.TxHash != nil && strings.EqualFold(*tip.TxHash, txHash) {
			cp := *tip
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *TipRepo) FindProcessingByTuple(_ context.Context, senderID, recipientID uuid.UUID, messageDigest string) (*model.Tip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var match *model.Tip
	for _, tip := range r.tips {
		if tip.Status != model.TipStatusProcessing {
			continue
		}
		if tip.SenderID != senderID || tip.RecipientID != recipientID {
			continue
		}
		if !strings.EqualFold(tip.MessageDigest, messageDigest) {
			continue
		}
		if match == nil || tip.CreatedAt.Before(match.CreatedAt) {
			match = tip
		}
	}
	if match == nil {
		return nil, store.ErrNotFound
	}
	cp := *match
	return &cp, nil
}

func (r *TipRepo) ListByUser(_ context.Context, userID uuid.UUID, limit, offset int) ([]model.Tip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Tip
	for _, tip := range r.tips {
		if tip.SenderID == userID || tip.RecipientID == userID {
			out = append(out, *tip)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r *TipRepo) SetMessageRef(_ context.Context, id uuid.UUID, ref, digest string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tip, ok := r.tips[id]
	if !ok {
		return store.ErrNotFound
	}
	if tip.MessageRef == nil {
		tip.MessageRef = &ref
		tip.MessageDigest = digest
	}
	return nil
}

func (r *TipRepo) MarkProcessing(_ context.Context, id uuid.UUID, txHash string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tip, ok := r.tips[id]
	if !ok {
		return "", store.ErrNotFound
	}
	if tip.TxHash == nil {
		tip.TxHash = &txHash
	}
	if tip.Status == model.TipStatusPending {
		tip.Status = model.TipStatusProcessing
	}
	return *tip.TxHash, nil
}

func (r *TipRepo) MarkFailed(_ context.Context, id uuid.UUID, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tip, ok := r.tips[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if tip.Status.IsTerminal() {
		return false, nil
	}
	tip.Status = model.TipStatusFailed
	tip.FailReason = &reason
	return true, nil
}

func (r *TipRepo) ConfirmTx(_ context.Context, _ *sql.Tx, id uuid.UUID, txHash string, blockNumber int64, confirmedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ConfirmErrs) > 0 {
		err := r.ConfirmErrs[0]
		r.ConfirmErrs = r.ConfirmErrs[1:]
		if err != nil {
			return false, err
		}
	}
	tip, ok := r.tips[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if tip.Status == model.TipStatusConfirmed {
		return false, nil
	}
	tip.Status = model.TipStatusConfirmed
	if tip.TxHash == nil {
		tip.TxHash = &txHash
	}
	tip.BlockNumber = &blockNumber
	tip.ConfirmedAt = &confirmedAt
	tip.FailReason = nil
	return true, nil
}

func (r *TipRepo) SetConfirmations(_ context.Context, id uuid.UUID, confirmations int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tip, ok := r.tips[id]
	if !ok {
		return store.ErrNotFound
	}
	if confirmations > tip.Confirmations {
		tip.Confirmations = confirmations
	}
	return nil
}

func (r *TipRepo) Reset(_ context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tip, ok := r.tips[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if tip.Status != model.TipStatusFailed {
		return false, nil
	}
	tip.Status = model.TipStatusPending
	tip.FailReason = nil
	return true, nil
}

// UserRepo is an in-memory store.UserRepository. TotalsApplied counts calls to
// ApplyTipTotalsTx so replay tests can assert counters were applied once.
type UserRepo struct {
	mu    sync.Mutex
	users map[uuid.UUID]*model.User

	TotalsApplied int
}

func NewUserRepo() *UserRepo {
	return &UserRepo{users: make(map[uuid.UUID]*model.User)}
}

func (r *UserRepo) Put(u *model.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *u
	r.users[u.ID] = &cp
}

func (r *UserRepo) Snapshot(id uuid.UUID) *model.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil
	}
	cp := *u
	return &cp
}

func (r *UserRepo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

func (r *UserRepo) Create(_ context.Context, u *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.users {
		if existing.ExternalID == u.ExternalID || strings.EqualFold(existing.Address, u.Address) {
			return store.ErrConflict
		}
	}
	cp := *u
	if cp.AmountSent == "" {
		cp.AmountSent = "0"
	}
	if cp.AmountReceived == "" {
		cp.AmountReceived = "0"
	}
	r.users[u.ID] = &cp
	return nil
}

func (r *UserRepo) GetByID(_ context.Context, id uuid.UUID) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *UserRepo) GetByExternalID(_ context.Context, externalID string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.ExternalID == externalID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *UserRepo) GetByAddress(_ context.Context, address string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if strings.EqualFold(u.Address, address) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *UserRepo) ApplyTipTotalsTx(_ context.Context, _ *sql.Tx, senderID, recipientID uuid.UUID, amount string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sender, ok := r.users[senderID]; ok {
		sender.TipsSent++
		sender.AmountSent = addNumeric(sender.AmountSent, amount)
	}
	if recipient, ok := r.users[recipientID]; ok {
		recipient.TipsReceived++
		recipient.AmountReceived = addNumeric(recipient.AmountReceived, amount)
	}
	r.TotalsApplied++
	return nil
}

func addNumeric(a, b string) string {
	x, ok := new(big.Int).SetString(a, 10)
	if !ok {
		x = big.NewInt(0)
	}
	y, ok := new(big.Int).SetString(b, 10)
	if !ok {
		y = big.NewInt(0)
	}
	return new(big.Int).Add(x, y).String()
}

// JobRepo is an in-memory store.JobRepository with the same lease semantics
// as the postgres queue: runnable means queued or lease-expired, ordered by
// priority then run_at, attempt incremented at lease time.
type JobRepo struct {
	mu   sync.Mutex
	jobs []*model.RelayJob

	DeadLetters []model.DeadLetter
	EnqueueErr  error

	// Now lets tests pin the clock. Defaults to time.Now.
	Now func() time.Time
}

func NewJobRepo() *JobRepo {
	return &JobRepo{Now: time.Now}
}

func (r *JobRepo) All() []model.RelayJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.RelayJob, len(r.jobs))
	for i, j := range r.jobs {
		out[i] = *j
	}
	return out
}

// SetRunAt forces a job to be runnable (or not) for lease-driven tests.
func (r *JobRepo) SetRunAt(id uuid.UUID, runAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.ID == id {
			j.RunAt = runAt
		}
	}
}

func (r *JobRepo) Enqueue(_ context.Context, job *model.RelayJob) error {
	if r.EnqueueErr != nil {
		return r.EnqueueErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.RunAt.IsZero() {
		job.RunAt = r.Now()
	}
	job.Status = model.JobStatusQueued
	cp := *job
	r.jobs = append(r.jobs, &cp)
	return nil
}

func (r *JobRepo) EnqueueTx(ctx context.Context, _ *sql.Tx, job *model.RelayJob) error {
	return r.Enqueue(ctx, job)
}

func (r *JobRepo) Lease(_ context.Context, req store.LeaseRequest) (*model.RelayJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.Now()
	kinds := make(map[model.JobKind]bool, len(req.Kinds))
	for _, k := range req.Kinds {
		kinds[k] = true
	}

	var candidate *model.RelayJob
	for _, j := range r.jobs {
		if !kinds[j.Kind] || j.RunAt.After(now) {
			continue
		}
		runnable := j.Status == model.JobStatusQueued ||
			(j.Status == model.JobStatusLeased && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now))
		if !runnable {
			continue
		}
		if candidate == nil ||
			j.Priority > candidate.Priority ||
			(j.Priority == candidate.Priority && j.RunAt.Before(candidate.RunAt)) {
			candidate = j
		}
	}
	if candidate == nil {
		return nil, store.ErrNotFound
	}

	expires := now.Add(req.LeaseTTL)
	candidate.Status = model.JobStatusLeased
	candidate.LeasedBy = &req.LeasedBy
	candidate.LeaseExpiresAt = &expires
	candidate.Attempt++
	cp := *candidate
	return &cp, nil
}

func (r *JobRepo) Ack(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.ID == id {
			j.Status = model.JobStatusDone
			j.LeasedBy = nil
			j.LeaseExpiresAt = nil
		}
	}
	return nil
}

func (r *JobRepo) Reschedule(_ context.Context, id uuid.UUID, runAt time.Time, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.ID == id {
			j.Status = model.JobStatusQueued
			j.LeasedBy = nil
			j.LeaseExpiresAt = nil
			j.RunAt = runAt
			j.LastError = &lastError
		}
	}
	return nil
}

func (r *JobRepo) DeadLetter(_ context.Context, id uuid.UUID, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.ID != id {
			continue
		}
		if j.Status == model.JobStatusDone {
			return nil
		}
		j.Status = model.JobStatusDone
		j.LeasedBy = nil
		j.LeaseExpiresAt = nil
		j.LastError = &lastError
		r.DeadLetters = append(r.DeadLetters, model.DeadLetter{
			ID:        uuid.New(),
			JobID:     j.ID,
			Kind:      j.Kind,
			Payload:   j.Payload,
			Attempts:  j.Attempt,
			LastError: lastError,
			CreatedAt: r.Now(),
		})
	}
	return nil
}

func (r *JobRepo) Cancel(_ context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, j := range r.jobs {
		if j.ID == id && j.Status == model.JobStatusQueued {
			r.jobs = append(r.jobs[:i], r.jobs[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (r *JobRepo) CountQueued(_ context.Context, kind model.JobKind) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, j := range r.jobs {
		if j.Kind == kind && j.Status == model.JobStatusQueued {
			n++
		}
	}
	return n, nil
}

// DeadLetterRepo is an in-memory store.DeadLetterRepository.
type DeadLetterRepo struct {
	mu      sync.Mutex
	letters map[uuid.UUID]*model.DeadLetter
}

func NewDeadLetterRepo() *DeadLetterRepo {
	return &DeadLetterRepo{letters: make(map[uuid.UUID]*model.DeadLetter)}
}

func (r *DeadLetterRepo) Put(dl *model.DeadLetter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *dl
	r.letters[dl.ID] = &cp
}

func (r *DeadLetterRepo) List(_ context.Context, limit, offset int) ([]model.DeadLetter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.DeadLetter
	for _, dl := range r.letters {
		out = append(out, *dl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r *DeadLetterRepo) GetByID(_ context.Context, id uuid.UUID) (*model.DeadLetter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dl, ok := r.letters[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *dl
	return &cp, nil
}

func (r *DeadLetterRepo) MarkReplayedTx(_ context.Context, _ *sql.Tx, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	dl, ok := r.letters[id]
	if !ok {
		return store.ErrNotFound
	}
	if dl.ReplayedAt != nil {
		return store.ErrConflict
	}
	now := time.Now()
	dl.ReplayedAt = &now
	return nil
}
