/**
 * @description
 * HTTP handlers for the jobs-service internal endpoints. Triggers only
 * enqueue work; the dispatcher performs it asynchronously.
 *
 * @dependencies
 * - go-chi/chi for URL params, google/uuid for ids.
 * - internal/app, internal/domain, internal/queue, internal/store.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/growthpact/jobs-service/internal/app"
	"github.com/growthpact/jobs-service/internal/domain"
	"github.com/growthpact/jobs-service/internal/store"
)

const (
	triggerRateWindow    = time.Minute
	defaultFailedListMax = 50
	maxFailedList        = 500
)

// JobStore is the read and requeue side of the job table.
type JobStore interface {
	GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	ListFailedJobs(ctx context.Context, limit int) ([]domain.Job, error)
	RequeueFailedJob(ctx context.Context, id uuid.UUID) error
}

type DepositReader interface {
	GetDeposit(ctx context.Context, depositID uuid.UUID) (*domain.Deposit, error)
}

// RateLimiter is satisfied by *app.RedisRateLimiter.
type RateLimiter interface {
	Allow(ctx context.Context, scope, subject string, limit int, window time.Duration) (app.RateLimitDecision, error)
}

// JobHandlers serves the trigger and operator endpoints.
type JobHandlers struct {
	enqueuer     app.Enqueuer
	jobs         JobStore
	deposits     DepositReader
	limiter      RateLimiter
	triggerLimit int
	location     *time.Location
	logger       *slog.Logger
	now          func() time.Time
}

// HandlerDeps groups the collaborators of JobHandlers. Limiter may be nil.
type HandlerDeps struct {
	Enqueuer     app.Enqueuer
	Jobs         JobStore
	Deposits     DepositReader
	Limiter      RateLimiter
	TriggerLimit int
	Location     *time.Location
	Logger       *slog.Logger
}

func NewJobHandlers(deps HandlerDeps) *JobHandlers {
	loc := deps.Location
	if loc == nil {
		loc = time.UTC
	}
	return &JobHandlers{
		enqueuer:     deps.Enqueuer,
		jobs:         deps.Jobs,
		deposits:     deps.Deposits,
		limiter:      deps.Limiter,
		triggerLimit: deps.TriggerLimit,
		location:     loc,
		logger:       deps.Logger.With("component", "api"),
		now:          time.Now,
	}
}

type calculateInterestRequest struct {
	Date string `json:"date"`
}

type enqueueResponse struct {
	JobID     uuid.UUID  `json:"job_id"`
	Date      string     `json:"date,omitempty"`
	DepositID *uuid.UUID `json:"deposit_id,omitempty"`
	Status    string     `json:"status"`
}

// handleCalculateInterest enqueues accrual for the requested day, or for the
// current business day when no date is given.
func (h *JobHandlers) handleCalculateInterest(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	if !h.allowTrigger(w, r, "calculate_interest", principal.String()) {
		return
	}

	var req calculateInterestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	day := domain.DateOf(h.now().In(h.location))
	if strings.TrimSpace(req.Date) != "" {
		parsed, err := domain.ParseDate(strings.TrimSpace(req.Date))
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid date, expected YYYY-MM-DD")
			return
		}
		day = parsed
	}

	handle, err := h.enqueuer.Enqueue(r.Context(), domain.CalculateInterestPayload{Date: day})
	if err != nil {
		h.logger.Error("enqueue failed", "endpoint", "calculate_interest", "date", day.String(), "principal", principal.String(), "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}

	h.logger.Info("interest job queued", "job_id", handle.ID, "date", day.String(), "principal", principal.String())
	h.writeJSON(w, http.StatusAccepted, enqueueResponse{JobID: handle.ID, Date: day.String(), Status: "queued"})
}

// handleConvertCrypto enqueues settlement of a pending deposit.
func (h *JobHandlers) handleConvertCrypto(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DepositID string `json:"deposit_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	depositID, err := uuid.Parse(req.DepositID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid deposit ID format")
		return
	}

	dep, err := h.deposits.GetDeposit(r.Context(), depositID)
	if err != nil {
		if errors.Is(err, store.ErrDepositNotFound) {
			h.writeError(w, http.StatusNotFound, "Deposit not found")
			return
		}
		h.logger.Error("deposit lookup failed", "endpoint", "convert_crypto", "deposit_id", depositID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if dep.Status != domain.DepositStatusPending {
		h.writeError(w, http.StatusConflict, "Deposit is not pending")
		return
	}
	if _, err := dep.Currency.AssetID(); err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, "Unsupported deposit currency")
		return
	}

	payload := domain.ConvertCryptoPayload{
		DepositID: dep.ID,
		UserID:    dep.UserID,
		Amount:    dep.Amount,
		Currency:  dep.Currency,
	}
	handle, err := h.enqueuer.Enqueue(r.Context(), payload)
	if err != nil {
		h.logger.Error("enqueue failed", "endpoint", "convert_crypto", "deposit_id", depositID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}

	h.writeJSON(w, http.StatusAccepted, enqueueResponse{JobID: handle.ID, DepositID: &dep.ID, Status: "queued"})
}

func (h *JobHandlers) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobIDParam(w, r)
	if !ok {
		return
	}

	job, err := h.jobs.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			h.writeError(w, http.StatusNotFound, "Job not found")
			return
		}
		h.logger.Error("job lookup failed", "job_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, job)
}

func (h *JobHandlers) handleListFailedJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultFailedListMax
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			h.writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = min(parsed, maxFailedList)
	}

	jobs, err := h.jobs.ListFailedJobs(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed job listing failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs, "count": len(jobs)})
}

// handleRetryJob moves a failed job back to waiting with a fresh attempt budget.
func (h *JobHandlers) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobIDParam(w, r)
	if !ok {
		return
	}

	if err := h.jobs.RequeueFailedJob(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, store.ErrJobNotFound):
			h.writeError(w, http.StatusNotFound, "Job not found")
		case errors.Is(err, store.ErrJobNotFailed):
			h.writeError(w, http.StatusConflict, "Only failed jobs can be retried")
		default:
			h.logger.Error("job requeue failed", "job_id", id, "error", err)
			h.writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	principal, _ := PrincipalFromContext(r.Context())
	h.logger.Info("failed job requeued", "job_id", id, "principal", principal.String())
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"job_id": id, "status": string(domain.JobStateWaiting)})
}

// allowTrigger applies the per-principal trigger limit. Limiter errors fail open.
func (h *JobHandlers) allowTrigger(w http.ResponseWriter, r *http.Request, scope, subject string) bool {
	if h.limiter == nil || h.triggerLimit <= 0 {
		return true
	}
	decision, err := h.limiter.Allow(r.Context(), scope, subject, h.triggerLimit, triggerRateWindow)
	if err != nil {
		h.logger.Warn("rate limiter unavailable", "scope", scope, "error", err)
		return true
	}
	if !decision.Allowed {
		retryAfter := int(decision.RetryAfter.Round(time.Second) / time.Second)
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.writeError(w, http.StatusTooManyRequests, "Too many requests")
		return false
	}
	return true
}

func (h *JobHandlers) jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid job ID format")
		return uuid.Nil, false
	}
	return id, true
}

func (h *JobHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func (h *JobHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
