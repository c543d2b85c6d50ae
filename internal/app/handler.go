package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/growthpact/jobs-service/internal/domain"
	"github.com/growthpact/jobs-service/internal/queue"
)

// JobHandler routes queued jobs to the worker for their type.
type JobHandler struct {
	accrual    *AccrualWorker
	settlement *SettlementWorker
	logger     *slog.Logger
}

func NewJobHandler(accrual *AccrualWorker, settlement *SettlementWorker, logger *slog.Logger) *JobHandler {
	return &JobHandler{accrual: accrual, settlement: settlement, logger: logger}
}

func (h *JobHandler) Handle(ctx context.Context, job domain.Job, payload domain.Payload) (interface{}, error) {
	switch p := payload.(type) {
	case domain.CalculateInterestPayload:
		return h.accrual.RunBatch(ctx, p.Date)
	case domain.ConvertCryptoPayload:
		return h.settlement.Settle(ctx, p)
	default:
		return nil, queue.Permanent(fmt.Errorf("%w: %T", domain.ErrUnknownJobType, payload))
	}
}

// OnExhausted reacts to jobs that will not be retried again.
func (h *JobHandler) OnExhausted(ctx context.Context, job domain.Job, payload domain.Payload, cause error) {
	switch p := payload.(type) {
	case domain.ConvertCryptoPayload:
		if errors.Is(cause, ErrDepositMismatch) {
			h.logger.Error("settlement job does not match its deposit; deposit left unchanged",
				"job_id", job.ID, "deposit_id", p.DepositID, "error", cause)
			return
		}
		h.settlement.MarkFailed(ctx, p, cause)
	case domain.CalculateInterestPayload:
		h.logger.Error("interest accrual job exhausted retries; re-trigger the date to resume",
			"job_id", job.ID, "date", p.Date.String(), "error", cause)
	}
}
