/**
 * @description
 * Daily interest accrual. Each investment-day is credited at most once:
 * the worker checks for an existing accrual and the accrual table's unique
 * key rejects concurrent duplicates inside the same transaction that moves
 * the money.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/growthpact/jobs-service/internal/domain"
	"github.com/growthpact/jobs-service/internal/store"
	"github.com/shopspring/decimal"
)

const defaultAccrualConcurrency = 8

// ErrAccrualIncomplete is returned by RunBatch after every investment has been
// attempted but at least one could not be accrued. Retrying the batch only
// touches the investments that are still missing the day.
var ErrAccrualIncomplete = errors.New("interest accrual batch incomplete")

// AccrualWorker applies daily interest to investments.
type AccrualWorker struct {
	repo        store.LedgerRepository
	auditor     *Auditor
	logger      *slog.Logger
	concurrency int
}

func NewAccrualWorker(repo store.LedgerRepository, auditor *Auditor, logger *slog.Logger, concurrency int) *AccrualWorker {
	if concurrency <= 0 {
		concurrency = defaultAccrualConcurrency
	}
	return &AccrualWorker{
		repo:        repo,
		auditor:     auditor,
		logger:      logger.With("component", "interest_accrual"),
		concurrency: concurrency,
	}
}

// AccrueOne credits one day of interest for one investment. Failures are
// reported in the result, never returned.
func (w *AccrualWorker) AccrueOne(ctx context.Context, inv domain.Investment, plan domain.Plan, day domain.Date) domain.AccrualResult {
	result := domain.AccrualResult{InvestmentID: inv.ID}
	interest := domain.DailyInterest(inv.Amount, plan.DailyInterestRate)
	logger := w.logger.With("investment_id", inv.ID, "user_id", inv.UserID, "date", day.String())

	exists, err := w.repo.HasAccrual(ctx, inv.ID, day)
	if err != nil {
		logger.Error("accrual lookup failed", "error", err)
		return errorResult(result, err)
	}
	if exists {
		result.Status = domain.AccrualStatusSkipped
		result.Reason = domain.ReasonAlreadyAccrued
		return result
	}

	err = w.repo.InLedgerTx(ctx, func(tx store.LedgerTx) error {
		accrual := domain.InterestAccrual{
			ID:             uuid.New(),
			InvestmentID:   inv.ID,
			UserID:         inv.UserID,
			Date:           day,
			InterestAmount: interest,
		}
		if err := tx.InsertAccrual(ctx, accrual); err != nil {
			return err
		}
		if err := tx.IncrementInvestmentInterest(ctx, inv.ID, interest); err != nil {
			return err
		}
		return tx.IncrementUserBalance(ctx, inv.UserID, interest)
	})
	if errors.Is(err, store.ErrAccrualExists) {
		// Lost the race to a concurrent delivery of the same day.
		result.Status = domain.AccrualStatusSkipped
		result.Reason = domain.ReasonAlreadyAccrued
		return result
	}
	if err != nil {
		logger.Error("interest accrual failed", "error", err)
		return errorResult(result, err)
	}

	logger.Info("interest accrued", "interest", interest.String())
	w.auditor.Record(ctx, domain.AuditInterestAccrued, map[string]interface{}{
		"investment_id":   inv.ID.String(),
		"user_id":         inv.UserID.String(),
		"date":            day.String(),
		"interest_amount": interest.StringFixed(domain.MoneyPlaces),
	})

	result.Status = domain.AccrualStatusSuccess
	result.InterestAmount = &interest
	return result
}

// RunBatch accrues interest for every investment eligible on day. One
// investment failing never stops the others; the summary always carries every
// per-item result. The returned error is non-nil when the listing failed, the
// context ended before all items ran, or any item failed, so the job is
// retried.
func (w *AccrualWorker) RunBatch(ctx context.Context, day domain.Date) (domain.AccrualBatchSummary, error) {
	summary := domain.AccrualBatchSummary{Date: day, TotalInterest: decimal.Zero}

	items, err := w.repo.ListAccruableInvestments(ctx, day)
	if err != nil {
		return summary, fmt.Errorf("load investments for %s: %w", day, err)
	}
	w.logger.Info("starting interest accrual batch", "date", day.String(), "investments", len(items))

	results := make([]domain.AccrualResult, len(items))
	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup

	for i, item := range items {
		if ctx.Err() != nil {
			results[i] = errorResult(domain.AccrualResult{InvestmentID: item.Investment.ID}, ctx.Err())
			continue
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(i int, item domain.AccruableInvestment) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if rec := recover(); rec != nil {
					w.logger.Error("interest accrual panicked", "investment_id", item.Investment.ID, "panic", rec)
					results[i] = errorResult(domain.AccrualResult{InvestmentID: item.Investment.ID}, fmt.Errorf("panic: %v", rec))
				}
			}()
			results[i] = w.AccrueOne(ctx, item.Investment, item.Plan, day)
		}(i, item)
	}
	wg.Wait()

	for _, r := range results {
		summary.Add(r)
	}

	w.logger.Info("interest accrual batch finished",
		"date", day.String(),
		"processed", summary.Processed,
		"succeeded", summary.Succeeded,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
		"total_interest", summary.TotalInterest.StringFixed(domain.MoneyPlaces),
	)
	w.auditor.Record(ctx, domain.AuditInterestBatchCompleted, map[string]interface{}{
		"date":           day.String(),
		"processed":      summary.Processed,
		"succeeded":      summary.Succeeded,
		"skipped":        summary.Skipped,
		"failed":         summary.Failed,
		"total_interest": summary.TotalInterest.StringFixed(domain.MoneyPlaces),
	})

	if err := ctx.Err(); err != nil {
		return summary, fmt.Errorf("accrual batch for %s interrupted: %w", day, err)
	}
	if summary.Failed > 0 {
		return summary, fmt.Errorf("%w: %d of %d investments failed for %s", ErrAccrualIncomplete, summary.Failed, summary.Processed, day)
	}
	return summary, nil
}

func errorResult(r domain.AccrualResult, err error) domain.AccrualResult {
	r.Status = domain.AccrualStatusError
	r.Error = err.Error()
	return r
}
