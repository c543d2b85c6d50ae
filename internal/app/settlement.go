/**
 * @description
 * Conversion settlement: prices a pending crypto deposit in INR and credits
 * the user. The deposit's pending -> completed transition is status-guarded,
 * so a redelivered job finds nothing to update and credits nothing.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/growthpact/jobs-service/internal/domain"
	"github.com/growthpact/jobs-service/internal/queue"
	"github.com/growthpact/jobs-service/internal/store"
	"github.com/growthpact/jobs-service/pkg/rateclient"
)

const defaultRateTimeout = 10 * time.Second

// ErrDepositMismatch means a settlement job names a deposit that belongs to a
// different user, amount or currency. Such jobs never touch the deposit.
var ErrDepositMismatch = errors.New("settlement job does not match deposit")

type SettlementWorker struct {
	repo        store.LedgerRepository
	rates       rateclient.Provider
	auditor     *Auditor
	logger      *slog.Logger
	rateTimeout time.Duration
}

func NewSettlementWorker(repo store.LedgerRepository, rates rateclient.Provider, auditor *Auditor, logger *slog.Logger, rateTimeout time.Duration) *SettlementWorker {
	if rateTimeout <= 0 {
		rateTimeout = defaultRateTimeout
	}
	return &SettlementWorker{
		repo:        repo,
		rates:       rates,
		auditor:     auditor,
		logger:      logger.With("component", "conversion_settlement"),
		rateTimeout: rateTimeout,
	}
}

// Settle converts and credits one deposit. Errors wrapped with
// queue.Permanent cannot succeed on retry.
func (w *SettlementWorker) Settle(ctx context.Context, p domain.ConvertCryptoPayload) (domain.SettlementResult, error) {
	logger := w.logger.With("deposit_id", p.DepositID, "user_id", p.UserID, "currency", p.Currency)
	result := domain.SettlementResult{DepositID: p.DepositID}

	assetID, err := p.Currency.AssetID()
	if err != nil {
		return result, queue.Permanent(err)
	}

	deposit, err := w.repo.GetDeposit(ctx, p.DepositID)
	if err != nil {
		if errors.Is(err, store.ErrDepositNotFound) {
			return result, queue.Permanent(err)
		}
		return result, err
	}
	if skipped, ok, err := settledOrUnusable(deposit, p); ok || err != nil {
		if err == nil {
			logger.Info("deposit already settled; skipping")
		}
		return skipped, err
	}

	rateCtx, cancel := context.WithTimeout(ctx, w.rateTimeout)
	rate, err := w.rates.INRRate(rateCtx, assetID)
	cancel()
	if err != nil {
		logger.Warn("exchange rate fetch failed", "asset", assetID, "error", err)
		return result, fmt.Errorf("fetch %s rate: %w", assetID, err)
	}

	amountINR := domain.ConvertToINR(p.Amount, rate)

	err = w.repo.InLedgerTx(ctx, func(tx store.LedgerTx) error {
		if err := tx.CompletePendingDeposit(ctx, p.DepositID, p.UserID, amountINR, rate); err != nil {
			return err
		}
		return tx.IncrementUserBalance(ctx, p.UserID, amountINR)
	})
	switch {
	case errors.Is(err, store.ErrDepositNotPending):
		// Another delivery got there first; report what it recorded.
		current, getErr := w.repo.GetDeposit(ctx, p.DepositID)
		if getErr != nil {
			return result, getErr
		}
		skipped, ok, usableErr := settledOrUnusable(current, p)
		if usableErr != nil {
			return result, usableErr
		}
		if !ok {
			return result, fmt.Errorf("deposit %s changed during settlement: %w", p.DepositID, err)
		}
		logger.Info("deposit settled by a concurrent delivery; skipping")
		return skipped, nil
	case errors.Is(err, store.ErrUserNotFound):
		return result, queue.Permanent(err)
	case err != nil:
		logger.Error("deposit settlement failed", "error", err)
		return result, err
	}

	logger.Info("deposit settled", "amount_inr", amountINR.String(), "rate", rate.String())
	w.auditor.Record(ctx, domain.AuditDepositConverted, map[string]interface{}{
		"deposit_id": p.DepositID.String(),
		"user_id":    p.UserID.String(),
		"currency":   string(p.Currency),
		"amount":     p.Amount.String(),
		"amount_inr": amountINR.StringFixed(domain.MoneyPlaces),
		"rate":       rate.String(),
	})

	result.Success = true
	result.Status = string(domain.DepositStatusCompleted)
	result.AmountINR = amountINR
	result.Rate = rate
	return result, nil
}

// MarkFailed moves the deposit to failed after its settlement job gave up.
func (w *SettlementWorker) MarkFailed(ctx context.Context, p domain.ConvertCryptoPayload, cause error) {
	logger := w.logger.With("deposit_id", p.DepositID, "user_id", p.UserID)
	reason := "settlement failed"
	if cause != nil {
		reason = cause.Error()
	}

	marked, err := w.repo.MarkDepositFailed(ctx, store.DepositMatch{
		DepositID: p.DepositID,
		UserID:    p.UserID,
		Amount:    p.Amount,
		Currency:  p.Currency,
	}, reason)
	if err != nil {
		logger.Error("failed to mark deposit failed", "error", err)
		return
	}
	if !marked {
		logger.Info("deposit no longer pending or does not match job; leaving status unchanged")
		return
	}

	logger.Warn("deposit marked failed", "reason", reason)
	w.auditor.Record(ctx, domain.AuditDepositConversionFailed, map[string]interface{}{
		"deposit_id": p.DepositID.String(),
		"user_id":    p.UserID.String(),
		"currency":   string(p.Currency),
		"amount":     p.Amount.String(),
		"reason":     reason,
	})
}

// settledOrUnusable reports ok=true with a skipped result when the deposit is
// already completed, and a permanent error when it can never be settled by p.
func settledOrUnusable(d *domain.Deposit, p domain.ConvertCryptoPayload) (domain.SettlementResult, bool, error) {
	result := domain.SettlementResult{DepositID: d.ID}

	if d.UserID != p.UserID {
		return result, false, queue.Permanent(fmt.Errorf("%w: deposit %s does not belong to user %s", ErrDepositMismatch, d.ID, p.UserID))
	}
	if d.Currency != p.Currency || !d.Amount.Equal(p.Amount) {
		return result, false, queue.Permanent(fmt.Errorf("%w: deposit %s amount or currency differs", ErrDepositMismatch, d.ID))
	}

	switch d.Status {
	case domain.DepositStatusCompleted:
		result.Success = true
		result.Status = "skipped"
		result.Reason = domain.ReasonAlreadySettled
		if d.AmountINR != nil {
			result.AmountINR = *d.AmountINR
		}
		if d.ConversionRate != nil {
			result.Rate = *d.ConversionRate
		}
		return result, true, nil
	case domain.DepositStatusFailed:
		return result, false, queue.Permanent(fmt.Errorf("deposit %s is marked failed", d.ID))
	case domain.DepositStatusPending:
		return result, false, nil
	default:
		return result, false, queue.Permanent(fmt.Errorf("deposit %s has unknown status %q", d.ID, d.Status))
	}
}
