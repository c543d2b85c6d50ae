package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/growthpact/jobs-service/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

type pgLedgerTx struct {
	tx pgx.Tx
}

// InsertAccrual returns ErrAccrualExists when the (investment, date) pair is taken.
func (t *pgLedgerTx) InsertAccrual(ctx context.Context, a domain.InterestAccrual) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO interest_accruals (id, investment_id, user_id, accrual_date, interest_amount)
		VALUES ($1, $2, $3, $4::date, $5::numeric)
	`, a.ID, a.InvestmentID, a.UserID, a.Date.String(), a.InterestAmount.String())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAccrualExists
		}
		return fmt.Errorf("insert accrual: %w", err)
	}
	return nil
}

func (t *pgLedgerTx) IncrementInvestmentInterest(ctx context.Context, investmentID uuid.UUID, delta decimal.Decimal) error {
	result, err := t.tx.Exec(ctx, `
		UPDATE investments
		SET total_interest_earned = total_interest_earned + $2::numeric, updated_at = NOW()
		WHERE id = $1
	`, investmentID, delta.String())
	if err != nil {
		return fmt.Errorf("increment investment interest: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrInvestmentNotFound
	}
	return nil
}

func (t *pgLedgerTx) IncrementUserBalance(ctx context.Context, userID uuid.UUID, delta decimal.Decimal) error {
	result, err := t.tx.Exec(ctx, `
		UPDATE users
		SET balance_inr = balance_inr + $2::numeric, updated_at = NOW()
		WHERE id = $1
	`, userID, delta.String())
	if err != nil {
		return fmt.Errorf("increment user balance: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// CompletePendingDeposit settles a deposit only while it is still pending.
// It returns ErrDepositNotPending when no pending row matched.
func (t *pgLedgerTx) CompletePendingDeposit(ctx context.Context, depositID, userID uuid.UUID, amountINR, rate decimal.Decimal) error {
	result, err := t.tx.Exec(ctx, `
		UPDATE deposits
		SET amount_inr = $3::numeric,
			conversion_rate = $4::numeric,
			status = 'completed',
			failure_reason = NULL,
			updated_at = NOW()
		WHERE id = $1 AND user_id = $2 AND status = 'pending'
	`, depositID, userID, amountINR.String(), rate.String())
	if err != nil {
		return fmt.Errorf("complete deposit: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrDepositNotPending
	}
	return nil
}
