/**
 * @description
 * PostgreSQL implementation of LedgerRepository.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and pool.
 * - github.com/shopspring/decimal: NUMERIC columns are carried as decimals.
 */
package store

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/growthpact/jobs-service/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrInvestmentNotFound = errors.New("investment not found")
	ErrDepositNotFound    = errors.New("deposit not found")
	ErrDepositNotPending  = errors.New("deposit is not pending")
	ErrAccrualExists      = errors.New("interest already accrued for investment and date")
	ErrJobNotFound        = errors.New("job not found")
	ErrJobNotFailed       = errors.New("job is not in failed state")
	ErrJobLeaseLost       = errors.New("job lease lost to another worker")
)

const uniqueViolation = "23505"

// PostgresRepository implements LedgerRepository and JobRepository.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// ListAccruableInvestments returns active investments whose term covers day,
// joined with their plan.
func (r *PostgresRepository) ListAccruableInvestments(ctx context.Context, day domain.Date) ([]domain.AccruableInvestment, error) {
	query := `
		SELECT i.id, i.user_id, i.plan_id, i.amount::text, i.start_date, i.end_date,
			i.is_active, i.total_interest_earned::text,
			p.name, p.daily_interest_rate::text, p.min_amount::text, p.max_amount::text, p.duration_days
		FROM investments i
		JOIN plans p ON p.id = i.plan_id
		WHERE i.is_active
			AND i.start_date <= $1::date
			AND i.end_date >= $1::date
		ORDER BY i.start_date, i.id
	`
	rows, err := r.db.Query(ctx, query, day.String())
	if err != nil {
		return nil, fmt.Errorf("list accruable investments: %w", err)
	}
	defer rows.Close()

	var out []domain.AccruableInvestment
	for rows.Next() {
		var (
			item                                 domain.AccruableInvestment
			amount, earned, rate, minAmt, maxAmt string
		)
		if err := rows.Scan(
			&item.Investment.ID,
			&item.Investment.UserID,
			&item.Investment.PlanID,
			&amount,
			&item.Investment.StartDate.Time,
			&item.Investment.EndDate.Time,
			&item.Investment.IsActive,
			&earned,
			&item.Plan.Name,
			&rate,
			&minAmt,
			&maxAmt,
			&item.Plan.DurationDays,
		); err != nil {
			return nil, fmt.Errorf("scan accruable investment: %w", err)
		}
		item.Plan.ID = item.Investment.PlanID
		if err := parseDecimals(
			decimalField{&item.Investment.Amount, amount},
			decimalField{&item.Investment.TotalInterestEarned, earned},
			decimalField{&item.Plan.DailyInterestRate, rate},
			decimalField{&item.Plan.MinAmount, minAmt},
			decimalField{&item.Plan.MaxAmount, maxAmt},
		); err != nil {
			return nil, fmt.Errorf("investment %s: %w", item.Investment.ID, err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// HasAccrual reports whether interest was already accrued for the investment-day.
func (r *PostgresRepository) HasAccrual(ctx context.Context, investmentID uuid.UUID, day domain.Date) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM interest_accruals WHERE investment_id = $1 AND accrual_date = $2::date
		)
	`, investmentID, day.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check accrual: %w", err)
	}
	return exists, nil
}

func (r *PostgresRepository) GetDeposit(ctx context.Context, depositID uuid.UUID) (*domain.Deposit, error) {
	var (
		d                   domain.Deposit
		amount              string
		currency, status    string
		amountINR, rateText *string
	)
	err := r.db.QueryRow(ctx, `
		SELECT id, user_id, amount::text, currency, status, amount_inr::text, conversion_rate::text,
			failure_reason, created_at, updated_at
		FROM deposits
		WHERE id = $1
	`, depositID).Scan(
		&d.ID, &d.UserID, &amount, &currency, &status, &amountINR, &rateText,
		&d.FailureReason, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDepositNotFound
		}
		return nil, fmt.Errorf("get deposit: %w", err)
	}

	d.Currency = domain.Currency(currency)
	d.Status = domain.DepositStatus(status)
	if d.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("deposit %s amount: %w", d.ID, err)
	}
	if d.AmountINR, err = optionalDecimal(amountINR); err != nil {
		return nil, fmt.Errorf("deposit %s amount_inr: %w", d.ID, err)
	}
	if d.ConversionRate, err = optionalDecimal(rateText); err != nil {
		return nil, fmt.Errorf("deposit %s conversion_rate: %w", d.ID, err)
	}
	return &d, nil
}

// MarkDepositFailed moves a pending deposit to failed. It reports false when
// the deposit was not pending or does not match.
func (r *PostgresRepository) MarkDepositFailed(ctx context.Context, match DepositMatch, reason string) (bool, error) {
	result, err := r.db.Exec(ctx, `
		UPDATE deposits
		SET status = 'failed', failure_reason = $5, updated_at = NOW()
		WHERE id = $1
			AND user_id = $2
			AND amount = $3::numeric
			AND currency = $4
			AND status = 'pending'
	`, match.DepositID, match.UserID, match.Amount.String(), string(match.Currency), truncateReason(reason))
	if err != nil {
		return false, fmt.Errorf("mark deposit failed: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

func (r *PostgresRepository) InLedgerTx(ctx context.Context, fn func(tx LedgerTx) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgLedgerTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

type decimalField struct {
	dst *decimal.Decimal
	raw string
}

func parseDecimals(fields ...decimalField) error {
	for _, f := range fields {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return err
		}
		*f.dst = v
	}
	return nil
}

func optionalDecimal(raw *string) (*decimal.Decimal, error) {
	if raw == nil {
		return nil, nil
	}
	v, err := decimal.NewFromString(*raw)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

const maxReasonBytes = 2000

// truncateReason caps reason at maxReasonBytes without splitting a rune.
func truncateReason(reason string) string {
	if len(reason) <= maxReasonBytes {
		return reason
	}
	cut := maxReasonBytes
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
