/**
 * @description
 * Domain models for investment plans and daily interest accrual.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MoneyPlaces is the number of decimal places kept for INR amounts.
const MoneyPlaces = 2

var hundred = decimal.NewFromInt(100)

// Plan is an investment product with a fixed daily rate expressed in percent.
type Plan struct {
	ID                uuid.UUID       `json:"id"`
	Name              string          `json:"name"`
	DailyInterestRate decimal.Decimal `json:"daily_interest_rate"`
	MinAmount         decimal.Decimal `json:"min_amount"`
	MaxAmount         decimal.Decimal `json:"max_amount"`
	DurationDays      int             `json:"duration_days"`
}

// Investment is a user's position in a plan.
type Investment struct {
	ID                  uuid.UUID       `json:"id"`
	UserID              uuid.UUID       `json:"user_id"`
	PlanID              uuid.UUID       `json:"plan_id"`
	Amount              decimal.Decimal `json:"amount"`
	StartDate           Date            `json:"start_date"`
	EndDate             Date            `json:"end_date"`
	IsActive            bool            `json:"is_active"`
	TotalInterestEarned decimal.Decimal `json:"total_interest_earned"`
}

// AccruableInvestment pairs an investment with the plan that prices it.
type AccruableInvestment struct {
	Investment Investment
	Plan       Plan
}

// InterestAccrual records one day's interest for one investment.
// At most one exists per (InvestmentID, Date).
type InterestAccrual struct {
	ID             uuid.UUID       `json:"id"`
	InvestmentID   uuid.UUID       `json:"investment_id"`
	UserID         uuid.UUID       `json:"user_id"`
	Date           Date            `json:"date"`
	InterestAmount decimal.Decimal `json:"interest_amount"`
	CreatedAt      time.Time       `json:"created_at"`
}

// DailyInterest returns amount * rate/100 rounded half-up to two places.
func DailyInterest(amount, dailyRatePercent decimal.Decimal) decimal.Decimal {
	return amount.Mul(dailyRatePercent.Div(hundred)).Round(MoneyPlaces)
}

type AccrualStatus string

const (
	AccrualStatusSuccess AccrualStatus = "success"
	AccrualStatusSkipped AccrualStatus = "skipped"
	AccrualStatusError   AccrualStatus = "error"
)

// ReasonAlreadyAccrued marks an investment-day that was already credited.
const ReasonAlreadyAccrued = "already_accrued"

// AccrualResult is the per-investment outcome of an accrual run.
type AccrualResult struct {
	InvestmentID   uuid.UUID        `json:"investment_id"`
	Status         AccrualStatus    `json:"status"`
	InterestAmount *decimal.Decimal `json:"interest_amount,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	Error          string           `json:"error,omitempty"`
}

// AccrualBatchSummary aggregates one batch run for a single day.
type AccrualBatchSummary struct {
	Date          Date            `json:"date"`
	Processed     int             `json:"processed"`
	Succeeded     int             `json:"succeeded"`
	Skipped       int             `json:"skipped"`
	Failed        int             `json:"failed"`
	TotalInterest decimal.Decimal `json:"total_interest"`
	Results       []AccrualResult `json:"results"`
}

// Add folds one result into the summary.
func (s *AccrualBatchSummary) Add(result AccrualResult) {
	s.Processed++
	switch result.Status {
	case AccrualStatusSuccess:
		s.Succeeded++
		if result.InterestAmount != nil {
			s.TotalInterest = s.TotalInterest.Add(*result.InterestAmount)
		}
	case AccrualStatusSkipped:
		s.Skipped++
	default:
		s.Failed++
	}
	s.Results = append(s.Results, result)
}
