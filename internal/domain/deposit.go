/**
 * @description
 * Domain models for crypto deposits and their INR settlement.
 */
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Currency is a supported crypto deposit currency.
type Currency string

const (
	CurrencyBTC  Currency = "BTC"
	CurrencyETH  Currency = "ETH"
	CurrencyUSDT Currency = "USDT"
)

var assetIDs = map[Currency]string{
	CurrencyBTC:  "bitcoin",
	CurrencyETH:  "ethereum",
	CurrencyUSDT: "tether",
}

// ParseCurrency normalizes and validates a currency code.
func ParseCurrency(raw string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := assetIDs[c]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedCurrency, raw)
	}
	return c, nil
}

// AssetID returns the rate provider's identifier for the currency.
func (c Currency) AssetID() (string, error) {
	id, ok := assetIDs[c]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedCurrency, string(c))
	}
	return id, nil
}

type DepositStatus string

const (
	DepositStatusPending   DepositStatus = "pending"
	DepositStatusCompleted DepositStatus = "completed"
	DepositStatusFailed    DepositStatus = "failed"
)

// Deposit is a crypto amount awaiting or having received its INR credit.
type Deposit struct {
	ID             uuid.UUID        `json:"id"`
	UserID         uuid.UUID        `json:"user_id"`
	Amount         decimal.Decimal  `json:"amount"`
	Currency       Currency         `json:"currency"`
	Status         DepositStatus    `json:"status"`
	AmountINR      *decimal.Decimal `json:"amount_inr,omitempty"`
	ConversionRate *decimal.Decimal `json:"conversion_rate,omitempty"`
	FailureReason  *string          `json:"failure_reason,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// ConvertToINR returns amount * rate rounded half-up to two places.
func ConvertToINR(amount, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(rate).Round(MoneyPlaces)
}

// ReasonAlreadySettled marks a deposit whose credit was applied by an earlier delivery.
const ReasonAlreadySettled = "already_settled"

// SettlementResult is the outcome of one conversion settlement.
type SettlementResult struct {
	Success   bool            `json:"success"`
	Status    string          `json:"status,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	DepositID uuid.UUID       `json:"deposit_id"`
	AmountINR decimal.Decimal `json:"amount_inr"`
	Rate      decimal.Decimal `json:"rate"`
}
