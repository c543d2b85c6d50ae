/**
 * @description
 * Job types, states and payloads carried by the background queue.
 * The set of job types is closed: every payload type is declared here
 * and DecodePayload is the only place raw payloads become typed values.
 */
package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type JobType string

const (
	JobTypeCalculateInterest JobType = "calculateInterest"
	JobTypeConvertCrypto     JobType = "convertCrypto"
)

type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// Job is a persisted unit of background work.
type Job struct {
	ID          uuid.UUID       `json:"id"`
	Type        JobType         `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	State       JobState        `json:"state"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Backoff     time.Duration   `json:"backoff"`
	RunAt       time.Time       `json:"run_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	LastError   *string         `json:"last_error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Payload is implemented only by the job payload types in this package.
type Payload interface {
	JobType() JobType
	Validate() error
	isPayload()
}

// CalculateInterestPayload asks for interest accrual for one calendar day.
type CalculateInterestPayload struct {
	Date Date `json:"date"`
}

func (CalculateInterestPayload) JobType() JobType { return JobTypeCalculateInterest }
func (CalculateInterestPayload) isPayload()       {}

func (p CalculateInterestPayload) Validate() error {
	if p.Date.IsZero() {
		return fmt.Errorf("%w: date is required", ErrInvalidPayload)
	}
	return nil
}

// ConvertCryptoPayload asks for one pending deposit to be settled in INR.
type ConvertCryptoPayload struct {
	DepositID uuid.UUID       `json:"deposit_id"`
	UserID    uuid.UUID       `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  Currency        `json:"currency"`
}

func (ConvertCryptoPayload) JobType() JobType { return JobTypeConvertCrypto }
func (ConvertCryptoPayload) isPayload()       {}

func (p ConvertCryptoPayload) Validate() error {
	if p.DepositID == uuid.Nil || p.UserID == uuid.Nil {
		return fmt.Errorf("%w: deposit_id and user_id are required", ErrInvalidPayload)
	}
	if !p.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidPayload)
	}
	if _, err := p.Currency.AssetID(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return nil
}

// DecodePayload turns a stored payload into its typed form.
func DecodePayload(jobType JobType, raw []byte) (Payload, error) {
	var payload Payload
	switch jobType {
	case JobTypeCalculateInterest:
		var p CalculateInterestPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		payload = p
	case JobTypeConvertCrypto:
		var p ConvertCryptoPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		payload = p
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, string(jobType))
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return payload, nil
}
