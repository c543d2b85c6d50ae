/**
 * @description
 * Storage contracts for the jobs-service. LedgerRepository covers the
 * investment, accrual, deposit and balance tables; JobRepository covers
 * the durable job queue table.
 */
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/growthpact/jobs-service/internal/domain"
	"github.com/shopspring/decimal"
)

// LedgerRepository reads ledger state and opens scoped units of work.
type LedgerRepository interface {
	ListAccruableInvestments(ctx context.Context, day domain.Date) ([]domain.AccruableInvestment, error)
	HasAccrual(ctx context.Context, investmentID uuid.UUID, day domain.Date) (bool, error)
	GetDeposit(ctx context.Context, depositID uuid.UUID) (*domain.Deposit, error)
	MarkDepositFailed(ctx context.Context, match DepositMatch, reason string) (bool, error)

	// InLedgerTx runs fn inside one database transaction. The transaction
	// commits only when fn returns nil and is rolled back on every other path.
	InLedgerTx(ctx context.Context, fn func(tx LedgerTx) error) error
}

// LedgerTx is the set of writes allowed inside a ledger unit of work.
// Every monetary write is a relative increment.
type LedgerTx interface {
	InsertAccrual(ctx context.Context, accrual domain.InterestAccrual) error
	IncrementInvestmentInterest(ctx context.Context, investmentID uuid.UUID, delta decimal.Decimal) error
	IncrementUserBalance(ctx context.Context, userID uuid.UUID, delta decimal.Decimal) error
	CompletePendingDeposit(ctx context.Context, depositID, userID uuid.UUID, amountINR, rate decimal.Decimal) error
}

// DepositMatch identifies a deposit by id together with the owner, amount and
// currency a settlement job was created for. Status changes keyed by a
// DepositMatch leave the row alone unless every field agrees.
type DepositMatch struct {
	DepositID uuid.UUID
	UserID    uuid.UUID
	Amount    decimal.Decimal
	Currency  domain.Currency
}

// NewJob is a job ready to be inserted.
type NewJob struct {
	ID          uuid.UUID
	Type        domain.JobType
	Payload     []byte
	Priority    int
	MaxAttempts int
	Backoff     time.Duration
	RunAt       time.Time
}

// JobRepository persists queue state.
type JobRepository interface {
	InsertJob(ctx context.Context, job NewJob) error
	ClaimJobs(ctx context.Context, limit int, staleAfter time.Duration) ([]domain.Job, error)
	CompleteJob(ctx context.Context, id uuid.UUID, attempt int, result json.RawMessage) error
	RetryJob(ctx context.Context, id uuid.UUID, attempt int, delay time.Duration, reason string) error
	FailJob(ctx context.Context, id uuid.UUID, attempt int, reason string) error
	// ReleaseJob hands an interrupted attempt back to the queue without
	// counting it against the job's attempt budget.
	ReleaseJob(ctx context.Context, id uuid.UUID, attempt int) error
	GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	ListFailedJobs(ctx context.Context, limit int) ([]domain.Job, error)
	// RequeueFailedJob resets a failed job. For settlement jobs the deposit
	// it failed is reopened in the same transaction.
	RequeueFailedJob(ctx context.Context, id uuid.UUID) error
}
