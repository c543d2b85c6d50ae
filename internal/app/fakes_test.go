package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/growthpact/jobs-service/internal/domain"
	"github.com/growthpact/jobs-service/internal/store"
	"github.com/shopspring/decimal"
)

type accrualKey struct {
	investmentID uuid.UUID
	day          string
}

type ledgerState struct {
	balances map[uuid.UUID]decimal.Decimal
	earned   map[uuid.UUID]decimal.Decimal
	accruals map[accrualKey]domain.InterestAccrual
	deposits map[uuid.UUID]domain.Deposit
}

func (s ledgerState) clone() ledgerState {
	c := ledgerState{
		balances: make(map[uuid.UUID]decimal.Decimal, len(s.balances)),
		earned:   make(map[uuid.UUID]decimal.Decimal, len(s.earned)),
		accruals: make(map[accrualKey]domain.InterestAccrual, len(s.accruals)),
		deposits: make(map[uuid.UUID]domain.Deposit, len(s.deposits)),
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	for k, v := range s.earned {
		c.earned[k] = v
	}
	for k, v := range s.accruals {
		c.accruals[k] = v
	}
	for k, v := range s.deposits {
		c.deposits[k] = v
	}
	return c
}

// memLedger is an in-memory LedgerRepository. Units of work run serially on
// a copy of the state that replaces it only on commit.
type memLedger struct {
	mu          sync.Mutex
	state       ledgerState
	items       []domain.AccruableInvestment
	listErr     error
	lookupErr   error
	blindLookup bool
	commits     int
	// beforeTx runs against the committed state ahead of each unit of work.
	beforeTx func(s *ledgerState)
}

func newMemLedger() *memLedger {
	return &memLedger{state: ledgerState{
		balances: map[uuid.UUID]decimal.Decimal{},
		earned:   map[uuid.UUID]decimal.Decimal{},
		accruals: map[accrualKey]domain.InterestAccrual{},
		deposits: map[uuid.UUID]domain.Deposit{},
	}}
}

func (m *memLedger) addUser(balance string) uuid.UUID {
	id := uuid.New()
	m.state.balances[id] = decimal.RequireFromString(balance)
	return id
}

func (m *memLedger) addInvestment(userID uuid.UUID, amount, rate string) domain.AccruableInvestment {
	plan := domain.Plan{ID: uuid.New(), DailyInterestRate: decimal.RequireFromString(rate)}
	inv := domain.Investment{
		ID:       uuid.New(),
		UserID:   userID,
		PlanID:   plan.ID,
		Amount:   decimal.RequireFromString(amount),
		IsActive: true,
	}
	m.state.earned[inv.ID] = decimal.Zero
	item := domain.AccruableInvestment{Investment: inv, Plan: plan}
	m.items = append(m.items, item)
	return item
}

func (m *memLedger) addDeposit(userID uuid.UUID, amount string, currency domain.Currency, status domain.DepositStatus) domain.Deposit {
	d := domain.Deposit{
		ID:       uuid.New(),
		UserID:   userID,
		Amount:   decimal.RequireFromString(amount),
		Currency: currency,
		Status:   status,
	}
	m.state.deposits[d.ID] = d
	return d
}

func (m *memLedger) balance(userID uuid.UUID) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.balances[userID]
}

func (m *memLedger) earned(investmentID uuid.UUID) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.earned[investmentID]
}

func (m *memLedger) accrualCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.accruals)
}

func (m *memLedger) deposit(id uuid.UUID) domain.Deposit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.deposits[id]
}

func (m *memLedger) ListAccruableInvestments(ctx context.Context, day domain.Date) ([]domain.AccruableInvestment, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.items, nil
}

func (m *memLedger) HasAccrual(ctx context.Context, investmentID uuid.UUID, day domain.Date) (bool, error) {
	if m.lookupErr != nil {
		return false, m.lookupErr
	}
	if m.blindLookup {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.state.accruals[accrualKey{investmentID, day.String()}]
	return ok, nil
}

func (m *memLedger) GetDeposit(ctx context.Context, depositID uuid.UUID) (*domain.Deposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.state.deposits[depositID]
	if !ok {
		return nil, store.ErrDepositNotFound
	}
	return &d, nil
}

func (m *memLedger) MarkDepositFailed(ctx context.Context, match store.DepositMatch, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.state.deposits[match.DepositID]
	if !ok || d.Status != domain.DepositStatusPending {
		return false, nil
	}
	if d.UserID != match.UserID || d.Currency != match.Currency || !d.Amount.Equal(match.Amount) {
		return false, nil
	}
	d.Status = domain.DepositStatusFailed
	d.FailureReason = &reason
	m.state.deposits[match.DepositID] = d
	return true, nil
}

func (m *memLedger) InLedgerTx(ctx context.Context, fn func(tx store.LedgerTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.beforeTx != nil {
		m.beforeTx(&m.state)
	}
	tx := &memTx{state: m.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	m.state = tx.state
	m.commits++
	return nil
}

type memTx struct {
	state ledgerState
}

func (t *memTx) InsertAccrual(ctx context.Context, a domain.InterestAccrual) error {
	key := accrualKey{a.InvestmentID, a.Date.String()}
	if _, ok := t.state.accruals[key]; ok {
		return store.ErrAccrualExists
	}
	t.state.accruals[key] = a
	return nil
}

func (t *memTx) IncrementInvestmentInterest(ctx context.Context, investmentID uuid.UUID, delta decimal.Decimal) error {
	v, ok := t.state.earned[investmentID]
	if !ok {
		return store.ErrInvestmentNotFound
	}
	t.state.earned[investmentID] = v.Add(delta)
	return nil
}

func (t *memTx) IncrementUserBalance(ctx context.Context, userID uuid.UUID, delta decimal.Decimal) error {
	v, ok := t.state.balances[userID]
	if !ok {
		return store.ErrUserNotFound
	}
	t.state.balances[userID] = v.Add(delta)
	return nil
}

func (t *memTx) CompletePendingDeposit(ctx context.Context, depositID, userID uuid.UUID, amountINR, rate decimal.Decimal) error {
	d, ok := t.state.deposits[depositID]
	if !ok || d.UserID != userID || d.Status != domain.DepositStatusPending {
		return store.ErrDepositNotPending
	}
	d.Status = domain.DepositStatusCompleted
	d.AmountINR = &amountINR
	d.ConversionRate = &rate
	t.state.deposits[depositID] = d
	return nil
}

type stubRates struct {
	rates map[string]decimal.Decimal
	err   error
	block bool
	calls int
}

func (s *stubRates) INRRate(ctx context.Context, assetID string) (decimal.Decimal, error) {
	s.calls++
	if s.block {
		<-ctx.Done()
		return decimal.Zero, ctx.Err()
	}
	if s.err != nil {
		return decimal.Zero, s.err
	}
	rate, ok := s.rates[assetID]
	if !ok {
		return decimal.Zero, errors.New("asset missing from rate response")
	}
	return rate, nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	actions []string
	err     error
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if record, ok := body.(domain.AuditRecord); ok {
		p.actions = append(p.actions, record.Action)
	}
	return p.err
}

func (p *recordingPublisher) count(action string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, a := range p.actions {
		if a == action {
			n++
		}
	}
	return n
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
