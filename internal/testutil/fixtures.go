package testutil

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

func SeedUser(t *testing.T, pool *pgxpool.Pool, balance string) uuid.UUID {
	t.Helper()

	id := uuid.New()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO users (id, email, balance_inr) VALUES ($1, $2, $3::numeric)`,
		id, id.String()+"@test.local", balance,
	)
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return id
}

func SeedPlan(t *testing.T, pool *pgxpool.Pool, dailyRate string) uuid.UUID {
	t.Helper()

	id := uuid.New()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO plans (id, name, daily_interest_rate, min_amount, max_amount, duration_days)
		 VALUES ($1, $2, $3::numeric, 1000, 1000000, 90)`,
		id, "plan-"+dailyRate, dailyRate,
	)
	if err != nil {
		t.Fatalf("seed plan: %v", err)
	}
	return id
}

func SeedInvestment(t *testing.T, pool *pgxpool.Pool, userID, planID uuid.UUID, amount, start, end string, active bool) uuid.UUID {
	t.Helper()

	id := uuid.New()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO investments (id, user_id, plan_id, amount, start_date, end_date, is_active)
		 VALUES ($1, $2, $3, $4::numeric, $5::date, $6::date, $7)`,
		id, userID, planID, amount, start, end, active,
	)
	if err != nil {
		t.Fatalf("seed investment: %v", err)
	}
	return id
}

func SeedDeposit(t *testing.T, pool *pgxpool.Pool, userID uuid.UUID, amount, currency, status string) uuid.UUID {
	t.Helper()

	id := uuid.New()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO deposits (id, user_id, amount, currency, status) VALUES ($1, $2, $3::numeric, $4, $5)`,
		id, userID, amount, currency, status,
	)
	if err != nil {
		t.Fatalf("seed deposit: %v", err)
	}
	return id
}

func UserBalance(t *testing.T, pool *pgxpool.Pool, userID uuid.UUID) decimal.Decimal {
	t.Helper()

	var raw string
	if err := pool.QueryRow(context.Background(), `SELECT balance_inr::text FROM users WHERE id = $1`, userID).Scan(&raw); err != nil {
		t.Fatalf("get user balance: %v", err)
	}
	return decimal.RequireFromString(raw)
}

func InvestmentInterest(t *testing.T, pool *pgxpool.Pool, investmentID uuid.UUID) decimal.Decimal {
	t.Helper()

	var raw string
	if err := pool.QueryRow(context.Background(), `SELECT total_interest_earned::text FROM investments WHERE id = $1`, investmentID).Scan(&raw); err != nil {
		t.Fatalf("get investment interest: %v", err)
	}
	return decimal.RequireFromString(raw)
}

func CountAccruals(t *testing.T, pool *pgxpool.Pool, investmentID uuid.UUID) int {
	t.Helper()

	var n int
	if err := pool.QueryRow(context.Background(), `SELECT COUNT(*) FROM interest_accruals WHERE investment_id = $1`, investmentID).Scan(&n); err != nil {
		t.Fatalf("count accruals: %v", err)
	}
	return n
}
