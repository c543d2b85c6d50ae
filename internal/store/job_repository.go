package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/growthpact/jobs-service/internal/domain"
	"github.com/jackc/pgx/v5"
)

const jobColumns = `id, type, payload::text, state, priority, attempts, max_attempts, backoff_ms,
	run_at, started_at, finished_at, last_error, result::text, created_at, updated_at`

func (r *PostgresRepository) InsertJob(ctx context.Context, job NewJob) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO jobs (id, type, payload, priority, max_attempts, backoff_ms, run_at)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7)
	`, job.ID, string(job.Type), string(job.Payload), job.Priority, job.MaxAttempts, job.Backoff.Milliseconds(), job.RunAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// ClaimJobs leases up to limit runnable jobs. Waiting jobs become runnable at
// run_at; active jobs whose lease is older than staleAfter are redelivered.
func (r *PostgresRepository) ClaimJobs(ctx context.Context, limit int, staleAfter time.Duration) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 1
	}
	staleAfterSeconds := int(staleAfter.Seconds())
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 300
	}

	query := `
		WITH candidates AS (
			SELECT id
			FROM jobs
			WHERE (
				(state = 'waiting' AND run_at <= NOW())
				OR (state = 'active' AND started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY priority DESC, run_at, created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs AS j
		SET state = 'active',
			started_at = NOW(),
			attempts = j.attempts + 1,
			updated_at = NOW()
		FROM candidates
		WHERE j.id = candidates.id
		RETURNING j.id, j.type, j.payload::text, j.state, j.priority, j.attempts, j.max_attempts, j.backoff_ms,
			j.run_at, j.started_at, j.finished_at, j.last_error, j.result::text, j.created_at, j.updated_at
	`
	rows, err := r.db.Query(ctx, query, limit, staleAfterSeconds)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]domain.Job, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CompleteJob finishes a job still leased under the given attempt number.
func (r *PostgresRepository) CompleteJob(ctx context.Context, id uuid.UUID, attempt int, result json.RawMessage) error {
	var resultText *string
	if len(result) > 0 {
		s := string(result)
		resultText = &s
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE jobs
		SET state = 'completed',
			result = $3::jsonb,
			finished_at = NOW(),
			last_error = NULL,
			updated_at = NOW()
		WHERE id = $1 AND state = 'active' AND attempts = $2
	`, id, attempt, resultText)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobLeaseLost
	}
	return nil
}

func (r *PostgresRepository) RetryJob(ctx context.Context, id uuid.UUID, attempt int, delay time.Duration, reason string) error {
	if delay < 0 {
		delay = 0
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE jobs
		SET state = 'waiting',
			run_at = NOW() + ($3 * INTERVAL '1 millisecond'),
			started_at = NULL,
			last_error = $4,
			updated_at = NOW()
		WHERE id = $1 AND state = 'active' AND attempts = $2
	`, id, attempt, delay.Milliseconds(), truncateReason(reason))
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobLeaseLost
	}
	return nil
}

func (r *PostgresRepository) FailJob(ctx context.Context, id uuid.UUID, attempt int, reason string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE jobs
		SET state = 'failed',
			finished_at = NOW(),
			last_error = $3,
			updated_at = NOW()
		WHERE id = $1 AND state = 'active' AND attempts = $2
	`, id, attempt, truncateReason(reason))
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobLeaseLost
	}
	return nil
}

func (r *PostgresRepository) ReleaseJob(ctx context.Context, id uuid.UUID, attempt int) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE jobs
		SET state = 'waiting',
			attempts = attempts - 1,
			run_at = NOW(),
			started_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND state = 'active' AND attempts = $2
	`, id, attempt)
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobLeaseLost
	}
	return nil
}

func (r *PostgresRepository) GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	row := r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// ListFailedJobs returns terminally failed jobs, most recent first.
func (r *PostgresRepository) ListFailedJobs(ctx context.Context, limit int) ([]domain.Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE state = 'failed'
		ORDER BY finished_at DESC NULLS LAST
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// RequeueFailedJob resets a failed job so it runs again with a fresh attempt
// budget. A settlement job's deposit, failed when the job gave up, goes back
// to pending in the same transaction.
func (r *PostgresRepository) RequeueFailedJob(ctx context.Context, id uuid.UUID) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		jobType string
		payload string
	)
	err = tx.QueryRow(ctx, `
		UPDATE jobs
		SET state = 'waiting',
			attempts = 0,
			run_at = NOW(),
			started_at = NULL,
			finished_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND state = 'failed'
		RETURNING type, payload::text
	`, id).Scan(&jobType, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("requeue job: %w", err)
		}
		if !exists {
			return ErrJobNotFound
		}
		return ErrJobNotFailed
	}
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}

	if domain.JobType(jobType) == domain.JobTypeConvertCrypto {
		decoded, err := domain.DecodePayload(domain.JobTypeConvertCrypto, []byte(payload))
		if err != nil {
			return fmt.Errorf("requeue job %s: %w", id, err)
		}
		p := decoded.(domain.ConvertCryptoPayload)
		if _, err := tx.Exec(ctx, `
			UPDATE deposits
			SET status = 'pending', failure_reason = NULL, updated_at = NOW()
			WHERE id = $1
				AND user_id = $2
				AND amount = $3::numeric
				AND currency = $4
				AND status = 'failed'
		`, p.DepositID, p.UserID, p.Amount.String(), string(p.Currency)); err != nil {
			return fmt.Errorf("reopen deposit %s: %w", p.DepositID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var (
		job        domain.Job
		jobType    string
		state      string
		payload    string
		backoffMs  int64
		resultText *string
	)
	if err := row.Scan(
		&job.ID, &jobType, &payload, &state, &job.Priority, &job.Attempts, &job.MaxAttempts, &backoffMs,
		&job.RunAt, &job.StartedAt, &job.FinishedAt, &job.LastError, &resultText, &job.CreatedAt, &job.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return job, err
		}
		return job, fmt.Errorf("scan job: %w", err)
	}
	job.Type = domain.JobType(jobType)
	job.State = domain.JobState(state)
	job.Payload = json.RawMessage(payload)
	job.Backoff = time.Duration(backoffMs) * time.Millisecond
	if resultText != nil {
		job.Result = json.RawMessage(*resultText)
	}
	return job, nil
}
