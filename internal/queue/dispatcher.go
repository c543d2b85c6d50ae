package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/growthpact/jobs-service/internal/domain"
	"github.com/growthpact/jobs-service/internal/store"
)

const (
	defaultConcurrency  = 4
	defaultPollInterval = time.Second
	defaultStaleAfter   = 15 * time.Minute
	defaultJobTimeout   = 10 * time.Minute
	staleAfterMargin    = time.Minute
)

// Handler executes one job attempt. A nil error completes the job and the
// returned value is stored as its result.
type Handler interface {
	Handle(ctx context.Context, job domain.Job, payload domain.Payload) (interface{}, error)
}

// ExhaustedHandler is optionally implemented by a Handler that needs to react
// once a job has been marked failed for good.
type ExhaustedHandler interface {
	OnExhausted(ctx context.Context, job domain.Job, payload domain.Payload, cause error)
}

// DispatcherConfig tunes the worker pool. StaleAfter must exceed JobTimeout so
// a running attempt is never reclaimed by another worker.
type DispatcherConfig struct {
	Concurrency  int
	PollInterval time.Duration
	StaleAfter   time.Duration
	JobTimeout   time.Duration
}

// Dispatcher runs a pool of workers that claim and execute jobs.
type Dispatcher struct {
	repo    store.JobRepository
	handler Handler
	logger  *slog.Logger
	cfg     DispatcherConfig
	wake    chan struct{}
}

func NewDispatcher(repo store.JobRepository, handler Handler, logger *slog.Logger, cfg DispatcherConfig) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	logger = logger.With("component", "job_dispatcher")
	if cfg.StaleAfter <= cfg.JobTimeout {
		raised := cfg.JobTimeout + staleAfterMargin
		logger.Warn("stale lease window not longer than job timeout; raising it",
			"stale_after", cfg.StaleAfter, "job_timeout", cfg.JobTimeout, "raised_to", raised)
		cfg.StaleAfter = raised
	}
	return &Dispatcher{
		repo:    repo,
		handler: handler,
		logger:  logger,
		cfg:     cfg,
		wake:    make(chan struct{}, cfg.Concurrency),
	}
}

// Run blocks until ctx is cancelled and every worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.work(ctx, worker)
		}(i)
	}
	d.logger.Info("dispatcher started", "concurrency", d.cfg.Concurrency, "poll_interval", d.cfg.PollInterval)
	wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// Wake nudges idle workers to poll now. It never blocks.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) work(ctx context.Context, worker int) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := d.runOnce(ctx)
		if err != nil && ctx.Err() == nil {
			d.logger.Error("job claim failed", "worker", worker, "error", err)
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// runOnce claims and executes at most one job.
func (d *Dispatcher) runOnce(ctx context.Context) (bool, error) {
	jobs, err := d.repo.ClaimJobs(ctx, 1, d.cfg.StaleAfter)
	if err != nil {
		return false, err
	}
	if len(jobs) == 0 {
		return false, nil
	}
	for _, job := range jobs {
		d.process(ctx, job)
	}
	return true, nil
}

func (d *Dispatcher) process(ctx context.Context, job domain.Job) {
	logger := d.logger.With("job_id", job.ID, "type", job.Type, "attempt", job.Attempts, "max_attempts", job.MaxAttempts)
	// Queue bookkeeping must land even when shutdown cancels ctx mid-job.
	stateCtx := context.WithoutCancel(ctx)

	payload, err := domain.DecodePayload(job.Type, job.Payload)
	if err != nil {
		d.fail(stateCtx, logger, job, nil, err)
		return
	}

	if job.Attempts > job.MaxAttempts {
		d.fail(stateCtx, logger, job, payload, errors.New("attempts exhausted after lease expiry"))
		return
	}

	started := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, d.cfg.JobTimeout)
	result, err := d.invoke(jobCtx, job, payload)
	cancel()

	if err == nil {
		d.complete(stateCtx, logger, job, result, time.Since(started))
		return
	}

	if ctx.Err() != nil {
		if rErr := d.repo.ReleaseJob(stateCtx, job.ID, job.Attempts); rErr != nil {
			logger.Error("failed to release interrupted job", "error", rErr)
			return
		}
		logger.Warn("job interrupted by shutdown; released for another worker", "error", err)
		return
	}

	if IsPermanent(err) || job.Attempts >= job.MaxAttempts {
		d.fail(stateCtx, logger, job, payload, err)
		return
	}

	delay := Backoff(job.Backoff, job.Attempts)
	if rErr := d.repo.RetryJob(stateCtx, job.ID, job.Attempts, delay, err.Error()); rErr != nil {
		logger.Error("failed to schedule job retry", "error", rErr)
		return
	}
	logger.Warn("job attempt failed; retry scheduled", "error", err, "retry_in", delay)
}

func (d *Dispatcher) invoke(ctx context.Context, job domain.Job, payload domain.Payload) (result interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("job handler panicked", "job_id", job.ID, "panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return d.handler.Handle(ctx, job, payload)
}

func (d *Dispatcher) complete(ctx context.Context, logger *slog.Logger, job domain.Job, result interface{}, elapsed time.Duration) {
	var body json.RawMessage
	if result != nil {
		encoded, err := json.Marshal(result)
		if err != nil {
			logger.Warn("job result not serializable; storing without result", "error", err)
		} else {
			body = encoded
		}
	}
	if err := d.repo.CompleteJob(ctx, job.ID, job.Attempts, body); err != nil {
		logger.Error("failed to mark job completed", "error", err)
		return
	}
	logger.Info("job completed", "duration_ms", elapsed.Milliseconds())
}

func (d *Dispatcher) fail(ctx context.Context, logger *slog.Logger, job domain.Job, payload domain.Payload, cause error) {
	if err := d.repo.FailJob(ctx, job.ID, job.Attempts, cause.Error()); err != nil {
		logger.Error("failed to mark job failed", "error", err, "cause", cause)
		return
	}
	logger.Error("job failed permanently", "error", cause)

	if payload == nil {
		return
	}
	if hook, ok := d.handler.(ExhaustedHandler); ok {
		hook.OnExhausted(ctx, job, payload, cause)
	}
}
