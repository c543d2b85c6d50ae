/**
 * @description
 * Durable background job queue backed by the jobs table. Enqueue persists
 * the job and then publishes a best-effort wake-up on RabbitMQ so idle
 * dispatchers poll immediately.
 */
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/growthpact/jobs-service/internal/domain"
	"github.com/growthpact/jobs-service/internal/store"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = time.Second

	WakeupExchange     = "growthpact.jobs"
	RoutingKeyEnqueued = "jobs.enqueued"
)

// EventPublisher is satisfied by the RabbitMQ producer.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// Handle identifies an enqueued job.
type Handle struct {
	ID    uuid.UUID      `json:"job_id"`
	Type  domain.JobType `json:"type"`
	RunAt time.Time      `json:"run_at"`
}

// EnqueuedEvent is the wake-up message body.
type EnqueuedEvent struct {
	JobID uuid.UUID      `json:"job_id"`
	Type  domain.JobType `json:"type"`
	RunAt time.Time      `json:"run_at"`
}

type Defaults struct {
	MaxAttempts int
	Backoff     time.Duration
}

type Queue struct {
	repo      store.JobRepository
	publisher EventPublisher
	logger    *slog.Logger
	defaults  Defaults
	now       func() time.Time
}

// New creates a queue. publisher may be nil, in which case no wake-ups are sent.
func New(repo store.JobRepository, publisher EventPublisher, logger *slog.Logger, defaults Defaults) *Queue {
	if defaults.MaxAttempts <= 0 {
		defaults.MaxAttempts = DefaultMaxAttempts
	}
	if defaults.Backoff <= 0 {
		defaults.Backoff = DefaultBackoff
	}
	return &Queue{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
		defaults:  defaults,
		now:       time.Now,
	}
}

// Enqueue validates and persists a job. The job type comes from the payload.
func (q *Queue) Enqueue(ctx context.Context, payload domain.Payload, opts ...Option) (Handle, error) {
	if payload == nil {
		return Handle{}, fmt.Errorf("%w: nil payload", domain.ErrInvalidPayload)
	}
	if err := payload.Validate(); err != nil {
		return Handle{}, err
	}

	o := options{maxAttempts: q.defaults.MaxAttempts, backoff: q.defaults.Backoff}
	for _, opt := range opts {
		opt(&o)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Handle{}, fmt.Errorf("marshal %s payload: %w", payload.JobType(), err)
	}

	job := store.NewJob{
		ID:          uuid.New(),
		Type:        payload.JobType(),
		Payload:     body,
		Priority:    o.priority,
		MaxAttempts: o.maxAttempts,
		Backoff:     o.backoff,
		RunAt:       q.now().Add(o.delay),
	}
	if err := q.repo.InsertJob(ctx, job); err != nil {
		return Handle{}, err
	}

	q.logger.Info("job enqueued", "job_id", job.ID, "type", job.Type, "run_at", job.RunAt, "max_attempts", job.MaxAttempts)
	q.notify(ctx, job)

	return Handle{ID: job.ID, Type: job.Type, RunAt: job.RunAt}, nil
}

func (q *Queue) notify(ctx context.Context, job store.NewJob) {
	if q.publisher == nil {
		return
	}
	event := EnqueuedEvent{JobID: job.ID, Type: job.Type, RunAt: job.RunAt}
	if err := q.publisher.Publish(ctx, WakeupExchange, RoutingKeyEnqueued, event); err != nil {
		q.logger.Warn("job wake-up publish failed", "job_id", job.ID, "error", err)
	}
}
