/**
 * @description
 * Cron scheduler that enqueues the daily interest accrual job.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/growthpact/jobs-service/internal/domain"
	"github.com/growthpact/jobs-service/internal/queue"
	"github.com/robfig/cron/v3"
)

const scheduledEnqueueTimeout = 30 * time.Second

// Enqueuer is satisfied by *queue.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload domain.Payload, opts ...queue.Option) (queue.Handle, error)
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	enqueuer Enqueuer
	logger   *slog.Logger
	schedule string
	location *time.Location
	now      func() time.Time
}

// NewScheduler creates a scheduler that evaluates schedule in location.
func NewScheduler(enqueuer Enqueuer, logger *slog.Logger, schedule string, location *time.Location) *Scheduler {
	if location == nil {
		location = time.UTC
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithLocation(location), cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:     c,
		enqueuer: enqueuer,
		logger:   logger,
		schedule: schedule,
		location: location,
		now:      time.Now,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.EnqueueDailyInterest); err != nil {
		s.logger.Error("failed to schedule interest accrual job", "error", err)
		return err
	}
	s.logger.Info("scheduled interest accrual job", "schedule", s.schedule, "timezone", s.location.String())

	s.cron.Start()
	return nil
}

// EnqueueDailyInterest queues accrual for the current business day.
func (s *Scheduler) EnqueueDailyInterest() {
	day := domain.DateOf(s.now().In(s.location))

	ctx, cancel := context.WithTimeout(context.Background(), scheduledEnqueueTimeout)
	defer cancel()

	handle, err := s.enqueuer.Enqueue(ctx, domain.CalculateInterestPayload{Date: day})
	if err != nil {
		s.logger.Error("failed to enqueue interest accrual job", "date", day.String(), "error", err)
		return
	}
	s.logger.Info("interest accrual job enqueued", "job_id", handle.ID, "date", day.String())
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
