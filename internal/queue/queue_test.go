package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/growthpact/jobs-service/internal/domain"
	"github.com/growthpact/jobs-service/internal/store"
)

type memJobRepo struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]*domain.Job
	order    []uuid.UUID
	retries  []time.Duration
	released []uuid.UUID
}

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{jobs: map[uuid.UUID]*domain.Job{}}
}

func (r *memJobRepo) InsertJob(ctx context.Context, job store.NewJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = &domain.Job{
		ID:          job.ID,
		Type:        job.Type,
		Payload:     json.RawMessage(job.Payload),
		State:       domain.JobStateWaiting,
		Priority:    job.Priority,
		MaxAttempts: job.MaxAttempts,
		Backoff:     job.Backoff,
		RunAt:       job.RunAt,
	}
	r.order = append(r.order, job.ID)
	return nil
}

// ClaimJobs ignores run_at so tests can drive retries without sleeping.
func (r *memJobRepo) ClaimJobs(ctx context.Context, limit int, staleAfter time.Duration) ([]domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Job
	for _, id := range r.order {
		job := r.jobs[id]
		if job.State != domain.JobStateWaiting {
			continue
		}
		job.State = domain.JobStateActive
		job.Attempts++
		out = append(out, *job)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memJobRepo) lease(id uuid.UUID, attempt int) (*domain.Job, error) {
	job, ok := r.jobs[id]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	if job.State != domain.JobStateActive || job.Attempts != attempt {
		return nil, store.ErrJobLeaseLost
	}
	return job, nil
}

func (r *memJobRepo) CompleteJob(ctx context.Context, id uuid.UUID, attempt int, result json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, err := r.lease(id, attempt)
	if err != nil {
		return err
	}
	job.State = domain.JobStateCompleted
	job.Result = result
	return nil
}

func (r *memJobRepo) RetryJob(ctx context.Context, id uuid.UUID, attempt int, delay time.Duration, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, err := r.lease(id, attempt)
	if err != nil {
		return err
	}
	job.State = domain.JobStateWaiting
	job.LastError = &reason
	r.retries = append(r.retries, delay)
	return nil
}

func (r *memJobRepo) FailJob(ctx context.Context, id uuid.UUID, attempt int, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, err := r.lease(id, attempt)
	if err != nil {
		return err
	}
	job.State = domain.JobStateFailed
	job.LastError = &reason
	return nil
}

func (r *memJobRepo) ReleaseJob(ctx context.Context, id uuid.UUID, attempt int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, err := r.lease(id, attempt)
	if err != nil {
		return err
	}
	job.State = domain.JobStateWaiting
	job.Attempts--
	r.released = append(r.released, id)
	return nil
}

func (r *memJobRepo) GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (r *memJobRepo) ListFailedJobs(ctx context.Context, limit int) ([]domain.Job, error) {
	return nil, nil
}

func (r *memJobRepo) RequeueFailedJob(ctx context.Context, id uuid.UUID) error {
	return nil
}

type handlerFunc func(ctx context.Context, job domain.Job, payload domain.Payload) (interface{}, error)

type stubHandler struct {
	fn        handlerFunc
	calls     int
	exhausted []error
}

func (h *stubHandler) Handle(ctx context.Context, job domain.Job, payload domain.Payload) (interface{}, error) {
	h.calls++
	return h.fn(ctx, job, payload)
}

func (h *stubHandler) OnExhausted(ctx context.Context, job domain.Job, payload domain.Payload, cause error) {
	h.exhausted = append(h.exhausted, cause)
}

type recordingPublisher struct {
	routingKeys []string
	err         error
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.routingKeys = append(p.routingKeys, routingKey)
	return p.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func interestPayload(t *testing.T) domain.CalculateInterestPayload {
	t.Helper()
	day, err := domain.ParseDate("2024-06-01")
	if err != nil {
		t.Fatal(err)
	}
	return domain.CalculateInterestPayload{Date: day}
}

func TestEnqueue_AppliesDefaultsAndPublishesWakeup(t *testing.T) {
	repo := newMemJobRepo()
	pub := &recordingPublisher{}
	q := New(repo, pub, testLogger(), Defaults{})

	handle, err := q.Enqueue(context.Background(), interestPayload(t))
	if err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	job, err := repo.GetJob(context.Background(), handle.ID)
	if err != nil {
		t.Fatalf("job not stored: %v", err)
	}
	if job.Type != domain.JobTypeCalculateInterest {
		t.Fatalf("unexpected type %s", job.Type)
	}
	if job.MaxAttempts != 3 || job.Backoff != time.Second {
		t.Fatalf("expected 3 attempts and 1s backoff, got %d and %s", job.MaxAttempts, job.Backoff)
	}
	if string(job.Payload) != `{"date":"2024-06-01"}` {
		t.Fatalf("unexpected payload %s", job.Payload)
	}
	if len(pub.routingKeys) != 1 || pub.routingKeys[0] != RoutingKeyEnqueued {
		t.Fatalf("expected one wake-up, got %v", pub.routingKeys)
	}
}

func TestEnqueue_OptionsOverrideDefaults(t *testing.T) {
	repo := newMemJobRepo()
	q := New(repo, nil, testLogger(), Defaults{})
	fixed := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return fixed }

	handle, err := q.Enqueue(context.Background(), interestPayload(t),
		WithAttempts(7), WithBackoff(250*time.Millisecond), WithPriority(5), WithDelay(time.Minute))
	if err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	job, _ := repo.GetJob(context.Background(), handle.ID)
	if job.MaxAttempts != 7 || job.Backoff != 250*time.Millisecond || job.Priority != 5 {
		t.Fatalf("options not applied: %+v", job)
	}
	if !job.RunAt.Equal(fixed.Add(time.Minute)) {
		t.Fatalf("expected delayed run_at, got %s", job.RunAt)
	}
}

func TestEnqueue_WakeupFailureDoesNotFailEnqueue(t *testing.T) {
	q := New(newMemJobRepo(), &recordingPublisher{err: errors.New("broker down")}, testLogger(), Defaults{})
	if _, err := q.Enqueue(context.Background(), interestPayload(t)); err != nil {
		t.Fatalf("expected enqueue to succeed, got %v", err)
	}
}

func TestEnqueue_RejectsInvalidPayload(t *testing.T) {
	repo := newMemJobRepo()
	q := New(repo, nil, testLogger(), Defaults{})

	_, err := q.Enqueue(context.Background(), domain.CalculateInterestPayload{})
	if !errors.Is(err, domain.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	if len(repo.jobs) != 0 {
		t.Fatal("invalid payload must not be stored")
	}
}

func TestBackoff_Schedule(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{40, time.Hour},
	}
	for _, tc := range cases {
		if got := Backoff(time.Second, tc.attempt); got != tc.want {
			t.Fatalf("Backoff(1s, %d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestDispatcher_RetriesWithBackoffThenFails(t *testing.T) {
	repo := newMemJobRepo()
	q := New(repo, nil, testLogger(), Defaults{})
	handle, err := q.Enqueue(context.Background(), interestPayload(t))
	if err != nil {
		t.Fatal(err)
	}

	transient := errors.New("database unavailable")
	h := &stubHandler{fn: func(ctx context.Context, job domain.Job, payload domain.Payload) (interface{}, error) {
		return nil, transient
	}}
	d := NewDispatcher(repo, h, testLogger(), DispatcherConfig{})

	for i := 0; i < 3; i++ {
		processed, err := d.runOnce(context.Background())
		if err != nil || !processed {
			t.Fatalf("attempt %d: processed=%v err=%v", i+1, processed, err)
		}
	}
	if processed, _ := d.runOnce(context.Background()); processed {
		t.Fatal("failed job must not be claimed again")
	}

	if h.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", h.calls)
	}
	if len(repo.retries) != 2 || repo.retries[0] != time.Second || repo.retries[1] != 2*time.Second {
		t.Fatalf("unexpected retry delays %v", repo.retries)
	}
	job, _ := repo.GetJob(context.Background(), handle.ID)
	if job.State != domain.JobStateFailed {
		t.Fatalf("expected failed state, got %s", job.State)
	}
	if len(h.exhausted) != 1 || !errors.Is(h.exhausted[0], transient) {
		t.Fatalf("expected exhausted hook once with cause, got %v", h.exhausted)
	}
}

func TestDispatcher_PermanentErrorSkipsRetries(t *testing.T) {
	repo := newMemJobRepo()
	q := New(repo, nil, testLogger(), Defaults{})
	handle, _ := q.Enqueue(context.Background(), interestPayload(t))

	h := &stubHandler{fn: func(ctx context.Context, job domain.Job, payload domain.Payload) (interface{}, error) {
		return nil, Permanent(errors.New("deposit not found"))
	}}
	d := NewDispatcher(repo, h, testLogger(), DispatcherConfig{})
	d.runOnce(context.Background())

	job, _ := repo.GetJob(context.Background(), handle.ID)
	if job.State != domain.JobStateFailed || h.calls != 1 || len(repo.retries) != 0 {
		t.Fatalf("expected immediate failure, state=%s calls=%d retries=%v", job.State, h.calls, repo.retries)
	}
}

func TestDispatcher_StoresResultOnSuccess(t *testing.T) {
	repo := newMemJobRepo()
	q := New(repo, nil, testLogger(), Defaults{})
	handle, _ := q.Enqueue(context.Background(), interestPayload(t))

	var seen domain.Payload
	h := &stubHandler{fn: func(ctx context.Context, job domain.Job, payload domain.Payload) (interface{}, error) {
		seen = payload
		return map[string]int{"processed": 2}, nil
	}}
	d := NewDispatcher(repo, h, testLogger(), DispatcherConfig{})
	d.runOnce(context.Background())

	if _, ok := seen.(domain.CalculateInterestPayload); !ok {
		t.Fatalf("handler received %T", seen)
	}
	job, _ := repo.GetJob(context.Background(), handle.ID)
	if job.State != domain.JobStateCompleted || string(job.Result) != `{"processed":2}` {
		t.Fatalf("unexpected job after success: state=%s result=%s", job.State, job.Result)
	}
}

func TestDispatcher_RecoversHandlerPanic(t *testing.T) {
	repo := newMemJobRepo()
	q := New(repo, nil, testLogger(), Defaults{})
	handle, _ := q.Enqueue(context.Background(), interestPayload(t))

	h := &stubHandler{fn: func(ctx context.Context, job domain.Job, payload domain.Payload) (interface{}, error) {
		panic("nil map write")
	}}
	d := NewDispatcher(repo, h, testLogger(), DispatcherConfig{})
	d.runOnce(context.Background())

	job, _ := repo.GetJob(context.Background(), handle.ID)
	if job.State != domain.JobStateWaiting || job.LastError == nil {
		t.Fatalf("expected retry after panic, got state=%s", job.State)
	}
}

func TestDispatcher_UndecodablePayloadFailsWithoutCallingHandler(t *testing.T) {
	repo := newMemJobRepo()
	id := uuid.New()
	_ = repo.InsertJob(context.Background(), store.NewJob{
		ID:          id,
		Type:        domain.JobType("sendNewsletter"),
		Payload:     []byte(`{}`),
		MaxAttempts: 3,
		Backoff:     time.Second,
	})

	h := &stubHandler{fn: func(ctx context.Context, job domain.Job, payload domain.Payload) (interface{}, error) {
		return nil, nil
	}}
	d := NewDispatcher(repo, h, testLogger(), DispatcherConfig{})
	d.runOnce(context.Background())

	job, _ := repo.GetJob(context.Background(), id)
	if job.State != domain.JobStateFailed || h.calls != 0 || len(h.exhausted) != 0 {
		t.Fatalf("expected failure without handler call, state=%s calls=%d", job.State, h.calls)
	}
}

func TestDispatcher_RunProcessesUntilCancelled(t *testing.T) {
	repo := newMemJobRepo()
	q := New(repo, nil, testLogger(), Defaults{})

	done := make(chan struct{}, 4)
	h := &stubHandler{fn: func(ctx context.Context, job domain.Job, payload domain.Payload) (interface{}, error) {
		done <- struct{}{}
		return nil, nil
	}}
	d := NewDispatcher(repo, h, testLogger(), DispatcherConfig{Concurrency: 1, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(stopped)
	}()

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(context.Background(), interestPayload(t)); err != nil {
			t.Fatal(err)
		}
		d.Wake()
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("job %d not processed", i+1)
		}
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

type stubConsumer struct {
	bindings map[string]func([]byte) bool
}

func (c *stubConsumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]func([]byte) bool) error {
	c.bindings = bindings
	return nil
}

func TestListenForWakeups_WakesOnRunnableJobs(t *testing.T) {
	d := NewDispatcher(newMemJobRepo(), &stubHandler{}, testLogger(), DispatcherConfig{Concurrency: 1})
	consumer := &stubConsumer{}
	if err := d.ListenForWakeups(consumer, "jobs-service.wakeups"); err != nil {
		t.Fatal(err)
	}

	handler := consumer.bindings[RoutingKeyEnqueued]
	later, _ := json.Marshal(EnqueuedEvent{JobID: uuid.New(), RunAt: time.Now().Add(time.Hour)})
	if !handler(later) {
		t.Fatal("expected ack")
	}
	if len(d.wake) != 0 {
		t.Fatal("delayed job must not wake workers")
	}

	now, _ := json.Marshal(EnqueuedEvent{JobID: uuid.New(), RunAt: time.Now()})
	handler(now)
	if len(d.wake) != 1 {
		t.Fatal("expected a wake-up for a runnable job")
	}
	if !handler([]byte("not json")) {
		t.Fatal("malformed wake-ups are acked and dropped")
	}
}

func TestDispatcher_ShutdownReleasesRunningJob(t *testing.T) {
	repo := newMemJobRepo()
	q := New(repo, nil, testLogger(), Defaults{})
	handle, err := q.Enqueue(context.Background(), interestPayload(t))
	if err != nil {
		t.Fatal(err)
	}

	running := make(chan struct{})
	h := &stubHandler{fn: func(ctx context.Context, job domain.Job, payload domain.Payload) (interface{}, error) {
		close(running)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	d := NewDispatcher(repo, h, testLogger(), DispatcherConfig{Concurrency: 1, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(stopped)
	}()

	select {
	case <-running:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}
	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}

	job, _ := repo.GetJob(context.Background(), handle.ID)
	if job.State != domain.JobStateWaiting || job.Attempts != 0 {
		t.Fatalf("expected job back in waiting with no attempt used, state=%s attempts=%d", job.State, job.Attempts)
	}
	if len(repo.released) != 1 || len(repo.retries) != 0 {
		t.Fatalf("expected one release and no retry, released=%v retries=%v", repo.released, repo.retries)
	}
	if len(h.exhausted) != 0 || job.LastError != nil {
		t.Fatal("an interrupted attempt must not count as a failure")
	}
}

func TestDispatcher_ReclaimedPastBudgetRunsExhaustedHook(t *testing.T) {
	repo := newMemJobRepo()
	id := uuid.New()
	payload, err := json.Marshal(interestPayload(t))
	if err != nil {
		t.Fatal(err)
	}
	_ = repo.InsertJob(context.Background(), store.NewJob{
		ID:          id,
		Type:        domain.JobTypeCalculateInterest,
		Payload:     payload,
		MaxAttempts: 3,
		Backoff:     time.Second,
	})
	// A worker died holding the lease of the final attempt.
	repo.jobs[id].Attempts = 3

	h := &stubHandler{fn: func(ctx context.Context, job domain.Job, payload domain.Payload) (interface{}, error) {
		return nil, nil
	}}
	d := NewDispatcher(repo, h, testLogger(), DispatcherConfig{})
	d.runOnce(context.Background())

	job, _ := repo.GetJob(context.Background(), id)
	if job.State != domain.JobStateFailed || h.calls != 0 {
		t.Fatalf("expected failure without a fourth attempt, state=%s calls=%d", job.State, h.calls)
	}
	if len(h.exhausted) != 1 {
		t.Fatalf("expected exhausted hook once, got %d", len(h.exhausted))
	}
}

func TestNewDispatcher_StaleWindowOutlastsJobTimeout(t *testing.T) {
	d := NewDispatcher(newMemJobRepo(), &stubHandler{}, testLogger(), DispatcherConfig{
		StaleAfter: 5 * time.Minute,
		JobTimeout: 10 * time.Minute,
	})
	if d.cfg.StaleAfter <= d.cfg.JobTimeout {
		t.Fatalf("stale window %s must exceed job timeout %s", d.cfg.StaleAfter, d.cfg.JobTimeout)
	}

	defaults := NewDispatcher(newMemJobRepo(), &stubHandler{}, testLogger(), DispatcherConfig{})
	if defaults.cfg.StaleAfter != defaultStaleAfter || defaults.cfg.StaleAfter <= defaults.cfg.JobTimeout {
		t.Fatalf("unexpected default stale window %s", defaults.cfg.StaleAfter)
	}
}
