// Package jobs is an in-process delayed job queue with per-kind handlers,
// retry policy and optional durable storage. It is constructed explicitly
// and injected; nothing starts at import time.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Job is one unit of deferred work.
type Job struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	RunAt       time.Time       `json:"runAt"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	Backoff     time.Duration   `json:"backoff"`
	LastError   string          `json:"lastError,omitempty"`
}

// Decode unmarshals the payload into v.
func (j Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("jobs: %s has no payload", j.ID)
	}
	return json.Unmarshal(j.Payload, v)
}

// RetryPolicy bounds re-execution after a handler error.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Handler runs jobs of one kind. OnSuccess and OnFailure are optional;
// OnFailure fires once the retry policy is exhausted.
type Handler struct {
	Run       func(ctx context.Context, job Job) error
	OnSuccess func(ctx context.Context, job Job)
	OnFailure func(ctx context.Context, job Job, err error)
}

// Store persists pending jobs across restarts.
type Store interface {
	Save(job Job) error
	Delete(id string) error
	Load() ([]Job, error)
}

// Config wires a Queue.
type Config struct {
	Workers       int
	DefaultPolicy RetryPolicy
	Store         Store
	Logger        *slog.Logger
}

// Queue schedules jobs by RunAt and executes them on a bounded worker pool.
type Queue struct {
	mu       sync.Mutex
	pending  map[string]Job
	inflight map[string]struct{}
	handlers map[string]Handler

	workers int
	policy  RetryPolicy
	store   Store
	logger  *slog.Logger
	now     func() time.Time

	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewQueue builds an idle queue.
func NewQueue(cfg Config) *Queue {
	q := &Queue{
		pending:  make(map[string]Job),
		inflight: make(map[string]struct{}),
		handlers: make(map[string]Handler),
		workers:  cfg.Workers,
		policy:   cfg.DefaultPolicy,
		store:    cfg.Store,
		logger:   cfg.Logger,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if q.workers <= 0 {
		q.workers = 4
	}
	if q.policy.MaxAttempts <= 0 {
		q.policy.MaxAttempts = 1
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	return q
}

// Register binds a handler to a job kind.
func (q *Queue) Register(kind string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = h
}

// Enqueue schedules job after delay. A job whose ID is already pending or
// running is ignored, which makes enqueueing idempotent per ID.
func (q *Queue) Enqueue(_ context.Context, job Job, delay time.Duration, policy *RetryPolicy) error {
	if job.ID == "" || job.Kind == "" {
		return fmt.Errorf("jobs: id and kind required")
	}
	if policy == nil {
		policy = &q.policy
	}
	job.RunAt = q.now().Add(delay)
	job.MaxAttempts = policy.MaxAttempts
	job.Backoff = policy.Backoff
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 1
	}

	q.mu.Lock()
	if _, ok := q.pending[job.ID]; ok {
		q.mu.Unlock()
		return nil
	}
	if _, ok := q.inflight[job.ID]; ok {
		q.mu.Unlock()
		return nil
	}
	q.pending[job.ID] = job
	q.mu.Unlock()

	if q.store != nil {
		if err := q.store.Save(job); err != nil {
			q.logger.Error("persist job failed", slog.String("job", job.ID), slog.Any("error", err))
		}
	}
	q.signal()
	return nil
}

// Pending reports scheduled plus running jobs.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + len(q.inflight)
}

// Start restores persisted jobs and begins dispatching.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = true
	q.mu.Unlock()

	if q.store != nil {
		restored, err := q.store.Load()
		if err != nil {
			return fmt.Errorf("jobs: restore: %w", err)
		}
		q.mu.Lock()
		for _, job := range restored {
			q.pending[job.ID] = job
		}
		q.mu.Unlock()
		if len(restored) > 0 {
			q.logger.Info("restored pending jobs", slog.Int("count", len(restored)))
		}
	}
	go q.loop(ctx)
	return nil
}

// Stop halts dispatching and waits for running jobs.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	q.mu.Unlock()
	close(q.stop)
	<-q.done
	q.wg.Wait()
}

// RunDue executes every job due now on the calling goroutine and returns how
// many ran.
func (q *Queue) RunDue(ctx context.Context) int {
	due := q.takeDue(q.now())
	for _, job := range due {
		q.execute(ctx, job)
	}
	return len(due)
}

func (q *Queue) loop(ctx context.Context) {
	defer close(q.done)
	sem := make(chan struct{}, q.workers)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		wait := time.Hour
		if next, ok := q.nextRunAt(); ok {
			wait = next.Sub(q.now())
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case <-q.wake:
			continue
		case <-timer.C:
		}

		for _, job := range q.takeDue(q.now()) {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				q.requeue(job)
				return
			}
			q.wg.Add(1)
			go func(job Job) {
				defer q.wg.Done()
				defer func() { <-sem }()
				q.execute(ctx, job)
			}(job)
		}
	}
}

func (q *Queue) execute(ctx context.Context, job Job) {
	q.mu.Lock()
	h, ok := q.handlers[job.Kind]
	q.mu.Unlock()
	if !ok || h.Run == nil {
		q.logger.Error("no handler for job", slog.String("job", job.ID), slog.String("kind", job.Kind))
		q.finish(job)
		return
	}

	job.Attempts++
	err := h.Run(ctx, job)
	if err == nil {
		q.finish(job)
		if h.OnSuccess != nil {
			h.OnSuccess(ctx, job)
		}
		return
	}

	job.LastError = err.Error()
	if job.Attempts < job.MaxAttempts {
		job.RunAt = q.now().Add(job.Backoff * time.Duration(job.Attempts))
		q.logger.Warn("job failed, rescheduling",
			slog.String("job", job.ID),
			slog.String("kind", job.Kind),
			slog.Int("attempt", job.Attempts),
			slog.Any("error", err))
		q.requeue(job)
		return
	}
	q.logger.Error("job exhausted retries",
		slog.String("job", job.ID),
		slog.String("kind", job.Kind),
		slog.Int("attempts", job.Attempts),
		slog.Any("error", err))
	q.finish(job)
	if h.OnFailure != nil {
		h.OnFailure(ctx, job, err)
	}
}

func (q *Queue) takeDue(now time.Time) []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []Job
	for id, job := range q.pending {
		if !job.RunAt.After(now) {
			due = append(due, job)
			delete(q.pending, id)
			q.inflight[id] = struct{}{}
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	return due
}

func (q *Queue) nextRunAt() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var (
		next  time.Time
		found bool
	)
	for _, job := range q.pending {
		if !found || job.RunAt.Before(next) {
			next = job.RunAt
			found = true
		}
	}
	return next, found
}

func (q *Queue) requeue(job Job) {
	q.mu.Lock()
	delete(q.inflight, job.ID)
	q.pending[job.ID] = job
	q.mu.Unlock()
	if q.store != nil {
		if err := q.store.Save(job); err != nil {
			q.logger.Error("persist job failed", slog.String("job", job.ID), slog.Any("error", err))
		}
	}
	q.signal()
}

func (q *Queue) finish(job Job) {
	q.mu.Lock()
	delete(q.inflight, job.ID)
	q.mu.Unlock()
	if q.store != nil {
		if err := q.store.Delete(job.ID); err != nil {
			q.logger.Error("delete job failed", slog.String("job", job.ID), slog.Any("error", err))
		}
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
