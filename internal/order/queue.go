package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/erpsync/internal/browser"
	"github.com/loykin/erpsync/internal/erp"
	"github.com/loykin/erpsync/internal/event"
	"github.com/loykin/erpsync/internal/metrics"
	"github.com/loykin/erpsync/internal/pool"
	"github.com/loykin/erpsync/internal/store"
)

var (
	ErrJobNotFound   = errors.New("order: job not found")
	ErrNotCancelable = errors.New("order: job already dispatched")
	ErrNotRetryable  = errors.New("order: only failed or canceled jobs can be retried")
)

// Locker is the orchestrator's order-lock surface.
type Locker interface {
	AcquireOrderLock(ctx context.Context) error
	ReleaseOrderLock()
}

// Sessions is the slice of the pool order jobs need: always a fresh dedicated
// session, never a cached one, so retried UI state starts clean.
type Sessions interface {
	AcquireFresh(ctx context.Context, userID string) (*pool.Lease, error)
	Release(l *pool.Lease, success bool)
}

type Config struct {
	// JobTimeout caps one job's ERP interaction (default 10m).
	JobTimeout time.Duration `mapstructure:"job_timeout"`
}

func (c Config) jobTimeout() time.Duration {
	if c.JobTimeout > 0 {
		return c.JobTimeout
	}
	return 10 * time.Minute
}

// Queue executes order jobs strictly one at a time. Two automation sessions
// against the same ERP login share UI state, so concurrency stays at one no
// matter how many jobs are waiting. Jobs are never retried automatically: the
// ERP may have accepted the order even when automation reports failure, and a
// blind retry risks duplicates.
type Queue struct {
	cfg    Config
	store  store.Store
	lock   Locker
	pool   Sessions
	driver browser.Driver
	bus    *event.Bus

	mu       sync.Mutex
	pending  []string
	canceled map[string]bool
	running  string
	stopped  bool

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewQueue(cfg Config, st store.Store, lock Locker, p Sessions, d browser.Driver, bus *event.Bus) *Queue {
	return &Queue{
		cfg:      cfg,
		store:    st,
		lock:     lock,
		pool:     p,
		driver:   d,
		bus:      bus,
		canceled: make(map[string]bool),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the single worker.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.worker()
}

// Stop waits for the in-flight job, if any, to finish. Queued jobs stay in the
// store and are not executed.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	q.mu.Unlock()
	close(q.stopCh)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue validates and persists a new job, returning its id.
func (q *Queue) Enqueue(ctx context.Context, o erp.Order) (string, error) {
	if err := o.Validate(); err != nil {
		return "", err
	}
	job := store.OrderJob{
		ID:        uuid.NewString(),
		UserID:    o.UserID,
		Order:     o,
		Status:    store.OrderJobQueued,
		CreatedAt: time.Now(),
	}
	if err := q.store.SaveOrderJob(ctx, job); err != nil {
		return "", fmt.Errorf("order: persist job: %w", err)
	}
	q.mu.Lock()
	q.pending = append(q.pending, job.ID)
	q.mu.Unlock()
	q.wakeWorker()
	slog.Info("order job enqueued", "job", job.ID, "user", o.UserID, "lines", len(o.Lines))
	return job.ID, nil
}

// Status returns the stored state of one job.
func (q *Queue) Status(ctx context.Context, id string) (store.OrderJob, error) {
	job, ok, err := q.store.GetOrderJob(ctx, id)
	if err != nil {
		return store.OrderJob{}, err
	}
	if !ok {
		return store.OrderJob{}, ErrJobNotFound
	}
	return job, nil
}

// Retry clones a failed or canceled job's payload into a brand-new job. The
// original job id is never re-executed.
func (q *Queue) Retry(ctx context.Context, id string) (string, error) {
	job, err := q.Status(ctx, id)
	if err != nil {
		return "", err
	}
	if job.Status != store.OrderJobFailed && job.Status != store.OrderJobCanceled {
		return "", ErrNotRetryable
	}
	clone := store.OrderJob{
		ID:        uuid.NewString(),
		UserID:    job.UserID,
		Order:     job.Order,
		Status:    store.OrderJobQueued,
		RetryOf:   job.ID,
		CreatedAt: time.Now(),
	}
	if err := q.store.SaveOrderJob(ctx, clone); err != nil {
		return "", fmt.Errorf("order: persist retry: %w", err)
	}
	q.mu.Lock()
	q.pending = append(q.pending, clone.ID)
	q.mu.Unlock()
	q.wakeWorker()
	slog.Info("order job retried", "job", clone.ID, "retry_of", job.ID)
	return clone.ID, nil
}

// Cancel removes a job that has not been dispatched yet. Once ERP interaction
// begins, cancellation is unsafe and refused.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	q.mu.Lock()
	if q.running == id {
		q.mu.Unlock()
		return ErrNotCancelable
	}
	found := false
	for i, pid := range q.pending {
		if pid == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			found = true
			break
		}
	}
	if found {
		q.canceled[id] = true
	}
	q.mu.Unlock()
	if !found {
		job, err := q.Status(ctx, id)
		if err != nil {
			return err
		}
		if job.Status == store.OrderJobQueued {
			// Persisted but not in memory (e.g. restart); mark it directly.
			return q.markCanceled(ctx, id)
		}
		return ErrNotCancelable
	}
	return q.markCanceled(ctx, id)
}

func (q *Queue) markCanceled(ctx context.Context, id string) error {
	job, err := q.Status(ctx, id)
	if err != nil {
		return err
	}
	job.Status = store.OrderJobCanceled
	job.FinishedAt = time.Now()
	if err := q.store.SaveOrderJob(ctx, job); err != nil {
		return err
	}
	metrics.IncOrderJob("canceled")
	return nil
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stopCh:
			return
		case <-q.wake:
		}
		for {
			q.mu.Lock()
			if q.stopped || len(q.pending) == 0 {
				q.mu.Unlock()
				break
			}
			id := q.pending[0]
			q.pending = q.pending[1:]
			if q.canceled[id] {
				delete(q.canceled, id)
				q.mu.Unlock()
				continue
			}
			q.running = id
			q.mu.Unlock()

			q.execute(id)

			q.mu.Lock()
			q.running = ""
			q.mu.Unlock()
		}
	}
}

func (q *Queue) execute(id string) {
	ctx := context.Background()
	job, ok, err := q.store.GetOrderJob(ctx, id)
	if err != nil || !ok {
		slog.Error("order job vanished before dispatch", "job", id, "error", err)
		return
	}
	job.Status = store.OrderJobRunning
	job.Attempts++
	if err := q.store.SaveOrderJob(ctx, job); err != nil {
		slog.Error("mark order job running failed", "job", id, "error", err)
	}
	q.publish(event.Event{Phase: event.PhaseStarted, Message: "order job " + id})

	orderID, err := q.place(job)
	job.FinishedAt = time.Now()
	if err != nil {
		job.Status = store.OrderJobFailed
		job.Error = err.Error()
		metrics.IncOrderJob("failed")
		q.publish(event.Event{Phase: event.PhaseFailed, Message: err.Error()})
		slog.Error("order job failed", "job", id, "error", err)
	} else {
		job.Status = store.OrderJobCompleted
		job.Result = orderID
		metrics.IncOrderJob("completed")
		q.publish(event.Event{Phase: event.PhaseCompleted, Message: "order " + orderID})
		slog.Info("order job completed", "job", id, "erp_order", orderID)
	}
	if err := q.store.SaveOrderJob(ctx, job); err != nil {
		slog.Error("persist order job outcome failed", "job", id, "error", err)
	}
}

// place holds the order lock and a fresh session for exactly the duration of
// the ERP interaction, releasing both on every path.
func (q *Queue) place(job store.OrderJob) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.jobTimeout())
	defer cancel()

	if err := q.lock.AcquireOrderLock(ctx); err != nil {
		return "", fmt.Errorf("order: %w", err)
	}
	defer q.lock.ReleaseOrderLock()

	lease, err := q.pool.AcquireFresh(ctx, job.UserID)
	if err != nil {
		return "", fmt.Errorf("order: %w", err)
	}
	orderID, err := q.driver.PlaceOrder(ctx, lease.Session, job.Order)
	q.pool.Release(lease, err == nil)
	if err != nil {
		return "", fmt.Errorf("order: place: %w", err)
	}
	return orderID, nil
}

func (q *Queue) publish(e event.Event) {
	if q.bus != nil {
		e.Domain = "order"
		q.bus.Publish(e)
	}
}

func (q *Queue) wakeWorker() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
