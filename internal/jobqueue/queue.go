// Package jobqueue wraps the job store with retry, backoff, continuation and
// dead-letter policy. Reservation atomicity lives in the store backends.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailpipeline/contracts/jobs"
	mqcontracts "mailpipeline/contracts/mq"
	"mailpipeline/internal/model"
	"mailpipeline/internal/store"
	"mailpipeline/pkg/metrics"
	"mailpipeline/pkg/mq"
)

// Notifier publishes queue events. *mq.Publisher satisfies it.
type Notifier interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// DeadLetter receives exhausted jobs. *mq.Publisher satisfies it.
type DeadLetter interface {
	PublishToDLQ(ctx context.Context, routingKey string, payload []byte, originalError, source string) error
}

type Config struct {
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	LeaseTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 15 * time.Minute
	}
	return c
}

// Queue is safe for concurrent use.
type Queue struct {
	store    store.JobStore
	cfg      Config
	notifier Notifier
	dlq      DeadLetter
	logger   *zap.Logger
	now      func() time.Time
}

func New(s store.JobStore, cfg Config, logger *zap.Logger) *Queue {
	return &Queue{
		store:  s,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

func (q *Queue) WithNotifier(n Notifier) *Queue {
	q.notifier = n
	return q
}

func (q *Queue) WithDeadLetter(d DeadLetter) *Queue {
	q.dlq = d
	return q
}

func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Enqueue validates and stores a typed payload.
func (q *Queue) Enqueue(ctx context.Context, p jobs.Payload, opts model.EnqueueOptions) (int64, error) {
	raw, err := jobs.Encode(p)
	if err != nil {
		return 0, err
	}
	return q.enqueue(ctx, p.JobType(), raw, opts)
}

// EnqueueRaw accepts an already encoded payload, e.g. from the admin API.
func (q *Queue) EnqueueRaw(ctx context.Context, jobType string, raw json.RawMessage, opts model.EnqueueOptions) (int64, error) {
	if _, err := jobs.Decode(jobType, raw); err != nil {
		return 0, err
	}
	return q.enqueue(ctx, jobType, raw, opts)
}

func (q *Queue) enqueue(ctx context.Context, jobType string, raw json.RawMessage, opts model.EnqueueOptions) (int64, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = q.cfg.MaxAttempts
	}
	id, err := q.store.EnqueueJob(ctx, jobType, raw, opts)
	if err != nil {
		return 0, err
	}

	q.logger.Debug("Job enqueued",
		zap.Int64("job_id", id),
		zap.String("job_type", jobType),
		zap.Int("priority", opts.Priority),
	)

	if q.notifier != nil {
		event := mqcontracts.JobEnqueuedPayload{
			JobID:       id,
			JobType:     jobType,
			Priority:    opts.Priority,
			AvailableAt: opts.AvailableAt,
		}
		// 通知失败不影响入队，worker 仍会按轮询间隔取到任务
		if err := q.notifier.Publish(ctx, mq.RoutingKeyJobEnqueued, event); err != nil {
			q.logger.Warn("Failed to publish job.enqueued",
				zap.Int64("job_id", id),
				zap.Error(err),
			)
		}
	}
	return id, nil
}

// Reserve claims the next eligible job and counts the attempt it is about to make.
// It returns (nil, nil) when nothing is eligible.
func (q *Queue) Reserve(ctx context.Context, jobType, workerID string) (*model.Job, error) {
	job, err := q.store.ReserveNextJob(ctx, jobType, workerID)
	if err != nil || job == nil {
		return nil, err
	}
	if err := q.store.IncrementJobAttempts(ctx, job.ID); err != nil {
		return nil, fmt.Errorf("failed to count attempt for job %d: %w", job.ID, err)
	}
	job.Attempts++
	return job, nil
}

// Complete, Retry, Fail, Continue and Release settle a job reserved through
// Reserve. They return an error wrapping store.ErrLeaseLost when the reservation
// has since been swept; the job then belongs to another worker and is left alone.
func (q *Queue) Complete(ctx context.Context, job *model.Job) error {
	if err := q.store.MarkJobCompleted(ctx, job.ID, job.ReservedBy); err != nil {
		return fmt.Errorf("failed to complete job %d: %w", job.ID, err)
	}
	return nil
}

// Backoff returns base * 2^(attempts-1), capped at the configured maximum.
func (q *Queue) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := q.cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.cfg.BackoffMax || d <= 0 {
			return q.cfg.BackoffMax
		}
	}
	if d > q.cfg.BackoffMax {
		return q.cfg.BackoffMax
	}
	return d
}

// Retry releases the job with backoff, or fails it when its attempts are used up.
// The returned bool reports exhaustion.
func (q *Queue) Retry(ctx context.Context, job *model.Job, cause error) (bool, error) {
	if job.Exhausted() {
		return true, q.exhaust(ctx, job, cause)
	}

	availableAt := q.now().Add(q.Backoff(job.Attempts))
	if err := q.store.ReleaseJob(ctx, job.ID, job.ReservedBy, availableAt, errorText(cause)); err != nil {
		return false, fmt.Errorf("failed to release job %d: %w", job.ID, err)
	}
	q.logger.Info("Job released for retry",
		zap.Int64("job_id", job.ID),
		zap.String("job_type", job.JobType),
		zap.Int("attempts", job.Attempts),
		zap.Time("available_at", availableAt),
		zap.Error(cause),
	)
	return false, nil
}

// Fail moves the job to failed without further attempts.
func (q *Queue) Fail(ctx context.Context, job *model.Job, cause error) error {
	if err := q.store.MarkJobFailed(ctx, job.ID, job.ReservedBy, errorText(cause)); err != nil {
		return fmt.Errorf("failed to mark job %d failed: %w", job.ID, err)
	}
	q.logger.Error("Job failed",
		zap.Int64("job_id", job.ID),
		zap.String("job_type", job.JobType),
		zap.Int("attempts", job.Attempts),
		zap.Error(cause),
	)
	return nil
}

func (q *Queue) exhaust(ctx context.Context, job *model.Job, cause error) error {
	msg := errorText(cause)
	if err := q.store.MarkJobFailed(ctx, job.ID, job.ReservedBy, msg); err != nil {
		return fmt.Errorf("failed to mark job %d failed: %w", job.ID, err)
	}

	q.logger.Error("Job exhausted its attempts",
		zap.Int64("job_id", job.ID),
		zap.String("job_type", job.JobType),
		zap.Int("attempts", job.Attempts),
		zap.Int("max_attempts", job.MaxAttempts),
		zap.String("last_error", msg),
	)
	metrics.RecordJob(job.JobType, "exhausted", 0)

	if q.dlq == nil {
		return nil
	}
	body, err := json.Marshal(mqcontracts.JobExhaustedPayload{
		JobID:     job.ID,
		JobType:   job.JobType,
		Attempts:  job.Attempts,
		LastError: msg,
		FailedAt:  q.now().UTC(),
		Payload:   job.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to encode exhausted job %d: %w", job.ID, err)
	}
	if err := q.dlq.PublishToDLQ(ctx, mq.RoutingKeyJobExhausted, body, msg, "jobqueue"); err != nil {
		// 任务已是 failed，死信只是通知
		q.logger.Warn("Failed to publish exhausted job to DLQ",
			zap.Int64("job_id", job.ID),
			zap.Error(err),
		)
	}
	return nil
}

// Continue puts the job back to pending at availableAt without consuming an
// attempt. Used when a handler made progress but has more work that must wait,
// such as a throttled campaign batch.
func (q *Queue) Continue(ctx context.Context, job *model.Job, availableAt time.Time) error {
	if err := q.store.DeferJob(ctx, job.ID, job.ReservedBy, availableAt); err != nil {
		return fmt.Errorf("failed to continue job %d: %w", job.ID, err)
	}
	return nil
}

// Release hands an interrupted job back immediately, giving back its attempt.
func (q *Queue) Release(ctx context.Context, job *model.Job) error {
	if err := q.store.DeferJob(ctx, job.ID, job.ReservedBy, q.now()); err != nil {
		return fmt.Errorf("failed to release job %d: %w", job.ID, err)
	}
	q.logger.Info("Job released",
		zap.Int64("job_id", job.ID),
		zap.String("job_type", job.JobType),
		zap.Int("attempts", job.Attempts-1),
	)
	return nil
}

func (q *Queue) Depth(ctx context.Context, jobType string) (int, error) {
	return q.store.CountPendingJobs(ctx, jobType)
}

func (q *Queue) Find(ctx context.Context, id int64) (*model.Job, error) {
	return q.store.FindJob(ctx, id)
}

// Sweep returns reservations older than the lease timeout to pending.
func (q *Queue) Sweep(ctx context.Context) (int, int, error) {
	released, failed, err := q.store.ReleaseExpiredJobs(ctx, q.now().Add(-q.cfg.LeaseTimeout))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sweep expired leases: %w", err)
	}
	if released > 0 || failed > 0 {
		q.logger.Warn("Expired job leases reclaimed",
			zap.Int("released", released),
			zap.Int("failed", failed),
			zap.Duration("lease_timeout", q.cfg.LeaseTimeout),
		)
		metrics.IncrementLeaseExpired("released", released)
		metrics.IncrementLeaseExpired("failed", failed)
	}
	return released, failed, nil
}

func (q *Queue) Requeue(ctx context.Context, id int64) error {
	if err := q.store.RequeueJob(ctx, id); err != nil {
		return err
	}
	q.logger.Info("Job requeued", zap.Int64("job_id", id))
	return nil
}

func (q *Queue) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := q.store.PurgeJobs(ctx, q.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to purge jobs: %w", err)
	}
	q.logger.Info("Finished jobs purged", zap.Int64("deleted", n), zap.Duration("older_than", olderThan))
	return n, nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return store.Truncate(err.Error(), store.MaxErrorLength)
}

// IsLeaseLost reports whether err means the job was settled by a worker that no
// longer holds it.
func IsLeaseLost(err error) bool {
	return errors.Is(err, store.ErrLeaseLost)
}

// IsNotFound reports whether err means the job does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
