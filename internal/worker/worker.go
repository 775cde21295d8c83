// Package worker runs the poll-reserve-execute-report loop for each registered
// job type.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailpipeline/contracts/jobs"
	mqcontracts "mailpipeline/contracts/mq"
	"mailpipeline/internal/account"
	"mailpipeline/internal/model"
	"mailpipeline/internal/store"
	"mailpipeline/pkg/logger"
	"mailpipeline/pkg/metrics"
	"mailpipeline/pkg/otel"
	"mailpipeline/pkg/trace"
	"mailpipeline/pkg/util"
)

// Result tells the worker how to settle a job whose handler returned no error.
type Result struct {
	// ContinueAt puts the job back to pending until this time without using up an attempt.
	ContinueAt *time.Time
}

type Handler interface {
	Handle(ctx context.Context, job *model.Job, p jobs.Payload) (Result, error)
}

type HandlerFunc func(ctx context.Context, job *model.Job, p jobs.Payload) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, job *model.Job, p jobs.Payload) (Result, error) {
	return f(ctx, job, p)
}

// Queue is the part of *jobqueue.Queue the worker drives.
type Queue interface {
	Reserve(ctx context.Context, jobType, workerID string) (*model.Job, error)
	Complete(ctx context.Context, job *model.Job) error
	Retry(ctx context.Context, job *model.Job, cause error) (bool, error)
	Fail(ctx context.Context, job *model.Job, cause error) error
	Continue(ctx context.Context, job *model.Job, availableAt time.Time) error
	Release(ctx context.Context, job *model.Job) error
}

type Config struct {
	PollInterval time.Duration
	// Concurrency is the number of loops per job type.
	Concurrency int
}

type Worker struct {
	id       string
	queue    Queue
	cfg      Config
	handlers map[string]Handler
	wake     map[string]chan struct{}
	logger   *zap.Logger
	now      func() time.Time
}

func New(q Queue, cfg Config, logger *zap.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	id := fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])

	return &Worker{
		id:       id,
		queue:    q,
		cfg:      cfg,
		handlers: make(map[string]Handler),
		wake:     make(map[string]chan struct{}),
		logger:   logger.With(zap.String("worker_id", id)),
		now:      time.Now,
	}
}

func (w *Worker) ID() string { return w.id }

// Register binds a handler to a job type. It must be called before Run.
func (w *Worker) Register(jobType string, h Handler) {
	w.handlers[jobType] = h
	if _, ok := w.wake[jobType]; !ok {
		w.wake[jobType] = make(chan struct{}, 1)
	}
}

// Wake cuts the current poll sleep of one loop of jobType short.
func (w *Worker) Wake(jobType string) {
	ch, ok := w.wake[jobType]
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// HandleEnqueued consumes job.enqueued events. It has the mq.MessageHandler signature.
func (w *Worker) HandleEnqueued(_ context.Context, raw json.RawMessage) error {
	var evt mqcontracts.JobEnqueuedPayload
	if err := json.Unmarshal(raw, &evt); err != nil {
		// 格式错误直接 ack，轮询仍会取到任务
		w.logger.Warn("Ignoring malformed job.enqueued event", zap.Error(err))
		return nil
	}
	w.Wake(evt.JobType)
	return nil
}

// Run blocks until ctx is cancelled and every loop has settled its current job.
func (w *Worker) Run(ctx context.Context) error {
	if len(w.handlers) == 0 {
		return errors.New("no job handlers registered")
	}

	var wg sync.WaitGroup
	for jobType := range w.handlers {
		for i := 0; i < w.cfg.Concurrency; i++ {
			wg.Add(1)
			go func(jobType string) {
				defer wg.Done()
				w.loop(ctx, jobType)
			}(jobType)
		}
		w.logger.Info("Worker loop started",
			zap.String("job_type", jobType),
			zap.Int("concurrency", w.cfg.Concurrency),
			zap.Duration("poll_interval", w.cfg.PollInterval),
		)
	}

	wg.Wait()
	w.logger.Info("Worker stopped")
	return nil
}

func (w *Worker) loop(ctx context.Context, jobType string) {
	for {
		processed, err := w.ProcessNext(ctx, jobType)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			w.logger.Error("Worker poll failed",
				zap.String("job_type", jobType),
				zap.Error(err),
			)
		}
		if processed {
			continue
		}

		timer := time.NewTimer(w.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-w.wake[jobType]:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// ProcessNext reserves and executes at most one job of jobType. It reports
// whether a job was reserved.
func (w *Worker) ProcessNext(ctx context.Context, jobType string) (bool, error) {
	job, err := w.queue.Reserve(ctx, jobType, w.id)
	if err != nil {
		return false, fmt.Errorf("failed to reserve %s job: %w", jobType, err)
	}
	if job == nil {
		return false, nil
	}
	return true, w.execute(ctx, job)
}

func (w *Worker) execute(ctx context.Context, job *model.Job) error {
	ctx, _ = trace.Ensure(ctx)
	log := logger.WithTrace(ctx, w.logger).With(
		zap.Int64("job_id", job.ID),
		zap.String("job_type", job.JobType),
		zap.Int("attempt", job.Attempts),
	)
	ctx, span := otel.JobSpan(ctx, job.JobType, job.ID, job.Attempts)
	started := w.now()

	var (
		result    Result
		handleErr error
		status    string
	)
	defer func() {
		metrics.RecordJob(job.JobType, status, w.now().Sub(started))
		otel.EndSpan(span, handleErr)
	}()

	// settle even when the worker is shutting down
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	payload, decodeErr := jobs.Decode(job.JobType, job.Payload)
	if decodeErr != nil {
		handleErr = decodeErr
		status = "invalid"
		log.Error("Job payload rejected", zap.Error(decodeErr))
		return w.settled(log, &status, w.queue.Fail(settleCtx, job, decodeErr))
	}

	handler, ok := w.handlers[job.JobType]
	if !ok {
		handleErr = fmt.Errorf("%w: no handler for %q", jobs.ErrUnknownType, job.JobType)
		status = "invalid"
		return w.settled(log, &status, w.queue.Fail(settleCtx, job, handleErr))
	}

	log.Debug("Job started")
	result, handleErr = w.safeHandle(ctx, handler, job, payload)

	switch {
	case handleErr == nil && result.ContinueAt != nil:
		status = "continued"
		if err := w.queue.Continue(settleCtx, job, *result.ContinueAt); err != nil {
			return w.settled(log, &status, err)
		}
		log.Info("Job continued", zap.Time("available_at", *result.ContinueAt))
		return nil

	case handleErr == nil:
		status = "completed"
		if err := w.queue.Complete(settleCtx, job); err != nil {
			return w.settled(log, &status, err)
		}
		log.Info("Job completed", zap.Duration("duration", w.now().Sub(started)))
		return nil

	case ctx.Err() != nil:
		// interrupted by shutdown, not by the job itself
		status = "released"
		if err := w.queue.Release(settleCtx, job); err != nil {
			return w.settled(log, &status, err)
		}
		log.Warn("Job released on shutdown", zap.Error(handleErr))
		return nil
	}

	retry, reason := Retryable(handleErr)
	log = log.With(zap.String("error_type", reason), zap.Bool("retryable", retry))

	if !retry {
		status = "failed"
		return w.settled(log, &status, w.queue.Fail(settleCtx, job, handleErr))
	}

	status = "retried"
	exhausted, err := w.queue.Retry(settleCtx, job, handleErr)
	if err != nil {
		return w.settled(log, &status, err)
	}
	if exhausted {
		// counted as exhausted by the queue
		status = "failed"
		log.Error("queue_exhausted", zap.Error(handleErr))
		return nil
	}
	log.Warn("Job will be retried", zap.Error(handleErr))
	return nil
}

// settled swallows a lost lease: the job was swept and reserved again, so its
// outcome now belongs to the new holder.
func (w *Worker) settled(log *zap.Logger, status *string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrLeaseLost) {
		*status = "lease_lost"
		log.Warn("Job lease lost before settling, outcome discarded", zap.Error(err))
		return nil
	}
	return err
}

func (w *Worker) safeHandle(ctx context.Context, h Handler, job *model.Job, p jobs.Payload) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s handler: %v", job.JobType, r)
		}
	}()
	return h.Handle(ctx, job, p)
}

// Retryable decides between release-with-backoff and immediate failure.
// Infrastructure errors recognised by util.IsRetryableError are retried, as
// are unrecognised errors, since attempts are bounded by max_attempts.
// Missing rows, bad payloads and unknown accounts fail at once.
func Retryable(err error) (bool, string) {
	retryable, reason := util.IsRetryableError(err)
	if retryable {
		return true, reason
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return false, "not_found"
	case errors.Is(err, jobs.ErrInvalidPayload), errors.Is(err, jobs.ErrUnknownType):
		return false, "invalid_payload"
	case errors.Is(err, account.ErrUnknownAccount):
		return false, "unknown_account"
	case reason == "unknown_error":
		return true, reason
	}
	return false, reason
}
