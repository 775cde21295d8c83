package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"mailpipeline/internal/model"
	"mailpipeline/internal/store"
)

const jobColumns = `id, job_type, payload, status, priority, available_at, reserved_at, reserved_by,
	attempts, max_attempts, last_error, created_at, updated_at`

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		j          model.Job
		payload    []byte
		status     string
		reservedBy *string
		lastError  *string
	)
	err := row.Scan(
		&j.ID,
		&j.JobType,
		&payload,
		&status,
		&j.Priority,
		&j.AvailableAt,
		&j.ReservedAt,
		&reservedBy,
		&j.Attempts,
		&j.MaxAttempts,
		&lastError,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		j.Payload = json.RawMessage(payload)
	}
	j.Status = model.JobStatus(status)
	j.ReservedBy = deref(reservedBy)
	j.LastError = deref(lastError)
	return &j, nil
}

func (s *Store) EnqueueJob(ctx context.Context, jobType string, payload json.RawMessage, opts model.EnqueueOptions) (int64, error) {
	var body []byte
	if len(payload) > 0 {
		body = payload
	}

	var id int64
	err := s.q.QueryRow(ctx, `
		INSERT INTO email_jobs (job_type, payload, status, priority, available_at, max_attempts)
		VALUES ($1, $2, 'pending', $3, $4, $5)
		RETURNING id`,
		jobType, body, opts.Priority, opts.AvailableAt, opts.MaxAttempts,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue job: %w", err)
	}
	return id, nil
}

// ReserveNextJob 使用 FOR UPDATE SKIP LOCKED，并发 worker 不会拿到同一行
func (s *Store) ReserveNextJob(ctx context.Context, jobType, workerID string) (*model.Job, error) {
	job, err := scanJob(s.q.QueryRow(ctx, `
		WITH next AS (
			SELECT id FROM email_jobs
			WHERE job_type = $1
			  AND status = 'pending'
			  AND (available_at IS NULL OR available_at <= NOW())
			ORDER BY priority DESC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE email_jobs j
		SET status = 'reserved', reserved_at = NOW(), reserved_by = $2, updated_at = NOW()
		FROM next
		WHERE j.id = next.id
		RETURNING j.id, j.job_type, j.payload, j.status, j.priority, j.available_at, j.reserved_at,
			j.reserved_by, j.attempts, j.max_attempts, j.last_error, j.created_at, j.updated_at`,
		jobType, workerID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reserve job: %w", err)
	}
	return job, nil
}

func (s *Store) MarkJobCompleted(ctx context.Context, id int64, workerID string) error {
	return s.settle(ctx, id, `
		UPDATE email_jobs
		SET status = 'completed', reserved_at = NULL, reserved_by = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'reserved' AND reserved_by = $2`, id, workerID)
}

func (s *Store) MarkJobFailed(ctx context.Context, id int64, workerID, errMsg string) error {
	return s.settle(ctx, id, `
		UPDATE email_jobs
		SET status = 'failed', last_error = $3, reserved_at = NULL, reserved_by = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'reserved' AND reserved_by = $2`, id, workerID, errMsg)
}

func (s *Store) IncrementJobAttempts(ctx context.Context, id int64) error {
	return s.execOne(ctx, `UPDATE email_jobs SET attempts = attempts + 1, updated_at = NOW() WHERE id = $1`, id)
}

func (s *Store) ReleaseJob(ctx context.Context, id int64, workerID string, availableAt time.Time, lastError string) error {
	return s.settle(ctx, id, `
		UPDATE email_jobs
		SET status = 'pending',
		    reserved_at = NULL,
		    reserved_by = NULL,
		    available_at = $3,
		    last_error = COALESCE($4, last_error),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'reserved' AND reserved_by = $2`,
		id, workerID, availableAt, nullIfEmpty(lastError))
}

func (s *Store) DeferJob(ctx context.Context, id int64, workerID string, availableAt time.Time) error {
	return s.settle(ctx, id, `
		UPDATE email_jobs
		SET status = 'pending',
		    reserved_at = NULL,
		    reserved_by = NULL,
		    available_at = $3,
		    attempts = GREATEST(attempts - 1, 0),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'reserved' AND reserved_by = $2`,
		id, workerID, availableAt)
}

func (s *Store) CountPendingJobs(ctx context.Context, jobType string) (int, error) {
	var n int
	err := s.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM email_jobs WHERE job_type = $1 AND status = 'pending'`, jobType,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	return n, nil
}

func (s *Store) ReleaseExpiredJobs(ctx context.Context, reservedBefore time.Time) (int, int, error) {
	var released, failed int64
	err := s.withTx(ctx, func(tx *Store) error {
		tag, err := tx.q.Exec(ctx, `
			UPDATE email_jobs
			SET status = 'failed', last_error = 'lease expired', reserved_at = NULL, reserved_by = NULL, updated_at = NOW()
			WHERE status = 'reserved' AND reserved_at < $1 AND attempts >= max_attempts`,
			reservedBefore)
		if err != nil {
			return fmt.Errorf("failed to fail expired jobs: %w", err)
		}
		failed = tag.RowsAffected()

		tag, err = tx.q.Exec(ctx, `
			UPDATE email_jobs
			SET status = 'pending', reserved_at = NULL, reserved_by = NULL, available_at = NOW(), updated_at = NOW()
			WHERE status = 'reserved' AND reserved_at < $1`,
			reservedBefore)
		if err != nil {
			return fmt.Errorf("failed to release expired jobs: %w", err)
		}
		released = tag.RowsAffected()
		return nil
	})
	return int(released), int(failed), err
}

func (s *Store) FindJob(ctx context.Context, id int64) (*model.Job, error) {
	job, err := scanJob(s.q.QueryRow(ctx, `SELECT `+jobColumns+` FROM email_jobs WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return job, nil
}

func (s *Store) RequeueJob(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *Store) error {
		var status string
		err := tx.q.QueryRow(ctx, `SELECT status FROM email_jobs WHERE id = $1 FOR UPDATE`, id).Scan(&status)
		if err != nil {
			return notFound(err)
		}
		if status != string(model.JobFailed) {
			return fmt.Errorf("job %d is %s: %w", id, status, store.ErrInvalidState)
		}
		_, err = tx.q.Exec(ctx, `
			UPDATE email_jobs
			SET status = 'pending', attempts = 0, available_at = NOW(), updated_at = NOW()
			WHERE id = $1`, id)
		return err
	})
}

func (s *Store) PurgeJobs(ctx context.Context, finishedBefore time.Time) (int64, error) {
	tag, err := s.q.Exec(ctx, `
		DELETE FROM email_jobs WHERE status IN ('completed', 'failed') AND updated_at < $1`, finishedBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to purge jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
