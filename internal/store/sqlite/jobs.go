package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"mailpipeline/internal/model"
	"mailpipeline/internal/store"
)

type jobRow struct {
	ID          int64          `db:"id"`
	JobType     string         `db:"job_type"`
	Payload     sql.NullString `db:"payload"`
	Status      string         `db:"status"`
	Priority    int            `db:"priority"`
	AvailableAt sql.NullInt64  `db:"available_at"`
	ReservedAt  sql.NullInt64  `db:"reserved_at"`
	ReservedBy  sql.NullString `db:"reserved_by"`
	Attempts    int            `db:"attempts"`
	MaxAttempts int            `db:"max_attempts"`
	LastError   sql.NullString `db:"last_error"`
	CreatedAt   int64          `db:"created_at"`
	UpdatedAt   int64          `db:"updated_at"`
}

func (r jobRow) toModel() *model.Job {
	j := &model.Job{
		ID:          r.ID,
		JobType:     r.JobType,
		Status:      model.JobStatus(r.Status),
		Priority:    r.Priority,
		AvailableAt: fromNullUnix(r.AvailableAt),
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		ReservedBy:  r.ReservedBy.String,
		ReservedAt:  fromNullUnix(r.ReservedAt),
		LastError:   r.LastError.String,
		CreatedAt:   fromUnix(r.CreatedAt),
		UpdatedAt:   fromUnix(r.UpdatedAt),
	}
	if r.Payload.Valid {
		j.Payload = json.RawMessage(r.Payload.String)
	}
	return j
}

const jobColumns = `id, job_type, payload, status, priority, available_at, reserved_at, reserved_by,
	attempts, max_attempts, last_error, created_at, updated_at`

func (s *Store) EnqueueJob(ctx context.Context, jobType string, payload json.RawMessage, opts model.EnqueueOptions) (int64, error) {
	now := s.unixNow()
	var body sql.NullString
	if len(payload) > 0 {
		body = sql.NullString{String: string(payload), Valid: true}
	}

	res, err := s.q.ExecContext(ctx, `
		INSERT INTO email_jobs (job_type, payload, status, priority, available_at, max_attempts, created_at, updated_at)
		VALUES (?, ?, 'pending', ?, ?, ?, ?, ?)`,
		jobType, body, opts.Priority, nullUnix(opts.AvailableAt), opts.MaxAttempts, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue job: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) ReserveNextJob(ctx context.Context, jobType, workerID string) (*model.Job, error) {
	var job *model.Job
	err := s.withTx(ctx, func(tx *Store) error {
		now := tx.unixNow()

		var row jobRow
		err := tx.q.GetContext(ctx, &row, `
			SELECT `+jobColumns+`
			FROM email_jobs
			WHERE job_type = ?
			  AND status = 'pending'
			  AND (available_at IS NULL OR available_at <= ?)
			ORDER BY priority DESC, id ASC
			LIMIT 1`,
			jobType, now,
		)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to select next job: %w", err)
		}

		res, err := tx.q.ExecContext(ctx, `
			UPDATE email_jobs
			SET status = 'reserved', reserved_at = ?, reserved_by = ?, updated_at = ?
			WHERE id = ? AND status = 'pending'`,
			now, workerID, now, row.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to reserve job: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}

		row.Status = string(model.JobReserved)
		row.ReservedAt = sql.NullInt64{Int64: now, Valid: true}
		row.ReservedBy = sql.NullString{String: workerID, Valid: true}
		row.UpdatedAt = now
		job = row.toModel()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Store) MarkJobCompleted(ctx context.Context, id int64, workerID string) error {
	return s.settle(ctx, id, `
		UPDATE email_jobs
		SET status = 'completed', reserved_at = NULL, reserved_by = NULL, updated_at = ?
		WHERE id = ? AND status = 'reserved' AND reserved_by = ?`, s.unixNow(), id, workerID)
}

func (s *Store) MarkJobFailed(ctx context.Context, id int64, workerID, errMsg string) error {
	return s.settle(ctx, id, `
		UPDATE email_jobs
		SET status = 'failed', last_error = ?, reserved_at = NULL, reserved_by = NULL, updated_at = ?
		WHERE id = ? AND status = 'reserved' AND reserved_by = ?`, errMsg, s.unixNow(), id, workerID)
}

func (s *Store) IncrementJobAttempts(ctx context.Context, id int64) error {
	return s.execOne(ctx, `
		UPDATE email_jobs SET attempts = attempts + 1, updated_at = ? WHERE id = ?`,
		s.unixNow(), id)
}

func (s *Store) ReleaseJob(ctx context.Context, id int64, workerID string, availableAt time.Time, lastError string) error {
	return s.settle(ctx, id, `
		UPDATE email_jobs
		SET status = 'pending',
		    reserved_at = NULL,
		    reserved_by = NULL,
		    available_at = ?,
		    last_error = COALESCE(?, last_error),
		    updated_at = ?
		WHERE id = ? AND status = 'reserved' AND reserved_by = ?`,
		availableAt.Unix(), nullString(lastError), s.unixNow(), id, workerID)
}

func (s *Store) DeferJob(ctx context.Context, id int64, workerID string, availableAt time.Time) error {
	return s.settle(ctx, id, `
		UPDATE email_jobs
		SET status = 'pending',
		    reserved_at = NULL,
		    reserved_by = NULL,
		    available_at = ?,
		    attempts = MAX(attempts - 1, 0),
		    updated_at = ?
		WHERE id = ? AND status = 'reserved' AND reserved_by = ?`,
		availableAt.Unix(), s.unixNow(), id, workerID)
}

func (s *Store) CountPendingJobs(ctx context.Context, jobType string) (int, error) {
	var n int
	err := s.q.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM email_jobs WHERE job_type = ? AND status = 'pending'`, jobType)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	return n, nil
}

func (s *Store) ReleaseExpiredJobs(ctx context.Context, reservedBefore time.Time) (int, int, error) {
	var released, failed int64
	err := s.withTx(ctx, func(tx *Store) error {
		now := tx.unixNow()
		cutoff := reservedBefore.Unix()

		res, err := tx.q.ExecContext(ctx, `
			UPDATE email_jobs
			SET status = 'failed', last_error = 'lease expired', reserved_at = NULL, reserved_by = NULL, updated_at = ?
			WHERE status = 'reserved' AND reserved_at < ? AND attempts >= max_attempts`,
			now, cutoff)
		if err != nil {
			return fmt.Errorf("failed to fail expired jobs: %w", err)
		}
		failed, _ = res.RowsAffected()

		res, err = tx.q.ExecContext(ctx, `
			UPDATE email_jobs
			SET status = 'pending', reserved_at = NULL, reserved_by = NULL, available_at = ?, updated_at = ?
			WHERE status = 'reserved' AND reserved_at < ?`,
			now, now, cutoff)
		if err != nil {
			return fmt.Errorf("failed to release expired jobs: %w", err)
		}
		released, _ = res.RowsAffected()
		return nil
	})
	return int(released), int(failed), err
}

func (s *Store) FindJob(ctx context.Context, id int64) (*model.Job, error) {
	var row jobRow
	err := s.q.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM email_jobs WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return row.toModel(), nil
}

func (s *Store) RequeueJob(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *Store) error {
		var status string
		if err := tx.q.GetContext(ctx, &status, `SELECT status FROM email_jobs WHERE id = ?`, id); err != nil {
			return notFound(err)
		}
		if status != string(model.JobFailed) {
			return fmt.Errorf("job %d is %s: %w", id, status, store.ErrInvalidState)
		}
		now := tx.unixNow()
		_, err := tx.q.ExecContext(ctx, `
			UPDATE email_jobs
			SET status = 'pending', attempts = 0, available_at = ?, updated_at = ?
			WHERE id = ?`, now, now, id)
		return err
	})
}

func (s *Store) PurgeJobs(ctx context.Context, finishedBefore time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx, `
		DELETE FROM email_jobs WHERE status IN ('completed', 'failed') AND updated_at < ?`,
		finishedBefore.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge jobs: %w", err)
	}
	return res.RowsAffected()
}

// settle runs a transition guarded by the reservation owner. No matching row
// means the lease is gone.
func (s *Store) settle(ctx context.Context, id int64, query string, args ...interface{}) error {
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job %d: %w", id, store.ErrLeaseLost)
	}
	return nil
}

// execOne runs an UPDATE that must touch exactly one row.
func (s *Store) execOne(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
