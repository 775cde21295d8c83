package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mailpipeline/internal/model"
	"mailpipeline/internal/store"
)

type sendRow struct {
	ID            int64          `db:"id"`
	BatchID       sql.NullInt64  `db:"batch_id"`
	AccountID     int64          `db:"account_id"`
	Campaign      string         `db:"campaign"`
	Reference     string         `db:"reference"`
	RecipientKey  string         `db:"recipient_key"`
	Recipient     string         `db:"recipient"`
	RecipientName sql.NullString `db:"recipient_name"`
	ContactID     sql.NullInt64  `db:"contact_id"`
	Status        string         `db:"status"`
	Attempts      int            `db:"attempts"`
	Gateway       sql.NullString `db:"gateway"`
	MessageID     sql.NullString `db:"message_id"`
	LastError     sql.NullString `db:"last_error"`
	SentAt        sql.NullInt64  `db:"sent_at"`
	CreatedAt     int64          `db:"created_at"`
	UpdatedAt     int64          `db:"updated_at"`
}

func (r sendRow) toModel() model.Send {
	return model.Send{
		ID:            r.ID,
		BatchID:       fromNullInt64(r.BatchID),
		AccountID:     r.AccountID,
		Campaign:      r.Campaign,
		Reference:     r.Reference,
		RecipientKey:  r.RecipientKey,
		Recipient:     r.Recipient,
		RecipientName: r.RecipientName.String,
		ContactID:     fromNullInt64(r.ContactID),
		Status:        model.SendStatus(r.Status),
		Attempts:      r.Attempts,
		Gateway:       r.Gateway.String,
		MessageID:     r.MessageID.String,
		Error:         r.LastError.String,
		SentAt:        fromNullUnix(r.SentAt),
		CreatedAt:     fromUnix(r.CreatedAt),
		UpdatedAt:     fromUnix(r.UpdatedAt),
	}
}

const sendColumns = `id, batch_id, account_id, campaign, reference, recipient_key, recipient, recipient_name,
	contact_id, status, attempts, gateway, message_id, last_error, sent_at, created_at, updated_at`

func (s *Store) CreateSend(ctx context.Context, send model.NewSend) (int64, bool, error) {
	var (
		id      int64
		created bool
	)
	err := s.withTx(ctx, func(tx *Store) error {
		now := tx.unixNow()
		err := tx.q.GetContext(ctx, &id, `
			INSERT INTO email_sends (batch_id, account_id, campaign, reference, recipient_key, recipient,
				recipient_name, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)
			ON CONFLICT (campaign, reference, recipient_key) DO NOTHING
			RETURNING id`,
			nullInt64(send.BatchID), send.AccountID, send.Campaign, send.Reference, send.RecipientKey,
			send.Recipient, nullString(send.RecipientName), now, now,
		)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to create send: %w", err)
		}
		created = true

		if send.BatchID != nil {
			_, err = tx.q.ExecContext(ctx, `
				UPDATE email_campaign_batches SET total_count = total_count + 1, updated_at = ? WHERE id = ?`,
				now, *send.BatchID)
			if err != nil {
				return fmt.Errorf("failed to count send in batch: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return id, created, nil
}

func (s *Store) FindSend(ctx context.Context, id int64) (*model.Send, error) {
	var row sendRow
	if err := s.q.GetContext(ctx, &row, `SELECT `+sendColumns+` FROM email_sends WHERE id = ?`, id); err != nil {
		return nil, notFound(err)
	}
	send := row.toModel()
	return &send, nil
}

func (s *Store) ListPendingSends(ctx context.Context, batchID int64, limit int) ([]model.Send, error) {
	var rows []sendRow
	err := s.q.SelectContext(ctx, &rows, `
		SELECT `+sendColumns+`
		FROM email_sends
		WHERE batch_id = ? AND status = 'pending'
		ORDER BY id
		LIMIT ?`, batchID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending sends: %w", err)
	}
	out := make([]model.Send, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *Store) CountPendingSends(ctx context.Context, batchID int64) (int, error) {
	var n int
	err := s.q.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM email_sends WHERE batch_id = ? AND status = 'pending'`, batchID)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending sends: %w", err)
	}
	return n, nil
}

func (s *Store) ClaimPendingSends(ctx context.Context, batchID int64, owner string, limit int, staleBefore time.Time) ([]model.Send, error) {
	var rows []sendRow
	err := s.withTx(ctx, func(tx *Store) error {
		now := tx.unixNow()
		_, err := tx.q.ExecContext(ctx, `
			UPDATE email_sends
			SET claimed_by = ?, claimed_at = ?, updated_at = ?
			WHERE id IN (
				SELECT id FROM email_sends
				WHERE batch_id = ? AND status = 'pending' AND (claimed_by IS NULL OR claimed_at < ?)
				ORDER BY id
				LIMIT ?
			)`, owner, now, now, batchID, staleBefore.Unix(), limit)
		if err != nil {
			return fmt.Errorf("failed to claim sends: %w", err)
		}
		return tx.q.SelectContext(ctx, &rows, `
			SELECT `+sendColumns+`
			FROM email_sends
			WHERE batch_id = ? AND status = 'pending' AND claimed_by = ?
			ORDER BY id`, batchID, owner)
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.Send, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *Store) ReleaseSendClaims(ctx context.Context, batchID int64, owner string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE email_sends SET claimed_by = NULL, claimed_at = NULL
		WHERE batch_id = ? AND claimed_by = ? AND status = 'pending'`, batchID, owner)
	if err != nil {
		return fmt.Errorf("failed to release send claims: %w", err)
	}
	return nil
}

func (s *Store) MarkSendSent(ctx context.Context, id int64, gateway, messageID string) error {
	now := s.unixNow()
	return s.settleSend(ctx, id, `
		UPDATE email_sends
		SET status = 'sent', attempts = attempts + 1, gateway = ?, message_id = ?, last_error = NULL,
		    sent_at = ?, claimed_by = NULL, claimed_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'pending'`, nullString(gateway), nullString(messageID), now, now, id)
}

func (s *Store) MarkSendFailed(ctx context.Context, id int64, errMsg string) error {
	return s.settleSend(ctx, id, `
		UPDATE email_sends
		SET status = 'failed', attempts = attempts + 1, last_error = ?, claimed_by = NULL, claimed_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'pending'`, nullString(store.Truncate(errMsg, store.MaxErrorLength)), s.unixNow(), id)
}

// settleSend tells a missing send from one that is no longer pending.
func (s *Store) settleSend(ctx context.Context, id int64, query string, args ...interface{}) error {
	err := s.execOne(ctx, query, args...)
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if _, err := s.FindSend(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("send %d already settled: %w", id, store.ErrInvalidState)
}

func (s *Store) RecordSendAttempt(ctx context.Context, id int64, errMsg string) error {
	return s.execOne(ctx, `
		UPDATE email_sends
		SET attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`, nullString(store.Truncate(errMsg, store.MaxErrorLength)), s.unixNow(), id)
}

func (s *Store) SetSendContact(ctx context.Context, id int64, contactID int64) error {
	return s.execOne(ctx, `UPDATE email_sends SET contact_id = ?, updated_at = ? WHERE id = ?`,
		contactID, s.unixNow(), id)
}

type batchRow struct {
	ID             int64          `db:"id"`
	Campaign       string         `db:"campaign"`
	AccountID      int64          `db:"account_id"`
	Subject        string         `db:"subject"`
	BodyText       sql.NullString `db:"body_text"`
	BodyHTML       sql.NullString `db:"body_html"`
	Status         string         `db:"status"`
	TotalCount     int            `db:"total_count"`
	ProcessedCount int            `db:"processed_count"`
	FailedCount    int            `db:"failed_count"`
	StartedAt      sql.NullInt64  `db:"started_at"`
	FinishedAt     sql.NullInt64  `db:"finished_at"`
	CreatedAt      int64          `db:"created_at"`
	UpdatedAt      int64          `db:"updated_at"`
}

func (s *Store) CreateBatch(ctx context.Context, batch model.NewBatch) (int64, error) {
	now := s.unixNow()
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO email_campaign_batches (campaign, account_id, subject, body_text, body_html, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'pending', ?, ?)`,
		batch.Campaign, batch.AccountID, batch.Subject, nullString(batch.BodyText), nullString(batch.BodyHTML), now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create batch: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) FindBatch(ctx context.Context, id int64) (*model.CampaignBatch, error) {
	var r batchRow
	err := s.q.GetContext(ctx, &r, `
		SELECT id, campaign, account_id, subject, body_text, body_html, status, total_count, processed_count,
			failed_count, started_at, finished_at, created_at, updated_at
		FROM email_campaign_batches WHERE id = ?`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &model.CampaignBatch{
		ID:             r.ID,
		Campaign:       r.Campaign,
		AccountID:      r.AccountID,
		Subject:        r.Subject,
		BodyText:       r.BodyText.String,
		BodyHTML:       r.BodyHTML.String,
		Status:         model.BatchStatus(r.Status),
		TotalCount:     r.TotalCount,
		ProcessedCount: r.ProcessedCount,
		FailedCount:    r.FailedCount,
		StartedAt:      fromNullUnix(r.StartedAt),
		FinishedAt:     fromNullUnix(r.FinishedAt),
		CreatedAt:      fromUnix(r.CreatedAt),
		UpdatedAt:      fromUnix(r.UpdatedAt),
	}, nil
}

// MarkBatchProcessing keeps the first started_at on continuation runs.
func (s *Store) MarkBatchProcessing(ctx context.Context, id int64) error {
	now := s.unixNow()
	return s.execOne(ctx, `
		UPDATE email_campaign_batches
		SET status = 'processing', started_at = COALESCE(started_at, ?), updated_at = ?
		WHERE id = ? AND status IN ('pending', 'processing')`, now, now, id)
}

func (s *Store) MarkBatchCompleted(ctx context.Context, id int64) error {
	now := s.unixNow()
	return s.execOne(ctx, `
		UPDATE email_campaign_batches
		SET status = 'completed', finished_at = ?, updated_at = ?
		WHERE id = ?`, now, now, id)
}

func (s *Store) IncrementBatchCounters(ctx context.Context, id int64, processedDelta, failedDelta int) error {
	if processedDelta < 0 || failedDelta < 0 {
		return fmt.Errorf("batch counters only move forward: %w", store.ErrInvalidState)
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE email_campaign_batches
		SET processed_count = processed_count + ?, failed_count = failed_count + ?, updated_at = ?
		WHERE id = ? AND processed_count + failed_count + ? + ? <= total_count`,
		processedDelta, failedDelta, s.unixNow(), id, processedDelta, failedDelta,
	)
	if err != nil {
		return fmt.Errorf("failed to increment batch counters: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.FindBatch(ctx, id); err != nil {
			return err
		}
		return store.ErrCounterOverflow
	}
	return nil
}

func (s *Store) InSendTx(ctx context.Context, fn func(store.SendStore) error) error {
	return s.withTx(ctx, func(tx *Store) error {
		return fn(tx)
	})
}
