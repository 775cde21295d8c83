package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"mailpipeline/internal/model"
	"mailpipeline/internal/store"
)

const sendColumns = `id, batch_id, account_id, campaign, reference, recipient_key, recipient, recipient_name,
	contact_id, status, attempts, gateway, message_id, last_error, sent_at, created_at, updated_at`

func scanSend(row pgx.Row) (*model.Send, error) {
	var (
		sd                                     model.Send
		status                                 string
		recipientName, gateway, msgID, lastErr *string
	)
	err := row.Scan(&sd.ID, &sd.BatchID, &sd.AccountID, &sd.Campaign, &sd.Reference, &sd.RecipientKey,
		&sd.Recipient, &recipientName, &sd.ContactID, &status, &sd.Attempts, &gateway, &msgID, &lastErr,
		&sd.SentAt, &sd.CreatedAt, &sd.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sd.Status = model.SendStatus(status)
	sd.RecipientName = deref(recipientName)
	sd.Gateway = deref(gateway)
	sd.MessageID = deref(msgID)
	sd.Error = deref(lastErr)
	return &sd, nil
}

// CreateSend 唯一约束 (campaign, reference, recipient_key) 作为幂等栅栏
func (s *Store) CreateSend(ctx context.Context, send model.NewSend) (int64, bool, error) {
	var (
		id      int64
		created bool
	)
	err := s.withTx(ctx, func(tx *Store) error {
		err := tx.q.QueryRow(ctx, `
			INSERT INTO email_sends (batch_id, account_id, campaign, reference, recipient_key, recipient, recipient_name)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (campaign, reference, recipient_key) DO NOTHING
			RETURNING id`,
			send.BatchID, send.AccountID, send.Campaign, send.Reference, send.RecipientKey, send.Recipient,
			nullIfEmpty(send.RecipientName),
		).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to create send: %w", err)
		}
		created = true

		if send.BatchID != nil {
			if _, err := tx.q.Exec(ctx, `
				UPDATE email_campaign_batches SET total_count = total_count + 1, updated_at = NOW() WHERE id = $1`,
				*send.BatchID); err != nil {
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
	sd, err := scanSend(s.q.QueryRow(ctx, `SELECT `+sendColumns+` FROM email_sends WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return sd, nil
}

func (s *Store) ListPendingSends(ctx context.Context, batchID int64, limit int) ([]model.Send, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+sendColumns+`
		FROM email_sends
		WHERE batch_id = $1 AND status = 'pending'
		ORDER BY id
		LIMIT $2`, batchID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending sends: %w", err)
	}
	defer rows.Close()

	var out []model.Send
	for rows.Next() {
		sd, err := scanSend(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan send: %w", err)
		}
		out = append(out, *sd)
	}
	return out, rows.Err()
}

func (s *Store) CountPendingSends(ctx context.Context, batchID int64) (int, error) {
	var n int
	err := s.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM email_sends WHERE batch_id = $1 AND status = 'pending'`, batchID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending sends: %w", err)
	}
	return n, nil
}

func (s *Store) ClaimPendingSends(ctx context.Context, batchID int64, owner string, limit int, staleBefore time.Time) ([]model.Send, error) {
	_, err := s.q.Exec(ctx, `
		UPDATE email_sends
		SET claimed_by = $2, claimed_at = NOW(), updated_at = NOW()
		WHERE id IN (
			SELECT id FROM email_sends
			WHERE batch_id = $1 AND status = 'pending' AND (claimed_by IS NULL OR claimed_at < $3)
			ORDER BY id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)`, batchID, owner, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim sends: %w", err)
	}

	rows, err := s.q.Query(ctx, `
		SELECT `+sendColumns+`
		FROM email_sends
		WHERE batch_id = $1 AND status = 'pending' AND claimed_by = $2
		ORDER BY id`, batchID, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list claimed sends: %w", err)
	}
	defer rows.Close()

	var out []model.Send
	for rows.Next() {
		sd, err := scanSend(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan send: %w", err)
		}
		out = append(out, *sd)
	}
	return out, rows.Err()
}

func (s *Store) ReleaseSendClaims(ctx context.Context, batchID int64, owner string) error {
	_, err := s.q.Exec(ctx, `
		UPDATE email_sends SET claimed_by = NULL, claimed_at = NULL
		WHERE batch_id = $1 AND claimed_by = $2 AND status = 'pending'`, batchID, owner)
	if err != nil {
		return fmt.Errorf("failed to release send claims: %w", err)
	}
	return nil
}

func (s *Store) MarkSendSent(ctx context.Context, id int64, gateway, messageID string) error {
	return s.settleSend(ctx, id, `
		UPDATE email_sends
		SET status = 'sent', attempts = attempts + 1, gateway = $2, message_id = $3, last_error = NULL,
		    sent_at = NOW(), claimed_by = NULL, claimed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id, nullIfEmpty(gateway), nullIfEmpty(messageID))
}

func (s *Store) MarkSendFailed(ctx context.Context, id int64, errMsg string) error {
	return s.settleSend(ctx, id, `
		UPDATE email_sends
		SET status = 'failed', attempts = attempts + 1, last_error = $2, claimed_by = NULL, claimed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id, nullIfEmpty(store.Truncate(errMsg, store.MaxErrorLength)))
}

// settleSend 区分不存在的 send 和已经结算过的 send
func (s *Store) settleSend(ctx context.Context, id int64, sql string, args ...any) error {
	err := s.execOne(ctx, sql, args...)
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
		SET attempts = attempts + 1, last_error = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id, nullIfEmpty(store.Truncate(errMsg, store.MaxErrorLength)))
}

func (s *Store) SetSendContact(ctx context.Context, id int64, contactID int64) error {
	return s.execOne(ctx, `UPDATE email_sends SET contact_id = $2, updated_at = NOW() WHERE id = $1`, id, contactID)
}

func (s *Store) CreateBatch(ctx context.Context, batch model.NewBatch) (int64, error) {
	var id int64
	err := s.q.QueryRow(ctx, `
		INSERT INTO email_campaign_batches (campaign, account_id, subject, body_text, body_html)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		batch.Campaign, batch.AccountID, batch.Subject, nullIfEmpty(batch.BodyText), nullIfEmpty(batch.BodyHTML),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create batch: %w", err)
	}
	return id, nil
}

func (s *Store) FindBatch(ctx context.Context, id int64) (*model.CampaignBatch, error) {
	var (
		b                  model.CampaignBatch
		status             string
		bodyText, bodyHTML *string
	)
	err := s.q.QueryRow(ctx, `
		SELECT id, campaign, account_id, subject, body_text, body_html, status, total_count, processed_count,
			failed_count, started_at, finished_at, created_at, updated_at
		FROM email_campaign_batches WHERE id = $1`, id,
	).Scan(&b.ID, &b.Campaign, &b.AccountID, &b.Subject, &bodyText, &bodyHTML, &status, &b.TotalCount,
		&b.ProcessedCount, &b.FailedCount, &b.StartedAt, &b.FinishedAt, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	b.Status = model.BatchStatus(status)
	b.BodyText = deref(bodyText)
	b.BodyHTML = deref(bodyHTML)
	return &b, nil
}

func (s *Store) MarkBatchProcessing(ctx context.Context, id int64) error {
	return s.execOne(ctx, `
		UPDATE email_campaign_batches
		SET status = 'processing', started_at = COALESCE(started_at, NOW()), updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')`, id)
}

func (s *Store) MarkBatchCompleted(ctx context.Context, id int64) error {
	return s.execOne(ctx, `
		UPDATE email_campaign_batches
		SET status = 'completed', finished_at = NOW(), updated_at = NOW()
		WHERE id = $1`, id)
}

func (s *Store) IncrementBatchCounters(ctx context.Context, id int64, processedDelta, failedDelta int) error {
	if processedDelta < 0 || failedDelta < 0 {
		return fmt.Errorf("batch counters only move forward: %w", store.ErrInvalidState)
	}
	tag, err := s.q.Exec(ctx, `
		UPDATE email_campaign_batches
		SET processed_count = processed_count + $2, failed_count = failed_count + $3, updated_at = NOW()
		WHERE id = $1 AND processed_count + failed_count + $2 + $3 <= total_count`,
		id, processedDelta, failedDelta)
	if err != nil {
		return fmt.Errorf("failed to increment batch counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
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
