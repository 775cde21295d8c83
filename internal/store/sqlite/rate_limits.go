package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"mailpipeline/internal/model"
	"mailpipeline/internal/store"
)

type rateLimitRow struct {
	AccountID   int64          `db:"account_id"`
	WindowStart int64          `db:"window_start"`
	HourlySent  int            `db:"hourly_sent"`
	DailySent   int            `db:"daily_sent"`
	LastResetAt sql.NullInt64  `db:"last_reset_at"`
	Metadata    sql.NullString `db:"metadata"`
}

func (s *Store) FindRateLimit(ctx context.Context, accountID int64) (*model.AccountRateLimit, error) {
	var row rateLimitRow
	err := s.q.GetContext(ctx, &row, `
		SELECT account_id, window_start, hourly_sent, daily_sent, last_reset_at, metadata
		FROM email_rate_limits WHERE account_id = ?`, accountID)
	if err != nil {
		return nil, notFound(err)
	}

	rl := &model.AccountRateLimit{
		AccountID:   row.AccountID,
		WindowStart: fromUnix(row.WindowStart),
		HourlySent:  row.HourlySent,
		DailySent:   row.DailySent,
		LastResetAt: fromNullUnix(row.LastResetAt),
	}
	if row.Metadata.Valid {
		rl.Metadata = json.RawMessage(row.Metadata.String)
	}
	return rl, nil
}

func (s *Store) UpsertRateLimit(ctx context.Context, accountID int64, fields model.RateLimitFields) error {
	now := s.unixNow()
	windowStart := now
	if fields.WindowStart != nil {
		windowStart = fields.WindowStart.Unix()
	}
	var hourly, daily sql.NullInt64
	if fields.HourlySent != nil {
		hourly = sql.NullInt64{Int64: int64(*fields.HourlySent), Valid: true}
	}
	if fields.DailySent != nil {
		daily = sql.NullInt64{Int64: int64(*fields.DailySent), Valid: true}
	}
	var metadata sql.NullString
	if len(fields.Metadata) > 0 {
		metadata = sql.NullString{String: string(fields.Metadata), Valid: true}
	}

	// 未提供的字段保留原值
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO email_rate_limits (account_id, window_start, hourly_sent, daily_sent, last_reset_at, metadata)
		VALUES (?, ?, COALESCE(?, 0), COALESCE(?, 0), COALESCE(?, ?), ?)
		ON CONFLICT (account_id) DO UPDATE SET
			window_start  = CASE WHEN ? THEN excluded.window_start ELSE email_rate_limits.window_start END,
			hourly_sent   = COALESCE(?, email_rate_limits.hourly_sent),
			daily_sent    = COALESCE(?, email_rate_limits.daily_sent),
			last_reset_at = COALESCE(?, email_rate_limits.last_reset_at),
			metadata      = COALESCE(excluded.metadata, email_rate_limits.metadata)`,
		accountID, windowStart, hourly, daily, nullUnix(fields.LastResetAt), now, metadata,
		fields.WindowStart != nil, hourly, daily, nullUnix(fields.LastResetAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert rate limit: %w", err)
	}
	return nil
}

func (s *Store) IncrementRateLimit(ctx context.Context, accountID int64, hourlyDelta, dailyDelta int) error {
	now := s.unixNow()
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO email_rate_limits (account_id, window_start, hourly_sent, daily_sent, last_reset_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			hourly_sent = email_rate_limits.hourly_sent + excluded.hourly_sent,
			daily_sent  = email_rate_limits.daily_sent + excluded.daily_sent`,
		accountID, now, hourlyDelta, dailyDelta, now,
	)
	if err != nil {
		return fmt.Errorf("failed to increment rate limit: %w", err)
	}
	return nil
}

func (s *Store) ResetRateLimitWindow(ctx context.Context, accountID int64) error {
	now := s.unixNow()
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO email_rate_limits (account_id, window_start, hourly_sent, daily_sent, last_reset_at)
		VALUES (?, ?, 0, 0, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			window_start = excluded.window_start,
			hourly_sent = 0,
			daily_sent = 0,
			last_reset_at = excluded.last_reset_at`,
		accountID, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to reset rate limit window: %w", err)
	}
	return nil
}

// WithAccountLock relies on the single connection: the transaction itself is the lock.
func (s *Store) WithAccountLock(ctx context.Context, accountID int64, fn func(store.RateLimitStore) error) error {
	return s.withTx(ctx, func(tx *Store) error {
		return fn(tx)
	})
}
