package postgres

import (
	"context"
	"fmt"

	"mailpipeline/internal/model"
	"mailpipeline/internal/store"
)

func (s *Store) FindRateLimit(ctx context.Context, accountID int64) (*model.AccountRateLimit, error) {
	var (
		rl       model.AccountRateLimit
		metadata []byte
	)
	err := s.q.QueryRow(ctx, `
		SELECT account_id, window_start, hourly_sent, daily_sent, last_reset_at, metadata
		FROM email_rate_limits WHERE account_id = $1`, accountID,
	).Scan(&rl.AccountID, &rl.WindowStart, &rl.HourlySent, &rl.DailySent, &rl.LastResetAt, &metadata)
	if err != nil {
		return nil, notFound(err)
	}
	if len(metadata) > 0 {
		rl.Metadata = metadata
	}
	return &rl, nil
}

func (s *Store) UpsertRateLimit(ctx context.Context, accountID int64, fields model.RateLimitFields) error {
	var metadata []byte
	if len(fields.Metadata) > 0 {
		metadata = fields.Metadata
	}
	_, err := s.q.Exec(ctx, `
		INSERT INTO email_rate_limits (account_id, window_start, hourly_sent, daily_sent, last_reset_at, metadata)
		VALUES ($1, COALESCE($2, NOW()), COALESCE($3, 0), COALESCE($4, 0), COALESCE($5, NOW()), $6)
		ON CONFLICT (account_id) DO UPDATE SET
			window_start  = COALESCE($2, email_rate_limits.window_start),
			hourly_sent   = COALESCE($3, email_rate_limits.hourly_sent),
			daily_sent    = COALESCE($4, email_rate_limits.daily_sent),
			last_reset_at = COALESCE($5, email_rate_limits.last_reset_at),
			metadata      = COALESCE($6, email_rate_limits.metadata)`,
		accountID, fields.WindowStart, fields.HourlySent, fields.DailySent, fields.LastResetAt, metadata,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert rate limit: %w", err)
	}
	return nil
}

func (s *Store) IncrementRateLimit(ctx context.Context, accountID int64, hourlyDelta, dailyDelta int) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO email_rate_limits (account_id, window_start, hourly_sent, daily_sent, last_reset_at)
		VALUES ($1, NOW(), $2, $3, NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			hourly_sent = email_rate_limits.hourly_sent + EXCLUDED.hourly_sent,
			daily_sent  = email_rate_limits.daily_sent + EXCLUDED.daily_sent`,
		accountID, hourlyDelta, dailyDelta,
	)
	if err != nil {
		return fmt.Errorf("failed to increment rate limit: %w", err)
	}
	return nil
}

func (s *Store) ResetRateLimitWindow(ctx context.Context, accountID int64) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO email_rate_limits (account_id, window_start, hourly_sent, daily_sent, last_reset_at)
		VALUES ($1, NOW(), 0, 0, NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			window_start = NOW(), hourly_sent = 0, daily_sent = 0, last_reset_at = NOW()`,
		accountID,
	)
	if err != nil {
		return fmt.Errorf("failed to reset rate limit window: %w", err)
	}
	return nil
}

// WithAccountLock 用事务级 advisory lock 串行化同一账号的准入检查
func (s *Store) WithAccountLock(ctx context.Context, accountID int64, fn func(store.RateLimitStore) error) error {
	return s.withTx(ctx, func(tx *Store) error {
		if _, err := tx.q.Exec(ctx,
			`SELECT pg_advisory_xact_lock($1, ($2::bigint % 2147483647)::int)`,
			rateLimitLockSpace, accountID,
		); err != nil {
			return fmt.Errorf("failed to lock account %d: %w", accountID, err)
		}
		return fn(tx)
	})
}
