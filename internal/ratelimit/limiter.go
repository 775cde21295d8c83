// Package ratelimit holds the admission policy for per-account send quotas.
// Counters live in the store; the store only adds and resets them.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"mailpipeline/internal/model"
	"mailpipeline/internal/store"
	"mailpipeline/pkg/metrics"
)

const (
	HourlyWindow = time.Hour
	DailyWindow  = 24 * time.Hour
)

// ErrThrottled is returned by AdmitOne when the account has no quota left.
var ErrThrottled = errors.New("account send quota exhausted")

type Limiter struct {
	store  store.RateLimitStore
	logger *zap.Logger
	now    func() time.Time
}

func NewLimiter(s store.RateLimitStore, logger *zap.Logger) *Limiter {
	return &Limiter{store: s, logger: logger, now: time.Now}
}

func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Admit grants up to requested sends for accountID under quota and counts them.
// Window resets and the increment happen under the account lock, so concurrent
// workers never overshoot the quota.
func (l *Limiter) Admit(ctx context.Context, accountID int64, requested int, quota model.Quota) (int, error) {
	if requested <= 0 {
		return 0, nil
	}

	var granted int
	err := l.store.WithAccountLock(ctx, accountID, func(rs store.RateLimitStore) error {
		counters, err := l.current(ctx, rs, accountID)
		if err != nil {
			return err
		}

		granted = budget(requested, quota, counters)
		if granted == 0 {
			return nil
		}
		return rs.IncrementRateLimit(ctx, accountID, granted, granted)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to admit sends for account %d: %w", accountID, err)
	}

	if granted < requested {
		metrics.IncrementThrottled(strconv.FormatInt(accountID, 10))
		l.logger.Info("Account throttled",
			zap.Int64("account_id", accountID),
			zap.Int("requested", requested),
			zap.Int("granted", granted),
		)
	}
	return granted, nil
}

// AdmitOne admits a single send or returns ErrThrottled.
func (l *Limiter) AdmitOne(ctx context.Context, accountID int64, quota model.Quota) error {
	granted, err := l.Admit(ctx, accountID, 1, quota)
	if err != nil {
		return err
	}
	if granted == 0 {
		return ErrThrottled
	}
	return nil
}

// Refund gives back units admitted for sends that never reached the transport.
func (l *Limiter) Refund(ctx context.Context, accountID int64, n int) error {
	if n <= 0 {
		return nil
	}
	return l.store.WithAccountLock(ctx, accountID, func(rs store.RateLimitStore) error {
		rl, err := rs.FindRateLimit(ctx, accountID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		hourly := min(n, rl.HourlySent)
		daily := min(n, rl.DailySent)
		if hourly == 0 && daily == 0 {
			return nil
		}
		return rs.IncrementRateLimit(ctx, accountID, -hourly, -daily)
	})
}

// NextWindow reports when an account that is out of quota may send again.
func (l *Limiter) NextWindow(ctx context.Context, accountID int64, quota model.Quota) (time.Time, error) {
	now := l.now()
	rl, err := l.store.FindRateLimit(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return now, nil
	}
	if err != nil {
		return time.Time{}, err
	}

	next := now
	if quota.Daily > 0 && rl.DailySent >= quota.Daily {
		start := rl.WindowStart
		if rl.LastResetAt != nil {
			start = *rl.LastResetAt
		}
		next = later(next, start.Add(DailyWindow))
	}
	if quota.Hourly > 0 && rl.HourlySent >= quota.Hourly {
		next = later(next, rl.WindowStart.Add(HourlyWindow))
	}
	return next, nil
}

// current returns the counters after applying any elapsed window reset.
func (l *Limiter) current(ctx context.Context, rs store.RateLimitStore, accountID int64) (*model.AccountRateLimit, error) {
	now := l.now()

	rl, err := rs.FindRateLimit(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		if err := rs.ResetRateLimitWindow(ctx, accountID); err != nil {
			return nil, err
		}
		return rs.FindRateLimit(ctx, accountID)
	}
	if err != nil {
		return nil, err
	}

	dailyStart := rl.WindowStart
	if rl.LastResetAt != nil {
		dailyStart = *rl.LastResetAt
	}

	switch {
	case now.Sub(dailyStart) >= DailyWindow:
		if err := rs.ResetRateLimitWindow(ctx, accountID); err != nil {
			return nil, err
		}
		l.logger.Debug("Daily send window reset", zap.Int64("account_id", accountID))
		return rs.FindRateLimit(ctx, accountID)
	case now.Sub(rl.WindowStart) >= HourlyWindow:
		zero := 0
		if err := rs.UpsertRateLimit(ctx, accountID, model.RateLimitFields{WindowStart: &now, HourlySent: &zero}); err != nil {
			return nil, err
		}
		rl.WindowStart = now
		rl.HourlySent = 0
	}
	return rl, nil
}

// budget = min(requested, burst, hourly left, daily left); zero limits are unlimited.
func budget(requested int, quota model.Quota, rl *model.AccountRateLimit) int {
	n := requested
	if quota.Burst > 0 {
		n = min(n, quota.Burst)
	}
	if quota.Hourly > 0 {
		n = min(n, quota.Hourly-rl.HourlySent)
	}
	if quota.Daily > 0 {
		n = min(n, quota.Daily-rl.DailySent)
	}
	return max(n, 0)
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
