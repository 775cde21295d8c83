package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"mailpipeline/internal/model"
	"mailpipeline/internal/store"
	"mailpipeline/internal/testutil"
)

func TestResetRateLimitWindowAfterHour(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	clock := testutil.NewClock(start)
	s := testutil.NewTestStoreAt(t, clock)

	if _, err := s.FindRateLimit(ctx, 7); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no row, got %v", err)
	}

	hourly, daily := 50, 50
	if err := s.UpsertRateLimit(ctx, 7, model.RateLimitFields{WindowStart: &start, HourlySent: &hourly, DailySent: &daily}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	clock.Advance(3601 * time.Second)
	if err := s.ResetRateLimitWindow(ctx, 7); err != nil {
		t.Fatalf("reset: %v", err)
	}

	rl, err := s.FindRateLimit(ctx, 7)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if rl.HourlySent != 0 || rl.DailySent != 0 {
		t.Fatalf("counters not zeroed: %+v", rl)
	}
	if rl.WindowStart.Before(start.Add(3601 * time.Second)) {
		t.Fatalf("window_start = %v, want >= T+3601s", rl.WindowStart)
	}
}

func TestIncrementAndPartialUpsert(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	if err := s.IncrementRateLimit(ctx, 3, 2, 2); err != nil {
		t.Fatalf("increment new row: %v", err)
	}
	if err := s.IncrementRateLimit(ctx, 3, 1, 1); err != nil {
		t.Fatalf("increment: %v", err)
	}

	zero := 0
	now := time.Now()
	if err := s.UpsertRateLimit(ctx, 3, model.RateLimitFields{WindowStart: &now, HourlySent: &zero}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	rl, _ := s.FindRateLimit(ctx, 3)
	if rl.HourlySent != 0 || rl.DailySent != 3 {
		t.Fatalf("hourly/daily = %d/%d, want 0/3", rl.HourlySent, rl.DailySent)
	}
}

func TestWithAccountLockCommitsOrRollsBack(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	err := s.WithAccountLock(ctx, 4, func(rs store.RateLimitStore) error {
		return rs.IncrementRateLimit(ctx, 4, 1, 1)
	})
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	boom := errors.New("boom")
	err = s.WithAccountLock(ctx, 4, func(rs store.RateLimitStore) error {
		if err := rs.IncrementRateLimit(ctx, 4, 5, 5); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}

	rl, _ := s.FindRateLimit(ctx, 4)
	if rl.HourlySent != 1 {
		t.Fatalf("rolled back increment leaked: %+v", rl)
	}
}
