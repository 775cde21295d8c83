package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"mailpipeline/internal/model"
	"mailpipeline/internal/testutil"
)

func newLimiter(t *testing.T) (*Limiter, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	s := testutil.NewTestStoreAt(t, clock)
	return NewLimiter(s, zap.NewNop()).WithClock(clock.Now), clock
}

func TestBudget(t *testing.T) {
	tests := []struct {
		name      string
		requested int
		quota     model.Quota
		hourly    int
		daily     int
		want      int
	}{
		{"unlimited", 500, model.Quota{}, 1000, 1000, 500},
		{"burst caps", 100, model.Quota{Burst: 60}, 0, 0, 60},
		{"hourly left", 100, model.Quota{Hourly: 30}, 25, 25, 5},
		{"daily left", 100, model.Quota{Hourly: 30, Daily: 40}, 0, 38, 2},
		{"exhausted", 10, model.Quota{Hourly: 30}, 30, 30, 0},
		{"over quota never negative", 10, model.Quota{Hourly: 30}, 45, 45, 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := budget(tt.requested, tt.quota, &model.AccountRateLimit{HourlySent: tt.hourly, DailySent: tt.daily})
			if got != tt.want {
				t.Fatalf("budget = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAdmitCountsAndThrottles(t *testing.T) {
	ctx := context.Background()
	l, _ := newLimiter(t)
	quota := model.Quota{Hourly: 5, Daily: 100, Burst: 3}

	granted, err := l.Admit(ctx, 1, 10, quota)
	if err != nil || granted != 3 {
		t.Fatalf("first admit = %d, %v; want burst 3", granted, err)
	}
	granted, _ = l.Admit(ctx, 1, 10, quota)
	if granted != 2 {
		t.Fatalf("second admit = %d, want hourly remainder 2", granted)
	}
	if err := l.AdmitOne(ctx, 1, quota); !errors.Is(err, ErrThrottled) {
		t.Fatalf("AdmitOne err = %v", err)
	}
}

func TestAdmitRollsHourlyWindowKeepsDaily(t *testing.T) {
	ctx := context.Background()
	l, clock := newLimiter(t)
	quota := model.Quota{Hourly: 5, Daily: 8}

	if granted, _ := l.Admit(ctx, 1, 5, quota); granted != 5 {
		t.Fatalf("granted = %d", granted)
	}

	clock.Advance(3601 * time.Second)
	granted, err := l.Admit(ctx, 1, 5, quota)
	if err != nil || granted != 3 {
		t.Fatalf("after hour admit = %d, %v; want daily remainder 3", granted, err)
	}

	rl, _ := l.store.FindRateLimit(ctx, 1)
	if rl.HourlySent != 3 || rl.DailySent != 8 {
		t.Fatalf("counters = %d/%d", rl.HourlySent, rl.DailySent)
	}
	if rl.WindowStart.Before(time.Date(2024, 6, 1, 10, 0, 1, 0, time.UTC)) {
		t.Fatalf("window_start not advanced: %v", rl.WindowStart)
	}
}

func TestAdmitResetsAfterDay(t *testing.T) {
	ctx := context.Background()
	l, clock := newLimiter(t)
	quota := model.Quota{Daily: 4}

	l.Admit(ctx, 1, 4, quota)
	if granted, _ := l.Admit(ctx, 1, 1, quota); granted != 0 {
		t.Fatalf("granted beyond daily quota: %d", granted)
	}

	next, err := l.NextWindow(ctx, 1, quota)
	if err != nil || !next.Equal(clock.Now().Add(DailyWindow)) {
		t.Fatalf("next window = %v, %v", next, err)
	}

	clock.Advance(DailyWindow)
	if granted, _ := l.Admit(ctx, 1, 2, quota); granted != 2 {
		t.Fatalf("granted after daily reset = %d", granted)
	}
}

func TestAdmitConcurrentNeverOvershoots(t *testing.T) {
	ctx := context.Background()
	l, _ := newLimiter(t)
	quota := model.Quota{Hourly: 25}

	var (
		mu    sync.Mutex
		total int
		wg    sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			granted, err := l.Admit(ctx, 7, 3, quota)
			if err != nil {
				t.Errorf("admit: %v", err)
				return
			}
			mu.Lock()
			total += granted
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != 25 {
		t.Fatalf("granted %d in total, want exactly 25", total)
	}
}

func TestRefund(t *testing.T) {
	ctx := context.Background()
	l, _ := newLimiter(t)
	quota := model.Quota{Hourly: 10}

	l.Admit(ctx, 1, 4, quota)
	if err := l.Refund(ctx, 1, 6); err != nil {
		t.Fatalf("refund: %v", err)
	}
	rl, _ := l.store.FindRateLimit(ctx, 1)
	if rl.HourlySent != 0 || rl.DailySent != 0 {
		t.Fatalf("refund left %d/%d", rl.HourlySent, rl.DailySent)
	}
	if err := l.Refund(ctx, 99, 1); err != nil {
		t.Fatalf("refund on unknown account: %v", err)
	}
}

func TestResolveQuota(t *testing.T) {
	q := ResolveQuota("Gmail", model.Quota{Daily: 500})
	if q.Hourly != 30 || q.Daily != 500 || q.Burst != 60 {
		t.Fatalf("quota = %+v", q)
	}
	if q := ResolveQuota("unknown", model.Quota{}); q != (model.Quota{}) {
		t.Fatalf("unknown provider quota = %+v", q)
	}
}
