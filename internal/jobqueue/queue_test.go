package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"mailpipeline/contracts/jobs"
	mqcontracts "mailpipeline/contracts/mq"
	"mailpipeline/internal/model"
	"mailpipeline/internal/testutil"
	"mailpipeline/pkg/mq"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []string
	dead      [][]byte
}

func (f *fakePublisher) Publish(_ context.Context, routingKey string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, routingKey)
	return nil
}

func (f *fakePublisher) PublishToDLQ(_ context.Context, routingKey string, payload []byte, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if routingKey != mq.RoutingKeyJobExhausted {
		return errors.New("unexpected routing key " + routingKey)
	}
	f.dead = append(f.dead, payload)
	return nil
}

func newQueue(t *testing.T) (*Queue, *testutil.Clock, *fakePublisher) {
	t.Helper()
	clock := testutil.NewClock(time.Date(2024, 4, 10, 8, 0, 0, 0, time.UTC))
	s := testutil.NewTestStoreAt(t, clock)
	pub := &fakePublisher{}
	q := New(s, Config{MaxAttempts: 3, BackoffBase: 30 * time.Second, BackoffMax: 10 * time.Minute}, zap.NewNop()).
		WithNotifier(pub).
		WithDeadLetter(pub).
		WithClock(clock.Now)
	return q, clock, pub
}

func TestBackoff(t *testing.T) {
	q := New(nil, Config{BackoffBase: 30 * time.Second, BackoffMax: 5 * time.Minute}, zap.NewNop())

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{4, 4 * time.Minute},
		{5, 5 * time.Minute},
		{60, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := q.Backoff(tt.attempts); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestRetryBackoffIsMonotonic(t *testing.T) {
	ctx := context.Background()
	q, clock, _ := newQueue(t)

	id, err := q.Enqueue(ctx, jobs.SyncFolderPayload{AccountID: 1, Folder: "INBOX"}, model.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var offsets []time.Duration
	for attempt := 1; attempt <= 2; attempt++ {
		job, err := q.Reserve(ctx, jobs.TypeSyncFolder, "w1")
		if err != nil || job == nil {
			t.Fatalf("reserve attempt %d: %v, %v", attempt, job, err)
		}
		if job.Attempts != attempt {
			t.Fatalf("attempts = %d, want %d", job.Attempts, attempt)
		}

		releasedAt := clock.Now()
		exhausted, err := q.Retry(ctx, job, errors.New("451 temporary failure"))
		if err != nil || exhausted {
			t.Fatalf("retry: exhausted=%v err=%v", exhausted, err)
		}

		stored, _ := q.Find(ctx, id)
		offsets = append(offsets, stored.AvailableAt.Sub(releasedAt))
		clock.Set(*stored.AvailableAt)
	}

	if offsets[1] < offsets[0] {
		t.Fatalf("backoff shrank: %v then %v", offsets[0], offsets[1])
	}
}

func TestRetryExhaustsToDeadLetter(t *testing.T) {
	ctx := context.Background()
	q, _, pub := newQueue(t)

	id, _ := q.Enqueue(ctx, jobs.SendCampaignBatchPayload{BatchID: 9}, model.EnqueueOptions{MaxAttempts: 1})
	job, _ := q.Reserve(ctx, jobs.TypeSendCampaignBatch, "w1")

	exhausted, err := q.Retry(ctx, job, errors.New("connection reset"))
	if err != nil || !exhausted {
		t.Fatalf("retry: exhausted=%v err=%v", exhausted, err)
	}

	stored, _ := q.Find(ctx, id)
	if stored.Status != model.JobFailed || stored.LastError != "connection reset" {
		t.Fatalf("job = %+v", stored)
	}
	if len(pub.dead) != 1 {
		t.Fatalf("dead letters = %d", len(pub.dead))
	}
	var event mqcontracts.JobExhaustedPayload
	if err := json.Unmarshal(pub.dead[0], &event); err != nil || event.JobID != id || event.Attempts != 1 {
		t.Fatalf("dead letter = %+v, %v", event, err)
	}
}

func TestEnqueueNotifiesAndValidates(t *testing.T) {
	ctx := context.Background()
	q, _, pub := newQueue(t)

	if _, err := q.EnqueueRaw(ctx, "unknown", json.RawMessage(`{}`), model.EnqueueOptions{}); !errors.Is(err, jobs.ErrUnknownType) {
		t.Fatalf("unknown type err = %v", err)
	}
	if _, err := q.EnqueueRaw(ctx, jobs.TypeSyncFolder, json.RawMessage(`{"account_id":1}`), model.EnqueueOptions{}); !errors.Is(err, jobs.ErrInvalidPayload) {
		t.Fatalf("invalid payload err = %v", err)
	}
	id, err := q.EnqueueRaw(ctx, jobs.TypeSyncFolder, json.RawMessage(`{"account_id":1,"folder":"INBOX"}`), model.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job, _ := q.Find(ctx, id)
	if job.MaxAttempts != 3 {
		t.Fatalf("max_attempts default = %d", job.MaxAttempts)
	}
	if len(pub.published) != 1 || pub.published[0] != mq.RoutingKeyJobEnqueued {
		t.Fatalf("published = %v", pub.published)
	}
}

func TestContinueDefersWithoutConsumingAttempt(t *testing.T) {
	ctx := context.Background()
	q, clock, _ := newQueue(t)

	id, _ := q.Enqueue(ctx, jobs.SendCampaignBatchPayload{BatchID: 4, Limit: 10}, model.EnqueueOptions{Priority: 2})
	job, _ := q.Reserve(ctx, jobs.TypeSendCampaignBatch, "w1")

	at := clock.Now().Add(time.Hour)
	if err := q.Continue(ctx, job, at); err != nil {
		t.Fatalf("continue: %v", err)
	}

	stored, _ := q.Find(ctx, id)
	if stored.Status != model.JobPending || stored.Attempts != 0 || stored.Priority != 2 || !stored.AvailableAt.Equal(at) {
		t.Fatalf("continued job = %+v", stored)
	}
	if next, _ := q.Reserve(ctx, jobs.TypeSendCampaignBatch, "w1"); next != nil {
		t.Fatalf("continued job reservable before %v", at)
	}
	clock.Set(at)
	if next, _ := q.Reserve(ctx, jobs.TypeSendCampaignBatch, "w1"); next == nil || next.ID != id {
		t.Fatalf("continued job not reservable at %v: %+v", at, next)
	}
}

func TestReleaseGivesAttemptBack(t *testing.T) {
	ctx := context.Background()
	q, _, pub := newQueue(t)

	id, _ := q.Enqueue(ctx, jobs.SyncFolderPayload{AccountID: 1, Folder: "INBOX"}, model.EnqueueOptions{MaxAttempts: 1})
	job, _ := q.Reserve(ctx, jobs.TypeSyncFolder, "w1")
	if !job.Exhausted() {
		t.Fatalf("last attempt not exhausted: %+v", job)
	}

	if err := q.Release(ctx, job); err != nil {
		t.Fatalf("release: %v", err)
	}
	stored, _ := q.Find(ctx, id)
	if stored.Status != model.JobPending || stored.Attempts != 0 {
		t.Fatalf("released job = %+v", stored)
	}
	if len(pub.dead) != 0 {
		t.Fatalf("released job dead-lettered")
	}
	if again, _ := q.Reserve(ctx, jobs.TypeSyncFolder, "w2"); again == nil || again.ID != id {
		t.Fatalf("released job not reservable: %+v", again)
	}
}

func TestStaleWorkerCannotSettleSweptJob(t *testing.T) {
	ctx := context.Background()
	q, clock, pub := newQueue(t)

	id, _ := q.Enqueue(ctx, jobs.SyncFolderPayload{AccountID: 1, Folder: "INBOX"}, model.EnqueueOptions{MaxAttempts: 3})
	stale, _ := q.Reserve(ctx, jobs.TypeSyncFolder, "slow")

	clock.Advance(16 * time.Minute)
	if released, _, err := q.Sweep(ctx); err != nil || released != 1 {
		t.Fatalf("sweep = %d, %v", released, err)
	}
	current, _ := q.Reserve(ctx, jobs.TypeSyncFolder, "fresh")
	if current == nil || current.ID != id {
		t.Fatalf("swept job not reserved by fresh worker: %+v", current)
	}

	timeout := errors.New("i/o timeout")
	if _, err := q.Retry(ctx, stale, timeout); !IsLeaseLost(err) {
		t.Fatalf("stale retry err = %v", err)
	}
	lastAttempt := *stale
	lastAttempt.Attempts = lastAttempt.MaxAttempts
	if exhausted, err := q.Retry(ctx, &lastAttempt, timeout); !exhausted || !IsLeaseLost(err) {
		t.Fatalf("stale exhaustion: exhausted=%v err=%v", exhausted, err)
	}
	if err := q.Fail(ctx, stale, timeout); !IsLeaseLost(err) {
		t.Fatalf("stale fail err = %v", err)
	}
	if err := q.Complete(ctx, stale); !IsLeaseLost(err) {
		t.Fatalf("stale complete err = %v", err)
	}
	if len(pub.dead) != 0 {
		t.Fatalf("stale exhaustion reached the dead-letter queue")
	}

	stored, _ := q.Find(ctx, id)
	if stored.Status != model.JobReserved || stored.ReservedBy != "fresh" {
		t.Fatalf("job = %+v, want reserved by fresh", stored)
	}
	if other, _ := q.Reserve(ctx, jobs.TypeSyncFolder, "third"); other != nil {
		t.Fatalf("job %d reserved by a third worker while fresh holds it", other.ID)
	}
	if err := q.Complete(ctx, current); err != nil {
		t.Fatalf("owner complete: %v", err)
	}
}

func TestSweepReleasesStaleLeases(t *testing.T) {
	ctx := context.Background()
	q, clock, _ := newQueue(t)

	id, _ := q.Enqueue(ctx, jobs.SyncFolderPayload{AccountID: 1, Folder: "INBOX"}, model.EnqueueOptions{})
	q.Reserve(ctx, jobs.TypeSyncFolder, "crashed")

	clock.Advance(16 * time.Minute)
	released, failed, err := q.Sweep(ctx)
	if err != nil || released != 1 || failed != 0 {
		t.Fatalf("sweep = %d/%d, %v", released, failed, err)
	}

	job, _ := q.Reserve(ctx, jobs.TypeSyncFolder, "healthy")
	if job == nil || job.ID != id {
		t.Fatalf("released job not reservable: %+v", job)
	}
}
