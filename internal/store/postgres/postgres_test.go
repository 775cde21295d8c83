package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"mailpipeline/internal/model"
)

// newTestStore 需要设置 MAILPIPELINE_TEST_POSTGRES_DSN，否则跳过
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("MAILPIPELINE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MAILPIPELINE_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	s, err := New(ctx, pool)
	if err != nil {
		pool.Close()
		t.Fatalf("new store: %v", err)
	}
	_, err = pool.Exec(ctx, `TRUNCATE email_jobs, email_rate_limits, email_attachments, email_message_participants,
		email_messages, email_threads, email_folders, email_sends, email_campaign_batches, marketing_contacts
		RESTART IDENTITY CASCADE`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	t.Cleanup(pool.Close)
	return s
}

func TestReserveNextJobSkipLocked(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const jobs = 100
	for i := 0; i < jobs; i++ {
		if _, err := s.EnqueueJob(ctx, "sync_folder", []byte(`{"account_id":1,"folder":"INBOX"}`), model.EnqueueOptions{MaxAttempts: 3}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var (
		mu       sync.Mutex
		reserved = map[int64]int{}
		wg       sync.WaitGroup
	)
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for {
				job, err := s.ReserveNextJob(ctx, "sync_folder", fmt.Sprintf("w-%d", w))
				if err != nil {
					t.Errorf("reserve: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				reserved[job.ID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if len(reserved) != jobs {
		t.Fatalf("reserved %d distinct jobs, want %d", len(reserved), jobs)
	}
	for id, n := range reserved {
		if n != 1 {
			t.Fatalf("job %d reserved %d times", id, n)
		}
	}
}

func TestUpsertMessageReportsInsertThenUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := model.MessageInput{SenderEmail: "a@example.com", To: []string{"b@example.com"}}
	id1, created, err := s.UpsertMessageByExternalUID(ctx, 1, "9", in)
	if err != nil || !created {
		t.Fatalf("insert = %v, %v", created, err)
	}
	id2, created, err := s.UpsertMessageByExternalUID(ctx, 1, "9", in)
	if err != nil || created || id1 != id2 {
		t.Fatalf("update = %d, %v, %v", id2, created, err)
	}
}

func TestCreateSendDedupFence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := model.NewSend{AccountID: 1, Campaign: "birthday", Reference: "2024", RecipientKey: "11122233344", Recipient: "x@example.com"}
	if _, created, err := s.CreateSend(ctx, entry); err != nil || !created {
		t.Fatalf("first = %v, %v", created, err)
	}
	if _, created, err := s.CreateSend(ctx, entry); err != nil || created {
		t.Fatalf("second = %v, %v", created, err)
	}
}
