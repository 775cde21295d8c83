package sqlite_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"mailpipeline/internal/model"
	"mailpipeline/internal/store"
	"mailpipeline/internal/testutil"
)

func TestCreateSendRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	entry := model.NewSend{
		AccountID:    1,
		Campaign:     "birthday",
		Reference:    "2024",
		RecipientKey: "11122233344",
		Recipient:    "joao@example.com",
	}
	id, created, err := s.CreateSend(ctx, entry)
	if err != nil || !created || id == 0 {
		t.Fatalf("first create = %d, %v, %v", id, created, err)
	}

	id2, created, err := s.CreateSend(ctx, entry)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created || id2 != 0 {
		t.Fatalf("duplicate send created: id=%d", id2)
	}

	entry.Reference = "2025"
	if _, created, _ := s.CreateSend(ctx, entry); !created {
		t.Fatal("a new reference must open a new dedup scope")
	}
}

func TestCreateSendCountsIntoBatch(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	batchID, err := s.CreateBatch(ctx, model.NewBatch{Campaign: "promo", AccountID: 1, Subject: "Oferta"})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	for _, key := range []string{"a", "b", "a"} {
		if _, _, err := s.CreateSend(ctx, model.NewSend{
			BatchID: &batchID, AccountID: 1, Campaign: "promo", Reference: "all",
			RecipientKey: key, Recipient: key + "@example.com",
		}); err != nil {
			t.Fatalf("create send: %v", err)
		}
	}

	batch, _ := s.FindBatch(ctx, batchID)
	if batch.TotalCount != 2 {
		t.Fatalf("total_count = %d, want 2", batch.TotalCount)
	}
	pending, _ := s.CountPendingSends(ctx, batchID)
	if pending != 2 {
		t.Fatalf("pending = %d", pending)
	}
}

func TestIncrementBatchCountersBoundedByTotal(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	batchID, _ := s.CreateBatch(ctx, model.NewBatch{Campaign: "promo", AccountID: 1})
	for _, key := range []string{"a", "b"} {
		s.CreateSend(ctx, model.NewSend{BatchID: &batchID, AccountID: 1, Campaign: "promo", Reference: "all", RecipientKey: key, Recipient: key})
	}

	if err := s.IncrementBatchCounters(ctx, batchID, 1, 1); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := s.IncrementBatchCounters(ctx, batchID, 1, 0); !errors.Is(err, store.ErrCounterOverflow) {
		t.Fatalf("overflow err = %v", err)
	}
	if err := s.IncrementBatchCounters(ctx, batchID, -1, 0); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("negative delta err = %v", err)
	}
	if err := s.IncrementBatchCounters(ctx, 999, 0, 0); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing batch err = %v", err)
	}

	batch, _ := s.FindBatch(ctx, batchID)
	if batch.ProcessedCount != 1 || batch.FailedCount != 1 {
		t.Fatalf("counters = %d/%d", batch.ProcessedCount, batch.FailedCount)
	}
}

func TestSendStatusTransitions(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	sent, _, _ := s.CreateSend(ctx, model.NewSend{AccountID: 1, Campaign: "c", Reference: "r", RecipientKey: "1", Recipient: "a@example.com"})
	failed, _, _ := s.CreateSend(ctx, model.NewSend{AccountID: 1, Campaign: "c", Reference: "r", RecipientKey: "2", Recipient: "b@example.com"})

	if err := s.RecordSendAttempt(ctx, sent, "451 temporarily deferred"); err != nil {
		t.Fatalf("record attempt: %v", err)
	}
	if err := s.MarkSendSent(ctx, sent, "smtp", "<m1@example.com>"); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := s.MarkSendFailed(ctx, failed, strings.Repeat("é", 800)); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	got, _ := s.FindSend(ctx, sent)
	if got.Status != model.SendSent || got.Attempts != 2 || got.Gateway != "smtp" || got.Error != "" || got.SentAt == nil {
		t.Fatalf("sent row = %+v", got)
	}
	got, _ = s.FindSend(ctx, failed)
	if got.Status != model.SendFailed || utf8.RuneCountInString(got.Error) != store.MaxErrorLength {
		t.Fatalf("failed row status=%s error runes=%d", got.Status, utf8.RuneCountInString(got.Error))
	}
}

func TestClaimPendingSendsSkipsLiveClaims(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	s := testutil.NewTestStoreAt(t, clock)

	batchID, _ := s.CreateBatch(ctx, model.NewBatch{Campaign: "promo", AccountID: 1, Subject: "Oferta"})
	var ids []int64
	for _, key := range []string{"a", "b", "c"} {
		id, _, err := s.CreateSend(ctx, model.NewSend{
			BatchID: &batchID, AccountID: 1, Campaign: "promo", Reference: "all",
			RecipientKey: key, Recipient: key + "@example.com",
		})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	staleBefore := func() time.Time { return clock.Now().Add(-15 * time.Minute) }

	first, err := s.ClaimPendingSends(ctx, batchID, "run-1", 2, staleBefore())
	if err != nil || len(first) != 2 || first[0].ID != ids[0] || first[1].ID != ids[1] {
		t.Fatalf("run-1 claimed %+v, %v", first, err)
	}
	second, _ := s.ClaimPendingSends(ctx, batchID, "run-2", 10, staleBefore())
	if len(second) != 1 || second[0].ID != ids[2] {
		t.Fatalf("run-2 claimed %+v", second)
	}
	if third, _ := s.ClaimPendingSends(ctx, batchID, "run-3", 10, staleBefore()); len(third) != 0 {
		t.Fatalf("run-3 claimed live sends: %+v", third)
	}

	// run-1 settles one send and gives the other back
	if err := s.MarkSendSent(ctx, ids[0], "smtp", "<m@example.com>"); err != nil {
		t.Fatal(err)
	}
	if err := s.ReleaseSendClaims(ctx, batchID, "run-1"); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.ClaimPendingSends(ctx, batchID, "run-3", 10, staleBefore()); len(got) != 1 || got[0].ID != ids[1] {
		t.Fatalf("released send not claimable: %+v", got)
	}

	// run-2 went silent; its claim lapses
	clock.Advance(20 * time.Minute)
	if got, _ := s.ClaimPendingSends(ctx, batchID, "run-4", 10, staleBefore()); len(got) != 2 {
		t.Fatalf("stale claims not taken over: %+v", got)
	}
}

func TestMarkSendSettlesOnlyOnce(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	id, _, _ := s.CreateSend(ctx, model.NewSend{AccountID: 1, Campaign: "c", Reference: "r", RecipientKey: "1", Recipient: "a@example.com"})
	if err := s.MarkSendSent(ctx, id, "smtp", "<m1@example.com>"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		fn   func() error
	}{
		{"sent again", func() error { return s.MarkSendSent(ctx, id, "smtp", "<m2@example.com>") }},
		{"failed after sent", func() error { return s.MarkSendFailed(ctx, id, "550 user unknown") }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !errors.Is(err, store.ErrInvalidState) {
				t.Fatalf("err = %v, want ErrInvalidState", err)
			}
		})
	}
	if err := s.MarkSendSent(ctx, 9999, "smtp", ""); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing send: err = %v", err)
	}

	got, _ := s.FindSend(ctx, id)
	if got.Status != model.SendSent || got.MessageID != "<m1@example.com>" || got.Attempts != 1 {
		t.Fatalf("send = %+v", got)
	}
}
