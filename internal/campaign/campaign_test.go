package campaign

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"mailpipeline/contracts/jobs"
	"mailpipeline/internal/account"
	"mailpipeline/internal/guard"
	"mailpipeline/internal/model"
	"mailpipeline/internal/ratelimit"
	"mailpipeline/internal/store/sqlite"
	"mailpipeline/internal/testutil"
	"mailpipeline/internal/transport"
	"mailpipeline/pkg/config"
	"mailpipeline/pkg/util"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   []transport.Envelope
	errFor map[string]error
	// beforeFirstSend runs once, outside the lock, before the first delivery.
	beforeFirstSend func()
}

func (f *fakeTransport) Gateway() string { return "fake" }

func (f *fakeTransport) Send(_ context.Context, env transport.Envelope) (string, error) {
	f.mu.Lock()
	hook := f.beforeFirstSend
	f.beforeFirstSend = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errFor[env.ToEmail]; err != nil {
		return "", err
	}
	f.sent = append(f.sent, env)
	return "<" + env.ToEmail + ".id@fake>", nil
}

type fixture struct {
	store     *sqlite.Store
	tracker   *Tracker
	transport *fakeTransport
	dispatch  *Dispatcher
}

func newFixture(t *testing.T, acct config.AccountConfig, clock *testutil.Clock) fixture {
	t.Helper()
	st := testutil.NewTestStoreAt(t, clock)
	dir, err := account.NewDirectory([]config.AccountConfig{acct})
	if err != nil {
		t.Fatal(err)
	}
	ft := &fakeTransport{errFor: map[string]error{}}
	limiter := ratelimit.NewLimiter(st, zap.NewNop()).WithClock(clock.Now)
	d := NewDispatcher(st, st, dir, guard.New(st, nil, zap.NewNop()), limiter, ft, nil, 0, zap.NewNop()).
		WithClock(clock.Now)
	return fixture{store: st, tracker: NewTracker(st, zap.NewNop()), transport: ft, dispatch: d}
}

var start = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func customAccount() config.AccountConfig {
	return config.AccountConfig{ID: 1, Provider: "custom", FromName: "Clínica", FromEmail: "news@example.com"}
}

func TestBatchDedupGuardAndDispatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, customAccount(), testutil.NewClock(start))

	if _, err := f.store.UpsertContact(ctx, model.Contact{
		Email:         "optout@example.org",
		Status:        model.ContactActive,
		ConsentStatus: model.ConsentOptedOut,
	}); err != nil {
		t.Fatal(err)
	}

	summary, err := f.tracker.CreateBatch(ctx, BatchRequest{
		Campaign:  "birthday",
		AccountID: 1,
		Subject:   "Feliz aniversário",
		BodyText:  "Parabéns!",
		Recipients: []Recipient{
			{Reference: "2024", Key: "11122233344", Email: "valid@example.org", Name: "Ana"},
			{Reference: "2024", Key: "11122233344", Email: "valid@example.org", Name: "Ana"},
			{Reference: "2024", Key: "55566677788", Email: "optout@example.org"},
		},
	})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if summary.Created != 2 || summary.Duplicates != 1 {
		t.Fatalf("summary = %+v, want 2 created and 1 duplicate", summary)
	}

	report, err := f.dispatch.Dispatch(ctx, jobs.SendCampaignBatchPayload{BatchID: summary.BatchID})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if report.Sent != 1 || report.Failed != 1 || report.Remaining != 0 || report.Status != model.BatchCompleted {
		t.Fatalf("report = %+v", report)
	}

	batch, err := f.store.FindBatch(ctx, summary.BatchID)
	if err != nil {
		t.Fatal(err)
	}
	if batch.TotalCount != 2 || batch.ProcessedCount != 1 || batch.FailedCount != 1 {
		t.Fatalf("batch counters = total %d processed %d failed %d", batch.TotalCount, batch.ProcessedCount, batch.FailedCount)
	}
	if batch.Status != model.BatchCompleted || batch.StartedAt == nil || batch.FinishedAt == nil {
		t.Fatalf("batch = %+v", batch)
	}

	if len(f.transport.sent) != 1 || f.transport.sent[0].ToEmail != "valid@example.org" {
		t.Fatalf("transport got %+v", f.transport.sent)
	}
	if f.transport.sent[0].Headers["X-Campaign"] != "birthday" {
		t.Fatalf("headers = %v", f.transport.sent[0].Headers)
	}

	sends, _ := f.store.ListPendingSends(ctx, summary.BatchID, 10)
	if len(sends) != 0 {
		t.Fatalf("%d sends still pending", len(sends))
	}

	// the rejected send gave its unit back
	rl, err := f.store.FindRateLimit(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if rl.HourlySent != 1 || rl.DailySent != 1 {
		t.Fatalf("rate limit = %+v", rl)
	}

	// a completed batch is left alone
	again, err := f.dispatch.Dispatch(ctx, jobs.SendCampaignBatchPayload{BatchID: summary.BatchID})
	if err != nil || again.Status != model.BatchCompleted || len(f.transport.sent) != 1 {
		t.Fatalf("second dispatch = %+v, %v", again, err)
	}
}

func TestTrackRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, customAccount(), testutil.NewClock(start))

	r := Recipient{Reference: "2024", Key: "11122233344", Email: "Someone@Example.org"}
	id, created, err := f.tracker.Track(ctx, "birthday", 1, r)
	if err != nil || !created {
		t.Fatalf("first Track = %d, %v, %v", id, created, err)
	}
	if _, created, err = f.tracker.Track(ctx, "birthday", 1, r); err != nil || created {
		t.Fatalf("duplicate Track created=%v err=%v", created, err)
	}

	r.Reference = "2025"
	if _, created, _ = f.tracker.Track(ctx, "birthday", 1, r); !created {
		t.Fatal("new reference must create a send")
	}

	send, err := f.store.FindSend(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if send.Recipient != "someone@example.org" || send.BatchID != nil {
		t.Fatalf("send = %+v", send)
	}
}

func TestCreateBatchValidation(t *testing.T) {
	f := newFixture(t, customAccount(), testutil.NewClock(start))
	valid := BatchRequest{
		Campaign:   "news",
		AccountID:  1,
		Subject:    "Hi",
		BodyHTML:   "<p>Hi</p>",
		Recipients: []Recipient{{Email: "a@example.org"}},
	}

	tests := []struct {
		name   string
		mutate func(*BatchRequest)
	}{
		{"no campaign", func(r *BatchRequest) { r.Campaign = " " }},
		{"no account", func(r *BatchRequest) { r.AccountID = 0 }},
		{"no subject", func(r *BatchRequest) { r.Subject = "" }},
		{"no body", func(r *BatchRequest) { r.BodyHTML = "" }},
		{"no recipients", func(r *BatchRequest) { r.Recipients = nil }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			if _, err := f.tracker.CreateBatch(context.Background(), req); !errors.Is(err, ErrInvalidBatch) {
				t.Fatalf("err = %v, want ErrInvalidBatch", err)
			}
		})
	}
}

func TestOverlappingDispatchDeliversEachSendOnce(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(start)
	f := newFixture(t, customAccount(), clock)

	summary, err := f.tracker.CreateBatch(ctx, BatchRequest{
		Campaign:   "news",
		AccountID:  1,
		Subject:    "Hi",
		BodyText:   "Hello",
		Recipients: []Recipient{{Email: "a@example.org"}, {Email: "b@example.org"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	payload := jobs.SendCampaignBatchPayload{BatchID: summary.BatchID}

	// a second job for the same batch runs while the first is mid-delivery
	var overlap Report
	f.transport.beforeFirstSend = func() {
		var err error
		overlap, err = f.dispatch.Dispatch(ctx, payload)
		if err != nil {
			t.Errorf("overlapping dispatch: %v", err)
		}
	}

	report, err := f.dispatch.Dispatch(ctx, payload)
	if err != nil {
		t.Fatal(err)
	}
	if overlap.Sent != 0 || overlap.Failed != 0 || overlap.ContinueAt == nil || !overlap.ContinueAt.Equal(start.Add(ClaimTTL)) {
		t.Fatalf("overlapping report = %+v", overlap)
	}
	if report.Sent != 2 || report.Status != model.BatchCompleted {
		t.Fatalf("report = %+v", report)
	}
	if len(f.transport.sent) != 2 {
		t.Fatalf("transport called %d times, want 2", len(f.transport.sent))
	}
	batch, _ := f.store.FindBatch(ctx, summary.BatchID)
	if batch.ProcessedCount != 2 || batch.FailedCount != 0 {
		t.Fatalf("counters = %d/%d", batch.ProcessedCount, batch.FailedCount)
	}
}

func TestDispatchThrottledContinuesAtNextWindow(t *testing.T) {
	ctx := context.Background()
	acct := customAccount()
	acct.HourlyLimit = 1
	f := newFixture(t, acct, testutil.NewClock(start))

	summary, err := f.tracker.CreateBatch(ctx, BatchRequest{
		Campaign:  "news",
		AccountID: 1,
		Subject:   "Hi",
		BodyText:  "Hello",
		Recipients: []Recipient{
			{Email: "a@example.org"},
			{Email: "b@example.org"},
			{Email: "c@example.org"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	report, err := f.dispatch.Dispatch(ctx, jobs.SendCampaignBatchPayload{BatchID: summary.BatchID})
	if err != nil {
		t.Fatal(err)
	}
	if report.Sent != 1 || report.Remaining != 2 || report.Status != model.BatchProcessing {
		t.Fatalf("report = %+v", report)
	}
	if report.ContinueAt == nil || !report.ContinueAt.Equal(start.Add(time.Hour)) {
		t.Fatalf("continue at = %v, want %v", report.ContinueAt, start.Add(time.Hour))
	}
}

func TestDispatchSoftBounceKeepsSendPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, customAccount(), testutil.NewClock(start))
	f.transport.errFor["later@example.org"] = &smtp.SMTPError{Code: 451, Message: "greylisted, try again"}

	summary, err := f.tracker.CreateBatch(ctx, BatchRequest{
		Campaign:   "news",
		AccountID:  1,
		Subject:    "Hi",
		BodyText:   "Hello",
		Recipients: []Recipient{{Email: "later@example.org"}, {Email: "now@example.org"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	report, err := f.dispatch.Dispatch(ctx, jobs.SendCampaignBatchPayload{BatchID: summary.BatchID})
	if retry, reason := util.IsRetryableError(err); !retry || reason != string(guard.ClassSoftBounce) {
		t.Fatalf("err = %v (retry=%v reason=%s), want soft bounce retry", err, retry, reason)
	}
	if report.Sent != 1 || report.Deferred != 1 || report.Remaining != 1 {
		t.Fatalf("report = %+v", report)
	}

	pending, _ := f.store.ListPendingSends(ctx, summary.BatchID, 10)
	if len(pending) != 1 || pending[0].Attempts != 1 || pending[0].Error == "" {
		t.Fatalf("pending = %+v", pending)
	}

	// the retry delivers it and closes the batch
	delete(f.transport.errFor, "later@example.org")
	report, err = f.dispatch.Dispatch(ctx, jobs.SendCampaignBatchPayload{BatchID: summary.BatchID})
	if err != nil || report.Status != model.BatchCompleted {
		t.Fatalf("retry = %+v, %v", report, err)
	}
}

func TestDispatchHardBounceCountsContactBounce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, customAccount(), testutil.NewClock(start))
	f.transport.errFor["gone@example.org"] = &smtp.SMTPError{Code: 550, Message: "5.1.1 user unknown"}

	if _, err := f.store.UpsertContact(ctx, model.Contact{Email: "gone@example.org", Status: model.ContactActive}); err != nil {
		t.Fatal(err)
	}
	summary, err := f.tracker.CreateBatch(ctx, BatchRequest{
		Campaign:   "news",
		AccountID:  1,
		Subject:    "Hi",
		BodyText:   "Hello",
		Recipients: []Recipient{{Email: "gone@example.org"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	report, err := f.dispatch.Dispatch(ctx, jobs.SendCampaignBatchPayload{BatchID: summary.BatchID})
	if err != nil {
		t.Fatalf("hard bounce must not fail the job: %v", err)
	}
	if report.Failed != 1 || report.Status != model.BatchCompleted {
		t.Fatalf("report = %+v", report)
	}

	contact, err := f.store.FindContactByEmail(ctx, "gone@example.org")
	if err != nil {
		t.Fatal(err)
	}
	if contact.BounceCount != 1 {
		t.Fatalf("bounce_count = %d, want 1", contact.BounceCount)
	}
}
