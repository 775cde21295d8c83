package httpserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailpipeline/internal/account"
	"mailpipeline/internal/campaign"
	"mailpipeline/internal/handler"
	"mailpipeline/internal/jobqueue"
	"mailpipeline/internal/mailbox"
	"mailpipeline/internal/testutil"
	"mailpipeline/pkg/config"
	"mailpipeline/pkg/trace"
)

const secret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type server struct {
	engine *gin.Engine
	token  string
}

func newServer(t *testing.T) server {
	t.Helper()
	st := testutil.NewTestStore(t)
	dir, err := account.NewDirectory([]config.AccountConfig{{ID: 1, Provider: "gmail", FromEmail: "news@example.com"}})
	if err != nil {
		t.Fatal(err)
	}
	q := jobqueue.New(st, jobqueue.Config{}, zap.NewNop())
	router := NewRouter(
		handler.NewJobHandler(q, zap.NewNop()),
		handler.NewBatchHandler(campaign.NewTracker(st, zap.NewNop()), q, dir, zap.NewNop()),
		handler.NewThreadHandler(mailbox.NewThreads(st, zap.NewNop()), zap.NewNop()),
		secret,
		st,
	)
	token, err := GenerateToken("ops", secret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return server{engine: router.Engine, token: token}
}

func (s server) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func TestHealthEndpoints(t *testing.T) {
	s := newServer(t)
	s.token = ""

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec, _ := s.do(t, http.MethodGet, path, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s = %d", path, rec.Code)
		}
	}

	rec, _ := s.do(t, http.MethodGet, "/healthz", nil)
	if rec.Header().Get(trace.HeaderName) == "" {
		t.Fatal("missing trace id header")
	}
}

func TestAuthRequired(t *testing.T) {
	s := newServer(t)

	expired, err := GenerateToken("ops", secret, -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	wrongKey, err := GenerateToken("ops", "other-secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"garbage", "not-a-jwt"},
		{"expired", expired},
		{"wrong key", wrongKey},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			s.token = tt.token
			rec, _ := s.do(t, http.MethodGet, "/queues/sync_folder/depth", nil)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestJobEndpoints(t *testing.T) {
	s := newServer(t)

	rec, body := s.do(t, http.MethodPost, "/jobs", map[string]any{
		"job_type": "sync_folder",
		"payload":  map[string]any{"account_id": 1, "folder": "INBOX"},
		"priority": 5,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("enqueue = %d %v", rec.Code, body)
	}
	id := int64(body["job_id"].(float64))

	rec, body = s.do(t, http.MethodGet, "/jobs/"+itoa(id), nil)
	if rec.Code != http.StatusOK || body["status"] != "pending" || body["priority"].(float64) != 5 {
		t.Fatalf("get = %d %v", rec.Code, body)
	}

	rec, _ = s.do(t, http.MethodPost, "/jobs/"+itoa(id)+"/requeue", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("requeue of pending job = %d, want 409", rec.Code)
	}

	rec, body = s.do(t, http.MethodGet, "/queues/sync_folder/depth", nil)
	if rec.Code != http.StatusOK || body["depth"].(float64) != 1 {
		t.Fatalf("depth = %d %v", rec.Code, body)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"missing job", http.MethodGet, "/jobs/999", nil, http.StatusNotFound},
		{"bad id", http.MethodGet, "/jobs/abc", nil, http.StatusBadRequest},
		{"unknown type", http.MethodPost, "/jobs", map[string]any{"job_type": "fax", "payload": map[string]any{}}, http.StatusBadRequest},
		{"invalid payload", http.MethodPost, "/jobs", map[string]any{"job_type": "sync_folder", "payload": map[string]any{"account_id": 1}}, http.StatusBadRequest},
		{"unknown queue", http.MethodGet, "/queues/fax/depth", nil, http.StatusBadRequest},
		{"requeue missing", http.MethodPost, "/jobs/999/requeue", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			rec, body := s.do(t, tt.method, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d (%v), want %d", rec.Code, body, tt.want)
			}
		})
	}
}

func TestBatchEndpoints(t *testing.T) {
	s := newServer(t)

	req := campaign.BatchRequest{
		Campaign:  "welcome",
		AccountID: 1,
		Subject:   "Olá",
		BodyText:  "Bem-vindo",
		Recipients: []campaign.Recipient{
			{Reference: "2026", Email: "a@example.org"},
			{Reference: "2026", Email: "A@example.org"},
			{Reference: "2026", Email: "b@example.org"},
		},
	}
	rec, body := s.do(t, http.MethodPost, "/batches", req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d %v", rec.Code, body)
	}
	if body["created"].(float64) != 2 || body["duplicates"].(float64) != 1 || body["job_id"] == nil {
		t.Fatalf("summary = %v", body)
	}
	batchID := int64(body["batch_id"].(float64))

	rec, body = s.do(t, http.MethodGet, "/batches/"+itoa(batchID), nil)
	if rec.Code != http.StatusOK || body["total_count"].(float64) != 2 || body["status"] != "pending" {
		t.Fatalf("get = %d %v", rec.Code, body)
	}

	rec, body = s.do(t, http.MethodGet, "/queues/send_campaign_batch/depth", nil)
	if rec.Code != http.StatusOK || body["depth"].(float64) != 1 {
		t.Fatalf("depth = %d %v", rec.Code, body)
	}

	req.AccountID = 42
	if rec, _ := s.do(t, http.MethodPost, "/batches", req); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown account = %d", rec.Code)
	}
	req.AccountID = 1
	req.Recipients = nil
	if rec, _ := s.do(t, http.MethodPost, "/batches", req); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty batch = %d", rec.Code)
	}
	if rec, _ := s.do(t, http.MethodGet, "/batches/999", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing batch = %d", rec.Code)
	}
}

func TestMarkThreadReadMissingThread(t *testing.T) {
	s := newServer(t)
	rec, _ := s.do(t, http.MethodPost, "/threads/999/read", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestParseTokenRoundTrip(t *testing.T) {
	token, err := GenerateToken("alice", secret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ParseToken(token, secret)
	if err != nil || got != "alice" {
		t.Fatalf("ParseToken = %q, %v", got, err)
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
