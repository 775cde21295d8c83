package guard

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"mailpipeline/internal/model"
	"mailpipeline/internal/store"
)

type fakeContacts map[string]model.Contact

func (f fakeContacts) FindContactByEmail(_ context.Context, email string) (*model.Contact, error) {
	c, ok := f[email]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

type staticMX map[string]bool

func (s staticMX) HasMX(_ context.Context, domain string) bool {
	ok, found := s[domain]
	return !found || ok
}

func TestPrecheckRuleOrder(t *testing.T) {
	contacts := fakeContacts{
		"active@example.com":    {ID: 1, Status: "active", ConsentStatus: "granted"},
		"inactive@example.com":  {ID: 2, Status: "unsubscribed", ComplaintCount: 2},
		"spam@example.com":      {ID: 3, Status: "active", ComplaintCount: 1, BounceCount: 5},
		"optout@example.com":    {ID: 4, Status: "active", ConsentStatus: "opted_out", BounceCount: 9},
		"blocked@example.com":   {ID: 5, Status: "active", ConsentStatus: "blocked"},
		"bouncy@example.com":    {ID: 6, Status: "active", BounceCount: 3},
		"twobounce@example.com": {ID: 7, Status: "active", BounceCount: 2},
		"user@nomx.test":        {ID: 8, Status: "active", ComplaintCount: 1},
	}
	g := New(contacts, staticMX{"nomx.test": false}, zap.NewNop())

	tests := []struct {
		name        string
		email       string
		deliverable bool
		reason      string
		class       Classification
		contactID   int64
	}{
		{name: "malformed", email: "not-an-email", reason: ReasonInvalidEmail, class: ClassHardBounce},
		{name: "empty", email: "   ", reason: ReasonInvalidEmail, class: ClassHardBounce},
		{name: "display name", email: "Bob <bob@example.com>", reason: ReasonInvalidEmail, class: ClassHardBounce},
		{name: "unknown contact", email: "stranger@example.com", deliverable: true, class: ClassNone},
		{name: "inactive beats complaint", email: "inactive@example.com", reason: ReasonInactive, class: ClassHardBounce, contactID: 2},
		{name: "no mx beats complaint", email: "user@nomx.test", reason: ReasonNoMX, class: ClassHardBounce, contactID: 8},
		{name: "complaint beats bounces", email: "spam@example.com", reason: ReasonComplaint, class: ClassHardBounce, contactID: 3},
		{name: "opt out beats bounces", email: "optout@example.com", reason: ReasonOptOut, class: ClassHardBounce, contactID: 4},
		{name: "blocked", email: "blocked@example.com", reason: ReasonOptOut, class: ClassHardBounce, contactID: 5},
		{name: "bounce threshold", email: "bouncy@example.com", reason: ReasonBounces, class: ClassHardBounce, contactID: 6},
		{name: "below bounce threshold", email: "twobounce@example.com", deliverable: true, class: ClassNone, contactID: 7},
		{name: "case and spaces", email: "  Active@Example.COM ", deliverable: true, class: ClassNone, contactID: 1},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			d, err := g.Precheck(context.Background(), tt.email)
			if err != nil {
				t.Fatalf("Precheck: %v", err)
			}
			if d.Deliverable != tt.deliverable || d.Reason != tt.reason || d.Classification != tt.class {
				t.Fatalf("decision = %+v", d)
			}
			switch {
			case tt.contactID == 0 && d.ContactID != nil:
				t.Fatalf("contact id = %d, want none", *d.ContactID)
			case tt.contactID != 0 && (d.ContactID == nil || *d.ContactID != tt.contactID):
				t.Fatalf("contact id = %v, want %d", d.ContactID, tt.contactID)
			}
		})
	}
}

func TestPrecheckComplaintWinsOverBounces(t *testing.T) {
	g := New(fakeContacts{
		"x@example.com": {ID: 10, Status: "active", ConsentStatus: "granted", ComplaintCount: 1, BounceCount: 5},
	}, nil, zap.NewNop())

	d, err := g.Precheck(context.Background(), "x@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if d.Deliverable || d.Classification != ClassHardBounce || d.Reason != "Contato marcou como spam" {
		t.Fatalf("decision = %+v", d)
	}
}

type brokenContacts struct{}

func (brokenContacts) FindContactByEmail(context.Context, string) (*model.Contact, error) {
	return nil, errors.New("connection reset")
}

func TestPrecheckReturnsStorageErrors(t *testing.T) {
	g := New(brokenContacts{}, nil, zap.NewNop())
	if _, err := g.Precheck(context.Background(), "a@example.com"); err == nil {
		t.Fatal("expected storage error")
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		msg  string
		want Classification
	}{
		{"550 5.1.1 User unknown", ClassHardBounce},
		{"554 policy rejection", ClassHardBounce},
		{"Mailbox unavailable", ClassHardBounce},
		{"sender is on a BLACKLIST", ClassHardBounce},
		{"421 Service not available", ClassSoftBounce},
		{"451 4.7.1 Greylisted, try again", ClassSoftBounce},
		{"mailbox full", ClassSoftBounce},
		{"Rate limit exceeded", ClassSoftBounce},
		{"Temporarily deferred", ClassSoftBounce},
		{"452 but 550 also present", ClassHardBounce},
		{"something odd happened", ClassHardBounce},
		{"", ClassHardBounce},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.msg, func(t *testing.T) {
			if got := ClassifyError(tt.msg); got != tt.want {
				t.Fatalf("ClassifyError(%q) = %s, want %s", tt.msg, got, tt.want)
			}
		})
	}
}

type fakeResolver struct {
	mu      sync.Mutex
	calls   map[string]int
	records map[string][]*net.MX
	errs    map[string]error
}

func (f *fakeResolver) LookupMX(_ context.Context, name string) ([]*net.MX, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[name]++
	if err, ok := f.errs[name]; ok {
		return nil, err
	}
	return f.records[name], nil
}

func (f *fakeResolver) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func TestDNSCheckerCachesDefinitiveResults(t *testing.T) {
	r := &fakeResolver{
		records: map[string][]*net.MX{
			"good.test":   {{Host: "mx1.good.test.", Pref: 10}},
			"nullmx.test": {{Host: ".", Pref: 0}},
		},
		errs: map[string]error{
			"gone.test": &net.DNSError{Err: "no such host", Name: "gone.test", IsNotFound: true},
		},
	}
	c := NewDNSChecker(r, NewMemoryCache(16, time.Hour), time.Second, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !c.HasMX(ctx, "good.test") {
			t.Fatal("good.test should have MX")
		}
		if c.HasMX(ctx, "gone.test") {
			t.Fatal("gone.test should not have MX")
		}
		if c.HasMX(ctx, "nullmx.test") {
			t.Fatal("null MX should not count")
		}
	}
	for _, d := range []string{"good.test", "gone.test", "nullmx.test"} {
		if n := r.count(d); n != 1 {
			t.Fatalf("%s resolved %d times, want 1", d, n)
		}
	}
}

func TestDNSCheckerFailsOpenWithoutCaching(t *testing.T) {
	r := &fakeResolver{
		errs: map[string]error{
			"flaky.test": &net.DNSError{Err: "i/o timeout", Name: "flaky.test", IsTimeout: true},
		},
	}
	c := NewDNSChecker(r, NewMemoryCache(16, time.Hour), time.Second, zap.NewNop())

	for i := 0; i < 2; i++ {
		if !c.HasMX(context.Background(), "flaky.test") {
			t.Fatal("lookup failure must fail open")
		}
	}
	if n := r.count("flaky.test"); n != 2 {
		t.Fatalf("resolved %d times, want 2 (failures are not cached)", n)
	}
}

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"User@Example.com", "user@example.com", true},
		{"a.b+tag@sub.example.org", "a.b+tag@sub.example.org", true},
		{"@example.com", "", false},
		{"user@", "", false},
		{"user@localhost", "", false},
		{"user@example.com.", "", false},
		{"two@@example.com", "", false},
		{"<user@example.com>", "", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			got, ok := NormalizeEmail(tt.in)
			if got != tt.want || ok != tt.ok {
				t.Fatalf("NormalizeEmail(%q) = %q, %v", tt.in, got, ok)
			}
		})
	}
}
