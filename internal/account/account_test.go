package account

import (
	"errors"
	"testing"

	"mailpipeline/pkg/config"
)

func TestDirectoryResolvesQuotas(t *testing.T) {
	d, err := NewDirectory([]config.AccountConfig{
		{ID: 2, Provider: "Gmail", FromEmail: "Team@Example.com", SyncEnabled: true},
		{ID: 1, Provider: "gmail", FromEmail: "ops@example.com", HourlyLimit: 5},
		{ID: 3, Provider: "custom", FromEmail: "c@example.com"},
	})
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}

	tests := []struct {
		id                   int64
		hourly, daily, burst int
	}{
		{id: 2, hourly: 30, daily: 1800, burst: 60},
		{id: 1, hourly: 5, daily: 1800, burst: 60},
		{id: 3},
	}
	for _, tt := range tests {
		a, err := d.Get(tt.id)
		if err != nil {
			t.Fatalf("Get(%d): %v", tt.id, err)
		}
		if a.Quota.Hourly != tt.hourly || a.Quota.Daily != tt.daily || a.Quota.Burst != tt.burst {
			t.Fatalf("account %d quota = %+v", tt.id, a.Quota)
		}
	}

	a, _ := d.Get(2)
	if a.FromEmail != "team@example.com" || len(a.Folders) != 1 || a.Folders[0] != "INBOX" {
		t.Fatalf("account 2 = %+v", a)
	}

	all := d.All()
	if len(all) != 3 || all[0].ID != 1 || all[2].ID != 3 {
		t.Fatalf("All() order = %+v", all)
	}

	if _, err := d.Get(99); !errors.Is(err, ErrUnknownAccount) {
		t.Fatalf("Get(99) err = %v", err)
	}
}

func TestDirectoryRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		cfgs []config.AccountConfig
	}{
		{name: "zero id", cfgs: []config.AccountConfig{{FromEmail: "a@example.com"}}},
		{name: "duplicate", cfgs: []config.AccountConfig{
			{ID: 1, FromEmail: "a@example.com"},
			{ID: 1, FromEmail: "b@example.com"},
		}},
		{name: "missing from", cfgs: []config.AccountConfig{{ID: 1}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewDirectory(tt.cfgs); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
