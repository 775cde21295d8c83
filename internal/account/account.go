// Package account resolves configured mail accounts and their effective quotas.
package account

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"mailpipeline/internal/model"
	"mailpipeline/internal/ratelimit"
	"mailpipeline/pkg/config"
)

var ErrUnknownAccount = errors.New("unknown mail account")

type Account struct {
	ID          int64
	Name        string
	Provider    string
	FromName    string
	FromEmail   string
	ReplyTo     string
	SMTP        config.EndpointConfig
	IMAP        config.EndpointConfig
	SyncEnabled bool
	Folders     []string
	Quota       model.Quota
}

// Directory is an immutable lookup of the configured accounts.
type Directory struct {
	byID map[int64]Account
	ids  []int64
}

func NewDirectory(cfgs []config.AccountConfig) (*Directory, error) {
	d := &Directory{byID: make(map[int64]Account, len(cfgs))}
	for _, c := range cfgs {
		if c.ID <= 0 {
			return nil, fmt.Errorf("account %q: id must be positive", c.Name)
		}
		if _, dup := d.byID[c.ID]; dup {
			return nil, fmt.Errorf("account %d configured twice", c.ID)
		}
		if strings.TrimSpace(c.FromEmail) == "" {
			return nil, fmt.Errorf("account %d: from_email is required", c.ID)
		}

		folders := c.Folders
		if c.SyncEnabled && len(folders) == 0 {
			folders = []string{"INBOX"}
		}
		d.byID[c.ID] = Account{
			ID:          c.ID,
			Name:        c.Name,
			Provider:    strings.ToLower(c.Provider),
			FromName:    c.FromName,
			FromEmail:   strings.ToLower(strings.TrimSpace(c.FromEmail)),
			ReplyTo:     c.ReplyTo,
			SMTP:        c.SMTP,
			IMAP:        c.IMAP,
			SyncEnabled: c.SyncEnabled,
			Folders:     folders,
			Quota: ratelimit.ResolveQuota(c.Provider, model.Quota{
				Hourly: c.HourlyLimit,
				Daily:  c.DailyLimit,
				Burst:  c.BurstLimit,
			}),
		}
		d.ids = append(d.ids, c.ID)
	}
	sort.Slice(d.ids, func(i, j int) bool { return d.ids[i] < d.ids[j] })
	return d, nil
}

func (d *Directory) Get(id int64) (Account, error) {
	a, ok := d.byID[id]
	if !ok {
		return Account{}, fmt.Errorf("%w: %d", ErrUnknownAccount, id)
	}
	return a, nil
}

// All returns the accounts ordered by id.
func (d *Directory) All() []Account {
	out := make([]Account, 0, len(d.ids))
	for _, id := range d.ids {
		out = append(out, d.byID[id])
	}
	return out
}
