package model

import (
	"encoding/json"
	"time"
)

// AccountRateLimit holds the send counters of one account.
type AccountRateLimit struct {
	AccountID   int64           `json:"account_id"`
	WindowStart time.Time       `json:"window_start"`
	HourlySent  int             `json:"hourly_sent"`
	DailySent   int             `json:"daily_sent"`
	LastResetAt *time.Time      `json:"last_reset_at,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// RateLimitFields is a partial write for Upsert; nil fields keep the stored value
// (or the zero value when the row is created).
type RateLimitFields struct {
	WindowStart *time.Time
	HourlySent  *int
	DailySent   *int
	LastResetAt *time.Time
	Metadata    json.RawMessage
}

// Quota is the ceiling an account may send. Zero means unlimited.
type Quota struct {
	Hourly int `json:"hourly"`
	Daily  int `json:"daily"`
	Burst  int `json:"burst"`
}
