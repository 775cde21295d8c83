// Package jobs defines the typed payloads carried by queued jobs. The job_type
// column selects the variant; Decode validates the payload when a job is dequeued.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	TypeSyncFolder        = "sync_folder"
	TypeSendCampaignBatch = "send_campaign_batch"
	TypePurgeJobs         = "purge_jobs"
)

var (
	ErrUnknownType    = errors.New("unknown job type")
	ErrInvalidPayload = errors.New("invalid job payload")
)

// Payload is implemented by every job variant.
type Payload interface {
	JobType() string
	Validate() error
}

// SyncFolderPayload asks a worker to pull new messages of one remote folder.
type SyncFolderPayload struct {
	AccountID   int64  `json:"account_id"`
	Folder      string `json:"folder"`
	Limit       int    `json:"limit,omitempty"`
	ForceResync bool   `json:"force_resync,omitempty"`
}

func (SyncFolderPayload) JobType() string { return TypeSyncFolder }

func (p SyncFolderPayload) Validate() error {
	if p.AccountID <= 0 {
		return fmt.Errorf("%w: account_id is required", ErrInvalidPayload)
	}
	if p.Folder == "" {
		return fmt.Errorf("%w: folder is required", ErrInvalidPayload)
	}
	if p.Limit < 0 {
		return fmt.Errorf("%w: limit must not be negative", ErrInvalidPayload)
	}
	return nil
}

// SendCampaignBatchPayload dispatches one slice of a campaign batch.
type SendCampaignBatchPayload struct {
	BatchID int64 `json:"batch_id"`
	Limit   int   `json:"limit,omitempty"`
}

func (SendCampaignBatchPayload) JobType() string { return TypeSendCampaignBatch }

func (p SendCampaignBatchPayload) Validate() error {
	if p.BatchID <= 0 {
		return fmt.Errorf("%w: batch_id is required", ErrInvalidPayload)
	}
	if p.Limit < 0 {
		return fmt.Errorf("%w: limit must not be negative", ErrInvalidPayload)
	}
	return nil
}

// PurgeJobsPayload removes finished jobs older than OlderThan.
type PurgeJobsPayload struct {
	OlderThan Duration `json:"older_than"`
}

func (PurgeJobsPayload) JobType() string { return TypePurgeJobs }

func (p PurgeJobsPayload) Validate() error {
	if p.OlderThan.Duration <= 0 {
		return fmt.Errorf("%w: older_than must be positive", ErrInvalidPayload)
	}
	return nil
}

// Duration marshals as a Go duration string ("168h").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Decode parses raw into the variant registered for jobType and validates it.
func Decode(jobType string, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch jobType {
	case TypeSyncFolder:
		var v SyncFolderPayload
		if err := unmarshal(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case TypeSendCampaignBatch:
		var v SendCampaignBatchPayload
		if err := unmarshal(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case TypePurgeJobs:
		var v PurgeJobsPayload
		if err := unmarshal(raw, &v); err != nil {
			return nil, err
		}
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, jobType)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Encode validates p and returns its JSON form.
func Encode(p Payload) (json.RawMessage, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", p.JobType(), err)
	}
	return raw, nil
}

// Known reports whether jobType has a registered payload variant.
func Known(jobType string) bool {
	switch jobType {
	case TypeSyncFolder, TypeSendCampaignBatch, TypePurgeJobs:
		return true
	}
	return false
}

func unmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
