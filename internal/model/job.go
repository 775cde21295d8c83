package model

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobReserved  JobStatus = "reserved"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is one unit of deferred work. Payload is decoded per JobType by contracts/jobs.
type Job struct {
	ID          int64           `json:"id"`
	JobType     string          `json:"job_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      JobStatus       `json:"status"`
	Priority    int             `json:"priority"`
	AvailableAt *time.Time      `json:"available_at,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	ReservedBy  string          `json:"reserved_by,omitempty"`
	ReservedAt  *time.Time      `json:"reserved_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Exhausted reports whether no further attempt is allowed.
func (j *Job) Exhausted() bool {
	return j.Attempts >= j.MaxAttempts
}

type EnqueueOptions struct {
	Priority    int
	AvailableAt *time.Time
	MaxAttempts int
}
