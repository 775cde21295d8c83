package mq

import "time"

// JobEnqueuedPayload 新任务入队通知
type JobEnqueuedPayload struct {
	JobID       int64      `json:"job_id"`
	JobType     string     `json:"job_type"`
	Priority    int        `json:"priority"`
	AvailableAt *time.Time `json:"available_at,omitempty"`
}

// JobExhaustedPayload 重试耗尽、进入 failed 的任务
type JobExhaustedPayload struct {
	JobID     int64     `json:"job_id"`
	JobType   string    `json:"job_type"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at"`
	Payload   []byte    `json:"payload,omitempty"`
}
