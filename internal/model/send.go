package model

import "time"

type SendStatus string

const (
	SendPending SendStatus = "pending"
	SendSent    SendStatus = "sent"
	SendFailed  SendStatus = "failed"
)

// Send is one tracked outbound delivery. (Campaign, Reference, RecipientKey) is unique.
type Send struct {
	ID            int64      `json:"id"`
	BatchID       *int64     `json:"batch_id,omitempty"`
	AccountID     int64      `json:"account_id"`
	Campaign      string     `json:"campaign"`
	Reference     string     `json:"reference"`
	RecipientKey  string     `json:"recipient_key"`
	Recipient     string     `json:"recipient"`
	RecipientName string     `json:"recipient_name,omitempty"`
	ContactID     *int64     `json:"contact_id,omitempty"`
	Status        SendStatus `json:"status"`
	Attempts      int        `json:"attempts"`
	Gateway       string     `json:"gateway,omitempty"`
	MessageID     string     `json:"message_id,omitempty"`
	Error         string     `json:"error,omitempty"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type NewSend struct {
	BatchID       *int64
	AccountID     int64
	Campaign      string
	Reference     string
	RecipientKey  string
	Recipient     string
	RecipientName string
}

type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
)

// CampaignBatch groups sends of one campaign dispatch. Counters only move forward.
type CampaignBatch struct {
	ID             int64       `json:"id"`
	Campaign       string      `json:"campaign"`
	AccountID      int64       `json:"account_id"`
	Subject        string      `json:"subject"`
	BodyText       string      `json:"body_text,omitempty"`
	BodyHTML       string      `json:"body_html,omitempty"`
	Status         BatchStatus `json:"status"`
	TotalCount     int         `json:"total_count"`
	ProcessedCount int         `json:"processed_count"`
	FailedCount    int         `json:"failed_count"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	FinishedAt     *time.Time  `json:"finished_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

type NewBatch struct {
	Campaign  string
	AccountID int64
	Subject   string
	BodyText  string
	BodyHTML  string
}
