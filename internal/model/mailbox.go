package model

import (
	"encoding/json"
	"time"
)

type FolderType string

const (
	FolderInbox     FolderType = "inbox"
	FolderSent      FolderType = "sent"
	FolderTrash     FolderType = "trash"
	FolderDrafts    FolderType = "drafts"
	FolderSpam      FolderType = "spam"
	FolderArchive   FolderType = "archive"
	FolderImportant FolderType = "important"
	FolderStarred   FolderType = "starred"
	FolderCustom    FolderType = "custom"
)

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

type Folder struct {
	ID           int64      `json:"id"`
	AccountID    int64      `json:"account_id"`
	RemoteName   string     `json:"remote_name"`
	DisplayName  string     `json:"display_name"`
	Type         FolderType `json:"type"`
	SyncToken    string     `json:"sync_token,omitempty"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	UnreadCount  int        `json:"unread_count"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type Thread struct {
	ID               int64           `json:"id"`
	AccountID        int64           `json:"account_id"`
	FolderID         *int64          `json:"folder_id,omitempty"`
	Subject          string          `json:"subject"`
	Snippet          string          `json:"snippet"`
	PrimaryContactID *int64          `json:"primary_contact_id,omitempty"`
	PrimaryClientID  *int64          `json:"primary_client_id,omitempty"`
	LastMessageAt    *time.Time      `json:"last_message_at,omitempty"`
	UnreadCount      int             `json:"unread_count"`
	Flags            json.RawMessage `json:"flags,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// ThreadTouch is a partial thread update. UnreadDelta is applied with clamping at zero.
type ThreadTouch struct {
	Subject       *string
	Snippet       *string
	FolderID      *int64
	LastMessageAt *time.Time
	UnreadDelta   int
}

type Message struct {
	ID                int64             `json:"id"`
	AccountID         int64             `json:"account_id"`
	ThreadID          *int64            `json:"thread_id,omitempty"`
	FolderID          *int64            `json:"folder_id,omitempty"`
	Direction         Direction         `json:"direction"`
	Status            string            `json:"status"`
	Subject           string            `json:"subject"`
	SenderName        string            `json:"sender_name,omitempty"`
	SenderEmail       string            `json:"sender_email"`
	To                []string          `json:"to,omitempty"`
	Cc                []string          `json:"cc,omitempty"`
	Bcc               []string          `json:"bcc,omitempty"`
	ExternalUID       string            `json:"external_uid,omitempty"`
	InternetMessageID string            `json:"internet_message_id,omitempty"`
	InReplyTo         string            `json:"in_reply_to,omitempty"`
	References        string            `json:"references,omitempty"`
	SentAt            *time.Time        `json:"sent_at,omitempty"`
	ReceivedAt        *time.Time        `json:"received_at,omitempty"`
	ReadAt            *time.Time        `json:"read_at,omitempty"`
	Snippet           string            `json:"snippet,omitempty"`
	BodyPreview       string            `json:"body_preview,omitempty"`
	SizeBytes         int64             `json:"size_bytes"`
	BodyTextPath      string            `json:"body_text_path,omitempty"`
	BodyHTMLPath      string            `json:"body_html_path,omitempty"`
	Headers           map[string]string `json:"headers,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// FolderCounts maps a folder id to a number of messages. Messages without a
// folder are counted under 0.
type FolderCounts map[int64]int

func (c FolderCounts) Total() int {
	n := 0
	for _, v := range c {
		n += v
	}
	return n
}

// MessageInput carries the writable columns of a message for insert/upsert.
type MessageInput struct {
	ThreadID          *int64
	FolderID          *int64
	Direction         Direction
	Status            string
	Subject           string
	SenderName        string
	SenderEmail       string
	To                []string
	Cc                []string
	Bcc               []string
	InternetMessageID string
	InReplyTo         string
	References        string
	SentAt            *time.Time
	ReceivedAt        *time.Time
	ReadAt            *time.Time
	Snippet           string
	BodyPreview       string
	SizeBytes         int64
	BodyTextPath      string
	BodyHTMLPath      string
	Headers           map[string]string
}

type ParticipantRole string

const (
	RoleFrom    ParticipantRole = "from"
	RoleTo      ParticipantRole = "to"
	RoleCc      ParticipantRole = "cc"
	RoleBcc     ParticipantRole = "bcc"
	RoleReplyTo ParticipantRole = "reply_to"
)

type Participant struct {
	ID        int64           `json:"id"`
	MessageID int64           `json:"message_id"`
	Role      ParticipantRole `json:"role"`
	Name      string          `json:"name,omitempty"`
	Email     string          `json:"email"`
	ContactID *int64          `json:"contact_id,omitempty"`
	ClientID  *int64          `json:"client_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type Attachment struct {
	ID          int64     `json:"id"`
	MessageID   int64     `json:"message_id"`
	Filename    string    `json:"filename"`
	MimeType    string    `json:"mime_type"`
	SizeBytes   int64     `json:"size_bytes"`
	StoragePath string    `json:"storage_path"`
	Checksum    string    `json:"checksum"`
	CreatedAt   time.Time `json:"created_at"`
}
