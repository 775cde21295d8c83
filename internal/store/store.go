// Package store declares the persistence contracts of the pipeline. Two backends
// implement them: store/postgres (pgx) and store/sqlite (sqlx + modernc sqlite).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"mailpipeline/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrInvalidState is returned when a transition is requested from the wrong status.
	ErrInvalidState = errors.New("invalid state transition")
	// ErrLeaseLost is returned when a settle transition finds the job no longer
	// reserved by the caller, e.g. after the lease sweep handed it to another worker.
	ErrLeaseLost = errors.New("job lease lost")
	// ErrCounterOverflow is returned when batch counters would exceed the batch's send rows.
	ErrCounterOverflow = errors.New("batch counters exceed total sends")
)

// JobStore owns the email_jobs table.
type JobStore interface {
	EnqueueJob(ctx context.Context, jobType string, payload json.RawMessage, opts model.EnqueueOptions) (int64, error)
	// ReserveNextJob atomically claims the next eligible job of jobType. It returns
	// (nil, nil) when nothing is eligible.
	ReserveNextJob(ctx context.Context, jobType, workerID string) (*model.Job, error)
	// MarkJobCompleted, MarkJobFailed, ReleaseJob and DeferJob only apply to a job
	// still reserved by workerID and return ErrLeaseLost otherwise.
	MarkJobCompleted(ctx context.Context, id int64, workerID string) error
	MarkJobFailed(ctx context.Context, id int64, workerID, errMsg string) error
	IncrementJobAttempts(ctx context.Context, id int64) error
	ReleaseJob(ctx context.Context, id int64, workerID string, availableAt time.Time, lastError string) error
	// DeferJob returns the job to pending at availableAt and gives back the attempt
	// taken when it was reserved.
	DeferJob(ctx context.Context, id int64, workerID string, availableAt time.Time) error
	CountPendingJobs(ctx context.Context, jobType string) (int, error)
	// ReleaseExpiredJobs returns reservations taken before reservedBefore to pending,
	// or fails them when their attempts are exhausted.
	ReleaseExpiredJobs(ctx context.Context, reservedBefore time.Time) (released int, failed int, err error)
	FindJob(ctx context.Context, id int64) (*model.Job, error)
	// RequeueJob moves a failed job back to pending with attempts reset.
	RequeueJob(ctx context.Context, id int64) error
	PurgeJobs(ctx context.Context, finishedBefore time.Time) (int64, error)
}

// RateLimitStore is a plain counter store; admission policy lives in the caller.
type RateLimitStore interface {
	FindRateLimit(ctx context.Context, accountID int64) (*model.AccountRateLimit, error)
	UpsertRateLimit(ctx context.Context, accountID int64, fields model.RateLimitFields) error
	IncrementRateLimit(ctx context.Context, accountID int64, hourlyDelta, dailyDelta int) error
	// ResetRateLimitWindow zeroes both counters and sets window_start and last_reset_at to now.
	ResetRateLimitWindow(ctx context.Context, accountID int64) error
	// WithAccountLock runs fn in one transaction holding the account's admission lock.
	WithAccountLock(ctx context.Context, accountID int64, fn func(RateLimitStore) error) error
}

// MailboxStore owns folders, threads, messages, participants and attachments.
type MailboxStore interface {
	UpsertFolder(ctx context.Context, accountID int64, remoteName, displayName string, folderType model.FolderType) (*model.Folder, error)
	FindFolder(ctx context.Context, id int64) (*model.Folder, error)
	FindFolderByRemoteName(ctx context.Context, accountID int64, remoteName string) (*model.Folder, error)
	MarkFolderSynced(ctx context.Context, folderID int64, syncToken string) error
	AdjustFolderUnread(ctx context.Context, folderID int64, delta int) error

	FindThread(ctx context.Context, id int64) (*model.Thread, error)
	// FindThreadBySubject returns the most recently updated thread with that subject.
	FindThreadBySubject(ctx context.Context, accountID int64, subject string) (*model.Thread, error)
	CreateThread(ctx context.Context, thread model.Thread) (int64, error)
	TouchThread(ctx context.Context, id int64, touch model.ThreadTouch) error

	FindMessage(ctx context.Context, id int64) (*model.Message, error)
	FindMessageByExternalUID(ctx context.Context, accountID int64, uid string) (*model.Message, error)
	FindMessageByInternetMessageID(ctx context.Context, accountID int64, internetMessageID string) (*model.Message, error)
	// UpsertMessageByExternalUID inserts or updates the message keyed by (account, uid).
	UpsertMessageByExternalUID(ctx context.Context, accountID int64, uid string, in model.MessageInput) (id int64, created bool, err error)
	// InsertMessage stores a message without provider uid (locally composed mail).
	InsertMessage(ctx context.Context, accountID int64, in model.MessageInput) (int64, error)
	// AssignExternalUID attaches a provider uid to a message found by Message-ID and refreshes it.
	AssignExternalUID(ctx context.Context, id int64, uid string, in model.MessageInput) error
	ListThreadMessages(ctx context.Context, threadID int64) ([]model.Message, error)
	// MarkThreadMessagesRead marks unread inbound messages read, optionally only up to
	// upToMessageID, and returns how many changed in each folder.
	MarkThreadMessagesRead(ctx context.Context, threadID int64, upToMessageID *int64) (model.FolderCounts, error)

	ReplaceParticipants(ctx context.Context, messageID int64, participants []model.Participant) error
	ListParticipants(ctx context.Context, messageID int64) ([]model.Participant, error)
	InsertAttachments(ctx context.Context, messageID int64, attachments []model.Attachment) error
	ListAttachments(ctx context.Context, messageID int64) ([]model.Attachment, error)

	InMailboxTx(ctx context.Context, fn func(MailboxStore) error) error
}

// SendStore owns sends and campaign batches.
type SendStore interface {
	// CreateSend returns created=false when (campaign, reference, recipient_key) already exists.
	CreateSend(ctx context.Context, send model.NewSend) (id int64, created bool, err error)
	FindSend(ctx context.Context, id int64) (*model.Send, error)
	ListPendingSends(ctx context.Context, batchID int64, limit int) ([]model.Send, error)
	// ClaimPendingSends marks up to limit pending sends of the batch as held by owner
	// and returns them in id order. Sends held by another owner are skipped unless
	// their claim was taken before staleBefore.
	ClaimPendingSends(ctx context.Context, batchID int64, owner string, limit int, staleBefore time.Time) ([]model.Send, error)
	// ReleaseSendClaims drops owner's claims on sends of the batch that are still pending.
	ReleaseSendClaims(ctx context.Context, batchID int64, owner string) error
	CountPendingSends(ctx context.Context, batchID int64) (int, error)
	// MarkSendSent and MarkSendFailed only apply to pending sends and return
	// ErrInvalidState for a send that is already settled.
	MarkSendSent(ctx context.Context, id int64, gateway, messageID string) error
	MarkSendFailed(ctx context.Context, id int64, errMsg string) error
	// RecordSendAttempt keeps the send pending and notes a transient error.
	RecordSendAttempt(ctx context.Context, id int64, errMsg string) error
	SetSendContact(ctx context.Context, id int64, contactID int64) error

	CreateBatch(ctx context.Context, batch model.NewBatch) (int64, error)
	FindBatch(ctx context.Context, id int64) (*model.CampaignBatch, error)
	MarkBatchProcessing(ctx context.Context, id int64) error
	MarkBatchCompleted(ctx context.Context, id int64) error
	IncrementBatchCounters(ctx context.Context, id int64, processedDelta, failedDelta int) error

	InSendTx(ctx context.Context, fn func(SendStore) error) error
}

// ContactStore exposes the contact fields the delivery guard consumes.
type ContactStore interface {
	FindContactByEmail(ctx context.Context, email string) (*model.Contact, error)
	UpsertContact(ctx context.Context, contact model.Contact) (int64, error)
	IncrementContactBounce(ctx context.Context, contactID int64) error
}

// Store is the full persistence surface of one backend.
type Store interface {
	JobStore
	RateLimitStore
	MailboxStore
	SendStore
	ContactStore
	Ping(ctx context.Context) error
	Close() error
}

// MaxErrorLength bounds stored provider error text.
const MaxErrorLength = 500

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
