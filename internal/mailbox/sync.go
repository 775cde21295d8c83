package mailbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailpipeline/contracts/jobs"
	"mailpipeline/internal/account"
	"mailpipeline/internal/model"
	"mailpipeline/internal/store"
	"mailpipeline/pkg/metrics"
)

const DefaultBatchLimit = 50

type Accounts interface {
	Get(id int64) (account.Account, error)
}

// Result summarizes one folder sync.
type Result struct {
	Folder    string `json:"folder"`
	Fetched   int    `json:"fetched"`
	Created   int    `json:"created"`
	Updated   int    `json:"updated"`
	Skipped   int    `json:"skipped"`
	Malformed int    `json:"malformed"`
	SyncToken string `json:"sync_token"`
}

type outcome string

const (
	outcomeCreated outcome = "created"
	outcomeUpdated outcome = "updated"
	outcomeSkipped outcome = "skipped"
)

type Synchronizer struct {
	store    store.MailboxStore
	reader   Reader
	accounts Accounts
	blobs    *BlobStore
	limit    int
	logger   *zap.Logger
	now      func() time.Time
}

func NewSynchronizer(s store.MailboxStore, r Reader, accounts Accounts, blobs *BlobStore, limit int, logger *zap.Logger) *Synchronizer {
	if limit <= 0 {
		limit = DefaultBatchLimit
	}
	return &Synchronizer{
		store:    s,
		reader:   r,
		accounts: accounts,
		blobs:    blobs,
		limit:    limit,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *Synchronizer) WithClock(now func() time.Time) *Synchronizer {
	s.now = now
	return s
}

// SyncFolder pulls messages newer than the folder's sync token.
//
// Messages that fail to parse are skipped and the token moves past them. A
// storage failure stops the batch; the token is saved at the last message that
// was committed and the error is returned so the job is retried.
func (s *Synchronizer) SyncFolder(ctx context.Context, p jobs.SyncFolderPayload) (Result, error) {
	res := Result{Folder: p.Folder}

	acct, err := s.accounts.Get(p.AccountID)
	if err != nil {
		return res, err
	}
	folder, err := s.folder(ctx, acct, p.Folder)
	if err != nil {
		return res, err
	}

	stored := parseToken(folder.SyncToken)
	afterUID := stored
	if p.ForceResync {
		afterUID = 0
	}
	limit := p.Limit
	if limit <= 0 {
		limit = s.limit
	}

	msgs, err := s.reader.Fetch(ctx, acct, p.Folder, afterUID, limit)
	if err != nil {
		return res, fmt.Errorf("failed to fetch %s for account %d: %w", p.Folder, acct.ID, err)
	}
	res.Fetched = len(msgs)

	token := stored
	for _, m := range msgs {
		if m.Err != nil {
			s.logger.Warn("sync_skip: malformed message",
				zap.Int64("account_id", acct.ID),
				zap.String("folder", p.Folder),
				zap.Uint32("uid", m.UID),
				zap.Error(m.Err),
			)
			metrics.IncrementSyncMessage("malformed")
			res.Malformed++
			token = max(token, m.UID)
			continue
		}

		out, err := s.ingest(ctx, acct, folder, m, p.ForceResync)
		if err != nil {
			res.SyncToken = formatToken(token)
			if markErr := s.store.MarkFolderSynced(ctx, folder.ID, res.SyncToken); markErr != nil {
				s.logger.Error("Failed to save partial sync token",
					zap.Int64("folder_id", folder.ID),
					zap.Error(markErr),
				)
			}
			return res, fmt.Errorf("failed to store message uid %d: %w", m.UID, err)
		}

		metrics.IncrementSyncMessage(string(out))
		switch out {
		case outcomeCreated:
			res.Created++
		case outcomeUpdated:
			res.Updated++
		case outcomeSkipped:
			res.Skipped++
		}
		token = max(token, m.UID)
	}

	res.SyncToken = formatToken(token)
	if err := s.store.MarkFolderSynced(ctx, folder.ID, res.SyncToken); err != nil {
		return res, fmt.Errorf("failed to mark folder %d synced: %w", folder.ID, err)
	}

	s.logger.Info("Folder synced",
		zap.Int64("account_id", acct.ID),
		zap.String("folder", p.Folder),
		zap.Int("fetched", res.Fetched),
		zap.Int("created", res.Created),
		zap.Int("updated", res.Updated),
		zap.Int("skipped", res.Skipped),
		zap.Int("malformed", res.Malformed),
		zap.String("sync_token", res.SyncToken),
	)
	return res, nil
}

// DiscoverFolders upserts every selectable remote folder of the account and
// returns their names.
func (s *Synchronizer) DiscoverFolders(ctx context.Context, accountID int64) ([]string, error) {
	acct, err := s.accounts.Get(accountID)
	if err != nil {
		return nil, err
	}
	remote, err := s.reader.ListFolders(ctx, acct)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders of account %d: %w", accountID, err)
	}
	if len(remote) == 0 {
		remote = []RemoteFolder{{Name: "INBOX"}}
	}

	names := make([]string, 0, len(remote))
	for _, rf := range remote {
		if _, err := s.store.UpsertFolder(ctx, acct.ID, rf.Name, rf.Name, DetectFolderType(rf.Name, rf.SpecialUse)); err != nil {
			return nil, err
		}
		names = append(names, rf.Name)
	}
	return names, nil
}

// folder returns the local folder row, creating it on first sight.
func (s *Synchronizer) folder(ctx context.Context, acct account.Account, remoteName string) (*model.Folder, error) {
	f, err := s.store.FindFolderByRemoteName(ctx, acct.ID, remoteName)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	specialUse := ""
	remote, err := s.reader.ListFolders(ctx, acct)
	if err != nil {
		s.logger.Warn("Failed to list remote folders, detecting type by name",
			zap.Int64("account_id", acct.ID),
			zap.Error(err),
		)
	}
	for _, rf := range remote {
		if rf.Name == remoteName {
			specialUse = rf.SpecialUse
			break
		}
	}
	return s.store.UpsertFolder(ctx, acct.ID, remoteName, remoteName, DetectFolderType(remoteName, specialUse))
}

func (s *Synchronizer) ingest(ctx context.Context, acct account.Account, folder *model.Folder, m RemoteMessage, force bool) (outcome, error) {
	uid := ExternalUID(folder.ID, m.UID)

	existing, err := s.store.FindMessageByExternalUID(ctx, acct.ID, uid)
	switch {
	case err == nil && !force:
		return outcomeSkipped, nil
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return "", err
	case err != nil:
		existing = nil
	}

	textPath, htmlPath, err := s.blobs.WriteBodies(acct.ID, folder.ID, m.UID, m.TextBody, m.HTMLBody)
	if err != nil {
		return "", err
	}
	attachments := make([]model.Attachment, 0, len(m.Attachments))
	for i, a := range m.Attachments {
		path, sum, err := s.blobs.WriteAttachment(acct.ID, folder.ID, m.UID, i, a.Filename, a.Content)
		if err != nil {
			return "", err
		}
		attachments = append(attachments, model.Attachment{
			Filename:    a.Filename,
			MimeType:    a.MimeType,
			SizeBytes:   int64(len(a.Content)),
			StoragePath: path,
			Checksum:    sum,
		})
	}

	in := s.messageInput(acct, folder, m, textPath, htmlPath)
	result := outcomeCreated

	err = s.store.InMailboxTx(ctx, func(tx store.MailboxStore) error {
		// a Message-ID already stored is the same message: composed locally and
		// reported back, or moved/copied here from another folder
		var local *model.Message
		if existing == nil && m.MessageID != "" {
			found, err := tx.FindMessageByInternetMessageID(ctx, acct.ID, m.MessageID)
			switch {
			case err == nil:
				local = found
			case !errors.Is(err, store.ErrNotFound):
				return err
			}
		}

		var threadID int64
		switch {
		case existing != nil && existing.ThreadID != nil:
			threadID = *existing.ThreadID
		case local != nil && local.ThreadID != nil:
			threadID = *local.ThreadID
		default:
			if threadID, err = s.resolveThread(ctx, tx, acct.ID, folder, m); err != nil {
				return err
			}
		}
		in.ThreadID = &threadID

		var (
			id      int64
			created bool
		)
		unreadDelta := 0
		if local != nil {
			id = local.ID
			if err := tx.AssignExternalUID(ctx, id, uid, in); err != nil {
				return err
			}
			if unreadDelta, err = s.shiftUnread(ctx, tx, local, in, folder, m.Seen()); err != nil {
				return err
			}
		} else {
			id, created, err = tx.UpsertMessageByExternalUID(ctx, acct.ID, uid, in)
			if err != nil {
				return err
			}
		}
		if !created {
			result = outcomeUpdated
		}

		if err := tx.ReplaceParticipants(ctx, id, participants(m)); err != nil {
			return err
		}
		if created && len(attachments) > 0 {
			if err := tx.InsertAttachments(ctx, id, attachments); err != nil {
				return err
			}
		}

		touch := model.ThreadTouch{
			Snippet:       &in.Snippet,
			LastMessageAt: in.SentAt,
		}
		if created && in.Direction == model.Inbound && !m.Seen() {
			unreadDelta = 1
			if err := tx.AdjustFolderUnread(ctx, folder.ID, 1); err != nil {
				return err
			}
		}
		touch.UnreadDelta = unreadDelta
		move, err := s.shouldMoveThread(ctx, tx, threadID, folder)
		if err != nil {
			return err
		}
		if move {
			touch.FolderID = &folder.ID
		}
		return tx.TouchThread(ctx, threadID, touch)
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

// shiftUnread moves an adopted message's unread count from its old folder to
// the folder it was seen in, and returns the change for its thread. read_at is
// never cleared, so a message read locally stays read.
func (s *Synchronizer) shiftUnread(ctx context.Context, tx store.MailboxStore, prev *model.Message, in model.MessageInput, folder *model.Folder, seen bool) (int, error) {
	wasUnread := prev.Direction == model.Inbound && prev.ReadAt == nil
	isUnread := in.Direction == model.Inbound && prev.ReadAt == nil && !seen

	delta := 0
	if wasUnread && prev.FolderID != nil {
		if err := tx.AdjustFolderUnread(ctx, *prev.FolderID, -1); err != nil {
			return 0, err
		}
		delta--
	}
	if isUnread {
		if err := tx.AdjustFolderUnread(ctx, folder.ID, 1); err != nil {
			return 0, err
		}
		delta++
	}
	return delta, nil
}

// resolveThread follows In-Reply-To and References first, then the exact subject,
// then the subject without reply prefixes, and creates a thread otherwise.
func (s *Synchronizer) resolveThread(ctx context.Context, tx store.MailboxStore, accountID int64, folder *model.Folder, m RemoteMessage) (int64, error) {
	candidates := make([]string, 0, 1+len(m.References))
	if m.InReplyTo != "" {
		candidates = append(candidates, m.InReplyTo)
	}
	candidates = append(candidates, m.References...)

	for _, ref := range candidates {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		parent, err := tx.FindMessageByInternetMessageID(ctx, accountID, ref)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if parent.ThreadID != nil {
			return *parent.ThreadID, nil
		}
	}

	subject := SubjectOrDefault(m.Subject)
	for _, candidate := range uniq(subject, NormalizeSubject(subject)) {
		th, err := tx.FindThreadBySubject(ctx, accountID, candidate)
		if err == nil {
			return th.ID, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return 0, err
		}
	}

	last := s.sentAt(m)
	return tx.CreateThread(ctx, model.Thread{
		AccountID:     accountID,
		FolderID:      &folder.ID,
		Subject:       subject,
		LastMessageAt: &last,
	})
}

// shouldMoveThread reports whether folder outranks the thread's current folder.
func (s *Synchronizer) shouldMoveThread(ctx context.Context, tx store.MailboxStore, threadID int64, folder *model.Folder) (bool, error) {
	th, err := tx.FindThread(ctx, threadID)
	if err != nil {
		return false, err
	}
	if th.FolderID == nil {
		return true, nil
	}
	if *th.FolderID == folder.ID {
		return false, nil
	}
	current, err := tx.FindFolder(ctx, *th.FolderID)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return FolderPriority(folder.Type) >= FolderPriority(current.Type), nil
}

func (s *Synchronizer) messageInput(acct account.Account, folder *model.Folder, m RemoteMessage, textPath, htmlPath string) model.MessageInput {
	direction, status := model.Inbound, "received"
	if folder.Type == model.FolderSent || m.From.Email == acct.FromEmail {
		direction, status = model.Outbound, "sent"
	}

	now := s.now()
	sentAt := s.sentAt(m)
	in := model.MessageInput{
		FolderID:          &folder.ID,
		Direction:         direction,
		Status:            status,
		Subject:           SubjectOrDefault(m.Subject),
		SenderName:        m.From.Name,
		SenderEmail:       m.From.Email,
		To:                emails(m.To),
		Cc:                emails(m.Cc),
		Bcc:               emails(m.Bcc),
		InternetMessageID: m.MessageID,
		InReplyTo:         m.InReplyTo,
		References:        strings.Join(m.References, " "),
		SentAt:            &sentAt,
		ReceivedAt:        &now,
		SizeBytes:         m.Size,
		BodyTextPath:      textPath,
		BodyHTMLPath:      htmlPath,
		Headers:           m.Headers,
	}
	body := m.TextBody
	if body == "" {
		body = m.HTMLBody
	}
	in.Snippet = Snippet(body)
	in.BodyPreview = strings.TrimSpace(store.Truncate(whitespacePattern.ReplaceAllString(StripTags(body), " "), bodyPreviewLength))
	if m.Seen() {
		in.ReadAt = &now
	}
	return in
}

func (s *Synchronizer) sentAt(m RemoteMessage) time.Time {
	if m.Date.IsZero() {
		return s.now()
	}
	return m.Date
}

func participants(m RemoteMessage) []model.Participant {
	out := []model.Participant{{Role: model.RoleFrom, Name: m.From.Name, Email: m.From.Email}}
	for _, group := range []struct {
		role model.ParticipantRole
		list []Address
	}{
		{model.RoleTo, m.To},
		{model.RoleCc, m.Cc},
		{model.RoleBcc, m.Bcc},
	} {
		for _, a := range group.list {
			out = append(out, model.Participant{Role: group.role, Name: a.Name, Email: a.Email})
		}
	}
	return out
}

func emails(list []Address) []string {
	if len(list) == 0 {
		return nil
	}
	out := make([]string, len(list))
	for i, a := range list {
		out[i] = a.Email
	}
	return out
}

func uniq(a, b string) []string {
	if a == b {
		return []string{a}
	}
	return []string{a, b}
}

// ExternalUID qualifies a provider UID with its folder; IMAP UIDs are only
// unique within one mailbox.
func ExternalUID(folderID int64, uid uint32) string {
	return strconv.FormatInt(folderID, 10) + ":" + strconv.FormatUint(uint64(uid), 10)
}

func parseToken(token string) uint32 {
	v, err := strconv.ParseUint(strings.TrimSpace(token), 10, 32)
	if err != nil {
		return 0
	}
	return uint32(v)
}

func formatToken(uid uint32) string {
	if uid == 0 {
		return ""
	}
	return strconv.FormatUint(uint64(uid), 10)
}
