package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"mailpipeline/internal/model"
	"mailpipeline/internal/store"
)

type folderRow struct {
	ID           int64          `db:"id"`
	AccountID    int64          `db:"account_id"`
	RemoteName   string         `db:"remote_name"`
	DisplayName  sql.NullString `db:"display_name"`
	Type         string         `db:"type"`
	SyncToken    sql.NullString `db:"sync_token"`
	LastSyncedAt sql.NullInt64  `db:"last_synced_at"`
	UnreadCount  int            `db:"unread_count"`
	CreatedAt    int64          `db:"created_at"`
	UpdatedAt    int64          `db:"updated_at"`
}

func (r folderRow) toModel() *model.Folder {
	return &model.Folder{
		ID:           r.ID,
		AccountID:    r.AccountID,
		RemoteName:   r.RemoteName,
		DisplayName:  r.DisplayName.String,
		Type:         model.FolderType(r.Type),
		SyncToken:    r.SyncToken.String,
		LastSyncedAt: fromNullUnix(r.LastSyncedAt),
		UnreadCount:  r.UnreadCount,
		CreatedAt:    fromUnix(r.CreatedAt),
		UpdatedAt:    fromUnix(r.UpdatedAt),
	}
}

const folderColumns = `id, account_id, remote_name, display_name, type, sync_token, last_synced_at,
	unread_count, created_at, updated_at`

func (s *Store) UpsertFolder(ctx context.Context, accountID int64, remoteName, displayName string, folderType model.FolderType) (*model.Folder, error) {
	now := s.unixNow()
	var row folderRow
	err := s.q.GetContext(ctx, &row, `
		INSERT INTO email_folders (account_id, remote_name, display_name, type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, remote_name) DO UPDATE SET
			display_name = excluded.display_name,
			type = excluded.type,
			updated_at = excluded.updated_at
		RETURNING `+folderColumns,
		accountID, remoteName, nullString(displayName), string(folderType), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert folder: %w", err)
	}
	return row.toModel(), nil
}

func (s *Store) FindFolder(ctx context.Context, id int64) (*model.Folder, error) {
	var row folderRow
	if err := s.q.GetContext(ctx, &row, `SELECT `+folderColumns+` FROM email_folders WHERE id = ?`, id); err != nil {
		return nil, notFound(err)
	}
	return row.toModel(), nil
}

func (s *Store) FindFolderByRemoteName(ctx context.Context, accountID int64, remoteName string) (*model.Folder, error) {
	var row folderRow
	err := s.q.GetContext(ctx, &row, `
		SELECT `+folderColumns+` FROM email_folders WHERE account_id = ? AND remote_name = ?`,
		accountID, remoteName)
	if err != nil {
		return nil, notFound(err)
	}
	return row.toModel(), nil
}

func (s *Store) MarkFolderSynced(ctx context.Context, folderID int64, syncToken string) error {
	now := s.unixNow()
	return s.execOne(ctx, `
		UPDATE email_folders
		SET sync_token = ?, last_synced_at = ?, updated_at = ?
		WHERE id = ?`, nullString(syncToken), now, now, folderID)
}

func (s *Store) AdjustFolderUnread(ctx context.Context, folderID int64, delta int) error {
	return s.execOne(ctx, `
		UPDATE email_folders
		SET unread_count = CASE WHEN unread_count + ? < 0 THEN 0 ELSE unread_count + ? END,
		    updated_at = ?
		WHERE id = ?`, delta, delta, s.unixNow(), folderID)
}

type threadRow struct {
	ID               int64          `db:"id"`
	AccountID        int64          `db:"account_id"`
	FolderID         sql.NullInt64  `db:"folder_id"`
	Subject          sql.NullString `db:"subject"`
	Snippet          sql.NullString `db:"snippet"`
	PrimaryContactID sql.NullInt64  `db:"primary_contact_id"`
	PrimaryClientID  sql.NullInt64  `db:"primary_client_id"`
	LastMessageAt    sql.NullInt64  `db:"last_message_at"`
	UnreadCount      int            `db:"unread_count"`
	Flags            sql.NullString `db:"flags"`
	CreatedAt        int64          `db:"created_at"`
	UpdatedAt        int64          `db:"updated_at"`
}

func (r threadRow) toModel() *model.Thread {
	t := &model.Thread{
		ID:               r.ID,
		AccountID:        r.AccountID,
		FolderID:         fromNullInt64(r.FolderID),
		Subject:          r.Subject.String,
		Snippet:          r.Snippet.String,
		PrimaryContactID: fromNullInt64(r.PrimaryContactID),
		PrimaryClientID:  fromNullInt64(r.PrimaryClientID),
		LastMessageAt:    fromNullUnix(r.LastMessageAt),
		UnreadCount:      r.UnreadCount,
		CreatedAt:        fromUnix(r.CreatedAt),
		UpdatedAt:        fromUnix(r.UpdatedAt),
	}
	if r.Flags.Valid {
		t.Flags = json.RawMessage(r.Flags.String)
	}
	return t
}

const threadColumns = `id, account_id, folder_id, subject, snippet, primary_contact_id, primary_client_id,
	last_message_at, unread_count, flags, created_at, updated_at`

func (s *Store) FindThread(ctx context.Context, id int64) (*model.Thread, error) {
	var row threadRow
	if err := s.q.GetContext(ctx, &row, `SELECT `+threadColumns+` FROM email_threads WHERE id = ?`, id); err != nil {
		return nil, notFound(err)
	}
	return row.toModel(), nil
}

func (s *Store) FindThreadBySubject(ctx context.Context, accountID int64, subject string) (*model.Thread, error) {
	var row threadRow
	err := s.q.GetContext(ctx, &row, `
		SELECT `+threadColumns+`
		FROM email_threads
		WHERE account_id = ? AND subject = ?
		ORDER BY updated_at DESC, id DESC
		LIMIT 1`, accountID, subject)
	if err != nil {
		return nil, notFound(err)
	}
	return row.toModel(), nil
}

func (s *Store) CreateThread(ctx context.Context, t model.Thread) (int64, error) {
	now := s.unixNow()
	var flags sql.NullString
	if len(t.Flags) > 0 {
		flags = sql.NullString{String: string(t.Flags), Valid: true}
	}
	unread := t.UnreadCount
	if unread < 0 {
		unread = 0
	}
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO email_threads (account_id, folder_id, subject, snippet, primary_contact_id, primary_client_id,
			last_message_at, unread_count, flags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.AccountID, nullInt64(t.FolderID), t.Subject, nullString(t.Snippet), nullInt64(t.PrimaryContactID),
		nullInt64(t.PrimaryClientID), nullUnix(t.LastMessageAt), unread, flags, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create thread: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) TouchThread(ctx context.Context, id int64, touch model.ThreadTouch) error {
	sets := []string{"updated_at = ?"}
	args := []interface{}{s.unixNow()}

	if touch.Subject != nil {
		sets = append(sets, "subject = ?")
		args = append(args, *touch.Subject)
	}
	if touch.Snippet != nil {
		sets = append(sets, "snippet = ?")
		args = append(args, *touch.Snippet)
	}
	if touch.FolderID != nil {
		sets = append(sets, "folder_id = ?")
		args = append(args, *touch.FolderID)
	}
	if touch.LastMessageAt != nil {
		sets = append(sets, "last_message_at = ?")
		args = append(args, touch.LastMessageAt.Unix())
	}
	if touch.UnreadDelta != 0 {
		sets = append(sets, "unread_count = CASE WHEN unread_count + ? < 0 THEN 0 ELSE unread_count + ? END")
		args = append(args, touch.UnreadDelta, touch.UnreadDelta)
	}
	args = append(args, id)

	return s.execOne(ctx, `UPDATE email_threads SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
}

type messageRow struct {
	ID                int64          `db:"id"`
	AccountID         int64          `db:"account_id"`
	ThreadID          sql.NullInt64  `db:"thread_id"`
	FolderID          sql.NullInt64  `db:"folder_id"`
	Direction         string         `db:"direction"`
	Status            string         `db:"status"`
	Subject           sql.NullString `db:"subject"`
	SenderName        sql.NullString `db:"sender_name"`
	SenderEmail       string         `db:"sender_email"`
	To                sql.NullString `db:"to_recipients"`
	Cc                sql.NullString `db:"cc_recipients"`
	Bcc               sql.NullString `db:"bcc_recipients"`
	ExternalUID       sql.NullString `db:"external_uid"`
	InternetMessageID sql.NullString `db:"internet_message_id"`
	InReplyTo         sql.NullString `db:"in_reply_to"`
	References        sql.NullString `db:"references_header"`
	SentAt            sql.NullInt64  `db:"sent_at"`
	ReceivedAt        sql.NullInt64  `db:"received_at"`
	ReadAt            sql.NullInt64  `db:"read_at"`
	Snippet           sql.NullString `db:"snippet"`
	BodyPreview       sql.NullString `db:"body_preview"`
	SizeBytes         int64          `db:"size_bytes"`
	BodyTextPath      sql.NullString `db:"body_text_path"`
	BodyHTMLPath      sql.NullString `db:"body_html_path"`
	Headers           sql.NullString `db:"headers"`
	CreatedAt         int64          `db:"created_at"`
	UpdatedAt         int64          `db:"updated_at"`
}

func (r messageRow) toModel() (*model.Message, error) {
	m := &model.Message{
		ID:                r.ID,
		AccountID:         r.AccountID,
		ThreadID:          fromNullInt64(r.ThreadID),
		FolderID:          fromNullInt64(r.FolderID),
		Direction:         model.Direction(r.Direction),
		Status:            r.Status,
		Subject:           r.Subject.String,
		SenderName:        r.SenderName.String,
		SenderEmail:       r.SenderEmail,
		ExternalUID:       r.ExternalUID.String,
		InternetMessageID: r.InternetMessageID.String,
		InReplyTo:         r.InReplyTo.String,
		References:        r.References.String,
		SentAt:            fromNullUnix(r.SentAt),
		ReceivedAt:        fromNullUnix(r.ReceivedAt),
		ReadAt:            fromNullUnix(r.ReadAt),
		Snippet:           r.Snippet.String,
		BodyPreview:       r.BodyPreview.String,
		SizeBytes:         r.SizeBytes,
		BodyTextPath:      r.BodyTextPath.String,
		BodyHTMLPath:      r.BodyHTMLPath.String,
		CreatedAt:         fromUnix(r.CreatedAt),
		UpdatedAt:         fromUnix(r.UpdatedAt),
	}
	for _, col := range []struct {
		src sql.NullString
		dst interface{}
	}{
		{r.To, &m.To},
		{r.Cc, &m.Cc},
		{r.Bcc, &m.Bcc},
		{r.Headers, &m.Headers},
	} {
		if !col.src.Valid {
			continue
		}
		if err := json.Unmarshal([]byte(col.src.String), col.dst); err != nil {
			return nil, fmt.Errorf("failed to decode message %d: %w", r.ID, err)
		}
	}
	return m, nil
}

const messageColumns = `id, account_id, thread_id, folder_id, direction, status, subject, sender_name,
	sender_email, to_recipients, cc_recipients, bcc_recipients, external_uid, internet_message_id,
	in_reply_to, references_header, sent_at, received_at, read_at, snippet, body_preview, size_bytes,
	body_text_path, body_html_path, headers, created_at, updated_at`

// messageArgs 返回 MessageInput 的可写列，顺序与 messageWriteColumns 一致
func messageArgs(in model.MessageInput) ([]interface{}, error) {
	to, err := jsonText(emptyToNil(in.To))
	if err != nil {
		return nil, err
	}
	cc, err := jsonText(emptyToNil(in.Cc))
	if err != nil {
		return nil, err
	}
	bcc, err := jsonText(emptyToNil(in.Bcc))
	if err != nil {
		return nil, err
	}
	var headers sql.NullString
	if len(in.Headers) > 0 {
		if headers, err = jsonText(in.Headers); err != nil {
			return nil, err
		}
	}

	direction := in.Direction
	if direction == "" {
		direction = model.Inbound
	}
	status := in.Status
	if status == "" {
		status = "received"
	}

	return []interface{}{
		nullInt64(in.ThreadID), nullInt64(in.FolderID), string(direction), status,
		nullString(in.Subject), nullString(in.SenderName), in.SenderEmail, to, cc, bcc,
		nullString(in.InternetMessageID), nullString(in.InReplyTo), nullString(in.References),
		nullUnix(in.SentAt), nullUnix(in.ReceivedAt), nullUnix(in.ReadAt),
		nullString(in.Snippet), nullString(in.BodyPreview), in.SizeBytes,
		nullString(in.BodyTextPath), nullString(in.BodyHTMLPath), headers,
	}, nil
}

var messageWriteColumns = []string{
	"thread_id", "folder_id", "direction", "status", "subject", "sender_name", "sender_email",
	"to_recipients", "cc_recipients", "bcc_recipients", "internet_message_id", "in_reply_to",
	"references_header", "sent_at", "received_at", "read_at", "snippet", "body_preview", "size_bytes",
	"body_text_path", "body_html_path", "headers",
}

func emptyToNil(v []string) interface{} {
	if len(v) == 0 {
		return nil
	}
	return v
}

func (s *Store) findMessageWhere(ctx context.Context, where string, args ...interface{}) (*model.Message, error) {
	var row messageRow
	if err := s.q.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM email_messages WHERE `+where, args...); err != nil {
		return nil, notFound(err)
	}
	return row.toModel()
}

func (s *Store) FindMessage(ctx context.Context, id int64) (*model.Message, error) {
	return s.findMessageWhere(ctx, "id = ?", id)
}

func (s *Store) FindMessageByExternalUID(ctx context.Context, accountID int64, uid string) (*model.Message, error) {
	return s.findMessageWhere(ctx, "account_id = ? AND external_uid = ?", accountID, uid)
}

func (s *Store) FindMessageByInternetMessageID(ctx context.Context, accountID int64, internetMessageID string) (*model.Message, error) {
	return s.findMessageWhere(ctx, "account_id = ? AND internet_message_id = ?", accountID, internetMessageID)
}

func (s *Store) UpsertMessageByExternalUID(ctx context.Context, accountID int64, uid string, in model.MessageInput) (int64, bool, error) {
	var (
		id      int64
		created bool
	)
	err := s.withTx(ctx, func(tx *Store) error {
		var existing int64
		err := tx.q.GetContext(ctx, &existing,
			`SELECT id FROM email_messages WHERE account_id = ? AND external_uid = ?`, accountID, uid)
		switch {
		case err == sql.ErrNoRows:
			id, err = tx.insertMessage(ctx, accountID, uid, in)
			if err != nil {
				return err
			}
			created = true
			return nil
		case err != nil:
			return fmt.Errorf("failed to look up message uid: %w", err)
		}

		id = existing
		return tx.updateMessage(ctx, existing, uid, in)
	})
	if err != nil {
		return 0, false, err
	}
	return id, created, nil
}

func (s *Store) InsertMessage(ctx context.Context, accountID int64, in model.MessageInput) (int64, error) {
	return s.insertMessage(ctx, accountID, "", in)
}

func (s *Store) AssignExternalUID(ctx context.Context, id int64, uid string, in model.MessageInput) error {
	return s.updateMessage(ctx, id, uid, in)
}

func (s *Store) insertMessage(ctx context.Context, accountID int64, uid string, in model.MessageInput) (int64, error) {
	args, err := messageArgs(in)
	if err != nil {
		return 0, fmt.Errorf("failed to encode message: %w", err)
	}
	now := s.unixNow()

	cols := append([]string{"account_id", "external_uid"}, messageWriteColumns...)
	cols = append(cols, "created_at", "updated_at")
	values := append([]interface{}{accountID, nullString(uid)}, args...)
	values = append(values, now, now)

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO email_messages (`+strings.Join(cols, ", ")+`) VALUES (`+placeholders+`)`, values...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}
	return res.LastInsertId()
}

// updateMessage 刷新可写列；read_at 已设置时不会被清空
func (s *Store) updateMessage(ctx context.Context, id int64, uid string, in model.MessageInput) error {
	args, err := messageArgs(in)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	sets := make([]string, 0, len(messageWriteColumns)+2)
	for _, col := range messageWriteColumns {
		switch col {
		case "read_at", "thread_id", "folder_id":
			sets = append(sets, col+" = COALESCE(?, "+col+")")
		default:
			sets = append(sets, col+" = ?")
		}
	}
	sets = append(sets, "external_uid = COALESCE(?, external_uid)", "updated_at = ?")
	args = append(args, nullString(uid), s.unixNow(), id)

	return s.execOne(ctx, `UPDATE email_messages SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
}

func (s *Store) ListThreadMessages(ctx context.Context, threadID int64) ([]model.Message, error) {
	var rows []messageRow
	err := s.q.SelectContext(ctx, &rows, `
		SELECT `+messageColumns+`
		FROM email_messages
		WHERE thread_id = ?
		ORDER BY COALESCE(received_at, sent_at, created_at), id`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list thread messages: %w", err)
	}

	out := make([]model.Message, 0, len(rows))
	for _, r := range rows {
		m, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, nil
}

// MarkThreadMessagesRead 按消息所在文件夹统计被标记的条数
func (s *Store) MarkThreadMessagesRead(ctx context.Context, threadID int64, upToMessageID *int64) (model.FolderCounts, error) {
	query := `
		UPDATE email_messages
		SET read_at = ?, updated_at = ?
		WHERE thread_id = ? AND direction = 'inbound' AND read_at IS NULL`
	now := s.unixNow()
	args := []interface{}{now, now, threadID}
	if upToMessageID != nil {
		query += ` AND id <= ?`
		args = append(args, *upToMessageID)
	}

	var folders []sql.NullInt64
	if err := s.q.SelectContext(ctx, &folders, query+` RETURNING folder_id`, args...); err != nil {
		return nil, fmt.Errorf("failed to mark thread messages read: %w", err)
	}
	counts := model.FolderCounts{}
	for _, f := range folders {
		counts[f.Int64]++
	}
	return counts, nil
}

type participantRow struct {
	ID        int64          `db:"id"`
	MessageID int64          `db:"message_id"`
	Role      string         `db:"role"`
	Name      sql.NullString `db:"name"`
	Email     string         `db:"email"`
	ContactID sql.NullInt64  `db:"contact_id"`
	ClientID  sql.NullInt64  `db:"client_id"`
	CreatedAt int64          `db:"created_at"`
}

func (s *Store) ReplaceParticipants(ctx context.Context, messageID int64, participants []model.Participant) error {
	return s.withTx(ctx, func(tx *Store) error {
		if _, err := tx.q.ExecContext(ctx, `DELETE FROM email_message_participants WHERE message_id = ?`, messageID); err != nil {
			return fmt.Errorf("failed to clear participants: %w", err)
		}
		now := tx.unixNow()
		for _, p := range participants {
			email := strings.ToLower(strings.TrimSpace(p.Email))
			if email == "" {
				continue
			}
			_, err := tx.q.ExecContext(ctx, `
				INSERT INTO email_message_participants (message_id, role, name, email, contact_id, client_id, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				messageID, string(p.Role), nullString(p.Name), email, nullInt64(p.ContactID), nullInt64(p.ClientID), now,
			)
			if err != nil {
				return fmt.Errorf("failed to insert participant: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) ListParticipants(ctx context.Context, messageID int64) ([]model.Participant, error) {
	var rows []participantRow
	err := s.q.SelectContext(ctx, &rows, `
		SELECT id, message_id, role, name, email, contact_id, client_id, created_at
		FROM email_message_participants WHERE message_id = ? ORDER BY id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	out := make([]model.Participant, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Participant{
			ID:        r.ID,
			MessageID: r.MessageID,
			Role:      model.ParticipantRole(r.Role),
			Name:      r.Name.String,
			Email:     r.Email,
			ContactID: fromNullInt64(r.ContactID),
			ClientID:  fromNullInt64(r.ClientID),
			CreatedAt: fromUnix(r.CreatedAt),
		})
	}
	return out, nil
}

type attachmentRow struct {
	ID          int64          `db:"id"`
	MessageID   int64          `db:"message_id"`
	Filename    string         `db:"filename"`
	MimeType    sql.NullString `db:"mime_type"`
	SizeBytes   int64          `db:"size_bytes"`
	StoragePath string         `db:"storage_path"`
	Checksum    sql.NullString `db:"checksum"`
	CreatedAt   int64          `db:"created_at"`
}

func (s *Store) InsertAttachments(ctx context.Context, messageID int64, attachments []model.Attachment) error {
	if len(attachments) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *Store) error {
		now := tx.unixNow()
		for _, a := range attachments {
			_, err := tx.q.ExecContext(ctx, `
				INSERT INTO email_attachments (message_id, filename, mime_type, size_bytes, storage_path, checksum, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				messageID, a.Filename, nullString(a.MimeType), a.SizeBytes, a.StoragePath, nullString(a.Checksum), now,
			)
			if err != nil {
				return fmt.Errorf("failed to insert attachment: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) ListAttachments(ctx context.Context, messageID int64) ([]model.Attachment, error) {
	var rows []attachmentRow
	err := s.q.SelectContext(ctx, &rows, `
		SELECT id, message_id, filename, mime_type, size_bytes, storage_path, checksum, created_at
		FROM email_attachments WHERE message_id = ? ORDER BY id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}
	out := make([]model.Attachment, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Attachment{
			ID:          r.ID,
			MessageID:   r.MessageID,
			Filename:    r.Filename,
			MimeType:    r.MimeType.String,
			SizeBytes:   r.SizeBytes,
			StoragePath: r.StoragePath,
			Checksum:    r.Checksum.String,
			CreatedAt:   fromUnix(r.CreatedAt),
		})
	}
	return out, nil
}

func (s *Store) InMailboxTx(ctx context.Context, fn func(store.MailboxStore) error) error {
	return s.withTx(ctx, func(tx *Store) error {
		return fn(tx)
	})
}
