package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"mailpipeline/internal/model"
	"mailpipeline/internal/store"
)

const folderColumns = `id, account_id, remote_name, display_name, type, sync_token, last_synced_at,
	unread_count, created_at, updated_at`

func scanFolder(row pgx.Row) (*model.Folder, error) {
	var (
		f           model.Folder
		displayName *string
		folderType  string
		syncToken   *string
	)
	err := row.Scan(&f.ID, &f.AccountID, &f.RemoteName, &displayName, &folderType, &syncToken,
		&f.LastSyncedAt, &f.UnreadCount, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	f.DisplayName = deref(displayName)
	f.Type = model.FolderType(folderType)
	f.SyncToken = deref(syncToken)
	return &f, nil
}

func (s *Store) UpsertFolder(ctx context.Context, accountID int64, remoteName, displayName string, folderType model.FolderType) (*model.Folder, error) {
	f, err := scanFolder(s.q.QueryRow(ctx, `
		INSERT INTO email_folders (account_id, remote_name, display_name, type)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id, remote_name) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			type = EXCLUDED.type,
			updated_at = NOW()
		RETURNING `+folderColumns,
		accountID, remoteName, nullIfEmpty(displayName), string(folderType),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert folder: %w", err)
	}
	return f, nil
}

func (s *Store) FindFolder(ctx context.Context, id int64) (*model.Folder, error) {
	f, err := scanFolder(s.q.QueryRow(ctx, `SELECT `+folderColumns+` FROM email_folders WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return f, nil
}

func (s *Store) FindFolderByRemoteName(ctx context.Context, accountID int64, remoteName string) (*model.Folder, error) {
	f, err := scanFolder(s.q.QueryRow(ctx,
		`SELECT `+folderColumns+` FROM email_folders WHERE account_id = $1 AND remote_name = $2`,
		accountID, remoteName))
	if err != nil {
		return nil, notFound(err)
	}
	return f, nil
}

func (s *Store) MarkFolderSynced(ctx context.Context, folderID int64, syncToken string) error {
	return s.execOne(ctx, `
		UPDATE email_folders
		SET sync_token = $2, last_synced_at = NOW(), updated_at = NOW()
		WHERE id = $1`, folderID, nullIfEmpty(syncToken))
}

func (s *Store) AdjustFolderUnread(ctx context.Context, folderID int64, delta int) error {
	return s.execOne(ctx, `
		UPDATE email_folders
		SET unread_count = GREATEST(unread_count + $2, 0), updated_at = NOW()
		WHERE id = $1`, folderID, delta)
}

const threadColumns = `id, account_id, folder_id, subject, snippet, primary_contact_id, primary_client_id,
	last_message_at, unread_count, flags, created_at, updated_at`

func scanThread(row pgx.Row) (*model.Thread, error) {
	var (
		t       model.Thread
		subject *string
		snippet *string
		flags   []byte
	)
	err := row.Scan(&t.ID, &t.AccountID, &t.FolderID, &subject, &snippet, &t.PrimaryContactID,
		&t.PrimaryClientID, &t.LastMessageAt, &t.UnreadCount, &flags, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Subject = deref(subject)
	t.Snippet = deref(snippet)
	if len(flags) > 0 {
		t.Flags = flags
	}
	return &t, nil
}

func (s *Store) FindThread(ctx context.Context, id int64) (*model.Thread, error) {
	t, err := scanThread(s.q.QueryRow(ctx, `SELECT `+threadColumns+` FROM email_threads WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return t, nil
}

func (s *Store) FindThreadBySubject(ctx context.Context, accountID int64, subject string) (*model.Thread, error) {
	t, err := scanThread(s.q.QueryRow(ctx, `
		SELECT `+threadColumns+`
		FROM email_threads
		WHERE account_id = $1 AND subject = $2
		ORDER BY updated_at DESC, id DESC
		LIMIT 1`, accountID, subject))
	if err != nil {
		return nil, notFound(err)
	}
	return t, nil
}

func (s *Store) CreateThread(ctx context.Context, t model.Thread) (int64, error) {
	var flags []byte
	if len(t.Flags) > 0 {
		flags = t.Flags
	}
	var id int64
	err := s.q.QueryRow(ctx, `
		INSERT INTO email_threads (account_id, folder_id, subject, snippet, primary_contact_id, primary_client_id,
			last_message_at, unread_count, flags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, GREATEST($8, 0), $9)
		RETURNING id`,
		t.AccountID, t.FolderID, t.Subject, nullIfEmpty(t.Snippet), t.PrimaryContactID, t.PrimaryClientID,
		t.LastMessageAt, t.UnreadCount, flags,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create thread: %w", err)
	}
	return id, nil
}

// TouchThread 部分更新；未读数按增量调整并在 0 处截断
func (s *Store) TouchThread(ctx context.Context, id int64, touch model.ThreadTouch) error {
	sets := []string{"updated_at = NOW()"}
	args := []any{id}
	add := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, strings.ReplaceAll(expr, "?", "$"+strconv.Itoa(len(args))))
	}

	if touch.Subject != nil {
		add("subject = ?", *touch.Subject)
	}
	if touch.Snippet != nil {
		add("snippet = ?", *touch.Snippet)
	}
	if touch.FolderID != nil {
		add("folder_id = ?", *touch.FolderID)
	}
	if touch.LastMessageAt != nil {
		add("last_message_at = ?", *touch.LastMessageAt)
	}
	if touch.UnreadDelta != 0 {
		add("unread_count = GREATEST(unread_count + ?, 0)", touch.UnreadDelta)
	}

	return s.execOne(ctx, `UPDATE email_threads SET `+strings.Join(sets, ", ")+` WHERE id = $1`, args...)
}

const messageColumns = `id, account_id, thread_id, folder_id, direction, status, subject, sender_name,
	sender_email, to_recipients, cc_recipients, bcc_recipients, external_uid, internet_message_id,
	in_reply_to, references_header, sent_at, received_at, read_at, snippet, body_preview, size_bytes,
	body_text_path, body_html_path, headers, created_at, updated_at`

func scanMessage(row pgx.Row) (*model.Message, error) {
	var (
		m                                            model.Message
		direction                                    string
		subject, senderName, externalUID, internetID *string
		inReplyTo, references, snippet, bodyPreview  *string
		bodyTextPath, bodyHTMLPath                   *string
		to, cc, bcc, headers                         []byte
	)
	err := row.Scan(&m.ID, &m.AccountID, &m.ThreadID, &m.FolderID, &direction, &m.Status, &subject,
		&senderName, &m.SenderEmail, &to, &cc, &bcc, &externalUID, &internetID, &inReplyTo, &references,
		&m.SentAt, &m.ReceivedAt, &m.ReadAt, &snippet, &bodyPreview, &m.SizeBytes, &bodyTextPath,
		&bodyHTMLPath, &headers, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}

	m.Direction = model.Direction(direction)
	m.Subject = deref(subject)
	m.SenderName = deref(senderName)
	m.ExternalUID = deref(externalUID)
	m.InternetMessageID = deref(internetID)
	m.InReplyTo = deref(inReplyTo)
	m.References = deref(references)
	m.Snippet = deref(snippet)
	m.BodyPreview = deref(bodyPreview)
	m.BodyTextPath = deref(bodyTextPath)
	m.BodyHTMLPath = deref(bodyHTMLPath)

	for _, col := range []struct {
		src []byte
		dst any
	}{{to, &m.To}, {cc, &m.Cc}, {bcc, &m.Bcc}, {headers, &m.Headers}} {
		if len(col.src) == 0 {
			continue
		}
		if err := json.Unmarshal(col.src, col.dst); err != nil {
			return nil, fmt.Errorf("failed to decode message %d: %w", m.ID, err)
		}
	}
	return &m, nil
}

func jsonb(v any) ([]byte, error) {
	switch val := v.(type) {
	case []string:
		if len(val) == 0 {
			return nil, nil
		}
	case map[string]string:
		if len(val) == 0 {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

// messageValues 与 messageWriteColumns 顺序一致
func messageValues(in model.MessageInput) ([]any, error) {
	var encoded [4][]byte
	for i, v := range []any{in.To, in.Cc, in.Bcc, in.Headers} {
		b, err := jsonb(v)
		if err != nil {
			return nil, err
		}
		encoded[i] = b
	}

	direction := in.Direction
	if direction == "" {
		direction = model.Inbound
	}
	status := in.Status
	if status == "" {
		status = "received"
	}

	return []any{
		in.ThreadID, in.FolderID, string(direction), status,
		nullIfEmpty(in.Subject), nullIfEmpty(in.SenderName), in.SenderEmail,
		encoded[0], encoded[1], encoded[2],
		nullIfEmpty(in.InternetMessageID), nullIfEmpty(in.InReplyTo), nullIfEmpty(in.References),
		in.SentAt, in.ReceivedAt, in.ReadAt,
		nullIfEmpty(in.Snippet), nullIfEmpty(in.BodyPreview), in.SizeBytes,
		nullIfEmpty(in.BodyTextPath), nullIfEmpty(in.BodyHTMLPath), encoded[3],
	}, nil
}

var messageWriteColumns = []string{
	"thread_id", "folder_id", "direction", "status", "subject", "sender_name", "sender_email",
	"to_recipients", "cc_recipients", "bcc_recipients", "internet_message_id", "in_reply_to",
	"references_header", "sent_at", "received_at", "read_at", "snippet", "body_preview", "size_bytes",
	"body_text_path", "body_html_path", "headers",
}

// 更新时这些列为空则保留原值
var keepOnNull = map[string]bool{"thread_id": true, "folder_id": true, "read_at": true}

func placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "$" + strconv.Itoa(from+i)
	}
	return strings.Join(parts, ", ")
}

func (s *Store) findMessageWhere(ctx context.Context, where string, args ...any) (*model.Message, error) {
	m, err := scanMessage(s.q.QueryRow(ctx, `SELECT `+messageColumns+` FROM email_messages WHERE `+where, args...))
	if err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

func (s *Store) FindMessage(ctx context.Context, id int64) (*model.Message, error) {
	return s.findMessageWhere(ctx, "id = $1", id)
}

func (s *Store) FindMessageByExternalUID(ctx context.Context, accountID int64, uid string) (*model.Message, error) {
	return s.findMessageWhere(ctx, "account_id = $1 AND external_uid = $2", accountID, uid)
}

func (s *Store) FindMessageByInternetMessageID(ctx context.Context, accountID int64, internetMessageID string) (*model.Message, error) {
	return s.findMessageWhere(ctx, "account_id = $1 AND internet_message_id = $2", accountID, internetMessageID)
}

// UpsertMessageByExternalUID 依赖 (account_id, external_uid) 唯一索引；xmax = 0 表示本次为插入
func (s *Store) UpsertMessageByExternalUID(ctx context.Context, accountID int64, uid string, in model.MessageInput) (int64, bool, error) {
	values, err := messageValues(in)
	if err != nil {
		return 0, false, fmt.Errorf("failed to encode message: %w", err)
	}

	updates := make([]string, 0, len(messageWriteColumns)+1)
	for _, col := range messageWriteColumns {
		if keepOnNull[col] {
			updates = append(updates, fmt.Sprintf("%s = COALESCE(EXCLUDED.%s, email_messages.%s)", col, col, col))
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", col, col))
	}
	updates = append(updates, "updated_at = NOW()")

	args := append([]any{accountID, uid}, values...)
	query := `
		INSERT INTO email_messages (account_id, external_uid, ` + strings.Join(messageWriteColumns, ", ") + `)
		VALUES ($1, $2, ` + placeholders(3, len(values)) + `)
		ON CONFLICT (account_id, external_uid) WHERE external_uid IS NOT NULL DO UPDATE SET
			` + strings.Join(updates, ",\n\t\t\t") + `
		RETURNING id, (xmax = 0) AS inserted`

	var (
		id      int64
		created bool
	)
	if err := s.q.QueryRow(ctx, query, args...).Scan(&id, &created); err != nil {
		return 0, false, fmt.Errorf("failed to upsert message: %w", err)
	}
	return id, created, nil
}

func (s *Store) InsertMessage(ctx context.Context, accountID int64, in model.MessageInput) (int64, error) {
	values, err := messageValues(in)
	if err != nil {
		return 0, fmt.Errorf("failed to encode message: %w", err)
	}

	var id int64
	err = s.q.QueryRow(ctx, `
		INSERT INTO email_messages (account_id, `+strings.Join(messageWriteColumns, ", ")+`)
		VALUES ($1, `+placeholders(2, len(values))+`)
		RETURNING id`,
		append([]any{accountID}, values...)...,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}
	return id, nil
}

func (s *Store) AssignExternalUID(ctx context.Context, id int64, uid string, in model.MessageInput) error {
	values, err := messageValues(in)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	args := []any{id, uid}
	sets := []string{"external_uid = $2", "updated_at = NOW()"}
	for i, col := range messageWriteColumns {
		args = append(args, values[i])
		p := "$" + strconv.Itoa(len(args))
		if keepOnNull[col] {
			sets = append(sets, fmt.Sprintf("%s = COALESCE(%s, %s)", col, p, col))
			continue
		}
		sets = append(sets, col+" = "+p)
	}

	return s.execOne(ctx, `UPDATE email_messages SET `+strings.Join(sets, ", ")+` WHERE id = $1`, args...)
}

func (s *Store) ListThreadMessages(ctx context.Context, threadID int64) ([]model.Message, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+messageColumns+`
		FROM email_messages
		WHERE thread_id = $1
		ORDER BY COALESCE(received_at, sent_at, created_at), id`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list thread messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// MarkThreadMessagesRead 按消息所在文件夹统计被标记的条数
func (s *Store) MarkThreadMessagesRead(ctx context.Context, threadID int64, upToMessageID *int64) (model.FolderCounts, error) {
	rows, err := s.q.Query(ctx, `
		UPDATE email_messages
		SET read_at = NOW(), updated_at = NOW()
		WHERE thread_id = $1
		  AND direction = 'inbound'
		  AND read_at IS NULL
		  AND ($2::bigint IS NULL OR id <= $2)
		RETURNING COALESCE(folder_id, 0)`, threadID, upToMessageID)
	if err != nil {
		return nil, fmt.Errorf("failed to mark thread messages read: %w", err)
	}
	defer rows.Close()

	counts := model.FolderCounts{}
	for rows.Next() {
		var folderID int64
		if err := rows.Scan(&folderID); err != nil {
			return nil, fmt.Errorf("failed to scan folder id: %w", err)
		}
		counts[folderID]++
	}
	return counts, rows.Err()
}

func (s *Store) ReplaceParticipants(ctx context.Context, messageID int64, participants []model.Participant) error {
	return s.withTx(ctx, func(tx *Store) error {
		if _, err := tx.q.Exec(ctx, `DELETE FROM email_message_participants WHERE message_id = $1`, messageID); err != nil {
			return fmt.Errorf("failed to clear participants: %w", err)
		}

		batch := &pgx.Batch{}
		for _, p := range participants {
			email := strings.ToLower(strings.TrimSpace(p.Email))
			if email == "" {
				continue
			}
			batch.Queue(`
				INSERT INTO email_message_participants (message_id, role, name, email, contact_id, client_id)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				messageID, string(p.Role), nullIfEmpty(p.Name), email, p.ContactID, p.ClientID)
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert participants: %w", err)
		}
		return nil
	})
}

func (s *Store) ListParticipants(ctx context.Context, messageID int64) ([]model.Participant, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, message_id, role, name, email, contact_id, client_id, created_at
		FROM email_message_participants WHERE message_id = $1 ORDER BY id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	defer rows.Close()

	var out []model.Participant
	for rows.Next() {
		var (
			p    model.Participant
			role string
			name *string
		)
		if err := rows.Scan(&p.ID, &p.MessageID, &role, &name, &p.Email, &p.ContactID, &p.ClientID, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		p.Role = model.ParticipantRole(role)
		p.Name = deref(name)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) InsertAttachments(ctx context.Context, messageID int64, attachments []model.Attachment) error {
	if len(attachments) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(attachments))
	now := time.Now()
	for _, a := range attachments {
		rows = append(rows, []any{messageID, a.Filename, nullIfEmpty(a.MimeType), a.SizeBytes, a.StoragePath, nullIfEmpty(a.Checksum), now})
	}
	return s.withTx(ctx, func(tx *Store) error {
		_, err := tx.tx.CopyFrom(ctx,
			pgx.Identifier{"email_attachments"},
			[]string{"message_id", "filename", "mime_type", "size_bytes", "storage_path", "checksum", "created_at"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("failed to insert attachments: %w", err)
		}
		return nil
	})
}

func (s *Store) ListAttachments(ctx context.Context, messageID int64) ([]model.Attachment, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, message_id, filename, mime_type, size_bytes, storage_path, checksum, created_at
		FROM email_attachments WHERE message_id = $1 ORDER BY id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}
	defer rows.Close()

	var out []model.Attachment
	for rows.Next() {
		var (
			a                  model.Attachment
			mimeType, checksum *string
		)
		if err := rows.Scan(&a.ID, &a.MessageID, &a.Filename, &mimeType, &a.SizeBytes, &a.StoragePath, &checksum, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		a.MimeType = deref(mimeType)
		a.Checksum = deref(checksum)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) InMailboxTx(ctx context.Context, fn func(store.MailboxStore) error) error {
	return s.withTx(ctx, func(tx *Store) error {
		return fn(tx)
	})
}
