package mailbox

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"mailpipeline/internal/model"
	"mailpipeline/internal/store"
)

const (
	SnippetLength     = 180
	bodyPreviewLength = 1000
	NoSubject         = "(sem assunto)"
)

// headers kept on the message row
var keptHeaders = []string{"Message-Id", "In-Reply-To", "References", "Return-Path", "List-Unsubscribe", "Auto-Submitted", "Precedence"}

// ParseMessage decodes a raw RFC 5322 message.
func ParseMessage(uid uint32, raw []byte, flags []string) RemoteMessage {
	msg := RemoteMessage{UID: uid, Flags: flags, Size: int64(len(raw))}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		msg.Err = fmt.Errorf("failed to read message %d: %w", uid, err)
		return msg
	}
	defer mr.Close()

	h := mr.Header
	if msg.Subject, err = h.Subject(); err != nil {
		msg.Subject = h.Get("Subject")
	}
	msg.Subject = strings.TrimSpace(msg.Subject)
	msg.MessageID, _ = h.MessageID()
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		msg.InReplyTo = ids[0]
	}
	if ids, err := h.MsgIDList("References"); err == nil {
		msg.References = ids
	}
	if date, err := h.Date(); err == nil {
		msg.Date = date
	}

	from := addresses(h, "From")
	if len(from) == 0 {
		msg.Err = fmt.Errorf("message %d has no valid From address", uid)
		return msg
	}
	msg.From = from[0]
	msg.To = addresses(h, "To")
	msg.Cc = addresses(h, "Cc")
	msg.Bcc = addresses(h, "Bcc")

	msg.Headers = make(map[string]string)
	for _, k := range keptHeaders {
		if v := h.Get(k); v != "" {
			msg.Headers[k] = v
		}
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			msg.Err = fmt.Errorf("failed to read part of message %d: %w", uid, err)
			return msg
		}

		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := ph.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case contentType == "text/html" && msg.HTMLBody == "":
				msg.HTMLBody = string(body)
			case strings.HasPrefix(contentType, "text/") && msg.TextBody == "":
				msg.TextBody = string(body)
			}
		case *mail.AttachmentHeader:
			filename, _ := ph.Filename()
			contentType, _, _ := ph.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil || len(body) == 0 || strings.TrimSpace(filename) == "" {
				continue
			}
			msg.Attachments = append(msg.Attachments, RemoteAttachment{
				Filename: strings.TrimSpace(filename),
				MimeType: contentType,
				Content:  body,
			})
		}
	}
	return msg
}

func addresses(h mail.Header, key string) []Address {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]Address, 0, len(list))
	for _, a := range list {
		email := strings.ToLower(strings.TrimSpace(a.Address))
		if email == "" || !strings.Contains(email, "@") {
			continue
		}
		out = append(out, Address{Name: strings.TrimSpace(a.Name), Email: email})
	}
	return out
}

var (
	tagPattern        = regexp.MustCompile(`(?s)<[^>]*>`)
	scriptPattern     = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	whitespacePattern = regexp.MustCompile(`[\s\p{Zs}]+`)
	replyPrefix       = regexp.MustCompile(`(?i)^(re|fw|fwd)\s*:`)
)

// StripTags turns an HTML body into plain text.
func StripTags(body string) string {
	text := scriptPattern.ReplaceAllString(body, " ")
	text = tagPattern.ReplaceAllString(text, " ")
	return html.UnescapeString(text)
}

// Snippet collapses whitespace and keeps the first SnippetLength runes.
func Snippet(body string) string {
	if body == "" {
		return ""
	}
	text := whitespacePattern.ReplaceAllString(StripTags(body), " ")
	return strings.TrimSpace(store.Truncate(text, SnippetLength))
}

// SubjectOrDefault returns the trimmed subject, or NoSubject when blank.
func SubjectOrDefault(subject string) string {
	s := strings.TrimSpace(subject)
	if s == "" {
		return NoSubject
	}
	return s
}

// NormalizeSubject strips any number of leading Re:/Fw:/Fwd: prefixes.
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for replyPrefix.MatchString(s) {
		s = strings.TrimSpace(replyPrefix.ReplaceAllString(s, ""))
	}
	if s == "" {
		return NoSubject
	}
	return s
}

// DetectFolderType guesses the folder role from its special-use attribute or name.
func DetectFolderType(remoteName, specialUse string) model.FolderType {
	switch strings.ToLower(specialUse) {
	case "sent":
		return model.FolderSent
	case "trash":
		return model.FolderTrash
	case "drafts":
		return model.FolderDrafts
	case "junk":
		return model.FolderSpam
	case "archive", "all":
		return model.FolderArchive
	case "important":
		return model.FolderImportant
	case "flagged":
		return model.FolderStarred
	}

	upper := strings.ToUpper(remoteName)
	switch {
	case upper == "INBOX":
		return model.FolderInbox
	case containsAny(upper, "SENT", "ENVIAD"):
		return model.FolderSent
	case containsAny(upper, "TRASH", "LIXEIRA"):
		return model.FolderTrash
	case containsAny(upper, "DRAFT", "RASCUNH"):
		return model.FolderDrafts
	case containsAny(upper, "SPAM", "JUNK"):
		return model.FolderSpam
	case containsAny(upper, "ALL MAIL", "ALLMAIL", "ARQUIVO", "TODOS OS E-MAILS", "TODOS OS EMAILS"):
		return model.FolderArchive
	case containsAny(upper, "IMPORTANT"):
		return model.FolderImportant
	case containsAny(upper, "STARRED", "ESTRELA"):
		return model.FolderStarred
	}
	return model.FolderCustom
}

// FolderPriority ranks folders when a thread spans several; the higher one owns the thread.
func FolderPriority(t model.FolderType) int {
	switch t {
	case model.FolderTrash:
		return 130
	case model.FolderSpam:
		return 120
	case model.FolderInbox:
		return 100
	case model.FolderImportant:
		return 95
	case model.FolderStarred:
		return 90
	case model.FolderSent:
		return 80
	case model.FolderDrafts:
		return 70
	case model.FolderArchive:
		return 60
	}
	return 50
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
