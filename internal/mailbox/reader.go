// Package mailbox pulls remote folders into the local thread/message store.
package mailbox

import (
	"context"
	"time"

	"mailpipeline/internal/account"
)

type RemoteFolder struct {
	Name string
	// SpecialUse is the RFC 6154 attribute without backslash ("Sent", "Trash"), if any.
	SpecialUse string
}

type Address struct {
	Name  string
	Email string
}

type RemoteAttachment struct {
	Filename string
	MimeType string
	Content  []byte
}

// RemoteMessage is one fetched message. When Err is set the message could not be
// parsed and only UID is meaningful.
type RemoteMessage struct {
	UID         uint32
	MessageID   string
	InReplyTo   string
	References  []string
	Subject     string
	From        Address
	To          []Address
	Cc          []Address
	Bcc         []Address
	Date        time.Time
	Flags       []string
	TextBody    string
	HTMLBody    string
	Size        int64
	Headers     map[string]string
	Attachments []RemoteAttachment
	Err         error
}

// Seen reports whether the \Seen flag is set.
func (m RemoteMessage) Seen() bool {
	for _, f := range m.Flags {
		if f == `\Seen` || f == "seen" {
			return true
		}
	}
	return false
}

// Reader is the remote mailbox surface. Fetch returns messages with UID greater
// than afterUID in ascending UID order, at most limit of them.
type Reader interface {
	ListFolders(ctx context.Context, acct account.Account) ([]RemoteFolder, error)
	Fetch(ctx context.Context, acct account.Account, folder string, afterUID uint32, limit int) ([]RemoteMessage, error)
}
