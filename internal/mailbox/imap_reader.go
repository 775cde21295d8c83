package mailbox

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"go.uber.org/zap"

	"mailpipeline/internal/account"
)

// IMAPReader reads folders over IMAP, one connection per call. Folders are
// opened read-only and bodies are fetched with PEEK so \Seen is left alone.
type IMAPReader struct {
	logger *zap.Logger
}

func NewIMAPReader(logger *zap.Logger) *IMAPReader {
	return &IMAPReader{logger: logger}
}

func (r *IMAPReader) connect(ctx context.Context, acct account.Account) (*imapclient.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ep := acct.IMAP
	if ep.Host == "" {
		return nil, fmt.Errorf("account %d has no imap host", acct.ID)
	}

	encryption := strings.ToLower(ep.Encryption)
	port := ep.Port
	if port == 0 {
		port = 993
		if encryption == "tls" || encryption == "none" {
			port = 143
		}
	}
	addr := net.JoinHostPort(ep.Host, strconv.Itoa(port))

	var (
		client *imapclient.Client
		err    error
	)
	switch encryption {
	case "tls", "starttls":
		client, err = imapclient.DialStartTLS(addr, nil)
	case "none":
		client, err = imapclient.DialInsecure(addr, nil)
	default:
		client, err = imapclient.DialTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := client.Login(ep.Username, ep.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("imap login failed for account %d: %w", acct.ID, err)
	}
	return client, nil
}

func (r *IMAPReader) ListFolders(ctx context.Context, acct account.Account) ([]RemoteFolder, error) {
	client, err := r.connect(ctx, acct)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	mailboxes, err := client.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("listing mailboxes: %w", err)
	}

	folders := make([]RemoteFolder, 0, len(mailboxes))
	for _, mb := range mailboxes {
		folder := RemoteFolder{Name: mb.Mailbox}
		selectable := true
		for _, attr := range mb.Attrs {
			switch attr {
			case imap.MailboxAttrNoSelect, imap.MailboxAttrNonExistent:
				selectable = false
			case imap.MailboxAttrSent, imap.MailboxAttrTrash, imap.MailboxAttrDrafts, imap.MailboxAttrJunk,
				imap.MailboxAttrArchive, imap.MailboxAttrAll, imap.MailboxAttrFlagged, imap.MailboxAttrImportant:
				folder.SpecialUse = strings.TrimPrefix(string(attr), `\`)
			}
		}
		if selectable {
			folders = append(folders, folder)
		}
	}
	return folders, nil
}

func (r *IMAPReader) Fetch(ctx context.Context, acct account.Account, folder string, afterUID uint32, limit int) ([]RemoteMessage, error) {
	client, err := r.connect(ctx, acct)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	if _, err := client.Select(folder, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return nil, fmt.Errorf("selecting %s: %w", folder, err)
	}

	// N:* always matches the highest UID, so filter again below.
	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{{imap.UIDRange{Start: imap.UID(afterUID + 1), Stop: 0}}},
	}
	data, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", folder, err)
	}

	var uids []imap.UID
	for _, uid := range data.AllUIDs() {
		if uint32(uid) > afterUID {
			uids = append(uids, uid)
		}
	}
	if len(uids) == 0 {
		return nil, nil
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	// oldest first, so the token never jumps over unfetched mail
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}

	section := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:         true,
		Flags:       true,
		RFC822Size:  true,
		BodySection: []*imap.FetchItemBodySection{section},
	})
	defer fetchCmd.Close()

	out := make([]RemoteMessage, 0, len(uids))
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			return nil, fmt.Errorf("collecting message data: %w", err)
		}

		flags := make([]string, len(buf.Flags))
		for i, f := range buf.Flags {
			flags[i] = string(f)
		}
		raw := buf.FindBodySection(section)
		if raw == nil {
			out = append(out, RemoteMessage{
				UID:   uint32(buf.UID),
				Flags: flags,
				Err:   fmt.Errorf("message %d returned no body", buf.UID),
			})
			continue
		}
		m := ParseMessage(uint32(buf.UID), raw, flags)
		if buf.RFC822Size > 0 {
			m.Size = buf.RFC822Size
		}
		out = append(out, m)
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetching %s: %w", folder, err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	r.logger.Debug("IMAP fetch finished",
		zap.Int64("account_id", acct.ID),
		zap.String("folder", folder),
		zap.Uint32("after_uid", afterUID),
		zap.Int("messages", len(out)),
	)
	return out, nil
}
