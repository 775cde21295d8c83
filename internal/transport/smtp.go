package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"mailpipeline/internal/account"
	"mailpipeline/pkg/config"
	"mailpipeline/pkg/otel"
)

const GatewaySMTP = "smtp"

type Accounts interface {
	Get(id int64) (account.Account, error)
}

// SMTPTransport submits each envelope over a fresh authenticated SMTP session
// using the sending account's endpoint.
type SMTPTransport struct {
	accounts Accounts
	timeout  time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewSMTPTransport(accounts Accounts, timeout time.Duration, logger *zap.Logger) *SMTPTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SMTPTransport{
		accounts: accounts,
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}
}

func (t *SMTPTransport) Gateway() string { return GatewaySMTP }

func (t *SMTPTransport) Send(ctx context.Context, env Envelope) (messageID string, err error) {
	ctx, span := otel.TransportSpan(ctx, GatewaySMTP, env.AccountID)
	defer func() { otel.EndSpan(span, err) }()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	acct, err := t.accounts.Get(env.AccountID)
	if err != nil {
		return "", err
	}

	body, messageID, err := Compose(env, t.now())
	if err != nil {
		return "", err
	}

	client, err := t.dial(acct.SMTP)
	if err != nil {
		return "", err
	}
	defer client.Close()

	if acct.SMTP.Username != "" {
		auth := sasl.NewPlainClient("", acct.SMTP.Username, acct.SMTP.Password)
		if err := client.Auth(auth); err != nil {
			return "", fmt.Errorf("smtp auth for account %d: %w", acct.ID, err)
		}
	}

	if err := client.SendMail(env.FromEmail, []string{env.ToEmail}, bytes.NewReader(body)); err != nil {
		return "", err
	}
	if err := client.Quit(); err != nil {
		t.logger.Debug("SMTP QUIT failed after accepted message",
			zap.Int64("account_id", acct.ID),
			zap.Error(err),
		)
	}

	t.logger.Debug("Message handed to SMTP",
		zap.Int64("account_id", acct.ID),
		zap.String("message_id", messageID),
	)
	return messageID, nil
}

func (t *SMTPTransport) dial(ep config.EndpointConfig) (*smtp.Client, error) {
	if ep.Host == "" {
		return nil, fmt.Errorf("smtp host not configured")
	}

	encryption := strings.ToLower(ep.Encryption)
	port := ep.Port
	if port == 0 {
		switch encryption {
		case "tls", "starttls":
			port = 587
		case "none":
			port = 25
		default:
			port = 465
		}
	}
	addr := net.JoinHostPort(ep.Host, strconv.Itoa(port))

	var (
		client *smtp.Client
		err    error
	)
	switch encryption {
	case "tls", "starttls":
		client, err = smtp.DialStartTLS(addr, nil)
	case "none":
		client, err = smtp.Dial(addr)
	default:
		client, err = smtp.DialTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to SMTP %s: %w", addr, err)
	}
	client.CommandTimeout = t.timeout
	client.SubmissionTimeout = t.timeout
	return client, nil
}

// Compose renders env as an RFC 5322 message and returns it with its generated
// Message-ID. Text and HTML together become multipart/alternative.
func Compose(env Envelope, date time.Time) ([]byte, string, error) {
	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{{Name: env.FromName, Address: env.FromEmail}})
	h.SetAddressList("To", []*mail.Address{{Name: env.ToName, Address: env.ToEmail}})
	if env.ReplyTo != "" {
		h.SetAddressList("Reply-To", []*mail.Address{{Address: env.ReplyTo}})
	}
	h.SetSubject(env.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, "", fmt.Errorf("failed to generate message id: %w", err)
	}
	messageID, err := h.MessageID()
	if err != nil {
		return nil, "", err
	}

	keys := make([]string, 0, len(env.Headers))
	for k := range env.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Set(k, env.Headers[k])
	}

	var buf bytes.Buffer
	if env.Text != "" && env.HTML != "" {
		w, err := mail.CreateInlineWriter(&buf, h)
		if err != nil {
			return nil, "", err
		}
		if err := writePart(w, "text/plain", env.Text); err != nil {
			return nil, "", err
		}
		if err := writePart(w, "text/html", env.HTML); err != nil {
			return nil, "", err
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), messageID, nil
	}

	contentType, content := "text/plain", env.Text
	if env.HTML != "" {
		contentType, content = "text/html", env.HTML
	}
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.WriteString(w, content); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), messageID, nil
}

func writePart(w *mail.InlineWriter, contentType, content string) error {
	var h mail.InlineHeader
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	pw, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(pw, content); err != nil {
		return err
	}
	return pw.Close()
}
