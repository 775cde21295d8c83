// Package transport hands composed messages to a mail gateway.
package transport

import (
	"context"
	"errors"
	"net"

	"github.com/emersion/go-smtp"

	"mailpipeline/internal/guard"
	"mailpipeline/pkg/circuitbreaker"
)

// Envelope is one outbound message for one recipient.
type Envelope struct {
	AccountID int64
	FromName  string
	FromEmail string
	ReplyTo   string
	ToName    string
	ToEmail   string
	Subject   string
	Text      string
	HTML      string
	// Headers are extra headers, e.g. X-Campaign.
	Headers map[string]string
}

// Transport sends an envelope and returns the gateway message id.
type Transport interface {
	Gateway() string
	Send(ctx context.Context, env Envelope) (messageID string, err error)
}

// Classify maps a send error to a bounce class. SMTP 5xx replies are hard,
// 4xx replies, network errors and an open breaker are soft; anything else is
// decided by the provider message text.
func Classify(err error) guard.Classification {
	if err == nil {
		return guard.ClassNone
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		switch {
		case smtpErr.Code >= 500:
			return guard.ClassHardBounce
		case smtpErr.Code >= 400:
			return guard.ClassSoftBounce
		}
	}

	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) ||
		errors.Is(err, context.DeadlineExceeded) {
		return guard.ClassSoftBounce
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return guard.ClassSoftBounce
	}

	return guard.ClassifyError(err.Error())
}
