// Package guard decides whether a recipient may be mailed and classifies
// provider errors into bounce kinds.
package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"

	"mailpipeline/internal/model"
	"mailpipeline/internal/store"
	"mailpipeline/pkg/metrics"
)

type Classification string

const (
	ClassNone       Classification = "none"
	ClassHardBounce Classification = "hard_bounce"
	ClassSoftBounce Classification = "soft_bounce"
)

const (
	ReasonInvalidEmail = "E-mail inválido."
	ReasonInactive     = "Contato inativo/suprimido."
	ReasonNoMX         = "Domínio sem MX válido."
	ReasonComplaint    = "Contato marcou como spam"
	ReasonOptOut       = "Contato opt-out/bloqueado."
	ReasonBounces      = "Contato com histórico de bounces."
)

// BounceThreshold is the bounce_count at which a contact stops receiving mail.
const BounceThreshold = 3

type Decision struct {
	Deliverable    bool           `json:"deliverable"`
	Reason         string         `json:"reason,omitempty"`
	ContactID      *int64         `json:"contact_id,omitempty"`
	Classification Classification `json:"classification"`
}

type ContactFinder interface {
	FindContactByEmail(ctx context.Context, email string) (*model.Contact, error)
}

// MXChecker reports whether a domain accepts mail.
type MXChecker interface {
	HasMX(ctx context.Context, domain string) bool
}

type Guard struct {
	contacts ContactFinder
	mx       MXChecker
	logger   *zap.Logger
}

func New(contacts ContactFinder, mx MXChecker, logger *zap.Logger) *Guard {
	return &Guard{contacts: contacts, mx: mx, logger: logger}
}

// Precheck evaluates the rules in order and returns the first rejection, or a
// deliverable decision. Only storage failures are returned as errors.
func (g *Guard) Precheck(ctx context.Context, email string) (Decision, error) {
	normalized, ok := NormalizeEmail(email)
	if !ok {
		return g.reject("invalid_email", ReasonInvalidEmail, nil), nil
	}

	contact, err := g.contacts.FindContactByEmail(ctx, normalized)
	if errors.Is(err, store.ErrNotFound) {
		return Decision{Deliverable: true, Classification: ClassNone}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load contact for precheck: %w", err)
	}

	id := contact.ID
	if contact.Status != model.ContactActive {
		return g.reject("inactive", ReasonInactive, &id), nil
	}
	if g.mx != nil && !g.mx.HasMX(ctx, domainOf(normalized)) {
		return g.reject("no_mx", ReasonNoMX, &id), nil
	}
	if contact.ComplaintCount > 0 {
		return g.reject("complaint", ReasonComplaint, &id), nil
	}
	if contact.ConsentStatus == model.ConsentOptedOut || contact.ConsentStatus == model.ConsentBlocked {
		return g.reject("opt_out", ReasonOptOut, &id), nil
	}
	if contact.BounceCount >= BounceThreshold {
		return g.reject("bounces", ReasonBounces, &id), nil
	}

	return Decision{Deliverable: true, ContactID: &id, Classification: ClassNone}, nil
}

func (g *Guard) reject(rule, reason string, contactID *int64) Decision {
	metrics.IncrementGuardRejection(rule)
	g.logger.Debug("Recipient rejected by delivery guard",
		zap.String("rule", rule),
		zap.String("reason", reason),
	)
	return Decision{
		Deliverable:    false,
		Reason:         reason,
		ContactID:      contactID,
		Classification: ClassHardBounce,
	}
}

var (
	hardMarkers = []string{"550", "551", "552", "553", "554", "user unknown", "mailbox unavailable", "no such user", "blocked", "blacklist", "policy rejection"}
	softMarkers = []string{"421", "450", "451", "452", "temporarily", "temporary", "rate limit", "greylist", "mailbox full"}
)

// ClassifyError maps a provider error text to a bounce kind. Hard markers win
// over soft ones; unrecognized errors count as hard bounces.
func ClassifyError(message string) Classification {
	normalized := strings.ToLower(message)
	if containsAny(normalized, hardMarkers) {
		return ClassHardBounce
	}
	if containsAny(normalized, softMarkers) {
		return ClassSoftBounce
	}
	return ClassHardBounce
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// NormalizeEmail lower-cases a bare address and reports whether it is well formed.
// Display names and angle brackets are rejected.
func NormalizeEmail(email string) (string, bool) {
	value := strings.ToLower(strings.TrimSpace(email))
	if value == "" {
		return "", false
	}
	addr, err := mail.ParseAddress(value)
	if err != nil || addr.Name != "" || addr.Address != value {
		return "", false
	}
	at := strings.LastIndex(value, "@")
	if at <= 0 {
		return "", false
	}
	domain := value[at+1:]
	if !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return "", false
	}
	return value, true
}

func domainOf(email string) string {
	return email[strings.LastIndex(email, "@")+1:]
}
