package sqlite

import (
	"context"
	"fmt"
	"strings"

	"mailpipeline/internal/model"
)

func (s *Store) FindContactByEmail(ctx context.Context, email string) (*model.Contact, error) {
	var c model.Contact
	err := s.q.QueryRowxContext(ctx, `
		SELECT id, email, status, consent_status, bounce_count, complaint_count
		FROM marketing_contacts WHERE email = ?`, strings.ToLower(strings.TrimSpace(email)),
	).Scan(&c.ID, &c.Email, &c.Status, &c.ConsentStatus, &c.BounceCount, &c.ComplaintCount)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (s *Store) UpsertContact(ctx context.Context, c model.Contact) (int64, error) {
	now := s.unixNow()
	status := c.Status
	if status == "" {
		status = model.ContactActive
	}
	consent := c.ConsentStatus
	if consent == "" {
		consent = "pending"
	}

	var id int64
	err := s.q.GetContext(ctx, &id, `
		INSERT INTO marketing_contacts (email, status, consent_status, bounce_count, complaint_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (email) DO UPDATE SET
			status = excluded.status,
			consent_status = excluded.consent_status,
			bounce_count = excluded.bounce_count,
			complaint_count = excluded.complaint_count,
			updated_at = excluded.updated_at
		RETURNING id`,
		strings.ToLower(strings.TrimSpace(c.Email)), status, consent, c.BounceCount, c.ComplaintCount, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert contact: %w", err)
	}
	return id, nil
}

func (s *Store) IncrementContactBounce(ctx context.Context, contactID int64) error {
	return s.execOne(ctx, `
		UPDATE marketing_contacts SET bounce_count = bounce_count + 1, updated_at = ? WHERE id = ?`,
		s.unixNow(), contactID)
}
