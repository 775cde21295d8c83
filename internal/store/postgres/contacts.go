package postgres

import (
	"context"
	"fmt"
	"strings"

	"mailpipeline/internal/model"
)

func (s *Store) FindContactByEmail(ctx context.Context, email string) (*model.Contact, error) {
	var c model.Contact
	err := s.q.QueryRow(ctx, `
		SELECT id, email, status, consent_status, bounce_count, complaint_count
		FROM marketing_contacts WHERE email = $1`, strings.ToLower(strings.TrimSpace(email)),
	).Scan(&c.ID, &c.Email, &c.Status, &c.ConsentStatus, &c.BounceCount, &c.ComplaintCount)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (s *Store) UpsertContact(ctx context.Context, c model.Contact) (int64, error) {
	status := c.Status
	if status == "" {
		status = model.ContactActive
	}
	consent := c.ConsentStatus
	if consent == "" {
		consent = "pending"
	}

	var id int64
	err := s.q.QueryRow(ctx, `
		INSERT INTO marketing_contacts (email, status, consent_status, bounce_count, complaint_count)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (email) DO UPDATE SET
			status = EXCLUDED.status,
			consent_status = EXCLUDED.consent_status,
			bounce_count = EXCLUDED.bounce_count,
			complaint_count = EXCLUDED.complaint_count,
			updated_at = NOW()
		RETURNING id`,
		strings.ToLower(strings.TrimSpace(c.Email)), status, consent, c.BounceCount, c.ComplaintCount,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert contact: %w", err)
	}
	return id, nil
}

func (s *Store) IncrementContactBounce(ctx context.Context, contactID int64) error {
	return s.execOne(ctx, `
		UPDATE marketing_contacts SET bounce_count = bounce_count + 1, updated_at = NOW() WHERE id = $1`, contactID)
}
