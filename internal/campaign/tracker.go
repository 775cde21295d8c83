// Package campaign creates campaign batches with their tracked sends and
// dispatches them through the delivery guard, the account quota and the mail
// transport.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"mailpipeline/internal/guard"
	"mailpipeline/internal/model"
	"mailpipeline/internal/store"
)

var ErrInvalidBatch = errors.New("invalid campaign batch")

type Recipient struct {
	// Reference scopes the dedup fence, e.g. the year of a birthday campaign.
	Reference string `json:"reference"`
	// Key identifies the recipient inside the campaign (document number, customer id).
	// Empty means the normalized e-mail.
	Key   string `json:"key,omitempty"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type BatchRequest struct {
	Campaign   string      `json:"campaign"`
	AccountID  int64       `json:"account_id"`
	Subject    string      `json:"subject"`
	BodyText   string      `json:"body_text,omitempty"`
	BodyHTML   string      `json:"body_html,omitempty"`
	Recipients []Recipient `json:"recipients"`
}

func (r BatchRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.Campaign) == "":
		return fmt.Errorf("%w: campaign is required", ErrInvalidBatch)
	case r.AccountID <= 0:
		return fmt.Errorf("%w: account_id is required", ErrInvalidBatch)
	case strings.TrimSpace(r.Subject) == "":
		return fmt.Errorf("%w: subject is required", ErrInvalidBatch)
	case r.BodyText == "" && r.BodyHTML == "":
		return fmt.Errorf("%w: body_text or body_html is required", ErrInvalidBatch)
	case len(r.Recipients) == 0:
		return fmt.Errorf("%w: at least one recipient is required", ErrInvalidBatch)
	}
	return nil
}

type BatchSummary struct {
	BatchID    int64 `json:"batch_id"`
	Created    int   `json:"created"`
	Duplicates int   `json:"duplicates"`
}

// Tracker records batches and sends. Sends are deduplicated on
// (campaign, reference, recipient key).
type Tracker struct {
	store  store.SendStore
	logger *zap.Logger
}

func NewTracker(s store.SendStore, logger *zap.Logger) *Tracker {
	return &Tracker{store: s, logger: logger}
}

// CreateBatch stores the batch and one send per recipient in one transaction.
// Recipients already tracked for the same campaign and reference are counted as
// duplicates and left out of the batch.
func (t *Tracker) CreateBatch(ctx context.Context, req BatchRequest) (BatchSummary, error) {
	if err := req.Validate(); err != nil {
		return BatchSummary{}, err
	}

	var summary BatchSummary
	err := t.store.InSendTx(ctx, func(tx store.SendStore) error {
		id, err := tx.CreateBatch(ctx, model.NewBatch{
			Campaign:  req.Campaign,
			AccountID: req.AccountID,
			Subject:   req.Subject,
			BodyText:  req.BodyText,
			BodyHTML:  req.BodyHTML,
		})
		if err != nil {
			return err
		}
		summary = BatchSummary{BatchID: id}

		for _, r := range req.Recipients {
			_, created, err := tx.CreateSend(ctx, newSend(id, req, r))
			if err != nil {
				return err
			}
			if created {
				summary.Created++
			} else {
				summary.Duplicates++
			}
		}
		return nil
	})
	if err != nil {
		return BatchSummary{}, fmt.Errorf("failed to create batch for campaign %s: %w", req.Campaign, err)
	}

	t.logger.Info("Campaign batch created",
		zap.Int64("batch_id", summary.BatchID),
		zap.String("campaign", req.Campaign),
		zap.Int("sends", summary.Created),
		zap.Int("duplicates", summary.Duplicates),
	)
	return summary, nil
}

// Track records a single send outside of any batch. created is false when the
// fence already holds it.
func (t *Tracker) Track(ctx context.Context, campaign string, accountID int64, r Recipient) (int64, bool, error) {
	return t.store.CreateSend(ctx, newSend(0, BatchRequest{Campaign: campaign, AccountID: accountID}, r))
}

func (t *Tracker) Batch(ctx context.Context, id int64) (*model.CampaignBatch, error) {
	return t.store.FindBatch(ctx, id)
}

func newSend(batchID int64, req BatchRequest, r Recipient) model.NewSend {
	email := strings.TrimSpace(r.Email)
	if normalized, ok := guard.NormalizeEmail(email); ok {
		email = normalized
	}
	key := strings.TrimSpace(r.Key)
	if key == "" {
		key = strings.ToLower(email)
	}

	send := model.NewSend{
		AccountID:     req.AccountID,
		Campaign:      req.Campaign,
		Reference:     r.Reference,
		RecipientKey:  key,
		Recipient:     email,
		RecipientName: strings.TrimSpace(r.Name),
	}
	if batchID > 0 {
		send.BatchID = &batchID
	}
	return send
}
