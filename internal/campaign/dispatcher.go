package campaign

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailpipeline/contracts/jobs"
	"mailpipeline/internal/account"
	"mailpipeline/internal/guard"
	"mailpipeline/internal/model"
	"mailpipeline/internal/store"
	"mailpipeline/internal/transport"
	"mailpipeline/pkg/circuitbreaker"
	"mailpipeline/pkg/metrics"
	"mailpipeline/pkg/util"
)

const DefaultDispatchLimit = 200

// ClaimTTL is how long a dispatch run holds the sends it took before another
// run may take them over.
const ClaimTTL = 15 * time.Minute

type Accounts interface {
	Get(id int64) (account.Account, error)
}

// Limiter admits sends against an account quota.
type Limiter interface {
	Admit(ctx context.Context, accountID int64, requested int, quota model.Quota) (int, error)
	Refund(ctx context.Context, accountID int64, n int) error
	NextWindow(ctx context.Context, accountID int64, quota model.Quota) (time.Time, error)
}

type Prechecker interface {
	Precheck(ctx context.Context, email string) (guard.Decision, error)
}

type BounceRecorder interface {
	IncrementContactBounce(ctx context.Context, contactID int64) error
}

// Report is the outcome of one dispatch run.
type Report struct {
	BatchID   int64             `json:"batch_id"`
	Sent      int               `json:"sent"`
	Failed    int               `json:"failed"`
	Deferred  int               `json:"deferred"`
	Remaining int               `json:"remaining"`
	Status    model.BatchStatus `json:"status"`
	// ContinueAt is set when sends remain that this run could not take,
	// either because of the slice limit or the account quota.
	ContinueAt *time.Time `json:"continue_at,omitempty"`
}

type Dispatcher struct {
	sends     store.SendStore
	bounces   BounceRecorder
	accounts  Accounts
	guard     Prechecker
	limiter   Limiter
	transport transport.Transport
	breakers  *circuitbreaker.Registry
	limit     int
	logger    *zap.Logger
	now       func() time.Time
}

func NewDispatcher(
	sends store.SendStore,
	bounces BounceRecorder,
	accounts Accounts,
	g Prechecker,
	limiter Limiter,
	t transport.Transport,
	breakers *circuitbreaker.Registry,
	limit int,
	logger *zap.Logger,
) *Dispatcher {
	if limit <= 0 {
		limit = DefaultDispatchLimit
	}
	if breakers == nil {
		breakers = circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	}
	return &Dispatcher{
		sends:     sends,
		bounces:   bounces,
		accounts:  accounts,
		guard:     g,
		limiter:   limiter,
		transport: t,
		breakers:  breakers,
		limit:     limit,
		logger:    logger,
		now:       time.Now,
	}
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Dispatch sends one slice of the batch.
//
// Guard rejections and hard bounces fail the send; soft bounces leave it
// pending and make Dispatch return a retryable error once the slice is done,
// so the job is released with backoff. A completed batch is a no-op.
func (d *Dispatcher) Dispatch(ctx context.Context, p jobs.SendCampaignBatchPayload) (Report, error) {
	report := Report{BatchID: p.BatchID}

	batch, err := d.sends.FindBatch(ctx, p.BatchID)
	if err != nil {
		return report, fmt.Errorf("failed to load batch %d: %w", p.BatchID, err)
	}
	if batch.Status == model.BatchCompleted {
		report.Status = model.BatchCompleted
		return report, nil
	}

	acct, err := d.accounts.Get(batch.AccountID)
	if err != nil {
		return report, err
	}
	if err := d.sends.MarkBatchProcessing(ctx, batch.ID); err != nil {
		return report, fmt.Errorf("failed to mark batch %d processing: %w", batch.ID, err)
	}
	report.Status = model.BatchProcessing

	limit := p.Limit
	if limit <= 0 {
		limit = d.limit
	}
	// sends are claimed so a second run over the same batch skips them
	owner := uuid.NewString()
	pending, err := d.sends.ClaimPendingSends(ctx, batch.ID, owner, limit, d.now().Add(-ClaimTTL))
	if err != nil {
		return report, err
	}
	defer func() {
		if err := d.sends.ReleaseSendClaims(context.WithoutCancel(ctx), batch.ID, owner); err != nil {
			d.logger.Warn("Failed to release send claims",
				zap.Int64("batch_id", batch.ID),
				zap.Error(err),
			)
		}
	}()

	granted := 0
	if len(pending) > 0 {
		granted, err = d.limiter.Admit(ctx, acct.ID, len(pending), acct.Quota)
		if err != nil {
			return report, err
		}
	}

	var softErr error
	for i, send := range pending[:granted] {
		err := d.deliver(ctx, acct, batch, send, &report)
		if err == nil {
			continue
		}
		if !isStorageErr(err) {
			softErr = err
			continue
		}
		// infrastructure failure: give back what was not used and stop
		if refundErr := d.limiter.Refund(ctx, acct.ID, granted-i); refundErr != nil {
			d.logger.Error("Failed to refund unused quota",
				zap.Int64("account_id", acct.ID),
				zap.Error(refundErr),
			)
		}
		return report, err
	}

	report.Remaining, err = d.sends.CountPendingSends(ctx, batch.ID)
	if err != nil {
		return report, err
	}

	switch {
	case softErr != nil:
		// released with backoff; the retry picks the deferred sends up again
	case report.Remaining == 0:
		if err := d.sends.MarkBatchCompleted(ctx, batch.ID); err != nil {
			return report, fmt.Errorf("failed to complete batch %d: %w", batch.ID, err)
		}
		report.Status = model.BatchCompleted
	case len(pending) == 0:
		// everything left is held by another run; look again once its claims lapse
		next := d.now().Add(ClaimTTL)
		report.ContinueAt = &next
	default:
		next := d.now()
		if granted < len(pending) {
			next, err = d.limiter.NextWindow(ctx, acct.ID, acct.Quota)
			if err != nil {
				return report, err
			}
		}
		report.ContinueAt = &next
	}

	d.logger.Info("Campaign batch dispatched",
		zap.Int64("batch_id", batch.ID),
		zap.Int64("account_id", acct.ID),
		zap.Int("admitted", granted),
		zap.Int("sent", report.Sent),
		zap.Int("failed", report.Failed),
		zap.Int("deferred", report.Deferred),
		zap.Int("remaining", report.Remaining),
	)

	if softErr != nil {
		return report, util.Retryable(softErr, string(guard.ClassSoftBounce))
	}
	return report, nil
}

// deliver runs one admitted send to a terminal state, or leaves it pending
// and returns the soft bounce error.
func (d *Dispatcher) deliver(ctx context.Context, acct account.Account, batch *model.CampaignBatch, send model.Send, report *Report) error {
	decision, err := d.guard.Precheck(ctx, send.Recipient)
	if err != nil {
		return storageErr{err}
	}
	if decision.ContactID != nil && send.ContactID == nil {
		if err := d.sends.SetSendContact(ctx, send.ID, *decision.ContactID); err != nil {
			return storageErr{err}
		}
	}

	if !decision.Deliverable {
		if err := d.fail(ctx, batch.ID, send.ID, decision.Reason); errors.Is(err, store.ErrInvalidState) {
			d.settledElsewhere(send.ID, batch.ID)
			return nil
		} else if err != nil {
			return storageErr{err}
		}
		report.Failed++
		metrics.IncrementSend("failed", string(decision.Classification))
		// never reached the transport
		if err := d.limiter.Refund(ctx, acct.ID, 1); err != nil {
			d.logger.Warn("Failed to refund quota for rejected send",
				zap.Int64("send_id", send.ID),
				zap.Error(err),
			)
		}
		return nil
	}

	var (
		messageID string
		sendErr   error
	)
	breaker := d.breakers.Get(strconv.FormatInt(acct.ID, 10))
	err = breaker.Execute(func() error {
		messageID, sendErr = d.transport.Send(ctx, d.envelope(acct, batch, send))
		// a rejected recipient says nothing about the gateway's health
		if sendErr != nil && transport.Classify(sendErr) == guard.ClassHardBounce {
			return nil
		}
		return sendErr
	})
	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
		sendErr = err
		if refundErr := d.limiter.Refund(ctx, acct.ID, 1); refundErr != nil {
			d.logger.Warn("Failed to refund quota while breaker is open", zap.Error(refundErr))
		}
	}

	if sendErr == nil {
		err := d.sends.InSendTx(ctx, func(tx store.SendStore) error {
			if err := tx.MarkSendSent(ctx, send.ID, d.transport.Gateway(), messageID); err != nil {
				return err
			}
			return tx.IncrementBatchCounters(ctx, batch.ID, 1, 0)
		})
		if errors.Is(err, store.ErrInvalidState) {
			d.settledElsewhere(send.ID, batch.ID)
			return nil
		}
		if err != nil {
			return storageErr{err}
		}
		report.Sent++
		metrics.IncrementSend("sent", string(guard.ClassNone))
		return nil
	}

	class := transport.Classify(sendErr)
	logger := d.logger.With(
		zap.Int64("send_id", send.ID),
		zap.Int64("batch_id", batch.ID),
		zap.String("classification", string(class)),
		zap.Error(sendErr),
	)
	if class == guard.ClassSoftBounce {
		if err := d.sends.RecordSendAttempt(ctx, send.ID, sendErr.Error()); err != nil {
			return storageErr{err}
		}
		report.Deferred++
		metrics.IncrementSend("deferred", string(class))
		logger.Warn("Send deferred")
		return sendErr
	}

	if err := d.fail(ctx, batch.ID, send.ID, sendErr.Error()); errors.Is(err, store.ErrInvalidState) {
		d.settledElsewhere(send.ID, batch.ID)
		return nil
	} else if err != nil {
		return storageErr{err}
	}
	report.Failed++
	metrics.IncrementSend("failed", string(class))
	logger.Warn("Send bounced")
	if decision.ContactID != nil {
		if err := d.bounces.IncrementContactBounce(ctx, *decision.ContactID); err != nil {
			logger.Error("Failed to count contact bounce", zap.NamedError("store_error", err))
		}
	}
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, batchID, sendID int64, reason string) error {
	return d.sends.InSendTx(ctx, func(tx store.SendStore) error {
		if err := tx.MarkSendFailed(ctx, sendID, reason); err != nil {
			return err
		}
		return tx.IncrementBatchCounters(ctx, batchID, 0, 1)
	})
}

// settledElsewhere logs a send whose claim lapsed and that another run settled
// first. Its counters were already applied by that run.
func (d *Dispatcher) settledElsewhere(sendID, batchID int64) {
	d.logger.Warn("Send already settled by another dispatch run",
		zap.Int64("send_id", sendID),
		zap.Int64("batch_id", batchID),
	)
}

func (d *Dispatcher) envelope(acct account.Account, batch *model.CampaignBatch, send model.Send) transport.Envelope {
	toName := send.RecipientName
	if toName == "" {
		toName = send.Recipient
	}
	return transport.Envelope{
		AccountID: acct.ID,
		FromName:  acct.FromName,
		FromEmail: acct.FromEmail,
		ReplyTo:   acct.ReplyTo,
		ToName:    toName,
		ToEmail:   send.Recipient,
		Subject:   batch.Subject,
		Text:      batch.BodyText,
		HTML:      batch.BodyHTML,
		Headers: map[string]string{
			"X-Campaign": batch.Campaign,
			"X-Send-ID":  strconv.FormatInt(send.ID, 10),
			"X-Batch-ID": strconv.FormatInt(batch.ID, 10),
		},
	}
}

// storageErr marks failures of our own storage so they are never mistaken for
// a bounce by their message text.
type storageErr struct{ err error }

func (e storageErr) Error() string { return e.err.Error() }
func (e storageErr) Unwrap() error { return e.err }

func isStorageErr(err error) bool {
	var se storageErr
	return errors.As(err, &se)
}
