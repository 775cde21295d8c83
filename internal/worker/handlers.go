package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailpipeline/contracts/jobs"
	"mailpipeline/internal/campaign"
	"mailpipeline/internal/mailbox"
	"mailpipeline/internal/model"
)

type FolderSyncer interface {
	SyncFolder(ctx context.Context, p jobs.SyncFolderPayload) (mailbox.Result, error)
}

type BatchDispatcher interface {
	Dispatch(ctx context.Context, p jobs.SendCampaignBatchPayload) (campaign.Report, error)
}

type Purger interface {
	Purge(ctx context.Context, olderThan time.Duration) (int64, error)
}

// SyncFolderHandler runs sync_folder jobs.
func SyncFolderHandler(s FolderSyncer) Handler {
	return HandlerFunc(func(ctx context.Context, _ *model.Job, p jobs.Payload) (Result, error) {
		payload, ok := p.(jobs.SyncFolderPayload)
		if !ok {
			return Result{}, fmt.Errorf("%w: %T", jobs.ErrInvalidPayload, p)
		}
		_, err := s.SyncFolder(ctx, payload)
		return Result{}, err
	})
}

// SendCampaignBatchHandler runs send_campaign_batch jobs. A slice that leaves
// sends behind is continued at the time the dispatcher reports.
func SendCampaignBatchHandler(d BatchDispatcher, logger *zap.Logger) Handler {
	return HandlerFunc(func(ctx context.Context, job *model.Job, p jobs.Payload) (Result, error) {
		payload, ok := p.(jobs.SendCampaignBatchPayload)
		if !ok {
			return Result{}, fmt.Errorf("%w: %T", jobs.ErrInvalidPayload, p)
		}
		report, err := d.Dispatch(ctx, payload)
		if err != nil {
			return Result{}, err
		}
		if report.ContinueAt != nil {
			logger.Info("Campaign batch throttled",
				zap.Int64("job_id", job.ID),
				zap.Int64("batch_id", report.BatchID),
				zap.Int("remaining", report.Remaining),
			)
		}
		return Result{ContinueAt: report.ContinueAt}, nil
	})
}

// PurgeJobsHandler runs purge_jobs jobs.
func PurgeJobsHandler(q Purger) Handler {
	return HandlerFunc(func(ctx context.Context, _ *model.Job, p jobs.Payload) (Result, error) {
		payload, ok := p.(jobs.PurgeJobsPayload)
		if !ok {
			return Result{}, fmt.Errorf("%w: %T", jobs.ErrInvalidPayload, p)
		}
		_, err := q.Purge(ctx, payload.OlderThan.Duration)
		return Result{}, err
	})
}
