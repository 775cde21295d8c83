// Package scheduler periodically feeds the job queue: folder sync fan-out,
// lease sweeping, queue depth gauges and the daily purge.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailpipeline/contracts/jobs"
	"mailpipeline/internal/account"
	"mailpipeline/internal/model"
	"mailpipeline/pkg/metrics"
)

// AllFolders in an account's folder list expands to every remote folder.
const AllFolders = "*"

type Queue interface {
	Enqueue(ctx context.Context, p jobs.Payload, opts model.EnqueueOptions) (int64, error)
	Depth(ctx context.Context, jobType string) (int, error)
	Sweep(ctx context.Context) (int, int, error)
}

type Accounts interface {
	All() []account.Account
}

type FolderDiscoverer interface {
	DiscoverFolders(ctx context.Context, accountID int64) ([]string, error)
}

// Fence admits a scope/key pair once per TTL. *util.Deduper satisfies it.
type Fence interface {
	AcquireOnce(ctx context.Context, scope, key string) bool
}

type Config struct {
	SyncInterval time.Duration
	SyncLimit    int
	MaxPending   int
	PurgeAfter   time.Duration
	JobTypes     []string
}

type Scheduler struct {
	queue     Queue
	accounts  Accounts
	folders   FolderDiscoverer
	fence     Fence
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
	lastPurge string
}

func New(q Queue, accounts Accounts, folders FolderDiscoverer, fence Fence, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 5 * time.Minute
	}
	if cfg.PurgeAfter <= 0 {
		cfg.PurgeAfter = 7 * 24 * time.Hour
	}
	if len(cfg.JobTypes) == 0 {
		cfg.JobTypes = []string{jobs.TypeSyncFolder, jobs.TypeSendCampaignBatch, jobs.TypePurgeJobs}
	}
	return &Scheduler{
		queue:    q,
		accounts: accounts,
		folders:  folders,
		fence:    fence,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Run ticks immediately and then every sync interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler started", zap.Duration("interval", s.cfg.SyncInterval))

	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling round. Failures are logged; the next round retries.
func (s *Scheduler) Tick(ctx context.Context) {
	if _, _, err := s.queue.Sweep(ctx); err != nil {
		s.logger.Error("Lease sweep failed", zap.Error(err))
	}
	if _, err := s.EnqueueSyncJobs(ctx); err != nil {
		s.logger.Error("Folder sync fan-out failed", zap.Error(err))
	}
	if _, err := s.EnqueuePurge(ctx); err != nil {
		s.logger.Error("Purge scheduling failed", zap.Error(err))
	}
	s.ExportDepth(ctx)
}

// EnqueueSyncJobs enqueues one sync_folder job per configured folder of every
// sync-enabled account, at most once per folder and interval. Nothing is
// enqueued while the sync backlog is above MaxPending.
func (s *Scheduler) EnqueueSyncJobs(ctx context.Context) (int, error) {
	if s.cfg.MaxPending > 0 {
		depth, err := s.queue.Depth(ctx, jobs.TypeSyncFolder)
		if err != nil {
			return 0, err
		}
		if depth > s.cfg.MaxPending {
			s.logger.Warn("Sync backlog above limit, skipping fan-out",
				zap.Int("depth", depth),
				zap.Int("max_pending", s.cfg.MaxPending),
			)
			return 0, nil
		}
	}

	slot := s.now().Truncate(s.cfg.SyncInterval).Unix()
	enqueued := 0
	for _, acct := range s.accounts.All() {
		if !acct.SyncEnabled {
			continue
		}
		folders, err := s.expand(ctx, acct)
		if err != nil {
			s.logger.Warn("Failed to list remote folders",
				zap.Int64("account_id", acct.ID),
				zap.Error(err),
			)
			continue
		}

		for _, folder := range folders {
			key := fmt.Sprintf("%d:%s:%d", acct.ID, folder, slot)
			if !s.fence.AcquireOnce(ctx, "sync_folder", key) {
				continue
			}
			_, err := s.queue.Enqueue(ctx, jobs.SyncFolderPayload{
				AccountID: acct.ID,
				Folder:    folder,
				Limit:     s.cfg.SyncLimit,
			}, model.EnqueueOptions{})
			if err != nil {
				return enqueued, fmt.Errorf("failed to enqueue sync of %q for account %d: %w", folder, acct.ID, err)
			}
			enqueued++
		}
	}

	if enqueued > 0 {
		s.logger.Info("Folder sync jobs enqueued", zap.Int("count", enqueued))
	}
	return enqueued, nil
}

func (s *Scheduler) expand(ctx context.Context, acct account.Account) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	for _, f := range acct.Folders {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		names := []string{f}
		if f == AllFolders {
			var err error
			if names, err = s.folders.DiscoverFolders(ctx, acct.ID); err != nil {
				return nil, err
			}
		}
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	return out, nil
}

// EnqueuePurge enqueues purge_jobs once per UTC day.
func (s *Scheduler) EnqueuePurge(ctx context.Context) (bool, error) {
	day := s.now().UTC().Format("2006-01-02")
	if day == s.lastPurge {
		return false, nil
	}
	if !s.fence.AcquireOnce(ctx, "purge_jobs", day) {
		s.lastPurge = day
		return false, nil
	}
	id, err := s.queue.Enqueue(ctx, jobs.PurgeJobsPayload{
		OlderThan: jobs.Duration{Duration: s.cfg.PurgeAfter},
	}, model.EnqueueOptions{})
	if err != nil {
		return false, err
	}
	s.lastPurge = day
	s.logger.Info("Purge job enqueued", zap.Int64("job_id", id), zap.String("day", day))
	return true, nil
}

// ExportDepth refreshes the pending-jobs gauge of every job type.
func (s *Scheduler) ExportDepth(ctx context.Context) {
	for _, jobType := range s.cfg.JobTypes {
		depth, err := s.queue.Depth(ctx, jobType)
		if err != nil {
			s.logger.Warn("Failed to read queue depth", zap.String("job_type", jobType), zap.Error(err))
			continue
		}
		metrics.SetQueueDepth(jobType, depth)
	}
}
