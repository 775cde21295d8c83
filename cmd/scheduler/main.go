package main

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"mailpipeline/internal/bootstrap"
	"mailpipeline/internal/mailbox"
	"mailpipeline/internal/scheduler"
	"mailpipeline/pkg/util"
)

func main() {
	ctx, stop := bootstrap.SignalContext()
	defer stop()

	infra, err := bootstrap.Load(ctx, "mail-scheduler")
	if err != nil {
		panic(err)
	}
	defer infra.Close()

	cfg, log := infra.Config, infra.Logger

	// "*" 文件夹需要连 IMAP 列出远端文件夹
	synchronizer := mailbox.NewSynchronizer(infra.Store, mailbox.NewIMAPReader(log), infra.Accounts,
		mailbox.NewBlobStore(cfg.Sync.AttachmentsDir), cfg.Sync.BatchLimit, log)

	// Redis 栅栏保证多个 scheduler 实例每个周期只入队一次；Redis 未配置时放行
	fence := util.NewDeduper(infra.Redis, 25*time.Hour, log)

	s := scheduler.New(infra.Queue, infra.Accounts, synchronizer, fence, scheduler.Config{
		SyncInterval: cfg.Sync.Interval,
		SyncLimit:    cfg.Sync.BatchLimit,
		MaxPending:   cfg.Queue.MaxPending,
		PurgeAfter:   cfg.Queue.PurgeAfter,
		JobTypes:     cfg.Queue.JobTypes,
	}, log)

	srv := bootstrap.MetricsServer(cfg.Server.MetricsPort)
	go func() {
		log.Info("Metrics server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Metrics server failed", zap.Error(err))
		}
	}()

	log.Info("mail-scheduler is fully initialized and running")
	if err := s.Run(ctx); err != nil {
		log.Error("Scheduler stopped with error", zap.Error(err))
	}

	log.Info("Shutting down mail-scheduler gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Metrics server shutdown error", zap.Error(err))
	}
	log.Info("mail-scheduler shutdown complete")
}
