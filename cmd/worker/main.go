package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"mailpipeline/contracts/jobs"
	"mailpipeline/internal/bootstrap"
	"mailpipeline/internal/campaign"
	"mailpipeline/internal/guard"
	"mailpipeline/internal/mailbox"
	"mailpipeline/internal/ratelimit"
	"mailpipeline/internal/transport"
	"mailpipeline/internal/worker"
	"mailpipeline/pkg/circuitbreaker"
	"mailpipeline/pkg/mq"
)

func main() {
	ctx, stop := bootstrap.SignalContext()
	defer stop()

	infra, err := bootstrap.Load(ctx, "mail-worker")
	if err != nil {
		panic(err)
	}
	defer infra.Close()

	cfg, log, st := infra.Config, infra.Logger, infra.Store

	// Delivery guard: MX 缓存可选 memory 或 redis
	var mxCache guard.MXCache = guard.NewMemoryCache(0, cfg.Guard.MXCacheTTL)
	if cfg.Guard.MXCache == "redis" && infra.Redis != nil {
		mxCache = guard.NewRedisCache(infra.Redis, cfg.Guard.MXCacheTTL, log)
	}
	mx := guard.NewDNSChecker(net.DefaultResolver, mxCache, cfg.Guard.LookupTimeout, log)
	deliveryGuard := guard.New(st, mx, log)

	// Services
	limiter := ratelimit.NewLimiter(st, log)
	smtp := transport.NewSMTPTransport(infra.Accounts, 30*time.Second, log)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	dispatcher := campaign.NewDispatcher(st, st, infra.Accounts, deliveryGuard, limiter, smtp, breakers, cfg.Sync.DispatchLimit, log)
	synchronizer := mailbox.NewSynchronizer(st, mailbox.NewIMAPReader(log), infra.Accounts,
		mailbox.NewBlobStore(cfg.Sync.AttachmentsDir), cfg.Sync.BatchLimit, log)

	// Worker
	w := worker.New(infra.Queue, worker.Config{PollInterval: cfg.Queue.PollInterval}, log)
	w.Register(jobs.TypeSyncFolder, worker.SyncFolderHandler(synchronizer))
	w.Register(jobs.TypeSendCampaignBatch, worker.SendCampaignBatchHandler(dispatcher, log))
	w.Register(jobs.TypePurgeJobs, worker.PurgeJobsHandler(infra.Queue))

	// job.enqueued 唤醒：每个 worker 一个独占队列
	if cfg.MQ.URL != "" {
		consumer, err := mq.NewConsumer(cfg.MQ.URL, "", mq.RoutingKeyJobEnqueued, log)
		if err != nil {
			log.Fatal("Failed to init consumer", zap.Error(err))
		}
		defer consumer.Close()
		consumer.SetHandler(w.HandleEnqueued)

		go func() {
			if err := consumer.StartConsuming(ctx); err != nil {
				log.Error("job.enqueued consumer stopped", zap.Error(err))
			}
		}()
	}

	// Metrics server
	srv := bootstrap.MetricsServer(cfg.Server.MetricsPort)
	go func() {
		log.Info("Metrics server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Metrics server failed", zap.Error(err))
		}
	}()

	log.Info("mail-worker is fully initialized and running", zap.String("worker_id", w.ID()))

	// Run 在收到信号后等待当前任务结算完毕再返回
	if err := w.Run(ctx); err != nil {
		log.Error("Worker stopped with error", zap.Error(err))
	}

	log.Info("Shutting down mail-worker gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Metrics server shutdown error", zap.Error(err))
	}
	log.Info("mail-worker shutdown complete")
}
