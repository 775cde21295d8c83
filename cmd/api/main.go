package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailpipeline/internal/bootstrap"
	"mailpipeline/internal/campaign"
	"mailpipeline/internal/handler"
	"mailpipeline/internal/httpserver"
	"mailpipeline/internal/mailbox"
)

func main() {
	ctx, stop := bootstrap.SignalContext()
	defer stop()

	infra, err := bootstrap.Load(ctx, "mail-api")
	if err != nil {
		panic(err)
	}
	defer infra.Close()

	cfg, log, st := infra.Config, infra.Logger, infra.Store
	if cfg.JWT.Secret == "" {
		log.Fatal("jwt.secret is required")
	}
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Handlers
	jobHandler := handler.NewJobHandler(infra.Queue, log)
	batchHandler := handler.NewBatchHandler(campaign.NewTracker(st, log), infra.Queue, infra.Accounts, log)
	threadHandler := handler.NewThreadHandler(mailbox.NewThreads(st, log), log)

	router := httpserver.NewRouter(jobHandler, batchHandler, threadHandler, cfg.JWT.Secret, st)
	srv := &http.Server{
		Addr:              cfg.Server.Port,
		Handler:           router.Engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("HTTP server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	log.Info("mail-api is fully initialized and running")
	<-ctx.Done()

	log.Info("Shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		log.Info("HTTP server stopped")
	}
	log.Info("mail-api shutdown complete")
}
