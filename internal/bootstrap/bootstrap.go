// Package bootstrap builds the infrastructure shared by the binaries: config,
// logger, tracing, store, redis, message broker and the job queue.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mailpipeline/internal/account"
	"mailpipeline/internal/jobqueue"
	"mailpipeline/internal/store"
	"mailpipeline/internal/store/postgres"
	"mailpipeline/internal/store/sqlite"
	"mailpipeline/pkg/config"
	"mailpipeline/pkg/db"
	"mailpipeline/pkg/logger"
	"mailpipeline/pkg/mq"
	"mailpipeline/pkg/otel"
	"mailpipeline/pkg/redis"
)

const serviceVersion = "1.0.0"

type Infra struct {
	Config    *config.Config
	Logger    *zap.Logger
	Store     store.Store
	Redis     *goredis.Client
	Publisher *mq.Publisher
	Accounts  *account.Directory
	Queue     *jobqueue.Queue

	closers []func()
}

// Load wires everything a binary needs. On error the partially built
// infrastructure is already released.
func Load(ctx context.Context, service string) (*Infra, error) {
	env := config.GetConfigEnv()
	cfg, err := config.Load(env, config.GetConfigDir())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.NewLogger(cfg.App.Env).With(zap.String("service", service))
	infra := &Infra{Config: cfg, Logger: log}
	infra.onClose(func() { _ = log.Sync() })

	log.Info("Starting "+service+"...",
		zap.String("env", cfg.App.Env),
		zap.String("db_driver", cfg.DB.Driver),
		zap.Bool("mq_enabled", cfg.MQ.URL != ""),
		zap.Bool("redis_enabled", cfg.Redis.Addr != ""),
	)

	if err := infra.init(ctx, service); err != nil {
		infra.Close()
		return nil, err
	}
	return infra, nil
}

func (i *Infra) init(ctx context.Context, service string) error {
	cfg, log := i.Config, i.Logger

	shutdownOtel, err := otel.Init(otel.Config{
		ServiceName:    service,
		ServiceVersion: serviceVersion,
		Endpoint:       cfg.Otel.Endpoint,
		Enabled:        cfg.Otel.Enabled,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to init otel: %w", err)
	}
	i.onClose(shutdownOtel)

	i.Accounts, err = account.NewDirectory(cfg.Accounts)
	if err != nil {
		return fmt.Errorf("invalid account config: %w", err)
	}

	i.Store, err = openStore(ctx, cfg.DB, log)
	if err != nil {
		return err
	}
	i.onClose(func() { _ = i.Store.Close() })
	log.Info("Database connection established successfully")

	i.Redis, err = redis.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to init redis: %w", err)
	}
	if i.Redis != nil {
		i.onClose(func() { _ = i.Redis.Close() })
	}

	i.Queue = jobqueue.New(i.Store, jobqueue.Config{
		MaxAttempts:  cfg.Queue.MaxAttempts,
		BackoffBase:  cfg.Queue.BackoffBase,
		BackoffMax:   cfg.Queue.BackoffMax,
		LeaseTimeout: cfg.Queue.LeaseTimeout,
	}, log)

	if cfg.MQ.URL != "" {
		i.Publisher, err = mq.NewPublisher(cfg.MQ.URL)
		if err != nil {
			return fmt.Errorf("failed to init MQ publisher: %w", err)
		}
		i.onClose(i.Publisher.Close)
		i.Queue.WithNotifier(i.Publisher).WithDeadLetter(i.Publisher)
	}
	return nil
}

func openStore(ctx context.Context, cfg config.DBConfig, log *zap.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("db.path is required for sqlite")
		}
		if cfg.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create db dir: %w", err)
			}
		}
		log.Info("Opening SQLite database", zap.String("path", cfg.Path))
		s, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		return s, nil

	case "postgres":
		pool, err := db.NewConnection(ctx, cfg, log)
		if err != nil {
			return nil, fmt.Errorf("failed to init DB: %w", err)
		}
		s, err := postgres.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unsupported db driver %q", cfg.Driver)
}

func (i *Infra) onClose(fn func()) {
	i.closers = append(i.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (i *Infra) Close() {
	for n := len(i.closers) - 1; n >= 0; n-- {
		i.closers[n]()
	}
	i.closers = nil
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// MetricsServer serves /metrics and /healthz for binaries without an API.
func MetricsServer(addr string) *http.Server {
	if addr == "" {
		addr = ":9102"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
