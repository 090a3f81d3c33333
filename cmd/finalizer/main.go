package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/emperorhan/withdrawal-finalizer/internal/admin"
	"github.com/emperorhan/withdrawal-finalizer/internal/config"
	"github.com/emperorhan/withdrawal-finalizer/internal/finalizer"
	"github.com/emperorhan/withdrawal-finalizer/internal/store"
	"github.com/emperorhan/withdrawal-finalizer/internal/store/postgres"
	redispkg "github.com/emperorhan/withdrawal-finalizer/internal/store/redis"
	"github.com/emperorhan/withdrawal-finalizer/internal/tracing"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

type flags struct {
	envFile string
	once    bool
	queue   string
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := pflag.NewFlagSet("finalizer", pflag.ContinueOnError)
	fs.StringVar(&f.envFile, "config", "", "path to a .env file loaded before the environment is read")
	fs.BoolVar(&f.once, "once", false, "run every queue a single time and exit")
	fs.StringVar(&f.queue, "queue", "", "only run the named queue")
	if err := fs.Parse(args); err != nil {
		return flags{}, err
	}
	return f, nil
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		slog.Error("invalid flags", "error", err)
		os.Exit(2)
	}

	cfg, err := config.LoadFile(f.envFile)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	if err := run(cfg, f, logger); err != nil {
		logger.Error("finalizer exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("finalizer shut down gracefully")
}

func run(cfg *config.Config, f flags, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting withdrawal-finalizer",
		"queues", len(cfg.Queues),
		"queues_file", cfg.QueuesFile,
		"once", f.once,
		"only_queue", f.queue,
	)

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName: "withdrawal-finalizer",
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	db, err := postgres.New(ctx, postgres.Config{
		URL:              cfg.DB.URL,
		MaxOpenConns:     cfg.DB.MaxOpenConns,
		MaxIdleConns:     cfg.DB.MaxIdleConns,
		ConnMaxLifetime:  cfg.DB.ConnMaxLifetime,
		StatementTimeout: cfg.DB.StatementTimeout,
	})
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()
	if err := db.RunMigrations(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("connected to database")

	var publisher store.ReportPublisher
	if cfg.Redis.Stream != "" {
		stream, err := redispkg.NewStream(ctx, cfg.Redis.URL, cfg.Redis.Stream, cfg.Redis.StreamMax)
		if err != nil {
			return fmt.Errorf("initialize redis stream: %w", err)
		}
		defer stream.Close()
		publisher = stream
		logger.Info("batch plan publishing enabled", "stream", stream.Name())
	}

	scheduler := finalizer.NewScheduler(ctx, logger)
	queues := &queueSet{
		cfg:       cfg,
		only:      f.queue,
		reports:   postgres.NewRunReportRepo(db),
		publisher: publisher,
		alerter:   buildAlerter(cfg.Alert, logger),
		dial:      dialWithdrawalQueue,
		scheduler: scheduler,
		logger:    logger,
	}
	defer queues.Close()

	if err := queues.Apply(ctx, cfg.Queues); err != nil {
		return err
	}

	if f.once {
		return scheduler.RunAll(ctx)
	}

	g, gCtx := errgroup.WithContext(ctx)
	startDBPoolStatsPump(gCtx, db.DB, cfg.DB.PoolStatsInterval, logger)

	g.Go(func() error {
		return runHealthServer(gCtx, cfg.Server.HealthPort, logger)
	})

	if cfg.Server.AdminAddr != "" {
		g.Go(func() error {
			return runAdminServer(gCtx, cfg.Server, queues.reports, scheduler, logger)
		})
	}

	g.Go(func() error {
		return scheduler.Run(gCtx)
	})

	g.Go(func() error {
		return cfg.WatchQueues(gCtx, logger, func(updated []config.QueueConfig) {
			if err := queues.Apply(gCtx, updated); err != nil {
				logger.Error("apply reloaded queues failed, keeping previous set", "error", err)
			}
		})
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runHealthServer(ctx context.Context, port int, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("health server started", "port", port)
	return serveUntilDone(ctx, server, "health", logger)
}

func runAdminServer(ctx context.Context, cfg config.ServerConfig, reports store.RunReportRepository, scheduler *finalizer.Scheduler, logger *slog.Logger) error {
	limiter := admin.NewRateLimitMiddleware(logger, cfg.AdminRateLimit, cfg.AdminBurst)
	defer limiter.Stop()

	api := admin.NewServer(reports, logger,
		admin.WithRunTrigger(scheduler),
		admin.WithHealthProvider(scheduler),
	)
	server := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           limiter.Wrap(admin.AuditMiddleware(logger, api.Handler())),
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("admin server started", "addr", cfg.AdminAddr)
	return serveUntilDone(ctx, server, "admin", logger)
}

func serveUntilDone(ctx context.Context, server *http.Server, name string, logger *slog.Logger) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("server shutdown error", "server", name, "error", err)
		}
	}()

	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}
