package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/italolelis/audiobook_backend/internal/config"
	"github.com/italolelis/audiobook_backend/internal/http/rest"
	"github.com/italolelis/audiobook_backend/internal/jobs"
	"github.com/italolelis/audiobook_backend/internal/logctx"
	"github.com/italolelis/audiobook_backend/internal/notifier"
	"github.com/italolelis/audiobook_backend/internal/offline"
	"github.com/italolelis/audiobook_backend/internal/playback"
	"github.com/italolelis/audiobook_backend/internal/queue"
	"github.com/italolelis/audiobook_backend/internal/storage/sqlite"
	"github.com/italolelis/audiobook_backend/internal/streaming"
	"github.com/italolelis/audiobook_backend/internal/telemetry"
	"github.com/italolelis/audiobook_backend/internal/transfer"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("audiobook backend starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	downloads := sqlite.NewInstrumentedDownloadRepository(database, tel)
	catalog := sqlite.NewCatalogRepository(database)
	progress := sqlite.NewProgressRepository(database)

	// =========================================================================
	// Start Broker
	redisOpts, err := queue.RedisOptions(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return fmt.Errorf("invalid redis configuration: %w", err)
	}

	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	if report := queue.Health(ctx, rdb); report.Status == "unhealthy" {
		logger.Warn("redis is not reachable yet, jobs will wait for it", "err", report.Error)
	}

	brokerOpt := queue.BrokerConnOpt(redisOpts)

	manager := queue.NewManager(asynq.NewClient(brokerOpt), asynq.NewInspector(brokerOpt), tel, queue.QueueOptions{
		Priority:    1,
		Retention:   cfg.Jobs.Retention,
		MaxAttempts: cfg.Jobs.MaxAttempts,
		BackoffBase: cfg.Jobs.BackoffBase,
	})

	defer func() {
		if err := manager.Shutdown(); err != nil {
			logger.Error("failed to shutdown queue manager", "err", err)
		}
	}()

	// =========================================================================
	// Start Jobs
	jobClient := jobs.NewClient(manager)
	coordinator := playback.NewCoordinator(catalog, progress, jobClient, tel)

	source := transfer.NewInstrumentedSource(streaming.NewClient(cfg.StreamingBaseURL, cfg.StreamingTimeout), tel)

	jobCfg := jobs.DefaultConfig()
	jobCfg.TransferTimeout = cfg.Jobs.TransferTimeout
	jobCfg.DownloadRetention = cfg.Jobs.DownloadRetention
	jobCfg.ProgressRetentionMonths = cfg.Jobs.ProgressRetentionMonths

	jobService := jobs.NewService(jobs.Deps{
		Downloads:  downloads,
		Catalog:    catalog,
		Progress:   progress,
		Downloader: transfer.NewDownloader(cfg.DownloadDir, source, tel),
		Submitter:  jobClient,
		Sessions:   coordinator,
		Notifier:   buildNotifier(cfg),
		Telemetry:  tel,
	}, jobCfg)

	if err := jobService.Register(manager); err != nil {
		return fmt.Errorf("failed to register job processors: %w", err)
	}

	scheduler := queue.NewScheduler(manager, queue.NewBrokerScheduler(ctx, brokerOpt, manager, cfg.Location()))
	if err := jobService.Schedule(scheduler); err != nil {
		return fmt.Errorf("failed to schedule recurring jobs: %w", err)
	}

	// Running jobs get the worker's shutdown timeout to finish instead of being cut at the signal.
	worker := queue.NewWorker(context.WithoutCancel(ctx), brokerOpt, manager, queue.WorkerConfig{
		Concurrency:     cfg.Jobs.Concurrency,
		ShutdownTimeout: cfg.Web.ShutdownTimeout,
	}, tel)

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, cfg, tel, rest.NewDownloadsHandler(offline.NewService(downloads, catalog, jobClient, tel)),
		rest.NewPlaybackHandler(coordinator),
		rest.NewAdminHandler(cfg.Admin.Username, cfg.Admin.Password, manager, rdb, coordinator),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	return g.Wait()
}

func buildNotifier(cfg *config.Config) notifier.Notifier {
	if cfg.DiscordWebhookURL == "" {
		return nil
	}

	return notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	cfg *config.Config,
	tel *telemetry.Telemetry,
	downloads *rest.DownloadsHandler,
	sessions *rest.PlaybackHandler,
	admin *rest.AdminHandler,
) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID, telemetry.HTTPLogging, telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", tel.Handler())

	r.Mount("/downloads", downloads.Routes())
	r.Mount("/audiobooks", downloads.AudiobookRoutes(admin.BasicAuth))
	r.Mount("/playback", sessions.Routes())
	r.Mount("/admin", admin.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, cfg.Telemetry.ServiceName),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
