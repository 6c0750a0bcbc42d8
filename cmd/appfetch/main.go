package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/appfetch/appfetch/internal/appstore"
	"github.com/appfetch/appfetch/internal/cleanup"
	"github.com/appfetch/appfetch/internal/config"
	"github.com/appfetch/appfetch/internal/downloader"
	"github.com/appfetch/appfetch/internal/http/rest"
	"github.com/appfetch/appfetch/internal/job"
	"github.com/appfetch/appfetch/internal/keys"
	"github.com/appfetch/appfetch/internal/logctx"
	"github.com/appfetch/appfetch/internal/notifier"
	"github.com/appfetch/appfetch/internal/retryhttp"
	"github.com/appfetch/appfetch/internal/signer"
	"github.com/appfetch/appfetch/internal/storage"
	"github.com/appfetch/appfetch/internal/storage/sqlite"
	"github.com/appfetch/appfetch/internal/telemetry"
	"github.com/appfetch/appfetch/internal/versions"
	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("appfetch starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && err != context.Canceled {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: "appfetch",
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	accountRepo := sqlite.NewAccountRepository(database)
	downloadRepo := sqlite.NewInstrumentedDownloadRepository(database, tel)

	// =========================================================================
	// Start Store Client
	store := appstore.NewInstrumentedClient(
		appstore.NewClient(
			cfg.AuthBaseURL,
			cfg.BuyBaseURL,
			retryhttp.NewClient(retryhttp.NewTransport(cfg.MaxParallel), retryhttp.DefaultTimeout, retryhttp.DefaultRetries),
		),
		tel,
	)

	// =========================================================================
	// Start Downloader
	// Range fetches reuse connections heavily, and a whole chunk may
	// legitimately take longer than an RPC, so the chunk client carries no
	// overall timeout.
	chunkClient := &http.Client{Transport: retryhttp.NewTransport(cfg.MaxParallel)}
	dl := downloader.NewChunked(chunkClient, cfg.ChunkSize, cfg.MaxParallel)
	dl.Metrics = tel

	// =========================================================================
	// Start Orchestrator
	registry := job.NewRegistry()
	orch := job.NewOrchestrator(store, dl, signer.New(), registry, tel)

	setupJobEvents(ctx, orch, downloadRepo, cfg)

	// =========================================================================
	// Start API Service
	kp, err := keys.NewProvider(cfg.CredentialKey, cfg.CredentialKeyID)
	if err != nil {
		return fmt.Errorf("failed to setup credential keys: %w", err)
	}

	if !kp.Enabled() {
		logger.Warn("no credential key configured, sessions will not auto-refresh after restart")
	}

	vc := versions.NewClient(&http.Client{Timeout: retryhttp.DefaultTimeout})

	handler := rest.NewHandler(ctx, store, orch, vc, accountRepo, downloadRepo, kp, cfg.DownloadDir, tel)

	restored, err := handler.RestoreSessions()
	if err != nil {
		logger.Error("failed to restore saved sessions", "err", err)
	} else if len(restored) > 0 {
		logger.Info("restored saved sessions", "count", len(restored))
	}

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, handler, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for download requests...",
		"download_dir", cfg.DownloadDir,
		"chunk_size", humanize.Bytes(uint64(cfg.ChunkSize)),
		"max_parallel", cfg.MaxParallel,
		"retention", cfg.KeepDownloadedFor.String(),
	)

	// =========================================================================
	// Start Cleanup
	go cleanup.Run(ctx, downloadRepo, cfg.KeepDownloadedFor, cfg.CleanupInterval)
	go pruneRegistry(ctx, registry, cfg)

	// =========================================================================
	// Wait for Shutdown
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return ctx.Err()
	}
}

// setupJobEvents records finished packages and pushes webhook notifications
// for terminal jobs.
func setupJobEvents(ctx context.Context, orch *job.Orchestrator, downloadRepo storage.DownloadRepository, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = &notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL}
	}

	notify := func(content string) {
		if notif == nil {
			return
		}

		if err := notif.Notify(ctx, content); err != nil {
			logger.Error("failed to send notification", "err", err)
		}
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-orch.OnJobFinished:
				logger.Info("job finished", "job_id", snap.ID, "file", snap.FilePath)

				record := storage.DownloadRecord{
					ID:           uuid.NewString(),
					Email:        snap.Email,
					ProductID:    snap.ProductID,
					BundleID:     snap.Metadata["bundleId"],
					Name:         snap.Metadata["bundleDisplayName"],
					Version:      snap.Metadata["version"],
					FilePath:     snap.FilePath,
					FileSize:     snap.FileSize,
					DownloadedAt: time.Now().Format(time.RFC3339),
				}

				if err := downloadRepo.TrackDownload(record); err != nil {
					logger.Error("failed to track download", "job_id", snap.ID, "err", err)
				}

				notify("✅ Package ready: " + record.Name + " " + record.Version + " (" + humanize.Bytes(uint64(record.FileSize)) + ")")
			case snap := <-orch.OnJobFailed:
				logger.Error("job failed", "job_id", snap.ID, "err", snap.Error)

				notify("❌ Download failed for product " + snap.ProductID + ": " + snap.Error)
			}
		}
	}()
}

// pruneRegistry drops terminal jobs from the in-memory registry once their
// package retention window has passed; the download records outlive them.
func pruneRegistry(ctx context.Context, registry *job.Registry, cfg *config.Config) {
	ticker := time.NewTicker(cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			registry.PruneFinished(cfg.KeepDownloadedFor)
		}
	}
}

// setupServer prepares the middleware chain and routes of the http rest server.
func setupServer(ctx context.Context, handler *rest.Handler, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	r := chi.NewRouter()

	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Method(http.MethodGet, "/metrics", tel.Handler())
	r.Mount("/", handler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
