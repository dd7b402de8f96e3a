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

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/artifactd/internal/cleanup"
	"github.com/italolelis/artifactd/internal/config"
	"github.com/italolelis/artifactd/internal/downloader"
	"github.com/italolelis/artifactd/internal/events"
	"github.com/italolelis/artifactd/internal/http/rest"
	"github.com/italolelis/artifactd/internal/integrity"
	"github.com/italolelis/artifactd/internal/logctx"
	"github.com/italolelis/artifactd/internal/notifier"
	"github.com/italolelis/artifactd/internal/quarantine"
	"github.com/italolelis/artifactd/internal/registry"
	"github.com/italolelis/artifactd/internal/storage"
	"github.com/italolelis/artifactd/internal/storage/sqlite"
	"github.com/italolelis/artifactd/internal/telemetry"
	"github.com/italolelis/artifactd/internal/transfer"
)

const subscriberBuffer = 256

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the download daemon and its REST API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}

			logger := logctx.New(os.Stdout, cfg.SlogLevel())
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("artifactd starting...", "log_level", cfg.LogLevel, "version", version)

			if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
				logger.Error("fatal error", "err", err)

				return err
			}

			return nil
		},
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
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(ctx); err != nil {
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

	history := sqlite.NewInstrumentedHistoryRepository(database, tel)

	// =========================================================================
	// Start Downloader
	bus := events.NewBus()
	reg := registry.New()
	store := quarantine.New(cfg.QuarantineRoot())

	client := transfer.NewInstrumentedClient(
		transfer.NewHTTPClient(transfer.HTTPOptions{
			ConnectTimeout:  cfg.HTTPConnectTimeout,
			IdleConnTimeout: cfg.HTTPIdleConnTimeout,
			UserAgent:       "artifactd/" + version,
		}),
		tel,
		"http",
	)

	dl := downloader.NewDownloader(
		downloader.Config{
			ModelsDir:         cfg.ModelsRoot(),
			MainFileName:      cfg.MainFileName,
			CompanionFileName: cfg.CompanionFileName,
			ProgressInterval:  cfg.ProgressInterval,
		},
		client,
		reg,
		integrity.NewVerifier(),
		store,
		bus,
		downloader.WithTelemetry(tel),
	)

	g, gctx := errgroup.WithContext(ctx)

	// Subscribers outlive the server so the pause events published while
	// the downloader shuts down still reach them.
	eventsCtx, stopEvents := context.WithCancel(context.WithoutCancel(ctx))
	defer stopEvents()

	// =========================================================================
	// Start Notification
	setupSubscribers(eventsCtx, g, bus, history, cfg)

	// =========================================================================
	// Start Cleanup
	setupCleanup(gctx, g, reg, cfg)

	// =========================================================================
	// Start API Service
	server := setupServer(gctx, cfg, dl, store, history, bus, tel)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	logger.Info("waiting for downloads...",
		"models_dir", cfg.ModelsRoot(),
		"quarantine_dir", cfg.QuarantineRoot(),
		"partial_retention", cfg.PartialRetention.String(),
	)

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				logger.Error("could not stop server gracefully", "err", err)
			}
		}

		// Running transfers stop as if paused; their partial files stay.
		if err := dl.Close(ctx); err != nil {
			logger.Error("failed to stop downloads", "err", err)
		}

		stopEvents()

		return nil
	})

	return g.Wait()
}

func setupSubscribers(ctx context.Context, g *errgroup.Group, bus *events.Bus, history storage.HistoryWriteRepository, cfg *config.Config) {
	handlers := map[string]func(context.Context, events.Event){
		"log":     events.Log,
		"history": storage.NewRecorder(history, storage.GenerateInstanceID()).Handle,
	}

	if cfg.DiscordWebhookURL != "" {
		handlers["discord"] = notifier.EventHandler(notifier.NewDiscordNotifier(cfg.DiscordWebhookURL))
	}

	for name, handle := range handlers {
		name, handle := name, handle
		sub := bus.Subscribe(subscriberBuffer)

		g.Go(func() error {
			defer sub.Close()

			ctx, _ := logctx.With(ctx, "subscriber", name)

			events.Consume(ctx, sub, handle)

			return nil
		})
	}
}

func setupCleanup(ctx context.Context, g *errgroup.Group, reg *registry.Registry, cfg *config.Config) {
	if cfg.PartialRetention <= 0 {
		return
	}

	g.Go(func() error {
		cleanup.Run(ctx, cfg.CleanupInterval, cfg.ModelsRoot(), downloader.PartialSuffix, cfg.PartialRetention, reg.HasArtifact)

		return nil
	})
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	cfg *config.Config,
	dl *downloader.Downloader,
	store *quarantine.Store,
	history storage.HistoryReadRepository,
	bus *events.Bus,
	tel *telemetry.Telemetry,
) *http.Server {
	handler := rest.NewArtifactHandler(cfg.Web.Username, cfg.Web.Password, dl, store, history, bus)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
	r.Use(telemetry.HTTPLogging)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", tel.Handler())
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
