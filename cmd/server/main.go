package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/supakiln/engine/internal/config"
	"github.com/supakiln/engine/internal/database"
	"github.com/supakiln/engine/internal/docker"
	"github.com/supakiln/engine/internal/executor"
	"github.com/supakiln/engine/internal/images"
	"github.com/supakiln/engine/internal/proxy"
	"github.com/supakiln/engine/internal/reliability"
	"github.com/supakiln/engine/internal/sandbox"
	"github.com/supakiln/engine/internal/scheduler"
	"github.com/supakiln/engine/internal/server"
	"github.com/supakiln/engine/internal/services"
	"github.com/supakiln/engine/internal/store"
	"github.com/supakiln/engine/internal/vault"
	"github.com/supakiln/engine/internal/webhook"
	"github.com/supakiln/engine/internal/webservice"
	"github.com/supakiln/engine/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Logger is not up yet.
		panic(err)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Msg("Starting engine")

	// Initialize database
	db, err := database.New(database.Config{
		Path: filepath.Join(cfg.DataDir, "engine.db"),
		Name: "engine",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	// Run migrations
	if err := db.Migrate(log); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	// Connect to the container runtime
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cli, err := docker.Connect(ctx, cfg.DockerHost, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to container runtime")
	}
	defer cli.Close()

	// Repositories
	conn := db.Conn()
	jobRepo := store.NewScheduledJobRepo(conn, log)
	webhookRepo := store.NewWebhookJobRepo(conn, log)
	serviceRepo := store.NewServiceRepo(conn, log)
	logRepo := store.NewExecutionLogRepo(conn, log)
	portRepo := store.NewExposedPortRepo(conn, log)

	// Secrets vault
	secrets, err := vault.New(conn, cfg.DataDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open secrets vault")
	}

	// Sandboxing and execution
	imageCache := images.NewCache(cli, log)
	sandboxes := sandbox.NewManager(cli, imageCache, log)
	engine := executor.New(cli, sandboxes, secrets, log)
	webRunner := webservice.NewRunner(cli, sandboxes, portRepo, secrets, log)

	// Warm the base image so first executions do not pay a build.
	go func() {
		warmCtx, warmCancel := context.WithTimeout(ctx, 10*time.Minute)
		defer warmCancel()
		if err := imageCache.EnsureBase(warmCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to pre-build base image")
		}
	}()

	// Dispatchers
	sched := scheduler.New(jobRepo, logRepo, engine, log)
	webhooks := webhook.NewDispatcher(webhookRepo, logRepo, engine, log)
	supervisor := services.NewSupervisor(serviceRepo, logRepo, sandboxes, webRunner, cli, secrets, log)
	webProxy := proxy.New(portRepo, log)

	// Off-host backups, when configured
	var backup *reliability.Service
	if cfg.Backup.Enabled() {
		backup, err = reliability.New(ctx, cfg.Backup, cfg.DataDir, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to configure backups")
		}
	}

	// Start the scheduler
	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}
	defer sched.Stop()
	if backup != nil {
		if err := backup.Schedule(sched.Cron()); err != nil {
			log.Fatal().Err(err).Msg("Failed to schedule backups")
		}
	}

	// Bring up auto-start services
	supervisor.AutoStartAll(ctx)

	// Initialize HTTP server
	srv := server.New(server.Deps{
		Config:      cfg,
		Log:         log,
		DB:          db,
		Sandboxes:   sandboxes,
		Engine:      engine,
		Scheduler:   sched,
		Webhooks:    webhooks,
		Services:    supervisor,
		WebRunner:   webRunner,
		Proxy:       webProxy,
		Vault:       secrets,
		Backup:      backup,
		Jobs:        jobRepo,
		WebhookJobs: webhookRepo,
		ServiceRepo: serviceRepo,
		Logs:        logRepo,
	})

	// Start server in goroutine
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Engine started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Stop services and tear down sandboxes before the daemon connection goes.
	supervisor.StopAll(shutdownCtx)
	sandboxes.CleanupAll(shutdownCtx)

	log.Info().Msg("Engine stopped")
}
