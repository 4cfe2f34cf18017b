package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JonMunkholm/MiniETL/internal/broker"
	"github.com/JonMunkholm/MiniETL/internal/config"
	"github.com/JonMunkholm/MiniETL/internal/core"
	"github.com/JonMunkholm/MiniETL/internal/loader"
	"github.com/JonMunkholm/MiniETL/internal/logging"
	"github.com/JonMunkholm/MiniETL/internal/telemetry"
	"github.com/JonMunkholm/MiniETL/internal/web"
)

func main() {
	// Load .env file if it exists; real environment variables win
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file")
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging based on config
	logOpts := logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Color:  cfg.Logging.Color,
	}
	if cfg.Fluent.Enabled() {
		client, err := logging.NewFluentClient(logging.FluentConfig{
			Host:      cfg.Fluent.Host,
			Port:      cfg.Fluent.Port,
			TagPrefix: cfg.Fluent.TagPrefix,
		})
		if err != nil {
			slog.Error("failed to create fluent client", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		logOpts.Fluent = client
	}
	logging.Setup(logOpts)

	slog.Info("configuration loaded", "config", cfg.String())

	ctx := context.Background()

	// Run history: PostgreSQL when configured, memory otherwise
	var store core.RunStore
	if cfg.Database.Enabled() {
		pool, err := connectDB(ctx, &cfg.Database)
		if err != nil {
			slog.Error("failed to connect to database", "error", err, "code", core.MapError(err).Code)
			os.Exit(1)
		}
		defer pool.Close()

		pg := core.NewPostgresRunStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			slog.Error("failed to prepare run history table", "error", err)
			os.Exit(1)
		}
		store = pg
	} else {
		slog.Info("DATABASE_URL not set, keeping run history in memory", "capacity", cfg.History.MemorySize)
		store = core.NewMemoryRunStore(cfg.History.MemorySize)
	}

	// Run events: RabbitMQ when configured
	var publisher interface {
		core.Publisher
		io.Closer
	} = broker.Noop{}
	if cfg.Broker.Enabled() {
		p, err := broker.New(broker.Config{
			URL:        cfg.Broker.URL,
			Exchange:   cfg.Broker.Exchange,
			RoutingKey: cfg.Broker.RoutingKey,
		})
		if err != nil {
			slog.Error("failed to connect to broker", "error", err)
			os.Exit(1)
		}
		publisher = p
		slog.Info("publishing run events", "exchange", cfg.Broker.Exchange, "routing_key", cfg.Broker.RoutingKey)
	}
	defer publisher.Close()

	src, err := loader.New(loader.Config{
		URL:          cfg.Source.URL,
		Timeout:      cfg.Source.Timeout,
		Attempts:     cfg.Source.Attempts,
		RetryInitial: cfg.Source.RetryInitial,
		RetryMax:     cfg.Source.RetryMax,
		UserAgent:    cfg.Source.UserAgent,
		MaxBodyBytes: cfg.Source.MaxBodyBytes,
	})
	if err != nil {
		slog.Error("failed to create loader", "error", err)
		os.Exit(1)
	}

	service := core.NewService(src, core.ServiceOptions{
		Store:           store,
		Publisher:       publisher,
		Observer:        telemetry.New(prometheus.DefaultRegisterer),
		FallbackMetrics: src.FallbackMetrics(),
		Pipeline:        src.Pipeline(),
		RunTimeout:      cfg.Run.Timeout,
		MaxWait:         cfg.Run.MaxWait,
	})

	server := web.NewServer(service, cfg, prometheus.DefaultGatherer)

	// Create cancellable context for background jobs
	jobCtx, cancelJobs := context.WithCancel(context.Background())

	go service.StartRetentionScheduler(jobCtx, core.RetentionConfig{
		RetentionDays: cfg.History.RetentionDays,
		CheckInterval: cfg.History.CheckInterval,
	})

	// First run, so the API has data before the first request
	if cfg.Run.OnStartup {
		go func() {
			runCtx := core.ContextWithTrigger(jobCtx, core.TriggerStartup)
			if _, err := service.Run(runCtx, cfg.Run.StartupLive); err != nil {
				slog.Warn("startup run failed", "error", err, "code", core.MapError(err).Code)
			}
		}()
	}

	// Graceful shutdown
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		// Stop background jobs
		cancelJobs()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}

		// Let the run in flight finish so its history row and event are written
		if status := service.LimiterStatus(); status.Active > 0 {
			slog.Info("waiting for pipeline run to complete")
		}
		if err := service.WaitForRuns(shutdownCtx); err != nil {
			slog.Warn("pipeline run did not complete in time", "error", err)
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server failed", "error", err)
		cancelJobs()
		os.Exit(1)
	}
	<-stopped
	slog.Info("server stopped")
}

// connectDB opens and verifies the connection pool.
func connectDB(ctx context.Context, cfg *config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, err
	}

	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// Log which database we connected to
	if u, err := url.Parse(cfg.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	}
	return pool, nil
}
