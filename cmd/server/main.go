package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"botline/internal/bots"
	"botline/internal/chat"
	"botline/internal/config"
	"botline/internal/history"
	"botline/internal/httpapi"
	"botline/internal/memory"
	"botline/internal/metrics"
	"botline/internal/providers/registry"
	"botline/internal/queue"
	"botline/internal/secrets"
	"botline/internal/storage"
	"botline/internal/usage"
	"botline/internal/worker"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to read .env")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("mode", cfg.AppMode).
		Str("memory_mode", cfg.Memory.Mode).
		Str("db_driver", cfg.DB.Driver).
		Str("key_id", cfg.Crypto.CurrentKeyID).
		Msg("starting botline")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	keyring, err := secrets.NewKeyring(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize keyring")
	}

	m := metrics.Global()
	providers := registry.Build(registry.BuildOptions{
		OpenRouterBaseURL:  cfg.Provider.OpenRouterBaseURL,
		OpenRouterHeaders:  cfg.Provider.Headers(),
		GeminiBaseURL:      cfg.Provider.GeminiBaseURL,
		GeminiDefaultModel: cfg.Provider.GeminiDefaultModel,
		HTTPClient:         &http.Client{},
		MaxRetries:         cfg.Provider.MaxRetries,
		BackoffBase:        cfg.Provider.BackoffBase,
	})
	resolver := bots.NewResolver(bots.Config{
		Store:   store,
		Secrets: keyring,
		Check:   providers.Check,
		Logger:  log.Logger,
	})
	memService := memory.NewService(memory.Config{
		Store:  store,
		Bot:    memory.BotExtractor{Bots: resolver, Providers: providers},
		Logger: log.Logger,
	})
	jobQueue := queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)

	var dispatcher memory.Dispatcher = memory.NewAsyncUpdater(memService, cfg.Memory.UpdateTimeout, log.Logger)
	if cfg.Memory.Mode == config.MemoryModeQueue {
		dispatcher = jobQueue
	}

	errCh := make(chan error, 4)
	var httpServer *http.Server

	if cfg.ServesAPI() {
		manager, err := chat.NewManager(resolver, chat.Deps{
			Providers:       providers,
			Ledger:          usage.NewLedger(usage.Config{Store: store, Logger: log.Logger}),
			Memory:          memService,
			Dispatcher:      dispatcher,
			History:         history.NewStore(store),
			Audit:           store,
			ProviderTimeout: cfg.Provider.Timeout,
			Logger:          log.Logger,
		}, cfg.Sessions.CacheSize)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize sessions")
		}
		api := httpapi.New(httpapi.Config{
			Sessions:    manager,
			RateLimiter: queue.NewRateLimiter(rdb, cfg.Rate.PerWindow, cfg.Rate.Window),
			Dedupe:      queue.NewDeduplicator(rdb, cfg.Redis.DedupeTTL),
			Ready: func(ctx context.Context) error {
				if err := store.Ping(ctx); err != nil {
					return err
				}
				return rdb.Ping(ctx).Err()
			},
			CORSOrigins: cfg.HTTP.CORSOrigins,
			HealthPath:  cfg.HTTP.HealthPath,
			MetricsPath: cfg.HTTP.MetricsPath,
			Logger:      log.Logger,
		})
		// No WriteTimeout: streamed sends are bounded by the provider timeout.
		httpServer = &http.Server{
			Addr:              cfg.HTTP.ListenAddr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       cfg.HTTP.ReadTimeout,
			IdleTimeout:       cfg.HTTP.IdleTimeout,
		}
		go func() {
			log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	if cfg.RunsWorker() {
		w := worker.New(worker.Config{
			Queue:         jobQueue,
			Learner:       memService,
			JobTimeout:    cfg.Worker.JobTimeout,
			MaxJobRetries: cfg.Worker.MaxRetries,
			Logger:        log.Logger,
			Metrics:       m,
		})
		go func() {
			if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("worker failed: %w", err)
			}
		}()
		log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to stop http server")
		}
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
