package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/shohag/pushrelay/internal/api"
	"github.com/shohag/pushrelay/internal/config"
	"github.com/shohag/pushrelay/internal/delivery"
	"github.com/shohag/pushrelay/internal/queue"
	"github.com/shohag/pushrelay/internal/registry"
	"github.com/shohag/pushrelay/internal/storage"
)

var version = "0.1.0"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: failed to load .env: %v\n", err)
	}

	rootCmd := &cobra.Command{
		Use:   "pushrelay",
		Short: "PushRelay: durable Web Push delivery queue",
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(workerCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(enqueueCmd(&configPath))
	rootCmd.AddCommand(jobsCmd(&configPath))
	rootCmd.AddCommand(devicesCmd(&configPath))
	rootCmd.AddCommand(statsCmd(&configPath))
	rootCmd.AddCommand(vapidCmd())
	rootCmd.AddCommand(tokenCmd(&configPath))
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and a delivery worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info().Msg("database migrations completed")

			notifier, err := setupNotifier(cfg.Wakeup, log)
			if err != nil {
				return fmt.Errorf("failed to setup wake-up notifier: %w", err)
			}

			clock := clockwork.NewRealClock()
			reg := registry.New(store, clock, log)
			enq := queue.NewEnqueuer(store, notifier, clock, log)
			pool := newPool(cfg, store, reg, notifier, clock, log)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			pool.Start(ctx)

			server := api.NewServer(cfg, store, reg, enq, log)
			go func() {
				if err := server.Start(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			log.Info().
				Str("version", version).
				Int("port", cfg.Server.Port).
				Int("concurrency", cfg.Delivery.Concurrency).
				Str("storage", cfg.Storage.Driver).
				Str("wakeup", cfg.Wakeup.Driver).
				Msg("PushRelay is running")

			waitForSignal()
			log.Info().Msg("shutting down...")

			if err := server.Shutdown(10 * time.Second); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}
			pool.Stop()
			if err := notifier.Close(); err != nil {
				log.Error().Err(err).Msg("notifier shutdown error")
			}

			log.Info().Msg("PushRelay stopped")
			return nil
		},
	}
}

func workerCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a delivery worker pool without the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}

			notifier, err := setupNotifier(cfg.Wakeup, log)
			if err != nil {
				return fmt.Errorf("failed to setup wake-up notifier: %w", err)
			}

			clock := clockwork.NewRealClock()
			pool := newPool(cfg, store, registry.New(store, clock, log), notifier, clock, log)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			pool.Start(ctx)

			log.Info().
				Str("version", version).
				Str("worker", pool.Owner()).
				Str("storage", cfg.Storage.Driver).
				Msg("PushRelay worker is running")

			waitForSignal()
			log.Info().Msg("shutting down...")

			pool.Stop()
			if err := notifier.Close(); err != nil {
				log.Error().Err(err).Msg("notifier shutdown error")
			}
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info().Msg("migrations completed successfully")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("PushRelay v%s\n", version)
		},
	}
}

func waitForSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
}

func newPool(cfg *config.Config, store storage.Storage, reg *registry.Registry, notifier queue.Notifier, clock clockwork.Clock, log zerolog.Logger) *delivery.Pool {
	if cfg.WebPush.VAPIDPublicKey == "" || cfg.WebPush.VAPIDPrivateKey == "" {
		log.Warn().Msg("VAPID keys are not configured; push services will reject every send")
	}
	sender := delivery.NewWebPushSender(cfg.WebPush, cfg.Delivery.SendTimeout)
	return delivery.NewPool(cfg.Delivery, store, reg, sender, notifier.Wake(), clock, log)
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func setupStorage(cfg config.StorageConfig, log zerolog.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "sqlite":
		log.Info().Str("path", cfg.SQLite.Path).Msg("using SQLite storage")
		return storage.NewSQLite(cfg.SQLite.Path)
	case "postgres":
		log.Info().Msg("using PostgreSQL storage")
		return storage.NewPostgres(cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns, cfg.Postgres.MaxIdleConns)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

func setupNotifier(cfg config.WakeupConfig, log zerolog.Logger) (queue.Notifier, error) {
	switch cfg.Driver {
	case "none":
		return queue.NopNotifier{}, nil
	case "local":
		return queue.NewLocalNotifier(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
		log.Info().Str("addr", cfg.Redis.Addr).Str("channel", cfg.Redis.Channel).Msg("using Redis wake-ups")
		return queue.NewRedisNotifier(client, cfg.Redis.Channel, log), nil
	default:
		return nil, fmt.Errorf("unsupported wakeup driver: %s", cfg.Driver)
	}
}

func storeFromConfig(configPath string) (storage.Storage, *config.Config, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := setupLogger(cfg.Logging)
	store, err := setupStorage(cfg.Storage, log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, cfg, func() { store.Close() }, nil
}
