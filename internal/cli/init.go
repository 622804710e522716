// Package cli holds the start-up steps shared by cmd/vsla, cmd/vsla-worker
// and cmd/vslactl.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vsla/internal/accounts"
	"vsla/internal/config"
	"vsla/internal/cycle"
	"vsla/internal/ledger"
	"vsla/internal/lock"
	"vsla/internal/log"
	"vsla/internal/storage"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

// SetupLogger builds the process logger from LOG_LEVEL and LOG_FORMAT and
// installs it as the slog default.
func SetupLogger(component string) *log.Logger {
	return setupLogger(component, os.Stdout)
}

func setupLogger(component string, out io.Writer) *log.Logger {
	cfg := log.DefaultConfig()
	cfg.Level = log.ParseLevel(os.Getenv("LOG_LEVEL"))
	if os.Getenv("LOG_FORMAT") == "json" {
		cfg.Format = "json"
	}
	cfg.Component = component
	cfg.Output = out
	logger := log.New(cfg)
	log.SetDefault(logger)
	return logger
}

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// LoadAndValidateConfig loads configuration and validates it.
// Returns the config or exits the process on validation failure.
func LoadAndValidateConfig(logger *log.Logger) *config.Config {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}
	return cfg
}

// InitSQLite opens the database and applies pending migrations.
// Returns the repository or exits the process on failure.
func InitSQLite(logger *log.Logger, dbPath string) *storage.SQLiteRepository {
	repo, err := storage.NewSQLiteRepository(dbPath)
	if err != nil {
		logger.Error("Failed to initialize SQLite repository", log.FieldError, err, "path", dbPath)
		os.Exit(1)
	}
	return repo
}

// NewLocker returns the lock backend named by cfg.LockBackend. The returned
// func releases backend resources.
func NewLocker(ctx context.Context, cfg *config.Config, logger *log.Logger) (lock.Locker, func(), error) {
	if cfg.LockBackend != "redis" {
		logger.Info("Using in-process cycle locks")
		return lock.NewKeyedMutex(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	locker := lock.NewRedisLocker(client, "vsla:lock:", cfg.LockTTL)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := locker.Ping(pingCtx); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connect redis at %s: %w", cfg.RedisAddr, err)
	}
	logger.Info("Using Redis cycle locks", "addr", cfg.RedisAddr, "ttl", cfg.LockTTL)
	return locker, func() { client.Close() }, nil
}

// Services are the engine entry points every binary wires the same way.
type Services struct {
	Ledger *ledger.Service
	Cycles *cycle.Service
}

func NewServices(cfg *config.Config, repo *storage.SQLiteRepository, locker lock.Locker) Services {
	poster := accounts.NewLedger()
	return Services{
		Ledger: ledger.NewService(repo, poster, locker, ledger.RulesFromSettings(cfg.Settings)),
		Cycles: cycle.NewService(repo, poster, locker, cfg.Policy()),
	}
}

// GracefulShutdown sets up signal handling for graceful shutdown.
// Returns a context that will be cancelled on shutdown signals,
// and a channel that signals when shutdown is complete.
func GracefulShutdown(logger *log.Logger, timeout time.Duration, cleanup func(context.Context)) (context.Context, <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
		defer shutdownCancel()

		cancel()
		if cleanup != nil {
			cleanup(shutdownCtx)
		}

		if shutdownCtx.Err() != nil {
			logger.Warn("Shutdown timeout reached")
		} else {
			logger.Info("Shutdown complete")
		}
		close(done)
	}()

	return ctx, done
}

// WaitForShutdown blocks until the context is cancelled and cleanup ran.
func WaitForShutdown(ctx context.Context, done <-chan struct{}) {
	<-ctx.Done()
	<-done
}
