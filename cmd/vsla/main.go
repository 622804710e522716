package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"vsla/internal/amqp"
	"vsla/internal/cli"
	apphttp "vsla/internal/http"
	"vsla/internal/log"
	"vsla/internal/middleware/ratelimit"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(log.ComponentApp)
	cfg := cli.LoadAndValidateConfig(logger)

	repo := cli.InitSQLite(logger, cfg.SQLiteDBPath)
	defer repo.Close()

	locker, releaseLocks, err := cli.NewLocker(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize lock backend", log.FieldError, err)
		os.Exit(1)
	}
	defer releaseLocks()

	svc := cli.NewServices(cfg, repo, locker)

	// Events are best effort: without a broker the API still settles cycles.
	if cfg.AMQPURL != "" {
		amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Warn("Failed to initialize AMQP client, cycle events disabled", log.FieldError, err)
		} else {
			defer amqpClient.Close()
			svc.Cycles.SetPublisher(amqpClient)
			logger.Info("AMQP publisher initialized", "exchange", cfg.AMQPExchange, "queue", cfg.AMQPQueue)
		}
	} else {
		logger.Info("AMQP disabled - cycle events will not be published")
	}

	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = cfg.RateLimitPerMinute

	srv := apphttp.NewServer(":"+cfg.Port, apphttp.Deps{
		Store:              repo,
		Ledger:             svc.Ledger,
		Cycles:             svc.Cycles,
		Logger:             logger.WithComponent(log.ComponentHTTP),
		RateLimit:          rl,
		SharePrice:         cfg.Settings.SharePrice,
		AdministrativeCost: cfg.Settings.AdministrativeCost,
	})
	srv.MaxHeaderBytes = 1 << 16

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", log.FieldError, err)
		}
	})

	logger.Info("Starting vsla server",
		"port", cfg.Port,
		"db", cfg.SQLiteDBPath,
		"lock_backend", cfg.LockBackend,
		"negative_payout_policy", string(cfg.Policy()))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", log.FieldError, err, "port", cfg.Port)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Server stopped gracefully")
}
