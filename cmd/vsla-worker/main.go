package main

import (
	"context"
	"errors"
	"os"
	"time"

	"vsla/internal/amqp"
	"vsla/internal/cli"
	"vsla/internal/log"
	"vsla/internal/scheduler"
	"vsla/internal/sheets"
	gsheet "vsla/internal/sheets/google"
	"vsla/internal/worker"

	"golang.org/x/sync/errgroup"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(log.ComponentWorker)
	logger.Info("Starting vsla-worker")

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

	// Google Sheets push is optional
	var reportWriter sheets.ReportWriter
	if cfg.GoogleSpreadsheetID != "" {
		client, err := gsheet.NewFromConfig(context.Background(), cfg)
		if err != nil {
			logger.Error("Failed to initialize Google Sheets client", log.FieldError, err)
			os.Exit(1)
		}
		reportWriter = client
		logger.Info("Google Sheets client initialized", "spreadsheet_id", cfg.GoogleSpreadsheetID)
	} else {
		logger.Info("Google Sheets disabled - no GOOGLE_SPREADSHEET_ID provided")
	}

	syncWorker := worker.NewSyncWorker(svc.Cycles, reportWriter, cfg.ExportDir)

	sched, err := scheduler.New(svc.Cycles, scheduler.Config{
		RefreshSchedule:     cfg.RefreshSchedule,
		EligibilitySchedule: cfg.EligibilitySchedule,
		JobTimeout:          time.Minute,
		Location:            time.Local,
	}, logger.WithComponent(log.ComponentScheduler))
	if err != nil {
		logger.Error("Failed to configure scheduler", log.FieldError, err)
		os.Exit(1)
	}

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, nil)

	var amqpClient *amqp.Client
	if cfg.AMQPURL != "" {
		amqpClient, err = amqp.NewClientWithRetry(ctx, cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, 5)
		if err != nil {
			logger.Error("Failed to initialize AMQP client", log.FieldError, err)
			os.Exit(1)
		}
		defer amqpClient.Close()
		svc.Cycles.SetPublisher(amqpClient)
	} else {
		logger.Info("AMQP disabled - exports run only from the startup check")
	}

	// Process any payouts whose event was missed while the worker was down
	logger.Info("Performing startup sync check...")
	if err := syncWorker.StartupSyncCheck(ctx); err != nil {
		logger.Error("Failed startup sync check", log.FieldError, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	if amqpClient != nil {
		g.Go(func() error {
			err := amqpClient.ConsumeCycleEvents(gctx, syncWorker.HandleCycleEvent)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("Worker stopped with error", log.FieldError, err)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Worker shutdown complete")
}
