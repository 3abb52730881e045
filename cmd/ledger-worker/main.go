package main

import (
	"context"
	"errors"
	"os"
	"time"

	"ledgerd/internal/amqp"
	"ledgerd/internal/cli"
	"ledgerd/internal/config"
	"ledgerd/internal/log"
	"ledgerd/internal/services"
	"ledgerd/internal/sheets"
	gsheet "ledgerd/internal/sheets/google"
	"ledgerd/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	cfg := cli.LoadAndValidateConfig()
	logger := cli.SetupLogger(cfg, log.ComponentWorker)

	logger.Info("Starting ledger-worker")

	if cfg.AMQPURL == "" {
		logger.Error("AMQP_URL is required for ledger-worker")
		os.Exit(1)
	}
	if cfg.StorageBackend == config.BackendMemory {
		logger.Warn("Memory backend is private to this process; audits will only see an empty ledger")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res := cli.OpenStore(ctx, logger, cfg)
	defer cli.CloseStore(logger, res)

	var mirror sheets.TransactionMirror
	if cfg.SheetsEnabled() {
		client, err := gsheet.New(ctx, gsheet.Options{
			SpreadsheetID:   cfg.GoogleSpreadsheetID,
			SheetName:       cfg.GoogleSheetName,
			CredentialsJSON: cfg.GoogleServiceAccountJSON,
			CredentialsFile: cfg.GoogleServiceAccountFile,
		})
		if err != nil {
			logger.Error("Failed to initialize Google Sheets client", "error", err)
			os.Exit(1)
		}
		mirror = client
		logger.Info("Google Sheets mirror enabled", "spreadsheet_id", cfg.GoogleSpreadsheetID)
	} else {
		logger.Info("Google Sheets mirror disabled - no GOOGLE_SPREADSHEET_ID provided")
	}

	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", "error", err)
		os.Exit(1)
	}
	defer amqpClient.Close()

	auditor := services.NewAuditor(res.Store, 4)
	ledgerWorker := worker.NewLedgerWorker(mirror, auditor)

	go func() {
		if err := amqpClient.ConsumeLedgerEvents(ctx, ledgerWorker.HandleLedgerEvent); err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Error("Message consumption failed", "error", err)
			}
			cancel()
		}
	}()

	// Sweep every owner periodically so drift from lost events still surfaces.
	sweep := worker.NewPeriodicJob("ledger-audit", cfg.AuditInterval, func(ctx context.Context) error {
		_, err := auditor.AuditAll(ctx)
		return err
	})
	if err := sweep.Start(ctx); err != nil {
		logger.Error("Failed to start audit sweep", "error", err)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Info("Shutting down worker...")
	cancel()
	if err := sweep.Stop(shutdownCtx); err != nil {
		logger.Warn("Audit sweep did not stop cleanly", "error", err)
	}
	logger.Info("Worker shutdown complete")
}
