package main

import (
	"context"
	"os"
	"time"

	"ledgerd/internal/cli"
	"ledgerd/internal/log"
	"ledgerd/internal/services"
	"ledgerd/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	cfg := cli.LoadAndValidateConfig()
	logger := cli.SetupLogger(cfg, log.ComponentRenewer)

	logger.Info("Starting budget-renewer", "interval", cfg.BudgetRenewalInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res := cli.OpenStore(ctx, logger, cfg)
	defer cli.CloseStore(logger, res)

	renewer := services.NewBudgetRenewer(res.Store)
	job := worker.NewPeriodicJob("budget-renewal", cfg.BudgetRenewalInterval, func(ctx context.Context) error {
		renewed, err := renewer.RenewDue(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		if renewed > 0 {
			logger.Info("Budgets renewed", "count", renewed)
		}
		return nil
	})
	if err := job.Start(ctx); err != nil {
		logger.Error("Failed to start renewal job", "error", err)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cancel()
	if err := job.Stop(shutdownCtx); err != nil {
		logger.Warn("Renewal job did not stop cleanly", "error", err)
	}
	logger.Info("budget-renewer stopped")
}
