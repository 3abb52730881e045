package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"ledgerd/internal/amqp"
	"ledgerd/internal/cache"
	"ledgerd/internal/cli"
	apphttp "ledgerd/internal/http"
	"ledgerd/internal/log"
	"ledgerd/internal/services"
)

// maxCachedOwners bounds the category catalog cache.
const maxCachedOwners = 1024

func main() {
	cli.LoadEnvFile()
	cfg := cli.LoadAndValidateConfig()
	logger := cli.SetupLogger(cfg, log.ComponentApp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res := cli.OpenStore(ctx, logger, cfg)
	defer cli.CloseStore(logger, res)

	catalog := services.NewCategoryCatalog(res.Store, maxCachedOwners, cfg.CategoryCacheTTL)
	caches := cache.NewManager()
	caches.Register("categories", catalog.Cache())
	caches.StartCleanup(time.Minute)
	defer caches.Stop()

	// Events are optional: without a broker the sheet mirror simply stops
	// receiving updates.
	var publisher services.EventPublisher
	if cfg.AMQPURL != "" {
		client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Warn("Failed to initialize AMQP client, continuing without events", "error", err)
		} else {
			defer client.Close()
			publisher = client
			logger.Info("AMQP publisher initialized", "exchange", cfg.AMQPExchange)
		}
	} else {
		logger.Info("AMQP disabled - ledger events will not be published")
	}

	srv := apphttp.NewServer(":"+cfg.Port, apphttp.NewServices(res.Store, publisher, catalog), apphttp.Options{
		Logger: logger,
	})

	// No WriteTimeout: change streams stay open indefinitely.
	srv.ReadTimeout = 10 * time.Second
	srv.IdleTimeout = 60 * time.Second
	srv.MaxHeaderBytes = 1 << 16 // 64KB

	go func() {
		cli.WaitForShutdown(ctx, logger)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
		cancel()
	}()

	logger.Info("Starting ledgerd", "port", cfg.Port, "backend", cfg.StorageBackend)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", "error", err, "port", cfg.Port)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("Server stopped gracefully")
}
