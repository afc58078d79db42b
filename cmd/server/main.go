package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nicktill/tinystat/pkg/config"
	"github.com/nicktill/tinystat/pkg/logging"
	"github.com/nicktill/tinystat/pkg/server"
	"github.com/nicktill/tinystat/pkg/server/monitor"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 60 * time.Second
)

func main() {
	cfg, err := server.LoadConfig()
	if err != nil {
		logging.Must(config.DefaultLogLevel, false).Fatal("invalid configuration", zap.Error(err))
	}

	logger := logging.Must(cfg.LogLevel, false)
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	logger.Info("starting tinystat server",
		zap.String("storage", cfg.Storage),
		zap.String("timezone", cfg.Location.String()),
		zap.Int("workers", cfg.Workers),
		zap.Int("week_retention", cfg.Retention.Weeks),
		zap.Int("month_retention", cfg.Retention.Months),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := server.InitializeStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer store.Close()

	var storageMonitor *monitor.StorageMonitor
	if cfg.Storage == server.BackendBadger {
		maxBytes := cfg.MaxStorageGB * 1024 * 1024 * 1024
		storageMonitor = monitor.NewStorageMonitor(cfg.DataDir, maxBytes, nil)
		logger.Info("storage limit enforcement enabled", zap.Int64("max_bytes", maxBytes))
	}

	exportHandler, hub := server.InitializeHandlers(store, storageMonitor, logger)
	jobs := server.NewJobs(store, cfg, hub, nil, logger)

	scheduler, err := server.NewScheduler(jobs, cfg, nil, logger)
	if err != nil {
		logger.Fatal("failed to configure scheduler", zap.Error(err))
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()

	wg.Add(1)
	go scheduler.Run(ctx, &wg)

	wg.Add(1)
	go server.RunBadgerGC(ctx, store, nil, logger.Named("gc"), &wg)

	if storageMonitor != nil {
		wg.Add(1)
		go server.MonitorStorage(ctx, storageMonitor, nil, logger.Named("storage"), &wg)
	}

	router := mux.NewRouter()
	server.SetupRoutes(router, jobs, store, exportHandler, storageMonitor, hub, cfg.Port)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")

	// Cancel before wg.Wait so the hub, scheduler and GC loops return
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all background tasks stopped")
	case <-shutdownCtx.Done():
		logger.Warn("some background tasks did not stop in time")
	}

	logger.Info("tinystat server exited")
}
