// Command example generates synthetic session traffic for a tinystat server.
//
// It backfills a number of past days through the SDK, then serves a small
// demo app instrumented with the session middleware and drives simulated
// devices against it until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/nicktill/tinystat/pkg/logging"
	"github.com/nicktill/tinystat/pkg/sdk"
	"github.com/nicktill/tinystat/pkg/sdk/httpx"
)

type options struct {
	endpoint     string
	appID        string
	addr         string
	devices      int
	backfillDays int
	interval     time.Duration
	seed         int64
	logLevel     string
}

func main() {
	var opts options
	flags := pflag.NewFlagSet("example", pflag.ExitOnError)
	flags.StringVar(&opts.endpoint, "endpoint", "http://localhost:8080/v1/sessions/import", "tinystat session import endpoint")
	flags.StringVar(&opts.appID, "app", "demo-app", "application id to report")
	flags.StringVar(&opts.addr, "addr", ":3001", "listen address of the demo app")
	flags.IntVar(&opts.devices, "devices", 200, "size of the simulated device population")
	flags.IntVar(&opts.backfillDays, "backfill-days", 14, "days of history to generate before going live (0 = none)")
	flags.DurationVar(&opts.interval, "interval", 500*time.Millisecond, "delay between live simulated requests")
	flags.Int64Var(&opts.seed, "seed", time.Now().UnixNano(), "random seed for the device population")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level")
	_ = flags.Parse(os.Args[1:])

	logger := logging.Must(opts.logLevel, true)
	defer logger.Sync()

	if err := run(opts, logger); err != nil {
		logger.Fatal("example failed", zap.Error(err))
	}
}

func run(opts options, logger *zap.Logger) error {
	if opts.devices <= 0 {
		return fmt.Errorf("--devices must be positive")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := sdk.New(sdk.ClientConfig{
		AppID:    opts.appID,
		Platform: "web",
		Channel:  "direct",
		Version:  "1.0.0",
		Endpoint: opts.endpoint,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	if err := client.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := client.Stop(); err != nil {
			logger.Warn("final flush failed", zap.Error(err))
		}
		sent, failed := client.Stats()
		logger.Info("session totals", zap.Int64("sent", sent), zap.Int64("failed", failed))
	}()

	pop := newPopulation(opts.devices, opts.seed)

	if opts.backfillDays > 0 {
		n := backfill(client, pop, opts.backfillDays, time.Now())
		if err := client.Flush(); err != nil {
			return fmt.Errorf("backfill flush: %w", err)
		}
		logger.Info("backfill sent", zap.Int("days", opts.backfillDays), zap.Int("sessions", n))
	}

	server := &http.Server{
		Addr:              opts.addr,
		Handler:           httpx.Middleware(client)(newDemoMux()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("demo app listening", zap.String("addr", opts.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	go simulate(ctx, pop, "http://localhost"+opts.addr, opts.interval, logger)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("demo app: %w", err)
	}

	logger.Info("shutting down example app")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
