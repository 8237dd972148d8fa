// Command server runs the refund desk API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mbd888/refunddesk/internal/config"
	"github.com/mbd888/refunddesk/internal/logging"
	"github.com/mbd888/refunddesk/internal/server"
	"github.com/mbd888/refunddesk/internal/traces"
)

// Set by ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		logging.New("info", "text").Error("refunddesk exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("starting refunddesk",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"timezone", cfg.BusinessTimezone,
		"refund_window_days", cfg.RefundWindowDays,
		"seller_response_hours", cfg.SellerResponseHours,
	)

	ctx := context.Background()
	shutdownTracing, err := traces.Init(ctx, traces.Config{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceVersion: Version,
		Environment:    cfg.Env,
		SampleRatio:    cfg.TraceSampleRatio,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flush traces", "error", err)
		}
	}()

	server.Version = Version
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	return srv.Run(ctx)
}
