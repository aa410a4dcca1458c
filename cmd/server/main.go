// escrow-engine - escrow and payout engine for a creator-marketplace platform
package main

import (
	"context"
	"os"

	"github.com/creatorpay/escrow-engine/internal/config"
	"github.com/creatorpay/escrow-engine/internal/logging"
	"github.com/creatorpay/escrow-engine/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting escrow-engine",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"currency", cfg.Currency,
		"fee_rate", cfg.FeeRate,
		"auto_release_days", cfg.AutoReleaseDays,
	)

	srv, err := server.New(cfg, server.WithLogger(logging.New(cfg.LogLevel, "json")))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
