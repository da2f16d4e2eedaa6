// Rentescrow - rental booking ledger backed by an on-chain escrow
package main

import (
	"context"
	"os"

	"github.com/mbd888/rentescrow/internal/config"
	"github.com/mbd888/rentescrow/internal/logging"
	"github.com/mbd888/rentescrow/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting rentescrow",
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
		"chain_mode", cfg.ChainMode,
		"chain_id", cfg.ChainID,
		"contract", cfg.ContractAddress,
		"release_policy", cfg.ReleasePolicy,
	)

	// server.New builds its own logger from cfg; this one only covers startup.
	srv, err := server.New(cfg)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
