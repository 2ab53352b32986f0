// Package main is the entry point of the headless quadsphere driver.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/Faultbox/quadsphere/internal/config"
	"github.com/Faultbox/quadsphere/internal/game"
	"github.com/Faultbox/quadsphere/internal/logger"
)

func main() {
	// Parse CLI flags first
	config.ParseFlags()

	cfg, src, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.LogFile, cfg.Logging.Components); err != nil {
		fmt.Fprintf(os.Stderr, "Logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("=== quadsphere ===", zap.Stringer("config", src))
	logger.Sugar.Debugf("Config: %+v", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, err := game.New(cfg)
	if err != nil {
		logger.Error("failed to create game", zap.Error(err))
		os.Exit(1)
	}
	defer g.Close()

	sum, err := g.Run(ctx)
	if err != nil {
		logger.Error("run failed", zap.Error(err))
		os.Exit(1)
	}
	if sum.Violations > 0 {
		logger.Warn("stitching reported structural violations", zap.Int64("count", sum.Violations))
	}
	logger.Info("done", zap.Int("quads", sum.Quads), zap.Duration("elapsed", sum.Elapsed))
}
