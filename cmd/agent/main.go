package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/storyreel/storyreel-agent/internal/api"
	"github.com/storyreel/storyreel-agent/internal/config"
	"github.com/storyreel/storyreel-agent/internal/continuity"
	"github.com/storyreel/storyreel-agent/internal/db"
	"github.com/storyreel/storyreel-agent/internal/frame"
	"github.com/storyreel/storyreel-agent/internal/logging"
	"github.com/storyreel/storyreel-agent/internal/merge"
	"github.com/storyreel/storyreel-agent/internal/provider"
	"github.com/storyreel/storyreel-agent/internal/storyboard"
	"github.com/storyreel/storyreel-agent/internal/ui"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	startTime := time.Now()

	// A .env next to the binary is a convenience for local runs; absence is
	// not an error.
	_ = godotenv.Load()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.WorkDir(), 0755); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting storyreel agent",
		"version", config.Version,
		"data_dir", cfg.DataDir(),
		"port", cfg.Port(),
	)

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := storyboard.NewRepository(database.Conn())

	providerClient := provider.NewHTTPClient(cfg.ProviderBaseURL(), cfg.VideoModel(), logger)
	contextExt := continuity.NewGeminiExtractor(cfg.TextModel(), logger)

	frameCfg := frame.DefaultConfig(filepath.Join(cfg.WorkDir(), "frames"), logger)
	frameCfg.FFmpegPath = cfg.FFmpegPath()
	frameCfg.FFprobePath = cfg.FFprobePath()
	frameCfg.Retries = cfg.FrameRetries()
	frameCfg.RetryBackoff = cfg.FrameBackoff()
	frameCfg.AttemptTimeout = cfg.FrameAttemptTimeout()
	frames, err := frame.NewExtractor(frameCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize frame extractor: %w", err)
	}

	merger, err := merge.NewEngine(providerClient, cfg.FFmpegPath(), filepath.Join(cfg.WorkDir(), "merge"), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize merge engine: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := storyboard.NewRunner(repo, providerClient, frames, contextExt, cfg, logger)
	go runner.Run(ctx)

	apiServer := api.NewServer(api.ServerConfig{
		Port:             cfg.Port(),
		Repository:       repo,
		Runner:           runner,
		Provider:         providerClient,
		ContextExtractor: contextExt,
		Frames:           frames,
		Merger:           merger,
		Logger:           logger,
		StartTime:        startTime,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	quitCh := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			close(quitCh)
		case <-quitCh:
		}
	}()

	if cfg.Headless() {
		logger.Info("running in headless mode (no system tray)")
	} else {
		tray := ui.NewTray(ui.TrayConfig{
			Runner: runner,
			Logger: logger,
			OnQuit: func() {
				close(quitCh)
			},
		})
		go tray.Run()
	}

	<-quitCh

	logger.Info("initiating graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}
