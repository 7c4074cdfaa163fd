package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/agentcore/internal/application"
	"github.com/ngoclaw/agentcore/internal/infrastructure/config"
	"github.com/ngoclaw/agentcore/internal/infrastructure/logger"
)

const (
	appName    = "agentcore"
	appVersion = "0.1.0"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Printf("%s v%s\n", appName, appVersion)
			return
		case "help", "--help", "-h":
			printUsage()
			return
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting agentcore",
		zap.String("version", appVersion),
		zap.String("addr", fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)),
	)

	app, err := application.NewApp(cfg, log)
	if err != nil {
		log.Fatal("Failed to build application", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		log.Fatal("Failed to start application", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := app.Stop(shutdownCtx); err != nil {
		log.Error("Shutdown error", zap.Error(err))
	}
}

func printUsage() {
	fmt.Printf(`%s v%s — computer-use agent execution core

Usage:
  agentcore            start the gateway (HTTP API + WebSocket events)
  agentcore version    print the version
  agentcore help       show this help

Configuration is read from ~/.agentcore/config.yaml, ./config/config.yaml
and AGENTCORE_* environment variables, in that order.
`, appName, appVersion)
}
