package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/cloakchat/cloakchat/internal/config"
	"github.com/cloakchat/cloakchat/internal/history"
	"github.com/cloakchat/cloakchat/internal/logging"
	"github.com/cloakchat/cloakchat/internal/server"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	store, err := history.OpenSQLite(cfg.History.Path)
	if err != nil {
		logger.Fatal("open history store", zap.Error(err), zap.String("path", cfg.History.Path))
	}
	defer store.Close()
	logger.Info("history store open", zap.String("path", cfg.History.Path))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.NewRelayServer(cfg, logger, store)
	if err := srv.Start(ctx); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}
