package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/U2SG/yoto-sub000/internal/config"
	"github.com/U2SG/yoto-sub000/internal/system"
)

func main() {
	configPath := flag.String("config", "perm.yaml", "path to the yaml configuration")
	flag.Parse()

	// .env is a local-development convenience; absence is fine.
	if err := godotenv.Load(); err == nil {
		slog.Info("[permd] Loaded .env")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("[permd] Configuration load failed", "path", *configPath, "error", err)
		os.Exit(1)
	}

	lc, err := system.NewLifecycle(cfg)
	if err != nil {
		slog.Error("[permd] Wiring failed", "error", err)
		os.Exit(1)
	}
	if err := lc.Start(); err != nil {
		slog.Error("[permd] Startup failed", "error", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	s := <-sig
	slog.Info("[permd] Shutting down", "signal", s.String())

	lc.Stop()
}
