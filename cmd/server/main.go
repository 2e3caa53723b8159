// Command server runs the pomegrade prediction API from flags and
// environment variables alone.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/Brownie44l1/pomegrade/internal/app"
	"github.com/Brownie44l1/pomegrade/internal/config"
)

func main() {
	configPath := flag.String("config", os.Getenv("POMEGRADE_CONFIG"), "TOML config file")
	addr := flag.String("addr", "", "Listen address (overrides server.addr and PORT)")
	modelPath := flag.String("model", "", "ONNX model path")
	metadataPath := flag.String("metadata", "", "Model metadata path")
	device := flag.String("device", "", "Execution device (cpu, cuda, cuda:N)")
	noHistory := flag.Bool("no-history", false, "Disable the prediction history store")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		app.NewLogger("info", "json", os.Stderr).Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *modelPath != "" {
		cfg.Model.Path = *modelPath
	}
	if *metadataPath != "" {
		cfg.Model.MetadataPath = *metadataPath
	}
	if *device != "" {
		cfg.Model.Device = *device
	}
	if *noHistory {
		cfg.History.Enabled = false
	}

	logger := app.NewLogger(cfg.Log.Level, cfg.Log.Format, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Serve(ctx, cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
