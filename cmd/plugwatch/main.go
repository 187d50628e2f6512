// Command plugwatch polls smart plugs and energy meters, stores their
// measurements, runs the scheduled cost calculations and serves alarms
// and commands over a Telegram chat.
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/mwinkler/plugwatch/internal/app"
	"github.com/mwinkler/plugwatch/internal/bot"
	"github.com/mwinkler/plugwatch/internal/config"
	"github.com/mwinkler/plugwatch/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(*configPath, logger)
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	logger.SetLevel(cfg.LogLevel())
	setupLogFile(logger, cfg.Files.Log)

	store, err := config.LoadDevices(cfg.Files.Devices)
	if err != nil {
		logger.Fatalf("Failed to load device configuration (%s): %v", cfg.Files.Devices, err)
	}
	if len(store.Names()) == 0 {
		logger.Fatal("No devices configured, nothing to poll")
	}

	sink := storage.NewInfluxSink(storage.InfluxConfig{
		URL:    cfg.Database.URL,
		Token:  cfg.Database.Token,
		Org:    cfg.Database.Org,
		Bucket: cfg.Database.Bucket,
	}, logger)

	var botClient *bot.Client
	if cfg.Telegram.Token != "" {
		botClient = bot.NewClient(cfg.Telegram.Token)
	} else {
		logger.Warn("No Telegram token configured, chat transport disabled")
	}

	application := app.New(app.Options{
		Config:    cfg,
		Store:     store,
		Sink:      sink,
		BotClient: botClient,
		Logger:    logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.WithField("devices", len(store.Names())).Info("Starting plugwatch")
	if err := application.Run(ctx); err != nil {
		logger.Fatalf("Application failed: %v", err)
	}
	logger.Info("Shutdown complete")
}

// setupLogFile mirrors the log to the configured file in addition to
// stderr. A file that cannot be opened only costs the file copy.
func setupLogFile(logger *logrus.Logger, path string) {
	if path == "" {
		return
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logger.Warnf("Failed to open log file %s: %v", path, err)
		return
	}
	logger.SetOutput(io.MultiWriter(os.Stderr, file))
}
