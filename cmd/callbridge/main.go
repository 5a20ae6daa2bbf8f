// Command callbridge answers phone calls over Twilio Media Streams with a
// speech recognizer, a language model and a speech synthesizer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/MrWong99/callbridge/internal/app"
	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "optional dotenv file loaded before the configuration")
	flag.Parse()

	// Variables already set in the environment win over the dotenv file.
	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "callbridge: load %s: %v\n", *envPath, err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "callbridge: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "callbridge: %v\n", err)
		}
		return 1
	}

	var level slog.LevelVar
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	slog.Info("callbridge starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.Setup(ctx, observe.ProviderConfig{
		ServiceName:    "callbridge",
		ServiceVersion: version,
		Global:         true,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := tel.Metrics

	reg := config.NewRegistry()
	app.RegisterBuiltins(reg)
	providers, err := app.BuildProviders(cfg, reg, metrics, logger)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, providers,
		app.WithLogger(logger),
		app.WithLevelVar(&level),
		app.WithMetrics(metrics),
		app.WithMetricsHandler(tel.Handler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	watcher, err := config.NewWatcher(*configPath, application.Reload, config.WithWatcherLogger(logger))
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready, press Ctrl+C to shut down")
	if err := application.Run(ctx); err != nil {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}
