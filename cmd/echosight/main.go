// Command echosight is the assistive navigation client: it joins the camera
// relay as a viewer, streams microphone audio and camera frames to the AI
// provider's live session, and renders the spoken guidance that comes back.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/echosight/echosight/internal/app"
	"github.com/echosight/echosight/internal/config"
	"github.com/echosight/echosight/internal/observe"
	"github.com/echosight/echosight/pkg/tts/elevenlabs"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listVoices := flag.Bool("list-voices", false, "list available synthesis voices and exit")
	flag.Parse()

	// A .env next to the binary is a convenience for local runs; absence is
	// not an error.
	_ = godotenv.Load()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "echosight: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "echosight: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *listVoices {
		return printVoices(ctx, cfg)
	}

	slog.Info("echosight starting",
		"version", version,
		"config", *configPath,
		"relay", cfg.Relay.URL,
		"modality", string(cfg.Live.ResponseModality),
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "echosight",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(cfg, app.WithLogger(logger))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("client ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// printVoices queries the synthesis provider for its voice catalogue.
func printVoices(ctx context.Context, cfg *config.Config) int {
	if cfg.Speech.APIKey == "" {
		fmt.Fprintln(os.Stderr, "echosight: speech.api_key (or ELEVENLABS_API_KEY) is required to list voices")
		return 1
	}
	client, err := elevenlabs.New(cfg.Speech.APIKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "echosight: %v\n", err)
		return 1
	}
	voices, err := client.ListVoices(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "echosight: list voices: %v\n", err)
		return 1
	}
	for _, v := range voices {
		fmt.Printf("%s\t%s\n", v.ID, v.Name)
	}
	return 0
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
