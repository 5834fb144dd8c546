// Package main provides the engine host process. It reads length-prefixed
// commands on stdin and writes events on stdout; logs go to stderr.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/maauso/audiosculptor/internal/config"
	"github.com/maauso/audiosculptor/internal/enginehost"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadWorker()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// stdout carries the event stream
	logger := cfg.NewLoggerTo(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	host := enginehost.NewHost(enginehost.NewFFmpegRunner(cfg.FFmpegPath),
		enginehost.WithTempDir(cfg.TempDir),
		enginehost.WithLogger(logger),
	)

	logger.Info("engine host started",
		slog.String("ffmpeg_path", cfg.FFmpegPath),
		slog.Int("pid", os.Getpid()),
	)
	if err := host.Serve(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("engine host stopped")
	return nil
}
