package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/picamd/picamd/internal/api"
	"github.com/picamd/picamd/internal/clock"
	"github.com/picamd/picamd/internal/config"
	"github.com/picamd/picamd/internal/core"
	"github.com/picamd/picamd/internal/device"
	"github.com/picamd/picamd/internal/log"
	"github.com/picamd/picamd/internal/transcode"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("picamd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "picamd: %v\n", err)
		os.Exit(1)
	}

	log.Configure(log.Config{
		Level:   cfg.Log.Level,
		Dir:     cfg.Log.Dir,
		Service: "picamd",
	})
	logger := log.WithComponent("daemon")

	logger.Info().
		Str(log.FieldEvent, "daemon.starting").
		Str("version", version).
		Str(log.FieldResolution, fmt.Sprintf("%dx%d", cfg.Camera.Width, cfg.Camera.Height)).
		Int(log.FieldFPS, cfg.Camera.FPS).
		Str("addr", cfg.Addr()).
		Msg("starting capture daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := device.NewRegistry(cfg.Stream.InitWait)
	factory := func() device.Device {
		return device.NewRpicam(cfg.Camera.VidBin)
	}
	finalizer := transcode.NewFinalizer(
		transcode.NewFFmpeg(cfg.Finalize.FFmpegBin),
		clock.System{},
		transcode.StabilityConfig{
			PollInterval: cfg.Finalize.PollInterval,
			MaxChecks:    cfg.Finalize.MaxChecks,
			StableChecks: cfg.Finalize.StableChecks,
		},
	)
	svc := core.New(cfg, registry, factory, finalizer, clock.System{})

	server := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     api.NewServer(svc, cfg).Handler(),
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout stays zero: the stream endpoint writes for the
		// lifetime of the subscriber connection.
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str(log.FieldEvent, "http.listening").Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if *configPath != "" {
		watcher := config.NewWatcher(*configPath, svc.ApplyConfig)
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Str(log.FieldEvent, "daemon.stopping").Msg("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := svc.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("capture shutdown incomplete")
		}
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Str(log.FieldEvent, "daemon.failed").Msg("daemon exited with error")
		os.Exit(1)
	}
	logger.Info().Str(log.FieldEvent, "daemon.stopped").Msg("daemon stopped")
}
