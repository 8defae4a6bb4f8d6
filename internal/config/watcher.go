package config

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/picamd/picamd/internal/log"
)

// Watcher reloads the config file on change and hands validated results to a
// callback. Whether a reload is actually applied is the callback's decision;
// picamd only applies camera settings while the pipeline is idle.
type Watcher struct {
	path    string
	apply   func(Config) error
	watcher *fsnotify.Watcher
}

// NewWatcher creates a watcher for the config file at path. A nil or empty
// path disables watching (Run returns immediately).
func NewWatcher(path string, apply func(Config) error) *Watcher {
	return &Watcher{path: path, apply: apply}
}

// Run watches the file until ctx is cancelled. Reloads are debounced so
// editors that write in several steps trigger a single reload.
func (w *Watcher) Run(ctx context.Context) error {
	logger := log.WithComponent("config")

	if w.path == "" {
		logger.Info().
			Str(log.FieldEvent, "config.watcher_disabled").
			Msg("config file watcher disabled (using defaults and env only)")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	w.watcher = watcher

	if err := watcher.Add(w.path); err != nil {
		return fmt.Errorf("watch config file: %w", err)
	}

	logger.Info().
		Str(log.FieldEvent, "config.watcher_started").
		Str(log.FieldPath, w.path).
		Msg("watching config file for changes")

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Str(log.FieldEvent, "config.watcher_stopped").Msg("config watcher stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, func() {
				w.reload(logger)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error().Err(err).
				Str(log.FieldEvent, "config.watcher_error").
				Msg("config watcher error")
		}
	}
}

// reload parses and validates the file; a broken file keeps the running
// configuration untouched.
func (w *Watcher) reload(logger zerolog.Logger) {
	cfg, err := Load(w.path)
	if err != nil {
		logger.Error().Err(err).
			Str(log.FieldEvent, "config.reload_failed").
			Msg("config reload failed, keeping current configuration")
		return
	}
	if err := w.apply(cfg); err != nil {
		logger.Warn().Err(err).
			Str(log.FieldEvent, "config.reload_deferred").
			Msg("config reload not applied")
		return
	}
	logger.Info().
		Str(log.FieldEvent, "config.reload_success").
		Msg("configuration reloaded")
}
