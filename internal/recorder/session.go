// Package recorder owns the recording session lifecycle: it claims the
// capture pipeline, drives the device, and hands the finished raw capture to
// the finalizer without ever letting the pipeline fall back to idle in
// between.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/picamd/picamd/internal/clock"
	"github.com/picamd/picamd/internal/device"
	"github.com/picamd/picamd/internal/log"
	"github.com/picamd/picamd/internal/types"
)

const (
	// RawFileName is the raw encoder output inside the video directory.
	RawFileName = "camera_video.h264"
	// FinalFileName is the finalized artifact inside the video directory.
	FinalFileName = "camera_video.mp4"
)

var (
	// ErrAlreadyActive is returned by Start while a session is running.
	ErrAlreadyActive = errors.New("recording already active")
	// ErrNotActive is returned by RequestStop when nothing is recording.
	ErrNotActive = errors.New("no recording active")
)

// Finalizer consumes the raw capture after the device is released.
type Finalizer interface {
	Run(ctx context.Context, input, output string) error
}

// SettingsFunc supplies the capture settings at session start, so config
// changes made between recordings take effect without restarting the daemon.
type SettingsFunc func() device.Settings

// StartInfo reports what a freshly started session captured with.
type StartInfo struct {
	StartedAt time.Time
	Settings  device.Settings
}

// Session manages at most one recording at a time.
type Session struct {
	registry  *device.Registry
	factory   device.Factory
	finalizer Finalizer
	settings  SettingsFunc
	clk       clock.Clock
	videoDir  string
	log       zerolog.Logger

	mu        sync.Mutex
	dev       device.Device
	token     *device.Token
	sessionID string
	startedAt time.Time
	stop      chan struct{}
	done      chan struct{}
	stopped   bool
}

// NewSession wires a recording session manager.
func NewSession(registry *device.Registry, factory device.Factory, finalizer Finalizer, settings SettingsFunc, clk clock.Clock, videoDir string) *Session {
	return &Session{
		registry:  registry,
		factory:   factory,
		finalizer: finalizer,
		settings:  settings,
		clk:       clk,
		videoDir:  videoDir,
		log:       log.WithComponent("recorder"),
	}
}

// RawPath returns the raw capture path for the configured video directory.
func (s *Session) RawPath() string { return filepath.Join(s.videoDir, RawFileName) }

// FinalPath returns the finalized artifact path.
func (s *Session) FinalPath() string { return filepath.Join(s.videoDir, FinalFileName) }

// Start claims the pipeline and begins capturing. Any failure on the way up
// tears down whatever was claimed so the pipeline returns to idle.
func (s *Session) Start(ctx context.Context) (StartInfo, error) {
	requestedAt := s.clk.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop != nil {
		return StartInfo{}, ErrAlreadyActive
	}

	token, err := s.registry.TryAcquire(types.ModeRecording)
	if err != nil {
		return StartInfo{}, err
	}

	set := s.settings()
	set.Tuning = device.TuningRecording

	dev := s.factory()
	if err := s.startDevice(ctx, dev, set); err != nil {
		_ = dev.Close()
		s.registry.Release(token)
		return StartInfo{}, err
	}

	startedAt := s.clk.Now()
	s.dev = dev
	s.token = token
	s.sessionID = uuid.NewString()
	s.startedAt = startedAt
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.stopped = false

	go s.run(s.stop, s.done)

	s.log.Info().
		Str(log.FieldEvent, "recording.started").
		Str(log.FieldSessionID, s.sessionID).
		Str(log.FieldResolution, set.Resolution()).
		Int(log.FieldFPS, set.FPS).
		Str(log.FieldRawPath, s.RawPath()).
		Int64(log.FieldDurationMS, startedAt.Sub(requestedAt).Milliseconds()).
		Msg("recording session started")

	return StartInfo{StartedAt: startedAt, Settings: set}, nil
}

func (s *Session) startDevice(ctx context.Context, dev device.Device, set device.Settings) error {
	if err := os.MkdirAll(s.videoDir, 0o750); err != nil {
		return fmt.Errorf("create video dir: %w", err)
	}
	if err := dev.Configure(set); err != nil {
		return fmt.Errorf("configure device: %w", err)
	}
	if err := dev.Open(ctx); err != nil {
		return err
	}
	if err := dev.StartRecording(ctx, s.RawPath()); err != nil {
		return err
	}
	return nil
}

// RequestStop asks the worker to stop. It returns as soon as the stop is
// signalled; finalization continues in the background. Wait observes its
// completion.
func (s *Session) RequestStop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop == nil {
		return ErrNotActive
	}
	if !s.stopped {
		s.stopped = true
		close(s.stop)
	}
	return nil
}

// Active reports whether a recording session is running. Finalization after
// stop does not count as active.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}

// StartedAt returns the device-ready instant of the running session.
func (s *Session) StartedAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		return time.Time{}, false
	}
	return s.startedAt, true
}

// Duration returns the elapsed time of the running session, or zero.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		return 0
	}
	return s.clk.Now().Sub(s.startedAt)
}

// Wait blocks until the most recently started session has fully finished,
// finalization included. It returns immediately when no session ever ran.
func (s *Session) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// run is the session worker. It blocks on the stop signal, tears the device
// down, and hands the pipeline to the finalizer with an atomic mode exchange
// so no competing acquirer sees an idle window between recording and
// converting.
func (s *Session) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	<-stopCh

	s.mu.Lock()
	dev := s.dev
	token := s.token
	sessionID := s.sessionID
	startedAt := s.startedAt
	s.mu.Unlock()

	logger := s.log.With().Str(log.FieldSessionID, sessionID).Logger()

	if err := dev.StopRecording(); err != nil {
		logger.Error().Err(err).
			Str(log.FieldEvent, "recording.stop_error").
			Msg("stopping raw capture failed")
	}
	if err := dev.Close(); err != nil {
		logger.Error().Err(err).
			Str(log.FieldEvent, "recording.close_error").
			Msg("closing device failed")
	}

	elapsed := s.clk.Now().Sub(startedAt)
	logger.Info().
		Str(log.FieldEvent, "recording.stopped").
		Int64(log.FieldDurationMS, elapsed.Milliseconds()).
		Msg("recording session stopped")

	convToken, err := s.registry.ReleaseTo(token, types.ModeConverting)

	s.mu.Lock()
	s.dev = nil
	s.token = nil
	s.stop = nil
	s.mu.Unlock()

	if err != nil {
		// The token went stale underneath us; nothing left to finalize safely.
		logger.Error().Err(err).
			Str(log.FieldEvent, "recording.handoff_error").
			Msg("could not enter converting mode")
		return
	}
	defer s.registry.Release(convToken)

	rawPath := s.RawPath()
	if _, statErr := os.Stat(rawPath); statErr != nil {
		logger.Error().Err(statErr).
			Str(log.FieldEvent, "finalize.missing_raw").
			Str(log.FieldRawPath, rawPath).
			Msg("raw capture missing, skipping finalization")
		return
	}

	// The finalizer's logs correlate with this session through the context.
	finalizeCtx := log.ContextWithSessionID(context.Background(), sessionID)
	if err := s.finalizer.Run(finalizeCtx, rawPath, s.FinalPath()); err != nil {
		logger.Error().Err(err).
			Str(log.FieldEvent, "finalize.error").
			Msg("finalization failed")
	}
}
