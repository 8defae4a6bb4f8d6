// Package core is the service facade: it wires the recording session, the
// finalization pipeline and the streaming multiplexer together and projects
// their combined state into the externally visible status.
package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/picamd/picamd/internal/clock"
	"github.com/picamd/picamd/internal/config"
	"github.com/picamd/picamd/internal/device"
	"github.com/picamd/picamd/internal/log"
	"github.com/picamd/picamd/internal/recorder"
	"github.com/picamd/picamd/internal/stream"
	"github.com/picamd/picamd/internal/transcode"
	"github.com/picamd/picamd/internal/types"
)

// StillFileName is the still-probe image inside the video directory.
const StillFileName = "test.jpg"

var (
	// ErrNotFound means the requested artifact does not exist on disk.
	ErrNotFound = errors.New("artifact not found")
	// ErrConverting gates the final artifact while finalization runs.
	ErrConverting = errors.New("conversion in progress")
	// ErrRecording gates the raw artifact while it is being written.
	ErrRecording = errors.New("recording in progress")
	// ErrInvalidConfig rejects out-of-range capture settings.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Status is the externally visible state projection. Computing it reads
// component state and never mutates anything.
type Status struct {
	Mode types.CaptureMode

	// DurationSeconds and StartTime are set while recording.
	DurationSeconds float64
	StartTime       int64

	// Streaming is orthogonal to the capture mode precedence.
	Streaming         bool
	StreamSubscribers int
}

// StartResult reports an accepted recording start.
type StartResult struct {
	StartedAt  time.Time
	Resolution string
	FPS        int
}

// ConfigUpdate carries a partial capture-settings change; nil fields keep
// their current value.
type ConfigUpdate struct {
	Width  *int
	Height *int
	FPS    *int
}

// CaptureSettings is the user-facing capture configuration.
type CaptureSettings struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	FPS    int `json:"fps"`
}

// Service implements the daemon's operations over the capture components.
type Service struct {
	registry  *device.Registry
	factory   device.Factory
	session   *recorder.Session
	mux       *stream.Mux
	finalizer *transcode.Finalizer
	clk       clock.Clock
	log       zerolog.Logger

	mu  sync.Mutex
	cfg config.Config
}

// New wires the service. The session and multiplexer read capture settings
// through the service so config changes apply to the next device start.
func New(cfg config.Config, registry *device.Registry, factory device.Factory, finalizer *transcode.Finalizer, clk clock.Clock) *Service {
	s := &Service{
		registry:  registry,
		factory:   factory,
		finalizer: finalizer,
		clk:       clk,
		cfg:       cfg,
		log:       log.WithComponent("core"),
	}
	s.session = recorder.NewSession(registry, factory, finalizer, s.currentSettings, clk, cfg.Video.Dir)
	s.mux = stream.NewMux(registry, factory, s.currentSettings, clk, stream.Config{
		Warmup:       cfg.Stream.Warmup,
		ReleaseDelay: cfg.Stream.ReleaseDelay,
	})
	return s
}

func (s *Service) currentSettings() device.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return device.Settings{
		Width:    s.cfg.Camera.Width,
		Height:   s.cfg.Camera.Height,
		FPS:      s.cfg.Camera.FPS,
		Rotation: s.cfg.Camera.Rotation,
	}
}

// StartRecording begins a recording session. It settles briefly after the
// device comes up so the caller's accepted response means frames are flowing.
func (s *Service) StartRecording(ctx context.Context) (StartResult, error) {
	info, err := s.session.Start(ctx)
	if err != nil {
		return StartResult{}, err
	}

	s.mu.Lock()
	settle := s.cfg.Camera.StartSettle
	s.mu.Unlock()
	if err := s.clk.Sleep(ctx, settle); err != nil {
		return StartResult{}, err
	}

	return StartResult{
		StartedAt:  info.StartedAt,
		Resolution: info.Settings.Resolution(),
		FPS:        info.Settings.FPS,
	}, nil
}

// StopRecording signals the session to stop. Finalization continues in the
// background; Status reports converting until it finishes.
func (s *Service) StopRecording() error {
	return s.session.RequestStop()
}

// Status projects the component states. Converting takes precedence over
// recording, which takes precedence over idle; streaming is reported
// alongside because it never blocks recording-status queries.
func (s *Service) Status() Status {
	st := Status{
		Mode:              types.ModeIdle,
		Streaming:         s.mux.Active(),
		StreamSubscribers: s.mux.Count(),
	}

	switch {
	case s.finalizer.Running() != nil:
		st.Mode = types.ModeConverting
	case s.session.Active():
		st.Mode = types.ModeRecording
		if startedAt, ok := s.session.StartedAt(); ok {
			st.StartTime = startedAt.Unix()
			st.DurationSeconds = math.Round(s.session.Duration().Seconds()*10) / 10
		}
	case s.registry.Mode() == types.ModeConverting:
		// The recording worker released the device but the finalizer has not
		// picked the job up yet.
		st.Mode = types.ModeConverting
	}
	return st
}

// GetConfig returns the current capture settings.
func (s *Service) GetConfig() CaptureSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return CaptureSettings{
		Width:  s.cfg.Camera.Width,
		Height: s.cfg.Camera.Height,
		FPS:    s.cfg.Camera.FPS,
	}
}

// SetConfig applies a partial capture-settings update. Rejected while any
// capture mode is active so a running device never sees settings change
// underneath it.
func (s *Service) SetConfig(update ConfigUpdate) (CaptureSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mode := s.registry.Mode(); mode != types.ModeIdle {
		return CaptureSettings{}, fmt.Errorf("%w: held by %s", device.ErrBusy, mode)
	}

	next := s.cfg.Camera
	if update.Width != nil {
		next.Width = *update.Width
	}
	if update.Height != nil {
		next.Height = *update.Height
	}
	if update.FPS != nil {
		next.FPS = *update.FPS
	}

	if err := config.ValidateResolution(next.Width, next.Height); err != nil {
		return CaptureSettings{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := config.ValidateFPS(next.FPS); err != nil {
		return CaptureSettings{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	s.cfg.Camera = next
	s.log.Info().
		Str(log.FieldEvent, "config.updated").
		Str(log.FieldResolution, fmt.Sprintf("%dx%d", next.Width, next.Height)).
		Int(log.FieldFPS, next.FPS).
		Msg("capture settings changed")

	return CaptureSettings{Width: next.Width, Height: next.Height, FPS: next.FPS}, nil
}

// ApplyConfig replaces the whole configuration from a hot reload. Refused
// while the pipeline is busy so running captures keep their settings.
func (s *Service) ApplyConfig(cfg config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mode := s.registry.Mode(); mode != types.ModeIdle {
		return fmt.Errorf("%w: held by %s", device.ErrBusy, mode)
	}
	s.cfg = cfg
	return nil
}

// FinalArtifact returns the path of the finalized recording, gated so a file
// still being produced is never served.
func (s *Service) FinalArtifact() (string, error) {
	if s.Status().Mode == types.ModeConverting {
		return "", ErrConverting
	}
	path := s.session.FinalPath()
	if _, err := os.Stat(path); err != nil {
		return "", ErrNotFound
	}
	return path, nil
}

// RawArtifact returns the path of the raw capture, gated against the active
// writer.
func (s *Service) RawArtifact() (string, error) {
	if s.Status().Mode == types.ModeRecording {
		return "", ErrRecording
	}
	path := s.session.RawPath()
	if _, err := os.Stat(path); err != nil {
		return "", ErrNotFound
	}
	return path, nil
}

// Subscribe attaches a streaming consumer.
func (s *Service) Subscribe(ctx context.Context) (*stream.Subscriber, error) {
	return s.mux.Subscribe(ctx)
}

// ForceStopStreaming ends every subscriber and powers the device down.
func (s *Service) ForceStopStreaming() {
	s.mux.ForceStop()
}

// CaptureStill writes one JPEG probe image to the video directory and
// returns its path. A warm streaming feed is reused; otherwise the device is
// claimed briefly, which fails with the busy outcome while recording or
// converting rather than queueing.
func (s *Service) CaptureStill(ctx context.Context) (string, error) {
	frame, err := s.mux.Snapshot(ctx)
	if errors.Is(err, stream.ErrStopped) {
		frame, err = s.captureStillCold(ctx)
	}
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	dir := s.cfg.Video.Dir
	s.mu.Unlock()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create video dir: %w", err)
	}

	path := filepath.Join(dir, StillFileName)
	if err := renameio.WriteFile(path, frame, 0o644); err != nil {
		return "", fmt.Errorf("write still image: %w", err)
	}

	s.log.Info().
		Str(log.FieldEvent, "still.captured").
		Str(log.FieldPath, path).
		Int(log.FieldSizeBytes, len(frame)).
		Msg("still probe written")
	return path, nil
}

// captureStillCold powers the device up just long enough for one frame.
func (s *Service) captureStillCold(ctx context.Context) ([]byte, error) {
	token, err := s.registry.TryAcquire(types.ModeStreaming)
	if err != nil {
		return nil, err
	}
	defer s.registry.Release(token)

	// Flag the device start so a stream subscriber arriving mid-capture
	// waits on the init window instead of hammering the registry.
	s.registry.BeginInit(token)
	defer s.registry.FinishInit(token)

	set := s.currentSettings()
	set.Tuning = device.TuningStream

	dev := s.factory()
	defer func() { _ = dev.Close() }()

	if err := dev.Configure(set); err != nil {
		return nil, fmt.Errorf("configure device: %w", err)
	}
	if err := dev.Open(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	settle := s.cfg.Stream.Warmup
	s.mu.Unlock()
	if err := s.clk.Sleep(ctx, settle); err != nil {
		return nil, err
	}

	return dev.CaptureFrame(ctx)
}

// Shutdown stops streaming, winds down any recording session and waits for
// finalization, bounded by ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mux.ForceStop()

	if err := s.session.RequestStop(); err != nil && !errors.Is(err, recorder.ErrNotActive) {
		return err
	}

	done := make(chan struct{})
	go func() {
		s.session.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown wait: %w", ctx.Err())
	}
}
