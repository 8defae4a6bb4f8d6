// Package stream multiplexes one live camera feed to any number of HTTP
// subscribers. The first subscriber powers the device up, later ones share
// its frames, and the last one out powers it down.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/picamd/picamd/internal/clock"
	"github.com/picamd/picamd/internal/device"
	"github.com/picamd/picamd/internal/log"
	"github.com/picamd/picamd/internal/types"
)

var (
	subscribersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "picamd_stream_subscribers",
		Help: "Currently connected stream subscribers",
	})

	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "picamd_stream_frames_total",
		Help: "Frames delivered to subscribers, by result",
	}, []string{"result"})
)

// ErrStopped ends a subscriber's frame sequence: the mux was force-stopped
// or the subscriber was closed.
var ErrStopped = errors.New("stream stopped")

// Boundary is the multipart boundary used for MJPEG framing.
const Boundary = "frame"

// retryInterval paces Subscribe's reacquire loop while the streaming token
// is held by something that is not feeding the mux.
const retryInterval = 100 * time.Millisecond

// Config tunes the multiplexer.
type Config struct {
	// Warmup is the fixed delay between device start and the first served
	// frame.
	Warmup time.Duration
	// ReleaseDelay is how long to pause after force-closing handles on a
	// device-busy condition before reporting the error.
	ReleaseDelay time.Duration
}

// SettingsFunc supplies capture settings at device-start time.
type SettingsFunc func() device.Settings

// Mux owns the shared streaming device and the subscriber set.
type Mux struct {
	registry *device.Registry
	factory  device.Factory
	settings SettingsFunc
	clk      clock.Clock
	cfg      Config
	log      zerolog.Logger

	mu    sync.Mutex
	dev   device.Device
	token *device.Token
	subs  map[string]*Subscriber
	fps   int
}

// NewMux wires a streaming multiplexer.
func NewMux(registry *device.Registry, factory device.Factory, settings SettingsFunc, clk clock.Clock, cfg Config) *Mux {
	return &Mux{
		registry: registry,
		factory:  factory,
		settings: settings,
		clk:      clk,
		cfg:      cfg,
		subs:     make(map[string]*Subscriber),
		log:      log.WithComponent("stream"),
	}
}

// Subscriber is one consumer of the shared feed. Frames are paced at the
// capture rate, so a slow reader lags instead of backing up the device.
type Subscriber struct {
	id      string
	mux     *Mux
	limiter *rate.Limiter

	closeOnce sync.Once
	closed    chan struct{}
}

// Subscribe attaches a consumer to the feed, starting the device when this is
// the first one. A competing recording or conversion surfaces as ErrBusy; a
// subscriber arriving during another subscriber's device start waits for that
// initialization instead of failing.
func (m *Mux) Subscribe(ctx context.Context) (*Subscriber, error) {
	for {
		m.mu.Lock()
		if m.dev != nil {
			sub := m.addSubscriberLocked()
			m.mu.Unlock()
			return sub, nil
		}
		m.mu.Unlock()

		token, err := m.registry.TryAcquire(types.ModeStreaming)
		if err == nil {
			return m.startAndSubscribe(ctx, token)
		}
		if !errors.Is(err, device.ErrBusy) {
			return nil, err
		}
		if m.registry.Mode() != types.ModeStreaming {
			return nil, err
		}

		// Another subscriber holds the streaming token. Wait for its device
		// start to finish, then loop to join the warm feed. The feed may be
		// torn down between the wait and the retry, in which case the loop
		// acquires fresh.
		if waitErr := m.registry.WaitStreamReady(ctx); waitErr != nil {
			return nil, waitErr
		}

		// Ready without a warm device means the streaming token is held
		// outside the mux (a short-lived still capture, or teardown racing
		// the wait). Pace the retry instead of spinning on the registry.
		m.mu.Lock()
		warm := m.dev != nil
		m.mu.Unlock()
		if !warm {
			if sleepErr := m.clk.Sleep(ctx, retryInterval); sleepErr != nil {
				return nil, sleepErr
			}
		}
	}
}

// startAndSubscribe is the first-subscriber path: it owns the freshly
// acquired token and must either install a warm device or release everything.
func (m *Mux) startAndSubscribe(ctx context.Context, token *device.Token) (*Subscriber, error) {
	m.registry.BeginInit(token)

	set := m.settings()
	set.Tuning = device.TuningStream

	dev := m.factory()
	if err := m.openDevice(ctx, dev, set); err != nil {
		_ = dev.Close()
		if errors.Is(err, device.ErrBusy) {
			// The hardware is held outside our arbitration. Give the OS a
			// moment to reclaim it before reporting, so an immediate retry
			// has a chance.
			_ = m.clk.Sleep(context.Background(), m.cfg.ReleaseDelay)
		}
		m.registry.Release(token)
		return nil, err
	}

	if err := m.clk.Sleep(ctx, m.cfg.Warmup); err != nil {
		_ = dev.Close()
		m.registry.Release(token)
		return nil, err
	}

	m.mu.Lock()
	m.dev = dev
	m.token = token
	m.fps = set.FPS
	sub := m.addSubscriberLocked()
	m.mu.Unlock()

	// Waiters poll the registry, so the device must be installed before the
	// init flag clears.
	m.registry.FinishInit(token)

	m.log.Info().
		Str(log.FieldEvent, "stream.device_started").
		Str(log.FieldResolution, set.Resolution()).
		Int(log.FieldFPS, set.FPS).
		Msg("streaming device warm")
	return sub, nil
}

func (m *Mux) openDevice(ctx context.Context, dev device.Device, set device.Settings) error {
	if err := dev.Configure(set); err != nil {
		return fmt.Errorf("configure device: %w", err)
	}
	return dev.Open(ctx)
}

// addSubscriberLocked registers a consumer. Caller holds m.mu.
func (m *Mux) addSubscriberLocked() *Subscriber {
	fps := m.fps
	if fps <= 0 {
		fps = 30
	}
	sub := &Subscriber{
		id:      uuid.New().String(),
		mux:     m,
		limiter: rate.NewLimiter(rate.Limit(fps), 1),
		closed:  make(chan struct{}),
	}
	m.subs[sub.id] = sub
	subscribersGauge.Set(float64(len(m.subs)))

	m.log.Info().
		Str(log.FieldEvent, "stream.subscribed").
		Str(log.FieldSubscriberID, sub.id).
		Int("subscribers", len(m.subs)).
		Msg("subscriber attached")
	return sub
}

// Count reports the current number of subscribers.
func (m *Mux) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Active reports whether the streaming device is warm.
func (m *Mux) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dev != nil
}

// Snapshot grabs one raw JPEG from the warm feed. It returns ErrStopped when
// no stream is active; callers fall back to a short-lived capture of their
// own.
func (m *Mux) Snapshot(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	dev := m.dev
	m.mu.Unlock()
	if dev == nil {
		return nil, ErrStopped
	}
	return dev.CaptureFrame(ctx)
}

// ForceStop ends every subscriber sequence and powers the device down. Used
// on daemon shutdown.
func (m *Mux) ForceStop() {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[string]*Subscriber)
	dev, token := m.dev, m.token
	m.dev, m.token = nil, nil
	subscribersGauge.Set(0)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.markClosed()
	}
	m.teardown(dev, token)
}

// Next returns the next multipart-framed JPEG part. Transient capture errors
// are logged and the capture retried; the sequence ends with ErrStopped once
// the subscriber closed or the feed was torn down.
func (s *Subscriber) Next(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-s.closed:
			return nil, ErrStopped
		default:
		}

		if err := s.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			// The limiter refuses up front when the next frame slot cannot
			// fit the deadline; callers match on the context error.
			return nil, context.DeadlineExceeded
		}

		s.mux.mu.Lock()
		dev := s.mux.dev
		s.mux.mu.Unlock()
		if dev == nil {
			return nil, ErrStopped
		}

		frame, err := dev.CaptureFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			select {
			case <-s.closed:
				return nil, ErrStopped
			default:
			}
			framesTotal.WithLabelValues("error").Inc()
			s.mux.log.Warn().Err(err).
				Str(log.FieldEvent, "stream.frame_error").
				Str(log.FieldSubscriberID, s.id).
				Msg("skipping frame")
			continue
		}

		framesTotal.WithLabelValues("ok").Inc()
		return FramePart(frame), nil
	}
}

// Close detaches the subscriber. The last one out closes the device and
// releases the streaming token. Safe to call more than once.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mux.unsubscribe(s.id)
	})
}

func (s *Subscriber) markClosed() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}

func (m *Mux) unsubscribe(id string) {
	m.mu.Lock()
	delete(m.subs, id)
	remaining := len(m.subs)
	subscribersGauge.Set(float64(remaining))

	var dev device.Device
	var token *device.Token
	if remaining == 0 {
		dev, token = m.dev, m.token
		m.dev, m.token = nil, nil
	}
	m.mu.Unlock()

	m.log.Info().
		Str(log.FieldEvent, "stream.unsubscribed").
		Str(log.FieldSubscriberID, id).
		Int("subscribers", remaining).
		Msg("subscriber detached")

	m.teardown(dev, token)
}

func (m *Mux) teardown(dev device.Device, token *device.Token) {
	if dev == nil {
		return
	}
	if err := dev.Close(); err != nil {
		m.log.Error().Err(err).
			Str(log.FieldEvent, "stream.close_error").
			Msg("closing streaming device failed")
	}
	m.registry.Release(token)
	m.log.Info().
		Str(log.FieldEvent, "stream.device_stopped").
		Msg("streaming device released")
}

// FramePart wraps one JPEG in the multipart framing served on the stream
// endpoint.
func FramePart(jpeg []byte) []byte {
	header := fmt.Sprintf("--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", Boundary, len(jpeg))
	part := make([]byte, 0, len(header)+len(jpeg)+2)
	part = append(part, header...)
	part = append(part, jpeg...)
	part = append(part, '\r', '\n')
	return part
}
