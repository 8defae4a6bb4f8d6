package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/picamd/picamd/internal/log"
	"github.com/picamd/picamd/internal/types"
)

var (
	acquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "picamd_device_acquire_total",
		Help: "Device acquisition attempts by requested mode and result",
	}, []string{"mode", "result"})

	modeGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "picamd_capture_mode",
		Help: "Currently active capture mode (1 = active)",
	}, []string{"mode"})
)

// Token proves ownership of the capture pipeline for one mode. It is opaque
// and single-use: once released it never becomes valid again.
type Token struct {
	id   string
	mode types.CaptureMode
}

// Mode returns the mode the token was issued for.
func (t *Token) Mode() types.CaptureMode { return t.mode }

// Registry owns the single logical capture-device reference. All mode
// transitions pass through it under one mutex, which makes
// acquire-then-mutate atomic with respect to every other acquirer.
type Registry struct {
	mu             sync.Mutex
	mode           types.CaptureMode
	current        *Token
	initInProgress bool

	initWait     time.Duration
	pollInterval time.Duration

	log zerolog.Logger
}

// NewRegistry creates an idle registry. initWait bounds how long
// WaitStreamReady polls for an in-flight streaming initialization.
func NewRegistry(initWait time.Duration) *Registry {
	if initWait <= 0 {
		initWait = 3 * time.Second
	}
	r := &Registry{
		mode:         types.ModeIdle,
		initWait:     initWait,
		pollInterval: 100 * time.Millisecond,
		log:          log.WithComponent("registry"),
	}
	modeGauge.WithLabelValues(types.ModeIdle.String()).Set(1)
	return r
}

// Mode returns the externally visible capture mode. Safe for concurrent use.
func (r *Registry) Mode() types.CaptureMode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// TryAcquire claims the pipeline for mode, failing fast with ErrBusy if any
// non-idle mode is active. The check and the transition are atomic.
func (r *Registry) TryAcquire(mode types.CaptureMode) (*Token, error) {
	if !mode.IsBusy() {
		return nil, fmt.Errorf("cannot acquire mode %q", mode)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mode != types.ModeIdle {
		acquireTotal.WithLabelValues(mode.String(), "busy").Inc()
		return nil, fmt.Errorf("%w: held by %s", ErrBusy, r.mode)
	}

	t := &Token{id: uuid.New().String(), mode: mode}
	r.transition(mode, t)
	acquireTotal.WithLabelValues(mode.String(), "ok").Inc()
	return t, nil
}

// Release returns the pipeline to idle. Releasing a stale or already
// released token is a no-op.
func (r *Registry) Release(t *Token) {
	if t == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != t {
		return
	}
	r.initInProgress = false
	r.transition(types.ModeIdle, nil)
}

// ReleaseTo atomically exchanges the held token for one in the next mode.
// The recording worker uses it to hand the pipeline from Recording to
// Converting without an idle window a competing acquirer could slip into.
func (r *Registry) ReleaseTo(t *Token, next types.CaptureMode) (*Token, error) {
	if !next.IsBusy() {
		return nil, fmt.Errorf("cannot transition to mode %q", next)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != t || t == nil {
		return nil, fmt.Errorf("stale token for transition to %s", next)
	}

	nt := &Token{id: uuid.New().String(), mode: next}
	r.initInProgress = false
	r.transition(next, nt)
	return nt, nil
}

// BeginInit marks the streaming open sequence as in flight so concurrent
// first subscribers wait instead of double-opening the device.
func (r *Registry) BeginInit(t *Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == t && t != nil && t.mode == types.ModeStreaming {
		r.initInProgress = true
	}
}

// FinishInit clears the init flag once the device is started and stabilized.
func (r *Registry) FinishInit(t *Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == t && t != nil {
		r.initInProgress = false
	}
}

// WaitStreamReady blocks a late subscriber until an in-flight streaming
// initialization completes, polling at short intervals. It returns nil when
// the warm device is ready and ErrUnavailable when the bounded wait expires
// or the streaming owner went away without finishing.
func (r *Registry) WaitStreamReady(ctx context.Context) error {
	deadline := time.Now().Add(r.initWait)
	for {
		r.mu.Lock()
		mode, initializing := r.mode, r.initInProgress
		r.mu.Unlock()

		switch {
		case mode == types.ModeStreaming && !initializing:
			return nil
		case mode != types.ModeStreaming:
			return fmt.Errorf("%w: streaming init did not complete", ErrUnavailable)
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: init wait expired after %s", ErrUnavailable, r.initWait)
		}

		t := time.NewTimer(r.pollInterval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		}
	}
}

// transition must be called with r.mu held.
func (r *Registry) transition(next types.CaptureMode, t *Token) {
	old := r.mode
	if old == next {
		r.current = t
		return
	}
	modeGauge.WithLabelValues(old.String()).Set(0)
	modeGauge.WithLabelValues(next.String()).Set(1)
	r.mode = next
	r.current = t

	r.log.Info().
		Str(log.FieldEvent, "mode.transition").
		Str(log.FieldOldState, old.String()).
		Str(log.FieldNewState, next.String()).
		Msg("capture mode changed")
}
