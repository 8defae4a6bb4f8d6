package recorder

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/picamd/picamd/internal/clock"
	"github.com/picamd/picamd/internal/device"
	"github.com/picamd/picamd/internal/log"
	"github.com/picamd/picamd/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingFinalizer struct {
	mu        sync.Mutex
	calls     int
	lastRaw   string
	lastOut   string
	sessionID string
	modeSeen  types.CaptureMode

	registry *device.Registry
	err      error
}

func (f *recordingFinalizer) Run(ctx context.Context, input, output string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastRaw = input
	f.lastOut = output
	f.sessionID = log.SessionIDFromContext(ctx)
	if f.registry != nil {
		f.modeSeen = f.registry.Mode()
	}
	return f.err
}

func (f *recordingFinalizer) snapshot() (int, string, string, types.CaptureMode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.lastRaw, f.lastOut, f.modeSeen
}

func defaultSettings() device.Settings {
	return device.Settings{Width: 1280, Height: 720, FPS: 30, Rotation: 180}
}

func newTestSession(t *testing.T, fake *device.Fake, fin Finalizer) (*Session, *device.Registry) {
	t.Helper()
	registry := device.NewRegistry(time.Second)
	sess := NewSession(registry,
		func() device.Device { return fake },
		fin,
		defaultSettings,
		clock.System{},
		t.TempDir(),
	)
	return sess, registry
}

func TestSession_StartStopFinalize(t *testing.T) {
	fake := device.NewFake()
	fin := &recordingFinalizer{}
	sess, registry := newTestSession(t, fake, fin)
	fin.registry = registry

	info, err := sess.Start(context.Background())
	require.NoError(t, err)
	assert.False(t, info.StartedAt.IsZero())
	assert.Equal(t, device.TuningRecording, info.Settings.Tuning)
	assert.Equal(t, types.ModeRecording, registry.Mode())
	assert.True(t, sess.Active())
	assert.Greater(t, sess.Duration(), time.Duration(0))

	require.NoError(t, sess.RequestStop())
	sess.Wait()

	calls, raw, out, modeSeen := fin.snapshot()
	assert.Equal(t, 1, calls)
	assert.Equal(t, sess.RawPath(), raw)
	assert.Equal(t, sess.FinalPath(), out)
	// The finalizer must observe converting, never an idle gap.
	assert.Equal(t, types.ModeConverting, modeSeen)

	// Finalization carries the session's correlation ID.
	fin.mu.Lock()
	sessionID := fin.sessionID
	fin.mu.Unlock()
	assert.NotEmpty(t, sessionID)

	assert.Equal(t, types.ModeIdle, registry.Mode())
	assert.False(t, sess.Active())
	assert.Equal(t, 1, fake.OpenCount())
	assert.Equal(t, 1, fake.CloseCount())
}

func TestSession_StartWhileActive(t *testing.T) {
	fake := device.NewFake()
	sess, _ := newTestSession(t, fake, &recordingFinalizer{})

	_, err := sess.Start(context.Background())
	require.NoError(t, err)

	_, err = sess.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyActive)

	require.NoError(t, sess.RequestStop())
	sess.Wait()
}

func TestSession_StartWhileDeviceHeld(t *testing.T) {
	fake := device.NewFake()
	sess, registry := newTestSession(t, fake, &recordingFinalizer{})

	// Something else holds the pipeline.
	token, err := registry.TryAcquire(types.ModeStreaming)
	require.NoError(t, err)

	_, err = sess.Start(context.Background())
	assert.ErrorIs(t, err, device.ErrBusy)
	assert.False(t, sess.Active())

	registry.Release(token)
}

func TestSession_OpenFailureRestoresIdle(t *testing.T) {
	fake := device.NewFake()
	fake.OpenErr = &device.BusyError{Detail: "Device or resource busy"}
	sess, registry := newTestSession(t, fake, &recordingFinalizer{})

	_, err := sess.Start(context.Background())
	assert.ErrorIs(t, err, device.ErrBusy)
	assert.Equal(t, types.ModeIdle, registry.Mode())

	// Pipeline is reusable after the failure.
	fake.OpenErr = nil
	_, err = sess.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, sess.RequestStop())
	sess.Wait()
}

func TestSession_MissingRawSkipsFinalizer(t *testing.T) {
	fake := device.NewFake()
	fake.RawContent = nil // StopRecording produces no file
	fin := &recordingFinalizer{}
	sess, registry := newTestSession(t, fake, fin)

	_, err := sess.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, sess.RequestStop())
	sess.Wait()

	calls, _, _, _ := fin.snapshot()
	assert.Equal(t, 0, calls)
	assert.Equal(t, types.ModeIdle, registry.Mode())
}

func TestSession_StopWithoutStart(t *testing.T) {
	fake := device.NewFake()
	sess, _ := newTestSession(t, fake, &recordingFinalizer{})
	assert.ErrorIs(t, sess.RequestStop(), ErrNotActive)
}

func TestSession_DoubleStopIsIdempotent(t *testing.T) {
	fake := device.NewFake()
	fin := &recordingFinalizer{}
	sess, _ := newTestSession(t, fake, fin)

	_, err := sess.Start(context.Background())
	require.NoError(t, err)

	require.NoError(t, sess.RequestStop())
	// Second stop before the worker finished must not panic on the closed
	// channel; after the worker finishes it reports not active.
	_ = sess.RequestStop()
	sess.Wait()

	assert.ErrorIs(t, sess.RequestStop(), ErrNotActive)
	calls, _, _, _ := fin.snapshot()
	assert.Equal(t, 1, calls)
}

func TestSession_RestartAfterFinalize(t *testing.T) {
	fake := device.NewFake()
	fin := &recordingFinalizer{}
	sess, registry := newTestSession(t, fake, fin)

	for i := 0; i < 2; i++ {
		_, err := sess.Start(context.Background())
		require.NoError(t, err)
		require.NoError(t, sess.RequestStop())
		sess.Wait()
	}

	calls, _, _, _ := fin.snapshot()
	assert.Equal(t, 2, calls)
	assert.Equal(t, types.ModeIdle, registry.Mode())
	assert.Equal(t, 2, fake.OpenCount())
}

func TestSession_RawFileWrittenBeforeFinalize(t *testing.T) {
	fake := device.NewFake()
	fake.RawContent = []byte("encoded frames")

	fin := &recordingFinalizer{}
	sess, _ := newTestSession(t, fake, fin)

	_, err := sess.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, sess.RequestStop())
	sess.Wait()

	data, err := os.ReadFile(filepath.Join(filepath.Dir(sess.RawPath()), RawFileName))
	require.NoError(t, err)
	assert.Equal(t, []byte("encoded frames"), data)
}
