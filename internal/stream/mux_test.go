package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/picamd/picamd/internal/clock"
	"github.com/picamd/picamd/internal/device"
	"github.com/picamd/picamd/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func streamSettings() device.Settings {
	return device.Settings{Width: 1280, Height: 720, FPS: 30, Rotation: 180}
}

func newTestMux(fake *device.Fake) (*Mux, *device.Registry) {
	registry := device.NewRegistry(2 * time.Second)
	mux := NewMux(registry,
		func() device.Device { return fake },
		streamSettings,
		clock.NewFake(time.Unix(1000, 0)),
		Config{Warmup: 2 * time.Second, ReleaseDelay: time.Second},
	)
	return mux, registry
}

func TestMux_SubscribeNextClose(t *testing.T) {
	fake := device.NewFake()
	mux, registry := newTestMux(fake)

	sub, err := mux.Subscribe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.ModeStreaming, registry.Mode())
	assert.Equal(t, 1, mux.Count())
	assert.True(t, mux.Active())

	part, err := sub.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(part, []byte("--frame\r\nContent-Type: image/jpeg\r\n")))
	assert.True(t, bytes.Contains(part, fake.Frame))
	assert.True(t, bytes.HasSuffix(part, []byte("\r\n")))

	sub.Close()
	assert.Equal(t, 0, mux.Count())
	assert.Equal(t, types.ModeIdle, registry.Mode())
	assert.Equal(t, 1, fake.CloseCount())

	// Closing again is a no-op.
	sub.Close()
	assert.Equal(t, 1, fake.CloseCount())
}

func TestMux_WarmDeviceShared(t *testing.T) {
	fake := device.NewFake()
	mux, registry := newTestMux(fake)

	first, err := mux.Subscribe(context.Background())
	require.NoError(t, err)
	second, err := mux.Subscribe(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, mux.Count())
	assert.Equal(t, 1, fake.OpenCount())

	first.Close()
	assert.Equal(t, types.ModeStreaming, registry.Mode())
	assert.Equal(t, 0, fake.CloseCount())

	second.Close()
	assert.Equal(t, types.ModeIdle, registry.Mode())
	assert.Equal(t, 1, fake.CloseCount())
}

func TestMux_BusyWhileRecording(t *testing.T) {
	fake := device.NewFake()
	mux, registry := newTestMux(fake)

	token, err := registry.TryAcquire(types.ModeRecording)
	require.NoError(t, err)

	_, err = mux.Subscribe(context.Background())
	assert.ErrorIs(t, err, device.ErrBusy)
	assert.Equal(t, 0, fake.OpenCount())

	registry.Release(token)
}

func TestMux_ConcurrentFirstSubscribers(t *testing.T) {
	fake := device.NewFake()
	registry := device.NewRegistry(2 * time.Second)
	mux := NewMux(registry,
		func() device.Device { return fake },
		streamSettings,
		clock.System{},
		Config{Warmup: 50 * time.Millisecond, ReleaseDelay: 10 * time.Millisecond},
	)

	const n = 4
	var wg sync.WaitGroup
	subs := make([]*Subscriber, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			subs[i], errs[i] = mux.Subscribe(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i], "subscriber %d", i)
	}
	assert.Equal(t, 1, fake.OpenCount())
	assert.Equal(t, n, mux.Count())

	for _, sub := range subs {
		sub.Close()
	}
	assert.Equal(t, types.ModeIdle, registry.Mode())
}

func TestMux_OpenBusyReleasesAndReports(t *testing.T) {
	fake := device.NewFake()
	fake.OpenErr = &device.BusyError{Detail: "Pipeline handler in use by another process"}
	mux, registry := newTestMux(fake)

	_, err := mux.Subscribe(context.Background())
	assert.ErrorIs(t, err, device.ErrBusy)
	assert.Equal(t, types.ModeIdle, registry.Mode())

	clk := mux.clk.(*clock.Fake)
	assert.Contains(t, clk.Sleeps(), time.Second)
}

func TestMux_SubscribeHonorsContextWhileTokenHeldElsewhere(t *testing.T) {
	fake := device.NewFake()
	registry := device.NewRegistry(2 * time.Second)
	mux := NewMux(registry,
		func() device.Device { return fake },
		streamSettings,
		clock.System{},
		Config{Warmup: 50 * time.Millisecond, ReleaseDelay: 10 * time.Millisecond},
	)

	// The streaming token is held outside the mux with no device start
	// flagged, like a short-lived still capture.
	token, err := registry.TryAcquire(types.ModeStreaming)
	require.NoError(t, err)
	defer registry.Release(token)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = mux.Subscribe(ctx)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, elapsed, time.Second, "Subscribe must give up with the context")
}

func TestMux_ForceStopEndsSubscribers(t *testing.T) {
	fake := device.NewFake()
	mux, registry := newTestMux(fake)

	sub, err := mux.Subscribe(context.Background())
	require.NoError(t, err)

	mux.ForceStop()
	assert.Equal(t, types.ModeIdle, registry.Mode())
	assert.Equal(t, 0, mux.Count())

	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestMux_NextRetriesTransientErrors(t *testing.T) {
	fake := device.NewFake()
	fake.CaptureErr = errors.New("frame underrun")
	mux, _ := newTestMux(fake)

	sub, err := mux.Subscribe(context.Background())
	require.NoError(t, err)
	defer sub.Close()

	// Every capture fails, so Next keeps retrying until the context expires.
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMux_Snapshot(t *testing.T) {
	fake := device.NewFake()
	mux, _ := newTestMux(fake)

	_, err := mux.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrStopped)

	sub, err := mux.Subscribe(context.Background())
	require.NoError(t, err)
	defer sub.Close()

	frame, err := mux.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fake.Frame, frame)
}

func TestFramePart(t *testing.T) {
	jpeg := []byte{0xff, 0xd8, 0xff, 0xd9}
	part := FramePart(jpeg)
	want := fmt.Sprintf("--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpeg))
	assert.True(t, bytes.HasPrefix(part, []byte(want)))
	assert.Equal(t, append(append([]byte(want), jpeg...), '\r', '\n'), part)
}
