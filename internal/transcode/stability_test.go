package transcode

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picamd/picamd/internal/clock"
)

func writeBytes(t *testing.T, path string, n int) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, make([]byte, n), 0o644))
}

func TestWaitForStable_SettlesAfterGrowth(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "camera_video.mp4")
	writeBytes(t, path, 100)

	clk := clock.NewFake(time.Unix(1000, 0))
	clk.OnSleep = func(n int) {
		// Grow the file for the first two polls, then leave it alone.
		if n <= 2 {
			writeBytes(t, path, 100+n*50)
		}
	}

	cfg := StabilityConfig{PollInterval: 500 * time.Millisecond, MaxChecks: 20, StableChecks: 3}
	stable, err := WaitForStable(context.Background(), clk, path, cfg)
	require.NoError(t, err)
	assert.True(t, stable)

	// Poll 2 is the first observation of the final size; polls 3 and 4
	// complete the three consecutive identical probes.
	assert.Len(t, clk.Sleeps(), 4)
}

func TestWaitForStable_TimesOutWhileGrowing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "camera_video.mp4")
	writeBytes(t, path, 1)

	clk := clock.NewFake(time.Unix(1000, 0))
	clk.OnSleep = func(n int) {
		writeBytes(t, path, 1+n)
	}

	cfg := StabilityConfig{PollInterval: 500 * time.Millisecond, MaxChecks: 4, StableChecks: 3}
	stable, err := WaitForStable(context.Background(), clk, path, cfg)
	require.NoError(t, err)
	assert.False(t, stable)
	assert.Len(t, clk.Sleeps(), 4)
}

func TestWaitForStable_MissingFileNeverStable(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	cfg := StabilityConfig{PollInterval: 500 * time.Millisecond, MaxChecks: 5, StableChecks: 3}

	stable, err := WaitForStable(context.Background(), clk, filepath.Join(t.TempDir(), "nope.mp4"), cfg)
	require.NoError(t, err)
	assert.False(t, stable)
}

func TestWaitForStable_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	clk := clock.NewFake(time.Unix(1000, 0))
	cfg := StabilityConfig{PollInterval: 500 * time.Millisecond, MaxChecks: 5, StableChecks: 3}
	_, err := WaitForStable(ctx, clk, "irrelevant", cfg)
	assert.ErrorIs(t, err, context.Canceled)
}
