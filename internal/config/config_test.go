package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("default config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "picamd.yaml")
	data := []byte(`
server:
  port: 8080
camera:
  width: 1920
  height: 1080
  fps: 25
video:
  dir: /srv/video
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 1920, cfg.Camera.Width)
	assert.Equal(t, 1080, cfg.Camera.Height)
	assert.Equal(t, 25, cfg.Camera.FPS)
	assert.Equal(t, "/srv/video", cfg.Video.Dir)
	// Untouched sections keep their defaults.
	assert.Equal(t, "rpicam-vid", cfg.Camera.VidBin)
	assert.Equal(t, 500*time.Millisecond, cfg.Finalize.PollInterval)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "picamd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8080\n"), 0o600))

	t.Setenv("PORT", "9000")
	t.Setenv("PICAMD_VIDEO_DIR", "/tmp/vid")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "/tmp/vid", cfg.Video.Dir)
}

func TestLoad_RejectsBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "picamd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate_EnumeratedSettings(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid default", func(*Config) {}, false},
		{"valid 480p", func(c *Config) { c.Camera.Width, c.Camera.Height = 640, 480 }, false},
		{"unknown resolution", func(c *Config) { c.Camera.Width, c.Camera.Height = 800, 600 }, true},
		{"unknown fps", func(c *Config) { c.Camera.FPS = 60 }, true},
		{"port too low", func(c *Config) { c.Server.Port = 0 }, true},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }, true},
		{"empty video dir", func(c *Config) { c.Video.Dir = "" }, true},
		{"stable exceeds max", func(c *Config) { c.Finalize.StableChecks = 30 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateResolutionAndFPS(t *testing.T) {
	for _, r := range ValidResolutions {
		assert.NoError(t, ValidateResolution(r[0], r[1]))
	}
	assert.Error(t, ValidateResolution(1280, 721))

	for _, f := range ValidFPS {
		assert.NoError(t, ValidateFPS(f))
	}
	assert.Error(t, ValidateFPS(24))
}

func TestAddr(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "0.0.0.0:5000", cfg.Addr())
}
