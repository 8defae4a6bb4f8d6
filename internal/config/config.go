// Package config loads and validates the daemon configuration from defaults,
// an optional YAML file and environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full daemon configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Camera   CameraConfig   `yaml:"camera"`
	Video    VideoConfig    `yaml:"video"`
	Stream   StreamConfig   `yaml:"stream"`
	Finalize FinalizeConfig `yaml:"finalize"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig is the HTTP listener configuration.
type ServerConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	ReadTimeout time.Duration `yaml:"readTimeout"`
	// WriteTimeout is zero by default: the MJPEG stream endpoint writes for
	// the lifetime of the subscriber connection.
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// CameraConfig holds capture settings and tool paths.
type CameraConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
	FPS    int `yaml:"fps"`

	// Rotation is applied at capture time. The original rig mounts the
	// camera upside down.
	Rotation int `yaml:"rotation"`

	VidBin string `yaml:"vidBin"` // rpicam-vid compatible binary

	// StartSettle is how long a start request waits for the camera to come
	// up before reporting accepted.
	StartSettle time.Duration `yaml:"startSettle"`
}

// VideoConfig describes the artifact directory. The daemon persists exactly
// two video files below it, plus the still-probe image.
type VideoConfig struct {
	Dir string `yaml:"dir"`
}

// StreamConfig tunes the live-frame multiplexer.
type StreamConfig struct {
	// Warmup is the fixed delay after device start before the first frame is
	// served; a freshly started camera's first frames are photometrically
	// unstable.
	Warmup time.Duration `yaml:"warmup"`

	// InitWait bounds how long a subscriber waits for another subscriber's
	// in-flight device initialization.
	InitWait time.Duration `yaml:"initWait"`

	// ReleaseDelay is the pause after force-closing device handles on a busy
	// condition, giving the OS time to release the resource.
	ReleaseDelay time.Duration `yaml:"releaseDelay"`
}

// FinalizeConfig tunes the post-recording pipeline.
type FinalizeConfig struct {
	FFmpegBin string `yaml:"ffmpegBin"`

	// Stability polling: the output is considered flushed once its size is
	// unchanged across StableChecks consecutive polls; after MaxChecks polls
	// the wait gives up and the artifact is published anyway.
	PollInterval time.Duration `yaml:"pollInterval"`
	MaxChecks    int           `yaml:"maxChecks"`
	StableChecks int           `yaml:"stableChecks"`
}

// LogConfig configures structured logging output.
type LogConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

// ValidResolutions is the fixed set of accepted (width, height) pairs.
var ValidResolutions = [][2]int{{640, 480}, {1280, 720}, {1920, 1080}}

// ValidFPS is the fixed set of accepted frame rates.
var ValidFPS = []int{25, 30}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        5000,
			ReadTimeout: 10 * time.Second,
		},
		Camera: CameraConfig{
			Width:       1280,
			Height:      720,
			FPS:         30,
			Rotation:    180,
			VidBin:      "rpicam-vid",
			StartSettle: 500 * time.Millisecond,
		},
		Video: VideoConfig{Dir: "video"},
		Stream: StreamConfig{
			Warmup:       2 * time.Second,
			InitWait:     3 * time.Second,
			ReleaseDelay: time.Second,
		},
		Finalize: FinalizeConfig{
			FFmpegBin:    "ffmpeg",
			PollInterval: 500 * time.Millisecond,
			MaxChecks:    20,
			StableChecks: 3,
		},
		Log: LogConfig{Level: "info", Dir: "log"},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, and environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PICAMD_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("PICAMD_VIDEO_DIR"); v != "" {
		c.Video.Dir = v
	}
	if v := os.Getenv("PICAMD_LOG_DIR"); v != "" {
		c.Log.Dir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate checks structural limits and the enumerated camera settings.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Video.Dir == "" {
		return fmt.Errorf("video dir must not be empty")
	}
	if err := ValidateResolution(c.Camera.Width, c.Camera.Height); err != nil {
		return err
	}
	if err := ValidateFPS(c.Camera.FPS); err != nil {
		return err
	}
	if c.Finalize.MaxChecks < 1 || c.Finalize.StableChecks < 1 {
		return fmt.Errorf("finalize checks must be positive (max=%d stable=%d)",
			c.Finalize.MaxChecks, c.Finalize.StableChecks)
	}
	if c.Finalize.StableChecks > c.Finalize.MaxChecks {
		return fmt.Errorf("finalize stableChecks (%d) exceeds maxChecks (%d)",
			c.Finalize.StableChecks, c.Finalize.MaxChecks)
	}
	return nil
}

// ValidateResolution rejects (width, height) pairs outside the fixed set.
func ValidateResolution(width, height int) error {
	for _, r := range ValidResolutions {
		if r[0] == width && r[1] == height {
			return nil
		}
	}
	return fmt.Errorf("invalid resolution %dx%d (valid: 640x480, 1280x720, 1920x1080)", width, height)
}

// ValidateFPS rejects frame rates outside the fixed set.
func ValidateFPS(fps int) error {
	for _, v := range ValidFPS {
		if v == fps {
			return nil
		}
	}
	return fmt.Errorf("invalid fps %d (valid: 25, 30)", fps)
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
