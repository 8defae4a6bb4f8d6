// Package transcode turns a finished raw capture into the downloadable
// artifact: it runs the external transcoder and then waits for the output
// file to stop growing before publishing it.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/picamd/picamd/internal/log"
)

var transcodeExitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "picamd_transcode_exit_total",
	Help: "Transcoder process exits by reason",
}, []string{"reason"})

// ErrTranscodeFailed marks a terminal transcoder failure. The raw file is
// preserved for manual recovery and no retry is attempted.
var ErrTranscodeFailed = errors.New("transcode failed")

// ExitError carries the transcoder exit code and a stderr tail for
// observability.
type ExitError struct {
	Code   int
	Stderr []string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("transcoder exited with code %d: %s", e.Code, strings.Join(e.Stderr, " | "))
}

func (e *ExitError) Unwrap() error { return ErrTranscodeFailed }

// Transcoder converts a raw capture into the distribution format. It is an
// injected collaborator so tests can fake it without a real external tool.
type Transcoder interface {
	Transcode(ctx context.Context, inputPath, outputPath string) error
}

// FFmpeg shells out to ffmpeg for a remux-style conversion (H264 elementary
// stream into an MP4 container, stream copy, no re-encode).
type FFmpeg struct {
	BinPath string
}

// NewFFmpeg creates a transcoder using the given binary, defaulting to
// "ffmpeg" on PATH.
func NewFFmpeg(binPath string) *FFmpeg {
	if binPath == "" {
		binPath = "ffmpeg"
	}
	return &FFmpeg{BinPath: binPath}
}

// ffmpegArgs builds the stream-copy remux invocation. -y must precede the
// output or ffmpeg ignores it, and a leftover partial from a crashed run
// would stall on the overwrite prompt.
func ffmpegArgs(inputPath, tmpPath string) []string {
	return []string{"-i", inputPath, "-c:v", "copy", "-f", "mp4", "-y", tmpPath}
}

// Transcode implements Transcoder. The output is written to a temporary
// sibling and renamed into place on success so readers never observe a
// half-written artifact.
func (f *FFmpeg) Transcode(ctx context.Context, inputPath, outputPath string) error {
	logger := log.WithComponentFromContext(ctx, "ffmpeg")

	tmpPath := outputPath + ".partial"

	ring := NewLineRing(256)
	cmd := exec.CommandContext(ctx, f.BinPath, ffmpegArgs(inputPath, tmpPath)...) // #nosec G204 -- args constructed internally; BinPath from trusted config
	cmd.Stderr = ring

	logger.Info().
		Str(log.FieldEvent, "transcode.start").
		Str(log.FieldRawPath, inputPath).
		Str(log.FieldFinalPath, outputPath).
		Str("command", cmd.String()).
		Msg("starting transcoder process")

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		_ = os.Remove(tmpPath)
		code := 1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		tail := ring.LastN(20)
		logger.Error().
			Str(log.FieldEvent, "transcode.failed").
			Int("exit_code", code).
			Strs("stderr", tail).
			Int64(log.FieldDurationMS, elapsed.Milliseconds()).
			Msg("transcoder process failed")
		transcodeExitTotal.WithLabelValues("error").Inc()
		return &ExitError{Code: code, Stderr: tail}
	}

	if err := os.Rename(tmpPath, outputPath); err != nil {
		transcodeExitTotal.WithLabelValues("rename_error").Inc()
		return fmt.Errorf("promote transcoded output: %w", err)
	}

	logger.Info().
		Str(log.FieldEvent, "transcode.done").
		Int64(log.FieldDurationMS, elapsed.Milliseconds()).
		Msg("transcode completed")
	transcodeExitTotal.WithLabelValues("clean").Inc()
	return nil
}
