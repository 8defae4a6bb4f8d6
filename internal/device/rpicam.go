package device

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/picamd/picamd/internal/log"
)

var procStartTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "picamd_device_proc_starts_total",
	Help: "Camera process starts by kind and result",
}, []string{"kind", "result"})

var (
	jpegSOI = []byte{0xff, 0xd8}
	jpegEOI = []byte{0xff, 0xd9}
)

// busyMarkers are stderr fragments the libcamera apps emit when the camera
// is held by another process.
var busyMarkers = []string{
	"Device or resource busy",
	"failed to acquire camera",
	"Pipeline handler in use by another process",
}

const (
	firstFrameTimeout = 3 * time.Second
	stopGrace         = 3 * time.Second
	stderrTailLines   = 16
)

// Rpicam drives a Raspberry Pi camera through the libcamera command-line
// apps: rpicam-vid for H264 raw capture and MJPEG streaming.
type Rpicam struct {
	vidBin string

	mu       sync.Mutex
	settings Settings
	open     bool

	// stream state
	streamCmd    *exec.Cmd
	frames       chan []byte
	streamExited chan struct{}
	streamTail   *stderrTail

	// recording state
	recCmd    *exec.Cmd
	recExited chan struct{}
	recTail   *stderrTail

	log zerolog.Logger
}

// NewRpicam creates a device handle using the given rpicam-vid compatible
// binary. An empty binPath falls back to "rpicam-vid" on PATH.
func NewRpicam(binPath string) *Rpicam {
	if binPath == "" {
		binPath = "rpicam-vid"
	}
	return &Rpicam{
		vidBin: binPath,
		log:    log.WithComponent("rpicam"),
	}
}

// Configure implements Device.
func (d *Rpicam) Configure(s Settings) error {
	if s.Width <= 0 || s.Height <= 0 || s.FPS <= 0 {
		return fmt.Errorf("invalid capture settings %dx%d@%d", s.Width, s.Height, s.FPS)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return fmt.Errorf("cannot reconfigure an open device")
	}
	d.settings = s
	return nil
}

// Open implements Device. With stream tuning this launches the MJPEG
// producer and blocks until the first frame arrives, so a camera held by
// another process is detected here rather than on the first capture.
func (d *Rpicam) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.open {
		return nil
	}
	if d.settings == (Settings{}) {
		return fmt.Errorf("device not configured")
	}

	if d.settings.Tuning != TuningStream {
		if _, err := exec.LookPath(d.vidBin); err != nil {
			return fmt.Errorf("camera tool missing: %w", err)
		}
		d.open = true
		return nil
	}

	if err := d.startStreamLocked(ctx); err != nil {
		return err
	}
	d.open = true
	return nil
}

// startStreamLocked starts the MJPEG process and waits for the first frame.
// Caller holds d.mu.
func (d *Rpicam) startStreamLocked(ctx context.Context) error {
	args := d.commonArgs()
	args = append(args, "--codec", "mjpeg", "--quality", "80", "--flush", "--output", "-")

	// Deliberately not CommandContext: the process outlives the opening
	// subscriber's request context and is stopped explicitly in Close.
	cmd := exec.Command(d.vidBin, args...) // #nosec G204 -- args built from validated settings; binary from trusted config
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	tail := newStderrTail(stderrTailLines)
	cmd.Stderr = tail

	d.log.Info().
		Str(log.FieldEvent, "stream_proc.start").
		Str(log.FieldResolution, d.settings.Resolution()).
		Int(log.FieldFPS, d.settings.FPS).
		Msg("starting MJPEG capture process")

	if err := cmd.Start(); err != nil {
		procStartTotal.WithLabelValues("stream", "err").Inc()
		return fmt.Errorf("start camera process: %w", err)
	}

	frames := make(chan []byte, 1)
	exited := make(chan struct{})
	go pumpFrames(stdout, frames)
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	// First frame confirms the camera actually came up.
	t := time.NewTimer(firstFrameTimeout)
	defer t.Stop()
	select {
	case frame := <-frames:
		// Put it back for the first subscriber.
		select {
		case frames <- frame:
		default:
		}
	case <-exited:
		procStartTotal.WithLabelValues("stream", "err").Inc()
		if detail, busy := busyDetail(tail.Lines()); busy {
			return &BusyError{Detail: detail}
		}
		return fmt.Errorf("camera process exited during startup: %s", tail.Last())
	case <-t.C:
		_ = cmd.Process.Kill()
		<-exited
		procStartTotal.WithLabelValues("stream", "err").Inc()
		return fmt.Errorf("no frame within %s: %s", firstFrameTimeout, tail.Last())
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-exited
		procStartTotal.WithLabelValues("stream", "cancelled").Inc()
		return ctx.Err()
	}

	procStartTotal.WithLabelValues("stream", "ok").Inc()
	d.streamCmd = cmd
	d.frames = frames
	d.streamExited = exited
	d.streamTail = tail
	return nil
}

// StartRecording implements Device.
func (d *Rpicam) StartRecording(ctx context.Context, rawPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return ErrNotOpen
	}
	if d.recCmd != nil {
		return fmt.Errorf("recording already in progress")
	}

	args := d.commonArgs()
	args = append(args, "--codec", "h264", "--output", rawPath)

	cmd := exec.Command(d.vidBin, args...) // #nosec G204 -- args built from validated settings; binary from trusted config
	tail := newStderrTail(stderrTailLines)
	cmd.Stderr = tail

	d.log.Info().
		Str(log.FieldEvent, "rec_proc.start").
		Str(log.FieldRawPath, rawPath).
		Str(log.FieldResolution, d.settings.Resolution()).
		Int(log.FieldFPS, d.settings.FPS).
		Msg("starting raw capture process")

	if err := cmd.Start(); err != nil {
		procStartTotal.WithLabelValues("record", "err").Inc()
		return fmt.Errorf("start capture process: %w", err)
	}

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	// An immediate exit means the camera never started; report it now
	// instead of producing an empty recording.
	t := time.NewTimer(300 * time.Millisecond)
	defer t.Stop()
	select {
	case <-exited:
		procStartTotal.WithLabelValues("record", "err").Inc()
		if detail, busy := busyDetail(tail.Lines()); busy {
			return &BusyError{Detail: detail}
		}
		return fmt.Errorf("capture process exited during startup: %s", tail.Last())
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-exited
		procStartTotal.WithLabelValues("record", "cancelled").Inc()
		return ctx.Err()
	case <-t.C:
	}

	procStartTotal.WithLabelValues("record", "ok").Inc()
	d.recCmd = cmd
	d.recExited = exited
	d.recTail = tail
	return nil
}

// StopRecording implements Device. rpicam-vid finalizes the output file on
// SIGTERM; SIGKILL is the escalation when it does not exit in time.
func (d *Rpicam) StopRecording() error {
	d.mu.Lock()
	cmd, exited := d.recCmd, d.recExited
	d.recCmd, d.recExited, d.recTail = nil, nil, nil
	d.mu.Unlock()

	if cmd == nil {
		return nil
	}
	return stopProcess(cmd, exited)
}

// CaptureFrame implements Device.
func (d *Rpicam) CaptureFrame(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	frames, exited := d.frames, d.streamExited
	tail := d.streamTail
	d.mu.Unlock()

	if frames == nil {
		return nil, ErrNotOpen
	}

	select {
	case frame := <-frames:
		return frame, nil
	case <-exited:
		if detail, busy := busyDetail(tail.Lines()); busy {
			return nil, &BusyError{Detail: detail}
		}
		return nil, fmt.Errorf("%w: camera process exited: %s", ErrNotOpen, tail.Last())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Device.
func (d *Rpicam) Close() error {
	d.mu.Lock()
	streamCmd, streamExited := d.streamCmd, d.streamExited
	recCmd, recExited := d.recCmd, d.recExited
	d.streamCmd, d.frames, d.streamExited, d.streamTail = nil, nil, nil, nil
	d.recCmd, d.recExited, d.recTail = nil, nil, nil
	d.open = false
	d.mu.Unlock()

	var firstErr error
	if recCmd != nil {
		if err := stopProcess(recCmd, recExited); err != nil {
			firstErr = err
		}
	}
	if streamCmd != nil {
		if err := stopProcess(streamCmd, streamExited); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *Rpicam) commonArgs() []string {
	s := d.settings
	args := []string{
		"--nopreview",
		"--width", strconv.Itoa(s.Width),
		"--height", strconv.Itoa(s.Height),
		"--framerate", strconv.Itoa(s.FPS),
		"--timeout", "0",
	}
	if s.Rotation != 0 {
		args = append(args, "--rotation", strconv.Itoa(s.Rotation))
	}
	if s.Tuning == TuningStream {
		// Faster AWB/exposure convergence for live viewing.
		args = append(args, "--awb", "auto", "--denoise", "cdn_fast")
	}
	return args
}

// stopProcess sends SIGTERM and escalates to SIGKILL after a grace period.
func stopProcess(cmd *exec.Cmd, exited <-chan struct{}) error {
	if cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Process already gone.
		return nil
	}
	t := time.NewTimer(stopGrace)
	defer t.Stop()
	select {
	case <-exited:
		return nil
	case <-t.C:
		_ = cmd.Process.Kill()
		<-exited
		return fmt.Errorf("camera process required SIGKILL")
	}
}

// pumpFrames splits the MJPEG byte stream into JPEG frames and delivers them
// with drop-old semantics so a slow consumer always sees a recent frame.
func pumpFrames(r io.Reader, out chan []byte) {
	buf := make([]byte, 0, 1<<20)
	tmp := make([]byte, 64*1024)
	for {
		n, err := r.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			for {
				frame, rest, ok := extractJPEG(buf)
				if !ok {
					buf = rest
					break
				}
				buf = rest
				select {
				case out <- frame:
				default:
					select {
					case <-out:
					default:
					}
					select {
					case out <- frame:
					default:
					}
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// extractJPEG finds one complete SOI..EOI frame in b. It returns the frame
// (copied), the remaining buffer, and whether a frame was found. Bytes before
// the first SOI are discarded.
func extractJPEG(b []byte) (frame []byte, rest []byte, ok bool) {
	start := bytes.Index(b, jpegSOI)
	if start < 0 {
		// Keep the trailing byte in case an SOI marker is split across reads.
		if len(b) > 1 {
			return nil, b[len(b)-1:], false
		}
		return nil, b, false
	}
	end := bytes.Index(b[start+2:], jpegEOI)
	if end < 0 {
		return nil, b[start:], false
	}
	stop := start + 2 + end + 2
	frame = append([]byte(nil), b[start:stop]...)
	return frame, b[stop:], true
}

// busyDetail reports whether the stderr tail indicates the camera is held by
// another process, returning the matching line.
func busyDetail(lines []string) (string, bool) {
	for i := len(lines) - 1; i >= 0; i-- {
		for _, marker := range busyMarkers {
			if strings.Contains(lines[i], marker) {
				return lines[i], true
			}
		}
	}
	return "", false
}

// stderrTail keeps the last N stderr lines of a camera process for error
// reporting.
type stderrTail struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newStderrTail(max int) *stderrTail {
	return &stderrTail{max: max}
}

func (t *stderrTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	scanner := bufio.NewScanner(bytes.NewReader(p))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		t.lines = append(t.lines, line)
		if len(t.lines) > t.max {
			t.lines = t.lines[len(t.lines)-t.max:]
		}
	}
	return len(p), nil
}

func (t *stderrTail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.lines))
	copy(out, t.lines)
	return out
}

func (t *stderrTail) Last() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.lines) == 0 {
		return "(no stderr output)"
	}
	return t.lines[len(t.lines)-1]
}
