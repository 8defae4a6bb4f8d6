// Package device abstracts the physical camera and arbitrates exclusive
// access to it. The Registry is the single point of mutual exclusion for the
// whole daemon: every capture path acquires a token before touching the
// hardware and releases it afterwards.
package device

import (
	"context"
	"fmt"
)

// Tuning selects the capture pipeline configuration. Recording uses the
// encoder defaults; streaming uses a colour/exposure profile that favours
// quick adaptation over compression efficiency.
type Tuning string

const (
	TuningRecording Tuning = "recording"
	TuningStream    Tuning = "stream"
)

// Settings describes a capture configuration.
type Settings struct {
	Width    int
	Height   int
	FPS      int
	Rotation int
	Tuning   Tuning
}

// Resolution returns the "WxH" form used in logs and API responses.
func (s Settings) Resolution() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Device is the capture hardware collaborator.
//
// Lifecycle: Configure, then Open, then either StartRecording/StopRecording
// (recording tuning) or repeated CaptureFrame calls (stream tuning), then
// Close. Implementations must tolerate Close after a failed Open.
type Device interface {
	// Configure stores the capture settings. Must be called before Open.
	Configure(s Settings) error

	// Open claims the hardware. With stream tuning this starts frame
	// production; a camera held by another process surfaces as *BusyError.
	Open(ctx context.Context) error

	// StartRecording begins writing the raw encoder output to rawPath.
	StartRecording(ctx context.Context, rawPath string) error

	// StopRecording stops the raw capture and flushes the output file.
	StopRecording() error

	// CaptureFrame returns the next JPEG frame from an open streaming device.
	CaptureFrame(ctx context.Context) ([]byte, error)

	// Close releases the hardware. Safe to call more than once.
	Close() error
}

// Factory creates a fresh device handle. The registry owns arbitration, so
// factories may be called concurrently but only one returned device is ever
// open at a time.
type Factory func() Device
