package device

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// Fake is an in-memory Device for tests. It counts lifecycle calls, serves a
// canned frame, and writes a small raw file when a recording stops so the
// finalization path has something to work on.
type Fake struct {
	mu        sync.Mutex
	settings  Settings
	opened    bool
	recording bool
	rawPath   string

	Opens  int
	Closes int
	Frames int

	// Frame is returned by CaptureFrame. Defaults to a JPEG-marker stub.
	Frame []byte

	// RawContent is written to the raw path on StopRecording. Empty means no
	// file is produced, which exercises the missing-raw short circuit.
	RawContent []byte

	// Error hooks. A non-nil value makes the corresponding call fail.
	OpenErr    error
	StartErr   error
	CaptureErr error
}

// NewFake returns a fake device producing a minimal valid frame and raw file.
func NewFake() *Fake {
	return &Fake{
		Frame:      []byte{0xff, 0xd8, 0x00, 0x11, 0xff, 0xd9},
		RawContent: []byte("h264 raw capture stub"),
	}
}

// Configure implements Device.
func (f *Fake) Configure(s Settings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = s
	return nil
}

// Settings returns the last configured settings.
func (f *Fake) Settings() Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

// Open implements Device.
func (f *Fake) Open(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OpenErr != nil {
		return f.OpenErr
	}
	if f.opened {
		return fmt.Errorf("fake device already open")
	}
	f.opened = true
	f.Opens++
	return nil
}

// StartRecording implements Device.
func (f *Fake) StartRecording(_ context.Context, rawPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return f.StartErr
	}
	if !f.opened {
		return ErrNotOpen
	}
	f.recording = true
	f.rawPath = rawPath
	return nil
}

// StopRecording implements Device.
func (f *Fake) StopRecording() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.recording {
		return nil
	}
	f.recording = false
	if len(f.RawContent) > 0 && f.rawPath != "" {
		return os.WriteFile(f.rawPath, f.RawContent, 0o600)
	}
	return nil
}

// CaptureFrame implements Device.
func (f *Fake) CaptureFrame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CaptureErr != nil {
		return nil, f.CaptureErr
	}
	if !f.opened {
		return nil, ErrNotOpen
	}
	f.Frames++
	frame := make([]byte, len(f.Frame))
	copy(frame, f.Frame)
	return frame, nil
}

// Close implements Device.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.opened {
		return nil
	}
	f.opened = false
	f.recording = false
	f.Closes++
	return nil
}

// OpenCount returns how many times the device was opened.
func (f *Fake) OpenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Opens
}

// CloseCount returns how many times the device was closed.
func (f *Fake) CloseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Closes
}
