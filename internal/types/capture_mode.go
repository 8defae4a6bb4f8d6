// Package types provides type-safe enumerations shared across picamd.
package types

import (
	"encoding/json"
	"fmt"
)

// CaptureMode represents which owner currently holds the capture pipeline.
//
// Exactly one non-idle mode is active at any instant system-wide; the
// device registry is the sole authority for transitions.
type CaptureMode string

// Capture mode constants define all possible pipeline states.
const (
	// ModeIdle indicates nothing holds the camera and no post-processing runs.
	ModeIdle CaptureMode = "idle"

	// ModeRecording indicates a recording session owns the camera.
	ModeRecording CaptureMode = "recording"

	// ModeConverting indicates the finalization pipeline is transcoding a
	// finished recording. The camera itself is already released.
	ModeConverting CaptureMode = "converting"

	// ModeStreaming indicates the live-frame multiplexer owns the camera.
	ModeStreaming CaptureMode = "streaming"
)

// String implements fmt.Stringer.
func (m CaptureMode) String() string {
	return string(m)
}

// IsValid checks whether the capture mode is one of the defined constants.
func (m CaptureMode) IsValid() bool {
	switch m {
	case ModeIdle, ModeRecording, ModeConverting, ModeStreaming:
		return true
	default:
		return false
	}
}

// IsBusy reports whether the mode blocks exclusive acquisition.
func (m CaptureMode) IsBusy() bool {
	return m.IsValid() && m != ModeIdle
}

// MarshalJSON implements json.Marshaler.
func (m CaptureMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *CaptureMode) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	mode := CaptureMode(str)
	if !mode.IsValid() {
		return fmt.Errorf("invalid capture mode: %q", str)
	}

	*m = mode
	return nil
}

// ParseCaptureMode parses a string into a CaptureMode.
func ParseCaptureMode(s string) (CaptureMode, error) {
	mode := CaptureMode(s)
	if !mode.IsValid() {
		return "", fmt.Errorf("invalid capture mode: %q (valid: idle, recording, converting, streaming)", s)
	}
	return mode, nil
}

// AllCaptureModes returns all defined capture modes.
func AllCaptureModes() []CaptureMode {
	return []CaptureMode{ModeIdle, ModeRecording, ModeConverting, ModeStreaming}
}
