package types

import (
	"encoding/json"
	"testing"
)

func TestCaptureMode_IsValid(t *testing.T) {
	for _, m := range AllCaptureModes() {
		if !m.IsValid() {
			t.Errorf("mode %q should be valid", m)
		}
	}
	if CaptureMode("paused").IsValid() {
		t.Error("unknown mode should be invalid")
	}
	if CaptureMode("").IsValid() {
		t.Error("empty mode should be invalid")
	}
}

func TestCaptureMode_IsBusy(t *testing.T) {
	if ModeIdle.IsBusy() {
		t.Error("idle must not be busy")
	}
	for _, m := range []CaptureMode{ModeRecording, ModeConverting, ModeStreaming} {
		if !m.IsBusy() {
			t.Errorf("mode %q should be busy", m)
		}
	}
	if CaptureMode("bogus").IsBusy() {
		t.Error("invalid mode must not report busy")
	}
}

func TestParseCaptureMode(t *testing.T) {
	mode, err := ParseCaptureMode("recording")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mode != ModeRecording {
		t.Errorf("expected %q, got %q", ModeRecording, mode)
	}

	if _, err := ParseCaptureMode("busy"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestCaptureMode_UnmarshalRejectsUnknown(t *testing.T) {
	var m CaptureMode
	if err := json.Unmarshal([]byte(`"converting"`), &m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m != ModeConverting {
		t.Errorf("expected converting, got %q", m)
	}
	if err := json.Unmarshal([]byte(`"halted"`), &m); err == nil {
		t.Error("expected error for unknown mode")
	}
}
