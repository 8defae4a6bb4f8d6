package log

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDailyWriter_AppendsToDatedFile(t *testing.T) {
	dir := t.TempDir()
	w := NewDailyWriter(dir, "picamd")
	defer func() { _ = w.Close() }()

	if _, err := w.Write([]byte("first line\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := w.Write([]byte("second line\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	name := filepath.Join(dir, "picamd-"+time.Now().Format("20060102")+".log")
	data, err := os.ReadFile(name) // #nosec G304 -- test temp dir
	if err != nil {
		t.Fatalf("expected dated log file: %v", err)
	}
	if string(data) != "first line\nsecond line\n" {
		t.Errorf("unexpected file content: %q", string(data))
	}
}

func TestDailyWriter_CreatesMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "log")
	w := NewDailyWriter(dir, "picamd")
	defer func() { _ = w.Close() }()

	if _, err := w.Write([]byte("x\n")); err != nil {
		t.Fatalf("write should create the log dir: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("log dir missing: %v", err)
	}
}
