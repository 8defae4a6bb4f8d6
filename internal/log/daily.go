package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DailyWriter appends to a date-suffixed log file and rolls over to a new
// file when the calendar day changes. Old files are left in place.
type DailyWriter struct {
	mu     sync.Mutex
	dir    string
	prefix string
	day    string
	file   *os.File
}

// NewDailyWriter creates a writer producing <dir>/<prefix>-YYYYMMDD.log files.
func NewDailyWriter(dir, prefix string) *DailyWriter {
	return &DailyWriter{dir: dir, prefix: prefix}
}

// Write implements io.Writer. The target file is (re)opened lazily so a
// missing log directory only fails the first write, not construction.
func (w *DailyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	day := time.Now().Format("20060102")
	if w.file == nil || day != w.day {
		if w.file != nil {
			_ = w.file.Close()
			w.file = nil
		}
		if err := os.MkdirAll(w.dir, 0o755); err != nil {
			return 0, err
		}
		name := filepath.Join(w.dir, fmt.Sprintf("%s-%s.log", w.prefix, day))
		// #nosec G304 -- name is built from configured log dir and a date suffix
		f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return 0, err
		}
		w.file = f
		w.day = day
	}
	return w.file.Write(p)
}

// Close closes the currently open log file, if any.
func (w *DailyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
