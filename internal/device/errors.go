package device

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy is returned when an acquisition fails fast because another
	// mode currently holds the pipeline.
	ErrBusy = errors.New("capture pipeline busy")

	// ErrUnavailable is returned when a bounded wait for the device expired
	// without it becoming ready.
	ErrUnavailable = errors.New("capture device unavailable")

	// ErrNotOpen is returned by device operations that require an open handle.
	ErrNotOpen = errors.New("capture device not open")
)

// BusyError reports that the underlying hardware rejected an open because it
// is held elsewhere (typically a process outside our arbitration). It carries
// enough detail for the caller to decide between forced cleanup and
// propagation.
type BusyError struct {
	Detail string
}

func (e *BusyError) Error() string {
	if e.Detail == "" {
		return "camera device busy"
	}
	return fmt.Sprintf("camera device busy: %s", e.Detail)
}

// Unwrap makes errors.Is(err, ErrBusy) hold for hardware-level busy reports.
func (e *BusyError) Unwrap() error { return ErrBusy }
