package transcode

import (
	"context"
	"os"
	"time"

	"github.com/picamd/picamd/internal/clock"
)

// StabilityConfig controls how long the finalizer waits for the transcoded
// file to stop growing before it is published.
type StabilityConfig struct {
	// PollInterval is the delay between size probes.
	PollInterval time.Duration
	// MaxChecks bounds the total number of probes.
	MaxChecks int
	// StableChecks is how many consecutive identical sizes count as stable.
	StableChecks int
}

// WaitForStable polls the file size until it has been unchanged for
// cfg.StableChecks consecutive probes. It returns true when the file settled
// and false when MaxChecks probes pass without settling; the caller treats
// the latter as advisory, not fatal. A missing file counts as a size change.
func WaitForStable(ctx context.Context, clk clock.Clock, path string, cfg StabilityConfig) (bool, error) {
	var lastSize int64 = -1
	stableCount := 0

	for i := 0; i < cfg.MaxChecks; i++ {
		if err := clk.Sleep(ctx, cfg.PollInterval); err != nil {
			return false, err
		}

		stat, err := os.Stat(path)
		if err != nil {
			lastSize = -1
			stableCount = 0
			continue
		}
		size := stat.Size()

		if size == lastSize {
			stableCount++
			if stableCount >= cfg.StableChecks {
				return true, nil
			}
		} else {
			stableCount = 1
			lastSize = size
		}
	}
	return false, nil
}
