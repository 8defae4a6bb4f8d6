package transcode

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/picamd/picamd/internal/clock"
	"github.com/picamd/picamd/internal/log"
)

// JobState describes where a finalization job is in its lifecycle.
type JobState string

const (
	// JobRunning means the job owns the device mode and is converting.
	JobRunning JobState = "running"
	// JobDone means the final artifact was published.
	JobDone JobState = "done"
	// JobFailed means the transcode step failed terminally. The raw capture
	// is preserved for manual recovery.
	JobFailed JobState = "failed"
)

// Job is a single finalization: transcode the raw capture, then wait for the
// output to settle on disk.
type Job struct {
	Input     string
	Output    string
	StartedAt time.Time
	State     JobState
	// FailureDetail is set when State is JobFailed.
	FailureDetail string
}

// Finalizer runs at most one Job at a time. The recorder hands it the raw
// capture after the device is released and holds the converting mode for the
// duration of Run.
type Finalizer struct {
	transcoder Transcoder
	clk        clock.Clock
	stability  StabilityConfig

	mu      sync.Mutex
	current *Job
	last    *Job
}

// NewFinalizer wires the finalization pipeline.
func NewFinalizer(t Transcoder, clk clock.Clock, stability StabilityConfig) *Finalizer {
	return &Finalizer{
		transcoder: t,
		clk:        clk,
		stability:  stability,
	}
}

// Run executes a finalization job synchronously. It returns an error wrapping
// ErrTranscodeFailed when the transcoder fails; a stabilization timeout is
// logged but does not fail the job. Run refuses to start while another job is
// in flight.
func (f *Finalizer) Run(ctx context.Context, input, output string) error {
	logger := log.WithComponentFromContext(ctx, "finalize")

	job := &Job{
		Input:     input,
		Output:    output,
		StartedAt: f.clk.Now(),
		State:     JobRunning,
	}

	f.mu.Lock()
	if f.current != nil {
		f.mu.Unlock()
		return fmt.Errorf("finalization already in progress for %s", f.current.Input)
	}
	f.current = job
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.last = job
		f.current = nil
		f.mu.Unlock()
	}()

	if err := f.transcoder.Transcode(ctx, input, output); err != nil {
		f.setOutcome(job, JobFailed, err.Error())
		logger.Error().
			Err(err).
			Str(log.FieldEvent, "finalize.transcode_failed").
			Str(log.FieldRawPath, input).
			Msg("keeping raw capture after transcode failure")
		return err
	}

	stable, err := WaitForStable(ctx, f.clk, output, f.stability)
	if err != nil {
		f.setOutcome(job, JobFailed, err.Error())
		return err
	}
	if !stable {
		// Advisory: the artifact is published anyway, a reader may just see
		// it grow for a moment.
		logger.Warn().
			Str(log.FieldEvent, "finalize.stability_timeout").
			Str(log.FieldFinalPath, output).
			Msg("output size did not settle within the polling budget")
	}

	f.setOutcome(job, JobDone, "")
	if stat, statErr := os.Stat(output); statErr == nil {
		logger.Info().
			Str(log.FieldEvent, "finalize.done").
			Str(log.FieldFinalPath, output).
			Int64(log.FieldSizeBytes, stat.Size()).
			Int64(log.FieldDurationMS, f.clk.Now().Sub(job.StartedAt).Milliseconds()).
			Msg("final artifact published")
	}
	return nil
}

// setOutcome updates the job under the same mutex that Running and
// LastResult copy it under.
func (f *Finalizer) setOutcome(job *Job, state JobState, detail string) {
	f.mu.Lock()
	job.State = state
	job.FailureDetail = detail
	f.mu.Unlock()
}

// Running reports the in-flight job, or nil.
func (f *Finalizer) Running() *Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return nil
	}
	j := *f.current
	return &j
}

// LastResult reports the most recently completed job, or nil.
func (f *Finalizer) LastResult() *Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return nil
	}
	j := *f.last
	return &j
}
