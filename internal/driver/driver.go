// Package driver implements C4: driving one chunk through the provider,
// with cancellation polling, transient-error backoff, and coverage-gap
// retries, per SPEC_FULL.md §4.4.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/voxpipe/transcribe/internal/apierr"
	"github.com/voxpipe/transcribe/internal/model"
	"github.com/voxpipe/transcribe/internal/provider"
)

// ErrJobCancelled is returned when a cancellation probe observes the job
// has moved to CANCELLED; the caller must stop driving further chunks.
var ErrJobCancelled = errors.New("job cancelled")

// maxTransientAttempts bounds retries for transient provider errors
// (RateLimited, Timeout, ProviderUnavailable); SPEC_FULL §4.4 default 3.
const maxTransientAttempts = 3

// maxCoverageRetries bounds the extra attempts taken solely to close a
// coverage gap, counted separately from transient-error retries.
const maxCoverageRetries = 2

// defaultCoverageGapThreshold and defaultContextSegments are overridable
// per Driver (sourced from config.Config) and match the SPEC_FULL §6
// values; backoffBase and backoffCap bound transient-error backoff.
const (
	defaultCoverageGapThreshold = 15 * time.Second
	defaultContextSegments      = 3
	backoffBase                 = 2 * time.Second
	backoffCap                  = 60 * time.Second
)

// JobStatusChecker re-reads a job's current status from the store, used
// for the cancellation probe before every attempt and every retry sleep.
type JobStatusChecker interface {
	JobStatus(ctx context.Context, jobID string) (model.JobStatus, error)
}

// Driver drives a single chunk to COMPLETED or FAILED.
type Driver struct {
	checker              JobStatusChecker
	coverageGapThreshold time.Duration
	contextSegments      int
}

// Option configures a Driver.
type Option func(*Driver)

// WithCoverageGapThreshold overrides the default 15s coverage-gap bound.
func WithCoverageGapThreshold(d time.Duration) Option {
	return func(drv *Driver) { drv.coverageGapThreshold = d }
}

// WithContextSegments overrides how many trailing segments of the
// previous chunk are threaded into the next chunk's prompt.
func WithContextSegments(n int) Option {
	return func(drv *Driver) { drv.contextSegments = n }
}

// New creates a Driver. checker is consulted before every attempt.
func New(checker JobStatusChecker, opts ...Option) *Driver {
	drv := &Driver{
		checker:              checker,
		coverageGapThreshold: defaultCoverageGapThreshold,
		contextSegments:      defaultContextSegments,
	}
	for _, opt := range opts {
		opt(drv)
	}
	return drv
}

// Drive runs chunk through prov, threading prevSegments (the previous
// chunk's completed segments, nil for chunk 0) in as context. It mutates
// and returns chunk with its final Status/Attempts/Segments/Metadata.
func (drv *Driver) Drive(ctx context.Context, jobID string, chunk model.Chunk, audio []byte, prov provider.Provider, lang provider.Config, prevSegments []model.Segment) (model.Chunk, error) {
	cfg := lang
	cfg.ContextText = contextText(prevSegments, drv.contextSegments)
	cfg.ChunkIndex = chunk.Index
	cfg.ChunkDuration = chunk.Duration()

	chunk.Status = model.ChunkProcessing

	var best provider.Result
	bestGap := -1.0
	var bestStartGap, bestEndGap float64
	coverageRetries := 0

	for {
		if cancelled, err := drv.probe(ctx, jobID); err != nil {
			return chunk, err
		} else if cancelled {
			return chunk, ErrJobCancelled
		}

		result, err := drv.transcribeWithRetry(ctx, jobID, &chunk, audio, prov, cfg)
		if err != nil {
			if errors.Is(err, ErrJobCancelled) {
				return chunk, ErrJobCancelled
			}
			chunk.LastError = err.Error()
			chunk.Status = model.ChunkFailed
			chunk.Metadata.CoverageRetries = coverageRetries
			return chunk, err
		}

		startGap, endGap := coverageGaps(result.Segments, chunk.Duration())
		gap := startGap
		if endGap > gap {
			gap = endGap
		}

		if bestGap < 0 || gap < bestGap {
			best = result
			bestGap = gap
			bestStartGap = startGap
			bestEndGap = endGap
		}

		if gap <= drv.coverageGapThreshold.Seconds() || coverageRetries >= maxCoverageRetries {
			chunk.Segments = best.Segments
			chunk.Metadata = best.Metadata
			chunk.Metadata.StartGapSecs = bestStartGap
			chunk.Metadata.EndGapSecs = bestEndGap
			chunk.Metadata.CoverageRetries = coverageRetries
			chunk.Status = model.ChunkCompleted
			return chunk, nil
		}

		coverageRetries++
	}
}

// transcribeWithRetry drives up to maxTransientAttempts provider calls for
// one coverage-round, backing off between attempts via the shared
// apierr.RetryWithBackoff helper. Cancellation is re-probed inside fn,
// immediately ahead of each attempt (including retries), and in
// shouldRetry, ahead of each backoff sleep; a cancellation or a
// non-retryable error kind both stop the retry loop via shouldRetry.
func (drv *Driver) transcribeWithRetry(ctx context.Context, jobID string, chunk *model.Chunk, audio []byte, prov provider.Provider, cfg provider.Config) (provider.Result, error) {
	retryCfg := apierr.RetryConfig{
		MaxRetries: maxTransientAttempts - 1,
		BaseDelay:  backoffBase,
		MaxDelay:   backoffCap,
	}
	cancelledBeforeSleep := false
	result, err := apierr.RetryWithBackoff(ctx, retryCfg, func() (provider.Result, error) {
		if cancelled, err := drv.probe(ctx, jobID); err != nil {
			return provider.Result{}, err
		} else if cancelled {
			return provider.Result{}, ErrJobCancelled
		}
		chunk.Attempts++
		return prov.Transcribe(ctx, audio, cfg)
	}, func(err error) bool {
		if errors.Is(err, ErrJobCancelled) || !apierr.KindOf(err).Retryable() {
			return false
		}
		if cancelled, perr := drv.probe(ctx, jobID); perr == nil && cancelled {
			cancelledBeforeSleep = true
			return false
		}
		return true
	})
	if cancelledBeforeSleep {
		return provider.Result{}, ErrJobCancelled
	}
	return result, err
}

// probe re-reads job status; returns (true, nil) if the job is CANCELLED.
func (drv *Driver) probe(ctx context.Context, jobID string) (bool, error) {
	status, err := drv.checker.JobStatus(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("probe job status: %w", err)
	}
	return status == model.JobCancelled, nil
}

// coverageGaps computes the start/end coverage gaps per SPEC_FULL §4.4.
func coverageGaps(segments []model.Segment, chunkDuration float64) (startGap, endGap float64) {
	if len(segments) == 0 {
		return chunkDuration, chunkDuration
	}
	sorted := make([]model.Segment, len(segments))
	copy(sorted, segments)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	startGap = sorted[0].Start
	endGap = chunkDuration - sorted[len(sorted)-1].End
	if endGap < 0 {
		endGap = 0
	}
	return startGap, endGap
}

// contextText joins the text of the trailing n segments of prev, the
// running context threaded into the next chunk's provider call.
func contextText(prev []model.Segment, n int) string {
	if len(prev) == 0 || n <= 0 {
		return ""
	}
	start := len(prev) - n
	if start < 0 {
		start = 0
	}
	parts := make([]string, 0, len(prev)-start)
	for _, seg := range prev[start:] {
		parts = append(parts, seg.Text)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}
