// Package orchestrator owns the job and chunk state machines and drives
// C1 (normalize) -> C2 (chunk) -> C4 (drive, C3 inside) -> C5 (merge), per
// SPEC_FULL.md §2 and §5. It is the service-level analogue of the
// teacher's Recorder/Transcriber/Restructurer call chain in its top-level
// main.go, generalized from a single synchronous CLI invocation to a
// durable, resumable, cancellable worker loop.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/voxpipe/transcribe/internal/apierr"
	"github.com/voxpipe/transcribe/internal/blob"
	"github.com/voxpipe/transcribe/internal/chunking"
	"github.com/voxpipe/transcribe/internal/config"
	"github.com/voxpipe/transcribe/internal/driver"
	"github.com/voxpipe/transcribe/internal/format"
	"github.com/voxpipe/transcribe/internal/merge"
	"github.com/voxpipe/transcribe/internal/model"
	"github.com/voxpipe/transcribe/internal/normalize"
	"github.com/voxpipe/transcribe/internal/observe"
	"github.com/voxpipe/transcribe/internal/provider"
	"github.com/voxpipe/transcribe/internal/queue"
	"github.com/voxpipe/transcribe/internal/store"
)

// ErrCancelledJobNotResumable is returned by RetryJob when the target job
// is CANCELLED rather than FAILED; only FAILED jobs may be retried.
var ErrCancelledJobNotResumable = errors.New("orchestrator: cancelled job is not resumable")

// tempDirPrefix marks job-scoped temp directories so cleanup's safety
// check (mirroring the teacher's CleanupChunks) only ever removes
// directories this package created.
const tempDirPrefix = "go-transcript-job-"

// JobStore is the subset of *store.Store the orchestrator needs. It
// embeds driver.JobStatusChecker so a *store.Store (or a test double)
// satisfies both with one implementation.
type JobStore interface {
	driver.JobStatusChecker
	GetJob(ctx context.Context, id uuid.UUID) (model.Job, error)
	CreateJob(ctx context.Context, job model.Job) error
	TransitionJobStatus(ctx context.Context, id uuid.UUID, expectedCurrent, next model.JobStatus) error
	CompleteJob(ctx context.Context, id uuid.UUID, resultKey string, finishedAt time.Time) error
	FailJob(ctx context.Context, id uuid.UUID, code apierr.Kind, message string, finishedAt time.Time) error
	SetDuration(ctx context.Context, id uuid.UUID, seconds float64) error
	SetTotalChunks(ctx context.Context, id uuid.UUID, total int) error
	IncrementCompletedChunks(ctx context.Context, id uuid.UUID) error
	StaleJobs(ctx context.Context, threshold time.Duration) ([]uuid.UUID, error)
	CreateChunks(ctx context.Context, jobID uuid.UUID, chunks []model.Chunk) error
	UpdateChunk(ctx context.Context, jobID uuid.UUID, chunk model.Chunk) error
	ListChunks(ctx context.Context, jobID uuid.UUID) ([]model.Chunk, error)
	DeleteChunks(ctx context.Context, jobID uuid.UUID) error
}

// BlobStore is the subset of *blob.Store the orchestrator needs.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	DeleteJobArtifacts(ctx context.Context, jobID string) error
}

// Queue is the subset of *queue.Queue the orchestrator needs.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	Claim(ctx context.Context, workerID string) (string, error)
	Ack(ctx context.Context, jobID string) error
	ReleaseStale(ctx context.Context, threshold time.Duration) error
}

var (
	_ JobStore  = (*store.Store)(nil)
	_ BlobStore = (*blob.Store)(nil)
	_ Queue     = (*queue.Queue)(nil)
)

// Worker claims jobs from the queue and drives each to a terminal status.
type Worker struct {
	id               string
	store            JobStore
	blobStore        BlobStore
	queue            Queue
	metrics          *observe.Metrics
	cfg              config.Config
	ffmpegPath       string
	providerSettings map[string]string
	logger           *slog.Logger
	pollInterval     time.Duration
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithPollInterval overrides how long a worker sleeps after finding the
// queue empty before claiming again.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) { w.pollInterval = d }
}

const defaultPollInterval = 2 * time.Second

// New creates a Worker. ffmpegPath must already be resolved (see
// ffmpeg.Resolve) since it is reused across every job this worker drives.
func New(id string, st JobStore, bs BlobStore, q Queue, metrics *observe.Metrics, cfg config.Config, ffmpegPath string, providerSettings map[string]string, opts ...Option) *Worker {
	w := &Worker{
		id:               id,
		store:            st,
		blobStore:        bs,
		queue:            q,
		metrics:          metrics,
		cfg:              cfg,
		ffmpegPath:       ffmpegPath,
		providerSettings: providerSettings,
		logger:           slog.Default(),
		pollInterval:     defaultPollInterval,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run claims and drives jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.metrics.ActiveWorkers.Inc()
	defer w.metrics.ActiveWorkers.Dec()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		claimStart := time.Now()
		jobID, err := w.queue.Claim(ctx, w.id)
		w.metrics.QueueClaimDuration.Observe(time.Since(claimStart).Seconds())
		if err != nil {
			if errors.Is(err, queue.ErrEmpty) {
				if !sleepCtx(ctx, w.pollInterval) {
					return ctx.Err()
				}
				continue
			}
			w.logger.Error("claim failed", "worker", w.id, "error", err)
			if !sleepCtx(ctx, w.pollInterval) {
				return ctx.Err()
			}
			continue
		}

		w.logger.Info("job claimed", "worker", w.id, "job_id", jobID)
		if err := w.processJob(ctx, jobID); err != nil {
			w.logger.Error("job processing failed", "worker", w.id, "job_id", jobID, "error", err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// SubmitJob persists job's original artifact, creates its row in PENDING,
// and enqueues it. This is the business logic of job intake minus the
// HTTP surface (authn, rate-limiting, upload validation), which SPEC_FULL
// §1 keeps external.
func (w *Worker) SubmitJob(ctx context.Context, job model.Job, audio []byte) error {
	key := blob.OriginalKey(job.ID.String(), job.OriginalFilename)
	if err := w.blobStore.Put(ctx, key, audio); err != nil {
		return fmt.Errorf("orchestrator: submit job %s: upload original: %w", job.ID, err)
	}
	if err := w.store.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("orchestrator: submit job %s: %w", job.ID, err)
	}
	if err := w.queue.Enqueue(ctx, job.ID.String()); err != nil {
		return fmt.Errorf("orchestrator: submit job %s: enqueue: %w", job.ID, err)
	}
	return nil
}

// RetryJob resets a FAILED job to PENDING, discards its chunks, and
// re-enqueues it. CANCELLED jobs are rejected with
// ErrCancelledJobNotResumable; completed chunks are never reused because
// the provider behind them may have changed since the failed attempt.
func RetryJob(ctx context.Context, st JobStore, q Queue, jobID uuid.UUID) error {
	job, err := st.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("orchestrator: retry job %s: %w", jobID, err)
	}
	if job.Status == model.JobCancelled {
		return ErrCancelledJobNotResumable
	}
	if job.Status != model.JobFailed {
		return fmt.Errorf("orchestrator: retry job %s: status %s is not FAILED", jobID, job.Status)
	}

	if err := st.DeleteChunks(ctx, jobID); err != nil {
		return fmt.Errorf("orchestrator: retry job %s: %w", jobID, err)
	}
	if err := st.TransitionJobStatus(ctx, jobID, model.JobFailed, model.JobPending); err != nil {
		return fmt.Errorf("orchestrator: retry job %s: %w", jobID, err)
	}
	if err := q.Enqueue(ctx, jobID.String()); err != nil {
		return fmt.Errorf("orchestrator: retry job %s: enqueue: %w", jobID, err)
	}
	return nil
}

// CancelJob marks a non-terminal job CANCELLED. The worker currently
// driving it (if any) observes this at its next cancellation probe and
// stops without running the merger (SPEC_FULL §5, invariant 8).
func CancelJob(ctx context.Context, st JobStore, jobID uuid.UUID) error {
	job, err := st.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("orchestrator: cancel job %s: %w", jobID, err)
	}
	if job.Status.Terminal() {
		return fmt.Errorf("orchestrator: cancel job %s: already %s", jobID, job.Status)
	}
	if err := st.TransitionJobStatus(ctx, jobID, job.Status, model.JobCancelled); err != nil {
		return fmt.Errorf("orchestrator: cancel job %s: %w", jobID, err)
	}
	return nil
}

// StaleSweeper periodically fails jobs stuck in UPLOADED/PROCESSING for
// longer than the configured threshold and releases their queue claim, so
// a crashed worker's job is eventually recovered by another worker (a
// fresh attempt starts via RetryJob, not automatically, since the sweeper
// only marks the job FAILED).
type StaleSweeper struct {
	store     JobStore
	queue     Queue
	threshold time.Duration
	logger    *slog.Logger
}

// NewStaleSweeper creates a StaleSweeper.
func NewStaleSweeper(st JobStore, q Queue, threshold time.Duration, logger *slog.Logger) *StaleSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &StaleSweeper{store: st, queue: q, threshold: threshold, logger: logger}
}

// Run sweeps once immediately, then every interval until ctx is cancelled.
func (s *StaleSweeper) Run(ctx context.Context, interval time.Duration) {
	s.sweepOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StaleSweeper) sweepOnce(ctx context.Context) {
	ids, err := s.store.StaleJobs(ctx, s.threshold)
	if err != nil {
		s.logger.Error("stale sweep failed", "error", err)
		return
	}
	if err := s.queue.ReleaseStale(ctx, s.threshold); err != nil {
		s.logger.Error("stale queue release failed", "error", err)
	}
	for _, id := range ids {
		now := time.Now()
		if err := s.store.FailJob(ctx, id, apierr.KindUnknown, "job exceeded stale threshold", now); err != nil {
			s.logger.Error("stale sweep fail job failed", "job_id", id, "error", err)
			continue
		}
		s.logger.Warn("job marked failed by stale sweep", "job_id", id)
	}
}

// processJob runs the full C1->C2->C4->C5 pipeline for one claimed job id,
// acknowledging the queue entry once the job reaches a terminal status.
// Cancellation (S6) is the one path that returns without acknowledging the
// job as complete/failed at the pipeline level: the job itself already
// carries CANCELLED, so Ack still removes the queue row (the job will
// never be reprocessed automatically; a cancelled job is not resumable).
func (w *Worker) processJob(ctx context.Context, jobIDStr string) error {
	jobID, err := uuid.Parse(jobIDStr)
	if err != nil {
		return fmt.Errorf("orchestrator: invalid job id %q: %w", jobIDStr, err)
	}

	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("orchestrator: get job %s: %w", jobID, err)
	}
	if job.Status.Terminal() {
		return w.queue.Ack(ctx, jobIDStr)
	}

	tempDir, err := os.MkdirTemp("", tempDirPrefix+"*")
	if err != nil {
		return fmt.Errorf("orchestrator: job %s: create temp dir: %w", jobID, err)
	}
	defer cleanupJobDir(tempDir)

	if job.Status == model.JobPending {
		if err := w.store.TransitionJobStatus(ctx, jobID, model.JobPending, model.JobUploaded); err != nil {
			return fmt.Errorf("orchestrator: job %s: %w", jobID, err)
		}
		job.Status = model.JobUploaded
	}
	if job.Status == model.JobUploaded {
		if err := w.store.TransitionJobStatus(ctx, jobID, model.JobUploaded, model.JobProcessing); err != nil {
			return fmt.Errorf("orchestrator: job %s: %w", jobID, err)
		}
		job.Status = model.JobProcessing
	}

	if cancelled, err := w.checkCancelled(ctx, jobID); err != nil {
		return err
	} else if cancelled {
		return w.queue.Ack(ctx, jobIDStr)
	}

	start := time.Now()
	if err := w.runPipeline(ctx, jobID, job, tempDir); err != nil {
		if errors.Is(err, driver.ErrJobCancelled) {
			w.logger.Info("job cancelled mid-pipeline", "job_id", jobID)
			w.metrics.RecordJob(string(model.JobCancelled))
			return w.queue.Ack(ctx, jobIDStr)
		}

		kind := apierr.KindOf(err)
		if kind == "" {
			kind = apierr.KindUnknown
		}
		if failErr := w.store.FailJob(ctx, jobID, kind, err.Error(), time.Now()); failErr != nil {
			return fmt.Errorf("orchestrator: job %s: fail job: %w (original error: %v)", jobID, failErr, err)
		}
		w.metrics.RecordJob(string(model.JobFailed))
		w.logger.Error("job failed", "job_id", jobID, "error_kind", kind, "error", err, "elapsed", time.Since(start))
		return w.queue.Ack(ctx, jobIDStr)
	}

	w.metrics.RecordJob(string(model.JobCompleted))
	w.logger.Info("job completed", "job_id", jobID, "elapsed", time.Since(start))
	return w.queue.Ack(ctx, jobIDStr)
}

func (w *Worker) checkCancelled(ctx context.Context, jobID uuid.UUID) (bool, error) {
	status, err := w.store.JobStatus(ctx, jobID.String())
	if err != nil {
		return false, fmt.Errorf("orchestrator: job %s: check cancelled: %w", jobID, err)
	}
	return status == model.JobCancelled, nil
}

// runPipeline drives C1 through C5 for job, returning driver.ErrJobCancelled
// if cancellation was observed, or the terminal chunk/provider error on
// failure. It never transitions the job to COMPLETED/FAILED itself; the
// caller (processJob) does so based on this method's returned error.
func (w *Worker) runPipeline(ctx context.Context, jobID uuid.UUID, job model.Job, tempDir string) error {
	srcPath := filepath.Join(tempDir, "original"+job.Extension)
	original, err := w.blobStore.Get(ctx, blob.OriginalKey(jobID.String(), job.OriginalFilename))
	if err != nil {
		return fmt.Errorf("%w: download original: %v", apierr.ErrProviderUnavailable, err)
	}
	if err := os.WriteFile(srcPath, original, 0o600); err != nil {
		return fmt.Errorf("orchestrator: job %s: write original: %w", jobID, err)
	}

	wavPath := filepath.Join(tempDir, "normalized.wav")
	normResult, err := normalize.New(w.ffmpegPath).Normalize(ctx, srcPath, wavPath)
	if err != nil {
		return fmt.Errorf("%w: %v", apierr.ErrInvalidAudio, err)
	}
	if err := w.store.SetDuration(ctx, jobID, normResult.DurationSeconds); err != nil {
		return fmt.Errorf("orchestrator: job %s: %w", jobID, err)
	}
	job.DurationSeconds = normResult.DurationSeconds
	w.logger.Info("audio normalized", "job_id", jobID,
		"duration", format.Duration(time.Duration(normResult.DurationSeconds*float64(time.Second))),
		"original_size", format.Size(int64(len(original))))

	chunker := chunking.New(w.ffmpegPath, w.cfg.MaxChunkDuration.Seconds(), w.cfg.OverlapDuration.Seconds())
	spans, chunkPaths, err := chunker.Chunk(ctx, wavPath, tempDir)
	if err != nil {
		return fmt.Errorf("%w: %v", apierr.ErrInvalidAudio, err)
	}

	chunks := make([]model.Chunk, len(spans))
	for i, span := range spans {
		chunks[i] = model.Chunk{
			JobID:        jobID,
			Index:        span.Index,
			StartSeconds: span.Start,
			EndSeconds:   span.End,
			StorageKey:   blob.ChunkKey(jobID.String(), span.Index),
			Status:       model.ChunkPending,
		}
	}
	if err := w.store.SetTotalChunks(ctx, jobID, len(chunks)); err != nil {
		return fmt.Errorf("orchestrator: job %s: %w", jobID, err)
	}
	if err := w.store.CreateChunks(ctx, jobID, chunks); err != nil {
		return fmt.Errorf("orchestrator: job %s: %w", jobID, err)
	}

	// Uploading cut chunk WAVs to blob storage has no ordering requirement
	// (each is independently addressed by storage key), unlike driving the
	// chunks themselves below; this is the one place errgroup-style
	// intra-job parallelism is legitimate per SPEC_FULL §5.
	if err := w.uploadChunks(ctx, chunks, chunkPaths); err != nil {
		return fmt.Errorf("%w: upload chunks: %v", apierr.ErrProviderUnavailable, err)
	}

	prov, err := provider.New(job.Provider, w.providerSettings)
	if err != nil {
		return fmt.Errorf("orchestrator: job %s: %w", jobID, err)
	}

	segments, chunksProcessed, driveErr := w.driveChunks(ctx, jobID, job, chunks, chunkPaths, prov)
	if driveErr != nil {
		return driveErr
	}

	transcript := merge.BuildTranscript(jobID.String(), job.DurationSeconds, prov.Name(), time.Since(job.CreatedAt).Seconds(), chunksProcessed, segments)

	payload, err := marshalTranscript(transcript)
	if err != nil {
		return fmt.Errorf("orchestrator: job %s: marshal transcript: %w", jobID, err)
	}

	resultKey := blob.ResultKey(jobID.String())
	if err := w.blobStore.Put(ctx, resultKey, payload); err != nil {
		return fmt.Errorf("%w: upload transcript: %v", apierr.ErrProviderUnavailable, err)
	}
	if err := w.store.CompleteJob(ctx, jobID, resultKey, time.Now()); err != nil {
		return fmt.Errorf("orchestrator: job %s: %w", jobID, err)
	}
	return nil
}

func (w *Worker) uploadChunks(ctx context.Context, chunks []model.Chunk, chunkPaths []string) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := range chunks {
		i := i
		g.Go(func() error {
			data, err := os.ReadFile(chunkPaths[i])
			if err != nil {
				return fmt.Errorf("read chunk %d: %w", i, err)
			}
			return w.blobStore.Put(gctx, chunks[i].StorageKey, data)
		})
	}
	return g.Wait()
}

// driveChunks sequentially drives each chunk through C4 (C3 inside),
// threading the previous chunk's segments as context and stopping as soon
// as cancellation is observed or a chunk fails terminally.
func (w *Worker) driveChunks(ctx context.Context, jobID uuid.UUID, job model.Job, chunks []model.Chunk, chunkPaths []string, prov provider.Provider) ([]model.Segment, int, error) {
	drv := driver.New(w.store,
		driver.WithCoverageGapThreshold(w.cfg.CoverageGapThreshold),
		driver.WithContextSegments(w.cfg.ContextSegments),
	)

	results := make([]merge.ChunkResult, 0, len(chunks))
	var prevSegments []model.Segment

	for i, chunk := range chunks {
		if cancelled, err := w.checkCancelled(ctx, jobID); err != nil {
			return nil, i, err
		} else if cancelled {
			return nil, i, driver.ErrJobCancelled
		}

		audio, err := os.ReadFile(chunkPaths[i])
		if err != nil {
			return nil, i, fmt.Errorf("orchestrator: job %s: read chunk %d: %w", jobID, chunk.Index, err)
		}

		cfg := provider.Config{
			Language:   job.Language,
			Prompt:     job.ContextPrompt,
			ChunkIndex: chunk.Index,
		}

		attemptStart := time.Now()
		driven, driveErr := drv.Drive(ctx, jobID.String(), chunk, audio, prov, cfg, prevSegments)
		elapsed := time.Since(attemptStart).Seconds()

		if updateErr := w.store.UpdateChunk(ctx, jobID, driven); updateErr != nil {
			return nil, i, fmt.Errorf("orchestrator: job %s: update chunk %d: %w", jobID, chunk.Index, updateErr)
		}

		if driveErr != nil {
			if errors.Is(driveErr, driver.ErrJobCancelled) {
				return nil, i, driveErr
			}
			w.metrics.RecordChunkAttempt(prov.Name(), "failure", elapsed)
			return nil, i, driveErr
		}

		w.metrics.RecordChunkAttempt(prov.Name(), "success", elapsed)
		if driven.Metadata.CoverageRetries > 0 {
			for n := 0; n < driven.Metadata.CoverageRetries; n++ {
				w.metrics.RecordCoverageRetry(prov.Name())
			}
		}

		if err := w.store.IncrementCompletedChunks(ctx, jobID); err != nil {
			return nil, i, fmt.Errorf("orchestrator: job %s: increment completed chunks: %w", jobID, err)
		}

		results = append(results, merge.ChunkResult{
			Index:         chunk.Index,
			AbsoluteStart: chunk.StartSeconds,
			AbsoluteEnd:   chunk.EndSeconds,
			Segments:      driven.Segments,
		})
		prevSegments = driven.Segments
	}

	merger := merge.New(merge.WithSimilarityThreshold(w.cfg.OverlapSimilarityThreshold))
	segments, _, warnings := merger.Merge(results)
	if len(warnings) > 0 {
		w.metrics.RecordBoundaryWarnings(len(warnings))
	}

	inputSegmentCount := 0
	for _, r := range results {
		inputSegmentCount += len(r.Segments)
	}
	if dropped := inputSegmentCount - len(segments); dropped > 0 {
		w.metrics.RecordMergeDrops(dropped)
	}

	return segments, len(chunks), nil
}

func marshalTranscript(t model.Transcript) ([]byte, error) {
	return json.MarshalIndent(t, "", "  ")
}

// cleanupJobDir removes a job-scoped temp directory, mirroring the
// teacher's CleanupChunks safety check: only ever remove directories this
// package created.
func cleanupJobDir(dir string) {
	if !strings.Contains(dir, tempDirPrefix) {
		return
	}
	_ = os.RemoveAll(dir)
}
