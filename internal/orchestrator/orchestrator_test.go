package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/voxpipe/transcribe/internal/apierr"
	"github.com/voxpipe/transcribe/internal/config"
	"github.com/voxpipe/transcribe/internal/model"
	"github.com/voxpipe/transcribe/internal/observe"
	"github.com/voxpipe/transcribe/internal/queue"
)

type fakeJobStore struct {
	jobs            map[uuid.UUID]model.Job
	transitionErr   error
	deleteChunksErr error
	failedJobs      []uuid.UUID
	staleIDs        []uuid.UUID
}

func newFakeJobStore(jobs ...model.Job) *fakeJobStore {
	m := make(map[uuid.UUID]model.Job, len(jobs))
	for _, j := range jobs {
		m[j.ID] = j
	}
	return &fakeJobStore{jobs: m}
}

func (f *fakeJobStore) JobStatus(ctx context.Context, jobID string) (model.JobStatus, error) {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return "", err
	}
	j, ok := f.jobs[id]
	if !ok {
		return "", errors.New("not found")
	}
	return j.Status, nil
}

func (f *fakeJobStore) GetJob(ctx context.Context, id uuid.UUID) (model.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return model.Job{}, errors.New("not found")
	}
	return j, nil
}

func (f *fakeJobStore) CreateJob(ctx context.Context, job model.Job) error {
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeJobStore) TransitionJobStatus(ctx context.Context, id uuid.UUID, expectedCurrent, next model.JobStatus) error {
	if f.transitionErr != nil {
		return f.transitionErr
	}
	j, ok := f.jobs[id]
	if !ok || j.Status != expectedCurrent {
		return errors.New("cas mismatch")
	}
	j.Status = next
	f.jobs[id] = j
	return nil
}

func (f *fakeJobStore) CompleteJob(ctx context.Context, id uuid.UUID, resultKey string, finishedAt time.Time) error {
	j := f.jobs[id]
	j.Status = model.JobCompleted
	j.ResultKey = resultKey
	f.jobs[id] = j
	return nil
}

func (f *fakeJobStore) FailJob(ctx context.Context, id uuid.UUID, code apierr.Kind, message string, finishedAt time.Time) error {
	j := f.jobs[id]
	j.Status = model.JobFailed
	j.ErrorCode = code
	j.ErrorMessage = message
	f.jobs[id] = j
	f.failedJobs = append(f.failedJobs, id)
	return nil
}

func (f *fakeJobStore) SetDuration(ctx context.Context, id uuid.UUID, seconds float64) error {
	return nil
}
func (f *fakeJobStore) SetTotalChunks(ctx context.Context, id uuid.UUID, total int) error {
	return nil
}
func (f *fakeJobStore) IncrementCompletedChunks(ctx context.Context, id uuid.UUID) error {
	return nil
}

func (f *fakeJobStore) StaleJobs(ctx context.Context, threshold time.Duration) ([]uuid.UUID, error) {
	return f.staleIDs, nil
}

func (f *fakeJobStore) CreateChunks(ctx context.Context, jobID uuid.UUID, chunks []model.Chunk) error {
	return nil
}
func (f *fakeJobStore) UpdateChunk(ctx context.Context, jobID uuid.UUID, chunk model.Chunk) error {
	return nil
}
func (f *fakeJobStore) ListChunks(ctx context.Context, jobID uuid.UUID) ([]model.Chunk, error) {
	return nil, nil
}
func (f *fakeJobStore) DeleteChunks(ctx context.Context, jobID uuid.UUID) error {
	return f.deleteChunksErr
}

type fakeBlobStore struct {
	puts    map[string][]byte
	getData []byte
	getErr  error
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{puts: map[string][]byte{}}
}

func (f *fakeBlobStore) Put(ctx context.Context, key string, data []byte) error {
	f.puts[key] = data
	return nil
}

func (f *fakeBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.getData, nil
}

func (f *fakeBlobStore) DeleteJobArtifacts(ctx context.Context, jobID string) error { return nil }

type fakeQueue struct {
	enqueued []string
	claimIDs []string
	acked    []string
}

func (f *fakeQueue) Enqueue(ctx context.Context, jobID string) error {
	f.enqueued = append(f.enqueued, jobID)
	return nil
}

func (f *fakeQueue) Claim(ctx context.Context, workerID string) (string, error) {
	if len(f.claimIDs) == 0 {
		return "", queue.ErrEmpty
	}
	id := f.claimIDs[0]
	f.claimIDs = f.claimIDs[1:]
	return id, nil
}

func (f *fakeQueue) Ack(ctx context.Context, jobID string) error {
	f.acked = append(f.acked, jobID)
	return nil
}

func (f *fakeQueue) ReleaseStale(ctx context.Context, threshold time.Duration) error { return nil }

func newTestMetrics() *observe.Metrics {
	return observe.NewMetrics(prometheus.NewRegistry())
}

func TestRetryJobResetsFailedJob(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	st := newFakeJobStore(model.Job{ID: id, Status: model.JobFailed})
	q := &fakeQueue{}

	if err := RetryJob(context.Background(), st, q, id); err != nil {
		t.Fatalf("RetryJob() error = %v", err)
	}
	if st.jobs[id].Status != model.JobPending {
		t.Errorf("job status = %v, want PENDING", st.jobs[id].Status)
	}
	if len(q.enqueued) != 1 || q.enqueued[0] != id.String() {
		t.Errorf("enqueued = %+v", q.enqueued)
	}
}

func TestRetryJobRejectsCancelled(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	st := newFakeJobStore(model.Job{ID: id, Status: model.JobCancelled})

	err := RetryJob(context.Background(), st, &fakeQueue{}, id)
	if !errors.Is(err, ErrCancelledJobNotResumable) {
		t.Errorf("RetryJob() error = %v, want ErrCancelledJobNotResumable", err)
	}
}

func TestRetryJobRejectsNonFailed(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	st := newFakeJobStore(model.Job{ID: id, Status: model.JobProcessing})

	if err := RetryJob(context.Background(), st, &fakeQueue{}, id); err == nil {
		t.Fatal("RetryJob() error = nil, want error for non-FAILED job")
	}
}

func TestCancelJobTransitionsToCancelled(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	st := newFakeJobStore(model.Job{ID: id, Status: model.JobProcessing})

	if err := CancelJob(context.Background(), st, id); err != nil {
		t.Fatalf("CancelJob() error = %v", err)
	}
	if st.jobs[id].Status != model.JobCancelled {
		t.Errorf("job status = %v, want CANCELLED", st.jobs[id].Status)
	}
}

func TestCancelJobRejectsTerminal(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	st := newFakeJobStore(model.Job{ID: id, Status: model.JobCompleted})

	if err := CancelJob(context.Background(), st, id); err == nil {
		t.Fatal("CancelJob() error = nil, want error for terminal job")
	}
}

func TestSubmitJobPersistsAndEnqueues(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	job := model.Job{ID: id, OriginalFilename: "audio.mp3", Status: model.JobPending}
	st := newFakeJobStore()
	bs := newFakeBlobStore()
	q := &fakeQueue{}
	w := New("worker-1", st, bs, q, newTestMetrics(), testConfig(), "ffmpeg", nil)

	if err := w.SubmitJob(context.Background(), job, []byte("audio bytes")); err != nil {
		t.Fatalf("SubmitJob() error = %v", err)
	}
	if _, ok := st.jobs[id]; !ok {
		t.Error("SubmitJob() did not create job row")
	}
	if len(q.enqueued) != 1 {
		t.Errorf("enqueued = %+v, want 1 entry", q.enqueued)
	}
	wantKey := "jobs/" + id.String() + "/original/audio.mp3"
	if _, ok := bs.puts[wantKey]; !ok {
		t.Errorf("did not upload to key %q, got keys %+v", wantKey, bs.puts)
	}
}

func TestProcessJobAcksAlreadyTerminalJob(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	st := newFakeJobStore(model.Job{ID: id, Status: model.JobCompleted})
	q := &fakeQueue{}
	w := New("worker-1", st, newFakeBlobStore(), q, newTestMetrics(), testConfig(), "ffmpeg", nil)

	if err := w.processJob(context.Background(), id.String()); err != nil {
		t.Fatalf("processJob() error = %v", err)
	}
	if len(q.acked) != 1 {
		t.Errorf("acked = %+v, want 1 entry", q.acked)
	}
}

func TestProcessJobAcksCancelledBeforePipeline(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	st := newFakeJobStore(model.Job{ID: id, Status: model.JobCancelled})
	q := &fakeQueue{}
	w := New("worker-1", st, newFakeBlobStore(), q, newTestMetrics(), testConfig(), "ffmpeg", nil)

	if err := w.processJob(context.Background(), id.String()); err != nil {
		t.Fatalf("processJob() error = %v", err)
	}
	if len(q.acked) != 1 {
		t.Errorf("acked = %+v, want 1 entry", q.acked)
	}
}

func TestRunClaimsProcessesAndStopsOnCancel(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	st := newFakeJobStore(model.Job{ID: id, Status: model.JobCompleted})
	q := &fakeQueue{claimIDs: []string{id.String()}}
	w := New("worker-1", st, newFakeBlobStore(), q, newTestMetrics(), testConfig(), "ffmpeg", nil,
		WithPollInterval(time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_ = w.Run(ctx)
	if len(q.acked) != 1 {
		t.Errorf("acked = %+v, want the claimed terminal job acked", q.acked)
	}
}

func TestStaleSweeperFailsStaleJobsAndReleasesQueue(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	st := newFakeJobStore(model.Job{ID: id, Status: model.JobProcessing})
	st.staleIDs = []uuid.UUID{id}
	q := &fakeQueue{}

	sweeper := NewStaleSweeper(st, q, 30*time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	sweeper.sweepOnce(ctx)
	cancel()

	if len(st.failedJobs) != 1 || st.failedJobs[0] != id {
		t.Errorf("failedJobs = %+v, want [%s]", st.failedJobs, id)
	}
	if st.jobs[id].Status != model.JobFailed {
		t.Errorf("job status = %v, want FAILED", st.jobs[id].Status)
	}
}

func testConfig() config.Config {
	return config.Config{
		MaxChunkDuration:           300 * time.Second,
		OverlapDuration:            10 * time.Second,
		CoverageGapThreshold:       15 * time.Second,
		OverlapSimilarityThreshold: 0.8,
		ContextSegments:            3,
		ProviderTimeout:            120 * time.Second,
		StaleJobThreshold:          30 * time.Minute,
	}
}
