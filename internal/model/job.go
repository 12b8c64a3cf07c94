// Package model defines the persisted shapes shared across the pipeline:
// jobs, their chunks, transcript segments, and the final merged transcript.
package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/voxpipe/transcribe/internal/apierr"
	"github.com/voxpipe/transcribe/internal/lang"
)

// JobStatus is the job state machine's current state.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobUploaded   JobStatus = "uploaded"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether status is sticky: no further transition is valid.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// Job is a single transcription request from intake through to a finished
// (or failed) transcript.
type Job struct {
	ID               uuid.UUID
	OriginalFilename string
	SizeBytes        int64
	Extension        string
	DurationSeconds  float64 // discovered by C1; zero until normalized
	Provider         string
	Language         lang.Language
	ContextPrompt    string
	WebhookURL       string
	Status           JobStatus
	TotalChunks      int
	CompletedChunks  int
	ErrorCode        apierr.Kind
	ErrorMessage     string
	ResultKey        string // blob storage key of the final transcript
	CreatedAt        time.Time
	UpdatedAt        time.Time
	FinishedAt       time.Time
}

// NewJob constructs a Job in its initial PENDING state.
func NewJob(filename, extension string, size int64, provider string, language lang.Language) Job {
	now := timeNow()
	return Job{
		ID:               uuid.New(),
		OriginalFilename: filename,
		Extension:        extension,
		SizeBytes:        size,
		Provider:         provider,
		Language:         language,
		Status:           JobPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// timeNow is a seam the orchestrator/store can override in tests; defaults
// to wall-clock time.
var timeNow = time.Now
