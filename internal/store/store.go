// Package store implements the relational store: a PostgreSQL-backed
// repository for Job and Chunk rows, the atomic-transition and stale-sweep
// contracts of SPEC_FULL.md §6, grounded on the pack's
// MrWong99-glyphoxa/internal/agent/npcstore.PostgresStore shape.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/voxpipe/transcribe/internal/apierr"
	"github.com/voxpipe/transcribe/internal/lang"
	"github.com/voxpipe/transcribe/internal/model"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrCASMismatch is returned when an atomic status transition's expected
// current status does not match the row's actual status.
var ErrCASMismatch = errors.New("store: status compare-and-swap mismatch")

// Schema is the SQL DDL for the jobs and chunks tables.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id                TEXT PRIMARY KEY,
    original_filename TEXT NOT NULL,
    size_bytes        BIGINT NOT NULL,
    extension         TEXT NOT NULL,
    duration_seconds  DOUBLE PRECISION NOT NULL DEFAULT 0,
    provider          TEXT NOT NULL,
    language          TEXT NOT NULL DEFAULT '',
    context_prompt    TEXT NOT NULL DEFAULT '',
    webhook_url       TEXT NOT NULL DEFAULT '',
    status            TEXT NOT NULL DEFAULT 'pending',
    total_chunks      INTEGER NOT NULL DEFAULT 0,
    completed_chunks  INTEGER NOT NULL DEFAULT 0,
    error_code        TEXT NOT NULL DEFAULT '',
    error_message     TEXT NOT NULL DEFAULT '',
    result_key        TEXT NOT NULL DEFAULT '',
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    finished_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_updated_at ON jobs(status, updated_at);

CREATE TABLE IF NOT EXISTS chunks (
    job_id        TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    index         INTEGER NOT NULL,
    start_seconds DOUBLE PRECISION NOT NULL,
    end_seconds   DOUBLE PRECISION NOT NULL,
    storage_key   TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL DEFAULT 'pending',
    attempts      INTEGER NOT NULL DEFAULT 0,
    last_error    TEXT NOT NULL DEFAULT '',
    segments      JSONB NOT NULL DEFAULT '[]',
    metadata      JSONB NOT NULL DEFAULT '{}',
    PRIMARY KEY (job_id, index)
);
`

// DB is the database interface used by Store; both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is the relational repository for jobs and chunks.
type Store struct {
	db DB
}

// New creates a Store. Call Migrate before issuing queries against a fresh
// database.
func New(db DB) *Store {
	return &Store{db: db}
}

// Migrate executes Schema, creating tables/indexes if absent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// CreateJob inserts a new job row in PENDING status.
func (s *Store) CreateJob(ctx context.Context, job model.Job) error {
	const query = `
		INSERT INTO jobs (
			id, original_filename, size_bytes, extension, provider, language,
			context_prompt, webhook_url, status, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`

	_, err := s.db.Exec(ctx, query,
		job.ID.String(), job.OriginalFilename, job.SizeBytes, job.Extension,
		job.Provider, job.Language.String(), job.ContextPrompt, job.WebhookURL,
		string(job.Status), job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: create job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (model.Job, error) {
	const query = `
		SELECT id, original_filename, size_bytes, extension, duration_seconds,
		       provider, language, context_prompt, webhook_url, status,
		       total_chunks, completed_chunks, error_code, error_message,
		       result_key, created_at, updated_at, finished_at
		FROM jobs WHERE id = $1`

	var job model.Job
	var idStr, langStr, status, errCode string
	var finishedAt *time.Time

	err := s.db.QueryRow(ctx, query, id.String()).Scan(
		&idStr, &job.OriginalFilename, &job.SizeBytes, &job.Extension, &job.DurationSeconds,
		&job.Provider, &langStr, &job.ContextPrompt, &job.WebhookURL, &status,
		&job.TotalChunks, &job.CompletedChunks, &errCode, &job.ErrorMessage,
		&job.ResultKey, &job.CreatedAt, &job.UpdatedAt, &finishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Job{}, ErrNotFound
		}
		return model.Job{}, fmt.Errorf("store: get job %s: %w", id, err)
	}

	job.ID = id
	job.Status = model.JobStatus(status)
	job.ErrorCode = apierr.Kind(errCode)
	parsedLang, err := lang.Parse(langStr)
	if err != nil {
		return model.Job{}, fmt.Errorf("store: parse job %s language: %w", id, err)
	}
	job.Language = parsedLang
	if finishedAt != nil {
		job.FinishedAt = *finishedAt
	}
	return job, nil
}

// JobStatus returns just a job's status column, satisfying
// internal/driver.JobStatusChecker for the cancellation probe.
func (s *Store) JobStatus(ctx context.Context, jobID string) (model.JobStatus, error) {
	const query = `SELECT status FROM jobs WHERE id = $1`
	var status string
	err := s.db.QueryRow(ctx, query, jobID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("store: job status %s: %w", jobID, err)
	}
	return model.JobStatus(status), nil
}

// TransitionJobStatus atomically moves a job from expectedCurrent to next,
// the status compare-and-swap SPEC_FULL §5 requires so a job occupies
// exactly one worker slot at a time.
func (s *Store) TransitionJobStatus(ctx context.Context, id uuid.UUID, expectedCurrent, next model.JobStatus) error {
	const query = `UPDATE jobs SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`
	tag, err := s.db.Exec(ctx, query, string(next), id.String(), string(expectedCurrent))
	if err != nil {
		return fmt.Errorf("store: transition job %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCASMismatch
	}
	return nil
}

// CompleteJob marks a job COMPLETED with its result blob key.
func (s *Store) CompleteJob(ctx context.Context, id uuid.UUID, resultKey string, finishedAt time.Time) error {
	const query = `
		UPDATE jobs SET status = $1, result_key = $2, finished_at = $3, updated_at = now()
		WHERE id = $4`
	_, err := s.db.Exec(ctx, query, string(model.JobCompleted), resultKey, finishedAt, id.String())
	if err != nil {
		return fmt.Errorf("store: complete job %s: %w", id, err)
	}
	return nil
}

// FailJob marks a job FAILED with a classified error code and raw message.
func (s *Store) FailJob(ctx context.Context, id uuid.UUID, code apierr.Kind, message string, finishedAt time.Time) error {
	const query = `
		UPDATE jobs SET status = $1, error_code = $2, error_message = $3, finished_at = $4, updated_at = now()
		WHERE id = $5`
	_, err := s.db.Exec(ctx, query, string(model.JobFailed), string(code), message, finishedAt, id.String())
	if err != nil {
		return fmt.Errorf("store: fail job %s: %w", id, err)
	}
	return nil
}

// SetDuration records a job's normalized audio duration, discovered by C1.
func (s *Store) SetDuration(ctx context.Context, id uuid.UUID, seconds float64) error {
	const query = `UPDATE jobs SET duration_seconds = $1, updated_at = now() WHERE id = $2`
	_, err := s.db.Exec(ctx, query, seconds, id.String())
	if err != nil {
		return fmt.Errorf("store: set duration job %s: %w", id, err)
	}
	return nil
}

// SetTotalChunks records how many chunks a job was split into.
func (s *Store) SetTotalChunks(ctx context.Context, id uuid.UUID, total int) error {
	const query = `UPDATE jobs SET total_chunks = $1, updated_at = now() WHERE id = $2`
	_, err := s.db.Exec(ctx, query, total, id.String())
	if err != nil {
		return fmt.Errorf("store: set total chunks job %s: %w", id, err)
	}
	return nil
}

// IncrementCompletedChunks bumps a job's completed_chunks counter by one.
func (s *Store) IncrementCompletedChunks(ctx context.Context, id uuid.UUID) error {
	const query = `UPDATE jobs SET completed_chunks = completed_chunks + 1, updated_at = now() WHERE id = $1`
	_, err := s.db.Exec(ctx, query, id.String())
	if err != nil {
		return fmt.Errorf("store: increment completed chunks job %s: %w", id, err)
	}
	return nil
}

// StaleJobs returns ids of jobs stuck in UPLOADED/PROCESSING whose
// updated_at is older than threshold, for internal/orchestrator's sweeper.
func (s *Store) StaleJobs(ctx context.Context, threshold time.Duration) ([]uuid.UUID, error) {
	const query = `
		SELECT id FROM jobs
		WHERE status IN ($1, $2) AND updated_at < $3`
	cutoff := time.Now().Add(-threshold)

	rows, err := s.db.Query(ctx, query, string(model.JobUploaded), string(model.JobProcessing), cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: stale jobs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, fmt.Errorf("store: stale jobs scan: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("store: stale jobs parse id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: stale jobs: %w", err)
	}
	return ids, nil
}

// CreateChunks inserts the planned chunk rows for a job, all PENDING.
func (s *Store) CreateChunks(ctx context.Context, jobID uuid.UUID, chunks []model.Chunk) error {
	for _, c := range chunks {
		const query = `
			INSERT INTO chunks (job_id, index, start_seconds, end_seconds, storage_key, status)
			VALUES ($1,$2,$3,$4,$5,$6)`
		_, err := s.db.Exec(ctx, query,
			jobID.String(), c.Index, c.StartSeconds, c.EndSeconds, c.StorageKey, string(model.ChunkPending),
		)
		if err != nil {
			return fmt.Errorf("store: create chunk %s/%d: %w", jobID, c.Index, err)
		}
	}
	return nil
}

// UpdateChunk persists a driven chunk's final state (status, attempts,
// segments, metadata).
func (s *Store) UpdateChunk(ctx context.Context, jobID uuid.UUID, chunk model.Chunk) error {
	segmentsJSON, err := json.Marshal(nonNilSegments(chunk.Segments))
	if err != nil {
		return fmt.Errorf("store: marshal chunk segments: %w", err)
	}
	metadataJSON, err := json.Marshal(chunk.Metadata)
	if err != nil {
		return fmt.Errorf("store: marshal chunk metadata: %w", err)
	}

	const query = `
		UPDATE chunks SET
			status = $1, attempts = $2, last_error = $3, segments = $4, metadata = $5
		WHERE job_id = $6 AND index = $7`
	_, err = s.db.Exec(ctx, query,
		string(chunk.Status), chunk.Attempts, chunk.LastError, segmentsJSON, metadataJSON,
		jobID.String(), chunk.Index,
	)
	if err != nil {
		return fmt.Errorf("store: update chunk %s/%d: %w", jobID, chunk.Index, err)
	}
	return nil
}

// ListChunks returns all of a job's chunks ordered by index, the order the
// merger (and the sequential chunk driver) requires.
func (s *Store) ListChunks(ctx context.Context, jobID uuid.UUID) ([]model.Chunk, error) {
	const query = `
		SELECT index, start_seconds, end_seconds, storage_key, status, attempts, last_error, segments, metadata
		FROM chunks WHERE job_id = $1 ORDER BY index`

	rows, err := s.db.Query(ctx, query, jobID.String())
	if err != nil {
		return nil, fmt.Errorf("store: list chunks job %s: %w", jobID, err)
	}
	defer rows.Close()

	var chunks []model.Chunk
	for rows.Next() {
		var c model.Chunk
		var status string
		var segmentsJSON, metadataJSON []byte

		if err := rows.Scan(&c.Index, &c.StartSeconds, &c.EndSeconds, &c.StorageKey, &status, &c.Attempts, &c.LastError, &segmentsJSON, &metadataJSON); err != nil {
			return nil, fmt.Errorf("store: list chunks scan job %s: %w", jobID, err)
		}
		c.JobID = jobID
		c.Status = model.ChunkStatus(status)
		if err := json.Unmarshal(segmentsJSON, &c.Segments); err != nil {
			return nil, fmt.Errorf("store: unmarshal chunk segments job %s/%d: %w", jobID, c.Index, err)
		}
		if err := json.Unmarshal(metadataJSON, &c.Metadata); err != nil {
			return nil, fmt.Errorf("store: unmarshal chunk metadata job %s/%d: %w", jobID, c.Index, err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list chunks job %s: %w", jobID, err)
	}
	return chunks, nil
}

// DeleteChunks removes all of a job's chunk rows, used by RetryJob to
// restart a FAILED job from chunk 0 rather than reusing stale results.
func (s *Store) DeleteChunks(ctx context.Context, jobID uuid.UUID) error {
	const query = `DELETE FROM chunks WHERE job_id = $1`
	_, err := s.db.Exec(ctx, query, jobID.String())
	if err != nil {
		return fmt.Errorf("store: delete chunks job %s: %w", jobID, err)
	}
	return nil
}

// DeleteJob removes a job row; its chunks cascade-delete.
func (s *Store) DeleteJob(ctx context.Context, jobID uuid.UUID) error {
	const query = `DELETE FROM jobs WHERE id = $1`
	_, err := s.db.Exec(ctx, query, jobID.String())
	if err != nil {
		return fmt.Errorf("store: delete job %s: %w", jobID, err)
	}
	return nil
}

func nonNilSegments(s []model.Segment) []model.Segment {
	if s == nil {
		return []model.Segment{}
	}
	return s
}
