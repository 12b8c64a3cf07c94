// Package queue implements the durable job queue contract of
// SPEC_FULL.md §6: a message is {job_id}, claims use
// SELECT ... FOR UPDATE SKIP LOCKED against the same PostgreSQL database
// internal/store already requires, and acknowledgement only happens once
// the orchestrator reaches a terminal job status. No pack example wires an
// external broker client for a job queue, so this avoids both fabricating
// a dependency and standing up a second moving part.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrEmpty is returned by Claim when no unclaimed job is available.
var ErrEmpty = errors.New("queue: empty")

// Schema is the SQL DDL for the job_queue table.
const Schema = `
CREATE TABLE IF NOT EXISTS job_queue (
    job_id      TEXT PRIMARY KEY,
    enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    claimed_by  TEXT,
    claimed_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_job_queue_unclaimed ON job_queue(enqueued_at) WHERE claimed_at IS NULL;
`

// DB is the subset of *pgxpool.Pool / *pgx.Conn the queue needs: the
// ability to start a transaction, since Claim must SELECT ... FOR UPDATE
// SKIP LOCKED and UPDATE within the same transaction.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Queue is the durable, PostgreSQL-backed job queue.
type Queue struct {
	db DB
}

// New creates a Queue.
func New(db DB) *Queue {
	return &Queue{db: db}
}

// Migrate executes Schema.
func (q *Queue) Migrate(ctx context.Context) error {
	tx, err := q.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("queue: migrate: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("queue: migrate: %w", err)
	}
	return tx.Commit(ctx)
}

// Enqueue durably records a job id as pending claim. Idempotent: enqueueing
// the same job id twice is a no-op.
func (q *Queue) Enqueue(ctx context.Context, jobID string) error {
	tx, err := q.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", jobID, err)
	}
	defer tx.Rollback(ctx)

	const query = `INSERT INTO job_queue (job_id) VALUES ($1) ON CONFLICT (job_id) DO NOTHING`
	if _, err := tx.Exec(ctx, query, jobID); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", jobID, err)
	}
	return tx.Commit(ctx)
}

// Claim atomically takes the oldest unclaimed job for workerID, skipping
// rows other workers have locked (SKIP LOCKED), so N workers can poll the
// same queue without contending on the same row. Returns ErrEmpty when
// nothing is available.
func (q *Queue) Claim(ctx context.Context, workerID string) (string, error) {
	tx, err := q.db.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("queue: claim: %w", err)
	}
	defer tx.Rollback(ctx)

	const selectQuery = `
		SELECT job_id FROM job_queue
		WHERE claimed_at IS NULL
		ORDER BY enqueued_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1`

	var jobID string
	if err := tx.QueryRow(ctx, selectQuery).Scan(&jobID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrEmpty
		}
		return "", fmt.Errorf("queue: claim: %w", err)
	}

	const updateQuery = `UPDATE job_queue SET claimed_by = $1, claimed_at = now() WHERE job_id = $2`
	if _, err := tx.Exec(ctx, updateQuery, workerID, jobID); err != nil {
		return "", fmt.Errorf("queue: claim %s: %w", jobID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("queue: claim %s: %w", jobID, err)
	}
	return jobID, nil
}

// Ack removes a job from the queue once the orchestrator has driven it to
// a terminal status (COMPLETED/FAILED/CANCELLED).
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	tx, err := q.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("queue: ack %s: %w", jobID, err)
	}
	defer tx.Rollback(ctx)

	const query = `DELETE FROM job_queue WHERE job_id = $1`
	if _, err := tx.Exec(ctx, query, jobID); err != nil {
		return fmt.Errorf("queue: ack %s: %w", jobID, err)
	}
	return tx.Commit(ctx)
}

// ReleaseStale un-claims jobs whose claimed_at is older than threshold,
// letting another worker pick up a job whose original worker crashed
// mid-processing. Paired with internal/store.StaleJobs, which performs the
// matching status-level recovery.
func (q *Queue) ReleaseStale(ctx context.Context, threshold time.Duration) error {
	tx, err := q.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("queue: release stale: %w", err)
	}
	defer tx.Rollback(ctx)

	const query = `
		UPDATE job_queue SET claimed_by = NULL, claimed_at = NULL
		WHERE claimed_at IS NOT NULL AND claimed_at < $1`
	cutoff := time.Now().Add(-threshold)
	if _, err := tx.Exec(ctx, query, cutoff); err != nil {
		return fmt.Errorf("queue: release stale: %w", err)
	}
	return tx.Commit(ctx)
}
