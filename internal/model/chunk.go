package model

import "github.com/google/uuid"

// ChunkStatus is a chunk's position in its own small state machine.
type ChunkStatus string

const (
	ChunkPending    ChunkStatus = "pending"
	ChunkProcessing ChunkStatus = "processing"
	ChunkCompleted  ChunkStatus = "completed"
	ChunkFailed     ChunkStatus = "failed"
)

// Chunk is one silence-aligned slice of a job's normalized audio.
type Chunk struct {
	JobID        uuid.UUID
	Index         int
	StartSeconds float64
	EndSeconds   float64
	StorageKey   string
	Status       ChunkStatus
	Attempts     int
	LastError    string
	Segments     []Segment
	Metadata     ChunkMetadata
}

// Duration returns the chunk's length in seconds.
func (c Chunk) Duration() float64 {
	return c.EndSeconds - c.StartSeconds
}

// ChunkMetadata captures provider-reported bookkeeping for a completed
// (or failed) chunk attempt, kept for operator visibility and debugging.
type ChunkMetadata struct {
	Model          string
	InputTokens    int
	OutputTokens   int
	LatencyMillis  int64
	FinishReason   string
	RawResponse    string // truncated, see provider.maxRawResponseBytes
	StartGapSecs   float64
	EndGapSecs     float64
	CoverageRetries int
}
