package model

// Segment is a single timestamped utterance, either chunk-local (as
// returned by a provider) or absolute (after the merger re-bases it onto
// the job timeline).
type Segment struct {
	Start   float64
	End     float64
	Text    string
	Speaker string // empty when the provider/model does not diarize
}

// Transcript is the final, merged artifact persisted to blob storage and
// referenced by Job.ResultKey.
type Transcript struct {
	JobID                 string  `json:"job_id"`
	DurationSeconds       float64 `json:"duration_seconds"`
	ProviderUsed          string  `json:"provider_used"`
	ProcessingTimeSeconds float64 `json:"processing_time_seconds"`
	ChunksProcessed       int     `json:"chunks_processed"`
	Transcript            struct {
		Text     string           `json:"text"`
		Segments []segmentJSON    `json:"segments"`
	} `json:"transcript"`
}

// segmentJSON is the wire shape for a segment in the transcript JSON
// schema (SPEC_FULL §6); Speaker is omitted when empty.
type segmentJSON struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker *string `json:"speaker,omitempty"`
}

// FromSegments builds the wire-level segment list from domain segments.
func FromSegments(segments []Segment) []segmentJSON {
	out := make([]segmentJSON, 0, len(segments))
	for _, s := range segments {
		js := segmentJSON{Start: s.Start, End: s.End, Text: s.Text}
		if s.Speaker != "" {
			speaker := s.Speaker
			js.Speaker = &speaker
		}
		out = append(out, js)
	}
	return out
}
