// Package merge implements C5: stitching per-chunk segment lists into a
// single gap-free Transcript, deduplicating the silence-induced overlap
// between consecutive chunks, per SPEC_FULL.md §4.5.
package merge

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/voxpipe/transcribe/internal/model"
)

// defaultSimilarityThreshold is OVERLAP_SIMILARITY_THRESHOLD's default.
const defaultSimilarityThreshold = 0.8

// boundaryProximity bounds how close two candidate segments' start times
// must be (in absolute seconds) before they're even compared for overlap.
const boundaryProximity = 2.0

// newlineGapThreshold is the gap after which full_text inserts a newline
// instead of a single space between segments.
const newlineGapThreshold = 1.5

// boundaryWarnThreshold flags chunks whose first/last segment sits more
// than this many seconds from the chunk edge (operator visibility only).
const boundaryWarnThreshold = 15.0

// ChunkResult is one driven chunk's absolute boundaries and segments, the
// merger's sole input unit.
type ChunkResult struct {
	Index         int
	AbsoluteStart float64
	AbsoluteEnd   float64
	Segments      []model.Segment // chunk-local timestamps
}

// Warning is an operator-visible, non-fatal anomaly found during merge.
type Warning struct {
	ChunkIndex int
	Message    string
}

// Merger stitches chunk results into a Transcript.
type Merger struct {
	similarityThreshold float64
}

// Option configures a Merger.
type Option func(*Merger)

// WithSimilarityThreshold overrides OVERLAP_SIMILARITY_THRESHOLD.
func WithSimilarityThreshold(t float64) Option {
	return func(m *Merger) { m.similarityThreshold = t }
}

// New creates a Merger.
func New(opts ...Option) *Merger {
	m := &Merger{similarityThreshold: defaultSimilarityThreshold}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Merge absolute-times every chunk's segments, drops overlap duplicates
// between consecutive chunks, and concatenates full_text. chunks must be
// sorted by Index ascending (the driver guarantees sequential completion).
func (m *Merger) Merge(chunks []ChunkResult) ([]model.Segment, string, []Warning) {
	var merged []model.Segment
	var warnings []Warning

	for i, chunk := range chunks {
		absolute := toAbsolute(chunk)
		warnings = append(warnings, boundaryWarnings(chunk)...)

		if i == 0 {
			merged = append(merged, absolute...)
			continue
		}

		prevEnd := chunks[i-1].AbsoluteEnd
		merged, absolute = m.dedupeOverlap(merged, absolute, prevEnd, i)
		merged = append(merged, absolute...)
	}

	sort.SliceStable(merged, func(a, b int) bool { return merged[a].Start < merged[b].Start })
	return merged, fullText(merged), warnings
}

func toAbsolute(chunk ChunkResult) []model.Segment {
	out := make([]model.Segment, len(chunk.Segments))
	for i, s := range chunk.Segments {
		out[i] = model.Segment{
			Start:   chunk.AbsoluteStart + s.Start,
			End:     chunk.AbsoluteStart + s.End,
			Text:    s.Text,
			Speaker: s.Speaker,
		}
	}
	return out
}

// dedupeOverlap compares the tail of merged (segments intersecting the
// overlap region ending at prevEnd) against the head of next (segments
// starting before prevEnd). Matching pairs drop the head segment;
// near-misses truncate the tail segment's end instead, per §4.5.
func (m *Merger) dedupeOverlap(merged, next []model.Segment, prevEnd float64, chunkIndex int) ([]model.Segment, []model.Segment) {
	tailStart := len(merged)
	for tailStart > 0 && merged[tailStart-1].End > prevEnd {
		tailStart--
	}
	// Also include segments that start before prevEnd but end after it.
	for tailStart > 0 && merged[tailStart-1].Start < prevEnd && merged[tailStart-1].End >= prevEnd {
		tailStart--
	}

	kept := make([]model.Segment, 0, len(next))
	for _, h := range next {
		if h.Start >= prevEnd {
			kept = append(kept, h)
			continue
		}

		dropped := false
		for ti := tailStart; ti < len(merged); ti++ {
			t := &merged[ti]
			if abs(t.Start-h.Start) > boundaryProximity {
				continue
			}
			sim := trigramJaccard(normalizeText(t.Text), normalizeText(h.Text))
			if sim >= m.similarityThreshold {
				slog.Debug("dropped duplicate overlap segment",
					"chunk_index", chunkIndex,
					"similarity", sim,
					"kept_start", t.Start,
					"dropped_start", h.Start,
				)
				dropped = true
				break
			}
			if t.End > h.Start {
				t.End = h.Start
			}
		}
		if !dropped {
			kept = append(kept, h)
		}
	}
	return merged, kept
}

func boundaryWarnings(chunk ChunkResult) []Warning {
	if len(chunk.Segments) == 0 {
		return nil
	}
	var warnings []Warning
	duration := chunk.AbsoluteEnd - chunk.AbsoluteStart

	first := chunk.Segments[0]
	if first.Start > boundaryWarnThreshold {
		w := Warning{ChunkIndex: chunk.Index, Message: fmt.Sprintf("first segment starts %.1fs into chunk", first.Start)}
		slog.Warn("chunk boundary gap", "chunk_index", w.ChunkIndex, "message", w.Message)
		warnings = append(warnings, w)
	}

	last := chunk.Segments[len(chunk.Segments)-1]
	if duration-last.End > boundaryWarnThreshold {
		w := Warning{ChunkIndex: chunk.Index, Message: fmt.Sprintf("last segment ends %.1fs before chunk end", duration-last.End)}
		slog.Warn("chunk boundary gap", "chunk_index", w.ChunkIndex, "message", w.Message)
		warnings = append(warnings, w)
	}

	return warnings
}

func fullText(segments []model.Segment) string {
	var b strings.Builder
	for i, seg := range segments {
		if i > 0 {
			if segments[i].Start-segments[i-1].End > newlineGapThreshold {
				b.WriteByte('\n')
			} else {
				b.WriteByte(' ')
			}
		}
		b.WriteString(seg.Text)
	}
	return b.String()
}

// normalizeText lowercases, NFC-normalizes, strips punctuation, and
// collapses whitespace, preparing text for trigram comparison.
func normalizeText(s string) string {
	s = norm.NFC.String(s)
	s = strings.ToLower(s)

	var b strings.Builder
	lastWasSpace := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			if !lastWasSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			lastWasSpace = true
		case unicode.IsPunct(r):
			// drop
		default:
			b.WriteRune(r)
			lastWasSpace = false
		}
	}
	return strings.TrimSpace(b.String())
}

// trigramJaccard computes Jaccard similarity over character trigram sets.
// Strings shorter than 3 runes compare as identical (1.0) iff equal.
func trigramJaccard(a, b string) float64 {
	if a == b {
		return 1
	}
	ta, tb := trigrams(a), trigrams(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	intersection := 0
	for k := range ta {
		if tb[k] {
			intersection++
		}
	}
	union := len(ta) + len(tb) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func trigrams(s string) map[string]bool {
	runes := []rune(s)
	if len(runes) < 3 {
		if len(runes) == 0 {
			return nil
		}
		return map[string]bool{string(runes): true}
	}
	out := make(map[string]bool, len(runes)-2)
	for i := 0; i+3 <= len(runes); i++ {
		out[string(runes[i:i+3])] = true
	}
	return out
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// BuildTranscript assembles the persisted Transcript artifact (SPEC_FULL
// §6 JSON schema) from a completed merge.
func BuildTranscript(jobID string, durationSeconds float64, providerUsed string, processingTimeSeconds float64, chunksProcessed int, segments []model.Segment) model.Transcript {
	t := model.Transcript{
		JobID:                 jobID,
		DurationSeconds:       durationSeconds,
		ProviderUsed:          providerUsed,
		ProcessingTimeSeconds: processingTimeSeconds,
		ChunksProcessed:       chunksProcessed,
	}
	t.Transcript.Text = fullText(segments)
	t.Transcript.Segments = model.FromSegments(segments)
	return t
}
