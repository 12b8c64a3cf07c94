// Package chunking implements C2: splitting a normalized WAV into
// overlapping, silence-aligned chunks per SPEC_FULL.md §4.2.
//
// This is a deliberate departure from internal/audio.SilenceChunker's
// byte-size-driven cut selection (that chunker assumes an unbounded live
// recording measured in bytes-per-second against an OpenAI upload-size
// cap). Here chunk boundaries are chosen against a fixed-width time
// window around a target duration, independent of chunk index, and the
// unit of measure is float64 seconds end to end to match the Data Model.
package chunking

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// ErrChunkingFailed wraps any FFmpeg failure while extracting a chunk.
var ErrChunkingFailed = errors.New("chunking failed")

// minChunkDurationMargin is added to the overlap to bound how short a
// trailing remainder chunk may be before it is merged into its
// predecessor (SPEC_FULL §4.2).
const minChunkDurationMargin = 1.0

// silenceNoiseDB and silenceMinDuration are the decibel threshold and
// minimum run length used for silencedetect, matching the teacher's
// defaultNoiseDB/defaultMinSilence values (internal/audio/chunker.go).
const (
	silenceNoiseDB       = -30.0
	silenceMinDurationS  = 0.3
)

// Span is one chunk's boundaries on the job-global timeline, in seconds.
type Span struct {
	Index int
	Start float64
	End   float64
}

// Duration returns the span's length in seconds.
func (s Span) Duration() float64 { return s.End - s.Start }

// commandRunner is the same injectable seam as internal/audio/deps.go.
type commandRunner interface {
	CombinedOutput(ctx context.Context, name string, args []string) ([]byte, error)
}

type osCommandRunner struct{}

func (osCommandRunner) CombinedOutput(ctx context.Context, name string, args []string) ([]byte, error) {
	// #nosec G204 -- name is the resolved ffmpeg binary, args built internally
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Chunker computes chunk spans and extracts each to its own WAV file.
type Chunker struct {
	ffmpegPath      string
	maxChunkSeconds float64
	overlapSeconds  float64
	cmd             commandRunner
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithCommandRunner overrides the command runner (for tests).
func WithCommandRunner(r commandRunner) Option {
	return func(c *Chunker) { c.cmd = r }
}

// New creates a Chunker. maxChunkSeconds and overlapSeconds come from
// config.Config (MAX_CHUNK_DURATION / OVERLAP_DURATION).
func New(ffmpegPath string, maxChunkSeconds, overlapSeconds float64, opts ...Option) *Chunker {
	c := &Chunker{
		ffmpegPath:      ffmpegPath,
		maxChunkSeconds: maxChunkSeconds,
		overlapSeconds:  overlapSeconds,
		cmd:             osCommandRunner{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Plan computes the ordered chunk spans for a file of the given total
// duration, without touching the filesystem. Exported separately from
// Chunk so the property tests in SPEC_FULL §8 can exercise the algorithm
// directly against arbitrary (D, silences) inputs.
func (c *Chunker) Plan(duration float64, silences []SilencePoint) []Span {
	if duration <= c.maxChunkSeconds {
		return []Span{{Index: 0, Start: 0, End: duration}}
	}

	var spans []Span
	cursor := 0.0
	index := 0

	for cursor < duration {
		targetEnd := cursor + c.maxChunkSeconds
		if targetEnd >= duration {
			spans = append(spans, Span{Index: index, Start: cursor, End: duration})
			break
		}

		searchStart := targetEnd - 0.2*c.maxChunkSeconds
		searchEnd := targetEnd + 0.1*c.maxChunkSeconds
		if searchEnd > duration {
			searchEnd = duration
		}

		split := bestSplit(silences, searchStart, searchEnd, targetEnd)
		if split <= cursor {
			split = targetEnd
		}

		spans = append(spans, Span{Index: index, Start: cursor, End: split})
		index++
		cursor = split - c.overlapSeconds
		if cursor < 0 {
			cursor = 0
		}
	}

	return mergeShortTrailingSpan(spans, c.overlapSeconds)
}

// mergeShortTrailingSpan folds the final span into its predecessor if the
// new audio it covers beyond the overlap — last.End minus the
// predecessor's End, equivalently last.Duration() minus overlap — would
// otherwise be shorter than overlap+1s (SPEC_FULL §4.2 invariant). The
// span's own Duration() is not compared directly: it already includes
// the overlapSeconds carried over from the predecessor, so comparing it
// against overlap+1 would only catch remainders under 1s instead of
// under overlap+1s.
func mergeShortTrailingSpan(spans []Span, overlap float64) []Span {
	if len(spans) < 2 {
		return spans
	}
	last := spans[len(spans)-1]
	predecessor := spans[len(spans)-2]
	remainder := last.End - predecessor.End
	if remainder >= overlap+minChunkDurationMargin {
		return spans
	}

	merged := spans[:len(spans)-1]
	prev := merged[len(merged)-1]
	prev.End = last.End
	merged[len(merged)-1] = prev
	return merged
}

// bestSplit finds the silence midpoint within [searchStart, searchEnd]
// nearest to targetEnd; falls back to targetEnd if none qualify.
func bestSplit(silences []SilencePoint, searchStart, searchEnd, targetEnd float64) float64 {
	best := targetEnd
	bestDist := -1.0
	for _, s := range silences {
		mid := s.Midpoint()
		if mid < searchStart || mid > searchEnd {
			continue
		}
		dist := mid - targetEnd
		if dist < 0 {
			dist = -dist
		}
		if bestDist < 0 || dist < bestDist {
			best = mid
			bestDist = dist
		}
	}
	return best
}

// Chunk runs Plan against the real audio file's measured duration and
// detected silences, then extracts each span to its own WAV in tempDir.
func (c *Chunker) Chunk(ctx context.Context, wavPath, tempDir string) ([]Span, []string, error) {
	silences, duration, err := c.detectSilences(ctx, wavPath)
	if err != nil {
		return nil, nil, fmt.Errorf("detect silences: %w", err)
	}

	spans := c.Plan(duration, silences)
	paths := make([]string, 0, len(spans))

	for _, span := range spans {
		chunkPath := filepath.Join(tempDir, fmt.Sprintf("chunk-%04d.wav", span.Index))
		if err := c.extract(ctx, wavPath, chunkPath, span.Start, span.End); err != nil {
			return nil, nil, err
		}
		paths = append(paths, chunkPath)
	}

	return spans, paths, nil
}

func (c *Chunker) extract(ctx context.Context, src, dest string, start, end float64) error {
	args := []string{
		"-y",
		"-i", src,
		"-ss", formatSeconds(start),
		"-to", formatSeconds(end),
		"-c", "copy",
		dest,
	}
	output, err := c.cmd.CombinedOutput(ctx, c.ffmpegPath, args)
	if err != nil {
		return fmt.Errorf("%w: %s: %v\noutput: %s", ErrChunkingFailed, dest, err, string(output))
	}
	return nil
}

func formatSeconds(s float64) string {
	h := int(s) / 3600
	m := (int(s) % 3600) / 60
	sec := s - float64(h*3600+m*60)
	return fmt.Sprintf("%02d:%02d:%06.3f", h, m, sec)
}

// SilencePoint is a detected silence interval in the source audio.
type SilencePoint struct {
	Start float64
	End   float64
}

// Midpoint is the ideal cut point within a silence.
func (s SilencePoint) Midpoint() float64 { return s.Start + (s.End-s.Start)/2 }

var (
	silenceStartRe = regexp.MustCompile(`silence_start:\s*([\d.]+)`)
	silenceEndRe   = regexp.MustCompile(`silence_end:\s*([\d.]+)`)
	durationRe     = regexp.MustCompile(`Duration:\s*(\d+):(\d+):(\d+)\.(\d+)`)
)

// detectSilences runs FFmpeg's silencedetect filter and parses both the
// silence intervals and the reported duration, grounded directly on
// internal/audio/chunker.go's detectSilences/parseSilenceOutput, adapted
// to return float64 seconds.
func (c *Chunker) detectSilences(ctx context.Context, wavPath string) ([]SilencePoint, float64, error) {
	args := []string{
		"-i", wavPath,
		"-af", fmt.Sprintf("silencedetect=noise=%ddB:d=%.2f", int(silenceNoiseDB), silenceMinDurationS),
		"-f", "null", "-",
	}

	output, err := c.cmd.CombinedOutput(ctx, c.ffmpegPath, args)
	outputStr := string(output)
	if err != nil && len(output) == 0 {
		return nil, 0, err
	}

	duration, derr := parseDuration(outputStr)
	if derr != nil {
		return nil, 0, derr
	}

	return parseSilences(outputStr), duration, nil
}

func parseSilences(output string) []SilencePoint {
	var points []SilencePoint
	var start float64
	have := false

	lines := splitLines(output)
	for _, line := range lines {
		if m := silenceStartRe.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				start = v
				have = true
			}
		}
		if m := silenceEndRe.FindStringSubmatch(line); m != nil && have {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				points = append(points, SilencePoint{Start: start, End: v})
				have = false
			}
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Start < points[j].Start })
	return points
}

func parseDuration(output string) (float64, error) {
	m := durationRe.FindStringSubmatch(output)
	if m == nil {
		return 0, fmt.Errorf("no Duration line found in ffmpeg output")
	}
	h, _ := strconv.Atoi(m[1])
	mi, _ := strconv.Atoi(m[2])
	s, _ := strconv.Atoi(m[3])
	centi, _ := strconv.ParseFloat("0."+m[4], 64)
	return float64(h)*3600 + float64(mi)*60 + float64(s) + centi, nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
