// Package normalize implements C1: turning an arbitrary uploaded audio or
// video artifact into a mono 16kHz PCM WAV with a reliably measured
// duration, ready for the chunker.
package normalize

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/voxpipe/transcribe/internal/apierr"
)

// ErrInvalidAudio is returned when FFmpeg cannot decode the source or
// reports a non-positive duration.
var ErrInvalidAudio = errors.New("invalid or undecodable audio")

// minValidDuration rejects artifacts FFmpeg decodes but that are too short
// to be real audio (SPEC_FULL §4.1).
const minValidDuration = 0.1

// audioExtensions and videoExtensions are recognized purely for logging and
// error messages; FFmpeg itself decides decodability regardless of
// extension.
var (
	audioExtensions = map[string]bool{
		".mp3": true, ".wav": true, ".m4a": true, ".flac": true,
		".ogg": true, ".opus": true, ".webm": true, ".aac": true, ".wma": true,
	}
	videoExtensions = map[string]bool{
		".mp4": true, ".mkv": true, ".avi": true, ".mov": true,
		".wmv": true, ".flv": true, ".mpeg": true, ".3gp": true,
	}
)

// Recognized reports whether ext (including the leading dot) is a
// supported audio or video container.
func Recognized(ext string) bool {
	ext = normalizeExt(ext)
	return audioExtensions[ext] || videoExtensions[ext]
}

func normalizeExt(ext string) string {
	if ext == "" {
		return ext
	}
	if ext[0] != '.' {
		ext = "." + ext
	}
	return ext
}

// commandRunner executes FFmpeg and returns combined stdout+stderr output,
// the same injectable seam used throughout internal/audio and
// internal/ffmpeg for testability.
type commandRunner interface {
	CombinedOutput(ctx context.Context, name string, args []string) ([]byte, error)
}

type osCommandRunner struct{}

func (osCommandRunner) CombinedOutput(ctx context.Context, name string, args []string) ([]byte, error) {
	// #nosec G204 -- name is the resolved ffmpeg binary, args are built internally
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Normalizer extracts/transcodes an uploaded artifact into mono 16kHz WAV.
type Normalizer struct {
	ffmpegPath string
	cmd        commandRunner
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithCommandRunner overrides the command runner (for tests).
func WithCommandRunner(r commandRunner) Option {
	return func(n *Normalizer) { n.cmd = r }
}

// New creates a Normalizer bound to a resolved FFmpeg binary path (see
// ffmpeg.Resolve).
func New(ffmpegPath string, opts ...Option) *Normalizer {
	n := &Normalizer{
		ffmpegPath: ffmpegPath,
		cmd:        osCommandRunner{},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Result is the output of normalizing one artifact.
type Result struct {
	WAVPath         string
	DurationSeconds float64
}

// Normalize extracts audio from srcPath (audio or video) into a mono
// 16kHz PCM WAV at destPath and reports the resulting duration.
//
// There is no probe or skip path: a WAV input that is already mono/16kHz is still run
// through FFmpeg (cheap relative to the complexity of a skip path) so the
// duration reported always comes from the same code path and the same
// parser as every other container.
func (n *Normalizer) Normalize(ctx context.Context, srcPath, destPath string) (Result, error) {
	args := []string{
		"-y",
		"-i", srcPath,
		"-vn", // drop any video stream
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		destPath,
	}

	output, err := n.cmd.CombinedOutput(ctx, n.ffmpegPath, args)
	outputStr := string(output)
	if err != nil {
		return Result{}, fmt.Errorf("%w: ffmpeg extract failed: %v\noutput: %s", ErrInvalidAudio, err, outputStr)
	}

	duration, perr := parseDuration(outputStr)
	if perr != nil {
		return Result{}, fmt.Errorf("%w: could not determine duration: %v", ErrInvalidAudio, perr)
	}
	if duration < minValidDuration {
		return Result{}, fmt.Errorf("%w: duration %.3fs below minimum %.1fs", ErrInvalidAudio, duration, minValidDuration)
	}

	return Result{WAVPath: destPath, DurationSeconds: duration}, nil
}

// Kind maps ErrInvalidAudio to the canonical apierr classification so
// orchestrator code can persist a consistent error code regardless of
// which component raised it.
func Kind(err error) apierr.Kind {
	if errors.Is(err, ErrInvalidAudio) {
		return apierr.KindInvalidAudio
	}
	return apierr.KindUnknown
}

var durationRe = regexp.MustCompile(`Duration:\s*(\d+):(\d+):(\d+)\.(\d+)`)

// parseDuration extracts the source duration FFmpeg reports on stderr,
// grounded on the identical regex approach in
// internal/audio/chunker.go's parseDurationFromFFmpegOutput, adapted to
// return float64 seconds instead of time.Duration.
func parseDuration(output string) (float64, error) {
	matches := durationRe.FindStringSubmatch(output)
	if matches == nil {
		return 0, fmt.Errorf("no Duration line found in ffmpeg output")
	}

	h, _ := strconv.Atoi(matches[1])
	m, _ := strconv.Atoi(matches[2])
	s, _ := strconv.Atoi(matches[3])
	frac := matches[4]

	centi, _ := strconv.ParseFloat("0."+frac, 64)
	return float64(h)*3600 + float64(m)*60 + float64(s) + centi, nil
}

// resolvedBasename is a small helper kept for callers that want a
// predictable WAV filename derived from the original upload.
func resolvedBasename(originalFilename string) string {
	base := filepath.Base(originalFilename)
	ext := filepath.Ext(base)
	return base[:len(base)-len(ext)] + ".wav"
}
