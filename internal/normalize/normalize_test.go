package normalize

import (
	"context"
	"errors"
	"testing"
)

type fakeRunner struct {
	output []byte
	err    error
}

func (f fakeRunner) CombinedOutput(ctx context.Context, name string, args []string) ([]byte, error) {
	return f.output, f.err
}

func TestNormalizeSuccess(t *testing.T) {
	t.Parallel()

	n := New("ffmpeg", WithCommandRunner(fakeRunner{
		output: []byte("Duration: 00:05:23.45, start: 0.000000, bitrate: 128 kb/s\n"),
	}))

	result, err := n.Normalize(context.Background(), "in.mp4", "out.wav")
	if err != nil {
		t.Fatalf("Normalize() error = %v, want nil", err)
	}
	want := 5*60 + 23.45
	if diff := result.DurationSeconds - want; diff > 0.01 || diff < -0.01 {
		t.Errorf("DurationSeconds = %v, want %v", result.DurationSeconds, want)
	}
	if result.WAVPath != "out.wav" {
		t.Errorf("WAVPath = %q, want %q", result.WAVPath, "out.wav")
	}
}

func TestNormalizeFFmpegFailure(t *testing.T) {
	t.Parallel()

	n := New("ffmpeg", WithCommandRunner(fakeRunner{
		output: []byte("Invalid data found when processing input"),
		err:    errors.New("exit status 1"),
	}))

	_, err := n.Normalize(context.Background(), "in.mp4", "out.wav")
	if !errors.Is(err, ErrInvalidAudio) {
		t.Errorf("Normalize() error = %v, want ErrInvalidAudio", err)
	}
}

func TestNormalizeNoDurationParsed(t *testing.T) {
	t.Parallel()

	n := New("ffmpeg", WithCommandRunner(fakeRunner{output: []byte("nothing useful here")}))

	_, err := n.Normalize(context.Background(), "in.mp4", "out.wav")
	if !errors.Is(err, ErrInvalidAudio) {
		t.Errorf("Normalize() error = %v, want ErrInvalidAudio", err)
	}
}

func TestNormalizeTooShort(t *testing.T) {
	t.Parallel()

	n := New("ffmpeg", WithCommandRunner(fakeRunner{
		output: []byte("Duration: 00:00:00.05, start: 0.000000, bitrate: 128 kb/s\n"),
	}))

	_, err := n.Normalize(context.Background(), "in.mp4", "out.wav")
	if !errors.Is(err, ErrInvalidAudio) {
		t.Errorf("Normalize() error = %v, want ErrInvalidAudio for sub-minimum duration", err)
	}
}

func TestRecognized(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ext  string
		want bool
	}{
		{".mp3", true},
		{"wav", true},
		{".mp4", true},
		{".mkv", true},
		{".xyz", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := Recognized(tt.ext); got != tt.want {
			t.Errorf("Recognized(%q) = %v, want %v", tt.ext, got, tt.want)
		}
	}
}
