package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/voxpipe/transcribe/internal/apierr"
	"github.com/voxpipe/transcribe/internal/model"
)

func init() {
	Register("openai-diarize", newOpenAIDiarize)
}

const (
	diarizeModel  = "gpt-4o-transcribe-diarize"
	diarizeFormat = "diarized_json"
)

// audioTranscriber is the subset of *openai.Client this provider needs,
// the same seam as the teacher's top-level transcriber.go so a fake client
// can be injected in tests.
type audioTranscriber interface {
	CreateTranscription(ctx context.Context, req openai.AudioRequest) (openai.AudioResponse, error)
}

type openAIDiarizeProvider struct {
	client audioTranscriber
}

var _ Provider = (*openAIDiarizeProvider)(nil)

func newOpenAIDiarize(settings map[string]string) (Provider, error) {
	apiKey := settings["api_key"]
	if apiKey == "" {
		return nil, fmt.Errorf("%w: openai-diarize requires settings[\"api_key\"]", ErrMissingAPIKey)
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL := settings["base_url"]; baseURL != "" {
		config.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	return &openAIDiarizeProvider{client: openai.NewClientWithConfig(config)}, nil
}

func (p *openAIDiarizeProvider) Name() string { return "openai-diarize" }

// Transcribe writes audio to a temp file because go-openai's AudioRequest
// takes a FilePath rather than raw bytes, the same way the teacher's
// legacy transcriber.go passed audioPath straight through.
func (p *openAIDiarizeProvider) Transcribe(ctx context.Context, audio []byte, cfg Config) (Result, error) {
	started := time.Now()

	tmp, err := os.CreateTemp("", "voxpipe-diarize-*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("create temp audio file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	defer func() { _ = tmp.Close() }()

	if _, err := tmp.Write(audio); err != nil {
		return Result{}, fmt.Errorf("write temp audio file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Result{}, fmt.Errorf("close temp audio file: %w", err)
	}

	req := openai.AudioRequest{
		Model:    diarizeModel,
		FilePath: tmp.Name(),
		Format:   diarizeFormat,
		Prompt:   cfg.ContextText + cfg.Prompt + overlapPromptSuffix,
		Language: cfg.Language.BaseCode(),
	}

	resp, err := p.client.CreateTranscription(ctx, req)
	if err != nil {
		return Result{}, classifySDKError(err)
	}

	return Result{
		Segments: diarizedSegments(resp),
		Metadata: model.ChunkMetadata{
			Model:         diarizeModel,
			LatencyMillis: time.Since(started).Milliseconds(),
			FinishReason:  "stop",
		},
	}, nil
}

// diarizedSegments converts the SDK's response into timestamped segments.
//
// LIMITATION: go-openai's typed AudioResponse.Segments does not expose the
// per-segment "speaker" field that diarized_json actually returns over the
// wire (same gap the teacher's legacy transcriber.go documents). Until
// go-openai adds it, speaker is a positional fallback rather than a true
// speaker label; the merger must not rely on it for identity across chunks.
func diarizedSegments(resp openai.AudioResponse) []model.Segment {
	if len(resp.Segments) == 0 {
		return []model.Segment{{Text: strings.TrimSpace(resp.Text)}}
	}

	segments := make([]model.Segment, 0, len(resp.Segments))
	for _, seg := range resp.Segments {
		segments = append(segments, model.Segment{
			Start:   seg.Start,
			End:     seg.End,
			Text:    strings.TrimSpace(seg.Text),
			Speaker: fmt.Sprintf("Speaker %d", seg.ID),
		})
	}
	return segments
}

// classifySDKError adapts go-openai's *openai.APIError to apierr.HTTPError
// before delegating to the shared classifier.
func classifySDKError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apierr.Classify(&apierr.HTTPError{
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
		})
	}
	return apierr.Classify(err)
}
