package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/voxpipe/transcribe/internal/apierr"
	"github.com/voxpipe/transcribe/internal/model"
)

func init() {
	Register("openai", newOpenAI)
}

const (
	openAIModel           = "gpt-4o-mini-transcribe"
	openAIBaseURL         = "https://api.openai.com"
	transcriptionPath     = "/v1/audio/transcriptions"
	maxRawResponseBytes   = 4 * 1024
	maxResponseReadBytes  = 10 * 1024 * 1024
)

// overlapPromptSuffix instructs the model to transcribe the whole chunk,
// including the overlap region, rather than guessing at what the caller
// "already has". An earlier prompt that said "do not repeat context"
// caused multi-second skips at chunk starts because the model tried to
// detect and drop the overlap itself; the merger (internal/merge) is the
// only place dedup decisions should happen.
const overlapPromptSuffix = " Transcribe all audio in this clip starting at 0.0 seconds, including anything that may overlap with prior context. Do not skip or summarize any portion."

// httpDoer abstracts the HTTP client for testing, the same seam as
// internal/transcribe/transcriber.go.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

type openAIProvider struct {
	httpClient httpDoer
	apiKey     string
	baseURL    string
}

var _ Provider = (*openAIProvider)(nil)

func newOpenAI(settings map[string]string) (Provider, error) {
	apiKey := settings["api_key"]
	if apiKey == "" {
		return nil, fmt.Errorf("%w: openai requires settings[\"api_key\"]", ErrMissingAPIKey)
	}
	baseURL := settings["base_url"]
	if baseURL == "" {
		baseURL = openAIBaseURL
	}
	return &openAIProvider{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		apiKey:     apiKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}, nil
}

func (p *openAIProvider) Name() string { return "openai" }

func (p *openAIProvider) Transcribe(ctx context.Context, audio []byte, cfg Config) (Result, error) {
	started := time.Now()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "chunk.wav")
	if err != nil {
		return Result{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, bytes.NewReader(audio)); err != nil {
		return Result{}, fmt.Errorf("copy audio into form: %w", err)
	}

	if err := writer.WriteField("model", openAIModel); err != nil {
		return Result{}, fmt.Errorf("write model field: %w", err)
	}
	if err := writer.WriteField("response_format", "verbose_json"); err != nil {
		return Result{}, fmt.Errorf("write response_format field: %w", err)
	}

	prompt := cfg.ContextText + cfg.Prompt + overlapPromptSuffix
	if err := writer.WriteField("prompt", prompt); err != nil {
		return Result{}, fmt.Errorf("write prompt field: %w", err)
	}
	if code := cfg.Language.BaseCode(); code != "" {
		if err := writer.WriteField("language", code); err != nil {
			return Result{}, fmt.Errorf("write language field: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return Result{}, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+transcriptionPath, &body)
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Result{}, apierr.Classify(err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseReadBytes))
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return Result{}, apierr.Classify(parseHTTPError(resp.StatusCode, respBody))
	}

	return parseVerboseJSON(respBody, time.Since(started))
}

type verboseJSONResponse struct {
	Text     string  `json:"text"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

func parseVerboseJSON(body []byte, latency time.Duration) (Result, error) {
	var resp verboseJSONResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Result{}, fmt.Errorf("parse verbose_json response: %w", err)
	}

	segments := make([]model.Segment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		segments = append(segments, model.Segment{
			Start: s.Start,
			End:   s.End,
			Text:  strings.TrimSpace(s.Text),
		})
	}

	raw := body
	if len(raw) > maxRawResponseBytes {
		raw = raw[:maxRawResponseBytes]
	}

	return Result{
		Segments: segments,
		Metadata: model.ChunkMetadata{
			Model:         openAIModel,
			LatencyMillis: latency.Milliseconds(),
			FinishReason:  "stop",
			RawResponse:   string(raw),
		},
	}, nil
}

func parseHTTPError(statusCode int, body []byte) *apierr.HTTPError {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error.Message == "" {
		return &apierr.HTTPError{StatusCode: statusCode, Message: string(body)}
	}
	return &apierr.HTTPError{StatusCode: statusCode, Message: envelope.Error.Message}
}
