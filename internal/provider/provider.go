// Package provider defines the capability abstraction over external
// speech-to-text services (C3) and a name→constructor registry, mirroring
// the shape of the teacher's Transcriber interface in
// internal/transcribe/transcriber.go but returning timestamped segments
// instead of a single text blob, and carrying cancellation via
// context.Context rather than an explicit token field.
package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/voxpipe/transcribe/internal/lang"
	"github.com/voxpipe/transcribe/internal/model"
)

// Config carries everything a provider needs for one chunk's
// transcription call.
type Config struct {
	Language      lang.Language
	Prompt        string
	ContextText   string // trailing text of the previous chunk's result
	ChunkIndex    int
	ChunkDuration float64
}

// Result is what a provider returns for one chunk.
type Result struct {
	Segments []model.Segment
	Metadata model.ChunkMetadata
}

// Provider is the capability every STT backend implements.
type Provider interface {
	// Name identifies the provider for logging and for Job.Provider.
	Name() string
	// Transcribe sends audio (already chunk-local WAV bytes) to the
	// backend and returns timestamped segments. Cancellation is via ctx.
	Transcribe(ctx context.Context, audio []byte, cfg Config) (Result, error)
}

// Constructor builds a Provider from provider-specific settings (API key,
// base URL, etc.), supplied as opaque key/value pairs read from
// config.Config by the caller.
type Constructor func(settings map[string]string) (Provider, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register adds a constructor under name. Intended to be called from
// package init() by each concrete provider implementation.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = ctor
}

// New looks up name in the registry and constructs a Provider.
func New(name string, settings map[string]string) (Provider, error) {
	registryMu.RLock()
	ctor, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return ctor(settings)
}

// Names returns the currently registered provider names, mainly for
// validating a job's requested provider at intake time.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
