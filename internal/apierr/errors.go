// Package apierr provides shared error sentinels and retry infrastructure
// for HTTP-based API clients. All provider-specific error types are
// classified into these sentinels at the adapter boundary.
//
// Providers map HTTP status codes to these errors using fmt.Errorf("%s: %w", msg, sentinel).
// Callers check with errors.Is(err, apierr.ErrRateLimit) etc.
package apierr

import "errors"

// Sentinel errors for API interaction failures.
var (
	// ErrRateLimit indicates the API rate limit was exceeded (temporary, retryable).
	ErrRateLimit = errors.New("rate limit exceeded")

	// ErrQuotaExceeded indicates the API quota was exceeded (billing issue, not retryable).
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrTimeout indicates a request timed out.
	ErrTimeout = errors.New("request timeout")

	// ErrAuthFailed indicates API authentication failed (invalid key).
	ErrAuthFailed = errors.New("authentication failed")

	// ErrBadRequest indicates a client error (4xx) that is not otherwise classified.
	ErrBadRequest = errors.New("bad request")

	// ErrProviderUnavailable indicates a transient 5xx or connection failure
	// from the provider, distinct from a request timeout.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrInvalidAudio indicates the provider rejected the audio itself
	// (unsupported codec, corrupt stream, zero-length).
	ErrInvalidAudio = errors.New("invalid audio")

	// ErrUnknown is the catch-all for provider errors that don't map to any
	// other sentinel. KindOf still returns a Kind so callers always have one
	// to persist, even when the raw cause is unrecognized.
	ErrUnknown = errors.New("unknown provider error")
)

// Kind is one of the seven canonical error classifications used across the
// pipeline to decide retryability and to persist an operator-facing code on
// a failed job.
type Kind string

const (
	KindRateLimited         Kind = "rate_limited"
	KindTimeout             Kind = "timeout"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindAuthError           Kind = "auth_error"
	KindQuotaExceeded       Kind = "quota_exceeded"
	KindInvalidAudio        Kind = "invalid_audio"
	KindUnknown             Kind = "unknown"
)

// Retryable reports whether errors of this kind are transient and should
// be retried with backoff rather than failing the chunk immediately.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindTimeout, KindProviderUnavailable:
		return true
	default:
		return false
	}
}

// KindOf maps a classified error back to its Kind, for persisting on a
// Job/Chunk row. Errors not produced by Classify fall back to KindUnknown.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateLimit):
		return KindRateLimited
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrProviderUnavailable):
		return KindProviderUnavailable
	case errors.Is(err, ErrAuthFailed):
		return KindAuthError
	case errors.Is(err, ErrQuotaExceeded):
		return KindQuotaExceeded
	case errors.Is(err, ErrInvalidAudio):
		return KindInvalidAudio
	default:
		return KindUnknown
	}
}
