package apierr

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// HTTPError is the minimal shape a provider's HTTP error needs to expose
// for Classify to work. Both the raw-HTTP and SDK-backed providers adapt
// their own error types to this before calling Classify.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return http.StatusText(e.StatusCode)
}

// Classify maps a provider error to one of the sentinel errors, wrapping
// the original message with %w so errors.Is still matches downstream and
// the human-readable text is preserved for ChunkMetadata/Job.ErrorMessage.
//
// This generalizes the classifyError function duplicated (with small
// divergences) across the teacher's top-level transcriber.go and
// internal/transcribe/transcriber.go into a single provider-agnostic
// implementation driven by HTTPError rather than an OpenAI-specific type.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusTooManyRequests:
			if looksLikeQuota(httpErr.Message) {
				return wrap(httpErr.Message, ErrQuotaExceeded)
			}
			return wrap(httpErr.Message, ErrRateLimit)
		case http.StatusPaymentRequired:
			return wrap(httpErr.Message, ErrQuotaExceeded)
		case http.StatusUnauthorized, http.StatusForbidden:
			return wrap(httpErr.Message, ErrAuthFailed)
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return wrap(httpErr.Message, ErrTimeout)
		case http.StatusUnprocessableEntity:
			return wrap(httpErr.Message, ErrInvalidAudio)
		case http.StatusBadRequest:
			if looksLikeBadAudio(httpErr.Message) {
				return wrap(httpErr.Message, ErrInvalidAudio)
			}
			return wrap(httpErr.Message, ErrBadRequest)
		case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
			return wrap(httpErr.Message, ErrProviderUnavailable)
		}
		return wrap(httpErr.Message, ErrUnknown)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return wrap("request timed out", ErrTimeout)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if looksLikeConnectionError(err.Error()) {
		return wrap(err.Error(), ErrProviderUnavailable)
	}

	return wrap(err.Error(), ErrUnknown)
}

func wrap(msg string, sentinel error) error {
	if msg == "" {
		return sentinel
	}
	return &classifiedError{msg: msg, sentinel: sentinel}
}

// classifiedError carries the provider's original message while still
// matching errors.Is against the sentinel it was classified as.
type classifiedError struct {
	msg      string
	sentinel error
}

func (e *classifiedError) Error() string { return e.msg + ": " + e.sentinel.Error() }
func (e *classifiedError) Unwrap() error { return e.sentinel }

func looksLikeQuota(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "quota") || strings.Contains(lower, "billing")
}

// looksLikeConnectionError reports whether msg describes a transport-level
// failure (the provider host is unreachable) rather than an HTTP response,
// so it never reaches Classify as an *HTTPError in the first place.
func looksLikeConnectionError(msg string) bool {
	lower := strings.ToLower(msg)
	for _, needle := range []string{"connection refused", "connection reset", "no such host", "network is unreachable"} {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}

func looksLikeBadAudio(msg string) bool {
	lower := strings.ToLower(msg)
	for _, needle := range []string{"audio", "decode", "codec", "format", "corrupt"} {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}
