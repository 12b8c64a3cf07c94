package provider

import "errors"

// ErrUnknownProvider is returned by New when name has no registered
// constructor.
var ErrUnknownProvider = errors.New("unknown provider")

// ErrMissingAPIKey is returned by a provider constructor when its
// required settings key is absent.
var ErrMissingAPIKey = errors.New("missing provider api key")
