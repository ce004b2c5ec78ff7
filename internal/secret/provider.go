// Package secret resolves credential material (API keys, OAuth client
// secrets) from pluggable backends, keyed by a "scheme://path" URI.
// internal/credential uses it to let a Credential's static key or OAuth
// access/refresh token live outside the JSON file on disk.
package secret

import "context"

// Provider retrieves a single secret value for a scheme-specific path.
type Provider interface {
	// Get retrieves the secret value for path (the part after "scheme://").
	Get(ctx context.Context, path string) (string, error)
	Close() error
}
