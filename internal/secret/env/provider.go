// Package env implements a secret.Provider backed by process environment
// variables.
package env

import (
	"context"
	"fmt"
	"os"
)

// Provider resolves "env://VAR_NAME" secret references.
type Provider struct{}

// New creates an env Provider.
func New() *Provider { return &Provider{} }

// Get returns the value of the environment variable named by path.
func (p *Provider) Get(ctx context.Context, path string) (string, error) {
	val, ok := os.LookupEnv(path)
	if !ok {
		return "", fmt.Errorf("env: variable %q not set", path)
	}
	return val, nil
}

// Close is a no-op.
func (p *Provider) Close() error { return nil }
