package llmgateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/relayforge/llmgateway/internal/oauthmgr"
	"github.com/relayforge/llmgateway/internal/persist"
	"github.com/relayforge/llmgateway/internal/provider"
	"github.com/relayforge/llmgateway/internal/scheduler"
	"github.com/relayforge/llmgateway/internal/secret/vault"
	"github.com/relayforge/llmgateway/internal/usage"
)

// ProviderConfig binds one adapter descriptor (C6) to the scheduling and
// usage-accounting configuration the engine runs it under. Descriptor is
// built by the caller from internal/provider/staticauth or
// internal/provider/googleoauth (or a hand-rolled provider.Descriptor) —
// it carries function pointers, so it is never decoded from YAML itself.
type ProviderConfig struct {
	Descriptor provider.Descriptor `yaml:"-"`

	Scheduler scheduler.ProviderConfig `yaml:"scheduler"`

	// Usage overrides the per-provider usage.Config. Provider, Writer,
	// StatePath, and Metrics are filled in by the engine; set only the
	// accounting fields here (MaxConcurrent, Tiers, QuotaGroups, ...).
	Usage usage.Config `yaml:"usage"`

	// OAuthEndpoint configures token refresh for an OAuth-kind provider.
	// Leave zero for a static-key-only provider.
	OAuthEndpoint oauthmgr.EndpointConfig `yaml:"oauth_endpoint"`
}

// Config holds every knob the engine is constructed from. It carries yaml
// tags so an external config-file loader can decode straight into it —
// this module never reads a file or an environment variable on its own
// behalf beyond what internal/secret/env and internal/credential already
// do for credential material.
type Config struct {
	// Providers keys every registered adapter by its provider tag.
	Providers map[string]ProviderConfig `yaml:"providers"`

	// CredentialDir is the managed directory of on-disk OAuth credential
	// files. Empty disables file-backed credential discovery.
	CredentialDir string `yaml:"credential_dir"`
	// EnvPrefixes maps a provider tag to its legacy env-var prefix for
	// environment-sourced credentials.
	EnvPrefixes map[string]string `yaml:"env_prefixes"`
	// WatchCredentials starts an fsnotify watch on CredentialDir so
	// enrollment changes take effect without a restart.
	WatchCredentials bool `yaml:"watch_credentials"`

	// VaultSecrets, if set, registers a "vault://" secret.Provider
	// alongside the always-registered "env://" provider.
	VaultSecrets *vault.Config `yaml:"vault_secrets"`

	// PersistSecure chmods persisted state files to 0600 after write.
	PersistSecure bool `yaml:"persist_secure"`
	// S3Mirror, if set, shadows every successful persisted write to S3.
	S3Mirror *persist.S3MirrorConfig `yaml:"s3_mirror"`
	// RedisMirror, if set, additionally shadows cooldown expiries into
	// Redis for every provider's usage manager.
	RedisMirror *redis.Client `yaml:"-"`

	// OAuthStateDir is handed to the OAuth token manager, which does not
	// write under it: a refreshed credential file is rewritten at its own
	// path (its ID) in CredentialDir.
	OAuthStateDir string `yaml:"oauth_state_dir"`
	// UsageStateDir, if set, is where each provider's usage manager
	// persists its state file (<dir>/<provider>_usage.json).
	UsageStateDir string `yaml:"usage_state_dir"`
	// UsagePersistDebounce bounds how often a provider's usage state is
	// flushed to disk after a change. Defaults to 2s.
	UsagePersistDebounce time.Duration `yaml:"usage_persist_debounce"`

	// HTTPClient is shared by the dispatch executor for every upstream
	// call. Defaults to a client with a 600s timeout.
	HTTPClient *http.Client `yaml:"-"`
	// MaxRetriesPerKey bounds same-credential retries before rotation.
	MaxRetriesPerKey int `yaml:"max_retries_per_key"`
	// BackoffMin is the base same-credential retry backoff.
	BackoffMin time.Duration `yaml:"backoff_min"`

	// BatchSize and BatchTimeout configure the embedding coalescing
	// aggregator (C10).
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	// BatchDispatchTimeout bounds how long a flushed batch's single
	// upstream call is allowed to take.
	BatchDispatchTimeout time.Duration `yaml:"batch_dispatch_timeout"`

	// MetricsRegisterer receives every Prometheus metric the engine
	// exposes. Defaults to a fresh, unshared prometheus.NewRegistry().
	MetricsRegisterer prometheus.Registerer `yaml:"-"`

	// TracerExporter, if set, ships OTEL spans for every dispatch
	// attempt chain. Nil disables export (spans are still created, just
	// dropped) via the no-op tracer provider.
	TracerExporter sdktrace.SpanExporter `yaml:"-"`
	ServiceName    string                `yaml:"service_name"`

	Logger   *slog.Logger `yaml:"-"`
	LogLevel slog.Level   `yaml:"log_level"`

	// RequireExplicitAuthOptIn is a pass-through flag: this module never
	// enforces it itself (an empty static key/OAuth credential set just
	// means "no credentials available"), but the external HTTP framing
	// layer can read it to decide whether serving unauthenticated
	// requests was an explicit operator choice.
	RequireExplicitAuthOptIn bool `yaml:"require_explicit_auth_opt_in"`

	// BackgroundJobPoll does not affect scheduling: each adapter's
	// BackgroundJob runs on its own ticker at its Interval.
	BackgroundJobPoll time.Duration `yaml:"background_job_poll"`
}

// Option configures a Config before the Engine is built.
type Option func(*Config)

// defaultConfig returns the engine's baseline configuration.
func defaultConfig() *Config {
	return &Config{
		Providers:            make(map[string]ProviderConfig),
		EnvPrefixes:          make(map[string]string),
		UsagePersistDebounce: 2 * time.Second,
		MaxRetriesPerKey:     2,
		BackoffMin:           500 * time.Millisecond,
		BatchSize:            64,
		BatchTimeout:         100 * time.Millisecond,
		BatchDispatchTimeout: 30 * time.Second,
		LogLevel:             slog.LevelInfo,
		BackgroundJobPoll:    30 * time.Second,
	}
}

// WithProvider registers one adapter descriptor under tag, along with its
// scheduling and usage configuration.
//
// Example:
//
//	eng, err := llmgateway.New(
//	    llmgateway.WithProvider("openai", llmgateway.ProviderConfig{
//	        Descriptor: staticauth.New(staticauth.Options{
//	            Provider: "openai",
//	            BaseURL:  "https://api.openai.com/v1",
//	            Models:   []string{"gpt-4o"},
//	        }),
//	        Scheduler: scheduler.ProviderConfig{RotationMode: scheduler.RotationBalanced},
//	    }),
//	)
func WithProvider(tag string, cfg ProviderConfig) Option {
	return func(c *Config) {
		c.Providers[tag] = cfg
	}
}

// WithCredentialDir sets the managed on-disk OAuth credential directory.
func WithCredentialDir(dir string) Option {
	return func(c *Config) {
		c.CredentialDir = dir
	}
}

// WithEnvPrefix maps provider to its legacy environment-variable prefix
// for environment-sourced credentials (e.g. "google" -> "GOOGLE_OAUTH").
func WithEnvPrefix(provider, prefix string) Option {
	return func(c *Config) {
		c.EnvPrefixes[provider] = prefix
	}
}

// WithWatchCredentials enables an fsnotify watch on CredentialDir.
func WithWatchCredentials(enabled bool) Option {
	return func(c *Config) {
		c.WatchCredentials = enabled
	}
}

// WithVaultSecrets registers a "vault://" secret.Provider for credential
// fields that should not live on the local filesystem.
func WithVaultSecrets(cfg vault.Config) Option {
	return func(c *Config) {
		c.VaultSecrets = &cfg
	}
}

// WithPersistence configures the resilient writer's secure-permissions
// flag, OAuthStateDir, and the directory usage state is written under.
func WithPersistence(secure bool, oauthStateDir, usageStateDir string) Option {
	return func(c *Config) {
		c.PersistSecure = secure
		c.OAuthStateDir = oauthStateDir
		c.UsageStateDir = usageStateDir
	}
}

// WithS3Mirror shadows every persisted write to an S3 bucket.
func WithS3Mirror(cfg persist.S3MirrorConfig) Option {
	return func(c *Config) {
		c.S3Mirror = &cfg
	}
}

// WithRedisMirror shadows cooldown expiries into Redis for every
// provider's usage manager.
func WithRedisMirror(client *redis.Client) Option {
	return func(c *Config) {
		c.RedisMirror = client
	}
}

// WithHTTPClient overrides the HTTP client the dispatch executor uses for
// every upstream call.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) {
		c.HTTPClient = client
	}
}

// WithRetryPolicy sets the same-credential retry bound and base backoff.
func WithRetryPolicy(maxRetriesPerKey int, backoffMin time.Duration) Option {
	return func(c *Config) {
		c.MaxRetriesPerKey = maxRetriesPerKey
		c.BackoffMin = backoffMin
	}
}

// WithBatching configures the embedding coalescing aggregator.
func WithBatching(size int, timeout time.Duration) Option {
	return func(c *Config) {
		c.BatchSize = size
		c.BatchTimeout = timeout
	}
}

// WithMetricsRegisterer sets the Prometheus registerer every metric is
// registered against.
//
// Example:
//
//	reg := prometheus.NewRegistry()
//	llmgateway.WithMetricsRegisterer(reg)
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(c *Config) {
		c.MetricsRegisterer = reg
	}
}

// WithTracing configures OTEL span export. A nil exporter still creates
// spans, just doesn't ship them anywhere.
func WithTracing(exporter sdktrace.SpanExporter, serviceName string) Option {
	return func(c *Config) {
		c.TracerExporter = exporter
		c.ServiceName = serviceName
	}
}

// WithLogger sets the logger threaded through every engine component.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithLogLevel sets the level for the engine's default JSON logger. Has
// no effect if WithLogger supplies an explicit logger.
func WithLogLevel(level slog.Level) Option {
	return func(c *Config) {
		c.LogLevel = level
	}
}

// WithRequireExplicitAuthOptIn sets the pass-through flag an external
// HTTP framing layer consults before serving unauthenticated requests.
func WithRequireExplicitAuthOptIn(required bool) Option {
	return func(c *Config) {
		c.RequireExplicitAuthOptIn = required
	}
}
