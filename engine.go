// Package llmgateway is the root facade over the resilience-and-dispatch
// engine: credential registry and OAuth lifecycle (C2/C3), usage/quota
// state (C4), the scheduler (C5), the adapter contract (C6), the
// streaming-safe dispatch executor (C7/C8), the dialect translator (C9),
// and the batch aggregator (C10). It binds every component together from
// an in-memory Config; it does not bind HTTP routes, read a config file,
// or parse a CLI flag — those are external collaborators. Grounded on the
// teacher's root Client/New in llmux.go and client.go.
package llmgateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/relayforge/llmgateway/internal/batch"
	"github.com/relayforge/llmgateway/internal/credential"
	"github.com/relayforge/llmgateway/internal/executor"
	"github.com/relayforge/llmgateway/internal/metrics"
	"github.com/relayforge/llmgateway/internal/observability"
	"github.com/relayforge/llmgateway/internal/oauthmgr"
	"github.com/relayforge/llmgateway/internal/persist"
	"github.com/relayforge/llmgateway/internal/provider"
	"github.com/relayforge/llmgateway/internal/scheduler"
	"github.com/relayforge/llmgateway/internal/secret"
	"github.com/relayforge/llmgateway/internal/secret/env"
	"github.com/relayforge/llmgateway/internal/secret/vault"
	"github.com/relayforge/llmgateway/internal/streamsafe"
	"github.com/relayforge/llmgateway/internal/usage"
	"github.com/relayforge/llmgateway/pkg/types"
)

// Engine is the facade's state owner. Every exported method is safe for
// concurrent use by multiple goroutines, delegating to the component that
// actually owns the relevant state.
type Engine struct {
	cfg *Config

	logger  *slog.Logger
	secrets *secret.Manager
	writer  *persist.Writer

	store      *credential.Store
	oauth      *oauthmgr.Manager
	registry   *provider.Registry
	scheduler  *scheduler.Scheduler
	dispatcher *executor.Dispatcher
	batch      *batch.Aggregator
	metrics    *metrics.Registry

	usageManagers map[string]*usage.Manager

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New builds an Engine from opts. Credential discovery (Store.Load) and,
// if configured, the credential-directory watch and per-adapter
// background jobs are started before New returns.
func New(opts ...Option) (*Engine, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewLogger(cfg.LogLevel)
	}

	secrets := secret.NewManager()
	secrets.Register("env", env.New())
	if cfg.VaultSecrets != nil {
		vp, err := vault.New(*cfg.VaultSecrets)
		if err != nil {
			return nil, fmt.Errorf("llmgateway: vault secrets: %w", err)
		}
		secrets.Register("vault", vp)
	}

	var mirror persist.Mirror
	if cfg.S3Mirror != nil {
		s3m, err := persist.NewS3Mirror(context.Background(), *cfg.S3Mirror, logger)
		if err != nil {
			return nil, fmt.Errorf("llmgateway: s3 mirror: %w", err)
		}
		mirror = s3m
	}
	writer := persist.New(cfg.PersistSecure, logger, mirror)

	store := credential.New(credential.Options{
		Dir:         cfg.CredentialDir,
		EnvPrefixes: cfg.EnvPrefixes,
		Secrets:     secrets,
		Logger:      logger,
	})
	if err := store.Load(context.Background()); err != nil {
		return nil, fmt.Errorf("llmgateway: load credentials: %w", err)
	}

	endpoints := make(map[string]oauthmgr.EndpointConfig, len(cfg.Providers))
	for tag, pc := range cfg.Providers {
		endpoints[tag] = pc.OAuthEndpoint
	}
	oauth := oauthmgr.New(store, writer, cfg.OAuthStateDir, endpoints, logger)

	registerer := cfg.MetricsRegisterer
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	metricsReg := metrics.New(registerer)

	tracerProvider := observability.NoopTracerProvider()
	if cfg.TracerExporter != nil {
		tracerProvider = observability.NewTracerProvider(cfg.TracerExporter, cfg.ServiceName)
	}

	registry := provider.NewRegistry()
	usageManagers := make(map[string]*usage.Manager, len(cfg.Providers))
	schedCfg := make(map[string]scheduler.ProviderConfig, len(cfg.Providers))

	for tag, pc := range cfg.Providers {
		registry.Register(pc.Descriptor)

		uc := pc.Usage
		uc.Provider = tag
		uc.Writer = writer
		uc.Metrics = metricsReg
		uc.Logger = logger
		if cfg.UsageStateDir != "" {
			uc.StatePath = fmt.Sprintf("%s/%s_usage.json", cfg.UsageStateDir, tag)
		}
		if uc.Debounce == 0 {
			uc.Debounce = cfg.UsagePersistDebounce
		}
		if cfg.RedisMirror != nil {
			uc.RedisMirror = cfg.RedisMirror
		}
		if len(uc.QuotaGroups) == 0 {
			uc.QuotaGroups = pc.Descriptor.QuotaGroups
		}
		usageManagers[tag] = usage.New(uc)

		sc := pc.Scheduler
		if sc.TierFunc == nil {
			sc.TierFunc = pc.Descriptor.TierFunc
		}
		if sc.MinTierFunc == nil {
			sc.MinTierFunc = pc.Descriptor.MinTierForModel
		}
		schedCfg[tag] = sc
	}

	sched := scheduler.New(store, oauth, usageManagers, schedCfg)
	sched.SetMetrics(metricsReg)

	dispatcher := executor.New(registry, sched, oauth, store, usageManagers, executor.Config{
		HTTPClient:       cfg.HTTPClient,
		MaxRetriesPerKey: cfg.MaxRetriesPerKey,
		BackoffMin:       cfg.BackoffMin,
		TracerProvider:   tracerProvider,
		Logger:           logger,
		Metrics:          metricsReg,
	})

	eng := &Engine{
		cfg:           cfg,
		logger:        logger,
		secrets:       secrets,
		writer:        writer,
		store:         store,
		oauth:         oauth,
		registry:      registry,
		scheduler:     sched,
		dispatcher:    dispatcher,
		metrics:       metricsReg,
		usageManagers: usageManagers,
	}

	eng.batch = batch.New(eng.flushBatch, batch.Config{
		BatchSize: cfg.BatchSize,
		Timeout:   cfg.BatchTimeout,
		Logger:    logger,
		Metrics:   metricsReg,
	})

	bgCtx, bgCancel := context.WithCancel(context.Background())
	eng.bgCancel = bgCancel

	if cfg.WatchCredentials {
		if err := store.Watch(bgCtx); err != nil {
			bgCancel()
			return nil, fmt.Errorf("llmgateway: watch credentials: %w", err)
		}
	}

	eng.startBackgroundJobs(bgCtx, cfg.Providers, cfg.BackgroundJobPoll)

	return eng, nil
}

// flushBatch is the batch aggregator's FlushFunc: it routes a coalesced
// embedding batch through the ordinary dispatch path so it gets the same
// retry/rotation/metrics treatment as any other request.
func (e *Engine) flushBatch(ctx context.Context, providerTag, model string, merged types.EmbeddingRequest) (*types.EmbeddingResponse, error) {
	deadline := time.Now().Add(e.cfg.BatchDispatchTimeout)
	resp, err := e.dispatcher.Execute(ctx, providerTag, model, provider.NormalizedRequest{Embedding: &merged}, deadline)
	if err != nil {
		return nil, err
	}
	if resp.Embedding == nil {
		return nil, fmt.Errorf("llmgateway: provider %s returned no embedding payload", providerTag)
	}
	return resp.Embedding, nil
}

// startBackgroundJobs launches one poller per provider whose descriptor
// sets both QuotaBaseline and BackgroundJob, refreshing every credential's
// cached baseline on the adapter's configured interval.
func (e *Engine) startBackgroundJobs(ctx context.Context, providers map[string]ProviderConfig, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	for tag, pc := range providers {
		desc := pc.Descriptor
		if desc.QuotaBaseline == nil || desc.BackgroundJob == nil {
			continue
		}
		interval := time.Duration(desc.BackgroundJob.Interval) * time.Second
		if interval <= 0 {
			continue
		}
		e.bgWG.Add(1)
		go e.runBaselineJob(ctx, tag, desc, interval)
	}
}

func (e *Engine) runBaselineJob(ctx context.Context, tag string, desc provider.Descriptor, interval time.Duration) {
	defer e.bgWG.Done()
	um := e.usageManagers[tag]

	run := func() {
		for _, credID := range e.store.List(tag) {
			cred, ok := e.store.Get(credID)
			if !ok {
				continue
			}
			fractions, err := desc.QuotaBaseline(ctx, cred)
			if err != nil {
				e.logger.Warn("llmgateway: quota baseline fetch failed", "provider", tag, "credential", credID, "error", err)
				continue
			}
			um.ApplyBaseline(credID, fractions)
		}
	}

	if desc.BackgroundJob.RunOnStart {
		run()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

// Dispatch runs the full attempt chain for one request through the
// dispatch executor (C7): acquire a credential, send, classify, retry in
// place or rotate, until deadline.
func (e *Engine) Dispatch(ctx context.Context, providerTag, model string, req provider.NormalizedRequest, deadline time.Time) (provider.NormalizedResponse, error) {
	return e.dispatcher.Execute(ctx, providerTag, model, req, deadline)
}

// DispatchStream opens a single-attempt streaming upstream connection and
// returns the C8 safety wrapper over its body.
func (e *Engine) DispatchStream(ctx context.Context, providerTag, model string, req provider.NormalizedRequest, deadline time.Time) (*streamsafe.Wrapper, error) {
	return e.dispatcher.ExecuteStream(ctx, providerTag, model, req, deadline)
}

// EnqueueEmbedding submits req to the batch aggregator (C10), blocking
// until its coalesced batch flushes and this request's share of the
// result is ready.
func (e *Engine) EnqueueEmbedding(ctx context.Context, providerTag, model string, req types.EmbeddingRequest) (*types.EmbeddingResponse, error) {
	return e.batch.Enqueue(ctx, providerTag, model, req)
}

// Providers lists every registered adapter's provider tag.
func (e *Engine) Providers() []string {
	return e.registry.Providers()
}

// Credentials lists every known credential id, keyed by provider tag, for
// an external admin/listing surface to render.
func (e *Engine) Credentials() map[string][]string {
	out := make(map[string][]string)
	for _, tag := range e.store.Providers() {
		out[tag] = e.store.List(tag)
	}
	return out
}

// ListModels returns the model list for (providerTag, credentialID): the
// adapter's live fetch if it declares one, memoized, else the adapter's
// static Models field.
func (e *Engine) ListModels(ctx context.Context, providerTag, credentialID string) ([]string, error) {
	cred, ok := e.store.Get(credentialID)
	if !ok {
		return nil, fmt.Errorf("llmgateway: unknown credential %q", credentialID)
	}
	return e.registry.ListModels(ctx, providerTag, cred)
}

// Snapshot is a read-only dump of current scheduler/usage state for an
// external admin surface to render. It never mutates engine state.
type Snapshot struct {
	Healthy   bool
	Providers map[string]ProviderSnapshot
}

// ProviderSnapshot is one provider's slice of a Snapshot.
type ProviderSnapshot struct {
	Credentials map[string]usage.CredentialSnapshot
}

// Snapshot aggregates usage.Manager.Snapshot across every known
// credential of every provider.
func (e *Engine) Snapshot() Snapshot {
	snap := Snapshot{Healthy: e.writer.IsHealthy(), Providers: make(map[string]ProviderSnapshot)}
	for tag, um := range e.usageManagers {
		ps := ProviderSnapshot{Credentials: make(map[string]usage.CredentialSnapshot)}
		for _, credID := range e.store.List(tag) {
			ps.Credentials[credID] = um.Snapshot(credID)
		}
		snap.Providers[tag] = ps
	}
	return snap
}

// Close stops every background goroutine, flushes pending usage state and
// the resilient writer's buffered writes, and releases secret provider
// resources. It should be called once, during the host process's
// shutdown sequence.
func (e *Engine) Close(ctx context.Context) error {
	e.bgCancel()
	e.bgWG.Wait()

	for _, um := range e.usageManagers {
		um.Flush(ctx)
	}

	var firstErr error
	if err := e.writer.Stop(ctx); err != nil {
		firstErr = err
	}
	if err := e.secrets.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
