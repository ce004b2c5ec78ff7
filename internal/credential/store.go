// Package credential implements the credential registry (C2): it
// enumerates candidate credentials from a managed directory and from
// environment variables, normalizes them into pkg/types.Credential, and
// deduplicates by (provider, email-or-account-id).
package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/relayforge/llmgateway/internal/secret"
	"github.com/relayforge/llmgateway/pkg/types"
)

// oauthFile mirrors the on-disk OAuth credential schema.
type oauthFile struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token,omitempty"`
	ExpiryDateMS int64  `json:"expiry_date"`
	TokenURI     string `json:"token_uri"`
	ProxyMeta    struct {
		Email            string `json:"email"`
		AccountID        string `json:"account_id,omitempty"`
		LastCheckTS      int64  `json:"last_check_timestamp"`
		LoadedFromEnv    bool   `json:"loaded_from_env"`
		EnvCredentialIdx int    `json:"env_credential_index,omitempty"`
	} `json:"_proxy_metadata"`
}

// Store enumerates and caches credentials for every provider. It is safe
// for concurrent use.
type Store struct {
	mu   sync.RWMutex
	dir  string
	recs map[string]*types.Credential // id -> record
	byProvider map[string][]string    // provider -> ids, for List()

	envPrefixes map[string]string
	secrets     *secret.Manager
	logger      *slog.Logger

	watcher  *fsnotify.Watcher
	onChange []func()
}

// Options configures a Store.
type Options struct {
	// Dir is the managed credential directory (one JSON file per
	// OAuth credential).
	Dir string
	// EnvPrefixes maps a provider tag to the legacy single-credential
	// env var prefix used for index 0 (e.g. "google" -> "GOOGLE_OAUTH").
	// Numbered variants are PREFIX_N_FIELD for N >= 1.
	EnvPrefixes map[string]string
	Secrets     *secret.Manager
	Logger      *slog.Logger
}

// New creates a Store rooted at opts.Dir. Call Load to populate it.
func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:         opts.Dir,
		recs:        make(map[string]*types.Credential),
		byProvider:  make(map[string][]string),
		secrets:     opts.Secrets,
		logger:      logger,
		envPrefixes: opts.EnvPrefixes,
	}
}

// Load enumerates credentials: local directory files first, then
// environment-sourced virtual credentials, deduplicating by
// (provider, email-or-account-id).
func (s *Store) Load(ctx context.Context) error {
	fileRecs, err := s.loadFromDir(ctx)
	if err != nil {
		return fmt.Errorf("credential: load dir: %w", err)
	}

	envRecs := s.loadFromEnv(ctx)

	merged := make(map[string]*types.Credential, len(fileRecs)+len(envRecs))
	seenDedupe := make(map[string]string) // dedupe key -> winning id

	add := func(recs []*types.Credential) {
		for _, c := range recs {
			key := c.DedupeKey()
			if existingID, ok := seenDedupe[key]; ok {
				s.logger.Warn("credential: duplicate dropped",
					"provider", c.Provider, "id", c.ID, "kept", existingID)
				continue
			}
			seenDedupe[key] = c.ID
			merged[c.ID] = c
		}
	}
	add(fileRecs)
	add(envRecs)

	byProvider := make(map[string][]string)
	for id, c := range merged {
		byProvider[c.Provider] = append(byProvider[c.Provider], id)
	}
	for p := range byProvider {
		sort.Strings(byProvider[p])
	}

	s.mu.Lock()
	s.recs = merged
	s.byProvider = byProvider
	s.mu.Unlock()
	return nil
}

// Reload re-runs Load and notifies registered change listeners. It is
// the operation fsnotify-triggered and explicit CLI-triggered reloads
// both call.
func (s *Store) Reload(ctx context.Context) error {
	if err := s.Load(ctx); err != nil {
		return err
	}
	s.mu.RLock()
	listeners := append([]func(){}, s.onChange...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn()
	}
	return nil
}

// OnChange registers a callback invoked after every successful Reload.
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Watch starts an fsnotify watch on the managed directory and calls
// Reload whenever a credential file is created, written, or removed.
// It returns immediately; the watch runs until ctx is canceled.
func (s *Store) Watch(ctx context.Context) error {
	if s.dir == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("credential: fsnotify: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("credential: watch %s: %w", s.dir, err)
	}

	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := s.Reload(ctx); err != nil {
						s.logger.Error("credential: reload after fs event failed", "error", err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Error("credential: fsnotify error", "error", err)
			}
		}
	}()
	return nil
}

// List returns the credential identifiers for provider.
func (s *Store) List(provider string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.byProvider[provider]))
	copy(out, s.byProvider[provider])
	return out
}

// Providers returns every provider tag with at least one credential.
func (s *Store) Providers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byProvider))
	for p := range s.byProvider {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Get loads the full record for id.
func (s *Store) Get(id string) (*types.Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.recs[id]
	return c, ok
}

// Put inserts or replaces the record for id. Used by internal/oauthmgr
// after a refresh and by the enrollment collaborator after adding a
// credential.
func (s *Store) Put(c *types.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.recs[c.ID]; !exists {
		s.byProvider[c.Provider] = append(s.byProvider[c.Provider], c.ID)
		sort.Strings(s.byProvider[c.Provider])
	}
	s.recs[c.ID] = c
}

// Add is the enrollment-CLI-facing name for Put, inserting or replacing
// the record for c.ID.
func (s *Store) Add(c *types.Credential) {
	s.Put(c)
}

// Remove is the enrollment-CLI-facing name for Delete.
func (s *Store) Remove(id string) {
	s.Delete(id)
}

// Delete removes id from the store. Env-backed credentials may be
// deleted from the in-memory view but their backing file is never touched.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.recs[id]
	if !ok {
		return
	}
	delete(s.recs, id)
	ids := s.byProvider[c.Provider]
	for i, existing := range ids {
		if existing == id {
			s.byProvider[c.Provider] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

// loadFromDir reads every *.json file directly under s.dir as an OAuth
// credential record, matching the on-disk schema.
func (s *Store) loadFromDir(ctx context.Context) ([]*types.Credential, error) {
	if s.dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []*types.Credential
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		c, err := s.parseOAuthFile(ctx, path, entry.Name())
		if err != nil {
			s.logger.Warn("credential: skipping unreadable file", "path", path, "error", err)
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// resolveSecret dispatches raw through the secret Manager when one is
// configured, letting an "env://" or "vault://" reference stored on disk
// resolve to its backing value instead of being used verbatim as a
// bearer token. A bare literal (no "scheme://" prefix) passes through
// unchanged either way.
func (s *Store) resolveSecret(ctx context.Context, raw string) string {
	if raw == "" || s.secrets == nil {
		return raw
	}
	resolved, err := s.secrets.Get(ctx, raw)
	if err != nil {
		s.logger.Warn("credential: secret resolution failed", "error", err)
		return raw
	}
	return resolved
}

// parseOAuthFile decodes one on-disk OAuth credential file. Provider is
// inferred from the filename convention "<provider>_oauth_<n>.json".
func (s *Store) parseOAuthFile(ctx context.Context, path, name string) (*types.Credential, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f oauthFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}

	provider := inferProviderFromFilename(name)
	c := &types.Credential{
		ID:           path,
		Provider:     provider,
		Kind:         types.CredentialOAuth,
		AccessToken:  s.resolveSecret(ctx, f.AccessToken),
		RefreshToken: s.resolveSecret(ctx, f.RefreshToken),
		IDToken:      f.IDToken,
		ExpiresAt:    msToTime(f.ExpiryDateMS),
		AccountID:    f.ProxyMeta.AccountID,
		Email:        f.ProxyMeta.Email,
		Proxy: types.ProxyMetadata{
			Email:            f.ProxyMeta.Email,
			LastCheck:        msToTime(f.ProxyMeta.LastCheckTS),
			LoadedFromEnv:    f.ProxyMeta.LoadedFromEnv,
			EnvCredentialIdx: f.ProxyMeta.EnvCredentialIdx,
		},
	}
	return c, nil
}

// loadFromEnv builds virtual credentials from environment variables,
// supporting both the legacy single-credential names (index 0) and the
// numbered PROVIDER_N_* variants.
func (s *Store) loadFromEnv(ctx context.Context) []*types.Credential {
	var out []*types.Credential
	for provider, prefix := range s.envPrefixes {
		if c := s.envCredentialAt(ctx, provider, prefix, 0); c != nil {
			out = append(out, c)
		}
		for n := 1; ; n++ {
			c := s.envCredentialAt(ctx, provider, prefix, n)
			if c == nil {
				break
			}
			out = append(out, c)
		}
	}
	return out
}

// envCredentialAt builds the credential for env index n, or nil if the
// required variables are absent. Index 0 uses the legacy bare names
// (PREFIX_API_KEY); index >= 1 uses PREFIX_N_API_KEY etc. A value may
// itself be a secret reference (e.g. "vault://secret/data/openai#key"),
// resolved through the store's secret Manager before it is ever held as
// the credential's bearer token.
func (s *Store) envCredentialAt(ctx context.Context, provider, prefix string, n int) *types.Credential {
	varName := func(suffix string) string {
		if n == 0 {
			return prefix + "_" + suffix
		}
		return prefix + "_" + strconv.Itoa(n) + "_" + suffix
	}

	apiKey := os.Getenv(varName("API_KEY"))
	refreshToken := os.Getenv(varName("REFRESH_TOKEN"))
	if apiKey == "" && refreshToken == "" {
		return nil
	}

	id := fmt.Sprintf("env://%s/%d", provider, n)
	if refreshToken != "" {
		return &types.Credential{
			ID:           id,
			Provider:     provider,
			Kind:         types.CredentialOAuth,
			RefreshToken: s.resolveSecret(ctx, refreshToken),
			AccessToken:  s.resolveSecret(ctx, os.Getenv(varName("ACCESS_TOKEN"))),
			Email:        os.Getenv(varName("EMAIL")),
			AccountID:    os.Getenv(varName("ACCOUNT_ID")),
			Proxy: types.ProxyMetadata{
				Email:            os.Getenv(varName("EMAIL")),
				LoadedFromEnv:    true,
				EnvCredentialIdx: n,
			},
		}
	}
	return &types.Credential{
		ID:        id,
		Provider:  provider,
		Kind:      types.CredentialStatic,
		StaticKey: s.resolveSecret(ctx, apiKey),
		Proxy: types.ProxyMetadata{
			LoadedFromEnv:    true,
			EnvCredentialIdx: n,
		},
	}
}

// ImportReadOnly copies a credential file from a well-known external
// source path into the managed directory without ever modifying the
// source ("imports ... are read-only copies").
func (s *Store) ImportReadOnly(sourcePath string) (string, error) {
	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return "", fmt.Errorf("credential: read import source: %w", err)
	}
	dest := filepath.Join(s.dir, filepath.Base(sourcePath))
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("credential: mkdir managed dir: %w", err)
	}
	if err := os.WriteFile(dest, data, 0o600); err != nil {
		return "", fmt.Errorf("credential: write imported copy: %w", err)
	}
	return dest, nil
}

func inferProviderFromFilename(name string) string {
	// "<provider>_oauth_<n>.json"
	base := strings.TrimSuffix(name, ".json")
	idx := strings.Index(base, "_oauth_")
	if idx < 0 {
		return base
	}
	return base[:idx]
}

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
