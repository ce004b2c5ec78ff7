// Package oauthmgr implements the OAuth Token Manager (C3): per-credential
// refresh, a proactive-refresh queue that coalesces concurrent refreshes,
// and a global re-authentication queue for credentials whose refresh token
// has died. The interactive browser flow itself is an external collaborator
// that drains ReauthQueue and calls ResolveReauth once a fresh refresh
// token has been installed.
package oauthmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/relayforge/llmgateway/internal/credential"
	"github.com/relayforge/llmgateway/internal/persist"
	gwerrors "github.com/relayforge/llmgateway/pkg/errors"
	"github.com/relayforge/llmgateway/pkg/types"
)

// ProactiveBuffer is how far ahead of expiry a token is refreshed in the
// background rather than on demand from GetAuthHeader.
const ProactiveBuffer = 5 * time.Minute

// MaxRefreshRetries bounds the retry/backoff loop in refreshLocked.
const MaxRefreshRetries = 3

// ErrNeedsReauth is returned when a credential's refresh token has died and
// the credential must go through the interactive re-authentication flow.
var ErrNeedsReauth = errors.New("oauthmgr: credential requires re-authentication")

// EndpointConfig describes a provider's OAuth token endpoint.
type EndpointConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	// OIDCIssuer, if set, lets the manager verify id_token signatures via
	// go-oidc discovery instead of trusting them unverified. Optional:
	// only unauthenticated metadata extraction is required here.
	OIDCIssuer string
}

// Manager is the C3 state owner, shared across every OAuth provider the
// engine has credentials for.
type Manager struct {
	store     *credential.Store
	writer    *persist.Writer
	stateDir  string // not used for writes; persist rewrites each credential at its own ID path
	endpoints map[string]EndpointConfig
	httpc     *http.Client
	logger    *slog.Logger

	proactiveBuffer time.Duration
	maxRetries      int

	mu          sync.Mutex
	credMutexes map[string]*sync.Mutex
	inFlight    map[string]chan struct{} // id -> refresh-in-progress signal, for coalescing
	reauth      map[string]bool

	oidcVerifiers map[string]*oidc.IDTokenVerifier
}

// New constructs a Manager. endpoints maps provider tag to its token
// endpoint configuration.
func New(store *credential.Store, writer *persist.Writer, stateDir string, endpoints map[string]EndpointConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:           store,
		writer:          writer,
		stateDir:        stateDir,
		endpoints:       endpoints,
		httpc:           &http.Client{Timeout: 30 * time.Second},
		logger:          logger,
		proactiveBuffer: ProactiveBuffer,
		maxRetries:      MaxRefreshRetries,
		credMutexes:     make(map[string]*sync.Mutex),
		inFlight:        make(map[string]chan struct{}),
		reauth:          make(map[string]bool),
		oidcVerifiers:   make(map[string]*oidc.IDTokenVerifier),
	}
}

// WithOIDCVerifier installs a verifier for provider's id_tokens, created by
// the caller from an oidc.Provider discovery document.
func (m *Manager) WithOIDCVerifier(provider string, v *oidc.IDTokenVerifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.oidcVerifiers[provider] = v
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.credMutexes[id]
	if !ok {
		l = &sync.Mutex{}
		m.credMutexes[id] = l
	}
	return l
}

// GetAuthHeader returns a valid "Bearer <token>" header for id. An expired
// token is refreshed on demand before returning; a token that expires
// within the proactive buffer is returned as is while a background
// refresh is enqueued via ProactivelyRefresh.
func (m *Manager) GetAuthHeader(ctx context.Context, id string) (string, error) {
	c, ok := m.store.Get(id)
	if !ok {
		return "", fmt.Errorf("oauthmgr: unknown credential %q", id)
	}
	if c.Kind == types.CredentialStatic {
		return "Bearer " + c.StaticKey, nil
	}

	if m.isQueuedForReauth(id) {
		return "", ErrNeedsReauth
	}

	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	c, _ = m.store.Get(id) // re-read under lock in case a refresh just landed
	remaining := time.Until(c.ExpiresAt)
	if remaining > m.proactiveBuffer {
		return "Bearer " + c.AccessToken, nil
	}
	if remaining > 0 && c.AccessToken != "" {
		m.ProactivelyRefresh(context.Background(), id)
		return "Bearer " + c.AccessToken, nil
	}

	if err := m.refreshLocked(ctx, id, c); err != nil {
		return "", err
	}
	c, _ = m.store.Get(id)
	return "Bearer " + c.AccessToken, nil
}

// IsAvailable reports whether id can currently be used: not queued for
// re-auth, and either fresh or refreshable.
func (m *Manager) IsAvailable(id string) bool {
	if m.isQueuedForReauth(id) {
		return false
	}
	c, ok := m.store.Get(id)
	if !ok {
		return false
	}
	if c.Kind == types.CredentialStatic {
		return true
	}
	return c.RefreshToken != "" || time.Until(c.ExpiresAt) > 0
}

// ProactivelyRefresh enqueues a background refresh for id if one is not
// already in flight, coalescing concurrent callers onto the same attempt.
func (m *Manager) ProactivelyRefresh(ctx context.Context, id string) {
	m.mu.Lock()
	if _, inFlight := m.inFlight[id]; inFlight {
		m.mu.Unlock()
		return
	}
	done := make(chan struct{})
	m.inFlight[id] = done
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.inFlight, id)
			m.mu.Unlock()
			close(done)
		}()

		lock := m.lockFor(id)
		lock.Lock()
		defer lock.Unlock()

		c, ok := m.store.Get(id)
		if !ok {
			return
		}
		if time.Until(c.ExpiresAt) > m.proactiveBuffer {
			return // another waiter's on-demand refresh already won
		}
		if err := m.refreshLocked(ctx, id, c); err != nil {
			m.logger.Warn("oauthmgr: proactive refresh failed", "id", id, "error", err)
		}
	}()
}

// Refresh forces a synchronous refresh of id, serialized on its
// per-credential lock. Exported for callers (e.g. a reconciliation job)
// that want to wait for the result.
func (m *Manager) Refresh(ctx context.Context, id string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	c, ok := m.store.Get(id)
	if !ok {
		return fmt.Errorf("oauthmgr: unknown credential %q", id)
	}
	return m.refreshLocked(ctx, id, c)
}

// refreshLocked performs the token-endpoint exchange with retry/backoff,
// persists the result before the in-memory record is swapped so a crash
// between the two never leaves a stale cached token, and enqueues re-auth
// on an unrecoverable failure. Caller holds the credential's lock.
func (m *Manager) refreshLocked(ctx context.Context, id string, c *types.Credential) error {
	ep, ok := m.endpoints[c.Provider]
	if !ok {
		return fmt.Errorf("oauthmgr: no oauth endpoint configured for provider %q", c.Provider)
	}
	cfg := oauth2.Config{
		ClientID:     ep.ClientID,
		ClientSecret: ep.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: ep.TokenURL},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpc)
	ts := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: c.RefreshToken})

	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt < m.maxRetries; attempt++ {
		tok, err := ts.Token()
		if err == nil {
			return m.applyRefreshedToken(ctx, id, c, tok)
		}
		lastErr = err

		kind, retryAfter := classifyOAuthError(err)
		if kind == gwerrors.KindAuthentication {
			m.enqueueReauth(id)
			return ErrNeedsReauth
		}
		wait := backoff
		if retryAfter > 0 {
			wait = retryAfter
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
	}
	m.logger.Error("oauthmgr: refresh exhausted retries", "id", id, "error", lastErr)
	return fmt.Errorf("oauthmgr: refresh %s: %w", id, lastErr)
}

func (m *Manager) applyRefreshedToken(ctx context.Context, id string, c *types.Credential, tok *oauth2.Token) error {
	updated := *c
	updated.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		updated.RefreshToken = tok.RefreshToken
	}
	updated.ExpiresAt = tok.Expiry

	if idTok, ok := tok.Extra("id_token").(string); ok && idTok != "" {
		updated.IDToken = idTok
		if email, accountID, err := m.extractIDTokenMetadata(ctx, c.Provider, idTok); err == nil {
			if email != "" {
				updated.Email = email
			}
			if accountID != "" {
				updated.AccountID = accountID
			}
		}
	}

	if !updated.Proxy.LoadedFromEnv {
		m.persist(&updated)
	}
	m.store.Put(&updated)
	return nil
}

// extractIDTokenMetadata decodes email/account-id/expiry from an id_token.
// If an OIDC verifier is configured for the provider, signature
// verification runs first; otherwise this is the unauthenticated
// base64url decode that is safe for metadata-only use.
func (m *Manager) extractIDTokenMetadata(ctx context.Context, provider, idToken string) (email, accountID string, err error) {
	m.mu.Lock()
	verifier := m.oidcVerifiers[provider]
	m.mu.Unlock()

	var claims jwt.MapClaims
	if verifier != nil {
		idTok, verr := verifier.Verify(ctx, idToken)
		if verr == nil {
			var c struct {
				Email   string `json:"email"`
				Subject string `json:"sub"`
			}
			if cerr := idTok.Claims(&c); cerr == nil {
				return c.Email, c.Subject, nil
			}
		}
		// Fall through to unverified parse on verifier failure; metadata
		// extraction doesn't require the signature to be valid.
	}

	parser := jwt.NewParser()
	token, _, perr := parser.ParseUnverified(idToken, &claims)
	if perr != nil || token == nil {
		return "", "", fmt.Errorf("oauthmgr: parse id_token: %w", perr)
	}
	if v, ok := claims["email"].(string); ok {
		email = v
	}
	if v, ok := claims["sub"].(string); ok {
		accountID = v
	}
	return email, accountID, nil
}

// persist writes the OAuth credential fields through the resilient writer,
// in the on-disk oauth-file schema.
func (m *Manager) persist(c *types.Credential) {
	if m.writer == nil {
		return
	}
	path := c.ID
	doc := map[string]any{
		"access_token":  c.AccessToken,
		"refresh_token": c.RefreshToken,
		"expiry_date":   c.ExpiresAt.UnixMilli(),
		"_proxy_metadata": map[string]any{
			"email":                 c.Email,
			"account_id":            c.AccountID,
			"last_check_timestamp":  time.Now().UnixMilli(),
			"loaded_from_env":       c.Proxy.LoadedFromEnv,
			"env_credential_index":  c.Proxy.EnvCredentialIdx,
		},
	}
	if c.IDToken != "" {
		doc["id_token"] = c.IDToken
	}
	m.writer.WriteAsync(path, doc)
}

func (m *Manager) enqueueReauth(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.reauth[id] {
		m.reauth[id] = true
		m.logger.Warn("oauthmgr: credential enqueued for re-authentication", "id", id)
	}
}

func (m *Manager) isQueuedForReauth(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reauth[id]
}

// ReauthQueue returns the ids currently awaiting interactive
// re-authentication, for the external enrollment collaborator to drain.
// Re-authentication is serialized globally through a single interactive
// flow coordinator.
func (m *Manager) ReauthQueue() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.reauth))
	for id, pending := range m.reauth {
		if pending {
			out = append(out, id)
		}
	}
	return out
}

// ResolveReauth clears id from the re-auth queue after the external flow
// has installed a fresh refresh token into the store.
func (m *Manager) ResolveReauth(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reauth, id)
}

// MarkAuthFailure is called by the dispatch executor when an upstream
// 401/403 is observed for id. Static-key credentials are a no-op: there is
// no refresh token to revive.
func (m *Manager) MarkAuthFailure(id string) {
	c, ok := m.store.Get(id)
	if !ok || c.Kind != types.CredentialOAuth {
		return
	}
	m.enqueueReauth(id)
}

// classifyOAuthError inspects an oauth2 token-exchange error for the
// signals worth calling out: 400 invalid_grant or 401/403 means the
// refresh token is dead; 429 carries an optional Retry-After.
func classifyOAuthError(err error) (gwerrors.Kind, time.Duration) {
	var rErr *oauth2.RetrieveError
	if !asRetrieveError(err, &rErr) {
		return gwerrors.KindServerError, 0
	}
	switch rErr.Response.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return gwerrors.KindAuthentication, 0
	case http.StatusBadRequest:
		var body struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(rErr.Body, &body) == nil && body.Error == "invalid_grant" {
			return gwerrors.KindAuthentication, 0
		}
		return gwerrors.KindServerError, 0
	case http.StatusTooManyRequests:
		if ra := rErr.Response.Header.Get("Retry-After"); ra != "" {
			if secs := parseRetryAfterSeconds(ra); secs > 0 {
				return gwerrors.KindRateLimit, time.Duration(secs) * time.Second
			}
		}
		return gwerrors.KindRateLimit, 0
	default:
		return gwerrors.KindServerError, 0
	}
}

func asRetrieveError(err error, target **oauth2.RetrieveError) bool {
	for err != nil {
		if rErr, ok := err.(*oauth2.RetrieveError); ok {
			*target = rErr
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func parseRetryAfterSeconds(v string) int {
	var n int
	for _, r := range v {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
