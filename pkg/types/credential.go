package types

import "time"

// CredentialKind distinguishes static API keys from OAuth-backed accounts.
type CredentialKind string

const (
	CredentialStatic CredentialKind = "static"
	CredentialOAuth  CredentialKind = "oauth"
)

// Credential is the identity of a single upstream account or key. OAuth
// fields are owned exclusively by internal/oauthmgr; every other field is
// owned by internal/credential.
type Credential struct {
	// ID is the stable identifier: a filesystem path for file-backed
	// credentials or an env://provider/N URI for environment-backed ones.
	ID       string
	Provider string
	Kind     CredentialKind

	// OAuth fields, present only when Kind == CredentialOAuth.
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresAt    time.Time
	AccountID    string
	Email        string
	ProjectID    string
	Tier         string

	// StaticKey holds the bearer key for Kind == CredentialStatic.
	StaticKey string

	Proxy ProxyMetadata
}

// ProxyMetadata is informational bookkeeping about where a credential
// record came from, never used for authorization decisions.
type ProxyMetadata struct {
	Email            string
	LastCheck        time.Time
	LoadedFromEnv    bool
	EnvCredentialIdx int
}

// DedupeKey returns the (provider, email-or-account-id) key the store
// uses to drop duplicate credentials.
func (c *Credential) DedupeKey() string {
	id := c.AccountID
	if id == "" {
		id = c.Email
	}
	if id == "" {
		id = c.ID
	}
	return c.Provider + "|" + id
}
