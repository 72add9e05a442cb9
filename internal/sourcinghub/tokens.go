package sourcinghub

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// TenantCredentials is the client-credentials grant material for one tenant.
// Secrets live in memory only and are never written to persisted state.
type TenantCredentials struct {
	TenantID        string
	DirectoryTenant string
	ClientID        string
	ClientSecret    string
	OrgURL          string
}

func (c TenantCredentials) complete() bool {
	return c.DirectoryTenant != "" && c.ClientID != "" && c.ClientSecret != "" && c.OrgURL != ""
}

type CredentialSource interface {
	CredentialsFor(tenantID string) (TenantCredentials, error)
}

// StaticCredentialSource serves credentials from configuration. A per-tenant
// entry wins; otherwise Default is used with the tenant id substituted, which
// covers single-directory deployments where every tenant shares one app
// registration.
type StaticCredentialSource struct {
	Default  *TenantCredentials
	ByTenant map[string]TenantCredentials
}

func (s *StaticCredentialSource) CredentialsFor(tenantID string) (TenantCredentials, error) {
	tenantID = strings.TrimSpace(tenantID)
	if s != nil {
		if creds, ok := s.ByTenant[tenantID]; ok && creds.complete() {
			creds.TenantID = tenantID
			return creds, nil
		}
		if s.Default != nil && s.Default.complete() {
			creds := *s.Default
			creds.TenantID = tenantID
			return creds, nil
		}
	}
	return TenantCredentials{}, fmt.Errorf("%w: no credentials configured for tenant %s", ErrNotFound, tenantID)
}

// TokenGrant is one issued access token and its absolute expiry.
type TokenGrant struct {
	AccessToken string
	ExpiresAt   time.Time
}

// TokenExchangeFunc performs the client-credentials exchange for one tenant.
type TokenExchangeFunc func(ctx context.Context, creds TenantCredentials) (TokenGrant, error)

type TokenManagerOptions struct {
	Credentials  CredentialSource
	Exchange     TokenExchangeFunc
	ExpiryMargin time.Duration
	Now          func() time.Time
}

// TokenManager caches one access token per tenant and refreshes it when the
// token is missing, expiring within the margin, or explicitly invalidated.
// Concurrent callers for the same tenant share a single exchange; tenants
// never block each other.
type TokenManager struct {
	creds    CredentialSource
	exchange TokenExchangeFunc
	margin   time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*tokenEntry
}

type tokenEntry struct {
	refreshMu sync.Mutex

	grantMu sync.Mutex
	grant   TokenGrant
}

func NewTokenManager(opts TokenManagerOptions) *TokenManager {
	margin := opts.ExpiryMargin
	if margin <= 0 {
		margin = 60 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &TokenManager{
		creds:    opts.Credentials,
		exchange: opts.Exchange,
		margin:   margin,
		now:      now,
		entries:  map[string]*tokenEntry{},
	}
}

func (m *TokenManager) entry(tenantID string) *tokenEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[tenantID]
	if !ok {
		e = &tokenEntry{}
		m.entries[tenantID] = e
	}
	return e
}

// Token returns a valid access token for the tenant, exchanging credentials
// only when the cached grant is unusable.
func (m *TokenManager) Token(ctx context.Context, tenantID string) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return "", fmt.Errorf("%w: tenant id is required", ErrInvalidInput)
	}
	if m.exchange == nil {
		return "", fmt.Errorf("%w: no token exchange configured", ErrInvalidState)
	}
	e := m.entry(tenantID)

	e.grantMu.Lock()
	grant := e.grant
	e.grantMu.Unlock()
	if m.usable(grant) {
		return grant.AccessToken, nil
	}

	// Serialize refresh per tenant. The double check keeps late arrivals from
	// repeating an exchange that already succeeded.
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()
	e.grantMu.Lock()
	grant = e.grant
	e.grantMu.Unlock()
	if m.usable(grant) {
		return grant.AccessToken, nil
	}

	creds, err := m.credentialsFor(tenantID)
	if err != nil {
		return "", err
	}
	fresh, err := m.exchange(ctx, creds)
	if err != nil {
		return "", err
	}
	if fresh.AccessToken == "" {
		return "", fmt.Errorf("%w: token endpoint returned an empty access token", ErrAuth)
	}
	e.grantMu.Lock()
	e.grant = fresh
	e.grantMu.Unlock()
	return fresh.AccessToken, nil
}

// Invalidate drops the cached grant so the next Token call performs a fresh
// exchange. Used after the remote rejects a token mid-lifetime.
func (m *TokenManager) Invalidate(tenantID string) {
	e := m.entry(strings.TrimSpace(tenantID))
	e.grantMu.Lock()
	e.grant = TokenGrant{}
	e.grantMu.Unlock()
}

func (m *TokenManager) credentialsFor(tenantID string) (TenantCredentials, error) {
	if m.creds == nil {
		return TenantCredentials{}, fmt.Errorf("%w: no credential source configured", ErrInvalidState)
	}
	creds, err := m.creds.CredentialsFor(tenantID)
	if err != nil {
		return TenantCredentials{}, err
	}
	if !creds.complete() {
		return TenantCredentials{}, fmt.Errorf("%w: incomplete credentials for tenant %s", ErrInvalidInput, tenantID)
	}
	return creds, nil
}

func (m *TokenManager) usable(grant TokenGrant) bool {
	if grant.AccessToken == "" {
		return false
	}
	return m.now().Add(m.margin).Before(grant.ExpiresAt)
}
