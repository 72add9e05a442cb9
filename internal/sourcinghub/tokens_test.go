package sourcinghub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testCredentialSource() *StaticCredentialSource {
	return &StaticCredentialSource{
		Default: &TenantCredentials{
			DirectoryTenant: "contoso.onmicrosoft.com",
			ClientID:        "app_1",
			ClientSecret:    "s3cret",
			OrgURL:          "https://org.crm.example",
		},
	}
}

func TestTokenSharesOneExchangeAcrossConcurrentCallers(t *testing.T) {
	var exchanges int32
	mgr := NewTokenManager(TokenManagerOptions{
		Credentials: testCredentialSource(),
		Exchange: func(ctx context.Context, creds TenantCredentials) (TokenGrant, error) {
			atomic.AddInt32(&exchanges, 1)
			time.Sleep(20 * time.Millisecond)
			return TokenGrant{AccessToken: "tok_shared", ExpiresAt: time.Now().Add(time.Hour)}, nil
		},
	})

	const callers = 25
	tokens := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = mgr.Token(context.Background(), "tn_1")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if tokens[i] != "tok_shared" {
			t.Fatalf("caller %d got %q", i, tokens[i])
		}
	}
	if n := atomic.LoadInt32(&exchanges); n != 1 {
		t.Fatalf("expected one exchange for the burst, got %d", n)
	}
}

func TestTokenRefreshesInsideExpiryMargin(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	var exchanges int32
	mgr := NewTokenManager(TokenManagerOptions{
		Credentials: testCredentialSource(),
		Exchange: func(ctx context.Context, creds TenantCredentials) (TokenGrant, error) {
			n := atomic.AddInt32(&exchanges, 1)
			return TokenGrant{AccessToken: fmt.Sprintf("tok_%d", n), ExpiresAt: clock.Now().Add(5 * time.Minute)}, nil
		},
		Now: clock.Now,
	})
	ctx := context.Background()

	token, err := mgr.Token(ctx, "tn_1")
	if err != nil || token != "tok_1" {
		t.Fatalf("expected tok_1, got %q (%v)", token, err)
	}

	clock.Advance(3 * time.Minute)
	token, err = mgr.Token(ctx, "tn_1")
	if err != nil || token != "tok_1" {
		t.Fatalf("expected the cached token while it is still fresh, got %q (%v)", token, err)
	}
	if atomic.LoadInt32(&exchanges) != 1 {
		t.Fatalf("expected no refresh yet")
	}

	// 30s to expiry is inside the default 60s margin.
	clock.Advance(90 * time.Second)
	token, err = mgr.Token(ctx, "tn_1")
	if err != nil || token != "tok_2" {
		t.Fatalf("expected a refreshed token near expiry, got %q (%v)", token, err)
	}
	if atomic.LoadInt32(&exchanges) != 2 {
		t.Fatalf("expected a second exchange, got %d", exchanges)
	}
}

func TestInvalidateForcesFreshExchange(t *testing.T) {
	var exchanges int32
	mgr := NewTokenManager(TokenManagerOptions{
		Credentials: testCredentialSource(),
		Exchange: func(ctx context.Context, creds TenantCredentials) (TokenGrant, error) {
			n := atomic.AddInt32(&exchanges, 1)
			return TokenGrant{AccessToken: fmt.Sprintf("tok_%d", n), ExpiresAt: time.Now().Add(time.Hour)}, nil
		},
	})
	ctx := context.Background()

	if token, _ := mgr.Token(ctx, "tn_1"); token != "tok_1" {
		t.Fatalf("expected tok_1, got %q", token)
	}
	mgr.Invalidate("tn_1")
	if token, _ := mgr.Token(ctx, "tn_1"); token != "tok_2" {
		t.Fatalf("expected a fresh token after invalidation, got %q", token)
	}
}

func TestTokenIsolatesTenants(t *testing.T) {
	mgr := NewTokenManager(TokenManagerOptions{
		Credentials: testCredentialSource(),
		Exchange: func(ctx context.Context, creds TenantCredentials) (TokenGrant, error) {
			return TokenGrant{AccessToken: "tok_" + creds.TenantID, ExpiresAt: time.Now().Add(time.Hour)}, nil
		},
	})
	ctx := context.Background()

	a, err := mgr.Token(ctx, "tn_a")
	if err != nil {
		t.Fatalf("token for tn_a failed: %v", err)
	}
	b, err := mgr.Token(ctx, "tn_b")
	if err != nil {
		t.Fatalf("token for tn_b failed: %v", err)
	}
	if a != "tok_tn_a" || b != "tok_tn_b" {
		t.Fatalf("expected per-tenant tokens, got %q and %q", a, b)
	}

	mgr.Invalidate("tn_a")
	if token, _ := mgr.Token(ctx, "tn_b"); token != "tok_tn_b" {
		t.Fatalf("invalidating one tenant must not touch another, got %q", token)
	}
}

func TestTokenRejectsEmptyGrant(t *testing.T) {
	mgr := NewTokenManager(TokenManagerOptions{
		Credentials: testCredentialSource(),
		Exchange: func(ctx context.Context, creds TenantCredentials) (TokenGrant, error) {
			return TokenGrant{}, nil
		},
	})
	if _, err := mgr.Token(context.Background(), "tn_1"); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected an auth error for an empty grant, got %v", err)
	}
}

func TestTokenConfigurationErrors(t *testing.T) {
	ctx := context.Background()

	bare := NewTokenManager(TokenManagerOptions{})
	if _, err := bare.Token(ctx, "tn_1"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state without an exchange, got %v", err)
	}

	exchange := func(ctx context.Context, creds TenantCredentials) (TokenGrant, error) {
		return TokenGrant{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}
	noSource := NewTokenManager(TokenManagerOptions{Exchange: exchange})
	if _, err := noSource.Token(ctx, "tn_1"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state without credentials, got %v", err)
	}

	withSource := NewTokenManager(TokenManagerOptions{Exchange: exchange, Credentials: testCredentialSource()})
	if _, err := withSource.Token(ctx, "  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for a blank tenant, got %v", err)
	}
}

func TestStaticCredentialSourceLookup(t *testing.T) {
	source := &StaticCredentialSource{
		Default: &TenantCredentials{
			DirectoryTenant: "contoso.onmicrosoft.com",
			ClientID:        "shared_app",
			ClientSecret:    "shared_secret",
			OrgURL:          "https://shared.crm.example",
		},
		ByTenant: map[string]TenantCredentials{
			"tn_dedicated": {
				DirectoryTenant: "fabrikam.onmicrosoft.com",
				ClientID:        "dedicated_app",
				ClientSecret:    "dedicated_secret",
				OrgURL:          "https://fabrikam.crm.example",
			},
			"tn_partial": {ClientID: "half_configured"},
		},
	}

	creds, err := source.CredentialsFor("tn_dedicated")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if creds.ClientID != "dedicated_app" || creds.TenantID != "tn_dedicated" {
		t.Fatalf("expected the dedicated entry, got %+v", creds)
	}

	creds, err = source.CredentialsFor("tn_shared")
	if err != nil {
		t.Fatalf("fallback lookup failed: %v", err)
	}
	if creds.ClientID != "shared_app" || creds.TenantID != "tn_shared" {
		t.Fatalf("expected the default with the tenant substituted, got %+v", creds)
	}

	// An incomplete per-tenant entry falls through to the default.
	creds, err = source.CredentialsFor("tn_partial")
	if err != nil {
		t.Fatalf("partial lookup failed: %v", err)
	}
	if creds.ClientID != "shared_app" {
		t.Fatalf("expected the incomplete entry to be skipped, got %+v", creds)
	}

	empty := &StaticCredentialSource{}
	if _, err := empty.CredentialsFor("tn_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found without configuration, got %v", err)
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
