package sourcinghub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const dataverseAPIVersion = "v9.2"

type DataverseClientOptions struct {
	Credentials CredentialSource
	HTTPClient  *http.Client
	// LoginBaseURL overrides the identity endpoint, used by tests.
	LoginBaseURL string
	Timeout      time.Duration
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	PageSize     int
	TokenMargin  time.Duration
	Logger       *slog.Logger
}

// DataverseClient reads rows, table metadata, and caller identity from a
// Dataverse-style OData endpoint. One client serves every tenant; tokens are
// cached per tenant and refreshed on expiry or rejection.
type DataverseClient struct {
	httpClient *http.Client
	tokens     *TokenManager
	creds      CredentialSource
	loginBase  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	pageSize   int
	logger     *slog.Logger
}

func NewDataverseClient(opts DataverseClientOptions) *DataverseClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 200
	}
	loginBase := strings.TrimRight(strings.TrimSpace(opts.LoginBaseURL), "/")
	if loginBase == "" {
		loginBase = "https://login.microsoftonline.com"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &DataverseClient{
		httpClient: httpClient,
		creds:      opts.Credentials,
		loginBase:  loginBase,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		pageSize:   pageSize,
		logger:     logger,
	}
	c.tokens = NewTokenManager(TokenManagerOptions{
		Credentials:  opts.Credentials,
		Exchange:     c.exchangeToken,
		ExpiryMargin: opts.TokenMargin,
	})
	return c
}

// Tokens exposes the token manager, mainly so callers can invalidate a
// tenant's grant out of band.
func (c *DataverseClient) Tokens() *TokenManager { return c.tokens }

type tokenEndpointResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// exchangeToken performs the OAuth2 client-credentials exchange against the
// tenant's directory.
func (c *DataverseClient) exchangeToken(ctx context.Context, creds TenantCredentials) (TokenGrant, error) {
	form := url.Values{}
	form.Set("client_id", creds.ClientID)
	form.Set("client_secret", creds.ClientSecret)
	form.Set("grant_type", "client_credentials")
	form.Set("scope", strings.TrimRight(creds.OrgURL, "/")+"/.default")

	endpoint := fmt.Sprintf("%s/%s/oauth2/v2.0/token", c.loginBase, creds.DirectoryTenant)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenGrant{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return TokenGrant{}, ctx.Err()
		}
		return TokenGrant{}, fmt.Errorf("%w: token endpoint unreachable: %v", ErrTransientRemote, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet := readBodySnippet(resp.Body)
		switch resp.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return TokenGrant{}, fmt.Errorf("%w: token endpoint returned %d: %s", ErrAuth, resp.StatusCode, snippet)
		default:
			return TokenGrant{}, &RemoteError{
				StatusCode: resp.StatusCode,
				Code:       "token_exchange_failed",
				Message:    snippet,
				Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			}
		}
	}
	var body tokenEndpointResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return TokenGrant{}, fmt.Errorf("%w: malformed token response: %v", ErrAuth, err)
	}
	if body.AccessToken == "" {
		return TokenGrant{}, fmt.Errorf("%w: token response had no access token", ErrAuth)
	}
	expiresIn := body.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	c.logger.Debug("token acquired", "tenant", creds.TenantID, "expiresIn", expiresIn)
	return TokenGrant{
		AccessToken: body.AccessToken,
		ExpiresAt:   time.Now().Add(time.Duration(expiresIn) * time.Second),
	}, nil
}

type odataListResponse struct {
	Value    []map[string]any `json:"value"`
	NextLink string           `json:"@odata.nextLink"`
}

func (c *DataverseClient) QueryPage(ctx context.Context, tenantID string, query RemoteQuery) (RemotePage, error) {
	pageSize := query.PageSize
	if pageSize <= 0 {
		pageSize = c.pageSize
	}
	target := query.NextLink
	if target == "" {
		base, err := c.orgBase(tenantID)
		if err != nil {
			return RemotePage{}, err
		}
		params := url.Values{}
		if len(query.Columns) > 0 {
			params.Set("$select", strings.Join(query.Columns, ","))
		}
		params.Set("$orderby", "modifiedon asc")
		filter := "(modifiedon ne null)"
		if strings.TrimSpace(query.Since) != "" {
			filter += fmt.Sprintf(" and (modifiedon gt %s)", strings.TrimSpace(query.Since))
		}
		params.Set("$filter", filter)
		target = fmt.Sprintf("%s/api/data/%s/%s?%s", base, dataverseAPIVersion, query.EntitySet, params.Encode())
	}
	headers := map[string]string{
		"Prefer": fmt.Sprintf("odata.maxpagesize=%d", pageSize),
	}
	var body odataListResponse
	if err := c.doJSON(ctx, tenantID, http.MethodGet, target, headers, &body); err != nil {
		return RemotePage{}, err
	}
	return RemotePage{Records: body.Value, NextLink: body.NextLink}, nil
}

type entityDefinitionBody struct {
	LogicalName          string `json:"LogicalName"`
	EntitySetName        string `json:"EntitySetName"`
	PrimaryIDAttribute   string `json:"PrimaryIdAttribute"`
	PrimaryNameAttribute string `json:"PrimaryNameAttribute"`
}

func (d entityDefinitionBody) toDefinition() RemoteTableDefinition {
	return RemoteTableDefinition{
		LogicalName:          d.LogicalName,
		EntitySetName:        d.EntitySetName,
		PrimaryIDAttribute:   d.PrimaryIDAttribute,
		PrimaryNameAttribute: d.PrimaryNameAttribute,
	}
}

func (c *DataverseClient) TableDefinition(ctx context.Context, tenantID, table string) (RemoteTableDefinition, error) {
	base, err := c.orgBase(tenantID)
	if err != nil {
		return RemoteTableDefinition{}, err
	}
	target := fmt.Sprintf("%s/api/data/%s/EntityDefinitions(LogicalName='%s')?$select=LogicalName,EntitySetName,PrimaryIdAttribute,PrimaryNameAttribute",
		base, dataverseAPIVersion, url.PathEscape(table))
	var body entityDefinitionBody
	if err := c.doJSON(ctx, tenantID, http.MethodGet, target, nil, &body); err != nil {
		return RemoteTableDefinition{}, err
	}
	return body.toDefinition(), nil
}

func (c *DataverseClient) ListTableDefinitions(ctx context.Context, tenantID string) ([]RemoteTableDefinition, error) {
	base, err := c.orgBase(tenantID)
	if err != nil {
		return nil, err
	}
	target := fmt.Sprintf("%s/api/data/%s/EntityDefinitions?$select=LogicalName,EntitySetName,PrimaryIdAttribute,PrimaryNameAttribute",
		base, dataverseAPIVersion)
	var body struct {
		Value []entityDefinitionBody `json:"value"`
	}
	if err := c.doJSON(ctx, tenantID, http.MethodGet, target, nil, &body); err != nil {
		return nil, err
	}
	defs := make([]RemoteTableDefinition, 0, len(body.Value))
	for _, d := range body.Value {
		if d.LogicalName == "" || d.EntitySetName == "" {
			continue
		}
		defs = append(defs, d.toDefinition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].LogicalName < defs[j].LogicalName })
	return defs, nil
}

func (c *DataverseClient) WhoAmI(ctx context.Context, tenantID string) (RemoteIdentity, error) {
	base, err := c.orgBase(tenantID)
	if err != nil {
		return RemoteIdentity{}, err
	}
	var body struct {
		UserID         string `json:"UserId"`
		BusinessUnitID string `json:"BusinessUnitId"`
		OrganizationID string `json:"OrganizationId"`
	}
	target := fmt.Sprintf("%s/api/data/%s/WhoAmI", base, dataverseAPIVersion)
	if err := c.doJSON(ctx, tenantID, http.MethodGet, target, nil, &body); err != nil {
		return RemoteIdentity{}, err
	}
	return RemoteIdentity{
		UserID:         body.UserID,
		BusinessUnitID: body.BusinessUnitID,
		OrganizationID: body.OrganizationID,
	}, nil
}

func (c *DataverseClient) orgBase(tenantID string) (string, error) {
	if c.creds == nil {
		return "", fmt.Errorf("%w: no credential source configured", ErrInvalidState)
	}
	creds, err := c.creds.CredentialsFor(tenantID)
	if err != nil {
		return "", err
	}
	base := strings.TrimRight(strings.TrimSpace(creds.OrgURL), "/")
	if base == "" {
		return "", fmt.Errorf("%w: tenant %s has no organization url", ErrInvalidInput, tenantID)
	}
	return base, nil
}

// doJSON issues one authenticated request with bounded retries. Rate limits
// and upstream outages back off honoring Retry-After; a rejected token is
// refreshed and retried exactly once before the auth error surfaces.
func (c *DataverseClient) doJSON(ctx context.Context, tenantID, method, target string, headers map[string]string, out any) error {
	authRetried := false
	for attempt := 0; ; attempt++ {
		token, err := c.tokens.Token(ctx, tenantID)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, method, target, nil)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("OData-MaxVersion", "4.0")
		req.Header.Set("OData-Version", "4.0")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt < c.maxRetries {
				if serr := sleepContext(ctx, c.backoffDelay(attempt)); serr != nil {
					return serr
				}
				continue
			}
			return fmt.Errorf("%w: %v", ErrTransientRemote, err)
		}

		if resp.StatusCode == http.StatusOK {
			err := json.NewDecoder(resp.Body).Decode(out)
			resp.Body.Close()
			if err != nil {
				return fmt.Errorf("%w: malformed response: %v", ErrTransientRemote, err)
			}
			return nil
		}
		if resp.StatusCode == http.StatusNoContent {
			resp.Body.Close()
			return nil
		}

		retryAfter := resp.Header.Get("Retry-After")
		code, message := readODataError(resp)

		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			if !authRetried {
				authRetried = true
				c.tokens.Invalidate(tenantID)
				c.logger.Debug("token rejected, refreshing", "tenant", tenantID, "status", resp.StatusCode)
				continue
			}
			return &RemoteError{StatusCode: resp.StatusCode, Code: code, Message: message}
		case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			if attempt < c.maxRetries {
				delay := parseRetryAfterHeader(retryAfter, c.backoffDelay(attempt), c.maxDelay)
				c.logger.Warn("remote throttled, backing off",
					"tenant", tenantID, "status", resp.StatusCode, "delay", delay)
				if serr := sleepContext(ctx, delay); serr != nil {
					return serr
				}
				continue
			}
			return &RemoteError{StatusCode: resp.StatusCode, Code: code, Message: message, Retryable: true}
		default:
			return &RemoteError{
				StatusCode: resp.StatusCode,
				Code:       code,
				Message:    message,
				Retryable:  resp.StatusCode >= 500,
			}
		}
	}
}

func (c *DataverseClient) backoffDelay(attempt int) time.Duration {
	delay := c.baseDelay << uint(attempt)
	if delay > c.maxDelay || delay <= 0 {
		delay = c.maxDelay
	}
	return delay
}

// readODataError drains an error response and extracts the OData error code
// and message when the body carries one.
func readODataError(resp *http.Response) (string, string) {
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || len(raw) == 0 {
		return "", resp.Status
	}
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error.Message != "" {
		return body.Error.Code, body.Error.Message
	}
	return "", strings.TrimSpace(string(raw))
}

func readBodySnippet(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 2048))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// parseRetryAfterHeader honors both delta-seconds and HTTP-date forms,
// clamped to max.
func parseRetryAfterHeader(value string, fallback, max time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(value); err == nil && secs >= 0 {
		delay := time.Duration(secs) * time.Second
		if delay > max {
			return max
		}
		return delay
	}
	if at, err := http.ParseTime(value); err == nil {
		delay := time.Until(at)
		if delay <= 0 {
			return fallback
		}
		if delay > max {
			return max
		}
		return delay
	}
	return fallback
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
