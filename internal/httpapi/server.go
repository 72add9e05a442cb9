package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/sourcinghub/internal/sourcinghub"
)

type ServerConfig struct {
	JWTSecret          string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
}

type Server struct {
	store              *sourcinghub.Store
	cfg                ServerConfig
	rateLimiter        *rateLimiter
	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store *sourcinghub.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *sourcinghub.Store, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = "dev-internal-secret"
	}
	if cfg.InternalMaxSkew == 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 8 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:              store,
		cfg:                cfg,
		rateLimiter:        limiter,
		internalReplaySeen: map[string]time.Time{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/dashboard" {
		s.handleDashboard(w, r)
		return
	}

	if r.URL.Path == "/v1/internal/outbox-submissions" && r.Method == http.MethodPost {
		s.handleInternalOutboxSubmission(w, r)
		return
	}
	if r.URL.Path == "/v1/admin/backends" && r.Method == http.MethodGet {
		s.handleAdminBackends(w, r)
		return
	}
	if r.URL.Path == "/v1/admin/events" && r.Method == http.MethodGet {
		s.handleAdminEvents(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "tenants" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	tenantID := parts[2]

	var requiredScope string
	var route string
	switch {
	case len(parts) == 4 && parts[3] == "tables" && r.Method == http.MethodPut:
		requiredScope = "tables:write"
		route = "register_tables"
	case len(parts) == 4 && parts[3] == "tables" && r.Method == http.MethodGet:
		requiredScope = "tables:read"
		route = "list_tables"
	case len(parts) == 4 && parts[3] == "poll" && r.Method == http.MethodPost:
		requiredScope = "sync:run"
		route = "poll"
	case len(parts) == 4 && parts[3] == "sync" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "sync_overview"
	case len(parts) == 4 && parts[3] == "discovery" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "discovery"
	case len(parts) == 4 && parts[3] == "connectivity" && r.Method == http.MethodPost:
		requiredScope = "sync:run"
		route = "connectivity"
	case len(parts) == 6 && parts[3] == "tables" && parts[5] == "rows" && r.Method == http.MethodGet:
		requiredScope = "rows:read"
		route = "rows"
	case len(parts) == 6 && parts[3] == "tables" && parts[5] == "rows.csv" && r.Method == http.MethodGet:
		requiredScope = "rows:read"
		route = "rows_csv"
	case len(parts) == 4 && parts[3] == "submissions" && r.Method == http.MethodPost:
		requiredScope = "submissions:write"
		route = "submit"
	case len(parts) == 4 && parts[3] == "submissions" && r.Method == http.MethodGet:
		requiredScope = "submissions:read"
		route = "list_submissions"
	case len(parts) == 5 && parts[3] == "submissions" && r.Method == http.MethodGet:
		requiredScope = "submissions:read"
		route = "submission"
	case len(parts) == 6 && parts[3] == "submissions" && parts[5] == "retry" && r.Method == http.MethodPost:
		requiredScope = "submissions:write"
		route = "submission_retry"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, tenantID, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		key := tenantID + "|" + claims.ClientName
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "register_tables":
		s.handleRegisterTables(w, r, tenantID, correlationID)
	case "list_tables":
		s.handleListTables(w, r, tenantID, correlationID)
	case "poll":
		s.handlePoll(w, r, tenantID, correlationID)
	case "sync_overview":
		s.handleSyncOverview(w, r, tenantID, correlationID)
	case "discovery":
		s.handleDiscovery(w, r, tenantID, correlationID)
	case "connectivity":
		s.handleConnectivity(w, r, tenantID, correlationID)
	case "rows":
		s.handleRows(w, r, tenantID, parts[4], correlationID)
	case "rows_csv":
		s.handleRowsCSV(w, r, tenantID, parts[4], correlationID)
	case "submit":
		s.handleSubmit(w, r, tenantID, correlationID)
	case "list_submissions":
		s.handleListSubmissions(w, r, tenantID, correlationID)
	case "submission":
		s.handleGetSubmission(w, r, tenantID, parts[4], correlationID)
	case "submission_retry":
		s.handleRetrySubmission(w, r, tenantID, parts[4], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// handleInternalOutboxSubmission accepts submission bundles pushed by the
// outbox agent. The agent authenticates with a timestamped HMAC instead of a
// bearer token.
func (s *Server) handleInternalOutboxSubmission(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := time.Now().UTC()
	if authErr := verifyInternalHMAC(
		s.cfg.InternalHMACSecret,
		r.Header.Get("X-Hub-Timestamp"),
		r.Header.Get("X-Hub-Signature"),
		body,
		now,
		s.cfg.InternalMaxSkew,
	); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markInternalReplaySeen(r.Header.Get("X-Hub-Timestamp"), r.Header.Get("X-Hub-Signature"), now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
		return
	}

	var req struct {
		TenantID      string                   `json:"tenantId"`
		SubmissionID  string                   `json:"submissionId"`
		Route         string                   `json:"route"`
		Answers       map[string]any           `json:"answers"`
		Attachments   []sourcinghub.Attachment `json:"attachments"`
		CorrelationID string                   `json:"correlationId"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = correlationID
	}
	pkg, err := s.store.Submit(r.Context(), req.TenantID, sourcinghub.SubmitRequest{
		SubmissionID:  req.SubmissionID,
		Route:         req.Route,
		Answers:       req.Answers,
		Attachments:   req.Attachments,
		CorrelationID: req.CorrelationID,
	})
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, pkg)
}

func (s *Server) handleAdminBackends(w http.ResponseWriter, r *http.Request) {
	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "", "", time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	if !hasAnyScope(claims.Scopes, "admin:read") {
		writeError(w, http.StatusForbidden, "forbidden", "missing required scope: admin:read", getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	writeJSON(w, http.StatusOK, s.store.GetBackendStatus())
}

// handleAdminEvents serves the hub event feed. A plain GET returns the recent
// window; an Upgrade request streams live events over a websocket after the
// recent window is replayed.
func (s *Server) handleAdminEvents(w http.ResponseWriter, r *http.Request) {
	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, "", "", time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	if !hasAnyScope(claims.Scopes, "admin:read") {
		writeError(w, http.StatusForbidden, "forbidden", "missing required scope: admin:read", getCorrelationID(r))
		return
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)

	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		correlationID := getCorrelationID(r)
		if correlationID == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": s.store.RecentEvents(limit)})
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	events, cancel := s.store.Subscribe(64)
	defer cancel()

	for _, event := range s.store.RecentEvents(limit) {
		if err := wsjson.Write(ctx, conn, event); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := wsjson.Write(ctx, conn, event); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleRegisterTables(w http.ResponseWriter, r *http.Request, tenantID, correlationID string) {
	var body struct {
		Tables []string `json:"tables"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	tables, err := s.store.RegisterTables(tenantID, body.Tables)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenantId": tenantID, "tables": tables})
}

func (s *Server) handleListTables(w http.ResponseWriter, _ *http.Request, tenantID, correlationID string) {
	_ = correlationID
	writeJSON(w, http.StatusOK, map[string]any{"tenantId": tenantID, "tables": s.store.ListTables(tenantID)})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request, tenantID, correlationID string) {
	forceFull, err := parseOptionalBool(r.URL.Query().Get("full"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid full parameter", correlationID)
		return
	}
	results, err := s.store.Poll(r.Context(), tenantID, sourcinghub.PollOptions{
		Table:         r.URL.Query().Get("table"),
		ForceFull:     forceFull,
		Since:         r.URL.Query().Get("since"),
		CorrelationID: correlationID,
	})
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenantId": tenantID, "tables": results})
}

func (s *Server) handleSyncOverview(w http.ResponseWriter, _ *http.Request, tenantID, correlationID string) {
	_ = correlationID
	writeJSON(w, http.StatusOK, s.store.GetSyncOverview(tenantID))
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request, tenantID, correlationID string) {
	defs, err := s.store.DiscoverTables(r.Context(), tenantID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenantId": tenantID, "tables": defs})
}

func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request, tenantID, correlationID string) {
	result, err := s.store.TestConnection(r.Context(), tenantID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":             true,
		"tenantId":       tenantID,
		"userId":         result.UserID,
		"businessUnitId": result.BusinessUnitID,
		"organizationId": result.OrganizationID,
	})
}

func (s *Server) handleRows(w http.ResponseWriter, r *http.Request, tenantID, table, correlationID string) {
	_ = correlationID
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	rows := s.store.ReadRows(tenantID, table, limit, r.URL.Query().Get("since"))
	writeJSON(w, http.StatusOK, map[string]any{
		"tenantId": tenantID,
		"table":    table,
		"count":    len(rows),
		"rows":     rows,
	})
}

func (s *Server) handleRowsCSV(w http.ResponseWriter, _ *http.Request, tenantID, table, correlationID string) {
	data, err := s.store.ExportRowsCSV(tenantID, table)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", table+".csv"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, tenantID, correlationID string) {
	var body struct {
		SubmissionID string                   `json:"submissionId"`
		Route        string                   `json:"route"`
		Answers      map[string]any           `json:"answers"`
		Attachments  []sourcinghub.Attachment `json:"attachments"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	pkg, err := s.store.Submit(r.Context(), tenantID, sourcinghub.SubmitRequest{
		SubmissionID:  body.SubmissionID,
		Route:         body.Route,
		Answers:       body.Answers,
		Attachments:   body.Attachments,
		CorrelationID: correlationID,
	})
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, pkg)
}

func (s *Server) handleListSubmissions(w http.ResponseWriter, _ *http.Request, tenantID, correlationID string) {
	_ = correlationID
	subs := s.store.ListSubmissions(tenantID)
	writeJSON(w, http.StatusOK, map[string]any{
		"tenantId":    tenantID,
		"count":       len(subs),
		"submissions": subs,
	})
}

func (s *Server) handleGetSubmission(w http.ResponseWriter, _ *http.Request, tenantID, submissionID, correlationID string) {
	pkg, err := s.store.GetSubmission(tenantID, submissionID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, pkg)
}

func (s *Server) handleRetrySubmission(w http.ResponseWriter, _ *http.Request, tenantID, submissionID, correlationID string) {
	pkg, err := s.store.RetrySubmission(tenantID, submissionID)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, pkg)
}

// writeStoreError maps store error kinds onto HTTP responses. Validation
// failures include the individual messages.
func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	var verr *sourcinghub.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"code":          "validation_failed",
			"message":       verr.Error(),
			"messages":      verr.Messages,
			"correlationId": correlationID,
		})
		return
	}
	switch {
	case errors.Is(err, sourcinghub.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, sourcinghub.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, sourcinghub.ErrPollInProgress):
		writeError(w, http.StatusConflict, "poll_in_progress", err.Error(), correlationID)
	case errors.Is(err, sourcinghub.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error(), correlationID)
	case errors.Is(err, sourcinghub.ErrAuth):
		writeError(w, http.StatusBadGateway, "remote_auth_failed", err.Error(), correlationID)
	case errors.Is(err, sourcinghub.ErrTransientRemote):
		writeError(w, http.StatusBadGateway, "remote_unavailable", err.Error(), correlationID)
	case errors.Is(err, sourcinghub.ErrPermanentRemote):
		writeError(w, http.StatusBadGateway, "remote_rejected", err.Error(), correlationID)
	case errors.Is(err, sourcinghub.ErrStorage):
		writeError(w, http.StatusInternalServerError, "storage_failure", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func hasAnyScope(scopes map[string]struct{}, required ...string) bool {
	for _, scope := range required {
		if _, ok := scopes[scope]; ok {
			return true
		}
	}
	return false
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.InternalMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.internalReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.internalReplaySeen[key] = now.Add(window)
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func parseOptionalBool(raw string, fallback bool) (bool, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return false, err
	}
	return parsed, nil
}
