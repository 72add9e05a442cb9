package outboxsync

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrRejected marks a bundle the hub refused for a reason a retry cannot fix.
var ErrRejected = errors.New("bundle rejected")

type HubError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HubError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("hub %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("hub %d: %s", e.StatusCode, e.Message)
}

func (e *HubError) Is(target error) bool {
	if target != ErrRejected {
		return false
	}
	if e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode <= 499
}

type PushResult struct {
	SubmissionID string `json:"id"`
	Status       string `json:"status"`
	Location     string `json:"location,omitempty"`
	LastError    string `json:"lastError,omitempty"`
}

// HTTPClient pushes bundles to the hub's internal intake endpoint, signing
// each request with the shared internal secret.
type HTTPClient struct {
	baseURL    string
	secret     string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, internalSecret string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		secret:     strings.TrimSpace(internalSecret),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) PushSubmission(ctx context.Context, bundle SubmissionBundle, correlation string) (PushResult, error) {
	payload := map[string]any{
		"tenantId":      bundle.TenantID,
		"submissionId":  bundle.SubmissionID,
		"route":         bundle.Route,
		"answers":       bundle.Answers,
		"correlationId": bundle.CorrelationID,
	}
	if len(bundle.Attachments) > 0 {
		attachments := make([]map[string]any, 0, len(bundle.Attachments))
		for _, attachment := range bundle.Attachments {
			attachments = append(attachments, map[string]any{
				"name":    attachment.Name,
				"content": attachment.Content,
				"size":    len(attachment.Content),
			})
		}
		payload["attachments"] = attachments
	}
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return PushResult{}, err
	}

	for attempt := 0; ; attempt++ {
		// The timestamp is part of the signature, so each attempt signs fresh.
		timestamp := time.Now().UTC().Format(time.RFC3339)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/internal/outbox-submissions", bytes.NewReader(bodyBytes))
		if err != nil {
			return PushResult{}, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Correlation-Id", correlation)
		req.Header.Set("X-Hub-Timestamp", timestamp)
		req.Header.Set("X-Hub-Signature", signBody(c.secret, timestamp, bodyBytes))

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return PushResult{}, waitErr
				}
				continue
			}
			return PushResult{}, err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return PushResult{}, readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			var out PushResult
			if len(payloadBytes) > 0 {
				if err := json.Unmarshal(payloadBytes, &out); err != nil {
					return PushResult{}, err
				}
			}
			return out, nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return PushResult{}, waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return PushResult{}, &HubError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func signBody(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
