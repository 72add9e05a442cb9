package outboxsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestHTTPClientSignsInternalRequests(t *testing.T) {
	const secret = "outbox-test-secret"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/internal/outbox-submissions" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read request body failed: %v", err)
		}
		timestamp := r.Header.Get("X-Hub-Timestamp")
		if timestamp == "" {
			t.Fatalf("expected X-Hub-Timestamp header")
		}
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(timestamp))
		mac.Write([]byte("\n"))
		mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))
		if r.Header.Get("X-Hub-Signature") != expected {
			t.Fatalf("signature mismatch: got %q want %q", r.Header.Get("X-Hub-Signature"), expected)
		}
		if r.Header.Get("X-Correlation-Id") != "outbox_test_1" {
			t.Fatalf("expected correlation header to be forwarded, got %q", r.Header.Get("X-Correlation-Id"))
		}
		var payload struct {
			TenantID     string `json:"tenantId"`
			SubmissionID string `json:"submissionId"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Fatalf("decode payload failed: %v", err)
		}
		if payload.TenantID != "tn_1" || payload.SubmissionID != "sub_sign_1" {
			t.Fatalf("unexpected payload: %+v", payload)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"id":"sub_sign_1","tenantId":"tn_1","status":"delivered","location":"local:sub_sign_1"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, secret, server.Client())
	result, err := client.PushSubmission(context.Background(), SubmissionBundle{
		TenantID:     "tn_1",
		SubmissionID: "sub_sign_1",
		Route:        "local",
		Answers:      map[string]any{"event_id": "rfp_1"},
	}, "outbox_test_1")
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if result.SubmissionID != "sub_sign_1" {
		t.Fatalf("expected submission id sub_sign_1, got %q", result.SubmissionID)
	}
	if result.Status != "delivered" {
		t.Fatalf("expected delivered status, got %q", result.Status)
	}
	if result.Location != "local:sub_sign_1" {
		t.Fatalf("expected location to round-trip, got %q", result.Location)
	}
}

func TestHTTPClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call == 1 {
			w.Header().Set("Retry-After", "0")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","message":"retry"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"id":"sub_retry_1","status":"delivered"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "secret", server.Client())
	result, err := client.PushSubmission(context.Background(), SubmissionBundle{
		TenantID:     "tn_1",
		SubmissionID: "sub_retry_1",
		Answers:      map[string]any{"event_id": "rfp_1"},
	}, "outbox_test_2")
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if result.SubmissionID != "sub_retry_1" {
		t.Fatalf("expected submission id sub_retry_1, got %q", result.SubmissionID)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientTreatsClientErrorsAsRejections(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"validation_failed","message":"missing required answer field: supplier_name"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "secret", server.Client())
	_, err := client.PushSubmission(context.Background(), SubmissionBundle{
		TenantID:     "tn_1",
		SubmissionID: "sub_reject_1",
		Answers:      map[string]any{"event_id": "rfp_1"},
	}, "outbox_test_3")
	if err == nil {
		t.Fatalf("expected rejection error")
	}
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected 400 to classify as a rejection, got %v", err)
	}
	var hubErr *HubError
	if !errors.As(err, &hubErr) {
		t.Fatalf("expected HubError, got %T", err)
	}
	if hubErr.Code != "validation_failed" {
		t.Fatalf("expected validation_failed code, got %q", hubErr.Code)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected no retry on a 400, got %d calls", atomic.LoadInt32(&calls))
	}
}

func TestHTTPClientRetriesRateLimitButNotAsRejection(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&calls, 1)
		if call <= 2 {
			w.Header().Set("Retry-After", "0")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"code":"rate_limited","message":"slow down"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"id":"sub_rate_1","status":"pending"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "secret", server.Client())
	result, err := client.PushSubmission(context.Background(), SubmissionBundle{
		TenantID:     "tn_1",
		SubmissionID: "sub_rate_1",
		Answers:      map[string]any{"event_id": "rfp_1"},
	}, "outbox_test_4")
	if err != nil {
		t.Fatalf("expected 429s to retry through, got error: %v", err)
	}
	if result.Status != "pending" {
		t.Fatalf("expected pending status, got %q", result.Status)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 calls (2 rate-limited), got %d", atomic.LoadInt32(&calls))
	}
}
