package sourcinghub

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

func validAnswers() map[string]any {
	return map[string]any{
		"event_id":       "rfp_2026_014",
		"supplier_name":  "Acme Industrial",
		"contact_email":  "bids@acme.example",
		"proposal_title": "Frame hardware bid",
	}
}

func waitForSubmissionStatus(t *testing.T, store *Store, tenantID, submissionID string, status SubmissionStatus) *SubmissionPackage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		pkg, err := store.GetSubmission(tenantID, submissionID)
		if err == nil && pkg.Status == status {
			return pkg
		}
		if time.Now().After(deadline) {
			if err != nil {
				t.Fatalf("submission never reached %s: %v", status, err)
			}
			t.Fatalf("submission never reached %s, stuck at %s (%s)", status, pkg.Status, pkg.LastError)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubmitDeliversLocalArchive(t *testing.T) {
	dir := t.TempDir()
	store := NewStoreWithOptions(StoreOptions{SubmissionDir: dir})
	t.Cleanup(store.Close)

	pkg, err := store.Submit(context.Background(), "tn_1", SubmitRequest{
		SubmissionID: "sub_1",
		Answers:      validAnswers(),
		Attachments: []Attachment{
			{Name: "quote.pdf", Content: []byte("pdf-bytes")},
			{Name: "terms.txt", Content: []byte("net 30")},
		},
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if pkg.Status != SubmissionDelivered {
		t.Fatalf("expected delivered, got %s (%s)", pkg.Status, pkg.LastError)
	}
	if pkg.Attempts != 1 {
		t.Fatalf("expected one attempt, got %d", pkg.Attempts)
	}
	if !strings.HasPrefix(pkg.Location, "local:") {
		t.Fatalf("expected local location, got %q", pkg.Location)
	}
	if pkg.DeliveredAt == "" {
		t.Fatalf("expected delivered timestamp")
	}
	for _, att := range pkg.Attachments {
		if att.Content != nil {
			t.Fatalf("expected attachment content to be redacted in responses")
		}
	}
	if pkg.Attachments[0].Size != int64(len("pdf-bytes")) {
		t.Fatalf("expected attachment size to be recorded, got %d", pkg.Attachments[0].Size)
	}

	archivePath := strings.TrimPrefix(pkg.Location, "local:")
	data, err := os.ReadFile(archivePath)
	if err != nil {
		t.Fatalf("read delivered archive failed: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open archive failed: %v", err)
	}
	files := map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open archive entry %s failed: %v", f.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read archive entry %s failed: %v", f.Name, err)
		}
		files[f.Name] = content
	}
	if len(files) != 3 {
		t.Fatalf("expected answers.json plus 2 attachments, got %d entries", len(files))
	}
	var answers map[string]any
	if err := json.Unmarshal(files["answers.json"], &answers); err != nil {
		t.Fatalf("decode packaged answers failed: %v", err)
	}
	if answers["event_id"] != "rfp_2026_014" {
		t.Fatalf("expected packaged answers to match, got %v", answers["event_id"])
	}
	if string(files["attachments/quote.pdf"]) != "pdf-bytes" {
		t.Fatalf("expected attachment bytes in archive, got %q", files["attachments/quote.pdf"])
	}
	if string(files["attachments/terms.txt"]) != "net 30" {
		t.Fatalf("expected attachment bytes in archive, got %q", files["attachments/terms.txt"])
	}
}

func TestSubmitIsIdempotentWhileNotFailed(t *testing.T) {
	store := NewStoreWithOptions(StoreOptions{SubmissionDir: t.TempDir()})
	t.Cleanup(store.Close)

	first, err := store.Submit(context.Background(), "tn_1", SubmitRequest{
		SubmissionID: "sub_idem",
		Answers:      validAnswers(),
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if first.Status != SubmissionDelivered {
		t.Fatalf("expected delivered, got %s", first.Status)
	}

	replacement := validAnswers()
	replacement["proposal_title"] = "attempted rewrite"
	second, err := store.Submit(context.Background(), "tn_1", SubmitRequest{
		SubmissionID: "sub_idem",
		Answers:      replacement,
	})
	if err != nil {
		t.Fatalf("re-submit failed: %v", err)
	}
	if second.Attempts != first.Attempts {
		t.Fatalf("expected re-submit to leave attempts at %d, got %d", first.Attempts, second.Attempts)
	}
	if second.DeliveredAt != first.DeliveredAt {
		t.Fatalf("expected delivery timestamp to hold, got %q then %q", first.DeliveredAt, second.DeliveredAt)
	}
	if second.Answers["proposal_title"] != "Frame hardware bid" {
		t.Fatalf("expected original answers to survive a duplicate submit, got %v", second.Answers["proposal_title"])
	}
}

func TestSubmitValidationFailures(t *testing.T) {
	store := NewStoreWithOptions(StoreOptions{SubmissionDir: t.TempDir(), MaxAttachments: 2})
	t.Cleanup(store.Close)
	ctx := context.Background()

	incomplete := map[string]any{"event_id": "rfp_1"}
	_, err := store.Submit(ctx, "tn_1", SubmitRequest{SubmissionID: "sub_v1", Answers: incomplete})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error for incomplete answers, got %v", err)
	}
	if !strings.Contains(strings.Join(verr.Messages, "\n"), "supplier_name") {
		t.Fatalf("expected missing field to be named, got %v", verr.Messages)
	}
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected validation errors to classify as invalid input")
	}

	_, err = store.Submit(ctx, "tn_1", SubmitRequest{
		SubmissionID: "sub_v2",
		Answers:      validAnswers(),
		Attachments:  []Attachment{{Name: "../escape.txt", Content: []byte("x")}},
	})
	if !errors.As(err, &verr) || !strings.Contains(verr.Messages[0], "bare file name") {
		t.Fatalf("expected attachment name rejection, got %v", err)
	}

	_, err = store.Submit(ctx, "tn_1", SubmitRequest{
		SubmissionID: "sub_v3",
		Answers:      validAnswers(),
		Attachments: []Attachment{
			{Name: "quote.pdf", Content: []byte("a")},
			{Name: "quote.pdf", Content: []byte("b")},
		},
	})
	if !errors.As(err, &verr) || !strings.Contains(verr.Messages[0], "duplicate") {
		t.Fatalf("expected duplicate attachment rejection, got %v", err)
	}

	_, err = store.Submit(ctx, "tn_1", SubmitRequest{
		SubmissionID: "sub_v4",
		Answers:      validAnswers(),
		Attachments: []Attachment{
			{Name: "a.txt", Content: []byte("a")},
			{Name: "b.txt", Content: []byte("b")},
			{Name: "c.txt", Content: []byte("c")},
		},
	})
	if !errors.As(err, &verr) || !strings.Contains(verr.Messages[0], "too many attachments") {
		t.Fatalf("expected attachment count rejection, got %v", err)
	}

	_, err = store.Submit(ctx, "tn_1", SubmitRequest{
		SubmissionID: "sub_v5",
		Route:        "carrier-pigeon",
		Answers:      validAnswers(),
	})
	if !errors.As(err, &verr) || !strings.Contains(verr.Messages[0], "unknown route") {
		t.Fatalf("expected unknown route rejection, got %v", err)
	}

	if subs := store.ListSubmissions("tn_1"); len(subs) != 0 {
		t.Fatalf("expected no packages recorded for rejected submissions, got %d", len(subs))
	}
}

func TestSubmitRetriesTransientFailureUntilDelivered(t *testing.T) {
	route := &stubRoute{name: "portal", failures: 1, retryable: true}
	store := NewStoreWithOptions(StoreOptions{
		SubmissionDir:      t.TempDir(),
		Routes:             []RouteBackend{route},
		DeliveryRetryDelay: 25 * time.Millisecond,
	})
	t.Cleanup(store.Close)

	pkg, err := store.Submit(context.Background(), "tn_1", SubmitRequest{
		SubmissionID: "sub_retry",
		Route:        "portal",
		Answers:      validAnswers(),
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if pkg.Status != SubmissionPending {
		t.Fatalf("expected pending after transient failure, got %s", pkg.Status)
	}
	if pkg.NextAttemptAt == nil {
		t.Fatalf("expected a scheduled retry")
	}

	final := waitForSubmissionStatus(t, store, "tn_1", "sub_retry", SubmissionDelivered)
	if final.Attempts != 2 {
		t.Fatalf("expected delivery on the second attempt, got %d", final.Attempts)
	}
	if final.Location != "portal:sub_retry" {
		t.Fatalf("unexpected location %q", final.Location)
	}
	if final.LastError != "" {
		t.Fatalf("expected last error cleared after delivery, got %q", final.LastError)
	}
}

func TestSubmitExhaustsRetryBudget(t *testing.T) {
	route := &stubRoute{name: "portal", failures: -1, retryable: true}
	store := NewStoreWithOptions(StoreOptions{
		SubmissionDir:       t.TempDir(),
		Routes:              []RouteBackend{route},
		MaxDeliveryAttempts: 2,
		DeliveryRetryDelay:  5 * time.Millisecond,
	})
	t.Cleanup(store.Close)

	if _, err := store.Submit(context.Background(), "tn_1", SubmitRequest{
		SubmissionID: "sub_budget",
		Route:        "portal",
		Answers:      validAnswers(),
	}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	final := waitForSubmissionStatus(t, store, "tn_1", "sub_budget", SubmissionFailed)
	if final.Attempts != 2 {
		t.Fatalf("expected the full attempt budget to be spent, got %d", final.Attempts)
	}
	if !strings.Contains(final.LastError, "retry budget exhausted after 2 attempts") {
		t.Fatalf("expected budget exhaustion in last error, got %q", final.LastError)
	}
}

func TestSubmitPermanentFailureDoesNotRetry(t *testing.T) {
	route := &stubRoute{name: "portal", failures: -1, retryable: false}
	store := NewStoreWithOptions(StoreOptions{
		SubmissionDir:      t.TempDir(),
		Routes:             []RouteBackend{route},
		DeliveryRetryDelay: 5 * time.Millisecond,
	})
	t.Cleanup(store.Close)

	pkg, err := store.Submit(context.Background(), "tn_1", SubmitRequest{
		SubmissionID: "sub_perm",
		Route:        "portal",
		Answers:      validAnswers(),
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if pkg.Status != SubmissionFailed {
		t.Fatalf("expected immediate failure, got %s", pkg.Status)
	}
	if pkg.Attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", pkg.Attempts)
	}
	if strings.Contains(pkg.LastError, "retry budget") {
		t.Fatalf("permanent failures must not read as budget exhaustion: %q", pkg.LastError)
	}

	time.Sleep(50 * time.Millisecond)
	if calls := route.callCount(); calls != 1 {
		t.Fatalf("expected no retry after a permanent rejection, got %d calls", calls)
	}
}

func TestRetrySubmissionGrantsFreshBudget(t *testing.T) {
	route := &stubRoute{name: "portal", failures: -1, retryable: true}
	store := NewStoreWithOptions(StoreOptions{
		SubmissionDir:       t.TempDir(),
		Routes:              []RouteBackend{route},
		MaxDeliveryAttempts: 2,
		DeliveryRetryDelay:  5 * time.Millisecond,
	})
	t.Cleanup(store.Close)
	ctx := context.Background()

	if _, err := store.Submit(ctx, "tn_1", SubmitRequest{
		SubmissionID: "sub_manual",
		Route:        "portal",
		Answers:      validAnswers(),
	}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	waitForSubmissionStatus(t, store, "tn_1", "sub_manual", SubmissionFailed)

	route.heal()
	if _, err := store.RetrySubmission("tn_1", "sub_manual"); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	final := waitForSubmissionStatus(t, store, "tn_1", "sub_manual", SubmissionDelivered)
	if final.Attempts != 1 {
		t.Fatalf("expected the manual retry to start a fresh attempt count, got %d", final.Attempts)
	}

	if _, err := store.RetrySubmission("tn_1", "sub_manual"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state when retrying a delivered submission, got %v", err)
	}
	if _, err := store.RetrySubmission("tn_1", "sub_ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for unknown submission, got %v", err)
	}
}

func TestResubmitAfterFailureStartsFreshCycle(t *testing.T) {
	route := &stubRoute{name: "portal", failures: -1, retryable: false}
	store := NewStoreWithOptions(StoreOptions{
		SubmissionDir: t.TempDir(),
		Routes:        []RouteBackend{route},
	})
	t.Cleanup(store.Close)
	ctx := context.Background()

	failed, err := store.Submit(ctx, "tn_1", SubmitRequest{
		SubmissionID: "sub_again",
		Route:        "portal",
		Answers:      validAnswers(),
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if failed.Status != SubmissionFailed {
		t.Fatalf("expected failure, got %s", failed.Status)
	}

	route.heal()
	replacement := validAnswers()
	replacement["proposal_title"] = "second try"
	fresh, err := store.Submit(ctx, "tn_1", SubmitRequest{
		SubmissionID: "sub_again",
		Route:        "portal",
		Answers:      replacement,
	})
	if err != nil {
		t.Fatalf("re-submit failed: %v", err)
	}
	if fresh.Status != SubmissionDelivered {
		t.Fatalf("expected fresh cycle to deliver, got %s (%s)", fresh.Status, fresh.LastError)
	}
	if fresh.Answers["proposal_title"] != "second try" {
		t.Fatalf("expected the replacement payload to be used, got %v", fresh.Answers["proposal_title"])
	}
	if fresh.Attempts != 1 {
		t.Fatalf("expected the new cycle to restart attempts, got %d", fresh.Attempts)
	}
}

func TestSubmissionEventsFollowTheLifecycle(t *testing.T) {
	route := &stubRoute{name: "portal", failures: 1, retryable: true}
	store := NewStoreWithOptions(StoreOptions{
		SubmissionDir:      t.TempDir(),
		Routes:             []RouteBackend{route},
		DeliveryRetryDelay: 5 * time.Millisecond,
	})
	t.Cleanup(store.Close)

	events, cancel := store.Subscribe(16)
	defer cancel()

	if _, err := store.Submit(context.Background(), "tn_1", SubmitRequest{
		SubmissionID: "sub_events",
		Route:        "portal",
		Answers:      validAnswers(),
	}); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	seen := map[string]bool{}
	deadline := time.After(2 * time.Second)
	for !seen[EventSubmissionDelivered] {
		select {
		case event := <-events:
			if event.SubmissionID == "sub_events" {
				seen[event.Type] = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for delivery event, saw %v", seen)
		}
	}
	if !seen[EventSubmissionReceived] {
		t.Fatalf("expected a received event")
	}
	if !seen[EventSubmissionRetryScheduled] {
		t.Fatalf("expected a retry scheduled event")
	}
}

func TestListSubmissionsNewestFirst(t *testing.T) {
	store := NewStoreWithOptions(StoreOptions{SubmissionDir: t.TempDir()})
	t.Cleanup(store.Close)
	ctx := context.Background()
	for _, id := range []string{"sub_a", "sub_b", "sub_c"} {
		if _, err := store.Submit(ctx, "tn_1", SubmitRequest{SubmissionID: id, Answers: validAnswers()}); err != nil {
			t.Fatalf("submit %s failed: %v", id, err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	if _, err := store.Submit(ctx, "tn_2", SubmitRequest{SubmissionID: "sub_other", Answers: validAnswers()}); err != nil {
		t.Fatalf("submit for second tenant failed: %v", err)
	}

	subs := store.ListSubmissions("tn_1")
	if len(subs) != 3 {
		t.Fatalf("expected 3 submissions for the tenant, got %d", len(subs))
	}
	if subs[0].ID != "sub_c" || subs[2].ID != "sub_a" {
		t.Fatalf("expected newest first ordering, got %s .. %s", subs[0].ID, subs[2].ID)
	}
}

type stubRoute struct {
	mu        sync.Mutex
	name      string
	failures  int
	retryable bool
	calls     int
}

func (r *stubRoute) Name() string { return r.name }

func (r *stubRoute) Deliver(ctx context.Context, pkg *SubmissionPackage, archive []byte) (string, error) {
	_ = ctx
	_ = archive
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failures != 0 {
		if r.failures > 0 {
			r.failures--
		}
		return "", &DeliveryError{Route: r.name, Retryable: r.retryable, Err: errors.New("delivery refused")}
	}
	return r.name + ":" + pkg.ID, nil
}

func (r *stubRoute) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *stubRoute) heal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = 0
}
