package sourcinghub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

type SubmissionStatus string

const (
	SubmissionPending   SubmissionStatus = "pending"
	SubmissionBuilt     SubmissionStatus = "built"
	SubmissionDelivered SubmissionStatus = "delivered"
	SubmissionFailed    SubmissionStatus = "failed"
)

type Attachment struct {
	Name    string `json:"name"`
	Content []byte `json:"content,omitempty"`
	Size    int64  `json:"size"`
}

// SubmissionPackage tracks one submission through pending, built, and a
// terminal delivered or failed state. The submission id is the caller's
// idempotency key within the tenant.
type SubmissionPackage struct {
	ID            string           `json:"id"`
	TenantID      string           `json:"tenantId"`
	Route         string           `json:"route"`
	Answers       map[string]any   `json:"answers"`
	Attachments   []Attachment     `json:"attachments,omitempty"`
	Status        SubmissionStatus `json:"status"`
	Attempts      int              `json:"attempts"`
	MaxAttempts   int              `json:"maxAttempts"`
	Location      string           `json:"location,omitempty"`
	LastError     string           `json:"lastError,omitempty"`
	NextAttemptAt *string          `json:"nextAttemptAt,omitempty"`
	CorrelationID string           `json:"correlationId,omitempty"`
	CreatedAt     string           `json:"createdAt"`
	UpdatedAt     string           `json:"updatedAt"`
	DeliveredAt   string           `json:"deliveredAt,omitempty"`
}

type SubmitRequest struct {
	SubmissionID  string
	Route         string
	Answers       map[string]any
	Attachments   []Attachment
	CorrelationID string
}

// Submit validates, records, and delivers one submission package. The call
// is idempotent per (tenant, submission id): a package already delivered is
// returned as is, a package with an attempt in flight or a retry scheduled is
// returned unchanged, and a failed package starts a fresh attempt cycle with
// the newly supplied payload.
func (s *Store) Submit(ctx context.Context, tenantID string, req SubmitRequest) (*SubmissionPackage, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ErrInvalidInput)
	}
	submissionID := strings.TrimSpace(req.SubmissionID)
	if submissionID == "" {
		return nil, fmt.Errorf("%w: submission id is required", ErrInvalidInput)
	}
	route := strings.ToLower(strings.TrimSpace(req.Route))
	if route == "" {
		route = RouteLocal
	}
	if _, known := s.routes[route]; !known {
		return nil, &ValidationError{Messages: []string{fmt.Sprintf("unknown route %q", req.Route)}}
	}
	if err := s.validateSubmission(req.Answers, req.Attachments); err != nil {
		return nil, err
	}
	for i := range req.Attachments {
		req.Attachments[i].Name = strings.TrimSpace(req.Attachments[i].Name)
		req.Attachments[i].Size = int64(len(req.Attachments[i].Content))
	}
	correlationID := strings.TrimSpace(req.CorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	key := submissionKey(tenantID, submissionID)
	s.mu.Lock()
	if existing, ok := s.submissions[key]; ok && existing.Status != SubmissionFailed {
		snapshot := redactedPackage(existing)
		s.mu.Unlock()
		return snapshot, nil
	}
	now := nowStamp()
	pkg := &SubmissionPackage{
		ID:            submissionID,
		TenantID:      tenantID,
		Route:         route,
		Answers:       req.Answers,
		Attachments:   req.Attachments,
		Status:        SubmissionPending,
		MaxAttempts:   s.maxDeliveryAttempts,
		CorrelationID: correlationID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.submissions[key] = pkg
	if err := s.saveLocked(); err != nil {
		delete(s.submissions, key)
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	s.publishLocked(HubEvent{
		Type:          EventSubmissionReceived,
		TenantID:      tenantID,
		SubmissionID:  submissionID,
		CorrelationID: correlationID,
		Detail:        map[string]any{"route": route, "attachments": len(req.Attachments)},
	})
	s.mu.Unlock()

	s.attemptDelivery(DeliveryQueueItem{
		TenantID:      tenantID,
		SubmissionID:  submissionID,
		CorrelationID: correlationID,
	})
	return s.GetSubmission(tenantID, submissionID)
}

func (s *Store) GetSubmission(tenantID, submissionID string) (*SubmissionPackage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pkg, ok := s.submissions[submissionKey(strings.TrimSpace(tenantID), strings.TrimSpace(submissionID))]
	if !ok {
		return nil, fmt.Errorf("%w: submission %s", ErrNotFound, submissionID)
	}
	return redactedPackage(pkg), nil
}

func (s *Store) ListSubmissions(tenantID string) []*SubmissionPackage {
	tenantID = strings.TrimSpace(tenantID)
	s.mu.RLock()
	out := make([]*SubmissionPackage, 0)
	for _, pkg := range s.submissions {
		if pkg.TenantID != tenantID {
			continue
		}
		out = append(out, redactedPackage(pkg))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RetrySubmission grants a failed package a fresh attempt budget and queues
// it for delivery again.
func (s *Store) RetrySubmission(tenantID, submissionID string) (*SubmissionPackage, error) {
	tenantID = strings.TrimSpace(tenantID)
	submissionID = strings.TrimSpace(submissionID)
	key := submissionKey(tenantID, submissionID)

	s.mu.Lock()
	pkg, ok := s.submissions[key]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: submission %s", ErrNotFound, submissionID)
	}
	if pkg.Status != SubmissionFailed {
		status := pkg.Status
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: submission %s is %s, only failed submissions can be retried", ErrInvalidState, submissionID, status)
	}
	pkg.Status = SubmissionPending
	pkg.Attempts = 0
	pkg.LastError = ""
	pkg.NextAttemptAt = nil
	pkg.UpdatedAt = nowStamp()
	correlationID := pkg.CorrelationID
	if err := s.saveLocked(); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	s.mu.Unlock()

	s.enqueueDelivery(DeliveryQueueItem{
		TenantID:      tenantID,
		SubmissionID:  submissionID,
		CorrelationID: correlationID,
	})
	return s.GetSubmission(tenantID, submissionID)
}

// attemptDelivery runs one full build-and-dispatch attempt. Attempts for the
// same package are serialized through the delivering set; a package already
// mid-attempt is left alone.
func (s *Store) attemptDelivery(item DeliveryQueueItem) {
	key := submissionKey(item.TenantID, item.SubmissionID)
	s.queueMu.Lock()
	if _, busy := s.delivering[key]; busy {
		s.queueMu.Unlock()
		return
	}
	s.delivering[key] = struct{}{}
	s.queueMu.Unlock()
	defer func() {
		s.queueMu.Lock()
		delete(s.delivering, key)
		s.queueMu.Unlock()
	}()

	// Step 1: claim the attempt under the lock.
	s.mu.Lock()
	pkg, ok := s.submissions[key]
	if !ok || (pkg.Status != SubmissionPending && pkg.Status != SubmissionBuilt) {
		s.mu.Unlock()
		return
	}
	pkg.Attempts++
	pkg.NextAttemptAt = nil
	pkg.UpdatedAt = nowStamp()
	attempt := pkg.Attempts
	maxAttempts := pkg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.maxDeliveryAttempts
	}
	work := clonePackage(pkg)
	s.mu.Unlock()

	// Step 2: build and dispatch outside the lock.
	archive, err := buildSubmissionArchive(work)
	if err != nil {
		s.finishDelivery(item, deliveryOutcome{
			err:       fmt.Errorf("archive build failed: %w", err),
			permanent: true,
		})
		return
	}
	s.markBuilt(key)

	route, known := s.routes[work.Route]
	if !known {
		s.finishDelivery(item, deliveryOutcome{
			err:       fmt.Errorf("unknown route %q", work.Route),
			permanent: true,
		})
		return
	}
	ctx, cancel := context.WithTimeout(s.queueCtx, 2*time.Minute)
	location, err := route.Deliver(ctx, work, archive)
	cancel()
	if err != nil {
		retryable := retryableDeliveryError(err)
		s.finishDelivery(item, deliveryOutcome{
			err:       err,
			permanent: !retryable || attempt >= maxAttempts,
			retryable: retryable,
			attempt:   attempt,
			max:       maxAttempts,
		})
		return
	}
	s.finishDelivery(item, deliveryOutcome{location: location, attempt: attempt})
}

type deliveryOutcome struct {
	location  string
	err       error
	permanent bool
	retryable bool
	attempt   int
	max       int
}

func (s *Store) markBuilt(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pkg, ok := s.submissions[key]
	if !ok {
		return
	}
	pkg.Status = SubmissionBuilt
	pkg.UpdatedAt = nowStamp()
	if err := s.saveLocked(); err != nil {
		s.logger.Error("failed to persist built submission",
			"tenant", pkg.TenantID, "submission", pkg.ID, "error", err)
	}
}

// finishDelivery records the attempt result under the lock and schedules the
// bounded retry when the failure is transient.
func (s *Store) finishDelivery(item DeliveryQueueItem, outcome deliveryOutcome) {
	key := submissionKey(item.TenantID, item.SubmissionID)
	s.mu.Lock()
	pkg, ok := s.submissions[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	now := nowStamp()
	pkg.UpdatedAt = now

	if outcome.err == nil {
		pkg.Status = SubmissionDelivered
		pkg.Location = outcome.location
		pkg.LastError = ""
		pkg.NextAttemptAt = nil
		pkg.DeliveredAt = now
		if err := s.saveLocked(); err != nil {
			s.logger.Error("failed to persist delivered submission",
				"tenant", pkg.TenantID, "submission", pkg.ID, "error", err)
		}
		s.publishLocked(HubEvent{
			Type:          EventSubmissionDelivered,
			TenantID:      pkg.TenantID,
			SubmissionID:  pkg.ID,
			CorrelationID: item.CorrelationID,
			Detail:        map[string]any{"route": pkg.Route, "location": outcome.location, "attempts": pkg.Attempts},
		})
		s.mu.Unlock()
		s.logger.Info("submission delivered",
			"tenant", pkg.TenantID, "submission", pkg.ID, "route", pkg.Route, "location", outcome.location)
		return
	}

	pkg.LastError = outcome.err.Error()
	if outcome.permanent {
		pkg.Status = SubmissionFailed
		pkg.NextAttemptAt = nil
		if outcome.retryable && outcome.attempt >= outcome.max {
			pkg.LastError = fmt.Sprintf("retry budget exhausted after %d attempts: %v", outcome.attempt, outcome.err)
		}
		if err := s.saveLocked(); err != nil {
			s.logger.Error("failed to persist failed submission",
				"tenant", pkg.TenantID, "submission", pkg.ID, "error", err)
		}
		s.publishLocked(HubEvent{
			Type:          EventSubmissionFailed,
			TenantID:      pkg.TenantID,
			SubmissionID:  pkg.ID,
			CorrelationID: item.CorrelationID,
			Detail:        map[string]any{"route": pkg.Route, "error": pkg.LastError, "attempts": pkg.Attempts},
		})
		s.mu.Unlock()
		s.logger.Error("submission failed",
			"tenant", item.TenantID, "submission", item.SubmissionID, "error", outcome.err)
		return
	}

	delay := s.deliveryRetryDelay
	nextAt := time.Now().UTC().Add(delay).Format(time.RFC3339Nano)
	pkg.Status = SubmissionPending
	pkg.NextAttemptAt = &nextAt
	if err := s.saveLocked(); err != nil {
		s.logger.Error("failed to persist retry schedule",
			"tenant", pkg.TenantID, "submission", pkg.ID, "error", err)
	}
	s.publishLocked(HubEvent{
		Type:          EventSubmissionRetryScheduled,
		TenantID:      pkg.TenantID,
		SubmissionID:  pkg.ID,
		CorrelationID: item.CorrelationID,
		Detail:        map[string]any{"route": pkg.Route, "error": pkg.LastError, "attempt": pkg.Attempts, "nextAttemptAt": nextAt},
	})
	s.mu.Unlock()
	s.logger.Warn("submission delivery failed, retry scheduled",
		"tenant", item.TenantID, "submission", item.SubmissionID, "attempt", outcome.attempt, "nextAttemptAt", nextAt)
	s.scheduleDeliveryRetry(item, delay)
}

func (s *Store) deliveryWorker() {
	for {
		item, err := s.deliveryQueue.Dequeue(s.queueCtx)
		if err != nil {
			return
		}
		key := submissionKey(item.TenantID, item.SubmissionID)
		s.queueMu.Lock()
		delete(s.queuedDeliveries, key)
		s.queueMu.Unlock()
		s.attemptDelivery(item)
	}
}

func (s *Store) enqueueDelivery(item DeliveryQueueItem) {
	key := submissionKey(item.TenantID, item.SubmissionID)
	s.queueMu.Lock()
	if _, queued := s.queuedDeliveries[key]; queued {
		s.queueMu.Unlock()
		return
	}
	s.queuedDeliveries[key] = struct{}{}
	s.queueMu.Unlock()

	if !s.deliveryQueue.TryEnqueue(item) {
		s.queueMu.Lock()
		delete(s.queuedDeliveries, key)
		s.queueMu.Unlock()
		s.logger.Error("delivery queue full, submission stays pending until restart",
			"tenant", item.TenantID, "submission", item.SubmissionID)
	}
}

func (s *Store) scheduleDeliveryRetry(item DeliveryQueueItem, delay time.Duration) {
	time.AfterFunc(delay, func() {
		select {
		case <-s.closed:
			return
		default:
		}
		s.enqueueDelivery(item)
	})
}

func retryableDeliveryError(err error) bool {
	var derr *DeliveryError
	if errors.As(err, &derr) {
		return derr.Retryable
	}
	if errors.Is(err, ErrPermanentRemote) || errors.Is(err, ErrAuth) || errors.Is(err, ErrInvalidInput) {
		return false
	}
	// Unknown failures count against the bounded retry budget rather than
	// failing outright.
	return true
}

func redactedPackage(pkg *SubmissionPackage) *SubmissionPackage {
	clone := *pkg
	if pkg.Answers != nil {
		answers := make(map[string]any, len(pkg.Answers))
		for k, v := range pkg.Answers {
			answers[k] = v
		}
		clone.Answers = answers
	}
	if len(pkg.Attachments) > 0 {
		attachments := make([]Attachment, len(pkg.Attachments))
		for i, att := range pkg.Attachments {
			attachments[i] = Attachment{Name: att.Name, Size: att.Size}
		}
		clone.Attachments = attachments
	}
	if pkg.NextAttemptAt != nil {
		next := *pkg.NextAttemptAt
		clone.NextAttemptAt = &next
	}
	return &clone
}

func clonePackage(pkg *SubmissionPackage) *SubmissionPackage {
	clone := *pkg
	if pkg.Answers != nil {
		answers := make(map[string]any, len(pkg.Answers))
		for k, v := range pkg.Answers {
			answers[k] = v
		}
		clone.Answers = answers
	}
	if len(pkg.Attachments) > 0 {
		attachments := make([]Attachment, len(pkg.Attachments))
		copy(attachments, pkg.Attachments)
		clone.Attachments = attachments
	}
	if pkg.NextAttemptAt != nil {
		next := *pkg.NextAttemptAt
		clone.NextAttemptAt = &next
	}
	return &clone
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
