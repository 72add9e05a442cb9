package sourcinghub

import (
	"fmt"
	"time"
)

// Event types emitted on the hub feed.
const (
	EventPollStarted              = "poll_started"
	EventPollCompleted            = "poll_completed"
	EventPollFailed               = "poll_failed"
	EventSubmissionReceived       = "submission_received"
	EventSubmissionDelivered      = "submission_delivered"
	EventSubmissionRetryScheduled = "submission_retry_scheduled"
	EventSubmissionFailed         = "submission_failed"
)

type HubEvent struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	TenantID      string         `json:"tenantId,omitempty"`
	Table         string         `json:"table,omitempty"`
	SubmissionID  string         `json:"submissionId,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
	Timestamp     string         `json:"timestamp"`
}

// publishLocked appends to the bounded event history and fans the event out
// to live subscribers. Caller holds s.mu.
func (s *Store) publishLocked(event HubEvent) HubEvent {
	s.eventCounter++
	event.ID = fmt.Sprintf("evt_%d", s.eventCounter)
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	s.recentEvents = append(s.recentEvents, event)
	if len(s.recentEvents) > s.maxEventHistory {
		s.recentEvents = s.recentEvents[len(s.recentEvents)-s.maxEventHistory:]
	}

	s.subsMu.Lock()
	for _, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
			// Slow subscribers drop events rather than stall the store.
		}
	}
	s.subsMu.Unlock()
	return event
}

func (s *Store) publish(event HubEvent) HubEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.publishLocked(event)
}

// Subscribe registers a live event listener. The returned cancel func must be
// called to release the channel.
func (s *Store) Subscribe(buffer int) (<-chan HubEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan HubEvent, buffer)

	s.subsMu.Lock()
	s.subCounter++
	id := s.subCounter
	s.subscribers[id] = ch
	s.subsMu.Unlock()

	cancel := func() {
		s.subsMu.Lock()
		if existing, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(existing)
		}
		s.subsMu.Unlock()
	}
	return ch, cancel
}

// RecentEvents returns up to limit events, newest last.
func (s *Store) RecentEvents(limit int) []HubEvent {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.recentEvents
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	out := make([]HubEvent, len(events))
	copy(out, events)
	return out
}
