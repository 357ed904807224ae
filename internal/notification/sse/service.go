// Package sse provides Server-Sent Events support for real-time dashboard
// updates. The core publishes entity change notifications here; connected
// operator UIs receive them scoped to their organization.
package sse

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"convoops_backend/platform/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// EventType represents different types of SSE events
type EventType string

const (
	EventJobEnqueued   EventType = "job_enqueued"
	EventJobUpdated    EventType = "job_updated"
	EventGatingUpdated EventType = "gating_updated"
	EventAuditRecorded EventType = "audit_recorded"
)

// Event is one change notification on the channel: which entity changed,
// what its new state is, and when.
type Event struct {
	Type       EventType `json:"type"`
	EntityType string    `json:"entityType"`
	EntityID   uuid.UUID `json:"entityId"`
	NewState   string    `json:"newState,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Data       any       `json:"data,omitempty"`
}

// subscriber is one consumer of an organization's event stream. The mutex
// orders sends against close so a cancelling consumer cannot race a
// publisher onto a closed channel.
type subscriber struct {
	orgID  uuid.UUID
	mu     sync.Mutex
	closed bool
	events chan Event
}

// send delivers without blocking. It reports false when the event was
// dropped because the buffer is full.
func (sub *subscriber) send(event Event) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return true
	}
	select {
	case sub.events <- event:
		return true
	default:
		return false
	}
}

func (sub *subscriber) close() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.events)
}

// Service manages subscriptions and event broadcasting per organization.
type Service struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID][]*subscriber // orgID -> subscribers
	log         *logger.Logger
}

// New creates a new SSE service
func New(log *logger.Logger) *Service {
	return &Service{
		subscribers: make(map[uuid.UUID][]*subscriber),
		log:         log,
	}
}

// Subscribe registers a consumer for an organization's change notifications.
// The returned channel receives events until cancel is called; slow consumers
// drop events rather than block publishers.
func (s *Service) Subscribe(orgID uuid.UUID) (<-chan Event, func()) {
	sub := &subscriber{
		orgID:  orgID,
		events: make(chan Event, 32),
	}

	s.mu.Lock()
	s.subscribers[orgID] = append(s.subscribers[orgID], sub)
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() { s.remove(sub) })
	}
	return sub.events, cancel
}

func (s *Service) remove(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.subscribers[sub.orgID]
	for i, candidate := range subs {
		if candidate == sub {
			s.subscribers[sub.orgID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(s.subscribers[sub.orgID]) == 0 {
		delete(s.subscribers, sub.orgID)
	}

	sub.close()
}

// PublishToOrganization broadcasts an event to all subscribers for the org.
func (s *Service) PublishToOrganization(orgID uuid.UUID, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	s.mu.RLock()
	subs := make([]*subscriber, len(s.subscribers[orgID]))
	copy(subs, s.subscribers[orgID])
	s.mu.RUnlock()

	for _, sub := range subs {
		if !sub.send(event) {
			s.log.Warn("sse: event buffer full, dropping event", "orgId", orgID, "type", event.Type)
		}
	}
}

// Handler returns a Gin handler streaming the caller's organization events.
func (s *Service) Handler(getOrgID func(*gin.Context) (uuid.UUID, bool)) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, ok := getOrgID(c)
		if !ok {
			c.JSON(http.StatusForbidden, gin.H{"error": "organization scope required"})
			return
		}

		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")
		c.Writer.Header().Set("X-Accel-Buffering", "no")

		events, cancel := s.Subscribe(orgID)
		defer cancel()

		c.SSEvent("connected", gin.H{"orgId": orgID})
		c.Writer.Flush()

		s.log.Info("sse: client connected", "orgId", orgID)

		clientGone := c.Request.Context().Done()
		for {
			select {
			case <-clientGone:
				s.log.Info("sse: client disconnected", "orgId", orgID)
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				data, _ := json.Marshal(event)
				c.SSEvent(string(event.Type), string(data))
				c.Writer.Flush()
			}
		}
	}
}

// Close shuts down the SSE service, closing all subscriber channels.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, subs := range s.subscribers {
		for _, sub := range subs {
			sub.close()
		}
	}
	s.subscribers = make(map[uuid.UUID][]*subscriber)
}
