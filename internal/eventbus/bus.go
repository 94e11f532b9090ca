package eventbus

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type EventType string

const (
	EventTypeTaskCreated         EventType = "task.created"
	EventTypeTaskClarified       EventType = "task.clarified"
	EventTypeTaskAssigned        EventType = "task.assigned"
	EventTypeTaskClaimed         EventType = "task.claimed"
	EventTypeTaskProgress        EventType = "task.progress"
	EventTypeTaskReviewReady     EventType = "task.review_ready"
	EventTypeTaskApproved        EventType = "task.approved"
	EventTypeTaskCompleted       EventType = "task.completed"
	EventTypeTaskFailed          EventType = "task.failed"
	EventTypeTaskCancelled       EventType = "task.cancelled"
	EventTypeTaskEscalated       EventType = "task.escalated"
	EventTypeClarificationNeeded EventType = "task.clarification_needed"
	EventTypeAgentHeartbeat      EventType = "agent.heartbeat"
	EventTypePushSubscribed      EventType = "push.subscribed"
	EventTypePushUnsubscribed    EventType = "push.unsubscribed"
)

// Event is published on every state mutation in the system.
type Event struct {
	ID         string
	Type       EventType
	ResourceID string
	Payload    string
	Metadata   map[string]string
	CreatedAt  time.Time
}

type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan *Event
}

func New() *Bus {
	return &Bus{
		subscribers: make(map[string]chan *Event),
	}
}

func (b *Bus) Subscribe(bufSize int) (string, <-chan *Event) {
	id := ulid.Make().String()
	ch := make(chan *Event, bufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// buffer full, drop event for this subscriber
		}
	}
}

func (b *Bus) PublishNew(eventType EventType, resourceID string, payload string, metadata map[string]string) {
	event := &Event{
		ID:         ulid.Make().String(),
		Type:       eventType,
		ResourceID: resourceID,
		Payload:    payload,
		Metadata:   metadata,
		CreatedAt:  time.Now(),
	}
	b.Publish(event)
}
