package pushnotification

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/taskhub/taskhub/internal/eventbus"
	"github.com/taskhub/taskhub/internal/task"
)

// reviewSweepInterval paces the store scan that catches review hand-offs
// made by agent processes with their own event bus.
const reviewSweepInterval = time.Minute

// Notifier delivers a payload to every registered push subscription.
type Notifier interface {
	SendToAll(ctx context.Context, payload *NotificationPayload)
}

var _ Notifier = (*Sender)(nil)

// Dispatcher turns lifecycle events that need a human into push
// notifications: review hand-offs, escalations, and clarification requests.
// Review hand-offs are detected two ways: in-process bus events, and a
// periodic store sweep for workers running in a separate process.
type Dispatcher struct {
	eventBus *eventbus.Bus
	taskRepo task.Repository
	sender   Notifier

	mu       sync.Mutex
	notified map[string]struct{}
}

func NewDispatcher(eventBus *eventbus.Bus, taskRepo task.Repository, sender Notifier) *Dispatcher {
	return &Dispatcher{
		eventBus: eventBus,
		taskRepo: taskRepo,
		sender:   sender,
		notified: make(map[string]struct{}),
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	subID, ch := d.eventBus.Subscribe(256)
	defer d.eventBus.Unsubscribe(subID)

	ticker := time.NewTicker(reviewSweepInterval)
	defer ticker.Stop()

	slog.Info("push notification dispatcher started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("push notification dispatcher stopped")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			d.handle(ctx, event)
		case <-ticker.C:
			d.sweepReviewReady(ctx)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, event *eventbus.Event) {
	var title string
	switch event.Type {
	case eventbus.EventTypeTaskReviewReady:
		if !d.markNotified(event.ResourceID) {
			return
		}
		title = "Review Ready"
	case eventbus.EventTypeTaskEscalated:
		title = "Task Escalated"
	case eventbus.EventTypeClarificationNeeded:
		title = "Clarification Needed"
	default:
		return
	}

	body := event.Payload
	var url string
	if t, err := d.taskRepo.Get(ctx, event.ResourceID); err == nil {
		if t.Title != "" {
			body = t.Title
		}
		url = "/tasks/" + refFor(t)
	}

	d.sender.SendToAll(ctx, &NotificationPayload{
		Title: title,
		Body:  body,
		URL:   url,
		Tag:   event.ResourceID,
	})
}

// sweepReviewReady announces tasks sitting in REVIEW_READY that have not been
// announced yet. Tasks that moved past review are dropped from tracking, so a
// task rejected and re-submitted for review is announced again.
func (d *Dispatcher) sweepReviewReady(ctx context.Context) {
	tasks, err := d.taskRepo.List(ctx, task.Filter{Status: task.StatusReviewReady})
	if err != nil {
		slog.Warn("push notification: failed to scan for review-ready tasks", "error", err)
		return
	}

	current := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		current[t.ID] = struct{}{}
		if !d.markNotified(t.ID) {
			continue
		}
		d.sender.SendToAll(ctx, &NotificationPayload{
			Title: "Review Ready",
			Body:  t.Title,
			URL:   "/tasks/" + refFor(t),
			Tag:   t.ID,
		})
	}

	d.mu.Lock()
	for id := range d.notified {
		if _, ok := current[id]; !ok {
			delete(d.notified, id)
		}
	}
	d.mu.Unlock()
}

func (d *Dispatcher) markNotified(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.notified[id]; ok {
		return false
	}
	d.notified[id] = struct{}{}
	return true
}

func refFor(t *task.Task) string {
	if t.ShortID != "" {
		return t.ShortID
	}
	return t.ID
}
