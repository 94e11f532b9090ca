package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New()
	_, ch1 := b.Subscribe(4)
	_, ch2 := b.Subscribe(4)

	b.PublishNew(EventTypeTaskCreated, "task-1", "title", map[string]string{"short_id": "sep18-001"})

	for _, ch := range []<-chan *Event{ch1, ch2} {
		select {
		case e := <-ch:
			assert.Equal(t, EventTypeTaskCreated, e.Type)
			assert.Equal(t, "task-1", e.ResourceID)
			assert.Equal(t, "sep18-001", e.Metadata["short_id"])
			assert.NotEmpty(t, e.ID)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	b := New()
	_, ch := b.Subscribe(1)

	b.PublishNew(EventTypeTaskCreated, "task-1", "", nil)
	// Buffer is full now; this publish must not block.
	done := make(chan struct{})
	go func() {
		b.PublishNew(EventTypeTaskCreated, "task-2", "", nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	e := <-ch
	assert.Equal(t, "task-1", e.ResourceID)
	select {
	case e := <-ch:
		t.Fatalf("expected dropped event, got %v", e.ResourceID)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	id, ch := b.Subscribe(1)
	b.Unsubscribe(id)

	_, ok := <-ch
	require.False(t, ok)

	// Publishing after unsubscribe is a no-op.
	b.PublishNew(EventTypeTaskCreated, "task-1", "", nil)
}
