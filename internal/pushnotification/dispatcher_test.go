package pushnotification

import (
	"context"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhub/taskhub/internal/eventbus"
	"github.com/taskhub/taskhub/internal/task"
	"github.com/taskhub/taskhub/internal/task/repositoryimpl"
	"github.com/taskhub/taskhub/pkg/storage"
)

type fakeNotifier struct {
	sent []*NotificationPayload
}

func (f *fakeNotifier) SendToAll(_ context.Context, payload *NotificationPayload) {
	f.sent = append(f.sent, payload)
}

func newDispatcherEnv(t *testing.T) (*repositoryimpl.YAMLRepository, *fakeNotifier, *Dispatcher) {
	t.Helper()
	s, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	repo := repositoryimpl.NewYAMLRepository(s)
	notifier := &fakeNotifier{}
	return repo, notifier, NewDispatcher(eventbus.New(), repo, notifier)
}

func reviewReadyTask(t *testing.T, repo *repositoryimpl.YAMLRepository) *task.Task {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	tk := &task.Task{
		ID:               ulid.Make().String(),
		ShortID:          "sep18-001",
		Title:            "add health endpoint",
		Description:      "add a health endpoint to the api server",
		Category:         task.CategoryBackend,
		Priority:         task.PriorityMedium,
		Status:           task.StatusReviewReady,
		ApprovalRequired: true,
		Requester:        "alice",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, repo.Create(context.Background(), tk))
	return tk
}

// Workers in a separate process publish review hand-offs on their own bus,
// so the dispatcher has to find them through the shared store.
func TestSweepAnnouncesReviewReadyTasksOnce(t *testing.T) {
	ctx := context.Background()
	repo, notifier, d := newDispatcherEnv(t)
	tk := reviewReadyTask(t, repo)

	d.sweepReviewReady(ctx)
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "Review Ready", notifier.sent[0].Title)
	assert.Equal(t, tk.Title, notifier.sent[0].Body)
	assert.Equal(t, "/tasks/sep18-001", notifier.sent[0].URL)
	assert.Equal(t, tk.ID, notifier.sent[0].Tag)

	// Still waiting for review: no repeat announcement.
	d.sweepReviewReady(ctx)
	assert.Len(t, notifier.sent, 1)
}

func TestSweepDropsTrackingWhenReviewEnds(t *testing.T) {
	ctx := context.Background()
	repo, notifier, d := newDispatcherEnv(t)
	tk := reviewReadyTask(t, repo)

	d.sweepReviewReady(ctx)
	require.Len(t, notifier.sent, 1)

	require.NoError(t, tk.Transition(task.StatusApproved, time.Now()))
	require.NoError(t, repo.Update(ctx, tk))
	d.sweepReviewReady(ctx)
	assert.Len(t, notifier.sent, 1)

	d.mu.Lock()
	_, tracked := d.notified[tk.ID]
	d.mu.Unlock()
	assert.False(t, tracked, "tasks past review are dropped from tracking")
}

func TestBusEventAndSweepShareDeduplication(t *testing.T) {
	ctx := context.Background()
	repo, notifier, d := newDispatcherEnv(t)
	tk := reviewReadyTask(t, repo)

	d.handle(ctx, &eventbus.Event{
		Type:       eventbus.EventTypeTaskReviewReady,
		ResourceID: tk.ID,
		Payload:    tk.Title,
	})
	require.Len(t, notifier.sent, 1)

	d.sweepReviewReady(ctx)
	assert.Len(t, notifier.sent, 1, "the sweep does not repeat an in-process announcement")
}
