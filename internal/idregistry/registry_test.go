package idregistry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhub/taskhub/internal/task"
	"github.com/taskhub/taskhub/internal/task/repositoryimpl"
	"github.com/taskhub/taskhub/pkg/cerr"
	"github.com/taskhub/taskhub/pkg/storage"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestAssignShortIDFormatAndRoundTrip(t *testing.T) {
	r := New()
	r.now = fixedClock(time.Date(2025, 9, 18, 12, 0, 0, 0, time.UTC))

	id := ulid.Make().String()
	short := r.AssignShortID(id)
	assert.Equal(t, "sep18-001", short)

	resolved, err := r.Resolve(short)
	require.NoError(t, err)
	assert.Equal(t, id, resolved)

	// Idempotent for the same stable id.
	assert.Equal(t, short, r.AssignShortID(id))
}

func TestAssignShortIDInjective(t *testing.T) {
	r := New()
	r.now = fixedClock(time.Date(2025, 9, 18, 12, 0, 0, 0, time.UTC))

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		short := r.AssignShortID(ulid.Make().String())
		assert.False(t, seen[short], "short id %s assigned twice", short)
		seen[short] = true
	}
	assert.True(t, seen["sep18-050"], "counter increases monotonically")
}

func TestAssignShortIDDayRollover(t *testing.T) {
	r := New()
	r.now = fixedClock(time.Date(2025, 9, 18, 23, 59, 0, 0, time.UTC))
	assert.Equal(t, "sep18-001", r.AssignShortID(ulid.Make().String()))

	r.now = fixedClock(time.Date(2025, 9, 19, 0, 1, 0, 0, time.UTC))
	assert.Equal(t, "sep19-001", r.AssignShortID(ulid.Make().String()))
}

func TestResolveStableID(t *testing.T) {
	r := New()
	id := ulid.Make().String()
	resolved, err := r.Resolve(id)
	require.NoError(t, err)
	assert.Equal(t, id, resolved)
}

func TestResolveMalformed(t *testing.T) {
	r := New()
	for _, token := range []string{"", "sep-001", "sep18-1", "18sep-001", "not-an-id", "sep18001"} {
		_, err := r.Resolve(token)
		require.Error(t, err, "token %q", token)
		assert.True(t, cerr.IsCode(err, cerr.InvalidArgument), "token %q", token)
	}
}

func TestResolveUnknownShortID(t *testing.T) {
	r := New()
	_, err := r.Resolve("sep18-099")
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}

func TestRebuildFromStore(t *testing.T) {
	ctx := context.Background()
	s, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	repo := repositoryimpl.NewYAMLRepository(s)

	now := time.Date(2025, 9, 18, 15, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		tk := &task.Task{
			ID:          ulid.Make().String(),
			Title:       fmt.Sprintf("task %d", i),
			Description: "some work to do here",
			Category:    task.CategoryBackend,
			Priority:    task.PriorityMedium,
			Status:      task.StatusAssigned,
			Requester:   "u1",
			CreatedAt:   now.Add(time.Duration(i) * time.Minute),
			UpdatedAt:   now.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, repo.Create(ctx, tk))
		ids = append(ids, tk.ID)
	}

	r := New()
	r.now = fixedClock(now.Add(time.Hour))
	require.NoError(t, r.Rebuild(ctx, repo))

	// Short ids follow creation order and the counter resumes at the max.
	for i, id := range ids {
		short, ok := r.ShortIDFor(id)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("sep18-%03d", i+1), short)
	}
	assert.Equal(t, "sep18-004", r.AssignShortID(ulid.Make().String()))
}

func TestRebuildRestoresPersistedShortIDs(t *testing.T) {
	ctx := context.Background()
	s, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	repo := repositoryimpl.NewYAMLRepository(s)

	now := time.Date(2025, 9, 18, 15, 0, 0, 0, time.UTC)
	mk := func(shortID string, createdAt time.Time) *task.Task {
		tk := &task.Task{
			ID:          ulid.Make().String(),
			ShortID:     shortID,
			Title:       "persisted task",
			Description: "some work to do here",
			Category:    task.CategoryBackend,
			Priority:    task.PriorityMedium,
			Status:      task.StatusAssigned,
			Requester:   "u1",
			CreatedAt:   createdAt,
			UpdatedAt:   createdAt,
		}
		require.NoError(t, repo.Create(ctx, tk))
		return tk
	}

	// A previous run handed out short ids newest-first, so the persisted
	// numbering runs against creation order.
	older := mk("sep18-002", now.Add(-2*time.Hour))
	newer := mk("sep18-001", now.Add(-time.Hour))
	unnumbered := mk("", now)

	r := New()
	r.now = fixedClock(now)
	require.NoError(t, r.Rebuild(ctx, repo))

	// Persisted ids keep resolving to the same tasks after a restart.
	resolved, err := r.Resolve("sep18-001")
	require.NoError(t, err)
	assert.Equal(t, newer.ID, resolved)
	resolved, err = r.Resolve("sep18-002")
	require.NoError(t, err)
	assert.Equal(t, older.ID, resolved)

	// The task without one is slotted around the restored ids.
	short, ok := r.ShortIDFor(unnumbered.ID)
	require.True(t, ok)
	assert.Equal(t, "sep18-003", short)

	// Fresh assignments resume past the highest restored sequence.
	assert.Equal(t, "sep18-004", r.AssignShortID(ulid.Make().String()))
}

func TestRebuildFallsBackToLastWeek(t *testing.T) {
	ctx := context.Background()
	s, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	repo := repositoryimpl.NewYAMLRepository(s)

	created := time.Date(2025, 9, 15, 9, 0, 0, 0, time.UTC)
	tk := &task.Task{
		ID:          ulid.Make().String(),
		Title:       "older task",
		Description: "work created a few days ago",
		Category:    task.CategoryBackend,
		Priority:    task.PriorityMedium,
		Status:      task.StatusCompleted,
		Requester:   "u1",
		CreatedAt:   created,
		UpdatedAt:   created,
	}
	require.NoError(t, repo.Create(ctx, tk))

	r := New()
	r.now = fixedClock(time.Date(2025, 9, 18, 9, 0, 0, 0, time.UTC))
	require.NoError(t, r.Rebuild(ctx, repo))

	short, ok := r.ShortIDFor(tk.ID)
	require.True(t, ok)
	assert.Equal(t, "sep15-001", short)
}
