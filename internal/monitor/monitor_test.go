package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhub/taskhub/internal/classifier"
	"github.com/taskhub/taskhub/internal/eventbus"
	"github.com/taskhub/taskhub/internal/idregistry"
	"github.com/taskhub/taskhub/internal/orchestrator"
	"github.com/taskhub/taskhub/internal/task"
	"github.com/taskhub/taskhub/internal/task/repositoryimpl"
	"github.com/taskhub/taskhub/pkg/storage"
)

func newTestMonitor(t *testing.T) (*Monitor, *repositoryimpl.YAMLRepository) {
	t.Helper()
	s, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	repo := repositoryimpl.NewYAMLRepository(s)
	orch := orchestrator.New(repo, nil, idregistry.New(), classifier.NewHeuristic(), nil, eventbus.New())
	m := New(Config{MaxTaskDuration: 4 * time.Hour}, repo, orch)
	return m, repo
}

func inProgressTask(t *testing.T, repo *repositoryimpl.YAMLRepository, startedAt time.Time) *task.Task {
	t.Helper()
	tk := &task.Task{
		ID:            ulid.Make().String(),
		Title:         "long running task",
		Description:   "a task that has been running for a while",
		Category:      task.CategoryBackend,
		Priority:      task.PriorityMedium,
		Status:        task.StatusAssigned,
		AssignedAgent: "backend-agent-alpha",
		CreatedAt:     startedAt,
		UpdatedAt:     startedAt,
	}
	require.NoError(t, tk.Transition(task.StatusInProgress, startedAt))
	require.NoError(t, repo.Create(context.Background(), tk))
	return tk
}

func TestSweepEscalatesStaleTasks(t *testing.T) {
	m, repo := newTestMonitor(t)
	ctx := context.Background()

	now := time.Date(2025, 9, 18, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	stale := inProgressTask(t, repo, now.Add(-5*time.Hour))
	fresh := inProgressTask(t, repo, now.Add(-1*time.Hour))

	m.SweepOnce(ctx)

	got, err := repo.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Contains(t, got.Meta("failure_reason"), "exceeded maximum task duration")

	got, err = repo.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, got.Status, "tasks within budget are untouched")
}

func TestSweepDoesNotRetry(t *testing.T) {
	m, repo := newTestMonitor(t)
	ctx := context.Background()

	now := time.Date(2025, 9, 18, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	stale := inProgressTask(t, repo, now.Add(-5*time.Hour))
	m.SweepOnce(ctx)
	// A second sweep finds nothing active and leaves the task FAILED.
	m.SweepOnce(ctx)

	got, err := repo.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
}

func TestSweepBoundary(t *testing.T) {
	m, repo := newTestMonitor(t)
	ctx := context.Background()

	now := time.Date(2025, 9, 18, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	// Started exactly at the cutoff: not yet past the budget.
	atCutoff := inProgressTask(t, repo, now.Add(-4*time.Hour))
	m.SweepOnce(ctx)

	got, err := repo.Get(ctx, atCutoff.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProgress, got.Status)
}
