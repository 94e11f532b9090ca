package orchestrator

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
	"github.com/taskhub/taskhub/internal/task"
	"github.com/taskhub/taskhub/internal/task/repositoryimpl"
	"github.com/taskhub/taskhub/pkg/cerr"
	"github.com/taskhub/taskhub/pkg/storage"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *repositoryimpl.YAMLRepository) {
	t.Helper()
	s, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	repo := repositoryimpl.NewYAMLRepository(s)
	o := New(repo, nil, idregistry.New(), classifier.NewHeuristic(), nil, eventbus.New())
	return o, repo
}

const clearDescription = "Create a new REST API endpoint that returns the list of registered users as JSON"

func TestSubmitClearTaskIsAssigned(t *testing.T) {
	o, repo := newTestOrchestrator(t)
	ctx := context.Background()

	res, err := o.Submit(ctx, clearDescription, "alice", "high")
	require.NoError(t, err)

	assert.False(t, res.NeedsClarification)
	assert.Equal(t, task.StatusAssigned, res.Status)
	assert.Regexp(t, `^[a-z]{3}\d{1,2}-\d{3}$`, res.TaskRef)

	stored, err := repo.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusAssigned, stored.Status)
	assert.Equal(t, "backend-agent-alpha", stored.AssignedAgent)
	assert.Equal(t, task.PriorityHigh, stored.Priority)
	assert.NotNil(t, stored.AssignedAt)
}

func TestSubmitVagueTaskNeedsClarification(t *testing.T) {
	o, repo := newTestOrchestrator(t)
	ctx := context.Background()

	res, err := o.Submit(ctx, "Fix the login bug", "bob", "")
	require.NoError(t, err)

	assert.True(t, res.NeedsClarification)
	assert.Equal(t, task.StatusClarificationNeeded, res.Status)
	assert.NotEmpty(t, res.Questions)

	stored, err := repo.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.AssignedAgent)
	assert.Equal(t, res.Questions, stored.ClarifyingQuestions)
}

func TestSubmitValidation(t *testing.T) {
	o, repo := newTestOrchestrator(t)
	ctx := context.Background()

	cases := []struct {
		name        string
		description string
	}{
		{"too short", "short"},
		{"whitespace only", "           "},
		{"forbidden keyword", "Please exploit the staging server to test our defenses"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := o.Submit(ctx, tc.description, "mallory", "")
			require.Error(t, err)
			assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))
		})
	}

	_, err := o.Submit(ctx, clearDescription, "alice", "whenever")
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))

	// Rejected submissions persist nothing.
	tasks, err := repo.ListRecent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestProvideClarificationAssignsTask(t *testing.T) {
	o, repo := newTestOrchestrator(t)
	ctx := context.Background()

	res, err := o.Submit(ctx, "Fix the login bug", "bob", "")
	require.NoError(t, err)
	require.True(t, res.NeedsClarification)

	snap, err := o.ProvideClarification(ctx, res.TaskRef, []string{
		"The session cookie is dropped on redirect",
		"Add a regression test for the redirect flow",
	})
	require.NoError(t, err)
	assert.Equal(t, task.StatusAssigned, snap.Status)
	assert.NotEmpty(t, snap.AssignedAgent)

	stored, err := repo.Get(ctx, res.ID)
	require.NoError(t, err)
	// The original questions stay on the task; answers land in metadata.
	assert.Equal(t, res.Questions, stored.ClarifyingQuestions)
	assert.Equal(t, res.Questions[0], stored.Meta("clarification_q1"))
	assert.Equal(t, "The session cookie is dropped on redirect", stored.Meta("clarification_a1"))
}

func TestProvideClarificationWrongState(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	res, err := o.Submit(ctx, clearDescription, "alice", "")
	require.NoError(t, err)
	require.Equal(t, task.StatusAssigned, res.Status)

	_, err = o.ProvideClarification(ctx, res.TaskRef, []string{"answer"})
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
}

func TestQueryStatusIsIdempotent(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	res, err := o.Submit(ctx, clearDescription, "alice", "")
	require.NoError(t, err)

	first, err := o.QueryStatus(ctx, res.TaskRef)
	require.NoError(t, err)
	second, err := o.QueryStatus(ctx, res.TaskRef)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// The stable id resolves to the same task as the short id.
	byStable, err := o.QueryStatus(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, byStable.ID)
}

func TestQueryStatusErrors(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.QueryStatus(ctx, "not-a-task-id")
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))

	_, err = o.QueryStatus(ctx, "sep18-999")
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}

func TestCancel(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	res, err := o.Submit(ctx, clearDescription, "alice", "")
	require.NoError(t, err)

	snap, err := o.Cancel(ctx, res.TaskRef)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, snap.Status)
	assert.NotNil(t, snap.CompletedAt)

	// Cancelling again hits the terminal-state guard.
	_, err = o.Cancel(ctx, res.TaskRef)
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.TerminalState))
}

func TestListRecentAssignsShortIDsLazily(t *testing.T) {
	o, repo := newTestOrchestrator(t)
	ctx := context.Background()

	// A task written by another process has no short id yet.
	now := time.Now().UTC().Truncate(time.Second)
	orphan := &task.Task{
		ID:          ulid.Make().String(),
		Title:       "imported task",
		Description: "imported from elsewhere",
		Category:    task.CategoryGeneral,
		Priority:    task.PriorityMedium,
		Status:      task.StatusPending,
		Requester:   "importer",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, repo.Create(ctx, orphan))

	snapshots, err := o.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Regexp(t, `^[a-z]{3}\d{1,2}-\d{3}$`, snapshots[0].TaskRef)

	stored, err := repo.Get(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, snapshots[0].TaskRef, stored.ShortID)
}

func reviewReadyTask(t *testing.T, repo *repositoryimpl.YAMLRepository, reviewID string) *task.Task {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	tk := &task.Task{
		ID:          ulid.Make().String(),
		Title:       "add audit log",
		Description: "add an audit log to the admin panel",
		Category:    task.CategoryBackend,
		Priority:    task.PriorityMedium,
		Status:      task.StatusAssigned,
		Requester:   "alice",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, tk.Transition(task.StatusInProgress, now))
	require.NoError(t, tk.Transition(task.StatusReviewReady, now))
	tk.SetMeta("review_id", reviewID)
	require.NoError(t, repo.Create(ctx, tk))
	return tk
}

func TestApproveArtifact(t *testing.T) {
	o, repo := newTestOrchestrator(t)
	ctx := context.Background()

	tk := reviewReadyTask(t, repo, "42")

	snap, err := o.ApproveArtifact(ctx, "42", "carol")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, snap.Status)
	assert.Equal(t, "carol", snap.Metadata["approved_by"])

	stored, err := repo.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)

	// A completed task cannot be approved again.
	_, err = o.ApproveArtifact(ctx, "42", "carol")
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.TerminalState))
}

func TestRejectArtifact(t *testing.T) {
	o, repo := newTestOrchestrator(t)
	ctx := context.Background()

	tk := reviewReadyTask(t, repo, "43")

	snap, err := o.RejectArtifact(ctx, "43", "does not handle pagination", "carol")
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, snap.Status)

	stored, err := repo.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, stored.Status)
	assert.Contains(t, stored.Meta("failure_reason"), "does not handle pagination")
	assert.Equal(t, "carol", stored.Meta("rejected_by"))
}

func TestApproveArtifactUnknownReview(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	_, err := o.ApproveArtifact(context.Background(), "999", "carol")
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}

func TestEscalate(t *testing.T) {
	o, repo := newTestOrchestrator(t)
	ctx := context.Background()

	res, err := o.Submit(ctx, clearDescription, "alice", "")
	require.NoError(t, err)
	stored, err := repo.Get(ctx, res.ID)
	require.NoError(t, err)
	require.True(t, stored.Status == task.StatusAssigned)

	require.NoError(t, o.Escalate(ctx, stored, "exceeded maximum duration"))

	after, err := repo.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, after.Status)
	assert.Equal(t, "exceeded maximum duration", after.Meta("failure_reason"))

	// Escalating again is a no-op, not an error.
	require.NoError(t, o.Escalate(ctx, after, "exceeded maximum duration"))
}

func TestSystemStatus(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.Submit(ctx, clearDescription, "alice", "")
	require.NoError(t, err)
	_, err = o.Submit(ctx, "Fix the login bug", "bob", "")
	require.NoError(t, err)

	status, err := o.SystemStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.StatusCounts[task.StatusAssigned])
	assert.Equal(t, 1, status.StatusCounts[task.StatusClarificationNeeded])
	assert.GreaterOrEqual(t, status.UptimeSeconds, 0.0)
	assert.Equal(t, 0, status.RecentErrorCount)
}
