package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhub/taskhub/pkg/cerr"
)

func TestStatusCanTransitionTo(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
		ok   bool
	}{
		{StatusPending, StatusClarificationNeeded, true},
		{StatusPending, StatusAssigned, true},
		{StatusPending, StatusInProgress, false},
		{StatusClarificationNeeded, StatusAssigned, true},
		{StatusClarificationNeeded, StatusInProgress, false},
		{StatusAssigned, StatusInProgress, true},
		{StatusAssigned, StatusFailed, true},
		{StatusAssigned, StatusCompleted, false},
		{StatusInProgress, StatusTesting, true},
		{StatusInProgress, StatusReviewReady, true},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusFailed, true},
		{StatusTesting, StatusReviewReady, true},
		{StatusReviewReady, StatusApproved, true},
		{StatusReviewReady, StatusFailed, true},
		{StatusReviewReady, StatusCompleted, false},
		{StatusApproved, StatusCompleted, true},
		{StatusApproved, StatusFailed, false},
		{StatusPending, StatusCancelled, true},
		{StatusInProgress, StatusCancelled, true},
		{StatusReviewReady, StatusCancelled, true},
		{StatusCompleted, StatusCancelled, false},
		{StatusFailed, StatusAssigned, false},
		{StatusCancelled, StatusCancelled, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestTransitionTerminalState(t *testing.T) {
	now := time.Now()
	for _, terminal := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		tk := &Task{ID: "t1", Status: terminal}
		err := tk.Transition(StatusAssigned, now)
		require.Error(t, err)
		assert.True(t, cerr.IsCode(err, cerr.TerminalState))
		assert.Equal(t, terminal, tk.Status, "status must not change on a rejected transition")
	}
}

func TestTransitionInvalidEdge(t *testing.T) {
	now := time.Now()
	tk := &Task{ID: "t1", Status: StatusPending}
	err := tk.Transition(StatusInProgress, now)
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
	assert.Equal(t, StatusPending, tk.Status)
}

func TestTransitionTimestamps(t *testing.T) {
	t0 := time.Date(2025, 9, 18, 10, 0, 0, 0, time.UTC)
	tk := &Task{ID: "t1", Status: StatusAssigned, AssignedAgent: "backend-agent-alpha"}

	require.NoError(t, tk.Transition(StatusInProgress, t0))
	require.NotNil(t, tk.StartedAt)
	assert.Equal(t, t0, *tk.StartedAt)

	t1 := t0.Add(time.Hour)
	require.NoError(t, tk.Transition(StatusReviewReady, t1))
	assert.Nil(t, tk.CompletedAt)

	t2 := t1.Add(time.Minute)
	require.NoError(t, tk.Transition(StatusApproved, t2))
	assert.Empty(t, tk.AssignedAgent)

	t3 := t2.Add(time.Minute)
	require.NoError(t, tk.Transition(StatusCompleted, t3))
	require.NotNil(t, tk.CompletedAt)
	assert.Equal(t, t3, *tk.CompletedAt)
	assert.Equal(t, t0, *tk.StartedAt, "startedAt is set exactly once")
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityMedium, p)

	p, err = ParsePriority("urgent")
	require.NoError(t, err)
	assert.Equal(t, PriorityUrgent, p)

	_, err = ParsePriority("asap")
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))
}
