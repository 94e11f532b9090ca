package task

import (
	"context"
	"time"
)

// Filter narrows List results. Zero values mean "any".
type Filter struct {
	Status        Status
	Category      Category
	AssignedAgent string
	Limit         int
}

type Repository interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context, f Filter) ([]*Task, error)
	Update(ctx context.Context, t *Task) error

	// Claim atomically moves the task from ASSIGNED to IN_PROGRESS, but only
	// if its status is still ASSIGNED and its assigned agent still matches.
	// It returns false when another claimant won the race or the task moved on.
	Claim(ctx context.Context, id, agent string, now time.Time) (bool, error)

	// FailIfActive atomically moves an ASSIGNED, IN_PROGRESS, or TESTING task
	// to FAILED, recording reason in metadata. It returns false if the task
	// was no longer in an active state.
	FailIfActive(ctx context.Context, id, reason string, now time.Time) (bool, error)

	// RecordProgress writes the progress figure to metadata, but only if the
	// task is still IN_PROGRESS. It returns false when the task has moved on,
	// so a stale progress write can never resurrect a finished task.
	RecordProgress(ctx context.Context, id string, progress float64, now time.Time) (bool, error)

	// FindAssigned returns the oldest task with status ASSIGNED addressed to agent,
	// or nil when there is none.
	FindAssigned(ctx context.Context, agent string) (*Task, error)

	// FindStaleInProgress returns tasks still executing (IN_PROGRESS or
	// TESTING) that started before cutoff.
	FindStaleInProgress(ctx context.Context, cutoff time.Time) ([]*Task, error)

	// ListCreatedSince returns tasks created at or after since, oldest first.
	ListCreatedSince(ctx context.Context, since time.Time) ([]*Task, error)

	// ListRecent returns up to limit tasks, newest first.
	ListRecent(ctx context.Context, limit int) ([]*Task, error)

	// FindByMeta returns the first task whose metadata[key] equals value.
	FindByMeta(ctx context.Context, key, value string) (*Task, error)

	// CountByStatus returns the number of tasks per status.
	CountByStatus(ctx context.Context) (map[Status]int, error)
}
