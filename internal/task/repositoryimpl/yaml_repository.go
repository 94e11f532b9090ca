package repositoryimpl

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taskhub/taskhub/internal/task"
	"github.com/taskhub/taskhub/pkg/cerr"
	"github.com/taskhub/taskhub/pkg/storage"
)

const tasksPrefix = "tasks"

// YAMLRepository stores one YAML document per task.
//
// The conditional updates (Claim, FailIfActive) are serialized with a
// process-local mutex. That is enough for the single-process deployment this
// repository targets; use the MySQL repository when multiple processes share
// one store.
type YAMLRepository struct {
	storage storage.Storage
	mu      sync.Mutex
}

var _ task.Repository = (*YAMLRepository)(nil)

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

func path(id string) string {
	return fmt.Sprintf("%s/%s.yaml", tasksPrefix, id)
}

func (r *YAMLRepository) Create(ctx context.Context, t *task.Task) error {
	exists, err := r.storage.Exists(ctx, path(t.ID))
	if err != nil {
		return cerr.WrapStorageWriteError("task", err)
	}
	if exists {
		return cerr.NewError(cerr.AlreadyExists, "task already exists", nil)
	}
	return r.write(ctx, t)
}

func (r *YAMLRepository) Get(ctx context.Context, id string) (*task.Task, error) {
	data, err := r.storage.Read(ctx, path(id))
	if err != nil {
		return nil, cerr.WrapStorageReadError("task", err)
	}
	var t task.Task
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal task: %w", err))
	}
	return &t, nil
}

func (r *YAMLRepository) List(ctx context.Context, f task.Filter) ([]*task.Task, error) {
	all, err := r.readAll(ctx)
	if err != nil {
		return nil, err
	}

	var matched []*task.Task
	for _, t := range all {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Category != "" && t.Category != f.Category {
			continue
		}
		if f.AssignedAgent != "" && t.AssignedAgent != f.AssignedAgent {
			continue
		}
		matched = append(matched, t)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

func (r *YAMLRepository) Update(ctx context.Context, t *task.Task) error {
	exists, err := r.storage.Exists(ctx, path(t.ID))
	if err != nil {
		return cerr.WrapStorageWriteError("task", err)
	}
	if !exists {
		return cerr.NewError(cerr.NotFound, "task not found", nil)
	}
	return r.write(ctx, t)
}

func (r *YAMLRepository) Claim(ctx context.Context, id, agent string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if t.Status != task.StatusAssigned || t.AssignedAgent != agent {
		return false, nil
	}
	if err := t.Transition(task.StatusInProgress, now); err != nil {
		return false, err
	}
	if err := r.write(ctx, t); err != nil {
		return false, err
	}
	return true, nil
}

func (r *YAMLRepository) FailIfActive(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	switch t.Status {
	case task.StatusAssigned, task.StatusInProgress, task.StatusTesting:
	default:
		return false, nil
	}
	t.SetMeta("failure_reason", reason)
	if err := t.Transition(task.StatusFailed, now); err != nil {
		return false, err
	}
	if err := r.write(ctx, t); err != nil {
		return false, err
	}
	return true, nil
}

func (r *YAMLRepository) RecordProgress(ctx context.Context, id string, progress float64, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if t.Status != task.StatusInProgress {
		return false, nil
	}
	t.SetMeta("progress", strconv.FormatFloat(progress, 'f', 2, 64))
	t.UpdatedAt = now
	if err := r.write(ctx, t); err != nil {
		return false, err
	}
	return true, nil
}

func (r *YAMLRepository) FindAssigned(ctx context.Context, agent string) (*task.Task, error) {
	matched, err := r.List(ctx, task.Filter{Status: task.StatusAssigned, AssignedAgent: agent, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(matched) == 0 {
		return nil, nil
	}
	return matched[0], nil
}

func (r *YAMLRepository) FindStaleInProgress(ctx context.Context, cutoff time.Time) ([]*task.Task, error) {
	all, err := r.readAll(ctx)
	if err != nil {
		return nil, err
	}
	var stale []*task.Task
	for _, t := range all {
		if (t.Status != task.StatusInProgress && t.Status != task.StatusTesting) || t.StartedAt == nil {
			continue
		}
		if t.StartedAt.Before(cutoff) {
			stale = append(stale, t)
		}
	}
	return stale, nil
}

func (r *YAMLRepository) ListCreatedSince(ctx context.Context, since time.Time) ([]*task.Task, error) {
	all, err := r.readAll(ctx)
	if err != nil {
		return nil, err
	}
	var matched []*task.Task
	for _, t := range all {
		if t.CreatedAt.Before(since) {
			continue
		}
		matched = append(matched, t)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	return matched, nil
}

func (r *YAMLRepository) ListRecent(ctx context.Context, limit int) ([]*task.Task, error) {
	all, err := r.readAll(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (r *YAMLRepository) FindByMeta(ctx context.Context, key, value string) (*task.Task, error) {
	all, err := r.readAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range all {
		if t.Meta(key) == value {
			return t, nil
		}
	}
	return nil, cerr.NewError(cerr.NotFound, fmt.Sprintf("no task with %s=%s", key, value), nil)
}

func (r *YAMLRepository) CountByStatus(ctx context.Context) (map[task.Status]int, error) {
	all, err := r.readAll(ctx)
	if err != nil {
		return nil, err
	}
	counts := map[task.Status]int{}
	for _, t := range all {
		counts[t.Status]++
	}
	return counts, nil
}

func (r *YAMLRepository) readAll(ctx context.Context) ([]*task.Task, error) {
	paths, err := r.storage.List(ctx, tasksPrefix)
	if err != nil {
		return nil, cerr.WrapStorageReadError("tasks", err)
	}
	var all []*task.Task
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			continue
		}
		var t task.Task
		if err := yaml.Unmarshal(data, &t); err != nil {
			continue
		}
		all = append(all, &t)
	}
	return all, nil
}

func (r *YAMLRepository) write(ctx context.Context, t *task.Task) error {
	data, err := yaml.Marshal(t)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal task: %w", err))
	}
	if err := r.storage.Write(ctx, path(t.ID), data); err != nil {
		return cerr.WrapStorageWriteError("task", err)
	}
	return nil
}
