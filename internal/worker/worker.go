package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/taskhub/taskhub/internal/agent"
	"github.com/taskhub/taskhub/internal/eventbus"
	"github.com/taskhub/taskhub/internal/jitter"
	"github.com/taskhub/taskhub/internal/scm"
	"github.com/taskhub/taskhub/internal/task"
	"github.com/taskhub/taskhub/internal/testrunner"
	"github.com/taskhub/taskhub/pkg/panicerr"
)

const (
	defaultPollInterval      = 10 * time.Second
	defaultProgressInterval  = 5 * time.Minute
	defaultHeartbeatInterval = 30 * time.Second
	defaultMaxTaskDuration   = 4 * time.Hour

	// progressCap keeps self-reported progress from ever claiming "done";
	// only a real completion does that.
	progressCap = 0.9

	maxFailureReasonLength = 500
)

type Config struct {
	Identity          string
	Category          string
	WorkDir           string
	PollInterval      time.Duration
	ProgressInterval  time.Duration
	HeartbeatInterval time.Duration
	MaxTaskDuration   time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = defaultProgressInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.MaxTaskDuration <= 0 {
		c.MaxTaskDuration = defaultMaxTaskDuration
	}
}

// Worker polls for tasks assigned to its identity, claims them atomically,
// and drives them through execution, testing, and hand-off to review.
type Worker struct {
	cfg      Config
	repo     task.Repository
	agents   agent.Repository
	delegate Delegate
	runner   testrunner.Runner
	collab   scm.Collaborator
	bus      *eventbus.Bus

	now func() time.Time

	busy atomic.Bool

	mu     sync.Mutex
	record agent.Record
}

func New(cfg Config, repo task.Repository, agents agent.Repository, delegate Delegate, runner testrunner.Runner, collab scm.Collaborator, bus *eventbus.Bus) *Worker {
	cfg.applyDefaults()
	return &Worker{
		cfg:      cfg,
		repo:     repo,
		agents:   agents,
		delegate: delegate,
		runner:   runner,
		collab:   collab,
		bus:      bus,
		now:      time.Now,
		record: agent.Record{
			Identity:  cfg.Identity,
			Category:  cfg.Category,
			StartedAt: time.Now(),
		},
	}
}

// Run blocks until ctx is cancelled, driving the poll and heartbeat loops.
func (w *Worker) Run(ctx context.Context) error {
	w.heartbeat(ctx)
	slog.InfoContext(ctx, "worker started",
		"identity", w.cfg.Identity, "category", w.cfg.Category,
		"poll_interval", w.cfg.PollInterval, "max_task_duration", w.cfg.MaxTaskDuration)

	var wg conc.WaitGroup
	wg.Go(func() {
		if err := panicerr.SafeContext(w.pollLoop)(ctx); err != nil {
			slog.ErrorContext(ctx, "poll loop terminated", "identity", w.cfg.Identity, "error", err)
		}
	})
	wg.Go(func() {
		if err := panicerr.SafeContext(w.heartbeatLoop)(ctx); err != nil {
			slog.ErrorContext(ctx, "heartbeat loop terminated", "identity", w.cfg.Identity, "error", err)
		}
	})
	wg.Wait()
	return nil
}

// pollLoop ticks at the poll interval and hands every claimed task to its
// own goroutine, so the loop itself never blocks on a running task.
func (w *Worker) pollLoop(ctx context.Context) error {
	var wg conc.WaitGroup
	defer wg.Wait()
	for {
		if !sleep(ctx, jitter.Duration(w.cfg.PollInterval)) {
			return nil
		}
		if w.busy.Load() {
			continue
		}
		taskID := w.claimNext(ctx)
		if taskID == "" {
			continue
		}
		w.busy.Store(true)
		wg.Go(func() {
			defer w.busy.Store(false)
			w.runTask(ctx, taskID)
		})
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) error {
	for {
		if !sleep(ctx, jitter.Duration(w.cfg.HeartbeatInterval)) {
			return nil
		}
		w.heartbeat(ctx)
	}
}

// PollOnce looks for the oldest task assigned to this worker and, if the
// claim wins, executes it to completion. Exported for tests and for one-shot
// invocations.
func (w *Worker) PollOnce(ctx context.Context) {
	if taskID := w.claimNext(ctx); taskID != "" {
		w.runTask(ctx, taskID)
	}
}

// claimNext finds the oldest task assigned to this worker and claims it with
// a conditional update. Returns "" when there is nothing to do or another
// replica with the same identity won the race.
func (w *Worker) claimNext(ctx context.Context) string {
	t, err := w.repo.FindAssigned(ctx, w.cfg.Identity)
	if err != nil {
		w.countError()
		slog.ErrorContext(ctx, "failed to poll for assigned tasks",
			"identity", w.cfg.Identity, "error", err)
		return ""
	}
	if t == nil {
		return ""
	}

	claimed, err := w.repo.Claim(ctx, t.ID, w.cfg.Identity, w.now())
	if err != nil {
		w.countError()
		slog.ErrorContext(ctx, "claim failed", "task_id", t.ID, "error", err)
		return ""
	}
	if !claimed {
		slog.InfoContext(ctx, "claim lost", "task_id", t.ID, "identity", w.cfg.Identity)
		return ""
	}

	w.setCurrentTask(t.ID)
	w.heartbeat(ctx)
	w.bus.PublishNew(eventbus.EventTypeTaskClaimed, t.ID, t.Title, map[string]string{"agent": w.cfg.Identity})
	slog.InfoContext(ctx, "task claimed", "task_id", t.ID, "identity", w.cfg.Identity)
	return t.ID
}

func (w *Worker) runTask(ctx context.Context, taskID string) {
	w.execute(ctx, taskID)
	w.setCurrentTask("")
	w.heartbeat(ctx)
}

func (w *Worker) execute(ctx context.Context, taskID string) {
	t, err := w.repo.Get(ctx, taskID)
	if err != nil {
		w.countError()
		slog.ErrorContext(ctx, "failed to load claimed task", "task_id", taskID, "error", err)
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, w.cfg.MaxTaskDuration)
	defer cancel()

	startedAt := w.now()
	stopProgress := w.reportProgress(taskCtx, t, cancel, startedAt)
	result, execErr := w.delegate.Execute(taskCtx, briefFor(t))
	stopProgress()

	if execErr != nil {
		reason := truncateReason(execErr.Error())
		switch {
		case errors.Is(taskCtx.Err(), context.DeadlineExceeded):
			reason = fmt.Sprintf("exceeded maximum task duration of %s", w.cfg.MaxTaskDuration)
		case errors.Is(taskCtx.Err(), context.Canceled) && ctx.Err() == nil:
			// The task was cancelled or escalated in the store while the
			// delegate ran; the progress watcher pulled the plug. The store
			// already holds the final state.
			slog.InfoContext(ctx, "delegate stopped, task no longer in progress", "task_id", taskID)
			return
		}
		w.fail(ctx, taskID, reason)
		return
	}

	w.finish(ctx, taskID, result, w.now().Sub(startedAt))
}

// reportProgress periodically writes an elapsed-over-estimate progress figure
// to the task while the delegate runs. It doubles as the cancellation watch:
// when the stored task leaves IN_PROGRESS (cancelled, escalated), it cancels
// the delegate's context. Returns a stop function.
func (w *Worker) reportProgress(ctx context.Context, t *task.Task, cancel context.CancelFunc, startedAt time.Time) func() {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		for {
			if !sleepOr(ctx, done, jitter.Duration(w.cfg.ProgressInterval)) {
				return
			}
			progress := progressCap
			if t.EstimatedHours > 0 {
				elapsed := w.now().Sub(startedAt).Hours()
				progress = min(elapsed/t.EstimatedHours, progressCap)
			}
			ok, err := w.repo.RecordProgress(ctx, t.ID, progress, w.now())
			if err != nil {
				slog.WarnContext(ctx, "failed to record progress", "task_id", t.ID, "error", err)
				continue
			}
			if !ok {
				// The task left IN_PROGRESS under us (cancelled, escalated).
				cancel()
				return
			}
			w.bus.PublishNew(eventbus.EventTypeTaskProgress, t.ID, t.Title,
				map[string]string{"progress": strconv.FormatFloat(progress, 'f', 2, 64)})
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

func (w *Worker) finish(ctx context.Context, taskID string, result *Result, elapsed time.Duration) {
	t, err := w.repo.Get(ctx, taskID)
	if err != nil {
		w.countError()
		slog.ErrorContext(ctx, "failed to reload task after execution", "task_id", taskID, "error", err)
		return
	}
	if t.Status != task.StatusInProgress {
		// Cancelled or escalated while the delegate was running.
		slog.InfoContext(ctx, "task no longer in progress, discarding result",
			"task_id", taskID, "status", t.Status)
		return
	}

	now := w.now()
	if report, failReason := w.runTests(ctx, t, result); failReason != "" {
		w.fail(ctx, taskID, failReason)
		return
	} else if report != nil {
		t.SetMeta("tests_passed", strconv.Itoa(report.PassedCount))
	}

	if w.collab != nil && len(result.Files) > 0 {
		w.openReview(ctx, t, result)
	}

	hours := result.ActualHours
	if hours <= 0 {
		hours = elapsed.Hours()
	}
	t.ActualHours = &hours
	if result.Summary != "" {
		t.SetMeta("result_summary", truncateReason(result.Summary))
	}
	t.SetMeta("progress", "1.00")

	next := task.StatusCompleted
	eventType := eventbus.EventTypeTaskCompleted
	if t.ApprovalRequired {
		next = task.StatusReviewReady
		eventType = eventbus.EventTypeTaskReviewReady
	}
	if err := t.Transition(next, now); err != nil {
		w.countError()
		slog.ErrorContext(ctx, "failed to finish task", "task_id", taskID, "error", err)
		return
	}
	if err := w.repo.Update(ctx, t); err != nil {
		w.countError()
		slog.ErrorContext(ctx, "failed to persist finished task", "task_id", taskID, "error", err)
		return
	}

	w.mu.Lock()
	w.record.TasksCompleted++
	w.mu.Unlock()
	w.bus.PublishNew(eventType, t.ID, t.Title, map[string]string{"agent": w.cfg.Identity})
	slog.InfoContext(ctx, "task finished",
		"task_id", taskID, "status", next, "actual_hours", hours)
}

// runTests moves the task through TESTING when a test command applies.
// Returns a non-empty failure reason when the suite fails.
func (w *Worker) runTests(ctx context.Context, t *task.Task, result *Result) (*testrunner.Report, string) {
	runner := w.runner
	if runner == nil && result.TestCommand != "" {
		runner = testrunner.NewShellRunner(result.TestCommand, w.cfg.WorkDir)
	}
	if runner == nil || len(result.Files) == 0 {
		return nil, ""
	}

	if err := t.Transition(task.StatusTesting, w.now()); err != nil {
		return nil, truncateReason(err.Error())
	}
	if err := w.repo.Update(ctx, t); err != nil {
		return nil, truncateReason(err.Error())
	}

	paths := make([]string, len(result.Files))
	for i, f := range result.Files {
		paths[i] = f.Path
	}
	report, err := runner.Run(ctx, paths)
	if err != nil {
		w.countError()
		return nil, truncateReason("test run error: " + err.Error())
	}
	if !report.AllPassed {
		return report, fmt.Sprintf("tests failed: %d failed, %d passed", report.FailedCount, report.PassedCount)
	}
	return report, ""
}

// openReview pushes the produced files to a branch and opens a review,
// recording its id and url on the task. Review trouble does not fail the
// task: the work is done, the hand-off can be retried by hand.
func (w *Worker) openReview(ctx context.Context, t *task.Task, result *Result) {
	ref := t.ShortID
	if ref == "" {
		ref = t.ID
	}
	branch := "task/" + ref

	files := make([]scm.File, len(result.Files))
	for i, f := range result.Files {
		files[i] = scm.File{Path: f.Path, Content: f.Content}
	}

	if err := w.collab.CreateBranch(ctx, branch); err != nil {
		w.countError()
		slog.ErrorContext(ctx, "failed to create branch", "task_id", t.ID, "branch", branch, "error", err)
		return
	}
	if err := w.collab.CommitFiles(ctx, branch, files, t.Title); err != nil {
		w.countError()
		slog.ErrorContext(ctx, "failed to commit files", "task_id", t.ID, "branch", branch, "error", err)
		return
	}
	id, url, err := w.collab.OpenReview(ctx, branch, t.Title, result.Summary)
	if err != nil {
		w.countError()
		slog.ErrorContext(ctx, "failed to open review", "task_id", t.ID, "branch", branch, "error", err)
		return
	}
	t.SetMeta("review_id", strconv.FormatInt(id, 10))
	t.SetMeta("review_url", url)
	slog.InfoContext(ctx, "review opened", "task_id", t.ID, "review_id", id, "url", url)
}

func (w *Worker) fail(ctx context.Context, taskID, reason string) {
	failed, err := w.repo.FailIfActive(ctx, taskID, reason, w.now())
	if err != nil {
		w.countError()
		slog.ErrorContext(ctx, "failed to mark task as failed", "task_id", taskID, "error", err)
		return
	}
	if !failed {
		// Cancelled or escalated first; the store already holds the final state.
		slog.InfoContext(ctx, "task no longer active, skipping failure", "task_id", taskID)
		return
	}
	w.mu.Lock()
	w.record.TasksFailed++
	w.record.ErrorsEncountered++
	w.mu.Unlock()
	w.bus.PublishNew(eventbus.EventTypeTaskFailed, taskID, reason, map[string]string{"agent": w.cfg.Identity})
	slog.WarnContext(ctx, "task failed", "task_id", taskID, "reason", reason)
}

func (w *Worker) heartbeat(ctx context.Context) {
	w.mu.Lock()
	w.record.LastHeartbeat = w.now()
	snapshot := w.record
	w.mu.Unlock()

	if err := w.agents.Upsert(ctx, &snapshot); err != nil {
		slog.WarnContext(ctx, "failed to write heartbeat", "identity", w.cfg.Identity, "error", err)
		return
	}
	w.bus.PublishNew(eventbus.EventTypeAgentHeartbeat, w.cfg.Identity, "", nil)
}

func (w *Worker) setCurrentTask(id string) {
	w.mu.Lock()
	if id != "" {
		w.record.TasksAssigned++
	}
	w.record.CurrentTaskID = id
	w.mu.Unlock()
}

func (w *Worker) countError() {
	w.mu.Lock()
	w.record.ErrorsEncountered++
	w.mu.Unlock()
}

func briefFor(t *task.Task) *Brief {
	clarifications := map[string]string{}
	for i := 1; ; i++ {
		q := t.Meta(fmt.Sprintf("clarification_q%d", i))
		a := t.Meta(fmt.Sprintf("clarification_a%d", i))
		if a == "" {
			break
		}
		clarifications[q] = a
	}
	return &Brief{
		TaskID:          t.ID,
		ShortID:         t.ShortID,
		Title:           t.Title,
		Description:     t.Description,
		Category:        string(t.Category),
		EstimatedHours:  t.EstimatedHours,
		SuccessCriteria: t.SuccessCriteria,
		Clarifications:  clarifications,
	}
}

func truncateReason(s string) string {
	if len(s) > maxFailureReasonLength {
		return s[:maxFailureReasonLength] + "..."
	}
	return s
}

// sleep waits for d or until ctx is done; reports false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func sleepOr(ctx context.Context, done <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-done:
		return false
	case <-timer.C:
		return true
	}
}
