package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/taskhub/taskhub/internal/agent"
	"github.com/taskhub/taskhub/internal/classifier"
	"github.com/taskhub/taskhub/internal/eventbus"
	"github.com/taskhub/taskhub/internal/idregistry"
	"github.com/taskhub/taskhub/internal/scm"
	"github.com/taskhub/taskhub/internal/task"
	"github.com/taskhub/taskhub/pkg/cerr"
)

const (
	minDescriptionLength = 10
	maxDescriptionLength = 2000

	recentErrorWindow = time.Hour
)

var forbiddenKeywords = []string{"hack", "exploit", "crack", "illegal"}

// routeTable statically maps a category to the worker identity tasks of that
// category are assigned to. No queueing or load balancing: the first idle
// worker with the matching identity polls the task up.
var routeTable = map[task.Category]string{
	task.CategoryBackend:       "backend-agent-alpha",
	task.CategoryDatabase:      "database-agent-alpha",
	task.CategoryFrontend:      "frontend-agent-alpha",
	task.CategoryTesting:       "testing-agent-alpha",
	task.CategoryDocumentation: "documentation-agent-alpha",
	task.CategoryDeployment:    "deployment-agent-alpha",
	task.CategoryGeneral:       "backend-agent-alpha",
}

// Orchestrator owns task creation, clarification, assignment, queries, and
// the bridge between external review artifacts and task state.
type Orchestrator struct {
	repo       task.Repository
	agents     agent.Repository
	registry   *idregistry.Registry
	classifier classifier.Classifier
	collab     scm.Collaborator
	bus        *eventbus.Bus

	startedAt time.Time
	now       func() time.Time

	mu         sync.Mutex
	errorTimes []time.Time
}

func New(repo task.Repository, agents agent.Repository, registry *idregistry.Registry, cls classifier.Classifier, collab scm.Collaborator, bus *eventbus.Bus) *Orchestrator {
	return &Orchestrator{
		repo:       repo,
		agents:     agents,
		registry:   registry,
		classifier: cls,
		collab:     collab,
		bus:        bus,
		startedAt:  time.Now(),
		now:        time.Now,
	}
}

// Snapshot is the external view of a task.
type Snapshot struct {
	TaskRef             string            `json:"task_ref"`
	ID                  string            `json:"id"`
	Title               string            `json:"title"`
	Description         string            `json:"description"`
	Category            task.Category     `json:"category"`
	Priority            task.Priority     `json:"priority"`
	Status              task.Status       `json:"status"`
	AssignedAgent       string            `json:"assigned_agent,omitempty"`
	EstimatedHours      float64           `json:"estimated_hours"`
	ActualHours         *float64          `json:"actual_hours,omitempty"`
	Requester           string            `json:"requester"`
	ApprovalRequired    bool              `json:"approval_required"`
	ClarifyingQuestions []string          `json:"clarifying_questions,omitempty"`
	SuccessCriteria     []string          `json:"success_criteria,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
	StartedAt           *time.Time        `json:"started_at,omitempty"`
	CompletedAt         *time.Time        `json:"completed_at,omitempty"`
}

func (o *Orchestrator) snapshot(t *task.Task) *Snapshot {
	ref := t.ShortID
	if ref == "" {
		ref = t.ID
	}
	return &Snapshot{
		TaskRef:             ref,
		ID:                  t.ID,
		Title:               t.Title,
		Description:         t.Description,
		Category:            t.Category,
		Priority:            t.Priority,
		Status:              t.Status,
		AssignedAgent:       t.AssignedAgent,
		EstimatedHours:      t.EstimatedHours,
		ActualHours:         t.ActualHours,
		Requester:           t.Requester,
		ApprovalRequired:    t.ApprovalRequired,
		ClarifyingQuestions: t.ClarifyingQuestions,
		SuccessCriteria:     t.SuccessCriteria,
		Metadata:            t.Metadata,
		CreatedAt:           t.CreatedAt,
		UpdatedAt:           t.UpdatedAt,
		StartedAt:           t.StartedAt,
		CompletedAt:         t.CompletedAt,
	}
}

// SubmitResult is returned immediately from Submit.
type SubmitResult struct {
	TaskRef            string      `json:"task_ref"`
	ID                 string      `json:"id"`
	Status             task.Status `json:"status"`
	NeedsClarification bool        `json:"needs_clarification"`
	Questions          []string    `json:"questions,omitempty"`
	EstimatedHours     float64     `json:"estimated_hours"`
}

// Submit validates and classifies a new task description, persists the task,
// and returns its short id. Classifier trouble never blocks submission: the
// classifier is expected to fall back to a deterministic heuristic.
func (o *Orchestrator) Submit(ctx context.Context, description, requester, priority string) (*SubmitResult, error) {
	if err := validateDescription(description); err != nil {
		return nil, err
	}
	prio, err := task.ParsePriority(priority)
	if err != nil {
		return nil, err
	}

	analysis, err := o.classifier.Analyze(ctx, description)
	if err != nil {
		o.recordError()
		return nil, cerr.NewError(cerr.Internal, "failed to analyze task", err)
	}

	now := o.now()
	t := &task.Task{
		ID:               ulid.Make().String(),
		Title:            analysis.Title,
		Description:      description,
		Category:         analysis.Category,
		Priority:         prio,
		Status:           task.StatusPending,
		EstimatedHours:   analysis.EstimatedHours,
		Requester:        requester,
		ApprovalRequired: analysis.RequiresApproval,
		SuccessCriteria:  analysis.SuccessCriteria,
		Metadata:         analysis.Metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if analysis.NeedsClarification {
		t.ClarifyingQuestions = analysis.Questions
		if err := t.Transition(task.StatusClarificationNeeded, now); err != nil {
			return nil, err
		}
	} else {
		t.AssignedAgent = identityFor(t.Category)
		if err := t.Transition(task.StatusAssigned, now); err != nil {
			return nil, err
		}
	}

	t.ShortID = o.registry.AssignShortID(t.ID)
	if err := o.repo.Create(ctx, t); err != nil {
		o.recordError()
		return nil, err
	}

	o.bus.PublishNew(eventbus.EventTypeTaskCreated, t.ID, t.Title, map[string]string{"short_id": t.ShortID})
	if analysis.NeedsClarification {
		o.bus.PublishNew(eventbus.EventTypeClarificationNeeded, t.ID, t.Title, map[string]string{"short_id": t.ShortID})
	} else {
		o.bus.PublishNew(eventbus.EventTypeTaskAssigned, t.ID, t.Title, map[string]string{"agent": t.AssignedAgent})
	}
	slog.InfoContext(ctx, "task submitted",
		"task_id", t.ID, "short_id", t.ShortID, "status", t.Status, "category", t.Category)

	return &SubmitResult{
		TaskRef:            t.ShortID,
		ID:                 t.ID,
		Status:             t.Status,
		NeedsClarification: analysis.NeedsClarification,
		Questions:          t.ClarifyingQuestions,
		EstimatedHours:     t.EstimatedHours,
	}, nil
}

// ProvideClarification folds answers into a CLARIFICATION_NEEDED task,
// re-classifies, and assigns it. The original question list is preserved on
// the task for audit; the answers are recorded in metadata.
func (o *Orchestrator) ProvideClarification(ctx context.Context, token string, answers []string) (*Snapshot, error) {
	t, err := o.get(ctx, token)
	if err != nil {
		return nil, err
	}
	if t.Status.IsTerminal() {
		return nil, cerr.NewError(cerr.TerminalState,
			fmt.Sprintf("task %s is %s", t.ShortID, t.Status), nil)
	}
	if t.Status != task.StatusClarificationNeeded {
		return nil, cerr.NewError(cerr.FailedPrecondition,
			fmt.Sprintf("task %s is %s, not awaiting clarification", t.ShortID, t.Status), nil)
	}
	if len(answers) == 0 {
		return nil, cerr.NewError(cerr.InvalidArgument, "no clarification answers provided", nil)
	}

	qa := make([]classifier.QA, 0, len(answers))
	for i, answer := range answers {
		question := ""
		if i < len(t.ClarifyingQuestions) {
			question = t.ClarifyingQuestions[i]
		}
		qa = append(qa, classifier.QA{Question: question, Answer: answer})
	}

	analysis, err := o.classifier.Reanalyze(ctx, t.Description, qa)
	if err != nil {
		o.recordError()
		return nil, cerr.NewError(cerr.Internal, "failed to reanalyze task", err)
	}

	now := o.now()
	t.Title = analysis.Title
	t.Category = analysis.Category
	t.EstimatedHours = analysis.EstimatedHours
	t.SuccessCriteria = analysis.SuccessCriteria
	t.ApprovalRequired = analysis.RequiresApproval
	for i, pair := range qa {
		t.SetMeta(fmt.Sprintf("clarification_q%d", i+1), pair.Question)
		t.SetMeta(fmt.Sprintf("clarification_a%d", i+1), pair.Answer)
	}
	t.AssignedAgent = identityFor(t.Category)
	if err := t.Transition(task.StatusAssigned, now); err != nil {
		return nil, err
	}
	if err := o.repo.Update(ctx, t); err != nil {
		o.recordError()
		return nil, err
	}

	o.bus.PublishNew(eventbus.EventTypeTaskClarified, t.ID, t.Title, map[string]string{"agent": t.AssignedAgent})
	slog.InfoContext(ctx, "task clarified and assigned",
		"task_id", t.ID, "short_id", t.ShortID, "agent", t.AssignedAgent)
	return o.snapshot(t), nil
}

// QueryStatus returns the current snapshot of a task. It performs no mutation.
func (o *Orchestrator) QueryStatus(ctx context.Context, token string) (*Snapshot, error) {
	t, err := o.get(ctx, token)
	if err != nil {
		return nil, err
	}
	return o.snapshot(t), nil
}

// ListRecent returns the newest tasks, lazily assigning short ids to any
// task that does not have one yet.
func (o *Orchestrator) ListRecent(ctx context.Context, limit int) ([]*Snapshot, error) {
	if limit <= 0 {
		limit = 10
	}
	tasks, err := o.repo.ListRecent(ctx, limit)
	if err != nil {
		return nil, err
	}
	snapshots := make([]*Snapshot, 0, len(tasks))
	for _, t := range tasks {
		if t.ShortID == "" {
			t.ShortID = o.registry.AssignShortID(t.ID)
			if err := o.repo.Update(ctx, t); err != nil {
				slog.WarnContext(ctx, "failed to persist lazily assigned short id",
					"task_id", t.ID, "error", err)
			}
		}
		snapshots = append(snapshots, o.snapshot(t))
	}
	return snapshots, nil
}

// Cancel moves any non-terminal task to CANCELLED.
func (o *Orchestrator) Cancel(ctx context.Context, token string) (*Snapshot, error) {
	t, err := o.get(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := t.Transition(task.StatusCancelled, o.now()); err != nil {
		return nil, err
	}
	if err := o.repo.Update(ctx, t); err != nil {
		o.recordError()
		return nil, err
	}
	o.bus.PublishNew(eventbus.EventTypeTaskCancelled, t.ID, t.Title, nil)
	slog.InfoContext(ctx, "task cancelled", "task_id", t.ID, "short_id", t.ShortID)
	return o.snapshot(t), nil
}

// Escalate force-fails a task that exceeded its duration threshold. Invoked
// by the monitor sweep; it never retries the task.
func (o *Orchestrator) Escalate(ctx context.Context, t *task.Task, reason string) error {
	failed, err := o.repo.FailIfActive(ctx, t.ID, reason, o.now())
	if err != nil {
		o.recordError()
		return err
	}
	if !failed {
		slog.InfoContext(ctx, "escalation skipped, task no longer active",
			"task_id", t.ID, "status", t.Status)
		return nil
	}
	o.recordError()
	o.bus.PublishNew(eventbus.EventTypeTaskEscalated, t.ID, t.Title, map[string]string{"reason": reason})
	slog.WarnContext(ctx, "task escalated to FAILED", "task_id", t.ID, "reason", reason)
	return nil
}

// ApproveArtifact bridges an external review approval back into task state:
// REVIEW_READY -> APPROVED -> COMPLETED, merging the review when a
// collaborator is configured.
func (o *Orchestrator) ApproveArtifact(ctx context.Context, reviewID, approver string) (*Snapshot, error) {
	t, err := o.taskForReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	now := o.now()
	if err := t.Transition(task.StatusApproved, now); err != nil {
		return nil, err
	}
	t.SetMeta("approved_by", approver)

	if o.collab != nil {
		id, convErr := strconv.ParseInt(reviewID, 10, 64)
		if convErr == nil {
			sha, mergeErr := o.collab.MergeReview(ctx, id)
			if mergeErr != nil {
				o.recordError()
				slog.ErrorContext(ctx, "failed to merge review", "review_id", reviewID, "error", mergeErr)
			} else {
				t.SetMeta("merge_sha", sha)
			}
		}
	}

	if err := t.Transition(task.StatusCompleted, now); err != nil {
		return nil, err
	}
	if err := o.repo.Update(ctx, t); err != nil {
		o.recordError()
		return nil, err
	}
	o.bus.PublishNew(eventbus.EventTypeTaskApproved, t.ID, t.Title, map[string]string{"approver": approver})
	o.bus.PublishNew(eventbus.EventTypeTaskCompleted, t.ID, t.Title, nil)
	slog.InfoContext(ctx, "artifact approved, task completed",
		"task_id", t.ID, "review_id", reviewID, "approver", approver)
	return o.snapshot(t), nil
}

// RejectArtifact bridges an external review rejection: REVIEW_READY -> FAILED.
func (o *Orchestrator) RejectArtifact(ctx context.Context, reviewID, reason, rejector string) (*Snapshot, error) {
	t, err := o.taskForReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	t.SetMeta("rejected_by", rejector)
	t.SetMeta("failure_reason", "review rejected: "+reason)
	if err := t.Transition(task.StatusFailed, o.now()); err != nil {
		return nil, err
	}
	if err := o.repo.Update(ctx, t); err != nil {
		o.recordError()
		return nil, err
	}

	if o.collab != nil {
		if id, convErr := strconv.ParseInt(reviewID, 10, 64); convErr == nil {
			if closeErr := o.collab.CloseReview(ctx, id, reason); closeErr != nil {
				o.recordError()
				slog.ErrorContext(ctx, "failed to close review", "review_id", reviewID, "error", closeErr)
			}
		}
	}

	o.bus.PublishNew(eventbus.EventTypeTaskFailed, t.ID, t.Title, map[string]string{"reason": reason})
	slog.InfoContext(ctx, "artifact rejected, task failed",
		"task_id", t.ID, "review_id", reviewID, "rejector", rejector)
	return o.snapshot(t), nil
}

// SystemStatus summarizes per-state counts, uptime, recent errors, and agent
// liveness.
type SystemStatus struct {
	StatusCounts     map[task.Status]int `json:"status_counts"`
	UptimeSeconds    float64             `json:"uptime_seconds"`
	RecentErrorCount int                 `json:"recent_error_count"`
	Agents           []*agent.Record     `json:"agents,omitempty"`
}

func (o *Orchestrator) SystemStatus(ctx context.Context) (*SystemStatus, error) {
	counts, err := o.repo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	status := &SystemStatus{
		StatusCounts:     counts,
		UptimeSeconds:    o.now().Sub(o.startedAt).Seconds(),
		RecentErrorCount: o.recentErrorCount(),
	}
	if o.agents != nil {
		records, err := o.agents.List(ctx)
		if err != nil {
			slog.WarnContext(ctx, "failed to list agent records", "error", err)
		} else {
			status.Agents = records
		}
	}
	return status, nil
}

func (o *Orchestrator) get(ctx context.Context, token string) (*task.Task, error) {
	id, err := o.registry.Resolve(token)
	if err != nil {
		return nil, err
	}
	return o.repo.Get(ctx, id)
}

func (o *Orchestrator) taskForReview(ctx context.Context, reviewID string) (*task.Task, error) {
	t, err := o.repo.FindByMeta(ctx, "review_id", reviewID)
	if err != nil {
		if cerr.IsCode(err, cerr.NotFound) {
			t, err = o.repo.FindByMeta(ctx, "review_url", reviewID)
		}
		if err != nil {
			return nil, err
		}
	}
	if t.Status.IsTerminal() {
		return nil, cerr.NewError(cerr.TerminalState,
			fmt.Sprintf("task %s is already %s", t.ID, t.Status), nil)
	}
	if t.Status != task.StatusReviewReady {
		return nil, cerr.NewError(cerr.FailedPrecondition,
			fmt.Sprintf("task %s is %s, not awaiting review", t.ID, t.Status), nil)
	}
	return t, nil
}

func (o *Orchestrator) recordError() {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.now()
	cutoff := now.Add(-recentErrorWindow)
	kept := o.errorTimes[:0]
	for _, t := range o.errorTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	o.errorTimes = append(kept, now)
}

func (o *Orchestrator) recentErrorCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	cutoff := o.now().Add(-recentErrorWindow)
	count := 0
	for _, t := range o.errorTimes {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}

func validateDescription(description string) error {
	trimmed := strings.TrimSpace(description)
	if len(trimmed) < minDescriptionLength {
		return cerr.NewError(cerr.InvalidArgument,
			fmt.Sprintf("description must be at least %d characters", minDescriptionLength), nil)
	}
	if len(description) > maxDescriptionLength {
		return cerr.NewError(cerr.InvalidArgument,
			fmt.Sprintf("description too long (max %d characters)", maxDescriptionLength), nil)
	}
	lower := strings.ToLower(description)
	for _, keyword := range forbiddenKeywords {
		if strings.Contains(lower, keyword) {
			return cerr.NewError(cerr.InvalidArgument,
				fmt.Sprintf("description contains prohibited content: %s", keyword), nil)
		}
	}
	return nil
}

func identityFor(c task.Category) string {
	if identity, ok := routeTable[c]; ok {
		return identity
	}
	return routeTable[task.CategoryGeneral]
}
