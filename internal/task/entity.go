package task

import (
	"fmt"
	"time"

	"github.com/taskhub/taskhub/pkg/cerr"
)

type Status string

const (
	StatusPending             Status = "PENDING"
	StatusClarificationNeeded Status = "CLARIFICATION_NEEDED"
	StatusAssigned            Status = "ASSIGNED"
	StatusInProgress          Status = "IN_PROGRESS"
	StatusTesting             Status = "TESTING"
	StatusReviewReady         Status = "REVIEW_READY"
	StatusApproved            Status = "APPROVED"
	StatusCompleted           Status = "COMPLETED"
	StatusFailed              Status = "FAILED"
	StatusCancelled           Status = "CANCELLED"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// transitions lists the allowed next statuses for each non-terminal status.
// CANCELLED is reachable from every non-terminal status and is handled in
// CanTransitionTo rather than repeated here.
var transitions = map[Status][]Status{
	StatusPending:             {StatusClarificationNeeded, StatusAssigned},
	StatusClarificationNeeded: {StatusAssigned},
	StatusAssigned:            {StatusInProgress, StatusFailed},
	StatusInProgress:          {StatusTesting, StatusReviewReady, StatusCompleted, StatusFailed},
	StatusTesting:             {StatusReviewReady, StatusCompleted, StatusFailed},
	StatusReviewReady:         {StatusApproved, StatusFailed},
	StatusApproved:            {StatusCompleted},
}

func (s Status) CanTransitionTo(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StatusCancelled {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type Category string

const (
	CategoryBackend       Category = "backend"
	CategoryDatabase      Category = "database"
	CategoryFrontend      Category = "frontend"
	CategoryTesting       Category = "testing"
	CategoryDocumentation Category = "documentation"
	CategoryDeployment    Category = "deployment"
	CategoryGeneral       Category = "general"
)

func Categories() []Category {
	return []Category{
		CategoryBackend,
		CategoryDatabase,
		CategoryFrontend,
		CategoryTesting,
		CategoryDocumentation,
		CategoryDeployment,
		CategoryGeneral,
	}
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return Priority(s), nil
	case "":
		return PriorityMedium, nil
	}
	return "", cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown priority %q", s), nil)
}

type Task struct {
	ID                  string            `yaml:"id" json:"id"`
	ShortID             string            `yaml:"short_id,omitempty" json:"short_id,omitempty"`
	Title               string            `yaml:"title" json:"title"`
	Description         string            `yaml:"description" json:"description"`
	Category            Category          `yaml:"category" json:"category"`
	Priority            Priority          `yaml:"priority" json:"priority"`
	Status              Status            `yaml:"status" json:"status"`
	AssignedAgent       string            `yaml:"assigned_agent,omitempty" json:"assigned_agent,omitempty"`
	EstimatedHours      float64           `yaml:"estimated_hours" json:"estimated_hours"`
	ActualHours         *float64          `yaml:"actual_hours,omitempty" json:"actual_hours,omitempty"`
	Requester           string            `yaml:"requester" json:"requester"`
	ApprovalRequired    bool              `yaml:"approval_required" json:"approval_required"`
	ClarifyingQuestions []string          `yaml:"clarifying_questions,omitempty" json:"clarifying_questions,omitempty"`
	SuccessCriteria     []string          `yaml:"success_criteria,omitempty" json:"success_criteria,omitempty"`
	Metadata            map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt           time.Time         `yaml:"created_at" json:"created_at"`
	UpdatedAt           time.Time         `yaml:"updated_at" json:"updated_at"`
	AssignedAt          *time.Time        `yaml:"assigned_at,omitempty" json:"assigned_at,omitempty"`
	StartedAt           *time.Time        `yaml:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt         *time.Time        `yaml:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// Transition moves the task to next, enforcing the state machine and the
// set-once timestamp invariants. The task is not persisted here.
func (t *Task) Transition(next Status, now time.Time) error {
	if t.Status.IsTerminal() {
		return cerr.NewError(cerr.TerminalState,
			fmt.Sprintf("task %s is %s and cannot change state", t.ID, t.Status), nil)
	}
	if !t.Status.CanTransitionTo(next) {
		return cerr.NewError(cerr.FailedPrecondition,
			fmt.Sprintf("task %s cannot go from %s to %s", t.ID, t.Status, next), nil)
	}
	t.Status = next
	t.UpdatedAt = now
	switch {
	case next == StatusAssigned:
		t.AssignedAt = &now
	case next == StatusInProgress && t.StartedAt == nil:
		t.StartedAt = &now
	case next.IsTerminal() && t.CompletedAt == nil:
		t.CompletedAt = &now
	}
	// assignedAgent is only meaningful while a worker can still act on the task.
	if next.IsTerminal() || next == StatusApproved {
		t.AssignedAgent = ""
	}
	return nil
}

// SetMeta records a metadata key, allocating the map on first use.
func (t *Task) SetMeta(key, value string) {
	if t.Metadata == nil {
		t.Metadata = map[string]string{}
	}
	t.Metadata[key] = value
}

func (t *Task) Meta(key string) string {
	if t.Metadata == nil {
		return ""
	}
	return t.Metadata[key]
}
