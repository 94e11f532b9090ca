package classifier

import (
	"context"

	"github.com/taskhub/taskhub/internal/task"
)

const (
	MinEstimatedHours = 0.1
	MaxEstimatedHours = 4.0

	maxQuestions = 5
)

// Analysis is the structured result of analyzing a free-text task description.
type Analysis struct {
	Title              string            `json:"title"`
	Category           task.Category     `json:"category"`
	EstimatedHours     float64           `json:"estimated_hours"`
	NeedsClarification bool              `json:"needs_clarification"`
	Questions          []string          `json:"questions"`
	SuccessCriteria    []string          `json:"success_criteria"`
	RequiresApproval   bool              `json:"requires_approval"`
	Metadata           map[string]string `json:"metadata"`
}

// QA is one clarification question and its answer.
type QA struct {
	Question string
	Answer   string
}

type Classifier interface {
	Analyze(ctx context.Context, description string) (*Analysis, error)
	// Reanalyze folds clarification answers into a final analysis.
	Reanalyze(ctx context.Context, description string, qa []QA) (*Analysis, error)
}

// sanitize fills defaults and enforces bounds on an analysis, whatever its origin.
func sanitize(a *Analysis, description string) *Analysis {
	if a.Title == "" {
		a.Title = truncateTitle(description)
	}
	valid := false
	for _, c := range task.Categories() {
		if a.Category == c {
			valid = true
			break
		}
	}
	if !valid {
		a.Category = task.CategoryGeneral
	}
	a.EstimatedHours = clampHours(a.EstimatedHours)
	if len(a.Questions) > maxQuestions {
		a.Questions = a.Questions[:maxQuestions]
	}
	if a.NeedsClarification && len(a.Questions) == 0 {
		a.Questions = []string{"Can you describe the task in more detail?"}
	}
	if len(a.SuccessCriteria) == 0 {
		a.SuccessCriteria = []string{"Task completed successfully"}
	}
	return a
}

func clampHours(h float64) float64 {
	if h < MinEstimatedHours {
		return MinEstimatedHours
	}
	if h > MaxEstimatedHours {
		return MaxEstimatedHours
	}
	return h
}

func truncateTitle(description string) string {
	if len(description) > 50 {
		return description[:50] + "..."
	}
	return description
}
