package classifier

import (
	"context"
	"strings"
	"unicode"

	"github.com/taskhub/taskhub/internal/task"
)

// Heuristic is a deterministic keyword-based classifier. It needs no network
// access and serves as the fallback when the Claude classifier is
// unavailable or times out.
type Heuristic struct{}

var _ Classifier = (*Heuristic)(nil)

func NewHeuristic() *Heuristic {
	return &Heuristic{}
}

var categoryKeywords = []struct {
	category task.Category
	words    []string
}{
	{task.CategoryBackend, []string{"api", "endpoint", "server", "route", "backend"}},
	{task.CategoryDatabase, []string{"database", "sql", "table", "schema", "migration"}},
	{task.CategoryFrontend, []string{"ui", "frontend", "html", "css", "javascript", "template"}},
	{task.CategoryTesting, []string{"test", "testing", "unit test", "coverage"}},
	{task.CategoryDocumentation, []string{"docs", "documentation", "readme", "comments"}},
	{task.CategoryDeployment, []string{"deploy", "deployment", "docker", "container"}},
}

var complexityKeywords = map[string]float64{
	"simple": 0.5, "basic": 0.5, "quick": 0.5,
	"create": 1.0, "build": 1.5, "implement": 2.0,
	"complex": 2.5, "advanced": 3.0, "comprehensive": 3.5,
	"refactor": 2.0, "optimize": 1.5, "fix": 1.0,
	"database": 1.5, "api": 1.0, "frontend": 2.0,
	"testing": 1.0, "documentation": 0.5,
}

func (h *Heuristic) Analyze(_ context.Context, description string) (*Analysis, error) {
	lower := strings.ToLower(description)

	needsClarification := len(strings.Fields(description)) < 10 || strings.Contains(description, "?")
	var questions []string
	if needsClarification {
		if strings.Contains(lower, "create") || strings.Contains(lower, "build") {
			questions = append(questions,
				"What specific features should be included?",
				"Are there any technical requirements or constraints?")
		}
		if strings.Contains(lower, "fix") {
			questions = append(questions,
				"What exactly is the problem or bug?",
				"How should the fix be tested?")
		}
	}

	return sanitize(&Analysis{
		Title:              truncateTitle(description),
		Category:           detectCategory(lower),
		EstimatedHours:     estimateComplexity(description),
		NeedsClarification: needsClarification,
		Questions:          questions,
		SuccessCriteria: []string{
			"Implementation completed according to specification",
			"All tests pass",
			"Code follows project standards",
		},
		RequiresApproval: true,
		Metadata:         map[string]string{"analysis_method": "heuristic"},
	}, description), nil
}

func (h *Heuristic) Reanalyze(ctx context.Context, description string, qa []QA) (*Analysis, error) {
	base, err := h.Analyze(ctx, description)
	if err != nil {
		return nil, err
	}

	combined := description
	for _, pair := range qa {
		combined += " " + pair.Answer
	}

	base.NeedsClarification = false
	base.Questions = nil
	base.EstimatedHours = clampHours(estimateComplexity(combined))
	base.SuccessCriteria = append(base.SuccessCriteria, "Clarification requirements satisfied")
	base.Metadata = map[string]string{
		"analysis_method":        "heuristic_clarification",
		"clarification_provided": "true",
	}
	return base, nil
}

// detectCategory matches keywords against whole words, so "ui" does not
// trip on "build". Multi-word keywords fall back to substring matching.
func detectCategory(lower string) task.Category {
	words := map[string]bool{}
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		words[w] = true
	}
	for _, ck := range categoryKeywords {
		for _, kw := range ck.words {
			if strings.ContainsRune(kw, ' ') {
				if strings.Contains(lower, kw) {
					return ck.category
				}
				continue
			}
			if words[kw] {
				return ck.category
			}
		}
	}
	return task.CategoryGeneral
}

func estimateComplexity(description string) float64 {
	lower := strings.ToLower(description)
	base := 1.0
	for keyword, hours := range complexityKeywords {
		if strings.Contains(lower, keyword) && hours > base {
			base = hours
		}
	}
	switch {
	case len(description) > 500:
		base *= 1.2
	case len(description) < 100:
		base *= 0.8
	}
	return clampHours(base)
}
