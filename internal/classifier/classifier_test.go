package classifier

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhub/taskhub/internal/task"
)

func TestHeuristicCategories(t *testing.T) {
	tests := []struct {
		description string
		want        task.Category
	}{
		{"Create a health check endpoint returning OK from the api", task.CategoryBackend},
		{"Add an index to the users table in the database", task.CategoryDatabase},
		{"Improve the css layout of the settings template", task.CategoryFrontend},
		{"Write unit test coverage for the billing module", task.CategoryTesting},
		{"Update the readme with setup instructions for new developers", task.CategoryDocumentation},
		{"Add a docker container build step to the release process", task.CategoryDeployment},
		{"Investigate the weird behavior reported by the support team", task.CategoryGeneral},
		// "guide" must not trip the "ui" keyword.
		{"Write an onboarding guide for the new support rotation", task.CategoryGeneral},
	}
	h := NewHeuristic()
	for _, tt := range tests {
		a, err := h.Analyze(context.Background(), tt.description)
		require.NoError(t, err)
		assert.Equal(t, tt.want, a.Category, tt.description)
	}
}

func TestHeuristicEstimateBounds(t *testing.T) {
	h := NewHeuristic()
	descriptions := []string{
		"quick",
		"Build a comprehensive advanced complex data pipeline with extensive refactoring and optimization across every module in the system, touching the database schema, the api surface, the frontend rendering layer, the deployment scripts and all existing documentation so that everything stays consistent end to end",
		"fix the login page",
	}
	for _, d := range descriptions {
		a, err := h.Analyze(context.Background(), d)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, a.EstimatedHours, MinEstimatedHours, d)
		assert.LessOrEqual(t, a.EstimatedHours, MaxEstimatedHours, d)
	}
}

func TestHeuristicNeedsClarification(t *testing.T) {
	h := NewHeuristic()

	a, err := h.Analyze(context.Background(), "fix it")
	require.NoError(t, err)
	assert.True(t, a.NeedsClarification, "short descriptions need clarification")
	assert.NotEmpty(t, a.Questions)

	a, err = h.Analyze(context.Background(), "should we maybe change the color of the login button somehow?")
	require.NoError(t, err)
	assert.True(t, a.NeedsClarification, "questions in the description need clarification")

	a, err = h.Analyze(context.Background(), "Create a health check endpoint returning OK for the load balancer")
	require.NoError(t, err)
	assert.False(t, a.NeedsClarification)
}

func TestHeuristicReanalyze(t *testing.T) {
	h := NewHeuristic()
	qa := []QA{{Question: "What is broken?", Answer: "the login button is unresponsive on mobile"}}

	a, err := h.Reanalyze(context.Background(), "fix it", qa)
	require.NoError(t, err)
	assert.False(t, a.NeedsClarification)
	assert.Empty(t, a.Questions)
	assert.GreaterOrEqual(t, a.EstimatedHours, MinEstimatedHours)
	assert.LessOrEqual(t, a.EstimatedHours, MaxEstimatedHours)
	assert.Contains(t, a.SuccessCriteria, "Clarification requirements satisfied")
}

type failingClassifier struct{}

func (f *failingClassifier) Analyze(context.Context, string) (*Analysis, error) {
	return nil, errors.New("upstream unavailable")
}

func (f *failingClassifier) Reanalyze(context.Context, string, []QA) (*Analysis, error) {
	return nil, errors.New("upstream unavailable")
}

func TestFallbackAbsorbsPrimaryFailure(t *testing.T) {
	f := NewFallback(&failingClassifier{}, NewHeuristic(), 0)

	a, err := f.Analyze(context.Background(), "Create a health check endpoint returning OK")
	require.NoError(t, err, "classifier failures must never surface")
	assert.Equal(t, task.CategoryBackend, a.Category)

	a, err = f.Reanalyze(context.Background(), "fix it", []QA{{Question: "q", Answer: "the login button is unresponsive"}})
	require.NoError(t, err)
	assert.False(t, a.NeedsClarification)
}

func TestFallbackWithoutPrimary(t *testing.T) {
	f := NewFallback(nil, NewHeuristic(), 0)
	a, err := f.Analyze(context.Background(), "Write unit test coverage for the parser")
	require.NoError(t, err)
	assert.Equal(t, task.CategoryTesting, a.Category)
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, extractJSON("Here you go:\n{\"a\":1}\nDone."))
	assert.Equal(t, `{"a":1}`, extractJSON(`{"a":1}`))
	assert.Equal(t, "no braces", extractJSON("no braces"))
}
