package testrunner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShellRunnerPass(t *testing.T) {
	r := NewShellRunner("echo '3 passed'", t.TempDir())
	report, err := r.Run(context.Background(), []string{"a.go"})
	require.NoError(t, err)
	assert.True(t, report.AllPassed)
	assert.Equal(t, 3, report.PassedCount)
	assert.Equal(t, 0, report.FailedCount)
	assert.Contains(t, report.RawOutput, "3 passed")
}

func TestShellRunnerFail(t *testing.T) {
	r := NewShellRunner("echo '1 failed'; exit 1", t.TempDir())
	report, err := r.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, report.AllPassed)
	assert.Equal(t, 1, report.FailedCount)
}

func TestShellRunnerInvalidCommand(t *testing.T) {
	r := NewShellRunner("if then fi", t.TempDir())
	_, err := r.Run(context.Background(), nil)
	require.Error(t, err)
}
