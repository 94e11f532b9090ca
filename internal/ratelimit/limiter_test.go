package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAllowWithinLimit(t *testing.T) {
	m := NewMemory(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := m.Allow(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := m.Allow(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok, "fourth call in the window is rejected")

	// Other keys are unaffected.
	ok, err = m.Allow(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryWindowSlides(t *testing.T) {
	m := NewMemory(1, time.Minute)
	now := time.Date(2025, 9, 18, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := m.Allow(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Allow(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(61 * time.Second)
	ok, err = m.Allow(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok, "old calls age out of the window")
}
