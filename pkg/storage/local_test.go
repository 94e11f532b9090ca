package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Write(ctx, "tasks/a.yaml", []byte("title: a")))

	data, err := s.Read(ctx, "tasks/a.yaml")
	require.NoError(t, err)
	assert.Equal(t, "title: a", string(data))

	exists, err := s.Exists(ctx, "tasks/a.yaml")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.Delete(ctx, "tasks/a.yaml"))
	_, err = s.Read(ctx, "tasks/a.yaml")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStorageListSkipsInterruptedWrites(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewLocalStorage(dir)
	require.NoError(t, err)

	require.NoError(t, s.Write(ctx, "tasks/a.yaml", []byte("title: a")))
	require.NoError(t, s.Write(ctx, "tasks/b.yaml", []byte("title: b")))

	// A crash between the temp write and the rename leaves a staging file
	// behind; it must never surface as a record.
	leftover := filepath.Join(dir, "tasks", "c.yaml"+tmpSuffix)
	require.NoError(t, os.WriteFile(leftover, []byte("title: c"), 0o644))

	paths, err := s.List(ctx, "tasks")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"tasks/a.yaml", "tasks/b.yaml"}, paths)
}
