package fs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drmcore/internal/core/domain"
	"drmcore/internal/storage"
)

func TestStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := New(t.TempDir())

	require.NoError(t, s.Put(ctx, "rights/a.lic", []byte("license"), "application/json"))

	data, info, err := s.Get(ctx, "rights/a.lic")
	require.NoError(t, err)
	assert.Equal(t, []byte("license"), data)
	assert.Equal(t, int64(7), info.Size)

	require.NoError(t, s.Put(ctx, "rights/a.lic", []byte("v2"), ""))
	data, _, err = s.Get(ctx, "rights/a.lic")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)

	require.NoError(t, s.Delete(ctx, "rights/a.lic"))
	require.NoError(t, s.Delete(ctx, "rights/a.lic"))

	_, _, err = s.Get(ctx, "rights/a.lic")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_AbsolutePath(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := New("")

	p := filepath.Join(dir, "x.lic")
	require.NoError(t, s.Put(ctx, p, []byte("x"), ""))
	_, err := os.Stat(p)
	assert.NoError(t, err)
}

func TestStore_Errors(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := New(dir)

	assert.ErrorIs(t, s.Put(ctx, "", []byte("x"), ""), domain.ErrIO)
	assert.ErrorIs(t, s.Put(ctx, "../outside.lic", []byte("x"), ""), domain.ErrIO)

	// A regular file where a directory is expected.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blocker"), []byte("x"), 0o644))
	assert.ErrorIs(t, s.Put(ctx, "blocker/child.lic", []byte("x"), ""), domain.ErrIO)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, s.Put(cancelled, "a", nil, ""), context.Canceled)
}
