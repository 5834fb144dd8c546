package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/audiosculptor/internal/media"
)

func setupTestStorage(t *testing.T) *LocalStorage {
	t.Helper()
	s, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestNewLocalStorage(t *testing.T) {
	t.Run("creates directory if not exists", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "edits")

		s, err := NewLocalStorage(dir)
		require.NoError(t, err)
		assert.Equal(t, dir, s.Dir())

		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("uses default directory when empty", func(t *testing.T) {
		s, err := NewLocalStorage("")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(os.TempDir(), "audiosculptor"), s.Dir())
	})
}

func TestLocalStorage_SaveAndOpen(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	path, err := s.Save(ctx, "job-1", media.Blob{Data: []byte("ID3 audio"), Type: media.MP3})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(filepath.Base(path), "job-1_"))
	assert.Equal(t, ".mp3", filepath.Ext(path))

	rc, err := s.Open(ctx, path)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "ID3 audio", string(data))
}

func TestLocalStorage_SaveEmptyBlob(t *testing.T) {
	s := setupTestStorage(t)

	path, err := s.Save(context.Background(), "empty", media.Blob{Type: media.WebM})
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestLocalStorage_CancelledContext(t *testing.T) {
	s := setupTestStorage(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Save(ctx, "x", media.Blob{Type: media.MP3})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = s.Open(ctx, filepath.Join(s.Dir(), "x.mp3"))
	assert.ErrorIs(t, err, context.Canceled)

	err = s.Cleanup(ctx, []string{filepath.Join(s.Dir(), "x.mp3")})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalStorage_OpenOutsideDir(t *testing.T) {
	s := setupTestStorage(t)

	_, err := s.Open(context.Background(), filepath.Join(s.Dir(), "..", "passwd"))
	assert.ErrorIs(t, err, ErrOutsideDir)

	_, err = s.Open(context.Background(), "/etc/passwd")
	assert.ErrorIs(t, err, ErrOutsideDir)
}

func TestLocalStorage_Cleanup(t *testing.T) {
	s := setupTestStorage(t)
	ctx := context.Background()

	a, err := s.Save(ctx, "a", media.Blob{Data: []byte("a"), Type: media.MP3})
	require.NoError(t, err)
	b, err := s.Save(ctx, "b", media.Blob{Data: []byte("b"), Type: media.MP3})
	require.NoError(t, err)

	missing := filepath.Join(s.Dir(), "never-written.mp3")
	require.NoError(t, s.Cleanup(ctx, []string{a, missing, b}))

	for _, p := range []string{a, b} {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), "expected %s removed", p)
	}
}

func TestLocalStorage_Publish(t *testing.T) {
	s := setupTestStorage(t)

	_, err := s.Publish(context.Background(), "edits/x.mp3", media.Blob{Type: media.MP3})
	assert.ErrorIs(t, err, ErrS3NotConfigured)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "edits/abc.webm", Key("abc", media.WebM))
}
