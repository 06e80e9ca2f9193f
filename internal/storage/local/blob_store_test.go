package local_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scraper-coordinator/internal/storage/local"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("stream broken") }

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("creates missing directory", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "archive", "nested")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	})

	t.Run("requires base dir", func(t *testing.T) {
		t.Parallel()
		_, err := local.New(local.Config{BaseDir: "  "})
		require.Error(t, err)
	})

	t.Run("rejects a file", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "plain")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		require.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	uri, err := store.PutObject(ctx, "callbacks/cfg-1/run-1.json", "application/json", strings.NewReader(`{"ok":true}`))
	require.NoError(t, err)
	want := filepath.Join(dir, "callbacks", "cfg-1", "run-1.json")
	require.Equal(t, "file://"+want, uri)
	got, err := os.ReadFile(want)
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(got))

	_, err = store.PutObject(ctx, "../escape.json", "", strings.NewReader("x"))
	require.ErrorContains(t, err, "path traversal")

	_, err = store.PutObject(ctx, "", "", strings.NewReader("x"))
	require.Error(t, err)

	_, err = store.PutObject(ctx, "callbacks/broken.json", "", failingReader{})
	require.ErrorContains(t, err, "stream broken")
	entries, err := os.ReadDir(filepath.Join(dir, "callbacks"))
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, strings.HasPrefix(e.Name(), ".upload-"), "temp file left behind: %s", e.Name())
	}
}
