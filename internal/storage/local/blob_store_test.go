// Package local_test tests the local filesystem blob store.
package local_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/skycam-collector/internal/collector"
	"github.com/JakeFAU/skycam-collector/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "data")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})

	t.Run("BaseDirNotWritable", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("root bypasses directory permissions")
		}
		tempDir := t.TempDir()
		// #nosec G302 -- directory permissions adjusted intentionally for test coverage.
		require.NoError(t, os.Chmod(tempDir, 0o500))
		t.Cleanup(func() {
			// #nosec G302 -- reverting permissions to allow cleanup in the test environment.
			_ = os.Chmod(tempDir, 0o700)
		})

		_, err := local.New(local.Config{BaseDir: tempDir})
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("ValidPut", func(t *testing.T) {
		path := "cam1/2024-05-01T03-04-05.json.gz"
		uri, err := store.PutObject(ctx, path, "application/gzip", []byte("record"))
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(tempDir, path), uri)

		// #nosec G304 -- test reads from the controlled temp directory.
		content, err := os.ReadFile(filepath.Join(tempDir, path))
		require.NoError(t, err)
		assert.Equal(t, "record", string(content))

		entries, err := os.ReadDir(filepath.Join(tempDir, "cam1"))
		require.NoError(t, err)
		assert.Len(t, entries, 1, "temp files must not linger")
	})

	t.Run("NeverOverwrites", func(t *testing.T) {
		path := "cam2/2024-05-01T03-04-05.json.gz"
		_, err := store.PutObject(ctx, path, "", []byte("first"))
		require.NoError(t, err)

		_, err = store.PutObject(ctx, path, "", []byte("second"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, collector.ErrObjectExists))

		// #nosec G304 -- test reads from the controlled temp directory.
		content, err := os.ReadFile(filepath.Join(tempDir, path))
		require.NoError(t, err)
		assert.Equal(t, "first", string(content))
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(ctx, " ", "", []byte("x"))
		assert.Error(t, err)
	})

	t.Run("PathTraversal", func(t *testing.T) {
		_, err := store.PutObject(ctx, "../../etc/passwd", "", []byte("x"))
		assert.ErrorContains(t, err, "path traversal")
	})
}
