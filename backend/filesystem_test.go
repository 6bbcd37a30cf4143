package backend

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestFilesystem(t *testing.T) *Filesystem {
	t.Helper()
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return fs
}

func TestFilesystemWriteRead(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()
	data := []byte("backend payload")

	require.NoError(t, fs.Write(ctx, "blobs/ab/cd/key", bytes.NewReader(data)))

	rc, err := fs.Read(ctx, "blobs/ab/cd/key")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestFilesystemReadNotFound(t *testing.T) {
	fs := newTestFilesystem(t)

	_, err := fs.Read(context.Background(), "missing/key")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemOverwrite(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "k", bytes.NewReader([]byte("first"))))
	require.NoError(t, fs.Write(ctx, "k", bytes.NewReader([]byte("second"))))

	rc, err := fs.Read(ctx, "k")
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), got)
}

func TestFilesystemDelete(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "k", bytes.NewReader([]byte("x"))))
	require.NoError(t, fs.Delete(ctx, "k"))

	exists, err := fs.Exists(ctx, "k")
	require.NoError(t, err)
	require.False(t, exists)

	// Idempotent.
	require.NoError(t, fs.Delete(ctx, "k"))
}

func TestFilesystemExists(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	exists, err := fs.Exists(ctx, "k")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, fs.Write(ctx, "k", bytes.NewReader([]byte("x"))))

	exists, err = fs.Exists(ctx, "k")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestFilesystemSize(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	_, err := fs.Size(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, fs.Write(ctx, "k", bytes.NewReader([]byte("12345"))))

	size, err := fs.Size(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, int64(5), size)
}

func TestFilesystemList(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	keys, err := fs.List(ctx, "blobs")
	require.NoError(t, err)
	require.Empty(t, keys)

	require.NoError(t, fs.Write(ctx, "blobs/aa/one", bytes.NewReader([]byte("1"))))
	require.NoError(t, fs.Write(ctx, "blobs/bb/two", bytes.NewReader([]byte("2"))))
	require.NoError(t, fs.Write(ctx, "other/three", bytes.NewReader([]byte("3"))))

	keys, err = fs.List(ctx, "blobs")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"blobs/aa/one", "blobs/bb/two"}, keys)
}

func TestFilesystemListSkipsTempFiles(t *testing.T) {
	fs := newTestFilesystem(t)
	ctx := context.Background()

	require.NoError(t, fs.Write(ctx, "blobs/aa/one", bytes.NewReader([]byte("1"))))

	// Simulate a write in flight.
	tmp := filepath.Join(fs.Root(), "blobs", "aa", ".tmp-12345")
	require.NoError(t, os.WriteFile(tmp, []byte("partial"), 0o644))

	keys, err := fs.List(ctx, "blobs")
	require.NoError(t, err)
	require.Equal(t, []string{"blobs/aa/one"}, keys)
}

func TestFilesystemWriteLeavesNoTempOnCancel(t *testing.T) {
	fs := newTestFilesystem(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fs.Write(ctx, "blobs/aa/one", bytes.NewReader([]byte("1")))
	require.Error(t, err)

	entries, err := os.ReadDir(filepath.Join(fs.Root(), "blobs", "aa"))
	require.NoError(t, err)
	require.Empty(t, entries)
}
