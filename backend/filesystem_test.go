package backend

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	arcana "github.com/incidentallycilantro/UPDATED-Arcana-sub001"
)

func TestNewFilesystem(t *testing.T) {
	tmpDir := t.TempDir()
	root := filepath.Join(tmpDir, "storage")

	fs, err := NewFilesystem(root)
	require.NoError(t, err)

	require.Equal(t, root, fs.Root())

	// Check directory was created
	info, err := os.Stat(root)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestFilesystemEnsureDir(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, fs.EnsureDir("hot"))
	require.NoError(t, fs.EnsureDir("cold"))

	// Idempotent
	require.NoError(t, fs.EnsureDir("hot"))

	info, err := os.Stat(filepath.Join(fs.Root(), "hot"))
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestFilesystemWriteRead(t *testing.T) {
	fs := newTestFilesystem(t)

	ctx := context.Background()
	key := "hot/doc1.blob"
	data := []byte("hello, world!")

	// Write
	err := fs.Write(ctx, key, bytes.NewReader(data))
	require.NoError(t, err)

	// Read
	rc, err := fs.Read(ctx, key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)

	require.Equal(t, data, got)
}

func TestFilesystemReadNotFound(t *testing.T) {
	fs := newTestFilesystem(t)

	ctx := context.Background()

	_, err := fs.Read(ctx, "hot/nonexistent.blob")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemExists(t *testing.T) {
	fs := newTestFilesystem(t)

	ctx := context.Background()
	key := "warm/exists.blob"

	// Before write
	exists, err := fs.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, exists)

	// Write
	err = fs.Write(ctx, key, bytes.NewReader([]byte("data")))
	require.NoError(t, err)

	// After write
	exists, err = fs.Exists(ctx, key)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestFilesystemDelete(t *testing.T) {
	fs := newTestFilesystem(t)

	ctx := context.Background()
	key := "cold/delete.blob"

	// Write
	err := fs.Write(ctx, key, bytes.NewReader([]byte("data")))
	require.NoError(t, err)

	// Delete
	err = fs.Delete(ctx, key)
	require.NoError(t, err)

	// Verify deleted
	exists, _ := fs.Exists(ctx, key)
	require.False(t, exists)

	// Delete nonexistent should not error (idempotent)
	err = fs.Delete(ctx, "cold/nonexistent.blob")
	require.NoError(t, err)
}

func TestFilesystemSize(t *testing.T) {
	fs := newTestFilesystem(t)

	ctx := context.Background()
	key := "hot/size.blob"
	data := []byte("test data for size check")

	// Write
	err := fs.Write(ctx, key, bytes.NewReader(data))
	require.NoError(t, err)

	// Size
	size, err := fs.Size(ctx, key)
	require.NoError(t, err)

	require.Equal(t, int64(len(data)), size)
}

func TestFilesystemSizeNotFound(t *testing.T) {
	fs := newTestFilesystem(t)

	ctx := context.Background()

	_, err := fs.Size(ctx, "hot/nonexistent.blob")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemList(t *testing.T) {
	fs := newTestFilesystem(t)

	ctx := context.Background()

	// Write multiple files
	keys := []string{
		"hot/doc1.blob",
		"hot/doc2.blob",
		"warm/notes.blob",
		"cold/archive.blob",
	}

	for _, key := range keys {
		err := fs.Write(ctx, key, bytes.NewReader([]byte("data")))
		require.NoError(t, err)
	}

	// List all
	all, err := fs.List(ctx, "")
	require.NoError(t, err)
	sort.Strings(all)
	sort.Strings(keys)
	require.Equal(t, keys, all)

	// List with prefix
	hotFiles, err := fs.List(ctx, "hot")
	require.NoError(t, err)
	expected := []string{"hot/doc1.blob", "hot/doc2.blob"}
	sort.Strings(hotFiles)
	require.Equal(t, expected, hotFiles)
}

func TestFilesystemListMissingTier(t *testing.T) {
	fs := newTestFilesystem(t)

	keys, err := fs.List(context.Background(), "cool")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestFilesystemWriter(t *testing.T) {
	fs := newTestFilesystem(t)

	ctx := context.Background()
	key := "hot/writer.blob"
	data := []byte("written via Writer interface")

	// Get writer
	w, err := fs.Writer(ctx, key)
	require.NoError(t, err)

	// Write data
	n, err := w.Write(data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	// Close to commit
	err = w.Close()
	require.NoError(t, err)

	// Verify
	rc, err := fs.Read(ctx, key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, _ := io.ReadAll(rc)
	require.Equal(t, data, got)
}

func TestFilesystemAtomicWrite(t *testing.T) {
	fs := newTestFilesystem(t)

	ctx := context.Background()
	key := "hot/atomic.blob"
	originalData := []byte("original content")

	// Write initial data
	err := fs.Write(ctx, key, bytes.NewReader(originalData))
	require.NoError(t, err)

	// Simulate failed write by using Writer and aborting
	w, err := fs.Writer(ctx, key)
	require.NoError(t, err)
	_, _ = w.Write([]byte("partial"))

	// Get atomicWriter to call Abort
	aw := w.(*atomicWriter)
	_ = aw.Abort()

	// Original data should still be there
	rc, err := fs.Read(ctx, key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, _ := io.ReadAll(rc)
	require.Equal(t, originalData, got)
}

func TestFilesystemOverwrite(t *testing.T) {
	fs := newTestFilesystem(t)

	ctx := context.Background()
	key := "warm/overwrite.blob"

	// Write initial
	err := fs.Write(ctx, key, bytes.NewReader([]byte("initial")))
	require.NoError(t, err)

	// Overwrite
	newData := []byte("new content that is longer")
	err = fs.Write(ctx, key, bytes.NewReader(newData))
	require.NoError(t, err)

	// Verify overwrite
	rc, err := fs.Read(ctx, key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, _ := io.ReadAll(rc)
	require.Equal(t, newData, got)
}

func TestFilesystemFramedRoundTrip(t *testing.T) {
	fs := newTestFilesystem(t)

	ctx := context.Background()
	key := "hot/framed.blob"
	body := []byte("framed body bytes")
	header := &BlobHeader{
		Version:       HeaderVersion,
		ContentHash:   arcana.HashBytes([]byte("original")),
		ContentLength: 8,
		PayloadLength: int64(len(body)),
		Codec:         "lz4",
		StoredAt:      "2026-01-15T10:30:00Z",
	}

	err := fs.WriteFramed(ctx, key, header, bytes.NewReader(body))
	require.NoError(t, err)

	gotHeader, rc, err := fs.ReadFramed(ctx, key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	require.Equal(t, header.ContentHash, gotHeader.ContentHash)
	require.Equal(t, header.Codec, gotHeader.Codec)

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, body, got)
}

func TestFilesystemReadFramedNotFound(t *testing.T) {
	fs := newTestFilesystem(t)

	_, _, err := fs.ReadFramed(context.Background(), "hot/missing.blob")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystemReadFramedCorrupt(t *testing.T) {
	fs := newTestFilesystem(t)

	ctx := context.Background()
	key := "hot/corrupt.blob"
	require.NoError(t, fs.Write(ctx, key, bytes.NewReader([]byte("not a framed blob"))))

	_, _, err := fs.ReadFramed(ctx, key)
	require.ErrorIs(t, err, ErrInvalidMagic)
}

// Helper functions

func newTestFilesystem(t *testing.T) *Filesystem {
	t.Helper()
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return fs
}
