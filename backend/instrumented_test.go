package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	arcana "github.com/incidentallycilantro/UPDATED-Arcana-sub001"
)

func TestInstrumentedBackend_Write(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "filesystem")
	ctx := context.Background()

	err = ib.Write(ctx, "hot/key.blob", strings.NewReader("hello world"))
	require.NoError(t, err)
}

func TestInstrumentedBackend_Read_CountsBytes(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "filesystem")
	ctx := context.Background()

	content := "hello, instrumented backend"
	require.NoError(t, ib.Write(ctx, "hot/key.blob", strings.NewReader(content)))

	rc, err := ib.Read(ctx, "hot/key.blob")
	require.NoError(t, err)

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, content, string(got))

	require.NoError(t, rc.Close())
}

func TestInstrumentedBackend_Read_NotFound(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "filesystem")
	ctx := context.Background()

	_, err = ib.Read(ctx, "hot/nonexistent.blob")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInstrumentedBackend_Exists(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "filesystem")
	ctx := context.Background()

	exists, err := ib.Exists(ctx, "hot/missing.blob")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, ib.Write(ctx, "hot/present.blob", strings.NewReader("data")))
	exists, err = ib.Exists(ctx, "hot/present.blob")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestInstrumentedBackend_Delete(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "filesystem")
	ctx := context.Background()

	require.NoError(t, ib.Write(ctx, "cold/key.blob", strings.NewReader("bye")))
	require.NoError(t, ib.Delete(ctx, "cold/key.blob"))

	exists, err := ib.Exists(ctx, "cold/key.blob")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestInstrumentedBackend_List(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "filesystem")
	ctx := context.Background()

	require.NoError(t, ib.Write(ctx, "warm/a.blob", strings.NewReader("a")))
	require.NoError(t, ib.Write(ctx, "warm/b.blob", strings.NewReader("b")))

	keys, err := ib.List(ctx, "warm/")
	require.NoError(t, err)
	require.Len(t, keys, 2)
}

func TestInstrumentedBackend_Size(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "filesystem")
	ctx := context.Background()

	content := "size test content"
	require.NoError(t, ib.Write(ctx, "hot/size.blob", strings.NewReader(content)))

	size, err := ib.Size(ctx, "hot/size.blob")
	require.NoError(t, err)
	require.Equal(t, int64(len(content)), size)
}

func TestInstrumentedBackend_WriteFramed_ReadFramed(t *testing.T) {
	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	ib := NewInstrumentedBackend(fs, "filesystem")
	ctx := context.Background()

	body := []byte("framed content")
	header := &BlobHeader{
		Version:       HeaderVersion,
		ContentHash:   arcana.HashBytes(body),
		ContentLength: int64(len(body)),
		PayloadLength: int64(len(body)),
		Codec:         "none",
		StoredAt:      "2026-01-15T10:30:00Z",
	}

	err = ib.WriteFramed(ctx, "hot/framed.blob", header, bytes.NewReader(body))
	require.NoError(t, err)

	gotHeader, rc, err := ib.ReadFramed(ctx, "hot/framed.blob")
	require.NoError(t, err)
	require.Equal(t, header.ContentHash, gotHeader.ContentHash)

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, body, got)
	require.NoError(t, rc.Close())
}

func TestOutcomeFromError(t *testing.T) {
	require.Equal(t, "success", outcomeFromError(nil))
	require.Equal(t, "not_found", outcomeFromError(ErrNotFound))
	require.Equal(t, "not_found", outcomeFromError(fmt.Errorf("wrap: %w", ErrNotFound)))
	require.Equal(t, "no_space", outcomeFromError(fmt.Errorf("wrap: %w", ErrNoSpace)))
	require.Equal(t, "error", outcomeFromError(errors.New("some other error")))
}
