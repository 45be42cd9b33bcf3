package index

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	arcana "github.com/incidentallycilantro/UPDATED-Arcana-sub001"
	"github.com/incidentallycilantro/UPDATED-Arcana-sub001/tier"
)

// memPersister keeps the document in memory and counts saves.
type memPersister struct {
	doc      *Document
	saves    int
	failSave bool
}

func (p *memPersister) Load(_ context.Context) (*Document, error) {
	return p.doc, nil
}

func (p *memPersister) Save(_ context.Context, doc *Document) error {
	if p.failSave {
		return errors.New("save failed")
	}
	p.saves++
	p.doc = doc
	return nil
}

func (p *memPersister) Close() error { return nil }

func testEntry(key string) Entry {
	return Entry{
		Key:          key,
		OriginalSize: 1000,
		StoredSize:   100,
		Tier:         tier.Hot,
		Metadata: Metadata{
			Priority:  tier.PriorityHigh,
			Algorithm: "lz4",
			Encrypted: true,
		},
		CreatedAt:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		LastAccessed: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Checksum:     arcana.HashBytes([]byte(key)),
	}
}

func TestIndexPutGet(t *testing.T) {
	ctx := context.Background()
	p := &memPersister{}
	idx := New(p)
	require.NoError(t, idx.Load(ctx))

	entry := testEntry("doc1")
	require.NoError(t, idx.Put(ctx, entry))

	got, ok := idx.Get("doc1")
	require.True(t, ok)
	assert.Equal(t, entry, got)
	assert.Equal(t, 1, p.saves, "put persists the document")

	_, ok = idx.Get("missing")
	assert.False(t, ok)
}

func TestIndexPutPersistsWholeDocument(t *testing.T) {
	ctx := context.Background()
	p := &memPersister{}
	idx := New(p)
	require.NoError(t, idx.Load(ctx))

	require.NoError(t, idx.Put(ctx, testEntry("b")))
	require.NoError(t, idx.Put(ctx, testEntry("a")))
	require.NoError(t, idx.Put(ctx, testEntry("c")))

	require.NotNil(t, p.doc)
	require.Len(t, p.doc.Entries, 3)
	for _, key := range []string{"a", "b", "c"} {
		got, ok := p.doc.Entries[key]
		require.True(t, ok)
		assert.Equal(t, key, got.Key)
	}
	assert.Equal(t, DocumentVersion, p.doc.Version)
	assert.False(t, p.doc.CreatedAt.IsZero())
}

func TestIndexReload(t *testing.T) {
	ctx := context.Background()
	p := &memPersister{}

	first := New(p)
	require.NoError(t, first.Load(ctx))
	require.NoError(t, first.Put(ctx, testEntry("doc1")))
	require.NoError(t, first.Put(ctx, testEntry("doc2")))

	second := New(p)
	require.NoError(t, second.Load(ctx))
	assert.Equal(t, 2, second.Len())

	got, ok := second.Get("doc1")
	require.True(t, ok)
	assert.Equal(t, testEntry("doc1"), got)
}

func TestIndexLoadRejectsMismatchedKeys(t *testing.T) {
	p := &memPersister{doc: &Document{
		Version: DocumentVersion,
		Entries: map[string]Entry{"doc1": testEntry("other")},
	}}

	idx := New(p)
	err := idx.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mismatched key")
}

func TestIndexTouchDefersPersistence(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	clock := base
	p := &memPersister{}
	idx := New(p, WithNow(func() time.Time { return clock }))
	require.NoError(t, idx.Load(ctx))

	require.NoError(t, idx.Put(ctx, testEntry("doc1")))
	savesAfterPut := p.saves

	clock = base.Add(time.Hour)
	got, ok := idx.Touch("doc1")
	require.True(t, ok)
	assert.Equal(t, int64(1), got.AccessCount)
	assert.Equal(t, base.Add(time.Hour), got.LastAccessed)
	assert.Equal(t, savesAfterPut, p.saves, "touch must not persist")

	// Flush writes the deferred update.
	require.NoError(t, idx.Flush(ctx))
	assert.Equal(t, savesAfterPut+1, p.saves)
	require.Len(t, p.doc.Entries, 1)
	assert.Equal(t, int64(1), p.doc.Entries["doc1"].AccessCount)

	// Nothing dirty, flush is a no-op.
	require.NoError(t, idx.Flush(ctx))
	assert.Equal(t, savesAfterPut+1, p.saves)

	_, ok = idx.Touch("missing")
	assert.False(t, ok)
}

func TestIndexTouchFlushedByNextMutation(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	clock := base
	p := &memPersister{}
	idx := New(p, WithNow(func() time.Time { return clock }))
	require.NoError(t, idx.Load(ctx))

	require.NoError(t, idx.Put(ctx, testEntry("doc1")))

	clock = base.Add(time.Minute)
	_, ok := idx.Touch("doc1")
	require.True(t, ok)

	// The next mutation persists the whole document, carrying the
	// deferred access update with it.
	require.NoError(t, idx.Put(ctx, testEntry("doc2")))

	persisted, ok := p.doc.Entries["doc1"]
	require.True(t, ok)
	assert.Equal(t, int64(1), persisted.AccessCount)
	assert.Equal(t, base.Add(time.Minute), persisted.LastAccessed)
}

func TestIndexDelete(t *testing.T) {
	ctx := context.Background()
	p := &memPersister{}
	idx := New(p)
	require.NoError(t, idx.Load(ctx))

	require.NoError(t, idx.Put(ctx, testEntry("doc1")))

	removed, err := idx.Delete(ctx, "doc1")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, 0, idx.Len())
	assert.Empty(t, p.doc.Entries)

	// Deleting an absent key succeeds without persisting.
	saves := p.saves
	removed, err = idx.Delete(ctx, "doc1")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Equal(t, saves, p.saves)
}

func TestIndexPutRollsBackOnPersistFailure(t *testing.T) {
	ctx := context.Background()
	p := &memPersister{}
	idx := New(p)
	require.NoError(t, idx.Load(ctx))

	original := testEntry("doc1")
	require.NoError(t, idx.Put(ctx, original))

	p.failSave = true
	updated := original
	updated.StoredSize = 999
	err := idx.Put(ctx, updated)
	require.Error(t, err)

	// The prior entry is intact.
	got, ok := idx.Get("doc1")
	require.True(t, ok)
	assert.Equal(t, original, got)

	// A brand-new key is removed again on failure.
	err = idx.Put(ctx, testEntry("doc2"))
	require.Error(t, err)
	_, ok = idx.Get("doc2")
	assert.False(t, ok)
}

func TestIndexDeleteRollsBackOnPersistFailure(t *testing.T) {
	ctx := context.Background()
	p := &memPersister{}
	idx := New(p)
	require.NoError(t, idx.Load(ctx))

	entry := testEntry("doc1")
	require.NoError(t, idx.Put(ctx, entry))

	p.failSave = true
	_, err := idx.Delete(ctx, "doc1")
	require.Error(t, err)

	got, ok := idx.Get("doc1")
	require.True(t, ok)
	assert.Equal(t, entry, got)
}

func TestIndexSnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	p := &memPersister{}
	idx := New(p)
	require.NoError(t, idx.Load(ctx))

	entry := testEntry("doc1")
	entry.Metadata.ContextTags = []string{"finance"}
	require.NoError(t, idx.Put(ctx, entry))

	snap := idx.Snapshot()
	require.Len(t, snap, 1)
	snap[0].Metadata.ContextTags[0] = "mutated"

	got, _ := idx.Get("doc1")
	assert.Equal(t, "finance", got.Metadata.ContextTags[0])
}
