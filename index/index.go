package index

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Index is the in-memory entry catalog, persisted as a whole document
// through a Persister. Mutations are written through before they are
// acknowledged; access-time updates from reads are kept in memory and
// flushed with the next mutation or an explicit Flush.
type Index struct {
	persister Persister
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.RWMutex
	entries   map[string]*Entry
	createdAt time.Time
	dirty     bool
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger for the index.
func WithLogger(logger *slog.Logger) Option {
	return func(idx *Index) {
		idx.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(idx *Index) {
		idx.now = now
	}
}

// New creates an index backed by the given persister. Call Load before
// use to populate it from the persisted document.
func New(p Persister, opts ...Option) *Index {
	idx := &Index{
		persister: p,
		logger:    slog.Default(),
		now:       time.Now,
		entries:   make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// Load populates the index from the persisted document. A missing
// document leaves the index empty.
func (idx *Index) Load(ctx context.Context) error {
	doc, err := idx.persister.Load(ctx)
	if err != nil {
		return err
	}

	entries := make(map[string]*Entry)
	var createdAt time.Time
	if doc != nil {
		createdAt = doc.CreatedAt
		for key, e := range doc.Entries {
			if e.Key != key {
				return fmt.Errorf("index document entry %q carries mismatched key %q", key, e.Key)
			}
			entry := e
			entries[key] = &entry
		}
	}

	idx.mu.Lock()
	idx.entries = entries
	idx.createdAt = createdAt
	idx.dirty = false
	idx.mu.Unlock()

	idx.logger.Debug("loaded index", "entries", len(entries))
	return nil
}

// Get returns a copy of the entry for key without recording the access.
func (idx *Index) Get(key string) (Entry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	e, ok := idx.entries[key]
	if !ok {
		return Entry{}, false
	}
	return e.Clone(), true
}

// Touch records a read of key: bumps the access count and the last
// accessed time in memory only, and returns the updated entry. The
// changes reach disk with the next mutation or Flush.
func (idx *Index) Touch(key string) (Entry, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.entries[key]
	if !ok {
		return Entry{}, false
	}
	e.LastAccessed = idx.now().UTC()
	e.AccessCount++
	idx.dirty = true
	return e.Clone(), true
}

// Put inserts or replaces an entry and persists the whole document
// before returning. On persist failure the in-memory state is rolled
// back, so a failed store leaves any prior entry intact.
func (idx *Index) Put(ctx context.Context, entry Entry) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	prior, hadPrior := idx.entries[entry.Key]
	e := entry.Clone()
	idx.entries[entry.Key] = &e

	if err := idx.persistLocked(ctx); err != nil {
		if hadPrior {
			idx.entries[entry.Key] = prior
		} else {
			delete(idx.entries, entry.Key)
		}
		return err
	}
	return nil
}

// Delete removes an entry and persists the document. Deleting an absent
// key is a no-op and reports false without touching disk.
func (idx *Index) Delete(ctx context.Context, key string) (bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	prior, ok := idx.entries[key]
	if !ok {
		return false, nil
	}
	delete(idx.entries, key)

	if err := idx.persistLocked(ctx); err != nil {
		idx.entries[key] = prior
		return false, err
	}
	return true, nil
}

// Flush persists deferred access-time updates, if any.
func (idx *Index) Flush(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if !idx.dirty {
		return nil
	}
	return idx.persistLocked(ctx)
}

// Snapshot returns copies of all entries in unspecified order.
func (idx *Index) Snapshot() []Entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	entries := make([]Entry, 0, len(idx.entries))
	for _, e := range idx.entries {
		entries = append(entries, e.Clone())
	}
	return entries
}

// Len returns the number of entries.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// persistLocked writes the whole document. Callers must hold the write
// lock, which serializes saves and keeps the document consistent with
// the in-memory state it captures.
func (idx *Index) persistLocked(ctx context.Context) error {
	if idx.createdAt.IsZero() {
		idx.createdAt = idx.now().UTC()
	}
	doc := &Document{
		Version:   DocumentVersion,
		CreatedAt: idx.createdAt,
		UpdatedAt: idx.now().UTC(),
		Entries:   make(map[string]Entry, len(idx.entries)),
	}
	for key, e := range idx.entries {
		doc.Entries[key] = e.Clone()
	}

	if err := idx.persister.Save(ctx, doc); err != nil {
		return fmt.Errorf("persisting index: %w", err)
	}
	idx.dirty = false
	return nil
}
