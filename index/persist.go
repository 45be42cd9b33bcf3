package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DocumentVersion is the current index document layout version.
const DocumentVersion = 1

// maxDocumentSize bounds index documents read from disk (64 MiB).
const maxDocumentSize = 64 << 20

// Document is the serialized form of the whole index.
type Document struct {
	Version   int              `json:"version"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	Entries   map[string]Entry `json:"entries"`
}

// Persister loads and saves whole index documents. Save must be atomic:
// a crash mid-save leaves the previous document intact.
type Persister interface {
	// Load reads the current document. A missing document returns
	// (nil, nil) so a fresh store starts empty.
	Load(ctx context.Context) (*Document, error)

	// Save replaces the stored document.
	Save(ctx context.Context, doc *Document) error

	// Close releases any resources held by the persister.
	Close() error
}

// FilePersister stores the index document as a single JSON file,
// replaced atomically on every save.
type FilePersister struct {
	path   string
	noSync bool
}

// FileOption configures a FilePersister.
type FileOption func(*FilePersister)

// WithFileNoSync disables fsync per save. Use only for tests.
func WithFileNoSync(noSync bool) FileOption {
	return func(p *FilePersister) {
		p.noSync = noSync
	}
}

// NewFilePersister returns a persister writing to the given path.
func NewFilePersister(path string, opts ...FileOption) *FilePersister {
	p := &FilePersister{path: path}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ Persister = (*FilePersister)(nil)

func (p *FilePersister) Load(_ context.Context) (*Document, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading index document: %w", err)
	}
	if len(data) > maxDocumentSize {
		return nil, fmt.Errorf("index document exceeds %d bytes", maxDocumentSize)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing index document: %w", err)
	}
	if doc.Version != DocumentVersion {
		return nil, fmt.Errorf("unsupported index document version %d", doc.Version)
	}
	return &doc, nil
}

func (p *FilePersister) Save(_ context.Context, doc *Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding index document: %w", err)
	}

	dir := filepath.Dir(p.path)
	tmp, err := os.CreateTemp(dir, ".index-*")
	if err != nil {
		return fmt.Errorf("creating temp index file: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing index document: %w", err)
	}
	if !p.noSync {
		if err := tmp.Sync(); err != nil {
			return fmt.Errorf("syncing index document: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp index file: %w", err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		return fmt.Errorf("replacing index document: %w", err)
	}

	success = true
	return nil
}

func (p *FilePersister) Close() error {
	return nil
}
