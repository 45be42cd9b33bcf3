package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.etcd.io/bbolt"
)

// Bucket names for bbolt storage.
var (
	bucketEntries = []byte("entries") // key -> Entry JSON
	bucketMeta    = []byte("meta")    // document metadata
)

var (
	metaKeyVersion   = []byte("version")
	metaKeyCreatedAt = []byte("created_at")
	metaKeyUpdatedAt = []byte("updated_at")
)

// BoltPersister stores the index document in a bbolt database. Each save
// replaces the full entry set in a single transaction, so the document
// on disk is always consistent.
type BoltPersister struct {
	db *bbolt.DB
}

// BoltOption configures a BoltPersister.
type BoltOption func(*boltConfig)

type boltConfig struct {
	noSync bool
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltOption {
	return func(c *boltConfig) {
		c.noSync = noSync
	}
}

// NewBoltPersister opens (or creates) the database at the given path.
func NewBoltPersister(path string, opts ...BoltOption) (*BoltPersister, error) {
	var cfg boltConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  cfg.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening index database: %w", err)
	}
	return &BoltPersister{db: db}, nil
}

var _ Persister = (*BoltPersister)(nil)

func (p *BoltPersister) Load(_ context.Context) (*Document, error) {
	var doc *Document
	err := p.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if meta == nil {
			// Fresh database, nothing saved yet.
			return nil
		}

		version, err := strconv.Atoi(string(meta.Get(metaKeyVersion)))
		if err != nil {
			return fmt.Errorf("parsing document version: %w", err)
		}
		if version != DocumentVersion {
			return fmt.Errorf("unsupported index document version %d", version)
		}

		doc = &Document{Version: version, Entries: make(map[string]Entry)}
		if raw := meta.Get(metaKeyCreatedAt); raw != nil {
			t, err := time.Parse(time.RFC3339Nano, string(raw))
			if err != nil {
				return fmt.Errorf("parsing document created timestamp: %w", err)
			}
			doc.CreatedAt = t
		}
		if raw := meta.Get(metaKeyUpdatedAt); raw != nil {
			t, err := time.Parse(time.RFC3339Nano, string(raw))
			if err != nil {
				return fmt.Errorf("parsing document timestamp: %w", err)
			}
			doc.UpdatedAt = t
		}

		entries := tx.Bucket(bucketEntries)
		if entries == nil {
			return nil
		}
		return entries.ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("parsing index entry: %w", err)
			}
			doc.Entries[string(k)] = e
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (p *BoltPersister) Save(_ context.Context, doc *Document) error {
	return p.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketEntries); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return fmt.Errorf("clearing entries bucket: %w", err)
		}
		entries, err := tx.CreateBucket(bucketEntries)
		if err != nil {
			return fmt.Errorf("creating entries bucket: %w", err)
		}

		for key, e := range doc.Entries {
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("encoding entry %s: %w", key, err)
			}
			if err := entries.Put([]byte(key), data); err != nil {
				return fmt.Errorf("writing entry %s: %w", key, err)
			}
		}

		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return fmt.Errorf("creating meta bucket: %w", err)
		}
		if err := meta.Put(metaKeyVersion, []byte(strconv.Itoa(doc.Version))); err != nil {
			return fmt.Errorf("writing document version: %w", err)
		}
		if err := meta.Put(metaKeyCreatedAt, []byte(doc.CreatedAt.Format(time.RFC3339Nano))); err != nil {
			return fmt.Errorf("writing document created timestamp: %w", err)
		}
		if err := meta.Put(metaKeyUpdatedAt, []byte(doc.UpdatedAt.Format(time.RFC3339Nano))); err != nil {
			return fmt.Errorf("writing document timestamp: %w", err)
		}
		return nil
	})
}

// Compact rewrites the database into dest, reclaiming space freed by
// repeated document rewrites. The source stays open and usable.
func (p *BoltPersister) Compact(dest string) error {
	dst, err := bbolt.Open(dest, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return fmt.Errorf("opening compaction target: %w", err)
	}

	if err := bbolt.Compact(dst, p.db, 0); err != nil {
		_ = dst.Close()
		return fmt.Errorf("compacting index database: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("closing compaction target: %w", err)
	}
	return nil
}

func (p *BoltPersister) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}
