// Package quantum implements the storage engine facade: store, retrieve
// and delete over a pipeline of semantic compression, binary compression
// and encryption, with tiered blob placement and a durable index.
package quantum

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/singleflight"

	arcana "github.com/incidentallycilantro/UPDATED-Arcana-sub001"
	"github.com/incidentallycilantro/UPDATED-Arcana-sub001/backend"
	"github.com/incidentallycilantro/UPDATED-Arcana-sub001/index"
	"github.com/incidentallycilantro/UPDATED-Arcana-sub001/seal"
	"github.com/incidentallycilantro/UPDATED-Arcana-sub001/tier"
)

// Defaults for the optimize sweep scheduler.
const (
	DefaultSweepInterval     = 1 * time.Hour
	DefaultSweepStartupDelay = 5 * time.Minute

	// DefaultRecompressThreshold is the compression ratio below which
	// the sweep re-encodes lz4 entries with zstd.
	DefaultRecompressThreshold = 0.1
)

// Engine is the quantum storage engine. All methods are safe for
// concurrent use; operations on the same key serialize, distinct keys
// proceed in parallel.
type Engine struct {
	root    string
	logger  *slog.Logger
	now     func() time.Time
	metrics MetricsSink
	keys    seal.KeyProvider

	backend   backend.FramedBackend
	persister index.Persister
	idx       *index.Index

	locks  *keyedLocks
	flight singleflight.Group

	sweepInterval       time.Duration
	sweepStartupDelay   time.Duration
	recompressThreshold float64
	noSync              bool

	sweepActive atomic.Bool
	sweepMu     sync.Mutex
	lastSweep   *SweepResult

	schedMu      sync.Mutex
	schedRunning bool
	stopCh       chan struct{}
	doneCh       chan struct{}

	closed atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithKeyProvider enables encryption with keys from the provider. Without
// it blobs are stored compressed but unsealed.
func WithKeyProvider(p seal.KeyProvider) Option {
	return func(e *Engine) {
		e.keys = p
	}
}

// WithPersister replaces the default JSON file index persister.
func WithPersister(p index.Persister) Option {
	return func(e *Engine) {
		e.persister = p
	}
}

// WithMetrics sets the metrics sink for the engine.
func WithMetrics(m MetricsSink) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithSweepInterval sets how often the scheduler runs the optimize sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.sweepInterval = d
	}
}

// WithSweepStartupDelay sets the delay before the scheduler's first sweep.
func WithSweepStartupDelay(d time.Duration) Option {
	return func(e *Engine) {
		e.sweepStartupDelay = d
	}
}

// WithRecompressThreshold sets the compression ratio below which the
// sweep re-encodes lz4 entries with zstd.
func WithRecompressThreshold(ratio float64) Option {
	return func(e *Engine) {
		e.recompressThreshold = ratio
	}
}

// WithNoSync disables fsync on index writes.
// WARNING: risks data loss on crash. Use only for testing.
func WithNoSync(noSync bool) Option {
	return func(e *Engine) {
		e.noSync = noSync
	}
}

// New creates an engine rooted at the given directory, laying out the
// tier directories and loading the persisted index.
func New(root string, opts ...Option) (*Engine, error) {
	e := &Engine{
		root:                root,
		logger:              slog.Default(),
		now:                 time.Now,
		metrics:             nopMetrics{},
		locks:               newKeyedLocks(),
		sweepInterval:       DefaultSweepInterval,
		sweepStartupDelay:   DefaultSweepStartupDelay,
		recompressThreshold: DefaultRecompressThreshold,
	}
	for _, opt := range opts {
		opt(e)
	}

	fs, err := backend.NewFilesystem(root)
	if err != nil {
		return nil, fmt.Errorf("preparing storage root: %w", err)
	}
	e.root = fs.Root()
	for _, t := range tier.All() {
		if err := fs.EnsureDir(t.Dir()); err != nil {
			return nil, fmt.Errorf("preparing tier directories: %w", err)
		}
	}
	e.backend = backend.NewInstrumentedBackend(fs, "filesystem")

	if e.persister == nil {
		e.persister = index.NewFilePersister(
			filepath.Join(fs.Root(), arcana.IndexFileName),
			index.WithFileNoSync(e.noSync),
		)
	}
	e.idx = index.New(e.persister, index.WithLogger(e.logger), index.WithNow(e.now))
	if err := e.idx.Load(context.Background()); err != nil {
		return nil, fmt.Errorf("loading index: %w", err)
	}

	e.logger.Debug("engine ready", "root", fs.Root(), "entries", e.idx.Len(), "encryption", e.keys != nil)
	return e, nil
}

// StoreOptions carries caller metadata for a store.
type StoreOptions struct {
	// Priority determines initial tier placement. Empty means medium.
	Priority tier.Priority

	// ContextTags hint the semantic stage at domain vocabulary worth
	// substituting at a lower occurrence threshold.
	ContextTags []string

	// Tags are opaque caller labels kept on the entry.
	Tags map[string]string

	// ExpiresAt, when set, makes the entry invisible to retrieval after
	// the instant passes; the sweep removes it.
	ExpiresAt *time.Time
}

// StoreResult reports the outcome of a store.
type StoreResult struct {
	Key              string      `json:"key"`
	OriginalSize     int64       `json:"original_size"`
	StoredSize       int64       `json:"stored_size"`
	CompressionRatio float64     `json:"compression_ratio"`
	Tier             tier.Tier   `json:"tier"`
	Checksum         arcana.Hash `json:"checksum"`
}

// Store writes value under key through the full pipeline and commits the
// index before returning. An existing entry is overwritten; on failure
// the prior entry stays intact.
func (e *Engine) Store(ctx context.Context, key string, value []byte, opts StoreOptions) (*StoreResult, error) {
	start := time.Now()
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if key == "" {
		return nil, errors.New("key must not be empty")
	}

	priority := tier.PriorityMedium
	if opts.Priority != "" {
		p, err := tier.ParsePriority(string(opts.Priority))
		if err != nil {
			return nil, err
		}
		priority = p
	}

	unlock := e.locks.lock(key)
	defer unlock()

	result, err := e.storeLocked(ctx, key, value, priority, opts)
	outcome := "success"
	if err != nil {
		outcome = "error"
		if errors.Is(err, ErrCapacity) {
			outcome = "capacity"
		}
	}
	e.metrics.RecordOperation(ctx, "store", outcome, time.Since(start), int64(len(value)))
	if err != nil {
		return nil, err
	}
	e.metrics.RecordCompressionRatio(ctx, result.CompressionRatio)
	return result, nil
}

func (e *Engine) storeLocked(ctx context.Context, key string, value []byte, priority tier.Priority, opts StoreOptions) (*StoreResult, error) {
	now := e.now().UTC()
	checksum := arcana.HashBytes(value)
	placement := tier.Initial(priority)

	enc, err := e.encode(ctx, value, checksum, opts.ContextTags, placement)
	if err != nil {
		return nil, err
	}

	header := &backend.BlobHeader{
		Version:       backend.HeaderVersion,
		ContentHash:   checksum,
		ContentLength: int64(len(value)),
		PayloadLength: enc.storedSize,
		Codec:         string(enc.codec),
		Semantic:      enc.semantic,
		StoredAt:      now.Format(time.RFC3339Nano),
		Seal:          enc.seal,
	}

	prior, hadPrior := e.idx.Get(key)
	blobKey := arcana.BlobStorageKey(placement.Dir(), key)

	// An overwrite in the same tier replaces the blob in place, so keep
	// the old bytes to restore if the index commit fails.
	var priorBlob []byte
	if hadPrior && prior.Tier == placement {
		priorBlob = e.readRawBlob(ctx, blobKey)
	}

	if err := e.backend.WriteFramed(ctx, blobKey, header, bytes.NewReader(enc.body)); err != nil {
		return nil, e.wrapCapacity("writing blob", err)
	}

	var expiresAt *time.Time
	if opts.ExpiresAt != nil {
		t := opts.ExpiresAt.UTC()
		expiresAt = &t
	}
	entry := index.Entry{
		Key:          key,
		OriginalSize: int64(len(value)),
		StoredSize:   enc.storedSize,
		Tier:         placement,
		Metadata: index.Metadata{
			Priority:    priority,
			Algorithm:   string(enc.codec),
			Semantic:    enc.semantic,
			Encrypted:   enc.seal != nil,
			KeyID:       enc.keyID,
			ContextTags: slices.Clone(opts.ContextTags),
			Tags:        maps.Clone(opts.Tags),
			ExpiresAt:   expiresAt,
		},
		CreatedAt:    now,
		LastAccessed: now,
		Checksum:     checksum,
	}

	if err := e.idx.Put(ctx, entry); err != nil {
		e.undoBlobWrite(ctx, key, blobKey, priorBlob)
		return nil, e.wrapCapacity("committing index", err)
	}

	// The index now points at the new tier; the superseded blob is
	// redundant. Failures here leave an orphan for the sweep.
	if hadPrior && prior.Tier != placement {
		oldKey := arcana.BlobStorageKey(prior.Tier.Dir(), key)
		if err := e.backend.Delete(ctx, oldKey); err != nil {
			e.logger.Warn("removing superseded blob", "key", key, "tier", prior.Tier, "error", err)
		}
	}

	e.flight.Forget(key)

	result := &StoreResult{
		Key:              key,
		OriginalSize:     entry.OriginalSize,
		StoredSize:       entry.StoredSize,
		CompressionRatio: entry.CompressionRatio(),
		Tier:             placement,
		Checksum:         checksum,
	}
	e.logger.Debug("stored entry",
		"key", key,
		"tier", placement,
		"original_size", result.OriginalSize,
		"stored_size", result.StoredSize,
		"ratio", result.CompressionRatio,
		"semantic", enc.semantic,
		"codec", enc.codec,
	)
	return result, nil
}

// readRawBlob reads the blob file verbatim, returning nil when it cannot
// be read.
func (e *Engine) readRawBlob(ctx context.Context, blobKey string) []byte {
	rc, err := e.backend.Read(ctx, blobKey)
	if err != nil {
		return nil
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil
	}
	return data
}

// undoBlobWrite reverts the blob file after a failed index commit: the
// prior bytes are restored for a same-tier overwrite, otherwise the new
// blob is removed.
func (e *Engine) undoBlobWrite(ctx context.Context, key, blobKey string, priorBlob []byte) {
	var err error
	if priorBlob != nil {
		err = e.backend.Write(ctx, blobKey, bytes.NewReader(priorBlob))
	} else {
		err = e.backend.Delete(ctx, blobKey)
	}
	if err != nil {
		e.logger.Error("rolling back blob write", "key", key, "error", err)
	}
}

// Retrieve reads the value stored under key, reversing the pipeline and
// verifying the content checksum. Absence, including expiry, is reported
// as (nil, false, nil). Concurrent retrieves of the same key share one
// disk read.
func (e *Engine) Retrieve(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	if e.closed.Load() {
		return nil, false, ErrClosed
	}

	v, err, _ := e.flight.Do(key, func() (any, error) {
		return e.retrieveOne(ctx, key)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			e.metrics.RecordOperation(ctx, "retrieve", "not_found", time.Since(start), 0)
			return nil, false, nil
		}
		outcome := "error"
		if errors.Is(err, ErrIntegrity) {
			outcome = "integrity_failure"
		}
		e.metrics.RecordOperation(ctx, "retrieve", outcome, time.Since(start), 0)
		return nil, false, err
	}

	// Callers sharing a singleflight result each get their own copy.
	shared := v.([]byte)
	data := make([]byte, len(shared))
	copy(data, shared)

	e.metrics.RecordOperation(ctx, "retrieve", "success", time.Since(start), int64(len(data)))
	return data, true, nil
}

func (e *Engine) retrieveOne(ctx context.Context, key string) ([]byte, error) {
	unlock := e.locks.lock(key)
	defer unlock()

	entry, ok := e.idx.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	if entry.Expired(e.now()) {
		return nil, fmt.Errorf("%w: entry expired", ErrNotFound)
	}

	blobKey := arcana.BlobStorageKey(entry.Tier.Dir(), key)
	header, rc, err := e.backend.ReadFramed(ctx, blobKey)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, backend.ErrNotFound) {
			return nil, fmt.Errorf("%w: blob missing for %s", ErrIntegrity, key)
		}
		return nil, fmt.Errorf("%w: reading blob for %s: %v", ErrIntegrity, key, err)
	}
	defer rc.Close()

	body, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: reading blob for %s: %v", ErrIntegrity, key, err)
	}

	data, err := e.decode(ctx, key, entry, header, body)
	if err != nil {
		return nil, err
	}

	e.idx.Touch(key)
	return data, nil
}

// Delete removes the entry and its blob. Deleting an absent key is a
// no-op success.
func (e *Engine) Delete(ctx context.Context, key string) error {
	start := time.Now()
	if e.closed.Load() {
		return ErrClosed
	}

	unlock := e.locks.lock(key)
	defer unlock()

	entry, ok := e.idx.Get(key)
	if !ok {
		e.metrics.RecordOperation(ctx, "delete", "not_found", time.Since(start), 0)
		return nil
	}

	if _, err := e.idx.Delete(ctx, key); err != nil {
		e.metrics.RecordOperation(ctx, "delete", "error", time.Since(start), 0)
		return e.wrapCapacity("committing index", err)
	}

	// Index is committed; a blob left behind here is an orphan the
	// sweep removes.
	blobKey := arcana.BlobStorageKey(entry.Tier.Dir(), key)
	if err := e.backend.Delete(ctx, blobKey); err != nil {
		e.logger.Warn("removing blob after delete", "key", key, "error", err)
	}

	e.flight.Forget(key)
	e.metrics.RecordOperation(ctx, "delete", "success", time.Since(start), 0)
	return nil
}

// Close stops the scheduler if the engine started it, flushes deferred
// access updates, and releases the index. Subsequent operations return
// ErrClosed; closing twice is a no-op.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if err := e.StopScheduler(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.idx.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flushing index: %w", err))
	}
	if err := e.persister.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing persister: %w", err))
	}
	return errors.Join(errs...)
}

// Root returns the storage root directory.
func (e *Engine) Root() string {
	return e.root
}

// wrapCapacity maps disk-full failures to ErrCapacity and wraps
// everything else with the operation context.
func (e *Engine) wrapCapacity(op string, err error) error {
	if errors.Is(err, backend.ErrNoSpace) || errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%s: %w: %v", op, ErrCapacity, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
