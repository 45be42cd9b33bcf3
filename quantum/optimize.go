package quantum

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/google/uuid"

	arcana "github.com/incidentallycilantro/UPDATED-Arcana-sub001"
	"github.com/incidentallycilantro/UPDATED-Arcana-sub001/backend"
	"github.com/incidentallycilantro/UPDATED-Arcana-sub001/compress"
	"github.com/incidentallycilantro/UPDATED-Arcana-sub001/index"
	"github.com/incidentallycilantro/UPDATED-Arcana-sub001/seal"
	"github.com/incidentallycilantro/UPDATED-Arcana-sub001/tier"
)

// orphanGracePeriod is how old a blob must be before the orphan phase
// removes it. Blobs younger than this may belong to a store whose index
// commit has not landed yet.
const orphanGracePeriod = 1 * time.Hour

// SweepResult reports what one optimize sweep did.
type SweepResult struct {
	ID             string        `json:"id"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	Expired        int           `json:"expired"`
	Migrated       int           `json:"migrated"`
	Recompressed   int           `json:"recompressed"`
	OrphansRemoved int           `json:"orphans_removed"`
	BytesReclaimed int64         `json:"bytes_reclaimed"`
	Errors         []string      `json:"errors,omitempty"`
}

// SweepStatus reports the scheduler state and the most recent sweep.
type SweepStatus struct {
	SchedulerRunning bool         `json:"scheduler_running"`
	SweepActive      bool         `json:"sweep_active"`
	LastRun          *SweepResult `json:"last_run,omitempty"`
}

// Optimize runs one maintenance sweep: purge expired entries, demote
// idle entries one tier colder, re-encode lz4 blobs that earn zstd, and
// remove orphaned blob files. Only one sweep runs at a time; a second
// caller gets ErrOptimizeInProgress. Individual entry failures are
// recorded in the result and do not stop the sweep.
func (e *Engine) Optimize(ctx context.Context) (*SweepResult, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if !e.sweepActive.CompareAndSwap(false, true) {
		return nil, ErrOptimizeInProgress
	}
	defer e.sweepActive.Store(false)

	start := time.Now()
	now := e.now().UTC()
	result := &SweepResult{
		ID:        uuid.NewString(),
		StartedAt: now,
	}
	e.logger.Info("optimize sweep starting", "id", result.ID)

	e.sweepExpired(ctx, now, result)
	e.sweepMigrate(ctx, now, result)
	e.sweepRecompress(ctx, now, result)
	e.sweepOrphans(ctx, now, result)

	result.Duration = time.Since(start)

	e.sweepMu.Lock()
	e.lastSweep = result
	e.sweepMu.Unlock()

	outcome := "success"
	switch {
	case ctx.Err() != nil:
		outcome = "canceled"
	case len(result.Errors) > 0:
		outcome = "partial"
	}
	e.metrics.RecordSweep(ctx, outcome, result.Duration)
	e.recordTierGauges(ctx)

	e.logger.Info("optimize sweep complete",
		"id", result.ID,
		"duration", result.Duration,
		"expired", result.Expired,
		"migrated", result.Migrated,
		"recompressed", result.Recompressed,
		"orphans_removed", result.OrphansRemoved,
		"bytes_reclaimed", result.BytesReclaimed,
		"errors", len(result.Errors),
	)

	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

// SweepStatus reports whether the scheduler is running, whether a sweep
// is active right now, and the last completed sweep.
func (e *Engine) SweepStatus() SweepStatus {
	e.schedMu.Lock()
	running := e.schedRunning
	e.schedMu.Unlock()

	e.sweepMu.Lock()
	last := e.lastSweep
	e.sweepMu.Unlock()

	var lastCopy *SweepResult
	if last != nil {
		c := *last
		c.Errors = slices.Clone(last.Errors)
		lastCopy = &c
	}
	return SweepStatus{
		SchedulerRunning: running,
		SweepActive:      e.sweepActive.Load(),
		LastRun:          lastCopy,
	}
}

// StartScheduler launches the background sweep loop: one sweep after the
// startup delay, then one per interval. Starting twice is a no-op.
func (e *Engine) StartScheduler() {
	e.schedMu.Lock()
	defer e.schedMu.Unlock()
	if e.schedRunning || e.closed.Load() {
		return
	}
	e.schedRunning = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	go e.runScheduler(e.stopCh, e.doneCh)
	e.logger.Info("sweep scheduler started",
		"interval", e.sweepInterval,
		"startup_delay", e.sweepStartupDelay,
	)
}

// StopScheduler stops the background sweep loop and waits for it to
// finish, or until ctx expires.
func (e *Engine) StopScheduler(ctx context.Context) error {
	e.schedMu.Lock()
	if !e.schedRunning {
		e.schedMu.Unlock()
		return nil
	}
	close(e.stopCh)
	doneCh := e.doneCh
	e.schedRunning = false
	e.schedMu.Unlock()

	select {
	case <-doneCh:
		e.logger.Info("sweep scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for scheduler to stop: %w", ctx.Err())
	}
}

func (e *Engine) runScheduler(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	select {
	case <-time.After(e.sweepStartupDelay):
	case <-stopCh:
		return
	}

	e.scheduledSweep()

	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.scheduledSweep()
		case <-stopCh:
			return
		}
	}
}

func (e *Engine) scheduledSweep() {
	if _, err := e.Optimize(context.Background()); err != nil {
		if errors.Is(err, ErrOptimizeInProgress) {
			e.logger.Debug("sweep already running, skipping scheduled run")
			return
		}
		e.logger.Error("scheduled sweep failed", "error", err)
	}
}

// sweepExpired removes entries whose expiry has passed.
func (e *Engine) sweepExpired(ctx context.Context, now time.Time, result *SweepResult) {
	for _, entry := range e.idx.Snapshot() {
		select {
		case <-ctx.Done():
			result.Errors = append(result.Errors, fmt.Sprintf("expire phase interrupted: %v", ctx.Err()))
			return
		default:
		}

		if !entry.Expired(now) {
			continue
		}
		removed, err := e.removeExpired(ctx, entry.Key, now)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("expiring %s: %v", entry.Key, err))
			e.logger.Error("expiring entry", "key", entry.Key, "error", err)
			continue
		}
		if removed {
			result.Expired++
			result.BytesReclaimed += entry.StoredSize
		}
	}
}

func (e *Engine) removeExpired(ctx context.Context, key string, now time.Time) (bool, error) {
	unlock := e.locks.lock(key)
	defer unlock()

	// The entry may have been re-stored since the snapshot.
	entry, ok := e.idx.Get(key)
	if !ok || !entry.Expired(now) {
		return false, nil
	}

	if _, err := e.idx.Delete(ctx, key); err != nil {
		return false, err
	}
	blobKey := arcana.BlobStorageKey(entry.Tier.Dir(), key)
	if err := e.backend.Delete(ctx, blobKey); err != nil && !errors.Is(err, backend.ErrNotFound) {
		e.logger.Warn("removing expired blob", "key", key, "error", err)
	}
	e.flight.Forget(key)
	e.logger.Debug("expired entry removed", "key", key)
	return true, nil
}

// sweepMigrate demotes entries whose last access is older than their
// tier's threshold. An entry moves at most one tier per sweep.
func (e *Engine) sweepMigrate(ctx context.Context, now time.Time, result *SweepResult) {
	for _, entry := range e.idx.Snapshot() {
		select {
		case <-ctx.Done():
			result.Errors = append(result.Errors, fmt.Sprintf("migrate phase interrupted: %v", ctx.Err()))
			return
		default:
		}

		if entry.Expired(now) {
			continue
		}
		if _, ok := entry.Tier.Colder(); !ok {
			continue
		}
		if !tier.ShouldDemote(entry.Tier, entry.LastAccessed, now) {
			continue
		}
		moved, err := e.migrateEntry(ctx, entry.Key, now)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("migrating %s: %v", entry.Key, err))
			e.logger.Error("migrating entry", "key", entry.Key, "error", err)
			continue
		}
		if moved {
			result.Migrated++
		}
	}
}

// migrateEntry moves one entry's blob a tier colder and commits the
// index before removing the old blob. The blob bytes are copied verbatim;
// re-encoding is the recompress phase's job.
func (e *Engine) migrateEntry(ctx context.Context, key string, now time.Time) (bool, error) {
	unlock := e.locks.lock(key)
	defer unlock()

	// Re-validate under the lock: a retrieve or store since the snapshot
	// resets the clock.
	entry, ok := e.idx.Get(key)
	if !ok || entry.Expired(now) {
		return false, nil
	}
	target, ok := entry.Tier.Colder()
	if !ok || !tier.ShouldDemote(entry.Tier, entry.LastAccessed, now) {
		return false, nil
	}

	oldKey := arcana.BlobStorageKey(entry.Tier.Dir(), key)
	newKey := arcana.BlobStorageKey(target.Dir(), key)

	header, rc, err := e.backend.ReadFramed(ctx, oldKey)
	if err != nil {
		return false, fmt.Errorf("reading blob: %w", err)
	}
	body, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return false, fmt.Errorf("reading blob: %w", err)
	}

	if err := e.backend.WriteFramed(ctx, newKey, header, bytes.NewReader(body)); err != nil {
		return false, e.wrapCapacity("writing blob", err)
	}

	from := entry.Tier
	entry.Tier = target
	if err := e.idx.Put(ctx, entry); err != nil {
		if derr := e.backend.Delete(ctx, newKey); derr != nil {
			e.logger.Error("rolling back migrated blob", "key", key, "error", derr)
		}
		return false, fmt.Errorf("committing index: %w", err)
	}

	if err := e.backend.Delete(ctx, oldKey); err != nil && !errors.Is(err, backend.ErrNotFound) {
		e.logger.Warn("removing blob after migration", "key", key, "tier", from, "error", err)
	}
	e.flight.Forget(key)
	e.logger.Debug("migrated entry", "key", key, "from", from, "to", target)
	return true, nil
}

// sweepRecompress re-encodes lz4 entries with zstd once they settle in a
// cold tier or compress poorly.
func (e *Engine) sweepRecompress(ctx context.Context, now time.Time, result *SweepResult) {
	for _, entry := range e.idx.Snapshot() {
		select {
		case <-ctx.Done():
			result.Errors = append(result.Errors, fmt.Sprintf("recompress phase interrupted: %v", ctx.Err()))
			return
		default:
		}

		if entry.Expired(now) {
			continue
		}
		if compress.Algorithm(entry.Metadata.Algorithm) != compress.LZ4 {
			continue
		}
		if !e.wantsZstd(entry) {
			continue
		}
		saved, done, err := e.recompressEntry(ctx, entry.Key)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("recompressing %s: %v", entry.Key, err))
			e.logger.Error("recompressing entry", "key", entry.Key, "error", err)
			continue
		}
		if done {
			result.Recompressed++
			result.BytesReclaimed += saved
		}
	}
}

// wantsZstd reports whether an lz4 entry should be re-encoded: it has
// settled into a cold tier, or lz4 barely compressed it.
func (e *Engine) wantsZstd(entry index.Entry) bool {
	if entry.Tier == tier.Cool || entry.Tier == tier.Cold {
		return true
	}
	return entry.CompressionRatio() < e.recompressThreshold
}

func (e *Engine) recompressEntry(ctx context.Context, key string) (int64, bool, error) {
	unlock := e.locks.lock(key)
	defer unlock()

	entry, ok := e.idx.Get(key)
	if !ok || compress.Algorithm(entry.Metadata.Algorithm) != compress.LZ4 || !e.wantsZstd(entry) {
		return 0, false, nil
	}

	blobKey := arcana.BlobStorageKey(entry.Tier.Dir(), key)
	header, rc, err := e.backend.ReadFramed(ctx, blobKey)
	if err != nil {
		return 0, false, fmt.Errorf("reading blob: %w", err)
	}
	body, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return 0, false, fmt.Errorf("reading blob: %w", err)
	}

	payload, err := e.unseal(ctx, key, entry.Checksum, header, body)
	if err != nil {
		return 0, false, err
	}

	// A crash between a blob rewrite and its index commit leaves the
	// entry describing the old encoding. The header is authoritative;
	// repair the entry instead of re-encoding.
	if header.Codec != entry.Metadata.Algorithm {
		entry.Metadata.Algorithm = header.Codec
		entry.StoredSize = int64(len(payload))
		if header.Seal != nil {
			entry.Metadata.KeyID = header.Seal.KeyID
		}
		if err := e.idx.Put(ctx, entry); err != nil {
			return 0, false, fmt.Errorf("repairing index entry: %w", err)
		}
		e.logger.Debug("repaired index entry from blob header", "key", key, "codec", header.Codec)
		return 0, false, nil
	}

	codec, err := compress.Parse(header.Codec)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	plain, err := compress.Decompress(payload, codec, int(header.ContentLength))
	if err != nil {
		return 0, false, fmt.Errorf("%w: decompressing %s: %v", ErrIntegrity, key, err)
	}

	recompressed, applied, err := compress.Compress(plain, compress.Zstd)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrCompression, err)
	}
	if applied != compress.Zstd || len(recompressed) >= len(payload) {
		return 0, false, nil
	}

	newHeader := &backend.BlobHeader{
		Version:       backend.HeaderVersion,
		ContentHash:   header.ContentHash,
		ContentLength: header.ContentLength,
		PayloadLength: int64(len(recompressed)),
		Codec:         string(compress.Zstd),
		Semantic:      header.Semantic,
		StoredAt:      e.now().UTC().Format(time.RFC3339Nano),
	}
	newBody := recompressed
	keyID := entry.Metadata.KeyID
	if e.keys != nil {
		m, err := e.keys.Active(ctx)
		if err != nil {
			return 0, false, fmt.Errorf("fetching active key: %w", err)
		}
		env, err := seal.Seal(recompressed, m, entry.Checksum)
		if err != nil {
			return 0, false, fmt.Errorf("sealing blob: %w", err)
		}
		newBody = env.Blob
		keyID = env.KeyID
		newHeader.Seal = &backend.SealInfo{
			Algorithm:     env.Algorithm,
			KeyDerivation: env.KeyDerivation,
			KeyID:         env.KeyID,
			Checksum:      env.Checksum,
		}
	}

	if err := e.backend.WriteFramed(ctx, blobKey, newHeader, bytes.NewReader(newBody)); err != nil {
		return 0, false, e.wrapCapacity("writing blob", err)
	}

	saved := entry.StoredSize - int64(len(recompressed))
	entry.StoredSize = int64(len(recompressed))
	entry.Metadata.Algorithm = string(compress.Zstd)
	entry.Metadata.KeyID = keyID
	if err := e.idx.Put(ctx, entry); err != nil {
		// The blob already carries the new encoding; reads keep working
		// off the header and the next sweep repairs the entry.
		return 0, false, fmt.Errorf("committing index: %w", err)
	}

	e.flight.Forget(key)
	e.logger.Debug("recompressed entry", "key", key, "saved_bytes", saved)
	return saved, true, nil
}

// sweepOrphans deletes blob files the index does not reference. Young
// blobs are left alone so in-flight stores are not clobbered.
func (e *Engine) sweepOrphans(ctx context.Context, now time.Time, result *SweepResult) {
	expected := make(map[string]struct{}, e.idx.Len())
	for _, entry := range e.idx.Snapshot() {
		expected[arcana.BlobStorageKey(entry.Tier.Dir(), entry.Key)] = struct{}{}
	}

	for _, t := range tier.All() {
		blobKeys, err := e.backend.List(ctx, t.Dir())
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("listing tier %s: %v", t, err))
			e.logger.Error("listing tier", "tier", t, "error", err)
			continue
		}
		for _, blobKey := range blobKeys {
			select {
			case <-ctx.Done():
				result.Errors = append(result.Errors, fmt.Sprintf("orphan phase interrupted: %v", ctx.Err()))
				return
			default:
			}

			if _, ok := expected[blobKey]; ok {
				continue
			}
			removed, size, err := e.removeOrphan(ctx, blobKey, now)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("removing orphan %s: %v", blobKey, err))
				e.logger.Error("removing orphan", "blob", blobKey, "error", err)
				continue
			}
			if removed {
				result.OrphansRemoved++
				result.BytesReclaimed += size
			}
		}
	}
}

func (e *Engine) removeOrphan(ctx context.Context, blobKey string, now time.Time) (bool, int64, error) {
	// The snapshot may predate a store that claimed this blob.
	if _, name, ok := arcana.SplitBlobStorageKey(blobKey); ok {
		if key, ok := arcana.KeyFromBlobName(name); ok {
			if entry, exists := e.idx.Get(key); exists &&
				arcana.BlobStorageKey(entry.Tier.Dir(), key) == blobKey {
				return false, 0, nil
			}
		}
	}

	header, rc, err := e.backend.ReadFramed(ctx, blobKey)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return false, 0, nil
		}
		// An unreadable frame is a crash leftover, not an in-flight
		// store; remove it.
		if derr := e.backend.Delete(ctx, blobKey); derr != nil && !errors.Is(derr, backend.ErrNotFound) {
			return false, 0, derr
		}
		e.logger.Debug("removed corrupt orphan blob", "blob", blobKey)
		return true, 0, nil
	}
	size := header.PayloadLength
	rc.Close()

	if storedAt, perr := time.Parse(time.RFC3339Nano, header.StoredAt); perr == nil {
		if now.Sub(storedAt) < orphanGracePeriod {
			return false, 0, nil
		}
	}

	if err := e.backend.Delete(ctx, blobKey); err != nil && !errors.Is(err, backend.ErrNotFound) {
		return false, 0, err
	}
	e.logger.Debug("removed orphan blob", "blob", blobKey, "bytes", size)
	return true, size, nil
}

func (e *Engine) recordTierGauges(ctx context.Context) {
	counts := make(map[tier.Tier]int64, 4)
	for _, entry := range e.idx.Snapshot() {
		counts[entry.Tier]++
	}
	for _, t := range tier.All() {
		e.metrics.RecordTierEntries(ctx, string(t), counts[t])
	}
}
