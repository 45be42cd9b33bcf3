package quantum

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	arcana "github.com/incidentallycilantro/UPDATED-Arcana-sub001"
	"github.com/incidentallycilantro/UPDATED-Arcana-sub001/backend"
	"github.com/incidentallycilantro/UPDATED-Arcana-sub001/seal"
)

// RotateResult reports a key rotation.
type RotateResult struct {
	NewKeyID  string        `json:"new_key_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Resealed  int           `json:"resealed"`
	Errors    []string      `json:"errors,omitempty"`
}

// RotateKeys asks the key provider for a fresh key and re-seals every
// encrypted blob under it. Entries the pass could not re-seal stay
// readable through their old key and are recorded in the result. Rotation
// shares the sweep gate, so it cannot overlap an optimize run.
func (e *Engine) RotateKeys(ctx context.Context) (*RotateResult, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if e.keys == nil {
		return nil, errors.New("engine has no key provider")
	}
	if !e.sweepActive.CompareAndSwap(false, true) {
		return nil, ErrOptimizeInProgress
	}
	defer e.sweepActive.Store(false)

	start := time.Now()
	m, err := e.keys.Rotate(ctx)
	if err != nil {
		return nil, fmt.Errorf("rotating key: %w", err)
	}

	result := &RotateResult{
		NewKeyID:  m.ID,
		StartedAt: e.now().UTC(),
	}
	e.logger.Info("key rotation starting", "key_id", m.ID)

	for _, entry := range e.idx.Snapshot() {
		select {
		case <-ctx.Done():
			result.Errors = append(result.Errors, fmt.Sprintf("rotation interrupted: %v", ctx.Err()))
			result.Duration = time.Since(start)
			return result, ctx.Err()
		default:
		}

		if !entry.Metadata.Encrypted || entry.Metadata.KeyID == m.ID {
			continue
		}
		resealed, err := e.resealEntry(ctx, entry.Key, m)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("resealing %s: %v", entry.Key, err))
			e.logger.Error("resealing entry", "key", entry.Key, "error", err)
			continue
		}
		if resealed {
			result.Resealed++
		}
	}

	result.Duration = time.Since(start)
	e.logger.Info("key rotation complete",
		"key_id", m.ID,
		"resealed", result.Resealed,
		"errors", len(result.Errors),
		"duration", result.Duration,
	)
	return result, nil
}

func (e *Engine) resealEntry(ctx context.Context, key string, m seal.Material) (bool, error) {
	unlock := e.locks.lock(key)
	defer unlock()

	entry, ok := e.idx.Get(key)
	if !ok || !entry.Metadata.Encrypted || entry.Metadata.KeyID == m.ID {
		return false, nil
	}

	blobKey := arcana.BlobStorageKey(entry.Tier.Dir(), key)
	header, rc, err := e.backend.ReadFramed(ctx, blobKey)
	if err != nil {
		return false, fmt.Errorf("reading blob: %w", err)
	}
	body, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return false, fmt.Errorf("reading blob: %w", err)
	}

	payload, err := e.unseal(ctx, key, entry.Checksum, header, body)
	if err != nil {
		return false, err
	}

	env, err := seal.Seal(payload, m, entry.Checksum)
	if err != nil {
		return false, fmt.Errorf("sealing blob: %w", err)
	}

	newHeader := &backend.BlobHeader{
		Version:       backend.HeaderVersion,
		ContentHash:   header.ContentHash,
		ContentLength: header.ContentLength,
		PayloadLength: int64(len(payload)),
		Codec:         header.Codec,
		Semantic:      header.Semantic,
		StoredAt:      e.now().UTC().Format(time.RFC3339Nano),
		Seal: &backend.SealInfo{
			Algorithm:     env.Algorithm,
			KeyDerivation: env.KeyDerivation,
			KeyID:         env.KeyID,
			Checksum:      env.Checksum,
		},
	}
	if err := e.backend.WriteFramed(ctx, blobKey, newHeader, bytes.NewReader(env.Blob)); err != nil {
		return false, e.wrapCapacity("writing blob", err)
	}

	entry.Metadata.KeyID = m.ID
	if err := e.idx.Put(ctx, entry); err != nil {
		// Reads keep working off the header; the stale key id in the
		// index corrects on the next rotation pass.
		return false, fmt.Errorf("committing index: %w", err)
	}

	e.flight.Forget(key)
	return true, nil
}
