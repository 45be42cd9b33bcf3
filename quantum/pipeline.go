package quantum

import (
	"context"
	"fmt"

	arcana "github.com/incidentallycilantro/UPDATED-Arcana-sub001"
	"github.com/incidentallycilantro/UPDATED-Arcana-sub001/backend"
	"github.com/incidentallycilantro/UPDATED-Arcana-sub001/compress"
	"github.com/incidentallycilantro/UPDATED-Arcana-sub001/index"
	"github.com/incidentallycilantro/UPDATED-Arcana-sub001/seal"
	"github.com/incidentallycilantro/UPDATED-Arcana-sub001/semantic"
	"github.com/incidentallycilantro/UPDATED-Arcana-sub001/tier"
)

// encoded is the result of pushing a value through the write side of the
// pipeline: the blob body ready to persist plus everything the header and
// index entry need to describe it.
type encoded struct {
	body       []byte
	storedSize int64
	codec      compress.Algorithm
	semantic   bool
	seal       *backend.SealInfo
	keyID      string
}

// encode runs value through semantic substitution, the tier's binary
// codec, and, when a key provider is configured, the seal. checksum is
// the content hash of value and becomes the seal identity.
func (e *Engine) encode(ctx context.Context, value []byte, checksum arcana.Hash, contextTags []string, placement tier.Tier) (*encoded, error) {
	payload := value
	semanticApplied := false
	if res, ok := semantic.Compress(value, contextTags); ok {
		envBytes, err := semantic.EncodeEnvelope(semantic.EnvelopeFromResult(res))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCompression, err)
		}
		// The envelope carries the substitution map; keep it only when
		// the packed form still beats the raw bytes.
		if len(envBytes) < len(value) {
			payload = envBytes
			semanticApplied = true
		}
	}

	body, codec, err := compress.Compress(payload, compress.ForTier(placement))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompression, err)
	}

	enc := &encoded{
		body:       body,
		storedSize: int64(len(body)),
		codec:      codec,
		semantic:   semanticApplied,
	}

	if e.keys != nil {
		m, err := e.keys.Active(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetching active key: %w", err)
		}
		env, err := seal.Seal(body, m, checksum)
		if err != nil {
			return nil, fmt.Errorf("sealing blob: %w", err)
		}
		enc.body = env.Blob
		enc.keyID = env.KeyID
		enc.seal = &backend.SealInfo{
			Algorithm:     env.Algorithm,
			KeyDerivation: env.KeyDerivation,
			KeyID:         env.KeyID,
			Checksum:      env.Checksum,
		}
	}
	return enc, nil
}

// decode reverses the pipeline for a blob body, trusting the header's
// self-describing stage flags and verifying the result against the index
// entry's checksum. Every corruption or mismatch maps to ErrIntegrity.
func (e *Engine) decode(ctx context.Context, key string, entry index.Entry, header *backend.BlobHeader, body []byte) ([]byte, error) {
	if header.ContentHash != entry.Checksum {
		return nil, fmt.Errorf("%w: blob does not match index entry for %s", ErrIntegrity, key)
	}

	payload, err := e.unseal(ctx, key, entry.Checksum, header, body)
	if err != nil {
		return nil, err
	}

	codec, err := compress.Parse(header.Codec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	payload, err = compress.Decompress(payload, codec, int(header.ContentLength))
	if err != nil {
		return nil, fmt.Errorf("%w: decompressing %s: %v", ErrIntegrity, key, err)
	}

	if header.Semantic {
		env, err := semantic.DecodeEnvelope(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
		}
		payload, err = semantic.Decompress(env.Content, env.Substitutions)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
		}
	}

	if arcana.HashBytes(payload) != entry.Checksum {
		return nil, fmt.Errorf("%w: content checksum mismatch for %s", ErrIntegrity, key)
	}
	return payload, nil
}

// unseal opens a sealed blob body, or returns it as-is when the header
// carries no seal.
func (e *Engine) unseal(ctx context.Context, key string, identity arcana.Hash, header *backend.BlobHeader, body []byte) ([]byte, error) {
	if header.Seal == nil {
		return body, nil
	}
	if header.Seal.Algorithm != seal.AlgorithmTag || header.Seal.KeyDerivation != seal.KeyDerivationTag {
		return nil, fmt.Errorf("%w: unsupported seal %q/%q for %s",
			ErrIntegrity, header.Seal.Algorithm, header.Seal.KeyDerivation, key)
	}
	if arcana.HashBytes(body) != header.Seal.Checksum {
		return nil, fmt.Errorf("%w: sealed blob checksum mismatch for %s", ErrIntegrity, key)
	}
	if e.keys == nil {
		return nil, fmt.Errorf("entry %s is sealed but the engine has no key provider", key)
	}
	m, err := e.keys.ByID(ctx, header.Seal.KeyID)
	if err != nil {
		return nil, fmt.Errorf("resolving key %s: %w", header.Seal.KeyID, err)
	}
	payload, err := seal.Open(body, m, identity)
	if err != nil {
		return nil, fmt.Errorf("%w: unsealing %s: %v", ErrIntegrity, key, err)
	}
	return payload, nil
}
