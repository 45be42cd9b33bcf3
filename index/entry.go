// Package index maintains the durable catalog of stored entries for the
// quantum storage engine.
package index

import (
	"maps"
	"slices"
	"time"

	arcana "github.com/incidentallycilantro/UPDATED-Arcana-sub001"
	"github.com/incidentallycilantro/UPDATED-Arcana-sub001/tier"
)

// Metadata describes how an entry was stored. Algorithm and Semantic
// record what was actually applied to the payload, which may differ from
// what was requested when a stage could not shrink the content.
type Metadata struct {
	Priority    tier.Priority     `json:"priority"`
	Algorithm   string            `json:"algorithm"`
	Semantic    bool              `json:"semantic,omitempty"`
	Encrypted   bool              `json:"encrypted"`
	KeyID       string            `json:"key_id,omitempty"`
	ContextTags []string          `json:"context_tags,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
}

// Entry contains the index record for one stored key. StoredSize is the
// compressed payload size before sealing, so the compression ratio
// reflects the pipeline rather than encryption overhead.
type Entry struct {
	Key          string      `json:"key"`
	OriginalSize int64       `json:"original_size"`
	StoredSize   int64       `json:"stored_size"`
	Tier         tier.Tier   `json:"tier"`
	Metadata     Metadata    `json:"metadata"`
	CreatedAt    time.Time   `json:"created_at"`
	LastAccessed time.Time   `json:"last_accessed"`
	AccessCount  int64       `json:"access_count"`
	Checksum     arcana.Hash `json:"checksum"`
}

// CompressionRatio returns the fraction of the original size saved by
// the compression pipeline: 1 - (stored / original). Entries that could
// not be shrunk report 0.
func (e *Entry) CompressionRatio() float64 {
	if e.OriginalSize <= 0 {
		return 0
	}
	return 1 - float64(e.StoredSize)/float64(e.OriginalSize)
}

// Expired reports whether the entry's expiry has passed at the given time.
func (e *Entry) Expired(now time.Time) bool {
	return e.Metadata.ExpiresAt != nil && !now.Before(*e.Metadata.ExpiresAt)
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() Entry {
	c := *e
	c.Metadata.ContextTags = slices.Clone(e.Metadata.ContextTags)
	c.Metadata.Tags = maps.Clone(e.Metadata.Tags)
	if e.Metadata.ExpiresAt != nil {
		t := *e.Metadata.ExpiresAt
		c.Metadata.ExpiresAt = &t
	}
	return c
}
