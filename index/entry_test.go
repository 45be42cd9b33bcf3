package index

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/incidentallycilantro/UPDATED-Arcana-sub001/tier"
)

func TestEntryCompressionRatio(t *testing.T) {
	tests := []struct {
		name     string
		original int64
		stored   int64
		want     float64
	}{
		{name: "90 percent saved", original: 1000, stored: 100, want: 0.9},
		{name: "half saved", original: 200, stored: 100, want: 0.5},
		{name: "incompressible", original: 100, stored: 100, want: 0},
		{name: "empty content", original: 0, stored: 0, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Entry{OriginalSize: tt.original, StoredSize: tt.stored}
			assert.InDelta(t, tt.want, e.CompressionRatio(), 1e-9)
		})
	}
}

func TestEntryExpired(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	var e Entry
	assert.False(t, e.Expired(now), "no expiry never expires")

	past := now.Add(-time.Hour)
	e.Metadata.ExpiresAt = &past
	assert.True(t, e.Expired(now))

	future := now.Add(time.Hour)
	e.Metadata.ExpiresAt = &future
	assert.False(t, e.Expired(now))

	exactly := now
	e.Metadata.ExpiresAt = &exactly
	assert.True(t, e.Expired(now), "expiry instant counts as expired")
}

func TestEntryClone(t *testing.T) {
	expires := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	e := Entry{
		Key:  "doc1",
		Tier: tier.Hot,
		Metadata: Metadata{
			Priority:    tier.PriorityHigh,
			ContextTags: []string{"finance"},
			Tags:        map[string]string{"team": "core"},
			ExpiresAt:   &expires,
		},
	}

	c := e.Clone()
	require.Equal(t, e, c)

	c.Metadata.ContextTags[0] = "changed"
	c.Metadata.Tags["team"] = "changed"
	*c.Metadata.ExpiresAt = expires.Add(time.Hour)

	assert.Equal(t, "finance", e.Metadata.ContextTags[0])
	assert.Equal(t, "core", e.Metadata.Tags["team"])
	assert.Equal(t, expires, *e.Metadata.ExpiresAt)
}
