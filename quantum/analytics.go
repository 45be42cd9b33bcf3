package quantum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	arcana "github.com/incidentallycilantro/UPDATED-Arcana-sub001"
	"github.com/incidentallycilantro/UPDATED-Arcana-sub001/backend"
	"github.com/incidentallycilantro/UPDATED-Arcana-sub001/compress"
	"github.com/incidentallycilantro/UPDATED-Arcana-sub001/tier"
)

// Analytics summarizes what the store holds and how well it compresses.
type Analytics struct {
	GeneratedAt      time.Time            `json:"generated_at"`
	Entries          int                  `json:"entries"`
	OriginalBytes    int64                `json:"original_bytes"`
	StoredBytes      int64                `json:"stored_bytes"`
	AverageRatio     float64              `json:"average_ratio"`
	OverallRatio     float64              `json:"overall_ratio"`
	RatioBuckets     map[string]int       `json:"ratio_buckets"`
	ByTier           map[string]TierStats `json:"by_tier"`
	ByAlgorithm      map[string]int       `json:"by_algorithm"`
	SemanticEntries  int                  `json:"semantic_entries"`
	EncryptedEntries int                  `json:"encrypted_entries"`
	ExpiredPending   int                  `json:"expired_pending"`
	Recommendations  []string             `json:"recommendations,omitempty"`
}

// TierStats is the per-tier slice of the analytics.
type TierStats struct {
	Entries     int   `json:"entries"`
	StoredBytes int64 `json:"stored_bytes"`
}

// lowRatioThreshold is the average compression ratio under which the
// analytics suggest feeding the semantic stage context tags.
const lowRatioThreshold = 0.7

// Analytics computes store-wide statistics and maintenance
// recommendations from the index.
func (e *Engine) Analytics(ctx context.Context) (*Analytics, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	now := e.now().UTC()
	a := &Analytics{
		GeneratedAt:  now,
		RatioBuckets: map[string]int{},
		ByTier:       map[string]TierStats{},
		ByAlgorithm:  map[string]int{},
	}

	var (
		ratioSum float64
		staleHot int
		coldLZ4  int
	)
	for _, entry := range e.idx.Snapshot() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		a.Entries++
		a.OriginalBytes += entry.OriginalSize
		a.StoredBytes += entry.StoredSize

		ratio := entry.CompressionRatio()
		ratioSum += ratio
		a.RatioBuckets[ratioBucket(ratio)]++

		ts := a.ByTier[string(entry.Tier)]
		ts.Entries++
		ts.StoredBytes += entry.StoredSize
		a.ByTier[string(entry.Tier)] = ts

		a.ByAlgorithm[entry.Metadata.Algorithm]++

		if entry.Metadata.Semantic {
			a.SemanticEntries++
		}
		if entry.Metadata.Encrypted {
			a.EncryptedEntries++
		}
		if entry.Expired(now) {
			a.ExpiredPending++
		}
		if entry.Tier == tier.Hot && tier.ShouldDemote(entry.Tier, entry.LastAccessed, now) {
			staleHot++
		}
		if e.wantsZstd(entry) && compress.Algorithm(entry.Metadata.Algorithm) == compress.LZ4 {
			coldLZ4++
		}
	}

	if a.Entries > 0 {
		a.AverageRatio = ratioSum / float64(a.Entries)
	}
	if a.OriginalBytes > 0 {
		a.OverallRatio = 1 - float64(a.StoredBytes)/float64(a.OriginalBytes)
	}

	if a.Entries > 0 && a.AverageRatio < lowRatioThreshold {
		a.Recommendations = append(a.Recommendations, fmt.Sprintf(
			"average compression ratio is %.2f; store with context tags so the semantic stage can qualify domain phrases", a.AverageRatio))
	}
	if a.ExpiredPending > 0 {
		a.Recommendations = append(a.Recommendations, fmt.Sprintf(
			"%d expired entries are awaiting removal; run optimize", a.ExpiredPending))
	}
	if coldLZ4 > 0 {
		a.Recommendations = append(a.Recommendations, fmt.Sprintf(
			"%d entries qualify for zstd re-encoding; run optimize", coldLZ4))
	}
	if staleHot > 0 {
		a.Recommendations = append(a.Recommendations, fmt.Sprintf(
			"%d hot entries are past the demotion window; run optimize to migrate them", staleHot))
	}
	if e.keys == nil && a.Entries > 0 {
		a.Recommendations = append(a.Recommendations,
			"encryption is disabled; configure a key provider to seal blobs at rest")
	}
	return a, nil
}

func ratioBucket(r float64) string {
	switch {
	case r < 0.25:
		return "0.00-0.25"
	case r < 0.50:
		return "0.25-0.50"
	case r < 0.75:
		return "0.50-0.75"
	default:
		return "0.75-1.00"
	}
}

// InspectResult is a diagnostic view of one entry.
type InspectResult struct {
	Key              string            `json:"key"`
	Exists           bool              `json:"exists"`
	Tier             tier.Tier         `json:"tier,omitempty"`
	Priority         tier.Priority     `json:"priority,omitempty"`
	OriginalSize     int64             `json:"original_size,omitempty"`
	StoredSize       int64             `json:"stored_size,omitempty"`
	CompressionRatio float64           `json:"compression_ratio,omitempty"`
	Algorithm        string            `json:"algorithm,omitempty"`
	Semantic         bool              `json:"semantic,omitempty"`
	Encrypted        bool              `json:"encrypted,omitempty"`
	KeyID            string            `json:"key_id,omitempty"`
	ContextTags      []string          `json:"context_tags,omitempty"`
	Tags             map[string]string `json:"tags,omitempty"`
	Checksum         string            `json:"checksum,omitempty"`
	CreatedAt        *time.Time        `json:"created_at,omitempty"`
	LastAccessed     *time.Time        `json:"last_accessed,omitempty"`
	AccessCount      int64             `json:"access_count,omitempty"`
	ExpiresAt        *time.Time        `json:"expires_at,omitempty"`
	Expired          bool              `json:"expired,omitempty"`
	BlobPath         string            `json:"blob_path,omitempty"`
	BlobPresent      bool              `json:"blob_present,omitempty"`
}

// Inspect reports the index entry and blob placement for a key without
// touching its access clock. An absent key yields Exists false, not an
// error.
func (e *Engine) Inspect(ctx context.Context, key string) (*InspectResult, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	entry, ok := e.idx.Get(key)
	if !ok {
		return &InspectResult{Key: key}, nil
	}

	blobKey := arcana.BlobStorageKey(entry.Tier.Dir(), key)
	present, err := e.backend.Exists(ctx, blobKey)
	if err != nil {
		return nil, fmt.Errorf("checking blob: %w", err)
	}

	created := entry.CreatedAt
	accessed := entry.LastAccessed
	return &InspectResult{
		Key:              key,
		Exists:           true,
		Tier:             entry.Tier,
		Priority:         entry.Metadata.Priority,
		OriginalSize:     entry.OriginalSize,
		StoredSize:       entry.StoredSize,
		CompressionRatio: entry.CompressionRatio(),
		Algorithm:        entry.Metadata.Algorithm,
		Semantic:         entry.Metadata.Semantic,
		Encrypted:        entry.Metadata.Encrypted,
		KeyID:            entry.Metadata.KeyID,
		ContextTags:      entry.Metadata.ContextTags,
		Tags:             entry.Metadata.Tags,
		Checksum:         entry.Checksum.String(),
		CreatedAt:        &created,
		LastAccessed:     &accessed,
		AccessCount:      entry.AccessCount,
		ExpiresAt:        entry.Metadata.ExpiresAt,
		Expired:          entry.Expired(e.now()),
		BlobPath:         filepath.Join(e.root, filepath.FromSlash(blobKey)),
		BlobPresent:      present,
	}, nil
}

// VerifyResult reports discrepancies between the index and the blob
// files.
type VerifyResult struct {
	CheckedEntries int      `json:"checked_entries"`
	MissingBlobs   []string `json:"missing_blobs,omitempty"`
	Mismatches     []string `json:"mismatches,omitempty"`
	OrphanBlobs    []string `json:"orphan_blobs,omitempty"`
	Clean          bool     `json:"clean"`
}

// Verify cross-checks every index entry against its blob file and lists
// blob files the index does not reference. It reads headers only and
// modifies nothing.
func (e *Engine) Verify(ctx context.Context) (*VerifyResult, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	result := &VerifyResult{}
	expected := make(map[string]struct{}, e.idx.Len())

	for _, entry := range e.idx.Snapshot() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result.CheckedEntries++
		blobKey := arcana.BlobStorageKey(entry.Tier.Dir(), entry.Key)
		expected[blobKey] = struct{}{}

		header, rc, err := e.backend.ReadFramed(ctx, blobKey)
		if err != nil {
			if errors.Is(err, backend.ErrNotFound) {
				result.MissingBlobs = append(result.MissingBlobs, entry.Key)
			} else {
				result.Mismatches = append(result.Mismatches,
					fmt.Sprintf("%s: unreadable blob: %v", entry.Key, err))
			}
			continue
		}
		rc.Close()

		if header.ContentHash != entry.Checksum {
			result.Mismatches = append(result.Mismatches,
				fmt.Sprintf("%s: blob content hash does not match index checksum", entry.Key))
		}
		if header.Codec != entry.Metadata.Algorithm {
			result.Mismatches = append(result.Mismatches,
				fmt.Sprintf("%s: blob codec %s does not match index algorithm %s",
					entry.Key, header.Codec, entry.Metadata.Algorithm))
		}
		if header.PayloadLength != entry.StoredSize {
			result.Mismatches = append(result.Mismatches,
				fmt.Sprintf("%s: blob payload length %d does not match index stored size %d",
					entry.Key, header.PayloadLength, entry.StoredSize))
		}
	}

	for _, t := range tier.All() {
		blobKeys, err := e.backend.List(ctx, t.Dir())
		if err != nil {
			return nil, fmt.Errorf("listing tier %s: %w", t, err)
		}
		for _, blobKey := range blobKeys {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if _, ok := expected[blobKey]; !ok {
				result.OrphanBlobs = append(result.OrphanBlobs, blobKey)
			}
		}
	}

	result.Clean = len(result.MissingBlobs) == 0 &&
		len(result.Mismatches) == 0 &&
		len(result.OrphanBlobs) == 0
	return result, nil
}

// Report is the exportable store report: the analytics plus one row per
// entry, payloads excluded.
type Report struct {
	Analytics *Analytics    `json:"analytics"`
	Entries   []ReportEntry `json:"entries"`
}

// ReportEntry is one entry's row in a report.
type ReportEntry struct {
	Key              string        `json:"key"`
	Tier             tier.Tier     `json:"tier"`
	Priority         tier.Priority `json:"priority"`
	OriginalSize     int64         `json:"original_size"`
	StoredSize       int64         `json:"stored_size"`
	CompressionRatio float64       `json:"compression_ratio"`
	Algorithm        string        `json:"algorithm"`
	Semantic         bool          `json:"semantic,omitempty"`
	Encrypted        bool          `json:"encrypted,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	LastAccessed     time.Time     `json:"last_accessed"`
	AccessCount      int64         `json:"access_count"`
	ExpiresAt        *time.Time    `json:"expires_at,omitempty"`
}

// BuildReport assembles the full report, entries sorted by key.
func (e *Engine) BuildReport(ctx context.Context) (*Report, error) {
	analytics, err := e.Analytics(ctx)
	if err != nil {
		return nil, err
	}

	snapshot := e.idx.Snapshot()
	entries := make([]ReportEntry, 0, len(snapshot))
	for _, entry := range snapshot {
		entries = append(entries, ReportEntry{
			Key:              entry.Key,
			Tier:             entry.Tier,
			Priority:         entry.Metadata.Priority,
			OriginalSize:     entry.OriginalSize,
			StoredSize:       entry.StoredSize,
			CompressionRatio: entry.CompressionRatio(),
			Algorithm:        entry.Metadata.Algorithm,
			Semantic:         entry.Metadata.Semantic,
			Encrypted:        entry.Metadata.Encrypted,
			CreatedAt:        entry.CreatedAt,
			LastAccessed:     entry.LastAccessed,
			AccessCount:      entry.AccessCount,
			ExpiresAt:        entry.Metadata.ExpiresAt,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	return &Report{Analytics: analytics, Entries: entries}, nil
}

// ExportReport writes the report to path as indented JSON.
func (e *Engine) ExportReport(ctx context.Context, path string) error {
	report, err := e.BuildReport(ctx)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	e.logger.Info("report exported", "path", path, "entries", len(report.Entries))
	return nil
}
