package quantum

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	arcana "github.com/incidentallycilantro/UPDATED-Arcana-sub001"
	"github.com/incidentallycilantro/UPDATED-Arcana-sub001/backend"
	"github.com/incidentallycilantro/UPDATED-Arcana-sub001/tier"
)

// testLogLines builds a compressible payload large enough that zstd
// reliably beats lz4 on it.
func testLogLines(n int) []byte {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "2026-02-11T08:%02d:%02dZ service=billing request=%06d status=200 latency=%dms\n",
			i/60, i%60, i, 10+i%7)
	}
	return []byte(sb.String())
}

func TestOptimize_RemovesExpiredEntries(t *testing.T) {
	ctx := context.Background()
	current := time.Now().UTC()
	e := newTestEngine(t, WithNow(func() time.Time { return current }))

	expires := current.Add(time.Hour)
	for _, key := range []string{"short-a", "short-b"} {
		_, err := e.Store(ctx, key, []byte(strings.Repeat("ephemeral ", 10)), StoreOptions{ExpiresAt: &expires})
		require.NoError(t, err)
	}
	_, err := e.Store(ctx, "durable", []byte("stays"), StoreOptions{})
	require.NoError(t, err)

	current = current.Add(2 * time.Hour)

	result, err := e.Optimize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Expired)
	assert.Empty(t, result.Errors)
	assert.Greater(t, result.BytesReclaimed, int64(0))

	_, found, err := e.Retrieve(ctx, "short-a")
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = e.Retrieve(ctx, "durable")
	require.NoError(t, err)
	assert.True(t, found)

	verify, err := e.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, verify.Clean)
}

func TestOptimize_MigratesIdleEntries(t *testing.T) {
	ctx := context.Background()
	base := time.Now().UTC()
	current := base
	e := newTestEngine(t, WithNow(func() time.Time { return current }))

	_, err := e.Store(ctx, "idle", []byte(strings.Repeat("rarely touched ", 10)), StoreOptions{Priority: tier.PriorityHigh})
	require.NoError(t, err)

	current = base.Add(2 * 24 * time.Hour)
	_, err = e.Store(ctx, "fresh", []byte(strings.Repeat("recently touched ", 10)), StoreOptions{Priority: tier.PriorityHigh})
	require.NoError(t, err)

	// idle is now 8 days old, fresh 6 days: only idle crosses the 7 day
	// hot threshold.
	current = base.Add(8 * 24 * time.Hour)

	result, err := e.Optimize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Migrated)
	assert.Empty(t, result.Errors)

	idleInfo, err := e.Inspect(ctx, "idle")
	require.NoError(t, err)
	assert.Equal(t, tier.Warm, idleInfo.Tier)
	assert.True(t, idleInfo.BlobPresent)

	freshInfo, err := e.Inspect(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, tier.Hot, freshInfo.Tier)

	got, found, err := e.Retrieve(ctx, "idle")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte(strings.Repeat("rarely touched ", 10)), got)

	verify, err := e.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, verify.Clean, "old hot blob must be removed: %v", verify.OrphanBlobs)
}

func TestOptimize_OneTierPerSweep(t *testing.T) {
	ctx := context.Background()
	base := time.Now().UTC()
	current := base
	e := newTestEngine(t, WithNow(func() time.Time { return current }))

	_, err := e.Store(ctx, "abandoned", []byte(strings.Repeat("forgotten entry ", 10)), StoreOptions{Priority: tier.PriorityCritical})
	require.NoError(t, err)

	// Idle far past every threshold; each sweep still moves one step.
	current = base.Add(400 * 24 * time.Hour)

	want := []tier.Tier{tier.Warm, tier.Cool, tier.Cold, tier.Cold}
	for _, expected := range want {
		_, err := e.Optimize(ctx)
		require.NoError(t, err)

		info, err := e.Inspect(ctx, "abandoned")
		require.NoError(t, err)
		assert.Equal(t, expected, info.Tier)
	}

	got, found, err := e.Retrieve(ctx, "abandoned")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte(strings.Repeat("forgotten entry ", 10)), got)
}

func TestOptimize_RetrieveResetsDemotionClock(t *testing.T) {
	ctx := context.Background()
	base := time.Now().UTC()
	current := base
	e := newTestEngine(t, WithNow(func() time.Time { return current }))

	_, err := e.Store(ctx, "doc", []byte("frequently read"), StoreOptions{Priority: tier.PriorityHigh})
	require.NoError(t, err)

	current = base.Add(6 * 24 * time.Hour)
	_, _, err = e.Retrieve(ctx, "doc")
	require.NoError(t, err)

	// 8 days after the store, but only 2 days after the last read.
	current = base.Add(8 * 24 * time.Hour)

	result, err := e.Optimize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Migrated)

	info, err := e.Inspect(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, tier.Hot, info.Tier)
}

func TestOptimize_RecompressesSettledEntries(t *testing.T) {
	ctx := context.Background()
	base := time.Now().UTC()
	current := base
	e := newTestEngine(t, WithNow(func() time.Time { return current }))

	value := testLogLines(300)
	_, err := e.Store(ctx, "logs", value, StoreOptions{})
	require.NoError(t, err)

	before, err := e.Inspect(ctx, "logs")
	require.NoError(t, err)
	require.Equal(t, tier.Warm, before.Tier)
	require.Equal(t, "lz4", before.Algorithm)

	// 31 idle days demote warm to cool, where lz4 entries pick up zstd in
	// the same sweep.
	current = base.Add(31 * 24 * time.Hour)

	result, err := e.Optimize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Migrated)
	assert.Equal(t, 1, result.Recompressed)
	assert.Empty(t, result.Errors)
	assert.Greater(t, result.BytesReclaimed, int64(0))

	after, err := e.Inspect(ctx, "logs")
	require.NoError(t, err)
	assert.Equal(t, tier.Cool, after.Tier)
	assert.Equal(t, "zstd", after.Algorithm)
	assert.Less(t, after.StoredSize, before.StoredSize)

	got, found, err := e.Retrieve(ctx, "logs")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, value, got)

	verify, err := e.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, verify.Clean)
}

func TestOptimize_RecompressPreservesEncryption(t *testing.T) {
	ctx := context.Background()
	base := time.Now().UTC()
	current := base
	e := newTestEngine(t,
		WithNow(func() time.Time { return current }),
		WithKeyProvider(newTestKeys(t)),
	)

	value := testLogLines(200)
	_, err := e.Store(ctx, "audit", value, StoreOptions{})
	require.NoError(t, err)

	current = base.Add(31 * 24 * time.Hour)
	result, err := e.Optimize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Recompressed)

	info, err := e.Inspect(ctx, "audit")
	require.NoError(t, err)
	assert.True(t, info.Encrypted)
	assert.Equal(t, "zstd", info.Algorithm)

	got, found, err := e.Retrieve(ctx, "audit")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, value, got)
}

func TestOptimize_RemovesOrphanBlobs(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	_, err := e.Store(ctx, "kept", []byte("referenced content"), StoreOptions{})
	require.NoError(t, err)

	fs, err := backend.NewFilesystem(e.Root())
	require.NoError(t, err)

	// A stale orphan: written long before the grace period.
	old := &backend.BlobHeader{
		Version:       backend.HeaderVersion,
		ContentHash:   arcana.HashBytes([]byte("stray")),
		ContentLength: 5,
		PayloadLength: 5,
		Codec:         "none",
		StoredAt:      time.Now().UTC().Add(-2 * time.Hour).Format(time.RFC3339Nano),
	}
	require.NoError(t, fs.WriteFramed(ctx, "warm/stray.blob", old, strings.NewReader("stray")))

	// A fresh blob: could be a store whose index commit is in flight.
	young := &backend.BlobHeader{
		Version:       backend.HeaderVersion,
		ContentHash:   arcana.HashBytes([]byte("young")),
		ContentLength: 5,
		PayloadLength: 5,
		Codec:         "none",
		StoredAt:      time.Now().UTC().Format(time.RFC3339Nano),
	}
	require.NoError(t, fs.WriteFramed(ctx, "hot/young.blob", young, strings.NewReader("young")))

	// Garbage that was never a valid frame.
	junkPath := filepath.Join(e.Root(), "cool", "junk.blob")
	require.NoError(t, os.WriteFile(junkPath, []byte("not a blob"), 0o644))

	result, err := e.Optimize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.OrphansRemoved, "stale and corrupt orphans go, the young one stays: %v", result.Errors)

	exists, err := fs.Exists(ctx, "warm/stray.blob")
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = fs.Exists(ctx, "hot/young.blob")
	require.NoError(t, err)
	assert.True(t, exists, "blobs younger than the grace period survive")

	_, err = os.Stat(junkPath)
	assert.True(t, os.IsNotExist(err))

	got, found, err := e.Retrieve(ctx, "kept")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("referenced content"), got)
}

func TestOptimize_SecondSweepRejected(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	e.sweepActive.Store(true)
	_, err := e.Optimize(ctx)
	require.ErrorIs(t, err, ErrOptimizeInProgress)
	e.sweepActive.Store(false)

	_, err = e.Optimize(ctx)
	require.NoError(t, err)
}

func TestOptimize_SweepStatus(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	status := e.SweepStatus()
	assert.False(t, status.SchedulerRunning)
	assert.False(t, status.SweepActive)
	assert.Nil(t, status.LastRun)

	result, err := e.Optimize(ctx)
	require.NoError(t, err)

	status = e.SweepStatus()
	require.NotNil(t, status.LastRun)
	assert.Equal(t, result.ID, status.LastRun.ID)
	assert.Equal(t, result.StartedAt, status.LastRun.StartedAt)
}

func TestOptimize_SchedulerStartStop(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t,
		WithSweepStartupDelay(10*time.Millisecond),
		WithSweepInterval(25*time.Millisecond),
	)

	_, err := e.Store(ctx, "doc", []byte("content"), StoreOptions{})
	require.NoError(t, err)

	e.StartScheduler()
	e.StartScheduler() // double start is a no-op

	assert.True(t, e.SweepStatus().SchedulerRunning)

	require.Eventually(t, func() bool {
		return e.SweepStatus().LastRun != nil
	}, 2*time.Second, 10*time.Millisecond, "scheduler should complete a sweep")

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, e.StopScheduler(stopCtx))
	require.NoError(t, e.StopScheduler(stopCtx), "stop is idempotent")

	assert.False(t, e.SweepStatus().SchedulerRunning)
}

func TestOptimize_ContextCancellation(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Store(context.Background(), "doc", []byte("content"), StoreOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := e.Optimize(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result, "a canceled sweep still reports what it did")
	assert.NotEmpty(t, result.Errors)

	assert.False(t, e.sweepActive.Load(), "the gate releases after cancellation")
}
