package quantum

import (
	"context"
	"time"
)

// MetricsSink receives engine measurements. Implementations must be
// safe for concurrent use; the engine calls it on every operation.
type MetricsSink interface {
	// RecordOperation records one engine operation with its outcome
	// ("success", "not_found", "error", ...) and the original content
	// bytes moved in or out.
	RecordOperation(ctx context.Context, op, outcome string, duration time.Duration, bytes int64)

	// RecordCompressionRatio records the ratio achieved by one store.
	RecordCompressionRatio(ctx context.Context, ratio float64)

	// RecordTierEntries reports the current entry count of a tier.
	RecordTierEntries(ctx context.Context, tier string, count int64)

	// RecordSweep records a completed optimize sweep.
	RecordSweep(ctx context.Context, outcome string, duration time.Duration)
}

// nopMetrics discards all measurements.
type nopMetrics struct{}

var _ MetricsSink = nopMetrics{}

func (nopMetrics) RecordOperation(context.Context, string, string, time.Duration, int64) {}
func (nopMetrics) RecordCompressionRatio(context.Context, float64)                       {}
func (nopMetrics) RecordTierEntries(context.Context, string, int64)                      {}
func (nopMetrics) RecordSweep(context.Context, string, time.Duration)                    {}
