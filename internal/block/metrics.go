package block

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/recall-io/recall/internal/block")

var (
	commitsTotal    metric.Int64Counter
	commitConflicts metric.Int64Counter
	readsTotal      metric.Int64Counter
	corruptDetected metric.Int64Counter
	blocksGauge     metric.Int64Gauge
)

func init() {
	var err error
	commitsTotal, err = meter.Int64Counter("block.commits.total",
		metric.WithDescription("Total successful block commits"))
	if err != nil {
		commitsTotal, _ = meter.Int64Counter("block.commits.total.fallback")
	}

	commitConflicts, err = meter.Int64Counter("block.commits.conflicts",
		metric.WithDescription("Block commits rejected by the optimistic-concurrency check"))
	if err != nil {
		commitConflicts, _ = meter.Int64Counter("block.commits.conflicts.fallback")
	}

	readsTotal, err = meter.Int64Counter("block.reads.total",
		metric.WithDescription("Total block read operations"))
	if err != nil {
		readsTotal, _ = meter.Int64Counter("block.reads.total.fallback")
	}

	corruptDetected, err = meter.Int64Counter("block.corrupt.detected",
		metric.WithDescription("Stored versions that failed integrity verification"))
	if err != nil {
		corruptDetected, _ = meter.Int64Counter("block.corrupt.detected.fallback")
	}

	blocksGauge, err = meter.Int64Gauge("block.count",
		metric.WithDescription("Current number of blocks"))
	if err != nil {
		blocksGauge, _ = meter.Int64Gauge("block.count.fallback")
	}
}
