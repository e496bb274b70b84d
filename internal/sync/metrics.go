package sync

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/recall-io/recall/internal/sync")

var (
	pushesTotal   metric.Int64Counter
	pushFailures  metric.Int64Counter
	degradedTotal metric.Int64Counter
	queueDrops    metric.Int64Counter
)

func init() {
	var err error
	pushesTotal, err = meter.Int64Counter("sync.pushes.total",
		metric.WithDescription("Block bodies pushed to the runtime"))
	if err != nil {
		pushesTotal, _ = meter.Int64Counter("sync.pushes.total.fallback")
	}

	pushFailures, err = meter.Int64Counter("sync.push.failures",
		metric.WithDescription("Failed push attempts (before retry accounting)"))
	if err != nil {
		pushFailures, _ = meter.Int64Counter("sync.push.failures.fallback")
	}

	degradedTotal, err = meter.Int64Counter("sync.degraded.total",
		metric.WithDescription("Blocks marked degraded after exhausting retries"))
	if err != nil {
		degradedTotal, _ = meter.Int64Counter("sync.degraded.total.fallback")
	}

	queueDrops, err = meter.Int64Counter("sync.queue.drops",
		metric.WithDescription("Commit events dropped because the sync queue was full"))
	if err != nil {
		queueDrops, _ = meter.Int64Counter("sync.queue.drops.fallback")
	}
}
