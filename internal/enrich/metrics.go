package enrich

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/recall-io/recall/internal/enrich")

var (
	appliesTotal   metric.Int64Counter
	appliesSkipped metric.Int64Counter
)

func init() {
	var err error
	appliesTotal, err = meter.Int64Counter("enrich.applies.total",
		metric.WithDescription("Enrichment writes committed"))
	if err != nil {
		appliesTotal, _ = meter.Int64Counter("enrich.applies.total.fallback")
	}

	appliesSkipped, err = meter.Int64Counter("enrich.applies.skipped",
		metric.WithDescription("Enrichment writes skipped for a pending proposal"))
	if err != nil {
		appliesSkipped, _ = meter.Int64Counter("enrich.applies.skipped.fallback")
	}
}
