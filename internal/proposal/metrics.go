package proposal

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/recall-io/recall/internal/proposal")

var (
	proposalsCreated    metric.Int64Counter
	proposalsApproved   metric.Int64Counter
	proposalsRejected   metric.Int64Counter
	proposalsSuperseded metric.Int64Counter
	proposalsExpired    metric.Int64Counter
	approveConflicts    metric.Int64Counter
)

func init() {
	var err error
	proposalsCreated, err = meter.Int64Counter("proposal.created.total",
		metric.WithDescription("Proposals created"))
	if err != nil {
		proposalsCreated, _ = meter.Int64Counter("proposal.created.total.fallback")
	}

	proposalsApproved, err = meter.Int64Counter("proposal.approved.total",
		metric.WithDescription("Proposals approved and committed"))
	if err != nil {
		proposalsApproved, _ = meter.Int64Counter("proposal.approved.total.fallback")
	}

	proposalsRejected, err = meter.Int64Counter("proposal.rejected.total",
		metric.WithDescription("Proposals rejected by a reviewer"))
	if err != nil {
		proposalsRejected, _ = meter.Int64Counter("proposal.rejected.total.fallback")
	}

	proposalsSuperseded, err = meter.Int64Counter("proposal.superseded.total",
		metric.WithDescription("Pending proposals superseded by a newer approval"))
	if err != nil {
		proposalsSuperseded, _ = meter.Int64Counter("proposal.superseded.total.fallback")
	}

	proposalsExpired, err = meter.Int64Counter("proposal.expired.total",
		metric.WithDescription("Pending proposals expired by the TTL sweep"))
	if err != nil {
		proposalsExpired, _ = meter.Int64Counter("proposal.expired.total.fallback")
	}

	approveConflicts, err = meter.Int64Counter("proposal.approve.conflicts",
		metric.WithDescription("Approvals failed because the anchor diverged from the current body"))
	if err != nil {
		approveConflicts, _ = meter.Int64Counter("proposal.approve.conflicts.fallback")
	}
}
