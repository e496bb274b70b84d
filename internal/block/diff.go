package block

import (
	"context"
	"fmt"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DiffResult holds both full bodies and a unified text diff between them.
type DiffResult struct {
	OldVersionID string `json:"old_version_id"`
	NewVersionID string `json:"new_version_id"`
	Old          string `json:"old"`
	New          string `json:"new"`
	Unified      string `json:"unified"`
}

// Diff compares two historical versions of a block. Both ids must name
// existing versions of the (owner, label) chain; integrity is verified on
// each read, so a tampered version surfaces as ErrCorrupt here too.
func (s *Store) Diff(ctx context.Context, ownerID, label, oldVersionID, newVersionID string) (*DiffResult, error) {
	ctx, span2 := tracer.Start(ctx, "block.diff",
		trace.WithAttributes(
			attribute.String("owner_id", ownerID),
			attribute.String("block_label", label),
			attribute.String("old_version_id", oldVersionID),
			attribute.String("new_version_id", newVersionID),
		))
	defer span2.End()

	oldBody, err := s.ReadAt(ctx, ownerID, label, oldVersionID)
	if err != nil {
		return nil, err
	}
	newBody, err := s.ReadAt(ctx, ownerID, label, newVersionID)
	if err != nil {
		return nil, err
	}

	edits := myers.ComputeEdits(span.URIFromPath(label), oldBody, newBody)
	unified := fmt.Sprint(gotextdiff.ToUnified(oldVersionID, newVersionID, oldBody, edits))

	return &DiffResult{
		OldVersionID: oldVersionID,
		NewVersionID: newVersionID,
		Old:          oldBody,
		New:          newBody,
		Unified:      unified,
	}, nil
}
