package enrich

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/recall-io/recall/internal/block"
	recallotel "github.com/recall-io/recall/internal/otel"
	"github.com/recall-io/recall/internal/proposal"
)

// Applier is the trusted write path for automated jobs. It reuses the same
// edit operations as proposals but commits without a review step, yielding
// to any pending proposal on the same (block, field).
type Applier struct {
	blocks    *block.Store
	proposals *proposal.Store
	records   *RecordStore
}

// NewApplier creates an enrichment applier over the given stores.
func NewApplier(blocks *block.Store, proposals *proposal.Store, records *RecordStore) *Applier {
	return &Applier{blocks: blocks, proposals: proposals, records: records}
}

// ApplyInput describes one enrichment write.
type ApplyInput struct {
	OwnerID        string
	BlockLabel     string
	Field          string
	Content        string
	Strategy       string // append | replace_anchor | full_replace
	Anchor         string // required for replace_anchor
	SourceIdentity string
	SourceQuery    string
}

// Result is the outcome of a single Apply. Exactly one of Skipped or
// VersionID is meaningful.
type Result struct {
	Skipped    bool   `json:"skipped"`
	SkipReason string `json:"skip_reason,omitempty"`
	VersionID  string `json:"version_id,omitempty"`
	RecordID   string `json:"record_id,omitempty"`
}

// Apply commits one enrichment through the block store and writes its audit
// record. When a pending proposal targets the same (block, field) the apply
// skips without mutating anything: automated enrichment must never clobber a
// change awaiting human judgment.
func (a *Applier) Apply(ctx context.Context, in ApplyInput) (*Result, error) {
	ctx, span := tracer.Start(ctx, "enrich.apply",
		trace.WithAttributes(
			attribute.String("owner_id", in.OwnerID),
			attribute.String("block_label", in.BlockLabel),
			attribute.String("strategy", in.Strategy),
		))
	defer span.End()

	if err := validateApply(in); err != nil {
		return nil, err
	}
	op, err := proposal.ParseOperation(in.Strategy, in.Anchor)
	if err != nil {
		return nil, err
	}

	pending, err := a.proposals.HasPendingForField(ctx, in.OwnerID, in.BlockLabel, in.Field)
	if err != nil {
		return nil, err
	}
	if pending {
		appliesSkipped.Add(ctx, 1)
		span.SetAttributes(attribute.Bool("enrich.skipped", true))
		return &Result{
			Skipped:    true,
			SkipReason: "pending proposal targets the same field",
		}, nil
	}

	currentBody, head := "", ""
	cur, err := a.blocks.ReadCurrent(ctx, in.OwnerID, in.BlockLabel)
	switch {
	case err == nil:
		currentBody, head = cur.Body, cur.HeadVersionID
	case errors.Is(err, block.ErrNotFound):
		// First write creates the block.
	default:
		return nil, err
	}

	newBody, err := op.Apply(currentBody, in.Content, false)
	if err != nil {
		return nil, err
	}

	versionID, err := a.blocks.Commit(ctx, block.CommitInput{
		OwnerID:                 in.OwnerID,
		Label:                   in.BlockLabel,
		Body:                    newBody,
		Author:                  in.SourceIdentity,
		Message:                 fmt.Sprintf("enrichment (%s)", in.Strategy),
		ExpectedParentVersionID: head,
	})
	if err != nil {
		return nil, err
	}

	rec := &Record{
		OwnerID:          in.OwnerID,
		BlockLabel:       in.BlockLabel,
		Field:            in.Field,
		Strategy:         in.Strategy,
		SourceIdentity:   in.SourceIdentity,
		SourceQuery:      in.SourceQuery,
		AppliedVersionID: versionID,
	}
	if err := a.records.Put(ctx, rec); err != nil {
		// The commit is durable either way; a missing audit record is an
		// operational problem, not a lost write.
		log.Error().Err(err).
			Str("owner_id", in.OwnerID).
			Str("block_label", in.BlockLabel).
			Str("version_id", versionID).
			Func(recallotel.LogTraceFields(ctx)).
			Msg("enrichment committed but audit record failed")
		return &Result{VersionID: versionID}, err
	}

	appliesTotal.Add(ctx, 1)
	span.SetAttributes(
		attribute.String("block.version_id", versionID),
		attribute.String("enrich.record_id", rec.ID),
	)
	return &Result{VersionID: versionID, RecordID: rec.ID}, nil
}

func validateApply(in ApplyInput) error {
	if in.OwnerID == "" || in.BlockLabel == "" {
		return fmt.Errorf("owner_id and block_label are required: %w", proposal.ErrInvalidProposal)
	}
	if in.SourceIdentity == "" {
		return fmt.Errorf("source_identity is required: %w", proposal.ErrInvalidProposal)
	}
	if in.Content == "" {
		return fmt.Errorf("content must not be empty: %w", proposal.ErrInvalidProposal)
	}
	return nil
}

// BatchResult is one owner's outcome within a batch.
type BatchResult struct {
	OwnerID    string  `json:"owner_id"`
	BlockLabel string  `json:"block_label"`
	Result     *Result `json:"result,omitempty"`
	Err        error   `json:"-"`
}

// ApplyBatch processes each input independently: one input's failure is
// captured in its result and does not abort the rest. The batch stops
// cleanly between inputs when ctx is canceled; inputs not yet processed are
// simply absent from the returned slice.
func (a *Applier) ApplyBatch(ctx context.Context, inputs []ApplyInput) []BatchResult {
	ctx, span := tracer.Start(ctx, "enrich.apply_batch",
		trace.WithAttributes(attribute.Int("batch.size", len(inputs))))
	defer span.End()

	results := make([]BatchResult, 0, len(inputs))
	for _, in := range inputs {
		if ctx.Err() != nil {
			log.Warn().Int("processed", len(results)).Int("total", len(inputs)).
				Msg("enrichment batch interrupted")
			break
		}
		res, err := a.Apply(ctx, in)
		if err != nil {
			log.Warn().Err(err).
				Str("owner_id", in.OwnerID).
				Str("block_label", in.BlockLabel).
				Msg("enrichment apply failed")
		}
		results = append(results, BatchResult{
			OwnerID:    in.OwnerID,
			BlockLabel: in.BlockLabel,
			Result:     res,
			Err:        err,
		})
	}
	span.SetAttributes(attribute.Int("batch.processed", len(results)))
	return results
}
