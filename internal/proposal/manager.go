package proposal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/recall-io/recall/internal/block"
)

// Manager drives the proposal state machine on top of the block store.
// It is the only component allowed to turn an approved proposal into a
// commit; it never touches block storage except through block.Store.
type Manager struct {
	blocks *block.Store
	store  *Store
}

// NewManager creates a proposal manager over the given stores.
func NewManager(blocks *block.Store, store *Store) *Manager {
	return &Manager{blocks: blocks, store: store}
}

// Store exposes the underlying proposal store (expiry sweep, listings).
func (m *Manager) Store() *Store {
	return m.store
}

// CreateInput describes a new proposal.
type CreateInput struct {
	OwnerID       string
	BlockLabel    string
	Field         string
	AuthorID      string
	Op            Operation
	ProposedValue string
	Reasoning     string
	Confidence    float64
}

// Create validates and records a pending proposal, capturing the block's
// current head as base_version_id. Validation failures reject the input
// before any state change. Multiple pending proposals may coexist on the
// same (block, field); they are reconciled by supersession at approval time.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*Proposal, error) {
	ctx, span := tracer.Start(ctx, "proposal.create",
		trace.WithAttributes(
			attribute.String("owner_id", in.OwnerID),
			attribute.String("block_label", in.BlockLabel),
			attribute.String("field", in.Field),
		))
	defer span.End()

	if err := validateCreate(in); err != nil {
		return nil, err
	}

	baseVersion := ""
	cur, err := m.blocks.ReadCurrent(ctx, in.OwnerID, in.BlockLabel)
	switch {
	case err == nil:
		baseVersion = cur.HeadVersionID
	case errors.Is(err, block.ErrNotFound):
		// First proposal for a not-yet-created block; the approve path
		// will create it.
	default:
		return nil, err
	}

	p := &Proposal{
		ID:            newProposalID(),
		OwnerID:       in.OwnerID,
		BlockLabel:    in.BlockLabel,
		Field:         in.Field,
		AuthorID:      in.AuthorID,
		OpKind:        in.Op.Kind(),
		Anchor:        in.Op.Anchor(),
		ProposedValue: in.ProposedValue,
		BaseVersionID: baseVersion,
		Reasoning:     in.Reasoning,
		Confidence:    in.Confidence,
		Status:        StatusPending,
		CreatedAt:     time.Now().UTC(),
	}
	if err := m.store.insert(ctx, p); err != nil {
		return nil, err
	}

	proposalsCreated.Add(ctx, 1)
	span.SetAttributes(
		attribute.String("proposal.id", p.ID),
		attribute.String("proposal.operation", p.OpKind),
	)
	return p, nil
}

func validateCreate(in CreateInput) error {
	if in.OwnerID == "" || in.BlockLabel == "" {
		return fmt.Errorf("owner_id and block_label are required: %w", ErrInvalidProposal)
	}
	if in.AuthorID == "" {
		return fmt.Errorf("author_id is required: %w", ErrInvalidProposal)
	}
	if in.Op == nil {
		return fmt.Errorf("operation is required: %w", ErrInvalidProposal)
	}
	if in.ProposedValue == "" {
		return fmt.Errorf("proposed value must not be empty: %w", ErrInvalidProposal)
	}
	if r, ok := in.Op.(ReplaceAnchor); ok {
		if r.Target == "" {
			return fmt.Errorf("replace-anchor requires a non-empty anchor: %w", ErrInvalidProposal)
		}
		if r.Target == in.ProposedValue {
			return fmt.Errorf("replace-anchor anchor must differ from the replacement: %w", ErrInvalidProposal)
		}
	}
	return nil
}

// Approve applies a pending proposal against the block's CURRENT body (not
// the base_version_id snapshot it was authored against), commits the result,
// marks the proposal approved, and supersedes every other pending proposal
// on the same (block, field).
//
// A replace-anchor whose anchor is missing or ambiguous in the current body
// fails with ErrConflict and mutates nothing — unless force is set, in which
// case the anchor check is skipped and the operation degrades to an append.
// Losing a commit race also surfaces as ErrConflict with the proposal left
// pending; retrying the approval is the reviewer's call, not ours.
func (m *Manager) Approve(ctx context.Context, id string, force bool) (string, error) {
	ctx, span := tracer.Start(ctx, "proposal.approve",
		trace.WithAttributes(
			attribute.String("proposal.id", id),
			attribute.Bool("force", force),
		))
	defer span.End()

	p, err := m.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if p.Status != StatusPending {
		return "", fmt.Errorf("proposal %s is %s: %w", id, p.Status, ErrAlreadyResolved)
	}
	op, err := p.Operation()
	if err != nil {
		return "", err
	}

	currentBody, head := "", ""
	cur, err := m.blocks.ReadCurrent(ctx, p.OwnerID, p.BlockLabel)
	switch {
	case err == nil:
		currentBody, head = cur.Body, cur.HeadVersionID
	case errors.Is(err, block.ErrNotFound):
		// Block does not exist yet; the approval's commit creates it.
	default:
		return "", err
	}

	newBody, err := op.Apply(currentBody, p.ProposedValue, force)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			approveConflicts.Add(ctx, 1)
			span.SetAttributes(attribute.Bool("proposal.anchor_conflict", true))
		}
		return "", err
	}

	versionID, err := m.blocks.Commit(ctx, block.CommitInput{
		OwnerID:                 p.OwnerID,
		Label:                   p.BlockLabel,
		Body:                    newBody,
		Author:                  p.AuthorID,
		Message:                 commitMessage(p),
		ExpectedParentVersionID: head,
	})
	if err != nil {
		// Lost a race with a concurrent commit: the proposal stays
		// pending, the reviewer re-reads and decides again.
		return "", err
	}

	now := time.Now().UTC()
	if err := m.store.resolve(ctx, p.ID, StatusApproved, "", versionID, now); err != nil {
		// The commit already happened; surface the bookkeeping failure
		// loudly rather than pretending the approval failed.
		log.Error().Err(err).
			Str("proposal_id", p.ID).
			Str("version_id", versionID).
			Msg("proposal approved but status update failed")
		return versionID, err
	}

	superseded, err := m.store.supersedePending(ctx, p.OwnerID, p.BlockLabel, p.Field, p.ID,
		fmt.Sprintf("superseded by approval of %s", p.ID), now)
	if err != nil {
		log.Warn().Err(err).Str("proposal_id", p.ID).Msg("supersede sweep failed after approval")
	}
	if n := len(superseded); n > 0 {
		proposalsSuperseded.Add(ctx, int64(n))
	}

	proposalsApproved.Add(ctx, 1)
	span.SetAttributes(
		attribute.String("block.version_id", versionID),
		attribute.Int("proposals.superseded", len(superseded)),
	)
	return versionID, nil
}

// Reject transitions a pending proposal to rejected. Never touches the
// block store.
func (m *Manager) Reject(ctx context.Context, id, reason string) error {
	ctx, span := tracer.Start(ctx, "proposal.reject",
		trace.WithAttributes(attribute.String("proposal.id", id)))
	defer span.End()

	if err := m.store.resolve(ctx, id, StatusRejected, reason, "", time.Now().UTC()); err != nil {
		return err
	}
	proposalsRejected.Add(ctx, 1)
	return nil
}

// Get retrieves a proposal by id.
func (m *Manager) Get(ctx context.Context, id string) (*Proposal, error) {
	return m.store.Get(ctx, id)
}

// ListPending returns an owner's pending proposals, oldest first.
func (m *Manager) ListPending(ctx context.Context, ownerID, label string, limit int) ([]Proposal, error) {
	return m.store.ListPending(ctx, ownerID, label, limit)
}

// commitMessage builds the audit message referencing the proposal and its
// reasoning, truncated so the version chain stays scannable.
func commitMessage(p *Proposal) string {
	const maxReasoning = 200
	reasoning := p.Reasoning
	if len(reasoning) > maxReasoning {
		reasoning = reasoning[:maxReasoning] + "…"
	}
	if reasoning == "" {
		return fmt.Sprintf("proposal %s", p.ID)
	}
	return fmt.Sprintf("proposal %s: %s", p.ID, reasoning)
}
