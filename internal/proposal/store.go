// Package proposal implements the human-in-the-loop review workflow for
// agent-authored block edits.
//
// A proposal is a candidate edit computed by an agent against some historical
// block state. It sits in pending until a human approves or rejects it, a
// newer proposal on the same (block, field) is approved (superseded), or a
// policy-driven sweep expires it. All non-pending states are terminal.
package proposal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/recall-io/recall/internal/block"
	recallotel "github.com/recall-io/recall/internal/otel"
)

var tracer = recallotel.Tracer("github.com/recall-io/recall/internal/proposal")

// Domain errors. Callers test with errors.Is. Anchor and commit-race
// conflicts deliberately share block.ErrConflict (see Manager).
var (
	// ErrNotFound is returned for unknown proposal ids.
	ErrNotFound = errors.New("proposal not found")

	// ErrInvalidProposal is returned when validation fails before any
	// state change (empty value, degenerate replace, unknown operation).
	ErrInvalidProposal = errors.New("invalid proposal")

	// ErrConflict is returned when a replace-anchor operation no longer
	// matches the current body. It aliases the block store's conflict
	// sentinel so callers handle both divergence flavors (stale anchor,
	// lost commit race) with a single errors.Is check.
	ErrConflict = block.ErrConflict

	// ErrAlreadyResolved is returned when approve/reject targets a
	// proposal in a terminal state.
	ErrAlreadyResolved = errors.New("proposal already resolved")
)

// Proposal statuses. pending is the only non-terminal state.
const (
	StatusPending    = "pending"
	StatusApproved   = "approved"
	StatusRejected   = "rejected"
	StatusSuperseded = "superseded"
	StatusExpired    = "expired"
)

// Proposal is an agent-authored candidate edit awaiting human review.
type Proposal struct {
	ID            string  `json:"id"`
	OwnerID       string  `json:"owner_id"`
	BlockLabel    string  `json:"block_label"`
	Field         string  `json:"field,omitempty"`
	AuthorID      string  `json:"author_id"`
	OpKind        string  `json:"operation"`
	Anchor        string  `json:"anchor,omitempty"`
	ProposedValue string  `json:"proposed_value"`
	BaseVersionID string  `json:"base_version_id,omitempty"`
	Reasoning     string  `json:"reasoning,omitempty"`
	Confidence    float64 `json:"confidence"`
	Status        string  `json:"status"`

	CreatedAt          time.Time  `json:"created_at"`
	ResolvedAt         *time.Time `json:"resolved_at,omitempty"`
	ResolutionNote     string     `json:"resolution_note,omitempty"`
	ResultingVersionID string     `json:"resulting_version_id,omitempty"`
}

// Operation reconstructs the proposal's typed operation.
func (p *Proposal) Operation() (Operation, error) {
	return ParseOperation(p.OpKind, p.Anchor)
}

const storeSchema = `
CREATE TABLE IF NOT EXISTS proposals (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    block_label TEXT NOT NULL,
    field TEXT NOT NULL DEFAULT '',
    author_id TEXT NOT NULL,
    op_kind TEXT NOT NULL,
    anchor TEXT NOT NULL DEFAULT '',
    proposed_value TEXT NOT NULL,
    base_version_id TEXT NOT NULL DEFAULT '',
    reasoning TEXT NOT NULL DEFAULT '',
    confidence REAL NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    resolved_at TIMESTAMP,
    resolution_note TEXT NOT NULL DEFAULT '',
    resulting_version_id TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_proposals_owner ON proposals(owner_id);
CREATE INDEX IF NOT EXISTS idx_proposals_status ON proposals(status);
CREATE INDEX IF NOT EXISTS idx_proposals_target ON proposals(owner_id, block_label, field, status);
CREATE INDEX IF NOT EXISTS idx_proposals_created ON proposals(created_at);
`

// Store persists proposals in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates a proposal store, initializing the schema.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening proposal database: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), storeSchema); err != nil {
		return nil, fmt.Errorf("creating proposal schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const proposalColumns = `id, owner_id, block_label, field, author_id, op_kind, anchor,
	proposed_value, base_version_id, reasoning, confidence, status,
	created_at, resolved_at, resolution_note, resulting_version_id`

func (s *Store) insert(ctx context.Context, p *Proposal) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO proposals (`+proposalColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OwnerID, p.BlockLabel, p.Field, p.AuthorID, p.OpKind, p.Anchor,
		p.ProposedValue, p.BaseVersionID, p.Reasoning, p.Confidence, p.Status,
		p.CreatedAt, p.ResolvedAt, p.ResolutionNote, p.ResultingVersionID)
	if err != nil {
		return fmt.Errorf("inserting proposal: %w", err)
	}
	return nil
}

// Get retrieves a proposal by id.
func (s *Store) Get(ctx context.Context, id string) (*Proposal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE id = ?`, id)
	p, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("proposal %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying proposal: %w", err)
	}
	return p, nil
}

// ListPending returns pending proposals for an owner, oldest first so
// reviewers work through the queue in arrival order. Empty label matches
// all blocks.
func (s *Store) ListPending(ctx context.Context, ownerID, label string, limit int) ([]Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals
	          WHERE owner_id = ? AND status = ?`
	args := []interface{}{ownerID, StatusPending}
	if label != "" {
		query += ` AND block_label = ?`
		args = append(args, label)
	}
	query += ` ORDER BY created_at ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryProposals(ctx, query, args...)
}

// HasPendingForField reports whether a pending proposal targets the given
// (owner, label, field). Used by the enrichment applier to yield to human
// review.
func (s *Store) HasPendingForField(ctx context.Context, ownerID, label, field string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM proposals
		 WHERE owner_id = ? AND block_label = ? AND field = ? AND status = ?`,
		ownerID, label, field, StatusPending).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking pending proposals: %w", err)
	}
	return count > 0, nil
}

// resolve transitions a proposal out of pending. The WHERE clause on status
// makes the transition atomic: once a proposal is terminal no further
// transition can fire, so concurrent approve/reject/supersede/expire races
// settle on exactly one outcome.
func (s *Store) resolve(ctx context.Context, id, newStatus, note, resultingVersionID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE proposals
		 SET status = ?, resolved_at = ?, resolution_note = ?, resulting_version_id = ?
		 WHERE id = ? AND status = ?`,
		newStatus, now, note, resultingVersionID, id, StatusPending)
	if err != nil {
		return fmt.Errorf("resolving proposal %s: %w", id, err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("proposal %s: %w", id, ErrAlreadyResolved)
	}
	return nil
}

// supersedePending marks every other pending proposal on the same
// (owner, label, field) superseded. Returns the ids transitioned.
func (s *Store) supersedePending(ctx context.Context, ownerID, label, field, exceptID, note string, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM proposals
		 WHERE owner_id = ? AND block_label = ? AND field = ? AND status = ? AND id != ?`,
		ownerID, label, field, StatusPending, exceptID)
	if err != nil {
		return nil, fmt.Errorf("listing superseded candidates: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if err := s.resolve(ctx, id, StatusSuperseded, note, "", now); err != nil {
			// Lost a race with another resolution; that outcome stands.
			if errors.Is(err, ErrAlreadyResolved) {
				continue
			}
			return nil, err
		}
	}
	return ids, nil
}

// ExpireOlderThan transitions pending proposals created before cutoff to
// expired, returning the number transitioned. Driven by an external sweep;
// the store owns no clock of its own.
func (s *Store) ExpireOlderThan(ctx context.Context, cutoff, now time.Time) (int64, error) {
	ctx, span := tracer.Start(ctx, "proposal.expire_older_than",
		trace.WithAttributes(attribute.String("cutoff", cutoff.Format(time.RFC3339))))
	defer span.End()

	res, err := s.db.ExecContext(ctx,
		`UPDATE proposals
		 SET status = ?, resolved_at = ?, resolution_note = 'expired by TTL sweep'
		 WHERE status = ? AND created_at < ?`,
		StatusExpired, now, StatusPending, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expiring proposals: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		proposalsExpired.Add(ctx, n)
	}
	span.SetAttributes(attribute.Int64("proposals.expired", n))
	return n, nil
}

func (s *Store) queryProposals(ctx context.Context, query string, args ...interface{}) ([]Proposal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying proposals: %w", err)
	}
	defer rows.Close()

	var results []Proposal
	for rows.Next() {
		p, err := scanProposalRows(rows)
		if err != nil {
			continue
		}
		results = append(results, *p)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInto(sc rowScanner) (*Proposal, error) {
	var p Proposal
	var resolvedAt sql.NullTime
	err := sc.Scan(
		&p.ID, &p.OwnerID, &p.BlockLabel, &p.Field, &p.AuthorID, &p.OpKind, &p.Anchor,
		&p.ProposedValue, &p.BaseVersionID, &p.Reasoning, &p.Confidence, &p.Status,
		&p.CreatedAt, &resolvedAt, &p.ResolutionNote, &p.ResultingVersionID)
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		p.ResolvedAt = &t
	}
	return &p, nil
}

func scanProposal(row *sql.Row) (*Proposal, error) { return scanInto(row) }

func scanProposalRows(rows *sql.Rows) (*Proposal, error) { return scanInto(rows) }

// newProposalID returns a fresh proposal id.
func newProposalID() string {
	return "prop_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}
