// Package block implements the durable, append-only memory-block store.
//
// Every block is identified by (owner_id, label) and carries an ordered
// chain of immutable, content-addressed versions. The only write operation
// is Commit, which is optimistic-concurrency-controlled: callers supply the
// version they believe is current and lose with ErrConflict when it isn't.
// There is no force-overwrite path, so the chain only ever grows.
package block

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	recallotel "github.com/recall-io/recall/internal/otel"
)

var tracer = recallotel.Tracer("github.com/recall-io/recall/internal/block")

// Domain errors. Callers test with errors.Is.
var (
	// ErrNotFound is returned for unknown owner/label pairs or version ids.
	ErrNotFound = errors.New("block not found")

	// ErrConflict is returned when the optimistic-concurrency check fails:
	// the supplied parent version is no longer the block's head. Recoverable —
	// the caller re-reads and retries; the store itself never retries.
	ErrConflict = errors.New("block version conflict")

	// ErrCorrupt is returned when a stored version fails integrity
	// verification on read. Fatal for that block only.
	ErrCorrupt = errors.New("block version corrupt")
)

const schema = `
CREATE TABLE IF NOT EXISTS blocks (
    owner_id TEXT NOT NULL,
    label TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    schema_ref TEXT NOT NULL DEFAULT '',
    body TEXT NOT NULL,
    head_version_id TEXT NOT NULL,
    version_count INTEGER NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (owner_id, label)
);

CREATE TABLE IF NOT EXISTS block_versions (
    owner_id TEXT NOT NULL,
    label TEXT NOT NULL,
    version_id TEXT NOT NULL,
    parent_version_id TEXT NOT NULL DEFAULT '',
    ordinal INTEGER NOT NULL,
    body TEXT NOT NULL,
    author TEXT NOT NULL,
    message TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (owner_id, label, version_id)
);

CREATE INDEX IF NOT EXISTS idx_versions_ordinal ON block_versions(owner_id, label, ordinal);
CREATE INDEX IF NOT EXISTS idx_blocks_owner ON blocks(owner_id);
`

// Block is the current materialized state of an (owner, label) pair.
type Block struct {
	OwnerID       string    `json:"owner_id"`
	Label         string    `json:"label"`
	Title         string    `json:"title"`
	SchemaRef     string    `json:"schema_ref"`
	Body          string    `json:"body"`
	HeadVersionID string    `json:"head_version_id"`
	VersionCount  int       `json:"version_count"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// VersionInfo is a version-chain entry without the body (history listings).
type VersionInfo struct {
	VersionID       string    `json:"version_id"`
	ParentVersionID string    `json:"parent_version_id,omitempty"`
	Ordinal         int       `json:"ordinal"`
	Author          string    `json:"author"`
	Message         string    `json:"message,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// CommitInput describes a single atomic write.
//
// ExpectedParentVersionID is the optimistic-concurrency token: the head the
// caller computed its new body against. Empty means "this commit creates the
// block"; a non-empty value must match the current head exactly.
type CommitInput struct {
	OwnerID                 string
	Label                   string
	Body                    string
	Author                  string
	Message                 string
	ExpectedParentVersionID string

	// Title and SchemaRef update block metadata when non-empty.
	Title     string
	SchemaRef string
}

// Event describes a committed version, delivered to commit listeners.
type Event struct {
	OwnerID   string
	Label     string
	VersionID string
}

// Listener receives commit events after the transaction has committed.
// Implementations must be non-blocking (enqueue and return).
type Listener func(Event)

// Store persists memory blocks and their version chains in SQLite.
type Store struct {
	db       *sql.DB
	notifier *notifier
}

// NewStore creates a block store, initializing the schema.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening block database: %w", err)
	}

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating block schema: %w", err)
	}

	return &Store{db: db, notifier: &notifier{}}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// OnCommit registers a listener invoked after every successful commit
// (including restores). Listeners run on the committing goroutine and must
// not block.
func (s *Store) OnCommit(l Listener) {
	s.notifier.register(l)
}

// Commit atomically appends a new version and advances the block head.
//
// Returns the new version id. When ExpectedParentVersionID no longer matches
// the actual head, returns ErrConflict and performs no mutation. Committing
// a version whose content-addressed id already exists in the chain is a
// duplicate of an earlier commit and also surfaces as ErrConflict, since the
// head has necessarily moved past the expected parent.
func (s *Store) Commit(ctx context.Context, in CommitInput) (string, error) {
	ctx, span := tracer.Start(ctx, "block.commit",
		trace.WithAttributes(
			attribute.String("owner_id", in.OwnerID),
			attribute.String("block_label", in.Label),
			attribute.String("author", in.Author),
		))
	defer span.End()

	if in.OwnerID == "" || in.Label == "" {
		return "", fmt.Errorf("owner_id and label are required")
	}
	if in.Author == "" {
		return "", fmt.Errorf("author is required")
	}

	versionID, err := s.commitWithRetry(ctx, in)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			commitConflicts.Add(ctx, 1)
			span.SetAttributes(attribute.Bool("block.conflict", true))
		}
		return "", err
	}

	commitsTotal.Add(ctx, 1)
	recordBlocksGauge(ctx, s)
	span.SetAttributes(attribute.String("block.version_id", versionID))

	s.notifier.notify(Event{OwnerID: in.OwnerID, Label: in.Label, VersionID: versionID})
	return versionID, nil
}

// commitWithRetry runs commitInTx with retries on SQLite busy/locked.
// Conflict and validation errors are never retried.
func (s *Store) commitWithRetry(ctx context.Context, in CommitInput) (string, error) {
	const maxRetries = 15
	var versionID string
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepRetry(ctx, attempt); err != nil {
				return "", err
			}
		}
		versionID, lastErr = s.commitInTx(ctx, in)
		if lastErr == nil {
			return versionID, nil
		}
		if !isSQLiteLocked(lastErr) {
			return "", lastErr
		}
	}
	return "", lastErr
}

func sleepRetry(ctx context.Context, attempt int) error {
	backoff := time.Duration(attempt*attempt) * 20 * time.Millisecond
	if backoff > 250*time.Millisecond {
		backoff = 250 * time.Millisecond
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	case <-time.After(backoff):
		return nil
	}
}

// commitInTx runs the head check, version insert, and head advance inside a
// single transaction so readers never observe a partially applied commit.
func (s *Store) commitInTx(ctx context.Context, in CommitInput) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var head string
	var ordinal int
	var title, schemaRef string
	err = tx.QueryRowContext(ctx,
		`SELECT head_version_id, version_count, title, schema_ref FROM blocks WHERE owner_id = ? AND label = ?`,
		in.OwnerID, in.Label).Scan(&head, &ordinal, &title, &schemaRef)
	switch {
	case err == sql.ErrNoRows:
		// First write for this (owner, label): creates the block.
		if in.ExpectedParentVersionID != "" {
			return "", fmt.Errorf("block %s/%s does not exist yet: %w", in.OwnerID, in.Label, ErrConflict)
		}
		head, ordinal = "", 0
	case err != nil:
		return "", fmt.Errorf("querying block head: %w", err)
	default:
		if in.ExpectedParentVersionID != head {
			return "", fmt.Errorf("expected parent %q but head is %q: %w",
				in.ExpectedParentVersionID, head, ErrConflict)
		}
	}

	versionID := VersionID(head, in.Body, in.Author, in.Message)
	now := time.Now().UTC()

	if in.Title != "" {
		title = in.Title
	}
	if in.SchemaRef != "" {
		schemaRef = in.SchemaRef
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO block_versions (owner_id, label, version_id, parent_version_id, ordinal, body, author, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.OwnerID, in.Label, versionID, head, ordinal+1, in.Body, in.Author, in.Message, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return "", fmt.Errorf("duplicate commit %s: %w", versionID, ErrConflict)
		}
		return "", fmt.Errorf("writing block version: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO blocks (owner_id, label, title, schema_ref, body, head_version_id, version_count, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(owner_id, label) DO UPDATE SET
		   title = excluded.title,
		   schema_ref = excluded.schema_ref,
		   body = excluded.body,
		   head_version_id = excluded.head_version_id,
		   version_count = excluded.version_count,
		   updated_at = excluded.updated_at`,
		in.OwnerID, in.Label, title, schemaRef, in.Body, versionID, ordinal+1, now)
	if err != nil {
		return "", fmt.Errorf("advancing block head: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing block transaction: %w", err)
	}
	return versionID, nil
}

// ReadCurrent returns the block's current materialized state. The body is
// always the body of the chain's head version.
func (s *Store) ReadCurrent(ctx context.Context, ownerID, label string) (*Block, error) {
	ctx, span := tracer.Start(ctx, "block.read_current",
		trace.WithAttributes(
			attribute.String("owner_id", ownerID),
			attribute.String("block_label", label),
		))
	defer span.End()

	var b Block
	err := s.db.QueryRowContext(ctx,
		`SELECT owner_id, label, title, schema_ref, body, head_version_id, version_count, updated_at
		 FROM blocks WHERE owner_id = ? AND label = ?`,
		ownerID, label).Scan(&b.OwnerID, &b.Label, &b.Title, &b.SchemaRef, &b.Body,
		&b.HeadVersionID, &b.VersionCount, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("block %s/%s: %w", ownerID, label, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying block: %w", err)
	}
	readsTotal.Add(ctx, 1)
	return &b, nil
}

// ReadAt returns the body committed at a specific historical version.
// The stored row is re-verified against its content-addressed id; a
// mismatch surfaces as ErrCorrupt for this block without affecting others.
func (s *Store) ReadAt(ctx context.Context, ownerID, label, versionID string) (string, error) {
	ctx, span := tracer.Start(ctx, "block.read_at",
		trace.WithAttributes(
			attribute.String("owner_id", ownerID),
			attribute.String("block_label", label),
			attribute.String("version_id", versionID),
		))
	defer span.End()

	var parent, body, author, message string
	err := s.db.QueryRowContext(ctx,
		`SELECT parent_version_id, body, author, message FROM block_versions
		 WHERE owner_id = ? AND label = ? AND version_id = ?`,
		ownerID, label, versionID).Scan(&parent, &body, &author, &message)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("version %s of block %s/%s: %w", versionID, ownerID, label, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("querying block version: %w", err)
	}

	if VersionID(parent, body, author, message) != versionID {
		corruptDetected.Add(ctx, 1)
		span.SetAttributes(attribute.Bool("block.corrupt", true))
		return "", fmt.Errorf("version %s of block %s/%s failed integrity check: %w",
			versionID, ownerID, label, ErrCorrupt)
	}

	readsTotal.Add(ctx, 1)
	return body, nil
}

// ListVersions returns version-chain entries newest first.
func (s *Store) ListVersions(ctx context.Context, ownerID, label string, limit int) ([]VersionInfo, error) {
	ctx, span := tracer.Start(ctx, "block.list_versions",
		trace.WithAttributes(
			attribute.String("owner_id", ownerID),
			attribute.String("block_label", label),
		))
	defer span.End()

	query := `SELECT version_id, parent_version_id, ordinal, author, message, created_at
	          FROM block_versions WHERE owner_id = ? AND label = ?
	          ORDER BY ordinal DESC`
	args := []interface{}{ownerID, label}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing block versions: %w", err)
	}
	defer rows.Close()

	var results []VersionInfo
	for rows.Next() {
		var v VersionInfo
		if err := rows.Scan(&v.VersionID, &v.ParentVersionID, &v.Ordinal,
			&v.Author, &v.Message, &v.CreatedAt); err != nil {
			continue
		}
		results = append(results, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(results) == 0 {
		// Distinguish "unknown block" from "block with history trimmed to zero"
		// (the latter cannot happen in normal operation).
		if _, err := s.ReadCurrent(ctx, ownerID, label); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// Restore commits a new version whose body equals that of versionID.
// The old version remains retrievable, unchanged — restore never rewrites
// history. Returns ErrConflict if the block head moves concurrently.
func (s *Store) Restore(ctx context.Context, ownerID, label, versionID, author string) (string, error) {
	ctx, span := tracer.Start(ctx, "block.restore",
		trace.WithAttributes(
			attribute.String("owner_id", ownerID),
			attribute.String("block_label", label),
			attribute.String("version_id", versionID),
		))
	defer span.End()

	body, err := s.ReadAt(ctx, ownerID, label, versionID)
	if err != nil {
		return "", err
	}
	cur, err := s.ReadCurrent(ctx, ownerID, label)
	if err != nil {
		return "", err
	}

	return s.Commit(ctx, CommitInput{
		OwnerID:                 ownerID,
		Label:                   label,
		Body:                    body,
		Author:                  author,
		Message:                 fmt.Sprintf("restore %s", versionID),
		ExpectedParentVersionID: cur.HeadVersionID,
	})
}

// ListBlocks returns all blocks for an owner, most recently updated first.
func (s *Store) ListBlocks(ctx context.Context, ownerID string) ([]Block, error) {
	ctx, span := tracer.Start(ctx, "block.list_blocks",
		trace.WithAttributes(attribute.String("owner_id", ownerID)))
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT owner_id, label, title, schema_ref, body, head_version_id, version_count, updated_at
		 FROM blocks WHERE owner_id = ? ORDER BY updated_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing blocks: %w", err)
	}
	defer rows.Close()

	var results []Block
	for rows.Next() {
		var b Block
		if err := rows.Scan(&b.OwnerID, &b.Label, &b.Title, &b.SchemaRef, &b.Body,
			&b.HeadVersionID, &b.VersionCount, &b.UpdatedAt); err != nil {
			continue
		}
		results = append(results, b)
	}
	return results, rows.Err()
}

// DistinctBlocks returns all (owner_id, label) pairs in the store.
func (s *Store) DistinctBlocks(ctx context.Context) ([][2]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT owner_id, label FROM blocks`)
	if err != nil {
		return nil, fmt.Errorf("querying distinct blocks: %w", err)
	}
	defer rows.Close()

	var pairs [][2]string
	for rows.Next() {
		var owner, label string
		if err := rows.Scan(&owner, &label); err != nil {
			continue
		}
		pairs = append(pairs, [2]string{owner, label})
	}
	return pairs, rows.Err()
}

// countTotal returns the total number of blocks across all owners.
func (s *Store) countTotal(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocks`).Scan(&n)
	return n, err
}

// recordBlocksGauge sets block.count to the current total block count.
func recordBlocksGauge(ctx context.Context, s *Store) {
	count, err := s.countTotal(ctx)
	if err != nil {
		return
	}
	blocksGauge.Record(ctx, count)
}

// isSQLiteLocked reports whether the error is SQLite busy/locked (retryable).
func isSQLiteLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "locked")
}
