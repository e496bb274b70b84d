// Package enrich implements the trusted, unreviewed write path used by
// automated background jobs.
//
// An enrichment bypasses human review but never bypasses the audit trail:
// every successful apply produces an immutable, HMAC-signed Record naming
// who wrote (source identity), why (source query), and which version the
// write produced. A pending proposal on the same (block, field) always wins:
// the applier skips rather than racing a change awaiting human judgment.
package enrich

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	recallotel "github.com/recall-io/recall/internal/otel"
)

var tracer = recallotel.Tracer("github.com/recall-io/recall/internal/enrich")

// Record is the immutable audit entry for one enrichment write.
type Record struct {
	ID               string    `json:"id"`
	OwnerID          string    `json:"owner_id"`
	BlockLabel       string    `json:"block_label"`
	Field            string    `json:"field,omitempty"`
	Strategy         string    `json:"strategy"`
	SourceIdentity   string    `json:"source_identity"`
	SourceQuery      string    `json:"source_query,omitempty"`
	AppliedVersionID string    `json:"applied_version_id"`
	CreatedAt        time.Time `json:"created_at"`
	Signature        string    `json:"signature"`
}

const recordSchema = `
CREATE TABLE IF NOT EXISTS enrichment_records (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    block_label TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    record_json TEXT NOT NULL,
    signature TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_enrichment_owner ON enrichment_records(owner_id);
CREATE INDEX IF NOT EXISTS idx_enrichment_block ON enrichment_records(owner_id, block_label);
CREATE INDEX IF NOT EXISTS idx_enrichment_created ON enrichment_records(created_at);
`

// RecordStore persists HMAC-signed enrichment records in SQLite. Insert-only;
// there is no update or delete path.
type RecordStore struct {
	db     *sql.DB
	signer *Signer
}

// NewRecordStore creates a record store with HMAC signing.
func NewRecordStore(dbPath, signingKey string) (*RecordStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening enrichment database: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), recordSchema); err != nil {
		return nil, fmt.Errorf("creating enrichment schema: %w", err)
	}

	signer, err := NewSigner(signingKey)
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}

	return &RecordStore{db: db, signer: signer}, nil
}

// Close releases the database connection.
func (s *RecordStore) Close() error {
	return s.db.Close()
}

// Put signs and persists a record, assigning its id and timestamp.
func (s *RecordStore) Put(ctx context.Context, rec *Record) error {
	ctx, span := tracer.Start(ctx, "enrich.record",
		trace.WithAttributes(
			attribute.String("owner_id", rec.OwnerID),
			attribute.String("block_label", rec.BlockLabel),
		))
	defer span.End()

	rec.ID = newRecordID()
	rec.CreatedAt = time.Now().UTC()
	rec.Signature = ""

	unsigned, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling enrichment record: %w", err)
	}
	sig, err := s.signer.Sign(unsigned)
	if err != nil {
		return fmt.Errorf("signing enrichment record: %w", err)
	}
	rec.Signature = sig

	signed, _ := json.Marshal(rec)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO enrichment_records (id, owner_id, block_label, created_at, record_json, signature)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.OwnerID, rec.BlockLabel, rec.CreatedAt, string(signed), sig)
	if err != nil {
		return fmt.Errorf("storing enrichment record: %w", err)
	}
	return nil
}

// Get retrieves a record by id.
func (s *RecordStore) Get(ctx context.Context, id string) (*Record, error) {
	var recordJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT record_json FROM enrichment_records WHERE id = ?`, id).Scan(&recordJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("enrichment record %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying enrichment record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(recordJSON), &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling enrichment record: %w", err)
	}
	return &rec, nil
}

// List returns an owner's records, newest first. Empty label matches all
// blocks.
func (s *RecordStore) List(ctx context.Context, ownerID, label string, limit int) ([]Record, error) {
	query := `SELECT record_json FROM enrichment_records WHERE owner_id = ?`
	args := []interface{}{ownerID}
	if label != "" {
		query += ` AND block_label = ?`
		args = append(args, label)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying enrichment records: %w", err)
	}
	defer rows.Close()

	var results []Record
	for rows.Next() {
		var recordJSON string
		if err := rows.Scan(&recordJSON); err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(recordJSON), &rec); err != nil {
			continue
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// Verify re-checks the HMAC signature of a stored record.
func (s *RecordStore) Verify(ctx context.Context, id string) (bool, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}

	signature := rec.Signature
	rec.Signature = ""

	unsigned, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshaling for verification: %w", err)
	}
	return s.signer.Verify(unsigned, signature), nil
}

func newRecordID() string {
	return "enr_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}
