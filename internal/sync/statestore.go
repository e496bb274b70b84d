// Package sync propagates committed block bodies to an external agent
// runtime's cache.
//
// The bridge subscribes to block store commit events and pushes the current
// materialized body to the runtime, keyed by (owner, label) so every push is
// an idempotent upsert. Delivery is at-least-once with bounded retries;
// persistent failure degrades the block's SyncState and is surfaced through
// health reporting, never back onto the originating commit. The versioned
// store is authoritative, the runtime cache is best-effort.
package sync

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	recallotel "github.com/recall-io/recall/internal/otel"
)

var tracer = recallotel.Tracer("github.com/recall-io/recall/internal/sync")

// Sync statuses for a block.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// State tracks whether the runtime's cached copy of a block matches the
// store's latest version. Mutated only by the bridge.
type State struct {
	OwnerID             string     `json:"owner_id"`
	BlockLabel          string     `json:"block_label"`
	LastSyncedVersionID string     `json:"last_synced_version_id,omitempty"`
	LastAttemptAt       *time.Time `json:"last_attempt_at,omitempty"`
	Attempts            int        `json:"attempts"`
	Status              string     `json:"status"`
	LastError           string     `json:"last_error,omitempty"`
}

const stateSchema = `
CREATE TABLE IF NOT EXISTS sync_state (
    owner_id TEXT NOT NULL,
    block_label TEXT NOT NULL,
    last_synced_version_id TEXT NOT NULL DEFAULT '',
    last_attempt_at TIMESTAMP,
    attempts INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    last_error TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (owner_id, block_label)
);

CREATE INDEX IF NOT EXISTS idx_sync_state_status ON sync_state(status);
`

// StateStore persists per-block sync state in SQLite.
type StateStore struct {
	db *sql.DB
}

// NewStateStore creates a sync state store, initializing the schema.
func NewStateStore(dbPath string) (*StateStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sync database: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), stateSchema); err != nil {
		return nil, fmt.Errorf("creating sync schema: %w", err)
	}
	return &StateStore{db: db}, nil
}

// Close releases the database connection.
func (s *StateStore) Close() error {
	return s.db.Close()
}

// MarkSynced records a successful push of versionID.
func (s *StateStore) MarkSynced(ctx context.Context, ownerID, label, versionID string, attempts int) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_state (owner_id, block_label, last_synced_version_id, last_attempt_at, attempts, status, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, '')
		 ON CONFLICT(owner_id, block_label) DO UPDATE SET
		   last_synced_version_id = excluded.last_synced_version_id,
		   last_attempt_at = excluded.last_attempt_at,
		   attempts = excluded.attempts,
		   status = excluded.status,
		   last_error = ''`,
		ownerID, label, versionID, now, attempts, StatusOK)
	if err != nil {
		return fmt.Errorf("marking sync state: %w", err)
	}
	return nil
}

// MarkDegraded records that the push retries for a block were exhausted.
// last_synced_version_id is left at its previous value: it still names the
// newest version the runtime is known to hold.
func (s *StateStore) MarkDegraded(ctx context.Context, ownerID, label string, attempts int, lastErr error) error {
	now := time.Now().UTC()
	msg := ""
	if lastErr != nil {
		msg = lastErr.Error()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_state (owner_id, block_label, last_attempt_at, attempts, status, last_error)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(owner_id, block_label) DO UPDATE SET
		   last_attempt_at = excluded.last_attempt_at,
		   attempts = excluded.attempts,
		   status = excluded.status,
		   last_error = excluded.last_error`,
		ownerID, label, now, attempts, StatusDegraded, msg)
	if err != nil {
		return fmt.Errorf("marking sync state degraded: %w", err)
	}
	return nil
}

// Get returns the sync state for one block, or nil when the block has never
// been pushed.
func (s *StateStore) Get(ctx context.Context, ownerID, label string) (*State, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT owner_id, block_label, last_synced_version_id, last_attempt_at, attempts, status, last_error
		 FROM sync_state WHERE owner_id = ? AND block_label = ?`,
		ownerID, label)
	st, err := scanState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying sync state: %w", err)
	}
	return st, nil
}

// List returns all tracked sync states, degraded first.
func (s *StateStore) List(ctx context.Context) ([]State, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT owner_id, block_label, last_synced_version_id, last_attempt_at, attempts, status, last_error
		 FROM sync_state ORDER BY status DESC, owner_id, block_label`)
	if err != nil {
		return nil, fmt.Errorf("querying sync states: %w", err)
	}
	defer rows.Close()

	var results []State
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			continue
		}
		results = append(results, *st)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanState(sc rowScanner) (*State, error) {
	var st State
	var lastAttempt sql.NullTime
	err := sc.Scan(&st.OwnerID, &st.BlockLabel, &st.LastSyncedVersionID,
		&lastAttempt, &st.Attempts, &st.Status, &st.LastError)
	if err != nil {
		return nil, err
	}
	if lastAttempt.Valid {
		t := lastAttempt.Time
		st.LastAttemptAt = &t
	}
	return &st, nil
}

// Health summarizes sync state for observability callers.
type Health struct {
	Tracked  int     `json:"tracked"`
	OK       int     `json:"ok"`
	Degraded []State `json:"degraded,omitempty"`
}

// Health builds the current sync health report.
func (s *StateStore) Health(ctx context.Context) (*Health, error) {
	states, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	h := &Health{Tracked: len(states)}
	for _, st := range states {
		if st.Status == StatusDegraded {
			h.Degraded = append(h.Degraded, st)
		} else {
			h.OK++
		}
	}
	return h, nil
}
