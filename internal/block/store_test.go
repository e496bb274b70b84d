package block

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "blocks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func mustCommit(t *testing.T, s *Store, owner, label, body, parent string) string {
	t.Helper()
	id, err := s.Commit(context.Background(), CommitInput{
		OwnerID:                 owner,
		Label:                   label,
		Body:                    body,
		Author:                  "tester",
		Message:                 "test commit",
		ExpectedParentVersionID: parent,
	})
	require.NoError(t, err)
	return id
}

func TestCommit_CreatesBlockOnFirstWrite(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	id := mustCommit(t, store, "user-1", "profile", "Likes mountains", "")

	b, err := store.ReadCurrent(ctx, "user-1", "profile")
	require.NoError(t, err)
	assert.Equal(t, "Likes mountains", b.Body)
	assert.Equal(t, id, b.HeadVersionID)
	assert.Equal(t, 1, b.VersionCount)
	assert.False(t, b.UpdatedAt.IsZero())
}

func TestCommit_RejectsStaleParent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	v1 := mustCommit(t, store, "user-1", "profile", "first", "")
	mustCommit(t, store, "user-1", "profile", "second", v1)

	// A commit computed against v1 must now fail and mutate nothing.
	_, err := store.Commit(ctx, CommitInput{
		OwnerID:                 "user-1",
		Label:                   "profile",
		Body:                    "stale edit",
		Author:                  "tester",
		ExpectedParentVersionID: v1,
	})
	require.ErrorIs(t, err, ErrConflict)

	b, err := store.ReadCurrent(ctx, "user-1", "profile")
	require.NoError(t, err)
	assert.Equal(t, "second", b.Body)
	assert.Equal(t, 2, b.VersionCount)
}

func TestCommit_CreateRequiresEmptyParent(t *testing.T) {
	store := testStore(t)
	_, err := store.Commit(context.Background(), CommitInput{
		OwnerID:                 "user-1",
		Label:                   "missing",
		Body:                    "body",
		Author:                  "tester",
		ExpectedParentVersionID: "ver_deadbeef",
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestReadAt_RoundTripsEveryHistoricalBody(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	bodies := []string{"one", "two", "three", "four"}
	ids := make([]string, 0, len(bodies))
	parent := ""
	for _, body := range bodies {
		id := mustCommit(t, store, "user-1", "notes", body, parent)
		ids = append(ids, id)
		parent = id
	}

	for i, id := range ids {
		got, err := store.ReadAt(ctx, "user-1", "notes", id)
		require.NoError(t, err)
		assert.Equal(t, bodies[i], got, "version %s must return the body committed at that point", id)
	}
}

func TestReadAt_UnknownVersion(t *testing.T) {
	store := testStore(t)
	mustCommit(t, store, "user-1", "notes", "body", "")

	_, err := store.ReadAt(context.Background(), "user-1", "notes", "ver_0000000000000000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReadCurrent_UnknownBlock(t *testing.T) {
	store := testStore(t)
	_, err := store.ReadCurrent(context.Background(), "nobody", "nothing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVersionID_DeterministicFromParentAndContent(t *testing.T) {
	a := VersionID("ver_parent", "body", "author", "msg")
	b := VersionID("ver_parent", "body", "author", "msg")
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, VersionID("ver_other", "body", "author", "msg"))
	assert.NotEqual(t, a, VersionID("ver_parent", "body2", "author", "msg"))
	// Field boundaries must not be ambiguous.
	assert.NotEqual(t,
		VersionID("", "ab", "c", ""),
		VersionID("", "a", "bc", ""))
}

func TestConcurrentCommits_ExactlyOneWinnerPerRound(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	const concurrency = 10

	head := mustCommit(t, store, "user-1", "profile", "base", "")

	var wg sync.WaitGroup
	results := make(chan error, concurrency)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := store.Commit(ctx, CommitInput{
				OwnerID:                 "user-1",
				Label:                   "profile",
				Body:                    "contender",
				Author:                  "tester",
				Message:                 string(rune('a' + n)),
				ExpectedParentVersionID: head,
			})
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	var winners, conflicts int
	for err := range results {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, winners, "exactly one concurrent commit must win")
	assert.Equal(t, concurrency-1, conflicts)

	b, err := store.ReadCurrent(ctx, "user-1", "profile")
	require.NoError(t, err)
	assert.Equal(t, 2, b.VersionCount, "version count increases by exactly one per round")
}

func TestRestore_CreatesNewVersionPreservingOld(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	v1 := mustCommit(t, store, "user-1", "profile", "original", "")
	mustCommit(t, store, "user-1", "profile", "edited", v1)

	restored, err := store.Restore(ctx, "user-1", "profile", v1, "tester")
	require.NoError(t, err)
	assert.NotEqual(t, v1, restored, "restore creates a new version, never rewrites the old one")

	b, err := store.ReadCurrent(ctx, "user-1", "profile")
	require.NoError(t, err)
	assert.Equal(t, "original", b.Body)
	assert.Equal(t, 3, b.VersionCount)

	// The restored-from version is still retrievable, unchanged.
	old, err := store.ReadAt(ctx, "user-1", "profile", v1)
	require.NoError(t, err)
	assert.Equal(t, "original", old)
}

func TestListVersions_NewestFirst(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	v1 := mustCommit(t, store, "user-1", "notes", "one", "")
	v2 := mustCommit(t, store, "user-1", "notes", "two", v1)
	v3 := mustCommit(t, store, "user-1", "notes", "three", v2)

	versions, err := store.ListVersions(ctx, "user-1", "notes", 0)
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, v3, versions[0].VersionID)
	assert.Equal(t, v2, versions[1].VersionID)
	assert.Equal(t, v1, versions[2].VersionID)
	assert.Equal(t, 3, versions[0].Ordinal)
	assert.Equal(t, v2, versions[0].ParentVersionID)

	limited, err := store.ListVersions(ctx, "user-1", "notes", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	_, err = store.ListVersions(ctx, "user-1", "unknown", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReadAt_DetectsTamperedVersion(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	id := mustCommit(t, store, "user-1", "profile", "authentic", "")

	// Simulate on-disk corruption: rewrite the stored body behind the
	// content-addressed id.
	_, err := store.db.ExecContext(ctx,
		`UPDATE block_versions SET body = 'tampered' WHERE version_id = ?`, id)
	require.NoError(t, err)

	_, err = store.ReadAt(ctx, "user-1", "profile", id)
	assert.ErrorIs(t, err, ErrCorrupt)

	// Other blocks keep serving.
	other := mustCommit(t, store, "user-2", "profile", "fine", "")
	body, err := store.ReadAt(ctx, "user-2", "profile", other)
	require.NoError(t, err)
	assert.Equal(t, "fine", body)
}

func TestOnCommit_NotifiesListeners(t *testing.T) {
	store := testStore(t)

	var mu sync.Mutex
	var events []Event
	store.OnCommit(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	v1 := mustCommit(t, store, "user-1", "profile", "one", "")
	v2 := mustCommit(t, store, "user-1", "profile", "two", v1)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, Event{OwnerID: "user-1", Label: "profile", VersionID: v1}, events[0])
	assert.Equal(t, Event{OwnerID: "user-1", Label: "profile", VersionID: v2}, events[1])
}

func TestListBlocks_And_DistinctBlocks(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	mustCommit(t, store, "user-1", "profile", "p", "")
	mustCommit(t, store, "user-1", "goals", "g", "")
	mustCommit(t, store, "user-2", "profile", "q", "")

	blocks, err := store.ListBlocks(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, blocks, 2)

	pairs, err := store.DistinctBlocks(ctx)
	require.NoError(t, err)
	assert.Len(t, pairs, 3)
}
