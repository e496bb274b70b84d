package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recall-io/recall/internal/block"
	"github.com/recall-io/recall/internal/enrich"
	"github.com/recall-io/recall/internal/proposal"
	"github.com/recall-io/recall/internal/sync"
	"github.com/recall-io/recall/internal/testutil"
)

const testKey = "test-api-key"

func testServer(t *testing.T) (http.Handler, *block.Store) {
	t.Helper()
	dir := t.TempDir()

	blocks, err := block.NewStore(filepath.Join(dir, "blocks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { blocks.Close() })

	proposalStore, err := proposal.NewStore(filepath.Join(dir, "proposals.db"))
	require.NoError(t, err)
	t.Cleanup(func() { proposalStore.Close() })

	records, err := enrich.NewRecordStore(filepath.Join(dir, "enrichment.db"), testutil.TestSigningKey)
	require.NoError(t, err)
	t.Cleanup(func() { records.Close() })

	states, err := sync.NewStateStore(filepath.Join(dir, "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { states.Close() })

	manager := proposal.NewManager(blocks, proposalStore)
	applier := enrich.NewApplier(blocks, proposalStore, records)

	srv := NewServer(blocks, manager,
		map[string]string{testKey: "reviewer-1"},
		WithEnrichment(applier, records),
		WithSyncStates(states),
	)
	return srv.Routes(), blocks
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Recall-Key", testKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, into interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), into))
}

func TestAuth(t *testing.T) {
	h, _ := testServer(t)

	// Health is open.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// API routes are not.
	req = httptest.NewRequest(http.MethodGet, "/v1/blocks/user-1", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/blocks/user-1", nil)
	req.Header.Set("X-Recall-Key", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Bearer form works too.
	req = httptest.NewRequest(http.MethodGet, "/v1/blocks/user-1", nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBlockLifecycleOverHTTP(t *testing.T) {
	h, _ := testServer(t)

	// First write: empty expected parent creates the block.
	rec := doJSON(t, h, http.MethodPut, "/v1/blocks/user-1/profile", blockUpdateRequest{
		Body: "Likes mountains", Message: "initial",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var created map[string]string
	decode(t, rec, &created)
	v1 := created["version_id"]
	require.NotEmpty(t, v1)

	// Read it back.
	rec = doJSON(t, h, http.MethodGet, "/v1/blocks/user-1/profile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var b block.Block
	decode(t, rec, &b)
	assert.Equal(t, "Likes mountains", b.Body)
	assert.Equal(t, v1, b.HeadVersionID)

	// Stale parent → 409.
	rec = doJSON(t, h, http.MethodPut, "/v1/blocks/user-1/profile", blockUpdateRequest{
		Body: "clobber", ExpectedParentVersionID: "ver_stale",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Correct parent succeeds.
	rec = doJSON(t, h, http.MethodPut, "/v1/blocks/user-1/profile", blockUpdateRequest{
		Body: "Likes mountains and rivers", ExpectedParentVersionID: v1,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var updated map[string]string
	decode(t, rec, &updated)
	v2 := updated["version_id"]

	// History, newest first.
	rec = doJSON(t, h, http.MethodGet, "/v1/blocks/user-1/profile/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hist struct {
		Versions []block.VersionInfo `json:"versions"`
	}
	decode(t, rec, &hist)
	require.Len(t, hist.Versions, 2)
	assert.Equal(t, v2, hist.Versions[0].VersionID)
	assert.Equal(t, v1, hist.Versions[1].VersionID)

	// Point-in-time read.
	rec = doJSON(t, h, http.MethodGet, "/v1/blocks/user-1/profile/versions/"+v1, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var at map[string]string
	decode(t, rec, &at)
	assert.Equal(t, "Likes mountains", at["body"])

	// Diff between the two versions.
	rec = doJSON(t, h, http.MethodGet,
		fmt.Sprintf("/v1/blocks/user-1/profile/diff?from=%s&to=%s", v1, v2), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var d block.DiffResult
	decode(t, rec, &d)
	assert.Contains(t, d.Unified, "Likes mountains and rivers")

	// Restore v1 as a new version.
	rec = doJSON(t, h, http.MethodPost, "/v1/blocks/user-1/profile/restore", restoreRequest{VersionID: v1})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/blocks/user-1/profile", nil)
	decode(t, rec, &b)
	assert.Equal(t, "Likes mountains", b.Body)
	assert.Equal(t, 3, b.VersionCount)

	// Listing.
	rec = doJSON(t, h, http.MethodGet, "/v1/blocks/user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Blocks []block.Block `json:"blocks"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Blocks, 1)
}

func TestBlockGet_Unknown(t *testing.T) {
	h, _ := testServer(t)
	rec := doJSON(t, h, http.MethodGet, "/v1/blocks/user-1/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProposalFlowOverHTTP(t *testing.T) {
	h, _ := testServer(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/proposals", proposalCreateRequest{
		OwnerID:       "user-1",
		BlockLabel:    "profile",
		Field:         "interests",
		AuthorID:      "agent-1",
		Operation:     proposal.KindAppend,
		ProposedValue: "Likes mountains",
		Reasoning:     "mentioned hiking",
		Confidence:    0.9,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var p proposal.Proposal
	decode(t, rec, &p)
	assert.Equal(t, proposal.StatusPending, p.Status)

	// Pending listing requires owner.
	rec = doJSON(t, h, http.MethodGet, "/v1/proposals/pending", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/proposals/pending?owner=user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var pending struct {
		Proposals []proposal.Proposal `json:"proposals"`
	}
	decode(t, rec, &pending)
	require.Len(t, pending.Proposals, 1)

	// Approve commits.
	rec = doJSON(t, h, http.MethodPost, "/v1/proposals/"+p.ID+"/approve", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodGet, "/v1/blocks/user-1/profile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var b block.Block
	decode(t, rec, &b)
	assert.Equal(t, "Likes mountains", b.Body)

	// Re-approving is a conflict.
	rec = doJSON(t, h, http.MethodPost, "/v1/proposals/"+p.ID+"/approve", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Unknown id is a 404, bad operation a 400.
	rec = doJSON(t, h, http.MethodGet, "/v1/proposals/prop_missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/proposals", proposalCreateRequest{
		OwnerID: "user-1", BlockLabel: "profile",
		Operation: "merge", ProposedValue: "x",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProposalAnchorConflictOverHTTP(t *testing.T) {
	h, _ := testServer(t)

	rec := doJSON(t, h, http.MethodPut, "/v1/blocks/user-1/profile", blockUpdateRequest{
		Body: "Likes mountains",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/proposals", proposalCreateRequest{
		OwnerID: "user-1", BlockLabel: "profile", AuthorID: "agent-1",
		Operation: proposal.KindReplaceAnchor, Anchor: "Likes mountains",
		ProposedValue: "Likes mountains in winter",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var p proposal.Proposal
	decode(t, rec, &p)

	// The body moves on before approval.
	var cur block.Block
	rec = doJSON(t, h, http.MethodGet, "/v1/blocks/user-1/profile", nil)
	decode(t, rec, &cur)
	rec = doJSON(t, h, http.MethodPut, "/v1/blocks/user-1/profile", blockUpdateRequest{
		Body: "Totally rewritten", ExpectedParentVersionID: cur.HeadVersionID,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/proposals/"+p.ID+"/approve", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Force degrades to append.
	rec = doJSON(t, h, http.MethodPost, "/v1/proposals/"+p.ID+"/approve", approveRequest{Force: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodGet, "/v1/blocks/user-1/profile", nil)
	var b block.Block
	decode(t, rec, &b)
	assert.Equal(t, "Totally rewritten\nLikes mountains in winter", b.Body)
}

func TestProposalRejectOverHTTP(t *testing.T) {
	h, _ := testServer(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/proposals", proposalCreateRequest{
		OwnerID: "user-1", BlockLabel: "profile", AuthorID: "agent-1",
		Operation: proposal.KindAppend, ProposedValue: "nope",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var p proposal.Proposal
	decode(t, rec, &p)

	rec = doJSON(t, h, http.MethodPost, "/v1/proposals/"+p.ID+"/reject", rejectRequest{Reason: "wrong"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/v1/proposals/"+p.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &p)
	assert.Equal(t, proposal.StatusRejected, p.Status)
	assert.Equal(t, "wrong", p.ResolutionNote)

	// The block was never created.
	rec = doJSON(t, h, http.MethodGet, "/v1/blocks/user-1/profile", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnrichmentOverHTTP(t *testing.T) {
	h, _ := testServer(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/enrichment/apply", enrichmentApplyRequest{
		OwnerID: "user-1", BlockLabel: "profile", Field: "courses",
		Content: "Completed glaciology 101", Strategy: proposal.KindAppend,
		SourceQuery: "completed courses",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res enrich.Result
	decode(t, rec, &res)
	assert.False(t, res.Skipped)
	require.NotEmpty(t, res.RecordID)

	// Audit record is listed, attributed to the authenticated actor.
	rec = doJSON(t, h, http.MethodGet, "/v1/enrichment/records?owner=user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var recs struct {
		Records []enrich.Record `json:"records"`
	}
	decode(t, rec, &recs)
	require.Len(t, recs.Records, 1)
	assert.Equal(t, "reviewer-1", recs.Records[0].SourceIdentity)

	// A pending proposal on the same field makes the next apply skip.
	rec = doJSON(t, h, http.MethodPost, "/v1/proposals", proposalCreateRequest{
		OwnerID: "user-1", BlockLabel: "profile", Field: "courses",
		AuthorID: "agent-1", Operation: proposal.KindAppend, ProposedValue: "agent view",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/v1/enrichment/apply", enrichmentApplyRequest{
		OwnerID: "user-1", BlockLabel: "profile", Field: "courses",
		Content: "More", Strategy: proposal.KindAppend,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &res)
	assert.True(t, res.Skipped)
}

func TestSyncStatusOverHTTP(t *testing.T) {
	h, _ := testServer(t)

	rec := doJSON(t, h, http.MethodGet, "/v1/sync/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health sync.Health
	decode(t, rec, &health)
	assert.Zero(t, health.Tracked)
}

func TestHealthDetail(t *testing.T) {
	h, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health?detail=true", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	decode(t, rec, &resp)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "ok", resp.Components["block_store"])
	assert.Equal(t, "ok", resp.Components["sync"])
}
