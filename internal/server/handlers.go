package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/recall-io/recall/internal/block"
	"github.com/recall-io/recall/internal/enrich"
	"github.com/recall-io/recall/internal/proposal"
	"github.com/recall-io/recall/internal/requestctx"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeDomainError maps domain sentinels onto HTTP statuses. ErrConflict
// covers both flavors of divergence: a stale anchor and a lost commit race.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, block.ErrNotFound), errors.Is(err, proposal.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, block.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, proposal.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, "already_resolved", err.Error())
	case errors.Is(err, proposal.ErrInvalidProposal):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, block.ErrCorrupt):
		log.Error().Err(err).Msg("block integrity failure")
		writeError(w, http.StatusInternalServerError, "corrupt", err.Error())
	default:
		log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	}
	if r.URL.Query().Get("detail") == "true" {
		components := map[string]string{
			"block_store": "ok",
			"proposals":   "ok",
		}
		if s.enricher == nil {
			components["enrichment"] = "disabled"
		} else {
			components["enrichment"] = "ok"
		}
		if s.syncStates == nil {
			components["sync"] = "disabled"
		} else {
			components["sync"] = "ok"
			if h, err := s.syncStates.Health(r.Context()); err == nil && len(h.Degraded) > 0 {
				components["sync"] = "degraded"
			}
		}
		resp["components"] = components
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Blocks ---

func (s *Server) handleBlocksList(w http.ResponseWriter, r *http.Request) {
	blocks, err := s.blocks.ListBlocks(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"blocks": blocks})
}

func (s *Server) handleBlockGet(w http.ResponseWriter, r *http.Request) {
	b, err := s.blocks.ReadCurrent(r.Context(), chi.URLParam(r, "owner"), chi.URLParam(r, "label"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type blockUpdateRequest struct {
	Body                    string `json:"body"`
	Message                 string `json:"message"`
	ExpectedParentVersionID string `json:"expected_parent_version_id"`
	Title                   string `json:"title,omitempty"`
	SchemaRef               string `json:"schema_ref,omitempty"`
}

// handleBlockUpdate is the direct user edit path. The commit author is the
// authenticated actor, and the optimistic-concurrency check is the caller's
// to drive: a stale expected parent gets a 409 and the caller re-reads.
func (s *Server) handleBlockUpdate(w http.ResponseWriter, r *http.Request) {
	var req blockUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	message := req.Message
	if message == "" {
		message = "direct edit"
	}
	versionID, err := s.blocks.Commit(r.Context(), block.CommitInput{
		OwnerID:                 chi.URLParam(r, "owner"),
		Label:                   chi.URLParam(r, "label"),
		Body:                    req.Body,
		Author:                  requestctx.ActorID(r.Context()),
		Message:                 message,
		ExpectedParentVersionID: req.ExpectedParentVersionID,
		Title:                   req.Title,
		SchemaRef:               req.SchemaRef,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"version_id": versionID})
}

func (s *Server) handleBlockHistory(w http.ResponseWriter, r *http.Request) {
	versions, err := s.blocks.ListVersions(r.Context(),
		chi.URLParam(r, "owner"), chi.URLParam(r, "label"), limitParam(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"versions": versions})
}

func (s *Server) handleBlockVersion(w http.ResponseWriter, r *http.Request) {
	body, err := s.blocks.ReadAt(r.Context(),
		chi.URLParam(r, "owner"), chi.URLParam(r, "label"), chi.URLParam(r, "version"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"version_id": chi.URLParam(r, "version"),
		"body":       body,
	})
}

func (s *Server) handleBlockDiff(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if from == "" || to == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "from and to version ids are required")
		return
	}
	d, err := s.blocks.Diff(r.Context(), chi.URLParam(r, "owner"), chi.URLParam(r, "label"), from, to)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type restoreRequest struct {
	VersionID string `json:"version_id"`
}

func (s *Server) handleBlockRestore(w http.ResponseWriter, r *http.Request) {
	var req restoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	if req.VersionID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "version_id is required")
		return
	}
	versionID, err := s.blocks.Restore(r.Context(),
		chi.URLParam(r, "owner"), chi.URLParam(r, "label"),
		req.VersionID, requestctx.ActorID(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"version_id": versionID})
}

// --- Proposals ---

type proposalCreateRequest struct {
	OwnerID       string  `json:"owner_id"`
	BlockLabel    string  `json:"block_label"`
	Field         string  `json:"field,omitempty"`
	AuthorID      string  `json:"author_id,omitempty"`
	Operation     string  `json:"operation"`
	Anchor        string  `json:"anchor,omitempty"`
	ProposedValue string  `json:"proposed_value"`
	Reasoning     string  `json:"reasoning,omitempty"`
	Confidence    float64 `json:"confidence,omitempty"`
}

func (s *Server) handleProposalCreate(w http.ResponseWriter, r *http.Request) {
	var req proposalCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	op, err := proposal.ParseOperation(req.Operation, req.Anchor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	author := req.AuthorID
	if author == "" {
		author = requestctx.ActorID(r.Context())
	}
	p, err := s.proposals.Create(r.Context(), proposal.CreateInput{
		OwnerID:       req.OwnerID,
		BlockLabel:    req.BlockLabel,
		Field:         req.Field,
		AuthorID:      author,
		Op:            op,
		ProposedValue: req.ProposedValue,
		Reasoning:     req.Reasoning,
		Confidence:    req.Confidence,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleProposalsPending(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "owner is required")
		return
	}
	pending, err := s.proposals.ListPending(r.Context(), owner, r.URL.Query().Get("label"), limitParam(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"proposals": pending})
}

func (s *Server) handleProposalGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.proposals.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type approveRequest struct {
	Force bool `json:"force,omitempty"`
}

func (s *Server) handleProposalApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
			return
		}
	}
	versionID, err := s.proposals.Approve(r.Context(), chi.URLParam(r, "id"), req.Force)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"version_id": versionID})
}

type rejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleProposalReject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
			return
		}
	}
	if err := s.proposals.Reject(r.Context(), chi.URLParam(r, "id"), req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": proposal.StatusRejected})
}

// --- Enrichment ---

type enrichmentApplyRequest struct {
	OwnerID     string `json:"owner_id"`
	BlockLabel  string `json:"block_label"`
	Field       string `json:"field,omitempty"`
	Content     string `json:"content"`
	Strategy    string `json:"strategy"`
	Anchor      string `json:"anchor,omitempty"`
	SourceQuery string `json:"source_query,omitempty"`
}

func (s *Server) handleEnrichmentApply(w http.ResponseWriter, r *http.Request) {
	var req enrichmentApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON: "+err.Error())
		return
	}
	res, err := s.enricher.Apply(r.Context(), enrich.ApplyInput{
		OwnerID:        req.OwnerID,
		BlockLabel:     req.BlockLabel,
		Field:          req.Field,
		Content:        req.Content,
		Strategy:       req.Strategy,
		Anchor:         req.Anchor,
		SourceIdentity: requestctx.ActorID(r.Context()),
		SourceQuery:    req.SourceQuery,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleEnrichmentRecords(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "owner is required")
		return
	}
	recs, err := s.records.List(r.Context(), owner, r.URL.Query().Get("label"), limitParam(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": recs})
}

// --- Sync ---

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	h, err := s.syncStates.Health(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}
