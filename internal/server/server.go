package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/recall-io/recall/internal/block"
	"github.com/recall-io/recall/internal/enrich"
	"github.com/recall-io/recall/internal/otel"
	"github.com/recall-io/recall/internal/proposal"
	"github.com/recall-io/recall/internal/sync"
)

const defaultTimeout = 60 * time.Second

// Server holds all dependencies for the HTTP API.
type Server struct {
	router     *chi.Mux
	blocks     *block.Store
	proposals  *proposal.Manager
	enricher   *enrich.Applier
	records    *enrich.RecordStore
	syncStates *sync.StateStore
	apiKeys    map[string]string
	startTime  time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithEnrichment sets the enrichment applier and its record store.
func WithEnrichment(a *enrich.Applier, records *enrich.RecordStore) Option {
	return func(s *Server) {
		s.enricher = a
		s.records = records
	}
}

// WithSyncStates sets the sync state store for /v1/sync/status.
func WithSyncStates(states *sync.StateStore) Option {
	return func(s *Server) { s.syncStates = states }
}

// NewServer builds a Server with the required dependencies and optional
// Option(s). apiKeys maps API key → actor identity.
func NewServer(
	blocks *block.Store,
	proposals *proposal.Manager,
	apiKeys map[string]string,
	opts ...Option,
) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		blocks:    blocks,
		proposals: proposals,
		apiKeys:   apiKeys,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.apiKeys == nil {
		s.apiKeys = make(map[string]string)
	}
	return s
}

// Routes returns the configured http.Handler (chi router with all
// middleware and routes).
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.MiddlewareWithStatus())

	// Unauthenticated
	r.Get("/health", s.handleHealth)
	r.Get("/v1/health", s.handleHealth)

	// Authenticated API group
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))
		r.Use(middleware.Timeout(defaultTimeout))

		r.Get("/v1/blocks/{owner}", s.handleBlocksList)
		r.Get("/v1/blocks/{owner}/{label}", s.handleBlockGet)
		r.Put("/v1/blocks/{owner}/{label}", s.handleBlockUpdate)
		r.Get("/v1/blocks/{owner}/{label}/history", s.handleBlockHistory)
		r.Get("/v1/blocks/{owner}/{label}/versions/{version}", s.handleBlockVersion)
		r.Get("/v1/blocks/{owner}/{label}/diff", s.handleBlockDiff)
		r.Post("/v1/blocks/{owner}/{label}/restore", s.handleBlockRestore)

		r.Post("/v1/proposals", s.handleProposalCreate)
		r.Get("/v1/proposals/pending", s.handleProposalsPending)
		r.Get("/v1/proposals/{id}", s.handleProposalGet)
		r.Post("/v1/proposals/{id}/approve", s.handleProposalApprove)
		r.Post("/v1/proposals/{id}/reject", s.handleProposalReject)

		if s.enricher != nil {
			r.Post("/v1/enrichment/apply", s.handleEnrichmentApply)
			r.Get("/v1/enrichment/records", s.handleEnrichmentRecords)
		}
		if s.syncStates != nil {
			r.Get("/v1/sync/status", s.handleSyncStatus)
		}
	})

	return r
}
