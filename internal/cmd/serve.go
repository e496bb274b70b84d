package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/recall-io/recall/internal/block"
	"github.com/recall-io/recall/internal/config"
	"github.com/recall-io/recall/internal/enrich"
	"github.com/recall-io/recall/internal/proposal"
	"github.com/recall-io/recall/internal/server"
	recallsync "github.com/recall-io/recall/internal/sync"
	"github.com/recall-io/recall/internal/trigger"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the recall server with the sync bridge and maintenance crons",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "HTTP server port")
	rootCmd.AddCommand(serveCmd)
}

// parseAPIKeys returns a map of key → actor identity from RECALL_API_KEYS
// (comma-separated; each entry key or key:identity).
func parseAPIKeys(env string) map[string]string {
	m := make(map[string]string)
	if env == "" {
		return m
	}
	for _, part := range strings.Split(env, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		actorID := "default"
		if idx := strings.Index(part, ":"); idx > 0 {
			actorID = strings.TrimSpace(part[idx+1:])
			part = strings.TrimSpace(part[:idx])
		}
		m[part] = actorID
	}
	return m
}

// healthAdapter exposes the degraded-block count to the cron scheduler.
type healthAdapter struct {
	states *recallsync.StateStore
}

func (h healthAdapter) DegradedCount(ctx context.Context) (int, error) {
	report, err := h.states.Health(ctx)
	if err != nil {
		return 0, err
	}
	return len(report.Degraded), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKeys()

	blocks, err := block.NewStore(cfg.BlocksDBPath())
	if err != nil {
		return fmt.Errorf("initializing block store: %w", err)
	}
	defer blocks.Close()

	proposalStore, err := proposal.NewStore(cfg.ProposalsDBPath())
	if err != nil {
		return fmt.Errorf("initializing proposal store: %w", err)
	}
	defer proposalStore.Close()
	proposals := proposal.NewManager(blocks, proposalStore)

	records, err := enrich.NewRecordStore(cfg.EnrichmentDBPath(), cfg.SigningKey)
	if err != nil {
		return fmt.Errorf("initializing enrichment records: %w", err)
	}
	defer records.Close()
	applier := enrich.NewApplier(blocks, proposalStore, records)

	syncStates, err := recallsync.NewStateStore(cfg.SyncDBPath())
	if err != nil {
		return fmt.Errorf("initializing sync state: %w", err)
	}
	defer syncStates.Close()

	runtime := recallsync.NewHTTPRuntimeClient(cfg.RuntimeBaseURL, cfg.RuntimeToken)
	bridge := recallsync.NewBridge(blocks, runtime, syncStates, recallsync.Options{
		Workers:     cfg.SyncWorkers,
		MaxAttempts: cfg.SyncMaxAttempts,
	})
	bridge.Start()

	scheduler := trigger.NewScheduler()
	ttl := time.Duration(cfg.ProposalTTLHours) * time.Hour
	if err := scheduler.RegisterExpirySweep(cfg.ExpirySweepCron, ttl, proposalStore); err != nil {
		return fmt.Errorf("registering expiry sweep: %w", err)
	}
	if err := scheduler.RegisterHealthLog(cfg.ExpirySweepCron, healthAdapter{syncStates}); err != nil {
		return fmt.Errorf("registering health log: %w", err)
	}
	scheduler.Start()

	apiKeys := parseAPIKeys(os.Getenv("RECALL_API_KEYS"))
	if len(apiKeys) == 0 {
		log.Warn().Msg("RECALL_API_KEYS not set — all API endpoints will return 401. Set for production.")
	}

	srv := server.NewServer(blocks, proposals, apiKeys,
		server.WithEnrichment(applier, records),
		server.WithSyncStates(syncStates),
	)

	addr := fmt.Sprintf(":%d", servePort)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Int("cron_entries", scheduler.Entries()).
		Str("runtime", cfg.RuntimeBaseURL).
		Int("sync_workers", cfg.SyncWorkers).
		Msg("recall serve started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	// Ordered shutdown: stop accepting HTTP, stop the crons, drain the sync
	// bridge, then let the deferred store closes run.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	scheduler.Stop()
	if err := bridge.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("sync bridge did not drain cleanly")
	}
	log.Info().Msg("server stopped")
	return nil
}
