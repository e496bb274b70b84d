package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/recall-io/recall/internal/config"
	recallsync "github.com/recall-io/recall/internal/sync"
)

var syncJSON bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Inspect external runtime synchronization",
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report per-block sync health",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "sync.status")
		defer span.End()

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		states, err := recallsync.NewStateStore(cfg.SyncDBPath())
		if err != nil {
			return fmt.Errorf("opening sync state: %w", err)
		}
		defer states.Close()

		health, err := states.Health(ctx)
		if err != nil {
			return err
		}
		if syncJSON {
			return json.NewEncoder(os.Stdout).Encode(health)
		}

		fmt.Printf("tracked: %d  ok: %d  degraded: %d\n",
			health.Tracked, health.OK, len(health.Degraded))
		for _, st := range health.Degraded {
			fmt.Printf("  %s/%s  attempts=%d  last_error=%s\n",
				st.OwnerID, st.BlockLabel, st.Attempts, st.LastError)
		}
		return nil
	},
}

func init() {
	syncStatusCmd.Flags().BoolVar(&syncJSON, "json", false, "output JSON")
	syncCmd.AddCommand(syncStatusCmd)
	rootCmd.AddCommand(syncCmd)
}
