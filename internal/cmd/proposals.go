package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/recall-io/recall/internal/block"
	"github.com/recall-io/recall/internal/config"
	"github.com/recall-io/recall/internal/proposal"
)

var (
	proposalsOwner  string
	proposalsLabel  string
	proposalsLimit  int
	proposalsJSON   bool
	proposalsForce  bool
	proposalsReason string
)

var proposalsCmd = &cobra.Command{
	Use:   "proposals",
	Short: "Review agent-authored edit proposals",
}

var proposalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending proposals for an owner, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "proposals.list")
		defer span.End()

		manager, cleanup, err := openProposalManager()
		if err != nil {
			return err
		}
		defer cleanup()

		pending, err := manager.ListPending(ctx, proposalsOwner, proposalsLabel, proposalsLimit)
		if err != nil {
			return err
		}
		if proposalsJSON {
			return json.NewEncoder(os.Stdout).Encode(pending)
		}
		fmt.Printf("%-18s %-16s %-12s %-14s %s\n", "ID", "BLOCK", "FIELD", "OPERATION", "VALUE")
		for _, p := range pending {
			fmt.Printf("%-18s %-16s %-12s %-14s %s\n",
				p.ID, p.BlockLabel, p.Field, p.OpKind, truncate(p.ProposedValue, 60))
		}
		return nil
	},
}

var proposalsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print one proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "proposals.show")
		defer span.End()

		manager, cleanup, err := openProposalManager()
		if err != nil {
			return err
		}
		defer cleanup()

		p, err := manager.Get(ctx, args[0])
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(p)
	},
}

var proposalsApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a pending proposal, committing its edit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "proposals.approve")
		defer span.End()

		manager, cleanup, err := openProposalManager()
		if err != nil {
			return err
		}
		defer cleanup()

		versionID, err := manager.Approve(ctx, args[0], proposalsForce)
		if err != nil {
			return err
		}
		fmt.Println(versionID)
		return nil
	},
}

var proposalsRejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Reject a pending proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "proposals.reject")
		defer span.End()

		manager, cleanup, err := openProposalManager()
		if err != nil {
			return err
		}
		defer cleanup()

		return manager.Reject(ctx, args[0], proposalsReason)
	},
}

func openProposalManager() (*proposal.Manager, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	blocks, err := block.NewStore(cfg.BlocksDBPath())
	if err != nil {
		return nil, nil, fmt.Errorf("opening block store: %w", err)
	}
	store, err := proposal.NewStore(cfg.ProposalsDBPath())
	if err != nil {
		blocks.Close()
		return nil, nil, fmt.Errorf("opening proposal store: %w", err)
	}
	cleanup := func() {
		store.Close()
		blocks.Close()
	}
	return proposal.NewManager(blocks, store), cleanup, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func init() {
	proposalsListCmd.Flags().StringVar(&proposalsOwner, "owner", "", "owner id (required)")
	_ = proposalsListCmd.MarkFlagRequired("owner")
	proposalsListCmd.Flags().StringVar(&proposalsLabel, "label", "", "filter by block label")
	proposalsListCmd.Flags().IntVar(&proposalsLimit, "limit", 0, "max proposals to list (0 = all)")
	proposalsListCmd.Flags().BoolVar(&proposalsJSON, "json", false, "output JSON")

	proposalsApproveCmd.Flags().BoolVar(&proposalsForce, "force", false, "apply even when the anchor diverged (degrades to append)")
	proposalsRejectCmd.Flags().StringVar(&proposalsReason, "reason", "", "resolution note recorded on the proposal")

	proposalsCmd.AddCommand(proposalsListCmd, proposalsShowCmd, proposalsApproveCmd, proposalsRejectCmd)
	rootCmd.AddCommand(proposalsCmd)
}
