package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/recall-io/recall/internal/block"
	"github.com/recall-io/recall/internal/config"
)

var (
	blocksOwner   string
	blocksLabel   string
	blocksVersion string
	blocksLimit   int
	blocksFrom    string
	blocksTo      string
	blocksBody    string
	blocksFile    string
	blocksMessage string
	blocksParent  string
	blocksAuthor  string
	blocksJSON    bool
)

var blocksCmd = &cobra.Command{
	Use:   "blocks",
	Short: "Inspect and edit memory blocks",
}

var blocksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List an owner's blocks",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "blocks.list")
		defer span.End()

		store, cleanup, err := openBlockStore()
		if err != nil {
			return err
		}
		defer cleanup()

		blocks, err := store.ListBlocks(ctx, blocksOwner)
		if err != nil {
			return err
		}
		if blocksJSON {
			return json.NewEncoder(os.Stdout).Encode(blocks)
		}
		fmt.Printf("%-20s %-36s %8s  %s\n", "LABEL", "HEAD", "VERSIONS", "UPDATED")
		for _, b := range blocks {
			fmt.Printf("%-20s %-36s %8d  %s\n",
				b.Label, b.HeadVersionID, b.VersionCount, b.UpdatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var blocksShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print a block's current body (or a historical version with --version)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "blocks.show")
		defer span.End()

		store, cleanup, err := openBlockStore()
		if err != nil {
			return err
		}
		defer cleanup()

		if blocksVersion != "" {
			body, err := store.ReadAt(ctx, blocksOwner, blocksLabel, blocksVersion)
			if err != nil {
				return err
			}
			fmt.Println(body)
			return nil
		}

		b, err := store.ReadCurrent(ctx, blocksOwner, blocksLabel)
		if err != nil {
			return err
		}
		if blocksJSON {
			return json.NewEncoder(os.Stdout).Encode(b)
		}
		fmt.Println(b.Body)
		return nil
	},
}

var blocksHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List a block's version chain, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "blocks.history")
		defer span.End()

		store, cleanup, err := openBlockStore()
		if err != nil {
			return err
		}
		defer cleanup()

		versions, err := store.ListVersions(ctx, blocksOwner, blocksLabel, blocksLimit)
		if err != nil {
			return err
		}
		if blocksJSON {
			return json.NewEncoder(os.Stdout).Encode(versions)
		}
		fmt.Printf("%4s %-36s %-16s %-20s %s\n", "#", "VERSION", "AUTHOR", "CREATED", "MESSAGE")
		for _, v := range versions {
			fmt.Printf("%4d %-36s %-16s %-20s %s\n",
				v.Ordinal, v.VersionID, v.Author, v.CreatedAt.Format("2006-01-02 15:04:05"), v.Message)
		}
		return nil
	},
}

var blocksDiffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Show the unified diff between two versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "blocks.diff")
		defer span.End()

		store, cleanup, err := openBlockStore()
		if err != nil {
			return err
		}
		defer cleanup()

		d, err := store.Diff(ctx, blocksOwner, blocksLabel, blocksFrom, blocksTo)
		if err != nil {
			return err
		}
		fmt.Print(d.Unified)
		return nil
	},
}

var blocksRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore an old version's body as a new head version",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "blocks.restore")
		defer span.End()

		store, cleanup, err := openBlockStore()
		if err != nil {
			return err
		}
		defer cleanup()

		versionID, err := store.Restore(ctx, blocksOwner, blocksLabel, blocksVersion, blocksAuthor)
		if err != nil {
			return err
		}
		fmt.Println(versionID)
		return nil
	},
}

var blocksUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Commit a direct edit (requires --parent for existing blocks)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "blocks.update")
		defer span.End()

		body := blocksBody
		if blocksFile != "" {
			data, err := os.ReadFile(blocksFile)
			if err != nil {
				return fmt.Errorf("reading body file: %w", err)
			}
			body = string(data)
		}

		store, cleanup, err := openBlockStore()
		if err != nil {
			return err
		}
		defer cleanup()

		versionID, err := store.Commit(ctx, block.CommitInput{
			OwnerID:                 blocksOwner,
			Label:                   blocksLabel,
			Body:                    body,
			Author:                  blocksAuthor,
			Message:                 blocksMessage,
			ExpectedParentVersionID: blocksParent,
		})
		if err != nil {
			return err
		}
		fmt.Println(versionID)
		return nil
	},
}

func openBlockStore() (*block.Store, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	store, err := block.NewStore(cfg.BlocksDBPath())
	if err != nil {
		return nil, nil, fmt.Errorf("opening block store: %w", err)
	}
	return store, func() { store.Close() }, nil
}

func init() {
	for _, c := range []*cobra.Command{
		blocksListCmd, blocksShowCmd, blocksHistoryCmd,
		blocksDiffCmd, blocksRestoreCmd, blocksUpdateCmd,
	} {
		c.Flags().StringVar(&blocksOwner, "owner", "", "owner id (required)")
		_ = c.MarkFlagRequired("owner")
	}
	for _, c := range []*cobra.Command{
		blocksShowCmd, blocksHistoryCmd, blocksDiffCmd, blocksRestoreCmd, blocksUpdateCmd,
	} {
		c.Flags().StringVar(&blocksLabel, "label", "", "block label (required)")
		_ = c.MarkFlagRequired("label")
	}

	blocksListCmd.Flags().BoolVar(&blocksJSON, "json", false, "output JSON")
	blocksShowCmd.Flags().BoolVar(&blocksJSON, "json", false, "output JSON")
	blocksShowCmd.Flags().StringVar(&blocksVersion, "version", "", "read this historical version instead of the head")
	blocksHistoryCmd.Flags().BoolVar(&blocksJSON, "json", false, "output JSON")
	blocksHistoryCmd.Flags().IntVar(&blocksLimit, "limit", 0, "max versions to list (0 = all)")
	blocksDiffCmd.Flags().StringVar(&blocksFrom, "from", "", "old version id (required)")
	blocksDiffCmd.Flags().StringVar(&blocksTo, "to", "", "new version id (required)")
	_ = blocksDiffCmd.MarkFlagRequired("from")
	_ = blocksDiffCmd.MarkFlagRequired("to")
	blocksRestoreCmd.Flags().StringVar(&blocksVersion, "version", "", "version id to restore (required)")
	_ = blocksRestoreCmd.MarkFlagRequired("version")
	blocksRestoreCmd.Flags().StringVar(&blocksAuthor, "author", "cli", "author recorded on the restore commit")
	blocksUpdateCmd.Flags().StringVar(&blocksBody, "body", "", "new block body")
	blocksUpdateCmd.Flags().StringVar(&blocksFile, "body-file", "", "read the new body from a file")
	blocksUpdateCmd.Flags().StringVar(&blocksMessage, "message", "direct edit", "commit message")
	blocksUpdateCmd.Flags().StringVar(&blocksParent, "parent", "", "expected parent version id (empty creates the block)")
	blocksUpdateCmd.Flags().StringVar(&blocksAuthor, "author", "cli", "author recorded on the commit")

	blocksCmd.AddCommand(blocksListCmd, blocksShowCmd, blocksHistoryCmd,
		blocksDiffCmd, blocksRestoreCmd, blocksUpdateCmd)
	rootCmd.AddCommand(blocksCmd)
}
