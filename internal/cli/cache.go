package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// cacheCommand manages the local base-document cache and expired archives.
func (c *CLI) cacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the base-document cache",
		Long: `Manage the local base-document cache used by the overlay strategy.

Cached base documents are keyed by template content, so they invalidate
themselves when a template changes; clearing is only needed to reclaim
disk space or force a fresh render.`,
	}

	cmd.AddCommand(c.cachePathCommand())
	cmd.AddCommand(c.cacheClearCommand())
	cmd.AddCommand(c.cacheSweepCommand())

	return cmd
}

func (c *CLI) cachePathCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the cache directory location",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := cacheDir()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), dir)
			return nil
		},
	}
}

func (c *CLI) cacheClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove all cached base documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := cacheDir()
			if err != nil {
				return err
			}
			if err := os.RemoveAll(dir); err != nil {
				return fmt.Errorf("clear cache: %w", err)
			}
			printSuccess("Cleared base-document cache")
			printDetail("%s", dir)
			return nil
		},
	}
}

func (c *CLI) cacheSweepCommand() *cobra.Command {
	var (
		dir      string
		olderStr string
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove finished archives past their retention period",
		Example: `  batchpress cache sweep --dir artifacts --older-than 168h
  batchpress cache sweep --dir artifacts --older-than 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			maxAge, err := time.ParseDuration(olderStr)
			if err != nil {
				return fmt.Errorf("invalid --older-than duration: %w", err)
			}
			removed, err := sweepArtifacts(dir, maxAge)
			if err != nil {
				return err
			}
			printSuccess("Removed %d expired archives", removed)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "artifacts", "archive output directory")
	cmd.Flags().StringVar(&olderStr, "older-than", "168h", "remove archives older than this duration")

	return cmd
}
