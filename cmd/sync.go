package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var flagForce bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize memory files and session transcripts into the index",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		start := time.Now()
		stats, err := svc.Syncer().SyncAll(cmd.Context(), flagForce)
		if err != nil {
			return err
		}
		// The CLI has no later call to pick the backfill up; wait for the
		// background pass SyncAll started, then run one more pass here.
		svc.Syncer().Wait()
		svc.Syncer().EmbedPending(cmd.Context())

		fmt.Printf("Done in %s\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("  Indexed: %d\n  Skipped: %d\n  Deleted: %d\n",
			stats.Indexed, stats.Skipped, stats.Deleted)
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&flagForce, "force", false, "reindex files even when unchanged")
	rootCmd.AddCommand(syncCmd)
}
