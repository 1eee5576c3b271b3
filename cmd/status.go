package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var flagStatusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index health and configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		resp, err := svc.Status(cmd.Context())
		if err != nil {
			return err
		}

		if flagStatusJSON {
			return json.NewEncoder(os.Stdout).Encode(resp)
		}

		fmt.Println(titleStyle.Render("recall status"))
		fmt.Printf("  Workspace: %s\n", resp.WorkspaceDir)
		fmt.Printf("  Database:  %s\n", resp.DBPath)
		fmt.Printf("  Files:     %d (%d memory, %d sessions)\n", resp.Files, resp.MemoryFiles, resp.SessionFiles)
		fmt.Printf("  Chunks:    %d (%d embedded, %d cached)\n", resp.Chunks, resp.EmbeddedChunks, resp.EmbeddingCache)
		fmt.Printf("  Config:    chunkSize=%d tokenMax=%d sessionDays=%d sessionMax=%d\n",
			resp.Config.ChunkSize, resp.Config.TokenMax, resp.Config.SessionDays, resp.Config.SessionMax)
		fmt.Printf("  Backends:  fts=%v vec=%v model=%s\n",
			resp.Config.FTSAvailable, resp.Config.VecAvailable, resp.Config.EmbeddingModel)
		if resp.LastSyncAt != "" {
			fmt.Printf("  Last sync: %s\n", resp.LastSyncAt)
		}
		for _, w := range resp.Warnings {
			fmt.Println("  " + warnStyle.Render("warning: "+w))
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&flagStatusJSON, "json", false, "print raw JSON")
	rootCmd.AddCommand(statusCmd)
}
