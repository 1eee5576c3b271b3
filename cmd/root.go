package cmd

import (
	"log/slog"
	"os"

	"recall/internal/config"
	"recall/internal/service"

	"github.com/spf13/cobra"
)

var (
	flagWorkspace string
	flagProfile   string
	flagOllama    string
	flagModel     string
	flagVerbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "recall",
	Short: "Local memory search for coding assistants",
	Long: `recall indexes your memory notes and session transcripts into a local
hybrid search index and serves them to a host CLI over stdio.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// stdout carries RPC frames in serve mode; all logging goes to stderr.
		level := slog.LevelInfo
		if flagVerbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagWorkspace, "workspace", "", "workspace root (default $MEMORY_WORKSPACE or ~/.copilot)")
	rootCmd.PersistentFlags().StringVar(&flagProfile, "profile", "copilot", "host profile: copilot or claude")
	rootCmd.PersistentFlags().StringVar(&flagOllama, "ollama", "", "ollama base URL (default http://localhost:11434)")
	rootCmd.PersistentFlags().StringVar(&flagModel, "model", "", "embedding model (default nomic-embed-text)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
}

// openService resolves the configuration and assembles the core.
func openService() (*service.Service, error) {
	cfg, err := config.Load(flagWorkspace, flagProfile)
	if err != nil {
		return nil, err
	}
	if flagOllama != "" {
		cfg.Embedding.BaseURL = flagOllama
	}
	if flagModel != "" {
		cfg.Embedding.Model = flagModel
	}
	return service.Open(cfg, slog.Default())
}
