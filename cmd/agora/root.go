package main

import (
	"os"

	"github.com/spf13/cobra"
)

// rootOptions holds flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
}

func defaultConfigPath() string {
	if p := os.Getenv("AGORA_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "agora",
		Short: "Run objective-driven conversations between AI agents",
		Long: "agora orchestrates turn-based conversations between configured agents, " +
			"grounding each turn in semantically retrieved history and persisting every session so it can be resumed.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath(), "Path to config.yaml (env: AGORA_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override logger.level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newRunCmd(opts),
		newResumeCmd(opts),
		newCancelCmd(opts),
		newShowCmd(opts),
		newSessionsCmd(opts),
		newSearchCmd(opts),
		newSummaryCmd(opts),
		newBackfillCmd(opts),
		newWatchCmd(opts),
		newDoctorCmd(opts),
	)
	return rootCmd
}
