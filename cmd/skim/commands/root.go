// Package commands implements the skim CLI using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "skim",
		Short: "skim - daily chat digest bot",
		Long: `skim tracks the channels you care about, classifies mentions, broadcasts,
and unanswered questions, and delivers a summarized digest every day at the
time you choose.

Examples:
  skim setup
  skim serve --config ./config.yaml
  skim digest --team T1 --user U1`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newSetupCmd(),
		newDigestCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "config.yaml", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
