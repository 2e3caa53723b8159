// Package cli implements the pomegrade command-line interface.
package cli

import (
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/Brownie44l1/pomegrade/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "pomegrade",
	Short: "Ripe/overripe fruit classifier tooling",
	Long: `pomegrade inspects and validates labelled image splits, writes the model
metadata consumed at inference time, evaluates exported models and serves
the prediction API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("POMEGRADE_CONFIG"),
		"Path to a TOML config file (env: POMEGRADE_CONFIG)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(datasetCmd)
	rootCmd.AddCommand(metadataCmd)
	rootCmd.AddCommand(evaluateCmd)
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// newProgressBar reports per-image progress on the command's error stream.
func newProgressBar(cmd *cobra.Command, total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(cmd.ErrOrStderr()),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("images"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		progressbar.OptionOnCompletion(func() { cmd.PrintErrln() }),
	)
}
