package main

import (
	"github.com/spf13/cobra"

	"github.com/medscan/medscan/internal/api"
	"github.com/medscan/medscan/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "medscan",
	Short: "Medical image AI processing pipeline",
	Long: `Medscan orchestrates AI analysis of uploaded medical scans.

Each uploaded image moves through an ordered pipeline:
  - Segmentation with a hosted inference model
  - Vision-language conversion into a textual description
  - Guideline-grounded report enhancement

The server tracks every job's lifecycle, retries transient stage
failures with circuit breaking, and streams live status updates to
connected observers.`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.medscan/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "medscan home directory (default: ~/.medscan)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)

	// Set output format before any command runs
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		api.SetOutputFormat(outputFormat)
	}

	rootCmd.AddCommand(versionCmd)
}
