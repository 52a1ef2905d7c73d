// Package main provides the retour command: the HTTP API, the worker pool
// and the operational tools of the pipeline orchestration engine.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "retour",
	Short: "RE-TOUR pipeline orchestration engine",
	Long: `RE-TOUR drives floor-plan-to-panorama runs through their phases, gates every
step output with QA, learns review policy from human feedback and exposes
the whole lifecycle over HTTP.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file (RETOUR_* environment variables override it)")
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
