// Diagnostd is the vehicle failure diagnostics daemon.
//
// It serves the matching, confidence, import, and pattern-detection
// API over HTTP and runs the event pump and the scheduled pattern
// detector in the background.
//
// Usage:
//
//	# Start with defaults (in-memory storage, port 8420)
//	diagnostd serve
//
//	# Start against a config file
//	diagnostd serve --config /etc/diagnostd/config.yaml
//
//	# Override via environment
//	DIAGNOSTD_SERVER_PORT=9000 diagnostd serve
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "diagnostd",
	Short: "Vehicle failure diagnostics daemon",
	Long: `diagnostd matches vehicle failure reports against a knowledge base of
failure cards, adjusts card confidence from repair outcomes, detects
emerging failure patterns, and bulk-imports manufacturer failure data.`,
	Version: version,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("diagnostd %s (commit %s, built %s)\n", version, gitCommit, buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
