// Package cli implements the polyport command line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// jsonOutput switches command results to JSON format.
	jsonOutput bool

	// Version is injected during build
	Version = "dev"
	// Commit is injected during build
	Commit = "none"
	// BuildDate is injected during build
	BuildDate = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "polyport",
	Short: "polyport is a single-port multi-protocol server",
	Long: `polyport hosts multiple wire protocols behind one TCP port. Each new
connection is sniffed without consuming bytes: TLS and gzip wrapper layers
are unwrapped recursively, then the inner protocol is detected and its
pipeline installed. Decoded messages are routed by priority-ordered
listeners through a pluggable queueing strategy.

Configuration can be provided via flags or a YAML configuration file.`,
	SilenceUsage:  true,
	SilenceErrors: true, // We handle errors in Execute()
}

// Execute runs the root command. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output command results in JSON format")
}
