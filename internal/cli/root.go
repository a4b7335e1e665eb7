// Package cli implements the scribe command-line interface using Cobra.
// Each subcommand maps to one engine operation; serve and watch run until
// interrupted.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagConfig   string
	flagFormat   string
	flagLogLevel string
	flagDB       string
	flagMemory   bool
)

var rootCmd = &cobra.Command{
	Use:   "scribe",
	Short: "scribe - linguistic fingerprinting and authorship analysis",
	Long: `scribe extracts stylometric fingerprints from text, maintains per-author
baselines, attributes unattributed samples to known authors, flags samples
that deviate from an author's baseline and finds coordinated account
networks.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagConfig, "config", "c", "", "config file (default: platform config dir)")
	pf.StringVarP(&flagFormat, "format", "f", "text", "output format: text, markdown or json")
	pf.StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn or error (overrides config)")
	pf.StringVar(&flagDB, "db", "", "database path (overrides config)")
	pf.BoolVar(&flagMemory, "memory", false, "keep profiles in memory only")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}
