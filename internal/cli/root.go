// Package cli implements the tracepost command line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tracepost/tracepost/internal/config"
)

var (
	configRoot string
	verbose    bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tracepost",
	Short: "Tracepost - post-process static taint analysis results",
	Long: `Tracepost ingests the raw fact stream a static taint analyzer emits,
assembles callable models, reconstructs source and sink traces for each
reported issue, assigns issues a stable identity across runs, and stores
the finished run in a local SQLite database for diffing and export.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configRoot, "config-root", ".", "directory containing .tracepost/config.yml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// loadConfig loads configuration from the configured root directory.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfigFromDir(configRoot)
	if err != nil {
		return nil, err
	}
	if verbose {
		fmt.Fprintf(os.Stderr, "Using config root: %s\n", configRoot)
	}
	return cfg, nil
}
