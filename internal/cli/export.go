package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tracepost/tracepost/internal/export"
	"github.com/tracepost/tracepost/internal/storage"
)

var exportFlags struct {
	database string
	run      int64
	format   string
	output   string
}

// exportCmd renders a stored run in an external report format.
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export a stored run as a SARIF report",
	Args:  cobra.NoArgs,
	RunE:  runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringVar(&exportFlags.database, "database", "", "run store path (overrides config)")
	exportCmd.Flags().Int64Var(&exportFlags.run, "run", 0, "run to export (defaults to the latest)")
	exportCmd.Flags().StringVar(&exportFlags.format, "format", "sarif", "output format (sarif)")
	exportCmd.Flags().StringVarP(&exportFlags.output, "output", "o", "", "output file (defaults to stdout)")
}

func runExport(cmd *cobra.Command, args []string) error {
	if exportFlags.format != "sarif" {
		return fmt.Errorf("unsupported export format %q", exportFlags.format)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := cfg.Storage.Path
	if exportFlags.database != "" {
		path = exportFlags.database
	}

	db, err := storage.Open(path)
	if err != nil {
		return err
	}
	defer db.Close()

	runID := exportFlags.run
	if runID == 0 {
		if runID, err = storage.LatestRunID(cmd.Context(), db); err != nil {
			return err
		}
		if runID == 0 {
			return fmt.Errorf("run store %s holds no runs", path)
		}
	}

	issues, err := storage.LoadIssues(cmd.Context(), db, runID)
	if err != nil {
		return err
	}

	var out io.Writer = cmd.OutOrStdout()
	if exportFlags.output != "" {
		f, err := os.Create(exportFlags.output)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	return export.WriteSARIF(out, issues)
}
