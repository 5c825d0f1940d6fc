package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tracepost/tracepost/internal/storage"
)

var diffFlags struct {
	database string
	run      int64
	onlyNew  bool
}

// diffCmd reports a stored run's issues with their new/existing status.
var diffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Show a stored run's issues classified against its baseline",
	Long: `Diff lists the issues of a stored run (the latest by default) with the
status each issue was classified with when the run was analyzed: new
issues absent from the baseline run, or existing issues carried over.`,
	Args: cobra.NoArgs,
	RunE: runDiff,
}

func init() {
	rootCmd.AddCommand(diffCmd)

	diffCmd.Flags().StringVar(&diffFlags.database, "database", "", "run store path (overrides config)")
	diffCmd.Flags().Int64Var(&diffFlags.run, "run", 0, "run to show (defaults to the latest)")
	diffCmd.Flags().BoolVar(&diffFlags.onlyNew, "new", false, "only show new issues")
}

func runDiff(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := cfg.Storage.Path
	if diffFlags.database != "" {
		path = diffFlags.database
	}

	db, err := storage.Open(path)
	if err != nil {
		return err
	}
	defer db.Close()

	runID := diffFlags.run
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

	printDiff(cmd.OutOrStdout(), runID, issues, diffFlags.onlyNew)
	return nil
}

func printDiff(w io.Writer, runID int64, issues []storage.StoredIssue, onlyNew bool) {
	var newCount, existingCount int
	for _, issue := range issues {
		if issue.Status == "new" {
			newCount++
		} else {
			existingCount++
		}
		if onlyNew && issue.Status != "new" {
			continue
		}
		fmt.Fprintf(w, "%-8s %s %s -> %s at %s:%d (%s)\n",
			issue.Status, issue.Handle,
			strings.Join(issue.SourceKinds, "+"), strings.Join(issue.SinkKinds, "+"),
			issue.File, issue.Line, issue.Callable)
	}
	fmt.Fprintf(w, "Run %d: %d issues (%d new, %d existing)\n",
		runID, len(issues), newCount, existingCount)
}
