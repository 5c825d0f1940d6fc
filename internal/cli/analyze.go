package cli

import (
	"database/sql"
	"fmt"
	"io"
	"os"

	"github.com/gobwas/glob"
	"github.com/spf13/cobra"

	"github.com/tracepost/tracepost/internal/facts"
	"github.com/tracepost/tracepost/internal/pipeline"
	"github.com/tracepost/tracepost/internal/rundiff"
	"github.com/tracepost/tracepost/internal/storage"
)

var analyzeFlags struct {
	database          string
	previousRun       string
	previousHandles   string
	noPrevious        bool
	branch            string
	commit            string
	jobID             string
	differentialID    string
	maxDepth          int
	storeUnusedModels bool
	filters           []string
	quiet             bool
}

// analyzeCmd ingests one analyzer fact stream and stores the finished run.
var analyzeCmd = &cobra.Command{
	Use:   "analyze [facts-file]",
	Short: "Process an analyzer fact stream into a stored run",
	Long: `Analyze reads newline-delimited fact records from the given file (or
stdin when omitted or "-"), assembles models, builds and trims traces for
every reported issue, assigns stable issue handles, classifies issues
against the previous run, and writes everything as one transaction.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAnalyze,
}

func init() {
	rootCmd.AddCommand(analyzeCmd)

	analyzeCmd.Flags().StringVar(&analyzeFlags.database, "database", "", "run store path (overrides config)")
	analyzeCmd.Flags().StringVar(&analyzeFlags.previousRun, "previous-run", "", "previous run's fact stream to diff against")
	analyzeCmd.Flags().StringVar(&analyzeFlags.previousHandles, "previous-issue-handles", "", "file listing prior issue handles, one per line")
	analyzeCmd.Flags().BoolVar(&analyzeFlags.noPrevious, "no-previous-run", false, "skip the diff baseline; every issue is reported new")
	analyzeCmd.Flags().StringVar(&analyzeFlags.branch, "branch", "", "branch name recorded on the run")
	analyzeCmd.Flags().StringVar(&analyzeFlags.commit, "commit-hash", "", "commit hash recorded on the run")
	analyzeCmd.Flags().StringVar(&analyzeFlags.jobID, "job-id", "", "external job identifier (defaults to a generated UUID)")
	analyzeCmd.Flags().StringVar(&analyzeFlags.differentialID, "differential-id", "", "code review identifier recorded on the run")
	analyzeCmd.Flags().IntVar(&analyzeFlags.maxDepth, "max-depth", 0, "trace expansion depth bound (overrides config)")
	analyzeCmd.Flags().BoolVar(&analyzeFlags.storeUnusedModels, "store-unused-models", false, "retain models untouched by any trace")
	analyzeCmd.Flags().StringSliceVar(&analyzeFlags.filters, "filter", nil, "only process issues whose callable matches the glob (repeatable)")
	analyzeCmd.Flags().BoolVarP(&analyzeFlags.quiet, "quiet", "q", false, "suppress progress output")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if analyzeFlags.maxDepth > 0 {
		cfg.Trace.MaxDepth = analyzeFlags.maxDepth
	}
	if analyzeFlags.storeUnusedModels {
		cfg.Storage.StoreUnusedModels = true
	}
	cfg.Filters.Callables = append(cfg.Filters.Callables, analyzeFlags.filters...)
	for _, pattern := range analyzeFlags.filters {
		if _, err := glob.Compile(pattern); err != nil {
			return fmt.Errorf("invalid --filter pattern %q: %w", pattern, err)
		}
	}
	filter, err := cfg.CompileCallableFilter()
	if err != nil {
		return err
	}

	input, closeInput, err := openInput(args)
	if err != nil {
		return err
	}
	defer closeInput()

	db, err := storage.Open(databasePath(cfg.Storage.Path))
	if err != nil {
		return err
	}
	defer db.Close()

	writer, err := storage.NewRunWriter(db, storage.WithBatchSize(cfg.Storage.BatchSize))
	if err != nil {
		return err
	}

	opts := pipeline.Options{
		MaxDepth:          cfg.Trace.MaxDepth,
		BucketSize:        cfg.Identity.BucketSize,
		StoreUnusedModels: cfg.Storage.StoreUnusedModels,
		IssueFilter:       filter,
		Progress:          NewCLIProgressReporter(analyzeFlags.quiet),
	}

	prior, closePrior, err := priorSource(db, opts)
	if err != nil {
		return err
	}
	defer closePrior()
	meta := pipeline.Meta{
		JobID:          analyzeFlags.jobID,
		Branch:         analyzeFlags.branch,
		Commit:         analyzeFlags.commit,
		DifferentialID: analyzeFlags.differentialID,
	}

	run, err := pipeline.New(opts, writer, prior).Execute(cmd.Context(), input, meta)
	if err != nil {
		return err
	}

	printRunSummary(cmd.OutOrStdout(), run)
	return nil
}

// openInput resolves the fact stream argument; no argument or "-" means
// stdin.
func openInput(args []string) (io.Reader, func(), error) {
	if len(args) == 0 || args[0] == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(args[0])
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open facts file: %w", err)
	}
	return f, func() { f.Close() }, nil
}

// priorSource selects the diff baseline: a previous fact stream or an
// explicit handle list beats the stored previous run; --no-previous-run
// disables the baseline entirely.
func priorSource(db *sql.DB, opts pipeline.Options) (rundiff.PriorHandles, func(), error) {
	noop := func() {}
	switch {
	case analyzeFlags.noPrevious:
		return rundiff.Empty, noop, nil
	case analyzeFlags.previousRun != "":
		f, err := os.Open(analyzeFlags.previousRun)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open previous run: %w", err)
		}
		return pipeline.NewPriorRunStream(opts, f), func() { f.Close() }, nil
	case analyzeFlags.previousHandles != "":
		f, err := os.Open(analyzeFlags.previousHandles)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open handle list: %w", err)
		}
		defer f.Close()
		handles, err := facts.ReadHandleList(f)
		if err != nil {
			return nil, nil, err
		}
		return rundiff.HandleList(handles), noop, nil
	default:
		return storage.NewPriorRunHandles(db), noop, nil
	}
}

func printRunSummary(w io.Writer, run *pipeline.Run) {
	newCount, existingCount := run.Diff.Counts()
	fmt.Fprintf(w, "Run %s: %d issues (%d new, %d existing, %d resolved)\n",
		run.Meta.JobID, len(run.Issues), newCount, existingCount, len(run.Diff.Resolved))
	if len(run.Warnings) > 0 {
		fmt.Fprintf(w, "%d issue(s) have partial traces\n", len(run.Warnings))
	}
}

// databasePath applies the --database override.
func databasePath(configured string) string {
	if analyzeFlags.database != "" {
		return analyzeFlags.database
	}
	return configured
}
