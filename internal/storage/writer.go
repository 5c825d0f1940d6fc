package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/tracepost/tracepost/internal/facts"
	"github.com/tracepost/tracepost/internal/intern"
	"github.com/tracepost/tracepost/internal/pipeline"
	"github.com/tracepost/tracepost/internal/rundiff"
	"github.com/tracepost/tracepost/internal/trace"
)

// PersistenceTransactionError reports a failed run write. The transaction
// is rolled back before it surfaces; no partial run stays behind.
type PersistenceTransactionError struct {
	Stage string // which entity family was being written
	Err   error
}

func (e *PersistenceTransactionError) Error() string {
	return fmt.Sprintf("run persistence failed writing %s: %v", e.Stage, e.Err)
}

func (e *PersistenceTransactionError) Unwrap() error { return e.Err }

// DefaultBatchSize bounds rows per INSERT so that very large runs never
// materialize one giant statement.
const DefaultBatchSize = 500

// RunWriter writes finalized runs. It implements pipeline.Sink.
type RunWriter struct {
	db        *sql.DB
	keys      KeyAllocator
	batchSize int
}

// WriterOption configures a RunWriter.
type WriterOption func(*RunWriter)

// WithKeyAllocator substitutes the key allocation policy.
func WithKeyAllocator(keys KeyAllocator) WriterOption {
	return func(w *RunWriter) { w.keys = keys }
}

// WithBatchSize overrides the insert batch size.
func WithBatchSize(n int) WriterOption {
	return func(w *RunWriter) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// NewRunWriter creates a writer over an open run store. Without
// WithKeyAllocator it uses a monotonic counter seeded from the store.
func NewRunWriter(db *sql.DB, opts ...WriterOption) (*RunWriter, error) {
	w := &RunWriter{db: db, batchSize: DefaultBatchSize}
	for _, opt := range opts {
		opt(w)
	}
	if w.keys == nil {
		counter := NewCounterAllocator()
		if err := counter.SeedFromDB(db); err != nil {
			return nil, err
		}
		w.keys = counter
	}
	return w, nil
}

// Write persists the run in a single transaction and returns its key.
// Any failure rolls the whole run back.
func (w *RunWriter) Write(ctx context.Context, run *pipeline.Run) (int64, error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &PersistenceTransactionError{Stage: "begin", Err: err}
	}
	defer tx.Rollback() // Safe to call even after commit

	runID, err := w.writeRun(ctx, tx, run)
	if err != nil {
		return 0, err
	}
	if err := w.writeSharedTexts(ctx, tx, runID, run.Table); err != nil {
		return 0, err
	}
	if err := w.writeModels(ctx, tx, runID, run); err != nil {
		return 0, err
	}
	if err := w.writeFrames(ctx, tx, runID, run.Frames); err != nil {
		return 0, err
	}
	if err := w.writeIssues(ctx, tx, runID, run); err != nil {
		return 0, err
	}
	if err := w.writeResolved(ctx, tx, runID, run); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, &PersistenceTransactionError{Stage: "commit", Err: err}
	}
	return runID, nil
}

func (w *RunWriter) writeRun(ctx context.Context, tx *sql.Tx, run *pipeline.Run) (int64, error) {
	runID, err := w.keys.Next(EntityRun)
	if err != nil {
		return 0, &PersistenceTransactionError{Stage: "runs", Err: err}
	}

	analyzerMeta, err := json.Marshal(run.Meta.Analyzer)
	if err != nil {
		return 0, &PersistenceTransactionError{Stage: "runs", Err: err}
	}
	newCount, existingCount := 0, 0
	if run.Diff != nil {
		newCount, existingCount = run.Diff.Counts()
	}

	_, err = sq.Insert("runs").
		Columns("id", "job_id", "branch", "commit_hash", "differential_id", "timestamp",
			"bucket_size", "store_unused_models", "analyzer_metadata", "new_count", "existing_count").
		Values(runID, run.Meta.JobID, run.Meta.Branch, run.Meta.Commit, run.Meta.DifferentialID,
			run.Meta.Timestamp.UTC().Format(time.RFC3339), run.Meta.BucketSize,
			run.Meta.StoreUnusedModels, string(analyzerMeta), newCount, existingCount).
		RunWith(tx).ExecContext(ctx)
	if err != nil {
		return 0, &PersistenceTransactionError{Stage: "runs", Err: err}
	}
	return runID, nil
}

func (w *RunWriter) writeSharedTexts(ctx context.Context, tx *sql.Tx, runID int64, table *intern.Table) error {
	batch := w.newBatch(tx, "shared_texts", "id", "run_id", "handle", "text")
	for _, entry := range table.All() {
		id, err := w.keys.Next(EntitySharedText)
		if err != nil {
			return &PersistenceTransactionError{Stage: "shared_texts", Err: err}
		}
		if err := batch.add(ctx, id, runID, entry.Handle, entry.Text); err != nil {
			return &PersistenceTransactionError{Stage: "shared_texts", Err: err}
		}
	}
	if err := batch.flush(ctx); err != nil {
		return &PersistenceTransactionError{Stage: "shared_texts", Err: err}
	}
	return nil
}

func (w *RunWriter) writeModels(ctx context.Context, tx *sql.Tx, runID int64, run *pipeline.Run) error {
	callables := make([]intern.Handle, 0, len(run.Models))
	for c := range run.Models {
		callables = append(callables, c)
	}
	sort.Slice(callables, func(i, j int) bool { return callables[i] < callables[j] })

	models := w.newBatch(tx, "models", "id", "run_id", "callable", "file", "line")
	conditions := w.newBatch(tx, "conditions",
		"id", "run_id", "callable", "direction", "kind", "port", "distance", "annotations")

	for _, callable := range callables {
		m := run.Models[callable]
		id, err := w.keys.Next(EntityModel)
		if err != nil {
			return &PersistenceTransactionError{Stage: "models", Err: err}
		}
		if err := models.add(ctx, id, runID, m.Callable, m.File, m.Line); err != nil {
			return &PersistenceTransactionError{Stage: "models", Err: err}
		}
		for _, dir := range []facts.Direction{facts.DirectionPre, facts.DirectionPost} {
			list := m.Pre
			name := "pre"
			if dir == facts.DirectionPost {
				list = m.Post
				name = "post"
			}
			for _, cond := range list {
				condID, err := w.keys.Next(EntityCondition)
				if err != nil {
					return &PersistenceTransactionError{Stage: "conditions", Err: err}
				}
				anns, err := json.Marshal(cond.Annotations)
				if err != nil {
					return &PersistenceTransactionError{Stage: "conditions", Err: err}
				}
				err = conditions.add(ctx, condID, runID, cond.Callable, name,
					cond.Kind, cond.Port, cond.Distance, string(anns))
				if err != nil {
					return &PersistenceTransactionError{Stage: "conditions", Err: err}
				}
			}
		}
	}
	if err := models.flush(ctx); err != nil {
		return &PersistenceTransactionError{Stage: "models", Err: err}
	}
	if err := conditions.flush(ctx); err != nil {
		return &PersistenceTransactionError{Stage: "conditions", Err: err}
	}
	return nil
}

func (w *RunWriter) writeFrames(ctx context.Context, tx *sql.Tx, runID int64, frames []*trace.Frame) error {
	batch := w.newBatch(tx, "trace_frames",
		"id", "run_id", "frame_id", "caller", "callee", "kind", "port", "distance")
	for _, f := range frames {
		id, err := w.keys.Next(EntityTraceFrame)
		if err != nil {
			return &PersistenceTransactionError{Stage: "trace_frames", Err: err}
		}
		if err := batch.add(ctx, id, runID, f.ID, f.Caller, f.Callee, f.Kind, f.Port, f.Distance); err != nil {
			return &PersistenceTransactionError{Stage: "trace_frames", Err: err}
		}
	}
	if err := batch.flush(ctx); err != nil {
		return &PersistenceTransactionError{Stage: "trace_frames", Err: err}
	}
	return nil
}

func (w *RunWriter) writeIssues(ctx context.Context, tx *sql.Tx, runID int64, run *pipeline.Run) error {
	issues := w.newBatch(tx, "issues",
		"id", "run_id", "callable", "message", "code", "file", "line",
		"source_kinds", "sink_kinds", "handle", "partial", "status")
	links := w.newBatch(tx, "issue_frames", "issue_id", "frame_id", "direction")

	for _, issue := range run.Issues {
		id, err := w.keys.Next(EntityIssue)
		if err != nil {
			return &PersistenceTransactionError{Stage: "issues", Err: err}
		}
		sources, err := json.Marshal(issue.SourceKinds)
		if err != nil {
			return &PersistenceTransactionError{Stage: "issues", Err: err}
		}
		sinks, err := json.Marshal(issue.SinkKinds)
		if err != nil {
			return &PersistenceTransactionError{Stage: "issues", Err: err}
		}
		status := rundiff.StatusNew
		if run.Diff != nil {
			if s, ok := run.Diff.ByHandle[issue.Handle]; ok {
				status = s
			}
		}
		err = issues.add(ctx, id, runID, issue.Callable, issue.Message, issue.Code,
			issue.File, issue.Line, string(sources), string(sinks),
			issue.Handle, issue.Partial, string(status))
		if err != nil {
			return &PersistenceTransactionError{Stage: "issues", Err: err}
		}

		for _, f := range issue.Forward {
			if err := links.add(ctx, id, f.ID, "forward"); err != nil {
				return &PersistenceTransactionError{Stage: "issue_frames", Err: err}
			}
		}
		for _, f := range issue.Backward {
			if err := links.add(ctx, id, f.ID, "backward"); err != nil {
				return &PersistenceTransactionError{Stage: "issue_frames", Err: err}
			}
		}
	}
	if err := issues.flush(ctx); err != nil {
		return &PersistenceTransactionError{Stage: "issues", Err: err}
	}
	if err := links.flush(ctx); err != nil {
		return &PersistenceTransactionError{Stage: "issue_frames", Err: err}
	}
	return nil
}

func (w *RunWriter) writeResolved(ctx context.Context, tx *sql.Tx, runID int64, run *pipeline.Run) error {
	if run.Diff == nil || len(run.Diff.Resolved) == 0 {
		return nil
	}
	batch := w.newBatch(tx, "resolved_issues", "run_id", "handle")
	for _, h := range run.Diff.Resolved {
		if err := batch.add(ctx, runID, h); err != nil {
			return &PersistenceTransactionError{Stage: "resolved_issues", Err: err}
		}
	}
	if err := batch.flush(ctx); err != nil {
		return &PersistenceTransactionError{Stage: "resolved_issues", Err: err}
	}
	return nil
}

// batchInserter accumulates VALUES rows and flushes a multi-row INSERT
// whenever the batch size is reached.
type batchInserter struct {
	tx      *sql.Tx
	base    sq.InsertBuilder
	current sq.InsertBuilder
	pending int
	limit   int
}

func (w *RunWriter) newBatch(tx *sql.Tx, table string, columns ...string) *batchInserter {
	base := sq.Insert(table).Columns(columns...)
	return &batchInserter{tx: tx, base: base, current: base, limit: w.batchSize}
}

func (b *batchInserter) add(ctx context.Context, values ...interface{}) error {
	b.current = b.current.Values(values...)
	b.pending++
	if b.pending >= b.limit {
		return b.flush(ctx)
	}
	return nil
}

func (b *batchInserter) flush(ctx context.Context) error {
	if b.pending == 0 {
		return nil
	}
	if _, err := b.current.RunWith(b.tx).ExecContext(ctx); err != nil {
		return err
	}
	b.current = b.base
	b.pending = 0
	return nil
}
