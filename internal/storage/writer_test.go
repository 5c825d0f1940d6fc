package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracepost/tracepost/internal/facts"
	"github.com/tracepost/tracepost/internal/intern"
	"github.com/tracepost/tracepost/internal/model"
	"github.com/tracepost/tracepost/internal/pipeline"
	"github.com/tracepost/tracepost/internal/rundiff"
	"github.com/tracepost/tracepost/internal/trace"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// testRun builds a small complete run: get_param -> handler -> execute,
// one issue at handler with one forward and one backward frame.
func testRun(t *testing.T) *pipeline.Run {
	t.Helper()

	table := intern.NewTable()
	handler := table.Intern("app.handler")
	getParam := table.Intern("http.get_param")
	execute := table.Intern("db.execute")
	userInput := table.Intern("UserInput")
	sqlKind := table.Intern("SQL")
	ret := table.Intern("return")
	arg0 := table.Intern("arg0")
	msg := table.Intern("user input reaches SQL")
	file := table.Intern("app/handler.py")

	assembler := model.NewAssembler()
	assembler.AddCondition(&facts.ConditionFact{
		Callable: getParam, Direction: facts.DirectionPost, Kind: userInput, Port: ret, Distance: 0,
	})
	assembler.AddCondition(&facts.ConditionFact{
		Callable: execute, Direction: facts.DirectionPre, Kind: sqlKind, Port: arg0, Distance: 0,
	})
	models := assembler.Finalize()

	frames := trace.NewFrameTable()
	forward := frames.Share(trace.Frame{Caller: handler, Callee: getParam, Kind: userInput, Port: ret, Distance: 0})
	backward := frames.Share(trace.Frame{Caller: handler, Callee: execute, Kind: sqlKind, Port: arg0, Distance: 0})

	issue := &trace.Issue{
		Callable:    handler,
		SourceKinds: []intern.Handle{userInput},
		SinkKinds:   []intern.Handle{sqlKind},
		Message:     msg,
		File:        file,
		Line:        44,
		Forward:     []*trace.Frame{forward},
		Backward:    []*trace.Frame{backward},
		Handle:      "ih:test-handle-1",
	}

	table.Freeze()
	return &pipeline.Run{
		Meta: pipeline.Meta{
			JobID:      "job-1",
			Branch:     "main",
			Commit:     "abc123",
			Timestamp:  time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
			BucketSize: 10,
			Analyzer:   map[string]string{"analyzer": "pysa"},
		},
		Table:  table,
		Models: models,
		Frames: frames.All(),
		Issues: []*trace.Issue{issue},
		Diff: &rundiff.Result{
			ByHandle: map[string]rundiff.Status{"ih:test-handle-1": rundiff.StatusNew},
			Resolved: []string{"ih:gone-handle"},
		},
	}
}

func TestRunWriter_WriteAndReadBack(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	ctx := context.Background()

	w, err := NewRunWriter(db)
	require.NoError(t, err)

	runID, err := w.Write(ctx, testRun(t))
	require.NoError(t, err)
	require.Greater(t, runID, int64(0))

	counts, err := CountRunEntities(ctx, db, runID)
	require.NoError(t, err)
	assert.Equal(t, 2, counts["models"])
	assert.Equal(t, 2, counts["conditions"])
	assert.Equal(t, 2, counts["trace_frames"])
	assert.Equal(t, 1, counts["issues"])
	assert.Equal(t, 9, counts["shared_texts"])

	issues, err := LoadIssues(ctx, db, runID)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, "app.handler", issues[0].Callable)
	assert.Equal(t, "user input reaches SQL", issues[0].Message)
	assert.Equal(t, "app/handler.py", issues[0].File)
	assert.Equal(t, 44, issues[0].Line)
	assert.Equal(t, []string{"UserInput"}, issues[0].SourceKinds)
	assert.Equal(t, []string{"SQL"}, issues[0].SinkKinds)
	assert.Equal(t, "ih:test-handle-1", issues[0].Handle)
	assert.Equal(t, "new", issues[0].Status)
	assert.False(t, issues[0].Partial)
}

func TestRunWriter_SmallBatchesWriteEverything(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	ctx := context.Background()

	w, err := NewRunWriter(db, WithBatchSize(1))
	require.NoError(t, err)

	runID, err := w.Write(ctx, testRun(t))
	require.NoError(t, err)

	counts, err := CountRunEntities(ctx, db, runID)
	require.NoError(t, err)
	assert.Equal(t, 9, counts["shared_texts"], "batch size 1 must still write every row")
	assert.Equal(t, 2, counts["trace_frames"])
}

// failingAllocator fails after a fixed number of allocations, simulating a
// sink failure partway through a run's batches.
type failingAllocator struct {
	inner KeyAllocator
	left  int
}

var errAllocator = errors.New("allocator exhausted")

func (a *failingAllocator) Next(kind EntityKind) (int64, error) {
	if a.left <= 0 {
		return 0, errAllocator
	}
	a.left--
	return a.inner.Next(kind)
}

func TestRunWriter_MidWriteFailureLeavesNoPartialRun(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	ctx := context.Background()

	// Enough keys for the run row, the shared texts, and one model, then
	// failure while models are still being written.
	w, err := NewRunWriter(db, WithKeyAllocator(&failingAllocator{inner: NewCounterAllocator(), left: 11}))
	require.NoError(t, err)

	_, err = w.Write(ctx, testRun(t))
	require.Error(t, err)
	var perr *PersistenceTransactionError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, errAllocator)

	// The whole run must have rolled back.
	var runCount int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM runs").Scan(&runCount))
	assert.Zero(t, runCount)
	for _, table := range []string{"shared_texts", "models", "conditions", "trace_frames", "issues"} {
		var n int
		require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
		assert.Zero(t, n, "table %s must be empty after rollback", table)
	}
}

func TestRunWriter_KeysContinueAcrossWriters(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	ctx := context.Background()

	w1, err := NewRunWriter(db)
	require.NoError(t, err)
	first, err := w1.Write(ctx, testRun(t))
	require.NoError(t, err)

	// A fresh writer reseeds from the store and must not reuse keys.
	w2, err := NewRunWriter(db)
	require.NoError(t, err)
	second, err := w2.Write(ctx, testRun(t))
	require.NoError(t, err)

	assert.Greater(t, second, first)

	var distinctIssueIDs int
	require.NoError(t, db.QueryRow("SELECT COUNT(DISTINCT id) FROM issues").Scan(&distinctIssueIDs))
	assert.Equal(t, 2, distinctIssueIDs)
}

func TestRunWriter_ResolvedHandlesStored(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	ctx := context.Background()

	w, err := NewRunWriter(db)
	require.NoError(t, err)
	runID, err := w.Write(ctx, testRun(t))
	require.NoError(t, err)

	var handle string
	err = db.QueryRow("SELECT handle FROM resolved_issues WHERE run_id = ?", runID).Scan(&handle)
	require.NoError(t, err)
	assert.Equal(t, "ih:gone-handle", handle)
}

func TestPriorRunHandles(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	ctx := context.Background()

	prior := NewPriorRunHandles(db)

	// Empty store: no baseline.
	handles, err := prior.Enumerate(ctx)
	require.NoError(t, err)
	assert.Empty(t, handles)

	w, err := NewRunWriter(db)
	require.NoError(t, err)
	_, err = w.Write(ctx, testRun(t))
	require.NoError(t, err)

	handles, err = prior.Enumerate(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ih:test-handle-1"}, handles)
}
