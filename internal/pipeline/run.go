// Package pipeline wires the post-processing stages over one analyzer
// output: parse facts, assemble models, build and trim traces, assign
// stable identities, diff against the previous run, persist.
package pipeline

import (
	"time"

	"github.com/tracepost/tracepost/internal/facts"
	"github.com/tracepost/tracepost/internal/intern"
	"github.com/tracepost/tracepost/internal/model"
	"github.com/tracepost/tracepost/internal/rundiff"
	"github.com/tracepost/tracepost/internal/trace"
)

// Meta is opaque run metadata supplied by the caller and stored alongside
// the run unchanged. The core never interprets these fields.
type Meta struct {
	JobID          string
	Branch         string
	Commit         string
	DifferentialID string
	Timestamp      time.Time

	// BucketSize and StoreUnusedModels record the policies this run was
	// produced under, so later consumers can reject incompatible diffs.
	BucketSize        int
	StoreUnusedModels bool

	// Analyzer carries fields from metadata records in the fact stream.
	Analyzer map[string]string
}

// IssueWarning ties a per-issue trace warning to its issue for the run
// report.
type IssueWarning struct {
	IssueIndex int
	Warning    trace.DanglingReferenceWarning
}

// Run is one complete pipeline execution: every model, frame, and issue
// assembled from one analyzer output. The run exclusively owns its
// entities; nothing outlives it except what the sink persists.
type Run struct {
	Meta   Meta
	Table  *intern.Table
	Models map[intern.Handle]*model.Model
	// Frames holds the retained frames after trimming, in canonical
	// order.
	Frames   []*trace.Frame
	Issues   []*trace.Issue
	Warnings []IssueWarning
	Diff     *rundiff.Result

	// Unknown holds records of kinds this version does not process, raw
	// bytes intact, so newer analyzers lose nothing passing through.
	Unknown []*facts.UnknownFact
}

// CurrentHandles returns the handle of every issue in the run.
func (r *Run) CurrentHandles() []string {
	handles := make([]string, len(r.Issues))
	for i, issue := range r.Issues {
		handles[i] = issue.Handle
	}
	return handles
}
