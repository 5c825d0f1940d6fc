package pipeline

import (
	"context"
	"fmt"
	"io"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tracepost/tracepost/internal/facts"
	"github.com/tracepost/tracepost/internal/handle"
	"github.com/tracepost/tracepost/internal/intern"
	"github.com/tracepost/tracepost/internal/model"
	"github.com/tracepost/tracepost/internal/rundiff"
	"github.com/tracepost/tracepost/internal/trace"
)

// Stage names the pipeline stage an error surfaced from, so a failed run
// reports where it failed.
type Stage string

const (
	StageParse    Stage = "parse"
	StageAssemble Stage = "assemble"
	StageTrace    Stage = "trace"
	StageIdentity Stage = "identity"
	StageDiff     Stage = "diff"
	StagePersist  Stage = "persist"
)

// StageError wraps a stage failure with the stage that produced it.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Sink persists a finalized run as one transaction.
type Sink interface {
	Write(ctx context.Context, run *Run) (int64, error)
}

// ProgressReporter observes record ingestion. Wired to a progress bar by
// the CLI; nil disables reporting.
type ProgressReporter interface {
	OnRecord(index int)
	OnParsed(records, issues int)
}

// Options configure one pipeline execution.
type Options struct {
	// MaxDepth bounds trace expansion; <= 0 selects the default.
	MaxDepth int
	// BucketSize is the coarse location bucket width for issue handles;
	// <= 0 selects the default.
	BucketSize int
	// StoreUnusedModels retains models untouched by any issue's trace.
	StoreUnusedModels bool
	// Workers bounds per-issue parallelism; <= 0 selects NumCPU.
	Workers int
	// IssueFilter, when set, restricts processing to issues whose
	// callable signature it accepts.
	IssueFilter func(callable string) bool
	// Progress observes ingestion; may be nil.
	Progress ProgressReporter
}

// Pipeline executes the fact-assembly, trace, identity, diff, and persist
// stages over one analyzer output.
type Pipeline struct {
	opts  Options
	sink  Sink
	prior rundiff.PriorHandles
}

// New creates a pipeline. sink may be nil to skip persistence; prior may
// be nil, which means no baseline and therefore every issue is new.
func New(opts Options, sink Sink, prior rundiff.PriorHandles) *Pipeline {
	if prior == nil {
		prior = rundiff.Empty
	}
	return &Pipeline{opts: opts, sink: sink, prior: prior}
}

// Execute runs all stages and returns the finalized run. Per-issue trace
// problems become warnings on the run; structural problems (malformed
// input, handle collisions, persistence failures) abort with a StageError.
func (p *Pipeline) Execute(ctx context.Context, input io.Reader, meta Meta) (*Run, error) {
	if meta.JobID == "" {
		meta.JobID = uuid.New().String()
	}
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now().UTC()
	}
	if meta.BucketSize <= 0 {
		meta.BucketSize = p.opts.BucketSize
		if meta.BucketSize <= 0 {
			meta.BucketSize = handle.DefaultBucketSize
		}
	}
	meta.StoreUnusedModels = p.opts.StoreUnusedModels

	table := intern.NewTable()
	assembler := model.NewAssembler()
	var calls []trace.Call
	var issueFacts []*facts.IssueFact
	var unknown []*facts.UnknownFact

	sc := facts.NewScanner(input, table)
	for sc.Scan() {
		select {
		case <-ctx.Done():
			return nil, &StageError{Stage: StageParse, Err: ctx.Err()}
		default:
		}

		switch f := sc.Fact().(type) {
		case *facts.CallableFact:
			assembler.AddCallable(f)
		case *facts.ConditionFact:
			assembler.AddCondition(f)
		case *facts.CallFact:
			calls = append(calls, trace.Call{Caller: f.Caller, Callee: f.Callee, Port: f.Port, Line: f.Line})
		case *facts.IssueFact:
			if p.opts.IssueFilter != nil && !p.opts.IssueFilter(table.Lookup(f.Callable)) {
				continue
			}
			issueFacts = append(issueFacts, f)
		case *facts.MetadataFact:
			if meta.Analyzer == nil {
				meta.Analyzer = make(map[string]string)
			}
			for k, v := range f.Fields {
				meta.Analyzer[k] = v
			}
		case *facts.UnknownFact:
			log.Printf("[WARN] retaining unprocessed record of unknown kind %q at index %d", f.Kind, sc.Index())
			unknown = append(unknown, f)
		}
		if p.opts.Progress != nil {
			p.opts.Progress.OnRecord(sc.Index())
		}
	}
	if err := sc.Err(); err != nil {
		return nil, &StageError{Stage: StageParse, Err: err}
	}
	if p.opts.Progress != nil {
		p.opts.Progress.OnParsed(sc.Index()+1, len(issueFacts))
	}

	models := assembler.Finalize()
	// Assembly is over: models and interned text are immutable from here,
	// so issue workers share them without locking.
	table.Freeze()

	frames := trace.NewFrameTable()
	builder, err := trace.NewBuilder(models, calls, frames, p.opts.MaxDepth)
	if err != nil {
		return nil, &StageError{Stage: StageAssemble, Err: err}
	}

	issues := p.traceAndTrim(ctx, builder, issueFacts)
	if err := ctx.Err(); err != nil {
		return nil, &StageError{Stage: StageTrace, Err: err}
	}

	gen := handle.NewGenerator(table, meta.BucketSize)
	if err := gen.Assign(issues); err != nil {
		return nil, &StageError{Stage: StageIdentity, Err: err}
	}

	run := &Run{
		Meta:    meta,
		Table:   table,
		Models:  models,
		Issues:  issues,
		Unknown: unknown,
	}
	run.Frames = retainedFrames(issues)
	if !p.opts.StoreUnusedModels {
		run.Models = pruneModels(models, issues)
	}
	for i, issue := range issues {
		for _, w := range issue.Warnings {
			run.Warnings = append(run.Warnings, IssueWarning{IssueIndex: i, Warning: w})
		}
	}
	if len(run.Warnings) > 0 {
		log.Printf("[WARN] %d issue(s) have partial traces", len(run.Warnings))
	}

	diff, err := rundiff.Diff(ctx, run.CurrentHandles(), p.prior)
	if err != nil {
		return nil, &StageError{Stage: StageDiff, Err: err}
	}
	run.Diff = diff

	if p.sink != nil {
		if _, err := p.sink.Write(ctx, run); err != nil {
			return nil, &StageError{Stage: StagePersist, Err: err}
		}
	}
	return run, nil
}

// traceAndTrim resolves and trims issues on a bounded worker pool. Each
// issue touches only its own frames plus the read-only models and intern
// table, so workers need no shared locks beyond the frame table's own.
func (p *Pipeline) traceAndTrim(ctx context.Context, builder *trace.Builder, issueFacts []*facts.IssueFact) []*trace.Issue {
	workers := p.opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(issueFacts) {
		workers = len(issueFacts)
	}
	issues := make([]*trace.Issue, len(issueFacts))
	if len(issueFacts) == 0 {
		return nil
	}

	next := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range next {
				issue := builder.Trace(issueFacts[i])
				trace.Trim(issue)
				issues[i] = issue
			}
		}()
	}
	for i := range issueFacts {
		select {
		case <-ctx.Done():
			close(next)
			wg.Wait()
			return nil
		case next <- i:
		}
	}
	close(next)
	wg.Wait()
	return issues
}

// retainedFrames collects the frames still referenced after trimming, in
// canonical order.
func retainedFrames(issues []*trace.Issue) []*trace.Frame {
	seen := make(map[int64]bool)
	var frames []*trace.Frame
	for _, issue := range issues {
		for _, f := range issue.Forward {
			if !seen[f.ID] {
				seen[f.ID] = true
				frames = append(frames, f)
			}
		}
		for _, f := range issue.Backward {
			if !seen[f.ID] {
				seen[f.ID] = true
				frames = append(frames, f)
			}
		}
	}
	trace.SortFrames(frames)
	return frames
}

// pruneModels drops models untouched by any issue's retained trace.
func pruneModels(models map[intern.Handle]*model.Model, issues []*trace.Issue) map[intern.Handle]*model.Model {
	used := trace.UsedCallables(issues)
	pruned := make(map[intern.Handle]*model.Model, len(used))
	for callable, m := range models {
		if used[callable] {
			pruned[callable] = m
		}
	}
	return pruned
}
