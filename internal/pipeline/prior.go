package pipeline

import (
	"context"
	"io"

	"github.com/tracepost/tracepost/internal/rundiff"
)

// PriorRunStream derives the diff baseline from a previous run's raw fact
// stream by executing the same stages over it, without persisting. Handles
// are deterministic, so re-deriving them from the prior stream yields
// exactly the set the prior run would have stored.
type PriorRunStream struct {
	opts  Options
	input io.Reader
}

// NewPriorRunStream wraps a previous run's fact stream as a baseline
// source. The options must match the current run's bucket size, or the
// handles will not line up.
func NewPriorRunStream(opts Options, input io.Reader) *PriorRunStream {
	opts.Progress = nil
	return &PriorRunStream{opts: opts, input: input}
}

// Enumerate runs the pipeline over the prior stream and returns its issue
// handles.
func (p *PriorRunStream) Enumerate(ctx context.Context) ([]string, error) {
	run, err := New(p.opts, nil, rundiff.Empty).Execute(ctx, p.input, Meta{})
	if err != nil {
		return nil, err
	}
	return run.CurrentHandles(), nil
}
