package trace

import (
	"fmt"
	"sort"

	"github.com/dominikbraun/graph"

	"github.com/tracepost/tracepost/internal/facts"
	"github.com/tracepost/tracepost/internal/intern"
	"github.com/tracepost/tracepost/internal/model"
)

// Call is one call edge from the fact stream.
type Call struct {
	Caller intern.Handle
	Callee intern.Handle
	Port   intern.Handle
	Line   int
}

// DefaultMaxDepth bounds breadth-first trace expansion. Cycles are cut by
// the visited set; the depth cap additionally bounds pathological chains.
const DefaultMaxDepth = 10

// Builder resolves issues against the assembled models and call graph.
// After construction it is read-only, so distinct issues may be traced
// concurrently.
type Builder struct {
	models   map[intern.Handle]*model.Model
	callees  map[intern.Handle][]intern.Handle
	callers  map[intern.Handle][]intern.Handle
	ports    map[[2]intern.Handle][]Call
	frames   *FrameTable
	maxDepth int
}

// NewBuilder indexes models and call edges for trace construction.
func NewBuilder(models map[intern.Handle]*model.Model, calls []Call, frames *FrameTable, maxDepth int) (*Builder, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	g := graph.New(func(h intern.Handle) intern.Handle { return h }, graph.Directed())
	for callable := range models {
		_ = g.AddVertex(callable)
	}
	ports := make(map[[2]intern.Handle][]Call)
	for _, c := range calls {
		_ = g.AddVertex(c.Caller)
		_ = g.AddVertex(c.Callee)
		if err := g.AddEdge(c.Caller, c.Callee); err != nil && err != graph.ErrEdgeAlreadyExists {
			return nil, fmt.Errorf("failed to add call edge: %w", err)
		}
		key := [2]intern.Handle{c.Caller, c.Callee}
		ports[key] = append(ports[key], c)
	}

	adjacency, err := g.AdjacencyMap()
	if err != nil {
		return nil, fmt.Errorf("failed to build adjacency map: %w", err)
	}
	predecessors, err := g.PredecessorMap()
	if err != nil {
		return nil, fmt.Errorf("failed to build predecessor map: %w", err)
	}

	return &Builder{
		models:   models,
		callees:  sortedNeighbors(adjacency),
		callers:  sortedNeighbors(predecessors),
		ports:    ports,
		frames:   frames,
		maxDepth: maxDepth,
	}, nil
}

// sortedNeighbors flattens an adjacency map into sorted neighbor lists so
// expansion order (and therefore frame insertion order) does not depend
// on map iteration.
func sortedNeighbors(adjacency map[intern.Handle]map[intern.Handle]graph.Edge[intern.Handle]) map[intern.Handle][]intern.Handle {
	neighbors := make(map[intern.Handle][]intern.Handle, len(adjacency))
	for node, edges := range adjacency {
		if len(edges) == 0 {
			continue
		}
		ns := make([]intern.Handle, 0, len(edges))
		for neighbor := range edges {
			ns = append(ns, neighbor)
		}
		sort.Slice(ns, func(i, j int) bool { return ns[i] < ns[j] })
		neighbors[node] = ns
	}
	return neighbors
}

// Trace resolves one issue fact into an Issue with forward (source side)
// and backward (sink side) traces. Incomplete traces are recorded as
// partial with a warning; they never abort the run.
func (b *Builder) Trace(f *facts.IssueFact) *Issue {
	issue := &Issue{
		Callable:    f.Callable,
		SourceKinds: append([]intern.Handle(nil), f.SourceKinds...),
		SinkKinds:   append([]intern.Handle(nil), f.SinkKinds...),
		Message:     f.Message,
		Code:        f.Code,
		File:        f.File,
		Line:        f.Line,
	}

	// A callable known only through call edges is still part of this run;
	// dangling means the run has never heard of it at all.
	if !b.knownCallable(f.Callable) {
		issue.Partial = true
		issue.Warnings = append(issue.Warnings, DanglingReferenceWarning{
			Callable: f.Callable,
			Reason:   "issue callable has no model or call edge in this run",
		})
	}

	for _, kind := range issue.SourceKinds {
		frames, complete := b.expand(f.Callable, kind, facts.DirectionPost)
		issue.Forward = append(issue.Forward, frames...)
		if !complete {
			issue.Partial = true
			issue.Warnings = append(issue.Warnings, DanglingReferenceWarning{
				Callable: f.Callable,
				Kind:     kind,
				Reason:   fmt.Sprintf("no source leaf reached within depth %d", b.maxDepth),
			})
		}
	}
	for _, kind := range issue.SinkKinds {
		frames, complete := b.expand(f.Callable, kind, facts.DirectionPre)
		issue.Backward = append(issue.Backward, frames...)
		if !complete {
			issue.Partial = true
			issue.Warnings = append(issue.Warnings, DanglingReferenceWarning{
				Callable: f.Callable,
				Kind:     kind,
				Reason:   fmt.Sprintf("no sink leaf reached within depth %d", b.maxDepth),
			})
		}
	}
	return issue
}

type nodeDepth struct {
	node  intern.Handle
	depth int
}

// expand walks breadth-first from root toward taint leaves. Sink-side
// (precondition) expansion descends into callees that consume the kind;
// source-side (postcondition) expansion ascends into callers that produce
// it, since the source arrives at the issue callable through its callers'
// arguments. The visited set cuts cycles; completeness means a distance-0
// condition was reached.
func (b *Builder) expand(root, kind intern.Handle, dir facts.Direction) ([]*Frame, bool) {
	var out []*Frame
	complete := b.hasLeaf(root, kind, dir)

	neighbors := b.callees
	if dir == facts.DirectionPost {
		neighbors = b.callers
	}

	visited := map[intern.Handle]bool{root: true}
	queue := []nodeDepth{{root, 0}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= b.maxDepth {
			continue
		}
		for _, next := range neighbors[cur.node] {
			caller, callee := cur.node, next
			if dir == facts.DirectionPost {
				caller, callee = next, cur.node
			}
			calls := b.ports[[2]intern.Handle{caller, callee}]
			for _, cond := range b.conditions(next, kind, dir) {
				if !portsCompatible(calls, cond, dir) {
					continue
				}
				fr := b.frames.Share(Frame{
					Caller:   caller,
					Callee:   callee,
					Kind:     kind,
					Port:     cond.Port,
					Distance: cond.Distance,
				})
				out = append(out, fr)
				if cond.Distance == 0 {
					complete = true
				}
				if !visited[next] {
					visited[next] = true
					queue = append(queue, nodeDepth{next, cur.depth + 1})
				}
			}
		}
	}
	return out, complete
}

// conditions returns a callable's merged conditions for kind in the given
// direction, in the deterministic order the assembler produced.
func (b *Builder) conditions(callable, kind intern.Handle, dir facts.Direction) []model.Condition {
	m, ok := b.models[callable]
	if !ok {
		return nil
	}
	var conds []model.Condition
	list := m.Pre
	if dir == facts.DirectionPost {
		list = m.Post
	}
	for _, c := range list {
		if c.Kind == kind {
			conds = append(conds, c)
		}
	}
	return conds
}

// portsCompatible checks the call-site port against the callee condition
// port. Sink-side taint crosses through a call argument, so a documented
// call port must match the precondition port. Source-side taint returns
// out of the callee; call arguments put no constraint on it.
func portsCompatible(calls []Call, cond model.Condition, dir facts.Direction) bool {
	if dir == facts.DirectionPost {
		return true
	}
	for _, c := range calls {
		if c.Port == intern.None || c.Port == cond.Port {
			return true
		}
	}
	return len(calls) == 0
}

// hasLeaf reports whether the callable's own model carries a distance-0
// condition for the kind, making it the trace's true leaf with no frames.
func (b *Builder) hasLeaf(callable, kind intern.Handle, dir facts.Direction) bool {
	m, ok := b.models[callable]
	if !ok {
		return false
	}
	list := m.Pre
	if dir == facts.DirectionPost {
		list = m.Post
	}
	for _, c := range list {
		if c.Kind == kind && c.Distance == 0 {
			return true
		}
	}
	return false
}

// knownCallable reports whether this run mentions the callable anywhere: a
// model, or either side of a call edge.
func (b *Builder) knownCallable(c intern.Handle) bool {
	if _, ok := b.models[c]; ok {
		return true
	}
	if _, ok := b.callees[c]; ok {
		return true
	}
	_, ok := b.callers[c]
	return ok
}
