// Package trace links per-callable models into a directed taint-flow graph
// and resolves each reported issue to its end-to-end source-to-sink traces.
//
// Traces descend the call graph away from the issue callable: the forward
// trace follows callees whose postconditions carry the issue's source kind
// until it reaches a distance-0 condition (the true source), the backward
// trace does the same over preconditions toward the true sink. Expansion is
// breadth-first with a depth cap and a visited set per (issue, kind), so
// recursive call graphs terminate.
package trace

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tracepost/tracepost/internal/intern"
)

// Frame is one call-edge step of taint propagation: caller invokes callee,
// and taint of Kind crosses through Port. Distance is the callee's hop
// count from the true taint leaf; 0 marks a leaf frame. Frames are shared
// by reference between the run's frame table and every issue trace that
// uses them, never duplicated.
type Frame struct {
	ID       int64
	Caller   intern.Handle
	Callee   intern.Handle
	Kind     intern.Handle
	Port     intern.Handle
	Distance int
}

type frameKey struct {
	caller, callee, kind, port intern.Handle
	distance                   int
}

// FrameTable deduplicates frames across issues, insert-if-absent under a
// single lock in the same shape as the intern table.
type FrameTable struct {
	mu     sync.Mutex
	frames map[frameKey]*Frame
	all    []*Frame
}

// NewFrameTable creates an empty frame table.
func NewFrameTable() *FrameTable {
	return &FrameTable{frames: make(map[frameKey]*Frame)}
}

// Share returns the run's shared frame equal to f, inserting it if absent.
func (t *FrameTable) Share(f Frame) *Frame {
	key := frameKey{f.Caller, f.Callee, f.Kind, f.Port, f.Distance}
	t.mu.Lock()
	defer t.mu.Unlock()
	if shared, ok := t.frames[key]; ok {
		return shared
	}
	shared := &Frame{
		ID:       int64(len(t.all) + 1),
		Caller:   f.Caller,
		Callee:   f.Callee,
		Kind:     f.Kind,
		Port:     f.Port,
		Distance: f.Distance,
	}
	t.frames[key] = shared
	t.all = append(t.all, shared)
	return shared
}

// All returns every shared frame in insertion order.
func (t *FrameTable) All() []*Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Frame(nil), t.all...)
}

// Len returns the number of shared frames.
func (t *FrameTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.all)
}

// DanglingReferenceWarning records a trace that could not be completed
// because it references a callable or leaf absent from this run. The issue
// keeps its partial trace; the run continues.
type DanglingReferenceWarning struct {
	Callable intern.Handle
	Kind     intern.Handle
	Reason   string
}

// Describe renders the warning with interned text resolved.
func (w DanglingReferenceWarning) Describe(table *intern.Table) string {
	return fmt.Sprintf("callable %q, kind %q: %s",
		table.Lookup(w.Callable), table.Lookup(w.Kind), w.Reason)
}

// Issue is one finding with its resolved traces. Forward frames connect
// the true source to the issue callable; backward frames connect the issue
// callable to the true sink. Both may hold multiple distinct paths until
// trimming reduces them to the minimal complete subgraph.
type Issue struct {
	Callable    intern.Handle
	SourceKinds []intern.Handle
	SinkKinds   []intern.Handle
	Message     intern.Handle
	Code        intern.Handle
	File        intern.Handle
	Line        int

	Forward  []*Frame
	Backward []*Frame

	// Partial marks an issue whose trace never reached a true leaf for at
	// least one of its kinds.
	Partial  bool
	Warnings []DanglingReferenceWarning

	// Handle is the stable cross-run identity, filled in by the identity
	// generator after trimming.
	Handle string
}

// SortFrames orders a frame slice canonically (by caller, callee, kind,
// port, distance). Used before persistence and in set comparisons so that
// goroutine scheduling never changes observable output.
func SortFrames(frames []*Frame) {
	sort.Slice(frames, func(i, j int) bool {
		a, b := frames[i], frames[j]
		if a.Caller != b.Caller {
			return a.Caller < b.Caller
		}
		if a.Callee != b.Callee {
			return a.Callee < b.Callee
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Port != b.Port {
			return a.Port < b.Port
		}
		return a.Distance < b.Distance
	})
}
