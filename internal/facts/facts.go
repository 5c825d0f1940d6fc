// Package facts parses raw analyzer output into typed facts. The analyzer
// emits one JSON record per line; records declare callables, per-callable
// taint pre/postconditions, and detected issues. The parser is streaming so
// that very large outputs never need to be held in memory as one document.
package facts

import (
	"encoding/json"

	"github.com/tracepost/tracepost/internal/intern"
)

// Direction says whether a condition describes taint entering a callable
// (a precondition, i.e. a sink-side fact) or leaving it (a postcondition,
// i.e. a source-side fact).
type Direction int

const (
	DirectionPre Direction = iota
	DirectionPost
)

func (d Direction) String() string {
	if d == DirectionPre {
		return "precondition"
	}
	return "postcondition"
}

// Fact is one typed record from the analyzer stream.
type Fact interface {
	// Raw returns the original record bytes, including any fields this
	// version does not understand. Carried through so unknown analyzer
	// fields survive a round trip.
	Raw() json.RawMessage
}

// CallableFact declares a callable by its stable textual signature.
type CallableFact struct {
	Signature intern.Handle
	File      intern.Handle
	Line      int

	raw json.RawMessage
}

func (f *CallableFact) Raw() json.RawMessage { return f.raw }

// ConditionFact is one taint condition documented for a callable: taint of
// the given kind enters (pre) or leaves (post) through the given port.
// Distance counts call hops from the true taint leaf; 0 means the callable
// itself is the origin or destination.
type ConditionFact struct {
	Callable    intern.Handle
	Direction   Direction
	Kind        intern.Handle
	Port        intern.Handle
	Distance    int
	Annotations []intern.Handle

	raw json.RawMessage
}

func (f *ConditionFact) Raw() json.RawMessage { return f.raw }

// CallFact is one call edge observed by the analyzer: caller invokes
// callee, passing through the given port (a parameter position or the
// return value).
type CallFact struct {
	Caller intern.Handle
	Callee intern.Handle
	Port   intern.Handle
	Line   int

	raw json.RawMessage
}

func (f *CallFact) Raw() json.RawMessage { return f.raw }

// IssueFact is an analyzer-reported source-reaches-sink finding at a
// callable. Trace construction happens later; the fact only names the
// endpoint kinds involved.
type IssueFact struct {
	Callable    intern.Handle
	SourceKinds []intern.Handle
	SinkKinds   []intern.Handle
	Message     intern.Handle
	Code        intern.Handle
	File        intern.Handle
	Line        int

	raw json.RawMessage
}

func (f *IssueFact) Raw() json.RawMessage { return f.raw }

// MetadataFact carries opaque run metadata embedded in the stream. The
// pipeline stores it unchanged; nothing in the core interprets it.
type MetadataFact struct {
	Fields map[string]string

	raw json.RawMessage
}

func (f *MetadataFact) Raw() json.RawMessage { return f.raw }

// UnknownFact preserves a record whose kind this version does not know.
// Unknown kinds are forward compatibility, not corruption; they pass
// through without data loss.
type UnknownFact struct {
	Kind string

	raw json.RawMessage
}

func (f *UnknownFact) Raw() json.RawMessage { return f.raw }
