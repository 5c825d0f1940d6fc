// Package model assembles per-callable taint models from the parsed fact
// stream. A Model aggregates every condition documented for one callable:
// the taint it introduces (postconditions) and the taint it consumes
// (preconditions), with how far each fact sits from the true taint leaf.
package model

import (
	"sort"

	"github.com/tracepost/tracepost/internal/facts"
	"github.com/tracepost/tracepost/internal/intern"
)

// Condition is one merged taint fact for a callable. Immutable once the
// assembler is finalized.
type Condition struct {
	Callable    intern.Handle
	Direction   facts.Direction
	Kind        intern.Handle
	Port        intern.Handle
	Distance    int
	Annotations []intern.Handle // sorted, deduplicated
}

// Model is the aggregation of all Conditions for one callable. Built once
// per run; read-only afterward.
type Model struct {
	Callable intern.Handle
	File     intern.Handle
	Line     int
	Pre      []Condition // taint consumed (sink side)
	Post     []Condition // taint produced (source side)
}

// conditionKey identifies the merge unit: overlapping analyzer passes may
// report the same (callable, direction, kind, port) more than once.
type conditionKey struct {
	callable  intern.Handle
	direction facts.Direction
	kind      intern.Handle
	port      intern.Handle
}

// Assembler groups condition facts into Models.
type Assembler struct {
	models     map[intern.Handle]*Model
	conditions map[conditionKey]*Condition
	finalized  bool
}

// NewAssembler creates an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{
		models:     make(map[intern.Handle]*Model),
		conditions: make(map[conditionKey]*Condition),
	}
}

// AddCallable records a callable declaration. A condition for an undeclared
// callable also creates its model, so declarations only contribute the
// source location.
func (a *Assembler) AddCallable(f *facts.CallableFact) {
	m := a.model(f.Signature)
	if m.File == intern.None {
		m.File = f.File
		m.Line = f.Line
	}
}

// AddCondition records one condition fact, merging it with any previously
// seen condition for the same (callable, direction, kind, port). The merge
// takes the minimum distance and the union of annotations; it is
// commutative and associative, so fact arrival order never changes the
// assembled model.
func (a *Assembler) AddCondition(f *facts.ConditionFact) {
	key := conditionKey{f.Callable, f.Direction, f.Kind, f.Port}
	if existing, ok := a.conditions[key]; ok {
		if f.Distance < existing.Distance {
			existing.Distance = f.Distance
		}
		existing.Annotations = mergeAnnotations(existing.Annotations, f.Annotations)
		return
	}

	cond := &Condition{
		Callable:    f.Callable,
		Direction:   f.Direction,
		Kind:        f.Kind,
		Port:        f.Port,
		Distance:    f.Distance,
		Annotations: mergeAnnotations(nil, f.Annotations),
	}
	a.conditions[key] = cond
	a.model(f.Callable)
}

// Finalize freezes assembly and attaches merged conditions to their models
// in deterministic order. The returned table maps callable handle to model
// and must be treated as read-only.
func (a *Assembler) Finalize() map[intern.Handle]*Model {
	if a.finalized {
		return a.models
	}
	a.finalized = true

	keys := make([]conditionKey, 0, len(a.conditions))
	for k := range a.conditions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].callable != keys[j].callable {
			return keys[i].callable < keys[j].callable
		}
		if keys[i].direction != keys[j].direction {
			return keys[i].direction < keys[j].direction
		}
		if keys[i].kind != keys[j].kind {
			return keys[i].kind < keys[j].kind
		}
		return keys[i].port < keys[j].port
	})

	for _, k := range keys {
		cond := a.conditions[k]
		m := a.models[k.callable]
		if cond.Direction == facts.DirectionPre {
			m.Pre = append(m.Pre, *cond)
		} else {
			m.Post = append(m.Post, *cond)
		}
	}
	return a.models
}

func (a *Assembler) model(callable intern.Handle) *Model {
	if m, ok := a.models[callable]; ok {
		return m
	}
	m := &Model{Callable: callable}
	a.models[callable] = m
	return m
}

// mergeAnnotations returns the sorted union of two annotation sets.
func mergeAnnotations(a, b []intern.Handle) []intern.Handle {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[intern.Handle]struct{}, len(a)+len(b))
	var out []intern.Handle
	for _, h := range a {
		if _, ok := seen[h]; !ok {
			seen[h] = struct{}{}
			out = append(out, h)
		}
	}
	for _, h := range b {
		if _, ok := seen[h]; !ok {
			seen[h] = struct{}{}
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
